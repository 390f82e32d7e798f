// Package iso7816 contains the response parsing and status word handling shared by the transports.
package iso7816

import (
	"github.com/pkg/errors"
	"github.com/skythen/apdu"
)

const (
	SW1BytesAvailable byte = 0x61 // SW2 bytes still available, fetch with GET RESPONSE.
	SW1WrongLe        byte = 0x6C // wrong Le, SW2 holds the exact length.

	insGetResponse byte = 0xC0

	// MaxGetResponse is the maximum number of GET RESPONSE commands issued for one command.
	MaxGetResponse = 32

	maxLenResponseDataExtended = 65536
)

// ParseResponse parses a raw response into an apdu.Rapdu. The response must at least contain the status word.
func ParseResponse(b []byte) (apdu.Rapdu, error) {
	if len(b) < 2 {
		return apdu.Rapdu{}, errors.Errorf("response must be at least 2 bytes long, got %d", len(b))
	}

	if len(b) > maxLenResponseDataExtended+2 {
		return apdu.Rapdu{}, errors.Errorf("response of %d bytes exceeds maximum length", len(b))
	}

	rapdu := apdu.Rapdu{SW1: b[len(b)-2], SW2: b[len(b)-1]}

	if len(b) > 2 {
		rapdu.Data = make([]byte, len(b)-2)
		copy(rapdu.Data, b[:len(b)-2])
	}

	return rapdu, nil
}

// StatusWord returns SW1 and SW2 of rapdu as one value.
func StatusWord(rapdu apdu.Rapdu) uint16 {
	return uint16(rapdu.SW1)<<8 | uint16(rapdu.SW2)
}

// RawTransmitFunc transmits the encoding of a command and returns the raw response.
type RawTransmitFunc func(capdu []byte) ([]byte, error)

// Transmit encodes capdu, transmits it with fn and parses the response.
// Responses with SW1 '61' are completed with GET RESPONSE, the data of all responses is concatenated.
// A response with SW1 '6C' to GET RESPONSE is repeated once with the announced length.
func Transmit(fn RawTransmitFunc, capdu apdu.Capdu) (apdu.Rapdu, error) {
	b := capdu.Bytes()

	resp, err := fn(b)
	if err != nil {
		return apdu.Rapdu{}, err
	}

	rapdu, err := ParseResponse(resp)
	if err != nil {
		return apdu.Rapdu{}, err
	}

	var data []byte

	for i := 0; rapdu.SW1 == SW1BytesAvailable; i++ {
		if i == MaxGetResponse {
			return apdu.Rapdu{}, errors.Errorf("card still announces available bytes after %d GET RESPONSE", MaxGetResponse)
		}

		data = append(data, rapdu.Data...)

		rapdu, err = getResponse(fn, capdu.Cla, rapdu.SW2)
		if err != nil {
			return apdu.Rapdu{}, err
		}
	}

	if data != nil {
		rapdu.Data = append(data, rapdu.Data...)
	}

	return rapdu, nil
}

func getResponse(fn RawTransmitFunc, cla byte, available byte) (apdu.Rapdu, error) {
	ne := int(available)
	if ne == 0 {
		ne = apdu.MaxLenResponseDataStandard
	}

	for attempt := 0; attempt < 2; attempt++ {
		getResponse := apdu.Capdu{Cla: cla & 0x03, Ins: insGetResponse, Ne: ne}

		resp, err := fn(getResponse.Bytes())
		if err != nil {
			return apdu.Rapdu{}, errors.Wrap(err, "transmit GET RESPONSE")
		}

		rapdu, err := ParseResponse(resp)
		if err != nil {
			return apdu.Rapdu{}, errors.Wrap(err, "parse response to GET RESPONSE")
		}

		if rapdu.SW1 != SW1WrongLe {
			return rapdu, nil
		}

		ne = int(rapdu.SW2)
		if ne == 0 {
			ne = apdu.MaxLenResponseDataStandard
		}
	}

	return apdu.Rapdu{}, errors.New("card rejected Le of GET RESPONSE twice")
}

// ParseCommand parses the encoding of a command in short or extended length format.
func ParseCommand(b []byte) (apdu.Capdu, error) {
	if len(b) < 4 {
		return apdu.Capdu{}, errors.Errorf("command must be at least 4 bytes long, got %d", len(b))
	}

	capdu := apdu.Capdu{Cla: b[0], Ins: b[1], P1: b[2], P2: b[3]}
	body := b[4:]

	switch {
	case len(body) == 0:
		// case 1
	case len(body) == 1:
		capdu.Ne = shortLe(body[0])
	case body[0] != 0x00:
		lc := int(body[0])

		switch len(body) {
		case 1 + lc:
		case 2 + lc:
			capdu.Ne = shortLe(body[1+lc])
		default:
			return apdu.Capdu{}, errors.Errorf("length %d of command body does not match Lc %d", len(body), lc)
		}

		capdu.Data = append([]byte(nil), body[1:1+lc]...)
	case len(body) == 3:
		capdu.Ne = extendedLe(body[1], body[2])
	case len(body) > 3:
		lc := int(body[1])<<8 | int(body[2])
		if lc == 0 {
			return apdu.Capdu{}, errors.New("extended Lc must not be zero")
		}

		switch len(body) {
		case 3 + lc:
		case 5 + lc:
			capdu.Ne = extendedLe(body[3+lc], body[4+lc])
		default:
			return apdu.Capdu{}, errors.Errorf("length %d of command body does not match extended Lc %d", len(body), lc)
		}

		capdu.Data = append([]byte(nil), body[3:3+lc]...)
	default:
		return apdu.Capdu{}, errors.Errorf("invalid command body of %d bytes", len(body))
	}

	return capdu, nil
}

func shortLe(le byte) int {
	if le == 0x00 {
		return apdu.MaxLenResponseDataStandard
	}

	return int(le)
}

func extendedLe(hi, lo byte) int {
	ne := int(hi)<<8 | int(lo)
	if ne == 0 {
		return maxLenResponseDataExtended
	}

	return ne
}
