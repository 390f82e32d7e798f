package cwa14890

import (
	"crypto/subtle"

	"github.com/pkg/errors"
	"github.com/skythen/apdu"
)

const (
	claSecureMessaging byte = 0x0C // SM indication with authenticated header.

	tagCryptogram byte = 0x87 // padding indicator | cryptogram
	tagLe         byte = 0x97 // expected length
	tagStatus     byte = 0x99 // processing status
	tagChecksum   byte = 0x8E // cryptographic checksum

	paddingIndicatorISO7816 byte = 0x01
)

// SessionKeys holds the keys of a secure messaging session.
type SessionKeys struct {
	Enc [16]byte // Kenc, used for encryption of data fields.
	MAC [16]byte // Kmac, used for the cryptographic checksum.
}

// Wipe overwrites both keys with zeros.
func (keys *SessionKeys) Wipe() {
	wipe(keys.Enc[:])
	wipe(keys.MAC[:])
}

// Protect takes a plain apdu.Capdu and returns the protected apdu.Capdu: the data field is padded,
// encrypted and wrapped in DO'87', Le is wrapped in DO'97' and the cryptographic checksum over the
// header and both data objects is appended in DO'8E'.
//
// ssc must already be incremented for this command. The protected command always carries Le='00'
// to let the card return its protected response.
func Protect(suite CipherSuite, helper CryptoHelper, capdu apdu.Capdu, keys SessionKeys, ssc SequenceCounter) (apdu.Capdu, error) {
	if !suite.valid() {
		return apdu.Capdu{}, errors.Errorf("unsupported cipher suite %d", suite)
	}

	var dataObjects []byte

	if len(capdu.Data) > 0 {
		padded, err := Pad80(capdu.Data, suite.BlockSize(), true)
		if err != nil {
			return apdu.Capdu{}, errors.Wrap(err, "pad command data")
		}

		cryptogram, err := suite.encrypt(helper, padded, keys.Enc[:], ssc)
		wipe(padded)

		if err != nil {
			return apdu.Capdu{}, errors.Wrap(err, "encrypt command data")
		}

		value := make([]byte, 0, len(cryptogram)+1)
		value = append(value, paddingIndicatorISO7816)
		value = append(value, cryptogram...)

		dataObjects = appendTLV(dataObjects, tagCryptogram, value)
	}

	if capdu.Ne > 0 {
		dataObjects = appendTLV(dataObjects, tagLe, encodeLe(capdu.Ne))
	}

	cla := capdu.Cla | claSecureMessaging

	mac, err := commandMAC(suite, helper, [4]byte{cla, capdu.Ins, capdu.P1, capdu.P2}, dataObjects, keys.MAC[:], ssc)
	if err != nil {
		return apdu.Capdu{}, err
	}

	return apdu.Capdu{
		Cla:  cla,
		Ins:  capdu.Ins,
		P1:   capdu.P1,
		P2:   capdu.P2,
		Data: appendTLV(dataObjects, tagChecksum, mac),
		Ne:   apdu.MaxLenResponseDataStandard,
	}, nil
}

// Unprotect takes a protected apdu.Rapdu, verifies the cryptographic checksum and returns the plain apdu.Rapdu
// with the decrypted data and the status word of DO'99'.
//
// ssc must already be incremented for this response. Responses with a status word other than '9000'
// are not protected by the card and are returned as bare status word.
func Unprotect(suite CipherSuite, helper CryptoHelper, rapdu apdu.Rapdu, keys SessionKeys, ssc SequenceCounter) (apdu.Rapdu, error) {
	if !suite.valid() {
		return apdu.Rapdu{}, errors.Errorf("unsupported cipher suite %d", suite)
	}

	if rapdu.SW1 != 0x90 || rapdu.SW2 != 0x00 {
		return apdu.Rapdu{SW1: rapdu.SW1, SW2: rapdu.SW2}, nil
	}

	objects, err := parseDataObjects(rapdu.Data)
	if err != nil {
		return apdu.Rapdu{}, errors.Wrap(err, "parse protected response")
	}

	checksum, macInput, err := splitChecksum(objects)
	if err != nil {
		return apdu.Rapdu{}, err
	}

	padded, err := Pad80(macInput, suite.BlockSize(), true)
	if err != nil {
		return apdu.Rapdu{}, errors.Wrap(err, "pad MAC input")
	}

	expected, err := suite.mac(helper, padded, keys.MAC[:], ssc)
	if err != nil {
		return apdu.Rapdu{}, errors.Wrap(err, "calculate response MAC")
	}

	if subtle.ConstantTimeCompare(expected, checksum) != 1 {
		return apdu.Rapdu{}, MACError{Expected: expected, Received: checksum}
	}

	result := apdu.Rapdu{SW1: rapdu.SW1, SW2: rapdu.SW2}

	for _, object := range objects {
		switch object.tag {
		case tagStatus:
			if len(object.value) != 2 {
				return apdu.Rapdu{}, errors.Errorf("DO'99' must be 2 bytes long, got %d", len(object.value))
			}

			result.SW1, result.SW2 = object.value[0], object.value[1]
		case tagCryptogram:
			result.Data, err = decryptCryptogram(suite, helper, object.value, keys.Enc[:], ssc)
			if err != nil {
				return apdu.Rapdu{}, err
			}
		}
	}

	return result, nil
}

// UnprotectCommand is the card side counterpart of Protect. It verifies the cryptographic checksum
// of a protected apdu.Capdu and returns the plain apdu.Capdu.
func UnprotectCommand(suite CipherSuite, helper CryptoHelper, capdu apdu.Capdu, keys SessionKeys, ssc SequenceCounter) (apdu.Capdu, error) {
	if !suite.valid() {
		return apdu.Capdu{}, errors.Errorf("unsupported cipher suite %d", suite)
	}

	if capdu.Cla&claSecureMessaging != claSecureMessaging {
		return apdu.Capdu{}, errors.Errorf("CLA %02X does not indicate secure messaging", capdu.Cla)
	}

	objects, err := parseDataObjects(capdu.Data)
	if err != nil {
		return apdu.Capdu{}, errors.Wrap(err, "parse protected command")
	}

	checksum, dataObjects, err := splitChecksum(objects)
	if err != nil {
		return apdu.Capdu{}, err
	}

	expected, err := commandMAC(suite, helper, [4]byte{capdu.Cla, capdu.Ins, capdu.P1, capdu.P2}, dataObjects, keys.MAC[:], ssc)
	if err != nil {
		return apdu.Capdu{}, err
	}

	if subtle.ConstantTimeCompare(expected, checksum) != 1 {
		return apdu.Capdu{}, MACError{Expected: expected, Received: checksum}
	}

	plain := apdu.Capdu{
		Cla: capdu.Cla &^ claSecureMessaging,
		Ins: capdu.Ins,
		P1:  capdu.P1,
		P2:  capdu.P2,
	}

	for _, object := range objects {
		switch object.tag {
		case tagCryptogram:
			plain.Data, err = decryptCryptogram(suite, helper, object.value, keys.Enc[:], ssc)
			if err != nil {
				return apdu.Capdu{}, err
			}
		case tagLe:
			plain.Ne, err = decodeLe(object.value)
			if err != nil {
				return apdu.Capdu{}, err
			}
		}
	}

	return plain, nil
}

// ProtectResponse is the card side counterpart of Unprotect. It encrypts the data of a plain apdu.Rapdu,
// wraps the status word in DO'99', appends the cryptographic checksum and returns the protected apdu.Rapdu
// with status word '9000'.
func ProtectResponse(suite CipherSuite, helper CryptoHelper, rapdu apdu.Rapdu, keys SessionKeys, ssc SequenceCounter) (apdu.Rapdu, error) {
	if !suite.valid() {
		return apdu.Rapdu{}, errors.Errorf("unsupported cipher suite %d", suite)
	}

	var dataObjects []byte

	if len(rapdu.Data) > 0 {
		padded, err := Pad80(rapdu.Data, suite.BlockSize(), true)
		if err != nil {
			return apdu.Rapdu{}, errors.Wrap(err, "pad response data")
		}

		cryptogram, err := suite.encrypt(helper, padded, keys.Enc[:], ssc)
		wipe(padded)

		if err != nil {
			return apdu.Rapdu{}, errors.Wrap(err, "encrypt response data")
		}

		dataObjects = appendTLV(dataObjects, tagCryptogram, append([]byte{paddingIndicatorISO7816}, cryptogram...))
	}

	dataObjects = appendTLV(dataObjects, tagStatus, []byte{rapdu.SW1, rapdu.SW2})

	padded, err := Pad80(dataObjects, suite.BlockSize(), true)
	if err != nil {
		return apdu.Rapdu{}, errors.Wrap(err, "pad MAC input")
	}

	mac, err := suite.mac(helper, padded, keys.MAC[:], ssc)
	if err != nil {
		return apdu.Rapdu{}, errors.Wrap(err, "calculate response MAC")
	}

	return apdu.Rapdu{Data: appendTLV(dataObjects, tagChecksum, mac), SW1: 0x90, SW2: 0x00}, nil
}

// commandMAC calculates the checksum over the padded header followed by the padded data objects.
// Without data objects only the padded header is authenticated.
func commandMAC(suite CipherSuite, helper CryptoHelper, header [4]byte, dataObjects []byte, kmac []byte, ssc SequenceCounter) ([]byte, error) {
	macInput, err := Pad80(header[:], suite.BlockSize(), true)
	if err != nil {
		return nil, errors.Wrap(err, "pad command header")
	}

	if len(dataObjects) > 0 {
		padded, err := Pad80(dataObjects, suite.BlockSize(), true)
		if err != nil {
			return nil, errors.Wrap(err, "pad data objects")
		}

		macInput = append(macInput, padded...)
	}

	mac, err := suite.mac(helper, macInput, kmac, ssc)
	if err != nil {
		return nil, errors.Wrap(err, "calculate command MAC")
	}

	return mac, nil
}

func decryptCryptogram(suite CipherSuite, helper CryptoHelper, value []byte, kenc []byte, ssc SequenceCounter) ([]byte, error) {
	if len(value) < 1+suite.BlockSize() || value[0] != paddingIndicatorISO7816 {
		return nil, errors.New("invalid DO'87': missing padding indicator or cryptogram")
	}

	decrypted, err := suite.decrypt(helper, value[1:], kenc, ssc)
	if err != nil {
		return nil, errors.Wrap(err, "decrypt DO'87'")
	}

	unpadded := Unpad80(decrypted)
	plain := make([]byte, len(unpadded))
	copy(plain, unpadded)
	wipe(decrypted)

	return plain, nil
}

type dataObject struct {
	tag   byte
	value []byte
	raw   []byte // tag, length and value as received
}

// splitChecksum returns the value of the trailing DO'8E' and the encoding of all data objects preceding it.
func splitChecksum(objects []dataObject) (checksum []byte, macInput []byte, err error) {
	if len(objects) == 0 || objects[len(objects)-1].tag != tagChecksum {
		return nil, nil, errors.New("protected message has no trailing DO'8E'")
	}

	for _, object := range objects[:len(objects)-1] {
		if object.tag == tagChecksum {
			return nil, nil, errors.New("protected message has more than one DO'8E'")
		}

		macInput = append(macInput, object.raw...)
	}

	return objects[len(objects)-1].value, macInput, nil
}

func parseDataObjects(b []byte) ([]dataObject, error) {
	var objects []dataObject

	for offset := 0; offset < len(b); {
		start := offset
		tag := b[offset]
		offset++

		if offset >= len(b) {
			return nil, errors.Errorf("data object %02X has no length", tag)
		}

		length := int(b[offset])
		offset++

		switch {
		case length == 0x81:
			if offset+1 > len(b) {
				return nil, errors.Errorf("truncated length of data object %02X", tag)
			}

			length = int(b[offset])
			offset++
		case length == 0x82:
			if offset+2 > len(b) {
				return nil, errors.Errorf("truncated length of data object %02X", tag)
			}

			length = int(b[offset])<<8 | int(b[offset+1])
			offset += 2
		case length > 0x80:
			return nil, errors.Errorf("unsupported length encoding %02X of data object %02X", length, tag)
		}

		if offset+length > len(b) {
			return nil, errors.Errorf("value of data object %02X exceeds message: %d > %d", tag, length, len(b)-offset)
		}

		objects = append(objects, dataObject{
			tag:   tag,
			value: b[offset : offset+length],
			raw:   b[start : offset+length],
		})

		offset += length
	}

	return objects, nil
}

func appendTLV(b []byte, tag byte, value []byte) []byte {
	b = append(b, tag)

	switch {
	case len(value) < 0x80:
		b = append(b, byte(len(value)))
	case len(value) <= 0xFF:
		b = append(b, 0x81, byte(len(value)))
	default:
		b = append(b, 0x82, byte(len(value)>>8), byte(len(value)))
	}

	return append(b, value...)
}

func encodeLe(ne int) []byte {
	if ne <= apdu.MaxLenResponseDataStandard {
		return []byte{byte(ne)}
	}

	return []byte{byte(ne >> 8), byte(ne)}
}

func decodeLe(b []byte) (int, error) {
	switch len(b) {
	case 1:
		if b[0] == 0x00 {
			return apdu.MaxLenResponseDataStandard, nil
		}

		return int(b[0]), nil
	case 2:
		ne := int(b[0])<<8 | int(b[1])
		if ne == 0 {
			return 65536, nil
		}

		return ne, nil
	default:
		return 0, errors.Errorf("DO'97' must be 1 or 2 bytes long, got %d", len(b))
	}
}
