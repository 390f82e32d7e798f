// Package ccid provides the byte transport to a card in a USB CCID reader.
package ccid

import (
	"encoding/hex"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const (
	maxMessageData = 65538

	DefaultTimeout           = 5000 * time.Millisecond
	DefaultMaxTimeExtensions = 16
	DefaultTimeExtensionWait = 200 * time.Millisecond
)

// USBInterface is the claimed interface of a CCID reader with a bulk-out and a bulk-in endpoint.
type USBInterface interface {
	// Write writes b to the bulk-out endpoint and returns the number of bytes written.
	Write(b []byte, timeout time.Duration) (int, error)
	// Read reads one transfer from the bulk-in endpoint into b and returns the number of bytes read.
	Read(b []byte, timeout time.Duration) (int, error)
	// Claim claims the interface.
	Claim() error
	// Release releases the interface.
	Release() error
	// Close releases all resources of the device.
	Close() error
}

// Channel exchanges CCID messages with one slot of a reader.
// Each Bulk-OUT message carries a sequence number that must be echoed by the Bulk-IN response.
type Channel struct {
	usb               USBInterface
	slot              byte
	seq               byte
	timeout           time.Duration
	maxTimeExtensions int
	timeExtensionWait time.Duration
	sleep             func(time.Duration)
	logger            zerolog.Logger
	buf               []byte
}

func newChannel(usb USBInterface, slot byte, config Configuration, sleep func(time.Duration), logger zerolog.Logger) *Channel {
	return &Channel{
		usb:               usb,
		slot:              slot,
		timeout:           config.Timeout,
		maxTimeExtensions: config.MaxTimeExtensions,
		timeExtensionWait: config.TimeExtensionWait,
		sleep:             sleep,
		logger:            logger,
		buf:               make([]byte, headerLength+maxMessageData),
	}
}

// PowerOn activates the card and returns its ATR.
func (c *Channel) PowerOn() ([]byte, error) {
	resp, err := c.exchange(command{Type: msgIccPowerOn}, msgDataBlock)
	if err != nil {
		return nil, err
	}

	return resp.Data, nil
}

// PowerOff deactivates the card.
func (c *Channel) PowerOff() error {
	_, err := c.exchange(command{Type: msgIccPowerOff}, msgSlotStatus)

	return err
}

// SlotStatus returns the status of the slot.
func (c *Channel) SlotStatus() (SlotStatus, error) {
	resp, err := c.transceive(command{Type: msgGetSlotStatus}, msgSlotStatus)
	if err != nil {
		return SlotStatus{}, err
	}

	return resp.slotStatus(), nil
}

// Block is the answer of the reader to an XfrBlock command.
type Block struct {
	Data   []byte
	Status SlotStatus
}

// Pending reports whether the reader still requested a time extension when the maximum number of
// re-reads was reached. Data is then not a response of the card.
func (b Block) Pending() bool {
	return b.Status.Command == CommandTimeExtension
}

// XfrBlock transmits b to the card and returns the answer of the reader. If the reader keeps requesting
// time extensions, the last answer is returned as is and Pending reports true.
func (c *Channel) XfrBlock(b []byte) (Block, error) {
	resp, err := c.transceive(command{Type: msgXfrBlock, Data: b}, msgDataBlock)
	if err != nil {
		return Block{}, err
	}

	status := resp.slotStatus()
	if status.Command != CommandProcessed && status.Command != CommandTimeExtension {
		return Block{}, SlotError{Status: status}
	}

	return Block{Data: resp.Data, Status: status}, nil
}

// exchange transceives cmd and requires the reader to report the command as processed.
func (c *Channel) exchange(cmd command, expectedType byte) (response, error) {
	resp, err := c.transceive(cmd, expectedType)
	if err != nil {
		return response{}, err
	}

	if status := resp.slotStatus(); status.Command != CommandProcessed {
		return response{}, SlotError{Status: status}
	}

	return resp, nil
}

// transceive writes cmd and reads the response. While the reader requests a time extension the
// response is read again after a pause, at most maxTimeExtensions times. The last response is returned.
func (c *Channel) transceive(cmd command, expectedType byte) (response, error) {
	cmd.Slot = c.slot
	cmd.Seq = c.seq
	c.seq++

	out := cmd.bytes()

	c.logger.Trace().Str("bulk_out", hex.EncodeToString(out)).Msg("write")

	n, err := c.usb.Write(out, c.timeout)
	if err != nil {
		return response{}, CommunicationError{Op: "write", Cause: err}
	}

	if n != 0 && n != len(out) {
		return response{}, CommunicationError{Op: "write", Cause: errors.Errorf("wrote %d of %d bytes", n, len(out))}
	}

	resp, err := c.read(cmd.Seq, expectedType)
	if err != nil {
		return response{}, err
	}

	for i := 0; i < c.maxTimeExtensions && resp.slotStatus().Command == CommandTimeExtension; i++ {
		c.logger.Debug().Int("extension", i+1).Uint8("multiplier", resp.Error).Msg("reader requested time extension")

		c.sleep(c.timeExtensionWait)

		resp, err = c.read(cmd.Seq, expectedType)
		if err != nil {
			return response{}, err
		}
	}

	if resp.slotStatus().Command == CommandTimeExtension {
		c.logger.Warn().Int("extensions", c.maxTimeExtensions).Msg("time extension bound reached, returning last response")
	}

	return resp, nil
}

func (c *Channel) read(seq byte, expectedType byte) (response, error) {
	received := 0

	for {
		n, err := c.usb.Read(c.buf[received:], c.timeout)
		if err != nil {
			return response{}, CommunicationError{Op: "read", Cause: err}
		}

		if n < 0 {
			return response{}, CommunicationError{Op: "read", Cause: errors.Errorf("negative read count %d", n)}
		}

		if n == 0 {
			return response{}, CommunicationError{Op: "read", Cause: errors.New("empty transfer")}
		}

		received += n

		if received < headerLength {
			continue
		}

		length, err := messageLength(c.buf[:received])
		if err != nil {
			return response{}, CommunicationError{Op: "read", Cause: err}
		}

		if received >= length {
			break
		}
	}

	c.logger.Trace().Str("bulk_in", hex.EncodeToString(c.buf[:received])).Msg("read")

	resp, err := parseResponse(c.buf[:received])
	if err != nil {
		return response{}, CommunicationError{Op: "read", Cause: err}
	}

	if resp.Seq != seq {
		return response{}, SequenceError{Expected: seq, Received: resp.Seq}
	}

	if resp.Type != expectedType {
		return response{}, CommunicationError{
			Op:    "read",
			Cause: errors.Errorf("unexpected message type %02X, expected %02X", resp.Type, expectedType),
		}
	}

	return resp, nil
}
