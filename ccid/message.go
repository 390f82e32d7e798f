package ccid

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
)

const headerLength = 10

// Bulk-OUT message types.
const (
	msgIccPowerOn    byte = 0x62
	msgIccPowerOff   byte = 0x63
	msgGetSlotStatus byte = 0x65
	msgXfrBlock      byte = 0x6F
)

// Bulk-IN message types.
const (
	msgDataBlock  byte = 0x80
	msgSlotStatus byte = 0x81
)

// CommandStatus is the command status of bStatus of a Bulk-IN message.
type CommandStatus byte

const (
	CommandProcessed     CommandStatus = 0 // Command processed without error.
	CommandFailed        CommandStatus = 1 // Command failed, bError holds the error code.
	CommandTimeExtension CommandStatus = 2 // Time extension requested.
)

func (s CommandStatus) String() string {
	switch s {
	case CommandProcessed:
		return "processed"
	case CommandFailed:
		return "failed"
	case CommandTimeExtension:
		return "time extension"
	default:
		return fmt.Sprintf("RFU(%d)", byte(s))
	}
}

// IccStatus is the ICC status of bStatus of a Bulk-IN message.
type IccStatus byte

const (
	IccActive          IccStatus = 0 // An ICC is present and active.
	IccPresentInactive IccStatus = 1 // An ICC is present and inactive.
	IccAbsent          IccStatus = 2 // No ICC is present.
)

func (s IccStatus) String() string {
	switch s {
	case IccActive:
		return "present and active"
	case IccPresentInactive:
		return "present and inactive"
	case IccAbsent:
		return "absent"
	default:
		return fmt.Sprintf("RFU(%d)", byte(s))
	}
}

// SlotStatus is the status of a slot as reported in a Bulk-IN message.
type SlotStatus struct {
	Command CommandStatus
	Icc     IccStatus
	Error   byte // bError, only meaningful if Command is CommandFailed.
}

// CardPresent reports whether an ICC is in the slot.
func (s SlotStatus) CardPresent() bool {
	return s.Icc == IccActive || s.Icc == IccPresentInactive
}

// CardActive reports whether an ICC is in the slot and powered.
func (s SlotStatus) CardActive() bool {
	return s.Icc == IccActive
}

// command is a Bulk-OUT message.
type command struct {
	Type   byte
	Slot   byte
	Seq    byte
	Params [3]byte
	Data   []byte
}

func (c command) bytes() []byte {
	b := make([]byte, headerLength+len(c.Data))

	b[0] = c.Type
	binary.LittleEndian.PutUint32(b[1:5], uint32(len(c.Data)))
	b[5] = c.Slot
	b[6] = c.Seq
	copy(b[7:10], c.Params[:])
	copy(b[headerLength:], c.Data)

	return b
}

// response is a Bulk-IN message.
type response struct {
	Type   byte
	Slot   byte
	Seq    byte
	Status byte
	Error  byte
	Param  byte // bChainParameter or bClockStatus
	Data   []byte
}

func (r response) slotStatus() SlotStatus {
	return SlotStatus{
		Command: CommandStatus(r.Status >> 6),
		Icc:     IccStatus(r.Status & 0x03),
		Error:   r.Error,
	}
}

// messageLength returns the total length of the message announced by the header in b.
func messageLength(b []byte) (int, error) {
	if len(b) < headerLength {
		return 0, errors.Errorf("message must be at least %d bytes long, got %d", headerLength, len(b))
	}

	length := binary.LittleEndian.Uint32(b[1:5])
	if length > maxMessageData {
		return 0, errors.Errorf("announced data length %d exceeds maximum %d", length, maxMessageData)
	}

	return headerLength + int(length), nil
}

func parseResponse(b []byte) (response, error) {
	length, err := messageLength(b)
	if err != nil {
		return response{}, err
	}

	if len(b) != length {
		return response{}, errors.Errorf("message length %d does not match announced length %d", len(b), length)
	}

	r := response{
		Type:   b[0],
		Slot:   b[5],
		Seq:    b[6],
		Status: b[7],
		Error:  b[8],
		Param:  b[9],
	}

	if length > headerLength {
		r.Data = make([]byte, length-headerLength)
		copy(r.Data, b[headerLength:])
	}

	return r, nil
}
