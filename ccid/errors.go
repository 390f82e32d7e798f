package ccid

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrNotOpen results from using a Device that has not been opened.
	ErrNotOpen = errors.New("ccid: device is not open")
	// ErrNotPowered results from reading the ATR of an open Device whose card could not be powered.
	ErrNotPowered = errors.New("ccid: card is not powered")
	// ErrReclaimInterface is returned by USBInterface implementations when the interface must be
	// released and claimed again before the next transfer, e.g. after a stalled endpoint.
	ErrReclaimInterface = errors.New("ccid: interface must be reclaimed")
)

// SequenceError results from a Bulk-IN message whose bSeq doesn't match the bSeq of the Bulk-OUT message.
// The exchange with the reader is out of step and the error is not retried.
type SequenceError struct {
	Expected byte
	Received byte
}

func (e SequenceError) Error() string {
	return fmt.Sprintf("ccid: sequence number mismatch: expected %02X received %02X", e.Expected, e.Received)
}

// CommunicationError results from a failed or incomplete bulk transfer.
type CommunicationError struct {
	Op    string // "write" or "read".
	Cause error
}

func (e CommunicationError) Error() string {
	return fmt.Sprintf("ccid: bulk %s failed: %v", e.Op, e.Cause)
}

func (e CommunicationError) Unwrap() error {
	return e.Cause
}

// SlotError results from a Bulk-IN message reporting that the command was not processed.
type SlotError struct {
	Status SlotStatus
}

func (e SlotError) Error() string {
	return fmt.Sprintf("ccid: command %s, ICC %s, error code %02X", e.Status.Command, e.Status.Icc, e.Status.Error)
}

// TimeExtensionError results from a command the reader still reported as in progress after the
// maximum number of time extensions. The command is not transmitted again.
type TimeExtensionError struct {
	Status SlotStatus
	Data   []byte // data of the last answer of the reader.
}

func (e TimeExtensionError) Error() string {
	return fmt.Sprintf("ccid: reader still requests time extension, ICC %s, multiplier %02X", e.Status.Icc, e.Status.Error)
}

// ReclaimError wraps a transfer error after which the interface must be claimed again.
// It matches ErrReclaimInterface and unwraps to the transfer error.
type ReclaimError struct {
	Cause error
}

func (e ReclaimError) Error() string {
	return fmt.Sprintf("%v: %v", ErrReclaimInterface, e.Cause)
}

func (e ReclaimError) Is(target error) bool {
	return target == ErrReclaimInterface
}

func (e ReclaimError) Unwrap() error {
	return e.Cause
}

// TransmissionError results from a transfer that failed after all retries and reconnects.
type TransmissionError struct {
	Attempts int
	Cause    error
}

func (e TransmissionError) Error() string {
	return fmt.Sprintf("ccid: transmission failed after %d attempts: %v", e.Attempts, e.Cause)
}

func (e TransmissionError) Unwrap() error {
	return e.Cause
}
