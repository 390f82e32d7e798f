package cwa14890

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/skythen/apdu"
)

var (
	// ErrConnectionClosed results from transmitting on a Connection that has no open secure channel.
	ErrConnectionClosed = errors.New("cwa14890: secure channel is not open")
	// ErrAuthenticationInProgress results from calling Open, Reset or Transmit while the channel is being established.
	ErrAuthenticationInProgress = errors.New("cwa14890: secure channel authentication in progress")
)

// TransmitError results from an error during the transmission of a Command APDU.
type TransmitError struct {
	Command apdu.Capdu // CAPDU that should have been transmitted.
	Cause   error
}

func (e TransmitError) Error() string {
	return fmt.Sprintf("cwa14890: transmit of command failed CAPDU: %s cause: %v", e.Command.String(), e.Cause)
}

func (e TransmitError) Unwrap() error {
	return e.Cause
}

// NonSuccessResponseError results from receiving a Response APDU with a non-success status word.
type NonSuccessResponseError struct {
	Command  apdu.Capdu // CAPDU that was transmitted.
	Response apdu.Rapdu // RAPDU that has been received.
}

func (e NonSuccessResponseError) Error() string {
	return fmt.Sprintf("cwa14890: received non success response CAPDU: %s RAPDU: %s", e.Command.String(), e.Response.String())
}

// AuthenticationError results from a failed step of the mutual authentication between terminal and card.
// It is never retried by this package, callers may retry Connection.Open.
type AuthenticationError struct {
	Step  string // Step of the authentication that failed.
	Cause error
}

func (e AuthenticationError) Error() string {
	return fmt.Sprintf("cwa14890: secure channel authentication failed in step %s: %v", e.Step, e.Cause)
}

func (e AuthenticationError) Unwrap() error {
	return e.Cause
}

// InvalidChecksumError results from the card reporting an invalid cryptographic checksum (SW '6688')
// for a protected command. The session counters can't be trusted anymore, the channel must be reset.
type InvalidChecksumError struct {
	Command apdu.Capdu // Protected CAPDU that was rejected by the card.
}

func (e InvalidChecksumError) Error() string {
	return fmt.Sprintf("cwa14890: card reported invalid cryptographic checksum for CAPDU: %s", e.Command.String())
}

// MACError results from a mismatch between the MAC calculated on host and the MAC received from the card.
type MACError struct {
	Expected []byte // Expected MAC.
	Received []byte // Received MAC.
}

func (e MACError) Error() string {
	return fmt.Sprintf("cwa14890: invalid MAC: expected: %02X received: %02X", e.Expected, e.Received)
}

// IsIntegrityError reports whether err indicates that the integrity of the secure channel is lost,
// i.e. the card rejected a checksum or a response MAC didn't verify.
func IsIntegrityError(err error) bool {
	var (
		checksumErr InvalidChecksumError
		macErr      MACError
	)

	return errors.As(err, &checksumErr) || errors.As(err, &macErr)
}

// IsAuthenticationError reports whether err results from a failed mutual authentication.
func IsAuthenticationError(err error) bool {
	var authErr AuthenticationError

	return errors.As(err, &authErr)
}
