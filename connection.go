package cwa14890

import (
	"encoding/hex"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/skythen/apdu"
)

const (
	swInvalidChecksum uint16 = 0x6688

	sw1IncorrectLe     byte = 0x6C // SW2 holds the correct Le
	sw1IncorrectLePACE byte = 0x62 // contactless profile, Le is decremented

	defaultMaxLeCorrections = 3
)

// State represents the state of a Connection.
type State int

const (
	StateClosed         State = iota // No secure channel established.
	StateAuthenticating State = iota // Mutual authentication in progress.
	StateOpen           State = iota // Secure channel established, commands are protected.
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateAuthenticating:
		return "authenticating"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Configuration is the configuration of a Connection.
type Configuration struct {
	CipherSuite      CipherSuite     // cipher suite used for secure messaging.
	MaxLeCorrections int             // maximum number of retransmissions with corrected Le per command, 3 if zero.
	Logger           *zerolog.Logger // logger, the global zerolog logger if nil.
}

// session is the state of an established secure channel.
type session struct {
	id   uuid.UUID
	keys SessionKeys
	ssc  SequenceCounter
}

func (s *session) wipe() {
	s.keys.Wipe()
	s.ssc.wipe()
}

// Connection is a CWA-14890 secure channel to a card. It authenticates terminal and card,
// derives the session keys and protects every command transmitted over it.
//
// A Connection is not safe for concurrent use, callers must serialize access to a card.
type Connection struct {
	transport        Transport
	card             Card
	helper           CryptoHelper
	suite            CipherSuite
	maxLeCorrections int
	logger           zerolog.Logger
	state            State
	session          *session
}

// NewConnection returns a closed Connection that layers a secure channel on transport.
func NewConnection(config Configuration, transport Transport, card Card, helper CryptoHelper) (*Connection, error) {
	if transport == nil || card == nil || helper == nil {
		return nil, errors.New("transport, card and crypto helper must not be nil")
	}

	if !config.CipherSuite.valid() {
		return nil, errors.Errorf("unsupported cipher suite %d", config.CipherSuite)
	}

	if config.MaxLeCorrections < 0 {
		return nil, errors.Errorf("maximum number of Le corrections must not be negative, got %d", config.MaxLeCorrections)
	}

	maxLeCorrections := config.MaxLeCorrections
	if maxLeCorrections == 0 {
		maxLeCorrections = defaultMaxLeCorrections
	}

	logger := log.Logger
	if config.Logger != nil {
		logger = *config.Logger
	}

	return &Connection{
		transport:        transport,
		card:             card,
		helper:           helper,
		suite:            config.CipherSuite,
		maxLeCorrections: maxLeCorrections,
		logger:           logger.With().Str("component", "cwa14890").Str("suite", config.CipherSuite.String()).Logger(),
		state:            StateClosed,
	}, nil
}

// State returns the state of the Connection.
func (c *Connection) State() State {
	return c.state
}

// IsOpen reports whether a secure channel is established.
func (c *Connection) IsOpen() bool {
	return c.state == StateOpen
}

// CipherSuite returns the cipher suite of the Connection.
func (c *Connection) CipherSuite() CipherSuite {
	return c.suite
}

// SessionID returns the ID of the current session or uuid.Nil if no channel is established.
func (c *Connection) SessionID() uuid.UUID {
	if c.session == nil {
		return uuid.Nil
	}

	return c.session.id
}

// SequenceCounter returns the value of the send sequence counter of the current session.
func (c *Connection) SequenceCounter() (SequenceCounter, error) {
	if c.state != StateOpen {
		return SequenceCounter{}, ErrConnectionClosed
	}

	return c.session.ssc, nil
}

// Open establishes the secure channel. The transport is opened or, if it is already open, reset.
// The certificates are verified, terminal and card authenticate each other and the session keys are derived.
// An already established channel is discarded and established again.
func (c *Connection) Open() error {
	if c.state == StateAuthenticating {
		return ErrAuthenticationInProgress
	}

	c.discardSession()

	if c.transport.IsOpen() {
		if err := c.transport.Reset(); err != nil {
			return errors.Wrap(err, "reset transport")
		}
	} else {
		if err := c.transport.Open(); err != nil {
			return errors.Wrap(err, "open transport")
		}
	}

	return c.establish()
}

// Reset resets the transport to obtain a fresh ATR and establishes the secure channel again.
func (c *Connection) Reset() error {
	if c.state == StateAuthenticating {
		return ErrAuthenticationInProgress
	}

	c.discardSession()

	if err := c.transport.Reset(); err != nil {
		return errors.Wrap(err, "reset transport")
	}

	c.logger.Info().Msg("transport reset, re-establishing secure channel")

	return c.establish()
}

// Close discards the session and closes the transport if it is open. Close can be called multiple times.
func (c *Connection) Close() error {
	c.discardSession()

	if !c.transport.IsOpen() {
		return nil
	}

	if err := c.transport.Close(); err != nil {
		return errors.Wrap(err, "close transport")
	}

	c.logger.Info().Msg("secure channel closed")

	return nil
}

// Transmit protects capdu, transmits it and returns the verified and decrypted response.
//
// The send sequence counter is incremented before the command is protected and again before
// the response is unprotected. If the card rejects the checksum of the command, an InvalidChecksumError
// is returned and no retry is attempted. Responses indicating an incorrect Le lead to a retransmission
// of the same command with corrected Le, at most MaxLeCorrections times.
func (c *Connection) Transmit(capdu apdu.Capdu) (apdu.Rapdu, error) {
	switch c.state {
	case StateAuthenticating:
		return apdu.Rapdu{}, ErrAuthenticationInProgress
	case StateClosed:
		return apdu.Rapdu{}, ErrConnectionClosed
	}

	command := capdu

	for corrections := 0; ; corrections++ {
		resp, err := c.exchange(command)
		if err != nil {
			return apdu.Rapdu{}, err
		}

		ne := command.Ne

		switch resp.SW1 {
		case sw1IncorrectLe:
			ne = int(resp.SW2)
			if ne == 0 {
				ne = apdu.MaxLenResponseDataStandard
			}
		case sw1IncorrectLePACE:
			if command.Ne <= 1 {
				return resp, nil
			}

			ne = command.Ne - 1
		default:
			return resp, nil
		}

		if corrections == c.maxLeCorrections {
			return apdu.Rapdu{}, TransmitError{
				Command: command,
				Cause:   errors.Errorf("card still reports incorrect Le after %d corrections, last SW: %02X%02X", corrections, resp.SW1, resp.SW2),
			}
		}

		c.logger.Debug().
			Int("le", command.Ne).
			Int("corrected_le", ne).
			Str("sw", hex.EncodeToString([]byte{resp.SW1, resp.SW2})).
			Msg("retransmitting command with corrected Le")

		command.Ne = ne
	}
}

// exchange performs exactly one protected round trip and increments the send sequence counter twice.
func (c *Connection) exchange(capdu apdu.Capdu) (apdu.Rapdu, error) {
	c.session.ssc.Increment()

	protected, err := Protect(c.suite, c.helper, capdu, c.session.keys, c.session.ssc)
	if err != nil {
		return apdu.Rapdu{}, errors.Wrap(err, "protect command")
	}

	c.logger.Debug().
		Str("capdu", hex.EncodeToString(protected.Bytes())).
		Msg("transmitting protected command")

	resp, err := c.transport.Transmit(protected)
	if err != nil {
		return apdu.Rapdu{}, TransmitError{Command: protected, Cause: err}
	}

	if uint16(resp.SW1)<<8|uint16(resp.SW2) == swInvalidChecksum {
		c.logger.Warn().Msg("card reported invalid cryptographic checksum")
		return apdu.Rapdu{}, InvalidChecksumError{Command: protected}
	}

	c.session.ssc.Increment()

	unprotected, err := Unprotect(c.suite, c.helper, resp, c.session.keys, c.session.ssc)
	if err != nil {
		return apdu.Rapdu{}, errors.Wrap(err, "unprotect response")
	}

	return unprotected, nil
}

// establish runs certificate verification, mutual authentication and key derivation on an open transport.
func (c *Connection) establish() error {
	c.state = StateAuthenticating

	s, err := c.authenticate()
	if err != nil {
		c.state = StateClosed
		c.logger.Error().Err(err).Msg("secure channel establishment failed")

		return err
	}

	c.session = s
	c.state = StateOpen

	c.logger.Info().Str("session", s.id.String()).Msg("secure channel established")

	return nil
}

func (c *Connection) authenticate() (*session, error) {
	iccKey, err := c.card.VerifyIccCertificates()
	if err != nil {
		return nil, AuthenticationError{Step: "verify ICC certificates", Cause: err}
	}

	if err = c.card.LoadIfdCertificates(); err != nil {
		return nil, AuthenticationError{Step: "load IFD certificates", Cause: err}
	}

	if err = c.card.SetKeysToAuthentication(c.card.IfdCHR(), c.card.IccPrivateKeyReference()); err != nil {
		return nil, AuthenticationError{Step: "set keys to authentication", Cause: err}
	}

	result, err := Authenticate(c.card, c.helper, iccKey)
	if err != nil {
		return nil, err
	}
	defer result.Wipe()

	keys, ssc, err := DeriveSessionKeys(c.helper, result.Kicc, result.Kifd, result.RandomIcc, result.RandomIfd)
	if err != nil {
		return nil, AuthenticationError{Step: "derive session keys", Cause: err}
	}

	return &session{id: uuid.New(), keys: keys, ssc: ssc}, nil
}

func (c *Connection) discardSession() {
	if c.session != nil {
		c.logger.Debug().Str("session", c.session.id.String()).Msg("discarding session")
		c.session.wipe()
		c.session = nil
	}

	c.state = StateClosed
}
