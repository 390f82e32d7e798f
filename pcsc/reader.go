// Package pcsc provides the byte transport to a card in a PC/SC reader.
package pcsc

import (
	"encoding/hex"

	"github.com/ebfe/scard"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/skythen/apdu"

	"github.com/skythen/cwa14890/internal/iso7816"
)

// ErrNotOpen results from using a Reader that has not been opened.
var ErrNotOpen = errors.New("pcsc: reader is not open")

// Configuration is the configuration of a Reader.
type Configuration struct {
	Reader      string          // name of the reader, ReaderIndex is used if empty.
	ReaderIndex int             // index of the reader in the list of available readers.
	Logger      *zerolog.Logger // logger, the global zerolog logger if nil.
}

type cardHandle interface {
	Transmit(cmd []byte) ([]byte, error)
	Reconnect(mode scard.ShareMode, protocol scard.Protocol, disposition scard.Disposition) error
	Disconnect(disposition scard.Disposition) error
	Status() (*scard.CardStatus, error)
}

type readerContext interface {
	ListReaders() ([]string, error)
	Connect(reader string) (cardHandle, error)
	Release() error
}

type scardContext struct {
	ctx *scard.Context
}

func (c scardContext) ListReaders() ([]string, error) {
	return c.ctx.ListReaders()
}

func (c scardContext) Connect(reader string) (cardHandle, error) {
	card, err := c.ctx.Connect(reader, scard.ShareShared, scard.ProtocolAny)
	if err != nil {
		return nil, err
	}

	return card, nil
}

func (c scardContext) Release() error {
	return c.ctx.Release()
}

func establishContext() (readerContext, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, err
	}

	return scardContext{ctx: ctx}, nil
}

// ListReaders returns the names of the readers known to the PC/SC service.
func ListReaders() ([]string, error) {
	ctx, err := establishContext()
	if err != nil {
		return nil, errors.Wrap(err, "establish PC/SC context")
	}
	defer ctx.Release()

	readers, err := ctx.ListReaders()
	if err != nil {
		return nil, errors.Wrap(err, "list readers")
	}

	return readers, nil
}

// Reader is a byte transport to the card in a PC/SC reader.
// Responses announcing further data with SW1 '61' are completed with GET RESPONSE.
type Reader struct {
	config    Configuration
	logger    zerolog.Logger
	establish func() (readerContext, error)
	ctx       readerContext
	card      cardHandle
	name      string
}

// NewReader returns a closed Reader.
func NewReader(config Configuration) *Reader {
	return newReader(config, establishContext)
}

func newReader(config Configuration, establish func() (readerContext, error)) *Reader {
	logger := log.Logger
	if config.Logger != nil {
		logger = *config.Logger
	}

	return &Reader{
		config:    config,
		logger:    logger.With().Str("component", "pcsc").Logger(),
		establish: establish,
	}
}

// Name returns the name of the reader the card is connected in, empty if the Reader is not open.
func (r *Reader) Name() string {
	return r.name
}

// IsOpen reports whether a card is connected.
func (r *Reader) IsOpen() bool {
	return r.card != nil
}

// Open establishes a PC/SC context and connects to the card in the configured reader.
// Opening an open Reader has no effect.
func (r *Reader) Open() error {
	if r.IsOpen() {
		return nil
	}

	ctx, err := r.establish()
	if err != nil {
		return errors.Wrap(err, "establish PC/SC context")
	}

	name, err := r.selectReader(ctx)
	if err != nil {
		_ = ctx.Release()
		return err
	}

	card, err := ctx.Connect(name)
	if err != nil {
		_ = ctx.Release()
		return errors.Wrapf(err, "connect to card in reader %q", name)
	}

	r.ctx, r.card, r.name = ctx, card, name

	r.logger.Info().Str("reader", name).Msg("connected to card")

	return nil
}

func (r *Reader) selectReader(ctx readerContext) (string, error) {
	readers, err := ctx.ListReaders()
	if err != nil {
		return "", errors.Wrap(err, "list readers")
	}

	if len(readers) == 0 {
		return "", errors.New("no readers found")
	}

	if r.config.Reader != "" {
		for _, reader := range readers {
			if reader == r.config.Reader {
				return reader, nil
			}
		}

		return "", errors.Errorf("reader %q not found", r.config.Reader)
	}

	if r.config.ReaderIndex < 0 || r.config.ReaderIndex >= len(readers) {
		return "", errors.Errorf("reader index %d out of range (0..%d)", r.config.ReaderIndex, len(readers)-1)
	}

	return readers[r.config.ReaderIndex], nil
}

// Transmit transmits capdu to the card and returns the response.
func (r *Reader) Transmit(capdu apdu.Capdu) (apdu.Rapdu, error) {
	if !r.IsOpen() {
		return apdu.Rapdu{}, ErrNotOpen
	}

	return iso7816.Transmit(r.transmitRaw, capdu)
}

func (r *Reader) transmitRaw(b []byte) ([]byte, error) {
	r.logger.Debug().Str("capdu", hex.EncodeToString(b)).Msg("transmit")

	resp, err := r.card.Transmit(b)
	if err != nil {
		return nil, errors.Wrap(err, "transmit")
	}

	r.logger.Debug().Str("rapdu", hex.EncodeToString(resp)).Msg("receive")

	return resp, nil
}

// Reset resets the card and reconnects to it, a fresh ATR is obtained.
func (r *Reader) Reset() error {
	if !r.IsOpen() {
		return ErrNotOpen
	}

	if err := r.card.Reconnect(scard.ShareShared, scard.ProtocolAny, scard.ResetCard); err != nil {
		return errors.Wrap(err, "reconnect with card reset")
	}

	r.logger.Info().Str("reader", r.name).Msg("card reset")

	return nil
}

// ATR returns the answer to reset of the connected card.
func (r *Reader) ATR() ([]byte, error) {
	if !r.IsOpen() {
		return nil, ErrNotOpen
	}

	status, err := r.card.Status()
	if err != nil {
		return nil, errors.Wrap(err, "get card status")
	}

	return status.Atr, nil
}

// Close disconnects from the card and releases the PC/SC context. Close can be called multiple times.
func (r *Reader) Close() error {
	if !r.IsOpen() {
		return nil
	}

	errDisconnect := r.card.Disconnect(scard.LeaveCard)
	errRelease := r.ctx.Release()

	r.card, r.ctx, r.name = nil, nil, ""

	if errDisconnect != nil {
		return errors.Wrap(errDisconnect, "disconnect card")
	}

	if errRelease != nil {
		return errors.Wrap(errRelease, "release PC/SC context")
	}

	return nil
}
