package ccid

import (
	"encoding/hex"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/skythen/apdu"

	"github.com/skythen/cwa14890/internal/iso7816"
)

const (
	DefaultMaxTransmitRetries = 3
	DefaultTransmitRetryWait  = 1000 * time.Millisecond
	DefaultMaxReconnects      = 3
)

// Configuration is the configuration of a Device. Zero values are replaced by the defaults.
type Configuration struct {
	Slot               byte            // slot of the reader.
	Timeout            time.Duration   // timeout of bulk transfers, 5s if zero.
	MaxTransmitRetries int             // retries of a failed transfer, 3 if zero.
	TransmitRetryWait  time.Duration   // pause before a retry, 1s if zero.
	MaxReconnects      int             // reclaims of the interface, 3 if zero.
	MaxTimeExtensions  int             // re-reads while the reader requests time extension, 16 if zero.
	TimeExtensionWait  time.Duration   // pause before a re-read, 200ms if zero.
	Logger             *zerolog.Logger // logger, the global zerolog logger if nil.
}

func (c Configuration) withDefaults() Configuration {
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}

	if c.MaxTransmitRetries == 0 {
		c.MaxTransmitRetries = DefaultMaxTransmitRetries
	}

	if c.TransmitRetryWait == 0 {
		c.TransmitRetryWait = DefaultTransmitRetryWait
	}

	if c.MaxReconnects == 0 {
		c.MaxReconnects = DefaultMaxReconnects
	}

	if c.MaxTimeExtensions == 0 {
		c.MaxTimeExtensions = DefaultMaxTimeExtensions
	}

	if c.TimeExtensionWait == 0 {
		c.TimeExtensionWait = DefaultTimeExtensionWait
	}

	return c
}

// Opener opens the USB device of a reader and returns its CCID interface, not yet claimed.
type Opener func() (USBInterface, error)

// Device is a byte transport to the card in a USB CCID reader.
//
// Failed transfers are retried after a pause, transfers failing with ErrReclaimInterface lead to a
// release and reclaim of the interface. Both counters are reset after a successful transfer and
// when a transmission finally fails.
type Device struct {
	config     Configuration
	open       Opener
	logger     zerolog.Logger
	sleep      func(time.Duration)
	usb        USBInterface
	channel    *Channel
	atr        []byte
	powered    bool
	retries    int
	reconnects int
}

// NewDevice returns a closed Device that opens the reader with open.
func NewDevice(config Configuration, open Opener) *Device {
	config = config.withDefaults()

	logger := log.Logger
	if config.Logger != nil {
		logger = *config.Logger
	}

	return &Device{
		config: config,
		open:   open,
		logger: logger.With().Str("component", "ccid").Uint8("slot", config.Slot).Logger(),
		sleep:  time.Sleep,
	}
}

// IsOpen reports whether the interface is claimed.
func (d *Device) IsOpen() bool {
	return d.channel != nil
}

// ATR returns the answer to reset received on the last power on.
func (d *Device) ATR() ([]byte, error) {
	if !d.IsOpen() {
		return nil, ErrNotOpen
	}

	if !d.powered {
		return nil, ErrNotPowered
	}

	atr := make([]byte, len(d.atr))
	copy(atr, d.atr)

	return atr, nil
}

// Open opens the reader, claims the interface and powers the card. Opening an open Device has no effect.
func (d *Device) Open() error {
	if d.IsOpen() {
		return nil
	}

	if err := d.openChannel(); err != nil {
		return err
	}

	if err := d.powerOn(); err != nil {
		_ = d.closeChannel()
		return err
	}

	d.logger.Info().Str("atr", hex.EncodeToString(d.atr)).Msg("card powered on")

	return nil
}

// Reset powers the card off and on again, a fresh ATR is obtained.
func (d *Device) Reset() error {
	if !d.IsOpen() {
		return ErrNotOpen
	}

	if err := d.channel.PowerOff(); err != nil {
		d.logger.Warn().Err(err).Msg("power off before reset failed")
	}

	if err := d.powerOn(); err != nil {
		return errors.Wrap(err, "reset card")
	}

	d.logger.Info().Str("atr", hex.EncodeToString(d.atr)).Msg("card reset")

	return nil
}

// Close powers the card off and releases the reader. Close can be called multiple times.
func (d *Device) Close() error {
	if !d.IsOpen() {
		return nil
	}

	if err := d.channel.PowerOff(); err != nil {
		d.logger.Warn().Err(err).Msg("power off failed")
	}

	return d.closeChannel()
}

// Transmit transmits capdu to the card and returns the response. A card that lost power after a
// failed presence poll is powered on first.
//
// If the reader still requests a time extension after the maximum number of re-reads, a
// TimeExtensionError is returned and the command is not transmitted again.
func (d *Device) Transmit(capdu apdu.Capdu) (apdu.Rapdu, error) {
	if !d.IsOpen() {
		return apdu.Rapdu{}, ErrNotOpen
	}

	if !d.powered {
		if err := d.powerOn(); err != nil {
			return apdu.Rapdu{}, err
		}

		d.logger.Info().Str("atr", hex.EncodeToString(d.atr)).Msg("card powered on")
	}

	return iso7816.Transmit(d.transmitRaw, capdu)
}

// IsCardPresent reports whether a card is in the slot. If the slot status can't be read,
// the channel is closed and opened again, the card is powered if possible and reported absent.
func (d *Device) IsCardPresent() (bool, error) {
	status, err := d.slotStatus()
	if err != nil {
		return false, err
	}

	return status.CardPresent(), nil
}

// IsCardActive reports whether a card is in the slot and powered. If the slot status can't be read,
// the channel is closed and opened again, the card is powered if possible and reported inactive.
func (d *Device) IsCardActive() (bool, error) {
	status, err := d.slotStatus()
	if err != nil {
		return false, err
	}

	return status.CardActive(), nil
}

func (d *Device) slotStatus() (SlotStatus, error) {
	if !d.IsOpen() {
		return SlotStatus{}, ErrNotOpen
	}

	status, err := d.channel.SlotStatus()
	if err == nil {
		return status, nil
	}

	d.logger.Warn().Err(err).Msg("reading slot status failed, reopening channel")

	if err := d.closeChannel(); err != nil {
		d.logger.Warn().Err(err).Msg("closing channel failed")
	}

	if err := d.openChannel(); err != nil {
		return SlotStatus{}, errors.Wrap(err, "reopen channel")
	}

	if err := d.powerOn(); err != nil {
		d.logger.Warn().Err(err).Msg("powering card after reopen failed")
	}

	return SlotStatus{Icc: IccAbsent}, nil
}

func (d *Device) transmitRaw(b []byte) ([]byte, error) {
	d.logger.Debug().Str("capdu", hex.EncodeToString(b)).Msg("transmit")

	attempts := 0

	for {
		attempts++

		block, err := d.channel.XfrBlock(b)
		if err == nil {
			d.retries, d.reconnects = 0, 0

			if block.Pending() {
				d.logger.Warn().Msg("card still processing, command is not repeated")
				return nil, TimeExtensionError{Status: block.Status, Data: block.Data}
			}

			d.logger.Debug().Str("rapdu", hex.EncodeToString(block.Data)).Msg("receive")

			return block.Data, nil
		}

		var seqErr SequenceError
		if errors.As(err, &seqErr) {
			d.retries, d.reconnects = 0, 0
			return nil, err
		}

		if errors.Is(err, ErrReclaimInterface) && d.reconnects < d.config.MaxReconnects {
			d.reconnects++
			d.logger.Warn().Err(err).Int("reconnect", d.reconnects).Msg("reclaiming interface")

			if err := d.reclaim(); err != nil {
				d.retries, d.reconnects = 0, 0
				return nil, TransmissionError{Attempts: attempts, Cause: err}
			}

			continue
		}

		if d.retries >= d.config.MaxTransmitRetries {
			d.retries, d.reconnects = 0, 0
			return nil, TransmissionError{Attempts: attempts, Cause: err}
		}

		d.retries++
		d.logger.Warn().Err(err).Int("retry", d.retries).Msg("transfer failed, retrying")
		d.sleep(d.config.TransmitRetryWait)
	}
}

func (d *Device) reclaim() error {
	if err := d.usb.Release(); err != nil {
		d.logger.Warn().Err(err).Msg("releasing interface failed")
	}

	if err := d.usb.Claim(); err != nil {
		return errors.Wrap(err, "claim interface")
	}

	return nil
}

func (d *Device) powerOn() error {
	atr, err := d.channel.PowerOn()
	if err != nil {
		d.atr, d.powered = nil, false
		return errors.Wrap(err, "power on card")
	}

	d.atr, d.powered = atr, true

	return nil
}

func (d *Device) openChannel() error {
	usb, err := d.open()
	if err != nil {
		return errors.Wrap(err, "open reader")
	}

	if err := usb.Claim(); err != nil {
		_ = usb.Close()
		return errors.Wrap(err, "claim interface")
	}

	d.usb = usb
	d.channel = newChannel(usb, d.config.Slot, d.config, d.sleep, d.logger)
	d.retries, d.reconnects = 0, 0

	return nil
}

func (d *Device) closeChannel() error {
	errRelease := d.usb.Release()
	errClose := d.usb.Close()

	d.usb, d.channel, d.atr, d.powered = nil, nil, nil, false

	if errRelease != nil {
		return errors.Wrap(errRelease, "release interface")
	}

	if errClose != nil {
		return errors.Wrap(errClose, "close reader")
	}

	return nil
}
