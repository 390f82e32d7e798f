// Package reader provides the commands inspecting PC/SC and USB CCID readers.
package reader

import (
	"encoding/hex"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/skythen/cwa14890/ccid"
	"github.com/skythen/cwa14890/internal/config"
	"github.com/skythen/cwa14890/pcsc"
)

// cardReader is the part of a PC/SC reader used by the commands.
type cardReader interface {
	Open() error
	ATR() ([]byte, error)
	Close() error
}

var (
	listReaders = pcsc.ListReaders
	listUSB     = ccid.ListUSB
	openReader  = func(readerConfig pcsc.Configuration) cardReader { return pcsc.NewReader(readerConfig) }
)

// NewReadersCommand creates the readers command.
func NewReadersCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "readers",
		Short: "List PC/SC readers with the ATR of their card and USB CCID devices",
		RunE: func(cmd *cobra.Command, _ []string) error {
			readers, err := listReaders()
			if err != nil {
				log.Warn().Err(err).Msg("listing PC/SC readers failed")
			}

			for i, name := range readers {
				atr, err := readATR(pcsc.Configuration{Reader: name})
				if err != nil {
					log.Debug().Err(err).Str("reader", name).Msg("reading ATR failed")
					cmd.Printf("pcsc %d: %s (no card)\n", i, name)

					continue
				}

				cmd.Printf("pcsc %d: %s ATR %s\n", i, name, hex.EncodeToString(atr))
			}

			devices, err := listUSB()
			if err != nil {
				log.Warn().Err(err).Msg("listing USB devices failed")
			}

			for _, id := range devices {
				cmd.Printf("ccid %04x:%04x\n", id[0], id[1])
			}

			return nil
		},
	}
}

// NewPCSCCommand creates the pcsc command with subcommands.
func NewPCSCCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pcsc",
		Short: "PC/SC reader operations",
	}

	cmd.PersistentFlags().String("reader", "", "name of the reader, overrides reader.name")
	cmd.PersistentFlags().Int("index", 0, "index of the reader if no name is given, overrides reader.index")

	cmd.AddCommand(&cobra.Command{
		Use:   "atr",
		Short: "Connect to the card in the configured reader and print its ATR",
		RunE:  runATR,
	})

	return cmd
}

func runATR(cmd *cobra.Command, _ []string) error {
	readerConfig := config.FromContext(cmd.Context()).ReaderConfiguration()

	if cmd.Flags().Changed("reader") {
		readerConfig.Reader, _ = cmd.Flags().GetString("reader")
	}

	if cmd.Flags().Changed("index") {
		readerConfig.ReaderIndex, _ = cmd.Flags().GetInt("index")
	}

	atr, err := readATR(readerConfig)
	if err != nil {
		return err
	}

	cmd.Printf("ATR: %s\n", hex.EncodeToString(atr))

	return nil
}

func readATR(readerConfig pcsc.Configuration) ([]byte, error) {
	reader := openReader(readerConfig)
	if err := reader.Open(); err != nil {
		return nil, err
	}
	defer func() {
		if err := reader.Close(); err != nil {
			log.Warn().Err(err).Msg("closing reader failed")
		}
	}()

	return reader.ATR()
}

// NewCCIDCommand creates the ccid command with subcommands.
func NewCCIDCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ccid",
		Short: "USB CCID reader operations",
	}

	cmd.PersistentFlags().Uint16("vid", 0, "vendor ID of the reader, overrides ccid.vid")
	cmd.PersistentFlags().Uint16("pid", 0, "product ID of the reader, overrides ccid.pid")

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Power on the card and print ATR and slot status",
		RunE:  runStatus,
	})

	return cmd
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cfg := config.FromContext(cmd.Context())

	vid, pid := cfg.CCID.VID, cfg.CCID.PID

	if cmd.Flags().Changed("vid") {
		vid, _ = cmd.Flags().GetUint16("vid")
	}

	if cmd.Flags().Changed("pid") {
		pid, _ = cmd.Flags().GetUint16("pid")
	}

	if vid == 0 && pid == 0 {
		return errors.New("vendor and product ID of the reader are required")
	}

	device := ccid.NewDevice(cfg.DeviceConfiguration(), ccid.OpenUSB(vid, pid))
	if err := device.Open(); err != nil {
		return err
	}
	defer func() {
		if err := device.Close(); err != nil {
			log.Warn().Err(err).Msg("closing device failed")
		}
	}()

	atr, err := device.ATR()
	if err != nil {
		return err
	}

	present, err := device.IsCardPresent()
	if err != nil {
		return err
	}

	active, err := device.IsCardActive()
	if err != nil {
		return err
	}

	cmd.Printf("ATR:     %s\n", hex.EncodeToString(atr))
	cmd.Printf("Present: %t\n", present)
	cmd.Printf("Active:  %t\n", active)

	return nil
}
