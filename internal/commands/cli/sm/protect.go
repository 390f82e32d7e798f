package sm

import (
	"encoding/hex"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/skythen/cwa14890"
	"github.com/skythen/cwa14890/internal/iso7816"
)

// NewProtectCommand creates the protect command.
func NewProtectCommand() (*cobra.Command, error) {
	cmd := &cobra.Command{
		Use:   "protect",
		Short: "Protect a command APDU",
		Long: `Protect a plain command APDU with known session keys. The send sequence counter
is incremented before the command is protected.`,
		Example: `  # Protect SELECT EF.COM
  smtool protect --suite des-mac8 --kenc 979EC13B1CBFE9DCD01AB0FED307EAE5 \
    --kmac F1CB1F1FB5ADF208806B89DC579DC1F8 --ssc 887022120C06C226 --capdu 00A4020C02011E`,
		RunE: runProtect,
	}

	cmd.Flags().String("capdu", "", "plain command APDU (hex)")

	if err := addSessionFlags(cmd); err != nil {
		return nil, err
	}

	if err := cmd.MarkFlagRequired("capdu"); err != nil {
		return nil, errors.Wrap(err, "mark capdu flag as required")
	}

	return cmd, nil
}

func runProtect(cmd *cobra.Command, _ []string) error {
	suite, keys, ssc, err := sessionFlags(cmd)
	if err != nil {
		return err
	}
	defer keys.Wipe()

	raw, err := hexFlag(cmd, "capdu", 0)
	if err != nil {
		return err
	}

	capdu, err := iso7816.ParseCommand(raw)
	if err != nil {
		return errors.Wrap(err, "parse command APDU")
	}

	ssc.Increment()

	protected, err := cwa14890.Protect(suite, cwa14890.DefaultCryptoHelper{}, capdu, keys, ssc)
	if err != nil {
		return err
	}

	cmd.Printf("SSC:   %X\n", ssc[:])
	cmd.Printf("CAPDU: %s\n", hex.EncodeToString(protected.Bytes()))

	return nil
}
