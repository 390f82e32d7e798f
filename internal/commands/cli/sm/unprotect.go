package sm

import (
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/skythen/cwa14890"
	"github.com/skythen/cwa14890/internal/iso7816"
)

// NewUnprotectCommand creates the unprotect command.
func NewUnprotectCommand() (*cobra.Command, error) {
	cmd := &cobra.Command{
		Use:   "unprotect",
		Short: "Verify and decrypt a response APDU",
		Long: `Verify the cryptographic checksum of a protected response APDU and decrypt its data.
The send sequence counter is incremented before the response is verified.`,
		Example: `  # Unprotect the response to SELECT EF.COM
  smtool unprotect --suite des-mac8 --kenc 979EC13B1CBFE9DCD01AB0FED307EAE5 \
    --kmac F1CB1F1FB5ADF208806B89DC579DC1F8 --ssc 887022120C06C227 --rapdu 990290008E08FA855A5D4C50A8ED9000`,
		RunE: runUnprotect,
	}

	cmd.Flags().String("rapdu", "", "protected response APDU (hex)")

	if err := addSessionFlags(cmd); err != nil {
		return nil, err
	}

	if err := cmd.MarkFlagRequired("rapdu"); err != nil {
		return nil, errors.Wrap(err, "mark rapdu flag as required")
	}

	return cmd, nil
}

func runUnprotect(cmd *cobra.Command, _ []string) error {
	suite, keys, ssc, err := sessionFlags(cmd)
	if err != nil {
		return err
	}
	defer keys.Wipe()

	raw, err := hexFlag(cmd, "rapdu", 0)
	if err != nil {
		return err
	}

	rapdu, err := iso7816.ParseResponse(raw)
	if err != nil {
		return errors.Wrap(err, "parse response APDU")
	}

	ssc.Increment()

	plain, err := cwa14890.Unprotect(suite, cwa14890.DefaultCryptoHelper{}, rapdu, keys, ssc)
	if err != nil {
		return err
	}

	cmd.Printf("SSC:  %X\n", ssc[:])
	cmd.Printf("Data: %X\n", plain.Data)
	cmd.Printf("SW:   %02X%02X\n", plain.SW1, plain.SW2)

	return nil
}
