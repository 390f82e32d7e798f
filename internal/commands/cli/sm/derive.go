package sm

import (
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/skythen/cwa14890"
)

// NewDeriveCommand creates the derive command.
func NewDeriveCommand() (*cobra.Command, error) {
	cmd := &cobra.Command{
		Use:   "derive",
		Short: "Derive session keys",
		Long: `Derive the session keys and the initial send sequence counter from the key seeds
and challenges exchanged during the mutual authentication.`,
		RunE: runDerive,
	}

	cmd.Flags().String("kicc", "", "key seed of the card (32 bytes hex)")
	cmd.Flags().String("kifd", "", "key seed of the terminal (32 bytes hex)")
	cmd.Flags().String("rnd-icc", "", "challenge of the card (8 bytes hex)")
	cmd.Flags().String("rnd-ifd", "", "challenge of the terminal (8 bytes hex)")

	for _, name := range []string{"kicc", "kifd", "rnd-icc", "rnd-ifd"} {
		if err := cmd.MarkFlagRequired(name); err != nil {
			return nil, errors.Wrapf(err, "mark %s flag as required", name)
		}
	}

	return cmd, nil
}

func runDerive(cmd *cobra.Command, _ []string) error {
	values := make(map[string][]byte, 4)

	for name, length := range map[string]int{"kicc": 32, "kifd": 32, "rnd-icc": 8, "rnd-ifd": 8} {
		b, err := hexFlag(cmd, name, length)
		if err != nil {
			return err
		}

		values[name] = b
	}

	keys, ssc, err := cwa14890.DeriveSessionKeys(cwa14890.DefaultCryptoHelper{},
		values["kicc"], values["kifd"], values["rnd-icc"], values["rnd-ifd"])
	if err != nil {
		return err
	}
	defer keys.Wipe()

	cmd.Printf("Kenc: %X\n", keys.Enc[:])
	cmd.Printf("Kmac: %X\n", keys.MAC[:])
	cmd.Printf("SSC:  %X\n", ssc[:])

	return nil
}
