// Package sm provides the secure messaging commands.
package sm

import (
	"encoding/hex"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/skythen/cwa14890"
	"github.com/skythen/cwa14890/internal/config"
)

// hexFlag returns the decoded value of a hex flag. If length is not zero, the value must have that length.
func hexFlag(cmd *cobra.Command, name string, length int) ([]byte, error) {
	s, err := cmd.Flags().GetString(name)
	if err != nil {
		return nil, err
	}

	b, err := hex.DecodeString(strings.ReplaceAll(s, " ", ""))
	if err != nil {
		return nil, errors.Wrapf(err, "decode --%s", name)
	}

	if length != 0 && len(b) != length {
		return nil, errors.Errorf("--%s must be %d bytes long, got %d", name, length, len(b))
	}

	return b, nil
}

func sessionFlags(cmd *cobra.Command) (cwa14890.CipherSuite, cwa14890.SessionKeys, cwa14890.SequenceCounter, error) {
	var (
		keys cwa14890.SessionKeys
		ssc  cwa14890.SequenceCounter
	)

	suite, err := config.FromContext(cmd.Context()).CipherSuite()
	if err != nil {
		return 0, keys, ssc, err
	}

	kenc, err := hexFlag(cmd, "kenc", len(keys.Enc))
	if err != nil {
		return 0, keys, ssc, err
	}

	kmac, err := hexFlag(cmd, "kmac", len(keys.MAC))
	if err != nil {
		return 0, keys, ssc, err
	}

	counter, err := hexFlag(cmd, "ssc", len(ssc))
	if err != nil {
		return 0, keys, ssc, err
	}

	copy(keys.Enc[:], kenc)
	copy(keys.MAC[:], kmac)
	copy(ssc[:], counter)

	return suite, keys, ssc, nil
}

func addSessionFlags(cmd *cobra.Command) error {
	cmd.Flags().String("kenc", "", "session encryption key (16 bytes hex)")
	cmd.Flags().String("kmac", "", "session MAC key (16 bytes hex)")
	cmd.Flags().String("ssc", "", "send sequence counter before the increment (8 bytes hex)")

	for _, name := range []string{"kenc", "kmac", "ssc"} {
		if err := cmd.MarkFlagRequired(name); err != nil {
			return errors.Wrapf(err, "mark %s flag as required", name)
		}
	}

	return nil
}
