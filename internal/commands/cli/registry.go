package cli

import (
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/skythen/cwa14890/internal/commands/cli/reader"
	"github.com/skythen/cwa14890/internal/commands/cli/sm"
)

// RegisterCommands registers all root commands.
func RegisterCommands(root *cobra.Command) error {
	protectCmd, err := sm.NewProtectCommand()
	if err != nil {
		return errors.Wrap(err, "create protect command")
	}
	root.AddCommand(protectCmd)

	unprotectCmd, err := sm.NewUnprotectCommand()
	if err != nil {
		return errors.Wrap(err, "create unprotect command")
	}
	root.AddCommand(unprotectCmd)

	deriveCmd, err := sm.NewDeriveCommand()
	if err != nil {
		return errors.Wrap(err, "create derive command")
	}
	root.AddCommand(deriveCmd)

	root.AddCommand(reader.NewReadersCommand())
	root.AddCommand(reader.NewPCSCCommand())
	root.AddCommand(reader.NewCCIDCommand())

	return nil
}
