// Package cli provides the CLI command structure for smtool.
package cli

import (
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/skythen/cwa14890/internal/config"
	"github.com/skythen/cwa14890/internal/logging"
)

// NewRootCommand creates and returns the root command with all subcommands.
func NewRootCommand() (*cobra.Command, error) {
	var cfgFile string

	v := config.New("")

	rootCmd := &cobra.Command{
		Use:   "smtool",
		Short: "CWA-14890 secure messaging utilities",
		Long: `Utilities for CWA-14890 secure channels: protect and unprotect APDUs
with known session keys, derive session keys from the authentication key seeds
and inspect PC/SC and USB CCID readers.`,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cfgFile != "" {
				v.SetConfigFile(cfgFile)
			}

			cfg, err := config.Load(v)
			if err != nil {
				return errors.Wrap(err, "initialize configuration")
			}

			if err := logging.InitLogger(cfg.Log.Level, cfg.Log.Format); err != nil {
				return errors.Wrap(err, "initialize logging")
			}

			cmd.SetContext(config.WithConfig(cmd.Context(), cfg))

			return nil
		},
	}

	rootCmd.PersistentFlags().
		StringVar(&cfgFile, "config", "", "config file (default is $HOME/.smtool/config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "logging level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "human", "logging format (human, json)")
	rootCmd.PersistentFlags().String("suite", "des-mac8", "cipher suite (des-mac4, des-mac8, aes-cmac8)")

	if err := v.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level")); err != nil {
		return nil, errors.Wrap(err, "bind log-level flag")
	}

	if err := v.BindPFlag("log.format", rootCmd.PersistentFlags().Lookup("log-format")); err != nil {
		return nil, errors.Wrap(err, "bind log-format flag")
	}

	if err := v.BindPFlag("channel.suite", rootCmd.PersistentFlags().Lookup("suite")); err != nil {
		return nil, errors.Wrap(err, "bind suite flag")
	}

	if err := RegisterCommands(rootCmd); err != nil {
		return nil, errors.Wrap(err, "register commands")
	}

	return rootCmd, nil
}
