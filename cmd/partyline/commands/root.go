// Package commands is the partyline CLI: a chat node driven from the
// terminal instead of a game client.
package commands

import (
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	home     string
	logLevel string
	log      zerolog.Logger
)

func Execute() error {
	root := &cobra.Command{
		Use:           "partyline",
		Short:         "Authenticated peer-to-peer chat node",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if home == "" {
				dir, err := os.UserHomeDir()
				if err != nil {
					return err
				}
				home = filepath.Join(dir, ".partyline")
			}
			if err := os.MkdirAll(home, 0700); err != nil {
				return err
			}
			level, err := zerolog.ParseLevel(logLevel)
			if err != nil {
				return err
			}
			log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
				Level(level).With().Timestamp().Logger()
			return nil
		},
	}

	root.PersistentFlags().StringVar(&home, "home", "", "data dir (default ~/.partyline)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "zerolog level (trace|debug|info|warn|error)")

	root.AddCommand(runCmd(), peersCmd(), keyCmd())
	return root.Execute()
}
