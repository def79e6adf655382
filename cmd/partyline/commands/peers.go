package commands

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"partyline/internal/directory"
)

func peersCmd() *cobra.Command {
	var remove string
	cmd := &cobra.Command{
		Use:   "peers",
		Short: "Inspect the persisted peer directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			book, err := directory.Open(filepath.Join(home, directoryFile))
			if err != nil {
				return err
			}
			if remove != "" {
				if !book.Remove(remove) {
					return fmt.Errorf("no directory entry for %q", remove)
				}
				return book.Save()
			}
			for _, name := range book.Names() {
				entry, _ := book.Get(name)
				lastSeen := time.Unix(entry.LastSeen, 0).Format(time.RFC3339)
				fmt.Printf("%-24s %s  last seen %s\n", name, entry.Address, lastSeen)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&remove, "remove", "", "drop the named account from the directory")
	return cmd
}
