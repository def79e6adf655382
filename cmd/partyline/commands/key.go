package commands

import (
	"encoding/base64"
	"fmt"

	"github.com/mr-tron/base58"
	"github.com/spf13/cobra"
)

func keyCmd() *cobra.Command {
	var (
		name string
		seed string
	)
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Show this node's account identity",
		Long: "Prints the account id and public key, creating the keypair if needed. " +
			"Hand the base64 key to peers for their trust files.",
		RunE: func(cmd *cobra.Command, args []string) error {
			pub, _, err := loadIdentity(name, seed)
			if err != nil {
				return err
			}
			fmt.Printf("account id:  %s\n", accountID(name))
			fmt.Printf("public key:  %s\n", base64.StdEncoding.EncodeToString(pub))
			fmt.Printf("fingerprint: %s\n", base58.Encode(pub))
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "account name (required)")
	cmd.Flags().StringVar(&seed, "seed", "", "derive the keypair from a passphrase instead of the keystore")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}
