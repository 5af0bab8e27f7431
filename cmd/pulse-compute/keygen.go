package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rcourtman/pulse-compute/internal/identity"
)

var keygenShow bool

var keygenCmd = &cobra.Command{
	Use:   "keygen <path>",
	Short: "Create a ledger identity key and print its address",
	Long: `Create an ed25519 identity key at <path> and print the ledger address it
controls. With --show, print the address of an existing key instead.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]
		if keygenShow {
			key, err := identity.Load(path)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), key.Address())
			return nil
		}

		key, err := identity.Generate()
		if err != nil {
			return err
		}
		if err := identity.Save(path, key); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), key.Address())
		return nil
	},
}

func init() {
	keygenCmd.Flags().BoolVar(&keygenShow, "show", false, "print the address of an existing key")
}
