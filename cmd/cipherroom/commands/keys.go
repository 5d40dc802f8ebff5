package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func exportKeysCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "export-keys <file>",
		Short: "Write all room keys to a passphrase-protected file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := c.client(cmd.Context())
			if err != nil {
				return err
			}
			pass, err := c.readSecret("Export passphrase: ")
			if err != nil {
				return err
			}
			f, err := os.OpenFile(args[0], os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
			if err != nil {
				return err
			}
			n, err := cl.Keys.Export(f, pass)
			if cerr := f.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				_ = os.Remove(args[0])
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Exported %d room keys to %s\n", n, args[0])
			return nil
		},
	}
}

func importKeysCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "import-keys <file>",
		Short: "Read room keys from an export file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := c.client(cmd.Context())
			if err != nil {
				return err
			}
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			pass, err := c.readSecret("Export passphrase: ")
			if err != nil {
				return err
			}
			imported, skipped, err := cl.Keys.Import(f, pass)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %d room keys, %d already known\n", imported, skipped)
			return nil
		},
	}
}
