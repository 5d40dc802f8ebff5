package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"maunium.net/go/mautrix/id"

	"cipherroom/internal/services/bootstrap"
)

func loginCmd(c *cli) *cobra.Command {
	var device string
	cmd := &cobra.Command{
		Use:   "login <user>",
		Short: "Log in with a password and publish this device's keys",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.openApp()
			if err != nil {
				return err
			}
			pw, err := c.readSecret("Account password: ")
			if err != nil {
				return err
			}
			cl, err := a.Login(cmd.Context(), c.cfg.Homeserver, args[0], pw, id.DeviceID(device))
			if err != nil {
				return err
			}
			fp, err := cl.Identity.Fingerprint(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Logged in as %s (device %s).\nFingerprint: %s\n", cl.Account.UserID, cl.Account.DeviceID, fp)
			return nil
		},
	}
	cmd.Flags().StringVar(&device, "device", "", "reuse an existing device id")
	return cmd
}

func bootstrapCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "bootstrap",
		Short: "Create or recover the account's cross-signing keys",
		Long: "Creates the cross-signing keys of the account on first use, sealed under a\n" +
			"recovery passphrase. On another device the same passphrase recovers them.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := c.client(cmd.Context())
			if err != nil {
				return err
			}
			if _, ok, err := cl.CrossSigning.State(); err != nil {
				return err
			} else if ok {
				fmt.Fprintln(cmd.OutOrStdout(), "Cross-signing is already set up on this device.")
				return nil
			}
			recovery, err := c.readSecret("Recovery passphrase: ")
			if err != nil {
				return err
			}
			state, err := cl.CrossSigning.Bootstrap(cmd.Context(), passwordReauth{c: c, user: cl.Account.UserID}, recovery)
			if errors.Is(err, bootstrap.ErrNoPassphrase) {
				return fmt.Errorf("a recovery passphrase is required: %w", err)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cross-signing ready. Master key: %s\n", state.Public.Master.Key)
			return nil
		},
	}
}

func fingerprintCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "fingerprint",
		Short: "Print this device's fingerprint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := c.client(cmd.Context())
			if err != nil {
				return err
			}
			fp, err := cl.Identity.Fingerprint(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n%s\n", cl.Account.UserID, cl.Account.DeviceID, fp)
			return nil
		},
	}
}
