package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"maunium.net/go/mautrix/id"

	"cipherroom/internal/crypto"
	"cipherroom/internal/domain"
)

func devicesCmd(c *cli) *cobra.Command {
	var offline bool
	cmd := &cobra.Command{
		Use:   "devices [user...]",
		Short: "List the known devices of users (default: yourself)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := c.client(cmd.Context())
			if err != nil {
				return err
			}
			users := make([]id.UserID, 0, len(args))
			for _, a := range args {
				users = append(users, id.UserID(a))
			}
			if len(users) == 0 {
				users = append(users, cl.Account.UserID)
			}
			if !offline {
				if err := cl.Identity.RefreshDevices(cmd.Context(), users); err != nil {
					return err
				}
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "USER\tDEVICE\tSTATUS\tFINGERPRINT\tNOTE")
			for _, u := range users {
				devs, err := cl.Identity.Devices(u)
				if err != nil {
					return err
				}
				for _, d := range devs {
					note := d.Flagged
					if d.Ref() == cl.Account.Ref() {
						note = "this device"
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", d.UserID, d.DeviceID, d.Status, crypto.DeviceFingerprint(d.SigningKey), note)
					conflicts, err := cl.Identity.Conflicts(d.Ref())
					if err != nil {
						return err
					}
					for _, k := range conflicts {
						fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", k.UserID, k.DeviceID, "conflict", crypto.DeviceFingerprint(k.SigningKey), "announced different keys")
					}
				}
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&offline, "offline", false, "list recorded devices without querying the homeserver")
	return cmd
}

var verifyCommands = map[string]struct {
	status domain.VerificationStatus
	short  string
}{
	"verify":    {domain.Verified, "Mark a device verified"},
	"unverify":  {domain.Unverified, "Mark a device unverified"},
	"blacklist": {domain.Blacklisted, "Never share room keys with a device"},
}

// verifyCmd builds verify, unverify and blacklist.
func verifyCmd(c *cli, name string) *cobra.Command {
	status, short := verifyCommands[name].status, verifyCommands[name].short
	return &cobra.Command{
		Use:   name + " <user> <device>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := c.client(cmd.Context())
			if err != nil {
				return err
			}
			user, device := id.UserID(args[0]), id.DeviceID(args[1])
			ref := domain.DeviceRef{UserID: user, DeviceID: device}
			if _, ok, err := cl.Identity.Device(ref); err != nil {
				return err
			} else if !ok {
				if err := cl.Identity.RefreshDevices(cmd.Context(), []id.UserID{user}); err != nil {
					return err
				}
			}
			if err := cl.Identity.SetVerification(user, device, status); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is now %s\n", ref, status)
			return nil
		},
	}
}
