package commands

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"maunium.net/go/mautrix/id"
)

func roomsCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "rooms",
		Short: "List joined rooms",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := c.client(cmd.Context())
			if err != nil {
				return err
			}
			rooms, err := cl.API.JoinedRooms(cmd.Context())
			if err != nil {
				return err
			}
			for _, r := range rooms {
				state := "unencrypted"
				if p, ok, err := cl.Gate.Policy(r); err == nil && ok && p.Enabled() {
					state = string(p.Algorithm)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", r, state)
			}
			return nil
		},
	}
}

func joinCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "join <room id or alias>",
		Short: "Join a room",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := c.client(cmd.Context())
			if err != nil {
				return err
			}
			roomID, err := cl.Messages.JoinRoom(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), roomID)
			return nil
		},
	}
}

func leaveCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "leave <room>",
		Short: "Leave a room",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := c.client(cmd.Context())
			if err != nil {
				return err
			}
			return cl.Messages.LeaveRoom(cmd.Context(), id.RoomID(args[0]))
		},
	}
}

func inviteCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "invite <room> <user>",
		Short: "Invite a user to a room",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := c.client(cmd.Context())
			if err != nil {
				return err
			}
			return cl.Messages.Invite(cmd.Context(), id.RoomID(args[0]), id.UserID(args[1]))
		},
	}
}

func createRoomCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "create-room <name> [invitee...]",
		Short: "Create an encrypted room",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := c.client(cmd.Context())
			if err != nil {
				return err
			}
			invitees := make([]id.UserID, 0, len(args)-1)
			for _, u := range args[1:] {
				invitees = append(invitees, id.UserID(u))
			}
			roomID, err := cl.Messages.CreateRoom(cmd.Context(), args[0], invitees)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), roomID)
			return nil
		},
	}
}

func encryptRoomCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "encrypt-room <room>",
		Short: "Enable encryption in a room",
		Long:  "Enables end-to-end encryption in a room. Encryption can never be turned off again.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := c.client(cmd.Context())
			if err != nil {
				return err
			}
			p, err := cl.Gate.EnsureRoomEncrypted(cmd.Context(), id.RoomID(args[0]))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is encrypted with %s\n", p.RoomID, p.Algorithm)
			return nil
		},
	}
}

func policyCmd(c *cli) *cobra.Command {
	var block, unknown string
	cmd := &cobra.Command{
		Use:   "policy <room>",
		Short: "Show or change the sending policy of a room",
		Long: "Without flags, prints the policy the next send to the room follows.\n" +
			"Account-wide defaults live in config.yaml under encryption.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := c.client(cmd.Context())
			if err != nil {
				return err
			}
			roomID := id.RoomID(args[0])
			if cmd.Flags().Changed("block-on-unverified") {
				v, err := strconv.ParseBool(block)
				if err != nil {
					return fmt.Errorf("--block-on-unverified: %w", err)
				}
				if err := cl.Gate.SetBlockOnUnverified(roomID, v); err != nil {
					return err
				}
			}
			if cmd.Flags().Changed("error-on-unknown-devices") {
				v, err := strconv.ParseBool(unknown)
				if err != nil {
					return fmt.Errorf("--error-on-unknown-devices: %w", err)
				}
				if err := cl.Gate.SetErrorOnUnknownDevices(roomID, v); err != nil {
					return err
				}
			}
			p := cl.Gate.DecidePerMessagePolicy(roomID)
			rot := cl.Gate.Rotation(roomID)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "block_on_unverified: %t\n", p.BlockOnUnverified)
			fmt.Fprintf(out, "error_on_unknown_devices: %t\n", p.ErrorOnUnknownDevices)
			fmt.Fprintf(out, "rotation: every %d messages or %s\n", rot.MaxMessages, rot.MaxAge)
			return nil
		},
	}
	cmd.Flags().StringVar(&block, "block-on-unverified", "", "true or false")
	cmd.Flags().StringVar(&unknown, "error-on-unknown-devices", "", "true or false")
	return cmd
}
