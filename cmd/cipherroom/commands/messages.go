package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"maunium.net/go/mautrix/id"

	"cipherroom/internal/domain"
)

func sendCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "send <room> <message...>",
		Short: "Encrypt and send a message to a room",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := c.client(cmd.Context())
			if err != nil {
				return err
			}
			eventID, err := cl.Messages.EncryptAndSend(cmd.Context(), id.RoomID(args[0]), strings.Join(args[1:], " "))
			var policyErr *domain.PolicyError
			if errors.As(err, &policyErr) {
				return fmt.Errorf("%w\nreview the devices with `cipherroom devices` and `cipherroom verify`", err)
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), eventID)
			return nil
		},
	}
}

func listenCmd(c *cli) *cobra.Command {
	var history, failures bool
	cmd := &cobra.Command{
		Use:   "listen [room]",
		Short: "Stream decrypted messages until interrupted",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if history {
				c.streamStart = 1
			}
			cl, err := c.client(cmd.Context())
			if err != nil {
				return err
			}
			var roomID id.RoomID
			if len(args) == 1 {
				roomID = id.RoomID(args[0])
			}
			kinds := []domain.OutcomeKind{domain.OutcomePlaintext}
			if failures {
				kinds = append(kinds, domain.OutcomeFailed)
			}
			sub := cl.Router.Subscribe(roomID, kinds, 64)
			defer sub.Close()

			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error { return cl.Messages.Run(ctx) })
			g.Go(func() error {
				for {
					select {
					case <-ctx.Done():
						return ctx.Err()
					case o, ok := <-sub.C:
						if !ok {
							return nil
						}
						printOutcome(cmd.OutOrStdout(), o)
					}
				}
			})
			if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&history, "history", false, "also show messages sent before listening started")
	cmd.Flags().BoolVar(&failures, "failures", false, "show events that could not be decrypted")
	return cmd
}

func printOutcome(w io.Writer, o domain.Outcome) {
	ts := time.UnixMilli(o.Timestamp).Format(time.DateTime)
	if o.Kind == domain.OutcomeFailed {
		fmt.Fprintf(w, "%s %s %s: ** unable to decrypt: %s **\n", ts, o.RoomID, o.Sender, o.Reason)
		return
	}
	mark := ""
	if !o.Trusted {
		mark = " (unverified)"
	}
	fmt.Fprintf(w, "%s %s %s%s: %s\n", ts, o.RoomID, o.Sender, mark, o.Body)
}
