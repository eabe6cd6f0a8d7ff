package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"omemo/internal/domain"
)

// send <peer> <message>: encrypt and send a message to <peer>.
func sendCmd() *cobra.Command {
	var plain bool
	cmd := &cobra.Command{
		Use:   "send <peer> <message>",
		Short: "Encrypt and send a message to a peer",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			peer := domain.JID(args[0])

			acc, err := online(ctx, nil)
			if err != nil {
				return err
			}
			if !plain {
				if err := acc.State.SetActive(peer); err != nil {
					return err
				}
				prep, cancelPrep := context.WithTimeout(ctx, prepareTimeout)
				err := acc.Prepare(prep, peer)
				cancelPrep()
				if err != nil {
					return fmt.Errorf("preparing sessions with %s: %w", peer, err)
				}
			}

			encrypted, err := acc.Send(ctx, peer, []byte(args[1]))
			if err != nil {
				return err
			}
			if encrypted {
				fmt.Println("sent (encrypted)")
			} else {
				fmt.Println("sent (plaintext)")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&plain, "plain", false, "send without encryption if it is not already enabled")
	return cmd
}
