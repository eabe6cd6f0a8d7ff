package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"omemo/internal/domain"
	"omemo/internal/state"
)

// listen: print incoming messages until interrupted.
func listenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "listen",
		Short: "Connect and print incoming messages until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			acc, err := appCtx.Account(domain.JID(account))
			if err != nil {
				return err
			}
			if err := acc.Connect(ctx); err != nil {
				return err
			}
			fmt.Printf("listening as %s device %d\n", acc.JID, acc.State.DeviceID())

			err = acc.Run(ctx, printEvent)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}

func printEvent(ev state.Event, out state.Outcome, err error) {
	var mismatch *domain.TrustMismatchError
	switch e := ev.(type) {
	case state.InboundEnvelope:
		switch {
		case errors.As(err, &mismatch):
			fmt.Printf("! identity of %s device %d changed, message dropped (see 'omemo trust reset')\n",
				mismatch.Peer, mismatch.Device)
		case err != nil:
			fmt.Printf("! could not decrypt message from %s: %v\n", e.From, err)
		case out.Decrypted != nil && e.Sent:
			fmt.Printf("[you -> %s] %s\n", e.To, out.Decrypted.Plaintext)
		case out.Decrypted != nil:
			fmt.Printf("[%s/%d] %s\n", out.Decrypted.From, out.Decrypted.SenderDeviceID, out.Decrypted.Plaintext)
		}
	case state.PlaintextReceived:
		if out.PlaintextWarning {
			fmt.Printf("! unencrypted message from %s while encryption is on\n", e.From)
		}
		fmt.Printf("[%s, plaintext] %s\n", e.From, e.Body)
	case state.KeyExchangeResponse:
		if errors.As(err, &mismatch) {
			fmt.Printf("! identity of %s device %d changed, no session built\n", mismatch.Peer, mismatch.Device)
		}
	}
}
