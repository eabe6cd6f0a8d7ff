package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"omemo/internal/domain"
)

func fingerprintCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fingerprint [jid]",
		Short: "Print the own fingerprint, or those of a contact's devices",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			acc, err := appCtx.Account(domain.JID(account))
			if err != nil {
				return err
			}
			if len(args) == 0 {
				fp, err := acc.State.Fingerprint()
				if err != nil {
					return err
				}
				fmt.Printf("%s device %d\nFingerprint: %s\n", acc.JID, acc.State.DeviceID(), fp)
				return nil
			}

			peer := domain.JID(args[0])
			devices, err := acc.State.Devices(peer)
			if err != nil {
				return err
			}
			for _, dev := range devices {
				fp, ok, err := acc.State.DeviceFingerprint(peer, dev)
				if err != nil {
					return err
				}
				if !ok {
					fp = "(no identity recorded)"
				}
				fmt.Printf("%s device %d: %s\n", peer, dev, fp)
			}
			return nil
		},
	}
}
