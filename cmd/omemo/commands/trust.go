package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"omemo/internal/domain"
)

func trustCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trust",
		Short: "Manage identity trust and encryption per contact",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "reset <jid> <device>",
			Short: "Forget a device's identity key and session",
			Long: "Forget a device's identity key and session. The next bundle or\n" +
				"pre-key message from the device is trusted on first use again.",
			Args: cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				acc, err := appCtx.Account(domain.JID(account))
				if err != nil {
					return err
				}
				dev, err := parseDevice(args[1])
				if err != nil {
					return err
				}
				if err := acc.State.ResetDevice(domain.JID(args[0]), dev); err != nil {
					return err
				}
				fmt.Printf("identity of %s device %d forgotten\n", args[0], dev)
				return nil
			},
		},
		encryptionCmd("enable", "Encrypt messages to a contact", true),
		encryptionCmd("disable", "Send messages to a contact unencrypted", false),
	)
	return cmd
}

func encryptionCmd(use, short string, on bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <jid>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			acc, err := appCtx.Account(domain.JID(account))
			if err != nil {
				return err
			}
			peer := domain.JID(args[0])
			if on {
				err = acc.State.SetActive(peer)
			} else {
				err = acc.State.SetInactive(peer)
			}
			if err != nil {
				return err
			}
			fmt.Printf("encryption for %s: %t\n", peer, on)
			return nil
		},
	}
}
