package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"omemo/internal/domain"
)

func devicesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "devices <jid>",
		Short: "List the known devices of a contact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			acc, err := appCtx.Account(domain.JID(account))
			if err != nil {
				return err
			}
			peer := domain.JID(args[0])
			devices, err := acc.State.Devices(peer)
			if err != nil {
				return err
			}
			if len(devices) == 0 {
				fmt.Println("no known devices")
				return nil
			}
			for _, dev := range devices {
				marker := ""
				if peer == acc.JID && dev == acc.State.DeviceID() {
					marker = " (this device)"
				}
				fmt.Printf("%d%s\n", dev, marker)
			}
			return nil
		},
	}
	cmd.AddCommand(removeDevicesCmd(), clearOwnDevicesCmd())
	return cmd
}

func removeDevicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <jid> <device>...",
		Short: "Forget devices and delete their sessions",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			acc, err := appCtx.Account(domain.JID(account))
			if err != nil {
				return err
			}
			ids := make([]domain.DeviceID, 0, len(args)-1)
			for _, s := range args[1:] {
				id, err := parseDevice(s)
				if err != nil {
					return err
				}
				ids = append(ids, id)
			}
			return acc.State.RemoveDevices(domain.JID(args[0]), ids)
		},
	}
}

func clearOwnDevicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear-own",
		Short: "Publish a device list holding only this device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), prepareTimeout)
			defer cancel()

			acc, err := online(ctx, nil)
			if err != nil {
				return err
			}
			id, err := acc.State.ClearOwnDeviceList(ctx)
			if err != nil {
				return err
			}
			if err := acc.Await(ctx, id); err != nil {
				return fmt.Errorf("device list not acknowledged: %w", err)
			}
			fmt.Printf("device list reset to %d\n", acc.State.DeviceID())
			return nil
		},
	}
}
