package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"omemo/internal/app"
	"omemo/internal/config"
	"omemo/internal/domain"
)

const prepareTimeout = 10 * time.Second

var (
	configPath string
	account    string

	cfg    config.Config
	logger *logrus.Logger
	appCtx *app.App
)

// Execute runs the CLI.
func Execute() error {
	root := &cobra.Command{
		Use:          "omemo",
		Short:        "Multi-device end-to-end encrypted messaging",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if configPath == "" {
				dir, err := os.UserHomeDir()
				if err != nil {
					return err
				}
				configPath = filepath.Join(dir, ".omemo", "config.yaml")
			}
			c, err := config.Load(configPath)
			if err != nil {
				return err
			}
			log, err := c.Logger()
			if err != nil {
				return err
			}
			cfg, logger = c, log
			appCtx = app.New(cfg, logger)
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if appCtx == nil {
				return nil
			}
			return appCtx.Close()
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.omemo/config.yaml)")
	root.PersistentFlags().StringVarP(&account, "account", "a", "", "account jid (default: first configured account)")

	root.AddCommand(initCmd(), fingerprintCmd(), devicesCmd(), trustCmd(), sendCmd(), listenCmd())
	return root.Execute()
}

// online opens the selected account, connects it and runs its event loop
// in the background until ctx ends.
func online(ctx context.Context, handle app.Handler) (*app.Account, error) {
	acc, err := appCtx.Account(domain.JID(account))
	if err != nil {
		return nil, err
	}
	if err := acc.Connect(ctx); err != nil {
		return nil, err
	}
	go func() { _ = acc.Run(ctx, handle) }()
	return acc, nil
}

func parseDevice(s string) (domain.DeviceID, error) {
	id, err := strconv.ParseUint(s, 10, 32)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid device id %q", s)
	}
	return domain.DeviceID(id), nil
}
