package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"omemo/internal/app"
	"omemo/internal/config"
	"omemo/internal/domain"
	"omemo/internal/services/identity"
)

func initCmd() *cobra.Command {
	var passphrase, passphraseEnv string
	cmd := &cobra.Command{
		Use:   "init <jid>",
		Short: "Add an account and generate its keys",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if passphrase == "" && passphraseEnv == "" {
				return fmt.Errorf("passphrase required (-p or --passphrase-env)")
			}
			if passphrase != "" {
				if err := identity.ValidatePassphrase(passphrase); err != nil {
					return err
				}
			}
			jid := domain.JID(args[0])
			cfg.SetAccount(config.Account{JID: jid, Passphrase: passphrase, PassphraseEnv: passphraseEnv})
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := config.Save(configPath, cfg); err != nil {
				return err
			}

			// Reopen with the new account configured.
			_ = appCtx.Close()
			appCtx = app.New(cfg, logger)
			acc, err := appCtx.Account(jid)
			if err != nil {
				return err
			}
			fp, err := acc.State.Fingerprint()
			if err != nil {
				return err
			}
			fmt.Printf("Account %s ready.\nDevice: %d\nFingerprint: %s\n", jid, acc.State.DeviceID(), fp)
			return nil
		},
	}
	cmd.Flags().StringVarP(&passphrase, "passphrase", "p", "", "passphrase protecting the identity key")
	cmd.Flags().StringVar(&passphraseEnv, "passphrase-env", "", "environment variable holding the passphrase")
	return cmd
}
