package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/tinabots/tina/internal/auth"
	"github.com/tinabots/tina/internal/config"
)

func newLoginCmd() *cobra.Command {
	var qr bool
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in with a ChatGPT account (OAuth)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			mgr := auth.NewManager(cfg.Memory.DataDir)
			return mgr.Login(cmd.Context(), auth.LoginOptions{QR: qr, Out: os.Stdout})
		},
	}
	cmd.Flags().BoolVar(&qr, "qr", false, "show the login URL as a QR code instead of opening a browser")
	return cmd
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove stored OAuth tokens",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			mgr := auth.NewManager(cfg.Memory.DataDir, auth.WithLogger(slog.Default()))
			if err := mgr.Logout(); err != nil {
				return err
			}
			fmt.Println("Logged out.")
			return nil
		},
	}
}
