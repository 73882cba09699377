package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/parkdog/msgsync/internal/auth"
	"github.com/parkdog/msgsync/internal/config"
	"github.com/parkdog/msgsync/internal/session"
)

var (
	accessFlag    string
	transportFlag string
	refreshFlag   string
)

func init() {
	authSetCmd.Flags().StringVar(&accessFlag, "access", "", "HTTP access token")
	authSetCmd.Flags().StringVar(&transportFlag, "transport", "", "real-time transport token")
	authSetCmd.Flags().StringVar(&refreshFlag, "refresh", "", "refresh token")
	authCmd.AddCommand(authSetCmd, authShowCmd, authLogoutCmd)

	configCmd.AddCommand(configShowCmd, configDefaultCmd)
	rootCmd.AddCommand(authCmd, configCmd)
}

func tokenStore() (*auth.FileStore, error) {
	name, err := sessionName()
	if err != nil {
		return nil, err
	}
	return auth.NewFileStore(session.TokensPath(name)), nil
}

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Manage the session's stored credentials",
}

var authSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Store tokens; the daemon picks them up on its next connect",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		fs, err := tokenStore()
		if err != nil {
			return err
		}
		t, err := fs.Load()
		if err != nil {
			return err
		}
		if accessFlag != "" {
			t.AccessToken = accessFlag
		}
		if transportFlag != "" {
			t.TransportToken = transportFlag
		}
		if refreshFlag != "" {
			t.RefreshToken = refreshFlag
		}
		return fs.Save(t)
	},
}

func describeToken(tok string) string {
	if tok == "" {
		return "(not set)"
	}
	exp, ok := auth.ExpiresAt(tok)
	if !ok {
		return "present"
	}
	if auth.Expired(tok, time.Now(), 0) {
		return "EXPIRED " + exp.Local().Format(time.RFC3339)
	}
	return "valid until " + exp.Local().Format(time.RFC3339)
}

var authShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show which tokens are stored and when they expire",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		fs, err := tokenStore()
		if err != nil {
			return err
		}
		t, err := fs.Load()
		if err != nil {
			return err
		}
		fmt.Printf("Access:    %s\n", describeToken(t.AccessToken))
		fmt.Printf("Transport: %s\n", describeToken(t.TransportToken))
		fmt.Printf("Refresh:   %s\n", describeToken(t.RefreshToken))
		return nil
	},
}

var authLogoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Delete stored tokens",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		fs, err := tokenStore()
		if err != nil {
			return err
		}
		return fs.Delete()
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect or change ~/.msgsync/config.toml",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		name, err := sessionName()
		if err != nil {
			return err
		}
		cfg, err := session.Config(name)
		if err != nil {
			return err
		}
		if jsonFlag {
			outputJSON(cfg)
			return nil
		}
		fmt.Printf("Session:       %s\n", name)
		fmt.Printf("Server URL:    %s\n", cfg.ServerURL)
		fmt.Printf("WebSocket URL: %s\n", cfg.WebSocketURL)
		fmt.Printf("User:          %s\n", cfg.UserID)
		fmt.Printf("Sync interval: %s\n", cfg.SyncInterval)
		fmt.Printf("Debug addr:    %s\n", cfg.DebugAddr)
		fmt.Printf("Log level:     %s\n", cfg.LogLevel)
		return nil
	},
}

var configDefaultCmd = &cobra.Command{
	Use:   "default-session <name>",
	Short: "Set the session used when --session is omitted",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		if err := session.ValidateName(args[0]); err != nil {
			return err
		}
		path := session.ConfigPath()
		cfg, err := config.Load(path)
		if err != nil {
			cfg = config.Default()
		}
		cfg.DefaultSession = args[0]
		return config.Save(path, cfg)
	},
}
