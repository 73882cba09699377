package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/parkdog/msgsync/internal/client"
	"github.com/parkdog/msgsync/internal/lock"
	"github.com/parkdog/msgsync/internal/session"
)

var (
	sessionFlag string
	jsonFlag    bool
	timeoutFlag time.Duration
)

var rootCmd = &cobra.Command{
	Use:           "msgsyncctl",
	Short:         "Control a running msgsyncd session",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&sessionFlag, "session", "", "session name (overrides config default)")
	rootCmd.PersistentFlags().BoolVar(&jsonFlag, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().DurationVar(&timeoutFlag, "timeout", 10*time.Second, "request timeout")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// sessionName resolves and validates the target session.
func sessionName() (string, error) {
	name := session.Resolve(sessionFlag)
	if err := session.ValidateName(name); err != nil {
		return "", err
	}
	return name, nil
}

// connect dials the session daemon and returns a context bounded by
// --timeout.
func connect(cmd *cobra.Command) (*client.Client, context.Context, context.CancelFunc, error) {
	name, err := sessionName()
	if err != nil {
		return nil, nil, nil, err
	}
	if _, running, err := lock.Inspect(session.Dir(name)); err == nil && !running {
		return nil, nil, nil, fmt.Errorf("no daemon running for session %q (start msgsyncd --session %s)", name, name)
	}
	c, err := client.New(session.SocketPath(name))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("cannot connect to daemon for session %q: %w", name, err)
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), timeoutFlag)
	return c, ctx, func() {
		cancel()
		_ = c.Close()
	}, nil
}

// run wraps a command body that needs a daemon connection.
func run(fn func(ctx context.Context, c *client.Client, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		c, ctx, done, err := connect(cmd)
		if err != nil {
			return err
		}
		defer done()
		return fn(ctx, c, args)
	}
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func formatMillis(ms int64) string {
	if ms <= 0 {
		return "-"
	}
	return time.UnixMilli(ms).Local().Format("2006-01-02 15:04:05")
}
