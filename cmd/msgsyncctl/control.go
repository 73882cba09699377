package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/parkdog/msgsync/internal/api"
	"github.com/parkdog/msgsync/internal/client"
	intsync "github.com/parkdog/msgsync/internal/sync"
)

func init() {
	rootCmd.AddCommand(statusCmd, syncCmd, statsCmd, onlineCmd, offlineCmd, backgroundCmd, foregroundCmd, networkCmd, watchCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show session and connection status",
	Args:  cobra.NoArgs,
	RunE: run(func(ctx context.Context, c *client.Client, _ []string) error {
		st, err := c.Status(ctx)
		if err != nil {
			return err
		}
		if jsonFlag {
			outputJSON(st)
			return nil
		}
		fmt.Printf("Session:    %s\n", st.Session)
		fmt.Printf("User:       %s\n", st.UserID)
		fmt.Printf("Online:     %v (syncing: %v)\n", st.Online, st.Syncing)
		fmt.Printf("Transport:  %s, network %s, background %v\n", st.State, st.Network, st.Background)
		if st.Conversation != "" {
			fmt.Printf("Open:       %s\n", st.Conversation)
		}
		fmt.Printf("Events:     %d sent, %d received, %d queued, %d rate limited\n",
			st.MessagesSent, st.MessagesReceived, st.QueueDepth, st.RateLimited)
		fmt.Printf("Reconnects: %d\n", st.Reconnects)
		if st.LatencyMs > 0 {
			fmt.Printf("Latency:    %dms\n", st.LatencyMs)
		}
		fmt.Printf("Uptime:     %s\n", (time.Duration(st.UptimeMs) * time.Millisecond).Round(time.Second))
		return nil
	}),
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run a sync cycle now",
	Args:  cobra.NoArgs,
	RunE: run(func(ctx context.Context, c *client.Client, _ []string) error {
		var report intsync.CycleReport
		if err := c.Call(ctx, api.MethodSyncNow, nil, &report); err != nil {
			return err
		}
		if jsonFlag {
			outputJSON(report)
			return nil
		}
		fmt.Printf("Drained:       %d sent, %d retrying, %d failed\n", report.Drained.Sent, report.Drained.Retried, report.Drained.Failed)
		fmt.Printf("Reads flushed: %d\n", report.ReadsFlushed)
		fmt.Printf("Pulled:        %d messages\n", report.Pulled)
		fmt.Printf("Conversations: %d\n", report.Conversations)
		fmt.Printf("Cleaned:       %d outbox entries\n", report.Cleaned)
		for _, e := range report.Errors {
			fmt.Printf("error: %s\n", e)
		}
		return nil
	}),
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show local store statistics",
	Args:  cobra.NoArgs,
	RunE: run(func(ctx context.Context, c *client.Client, _ []string) error {
		st, err := c.Stats(ctx)
		if err != nil {
			return err
		}
		if jsonFlag {
			outputJSON(st)
			return nil
		}
		statuses := make([]string, 0, len(st.Messages))
		for k := range st.Messages {
			statuses = append(statuses, k)
		}
		sort.Strings(statuses)
		fmt.Println("Messages:")
		for _, k := range statuses {
			fmt.Printf("  %-10s %d\n", k, st.Messages[k])
		}
		fmt.Printf("Conversations: %d (%d unread)\n", st.Conversations, st.UnreadTotal)
		fmt.Printf("Outbox:        %d pending, %d failed\n", st.OutboxPending, st.OutboxFailed)
		fmt.Printf("Database:      %d bytes\n", st.DatabaseBytes)
		fmt.Printf("Last message:  %s\n", formatMillis(st.LastMessageAt))
		if st.LastSyncedAt != "" {
			fmt.Printf("Last sync:     %s\n", st.LastSyncedAt)
		}
		return nil
	}),
}

func boolCommand(use, short, method string, req any) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: run(func(ctx context.Context, c *client.Client, _ []string) error {
			return c.Call(ctx, method, req, nil)
		}),
	}
}

var (
	onlineCmd     = boolCommand("online", "Connect and resume syncing", api.MethodSetOnline, api.SetOnlineRequest{Online: true})
	offlineCmd    = boolCommand("offline", "Disconnect and queue sends locally", api.MethodSetOnline, api.SetOnlineRequest{Online: false})
	backgroundCmd = boolCommand("background", "Switch the transport to background mode", api.MethodSetBackground, api.SetBackgroundRequest{Background: true})
	foregroundCmd = boolCommand("foreground", "Switch the transport to foreground mode", api.MethodSetBackground, api.SetBackgroundRequest{Background: false})
)

var networkCmd = &cobra.Command{
	Use:   "network <wifi|cellular|none>",
	Short: "Report a network change",
	Args:  cobra.ExactArgs(1),
	RunE: run(func(ctx context.Context, c *client.Client, args []string) error {
		req := api.SetNetworkRequest{Network: args[0], Reachable: args[0] != "none"}
		return c.Call(ctx, api.MethodSetNetwork, req, nil)
	}),
}

var watchNamespaces []string

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream daemon events until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		c, _, done, err := connect(cmd)
		if err != nil {
			return err
		}
		defer done()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		err = c.Watch(ctx, watchNamespaces, func(evt api.Event) error {
			if jsonFlag {
				outputJSON(evt)
				return nil
			}
			fmt.Printf("%s %-24s %v\n", formatMillis(evt.OccurredAtMs), evt.Kind, evt.Payload)
			return nil
		})
		if ctx.Err() != nil {
			return nil
		}
		return err
	},
}

func init() {
	watchCmd.Flags().StringSliceVar(&watchNamespaces, "ns", nil, "event kind prefixes, e.g. message.,sync. (all when empty)")
}
