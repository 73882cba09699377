package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/parkdog/msgsync/internal/api"
	"github.com/parkdog/msgsync/internal/client"
	intsync "github.com/parkdog/msgsync/internal/sync"
)

var (
	sendTo       string
	sendPriority string
	listLimit    int
	listOffset   int
	listBefore   int64
	searchIn     string
	retryAll     bool
	purge        bool
	clearYes     bool
)

func init() {
	sendCmd.Flags().StringVar(&sendTo, "to", "", "receiver id (required for a new conversation)")
	sendCmd.Flags().StringVar(&sendPriority, "priority", "", "outbox priority: high, normal or low")
	messagesCmd.Flags().IntVar(&listLimit, "limit", 20, "maximum messages")
	messagesCmd.Flags().Int64Var(&listBefore, "before", 0, "only messages created before this unix millisecond")
	conversationsCmd.Flags().IntVar(&listLimit, "limit", 20, "maximum conversations")
	conversationsCmd.Flags().IntVar(&listOffset, "offset", 0, "skip this many conversations")
	searchCmd.Flags().StringVar(&searchIn, "conversation", "", "limit the search to one conversation")
	searchCmd.Flags().IntVar(&listLimit, "limit", 20, "maximum results")
	retryCmd.Flags().BoolVar(&retryAll, "all", false, "retry every failed message")
	deleteConversationCmd.Flags().BoolVar(&purge, "purge", false, "remove the conversation and its messages for good")
	clearCmd.Flags().BoolVar(&clearYes, "yes", false, "confirm wiping local data")

	rootCmd.AddCommand(sendCmd, readCmd, messagesCmd, conversationsCmd, searchCmd, retryCmd,
		deleteCmd, deleteConversationCmd, clearCmd, openCmd, closeCmd)
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation> <text...>",
	Short: "Queue a text message",
	Args:  cobra.MinimumNArgs(2),
	RunE: run(func(ctx context.Context, c *client.Client, args []string) error {
		var res intsync.SendResult
		err := c.Call(ctx, api.MethodSendMessage, api.SendMessageRequest{
			ConversationID: args[0],
			ReceiverID:     sendTo,
			Content:        strings.Join(args[1:], " "),
			Priority:       sendPriority,
		}, &res)
		if err != nil {
			return err
		}
		if jsonFlag {
			outputJSON(res)
			return nil
		}
		fmt.Printf("queued %s in %s\n", res.TempID, res.ConversationID)
		return nil
	}),
}

var readCmd = &cobra.Command{
	Use:   "read <conversation> [message ids...]",
	Short: "Mark a conversation, or everything up to the given messages, as read",
	Args:  cobra.MinimumNArgs(1),
	RunE: run(func(ctx context.Context, c *client.Client, args []string) error {
		var evt intsync.ReadEvent
		err := c.Call(ctx, api.MethodMarkAsRead, api.MarkAsReadRequest{
			ConversationID: args[0],
			MessageIDs:     args[1:],
		}, &evt)
		if err != nil {
			return err
		}
		if jsonFlag {
			outputJSON(evt)
			return nil
		}
		state := "synced"
		if !evt.Synced {
			state = "will sync later"
		}
		fmt.Printf("marked %d read, %d unread left (%s)\n", evt.Marked, evt.Unread, state)
		return nil
	}),
}

var messagesCmd = &cobra.Command{
	Use:   "messages <conversation>",
	Short: "List messages, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: run(func(ctx context.Context, c *client.Client, args []string) error {
		msgs, err := c.Messages(ctx, api.GetMessagesRequest{ConversationID: args[0], Limit: listLimit, Before: listBefore})
		if err != nil {
			return err
		}
		printMessages(msgs)
		return nil
	}),
}

func printMessages(msgs []api.MessageView) {
	if jsonFlag {
		outputJSON(msgs)
		return
	}
	for _, m := range msgs {
		id := m.ServerID
		if id == "" {
			id = m.TempID
		}
		body := m.Content
		if body == "" && m.Cipher != nil {
			body = "[encrypted]"
		}
		fmt.Printf("%s  %-26s %-9s %s: %s\n", formatMillis(m.CreatedAt), id, m.Status, m.SenderID, body)
		if m.Error != "" {
			fmt.Printf("    error: %s (retries %d)\n", m.Error, m.RetryCount)
		}
	}
}

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List conversations by recent activity",
	Args:  cobra.NoArgs,
	RunE: run(func(ctx context.Context, c *client.Client, _ []string) error {
		convs, err := c.Conversations(ctx, api.GetConversationsRequest{Limit: listLimit, Offset: listOffset})
		if err != nil {
			return err
		}
		if jsonFlag {
			outputJSON(convs)
			return nil
		}
		for _, cv := range convs {
			name := cv.OtherUserName
			if name == "" {
				name = "-"
			}
			presence := ""
			if cv.OtherUserOnline {
				presence = " *"
			}
			fmt.Printf("%-24s %-20s%s  %3d unread  %s  %s\n",
				cv.ID, name, presence, cv.UnreadCount, formatMillis(cv.LastMessageAt), cv.LastMessagePreview)
		}
		return nil
	}),
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search message text",
	Args:  cobra.MinimumNArgs(1),
	RunE: run(func(ctx context.Context, c *client.Client, args []string) error {
		var reply api.MessagesReply
		err := c.Call(ctx, api.MethodSearchMessages, api.SearchRequest{
			Query:          strings.Join(args, " "),
			ConversationID: searchIn,
			Limit:          listLimit,
		}, &reply)
		if err != nil {
			return err
		}
		printMessages(reply.Messages)
		return nil
	}),
}

var retryCmd = &cobra.Command{
	Use:   "retry [temp id]",
	Short: "Retry a failed message, or all of them with --all",
	Args:  cobra.MaximumNArgs(1),
	RunE: run(func(ctx context.Context, c *client.Client, args []string) error {
		if retryAll {
			var n api.CountReply
			if err := c.Call(ctx, api.MethodRetryAllFailed, nil, &n); err != nil {
				return err
			}
			fmt.Printf("requeued %d messages\n", n.Count)
			return nil
		}
		if len(args) == 0 {
			return fmt.Errorf("give a temp id or --all")
		}
		return c.Call(ctx, api.MethodRetryMessage, api.MessageRequest{ID: args[0]}, nil)
	}),
}

var deleteCmd = &cobra.Command{
	Use:   "delete <message id>",
	Short: "Delete a message locally, cancelling it if unsent",
	Args:  cobra.ExactArgs(1),
	RunE: run(func(ctx context.Context, c *client.Client, args []string) error {
		return c.Call(ctx, api.MethodDeleteMessage, api.MessageRequest{ID: args[0]}, nil)
	}),
}

var deleteConversationCmd = &cobra.Command{
	Use:   "delete-conversation <conversation>",
	Short: "Hide a conversation, or purge it with --purge",
	Args:  cobra.ExactArgs(1),
	RunE: run(func(ctx context.Context, c *client.Client, args []string) error {
		return c.Call(ctx, api.MethodDeleteConversation, api.DeleteConversationRequest{
			ConversationID: args[0],
			Purge:          purge,
		}, nil)
	}),
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Wipe every local message, conversation and queued send",
	Args:  cobra.NoArgs,
	RunE: run(func(ctx context.Context, c *client.Client, _ []string) error {
		if !clearYes {
			return fmt.Errorf("refusing to clear without --yes")
		}
		return c.Call(ctx, api.MethodClearAllData, nil, nil)
	}),
}

var openCmd = &cobra.Command{
	Use:   "open <conversation>",
	Short: "Join a conversation for live typing and presence",
	Args:  cobra.ExactArgs(1),
	RunE: run(func(ctx context.Context, c *client.Client, args []string) error {
		return c.Call(ctx, api.MethodOpenConversation, api.ConversationRequest{ConversationID: args[0]}, nil)
	}),
}

var closeCmd = &cobra.Command{
	Use:   "close",
	Short: "Leave the open conversation",
	Args:  cobra.NoArgs,
	RunE: run(func(ctx context.Context, c *client.Client, _ []string) error {
		return c.Call(ctx, api.MethodCloseConversation, nil, nil)
	}),
}
