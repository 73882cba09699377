// Package client talks to a running daemon over its Unix socket.
package client

import (
	"context"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/parkdog/msgsync/internal/api"
)

// Client wraps the gRPC connection to the daemon.
type Client struct {
	conn *grpc.ClientConn
}

// New dials the daemon's Unix domain socket.
func New(socketPath string, opts ...grpc.DialOption) (*Client, error) {
	return dial("unix://"+socketPath, opts...)
}

func dial(target string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: conn}, nil
}

// NewWithConn wraps an existing connection.
func NewWithConn(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Call invokes a unary method. req and out are JSON-tagged values; either
// may be nil.
func (c *Client) Call(ctx context.Context, method string, req, out any) error {
	in := &structpb.Struct{}
	if req != nil {
		var err error
		if in, err = api.ToStruct(req); err != nil {
			return err
		}
	}
	reply := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, api.FullMethod(method), in, reply); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return api.FromStruct(reply, out)
}

var watchDesc = grpc.StreamDesc{StreamName: api.MethodWatchEvents, ServerStreams: true}

// Watch streams daemon events in the given namespaces until ctx ends or fn
// returns an error.
func (c *Client) Watch(ctx context.Context, namespaces []string, fn func(api.Event) error) error {
	stream, err := c.conn.NewStream(ctx, &watchDesc, api.FullMethod(api.MethodWatchEvents))
	if err != nil {
		return err
	}
	in, err := api.ToStruct(api.WatchRequest{Namespaces: namespaces})
	if err != nil {
		return err
	}
	if err := stream.SendMsg(in); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		msg := &structpb.Struct{}
		if err := stream.RecvMsg(msg); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		var evt api.Event
		if err := api.FromStruct(msg, &evt); err != nil {
			return err
		}
		if err := fn(evt); err != nil {
			return err
		}
	}
}

// Status fetches the daemon status.
func (c *Client) Status(ctx context.Context) (*api.StatusReply, error) {
	var out api.StatusReply
	if err := c.Call(ctx, api.MethodGetStatus, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Stats fetches local store statistics.
func (c *Client) Stats(ctx context.Context) (*api.StatsReply, error) {
	var out api.StatsReply
	if err := c.Call(ctx, api.MethodGetStats, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Messages lists messages of a conversation, newest first.
func (c *Client) Messages(ctx context.Context, req api.GetMessagesRequest) ([]api.MessageView, error) {
	var out api.MessagesReply
	if err := c.Call(ctx, api.MethodGetMessages, req, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// Conversations lists conversations by recent activity.
func (c *Client) Conversations(ctx context.Context, req api.GetConversationsRequest) ([]api.ConversationView, error) {
	var out api.ConversationsReply
	if err := c.Call(ctx, api.MethodGetConversations, req, &out); err != nil {
		return nil, err
	}
	return out.Conversations, nil
}
