// Package api exposes the engine to local processes over gRPC.
package api

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/parkdog/msgsync/internal/bus"
	"github.com/parkdog/msgsync/internal/realtime"
	"github.com/parkdog/msgsync/internal/store"
	intsync "github.com/parkdog/msgsync/internal/sync"
)

// Controls are the transport-facing actions, implemented by the bridge.
type Controls interface {
	SetOnline(ctx context.Context, online bool)
	SetBackground(ctx context.Context, background bool)
	SetNetwork(network realtime.Network, reachable bool)
	OpenConversation(ctx context.Context, id string) error
	CloseConversation(ctx context.Context) error
	SendTyping(ctx context.Context, conversationID string, typing bool) error
}

// Transport reports connection state.
type Transport interface {
	Metrics() realtime.Snapshot
}

// Requests and replies. Every message travels as a Struct with these
// JSON field names.
type (
	SendMessageRequest struct {
		ConversationID string            `json:"conversation_id"`
		ReceiverID     string            `json:"receiver_id,omitempty"`
		Content        string            `json:"content,omitempty"`
		Cipher         *store.Ciphertext `json:"encrypted,omitempty"`
		Priority       string            `json:"priority,omitempty"`
	}
	MarkAsReadRequest struct {
		ConversationID string   `json:"conversation_id"`
		MessageIDs     []string `json:"message_ids,omitempty"`
	}
	GetMessagesRequest struct {
		ConversationID string `json:"conversation_id"`
		Limit          int    `json:"limit,omitempty"`
		Before         int64  `json:"before,omitempty"`
	}
	GetConversationsRequest struct {
		Limit  int `json:"limit,omitempty"`
		Offset int `json:"offset,omitempty"`
	}
	MessageRequest struct {
		ID string `json:"id"`
	}
	SearchRequest struct {
		Query          string `json:"query"`
		ConversationID string `json:"conversation_id,omitempty"`
		Limit          int    `json:"limit,omitempty"`
	}
	SetOnlineRequest struct {
		Online bool `json:"online"`
	}
	SetBackgroundRequest struct {
		Background bool `json:"background"`
	}
	SetNetworkRequest struct {
		Network   string `json:"network"`
		Reachable bool   `json:"reachable"`
	}
	ConversationRequest struct {
		ConversationID string `json:"conversation_id"`
	}
	DeleteConversationRequest struct {
		ConversationID string `json:"conversation_id"`
		Purge          bool   `json:"purge,omitempty"`
	}
	TypingRequest struct {
		ConversationID string `json:"conversation_id"`
		Typing         bool   `json:"typing"`
	}
	WatchRequest struct {
		Namespaces []string `json:"namespaces,omitempty"`
	}

	MessagesReply struct {
		Messages []MessageView `json:"messages"`
	}
	ConversationsReply struct {
		Conversations []ConversationView `json:"conversations"`
	}
	CountReply struct {
		Count int64 `json:"count"`
	}
	StatusReply struct {
		Session          string `json:"session"`
		UserID           string `json:"user_id"`
		State            string `json:"state"`
		Online           bool   `json:"online"`
		Syncing          bool   `json:"syncing"`
		Background       bool   `json:"background"`
		Network          string `json:"network"`
		Conversation     string `json:"conversation,omitempty"`
		MessagesSent     int64  `json:"messages_sent"`
		MessagesReceived int64  `json:"messages_received"`
		Reconnects       int64  `json:"reconnects"`
		RateLimited      int64  `json:"rate_limited"`
		QueueDepth       int    `json:"queue_depth"`
		LatencyMs        int64  `json:"latency_ms"`
		ConnectedSince   int64  `json:"connected_since,omitempty"`
		UptimeMs         int64  `json:"uptime_ms"`
	}
	StatsReply struct {
		Messages      map[string]int `json:"messages"`
		Conversations int            `json:"conversations"`
		UnreadTotal   int            `json:"unread_total"`
		OutboxPending int            `json:"outbox_pending"`
		OutboxFailed  int            `json:"outbox_failed"`
		DatabaseBytes int64          `json:"database_bytes"`
		LastMessageAt int64          `json:"last_message_at"`
		LastSyncedAt  string         `json:"last_synced_at,omitempty"`
		Online        bool           `json:"online"`
		Syncing       bool           `json:"syncing"`
	}
	// Event is one item of the WatchEvents stream.
	Event struct {
		EventID      string `json:"event_id"`
		Session      string `json:"session"`
		Kind         string `json:"kind"`
		OccurredAtMs int64  `json:"occurred_at_ms"`
		Payload      any    `json:"payload,omitempty"`
	}
)

// Service implements msgsync.v1.SyncService.
type Service struct {
	session   string
	engine    *intsync.Engine
	controls  Controls
	transport Transport
	bus       *bus.Bus
	logger    *zap.Logger
	started   time.Time
}

// NewService creates the control service.
func NewService(session string, engine *intsync.Engine, controls Controls, transport Transport, b *bus.Bus, logger *zap.Logger) *Service {
	return &Service{
		session:   session,
		engine:    engine,
		controls:  controls,
		transport: transport,
		bus:       b,
		logger:    logger.Named("api"),
		started:   time.Now(),
	}
}

func empty() (*structpb.Struct, error) { return &structpb.Struct{}, nil }

func (s *Service) SendMessage(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req SendMessageRequest
	if err := FromStruct(in, &req); err != nil {
		return nil, toStatus("send", invalid(err))
	}
	res, err := s.engine.SendMessage(ctx, intsync.SendRequest{
		ConversationID: req.ConversationID,
		ReceiverID:     req.ReceiverID,
		Content:        req.Content,
		Cipher:         req.Cipher,
		Priority:       store.Priority(req.Priority),
	})
	if err != nil {
		return nil, toStatus("send", err)
	}
	return ToStruct(res)
}

func (s *Service) MarkAsRead(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req MarkAsReadRequest
	if err := FromStruct(in, &req); err != nil {
		return nil, toStatus("mark read", invalid(err))
	}
	evt, err := s.engine.MarkAsRead(ctx, req.ConversationID, req.MessageIDs)
	if err != nil {
		return nil, toStatus("mark read", err)
	}
	return ToStruct(evt)
}

func (s *Service) GetMessages(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req GetMessagesRequest
	if err := FromStruct(in, &req); err != nil {
		return nil, toStatus("get messages", invalid(err))
	}
	msgs, err := s.engine.GetMessages(ctx, req.ConversationID, req.Limit, req.Before)
	if err != nil {
		return nil, toStatus("get messages", err)
	}
	return ToStruct(MessagesReply{Messages: messageViews(msgs)})
}

func (s *Service) GetConversations(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req GetConversationsRequest
	if err := FromStruct(in, &req); err != nil {
		return nil, toStatus("get conversations", invalid(err))
	}
	convs, err := s.engine.GetConversations(ctx, req.Limit, req.Offset)
	if err != nil {
		return nil, toStatus("get conversations", err)
	}
	return ToStruct(ConversationsReply{Conversations: conversationViews(convs)})
}

func (s *Service) RetryMessage(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req MessageRequest
	if err := FromStruct(in, &req); err != nil {
		return nil, toStatus("retry", invalid(err))
	}
	if err := s.engine.RetryMessage(ctx, req.ID); err != nil {
		return nil, toStatus("retry", err)
	}
	return empty()
}

func (s *Service) RetryAllFailed(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	n, err := s.engine.RetryAllFailed(ctx)
	if err != nil {
		return nil, toStatus("retry all", err)
	}
	return ToStruct(CountReply{Count: n})
}

func (s *Service) SyncNow(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	report, err := s.engine.SyncNow(ctx)
	if report == nil {
		return nil, toStatus("sync", err)
	}
	// Partial failures are listed in the report.
	return ToStruct(report)
}

func (s *Service) GetStats(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	st, err := s.engine.Stats(ctx)
	if err != nil {
		return nil, toStatus("stats", err)
	}
	reply := StatsReply{
		Messages:      make(map[string]int, len(st.Messages)),
		Conversations: st.Conversations,
		UnreadTotal:   st.UnreadTotal,
		OutboxPending: st.Outbox.Pending + st.Outbox.Processing,
		OutboxFailed:  st.Outbox.Failed,
		DatabaseBytes: st.DatabaseBytes,
		LastMessageAt: st.LastMessageAt,
		LastSyncedAt:  st.LastSyncedAt,
		Online:        st.Online,
		Syncing:       st.Syncing,
	}
	for k, v := range st.Messages {
		reply.Messages[string(k)] = v
	}
	return ToStruct(reply)
}

func (s *Service) GetStatus(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	reply := StatusReply{
		Session:  s.session,
		UserID:   s.engine.UserID(),
		Online:   s.engine.Online(),
		Syncing:  s.engine.Syncing(),
		UptimeMs: time.Since(s.started).Milliseconds(),
	}
	if s.transport != nil {
		snap := s.transport.Metrics()
		reply.State = string(snap.State)
		reply.Background = snap.Background
		reply.Network = string(snap.Network)
		reply.Conversation = snap.Conversation
		reply.MessagesSent = snap.MessagesSent
		reply.MessagesReceived = snap.MessagesReceived
		reply.Reconnects = snap.Reconnects
		reply.RateLimited = snap.RateLimited
		reply.QueueDepth = snap.QueueDepth
		reply.LatencyMs = snap.Latency.Milliseconds()
		if !snap.ConnectedSince.IsZero() {
			reply.ConnectedSince = snap.ConnectedSince.UnixMilli()
		}
	}
	return ToStruct(reply)
}

func (s *Service) SetOnline(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req SetOnlineRequest
	if err := FromStruct(in, &req); err != nil {
		return nil, toStatus("set online", invalid(err))
	}
	s.controls.SetOnline(ctx, req.Online)
	return empty()
}

func (s *Service) SetBackground(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req SetBackgroundRequest
	if err := FromStruct(in, &req); err != nil {
		return nil, toStatus("set background", invalid(err))
	}
	s.controls.SetBackground(ctx, req.Background)
	return empty()
}

func (s *Service) SetNetwork(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req SetNetworkRequest
	if err := FromStruct(in, &req); err != nil {
		return nil, toStatus("set network", invalid(err))
	}
	s.controls.SetNetwork(realtime.ParseNetwork(req.Network), req.Reachable)
	return empty()
}

func (s *Service) OpenConversation(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req ConversationRequest
	if err := FromStruct(in, &req); err != nil || req.ConversationID == "" {
		return nil, toStatus("open conversation", invalid(err))
	}
	if err := s.controls.OpenConversation(ctx, req.ConversationID); err != nil {
		return nil, toStatus("open conversation", err)
	}
	return empty()
}

func (s *Service) CloseConversation(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if err := s.controls.CloseConversation(ctx); err != nil {
		return nil, toStatus("close conversation", err)
	}
	return empty()
}

func (s *Service) SendTyping(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req TypingRequest
	if err := FromStruct(in, &req); err != nil || req.ConversationID == "" {
		return nil, toStatus("typing", invalid(err))
	}
	if err := s.controls.SendTyping(ctx, req.ConversationID, req.Typing); err != nil {
		s.logger.Debug("typing not sent", zap.Error(err))
	}
	return empty()
}

func (s *Service) SearchMessages(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req SearchRequest
	if err := FromStruct(in, &req); err != nil {
		return nil, toStatus("search", invalid(err))
	}
	msgs, err := s.engine.SearchMessages(ctx, req.Query, req.ConversationID, req.Limit)
	if err != nil {
		return nil, toStatus("search", err)
	}
	return ToStruct(MessagesReply{Messages: messageViews(msgs)})
}

func (s *Service) DeleteMessage(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req MessageRequest
	if err := FromStruct(in, &req); err != nil || req.ID == "" {
		return nil, toStatus("delete", invalid(err))
	}
	if err := s.engine.DeleteMessage(ctx, req.ID); err != nil {
		return nil, toStatus("delete", err)
	}
	return empty()
}

func (s *Service) DeleteConversation(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req DeleteConversationRequest
	if err := FromStruct(in, &req); err != nil || req.ConversationID == "" {
		return nil, toStatus("delete conversation", invalid(err))
	}
	if err := s.engine.DeleteConversation(ctx, req.ConversationID, req.Purge); err != nil {
		return nil, toStatus("delete conversation", err)
	}
	return empty()
}

func (s *Service) ClearAllData(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if err := s.engine.ClearAllData(ctx); err != nil {
		return nil, toStatus("clear", err)
	}
	return empty()
}

// WatchEvents streams bus events whose kind starts with one of the
// requested namespaces, or every event when none is given.
func (s *Service) WatchEvents(in *structpb.Struct, stream grpc.ServerStream) error {
	var req WatchRequest
	if err := FromStruct(in, &req); err != nil {
		return toStatus("watch", invalid(err))
	}
	ch, unsub := s.bus.Subscribe("", 256)
	defer unsub()

	ctx := stream.Context()
	for {
		select {
		case evt := <-ch:
			if !matches(evt.Kind, req.Namespaces) {
				continue
			}
			out, err := ToStruct(Event{
				EventID:      uuid.New().String(),
				Session:      s.session,
				Kind:         evt.Kind,
				OccurredAtMs: evt.Timestamp.UnixMilli(),
				Payload:      evt.Payload,
			})
			if err != nil {
				s.logger.Warn("encode event", zap.String("kind", evt.Kind), zap.Error(err))
				continue
			}
			if err := stream.SendMsg(out); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func matches(kind string, namespaces []string) bool {
	if len(namespaces) == 0 {
		return true
	}
	for _, ns := range namespaces {
		if strings.HasPrefix(kind, ns) {
			return true
		}
	}
	return false
}

func invalid(err error) error {
	if err == nil {
		return intsync.ErrInvalidRequest
	}
	return fmt.Errorf("%w: %v", intsync.ErrInvalidRequest, err)
}
