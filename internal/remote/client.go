// Package remote is a client for the server's HTTP message API.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/parkdog/msgsync/internal/auth"
)

// APIError is a non-2xx response from the server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("remote: status %d", e.Status)
	}
	return fmt.Sprintf("remote: status %d: %s", e.Status, e.Message)
}

// Temporary reports whether retrying the same request may succeed.
func (e *APIError) Temporary() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// IsStatus reports whether err is an APIError with the given status.
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == status
}

// Client talks to the message API.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	tokens     auth.TokenSource
}

// NewClient returns a client for baseURL. tokens may be nil for
// unauthenticated servers.
func NewClient(baseURL string, tokens auth.TokenSource) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		tokens:     tokens,
	}
}

func (c *Client) doRequest(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tokens != nil {
		token, err := c.tokens.AccessToken(ctx)
		if err != nil && !errors.Is(err, auth.ErrNoToken) {
			return fmt.Errorf("access token: %w", err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(respBody, &errResp)
		msg := errResp.Error
		if msg == "" {
			msg = errResp.Message
		}
		return &APIError{Status: resp.StatusCode, Message: msg}
	}

	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func chatPath(conversationID, suffix string) string {
	return "/messages/chats/" + url.PathEscape(conversationID) + suffix
}

// SendMessage posts a message to a conversation.
func (c *Client) SendMessage(ctx context.Context, conversationID string, req SendRequest) (*SendResponse, error) {
	// Some deployments wrap the created message in {"message": {...}}.
	var resp struct {
		SendResponse
		Message *SendResponse `json:"message"`
	}
	if err := c.doRequest(ctx, http.MethodPost, chatPath(conversationID, "/messages"), req, &resp); err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}
	out := resp.SendResponse
	if resp.Message != nil && out.ID == "" {
		out = *resp.Message
	}
	if out.ID == "" {
		return nil, errors.New("send message: response has no message id")
	}
	return &out, nil
}

// GetMessages fetches messages newer than the after cursor.
func (c *Client) GetMessages(ctx context.Context, conversationID, after string, limit int) (*MessagePage, error) {
	q := url.Values{}
	if after != "" {
		q.Set("after", after)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := chatPath(conversationID, "/messages")
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var page MessagePage
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &page); err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	for i := range page.Messages {
		if page.Messages[i].ConversationID == "" {
			page.Messages[i].ConversationID = conversationID
		}
	}
	return &page, nil
}

// GetConversations fetches one page of the conversation list.
func (c *Client) GetConversations(ctx context.Context, cursor string, limit int) (*ConversationPage, error) {
	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/messages/conversations"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var page ConversationPage
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &page); err != nil {
		return nil, fmt.Errorf("get conversations: %w", err)
	}
	return &page, nil
}

// MarkAsRead moves the server-side read cursor of a conversation.
func (c *Client) MarkAsRead(ctx context.Context, conversationID, upToMessageID string) error {
	body := map[string]string{"up_to_message_id": upToMessageID}
	if err := c.doRequest(ctx, http.MethodPost, chatPath(conversationID, "/read"), body, nil); err != nil {
		return fmt.Errorf("mark as read: %w", err)
	}
	return nil
}
