// internal/api/client.go
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/user/reportstream/internal/types"
)

// Client talks to the server's non-streaming endpoints: the confirmation
// callback and the conversation delete/restore mirror. Failures here are
// logged by callers and never block local progress; the local store stays
// authoritative.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a side-channel client for the given server base URL.
func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// confirmationRequest is the body of the confirmation callback.
type confirmationRequest struct {
	Confirmed      bool                 `json:"confirmed"`
	ConversationID types.ConversationID `json:"conversation_id"`
}

// Confirm delivers the user's yes/no decision for a pending
// user_confirmation_required prompt.
func (c *Client) Confirm(ctx context.Context, id types.ConversationID, confirmed bool) error {
	body, err := json.Marshal(confirmationRequest{Confirmed: confirmed, ConversationID: id})
	if err != nil {
		return fmt.Errorf("marshal confirmation: %w", err)
	}
	return c.post(ctx, "/confirm", body)
}

// DeleteConversation mirrors a finalized local delete to the server.
func (c *Client) DeleteConversation(ctx context.Context, id types.ConversationID) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/conversations/"+string(id), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	return c.do(req)
}

// RestoreConversation mirrors an undo back to the server.
func (c *Client) RestoreConversation(ctx context.Context, conv *types.Conversation) error {
	payload := map[string]any{
		"conversation_id": conv.ID,
		"query":           conv.Title,
		"report":          conv.CurrentReport,
		"timestamp":       conv.CreatedAt,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal restore: %w", err)
	}
	return c.post(ctx, "/conversations/restore", body)
}

func (c *Client) post(ctx context.Context, path string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *Client) do(req *http.Request) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}
	return nil
}
