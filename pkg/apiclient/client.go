// Package apiclient is a small HTTP client for the conversation API, used by
// the CLI and the smoke-check script.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/mahaj/dupahar-chat/pkg/apperr"
	"github.com/mahaj/dupahar-chat/pkg/model"
	"github.com/mahaj/dupahar-chat/pkg/protocol"
)

// Error is a non-2xx answer from the API.
type Error struct {
	Status int
	apperr.Public
}

func (e *Error) Error() string {
	return fmt.Sprintf("api: %d %s: %s", e.Status, e.Code, e.Message)
}

type Client struct {
	base  string
	http  *http.Client
	token string
}

func New(baseURL string) *Client {
	return &Client{base: baseURL, http: &http.Client{Timeout: 10 * time.Second}}
}

func (c *Client) Token() string { return c.token }

// WithToken returns a copy of c that authenticates as token.
func (c *Client) WithToken(token string) *Client {
	cp := *c
	cp.token = token
	return &cp
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		apiErr := &Error{Status: resp.StatusCode}
		if err := json.NewDecoder(resp.Body).Decode(&apiErr.Public); err != nil {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Login uses the development session endpoint and keeps the token on c.
func (c *Client) Login(ctx context.Context, userID uuid.UUID, displayName string) error {
	var out struct {
		Token string `json:"token"`
	}
	err := c.do(ctx, http.MethodPost, "/v1/sessions", map[string]any{
		"userId":      userID.String(),
		"displayName": displayName,
	}, &out)
	if err != nil {
		return err
	}
	c.token = out.Token
	return nil
}

type Detail struct {
	protocol.ConversationPayload
	Participants []protocol.ParticipantPayload `json:"participants"`
}

func (c *Client) CreateConversation(ctx context.Context, typ model.ConversationType, title string, participants ...uuid.UUID) (Detail, error) {
	ids := make([]string, 0, len(participants))
	for _, p := range participants {
		ids = append(ids, p.String())
	}
	var out Detail
	err := c.do(ctx, http.MethodPost, "/v1/conversations", map[string]any{
		"type":           typ,
		"participantIds": ids,
		"title":          title,
	}, &out)
	return out, err
}

type ConversationPage struct {
	Conversations []protocol.SummaryPayload `json:"conversations"`
	NextCursor    string                    `json:"nextCursor,omitempty"`
}

func (c *Client) ListConversations(ctx context.Context, cursor string, limit int) (ConversationPage, error) {
	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out ConversationPage
	err := c.do(ctx, http.MethodGet, "/v1/conversations?"+q.Encode(), nil, &out)
	return out, err
}

func (c *Client) SendMessage(ctx context.Context, conversationID uuid.UUID, body string) (protocol.MessagePayload, error) {
	var out protocol.MessagePayload
	err := c.do(ctx, http.MethodPost, "/v1/conversations/"+conversationID.String()+"/messages",
		map[string]any{"body": body}, &out)
	return out, err
}

func (c *Client) SendDirectMessage(ctx context.Context, recipient uuid.UUID, body string) (protocol.MessagePayload, error) {
	var out protocol.MessagePayload
	err := c.do(ctx, http.MethodPost, "/v1/direct/"+recipient.String()+"/messages",
		map[string]any{"body": body}, &out)
	return out, err
}

type MessagePage struct {
	Messages   []protocol.MessagePayload `json:"messages"`
	NextBefore string                    `json:"nextBefore,omitempty"`
}

func (c *Client) ListMessages(ctx context.Context, conversationID uuid.UUID, before string, limit int) (MessagePage, error) {
	q := url.Values{}
	if before != "" {
		q.Set("before", before)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out MessagePage
	err := c.do(ctx, http.MethodGet, "/v1/conversations/"+conversationID.String()+"/messages?"+q.Encode(), nil, &out)
	return out, err
}

func (c *Client) MarkRead(ctx context.Context, conversationID uuid.UUID, messageID int64) (protocol.ReadReceiptPayload, error) {
	var out protocol.ReadReceiptPayload
	err := c.do(ctx, http.MethodPost, "/v1/conversations/"+conversationID.String()+"/read",
		map[string]any{"messageId": messageID}, &out)
	return out, err
}

// Health returns the decoded /health body.
func (c *Client) Health(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	err := c.do(ctx, http.MethodGet, "/health", nil, &out)
	return out, err
}
