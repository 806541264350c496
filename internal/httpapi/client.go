// Package httpapi is the client for the message store REST surface.
package httpapi

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

	"github.com/FuturIsHere/Nox-Network-sub000/internal/protocol"
)

// StatusError is a non-2xx response.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("http %d", e.Code)
	}
	return fmt.Sprintf("http %d: %s", e.Code, e.Message)
}

// IsAccessDenied reports a 403 or 404, which callers treat as terminal.
func IsAccessDenied(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	return se.Code == http.StatusForbidden || se.Code == http.StatusNotFound
}

type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

func New(baseURL, token string, timeout time.Duration) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTP:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) ListConversations(ctx context.Context) ([]protocol.ConversationSummary, error) {
	var out struct {
		Conversations []protocol.ConversationSummary `json:"conversations"`
	}
	err := c.do(ctx, http.MethodGet, "/messages", nil, &out)
	return out.Conversations, err
}

func (c *Client) StartConversation(ctx context.Context, peerID string) (*protocol.ConversationSummary, error) {
	var out protocol.ConversationSummary
	if err := c.do(ctx, http.MethodPost, "/messages", map[string]string{"userId": peerID}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) DeleteConversation(ctx context.Context, convID string) error {
	return c.do(ctx, http.MethodDelete, "/messages/"+url.PathEscape(convID), nil, nil)
}

func (c *Client) MarkRead(ctx context.Context, convID string) error {
	return c.do(ctx, http.MethodPost, "/messages/"+url.PathEscape(convID)+"/read", nil, nil)
}

func (c *Client) ListMessages(ctx context.Context, convID string, offset, limit int) ([]protocol.Message, error) {
	q := url.Values{}
	q.Set("offset", strconv.Itoa(offset))
	q.Set("limit", strconv.Itoa(limit))
	var out struct {
		Messages []protocol.Message `json:"messages"`
	}
	err := c.do(ctx, http.MethodGet, "/messages/"+url.PathEscape(convID)+"/messages?"+q.Encode(), nil, &out)
	return out.Messages, err
}

func (c *Client) CreateMessage(ctx context.Context, convID string, in protocol.NewMessage) (*protocol.Message, error) {
	var out protocol.Message
	if err := c.do(ctx, http.MethodPost, "/messages/"+url.PathEscape(convID)+"/messages", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) DeleteMessage(ctx context.Context, convID, msgID string) (*protocol.DeleteResult, error) {
	var out protocol.DeleteResult
	path := "/messages/" + url.PathEscape(convID) + "/messages/" + url.PathEscape(msgID)
	if err := c.do(ctx, http.MethodDelete, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	hc := c.HTTP
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 4<<10)).Decode(&e)
		return &StatusError{Code: resp.StatusCode, Message: e.Error}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
