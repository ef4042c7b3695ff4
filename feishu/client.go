// Package feishu is a minimal client for the Feishu Open API: tenant
// access tokens, message sending, and event callback payloads.
package feishu

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gfreezy/mailhook/internal/logging"
)

const defaultBaseURL = "https://open.feishu.cn"

// tokenExpiryMargin renews tenant access tokens slightly before the
// server-reported expiry.
const tokenExpiryMargin = 5 * time.Minute

// ReceiverID identifies a message receiver together with the id type the
// API expects in the receive_id_type query parameter.
type ReceiverID struct {
	typ string
	id  string
}

func OpenID(id string) ReceiverID { return ReceiverID{typ: "open_id", id: id} }

func UserIDOf(id string) ReceiverID { return ReceiverID{typ: "user_id", id: id} }

func UnionID(id string) ReceiverID { return ReceiverID{typ: "union_id", id: id} }

func Email(addr string) ReceiverID { return ReceiverID{typ: "email", id: addr} }

func ChatID(id string) ReceiverID { return ReceiverID{typ: "chat_id", id: id} }

func (r ReceiverID) Type() string { return r.typ }

func (r ReceiverID) ID() string { return r.id }

type Client struct {
	appID      string
	appSecret  string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

type OptionFunc func(*Client) error

// WithBaseURL overrides the API endpoint, mainly for tests.
func WithBaseURL(baseURL string) OptionFunc {
	return func(c *Client) error {
		c.baseURL = baseURL
		return nil
	}
}

func WithHTTPClient(httpClient *http.Client) OptionFunc {
	return func(c *Client) error {
		c.httpClient = httpClient
		return nil
	}
}

func WithLogger(logger *slog.Logger) OptionFunc {
	return func(c *Client) error {
		if logger == nil {
			logger = logging.Discard()
		}
		c.logger = logger
		return nil
	}
}

func NewClient(appID, appSecret string, options ...OptionFunc) (*Client, error) {
	c := &Client{
		appID:      appID,
		appSecret:  appSecret,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logging.Discard(),
	}
	for _, option := range options {
		if err := option(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// apiError is a non-zero code in a Feishu API response.
type apiError struct {
	Code int
	Msg  string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("feishu api error %d: %s", e.Code, e.Msg)
}

func (c *Client) post(ctx context.Context, path, token string, query map[string]string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if len(query) > 0 {
		q := req.URL.Query()
		for k, v := range query {
			q.Set(k, v)
		}
		req.URL.RawQuery = q.Encode()
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", path, err)
	}
	return nil
}

// tenantAccessToken returns a cached tenant access token, fetching a fresh
// one when the cache is empty or about to expire.
func (c *Client) tenantAccessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && time.Now().Before(c.tokenExpiry) {
		return c.token, nil
	}

	var resp struct {
		Code              int    `json:"code"`
		Msg               string `json:"msg"`
		TenantAccessToken string `json:"tenant_access_token"`
		Expire            int    `json:"expire"`
	}
	body := map[string]string{
		"app_id":     c.appID,
		"app_secret": c.appSecret,
	}
	if err := c.post(ctx, "/open-apis/auth/v3/tenant_access_token/internal/", "", nil, body, &resp); err != nil {
		return "", fmt.Errorf("failed to get tenant access token: %w", err)
	}
	if resp.Code != 0 {
		return "", &apiError{Code: resp.Code, Msg: resp.Msg}
	}
	c.token = resp.TenantAccessToken
	c.tokenExpiry = time.Now().Add(time.Duration(resp.Expire)*time.Second - tokenExpiryMargin)
	c.logger.Debug("refreshed tenant access token", slog.Time("expiry", c.tokenExpiry))
	return c.token, nil
}

// SendMessage sends a message to the given receiver.
func (c *Client) SendMessage(ctx context.Context, receiver ReceiverID, msg Message) error {
	content, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	token, err := c.tenantAccessToken(ctx)
	if err != nil {
		return err
	}
	var resp struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	body := map[string]string{
		"receive_id": receiver.ID(),
		"msg_type":   msg.Type(),
		"content":    string(content),
	}
	query := map[string]string{"receive_id_type": receiver.Type()}
	if err := c.post(ctx, "/open-apis/im/v1/messages", token, query, body, &resp); err != nil {
		return err
	}
	if resp.Code != 0 {
		return &apiError{Code: resp.Code, Msg: resp.Msg}
	}
	return nil
}

// ReplyMessage replies to an existing message in its thread.
func (c *Client) ReplyMessage(ctx context.Context, messageID string, msg Message) error {
	content, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	token, err := c.tenantAccessToken(ctx)
	if err != nil {
		return err
	}
	var resp struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	body := map[string]string{
		"msg_type": msg.Type(),
		"content":  string(content),
	}
	path := fmt.Sprintf("/open-apis/im/v1/messages/%s/reply", messageID)
	if err := c.post(ctx, path, token, nil, body, &resp); err != nil {
		return err
	}
	if resp.Code != 0 {
		return &apiError{Code: resp.Code, Msg: resp.Msg}
	}
	return nil
}

// SendText sends a plain text message to a chat.
func (c *Client) SendText(ctx context.Context, chatID, text string) error {
	return c.SendMessage(ctx, ChatID(chatID), NewText(text))
}

// ReplyText replies to a message with plain text.
func (c *Client) ReplyText(ctx context.Context, messageID, text string) error {
	return c.ReplyMessage(ctx, messageID, NewText(text))
}
