package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ============================================================================
// Client
// ============================================================================

const (
	DefaultBaseURL = "https://api.chatsync.dev"
	DefaultTimeout = 30 * time.Second
)

// Client talks to the backend HTTP API. It implements Sender, ProfileLookup
// and Directory.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// NewClient creates a backend client authenticated with token.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken replaces the bearer token, e.g. after a refresh.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the configured API root.
func (c *Client) BaseURL() string { return c.baseURL }

// ============================================================================
// Internal request helpers
// ============================================================================

type envelope struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

func (c *Client) doRequest(ctx context.Context, method, path string, body any, query url.Values, header http.Header) (int, []byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("failed to read response: %w", err)
	}
	return resp.StatusCode, data, nil
}

// do performs a request and unwraps the {ok, data, error} envelope into v.
// Non-success responses come back as *APIError.
func (c *Client) do(ctx context.Context, method, path string, body any, query url.Values, header http.Header, v any) error {
	status, data, err := c.doRequest(ctx, method, path, body, query, header)
	if err != nil {
		return err
	}
	env, decErr := decodeJSON[envelope](data)
	if status >= 400 || (decErr == nil && !env.OK) {
		apiErr := &APIError{StatusCode: status}
		if decErr == nil && env.Error != nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		if apiErr.Code == "" {
			apiErr.Code = strings.ToUpper(strings.ReplaceAll(http.StatusText(status), " ", "_"))
		}
		return apiErr
	}
	if decErr != nil {
		return decErr
	}
	if v == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("failed to unmarshal data: %w", err)
	}
	return nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Wire types
// ============================================================================

type wireMessage struct {
	ID             string         `json:"id"`
	ClientID       string         `json:"clientId,omitempty"`
	ConversationID string         `json:"conversationId"`
	SenderID       string         `json:"senderId"`
	SenderName     string         `json:"senderName,omitempty"`
	Type           string         `json:"type"`
	Content        string         `json:"content"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      string         `json:"createdAt"`
}

func (w wireMessage) message() (Message, error) {
	msg := Message{
		ID:             w.ID,
		ProvisionalID:  w.ClientID,
		ConversationID: w.ConversationID,
		SenderID:       w.SenderID,
		SenderName:     w.SenderName,
		Kind:           w.Type,
		Content:        w.Content,
		Metadata:       w.Metadata,
		Status:         StatusSent,
	}
	if w.CreatedAt != "" {
		at, err := ParseTimestamp(w.CreatedAt)
		if err != nil {
			return Message{}, err
		}
		msg.CreatedAt = at
	}
	return msg, nil
}

type wireConversation struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Title   string `json:"title,omitempty"`
	Members []struct {
		UserID      string `json:"userId"`
		DisplayName string `json:"displayName"`
	} `json:"members,omitempty"`
}

// ============================================================================
// Sender
// ============================================================================

// Send posts msg to its conversation. The provisional ID travels both as
// the Idempotency-Key header and as clientId so the realtime echo can be
// matched to the optimistic copy.
//
// Client errors other than 408 and 429 are returned as *SendRejected;
// everything else is transient.
func (c *Client) Send(ctx context.Context, msg Message) (Message, error) {
	payload := map[string]any{
		"content":  msg.Content,
		"type":     msg.Kind,
		"clientId": msg.ProvisionalID,
	}
	if msg.Kind == "" {
		payload["type"] = KindText
	}
	if msg.Metadata != nil {
		payload["metadata"] = msg.Metadata
	}
	header := http.Header{}
	if msg.ProvisionalID != "" {
		header.Set("Idempotency-Key", msg.ProvisionalID)
	}

	var data struct {
		Message wireMessage `json:"message"`
	}
	path := "/api/im/messages/" + url.PathEscape(msg.ConversationID)
	if err := c.do(ctx, http.MethodPost, path, payload, nil, header, &data); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Permanent() {
			return Message{}, &SendRejected{Code: apiErr.Code, Message: apiErr.Message, StatusCode: apiErr.StatusCode}
		}
		return Message{}, err
	}
	confirmed, err := data.Message.message()
	if err != nil {
		return Message{}, fmt.Errorf("send: %w", err)
	}
	return confirmed, nil
}

// ============================================================================
// ProfileLookup and Directory
// ============================================================================

func (c *Client) Profile(ctx context.Context, userID string) (Profile, error) {
	var p Profile
	if err := c.do(ctx, http.MethodGet, "/api/im/users/"+url.PathEscape(userID), nil, nil, nil, &p); err != nil {
		return Profile{}, fmt.Errorf("profile %s: %w", userID, err)
	}
	return p, nil
}

// Membership lists the conversations userID belongs to.
func (c *Client) Membership(ctx context.Context, userID string) ([]string, error) {
	var convs []wireConversation
	query := url.Values{"member": {userID}}
	if err := c.do(ctx, http.MethodGet, "/api/im/conversations", nil, query, nil, &convs); err != nil {
		return nil, fmt.Errorf("membership: %w", err)
	}
	ids := make([]string, 0, len(convs))
	for _, cv := range convs {
		ids = append(ids, cv.ID)
	}
	return ids, nil
}

// DisplayName returns the conversation title as viewerID sees it: the
// group title, or the other participant's name for a direct conversation.
func (c *Client) DisplayName(ctx context.Context, conversationID, viewerID string) (string, error) {
	var cv wireConversation
	if err := c.do(ctx, http.MethodGet, "/api/im/conversations/"+url.PathEscape(conversationID), nil, nil, nil, &cv); err != nil {
		return "", fmt.Errorf("conversation %s: %w", conversationID, err)
	}
	if cv.Title != "" {
		return cv.Title, nil
	}
	var names []string
	for _, m := range cv.Members {
		if m.UserID != viewerID && m.DisplayName != "" {
			names = append(names, m.DisplayName)
		}
	}
	return strings.Join(names, ", "), nil
}

// FetchHistory returns the newest messages of a conversation from the
// server, oldest first.
func (c *Client) FetchHistory(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	var query url.Values
	if limit > 0 {
		query = url.Values{"limit": {fmt.Sprintf("%d", limit)}}
	}
	var wire []wireMessage
	if err := c.do(ctx, http.MethodGet, "/api/im/messages/"+url.PathEscape(conversationID), nil, query, nil, &wire); err != nil {
		return nil, fmt.Errorf("history %s: %w", conversationID, err)
	}
	msgs := make([]Message, 0, len(wire))
	for _, w := range wire {
		m, err := w.message()
		if err != nil {
			return nil, fmt.Errorf("history %s: %w", conversationID, err)
		}
		msgs = append(msgs, m)
	}
	sortMessages(msgs)
	return msgs, nil
}

// Health checks that the API is reachable.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/api/im/health", nil, nil, nil, nil)
}
