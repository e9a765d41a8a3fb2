package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/slasso10/chat-multiple/internal/models"
)

// HTTPClient implements ChatService against the server's REST API.
type HTTPClient struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger

	mu     sync.RWMutex
	token  string
	userID string
}

type Option func(*HTTPClient)

func WithHTTPClient(c *http.Client) Option {
	return func(h *HTTPClient) {
		if c != nil {
			h.http = c
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(h *HTTPClient) {
		if logger != nil {
			h.logger = logger
		}
	}
}

func NewHTTPClient(baseURL string, opts ...Option) *HTTPClient {
	c := &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 15 * time.Second},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Token returns the bearer token obtained at registration.
func (c *HTTPClient) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *HTTPClient) BaseURL() string {
	return c.baseURL
}

// Forget drops the stored credentials.
func (c *HTTPClient) Forget() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = ""
	c.userID = ""
}

func (c *HTTPClient) RegisterUser(ctx context.Context, userID, name string) (models.User, error) {
	var resp RegisterResponse
	if err := c.do(ctx, http.MethodPost, "/api/users", RegisterRequest{ID: userID, Name: name}, &resp); err != nil {
		return models.User{}, err
	}
	c.mu.Lock()
	c.token = resp.Token
	c.userID = resp.User.ID
	c.mu.Unlock()
	return resp.User, nil
}

func (c *HTTPClient) GetUser(ctx context.Context, userID string) (models.User, error) {
	var u models.User
	err := c.do(ctx, http.MethodGet, "/api/users/"+url.PathEscape(userID), nil, &u)
	return u, err
}

func (c *HTTPClient) GetAllUsers(ctx context.Context) ([]models.User, error) {
	var users []models.User
	err := c.do(ctx, http.MethodGet, "/api/users", nil, &users)
	return users, err
}

func (c *HTTPClient) SendDirectMessage(ctx context.Context, senderID, recipientID, content string) (models.Message, error) {
	return c.sendDirect(ctx, senderID, SendMessageRequest{To: recipientID, Content: content})
}

func (c *HTTPClient) SendDirectAudio(ctx context.Context, senderID, recipientID string, audio models.Audio) (models.Message, error) {
	return c.sendDirect(ctx, senderID, SendMessageRequest{To: recipientID, Audio: &audio})
}

func (c *HTTPClient) sendDirect(ctx context.Context, senderID string, req SendMessageRequest) (models.Message, error) {
	if err := c.checkActor(senderID); err != nil {
		return models.Message{}, err
	}
	var msg models.Message
	if err := c.do(ctx, http.MethodPost, "/api/messages/direct", req, &msg); err != nil {
		return models.Message{}, err
	}
	return normalized(msg), nil
}

func (c *HTTPClient) SendGroupMessage(ctx context.Context, senderID, groupID, content string) (models.Message, error) {
	return c.sendGroup(ctx, senderID, groupID, SendMessageRequest{Content: content})
}

func (c *HTTPClient) SendGroupAudio(ctx context.Context, senderID, groupID string, audio models.Audio) (models.Message, error) {
	return c.sendGroup(ctx, senderID, groupID, SendMessageRequest{Audio: &audio})
}

func (c *HTTPClient) sendGroup(ctx context.Context, senderID, groupID string, req SendMessageRequest) (models.Message, error) {
	if err := c.checkActor(senderID); err != nil {
		return models.Message{}, err
	}
	var msg models.Message
	if err := c.do(ctx, http.MethodPost, "/api/groups/"+url.PathEscape(groupID)+"/messages", req, &msg); err != nil {
		return models.Message{}, err
	}
	return normalized(msg), nil
}

func (c *HTTPClient) GetDirectChatMessages(ctx context.Context, userID, otherID string) ([]models.Message, error) {
	if err := c.checkActor(userID); err != nil {
		return nil, err
	}
	var msgs []models.Message
	if err := c.do(ctx, http.MethodGet, "/api/messages/direct/"+url.PathEscape(otherID), nil, &msgs); err != nil {
		return nil, err
	}
	return normalizedAll(msgs), nil
}

func (c *HTTPClient) GetGroupChatMessages(ctx context.Context, groupID string) ([]models.Message, error) {
	var msgs []models.Message
	if err := c.do(ctx, http.MethodGet, "/api/groups/"+url.PathEscape(groupID)+"/messages", nil, &msgs); err != nil {
		return nil, err
	}
	return normalizedAll(msgs), nil
}

func (c *HTTPClient) GetUserDirectChats(ctx context.Context, userID string) ([]models.ConversationSummary, error) {
	return c.chats(ctx, userID, "/api/chats/direct")
}

func (c *HTTPClient) GetUserGroupChats(ctx context.Context, userID string) ([]models.ConversationSummary, error) {
	return c.chats(ctx, userID, "/api/chats/groups")
}

func (c *HTTPClient) chats(ctx context.Context, userID, path string) ([]models.ConversationSummary, error) {
	if err := c.checkActor(userID); err != nil {
		return nil, err
	}
	var list []models.ConversationSummary
	if err := c.do(ctx, http.MethodGet, path, nil, &list); err != nil {
		return nil, err
	}
	for i := range list {
		if ts, ok := models.NormalizeTimestamp(list[i].LastMessageTimestamp); ok {
			list[i].LastMessageTimestamp = ts
		}
	}
	return list, nil
}

func (c *HTTPClient) CreateGroup(ctx context.Context, ownerID, name string, memberIDs []string) (models.ConversationSummary, error) {
	if err := c.checkActor(ownerID); err != nil {
		return models.ConversationSummary{}, err
	}
	var sum models.ConversationSummary
	err := c.do(ctx, http.MethodPost, "/api/groups", CreateGroupRequest{Name: name, Members: memberIDs}, &sum)
	return sum, err
}

func (c *HTTPClient) AddMembersToGroup(ctx context.Context, groupID string, memberIDs []string) error {
	return c.do(ctx, http.MethodPost, "/api/groups/"+url.PathEscape(groupID)+"/members", MembersRequest{Members: memberIDs}, nil)
}

func (c *HTTPClient) GetGroupMembers(ctx context.Context, groupID string) ([]models.User, error) {
	var users []models.User
	err := c.do(ctx, http.MethodGet, "/api/groups/"+url.PathEscape(groupID)+"/members", nil, &users)
	return users, err
}

// checkActor rejects calls made on behalf of someone other than the
// registered user.
func (c *HTTPClient) checkActor(userID string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.token == "" {
		return ErrUnauthorized
	}
	if userID != "" && userID != c.userID {
		return fmt.Errorf("%w: acting as %q while logged in as %q", ErrForbidden, userID, c.userID)
	}
	return nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	c.logger.Debug("rpc", "method", method, "path", path, "status", resp.StatusCode, "latency", time.Since(start))

	if resp.StatusCode >= http.StatusBadRequest {
		return statusError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func statusError(resp *http.Response) error {
	var body ErrorResponse
	_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body)
	msg := body.Error
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}

	switch resp.StatusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, msg)
	case http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrForbidden, msg)
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", ErrUnauthorized, msg)
	case http.StatusBadRequest, http.StatusConflict, http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: %s", ErrBadRequest, msg)
	default:
		return fmt.Errorf("server error %d: %s", resp.StatusCode, msg)
	}
}

func normalized(m models.Message) models.Message {
	if ts, ok := models.NormalizeTimestamp(m.Timestamp); ok {
		m.Timestamp = ts
	}
	return m
}

func normalizedAll(msgs []models.Message) []models.Message {
	for i := range msgs {
		msgs[i] = normalized(msgs[i])
	}
	return msgs
}
