// Package client talks to a CoPilot server. It keeps the conversation id the
// server negotiates across turns and refreshes the conversation list once
// per finished exchange.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wuwenbin0122/copilot/internal/identity"
	"github.com/wuwenbin0122/copilot/internal/models"
	"github.com/wuwenbin0122/copilot/internal/stream"
)

const (
	headerConversationID = "X-Conversation-Id"
	headerSessionID      = "X-Session-Id"

	refreshTimeout = 10 * time.Second
)

var ErrBaseURL = errors.New("client: server url is required")

// APIError is an error reported by the server, either as a JSON body or as
// an SSE error event.
type APIError struct {
	Status     int
	Code       string
	Message    string
	Retryable  bool
	Limit      int
	Used       int
	ResetAt    time.Time
	UpgradeURL string
}

func (e *APIError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("copilot: %s (%d %s)", e.Message, e.Status, e.Code)
	}
	return fmt.Sprintf("copilot: %s (%s)", e.Message, e.Code)
}

// LimitReached reports whether the anonymous question quota is exhausted.
func (e *APIError) LimitReached() bool {
	return e.Code == "limit_reached"
}

func decodeAPIError(status int, data []byte) *APIError {
	var wire struct {
		Error      string    `json:"error"`
		Message    string    `json:"message"`
		Code       string    `json:"code"`
		Retryable  bool      `json:"retryable"`
		Limit      int       `json:"limit"`
		Used       int       `json:"used"`
		ResetAt    time.Time `json:"resetAt"`
		UpgradeURL string    `json:"upgradeUrl"`
	}
	apiErr := &APIError{Status: status}
	if err := json.Unmarshal(data, &wire); err != nil {
		apiErr.Code = "unknown"
		apiErr.Message = strings.TrimSpace(string(data))
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(status)
		}
		return apiErr
	}
	apiErr.Code = wire.Code
	apiErr.Message = wire.Message
	if apiErr.Message == "" {
		apiErr.Message = wire.Error
	}
	apiErr.Retryable = wire.Retryable
	apiErr.Limit = wire.Limit
	apiErr.Used = wire.Used
	apiErr.ResetAt = wire.ResetAt
	apiErr.UpgradeURL = wire.UpgradeURL
	return apiErr
}

type UsageStatus struct {
	Unlimited  bool      `json:"unlimited"`
	Used       int       `json:"used"`
	Limit      int       `json:"limit"`
	Remaining  int       `json:"remaining"`
	ResetAt    time.Time `json:"resetAt"`
	UpgradeURL string    `json:"upgradeUrl,omitempty"`
}

type Config struct {
	BaseURL string
	// Token authenticates as a registered user. Without it the client is
	// anonymous and identified by SessionID.
	Token     string
	SessionID string
	// ConversationID resumes an existing conversation.
	ConversationID string
	HTTPClient     *http.Client
	Logger         *zap.Logger
}

// Answer is the client-side record of one exchange.
type Answer struct {
	ConversationID string
	ExchangeID     string
	Text           string
	Outcome        stream.Outcome
	Done           *Done
	Err            error
}

type Client struct {
	baseURL    string
	http       *http.Client
	logger     *zap.Logger
	negotiator *identity.Negotiator
	channel    *stream.Channel

	mu            sync.Mutex
	token         string
	sessionID     string
	conversations []models.Conversation
	onRefresh     func([]models.Conversation)
}

func New(cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, ErrBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Client{
		baseURL:    baseURL,
		http:       httpClient,
		logger:     logger,
		negotiator: identity.NewNegotiator(cfg.ConversationID),
		channel:    stream.NewChannel(logger),
		token:      strings.TrimSpace(cfg.Token),
		sessionID:  strings.TrimSpace(cfg.SessionID),
	}
	c.channel.OnComplete(c.refreshAfter)
	return c, nil
}

// OnRefresh registers fn to receive the conversation list fetched after each
// exchange.
func (c *Client) OnRefresh(fn func([]models.Conversation)) {
	c.mu.Lock()
	c.onRefresh = fn
	c.mu.Unlock()
}

func (c *Client) ConversationID() string {
	return c.negotiator.ConversationID()
}

func (c *Client) State() identity.State {
	return c.negotiator.State()
}

func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Client) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// Conversations returns the list from the most recent refresh.
func (c *Client) Conversations() []models.Conversation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.Conversation(nil), c.conversations...)
}

// Login exchanges credentials for a token used by later calls.
func (c *Client) Login(ctx context.Context, identifier, password string) error {
	body, err := json.Marshal(map[string]string{"identifier": identifier, "password": password})
	if err != nil {
		return err
	}
	resp, err := c.do(ctx, http.MethodPost, "/api/auth/login", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return c.errorFrom(resp)
	}

	var payload struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return fmt.Errorf("client: decode login response: %w", err)
	}
	c.mu.Lock()
	c.token = payload.Token
	c.mu.Unlock()
	return nil
}

// Ask sends one utterance and writes the answer to out as it streams.
// Cancelling ctx stops the answer; the partial text is returned.
func (c *Client) Ask(ctx context.Context, utterance string, out io.Writer) (*Answer, error) {
	conversationID, err := c.negotiator.Begin()
	if err != nil {
		return nil, err
	}
	exchangeID := uuid.NewString()

	body, err := json.Marshal(map[string]string{
		"message":        utterance,
		"conversationId": conversationID,
		"exchangeId":     exchangeID,
	})
	if err != nil {
		_ = c.negotiator.Fail()
		return nil, err
	}

	resp, err := c.do(ctx, http.MethodPost, "/api/chat", bytes.NewReader(body))
	if err != nil {
		_ = c.negotiator.Fail()
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		apiErr := c.errorFrom(resp)
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			_ = c.negotiator.Revoke()
		} else {
			_ = c.negotiator.Fail()
		}
		return nil, apiErr
	}

	if id := resp.Header.Get(headerConversationID); id != "" {
		c.assign(id)
	}
	src := newEventSource(resp.Body, c.assign)
	result := c.channel.Relay(ctx, exchangeID, src, stream.SinkFunc(func(chunk string) error {
		if out == nil {
			return nil
		}
		_, err := io.WriteString(out, chunk)
		return err
	}))

	answer := &Answer{
		ConversationID: c.negotiator.ConversationID(),
		ExchangeID:     exchangeID,
		Text:           result.Text,
		Outcome:        result.Outcome,
		Done:           src.Done(),
		Err:            result.Err,
	}
	if result.Outcome == stream.OutcomeCompleted {
		_ = c.negotiator.Complete()
		return answer, nil
	}
	_ = c.negotiator.Fail()

	var apiErr *APIError
	if errors.As(result.Err, &apiErr) {
		return answer, apiErr
	}
	return answer, nil
}

// Refresh fetches the caller's conversation list.
func (c *Client) Refresh(ctx context.Context) ([]models.Conversation, error) {
	resp, err := c.do(ctx, http.MethodGet, "/api/conversations", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, c.errorFrom(resp)
	}

	var payload struct {
		Conversations []models.Conversation `json:"conversations"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("client: decode conversations: %w", err)
	}

	c.mu.Lock()
	c.conversations = payload.Conversations
	fn := c.onRefresh
	c.mu.Unlock()
	if fn != nil {
		fn(payload.Conversations)
	}
	return payload.Conversations, nil
}

// Usage returns the anonymous question quota.
func (c *Client) Usage(ctx context.Context) (UsageStatus, error) {
	resp, err := c.do(ctx, http.MethodGet, "/api/usage", nil)
	if err != nil {
		return UsageStatus{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return UsageStatus{}, c.errorFrom(resp)
	}

	var status UsageStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return UsageStatus{}, fmt.Errorf("client: decode usage: %w", err)
	}
	return status, nil
}

// Messages returns the transcript of a conversation.
func (c *Client) Messages(ctx context.Context, conversationID string) ([]models.Message, error) {
	resp, err := c.do(ctx, http.MethodGet, "/api/conversations/"+conversationID+"/messages", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, c.errorFrom(resp)
	}

	var payload struct {
		Messages []models.Message `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("client: decode messages: %w", err)
	}
	return payload.Messages, nil
}

func (c *Client) assign(id string) {
	if err := c.negotiator.Assign(id); err != nil {
		c.logger.Warn("conversation id not accepted", zap.String("conversation_id", id), zap.Error(err))
	}
}

// refreshAfter runs once per exchange, whatever its outcome.
func (c *Client) refreshAfter(result stream.Result) {
	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	defer cancel()
	if _, err := c.Refresh(ctx); err != nil {
		c.logger.Debug("conversation list refresh failed",
			zap.String("exchange_id", result.ExchangeID),
			zap.Error(err),
		)
	}
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.mu.Lock()
	token, sessionID := c.token, c.sessionID
	c.mu.Unlock()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	} else if sessionID != "" {
		req.Header.Set(headerSessionID, sessionID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("client: %s %s: %w", method, path, err)
	}
	if token == "" {
		if issued := resp.Header.Get(headerSessionID); issued != "" {
			c.mu.Lock()
			c.sessionID = issued
			c.mu.Unlock()
		}
	}
	return resp, nil
}

func (c *Client) errorFrom(resp *http.Response) *APIError {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxEventSize))
	return decodeAPIError(resp.StatusCode, data)
}
