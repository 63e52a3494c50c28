package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/wuwenbin0122/copilot/internal/auth"
	"github.com/wuwenbin0122/copilot/internal/chat"
	"github.com/wuwenbin0122/copilot/internal/db"
	"github.com/wuwenbin0122/copilot/internal/generation"
	"github.com/wuwenbin0122/copilot/internal/models"
	"github.com/wuwenbin0122/copilot/internal/prompt"
	"github.com/wuwenbin0122/copilot/internal/settings"
	"github.com/wuwenbin0122/copilot/internal/stream"
	"github.com/wuwenbin0122/copilot/internal/usage"
)

const testAnswer = "Step 1: Check the fuel.\nStep 2: Check the oil.\nConclusion: Ready to taxi."

type testStream struct {
	chunks []string
	err    error
	hold   bool

	once   sync.Once
	closed chan struct{}
}

func (s *testStream) Recv() (string, error) {
	if len(s.chunks) > 0 {
		chunk := s.chunks[0]
		s.chunks = s.chunks[1:]
		return chunk, nil
	}
	if s.err != nil {
		return "", s.err
	}
	if s.hold {
		<-s.closed
		return "", errors.New("closed")
	}
	return "", io.EOF
}

func (s *testStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

type testBackend struct {
	mu   sync.Mutex
	make func() (*testStream, error)
}

func (b *testBackend) Stream(context.Context, []prompt.Turn, models.GenerationSettings) (generation.Stream, error) {
	b.mu.Lock()
	factory := b.make
	b.mu.Unlock()

	st := &testStream{chunks: []string{testAnswer[:24], testAnswer[24:]}}
	if factory != nil {
		var err error
		if st, err = factory(); err != nil {
			return nil, err
		}
	}
	st.closed = make(chan struct{})
	return st, nil
}

func (b *testBackend) set(factory func() (*testStream, error)) {
	b.mu.Lock()
	b.make = factory
	b.mu.Unlock()
}

type testEnv struct {
	router  *gin.Engine
	backend *testBackend
	auth    *auth.Service
}

func setupTestRouter(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := db.NewMemory()
	authService, err := auth.NewService("test-secret", time.Hour, store)
	require.NoError(t, err)

	gate := usage.NewGate(usage.NewMemoryStore(), 2, time.Hour, nil)
	backend := &testBackend{}
	settingsService := settings.NewService(store)
	chatService, err := chat.NewService(chat.Deps{
		Store:    store,
		Settings: settingsService,
		Gate:     gate,
		Backend:  backend,
		Channel:  stream.NewChannel(nil),
	})
	require.NoError(t, err)

	handler := NewHandler(Options{
		Auth:       authService,
		Chat:       chatService,
		Settings:   settingsService,
		Gate:       gate,
		UpgradeURL: "https://example.com/upgrade",
	})
	router := gin.New()
	handler.RegisterRoutes(router)

	return &testEnv{router: router, backend: backend, auth: authService}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != nil {
		req = newJSONRequest(t, method, path, body)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) register(t *testing.T, username string) string {
	t.Helper()
	result, err := e.auth.Register(context.Background(), auth.RegisterInput{Username: username, Password: "secret123"})
	require.NoError(t, err)
	return result.Token
}

type sseEvent struct {
	Name string
	Data map[string]any
}

func parseSSE(t *testing.T, body string) []sseEvent {
	t.Helper()
	var events []sseEvent
	for _, block := range strings.Split(body, "\n\n") {
		block = strings.TrimSpace(block)
		if block == "" {
			continue
		}
		var ev sseEvent
		for _, line := range strings.Split(block, "\n") {
			switch {
			case strings.HasPrefix(line, "event:"):
				ev.Name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:"):
				decodeBody(t, []byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &ev.Data)
			}
		}
		events = append(events, ev)
	}
	return events
}

func TestAuthRegisterAndLogin(t *testing.T) {
	env := setupTestRouter(t)

	registerBody := map[string]string{
		"username": "alice",
		"email":    "alice@example.com",
		"password": "secret123",
	}

	rec := env.do(t, http.MethodPost, "/api/auth/register", registerBody, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d", rec.Code)
	}

	var registerResp map[string]any
	decodeBody(t, rec.Body.Bytes(), &registerResp)
	if registerResp["token"] == "" {
		t.Fatalf("expected token in registration response")
	}

	rec = env.do(t, http.MethodPost, "/api/auth/register", registerBody, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected status 409 for duplicate, got %d", rec.Code)
	}

	loginBody := map[string]string{
		"identifier": "alice",
		"password":   "secret123",
	}

	rec = env.do(t, http.MethodPost, "/api/auth/login", loginBody, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}

	var loginResp map[string]any
	decodeBody(t, rec.Body.Bytes(), &loginResp)
	if loginResp["token"] == "" {
		t.Fatalf("expected token in login response")
	}
}

func TestChatStreamsOverSSE(t *testing.T) {
	env := setupTestRouter(t)

	rec := env.do(t, http.MethodPost, "/api/chat", map[string]string{"message": "Preflight checklist?"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	convID := rec.Header().Get(HeaderConversationID)
	session := rec.Header().Get(auth.SessionHeader)
	require.NotEmpty(t, convID)
	require.NotEmpty(t, session)
	require.NotEmpty(t, rec.Header().Get(HeaderExchangeID))

	events := parseSSE(t, rec.Body.String())
	require.Len(t, events, 4)
	require.Equal(t, eventConversation, events[0].Name)
	require.Equal(t, convID, events[0].Data["conversationId"])
	require.Equal(t, eventToken, events[1].Name)
	require.Equal(t, eventToken, events[2].Name)
	require.Equal(t, testAnswer, events[1].Data["text"].(string)+events[2].Data["text"].(string))

	done := events[3]
	require.Equal(t, eventDone, done.Name)
	require.Equal(t, convID, done.Data["conversationId"])
	require.Equal(t, "completed", done.Data["outcome"])
	require.NotEmpty(t, done.Data["messageId"])
	require.Equal(t, true, done.Data["contract"].(map[string]any)["singleConclusion"])
	require.EqualValues(t, 1, done.Data["usage"].(map[string]any)["used"])

	headers := map[string]string{auth.SessionHeader: session}
	rec = env.do(t, http.MethodPost, "/api/chat", map[string]string{"message": "And the oil?", "conversationId": convID}, headers)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, convID, rec.Header().Get(HeaderConversationID))

	rec = env.do(t, http.MethodGet, "/api/conversations/"+convID+"/messages", nil, headers)
	require.Equal(t, http.StatusOK, rec.Code)
	var thread struct {
		Messages []models.Message `json:"messages"`
	}
	decodeBody(t, rec.Body.Bytes(), &thread)
	require.Len(t, thread.Messages, 4)
	require.Equal(t, "Preflight checklist?", thread.Messages[0].Content)
	require.Equal(t, "And the oil?", thread.Messages[2].Content)

	rec = env.do(t, http.MethodGet, "/api/conversations", nil, headers)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), convID)
}

func TestChatRejectsForeignConversation(t *testing.T) {
	env := setupTestRouter(t)

	rec := env.do(t, http.MethodPost, "/api/chat", map[string]string{"message": "Define Va"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	convID := rec.Header().Get(HeaderConversationID)

	rec = env.do(t, http.MethodPost, "/api/chat", map[string]string{"message": "hi", "conversationId": convID}, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Contains(t, rec.Body.String(), `"code":"forbidden"`)

	rec = env.do(t, http.MethodGet, "/api/conversations/"+convID+"/messages", nil, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/chat", map[string]string{"message": "hi", "conversationId": "missing"}, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestChatInvalidTokenIsNotAnonymous(t *testing.T) {
	env := setupTestRouter(t)
	rec := env.do(t, http.MethodPost, "/api/chat", map[string]string{"message": "hi"}, map[string]string{"Authorization": "Bearer forged"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Contains(t, rec.Body.String(), `"code":"unauthorized"`)
}

func TestChatUsageLimit(t *testing.T) {
	env := setupTestRouter(t)

	rec := env.do(t, http.MethodPost, "/api/chat", map[string]string{"message": "one"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	headers := map[string]string{auth.SessionHeader: rec.Header().Get(auth.SessionHeader)}

	rec = env.do(t, http.MethodPost, "/api/chat", map[string]string{"message": "two"}, headers)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/chat", map[string]string{"message": "three"}, headers)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	var body map[string]any
	decodeBody(t, rec.Body.Bytes(), &body)
	require.Equal(t, codeLimitReached, body["code"])
	require.EqualValues(t, 2, body["limit"])
	require.EqualValues(t, 2, body["used"])
	require.Equal(t, "https://example.com/upgrade", body["upgradeUrl"])
	require.NotEmpty(t, body["resetAt"])

	rec = env.do(t, http.MethodGet, "/api/usage", nil, headers)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec.Body.Bytes(), &body)
	require.EqualValues(t, 0, body["remaining"])

	token := env.register(t, "bob")
	authHeaders := map[string]string{"Authorization": "Bearer " + token}
	for i := 0; i < 3; i++ {
		rec = env.do(t, http.MethodPost, "/api/chat", map[string]string{"message": "unlimited"}, authHeaders)
		require.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestUsageConsume(t *testing.T) {
	env := setupTestRouter(t)

	rec := env.do(t, http.MethodPost, "/api/usage/consume", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	headers := map[string]string{auth.SessionHeader: rec.Header().Get(auth.SessionHeader)}

	var body map[string]any
	decodeBody(t, rec.Body.Bytes(), &body)
	require.EqualValues(t, 1, body["used"])

	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/api/usage/consume", nil, headers).Code)
	require.Equal(t, http.StatusTooManyRequests, env.do(t, http.MethodPost, "/api/usage/consume", nil, headers).Code)

	token := env.register(t, "carol")
	rec = env.do(t, http.MethodGet, "/api/usage", nil, map[string]string{"Authorization": "Bearer " + token})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"unlimited":true`)
}

func TestChatGenerationFailures(t *testing.T) {
	env := setupTestRouter(t)

	env.backend.set(func() (*testStream, error) { return nil, generation.ErrBackend })
	rec := env.do(t, http.MethodPost, "/api/chat", map[string]string{"message": "hi"}, nil)
	require.Equal(t, http.StatusBadGateway, rec.Code)
	require.Contains(t, rec.Body.String(), `"code":"generation_failed"`)

	env.backend.set(func() (*testStream, error) {
		return &testStream{chunks: []string{"Step 1: "}, err: errors.New("reset")}, nil
	})
	token := env.register(t, "dave")
	rec = env.do(t, http.MethodPost, "/api/chat", map[string]string{"message": "hi"}, map[string]string{"Authorization": "Bearer " + token})
	require.Equal(t, http.StatusOK, rec.Code)

	events := parseSSE(t, rec.Body.String())
	last := events[len(events)-1]
	require.Equal(t, eventError, last.Name)
	require.Equal(t, true, last.Data["retryable"])
	require.Equal(t, codeGenerationFailed, last.Data["code"])
}

func TestChatValidation(t *testing.T) {
	env := setupTestRouter(t)
	rec := env.do(t, http.MethodPost, "/api/chat", map[string]string{"message": "  "}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSettingsRequireUser(t *testing.T) {
	env := setupTestRouter(t)

	rec := env.do(t, http.MethodGet, "/api/settings", nil, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	token := env.register(t, "erin")
	headers := map[string]string{"Authorization": "Bearer " + token}

	rec = env.do(t, http.MethodGet, "/api/settings", nil, headers)
	require.Equal(t, http.StatusOK, rec.Code)
	var got models.GenerationSettings
	decodeBody(t, rec.Body.Bytes(), &got)
	require.Equal(t, models.DefaultGenerationSettings(), got)

	rec = env.do(t, http.MethodPatch, "/api/settings", map[string]any{"tone": "checkride examiner", "showReasoning": false}, headers)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec.Body.Bytes(), &got)
	require.Equal(t, "checkride examiner", got.Tone)
	require.False(t, got.ShowReasoning)
	require.Equal(t, models.DefaultGenerationSettings().MaxTokens, got.MaxTokens)

	rec = env.do(t, http.MethodPatch, "/api/settings", map[string]any{"temperature": 9}, headers)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/chat", map[string]string{"message": "Ready?"}, headers)
	require.Equal(t, http.StatusOK, rec.Code)
	events := parseSSE(t, rec.Body.String())
	require.Equal(t, "Ready to taxi.", events[len(events)-1].Data["display"])
}

func TestHealth(t *testing.T) {
	env := setupTestRouter(t)
	rec := env.do(t, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func newJSONRequest(t *testing.T, method, path string, body any) *http.Request {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("failed to marshal body: %v", err)
	}

	req, err := http.NewRequest(method, path, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return req
}

func decodeBody(t *testing.T, data []byte, out any) {
	t.Helper()
	if err := json.Unmarshal(data, out); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
}
