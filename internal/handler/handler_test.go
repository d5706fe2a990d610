package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fusion-data/bridge/internal/apikeys"
	"github.com/fusion-data/bridge/internal/assistant"
	"github.com/fusion-data/bridge/internal/auth"
	"github.com/fusion-data/bridge/internal/catalog"
	"github.com/fusion-data/bridge/internal/llm"
	"github.com/fusion-data/bridge/internal/middleware"
	"github.com/fusion-data/bridge/internal/model"
	"github.com/fusion-data/bridge/internal/nats"
	"github.com/fusion-data/bridge/internal/render"
	"github.com/fusion-data/bridge/internal/repository"
	"github.com/fusion-data/bridge/internal/requests"
	"github.com/fusion-data/bridge/internal/session"
	"github.com/fusion-data/bridge/pkg/logger"
)

const jwtSecret = "handler-test-secret"

type fakeGateway struct{ reply string }

func (g fakeGateway) SendMessage(context.Context, []llm.ChatMessage) (string, error) {
	return g.reply, nil
}

type fakeClient struct {
	mu   sync.Mutex
	reqs []*llm.CompletionRequest
	resp *llm.CompletionResponse
	err  error
}

func (c *fakeClient) Complete(_ context.Context, req *llm.CompletionRequest) (*llm.CompletionResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reqs = append(c.reqs, req)
	return c.resp, c.err
}

func (c *fakeClient) CompleteStream(ctx context.Context, req *llm.CompletionRequest, _ llm.StreamCallback) (*llm.CompletionResponse, error) {
	return c.Complete(ctx, req)
}

func (c *fakeClient) Name() string     { return "fake" }
func (c *fakeClient) Models() []string { return nil }

type testServer struct {
	router   http.Handler
	keys     *apikeys.Service
	requests *requests.Service
	sessions *repository.SessionRepository
	client   *fakeClient
	usedKeys []string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	log := logger.NewNop()

	db, err := repository.OpenMemory(uuid.NewString())
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	bus := nats.NewMemoryBus(time.Hour)
	sessionRepo := repository.NewSessionRepository(db)
	registry := session.NewRegistry(sessionRepo, session.NewWriteBehind(time.Second, log), time.Hour, log)
	reqSvc := requests.NewService(repository.NewRequestRepository(db), requests.NewNotifier(bus, log), time.Hour, log)
	keys, err := apikeys.NewService(repository.NewAPIKeyRepository(db), "secret")
	require.NoError(t, err)
	engine := assistant.NewEngine(registry, fakeGateway{reply: "ok"}, catalog.Default(), reqSvc,
		assistant.NewMemoryStateStore(time.Hour), requests.NewNotifier(bus, log), assistant.EngineOptions{Logger: log})

	ts := &testServer{keys: keys, requests: reqSvc, sessions: sessionRepo, client: &fakeClient{resp: &llm.CompletionResponse{Content: " Olá! ", TokensIn: 12, TokensOut: 3}}}
	factory := func(key string) (llm.Client, error) {
		ts.usedKeys = append(ts.usedKeys, key)
		return ts.client, nil
	}

	sessions := NewSessionHandler(registry, engine, render.New(time.UTC), log)
	reqs := NewRequestHandler(reqSvc, registry, sessionRepo, log)
	notes := NewNotificationHandler(bus, log)
	proxy := NewProxyHandler(keys, nil, factory, "gpt-test", time.Second, log)

	r := chi.NewRouter()
	r.Group(func(r chi.Router) {
		r.Use(middleware.Auth(jwtSecret))
		r.Post("/functions/v1/chat-openai", proxy.ChatOpenAI)
		r.Post("/sessions", sessions.Create)
		r.Get("/sessions", sessions.List)
		r.Get("/sessions/{id}", sessions.Get)
		r.Post("/sessions/{id}/reply", sessions.Reply)
		r.Delete("/sessions/{id}", sessions.Delete)
		r.Get("/requests", reqs.List)
		r.Get("/requests/{id}", reqs.Get)
		r.Post("/requests/{id}/cancel", reqs.Cancel)
		r.Get("/notifications", notes.List)
	})
	ts.router = r
	return ts
}

func token(t *testing.T, userID string) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, middleware.Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: userID, ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	}).SignedString([]byte(jwtSecret))
	require.NoError(t, err)
	return s
}

func authCtx(userID string) context.Context {
	return auth.WithPrincipal(context.Background(), auth.Principal{UserID: userID})
}

func (ts *testServer) do(t *testing.T, method, path, userID string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	r := httptest.NewRequest(method, path, &buf)
	if userID != "" {
		r.Header.Set("Authorization", "Bearer "+token(t, userID))
	}
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, r)

	out := map[string]any{}
	if rec.Body.Len() > 0 {
		_ = json.Unmarshal(rec.Body.Bytes(), &out)
	}
	return rec, out
}

func TestSessions_RequireAuth(t *testing.T) {
	ts := newTestServer(t)
	rec, _ := ts.do(t, http.MethodGet, "/sessions", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSessions_CreateAndReply(t *testing.T) {
	ts := newTestServer(t)

	rec, created := ts.do(t, http.MethodPost, "/sessions", "u-1", map[string]string{})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, string(assistant.StepInitial), created["step"])
	id, _ := created["session_id"].(string)
	require.NotEmpty(t, id)

	rec, turn := ts.do(t, http.MethodPost, "/sessions/"+id+"/reply", "u-1", map[string]string{"quick_reply": assistant.OptionNewRequest})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, string(assistant.StepIntention), turn["step"])

	msgs, _ := turn["messages"].([]any)
	require.Len(t, msgs, 1)
	assert.Equal(t, assistant.TextAskObjective, msgs[0].(map[string]any)["content"])

	rec, details := ts.do(t, http.MethodGet, "/sessions/"+id, "u-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	sess := details["session"].(map[string]any)
	assert.Len(t, sess["messages"], 3)

	rec, list := ts.do(t, http.MethodGet, "/sessions", "u-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, list["total"])
	assert.Equal(t, id, list["current_session_id"])
}

func TestSessions_ScopedToUser(t *testing.T) {
	ts := newTestServer(t)
	_, created := ts.do(t, http.MethodPost, "/sessions", "u-1", nil)
	id := created["session_id"].(string)

	rec, _ := ts.do(t, http.MethodPost, "/sessions/"+id+"/reply", "u-2", map[string]string{"text": "oi"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSessions_ReplyErrors(t *testing.T) {
	ts := newTestServer(t)
	_, created := ts.do(t, http.MethodPost, "/sessions", "u-1", nil)
	id := created["session_id"].(string)

	rec, _ := ts.do(t, http.MethodPost, "/sessions/not-a-uuid/reply", "u-1", map[string]string{"text": "oi"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = ts.do(t, http.MethodPost, "/sessions/"+id+"/reply", "u-1", map[string]string{"text": "   "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = ts.do(t, http.MethodGet, "/sessions/"+uuid.NewString(), "u-1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSessions_Delete(t *testing.T) {
	ts := newTestServer(t)
	_, created := ts.do(t, http.MethodPost, "/sessions", "u-1", nil)
	id := created["session_id"].(string)

	rec, _ := ts.do(t, http.MethodDelete, "/sessions/"+id, "u-1", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec, _ = ts.do(t, http.MethodGet, "/sessions/"+id, "u-1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRequests_CancelUnknown(t *testing.T) {
	ts := newTestServer(t)
	rec, _ := ts.do(t, http.MethodPost, "/requests/"+uuid.NewString()+"/cancel", "u-1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = ts.do(t, http.MethodGet, "/notifications", "u-1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequests_GetFindsPersistedLinkedSession(t *testing.T) {
	ts := newTestServer(t)
	ctx := authCtx("u-1")

	rec, _ := ts.do(t, http.MethodGet, "/sessions", "u-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	req, err := ts.requests.Create(ctx, model.NewRequest{Titulo: "Churn", Descricao: "d"})
	require.NoError(t, err)
	rec, out := ts.do(t, http.MethodGet, "/requests/"+req.ID, "u-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, out["session_id"])

	// Linked by another instance after this user's store was loaded.
	sessionID := uuid.NewString()
	now := time.Now().UTC()
	require.NoError(t, ts.sessions.SaveSession(ctx, model.ChatSession{
		ID: sessionID, UserID: "u-1", Title: "Churn", CreatedAt: now, LastMessageAt: now,
		RequestID: &req.ID, Status: model.SessionCompleted,
	}))

	rec, out = ts.do(t, http.MethodGet, "/requests/"+req.ID, "u-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, sessionID, out["session_id"])
}

func TestProxy_UsesStoredKey(t *testing.T) {
	ts := newTestServer(t)
	ctx := authCtx("u-1")
	_, err := ts.keys.Save(ctx, "openai", "sk-user-key-0000000000")
	require.NoError(t, err)

	rec, out := ts.do(t, http.MethodPost, "/functions/v1/chat-openai", "u-1", map[string]any{
		"messages":  []map[string]string{{"role": "user", "content": "Oi"}},
		"maxTokens": 200,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Olá!", out["content"])
	assert.EqualValues(t, 12, out["usage"].(map[string]any)["input_tokens"])

	assert.Equal(t, []string{"sk-user-key-0000000000"}, ts.usedKeys)
	require.Len(t, ts.client.reqs, 1)
	assert.Equal(t, "gpt-test", ts.client.reqs[0].Model)
	assert.Equal(t, 200, ts.client.reqs[0].MaxTokens)
	assert.InDelta(t, 0.7, ts.client.reqs[0].Temperature, 1e-9)
}

func TestProxy_Errors(t *testing.T) {
	ts := newTestServer(t)

	rec, out := ts.do(t, http.MethodPost, "/functions/v1/chat-openai", "u-1", map[string]any{"messages": []any{}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Messages array is required", out["error"])

	rec, out = ts.do(t, http.MethodPost, "/functions/v1/chat-openai", "u-1", map[string]any{
		"messages": []map[string]string{{"role": "user", "content": "Oi"}},
	})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "OpenAI API key not configured", out["error"])

	_, err := ts.keys.Save(authCtx("u-1"), "openai", "sk-user-key-0000000000")
	require.NoError(t, err)
	ts.client.err = errors.New("upstream rejected sk-user-key-0000000000")
	rec, out = ts.do(t, http.MethodPost, "/functions/v1/chat-openai", "u-1", map[string]any{
		"messages": []map[string]string{{"role": "user", "content": "Oi"}},
	})
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.NotContains(t, out["details"], "sk-user-key")
}
