package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Dry1ceD7/AAEConnect/internal/broadcast"
	"github.com/Dry1ceD7/AAEConnect/internal/domain"
	"github.com/Dry1ceD7/AAEConnect/internal/history"
	"github.com/Dry1ceD7/AAEConnect/internal/hub"
	"github.com/Dry1ceD7/AAEConnect/internal/session"
	"github.com/Dry1ceD7/AAEConnect/internal/store/memory"
	"github.com/Dry1ceD7/AAEConnect/pkg/jwt"
	"github.com/Dry1ceD7/AAEConnect/pkg/middleware"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type apiResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type testServer struct {
	t      *testing.T
	router *gin.Engine
	store  *memory.Store
	reg    *hub.Registry
	tokens *jwt.Manager
	auth   *middleware.AuthMiddleware
	ws     *WSHandler
	cancel context.CancelFunc
}

func newTestServer(t *testing.T, checks ...Check) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	tokens, err := jwt.NewManager("s3cret", "aaeconnect", time.Hour)
	require.NoError(t, err)

	st := memory.New()
	reg := hub.NewRegistry()
	engine := broadcast.NewEngine(st, st, reg, broadcast.Config{})
	ctx, cancel := context.WithCancel(context.Background())

	auth := middleware.NewAuthMiddleware(tokens)
	auth.OnFailure(AuditAuthFailure)

	r := gin.New()
	httpHandler := NewHTTPHandler(history.NewService(st, nil, 0), engine, reg, "test", checks...)
	httpHandler.RegisterRoutes(r, auth.RequireAuth())
	ws := NewWSHandler(ctx, reg, engine, session.Config{WriteWait: time.Second}, nil)
	ws.RegisterRoutes(r, auth.RequireAuth())

	s := &testServer{t: t, router: r, store: st, reg: reg, tokens: tokens, auth: auth, ws: ws, cancel: cancel}
	t.Cleanup(func() {
		cancel()
		ws.Wait()
	})
	return s
}

func (s *testServer) authFunc() gin.HandlerFunc {
	return s.auth.RequireAuth()
}

func (s *testServer) token(userID, username string) string {
	s.t.Helper()
	tok, _, err := s.tokens.Issue(userID, username, "", nil)
	require.NoError(s.t, err)
	return tok
}

func (s *testServer) do(method, path, token string, body interface{}) (int, apiResponse) {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	var resp apiResponse
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(s.t, json.Unmarshal(w.Body.Bytes(), &resp))
	}
	return w.Code, resp
}

func TestSendAndReadHistory(t *testing.T) {
	s := newTestServer(t)
	s.store.SetMembers("R1", "U1", "U2")
	tok := s.token("U1", "alice")

	code, resp := s.do(http.MethodPost, "/messages", tok, SendMessageRequest{RoomID: "R1", Content: "hello"})
	require.Equal(t, http.StatusCreated, code)
	var sent domain.ChatMessage
	require.NoError(t, json.Unmarshal(resp.Data, &sent))
	assert.Equal(t, "hello", sent.Content)
	assert.Equal(t, "U1", sent.UserID)
	assert.Equal(t, "alice", sent.Username)
	assert.NotEmpty(t, sent.ID)

	code, resp = s.do(http.MethodPost, "/messages", tok, SendMessageRequest{RoomID: "R1", Content: "again", ReplyTo: &sent.ID})
	require.Equal(t, http.StatusCreated, code)

	code, resp = s.do(http.MethodGet, "/messages/R1?limit=10", tok, nil)
	require.Equal(t, http.StatusOK, code)
	var page []domain.ChatMessage
	require.NoError(t, json.Unmarshal(resp.Data, &page))
	require.Len(t, page, 2)
	assert.Equal(t, "again", page[0].Content)
	require.NotNil(t, page[0].ReplyTo)
	assert.Equal(t, sent.ID, *page[0].ReplyTo)

	code, resp = s.do(http.MethodGet, "/messages/R1?limit=1&offset=1", tok, nil)
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(resp.Data, &page))
	require.Len(t, page, 1)
	assert.Equal(t, "hello", page[0].Content)

	code, resp = s.do(http.MethodGet, "/message/"+sent.ID, tok, nil)
	require.Equal(t, http.StatusOK, code)
	var got domain.ChatMessage
	require.NoError(t, json.Unmarshal(resp.Data, &got))
	assert.Equal(t, sent.ID, got.ID)
}

func TestHistoryEmptyRoom(t *testing.T) {
	s := newTestServer(t)
	code, resp := s.do(http.MethodGet, "/messages/nowhere", s.token("U1", ""), nil)
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `[]`, string(resp.Data))
}

func TestHistoryQueryValidation(t *testing.T) {
	s := newTestServer(t)
	tok := s.token("U1", "")

	for _, q := range []string{"limit=0", "limit=abc", "limit=-5", "offset=-1", "offset=x"} {
		code, resp := s.do(http.MethodGet, "/messages/R1?"+q, tok, nil)
		assert.Equal(t, http.StatusBadRequest, code, q)
		require.NotNil(t, resp.Error, q)
		assert.Equal(t, "BAD_REQUEST", resp.Error.Code)
	}

	code, _ := s.do(http.MethodGet, "/messages/R1?limit=1000", tok, nil)
	assert.Equal(t, http.StatusOK, code, "limit above the maximum is clamped")
}

func TestSendErrorMapping(t *testing.T) {
	s := newTestServer(t)
	tok := s.token("U1", "")

	code, resp := s.do(http.MethodPost, "/messages", tok, SendMessageRequest{RoomID: "R1", Content: "   "})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, domain.ErrCodeValidation, resp.Error.Code)

	code, _ = s.do(http.MethodPost, "/messages", tok, map[string]string{"content": "no room"})
	assert.Equal(t, http.StatusBadRequest, code)

	s.store.OnAppend(func(*domain.ChatMessage) error { return errors.New("disk full") })
	code, resp = s.do(http.MethodPost, "/messages", tok, SendMessageRequest{RoomID: "R1", Content: "hi"})
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, domain.ErrCodePersistence, resp.Error.Code)
	assert.NotContains(t, resp.Error.Message, "disk full")
}

func TestGetMessageNotFound(t *testing.T) {
	s := newTestServer(t)
	code, resp := s.do(http.MethodGet, "/message/missing", s.token("U1", ""), nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "NOT_FOUND", resp.Error.Code)
}

func TestAuthRequired(t *testing.T) {
	s := newTestServer(t)
	code, _ := s.do(http.MethodGet, "/messages/R1", "", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	code, _ = s.do(http.MethodPost, "/messages", "bogus", SendMessageRequest{RoomID: "R1", Content: "x"})
	assert.Equal(t, http.StatusUnauthorized, code)
}

func TestHealthAndReadiness(t *testing.T) {
	var storeErr error
	s := newTestServer(t,
		Check{Name: "store", Critical: true, Ping: func(context.Context) error { return storeErr }},
		Check{Name: "redis", Ping: func(context.Context) error { return errors.New("refused") }},
	)

	code, resp := s.do(http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, code)
	var status HealthStatus
	require.NoError(t, json.Unmarshal(resp.Data, &status))
	assert.Equal(t, "degraded", status.Status)
	assert.Equal(t, "test", status.Version)
	assert.Equal(t, "healthy", status.Services["store"].Status)
	assert.Equal(t, "unhealthy", status.Services["redis"].Status)

	code, _ = s.do(http.MethodGet, "/ready", "", nil)
	assert.Equal(t, http.StatusOK, code, "non-critical failures keep the node ready")

	storeErr = errors.New("down")
	code, resp = s.do(http.MethodGet, "/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "SERVICE_UNAVAILABLE", resp.Error.Code)

	code, _ = s.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, code)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestWebSocketSendReachesRoomAndREST(t *testing.T) {
	s := newTestServer(t)
	s.store.SetMembers("R1", "U1", "U2")
	srv := httptest.NewServer(s.router)
	t.Cleanup(srv.Close)

	dial := func(userID, name string) *websocket.Conn {
		u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=" + s.token(userID, name)
		conn, _, err := websocket.DefaultDialer.Dial(u, nil)
		require.NoError(t, err)
		t.Cleanup(func() { conn.Close() })
		require.Eventually(t, func() bool { return s.reg.IsOnline(userID) }, 2*time.Second, 5*time.Millisecond)
		return conn
	}
	c1 := dial("U1", "alice")
	c2 := dial("U2", "bob")

	env, err := domain.NewEnvelope(domain.MsgTypeSendMessage, domain.SendMessagePayload{RoomID: "R1", Content: "hello"})
	require.NoError(t, err)
	require.NoError(t, c1.WriteJSON(env))

	require.NoError(t, c2.SetReadDeadline(time.Now().Add(2*time.Second)))
	var got domain.Envelope
	require.NoError(t, c2.ReadJSON(&got))
	assert.Equal(t, domain.MsgTypeNewMessage, got.MessageType)
	var msg domain.ChatMessage
	require.NoError(t, json.Unmarshal(got.Data, &msg))
	assert.Equal(t, "alice", msg.Username)

	// A REST send reaches the websocket members too.
	code, _ := s.do(http.MethodPost, "/messages", s.token("U2", "bob"), SendMessageRequest{RoomID: "R1", Content: "via rest"})
	require.Equal(t, http.StatusCreated, code)

	require.NoError(t, c1.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		require.NoError(t, c1.ReadJSON(&got))
		require.NoError(t, json.Unmarshal(got.Data, &msg))
		if msg.Content == "via rest" {
			break
		}
	}
	assert.Equal(t, "U2", msg.UserID)
}

func TestWebSocketRejectsMissingToken(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.router)
	t.Cleanup(srv.Close)

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, 0, s.reg.Count())
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://chat.example.com"})
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	assert.True(t, check(req), "no origin header")

	req.Header.Set("Origin", "https://chat.example.com")
	assert.True(t, check(req))

	req.Header.Set("Origin", "https://evil.example.com")
	assert.False(t, check(req))

	assert.True(t, originChecker(nil)(req))
}
