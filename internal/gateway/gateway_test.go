// ABOUTME: Tests for the Gateway orchestrator, REST API and WebSocket wiring
// ABOUTME: Drives a real SQLite-backed gateway through httptest and a gorilla client

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/fireside-gateway/internal/broker"
	"github.com/2389/fireside-gateway/internal/config"
	"github.com/2389/fireside-gateway/internal/conversation"
	"github.com/2389/fireside-gateway/internal/store"
)

const testSecret = "gateway-test-secret-0123456789ab"

// testConfig creates a minimal config for testing with an available port.
func testConfig(t *testing.T) *config.Config {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	httpAddr := ln.Addr().String()
	ln.Close()

	return &config.Config{
		Server:   config.ServerConfig{HTTPAddr: httpAddr},
		Database: config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "gateway.db")},
		Auth:     config.AuthConfig{JWTSecret: testSecret},
		Broker: config.BrokerConfig{
			PingPeriod:  time.Second,
			ReadTimeout: 5 * time.Second,
		},
		Conversations: config.ConversationsConfig{
			PreviewLength:      200,
			DefaultMaxActive:   3,
			IdempotencyTTL:     time.Minute,
			IdempotencyMaxKeys: 1000,
		},
		Metrics: config.MetricsConfig{Enabled: true, Path: "/metrics"},
	}
}

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testServer struct {
	gw  *Gateway
	srv *httptest.Server
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	gw, err := New(testConfig(t), testLogger())
	require.NoError(t, err)

	ctx := context.Background()
	for _, u := range []*store.User{
		{ID: "alice", DisplayName: "Alice"},
		{ID: "bob", DisplayName: "Bob"},
		{ID: "carol", DisplayName: "Carol"},
		{ID: "dave", DisplayName: "Dave"},
		{ID: "erin", DisplayName: "Erin"},
		{ID: "mallory", DisplayName: "Mallory"},
		{ID: "root", DisplayName: "Root", Admin: true},
	} {
		require.NoError(t, gw.store.UpsertUser(ctx, u))
	}

	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(func() {
		srv.Close()
		_ = gw.Shutdown(context.Background())
	})
	return &testServer{gw: gw, srv: srv}
}

func (s *testServer) token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := s.gw.verifier.Generate(userID, time.Hour)
	require.NoError(t, err)
	return tok
}

type apiResponse struct {
	Status int
	Header http.Header
	Body   []byte
}

func (r apiResponse) decode(t *testing.T, dst any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(r.Body, dst), string(r.Body))
}

func (s *testServer) do(t *testing.T, userID, method, path string, body any, headers ...string) apiResponse {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, s.srv.URL+path, reader)
	require.NoError(t, err)
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+s.token(t, userID))
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return apiResponse{Status: resp.StatusCode, Header: resp.Header, Body: data}
}

func (s *testServer) createConversation(t *testing.T, from, to string) string {
	t.Helper()
	resp := s.do(t, from, http.MethodPost, "/api/conversations", CreateConversationRequest{OtherUserID: to})
	require.Contains(t, []int{http.StatusOK, http.StatusCreated}, resp.Status, string(resp.Body))
	var conv struct {
		ID string `json:"id"`
	}
	resp.decode(t, &conv)
	return conv.ID
}

func TestGatewayRunAndShutdown(t *testing.T) {
	cfg := testConfig(t)

	gw, err := New(cfg, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- gw.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + cfg.Server.HTTPAddr + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("gateway did not shutdown in time")
	}
}

func TestNew_RejectsWeakSecret(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth.JWTSecret = "short"

	_, err := New(cfg, testLogger())
	assert.Error(t, err)
}

func TestHealthEndpoints(t *testing.T) {
	s := newTestServer(t)

	resp := s.do(t, "", http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, "OK", string(resp.Body))

	resp = s.do(t, "", http.MethodGet, "/health/ready", nil)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, "ready", string(resp.Body))
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	s.createConversation(t, "alice", "bob")

	resp := s.do(t, "", http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Contains(t, string(resp.Body), "fireside_conversation_operations_total")
}

func TestAPI_RequiresAuth(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"garbage", "Bearer nope", http.StatusUnauthorized},
		{"wrong scheme", "Basic abc", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodGet, s.srv.URL+"/api/conversations", nil)
			require.NoError(t, err)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, tt.want, resp.StatusCode)

			var body map[string]string
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			assert.NotEmpty(t, body["message"])
		})
	}
}

func TestCreateConversation_CreatedThenExisting(t *testing.T) {
	s := newTestServer(t)

	first := s.do(t, "alice", http.MethodPost, "/api/conversations", CreateConversationRequest{OtherUserID: "bob"})
	require.Equal(t, http.StatusCreated, first.Status, string(first.Body))

	var conv struct {
		ID           string   `json:"id"`
		Participants []string `json:"participants"`
		Status       string   `json:"status"`
		Messages     []any    `json:"messages"`
	}
	first.decode(t, &conv)
	assert.Equal(t, []string{"alice", "bob"}, conv.Participants)
	assert.Equal(t, "active", conv.Status)
	assert.Empty(t, conv.Messages)

	second := s.do(t, "bob", http.MethodPost, "/api/conversations", CreateConversationRequest{OtherUserID: "alice"})
	require.Equal(t, http.StatusOK, second.Status)
	var again struct {
		ID string `json:"id"`
	}
	second.decode(t, &again)
	assert.Equal(t, conv.ID, again.ID)
}

func TestCreateConversation_Errors(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name string
		body any
		want int
	}{
		{"invalid json", "not an object", http.StatusBadRequest},
		{"missing other user", CreateConversationRequest{}, http.StatusBadRequest},
		{"self", CreateConversationRequest{OtherUserID: "alice"}, http.StatusBadRequest},
		{"unknown user", CreateConversationRequest{OtherUserID: "ghost"}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := s.do(t, "alice", http.MethodPost, "/api/conversations", tt.body)
			assert.Equal(t, tt.want, resp.Status)
			var body errorResponse
			resp.decode(t, &body)
			assert.NotEmpty(t, body.Message)
		})
	}
}

func TestCreateConversation_QuotaBody(t *testing.T) {
	s := newTestServer(t)
	for _, other := range []string{"carol", "dave", "erin"} {
		s.createConversation(t, "alice", other)
	}

	resp := s.do(t, "alice", http.MethodPost, "/api/conversations", CreateConversationRequest{OtherUserID: "bob"})
	require.Equal(t, http.StatusForbidden, resp.Status)

	var body map[string]any
	resp.decode(t, &body)
	assert.NotEmpty(t, body["message"])
	assert.Equal(t, "alice", body["blockedFor"])
	assert.EqualValues(t, 3, body["currentCount"])
	assert.EqualValues(t, 3, body["maxAllowed"])
}

func TestMessages_SendAndRead(t *testing.T) {
	s := newTestServer(t)
	id := s.createConversation(t, "alice", "bob")

	resp := s.do(t, "alice", http.MethodPost, "/api/conversations/"+id+"/messages", SendMessageRequest{Text: "hello"})
	require.Equal(t, http.StatusOK, resp.Status, string(resp.Body))

	var sent conversation.ConversationView
	resp.decode(t, &sent)
	assert.Equal(t, id, sent.ID)
	assert.Equal(t, store.StatusActive, sent.Status)
	assert.ElementsMatch(t, []string{"alice", "bob"}, sent.Participants)
	require.Len(t, sent.Messages, 1)
	assert.Equal(t, "alice", sent.Messages[0].Sender)
	assert.Equal(t, "Alice", sent.Messages[0].SenderName)
	assert.Equal(t, "hello", sent.Messages[0].Text)
	assert.Empty(t, resp.Header.Get("Idempotent-Replayed"))

	resp = s.do(t, "bob", http.MethodGet, "/api/conversations/"+id+"/messages", nil)
	require.Equal(t, http.StatusOK, resp.Status)
	var thread struct {
		Messages     []map[string]any `json:"messages"`
		Status       string           `json:"status"`
		PausedBy     *string          `json:"pausedBy"`
		Participants []string         `json:"participants"`
		Name         string           `json:"name"`
	}
	resp.decode(t, &thread)
	assert.Len(t, thread.Messages, 1)
	assert.Equal(t, "active", thread.Status)
	assert.Nil(t, thread.PausedBy)
	assert.Equal(t, "Alice", thread.Name)

	resp = s.do(t, "mallory", http.MethodGet, "/api/conversations/"+id+"/messages", nil)
	assert.Equal(t, http.StatusForbidden, resp.Status)

	resp = s.do(t, "alice", http.MethodGet, "/api/conversations/missing/messages", nil)
	assert.Equal(t, http.StatusNotFound, resp.Status)

	resp = s.do(t, "alice", http.MethodPost, "/api/conversations/"+id+"/messages", SendMessageRequest{Text: "   "})
	assert.Equal(t, http.StatusBadRequest, resp.Status)
}

func TestLifecycle_PauseResumeClose(t *testing.T) {
	s := newTestServer(t)
	id := s.createConversation(t, "alice", "bob")
	base := "/api/conversations/" + id

	resp := s.do(t, "alice", http.MethodPatch, base+"/pause", nil)
	require.Equal(t, http.StatusOK, resp.Status)
	var paused PauseResponse
	resp.decode(t, &paused)
	assert.Equal(t, id, paused.ChatID)
	assert.Equal(t, store.StatusPaused, paused.Status)
	require.NotNil(t, paused.PausedBy)
	assert.Equal(t, "alice", *paused.PausedBy)
	assert.NotNil(t, paused.PausedAt)

	resp = s.do(t, "bob", http.MethodPost, base+"/messages", SendMessageRequest{Text: "hello?"})
	require.Equal(t, http.StatusConflict, resp.Status)
	var conflict errorResponse
	resp.decode(t, &conflict)
	assert.Equal(t, store.StatusPaused, conflict.Status)
	assert.NotEmpty(t, conflict.Message)

	resp = s.do(t, "bob", http.MethodPatch, base+"/resume", nil)
	require.Equal(t, http.StatusOK, resp.Status)
	var resumed ResumeResponse
	resp.decode(t, &resumed)
	assert.Equal(t, ResumeResponse{ChatID: id, Status: store.StatusActive}, resumed)

	resp = s.do(t, "bob", http.MethodPatch, base+"/resume", nil)
	assert.Equal(t, http.StatusConflict, resp.Status)

	resp = s.do(t, "bob", http.MethodPatch, base+"/close", nil)
	require.Equal(t, http.StatusOK, resp.Status)
	var closed CloseResponse
	resp.decode(t, &closed)
	assert.Equal(t, store.StatusClosed, closed.Status)
	assert.NotNil(t, closed.ClosedAt)

	resp = s.do(t, "mallory", http.MethodPatch, base+"/close", nil)
	assert.Equal(t, http.StatusForbidden, resp.Status)
}

func TestMessages_IdempotencyKey(t *testing.T) {
	s := newTestServer(t)
	id := s.createConversation(t, "alice", "bob")
	path := "/api/conversations/" + id + "/messages"

	first := s.do(t, "alice", http.MethodPost, path, SendMessageRequest{Text: "once"}, "Idempotency-Key", "abc")
	require.Equal(t, http.StatusOK, first.Status)
	second := s.do(t, "alice", http.MethodPost, path, SendMessageRequest{Text: "once"}, "Idempotency-Key", "abc")
	require.Equal(t, http.StatusOK, second.Status)

	assert.Empty(t, first.Header.Get("Idempotent-Replayed"))
	assert.Equal(t, "true", second.Header.Get("Idempotent-Replayed"))

	var replay conversation.ConversationView
	second.decode(t, &replay)
	assert.Equal(t, id, replay.ID)
	assert.Len(t, replay.Messages, 1)
}

func TestListConversationsAndNotifications(t *testing.T) {
	s := newTestServer(t)
	id := s.createConversation(t, "alice", "bob")
	resp := s.do(t, "alice", http.MethodPost, "/api/conversations/"+id+"/messages", SendMessageRequest{Text: "ping"})
	require.Equal(t, http.StatusOK, resp.Status)

	resp = s.do(t, "bob", http.MethodGet, "/api/conversations", nil)
	require.Equal(t, http.StatusOK, resp.Status)
	var list []struct {
		ID          string `json:"id"`
		UnreadCount int    `json:"unreadCount"`
		OtherUser   struct {
			DisplayName string `json:"displayName"`
		} `json:"otherUser"`
		LastMessage struct {
			Text string `json:"text"`
		} `json:"lastMessage"`
	}
	resp.decode(t, &list)
	require.Len(t, list, 1)
	assert.Equal(t, id, list[0].ID)
	assert.Equal(t, 1, list[0].UnreadCount)
	assert.Equal(t, "Alice", list[0].OtherUser.DisplayName)
	assert.Equal(t, "ping", list[0].LastMessage.Text)

	resp = s.do(t, "bob", http.MethodGet, "/api/notifications", nil)
	require.Equal(t, http.StatusOK, resp.Status)
	var notes []struct {
		Type           string `json:"type"`
		ConversationID string `json:"conversationId"`
	}
	resp.decode(t, &notes)
	require.Len(t, notes, 2)
	assert.Equal(t, store.NotificationMessage, notes[0].Type)
	assert.Equal(t, store.NotificationConversationStarted, notes[1].Type)

	resp = s.do(t, "bob", http.MethodGet, "/api/notifications?limit=1", nil)
	require.Equal(t, http.StatusOK, resp.Status)
	resp.decode(t, &notes)
	assert.Len(t, notes, 1)

	resp = s.do(t, "bob", http.MethodGet, "/api/notifications?limit=zero", nil)
	assert.Equal(t, http.StatusBadRequest, resp.Status)
}

func TestAdminUpsertUser(t *testing.T) {
	s := newTestServer(t)
	body := UpsertUserRequest{DisplayName: "Frank", MaxActiveConversations: 5}

	resp := s.do(t, "alice", http.MethodPut, "/api/admin/users/frank", body)
	assert.Equal(t, http.StatusForbidden, resp.Status)

	resp = s.do(t, "root", http.MethodPut, "/api/admin/users/frank", body)
	require.Equal(t, http.StatusOK, resp.Status, string(resp.Body))
	var user UserResponse
	resp.decode(t, &user)
	assert.Equal(t, "frank", user.ID)
	assert.Equal(t, 5, user.MaxActiveConversations)
	assert.Equal(t, 0, user.ActiveConversations)

	resp = s.do(t, "root", http.MethodPut, "/api/admin/users/gina", UpsertUserRequest{DisplayName: "Gina"})
	require.Equal(t, http.StatusOK, resp.Status)
	resp.decode(t, &user)
	assert.Equal(t, 3, user.MaxActiveConversations)

	// A suspended user is refused at the auth layer.
	resp = s.do(t, "root", http.MethodPut, "/api/admin/users/frank", UpsertUserRequest{DisplayName: "Frank", Suspended: true})
	require.Equal(t, http.StatusOK, resp.Status)
	resp = s.do(t, "frank", http.MethodGet, "/api/conversations", nil)
	assert.Equal(t, http.StatusForbidden, resp.Status)

	// Ids become broker destination segments, so a slash is refused.
	resp = s.do(t, "root", http.MethodPut, "/api/admin/users/alice%2Fqueue", UpsertUserRequest{DisplayName: "Sneaky"})
	assert.Equal(t, http.StatusBadRequest, resp.Status, string(resp.Body))
}

func readFrame(t *testing.T, ws *websocket.Conn) broker.Frame {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	f, err := broker.DecodeFrame(data)
	require.NoError(t, err)
	return f
}

func TestWebSocket_ReceivesRESTMessages(t *testing.T) {
	s := newTestServer(t)
	id := s.createConversation(t, "alice", "bob")

	url := "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/ws?token=" + s.token(t, "bob")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()
	require.Equal(t, broker.CommandConnected, readFrame(t, ws).Command)

	for _, dest := range []string{broker.UserMessagesQueue("bob"), broker.ChatStatusTopic(id)} {
		data, err := json.Marshal(broker.Frame{
			Command: broker.CommandSubscribe,
			Headers: map[string]string{broker.HeaderDestination: dest, broker.HeaderReceipt: dest},
		})
		require.NoError(t, err)
		require.NoError(t, ws.WriteMessage(websocket.TextMessage, data))
		receipt := readFrame(t, ws)
		require.Equal(t, broker.CommandReceipt, receipt.Command, "%+v", receipt)
	}

	resp := s.do(t, "alice", http.MethodPost, "/api/conversations/"+id+"/messages", SendMessageRequest{Text: "over the wire"})
	require.Equal(t, http.StatusOK, resp.Status)

	msg := readFrame(t, ws)
	require.Equal(t, broker.CommandMessage, msg.Command)
	assert.Equal(t, broker.UserMessagesQueue("bob"), msg.Header(broker.HeaderDestination))
	var body struct {
		ConversationID string `json:"conversationId"`
		Text           string `json:"text"`
	}
	require.NoError(t, json.Unmarshal([]byte(msg.Body), &body))
	assert.Equal(t, id, body.ConversationID)
	assert.Equal(t, "over the wire", body.Text)

	resp = s.do(t, "alice", http.MethodPatch, "/api/conversations/"+id+"/pause", nil)
	require.Equal(t, http.StatusOK, resp.Status)

	status := readFrame(t, ws)
	require.Equal(t, broker.CommandMessage, status.Command)
	assert.Equal(t, broker.ChatStatusTopic(id), status.Header(broker.HeaderDestination))
	assert.Contains(t, status.Body, `"status":"paused"`)
}

func TestWebSocket_TopicRequiresMembership(t *testing.T) {
	s := newTestServer(t)
	id := s.createConversation(t, "alice", "bob")

	url := "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/ws?token=" + s.token(t, "mallory")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()
	require.Equal(t, broker.CommandConnected, readFrame(t, ws).Command)

	data, err := json.Marshal(broker.Frame{
		Command: broker.CommandSubscribe,
		Headers: map[string]string{broker.HeaderDestination: broker.ChatMessagesTopic(id)},
	})
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, data))

	f := readFrame(t, ws)
	assert.Equal(t, broker.CommandError, f.Command)
}
