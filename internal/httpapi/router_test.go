package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"metachat/messaging-service/internal/auth"
	"metachat/messaging-service/internal/metrics"
	"metachat/messaging-service/internal/models"
	"metachat/messaging-service/internal/presence"
	"metachat/messaging-service/internal/repository"
	"metachat/messaging-service/internal/service"
)

type recordingRooms struct {
	mu        sync.Mutex
	payloads  map[string][][]byte
	joinCalls int
}

func (r *recordingRooms) Broadcast(conversationID string, payload []byte, _ string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.payloads == nil {
		r.payloads = make(map[string][][]byte)
	}
	r.payloads[conversationID] = append(r.payloads[conversationID], payload)
	return 1
}

func (r *recordingRooms) JoinUser(string, string) {
	r.mu.Lock()
	r.joinCalls++
	r.mu.Unlock()
}

type apiEnv struct {
	router   *gin.Engine
	verifier *auth.JWTVerifier
	tracker  *presence.MemoryTracker
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	repo := repository.NewMemoryRepository()
	users := repository.NewMemoryUserDirectory(
		models.UserSummary{ID: "alice", Username: "alice"},
		models.UserSummary{ID: "bob", Username: "bob"},
		models.UserSummary{ID: "mallory", Username: "mallory"},
	)
	tracker := presence.NewMemoryTracker()
	m := metrics.New(prometheus.NewRegistry())
	chats := service.NewChatService(repo, users, tracker, &recordingRooms{}, m, logger, service.Options{})
	verifier := auth.NewJWTVerifier("test-secret")

	router := NewRouter(RouterDeps{
		Chats:          chats,
		Verifier:       verifier,
		Store:          repo,
		Metrics:        m,
		AllowedOrigins: []string{"*"},
		Logger:         logger,
	})
	return &apiEnv{router: router, verifier: verifier, tracker: tracker}
}

func (e *apiEnv) do(t *testing.T, userID, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		token, err := e.verifier.Issue(userID, time.Hour)
		if err != nil {
			t.Fatalf("issue token: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
}

func (e *apiEnv) createConversation(t *testing.T, userID, participantID string) models.ConversationSummary {
	t.Helper()
	w := e.do(t, userID, http.MethodPost, "/api/messages/conversations", gin.H{"participantId": participantID})
	if w.Code != http.StatusOK {
		t.Fatalf("create conversation: status %d body %s", w.Code, w.Body.String())
	}
	var resp struct {
		Conversation models.ConversationSummary `json:"conversation"`
	}
	decode(t, w, &resp)
	return resp.Conversation
}

func TestRequiresAuthentication(t *testing.T) {
	env := newAPIEnv(t)

	w := env.do(t, "", http.MethodGet, "/api/messages/conversations", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/messages/conversations", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for invalid token, got %d", rec.Code)
	}
}

func TestConversationLifecycle(t *testing.T) {
	env := newAPIEnv(t)

	conv := env.createConversation(t, "alice", "bob")
	if len(conv.Participants) != 2 {
		t.Fatalf("expected 2 participants, got %+v", conv.Participants)
	}
	again := env.createConversation(t, "bob", "alice")
	if again.ID != conv.ID {
		t.Fatalf("expected the same conversation, got %s and %s", conv.ID, again.ID)
	}

	path := "/api/messages/conversations/" + conv.ID + "/messages"
	w := env.do(t, "alice", http.MethodPost, path, gin.H{"content": "hi"})
	if w.Code != http.StatusCreated {
		t.Fatalf("send: status %d body %s", w.Code, w.Body.String())
	}
	var sent struct {
		Message models.MessageView `json:"message"`
	}
	decode(t, w, &sent)
	if sent.Message.Content != "hi" || sent.Message.Read || sent.Message.Sender.Username != "alice" {
		t.Fatalf("unexpected sent message %+v", sent.Message)
	}

	w = env.do(t, "bob", http.MethodGet, path, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list: status %d", w.Code)
	}
	var page struct {
		Messages []models.MessageView `json:"messages"`
	}
	decode(t, w, &page)
	if len(page.Messages) != 1 || page.Messages[0].Content != "hi" {
		t.Fatalf("unexpected history %+v", page.Messages)
	}

	w = env.do(t, "bob", http.MethodPut, "/api/messages/conversations/"+conv.ID+"/read", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("mark read: status %d", w.Code)
	}
	var read struct {
		Message string `json:"message"`
		Count   int    `json:"count"`
	}
	decode(t, w, &read)
	if read.Count != 1 {
		t.Fatalf("expected 1 message marked, got %d", read.Count)
	}

	w = env.do(t, "alice", http.MethodGet, "/api/messages/conversations", nil)
	var list struct {
		Conversations []models.ConversationSummary `json:"conversations"`
	}
	decode(t, w, &list)
	if len(list.Conversations) != 1 {
		t.Fatalf("expected 1 conversation, got %d", len(list.Conversations))
	}
	last := list.Conversations[0].LastMessage
	if last == nil || last.Content != "hi" || !last.Read {
		t.Fatalf("unexpected last message %+v", last)
	}
}

func TestErrorStatuses(t *testing.T) {
	env := newAPIEnv(t)
	conv := env.createConversation(t, "alice", "bob")
	path := "/api/messages/conversations/" + conv.ID + "/messages"

	cases := []struct {
		name   string
		userID string
		method string
		path   string
		body   any
		status int
		kind   string
	}{
		{"outsider lists", "mallory", http.MethodGet, path, nil, http.StatusForbidden, service.KindForbidden},
		{"outsider sends", "mallory", http.MethodPost, path, gin.H{"content": "x"}, http.StatusForbidden, service.KindForbidden},
		{"unknown conversation", "alice", http.MethodGet, "/api/messages/conversations/missing/messages", nil, http.StatusNotFound, service.KindNotFound},
		{"empty message", "alice", http.MethodPost, path, gin.H{"content": "   "}, http.StatusBadRequest, service.KindValidation},
		{"self conversation", "alice", http.MethodPost, "/api/messages/conversations", gin.H{"participantId": "alice"}, http.StatusBadRequest, service.KindValidation},
		{"unknown participant", "alice", http.MethodPost, "/api/messages/conversations", gin.H{"participantId": "nobody"}, http.StatusNotFound, service.KindNotFound},
		{"bad limit", "alice", http.MethodGet, path + "?limit=zero", nil, http.StatusBadRequest, service.KindValidation},
		{"foreign cursor", "alice", http.MethodGet, path + "?before=missing", nil, http.StatusNotFound, service.KindNotFound},
	}

	for _, tc := range cases {
		w := env.do(t, tc.userID, tc.method, tc.path, tc.body)
		if w.Code != tc.status {
			t.Fatalf("%s: expected %d, got %d (%s)", tc.name, tc.status, w.Code, w.Body.String())
		}
		var body struct {
			Error string `json:"error"`
		}
		decode(t, w, &body)
		if body.Error != tc.kind {
			t.Fatalf("%s: expected kind %q, got %q", tc.name, tc.kind, body.Error)
		}
	}
}

func TestPresenceEndpoint(t *testing.T) {
	env := newAPIEnv(t)
	if err := env.tracker.MarkOnline(context.Background(), "bob"); err != nil {
		t.Fatalf("mark online: %v", err)
	}

	w := env.do(t, "alice", http.MethodGet, "/api/messages/presence/bob", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var got models.Presence
	decode(t, w, &got)
	if got.UserID != "bob" || !got.Online || got.LastSeen.IsZero() {
		t.Fatalf("unexpected presence %+v", got)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	env := newAPIEnv(t)

	if w := env.do(t, "", http.MethodGet, "/health", nil); w.Code != http.StatusOK {
		t.Fatalf("health: expected 200, got %d", w.Code)
	}

	w := env.do(t, "", http.MethodGet, "/metrics", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("metrics: expected 200, got %d", w.Code)
	}
	if !bytes.Contains(w.Body.Bytes(), []byte("messaging_active_connections")) {
		t.Fatalf("metrics output missing gauge: %s", w.Body.String())
	}
}
