package integration_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/coauthor-labs/coauthor/backend/internal/auth"
	"github.com/coauthor-labs/coauthor/backend/internal/chat"
	"github.com/coauthor-labs/coauthor/backend/internal/documents"
	"github.com/coauthor-labs/coauthor/backend/internal/presence"
	"github.com/coauthor-labs/coauthor/backend/internal/server"
	"github.com/coauthor-labs/coauthor/backend/internal/users"
)

const (
	signingSecret   = "integration-secret"
	tokenIssuer     = "coauthor-auth"
	tokenAudience   = "coauthor-api"
	jsonContentType = "application/json"
	readTimeout     = 3 * time.Second
)

type wireEvent struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type testBackend struct {
	server     *httptest.Server
	store      *documents.Store
	reconciler *documents.Reconciler
	flusher    *documents.Flusher
}

func newTestBackend(t *testing.T) *testBackend {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&users.User{}, &documents.Document{}, &chat.Message{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	mini := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{Addr: mini.Addr()})
	t.Cleanup(func() { redisClient.Close() })

	directory, err := users.NewDirectory(users.DirectoryConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build directory: %v", err)
	}
	store, err := documents.NewStore(documents.StoreConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	cache, err := documents.NewCache(documents.CacheConfig{Client: redisClient, Store: store})
	if err != nil {
		t.Fatalf("failed to build cache: %v", err)
	}
	reconciler, err := documents.NewReconciler(documents.ReconcilerConfig{Cache: cache})
	if err != nil {
		t.Fatalf("failed to build reconciler: %v", err)
	}
	flusher, err := documents.NewFlusher(documents.FlusherConfig{Reconciler: reconciler, Store: store})
	if err != nil {
		t.Fatalf("failed to build flusher: %v", err)
	}
	chatLog, err := chat.NewLog(chat.LogConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build chat log: %v", err)
	}
	presenceStore, err := presence.NewStore(presence.StoreConfig{Client: redisClient})
	if err != nil {
		t.Fatalf("failed to build presence store: %v", err)
	}
	gateway, err := server.NewGateway(server.GatewayConfig{
		Directory:  directory,
		Cache:      cache,
		Reconciler: reconciler,
		Store:      store,
		ChatLog:    chatLog,
		Presence:   presenceStore,
		Hub:        server.NewHub(),
		Logger:     zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to build gateway: %v", err)
	}

	issuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(signingSecret),
		Issuer:        tokenIssuer,
		Audience:      tokenAudience,
	})

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenManager: issuer,
		Gateway:      gateway,
		Directory:    directory,
		Store:        store,
		ChatLog:      chatLog,
		Logger:       zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}

	testServer := httptest.NewServer(handler)
	t.Cleanup(testServer.Close)

	return &testBackend{server: testServer, store: store, reconciler: reconciler, flusher: flusher}
}

func (b *testBackend) login(t *testing.T, username string) string {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"username": username})
	resp, err := http.Post(b.server.URL+"/auth/login", jsonContentType, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("login request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected login status: %d", resp.StatusCode)
	}
	var result struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode login response: %v", err)
	}
	if result.AccessToken == "" || result.TokenType != "Bearer" {
		t.Fatalf("unexpected login response: %+v", result)
	}
	return result.AccessToken
}

func (b *testBackend) createDocument(t *testing.T, token, title string) int64 {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"title": title})
	req, _ := http.NewRequest(http.MethodPost, b.server.URL+"/documents", bytes.NewReader(body))
	req.Header.Set("Content-Type", jsonContentType)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("create request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("unexpected create status: %d", resp.StatusCode)
	}
	var doc documents.Document
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		t.Fatalf("failed to decode document: %v", err)
	}
	if doc.ID == 0 {
		t.Fatalf("expected assigned document id")
	}
	return doc.ID
}

func (b *testBackend) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(b.server.URL, "http") + "/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendFrame(t *testing.T, conn *websocket.Conn, eventType string, payload interface{}) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("failed to encode payload: %v", err)
	}
	frame, _ := json.Marshal(wireEvent{Type: eventType, Payload: raw})
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("failed to write frame: %v", err)
	}
}

// awaitEvent reads frames until one matches the wanted type; presence and
// roster broadcasts interleave freely with the replies under test.
func awaitEvent(t *testing.T, conn *websocket.Conn, eventType string) wireEvent {
	t.Helper()
	deadline := time.Now().Add(readTimeout)
	for time.Now().Before(deadline) {
		_ = conn.SetReadDeadline(deadline)
		_, frame, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read failed while waiting for %s: %v", eventType, err)
		}
		var event wireEvent
		if err := json.Unmarshal(frame, &event); err != nil {
			t.Fatalf("malformed frame: %v", err)
		}
		if event.Type == eventType {
			return event
		}
	}
	t.Fatalf("timed out waiting for %s", eventType)
	return wireEvent{}
}

func TestCollaborationFlow(t *testing.T) {
	backend := newTestBackend(t)

	aliceToken := backend.login(t, "alice")
	bobToken := backend.login(t, "bob")
	documentID := backend.createDocument(t, aliceToken, "release plan")

	alice := backend.dial(t, aliceToken)
	awaitEvent(t, alice, "authenticated")
	bob := backend.dial(t, bobToken)
	awaitEvent(t, bob, "authenticated")

	sendFrame(t, alice, "joinDocument", map[string]interface{}{"documentId": documentID})
	joined := awaitEvent(t, alice, "documentJoined")
	var aliceBundle struct {
		Document struct {
			ID            int64  `json:"id"`
			Content       string `json:"content"`
			ServerVersion int64  `json:"serverVersion"`
		} `json:"document"`
	}
	if err := json.Unmarshal(joined.Payload, &aliceBundle); err != nil {
		t.Fatalf("failed to decode join bundle: %v", err)
	}
	if aliceBundle.Document.ID != documentID || aliceBundle.Document.ServerVersion != 0 {
		t.Fatalf("unexpected join bundle: %+v", aliceBundle.Document)
	}

	sendFrame(t, bob, "joinDocument", map[string]interface{}{"documentId": documentID})
	awaitEvent(t, bob, "documentJoined")

	// Alice's edit from version 0 wins; Bob sees the update live.
	sendFrame(t, alice, "documentEdit", map[string]interface{}{
		"documentId":    documentID,
		"content":       "hello",
		"clientVersion": 0,
	})
	update := awaitEvent(t, bob, "documentUpdate")
	var applied struct {
		Content string `json:"content"`
		Author  string `json:"author"`
	}
	if err := json.Unmarshal(update.Payload, &applied); err != nil {
		t.Fatalf("failed to decode update: %v", err)
	}
	if applied.Content != "hello" || applied.Author != "alice" {
		t.Fatalf("unexpected live update: %+v", applied)
	}

	// Bob edits from the stale version and is bounced with the latest state.
	sendFrame(t, bob, "documentEdit", map[string]interface{}{
		"documentId":    documentID,
		"content":       "howdy",
		"clientVersion": 0,
	})
	reject := awaitEvent(t, bob, "content:reject")
	var bounced struct {
		Content       string `json:"content"`
		ServerVersion int64  `json:"serverVersion"`
	}
	if err := json.Unmarshal(reject.Payload, &bounced); err != nil {
		t.Fatalf("failed to decode rejection: %v", err)
	}
	if bounced.Content != "hello" || bounced.ServerVersion != 1 {
		t.Fatalf("unexpected rejection: %+v", bounced)
	}

	// Bob retries on the authoritative version and the edit lands.
	sendFrame(t, bob, "documentEdit", map[string]interface{}{
		"documentId":    documentID,
		"content":       "hello howdy",
		"clientVersion": bounced.ServerVersion,
	})
	retried := awaitEvent(t, alice, "documentUpdate")
	if err := json.Unmarshal(retried.Payload, &applied); err != nil {
		t.Fatalf("failed to decode retried update: %v", err)
	}
	if applied.Content != "hello howdy" || applied.Author != "bob" {
		t.Fatalf("unexpected retried update: %+v", applied)
	}

	// Chat echoes to everyone in the room, the sender included.
	sendFrame(t, bob, "sendMessage", map[string]interface{}{
		"documentId": documentID,
		"message":    "shipping it",
	})
	for _, conn := range []*websocket.Conn{alice, bob} {
		chatEvent := awaitEvent(t, conn, "chat:new")
		var message struct {
			Message  string `json:"message"`
			Username string `json:"username"`
		}
		if err := json.Unmarshal(chatEvent.Payload, &message); err != nil {
			t.Fatalf("failed to decode chat message: %v", err)
		}
		if message.Message != "shipping it" || message.Username != "bob" {
			t.Fatalf("unexpected chat message: %+v", message)
		}
	}

	// The write-behind queue lands the newest content durably.
	backend.flusher.FlushOnce(context.Background())
	durable, err := backend.store.Load(context.Background(), documentID)
	if err != nil {
		t.Fatalf("failed to load document: %v", err)
	}
	if durable.Content != "hello howdy" || durable.ServerVersion != 2 {
		t.Fatalf("unexpected durable state: %+v", durable)
	}
	if backend.reconciler.PendingCount() != 0 {
		t.Fatalf("flush must clear the pending queue")
	}

	// Chat history survives over the REST surface as well.
	req, _ := http.NewRequest(http.MethodGet,
		fmt.Sprintf("%s/documents/%d/messages", backend.server.URL, documentID), nil)
	req.Header.Set("Authorization", "Bearer "+aliceToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("history request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected history status: %d", resp.StatusCode)
	}
	var history struct {
		Messages []struct {
			Message string `json:"message"`
		} `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&history); err != nil {
		t.Fatalf("failed to decode history: %v", err)
	}
	if len(history.Messages) != 1 || history.Messages[0].Message != "shipping it" {
		t.Fatalf("unexpected history: %+v", history.Messages)
	}
}

func TestRESTSurfaceAuthorization(t *testing.T) {
	backend := newTestBackend(t)

	body, _ := json.Marshal(map[string]string{"title": "locked"})
	req, _ := http.NewRequest(http.MethodPost, backend.server.URL+"/documents", bytes.NewReader(body))
	req.Header.Set("Content-Type", jsonContentType)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a token, got %d", resp.StatusCode)
	}

	listResp, err := http.Get(backend.server.URL + "/documents")
	if err != nil {
		t.Fatalf("list request failed: %v", err)
	}
	listResp.Body.Close()
	if listResp.StatusCode != http.StatusOK {
		t.Fatalf("document list is public, expected 200, got %d", listResp.StatusCode)
	}
}
