package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/coauthor-labs/coauthor/backend/internal/auth"
)

func newTestHandler(t *testing.T) (http.Handler, *auth.TokenIssuer) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	gateway, _, _ := newTestGateway(t)
	issuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("router-secret"),
		Issuer:        "coauthor-auth",
		Audience:      "coauthor-api",
	})
	handler, err := NewHTTPHandler(Dependencies{
		TokenManager: issuer,
		Gateway:      gateway,
		Directory:    gateway.directory,
		Store:        gateway.store,
		ChatLog:      gateway.chatLog,
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}
	return handler, issuer
}

func performJSON(t *testing.T, handler http.Handler, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Content-Type", "application/json")
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	return recorder
}

func TestLoginIssuesBearerToken(t *testing.T) {
	handler, _ := newTestHandler(t)

	recorder := performJSON(t, handler, http.MethodPost, "/auth/login", "", map[string]string{"username": "alice"})
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", recorder.Code)
	}

	var response struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
		ExpiresIn   int64  `json:"expires_in"`
		User        struct {
			Username string `json:"username"`
		} `json:"user"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if response.AccessToken == "" || response.TokenType != "Bearer" || response.ExpiresIn <= 0 {
		t.Fatalf("unexpected token response: %+v", response)
	}
	if response.User.Username != "alice" {
		t.Fatalf("unexpected user in response: %+v", response.User)
	}
}

func TestLoginRejectsBlankUsername(t *testing.T) {
	handler, _ := newTestHandler(t)

	recorder := performJSON(t, handler, http.MethodPost, "/auth/login", "", map[string]string{"username": "   "})
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for blank username, got %d", recorder.Code)
	}
}

func TestProtectedRoutesRequireValidBearer(t *testing.T) {
	handler, _ := newTestHandler(t)

	recorder := performJSON(t, handler, http.MethodPost, "/documents", "", map[string]string{"title": "locked"})
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", recorder.Code)
	}

	recorder = performJSON(t, handler, http.MethodPost, "/documents", "not-a-jwt", map[string]string{"title": "locked"})
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for garbage token, got %d", recorder.Code)
	}
}

func TestCreateDocumentOverREST(t *testing.T) {
	handler, issuer := newTestHandler(t)

	token, _, err := issuer.IssueToken(context.Background(), auth.SessionClaims{UserID: 1, Username: "alice"})
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}

	recorder := performJSON(t, handler, http.MethodPost, "/documents", token, map[string]string{"title": "roadmap"})
	if recorder.Code != http.StatusCreated {
		t.Fatalf("unexpected status: %d body: %s", recorder.Code, recorder.Body.String())
	}

	var doc struct {
		ID                int64  `json:"id"`
		Title             string `json:"title"`
		ServerVersion     int64  `json:"serverVersion"`
		CreatedByUsername string `json:"createdByUsername"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &doc); err != nil {
		t.Fatalf("failed to decode document: %v", err)
	}
	if doc.ID == 0 || doc.Title != "roadmap" || doc.ServerVersion != 0 || doc.CreatedByUsername != "alice" {
		t.Fatalf("unexpected created document: %+v", doc)
	}

	recorder = performJSON(t, handler, http.MethodPost, "/documents", token, map[string]string{"title": "  "})
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for blank title, got %d", recorder.Code)
	}
}

func TestPublicDocumentList(t *testing.T) {
	handler, _ := newTestHandler(t)

	recorder := performJSON(t, handler, http.MethodGet, "/documents", "", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", recorder.Code)
	}
}

func TestGetDocumentReturnsLiveSnapshot(t *testing.T) {
	handler, issuer := newTestHandler(t)

	token, _, err := issuer.IssueToken(context.Background(), auth.SessionClaims{UserID: 1, Username: "alice"})
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	recorder := performJSON(t, handler, http.MethodPost, "/documents", token, map[string]string{"title": "roadmap"})
	if recorder.Code != http.StatusCreated {
		t.Fatalf("unexpected create status: %d", recorder.Code)
	}
	var created struct {
		ID int64 `json:"id"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &created); err != nil {
		t.Fatalf("failed to decode document: %v", err)
	}

	recorder = performJSON(t, handler, http.MethodGet, fmt.Sprintf("/documents/%d", created.ID), "", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d body: %s", recorder.Code, recorder.Body.String())
	}
	var snapshot struct {
		ID            int64  `json:"id"`
		Title         string `json:"title"`
		Content       string `json:"content"`
		ServerVersion int64  `json:"serverVersion"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &snapshot); err != nil {
		t.Fatalf("failed to decode snapshot: %v", err)
	}
	if snapshot.ID != created.ID || snapshot.Title != "roadmap" || snapshot.ServerVersion != 0 {
		t.Fatalf("unexpected snapshot: %+v", snapshot)
	}

	recorder = performJSON(t, handler, http.MethodGet, "/documents/404", "", nil)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown document, got %d", recorder.Code)
	}
	recorder = performJSON(t, handler, http.MethodGet, "/documents/not-a-number", "", nil)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed id, got %d", recorder.Code)
	}
}

func TestChatHistoryValidatesDocumentID(t *testing.T) {
	handler, issuer := newTestHandler(t)

	token, _, err := issuer.IssueToken(context.Background(), auth.SessionClaims{UserID: 1, Username: "alice"})
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}

	recorder := performJSON(t, handler, http.MethodGet, "/documents/not-a-number/messages", token, nil)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed id, got %d", recorder.Code)
	}

	recorder = performJSON(t, handler, http.MethodGet, "/documents/1/messages", token, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200 for empty history, got %d", recorder.Code)
	}
}
