package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coauthor-labs/coauthor/backend/internal/auth"
	"github.com/coauthor-labs/coauthor/backend/internal/chat"
	"github.com/coauthor-labs/coauthor/backend/internal/documents"
	"github.com/coauthor-labs/coauthor/backend/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const userContextKey = "coauthor_user"

var (
	errMissingTokenManager  = errors.New("token manager dependency required")
	errMissingGateway       = errors.New("gateway dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// TokenManager issues and validates session tokens for the HTTP surface.
type TokenManager interface {
	IssueToken(ctx context.Context, claims auth.SessionClaims) (string, int64, error)
	ValidateToken(token string) (auth.SessionClaims, error)
}

// Dependencies wires the HTTP surface to the gateway and its collaborators.
type Dependencies struct {
	TokenManager TokenManager
	Gateway      *Gateway
	Directory    *users.Directory
	Store        *documents.Store
	ChatLog      *chat.Log
	Logger       *zap.Logger
}

// NewHTTPHandler builds the gin router: login, the thin document/chat CRUD
// surface, and the websocket upgrade endpoint.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Gateway == nil {
		return nil, errMissingGateway
	}
	if deps.Directory == nil {
		return nil, errMissingDirectory
	}
	if deps.Store == nil {
		return nil, errMissingStore
	}
	if deps.ChatLog == nil {
		return nil, errMissingChatLog
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:    deps.TokenManager,
		gateway:   deps.Gateway,
		directory: deps.Directory,
		store:     deps.Store,
		chatLog:   deps.ChatLog,
		logger:    logger,
	}

	router.POST("/auth/login", handler.handleLogin)
	router.GET("/ws", handler.handleWebSocket)
	router.GET("/documents", handler.handleListDocuments)
	router.GET("/documents/:id", handler.handleGetDocument)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/documents", handler.handleCreateDocument)
	protected.GET("/documents/:id/messages", handler.handleChatHistory)

	return router, nil
}

type httpHandler struct {
	tokens    TokenManager
	gateway   *Gateway
	directory *users.Directory
	store     *documents.Store
	chatLog   *chat.Log
	logger    *zap.Logger
}

type loginRequestPayload struct {
	Username string `json:"username"`
}

type loginResponsePayload struct {
	AccessToken string     `json:"access_token"`
	ExpiresIn   int64      `json:"expires_in"`
	TokenType   string     `json:"token_type"`
	User        users.User `json:"user"`
}

func (h *httpHandler) handleLogin(c *gin.Context) {
	var request loginRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Username) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	user, err := h.directory.EnsureUser(c.Request.Context(), request.Username)
	if err != nil {
		if errors.Is(err, users.ErrInvalidUsername) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_username"})
			return
		}
		h.logger.Error("failed to resolve user", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "login_failed"})
		return
	}

	token, expiresIn, err := h.tokens.IssueToken(c.Request.Context(), auth.SessionClaims{
		UserID:   user.ID,
		Username: user.Username,
	})
	if err != nil {
		h.logger.Error("failed to issue token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, loginResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
		User:        user,
	})
}

func (h *httpHandler) handleWebSocket(c *gin.Context) {
	preAuthUsername := ""
	if token := strings.TrimSpace(c.Query("token")); token != "" {
		claims, err := h.tokens.ValidateToken(token)
		if err != nil {
			h.logger.Warn("websocket token validation failed", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		preAuthUsername = claims.Username
	}
	h.gateway.ServeWS(c.Writer, c.Request, preAuthUsername)
}

func (h *httpHandler) handleListDocuments(c *gin.Context) {
	docs, err := h.gateway.ListDocuments(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to list documents", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"documents": docs})
}

func (h *httpHandler) handleGetDocument(c *gin.Context) {
	documentID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_document_id"})
		return
	}

	snapshot, err := h.gateway.GetDocument(c.Request.Context(), documentID)
	if err != nil {
		if errors.Is(err, documents.ErrDocumentNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "document_not_found"})
			return
		}
		h.logger.Error("failed to load document", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load_failed"})
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

type createDocumentRequestPayload struct {
	Title string `json:"title"`
}

func (h *httpHandler) handleCreateDocument(c *gin.Context) {
	claims, ok := c.MustGet(userContextKey).(auth.SessionClaims)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var request createDocumentRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Title) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	doc, err := h.store.Create(c.Request.Context(), strings.TrimSpace(request.Title), claims.UserID, claims.Username)
	if err != nil {
		h.logger.Error("failed to create document", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create_failed"})
		return
	}

	h.gateway.Hub().BroadcastAll(newDocumentsUpdatedEvent())
	c.JSON(http.StatusCreated, doc)
}

func (h *httpHandler) handleChatHistory(c *gin.Context) {
	documentID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_document_id"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))

	messages, err := h.chatLog.List(c.Request.Context(), documentID, limit)
	if err != nil {
		h.logger.Error("failed to load chat history", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "history_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	claims, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userContextKey, claims)
	c.Next()
}
