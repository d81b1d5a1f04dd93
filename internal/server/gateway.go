package server

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/coauthor-labs/coauthor/backend/internal/chat"
	"github.com/coauthor-labs/coauthor/backend/internal/documents"
	"github.com/coauthor-labs/coauthor/backend/internal/presence"
	"github.com/coauthor-labs/coauthor/backend/internal/users"
	"go.uber.org/zap"
)

var (
	errMissingDirectory  = errors.New("user directory dependency required")
	errMissingCache      = errors.New("document cache dependency required")
	errMissingReconciler = errors.New("edit reconciler dependency required")
	errMissingStore      = errors.New("document store dependency required")
	errMissingChatLog    = errors.New("chat log dependency required")
	errMissingPresence   = errors.New("presence store dependency required")
	errMissingHub        = errors.New("hub dependency required")
)

// GatewayConfig describes the collaborators the gateway routes between.
type GatewayConfig struct {
	Directory  *users.Directory
	Cache      *documents.Cache
	Reconciler *documents.Reconciler
	Store      *documents.Store
	ChatLog    *chat.Log
	Presence   *presence.Store
	Hub        *Hub
	Logger     *zap.Logger
}

// Gateway is the connection/event router. Each session walks
// Unauthenticated -> Authenticated -> joined-document, and every inbound
// event is validated, dispatched to the owning component, and answered with
// outbound events; a single connection's failure never leaks into another
// connection's state.
type Gateway struct {
	directory  *users.Directory
	cache      *documents.Cache
	reconciler *documents.Reconciler
	store      *documents.Store
	chatLog    *chat.Log
	presence   *presence.Store
	hub        *Hub
	logger     *zap.Logger
}

// NewGateway validates dependencies and constructs the gateway.
func NewGateway(cfg GatewayConfig) (*Gateway, error) {
	if cfg.Directory == nil {
		return nil, errMissingDirectory
	}
	if cfg.Cache == nil {
		return nil, errMissingCache
	}
	if cfg.Reconciler == nil {
		return nil, errMissingReconciler
	}
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.ChatLog == nil {
		return nil, errMissingChatLog
	}
	if cfg.Presence == nil {
		return nil, errMissingPresence
	}
	if cfg.Hub == nil {
		return nil, errMissingHub
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		directory:  cfg.Directory,
		cache:      cfg.Cache,
		reconciler: cfg.Reconciler,
		store:      cfg.Store,
		chatLog:    cfg.ChatLog,
		presence:   cfg.Presence,
		hub:        cfg.Hub,
		logger:     logger,
	}, nil
}

// Hub exposes the broadcast registry for the transport layer.
func (g *Gateway) Hub() *Hub {
	return g.hub
}

// HandleFrame decodes one raw client frame into a typed event and dispatches
// it. Malformed frames earn the sender an error event; nobody else sees them.
func (g *Gateway) HandleFrame(ctx context.Context, session *Session, frame []byte) {
	var event InboundEvent
	if err := json.Unmarshal(frame, &event); err != nil {
		deliver(session, newErrorEvent("malformed event"))
		return
	}
	g.HandleEvent(ctx, session, event)
}

// HandleEvent routes a decoded inbound event to its handler.
func (g *Gateway) HandleEvent(ctx context.Context, session *Session, event InboundEvent) {
	switch event.Type {
	case EventAuthenticate:
		var payload AuthenticatePayload
		if err := decodePayload(event, &payload); err != nil {
			deliver(session, newAuthErrorEvent("invalid authenticate payload"))
			return
		}
		g.handleAuthenticate(ctx, session, payload)
	case EventCreateDocument:
		var payload CreateDocumentPayload
		if err := decodePayload(event, &payload); err != nil {
			deliver(session, newErrorEvent("invalid createDocument payload"))
			return
		}
		g.handleCreateDocument(ctx, session, payload)
	case EventListDocuments:
		g.handleListDocuments(ctx, session)
	case EventJoinDocument:
		var payload JoinDocumentPayload
		if err := decodePayload(event, &payload); err != nil {
			deliver(session, newErrorEvent("invalid joinDocument payload"))
			return
		}
		g.handleJoinDocument(ctx, session, payload)
	case EventEditDocument:
		var payload EditDocumentPayload
		if err := decodePayload(event, &payload); err != nil {
			deliver(session, newErrorEvent("invalid documentEdit payload"))
			return
		}
		g.handleEditDocument(ctx, session, payload)
	case EventSendMessage:
		var payload SendMessagePayload
		if err := decodePayload(event, &payload); err != nil {
			deliver(session, newErrorEvent("invalid sendMessage payload"))
			return
		}
		g.handleSendMessage(ctx, session, payload)
	default:
		deliver(session, newErrorEvent("unknown event: "+event.Type))
	}
}

// Authenticate resolves-or-creates the user, binds the identity to the
// session, and announces the refreshed online set to everyone. Failures go
// to the caller only; the connection stays usable for a retry.
func (g *Gateway) Authenticate(ctx context.Context, session *Session, username string) error {
	user, err := g.directory.EnsureUser(ctx, username)
	if err != nil {
		g.logger.Warn("authentication failed",
			zap.String("session_id", session.id),
			zap.String("username", username),
			zap.Error(err))
		deliver(session, newAuthErrorEvent("authentication failed"))
		return err
	}

	session.authenticated = true
	session.userID = user.ID
	session.username = user.Username

	if err := g.presence.AddActiveUser(ctx, user.Username); err != nil {
		g.logger.Warn("active presence update failed",
			zap.String("username", user.Username), zap.Error(err))
	}
	g.broadcastActiveUsers(ctx)
	deliver(session, newAuthenticatedEvent(user))
	return nil
}

func (g *Gateway) handleAuthenticate(ctx context.Context, session *Session, payload AuthenticatePayload) {
	_ = g.Authenticate(ctx, session, payload.Username)
}

func (g *Gateway) handleCreateDocument(ctx context.Context, session *Session, payload CreateDocumentPayload) {
	if !session.authenticated {
		deliver(session, newErrorEvent("not authenticated"))
		return
	}
	doc, err := g.store.Create(ctx, payload.Title, session.userID, session.username)
	if err != nil {
		deliver(session, newErrorEvent("failed to create document"))
		return
	}
	deliver(session, newDocumentCreatedEvent(doc))
	g.hub.BroadcastAll(newDocumentsUpdatedEvent())
}

func (g *Gateway) handleListDocuments(ctx context.Context, session *Session) {
	docs, err := g.ListDocuments(ctx)
	if err != nil {
		deliver(session, newErrorEvent("failed to fetch documents"))
		return
	}
	deliver(session, newDocumentsEvent(docs))
}

// GetDocument returns the live snapshot for one document, cache first.
func (g *Gateway) GetDocument(ctx context.Context, documentID int64) (documents.Snapshot, error) {
	return g.cache.Get(ctx, documentID)
}

// ListDocuments returns the document list enriched with live presence counts.
func (g *Gateway) ListDocuments(ctx context.Context) ([]documents.ListedDocument, error) {
	docs, err := g.store.List(ctx)
	if err != nil {
		return nil, err
	}
	for i := range docs {
		count, err := g.presence.GetDocumentUserCount(ctx, docs[i].ID)
		if err != nil {
			g.logger.Warn("presence count lookup failed",
				zap.Int64("document_id", docs[i].ID), zap.Error(err))
			continue
		}
		docs[i].ActiveCount = count
	}
	return docs, nil
}

// handleJoinDocument pulls the join bundle (snapshot, chat history,
// presence, cursors) for the joining session and tells the rest of the room
// who arrived. Unauthenticated joins are a silent no-op.
func (g *Gateway) handleJoinDocument(ctx context.Context, session *Session, payload JoinDocumentPayload) {
	if !session.authenticated {
		return
	}

	if session.documentID != 0 && session.documentID != payload.DocumentID {
		g.leaveDocument(ctx, session, session.documentID)
	}

	// Enter the broadcast group before reading the snapshot. An edit accepted
	// while the read is in flight then reaches this session as a live update,
	// so the joiner always sees it in the bundle or right after it.
	g.hub.JoinRoom(payload.DocumentID, session)
	session.documentID = payload.DocumentID

	snapshot, err := g.cache.Get(ctx, payload.DocumentID)
	if err != nil {
		g.hub.LeaveRoom(payload.DocumentID, session)
		session.documentID = 0
		if errors.Is(err, documents.ErrDocumentNotFound) {
			deliver(session, newErrorEvent("document not found"))
			return
		}
		deliver(session, newErrorEvent("failed to join document"))
		return
	}

	if err := g.presence.AddUserToDocument(ctx, payload.DocumentID, session.username); err != nil {
		g.logger.Warn("document presence update failed",
			zap.Int64("document_id", payload.DocumentID),
			zap.String("username", session.username),
			zap.Error(err))
	}

	messages, err := g.chatLog.List(ctx, payload.DocumentID, 0)
	if err != nil {
		// A failed join must not leave the session half inside the room.
		g.leaveDocument(ctx, session, payload.DocumentID)
		deliver(session, newErrorEvent("failed to load chat history"))
		return
	}
	members, err := g.presence.GetDocumentUsers(ctx, payload.DocumentID)
	if err != nil {
		g.logger.Warn("document presence read failed",
			zap.Int64("document_id", payload.DocumentID), zap.Error(err))
	}
	cursors, err := g.presence.GetDocumentCursors(ctx, payload.DocumentID)
	if err != nil {
		g.logger.Warn("cursor read failed",
			zap.Int64("document_id", payload.DocumentID), zap.Error(err))
	}

	deliver(session, newDocumentJoinedEvent(snapshot, messages, members, cursors))
	g.hub.BroadcastRoomExcept(payload.DocumentID, session.id,
		newPresenceUpdateEvent(payload.DocumentID, members))
}

// handleEditDocument delegates the version check to the reconciler. Accepted
// edits fan out to everyone else in the room; the sender already holds the
// authoritative state and needs no echo. Rejections return the latest
// content to the sender alone so it can resync. A cursor riding along is
// refreshed and echoed to the whole room, sender included.
func (g *Gateway) handleEditDocument(ctx context.Context, session *Session, payload EditDocumentPayload) {
	if !session.authenticated || session.documentID != payload.DocumentID {
		return
	}

	outcome, err := g.reconciler.ApplyEdit(ctx, payload.DocumentID, payload.Content, payload.ClientVersion)
	if err != nil {
		if errors.Is(err, documents.ErrDocumentNotFound) {
			deliver(session, newErrorEvent("document not found"))
			return
		}
		deliver(session, newErrorEvent("edit not applied, retry"))
		return
	}

	if outcome.Accepted {
		g.hub.BroadcastRoomExcept(payload.DocumentID, session.id,
			newDocumentUpdateEvent(payload.DocumentID, outcome.LatestContent, session.username))
	} else {
		deliver(session, newContentRejectEvent(payload.DocumentID, outcome.LatestContent, outcome.ServerVersion))
	}

	if payload.Cursor != nil {
		if err := g.presence.UpdateCursor(ctx, payload.DocumentID, session.username, *payload.Cursor); err != nil {
			g.logger.Warn("cursor update failed",
				zap.Int64("document_id", payload.DocumentID),
				zap.String("username", session.username),
				zap.Error(err))
			return
		}
		cursors, err := g.presence.GetDocumentCursors(ctx, payload.DocumentID)
		if err != nil {
			g.logger.Warn("cursor read failed",
				zap.Int64("document_id", payload.DocumentID), zap.Error(err))
			return
		}
		g.hub.BroadcastRoom(payload.DocumentID, newCursorsUpdateEvent(payload.DocumentID, cursors))
	}
}

// handleSendMessage appends to the chat log and echoes to the whole room,
// sender included, confirming delivery and ordering.
func (g *Gateway) handleSendMessage(ctx context.Context, session *Session, payload SendMessagePayload) {
	if !session.authenticated || session.documentID != payload.DocumentID {
		return
	}

	message, err := g.chatLog.Append(ctx, payload.DocumentID, session.userID, session.username, payload.Message)
	if err != nil {
		if errors.Is(err, chat.ErrEmptyMessage) {
			deliver(session, newErrorEvent("empty message"))
			return
		}
		deliver(session, newErrorEvent("failed to send message"))
		return
	}
	g.hub.BroadcastRoom(payload.DocumentID, newChatNewEvent(message))
}

// HandleDisconnect tears down the session: presence leaves every joined
// document via the reverse index, affected rooms learn about it, and the
// global online set is re-announced.
func (g *Gateway) HandleDisconnect(ctx context.Context, session *Session) {
	if session.authenticated {
		affected, err := g.presence.CleanupUser(ctx, session.username)
		if err != nil {
			g.logger.Warn("presence cleanup incomplete",
				zap.String("username", session.username), zap.Error(err))
		}
		for _, documentID := range affected {
			members, err := g.presence.GetDocumentUsers(ctx, documentID)
			if err != nil {
				continue
			}
			g.hub.BroadcastRoomExcept(documentID, session.id,
				newPresenceUpdateEvent(documentID, members))
		}
	}
	g.hub.Unregister(session)
	if session.authenticated {
		g.broadcastActiveUsers(ctx)
	}
}

func (g *Gateway) leaveDocument(ctx context.Context, session *Session, documentID int64) {
	g.hub.LeaveRoom(documentID, session)
	session.documentID = 0
	if err := g.presence.RemoveUserFromDocument(ctx, documentID, session.username); err != nil {
		g.logger.Warn("document presence removal failed",
			zap.Int64("document_id", documentID),
			zap.String("username", session.username),
			zap.Error(err))
	}
	members, err := g.presence.GetDocumentUsers(ctx, documentID)
	if err != nil {
		return
	}
	g.hub.BroadcastRoom(documentID, newPresenceUpdateEvent(documentID, members))
}

func (g *Gateway) broadcastActiveUsers(ctx context.Context) {
	active, err := g.presence.GetActiveUsers(ctx)
	if err != nil {
		g.logger.Warn("active users read failed", zap.Error(err))
		return
	}
	g.hub.BroadcastAll(newActiveUsersEvent(active))
}
