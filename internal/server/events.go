package server

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/coauthor-labs/coauthor/backend/internal/chat"
	"github.com/coauthor-labs/coauthor/backend/internal/documents"
	"github.com/coauthor-labs/coauthor/backend/internal/presence"
	"github.com/coauthor-labs/coauthor/backend/internal/users"
)

// Inbound event names accepted at the gateway boundary.
const (
	EventAuthenticate   = "authenticate"
	EventCreateDocument = "createDocument"
	EventListDocuments  = "getDocuments"
	EventJoinDocument   = "joinDocument"
	EventEditDocument   = "documentEdit"
	EventSendMessage    = "sendMessage"
)

// Outbound event names emitted to clients.
const (
	EventAuthenticated    = "authenticated"
	EventAuthError        = "auth:error"
	EventDocumentCreated  = "documentCreated"
	EventDocuments        = "documents"
	EventDocumentsUpdated = "documents:updated"
	EventDocumentJoined   = "documentJoined"
	EventDocumentUpdate   = "documentUpdate"
	EventContentReject    = "content:reject"
	EventActiveUsers      = "activeUsers"
	EventPresenceUpdate   = "presence:update"
	EventCursorsUpdate    = "cursorsUpdate"
	EventChatNew          = "chat:new"
	EventError            = "error"
)

// ErrInvalidPayload indicates an inbound payload that fails schema validation.
var ErrInvalidPayload = errors.New("server: invalid payload")

// InboundEvent is the tagged envelope every client frame must decode into.
// Payloads are validated against the per-event schema before dispatch.
type InboundEvent struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// AuthenticatePayload carries the authenticate event body.
type AuthenticatePayload struct {
	Username string `json:"username"`
}

// CreateDocumentPayload carries the createDocument event body.
type CreateDocumentPayload struct {
	Title string `json:"title"`
}

// JoinDocumentPayload carries the joinDocument event body.
type JoinDocumentPayload struct {
	DocumentID int64 `json:"documentId"`
}

// EditDocumentPayload carries the documentEdit event body. Cursor is
// optional; when present it rides along with the edit.
type EditDocumentPayload struct {
	DocumentID    int64                    `json:"documentId"`
	Content       string                   `json:"content"`
	ClientVersion int64                    `json:"clientVersion"`
	Cursor        *presence.CursorPosition `json:"cursor,omitempty"`
}

// SendMessagePayload carries the sendMessage event body.
type SendMessagePayload struct {
	DocumentID int64  `json:"documentId"`
	Message    string `json:"message"`
}

func decodePayload(event InboundEvent, target interface{}) error {
	if len(event.Payload) == 0 {
		return fmt.Errorf("%w: %s: missing payload", ErrInvalidPayload, event.Type)
	}
	if err := json.Unmarshal(event.Payload, target); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, event.Type, err)
	}
	return nil
}

// OutboundEvent is the tagged envelope written to clients.
type OutboundEvent struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

type authenticatedPayload struct {
	User users.User `json:"user"`
}

type errorPayload struct {
	Message string `json:"message"`
}

type documentJoinedPayload struct {
	Document documents.Snapshot `json:"document"`
	Messages []chat.Message     `json:"messages"`
	Users    []string           `json:"users"`
	Cursors  []presence.Cursor  `json:"cursors"`
}

type documentUpdatePayload struct {
	DocumentID int64  `json:"documentId"`
	Content    string `json:"content"`
	Author     string `json:"author"`
}

type contentRejectPayload struct {
	DocumentID    int64  `json:"documentId"`
	Content       string `json:"content"`
	ServerVersion int64  `json:"serverVersion"`
}

type presenceUpdatePayload struct {
	DocumentID int64    `json:"documentId"`
	Users      []string `json:"users"`
}

type cursorsUpdatePayload struct {
	DocumentID int64             `json:"documentId"`
	Cursors    []presence.Cursor `json:"cursors"`
}

func newAuthenticatedEvent(user users.User) OutboundEvent {
	return OutboundEvent{Type: EventAuthenticated, Payload: authenticatedPayload{User: user}}
}

func newAuthErrorEvent(message string) OutboundEvent {
	return OutboundEvent{Type: EventAuthError, Payload: errorPayload{Message: message}}
}

func newErrorEvent(message string) OutboundEvent {
	return OutboundEvent{Type: EventError, Payload: errorPayload{Message: message}}
}

func newDocumentCreatedEvent(doc documents.Document) OutboundEvent {
	return OutboundEvent{Type: EventDocumentCreated, Payload: doc}
}

func newDocumentsEvent(docs []documents.ListedDocument) OutboundEvent {
	return OutboundEvent{Type: EventDocuments, Payload: docs}
}

func newDocumentsUpdatedEvent() OutboundEvent {
	return OutboundEvent{Type: EventDocumentsUpdated}
}

func newDocumentJoinedEvent(doc documents.Snapshot, messages []chat.Message, members []string, cursors []presence.Cursor) OutboundEvent {
	return OutboundEvent{Type: EventDocumentJoined, Payload: documentJoinedPayload{
		Document: doc,
		Messages: messages,
		Users:    members,
		Cursors:  cursors,
	}}
}

func newDocumentUpdateEvent(documentID int64, content, author string) OutboundEvent {
	return OutboundEvent{Type: EventDocumentUpdate, Payload: documentUpdatePayload{
		DocumentID: documentID,
		Content:    content,
		Author:     author,
	}}
}

func newContentRejectEvent(documentID int64, content string, serverVersion int64) OutboundEvent {
	return OutboundEvent{Type: EventContentReject, Payload: contentRejectPayload{
		DocumentID:    documentID,
		Content:       content,
		ServerVersion: serverVersion,
	}}
}

func newActiveUsersEvent(usernames []string) OutboundEvent {
	return OutboundEvent{Type: EventActiveUsers, Payload: usernames}
}

func newPresenceUpdateEvent(documentID int64, members []string) OutboundEvent {
	return OutboundEvent{Type: EventPresenceUpdate, Payload: presenceUpdatePayload{
		DocumentID: documentID,
		Users:      members,
	}}
}

func newCursorsUpdateEvent(documentID int64, cursors []presence.Cursor) OutboundEvent {
	return OutboundEvent{Type: EventCursorsUpdate, Payload: cursorsUpdatePayload{
		DocumentID: documentID,
		Cursors:    cursors,
	}}
}

func newChatNewEvent(message chat.Message) OutboundEvent {
	return OutboundEvent{Type: EventChatNew, Payload: message}
}
