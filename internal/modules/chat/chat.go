// Package chat relays chat messages and typing indicators between the
// members of a chat room. Messages are not persisted.
package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/remote-agent-terminal/gateway/internal/model"
	"github.com/remote-agent-terminal/gateway/internal/realtime"
	"github.com/rs/zerolog/log"
)

const (
	EventJoin    = "join_chat"
	EventJoined  = "joined_chat"
	EventLeave   = "leave_chat"
	EventLeft    = "left_chat"
	EventMessage = "chat:message"
	EventTyping  = "chat:typing"
	EventError   = "chat:error"
)

const (
	errNotAuthenticated = "not authenticated"
	errAccessDenied     = "chat not found or access denied"
)

// Access decides whether a user may take part in a chat. A nil Access lets
// every authenticated user in.
type Access interface {
	CanJoin(ctx context.Context, userID, chatID string) (bool, error)
}

type chatPayload struct {
	ChatID string `json:"chatId"`
}

type messagePayload struct {
	ChatID      string          `json:"chatId"`
	Content     string          `json:"content"`
	MessageType string          `json:"messageType"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
}

type typingPayload struct {
	ChatID   string `json:"chatId"`
	IsTyping bool   `json:"isTyping"`
}

// Message is a relayed chat message.
type Message struct {
	ID          string             `json:"id"`
	ChatID      string             `json:"chatId"`
	Sender      model.PresenceUser `json:"sender"`
	Content     string             `json:"content"`
	MessageType string             `json:"messageType"`
	Metadata    json.RawMessage    `json:"metadata,omitempty"`
	SentAt      time.Time          `json:"sentAt"`
}

// Typing is relayed to the other members of a chat.
type Typing struct {
	ChatID   string `json:"chatId"`
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
	IsTyping bool   `json:"isTyping"`
}

// RoomOf returns the room of a chat.
func RoomOf(chatID string) string { return "chat-" + chatID }

// UserRoomOf returns the personal room every connection of a user joins.
func UserRoomOf(userID string) string { return "user-" + userID }

type Module struct {
	realtime.Base
	access Access
	now    func() time.Time
}

func NewModule(deps realtime.Deps, access Access) *Module {
	return &Module{Base: realtime.NewBase(deps), access: access, now: time.Now}
}

func (m *Module) Name() string { return "chat" }

func (m *Module) OnConnection(conn *realtime.Connection) {
	if u := conn.User(); u != nil {
		m.Rooms.Join(conn.ID(), UserRoomOf(u.ID))
	}
	m.On(conn, EventJoin, m.authenticated(m.handleJoin))
	m.On(conn, EventLeave, m.authenticated(m.handleLeave))
	m.On(conn, EventMessage, m.authenticated(m.handleMessage))
	m.On(conn, EventTyping, m.handleTyping)
}

// Notify sends an event to every connection of a user.
func (m *Module) Notify(userID, event string, payload any) {
	m.Emitter.EmitToRoom(UserRoomOf(userID), event, payload)
}

func (m *Module) authenticated(h realtime.Handler) realtime.Handler {
	return func(ctx context.Context, conn *realtime.Connection, data json.RawMessage) error {
		if conn.IsAnonymous() {
			m.fail(conn, errNotAuthenticated)
			return nil
		}
		return h(ctx, conn, data)
	}
}

func (m *Module) fail(conn *realtime.Connection, msg string) {
	m.Emitter.EmitToConnection(conn.ID(), EventError, msg)
}

// decodeChatID accepts either a bare chat id string or {chatId}.
func decodeChatID(data json.RawMessage) string {
	var id string
	if err := json.Unmarshal(data, &id); err == nil {
		return id
	}
	var p chatPayload
	if err := json.Unmarshal(data, &p); err == nil {
		return p.ChatID
	}
	return ""
}

func (m *Module) handleJoin(ctx context.Context, conn *realtime.Connection, data json.RawMessage) error {
	chatID := decodeChatID(data)
	if chatID == "" {
		m.fail(conn, "chatId is required")
		return nil
	}
	if m.access != nil {
		ok, err := m.access.CanJoin(ctx, conn.User().ID, chatID)
		if err != nil {
			m.fail(conn, "failed to join chat")
			return fmt.Errorf("check chat access: %w", err)
		}
		if !ok {
			m.fail(conn, errAccessDenied)
			return nil
		}
	}

	m.Rooms.Join(conn.ID(), RoomOf(chatID))
	m.Emitter.EmitToConnection(conn.ID(), EventJoined, chatPayload{ChatID: chatID})
	log.Debug().Str("module", "chat").Str("user", conn.User().ID).Str("chat", chatID).Msg("joined chat")
	return nil
}

func (m *Module) handleLeave(ctx context.Context, conn *realtime.Connection, data json.RawMessage) error {
	chatID := decodeChatID(data)
	if chatID == "" {
		return nil
	}
	m.Rooms.Leave(conn.ID(), RoomOf(chatID))
	m.Emitter.EmitToConnection(conn.ID(), EventLeft, chatPayload{ChatID: chatID})
	return nil
}

func (m *Module) handleMessage(ctx context.Context, conn *realtime.Connection, data json.RawMessage) error {
	var p messagePayload
	if err := json.Unmarshal(data, &p); err != nil {
		m.fail(conn, "invalid message")
		return fmt.Errorf("invalid %s payload: %w", EventMessage, err)
	}
	room := RoomOf(p.ChatID)
	if p.ChatID == "" || !m.Rooms.IsInRoom(conn.ID(), room) {
		m.fail(conn, errAccessDenied)
		return nil
	}
	if strings.TrimSpace(p.Content) == "" {
		m.fail(conn, "message content is required")
		return nil
	}
	if p.MessageType == "" {
		p.MessageType = "text"
	}

	m.Emitter.EmitToRoom(room, EventMessage, Message{
		ID:          uuid.NewString(),
		ChatID:      p.ChatID,
		Sender:      model.PresenceOf(conn.User(), conn.ID()),
		Content:     p.Content,
		MessageType: p.MessageType,
		Metadata:    p.Metadata,
		SentAt:      m.now().UTC(),
	})
	return nil
}

// handleTyping relays typing state to the rest of the chat. Anonymous
// connections and non-members are ignored.
func (m *Module) handleTyping(ctx context.Context, conn *realtime.Connection, data json.RawMessage) error {
	if conn.IsAnonymous() {
		return nil
	}
	var p typingPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("invalid %s payload: %w", EventTyping, err)
	}
	room := RoomOf(p.ChatID)
	if p.ChatID == "" || !m.Rooms.IsInRoom(conn.ID(), room) {
		return nil
	}
	u := conn.User()
	m.Emitter.EmitToRoomExcept(room, conn.ID(), EventTyping, Typing{
		ChatID:   p.ChatID,
		UserID:   u.ID,
		UserName: u.DisplayName(),
		IsTyping: p.IsTyping,
	})
	return nil
}
