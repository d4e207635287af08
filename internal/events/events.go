// Package events defines the live-channel wire protocol. Every frame is a JSON
// object {"type": ..., "data": {...}}; each type maps to exactly one Go struct.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"metachat/messaging-service/internal/models"
)

const (
	TypeSendMessage = "send_message"
	TypeTyping      = "typing"
	TypeStopTyping  = "stop_typing"
	TypeMarkRead    = "mark_read"

	TypeConnected      = "connected"
	TypeNewMessage     = "new_message"
	TypeUserTyping     = "user_typing"
	TypeUserStopTyping = "user_stop_typing"
	TypeMessagesRead   = "messages_read"
	TypeError          = "error"
)

var (
	ErrMalformed   = errors.New("events: malformed frame")
	ErrUnknownType = errors.New("events: unknown event type")
)

type Frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Inbound is a validated client event.
type Inbound interface {
	EventType() string
	Conversation() string
}

type SendMessage struct {
	ConversationID string `json:"conversationId"`
	Content        string `json:"content,omitempty"`
	Media          string `json:"media,omitempty"`
	MediaType      string `json:"mediaType,omitempty"`
}

type Typing struct {
	ConversationID string `json:"conversationId"`
}

type StopTyping struct {
	ConversationID string `json:"conversationId"`
}

type MarkRead struct {
	ConversationID string `json:"conversationId"`
}

func (e SendMessage) EventType() string    { return TypeSendMessage }
func (e SendMessage) Conversation() string { return e.ConversationID }
func (e Typing) EventType() string         { return TypeTyping }
func (e Typing) Conversation() string      { return e.ConversationID }
func (e StopTyping) EventType() string     { return TypeStopTyping }
func (e StopTyping) Conversation() string  { return e.ConversationID }
func (e MarkRead) EventType() string       { return TypeMarkRead }
func (e MarkRead) Conversation() string    { return e.ConversationID }

// Decode parses and validates one inbound frame. Only structural checks
// happen here; authorization is left to the dispatcher.
func Decode(raw []byte) (Inbound, error) {
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var ev Inbound
	switch frame.Type {
	case TypeSendMessage:
		var e SendMessage
		if err := decodeData(frame.Data, &e); err != nil {
			return nil, err
		}
		ev = e
	case TypeTyping:
		var e Typing
		if err := decodeData(frame.Data, &e); err != nil {
			return nil, err
		}
		ev = e
	case TypeStopTyping:
		var e StopTyping
		if err := decodeData(frame.Data, &e); err != nil {
			return nil, err
		}
		ev = e
	case TypeMarkRead:
		var e MarkRead
		if err := decodeData(frame.Data, &e); err != nil {
			return nil, err
		}
		ev = e
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, frame.Type)
	}

	if strings.TrimSpace(ev.Conversation()) == "" {
		return nil, fmt.Errorf("%w: conversationId is required", ErrMalformed)
	}
	return ev, nil
}

func decodeData(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: missing data", ErrMalformed)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

// Outbound is a server event.
type Outbound interface {
	EventType() string
}

type Connected struct {
	UserID       string `json:"userId"`
	ConnectionID string `json:"connectionId"`
}

type NewMessage struct {
	models.MessageView
}

type UserTyping struct {
	UserID         string `json:"userId"`
	ConversationID string `json:"conversationId"`
}

type UserStopTyping struct {
	UserID         string `json:"userId"`
	ConversationID string `json:"conversationId"`
}

type MessagesRead struct {
	ConversationID string    `json:"conversationId"`
	ReaderID       string    `json:"readerId"`
	Count          int       `json:"count"`
	ReadAt         time.Time `json:"readAt"`
}

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (Connected) EventType() string      { return TypeConnected }
func (NewMessage) EventType() string     { return TypeNewMessage }
func (UserTyping) EventType() string     { return TypeUserTyping }
func (UserStopTyping) EventType() string { return TypeUserStopTyping }
func (MessagesRead) EventType() string   { return TypeMessagesRead }
func (Error) EventType() string          { return TypeError }

func Encode(ev Outbound) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Type: ev.EventType(), Data: data})
}
