package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"metachat/messaging-service/internal/events"
	"metachat/messaging-service/internal/repository"
)

type typingKey struct {
	conversationID string
	userID         string
}

type typingState struct {
	timer  *time.Timer
	connID string
}

// TypingNotifier relays ephemeral typing state. Nothing is persisted. A typing
// signal without a follow-up stop is expired after the configured timeout.
type TypingNotifier struct {
	chats   repository.ConversationStore
	rooms   Broadcaster
	logger  *logrus.Logger
	timeout time.Duration

	mu     sync.Mutex
	active map[typingKey]*typingState
}

func NewTypingNotifier(chats repository.ConversationStore, rooms Broadcaster, logger *logrus.Logger, timeout time.Duration) *TypingNotifier {
	return &TypingNotifier{
		chats:   chats,
		rooms:   rooms,
		logger:  logger,
		timeout: timeout,
		active:  make(map[typingKey]*typingState),
	}
}

// NotifyTyping broadcasts user_typing to the conversation room, excluding
// connID, and (re)arms the expiry timer.
func (n *TypingNotifier) NotifyTyping(ctx context.Context, userID, conversationID, connID string) error {
	if err := n.checkParticipant(ctx, userID, conversationID); err != nil {
		return err
	}

	if n.timeout > 0 {
		key := typingKey{conversationID: conversationID, userID: userID}
		n.mu.Lock()
		if prev, ok := n.active[key]; ok {
			prev.timer.Stop()
		}
		st := &typingState{connID: connID}
		st.timer = time.AfterFunc(n.timeout, func() { n.expire(key, st) })
		n.active[key] = st
		n.mu.Unlock()
	}

	n.broadcast(events.UserTyping{UserID: userID, ConversationID: conversationID}, conversationID, connID)
	return nil
}

func (n *TypingNotifier) NotifyStopTyping(ctx context.Context, userID, conversationID, connID string) error {
	if err := n.checkParticipant(ctx, userID, conversationID); err != nil {
		return err
	}

	n.clear(typingKey{conversationID: conversationID, userID: userID})
	n.broadcast(events.UserStopTyping{UserID: userID, ConversationID: conversationID}, conversationID, connID)
	return nil
}

// ClearUser stops every pending typing indicator of userID and tells the
// rooms. Called when the user's last connection goes away.
func (n *TypingNotifier) ClearUser(userID string) {
	n.mu.Lock()
	var cleared []typingKey
	var conns []string
	for key, st := range n.active {
		if key.userID != userID {
			continue
		}
		st.timer.Stop()
		delete(n.active, key)
		cleared = append(cleared, key)
		conns = append(conns, st.connID)
	}
	n.mu.Unlock()

	for i, key := range cleared {
		n.broadcast(events.UserStopTyping{UserID: key.userID, ConversationID: key.conversationID}, key.conversationID, conns[i])
	}
}

// Stop cancels all pending timers without broadcasting.
func (n *TypingNotifier) Stop() {
	n.mu.Lock()
	for key, st := range n.active {
		st.timer.Stop()
		delete(n.active, key)
	}
	n.mu.Unlock()
}

func (n *TypingNotifier) expire(key typingKey, st *typingState) {
	n.mu.Lock()
	if n.active[key] != st {
		n.mu.Unlock()
		return
	}
	delete(n.active, key)
	n.mu.Unlock()

	n.logger.WithFields(logrus.Fields{
		"conversation_id": key.conversationID,
		"user_id":         key.userID,
	}).Debug("Typing indicator expired")
	n.broadcast(events.UserStopTyping{UserID: key.userID, ConversationID: key.conversationID}, key.conversationID, st.connID)
}

func (n *TypingNotifier) clear(key typingKey) {
	n.mu.Lock()
	if st, ok := n.active[key]; ok {
		st.timer.Stop()
		delete(n.active, key)
	}
	n.mu.Unlock()
}

func (n *TypingNotifier) checkParticipant(ctx context.Context, userID, conversationID string) error {
	chat, err := n.chats.GetChatByID(ctx, conversationID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrForbidden
		}
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if !chat.HasParticipant(userID) {
		return ErrForbidden
	}
	return nil
}

func (n *TypingNotifier) broadcast(ev events.Outbound, conversationID, excludeConnID string) {
	payload, err := events.Encode(ev)
	if err != nil {
		n.logger.WithError(err).Error("Failed to encode typing event")
		return
	}
	n.rooms.Broadcast(conversationID, payload, excludeConnID)
}
