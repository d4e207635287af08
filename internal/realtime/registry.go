package realtime

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/sirupsen/logrus"

	"metachat/messaging-service/internal/metrics"
	"metachat/messaging-service/internal/models"
	"metachat/messaging-service/internal/presence"
)

const lifecycleShards = 64

// Conn is a live connection handle as seen by the registry.
type Conn interface {
	ID() string
	UserID() string
	// Send enqueues payload without blocking on the network.
	Send(payload []byte) error
	Close()
}

// ConversationSource lists the conversations a user participates in.
type ConversationSource interface {
	GetUserChats(ctx context.Context, userID string) ([]*models.Conversation, error)
}

// Registry maps live connections to users and to the conversation rooms they
// have joined. Rooms are mutated only on join/leave and read on broadcast.
type Registry struct {
	chats    ConversationSource
	presence presence.Tracker
	metrics  *metrics.Metrics
	logger   *logrus.Logger

	// OnUserOffline runs after a user's last connection is removed.
	OnUserOffline func(userID string)

	// lifecycle serializes register/unregister per user so presence
	// transitions are applied in the order connections change.
	lifecycle [lifecycleShards]sync.Mutex

	mu        sync.RWMutex
	conns     map[string]Conn                // connectionID -> connection
	userConns map[string]map[string]Conn     // userID -> connectionID -> connection
	rooms     map[string]map[string]Conn     // conversationID -> connectionID -> connection
	connRooms map[string]map[string]struct{} // connectionID -> set of conversationIDs
}

func NewRegistry(chats ConversationSource, tracker presence.Tracker, m *metrics.Metrics, logger *logrus.Logger) *Registry {
	return &Registry{
		chats:     chats,
		presence:  tracker,
		metrics:   m,
		logger:    logger,
		conns:     make(map[string]Conn),
		userConns: make(map[string]map[string]Conn),
		rooms:     make(map[string]map[string]Conn),
		connRooms: make(map[string]map[string]struct{}),
	}
}

// Register tracks conn for conn.UserID(), joins it to one room per
// conversation of that user and marks the user online on their first
// connection. Multiple connections per user are allowed.
func (r *Registry) Register(ctx context.Context, conn Conn) error {
	userID := conn.UserID()
	lock := r.lifecycleLock(userID)
	lock.Lock()
	defer lock.Unlock()

	// The connection is tracked before rooms are loaded so a conversation
	// created meanwhile still reaches it through JoinUser.
	r.mu.Lock()
	r.conns[conn.ID()] = conn
	set := r.userConns[userID]
	if set == nil {
		set = make(map[string]Conn)
		r.userConns[userID] = set
	}
	set[conn.ID()] = conn
	first := len(set) == 1
	r.mu.Unlock()

	chats, err := r.chats.GetUserChats(ctx, userID)
	if err != nil {
		// Presence is only touched after rooms load, so there is nothing to undo.
		r.mu.Lock()
		r.removeLocked(conn)
		r.mu.Unlock()
		return fmt.Errorf("load conversations for %s: %w", userID, err)
	}

	r.mu.Lock()
	if _, ok := r.conns[conn.ID()]; ok {
		for _, c := range chats {
			r.joinLocked(c.ID, conn)
		}
	}
	r.mu.Unlock()

	r.metrics.ConnectionOpened(first)
	if first {
		if err := r.presence.MarkOnline(ctx, userID); err != nil {
			r.logger.WithError(err).WithField("user_id", userID).Warn("Failed to mark user online")
		}
	}

	r.logger.WithFields(logrus.Fields{
		"user_id":       userID,
		"connection_id": conn.ID(),
		"rooms":         len(chats),
	}).Info("Connection registered")
	return nil
}

// Unregister removes conn from all rooms. When it was the user's last live
// connection the user is marked offline.
func (r *Registry) Unregister(ctx context.Context, conn Conn) {
	userID := conn.UserID()
	lock := r.lifecycleLock(userID)
	lock.Lock()
	defer lock.Unlock()

	r.mu.Lock()
	if _, ok := r.conns[conn.ID()]; !ok {
		r.mu.Unlock()
		return
	}
	last := r.removeLocked(conn)
	r.mu.Unlock()

	r.metrics.ConnectionClosed(last)
	if last {
		if err := r.presence.MarkOffline(ctx, userID); err != nil {
			r.logger.WithError(err).WithField("user_id", userID).Warn("Failed to mark user offline")
		}
		if r.OnUserOffline != nil {
			r.OnUserOffline(userID)
		}
	}

	r.logger.WithFields(logrus.Fields{
		"user_id":       userID,
		"connection_id": conn.ID(),
		"last":          last,
	}).Info("Connection unregistered")
}

// JoinUser adds every live connection of userID to the conversation room.
func (r *Registry) JoinUser(userID, conversationID string) {
	r.mu.Lock()
	for _, conn := range r.userConns[userID] {
		r.joinLocked(conversationID, conn)
	}
	r.mu.Unlock()
}

// Broadcast delivers payload to every connection in the room except
// excludeConnID. Connections are collected under the read lock and written to
// after it is released.
func (r *Registry) Broadcast(conversationID string, payload []byte, excludeConnID string) int {
	r.mu.RLock()
	room := r.rooms[conversationID]
	targets := make([]Conn, 0, len(room))
	for id, conn := range room {
		if excludeConnID != "" && id == excludeConnID {
			continue
		}
		targets = append(targets, conn)
	}
	r.mu.RUnlock()

	delivered := 0
	for _, conn := range targets {
		if err := conn.Send(payload); err != nil {
			r.logger.WithError(err).WithFields(logrus.Fields{
				"conversation_id": conversationID,
				"connection_id":   conn.ID(),
			}).Debug("Skipped delivery to connection")
			continue
		}
		delivered++
	}
	return delivered
}

func (r *Registry) ConnectionCount(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.userConns[userID])
}

func (r *Registry) RoomSize(conversationID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[conversationID])
}

// Close closes every tracked connection. Their handlers unregister them as
// their read loops exit.
func (r *Registry) Close() {
	r.mu.RLock()
	conns := make([]Conn, 0, len(r.conns))
	for _, conn := range r.conns {
		conns = append(conns, conn)
	}
	r.mu.RUnlock()

	for _, conn := range conns {
		conn.Close()
	}
}

func (r *Registry) joinLocked(conversationID string, conn Conn) {
	room := r.rooms[conversationID]
	if room == nil {
		room = make(map[string]Conn)
		r.rooms[conversationID] = room
	}
	room[conn.ID()] = conn

	memberships := r.connRooms[conn.ID()]
	if memberships == nil {
		memberships = make(map[string]struct{})
		r.connRooms[conn.ID()] = memberships
	}
	memberships[conversationID] = struct{}{}
}

// removeLocked drops conn from every index and reports whether it was the
// user's last connection.
func (r *Registry) removeLocked(conn Conn) bool {
	id := conn.ID()
	delete(r.conns, id)

	for conversationID := range r.connRooms[id] {
		if room := r.rooms[conversationID]; room != nil {
			delete(room, id)
			if len(room) == 0 {
				delete(r.rooms, conversationID)
			}
		}
	}
	delete(r.connRooms, id)

	set := r.userConns[conn.UserID()]
	delete(set, id)
	if len(set) == 0 {
		delete(r.userConns, conn.UserID())
		return true
	}
	return false
}

func (r *Registry) lifecycleLock(userID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return &r.lifecycle[h.Sum32()%lifecycleShards]
}
