package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"metachat/messaging-service/internal/models"
)

// MemoryRepository is a process-local ChatRepository for tests.
type MemoryRepository struct {
	mu       sync.RWMutex
	chats    map[string]*models.Conversation
	byPair   map[[2]string]string
	messages map[string]*models.Message
	byChat   map[string][]string
	now      func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		chats:    make(map[string]*models.Conversation),
		byPair:   make(map[[2]string]string),
		messages: make(map[string]*models.Message),
		byChat:   make(map[string][]string),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

var _ ChatRepository = (*MemoryRepository)(nil)

func (r *MemoryRepository) Ping(context.Context) error { return nil }

func (r *MemoryRepository) CreateChat(_ context.Context, chat *models.Conversation) (bool, error) {
	if len(chat.Participants) != 2 {
		return false, fmt.Errorf("chat must have exactly two participants, got %d", len(chat.Participants))
	}
	user1, user2 := SortedPair(chat.Participants[0], chat.Participants[1])
	key := [2]string{user1, user2}

	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.byPair[key]; ok {
		*chat = cloneChat(r.chats[id])
		return false, nil
	}

	if chat.ID == "" {
		chat.ID = uuid.NewString()
	}
	now := r.now()
	stored := &models.Conversation{
		ID:           chat.ID,
		Participants: []string{user1, user2},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	r.chats[stored.ID] = stored
	r.byPair[key] = stored.ID

	*chat = cloneChat(stored)
	return true, nil
}

func (r *MemoryRepository) GetChatByID(_ context.Context, id string) (*models.Conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	chat, ok := r.chats[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := cloneChat(chat)
	return &out, nil
}

func (r *MemoryRepository) GetChatByUsers(_ context.Context, userID1, userID2 string) (*models.Conversation, error) {
	user1, user2 := SortedPair(userID1, userID2)

	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byPair[[2]string{user1, user2}]
	if !ok {
		return nil, ErrNotFound
	}
	out := cloneChat(r.chats[id])
	return &out, nil
}

func (r *MemoryRepository) GetUserChats(_ context.Context, userID string) ([]*models.Conversation, error) {
	r.mu.RLock()
	var chats []*models.Conversation
	for _, chat := range r.chats {
		if chat.HasParticipant(userID) {
			out := cloneChat(chat)
			chats = append(chats, &out)
		}
	}
	r.mu.RUnlock()

	sortChatsByActivity(chats)
	return chats, nil
}

func (r *MemoryRepository) UpdateLastMessage(_ context.Context, chatID, messageID string, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	chat, ok := r.chats[chatID]
	if !ok {
		return false, ErrNotFound
	}
	if chat.LastMessageAt != nil && chat.LastMessageAt.After(at) {
		return false, nil
	}
	chat.LastMessageID = messageID
	chat.LastMessageAt = &at
	chat.UpdatedAt = r.now()
	return true, nil
}

func (r *MemoryRepository) CreateMessage(_ context.Context, msg *models.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.chats[msg.ConversationID]; !ok {
		return ErrNotFound
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if _, ok := r.messages[msg.ID]; ok {
		return fmt.Errorf("message %s already exists", msg.ID)
	}

	// Creation time is assigned under the lock so the log order and the
	// timestamp order agree.
	createdAt := r.now()
	if ids := r.byChat[msg.ConversationID]; len(ids) > 0 {
		if last := r.messages[ids[len(ids)-1]].CreatedAt; createdAt.Before(last) {
			createdAt = last
		}
	}
	msg.CreatedAt = createdAt
	msg.Read = false
	msg.ReadAt = nil

	stored := *msg
	r.messages[msg.ID] = &stored
	r.byChat[msg.ConversationID] = append(r.byChat[msg.ConversationID], msg.ID)
	return nil
}

func (r *MemoryRepository) GetMessage(_ context.Context, id string) (*models.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	msg, ok := r.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := cloneMessage(msg)
	return &out, nil
}

func (r *MemoryRepository) GetMessagesByIDs(_ context.Context, ids []string) (map[string]*models.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]*models.Message, len(ids))
	for _, id := range ids {
		if msg, ok := r.messages[id]; ok {
			out := cloneMessage(msg)
			result[id] = &out
		}
	}
	return result, nil
}

func (r *MemoryRepository) GetChatMessages(_ context.Context, chatID string, limit int, beforeMessageID string) ([]*models.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.byChat[chatID]
	end := len(ids)
	if beforeMessageID != "" {
		end = -1
		for i, id := range ids {
			if id == beforeMessageID {
				end = i
				break
			}
		}
		if end < 0 {
			return nil, nil
		}
	}
	start := end - limit
	if start < 0 {
		start = 0
	}

	messages := make([]*models.Message, 0, end-start)
	for _, id := range ids[start:end] {
		out := cloneMessage(r.messages[id])
		messages = append(messages, &out)
	}
	return messages, nil
}

func (r *MemoryRepository) MarkMessagesAsRead(_ context.Context, chatID, readerID string, at time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	for _, id := range r.byChat[chatID] {
		msg := r.messages[id]
		if msg.SenderID == readerID || msg.Read {
			continue
		}
		readAt := at
		msg.Read = true
		msg.ReadAt = &readAt
		count++
	}
	return count, nil
}

func cloneChat(chat *models.Conversation) models.Conversation {
	out := *chat
	out.Participants = append([]string(nil), chat.Participants...)
	if chat.LastMessageAt != nil {
		at := *chat.LastMessageAt
		out.LastMessageAt = &at
	}
	return out
}

func cloneMessage(msg *models.Message) models.Message {
	out := *msg
	if msg.ReadAt != nil {
		at := *msg.ReadAt
		out.ReadAt = &at
	}
	return out
}

func sortChatsByActivity(chats []*models.Conversation) {
	sort.SliceStable(chats, func(i, j int) bool {
		a, b := chats[i], chats[j]
		switch {
		case a.LastMessageAt != nil && b.LastMessageAt != nil:
			if !a.LastMessageAt.Equal(*b.LastMessageAt) {
				return a.LastMessageAt.After(*b.LastMessageAt)
			}
		case a.LastMessageAt != nil:
			return true
		case b.LastMessageAt != nil:
			return false
		}
		return a.CreatedAt.After(b.CreatedAt)
	})
}
