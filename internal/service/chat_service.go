package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"metachat/messaging-service/internal/events"
	"metachat/messaging-service/internal/metrics"
	"metachat/messaging-service/internal/models"
	"metachat/messaging-service/internal/presence"
	"metachat/messaging-service/internal/repository"
)

// Broadcaster fans payloads out to live connections grouped by conversation.
type Broadcaster interface {
	// Broadcast delivers payload to every connection in the conversation room
	// except excludeConnID (empty excludes nothing) and returns the number of
	// connections it reached.
	Broadcast(conversationID string, payload []byte, excludeConnID string) int
	// JoinUser adds every live connection of userID to the conversation room.
	JoinUser(userID, conversationID string)
}

type ChatService interface {
	CreateOrGetConversation(ctx context.Context, userID, participantID string) (*models.ConversationSummary, error)
	GetChat(ctx context.Context, chatID string) (*models.Conversation, error)
	ListConversations(ctx context.Context, userID string) ([]*models.ConversationSummary, error)
	SendMessage(ctx context.Context, in SendMessageInput) (*models.MessageView, error)
	ListMessages(ctx context.Context, chatID, requesterID string, limit int, beforeMessageID string) ([]*models.MessageView, error)
	// ChatHistory pages a conversation for trusted service callers that carry
	// no end-user identity.
	ChatHistory(ctx context.Context, chatID string, limit int, beforeMessageID string) ([]*models.MessageView, error)
	MarkRead(ctx context.Context, chatID, readerID string) (int, error)
	GetPresence(ctx context.Context, userID string) (models.Presence, error)
}

type SendMessageInput struct {
	ConversationID string
	SenderID       string
	Content        string
	Media          string
	MediaType      string
}

type Options struct {
	PageSize         int
	MaxPageSize      int
	MaxContentLength int
}

func (o Options) withDefaults() Options {
	if o.PageSize <= 0 {
		o.PageSize = 50
	}
	if o.MaxPageSize <= 0 {
		o.MaxPageSize = 100
	}
	if o.PageSize > o.MaxPageSize {
		o.PageSize = o.MaxPageSize
	}
	if o.MaxContentLength <= 0 {
		o.MaxContentLength = 5000
	}
	return o
}

type chatService struct {
	repository repository.ChatRepository
	users      repository.UserDirectory
	presence   presence.Tracker
	rooms      Broadcaster
	metrics    *metrics.Metrics
	logger     *logrus.Logger
	opts       Options
	now        func() time.Time
}

func NewChatService(
	repo repository.ChatRepository,
	users repository.UserDirectory,
	tracker presence.Tracker,
	rooms Broadcaster,
	m *metrics.Metrics,
	logger *logrus.Logger,
	opts Options,
) ChatService {
	return &chatService{
		repository: repo,
		users:      users,
		presence:   tracker,
		rooms:      rooms,
		metrics:    m,
		logger:     logger,
		opts:       opts.withDefaults(),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (s *chatService) CreateOrGetConversation(ctx context.Context, userID, participantID string) (*models.ConversationSummary, error) {
	participantID = strings.TrimSpace(participantID)
	if participantID == "" {
		return nil, fmt.Errorf("%w: participantId is required", ErrValidation)
	}
	if userID == participantID {
		return nil, fmt.Errorf("%w: cannot create conversation with yourself", ErrValidation)
	}

	found, err := s.users.GetUsers(ctx, []string{participantID})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if _, ok := found[participantID]; !ok {
		return nil, fmt.Errorf("%w: user %s", ErrNotFound, participantID)
	}

	existing, err := s.repository.GetChatByUsers(ctx, userID, participantID)
	if err == nil {
		return s.summarize(ctx, existing)
	}
	if !errors.Is(err, repository.ErrNotFound) {
		s.logger.WithError(err).Error("Failed to look up chat")
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	chat := &models.Conversation{
		ID:           uuid.New().String(),
		Participants: []string{userID, participantID},
	}

	created, err := s.repository.CreateChat(ctx, chat)
	if err != nil {
		s.logger.WithError(err).Error("Failed to create chat")
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	if created {
		for _, p := range chat.Participants {
			s.rooms.JoinUser(p, chat.ID)
		}
		s.logger.WithFields(logrus.Fields{
			"conversation_id": chat.ID,
			"user_id1":        chat.Participants[0],
			"user_id2":        chat.Participants[1],
		}).Info("Chat created")
	}

	return s.summarize(ctx, chat)
}

func (s *chatService) GetChat(ctx context.Context, chatID string) (*models.Conversation, error) {
	chat, err := s.repository.GetChatByID(ctx, chatID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: conversation %s", ErrNotFound, chatID)
		}
		s.logger.WithError(err).Error("Failed to get chat")
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	return chat, nil
}

func (s *chatService) ListConversations(ctx context.Context, userID string) ([]*models.ConversationSummary, error) {
	chats, err := s.repository.GetUserChats(ctx, userID)
	if err != nil {
		s.logger.WithError(err).Error("Failed to get user chats")
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	summaries, err := s.summarizeAll(ctx, chats)
	if err != nil {
		return nil, err
	}
	return summaries, nil
}

func (s *chatService) SendMessage(ctx context.Context, in SendMessageInput) (*models.MessageView, error) {
	msg, err := s.sendMessage(ctx, in)
	if err != nil {
		s.metrics.SendFailed(Kind(err))
		return nil, err
	}
	return msg, nil
}

func (s *chatService) sendMessage(ctx context.Context, in SendMessageInput) (*models.MessageView, error) {
	log := s.logger.WithFields(logrus.Fields{
		"conversation_id": in.ConversationID,
		"sender_id":       in.SenderID,
	})

	if _, err := s.participantChat(ctx, in.ConversationID, in.SenderID, true); err != nil {
		log.WithError(err).Warn("Send rejected")
		return nil, err
	}

	msg, err := s.buildMessage(in)
	if err != nil {
		return nil, err
	}

	if err := s.repository.CreateMessage(ctx, msg); err != nil {
		log.WithError(err).Error("Failed to persist message")
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	s.metrics.MessageSent(string(msg.MediaKind))

	// The message log is the source of truth; a failed or stale pointer update
	// does not fail the send.
	if _, err := s.repository.UpdateLastMessage(ctx, msg.ConversationID, msg.ID, msg.CreatedAt); err != nil {
		log.WithError(err).WithField("message_id", msg.ID).Warn("Failed to update last message pointer")
	}

	view := &models.MessageView{Message: *msg, Sender: s.resolveUsers(ctx, msg.SenderID)[msg.SenderID]}

	payload, err := events.Encode(events.NewMessage{MessageView: *view})
	if err != nil {
		log.WithError(err).Error("Failed to encode new_message")
		return view, nil
	}
	delivered := s.rooms.Broadcast(msg.ConversationID, payload, "")
	s.metrics.Delivered(delivered)

	log.WithFields(logrus.Fields{
		"message_id": msg.ID,
		"delivered":  delivered,
	}).Info("Message sent")

	return view, nil
}

func (s *chatService) buildMessage(in SendMessageInput) (*models.Message, error) {
	content := strings.TrimSpace(in.Content)
	media := strings.TrimSpace(in.Media)
	if content == "" && media == "" {
		return nil, fmt.Errorf("%w: message must contain content or media", ErrValidation)
	}
	if utf8.RuneCountInString(content) > s.opts.MaxContentLength {
		return nil, fmt.Errorf("%w: content exceeds %d characters", ErrValidation, s.opts.MaxContentLength)
	}

	var kind models.MediaKind
	if media != "" {
		kind = models.MediaKind(strings.ToLower(strings.TrimSpace(in.MediaType)))
		if kind == "" {
			kind = models.MediaFile
		}
		if !kind.Valid() {
			return nil, fmt.Errorf("%w: unsupported media type %q", ErrValidation, in.MediaType)
		}
	}

	return &models.Message{
		ID:             uuid.New().String(),
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		Content:        content,
		Media:          media,
		MediaKind:      kind,
	}, nil
}

func (s *chatService) ListMessages(ctx context.Context, chatID, requesterID string, limit int, beforeMessageID string) ([]*models.MessageView, error) {
	if _, err := s.participantChat(ctx, chatID, requesterID, false); err != nil {
		return nil, err
	}
	return s.page(ctx, chatID, limit, beforeMessageID)
}

func (s *chatService) ChatHistory(ctx context.Context, chatID string, limit int, beforeMessageID string) ([]*models.MessageView, error) {
	if _, err := s.GetChat(ctx, chatID); err != nil {
		return nil, err
	}
	return s.page(ctx, chatID, limit, beforeMessageID)
}

func (s *chatService) page(ctx context.Context, chatID string, limit int, beforeMessageID string) ([]*models.MessageView, error) {
	if limit <= 0 {
		limit = s.opts.PageSize
	}
	if limit > s.opts.MaxPageSize {
		limit = s.opts.MaxPageSize
	}

	if beforeMessageID != "" {
		cursor, err := s.repository.GetMessage(ctx, beforeMessageID)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
		}
		if err != nil || cursor.ConversationID != chatID {
			return nil, fmt.Errorf("%w: message %s", ErrNotFound, beforeMessageID)
		}
	}

	messages, err := s.repository.GetChatMessages(ctx, chatID, limit, beforeMessageID)
	if err != nil {
		s.logger.WithError(err).Error("Failed to get chat messages")
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	senderIDs := make([]string, 0, 2)
	for _, m := range messages {
		senderIDs = appendUnique(senderIDs, m.SenderID)
	}
	senders := s.resolveUsers(ctx, senderIDs...)

	views := make([]*models.MessageView, len(messages))
	for i, m := range messages {
		views[i] = &models.MessageView{Message: *m, Sender: senders[m.SenderID]}
	}
	return views, nil
}

func (s *chatService) MarkRead(ctx context.Context, chatID, readerID string) (int, error) {
	if _, err := s.participantChat(ctx, chatID, readerID, false); err != nil {
		return 0, err
	}

	readAt := s.now()
	count, err := s.repository.MarkMessagesAsRead(ctx, chatID, readerID, readAt)
	if err != nil {
		s.logger.WithError(err).Error("Failed to mark messages as read")
		return 0, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if count == 0 {
		return 0, nil
	}

	payload, err := events.Encode(events.MessagesRead{
		ConversationID: chatID,
		ReaderID:       readerID,
		Count:          count,
		ReadAt:         readAt,
	})
	if err == nil {
		s.metrics.Delivered(s.rooms.Broadcast(chatID, payload, ""))
	}

	s.logger.WithFields(logrus.Fields{
		"conversation_id": chatID,
		"user_id":         readerID,
		"count":           count,
	}).Debug("Messages marked as read")

	return count, nil
}

func (s *chatService) GetPresence(ctx context.Context, userID string) (models.Presence, error) {
	states, err := s.presence.Get(ctx, userID)
	if err != nil {
		return models.Presence{}, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return states[userID], nil
}

// participantChat loads the conversation and checks membership. A missing
// conversation is reported as forbidden when missingIsForbidden is set, which
// keeps the send path from revealing which ids exist.
func (s *chatService) participantChat(ctx context.Context, chatID, userID string, missingIsForbidden bool) (*models.Conversation, error) {
	chat, err := s.repository.GetChatByID(ctx, chatID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			if missingIsForbidden {
				return nil, ErrForbidden
			}
			return nil, fmt.Errorf("%w: conversation %s", ErrNotFound, chatID)
		}
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if !chat.HasParticipant(userID) {
		return nil, ErrForbidden
	}
	return chat, nil
}

// resolveUsers never fails: unknown users and directory errors fall back to
// id-only summaries.
func (s *chatService) resolveUsers(ctx context.Context, ids ...string) map[string]models.UserSummary {
	found, err := s.users.GetUsers(ctx, ids)
	if err != nil {
		s.logger.WithError(err).Warn("Failed to resolve user display attributes")
		found = nil
	}
	result := make(map[string]models.UserSummary, len(ids))
	for _, id := range ids {
		u, ok := found[id]
		if !ok {
			u = models.UserSummary{ID: id}
		}
		result[id] = u
	}
	return result
}

func (s *chatService) summarize(ctx context.Context, chat *models.Conversation) (*models.ConversationSummary, error) {
	summaries, err := s.summarizeAll(ctx, []*models.Conversation{chat})
	if err != nil {
		return nil, err
	}
	return summaries[0], nil
}

func (s *chatService) summarizeAll(ctx context.Context, chats []*models.Conversation) ([]*models.ConversationSummary, error) {
	var userIDs, lastIDs []string
	for _, c := range chats {
		for _, p := range c.Participants {
			userIDs = appendUnique(userIDs, p)
		}
		if c.LastMessageID != "" {
			lastIDs = append(lastIDs, c.LastMessageID)
		}
	}

	lastMessages, err := s.repository.GetMessagesByIDs(ctx, lastIDs)
	if err != nil {
		s.logger.WithError(err).Error("Failed to load last messages")
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	users := s.resolveUsers(ctx, userIDs...)
	states, err := s.presence.Get(ctx, userIDs...)
	if err != nil {
		// Presence is advisory; summaries are still served without it.
		s.logger.WithError(err).Warn("Failed to load presence")
		states = nil
	}

	summaries := make([]*models.ConversationSummary, 0, len(chats))
	for _, c := range chats {
		summary := &models.ConversationSummary{
			ID:            c.ID,
			LastMessage:   lastMessages[c.LastMessageID],
			LastMessageAt: c.LastMessageAt,
			CreatedAt:     c.CreatedAt,
			UpdatedAt:     c.UpdatedAt,
		}
		for _, p := range c.Participants {
			participant := models.Participant{UserSummary: users[p]}
			if st, ok := states[p]; ok {
				participant.Online = st.Online
				if !st.LastSeen.IsZero() {
					seen := st.LastSeen
					participant.LastSeen = &seen
				}
			}
			summary.Participants = append(summary.Participants, participant)
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

func appendUnique(ids []string, id string) []string {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}
