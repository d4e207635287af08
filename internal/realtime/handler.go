package realtime

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"metachat/messaging-service/internal/auth"
	"metachat/messaging-service/internal/events"
	"metachat/messaging-service/internal/metrics"
	"metachat/messaging-service/internal/service"
)

// TypingRelay is the part of the typing notifier the socket needs.
type TypingRelay interface {
	NotifyTyping(ctx context.Context, userID, conversationID, connID string) error
	NotifyStopTyping(ctx context.Context, userID, conversationID, connID string) error
}

type HandlerOptions struct {
	MaxMessageBytes int64
	InflightTimeout time.Duration
	AllowedOrigins  []string
}

// Handler serves the live channel: it authenticates, upgrades, registers the
// connection and dispatches inbound events until the client goes away.
type Handler struct {
	verifier auth.Verifier
	registry *Registry
	chats    service.ChatService
	typing   TypingRelay
	limiter  *Limiter
	metrics  *metrics.Metrics
	logger   *logrus.Logger
	opts     HandlerOptions
	upgrader websocket.Upgrader
}

func NewHandler(
	verifier auth.Verifier,
	registry *Registry,
	chats service.ChatService,
	typing TypingRelay,
	limiter *Limiter,
	m *metrics.Metrics,
	logger *logrus.Logger,
	opts HandlerOptions,
) *Handler {
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = 64 << 10
	}
	if opts.InflightTimeout <= 0 {
		opts.InflightTimeout = 5 * time.Second
	}

	h := &Handler{
		verifier: verifier,
		registry: registry,
		chats:    chats,
		typing:   typing,
		limiter:  limiter,
		metrics:  m,
		logger:   logger,
		opts:     opts,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Handler) Handle(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		token = auth.BearerToken(c.GetHeader("Authorization"))
	}
	userID, err := h.verifier.Verify(token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"message": "invalid token"})
		return
	}

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the response.
		h.logger.WithError(err).WithField("user_id", userID).Debug("WebSocket upgrade failed")
		return
	}

	conn := NewWSConn(userID, ws)
	conn.Start()

	// Registration and cleanup must not be cut short by the request context,
	// which is cancelled as soon as the client goes away.
	base := context.WithoutCancel(c.Request.Context())

	regCtx, cancel := context.WithTimeout(base, h.opts.InflightTimeout)
	err = h.registry.Register(regCtx, conn)
	cancel()
	if err != nil {
		h.logger.WithError(err).WithField("user_id", userID).Error("Failed to register connection")
		h.replyError(conn, service.KindInternal, "failed to join conversations")
		conn.CloseWith(websocket.CloseInternalServerErr, "registration failed")
		return
	}
	defer func() {
		ctx, cancel := context.WithTimeout(base, h.opts.InflightTimeout)
		h.registry.Unregister(ctx, conn)
		cancel()
		conn.Close()
	}()

	h.reply(conn, events.Connected{UserID: userID, ConnectionID: conn.ID()})

	ws.SetReadLimit(h.opts.MaxMessageBytes)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) &&
				!errors.Is(err, websocket.ErrCloseSent) {
				h.logger.WithError(err).WithFields(logrus.Fields{
					"user_id":       userID,
					"connection_id": conn.ID(),
				}).Debug("WebSocket read ended")
			}
			return
		}

		if !h.limiter.Allow(userID, time.Now()) {
			h.metrics.LiveEvent("unknown", "rate_limited")
			h.replyError(conn, "rate_limited", "too many events")
			continue
		}

		ev, err := events.Decode(data)
		if err != nil {
			h.metrics.LiveEvent("unknown", "bad_request")
			h.replyError(conn, "bad_request", "invalid event")
			continue
		}

		h.dispatch(base, conn, ev)
	}
}

// dispatch handles one inbound event. Events of a connection are processed
// in arrival order.
func (h *Handler) dispatch(base context.Context, conn Conn, ev events.Inbound) {
	ctx, cancel := context.WithTimeout(base, h.opts.InflightTimeout)
	defer cancel()

	userID := conn.UserID()
	var err error
	switch e := ev.(type) {
	case events.SendMessage:
		_, err = h.chats.SendMessage(ctx, service.SendMessageInput{
			ConversationID: e.ConversationID,
			SenderID:       userID,
			Content:        e.Content,
			Media:          e.Media,
			MediaType:      e.MediaType,
		})
	case events.Typing:
		err = h.typing.NotifyTyping(ctx, userID, e.ConversationID, conn.ID())
	case events.StopTyping:
		err = h.typing.NotifyStopTyping(ctx, userID, e.ConversationID, conn.ID())
	case events.MarkRead:
		_, err = h.chats.MarkRead(ctx, e.ConversationID, userID)
	}

	if err != nil {
		kind := service.Kind(err)
		h.metrics.LiveEvent(ev.EventType(), kind)
		h.logger.WithError(err).WithFields(logrus.Fields{
			"user_id":         userID,
			"connection_id":   conn.ID(),
			"conversation_id": ev.Conversation(),
			"event":           ev.EventType(),
		}).Warn("Live event rejected")
		h.replyError(conn, kind, publicMessage(ev.EventType(), kind))
		return
	}
	h.metrics.LiveEvent(ev.EventType(), "ok")
}

func (h *Handler) reply(conn Conn, ev events.Outbound) {
	payload, err := events.Encode(ev)
	if err != nil {
		h.logger.WithError(err).Error("Failed to encode outbound event")
		return
	}
	_ = conn.Send(payload)
}

func (h *Handler) replyError(conn Conn, code, message string) {
	h.reply(conn, events.Error{Code: code, Message: message})
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.opts.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range h.opts.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// publicMessage keeps internal failure details off the wire.
func publicMessage(eventType, kind string) string {
	switch kind {
	case service.KindForbidden:
		return "not a participant in this conversation"
	case service.KindValidation:
		return "invalid " + eventType + " payload"
	case service.KindNotFound:
		return "conversation not found"
	}
	if eventType == events.TypeSendMessage {
		return "failed to send message"
	}
	return "request failed"
}
