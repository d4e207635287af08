package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"metachat/messaging-service/internal/service"
)

type ChatHandler struct {
	service service.ChatService
	logger  *logrus.Logger
}

func NewChatHandler(svc service.ChatService, logger *logrus.Logger) *ChatHandler {
	return &ChatHandler{service: svc, logger: logger}
}

type createConversationRequest struct {
	ParticipantID string `json:"participantId"`
}

type sendMessageRequest struct {
	Content   string `json:"content"`
	Media     string `json:"media"`
	MediaType string `json:"mediaType"`
}

func (h *ChatHandler) ListConversations(c *gin.Context) {
	conversations, err := h.service.ListConversations(c.Request.Context(), CurrentUserID(c))
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"conversations": conversations})
}

func (h *ChatHandler) CreateConversation(c *gin.Context) {
	var req createConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": service.KindValidation, "message": "invalid body"})
		return
	}

	conversation, err := h.service.CreateOrGetConversation(c.Request.Context(), CurrentUserID(c), req.ParticipantID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"conversation": conversation})
}

func (h *ChatHandler) ListMessages(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": service.KindValidation, "message": "invalid limit"})
			return
		}
		limit = n
	}

	messages, err := h.service.ListMessages(c.Request.Context(), c.Param("id"), CurrentUserID(c), limit, c.Query("before"))
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

func (h *ChatHandler) SendMessage(c *gin.Context) {
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": service.KindValidation, "message": "invalid body"})
		return
	}

	msg, err := h.service.SendMessage(c.Request.Context(), service.SendMessageInput{
		ConversationID: c.Param("id"),
		SenderID:       CurrentUserID(c),
		Content:        req.Content,
		Media:          req.Media,
		MediaType:      req.MediaType,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"message": msg})
}

func (h *ChatHandler) MarkRead(c *gin.Context) {
	count, err := h.service.MarkRead(c.Request.Context(), c.Param("id"), CurrentUserID(c))
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Messages marked as read", "count": count})
}

func (h *ChatHandler) GetPresence(c *gin.Context) {
	userID := strings.TrimSpace(c.Param("userId"))
	presence, err := h.service.GetPresence(c.Request.Context(), userID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, presence)
}

func (h *ChatHandler) writeError(c *gin.Context, err error) {
	kind := service.Kind(err)

	status := http.StatusInternalServerError
	message := "internal error"
	switch kind {
	case service.KindForbidden:
		status, message = http.StatusForbidden, err.Error()
	case service.KindNotFound:
		status, message = http.StatusNotFound, err.Error()
	case service.KindValidation:
		status, message = http.StatusBadRequest, err.Error()
	default:
		h.logger.WithError(err).WithFields(logrus.Fields{
			"path":    c.FullPath(),
			"user_id": CurrentUserID(c),
		}).Error("Request failed")
	}

	c.JSON(status, gin.H{"error": kind, "message": message})
}
