package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/FuturIsHere/Nox-Network-sub000/internal/auth"
	"github.com/FuturIsHere/Nox-Network-sub000/internal/protocol"
	"github.com/FuturIsHere/Nox-Network-sub000/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// Handler groups the message store endpoints.
type Handler struct {
	convSvc *service.ConversationService
	msgSvc  *service.MessageService
}

func NewHandler(convSvc *service.ConversationService, msgSvc *service.MessageService) *Handler {
	return &Handler{convSvc: convSvc, msgSvc: msgSvc}
}

// fail maps store errors onto status codes; anything unknown is logged as a 500.
func fail(c *gin.Context, err error, msg string) {
	switch {
	case errors.Is(err, service.ErrConversationNotFound),
		errors.Is(err, service.ErrMessageNotFound),
		errors.Is(err, service.ErrUserNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrNotParticipant),
		errors.Is(err, service.ErrNotMessageOwner):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrInvalidMessage),
		errors.Is(err, service.ErrSelfConversation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		log.Error().Err(err).
			Str("user_id", auth.GetUserID(c)).
			Str("conversation_id", c.Param("conversationId")).
			Msg(msg)
		c.JSON(http.StatusInternalServerError, gin.H{"error": msg})
	}
}

func (h *Handler) ListConversations(c *gin.Context) {
	convs, err := h.convSvc.List(c.Request.Context(), auth.GetUserID(c))
	if err != nil {
		fail(c, err, "failed to list conversations")
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": convs})
}

func (h *Handler) StartConversation(c *gin.Context) {
	var req struct {
		UserID string `json:"userId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.UserID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	conv, err := h.convSvc.Start(c.Request.Context(), auth.GetUserID(c), strings.TrimSpace(req.UserID))
	if err != nil {
		fail(c, err, "failed to start conversation")
		return
	}
	c.JSON(http.StatusOK, conv)
}

func (h *Handler) DeleteConversation(c *gin.Context) {
	if err := h.convSvc.DeleteForUser(c.Request.Context(), auth.GetUserID(c), c.Param("conversationId")); err != nil {
		fail(c, err, "failed to delete conversation")
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) MarkRead(c *gin.Context) {
	if err := h.convSvc.MarkRead(c.Request.Context(), auth.GetUserID(c), c.Param("conversationId")); err != nil {
		fail(c, err, "failed to mark conversation read")
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) ListMessages(c *gin.Context) {
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(service.DefaultPageSize)))
	msgs, err := h.msgSvc.List(c.Request.Context(), auth.GetUserID(c), c.Param("conversationId"), offset, limit)
	if err != nil {
		fail(c, err, "failed to list messages")
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

func (h *Handler) CreateMessage(c *gin.Context) {
	var req protocol.NewMessage
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	msg, err := h.msgSvc.Create(c.Request.Context(), auth.GetUserID(c), c.Param("conversationId"), req)
	if err != nil {
		fail(c, err, "failed to create message")
		return
	}
	c.JSON(http.StatusCreated, msg)
}

func (h *Handler) DeleteMessage(c *gin.Context) {
	res, err := h.msgSvc.Delete(c.Request.Context(), auth.GetUserID(c), c.Param("conversationId"), c.Param("messageId"))
	if err != nil {
		fail(c, err, "failed to delete message")
		return
	}
	c.JSON(http.StatusOK, res)
}
