package handlers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Arthurb-96/Looking/internal/models"
	"github.com/Arthurb-96/Looking/internal/protocol"
	"github.com/Arthurb-96/Looking/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// ChatHandler is the REST polling fallback for clients that cannot hold a
// websocket open. It shares the MessageStore with the realtime gateway, so
// both surfaces see the same history.
type ChatHandler struct {
	Store        store.MessageStore
	HistoryLimit int
}

func (h *ChatHandler) ListMessages(c *gin.Context) {
	chatID := c.Query("chatId")
	if chatID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"message": "chatId is required"})
		return
	}

	limit := h.HistoryLimit
	if v := c.Query("limit"); v != "" {
		if x, err := strconv.Atoi(v); err == nil && x > 0 && x <= h.HistoryLimit {
			limit = x
		}
	}

	msgs, err := h.Store.MessagesByChatID(c.Request.Context(), chatID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"message": "failed", "error": err.Error()})
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}

	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

type sendMessageReq struct {
	RecipientEmail string `json:"recipientEmail" binding:"required"`
	Message        string `json:"message" binding:"required"`
	JobContext     string `json:"jobContext"`
}

func (h *ChatHandler) SendMessage(c *gin.Context) {
	sender := c.MustGet("userEmail").(string)

	var req sendMessageReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "invalid body", "error": err.Error()})
		return
	}

	body := strings.TrimSpace(req.Message)
	if body == "" {
		c.JSON(http.StatusBadRequest, gin.H{"message": "empty message"})
		return
	}

	roomID := protocol.RoomID(sender, req.RecipientEmail)
	msg := models.Message{
		ID:         uuid.NewString(),
		ChatID:     roomID,
		Sender:     sender,
		Recipient:  req.RecipientEmail,
		Body:       body,
		JobContext: req.JobContext,
		Timestamp:  time.Now().UTC(),
	}

	if err := h.Store.InsertMessage(c.Request.Context(), &msg); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"message": "failed create message", "error": err.Error()})
		return
	}

	pair := []string{sender, req.RecipientEmail}
	if pair[0] > pair[1] {
		pair[0], pair[1] = pair[1], pair[0]
	}
	sum := models.ChatSummary{
		ChatID:          roomID,
		ParticipantA:    pair[0],
		ParticipantB:    pair[1],
		LastMessage:     body,
		LastMessageTime: msg.Timestamp,
		JobContext:      req.JobContext,
	}
	if err := h.Store.UpsertSummary(c.Request.Context(), &sum); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"message": "failed update chat", "error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"success": true, "messageId": msg.ID})
}

func (h *ChatHandler) ListChats(c *gin.Context) {
	userEmail := c.MustGet("userEmail").(string)

	sums, err := h.Store.ListSummaries(c.Request.Context(), userEmail)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"message": "failed", "error": err.Error()})
		return
	}
	if sums == nil {
		sums = []models.ChatSummary{}
	}

	c.JSON(http.StatusOK, gin.H{"chats": sums})
}

func (h *ChatHandler) MarkRead(c *gin.Context) {
	userEmail := c.MustGet("userEmail").(string)

	chatID := c.Query("chatId")
	if chatID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"message": "chatId is required"})
		return
	}

	n, err := h.Store.MarkRead(c.Request.Context(), chatID, userEmail)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"message": "failed", "error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "updated": n})
}
