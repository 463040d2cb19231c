package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"messenger-service/internal/models"
	"messenger-service/internal/services"
)

// MessageHandler serves message, read-state and reaction endpoints.
type MessageHandler struct {
	messages *services.MessageService
}

func NewMessageHandler(messages *services.MessageService) *MessageHandler {
	return &MessageHandler{messages: messages}
}

func (h *MessageHandler) ids(c *gin.Context) (convID, msgID int64, ok bool) {
	if convID, ok = int64Param(c, "conversation_id"); !ok {
		return 0, 0, false
	}
	if msgID, ok = int64Param(c, "message_id"); !ok {
		return 0, 0, false
	}
	return convID, msgID, true
}

func optionalID(c *gin.Context, name string) (*int64, bool) {
	raw := c.Query(name)
	if raw == "" {
		return nil, true
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return nil, false
	}
	return &v, true
}

// GetConversationMessages pages history with ?before=, ?after=, ?search=, ?type=, ?pinned= and ?limit=.
func (h *MessageHandler) GetConversationMessages(c *gin.Context) {
	id, ok := actor(c)
	if !ok {
		return
	}
	convID, ok := int64Param(c, "conversation_id")
	if !ok {
		return
	}

	filter := services.MessageFilter{
		Search:     c.Query("search"),
		Type:       models.MessageType(c.Query("type")),
		PinnedOnly: c.Query("pinned") == "true",
	}
	if filter.Before, ok = optionalID(c, "before"); !ok {
		return
	}
	if filter.After, ok = optionalID(c, "after"); !ok {
		return
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		filter.Limit = limit
	}

	msgs, err := h.messages.GetConversationMessages(c.Request.Context(), id, convID, filter)
	if err != nil {
		respondError(c, err)
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

func (h *MessageHandler) SendMessage(c *gin.Context) {
	id, ok := actor(c)
	if !ok {
		return
	}
	convID, ok := int64Param(c, "conversation_id")
	if !ok {
		return
	}
	var req services.SendMessageInput
	if !bindJSON(c, &req) {
		return
	}
	res, err := h.messages.SendMessage(c.Request.Context(), id, convID, req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

func (h *MessageHandler) UpdateMessage(c *gin.Context) {
	id, ok := actor(c)
	if !ok {
		return
	}
	convID, msgID, ok := h.ids(c)
	if !ok {
		return
	}
	var req services.UpdateMessageInput
	if !bindJSON(c, &req) {
		return
	}
	res, err := h.messages.UpdateMessage(c.Request.Context(), id, convID, msgID, req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *MessageHandler) DeleteMessage(c *gin.Context) {
	id, ok := actor(c)
	if !ok {
		return
	}
	convID, msgID, ok := h.ids(c)
	if !ok {
		return
	}
	if err := h.messages.DeleteMessage(c.Request.Context(), id, convID, msgID); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *MessageHandler) PinMessage(c *gin.Context) {
	id, ok := actor(c)
	if !ok {
		return
	}
	convID, msgID, ok := h.ids(c)
	if !ok {
		return
	}
	var req struct {
		Pinned *bool `json:"pinned" binding:"required"`
	}
	if !bindJSON(c, &req) {
		return
	}
	msg, err := h.messages.PinMessage(c.Request.Context(), id, convID, msgID, *req.Pinned)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": msg})
}

func (h *MessageHandler) MarkMessageAsRead(c *gin.Context) {
	id, ok := actor(c)
	if !ok {
		return
	}
	convID, msgID, ok := h.ids(c)
	if !ok {
		return
	}
	state, err := h.messages.MarkMessageAsRead(c.Request.Context(), id, convID, msgID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, readResponse(state))
}

func (h *MessageHandler) MarkConversationAsRead(c *gin.Context) {
	id, ok := actor(c)
	if !ok {
		return
	}
	convID, ok := int64Param(c, "conversation_id")
	if !ok {
		return
	}
	state, err := h.messages.MarkConversationAsRead(c.Request.Context(), id, convID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, readResponse(state))
}

func readResponse(state models.ReadState) gin.H {
	return gin.H{
		"last_message_read_id": state.LastMessageReadID,
		"last_seen_at":         state.LastSeenAt,
		"unread_count":         state.UnreadCount,
	}
}

func (h *MessageHandler) GetMessageStatuses(c *gin.Context) {
	id, ok := actor(c)
	if !ok {
		return
	}
	convID, msgID, ok := h.ids(c)
	if !ok {
		return
	}
	statuses, err := h.messages.GetMessageStatuses(c.Request.Context(), id, convID, msgID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"statuses": statuses})
}

// ToggleReaction applies the add/switch/remove rule for the caller's reaction on a message.
func (h *MessageHandler) ToggleReaction(c *gin.Context) {
	id, ok := actor(c)
	if !ok {
		return
	}
	convID, msgID, ok := h.ids(c)
	if !ok {
		return
	}
	var req struct {
		ReactionType models.ReactionType `json:"reaction_type" binding:"required"`
	}
	if !bindJSON(c, &req) {
		return
	}
	out, err := h.messages.ToggleReaction(c.Request.Context(), id, convID, msgID, req.ReactionType)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h *MessageHandler) ListReactions(c *gin.Context) {
	id, ok := actor(c)
	if !ok {
		return
	}
	convID, msgID, ok := h.ids(c)
	if !ok {
		return
	}
	list, err := h.messages.ListReactions(c.Request.Context(), id, convID, msgID)
	if err != nil {
		respondError(c, err)
		return
	}
	if list == nil {
		list = []models.Reaction{}
	}
	c.JSON(http.StatusOK, gin.H{"reactions": list})
}

// UnreadCounts returns the caller's unread count per conversation and in total.
func (h *MessageHandler) UnreadCounts(c *gin.Context) {
	id, ok := actor(c)
	if !ok {
		return
	}
	unread, total, err := h.messages.UnreadCounts(c.Request.Context(), id.UserID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"unread": unread, "total": total})
}
