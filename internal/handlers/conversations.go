package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"messenger-service/internal/models"
	"messenger-service/internal/services"
)

// ConversationHandler serves conversation, participant and invite endpoints.
type ConversationHandler struct {
	conversations *services.ConversationService
}

func NewConversationHandler(conversations *services.ConversationService) *ConversationHandler {
	return &ConversationHandler{conversations: conversations}
}

// CreateConversation answers 201 for a new conversation and 200 when an existing direct conversation is returned.
func (h *ConversationHandler) CreateConversation(c *gin.Context) {
	id, ok := actor(c)
	if !ok {
		return
	}
	var req services.CreateConversationInput
	if !bindJSON(c, &req) {
		return
	}

	conv, created, err := h.conversations.CreateConversation(c.Request.Context(), id, req)
	if err != nil {
		respondError(c, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{"conversation": conv})
}

func (h *ConversationHandler) ListConversations(c *gin.Context) {
	id, ok := actor(c)
	if !ok {
		return
	}
	views, err := h.conversations.ListConversations(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	if views == nil {
		views = []models.ConversationView{}
	}
	c.JSON(http.StatusOK, gin.H{"conversations": views})
}

func (h *ConversationHandler) GetConversation(c *gin.Context) {
	id, ok := actor(c)
	if !ok {
		return
	}
	convID, ok := int64Param(c, "conversation_id")
	if !ok {
		return
	}
	detail, err := h.conversations.GetConversation(c.Request.Context(), id, convID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversation": detail})
}

func (h *ConversationHandler) UpdateConversation(c *gin.Context) {
	id, ok := actor(c)
	if !ok {
		return
	}
	convID, ok := int64Param(c, "conversation_id")
	if !ok {
		return
	}
	var patch models.ConversationPatch
	if !bindJSON(c, &patch) {
		return
	}
	conv, err := h.conversations.UpdateConversation(c.Request.Context(), id, convID, patch)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversation": conv})
}

func (h *ConversationHandler) DeleteConversation(c *gin.Context) {
	id, ok := actor(c)
	if !ok {
		return
	}
	convID, ok := int64Param(c, "conversation_id")
	if !ok {
		return
	}
	if err := h.conversations.DeleteConversation(c.Request.Context(), id, convID); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *ConversationHandler) AddParticipant(c *gin.Context) {
	id, ok := actor(c)
	if !ok {
		return
	}
	convID, ok := int64Param(c, "conversation_id")
	if !ok {
		return
	}
	var req struct {
		UserID int64       `json:"user_id" binding:"required"`
		Role   models.Role `json:"role"`
	}
	if !bindJSON(c, &req) {
		return
	}
	if req.Role == "" {
		req.Role = models.RoleMember
	}

	p, err := h.conversations.AddParticipant(c.Request.Context(), id, convID, req.UserID, req.Role)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"participant": p})
}

func (h *ConversationHandler) UpdateParticipant(c *gin.Context) {
	id, ok := actor(c)
	if !ok {
		return
	}
	convID, ok := int64Param(c, "conversation_id")
	if !ok {
		return
	}
	userID, ok := int64Param(c, "user_id")
	if !ok {
		return
	}
	var patch models.ParticipantPatch
	if !bindJSON(c, &patch) {
		return
	}
	p, err := h.conversations.UpdateParticipant(c.Request.Context(), id, convID, userID, patch)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"participant": p})
}

func (h *ConversationHandler) RemoveParticipant(c *gin.Context) {
	id, ok := actor(c)
	if !ok {
		return
	}
	convID, ok := int64Param(c, "conversation_id")
	if !ok {
		return
	}
	userID, ok := int64Param(c, "user_id")
	if !ok {
		return
	}
	if err := h.conversations.RemoveParticipant(c.Request.Context(), id, convID, userID); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Invites

func (h *ConversationHandler) CreateInvite(c *gin.Context) {
	id, ok := actor(c)
	if !ok {
		return
	}
	convID, ok := int64Param(c, "conversation_id")
	if !ok {
		return
	}
	var req struct {
		InviteeID int64  `json:"invitee_id" binding:"required"`
		Message   string `json:"message"`
	}
	if !bindJSON(c, &req) {
		return
	}
	invite, err := h.conversations.CreateInvite(c.Request.Context(), id, convID, req.InviteeID, req.Message)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"invite": invite})
}

// ListInvites returns the caller's invites, optionally filtered by ?status=.
func (h *ConversationHandler) ListInvites(c *gin.Context) {
	id, ok := actor(c)
	if !ok {
		return
	}
	invites, err := h.conversations.ListInvites(c.Request.Context(), id, models.InviteStatus(c.Query("status")))
	if err != nil {
		respondError(c, err)
		return
	}
	if invites == nil {
		invites = []models.ConversationInvite{}
	}
	c.JSON(http.StatusOK, gin.H{"invites": invites})
}

func (h *ConversationHandler) AcceptInvite(c *gin.Context) {
	h.respondInvite(c, true)
}

func (h *ConversationHandler) DeclineInvite(c *gin.Context) {
	h.respondInvite(c, false)
}

func (h *ConversationHandler) respondInvite(c *gin.Context, accept bool) {
	id, ok := actor(c)
	if !ok {
		return
	}
	inviteID, ok := int64Param(c, "invite_id")
	if !ok {
		return
	}
	invite, err := h.conversations.RespondInvite(c.Request.Context(), id, inviteID, accept)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"invite": invite})
}
