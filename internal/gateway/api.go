// ABOUTME: REST handlers for conversations, messages, notifications and the user directory
// ABOUTME: Maps conversation service errors onto HTTP status codes and JSON bodies

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/2389/fireside-gateway/internal/auth"
	"github.com/2389/fireside-gateway/internal/conversation"
	"github.com/2389/fireside-gateway/internal/store"
)

// maxBodyBytes caps JSON request bodies.
const maxBodyBytes = 1 << 20

// Notification list limits.
const (
	defaultNotificationLimit = 50
	maxNotificationLimit     = 500
)

// CreateConversationRequest is the JSON body for POST /api/conversations.
type CreateConversationRequest struct {
	OtherUserID string `json:"otherUserId"`
}

// SendMessageRequest is the JSON body for POST /api/conversations/{id}/messages.
type SendMessageRequest struct {
	Text        string             `json:"text"`
	Attachments []store.Attachment `json:"attachments,omitempty"`
}

// replayedHeader marks a send answered from an earlier request with the same Idempotency-Key.
const replayedHeader = "Idempotent-Replayed"

// PauseResponse is returned by PATCH /api/conversations/{id}/pause.
type PauseResponse struct {
	ChatID   string                   `json:"chatId"`
	Status   store.ConversationStatus `json:"status"`
	PausedBy *string                  `json:"pausedBy"`
	PausedAt *time.Time               `json:"pausedAt"`
}

// ResumeResponse is returned by PATCH /api/conversations/{id}/resume.
type ResumeResponse struct {
	ChatID string                   `json:"chatId"`
	Status store.ConversationStatus `json:"status"`
}

// CloseResponse is returned by PATCH /api/conversations/{id}/close.
type CloseResponse struct {
	ChatID   string                   `json:"chatId"`
	Status   store.ConversationStatus `json:"status"`
	ClosedAt *time.Time               `json:"closedAt"`
}

// UpsertUserRequest is the JSON body for PUT /api/admin/users/{id}.
type UpsertUserRequest struct {
	DisplayName            string `json:"displayName"`
	Suspended              bool   `json:"suspended"`
	Admin                  bool   `json:"admin"`
	Plan                   string `json:"plan,omitempty"`
	MaxActiveConversations int    `json:"maxActiveConversations,omitempty"`
}

// UserResponse describes a directory entry.
type UserResponse struct {
	ID                     string `json:"id"`
	DisplayName            string `json:"displayName"`
	Suspended              bool   `json:"suspended"`
	Admin                  bool   `json:"admin"`
	Plan                   string `json:"plan"`
	ActiveConversations    int    `json:"activeConversations"`
	MaxActiveConversations int    `json:"maxActiveConversations"`
}

// errorResponse is the body of every failed API call.
type errorResponse struct {
	Message      string                   `json:"message"`
	Status       store.ConversationStatus `json:"status,omitempty"`
	BlockedFor   string                   `json:"blockedFor,omitempty"`
	CurrentCount *int                     `json:"currentCount,omitempty"`
	MaxAllowed   *int                     `json:"maxAllowed,omitempty"`
}

// handleCreateConversation handles POST /api/conversations.
// Returns 201 when a conversation was created and 200 when an open one already existed.
func (g *Gateway) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	caller := auth.MustFromContext(r.Context())

	var req CreateConversationRequest
	if !g.decodeJSON(w, r, &req) {
		return
	}

	conv, created, err := g.conversation.CreateConversation(r.Context(), caller.UserID, req.OtherUserID)
	if err != nil {
		g.writeServiceError(w, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	g.writeJSON(w, status, conversation.NewConversationView(conv, g.conversation.SenderNames(r.Context(), conv)))
}

// handleListConversations handles GET /api/conversations.
func (g *Gateway) handleListConversations(w http.ResponseWriter, r *http.Request) {
	caller := auth.MustFromContext(r.Context())

	summaries, err := g.conversation.ListConversations(r.Context(), caller.UserID)
	if err != nil {
		g.writeServiceError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, summaries)
}

// handleGetMessages handles GET /api/conversations/{id}/messages.
func (g *Gateway) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	caller := auth.MustFromContext(r.Context())

	thread, err := g.conversation.GetConversationForUser(r.Context(), caller.UserID, r.PathValue("id"))
	if err != nil {
		g.writeServiceError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, thread)
}

// handleSendMessage handles POST /api/conversations/{id}/messages.
// An Idempotency-Key header makes retries return the first result.
func (g *Gateway) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	caller := auth.MustFromContext(r.Context())

	var req SendMessageRequest
	if !g.decodeJSON(w, r, &req) {
		return
	}

	res, err := g.conversation.AppendMessage(r.Context(), conversation.AppendRequest{
		SenderID:       caller.UserID,
		ConversationID: r.PathValue("id"),
		Text:           req.Text,
		Attachments:    req.Attachments,
		IdempotencyKey: strings.TrimSpace(r.Header.Get("Idempotency-Key")),
	})
	if err != nil {
		g.writeServiceError(w, err)
		return
	}

	if res.Replayed {
		w.Header().Set(replayedHeader, "true")
	}
	names := g.conversation.SenderNames(r.Context(), res.Conversation)
	g.writeJSON(w, http.StatusOK, conversation.NewConversationView(res.Conversation, names))
}

// handlePause handles PATCH /api/conversations/{id}/pause.
func (g *Gateway) handlePause(w http.ResponseWriter, r *http.Request) {
	caller := auth.MustFromContext(r.Context())

	conv, err := g.conversation.PauseConversation(r.Context(), caller.UserID, r.PathValue("id"))
	if err != nil {
		g.writeServiceError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, PauseResponse{
		ChatID:   conv.ID,
		Status:   conv.Status,
		PausedBy: conv.PausedBy,
		PausedAt: conv.PausedAt,
	})
}

// handleResume handles PATCH /api/conversations/{id}/resume.
func (g *Gateway) handleResume(w http.ResponseWriter, r *http.Request) {
	caller := auth.MustFromContext(r.Context())

	conv, err := g.conversation.ResumeConversation(r.Context(), caller.UserID, r.PathValue("id"))
	if err != nil {
		g.writeServiceError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, ResumeResponse{ChatID: conv.ID, Status: conv.Status})
}

// handleClose handles PATCH /api/conversations/{id}/close.
func (g *Gateway) handleClose(w http.ResponseWriter, r *http.Request) {
	caller := auth.MustFromContext(r.Context())

	conv, err := g.conversation.CloseConversation(r.Context(), caller.UserID, r.PathValue("id"))
	if err != nil {
		g.writeServiceError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, CloseResponse{ChatID: conv.ID, Status: conv.Status, ClosedAt: conv.ClosedAt})
}

// handleListNotifications handles GET /api/notifications?limit=N.
func (g *Gateway) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	caller := auth.MustFromContext(r.Context())

	limit := defaultNotificationLimit
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed < 1 {
			g.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(parsed, maxNotificationLimit)
	}

	notes, err := g.notifier.List(r.Context(), caller.UserID, limit)
	if err != nil {
		g.writeServiceError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, notes)
}

// handleUpsertUser handles PUT /api/admin/users/{id}.
func (g *Gateway) handleUpsertUser(w http.ResponseWriter, r *http.Request) {
	var req UpsertUserRequest
	if !g.decodeJSON(w, r, &req) {
		return
	}
	if req.MaxActiveConversations < 0 {
		g.sendJSONError(w, http.StatusBadRequest, "maxActiveConversations must not be negative")
		return
	}
	if req.MaxActiveConversations == 0 {
		req.MaxActiveConversations = g.config.Conversations.DefaultMaxActive
	}

	id := r.PathValue("id")
	if err := g.store.UpsertUser(r.Context(), &store.User{
		ID:                     id,
		DisplayName:            req.DisplayName,
		Suspended:              req.Suspended,
		Admin:                  req.Admin,
		Plan:                   req.Plan,
		MaxActiveConversations: req.MaxActiveConversations,
	}); err != nil {
		g.writeServiceError(w, err)
		return
	}

	u, err := g.store.GetUser(r.Context(), id)
	if err != nil {
		g.writeServiceError(w, err)
		return
	}

	g.logger.Info("user upserted", "user_id", id, "by", auth.MustFromContext(r.Context()).UserID)
	g.writeJSON(w, http.StatusOK, UserResponse{
		ID:                     u.ID,
		DisplayName:            u.DisplayName,
		Suspended:              u.Suspended,
		Admin:                  u.Admin,
		Plan:                   u.Plan,
		ActiveConversations:    u.ActiveConversations,
		MaxActiveConversations: u.MaxActiveConversations,
	})
}

// decodeJSON reads a JSON body into dst, writing a 400 on failure.
func (g *Gateway) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(dst); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// writeServiceError maps a conversation service error to its HTTP response.
// Unexpected errors are logged and reported without detail.
func (g *Gateway) writeServiceError(w http.ResponseWriter, err error) {
	var (
		validation *conversation.ValidationError
		notFound   *conversation.NotFoundError
		forbidden  *conversation.ForbiddenError
		conflict   *conversation.ConflictError
		quota      *conversation.QuotaExceededError
	)

	switch {
	case errors.As(err, &quota):
		g.writeJSON(w, http.StatusForbidden, errorResponse{
			Message:      quota.Error(),
			BlockedFor:   quota.BlockedFor,
			CurrentCount: &quota.CurrentCount,
			MaxAllowed:   &quota.MaxAllowed,
		})
	case errors.As(err, &conflict):
		g.writeJSON(w, http.StatusConflict, errorResponse{Message: conflict.Error(), Status: conflict.Status})
	case errors.As(err, &validation):
		g.sendJSONError(w, http.StatusBadRequest, validation.Error())
	case errors.As(err, &notFound):
		g.sendJSONError(w, http.StatusNotFound, notFound.Error())
	case errors.As(err, &forbidden):
		g.sendJSONError(w, http.StatusForbidden, forbidden.Error())
	case errors.Is(err, store.ErrNotFound):
		g.sendJSONError(w, http.StatusNotFound, "not found")
	case errors.Is(err, store.ErrInvalidUserID):
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
	default:
		g.logger.Error("request failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.writeJSON(w, status, errorResponse{Message: message})
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Warn("failed to write response", "error", err)
	}
}
