// ABOUTME: Conversation service: business rules for creating, messaging, pausing and resuming chats
// ABOUTME: Store changes happen first; broker publishes and notifications follow as best effort

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/2389/fireside-gateway/internal/dedupe"
	"github.com/2389/fireside-gateway/internal/metrics"
	"github.com/2389/fireside-gateway/internal/store"
)

// DefaultPreviewLength caps notification previews, in characters.
const DefaultPreviewLength = 200

// Store is what the service needs from persistence, including the user
// directory for existence, suspension, admin and slot checks.
type Store interface {
	store.ConversationStore
	GetUser(ctx context.Context, id string) (*store.User, error)
}

// Config holds service tuning.
type Config struct {
	PreviewLength int
	// Idempotency enables Idempotency-Key handling for appends when set.
	Idempotency *dedupe.Cache
}

// Service applies conversation rules on top of the store.
type Service struct {
	store     Store
	publisher Publisher
	notifier  Notifier
	preview   int
	idem      *dedupe.Cache
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a conversation service. Nil publisher or notifier fall back to
// no-op implementations.
func New(st Store, publisher Publisher, notifier Notifier, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if publisher == nil {
		publisher = NopPublisher{}
	}
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if cfg.PreviewLength <= 0 {
		cfg.PreviewLength = DefaultPreviewLength
	}
	return &Service{
		store:     st,
		publisher: publisher,
		notifier:  notifier,
		preview:   cfg.PreviewLength,
		idem:      cfg.Idempotency,
		logger:    logger.With("component", "conversation"),
		now:       time.Now,
	}
}

// CreateConversation returns the open conversation between requester and
// other, creating it if none exists. created reports whether a new
// conversation was stored.
func (s *Service) CreateConversation(ctx context.Context, requesterID, otherUserID string) (conv *store.Conversation, created bool, err error) {
	defer func() { metrics.RecordConversationOp("create", err) }()

	otherUserID = strings.TrimSpace(otherUserID)
	if otherUserID == "" {
		return nil, false, &ValidationError{Message: "otherUserId is required"}
	}
	if otherUserID == requesterID {
		return nil, false, &ValidationError{Message: "cannot start a conversation with yourself"}
	}

	requester, err := s.getUser(ctx, requesterID)
	if err != nil {
		return nil, false, err
	}
	if _, err := s.getUser(ctx, otherUserID); err != nil {
		return nil, false, err
	}
	if requester.Suspended {
		return nil, false, &ForbiddenError{Message: "user is suspended"}
	}

	existing, err := s.store.FindOpenByPair(ctx, requesterID, otherUserID)
	switch {
	case err == nil:
		return existing, false, nil
	case !errors.Is(err, store.ErrNotFound):
		return nil, false, fmt.Errorf("finding conversation: %w", err)
	}

	// Only the requester's slots gate creation. The store repeats the check
	// atomically with the insert.
	if !requester.HasFreeSlot() {
		return nil, false, quotaExceeded(requester)
	}

	conv, err = s.store.CreateConversationWithinQuota(ctx, requesterID, otherUserID, requester.MaxActiveConversations)
	var qe *store.QuotaError
	if errors.As(err, &qe) {
		return nil, false, slotsFull(qe)
	}
	if errors.Is(err, store.ErrDuplicateConversation) {
		// Lost a race with a concurrent create for the same pair.
		existing, ferr := s.store.FindOpenByPair(ctx, requesterID, otherUserID)
		if ferr != nil {
			return nil, false, fmt.Errorf("re-fetching conversation after conflict: %w", ferr)
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("creating conversation: %w", err)
	}

	s.logger.Info("conversation created",
		"conversation_id", conv.ID,
		"requester", requesterID,
		"other", otherUserID)

	s.publishStatus(conv, requesterID)
	s.notifyOthers(ctx, conv, requesterID, store.NotificationConversationStarted,
		fmt.Sprintf("%s started a conversation with you", displayName(requester)))

	return conv, true, nil
}

// AppendRequest is a message submitted by a participant.
type AppendRequest struct {
	SenderID       string
	ConversationID string
	Text           string
	Attachments    []store.Attachment

	// IdempotencyKey, when set, makes retries of the same request return the
	// original result instead of appending again.
	IdempotencyKey string
}

// AppendResult is the outcome of AppendMessage.
type AppendResult struct {
	Conversation *store.Conversation
	Message      *MessageView // nil if a replayed message can no longer be found
	Replayed     bool
}

// AppendMessage adds a message to an active conversation.
func (s *Service) AppendMessage(ctx context.Context, req AppendRequest) (res *AppendResult, err error) {
	defer func() { metrics.RecordConversationOp("append", err) }()

	text := strings.TrimSpace(req.Text)
	if text == "" {
		return nil, &ValidationError{Message: "message text is required"}
	}

	conv, err := s.getConversation(ctx, req.ConversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(req.SenderID) {
		return nil, errNotParticipant
	}

	sender, err := s.getUser(ctx, req.SenderID)
	if err != nil {
		return nil, err
	}
	if sender.Suspended {
		return nil, &ForbiddenError{Message: "user is suspended"}
	}

	idemKey := ""
	if s.idem != nil && req.IdempotencyKey != "" {
		idemKey = req.SenderID + "\x00" + conv.ID + "\x00" + req.IdempotencyKey
		switch messageID, state := s.idem.Reserve(idemKey); state {
		case dedupe.InFlight:
			return nil, &ConflictError{Status: conv.Status, Message: "a request with this Idempotency-Key is in progress"}
		case dedupe.Done:
			s.logger.Debug("replaying idempotent append",
				"conversation_id", conv.ID,
				"sender", req.SenderID,
				"message_id", messageID)
			return s.replay(conv, messageID, sender), nil
		}
	}

	if conv.Status != store.StatusActive {
		s.release(idemKey)
		return nil, &ConflictError{Status: conv.Status}
	}

	msg, err := s.store.AppendMessage(ctx, conv.ID, req.SenderID, text, req.Attachments)
	if err != nil {
		s.release(idemKey)
		var sc *store.StatusConflictError
		switch {
		case errors.As(err, &sc):
			return nil, &ConflictError{Status: sc.Status}
		case errors.Is(err, store.ErrNotFound):
			return nil, conversationNotFound(conv.ID)
		}
		return nil, fmt.Errorf("appending message: %w", err)
	}
	if idemKey != "" {
		s.idem.Complete(idemKey, msg.ID)
	}

	view := newMessageView(msg, sender.DisplayName)

	updated, err := s.store.GetConversation(ctx, conv.ID)
	if err != nil {
		// The message is stored; answer from what we already have.
		s.logger.Warn("re-reading conversation after append failed", "conversation_id", conv.ID, "error", err)
		conv.Messages = append(conv.Messages, msg)
		conv.LastActive = msg.CreatedAt
		updated = conv
	}

	s.logger.Debug("message appended",
		"conversation_id", conv.ID,
		"message_id", msg.ID,
		"seq", msg.Seq)

	s.publishMessage(updated, view)
	s.notifyOthers(ctx, updated, req.SenderID, store.NotificationMessage, s.previewOf(text))

	return &AppendResult{Conversation: updated, Message: &view}, nil
}

func (s *Service) replay(conv *store.Conversation, messageID string, sender *store.User) *AppendResult {
	res := &AppendResult{Conversation: conv, Replayed: true}
	for _, m := range conv.Messages {
		if m.ID == messageID {
			view := newMessageView(m, sender.DisplayName)
			res.Message = &view
			break
		}
	}
	return res
}

func (s *Service) release(idemKey string) {
	if idemKey != "" {
		s.idem.Release(idemKey)
	}
}

// PauseConversation pauses an active conversation. Pausing a paused
// conversation returns it unchanged and notifies nobody.
func (s *Service) PauseConversation(ctx context.Context, requesterID, conversationID string) (conv *store.Conversation, err error) {
	defer func() { metrics.RecordConversationOp("pause", err) }()

	conv, err = s.getConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(requesterID) {
		return nil, errNotParticipant
	}
	if conv.Status == store.StatusPaused {
		return conv, nil
	}
	if conv.Status.IsTerminal() {
		return nil, &ConflictError{Status: conv.Status}
	}

	updated, changed, err := s.setStatus(ctx, conv.ID, store.StatusPaused, requesterID)
	if err != nil || !changed {
		return updated, err
	}

	s.logger.Info("conversation paused", "conversation_id", conv.ID, "by", requesterID)
	s.publishStatus(updated, requesterID)
	s.notifyOthers(ctx, updated, requesterID, store.NotificationPaused, "Your conversation was paused")
	return updated, nil
}

// ResumeConversation reactivates a paused conversation if the requester has
// a free active slot. Only the requester's quota is checked.
func (s *Service) ResumeConversation(ctx context.Context, requesterID, conversationID string) (conv *store.Conversation, err error) {
	defer func() { metrics.RecordConversationOp("resume", err) }()

	conv, err = s.getConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(requesterID) {
		return nil, errNotParticipant
	}
	if conv.Status != store.StatusPaused {
		return nil, &ConflictError{Status: conv.Status, Message: fmt.Sprintf("conversation is %s, not paused", conv.Status)}
	}

	requester, err := s.getUser(ctx, requesterID)
	if err != nil {
		return nil, err
	}
	if requester.Suspended {
		return nil, &ForbiddenError{Message: "user is suspended"}
	}
	if !requester.HasFreeSlot() {
		return nil, quotaExceeded(requester)
	}

	updated, changed, err := s.store.ResumeWithinQuota(ctx, conv.ID, requesterID, requester.MaxActiveConversations, s.now())
	var qe *store.QuotaError
	if errors.As(err, &qe) {
		return nil, slotsFull(qe)
	}
	if err != nil {
		return nil, s.statusError(conv.ID, store.StatusActive, updated, err)
	}
	if !changed {
		return updated, nil
	}

	s.logger.Info("conversation resumed", "conversation_id", conv.ID, "by", requesterID)
	s.publishStatus(updated, requesterID)
	s.notifyOthers(ctx, updated, requesterID, store.NotificationResumed, "Your conversation was resumed")
	return updated, nil
}

// CloseConversation ends a conversation. Closing a conversation that is
// already closed or auto-closed returns it unchanged.
func (s *Service) CloseConversation(ctx context.Context, requesterID, conversationID string) (conv *store.Conversation, err error) {
	defer func() { metrics.RecordConversationOp("close", err) }()

	conv, err = s.getConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(requesterID) {
		return nil, errNotParticipant
	}
	if conv.Status.IsTerminal() {
		return conv, nil
	}

	updated, changed, err := s.setStatus(ctx, conv.ID, store.StatusClosed, requesterID)
	if err != nil || !changed {
		return updated, err
	}

	s.logger.Info("conversation closed", "conversation_id", conv.ID, "by", requesterID)
	s.publishStatus(updated, requesterID)
	s.notifyOthers(ctx, updated, requesterID, store.NotificationClosed, "Your conversation was closed")
	return updated, nil
}

// setStatus wraps store.SetStatus and maps its errors. A terminal
// conversation yields a ConflictError carrying its status.
func (s *Service) setStatus(ctx context.Context, id string, status store.ConversationStatus, actorID string) (*store.Conversation, bool, error) {
	conv, changed, err := s.store.SetStatus(ctx, id, status, actorID, s.now())
	if err != nil {
		return nil, false, s.statusError(id, status, conv, err)
	}
	return conv, changed, nil
}

func (s *Service) statusError(id string, status store.ConversationStatus, conv *store.Conversation, err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return conversationNotFound(id)
	case errors.Is(err, store.ErrTerminal) && conv != nil:
		return &ConflictError{Status: conv.Status}
	case errors.Is(err, store.ErrDuplicateConversation):
		return &ConflictError{Status: status, Message: "another open conversation exists for this pair"}
	}
	return fmt.Errorf("setting status %s: %w", status, err)
}

// ListConversations returns the user's inbox, newest activity first. A
// conversation whose enrichment fails is still listed with empty fields.
func (s *Service) ListConversations(ctx context.Context, userID string) (out []Summary, err error) {
	defer func() { metrics.RecordConversationOp("list", err) }()

	convs, err := s.store.ListForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}

	users := newUserCache(s.store)
	out = make([]Summary, 0, len(convs))
	for _, c := range convs {
		sum := Summary{
			ID:           c.ID,
			Participants: c.Participants[:],
			Status:       c.Status,
			PausedBy:     c.PausedBy,
			PausedAt:     c.PausedAt,
			LastActive:   c.LastActive,
		}

		otherID := c.OtherParticipant(userID)
		if other, err := users.get(ctx, otherID); err != nil {
			s.logger.Warn("resolving other participant failed",
				"conversation_id", c.ID,
				"user_id", otherID,
				"error", err)
		} else {
			sum.OtherUser = &UserView{ID: other.ID, DisplayName: other.DisplayName}
		}

		msgs, err := s.store.GetMessages(ctx, c.ID)
		if err != nil {
			s.logger.Warn("loading messages failed",
				"conversation_id", c.ID,
				"error", err)
		} else {
			sum.UnreadCount = unreadCount(msgs, userID)
			if n := len(msgs); n > 0 {
				last := msgs[n-1]
				view := newMessageView(last, users.name(ctx, last.Sender))
				sum.LastMessage = &view
			}
		}

		out = append(out, sum)
	}
	return out, nil
}

// unreadCount approximates unread messages as those not authored by the
// viewer. There is no per-user read cursor.
func unreadCount(msgs []*store.Message, viewerID string) int {
	n := 0
	for _, m := range msgs {
		if m.Sender != viewerID {
			n++
		}
	}
	return n
}

// GetConversationForUser returns the full history of a conversation the user
// takes part in. Admins may read any conversation.
func (s *Service) GetConversationForUser(ctx context.Context, userID, conversationID string) (thread *Thread, err error) {
	defer func() { metrics.RecordConversationOp("get", err) }()

	conv, err := s.getConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	if !conv.HasParticipant(userID) {
		viewer, err := s.store.GetUser(ctx, userID)
		if err != nil || !viewer.Admin {
			return nil, errNotParticipant
		}
	}

	names := s.SenderNames(ctx, conv)

	var title string
	if other := conv.OtherParticipant(userID); other != "" {
		title = nameOr(names[other], other)
	} else {
		title = nameOr(names[conv.Participants[0]], conv.Participants[0]) + " & " +
			nameOr(names[conv.Participants[1]], conv.Participants[1])
	}

	return &Thread{
		ID:           conv.ID,
		Messages:     messageViews(conv.Messages, names),
		Status:       conv.Status,
		PausedBy:     conv.PausedBy,
		PausedAt:     conv.PausedAt,
		Participants: conv.Participants[:],
		Name:         title,
	}, nil
}

// AuthorizeSubscription allows participants and admins to subscribe to a
// conversation's broker topics.
func (s *Service) AuthorizeSubscription(ctx context.Context, userID, conversationID string) error {
	conv, err := s.getConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if conv.HasParticipant(userID) {
		return nil
	}
	if u, err := s.store.GetUser(ctx, userID); err == nil && u.Admin {
		return nil
	}
	return errNotParticipant
}

// SenderNames resolves display names for both participants of conv.
func (s *Service) SenderNames(ctx context.Context, conv *store.Conversation) map[string]string {
	users := newUserCache(s.store)
	names := make(map[string]string, 2)
	for _, p := range conv.Participants {
		names[p] = users.name(ctx, p)
	}
	return names
}

func (s *Service) getConversation(ctx context.Context, id string) (*store.Conversation, error) {
	if id == "" {
		return nil, conversationNotFound(id)
	}
	conv, err := s.store.GetConversation(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, conversationNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading conversation: %w", err)
	}
	return conv, nil
}

func (s *Service) getUser(ctx context.Context, id string) (*store.User, error) {
	if id == "" {
		return nil, userNotFound(id)
	}
	u, err := s.store.GetUser(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, userNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading user: %w", err)
	}
	return u, nil
}

// previewOf truncates text to the configured number of characters.
func (s *Service) previewOf(text string) string {
	if utf8.RuneCountInString(text) <= s.preview {
		return text
	}
	runes := []rune(text)
	return string(runes[:s.preview])
}

func displayName(u *store.User) string {
	return nameOr(u.DisplayName, u.ID)
}

func nameOr(name, fallback string) string {
	if name != "" {
		return name
	}
	return fallback
}

// userCache memoizes user lookups for the duration of one call.
type userCache struct {
	store Store
	users map[string]*store.User
	errs  map[string]error
}

func newUserCache(st Store) *userCache {
	return &userCache{
		store: st,
		users: make(map[string]*store.User),
		errs:  make(map[string]error),
	}
}

func (c *userCache) get(ctx context.Context, id string) (*store.User, error) {
	if u, ok := c.users[id]; ok {
		return u, nil
	}
	if err, ok := c.errs[id]; ok {
		return nil, err
	}
	if id == "" {
		return nil, store.ErrNotFound
	}
	u, err := c.store.GetUser(ctx, id)
	if err != nil {
		c.errs[id] = err
		return nil, err
	}
	c.users[id] = u
	return u, nil
}

// name returns the display name for id, or "" if it cannot be resolved.
func (c *userCache) name(ctx context.Context, id string) string {
	u, err := c.get(ctx, id)
	if err != nil {
		return ""
	}
	return u.DisplayName
}
