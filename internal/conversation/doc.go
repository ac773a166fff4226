// Package conversation implements the rules of two-party chats.
//
// # Lifecycle
//
// A conversation starts active, may be paused and resumed by either
// participant, and ends closed (or auto-closed by an external job). Only
// active conversations accept messages.
//
// # Active slots
//
// Each user has a cap on concurrently active conversations. Creating a new
// conversation and resuming a paused one both require the requester to have
// a free slot; the other participant's count is not checked. The store counts
// and activates in one transaction, so concurrent requests cannot overshoot.
//
// # Side effects
//
// Every change is written to the store first. Broker publishes and
// notifications follow through a single best-effort dispatch path: failures
// are logged and counted but never returned to the caller.
//
//	svc := conversation.New(store, broker, sink, conversation.Config{}, logger)
//	conv, created, err := svc.CreateConversation(ctx, "alice", "bob")
//
// # Errors
//
// Operations return ValidationError, NotFoundError, ForbiddenError,
// ConflictError or QuotaExceededError for expected failures. Anything else is
// an internal error.
package conversation
