// ABOUTME: Side-effect interfaces for pushing events and emitting notifications
// ABOUTME: Includes no-op implementations and recording fakes that fan out to test subscribers

package conversation

import (
	"context"
	"sync"

	"github.com/2389/fireside-gateway/internal/store"
)

// Publisher pushes a payload to a broker destination. The broker satisfies it.
type Publisher interface {
	Publish(destination string, payload any) error
}

// Notifier emits a durable notification. notify.Sink satisfies it.
type Notifier interface {
	Notify(ctx context.Context, n *store.Notification) error
}

// NopPublisher discards every publish.
type NopPublisher struct{}

// Publish implements Publisher.
func (NopPublisher) Publish(string, any) error { return nil }

// NopNotifier discards every notification.
type NopNotifier struct{}

// Notify implements Notifier.
func (NopNotifier) Notify(context.Context, *store.Notification) error { return nil }

// recordedBufferSize is the channel buffer for each RecordingPublisher subscriber.
const recordedBufferSize = 64

// Published is one recorded publish.
type Published struct {
	Destination string
	Payload     any
}

// RecordingPublisher keeps every publish in memory and forwards it to
// subscribers of the destination. Err, when set, is returned from Publish
// after recording.
type RecordingPublisher struct {
	mu          sync.Mutex
	published   []Published
	subscribers map[string][]chan Published
	Err         error
}

// NewRecordingPublisher creates an empty RecordingPublisher.
func NewRecordingPublisher() *RecordingPublisher {
	return &RecordingPublisher{subscribers: make(map[string][]chan Published)}
}

// Publish implements Publisher. Sends to full subscriber channels are dropped.
func (r *RecordingPublisher) Publish(destination string, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p := Published{Destination: destination, Payload: payload}
	r.published = append(r.published, p)
	for _, ch := range r.subscribers[destination] {
		select {
		case ch <- p:
		default:
		}
	}
	return r.Err
}

// Subscribe returns a channel that receives future publishes to destination.
func (r *RecordingPublisher) Subscribe(destination string) <-chan Published {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch := make(chan Published, recordedBufferSize)
	r.subscribers[destination] = append(r.subscribers[destination], ch)
	return ch
}

// All returns a copy of every recorded publish in order.
func (r *RecordingPublisher) All() []Published {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Published(nil), r.published...)
}

// To returns the recorded publishes for one destination.
func (r *RecordingPublisher) To(destination string) []Published {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Published
	for _, p := range r.published {
		if p.Destination == destination {
			out = append(out, p)
		}
	}
	return out
}

// Reset forgets recorded publishes. Subscribers are kept.
func (r *RecordingPublisher) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.published = nil
}

// RecordingNotifier keeps every notification in memory.
type RecordingNotifier struct {
	mu    sync.Mutex
	notes []*store.Notification
	Err   error
}

// Notify implements Notifier.
func (r *RecordingNotifier) Notify(_ context.Context, n *store.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *n
	r.notes = append(r.notes, &cp)
	return r.Err
}

// For returns notifications addressed to userID, optionally filtered by type.
func (r *RecordingNotifier) For(userID, typ string) []*store.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*store.Notification
	for _, n := range r.notes {
		if n.UserID == userID && (typ == "" || n.Type == typ) {
			out = append(out, n)
		}
	}
	return out
}

// All returns every recorded notification.
func (r *RecordingNotifier) All() []*store.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*store.Notification(nil), r.notes...)
}
