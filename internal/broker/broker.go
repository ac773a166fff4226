// ABOUTME: Publish/subscribe broker over WebSocket speaking a JSON STOMP-style protocol
// ABOUTME: Authenticates the handshake, routes client frames and fans out server publishes

package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/2389/fireside-gateway/internal/auth"
	"github.com/2389/fireside-gateway/internal/metrics"
)

// ErrForeignQueue is returned when a client subscribes to another user's queue.
var ErrForeignQueue = errors.New("cannot subscribe to another user's queue")

// Options tunes connection handling. Zero values fall back to defaults.
type Options struct {
	SendBuffer     int
	WriteWait      time.Duration
	PingPeriod     time.Duration
	ReadTimeout    time.Duration
	MaxFrameBytes  int64
	AllowedOrigins []string
}

func (o Options) withDefaults() Options {
	if o.SendBuffer <= 0 {
		o.SendBuffer = 128
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.PingPeriod <= 0 {
		o.PingPeriod = 30 * time.Second
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 60 * time.Second
	}
	if o.MaxFrameBytes <= 0 {
		o.MaxFrameBytes = 1 << 20
	}
	return o
}

// SubscriptionAuthorizer decides whether a user may subscribe to a
// conversation's /topic/chat/{id}/... destinations.
type SubscriptionAuthorizer interface {
	AuthorizeSubscription(ctx context.Context, userID, conversationID string) error
}

// Broker owns every live connection and its subscriptions.
type Broker struct {
	verifier auth.TokenVerifier
	users    auth.UserLookup
	opts     Options
	upgrader websocket.Upgrader
	reg      *registry
	logger   *slog.Logger

	authzMu    sync.RWMutex
	authorizer SubscriptionAuthorizer
}

// New creates a broker. Tokens presented at the handshake are checked with
// verifier and resolved to users through users.
func New(verifier auth.TokenVerifier, users auth.UserLookup, opts Options, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	opts = opts.withDefaults()

	b := &Broker{
		verifier: verifier,
		users:    users,
		opts:     opts,
		reg:      newRegistry(),
		logger:   logger.With("component", "broker"),
	}
	b.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			return originAllowed(r.Header.Get("Origin"), opts.AllowedOrigins)
		},
	}
	return b
}

// SetSubscriptionAuthorizer installs the conversation membership check.
func (b *Broker) SetSubscriptionAuthorizer(a SubscriptionAuthorizer) {
	b.authzMu.Lock()
	defer b.authzMu.Unlock()
	b.authorizer = a
}

func (b *Broker) subscriptionAuthorizer() SubscriptionAuthorizer {
	b.authzMu.RLock()
	defer b.authzMu.RUnlock()
	return b.authorizer
}

// ServeHTTP authenticates and upgrades a client connection, then runs its
// read loop until the client goes away.
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token, errMsg := auth.ExtractToken(r)
	if errMsg != "" {
		writeHandshakeError(w, http.StatusUnauthorized, errMsg)
		return
	}

	authCtx, status, err := auth.Authenticate(r.Context(), b.users, b.verifier, token)
	if err != nil {
		b.logger.Debug("rejecting websocket handshake", "status", status, "error", err)
		msg := "invalid token"
		switch status {
		case http.StatusForbidden:
			msg = err.Error()
		case http.StatusInternalServerError:
			msg = "internal error"
		}
		writeHandshakeError(w, status, msg)
		return
	}

	ws, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error response.
		b.logger.Warn("websocket upgrade failed", "user_id", authCtx.UserID, "error", err)
		return
	}

	conn := newConnection(context.WithoutCancel(r.Context()), authCtx.UserID, ws, b.opts)
	if !b.reg.add(conn) {
		conn.Close(websocket.CloseGoingAway, "server shutting down")
		return
	}
	metrics.RecordConnectionOpened()
	conn.start()

	b.logger.Info("client connected", "conn_id", conn.ID, "user_id", conn.UserID)
	_ = conn.sendFrame(b.connectedFrame(conn))

	b.readLoop(conn)

	b.remove(conn.ID)
	conn.Close(websocket.CloseNormalClosure, "")
	b.logger.Info("client disconnected", "conn_id", conn.ID, "user_id", conn.UserID)
}

func (b *Broker) connectedFrame(conn *Connection) Frame {
	return Frame{
		Command: CommandConnected,
		Version: ProtocolVersion,
		Headers: map[string]string{
			HeaderUserName:  conn.UserID,
			HeaderSession:   conn.ID,
			HeaderHeartBeat: fmt.Sprintf("%d,%d", b.opts.PingPeriod.Milliseconds(), b.opts.ReadTimeout.Milliseconds()),
		},
	}
}

func (b *Broker) readLoop(conn *Connection) {
	ws := conn.ws
	ws.SetReadLimit(b.opts.MaxFrameBytes)
	extend := func() error {
		return ws.SetReadDeadline(time.Now().Add(b.opts.ReadTimeout))
	}
	_ = extend()
	ws.SetPongHandler(func(string) error { return extend() })

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				b.logger.Debug("read loop ended", "conn_id", conn.ID, "error", err)
			}
			return
		}
		_ = extend()

		frame, err := DecodeFrame(data)
		if err != nil {
			b.logger.Warn("dropping malformed frame", "conn_id", conn.ID, "error", err)
			_ = conn.sendFrame(errorFrame("malformed frame", err.Error(), ""))
			continue
		}
		b.HandleFrame(conn.ID, frame)
	}
}

// HandleFrame dispatches one inbound client frame. Errors are reported to the
// client as ERROR frames; the connection stays open.
func (b *Broker) HandleFrame(connID string, f Frame) {
	conn := b.reg.get(connID)
	if conn == nil {
		b.logger.Debug("frame for unknown connection", "conn_id", connID, "command", f.Command)
		return
	}
	receipt := f.Header(HeaderReceipt)

	switch f.Command {
	case CommandConnect, CommandStomp:
		_ = conn.sendFrame(b.connectedFrame(conn))

	case CommandSubscribe:
		b.handleSubscribe(conn, f, receipt)

	case CommandUnsubscribe:
		dest, ok := b.reg.unsubscribe(conn.ID, f.Header(HeaderDestination), f.Header(HeaderID))
		if ok {
			metrics.RecordUnsubscribed()
			b.logger.Debug("unsubscribed", "conn_id", conn.ID, "destination", dest)
		}
		b.ack(conn, receipt)

	case CommandSend:
		// Clients do not route messages through the broker; all publishes
		// originate server-side.
		b.logger.Debug("ignoring client SEND", "conn_id", conn.ID, "destination", f.Header(HeaderDestination))
		b.ack(conn, receipt)

	case CommandDisconnect:
		b.ack(conn, receipt)
		b.remove(conn.ID)
		conn.closeAfterFlush()

	default:
		b.logger.Warn("unknown frame command", "conn_id", conn.ID, "command", f.Command)
		_ = conn.sendFrame(errorFrame("unknown command", f.Command, receipt))
	}
}

func (b *Broker) handleSubscribe(conn *Connection, f Frame, receipt string) {
	dest := f.Header(HeaderDestination)
	if dest == "" {
		_ = conn.sendFrame(errorFrame("missing destination", "SUBSCRIBE requires a destination header", receipt))
		return
	}

	if err := b.authorizeSubscription(conn, dest); err != nil {
		b.logger.Warn("subscription denied", "conn_id", conn.ID, "user_id", conn.UserID, "destination", dest, "error", err)
		_ = conn.sendFrame(errorFrame("subscription denied", dest, receipt))
		return
	}

	added, ok := b.reg.subscribe(conn.ID, dest, f.Header(HeaderID))
	if !ok {
		return
	}
	if added {
		metrics.RecordSubscribed()
		b.logger.Debug("subscribed", "conn_id", conn.ID, "destination", dest)
	}
	b.ack(conn, receipt)
}

func (b *Broker) authorizeSubscription(conn *Connection, dest string) error {
	if owner, ok := UserQueueOwner(dest); ok {
		if owner != conn.UserID {
			return ErrForeignQueue
		}
		return nil
	}
	if convID, ok := ChatTopicConversation(dest); ok {
		if a := b.subscriptionAuthorizer(); a != nil {
			return a.AuthorizeSubscription(conn.Context(), conn.UserID, convID)
		}
	}
	return nil
}

func (b *Broker) ack(conn *Connection, receipt string) {
	if receipt == "" {
		return
	}
	_ = conn.sendFrame(receiptFrame(receipt))
}

func (b *Broker) remove(connID string) {
	if _, subs, ok := b.reg.remove(connID); ok {
		metrics.RecordConnectionClosed(subs)
	}
}

// Publish delivers payload to every connection subscribed to destination.
// It never blocks on a client and never reports delivery failures; the only
// error is a payload that cannot be JSON-encoded.
func (b *Broker) Publish(destination string, payload any) error {
	return b.PublishWithHeaders(destination, payload, nil)
}

// PublishWithHeaders is Publish with extra MESSAGE headers. The broker's own
// headers take precedence over caller-supplied ones.
func (b *Broker) PublishWithHeaders(destination string, payload any, headers map[string]string) error {
	body, err := encodeBody(payload)
	if err != nil {
		return err
	}

	subs := b.reg.subscribers(destination)
	if len(subs) == 0 {
		return nil
	}

	messageID := uuid.NewString()
	delivered, dropped := 0, 0
	for _, s := range subs {
		h := make(map[string]string, len(headers)+4)
		for k, v := range headers {
			h[k] = v
		}
		h[HeaderDestination] = destination
		h[HeaderContentType] = ContentTypeJSON
		h[HeaderMessageID] = messageID
		if s.subID != "" {
			h[HeaderSubscription] = s.subID
		}

		if err := s.conn.sendFrame(Frame{Command: CommandMessage, Headers: h, Body: body}); err != nil {
			dropped++
			b.logger.Debug("delivery dropped", "conn_id", s.conn.ID, "destination", destination, "error", err)
			continue
		}
		delivered++
	}
	metrics.RecordPublished(delivered, dropped)
	return nil
}

// ConnectionCount returns the number of registered connections.
func (b *Broker) ConnectionCount() int {
	return b.reg.connectionCount()
}

// SubscriberCount returns how many connections are subscribed to destination.
func (b *Broker) SubscriberCount(destination string) int {
	return b.reg.subscriberCount(destination)
}

// Subscriptions lists the destinations a connection is subscribed to.
func (b *Broker) Subscriptions(connID string) []string {
	return b.reg.subscriptionsOf(connID)
}

// Close disconnects every client and refuses new connections.
func (b *Broker) Close() error {
	conns := b.reg.closeAll()
	for _, conn := range conns {
		conn.Close(websocket.CloseGoingAway, "server shutting down")
	}
	b.logger.Info("broker closed", "connections", len(conns))
	return nil
}

func originAllowed(origin string, allowed []string) bool {
	if len(allowed) == 0 || origin == "" {
		return true
	}
	for _, a := range allowed {
		if a == "*" || a == origin {
			return true
		}
	}
	return false
}

func writeHandshakeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"message": msg})
}
