// ABOUTME: Connection and subscription bookkeeping for the broker
// ABOUTME: Indexes connections by id and subscriptions in both directions under one mutex

package broker

import (
	"sync"
)

// subscriber is a connection subscribed to a destination, with the client's
// optional subscription id.
type subscriber struct {
	conn  *Connection
	subID string
}

// registry tracks live connections and their subscriptions.
type registry struct {
	mu     sync.RWMutex
	conns  map[string]*Connection         // connID -> connection
	byDest map[string]map[string]struct{} // destination -> set of connIDs
	byConn map[string]map[string]string   // connID -> destination -> subscription id
	closed bool
}

func newRegistry() *registry {
	return &registry{
		conns:  make(map[string]*Connection),
		byDest: make(map[string]map[string]struct{}),
		byConn: make(map[string]map[string]string),
	}
}

// add registers a connection. Returns false once the registry is closed.
func (r *registry) add(conn *Connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.conns[conn.ID] = conn
	r.byConn[conn.ID] = make(map[string]string)
	return true
}

// remove drops a connection and all its subscriptions. It reports whether the
// connection was registered and how many subscriptions it held.
func (r *registry) remove(connID string) (*Connection, int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[connID]
	if !ok {
		return nil, 0, false
	}
	delete(r.conns, connID)

	dests := r.byConn[connID]
	for dest := range dests {
		r.dropLocked(dest, connID)
	}
	delete(r.byConn, connID)
	return conn, len(dests), true
}

// subscribe records a subscription in both directions. Repeat subscribes
// update the subscription id and report added=false.
func (r *registry) subscribe(connID, dest, subID string) (added bool, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs, ok := r.byConn[connID]
	if !ok {
		return false, false
	}
	_, exists := subs[dest]
	subs[dest] = subID

	set := r.byDest[dest]
	if set == nil {
		set = make(map[string]struct{})
		r.byDest[dest] = set
	}
	set[connID] = struct{}{}
	return !exists, true
}

// unsubscribe removes a subscription by destination or by subscription id.
// Returns the destination removed, if any.
func (r *registry) unsubscribe(connID, dest, subID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs := r.byConn[connID]
	if subs == nil {
		return "", false
	}
	if dest == "" && subID != "" {
		for d, id := range subs {
			if id == subID {
				dest = d
				break
			}
		}
	}
	if _, ok := subs[dest]; !ok {
		return "", false
	}
	delete(subs, dest)
	r.dropLocked(dest, connID)
	return dest, true
}

func (r *registry) dropLocked(dest, connID string) {
	set := r.byDest[dest]
	if set == nil {
		return
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(r.byDest, dest)
	}
}

// subscribers snapshots the connections subscribed to dest.
func (r *registry) subscribers(dest string) []subscriber {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.byDest[dest]
	if len(set) == 0 {
		return nil
	}
	out := make([]subscriber, 0, len(set))
	for connID := range set {
		conn := r.conns[connID]
		if conn == nil {
			continue
		}
		out = append(out, subscriber{conn: conn, subID: r.byConn[connID][dest]})
	}
	return out
}

func (r *registry) get(connID string) *Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns[connID]
}

// closeAll marks the registry closed and returns every connection it held.
func (r *registry) closeAll() []*Connection {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	conns := make([]*Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		conns = append(conns, conn)
	}
	return conns
}

func (r *registry) connectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

func (r *registry) subscriberCount(dest string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byDest[dest])
}

func (r *registry) subscriptionsOf(connID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byConn[connID]))
	for dest := range r.byConn[connID] {
		out = append(out, dest)
	}
	return out
}
