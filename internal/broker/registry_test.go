// ABOUTME: Unit tests for the broker registry bookkeeping
// ABOUTME: Exercises both subscription indexes without opening sockets

package broker

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_SubscribeBothDirections(t *testing.T) {
	r := newRegistry()
	c := &Connection{ID: "c1", UserID: "alice"}
	require.True(t, r.add(c))

	added, ok := r.subscribe("c1", "/a", "s1")
	assert.True(t, added)
	assert.True(t, ok)

	added, ok = r.subscribe("c1", "/a", "s2")
	assert.False(t, added, "repeat subscribe is idempotent")
	assert.True(t, ok)

	subs := r.subscribers("/a")
	require.Len(t, subs, 1)
	assert.Equal(t, "s2", subs[0].subID)
	assert.Equal(t, []string{"/a"}, r.subscriptionsOf("c1"))
}

func TestRegistry_SubscribeUnknownConnection(t *testing.T) {
	r := newRegistry()
	_, ok := r.subscribe("ghost", "/a", "")
	assert.False(t, ok)
	assert.Equal(t, 0, r.subscriberCount("/a"))
}

func TestRegistry_RemoveDropsAllSubscriptions(t *testing.T) {
	r := newRegistry()
	require.True(t, r.add(&Connection{ID: "c1"}))
	require.True(t, r.add(&Connection{ID: "c2"}))
	r.subscribe("c1", "/a", "")
	r.subscribe("c1", "/b", "")
	r.subscribe("c2", "/a", "")

	_, n, ok := r.remove("c1")
	assert.True(t, ok)
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, r.subscriberCount("/a"))
	assert.Equal(t, 0, r.subscriberCount("/b"))

	_, _, ok = r.remove("c1")
	assert.False(t, ok, "second remove is a no-op")
}

func TestRegistry_UnsubscribeByID(t *testing.T) {
	r := newRegistry()
	require.True(t, r.add(&Connection{ID: "c1"}))
	r.subscribe("c1", "/a", "sub-a")

	dest, ok := r.unsubscribe("c1", "", "sub-a")
	assert.True(t, ok)
	assert.Equal(t, "/a", dest)

	_, ok = r.unsubscribe("c1", "/a", "")
	assert.False(t, ok)
}

func TestRegistry_ClosedRejectsAdds(t *testing.T) {
	r := newRegistry()
	require.True(t, r.add(&Connection{ID: "c1"}))

	conns := r.closeAll()
	assert.Len(t, conns, 1)
	assert.False(t, r.add(&Connection{ID: "c2"}))
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := newRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("c%d", i)
			r.add(&Connection{ID: id})
			r.subscribe(id, "/shared", "")
			_ = r.subscribers("/shared")
			if i%2 == 0 {
				r.remove(id)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 10, r.connectionCount())
	assert.Equal(t, 10, r.subscriberCount("/shared"))
}
