// ABOUTME: Contract tests run against both SQLiteStore and MockStore
// ABOUTME: Covers pair normalization, open-pair uniqueness, append ordering and status transitions

package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestStore creates a temporary SQLite store for testing.
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)

	t.Cleanup(func() {
		store.Close()
	})

	return store
}

// forEachStore runs fn against every Store implementation.
func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("sqlite", func(t *testing.T) {
		fn(t, setupTestStore(t))
	})
	t.Run("mock", func(t *testing.T) {
		fn(t, NewMockStore())
	})
}

func TestNormalizePair(t *testing.T) {
	tests := []struct {
		name    string
		a, b    string
		want    [2]string
		wantErr bool
	}{
		{name: "already ordered", a: "alice", b: "bob", want: [2]string{"alice", "bob"}},
		{name: "reversed", a: "bob", b: "alice", want: [2]string{"alice", "bob"}},
		{name: "byte order not numeric", a: "user-10", b: "user-9", want: [2]string{"user-10", "user-9"}},
		{name: "same user", a: "alice", b: "alice", wantErr: true},
		{name: "empty", a: "", b: "bob", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizePair(tt.a, tt.b)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidPair)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStore_CreateConversation_NormalizesParticipants(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		conv, err := s.CreateConversation(ctx, "zoe", "adam")
		require.NoError(t, err)
		assert.Equal(t, [2]string{"adam", "zoe"}, conv.Participants)
		assert.Equal(t, StatusActive, conv.Status)
		assert.False(t, conv.LastActive.IsZero())

		fetched, err := s.GetConversation(ctx, conv.ID)
		require.NoError(t, err)
		assert.Equal(t, [2]string{"adam", "zoe"}, fetched.Participants)
		assert.Empty(t, fetched.Messages)
	})
}

func TestStore_CreateConversation_DuplicateOpenPair(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		_, err := s.CreateConversation(ctx, "alice", "bob")
		require.NoError(t, err)

		_, err = s.CreateConversation(ctx, "bob", "alice")
		assert.ErrorIs(t, err, ErrDuplicateConversation)
	})
}

func TestStore_CreateConversation_AllowedAfterClose(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		first, err := s.CreateConversation(ctx, "alice", "bob")
		require.NoError(t, err)

		_, changed, err := s.SetStatus(ctx, first.ID, StatusClosed, "alice", time.Now())
		require.NoError(t, err)
		require.True(t, changed)

		second, err := s.CreateConversation(ctx, "alice", "bob")
		require.NoError(t, err)
		assert.NotEqual(t, first.ID, second.ID)

		open, err := s.FindOpenByPair(ctx, "bob", "alice")
		require.NoError(t, err)
		assert.Equal(t, second.ID, open.ID)
	})
}

func TestStore_CreateConversation_ConcurrentSingleWinner(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		const workers = 8
		var (
			wg         sync.WaitGroup
			mu         sync.Mutex
			created    int
			duplicates int
		)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				a, b := "alice", "bob"
				if i%2 == 0 {
					a, b = b, a
				}
				_, err := s.CreateConversation(ctx, a, b)
				mu.Lock()
				defer mu.Unlock()
				switch err {
				case nil:
					created++
				case ErrDuplicateConversation:
					duplicates++
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}(i)
		}
		wg.Wait()

		assert.Equal(t, 1, created)
		assert.Equal(t, workers-1, duplicates)
	})
}

func TestStore_FindByPair(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		_, err := s.FindByPair(ctx, "alice", "bob")
		assert.ErrorIs(t, err, ErrNotFound)

		conv, err := s.CreateConversation(ctx, "alice", "bob")
		require.NoError(t, err)

		_, _, err = s.SetStatus(ctx, conv.ID, StatusClosed, "bob", time.Now())
		require.NoError(t, err)

		found, err := s.FindByPair(ctx, "bob", "alice")
		require.NoError(t, err)
		assert.Equal(t, conv.ID, found.ID)
		assert.Equal(t, StatusClosed, found.Status)

		_, err = s.FindOpenByPair(ctx, "bob", "alice")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_AppendMessage_PreservesOrder(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		conv, err := s.CreateConversation(ctx, "alice", "bob")
		require.NoError(t, err)

		const n = 10
		for i := 0; i < n; i++ {
			sender := "alice"
			if i%2 == 1 {
				sender = "bob"
			}
			msg, err := s.AppendMessage(ctx, conv.ID, sender, fmt.Sprintf("message %d", i), nil)
			require.NoError(t, err)
			assert.Equal(t, int64(i+1), msg.Seq)
		}

		msgs, err := s.GetMessages(ctx, conv.ID)
		require.NoError(t, err)
		require.Len(t, msgs, n)
		for i, msg := range msgs {
			assert.Equal(t, fmt.Sprintf("message %d", i), msg.Text)
		}
	})
}

func TestStore_AppendMessage_Attachments(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		conv, err := s.CreateConversation(ctx, "alice", "bob")
		require.NoError(t, err)

		attachments := []Attachment{{URL: "https://cdn.example/cover.jpg", Name: "cover.jpg", ContentType: "image/jpeg", Size: 1024}}
		_, err = s.AppendMessage(ctx, conv.ID, "alice", "look at this cover", attachments)
		require.NoError(t, err)

		fetched, err := s.GetConversation(ctx, conv.ID)
		require.NoError(t, err)
		require.Len(t, fetched.Messages, 1)
		assert.Equal(t, attachments, fetched.Messages[0].Attachments)
	})
}

func TestStore_AppendMessage_ConcurrentNoLoss(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		conv, err := s.CreateConversation(ctx, "alice", "bob")
		require.NoError(t, err)

		const n = 20
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := s.AppendMessage(ctx, conv.ID, "alice", fmt.Sprintf("m%d", i), nil)
				assert.NoError(t, err)
			}(i)
		}
		wg.Wait()

		msgs, err := s.GetMessages(ctx, conv.ID)
		require.NoError(t, err)
		require.Len(t, msgs, n)
		for i, msg := range msgs {
			assert.Equal(t, int64(i+1), msg.Seq)
		}
	})
}

func TestStore_AppendMessage_Errors(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		_, err := s.AppendMessage(ctx, "missing", "alice", "hi", nil)
		assert.ErrorIs(t, err, ErrNotFound)

		conv, err := s.CreateConversation(ctx, "alice", "bob")
		require.NoError(t, err)
		_, _, err = s.SetStatus(ctx, conv.ID, StatusPaused, "alice", time.Now())
		require.NoError(t, err)

		_, err = s.AppendMessage(ctx, conv.ID, "bob", "hi", nil)
		var conflict *StatusConflictError
		require.ErrorAs(t, err, &conflict)
		assert.Equal(t, StatusPaused, conflict.Status)
		assert.ErrorIs(t, err, ErrNotActive)

		msgs, err := s.GetMessages(ctx, conv.ID)
		require.NoError(t, err)
		assert.Empty(t, msgs)
	})
}

func TestStore_SetStatus_StampsFields(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		conv, err := s.CreateConversation(ctx, "alice", "bob")
		require.NoError(t, err)

		pausedAt := time.Now().UTC().Truncate(time.Millisecond)
		paused, changed, err := s.SetStatus(ctx, conv.ID, StatusPaused, "bob", pausedAt)
		require.NoError(t, err)
		assert.True(t, changed)
		assert.Equal(t, StatusPaused, paused.Status)
		require.NotNil(t, paused.PausedBy)
		assert.Equal(t, "bob", *paused.PausedBy)
		require.NotNil(t, paused.PausedAt)
		assert.True(t, pausedAt.Equal(*paused.PausedAt))

		again, changed, err := s.SetStatus(ctx, conv.ID, StatusPaused, "alice", time.Now())
		require.NoError(t, err)
		assert.False(t, changed, "repeat pause must be a no-op")
		assert.Equal(t, "bob", *again.PausedBy)

		resumed, changed, err := s.SetStatus(ctx, conv.ID, StatusActive, "bob", time.Now())
		require.NoError(t, err)
		assert.True(t, changed)
		assert.Nil(t, resumed.PausedBy)
		assert.Nil(t, resumed.PausedAt)

		closed, _, err := s.SetStatus(ctx, conv.ID, StatusAutoClosed, "", time.Now())
		require.NoError(t, err)
		require.NotNil(t, closed.ClosedAt)

		_, _, err = s.SetStatus(ctx, conv.ID, StatusActive, "alice", time.Now())
		assert.ErrorIs(t, err, ErrTerminal)

		_, _, err = s.SetStatus(ctx, "missing", StatusPaused, "alice", time.Now())
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_ListForUser_NewestFirst(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		withBob, err := s.CreateConversation(ctx, "alice", "bob")
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond)
		withCarol, err := s.CreateConversation(ctx, "carol", "alice")
		require.NoError(t, err)
		_, err = s.CreateConversation(ctx, "bob", "carol")
		require.NoError(t, err)

		time.Sleep(2 * time.Millisecond)
		_, err = s.AppendMessage(ctx, withBob.ID, "bob", "bump", nil)
		require.NoError(t, err)

		convs, err := s.ListForUser(ctx, "alice")
		require.NoError(t, err)
		require.Len(t, convs, 2)
		assert.Equal(t, withBob.ID, convs[0].ID)
		assert.Equal(t, withCarol.ID, convs[1].ID)
	})
}

func TestStore_Users_ActiveCountDerived(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		_, err := s.GetUser(ctx, "alice")
		assert.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, s.UpsertUser(ctx, &User{ID: "alice", DisplayName: "Alice", Plan: "plus", MaxActiveConversations: 5}))

		c1, err := s.CreateConversation(ctx, "alice", "bob")
		require.NoError(t, err)
		_, err = s.CreateConversation(ctx, "alice", "carol")
		require.NoError(t, err)

		user, err := s.GetUser(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, "Alice", user.DisplayName)
		assert.Equal(t, 5, user.MaxActiveConversations)
		assert.Equal(t, 2, user.ActiveConversations)

		_, _, err = s.SetStatus(ctx, c1.ID, StatusPaused, "alice", time.Now())
		require.NoError(t, err)

		user, err = s.GetUser(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, 1, user.ActiveConversations, "paused conversations do not hold a slot")
		assert.True(t, user.HasFreeSlot())
	})
}

func TestStore_Users_UpsertDefaultsAndUpdate(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		require.NoError(t, s.UpsertUser(ctx, &User{ID: "bob", DisplayName: "Bob"}))
		user, err := s.GetUser(ctx, "bob")
		require.NoError(t, err)
		assert.Equal(t, DefaultMaxActiveConversations, user.MaxActiveConversations)

		require.NoError(t, s.UpsertUser(ctx, &User{ID: "bob", DisplayName: "Robert", Suspended: true, Admin: true, MaxActiveConversations: 10}))
		user, err = s.GetUser(ctx, "bob")
		require.NoError(t, err)
		assert.Equal(t, "Robert", user.DisplayName)
		assert.True(t, user.Suspended)
		assert.True(t, user.Admin)
		assert.Equal(t, 10, user.MaxActiveConversations)
	})
}

func TestStore_Notifications(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		base := time.Now().UTC()

		for i := 0; i < 3; i++ {
			require.NoError(t, s.SaveNotification(ctx, &Notification{
				ID:             fmt.Sprintf("n-%d", i),
				UserID:         "bob",
				Type:           NotificationMessage,
				ConversationID: "conv-1",
				ActorID:        "alice",
				Body:           fmt.Sprintf("body %d", i),
				CreatedAt:      base.Add(time.Duration(i) * time.Second),
			}))
		}
		require.NoError(t, s.SaveNotification(ctx, &Notification{
			ID: "other", UserID: "alice", Type: NotificationPaused, Body: "x", CreatedAt: base,
		}))

		list, err := s.ListNotifications(ctx, "bob", 2)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "n-2", list[0].ID)
		assert.Equal(t, "n-1", list[1].ID)
		assert.Equal(t, "conv-1", list[0].ConversationID)
	})
}

func TestSQLiteStore_InMemory(t *testing.T) {
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer s.Close()

	conv, err := s.CreateConversation(context.Background(), "a", "b")
	require.NoError(t, err)

	_, err = s.GetConversation(context.Background(), conv.ID)
	require.NoError(t, err)
}

func TestSQLiteStore_PersistsAcrossReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "fireside.db")
	ctx := context.Background()

	s1, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	conv, err := s1.CreateConversation(ctx, "alice", "bob")
	require.NoError(t, err)
	_, err = s1.AppendMessage(ctx, conv.ID, "alice", "still here?", nil)
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s2.Close()

	fetched, err := s2.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, fetched.Messages, 1)
	assert.Equal(t, "still here?", fetched.Messages[0].Text)
}

func TestMockStore_FailMessagesFor(t *testing.T) {
	m := NewMockStore()
	ctx := context.Background()

	conv, err := m.CreateConversation(ctx, "alice", "bob")
	require.NoError(t, err)

	boom := fmt.Errorf("boom")
	m.FailMessagesFor(conv.ID, boom)

	_, err = m.GetMessages(ctx, conv.ID)
	assert.ErrorIs(t, err, boom)
}

func TestStore_CreateConversationWithinQuota(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		first, err := s.CreateConversationWithinQuota(ctx, "alice", "bob", 1)
		require.NoError(t, err)
		assert.Equal(t, StatusActive, first.Status)

		_, err = s.CreateConversationWithinQuota(ctx, "alice", "carol", 1)
		var qe *QuotaError
		require.ErrorAs(t, err, &qe)
		assert.ErrorIs(t, err, ErrQuotaExceeded)
		assert.Equal(t, QuotaError{UserID: "alice", Current: 1, Max: 1}, *qe)

		// The existing pair is reported before the quota.
		_, err = s.CreateConversationWithinQuota(ctx, "bob", "alice", 1)
		assert.ErrorIs(t, err, ErrDuplicateConversation)

		// Only the requester's slots count.
		_, err = s.CreateConversationWithinQuota(ctx, "carol", "alice", 1)
		require.NoError(t, err)
	})
}

func TestStore_CreateConversationWithinQuota_Concurrent(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		const workers = 6
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			start   = make(chan struct{})
			created int
			full    int
		)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				<-start
				_, err := s.CreateConversationWithinQuota(ctx, "alice", fmt.Sprintf("user-%d", i), 2)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					created++
				case errors.Is(err, ErrQuotaExceeded):
					full++
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}(i)
		}
		close(start)
		wg.Wait()

		assert.Equal(t, 2, created)
		assert.Equal(t, workers-2, full)
	})
}

func TestStore_ResumeWithinQuota(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		c1, err := s.CreateConversation(ctx, "alice", "bob")
		require.NoError(t, err)
		c2, err := s.CreateConversation(ctx, "alice", "carol")
		require.NoError(t, err)
		_, _, err = s.SetStatus(ctx, c1.ID, StatusPaused, "alice", time.Now())
		require.NoError(t, err)

		// alice holds c2, so a limit of 1 blocks the resume.
		conv, changed, err := s.ResumeWithinQuota(ctx, c1.ID, "alice", 1, time.Now())
		var qe *QuotaError
		require.ErrorAs(t, err, &qe)
		assert.Equal(t, 1, qe.Current)
		assert.False(t, changed)
		require.NotNil(t, conv)
		assert.Equal(t, StatusPaused, conv.Status)

		stored, err := s.GetConversation(ctx, c1.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusPaused, stored.Status)

		resumed, changed, err := s.ResumeWithinQuota(ctx, c1.ID, "alice", 2, time.Now())
		require.NoError(t, err)
		assert.True(t, changed)
		assert.Equal(t, StatusActive, resumed.Status)
		assert.Nil(t, resumed.PausedBy)

		// Already active: no change and no quota check.
		_, changed, err = s.ResumeWithinQuota(ctx, c2.ID, "alice", 1, time.Now())
		require.NoError(t, err)
		assert.False(t, changed)

		_, _, err = s.SetStatus(ctx, c2.ID, StatusClosed, "alice", time.Now())
		require.NoError(t, err)
		_, _, err = s.ResumeWithinQuota(ctx, c2.ID, "alice", 5, time.Now())
		assert.ErrorIs(t, err, ErrTerminal)

		_, _, err = s.ResumeWithinQuota(ctx, "missing", "alice", 5, time.Now())
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_ResumeWithinQuota_ConcurrentSingleWinner(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		const paused = 4
		ids := make([]string, paused)
		for i := range ids {
			conv, err := s.CreateConversation(ctx, "alice", fmt.Sprintf("friend-%d", i))
			require.NoError(t, err)
			_, _, err = s.SetStatus(ctx, conv.ID, StatusPaused, "alice", time.Now())
			require.NoError(t, err)
			ids[i] = conv.ID
		}

		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			start   = make(chan struct{})
			resumed int
			full    int
		)
		for _, id := range ids {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				<-start
				_, changed, err := s.ResumeWithinQuota(ctx, id, "alice", 1, time.Now())
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil && changed:
					resumed++
				case errors.Is(err, ErrQuotaExceeded):
					full++
				default:
					t.Errorf("unexpected result: changed=%v err=%v", changed, err)
				}
			}(id)
		}
		close(start)
		wg.Wait()

		assert.Equal(t, 1, resumed)
		assert.Equal(t, paused-1, full)

		convs, err := s.ListForUser(ctx, "alice")
		require.NoError(t, err)
		active := 0
		for _, c := range convs {
			if c.Status == StatusActive {
				active++
			}
		}
		assert.Equal(t, 1, active)
	})
}

func TestStore_UpsertUser_RejectsInvalidID(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		for _, id := range []string{"", "a/b", "/alice", "alice/"} {
			err := s.UpsertUser(ctx, &User{ID: id, DisplayName: "x"})
			assert.ErrorIs(t, err, ErrInvalidUserID, "id %q", id)
		}
		_, err := s.GetUser(ctx, "a/b")
		assert.ErrorIs(t, err, ErrNotFound)

		assert.NoError(t, s.UpsertUser(ctx, &User{ID: "a.b-c_d@example.com", DisplayName: "ok"}))
	})
}
