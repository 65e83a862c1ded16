package postgres

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/rtchat/internal/store"
)

// newTestStore opens the database named by TEST_DATABASE_URL, applies the
// migrations and removes the rows the test created when it finishes. Tests
// are skipped when the variable is unset or the database is unreachable.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := Open(ctx, dsn)
	if err != nil {
		t.Skipf("postgres not available: %v", err)
	}
	t.Cleanup(func() {
		s.db.Exec(`DELETE FROM messages WHERE id LIKE 'test_%'`)
		s.Close()
	})
	return s
}

func testID() string {
	return "test_" + uuid.NewString()
}

func TestStore_DeliverPending(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	receiver := testID()

	pending, read := testID(), testID()
	require.NoError(t, s.Insert(ctx, store.Message{ID: pending, SenderID: "a", ReceiverID: receiver}))
	require.NoError(t, s.Insert(ctx, store.Message{ID: read, SenderID: "a", ReceiverID: receiver, Status: store.StatusRead}))

	changed, err := s.DeliverPending(ctx, receiver)
	require.NoError(t, err)
	require.Len(t, changed, 1)
	assert.Equal(t, pending, changed[0].ID)
	assert.Equal(t, store.StatusDelivered, changed[0].Status)

	changed, err = s.DeliverPending(ctx, receiver)
	require.NoError(t, err)
	assert.Empty(t, changed)

	got, err := s.Get(ctx, read)
	require.NoError(t, err)
	assert.Equal(t, store.StatusRead, got.Status)
}

func TestStore_AdvanceIsMonotonic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	receiver := testID()
	id := testID()
	require.NoError(t, s.Insert(ctx, store.Message{ID: id, SenderID: "a", ReceiverID: receiver}))

	changed, err := s.Advance(ctx, receiver, []string{id}, store.StatusRead)
	require.NoError(t, err)
	assert.Len(t, changed, 1)

	changed, err = s.Advance(ctx, receiver, []string{id}, store.StatusDelivered)
	require.NoError(t, err)
	assert.Empty(t, changed)

	// Only the receiver may advance a message.
	other := testID()
	require.NoError(t, s.Insert(ctx, store.Message{ID: other, SenderID: "a", ReceiverID: receiver}))
	changed, err = s.Advance(ctx, "a", []string{other}, store.StatusRead)
	require.NoError(t, err)
	assert.Empty(t, changed)
}

func TestStore_ConcurrentReadsChangeOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	receiver := testID()
	id := testID()
	require.NoError(t, s.Insert(ctx, store.Message{ID: id, SenderID: "a", ReceiverID: receiver}))

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			changed, err := s.Advance(ctx, receiver, []string{id}, store.StatusRead)
			assert.NoError(t, err)
			mu.Lock()
			total += len(changed)
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, total)
}

func TestStore_UpdateReactions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := testID()
	require.NoError(t, s.Insert(ctx, store.Message{ID: id, SenderID: "a", ReceiverID: "b"}))

	msg, err := s.UpdateReactions(ctx, id, func(rs []store.Reaction) []store.Reaction {
		return append(rs, store.Reaction{UserID: "b", Emoji: "❤️"})
	})
	require.NoError(t, err)
	assert.Equal(t, []store.Reaction{{UserID: "b", Emoji: "❤️"}}, msg.Reactions)

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, msg.Reactions, got.Reactions)

	_, err = s.UpdateReactions(ctx, testID(), func(rs []store.Reaction) []store.Reaction { return rs })
	assert.ErrorIs(t, err, store.ErrNotFound)
}
