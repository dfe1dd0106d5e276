package outbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MatyMusic/maty-sub002/internal/chat"
	"github.com/MatyMusic/maty-sub002/internal/logger"
)

func entryMsg(id, peer string) chat.Message {
	return chat.Message{ID: id, PeerID: peer, Text: "t-" + id, At: time.Now().UTC(), Delivery: chat.DeliveryFailed}
}

func TestFlushSendsSequentiallyInOrder(t *testing.T) {
	ctx := context.Background()
	o := New(NewMemory(), logger.Nop())
	for _, id := range []string{"m1", "m2", "m3"} {
		require.NoError(t, o.Enqueue(ctx, entryMsg(id, "peer-1")))
	}

	var order []string
	send := func(_ context.Context, m chat.Message) (*chat.Message, error) {
		if m.ID == "m2" {
			time.Sleep(20 * time.Millisecond) // slower than m3 would be
		}
		order = append(order, m.ID)
		return nil, nil
	}

	require.NoError(t, o.Flush(ctx, "peer-1", send))
	assert.Equal(t, []string{"m1", "m2", "m3"}, order)

	left, err := o.Peek(ctx, "peer-1")
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestFlushFailFastKeepsRemainder(t *testing.T) {
	ctx := context.Background()
	o := New(NewMemory(), logger.Nop())
	for _, id := range []string{"m1", "m2", "m3"} {
		require.NoError(t, o.Enqueue(ctx, entryMsg(id, "peer-1")))
	}

	boom := errors.New("still offline")
	var calls int
	send := func(_ context.Context, m chat.Message) (*chat.Message, error) {
		calls++
		if m.ID == "m2" {
			return nil, boom
		}
		return nil, nil
	}

	err := o.Flush(ctx, "peer-1", send)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 2, calls, "m3 must not be attempted after m2 fails")

	left, err := o.Peek(ctx, "peer-1")
	require.NoError(t, err)
	require.Len(t, left, 2)
	assert.Equal(t, "m2", left[0].Message.ID)
	assert.Equal(t, "m3", left[1].Message.ID)
}

func TestFlushIsSingleFlight(t *testing.T) {
	ctx := context.Background()
	o := New(NewMemory(), logger.Nop())
	require.NoError(t, o.Enqueue(ctx, entryMsg("m1", "peer-1")))

	started := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = o.Flush(ctx, "peer-1", func(context.Context, chat.Message) (*chat.Message, error) {
			close(started)
			<-release
			return nil, nil
		})
	}()
	<-started
	err := o.Flush(ctx, "peer-1", func(context.Context, chat.Message) (*chat.Message, error) {
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrFlushInProgress)
	close(release)
}

func TestResendSingleEntry(t *testing.T) {
	ctx := context.Background()
	o := New(NewMemory(), logger.Nop())
	require.NoError(t, o.Enqueue(ctx, entryMsg("m1", "peer-1")))
	require.NoError(t, o.Enqueue(ctx, entryMsg("m2", "peer-1")))

	require.NoError(t, o.Resend(ctx, "peer-1", "m2", func(_ context.Context, m chat.Message) (*chat.Message, error) {
		assert.Equal(t, "m2", m.ID)
		return nil, nil
	}))

	left, err := o.Peek(ctx, "peer-1")
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "m1", left[0].Message.ID)
}

func TestFailedResendBumpsAttempts(t *testing.T) {
	ctx := context.Background()
	o := New(NewMemory(), logger.Nop())
	require.NoError(t, o.Enqueue(ctx, entryMsg("m1", "peer-1")))

	boom := errors.New("still offline")
	fail := func(context.Context, chat.Message) (*chat.Message, error) { return nil, boom }

	require.ErrorIs(t, o.Flush(ctx, "peer-1", fail), boom)
	require.ErrorIs(t, o.Resend(ctx, "peer-1", "m1", fail), boom)

	entries, err := o.Peek(ctx, "peer-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 2, entries[0].Attempts)
}

func TestResendMissingEntry(t *testing.T) {
	ctx := context.Background()
	o := New(NewMemory(), logger.Nop())
	require.NoError(t, o.Enqueue(ctx, entryMsg("m1", "peer-1")))

	err := o.Resend(ctx, "peer-1", "nope", func(context.Context, chat.Message) (*chat.Message, error) {
		t.Fatal("send must not be called for a missing entry")
		return nil, nil
	})
	require.ErrorIs(t, err, ErrNotQueued)

	entries, err := o.Peek(ctx, "peer-1")
	require.NoError(t, err)
	assert.Len(t, entries, 1, "queue untouched")
}

func TestFileQueueSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	q1, err := NewFile(dir)
	require.NoError(t, err)
	require.NoError(t, q1.Enqueue(ctx, Entry{PeerID: "peer/1", Message: entryMsg("m1", "peer/1"), QueuedAt: time.Now()}))
	require.NoError(t, q1.Enqueue(ctx, Entry{PeerID: "peer/1", Message: entryMsg("m2", "peer/1"), QueuedAt: time.Now()}))

	// simulated page reload
	q2, err := NewFile(dir)
	require.NoError(t, err)
	entries, err := q2.Entries(ctx, "peer/1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "m1", entries[0].Message.ID)

	require.NoError(t, q2.Bump(ctx, "peer/1", "m2"))
	entries, err = q2.Entries(ctx, "peer/1")
	require.NoError(t, err)
	assert.Equal(t, 1, entries[1].Attempts)

	require.NoError(t, q2.Remove(ctx, "peer/1", "m1"))
	require.NoError(t, q2.Remove(ctx, "peer/1", "m2"))
	entries, err = q2.Entries(ctx, "peer/1")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestQueuesAreScopedPerPeer(t *testing.T) {
	ctx := context.Background()
	q := NewMemory()
	require.NoError(t, q.Enqueue(ctx, Entry{PeerID: "a", Message: entryMsg("m1", "a")}))
	require.NoError(t, q.Enqueue(ctx, Entry{PeerID: "b", Message: entryMsg("m2", "b")}))

	a, _ := q.Entries(ctx, "a")
	b, _ := q.Entries(ctx, "b")
	require.Len(t, a, 1)
	require.Len(t, b, 1)
	assert.Equal(t, "m1", a[0].Message.ID)
	assert.Equal(t, "m2", b[0].Message.ID)
}
