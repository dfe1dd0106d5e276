package history

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MatyMusic/maty-sub002/internal/chat"
	"github.com/MatyMusic/maty-sub002/internal/logger"
	"github.com/MatyMusic/maty-sub002/internal/transport"
)

// fakeFetcher serves a fixed timeline (oldest first) in pages keyed by
// the before-cursor, the way the REST endpoint does.
type fakeFetcher struct {
	mu       sync.Mutex
	timeline []chat.Message
	calls    int
	failNext error
	block    chan struct{}
}

func newFakeFetcher(n int) *fakeFetcher {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f := &fakeFetcher{}
	for i := 0; i < n; i++ {
		f.timeline = append(f.timeline, chat.Message{
			ID: fmt.Sprintf("m%03d", i), PeerID: "peer-1",
			Text: fmt.Sprintf("msg %d", i), At: base.Add(time.Duration(i) * time.Minute),
		})
	}
	return f
}

func (f *fakeFetcher) History(ctx context.Context, peerID string, limit int, before string) (transport.Page, error) {
	f.mu.Lock()
	f.calls++
	fail := f.failNext
	f.failNext = nil
	block := f.block
	f.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return transport.Page{}, ctx.Err()
		}
	}
	if fail != nil {
		return transport.Page{}, fail
	}

	end := len(f.timeline)
	if before != "" {
		for i, m := range f.timeline {
			if m.ID == before {
				end = i
				break
			}
		}
	}
	start := end - limit
	if start < 0 {
		start = 0
	}
	items := append([]chat.Message(nil), f.timeline[start:end]...)
	page := transport.Page{Items: items, HasMore: start > 0}
	if len(items) > 0 {
		page.NextCursor = items[0].ID
	}
	if !page.HasMore {
		page.NextCursor = ""
	}
	return page, nil
}

func TestLoadInitialThenPaginate(t *testing.T) {
	ctx := context.Background()
	f := newFakeFetcher(100)
	store := chat.NewStore()
	l := NewLoader(f, store, "peer-1", 60, logger.Nop())

	added, err := l.LoadInitial(ctx)
	require.NoError(t, err)
	assert.Equal(t, 60, added)
	assert.True(t, l.HasMore())
	assert.Equal(t, "m040", store.OldestID())

	added, err = l.LoadBefore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 40, added)
	assert.Equal(t, 100, store.Len())
	assert.Equal(t, "m000", store.OldestID())
	assert.False(t, l.HasMore())

	// pagination has ended permanently for this session
	added, err = l.LoadBefore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, added)
}

func TestLoadBeforeIdempotentOnRetry(t *testing.T) {
	ctx := context.Background()
	f := newFakeFetcher(100)
	store := chat.NewStore()
	l := NewLoader(f, store, "peer-1", 40, logger.Nop())

	_, err := l.LoadInitial(ctx)
	require.NoError(t, err)

	// fetch the same cursor twice, as a retried request would
	cursor := store.OldestID()
	page1, err := f.History(ctx, "peer-1", 40, cursor)
	require.NoError(t, err)
	page2, err := f.History(ctx, "peer-1", 40, cursor)
	require.NoError(t, err)

	store.Prepend(page1.Items)
	store.Prepend(page2.Items)
	assert.Equal(t, 80, store.Len(), "duplicate page must not add messages")
}

func TestLoadBeforeErrorKeepsStateRetriable(t *testing.T) {
	ctx := context.Background()
	f := newFakeFetcher(80)
	store := chat.NewStore()
	l := NewLoader(f, store, "peer-1", 40, logger.Nop())

	_, err := l.LoadInitial(ctx)
	require.NoError(t, err)
	before := store.Len()
	cursorBefore := store.OldestID()

	f.mu.Lock()
	f.failNext = errors.New("network down")
	f.mu.Unlock()

	_, err = l.LoadBefore(ctx)
	require.Error(t, err)
	assert.Equal(t, before, store.Len(), "failure must not clear loaded messages")
	assert.Equal(t, cursorBefore, store.OldestID(), "failure must not advance the cursor")
	assert.True(t, l.HasMore())

	// re-triggering scroll retries with the same cursor
	added, err := l.LoadBefore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 40, added)
}

func TestLoadBeforeSingleFlight(t *testing.T) {
	f := newFakeFetcher(80)
	store := chat.NewStore()
	l := NewLoader(f, store, "peer-1", 40, logger.Nop())
	_, err := l.LoadInitial(context.Background())
	require.NoError(t, err)

	block := make(chan struct{})
	f.mu.Lock()
	f.block = block
	f.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = l.LoadBefore(context.Background())
	}()
	// wait until the first load is holding the in-flight guard
	require.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.calls == 2
	}, time.Second, 5*time.Millisecond)

	added, err := l.LoadBefore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, added, "second trigger while in flight is a no-op")

	f.mu.Lock()
	f.block = nil
	f.mu.Unlock()
	close(block)
	<-done
	assert.Equal(t, 80, store.Len())
}

func TestLoadInitialCancelled(t *testing.T) {
	f := newFakeFetcher(80)
	f.block = make(chan struct{})
	store := chat.NewStore()
	l := NewLoader(f, store, "peer-1", 40, logger.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := l.LoadInitial(ctx)
		errCh <- err
	}()
	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)
	assert.Equal(t, 0, store.Len(), "cancelled response must be discarded")
	assert.False(t, l.Loaded())
}
