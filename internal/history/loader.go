// Package history loads older conversation pages behind an opaque
// cursor and merges them into the store without disturbing what is
// already loaded.
package history

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/MatyMusic/maty-sub002/internal/chat"
	"github.com/MatyMusic/maty-sub002/internal/metrics"
	"github.com/MatyMusic/maty-sub002/internal/transport"
)

// Fetcher is the read side of the REST channel.
type Fetcher interface {
	History(ctx context.Context, peerID string, limit int, before string) (transport.Page, error)
}

// Loader paginates one conversation session. It is created per peer and
// discarded on peer change; the session context passed to its methods
// carries cancellation.
//
// Pages arrive oldest-first within the page, strictly older than the
// current oldest message, so prepending preserves global order without
// re-sorting.
type Loader struct {
	fetch    Fetcher
	store    *chat.Store
	peerID   string
	pageSize int
	log      *zap.SugaredLogger

	mu       sync.Mutex
	inflight bool
	hasMore  bool
	loaded   bool
}

func NewLoader(fetch Fetcher, store *chat.Store, peerID string, pageSize int, log *zap.SugaredLogger) *Loader {
	return &Loader{fetch: fetch, store: store, peerID: peerID, pageSize: pageSize, log: log, hasMore: true}
}

// HasMore reports whether older pages may still exist. Once false it
// stays false for the lifetime of this session.
func (l *Loader) HasMore() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.hasMore
}

// Loaded reports whether the initial page has arrived.
func (l *Loader) Loaded() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loaded
}

func (l *Loader) begin() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.inflight {
		return false
	}
	l.inflight = true
	return true
}

func (l *Loader) end() {
	l.mu.Lock()
	l.inflight = false
	l.mu.Unlock()
}

// LoadInitial fetches the most recent page. Returns the number of
// messages added. A failure leaves the cursor and store untouched so
// the user can retry via explicit refresh.
func (l *Loader) LoadInitial(ctx context.Context) (int, error) {
	if !l.begin() {
		return 0, nil
	}
	defer l.end()

	page, err := l.fetch.History(ctx, l.peerID, l.pageSize, "")
	if err != nil {
		return 0, err
	}
	added := l.store.Merge(page.Items)
	metrics.PagesLoaded.Inc()
	l.mu.Lock()
	l.loaded = true
	l.hasMore = page.HasMore
	l.mu.Unlock()
	l.log.Debugw("initial page loaded", "peer", l.peerID, "added", added, "has_more", page.HasMore)
	return added, nil
}

// LoadBefore fetches the page older than the current oldest message.
// No-op when a load is in flight or pagination has ended. An empty page
// ends pagination permanently for this session. Returns the number of
// messages prepended, which the caller feeds into its viewport
// adjustment.
func (l *Loader) LoadBefore(ctx context.Context) (int, error) {
	l.mu.Lock()
	if !l.hasMore {
		l.mu.Unlock()
		return 0, nil
	}
	l.mu.Unlock()
	if !l.begin() {
		return 0, nil
	}
	defer l.end()

	cursor := l.store.OldestID()
	page, err := l.fetch.History(ctx, l.peerID, l.pageSize, cursor)
	if err != nil {
		// loaded messages and cursor stay put; re-triggering scroll retries
		return 0, err
	}
	if len(page.Items) == 0 {
		l.mu.Lock()
		l.hasMore = false
		l.mu.Unlock()
		return 0, nil
	}
	added := l.store.Prepend(page.Items)
	metrics.PagesLoaded.Inc()
	l.mu.Lock()
	l.hasMore = page.HasMore
	l.mu.Unlock()
	l.log.Debugw("older page loaded", "peer", l.peerID, "cursor", cursor, "added", added)
	return added, nil
}
