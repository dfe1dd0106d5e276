// Package archive is the optional local message cache. When configured
// it gives a reopened conversation its recent history instantly, before
// (or without) the network; the store's dedup absorbs the overlap when
// the live page arrives.
package archive

import (
	"context"
	"sort"
	"sync"

	"github.com/MatyMusic/maty-sub002/internal/chat"
)

type Archive interface {
	// SaveAll upserts messages for a peer. Local-only entries
	// (unconfirmed ids) are skipped by callers.
	SaveAll(ctx context.Context, peerID string, msgs []chat.Message) error
	// Recent returns up to limit newest messages in chronological order.
	Recent(ctx context.Context, peerID string, limit int) ([]chat.Message, error)
}

// Memory is the in-process archive used in tests.
type Memory struct {
	mu sync.Mutex
	m  map[string]map[string]chat.Message
}

func NewMemory() *Memory {
	return &Memory{m: make(map[string]map[string]chat.Message)}
}

func (a *Memory) SaveAll(_ context.Context, peerID string, msgs []chat.Message) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.m[peerID] == nil {
		a.m[peerID] = make(map[string]chat.Message)
	}
	for _, m := range msgs {
		a.m[peerID][m.ID] = m
	}
	return nil
}

func (a *Memory) Recent(_ context.Context, peerID string, limit int) ([]chat.Message, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]chat.Message, 0, len(a.m[peerID]))
	for _, m := range a.m[peerID] {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}
