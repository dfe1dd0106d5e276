package outbox

import (
	"context"
	"sync"
	"time"

	"github.com/MatyMusic/maty-sub002/internal/chat"
)

// Entry is a snapshot of a message at the moment it entered the failed
// state, keyed by peer. It sits in the queue until a retry succeeds.
type Entry struct {
	PeerID   string       `json:"peer_id"`
	Message  chat.Message `json:"message"`
	QueuedAt time.Time    `json:"queued_at"`
	Attempts int          `json:"attempts"`
}

// Queue is durable per-peer storage for failed sends. Implementations:
// Memory, File, Redis.
type Queue interface {
	Enqueue(ctx context.Context, e Entry) error
	// Entries returns the queued entries for a peer in enqueue order.
	Entries(ctx context.Context, peerID string) ([]Entry, error)
	Remove(ctx context.Context, peerID, messageID string) error
	// Bump increments the attempt count of a queued entry in place.
	Bump(ctx context.Context, peerID, messageID string) error
}

// Memory is the non-durable queue used in tests and as the default
// backend when no persistence is configured.
type Memory struct {
	mu sync.Mutex
	m  map[string][]Entry
}

func NewMemory() *Memory {
	return &Memory{m: make(map[string][]Entry)}
}

func (q *Memory) Enqueue(_ context.Context, e Entry) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.m[e.PeerID] = append(q.m[e.PeerID], e)
	return nil
}

func (q *Memory) Entries(_ context.Context, peerID string) ([]Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Entry, len(q.m[peerID]))
	copy(out, q.m[peerID])
	return out, nil
}

func (q *Memory) Bump(_ context.Context, peerID, messageID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	entries := q.m[peerID]
	for i := range entries {
		if entries[i].Message.ID == messageID {
			entries[i].Attempts++
			return nil
		}
	}
	return nil
}

func (q *Memory) Remove(_ context.Context, peerID, messageID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	entries := q.m[peerID]
	for i := range entries {
		if entries[i].Message.ID == messageID {
			q.m[peerID] = append(entries[:i], entries[i+1:]...)
			return nil
		}
	}
	return nil
}
