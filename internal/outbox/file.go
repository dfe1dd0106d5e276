package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
)

// File persists each peer's queue as one JSON document under dir,
// surviving process restarts. Writes go through a temp file and rename.
type File struct {
	dir string
	mu  sync.Mutex
}

func NewFile(dir string) (*File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("outbox dir: %w", err)
	}
	return &File{dir: dir}, nil
}

func (q *File) path(peerID string) string {
	return filepath.Join(q.dir, url.PathEscape(peerID)+".json")
}

func (q *File) load(peerID string) ([]Entry, error) {
	data, err := os.ReadFile(q.path(peerID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		// corrupted queue file: drop it rather than wedge every flush
		return nil, nil
	}
	return entries, nil
}

func (q *File) save(peerID string, entries []Entry) error {
	p := q.path(peerID)
	if len(entries) == 0 {
		err := os.Remove(p)
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, p)
}

func (q *File) Enqueue(_ context.Context, e Entry) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	entries, err := q.load(e.PeerID)
	if err != nil {
		return err
	}
	return q.save(e.PeerID, append(entries, e))
}

func (q *File) Entries(_ context.Context, peerID string) ([]Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.load(peerID)
}

func (q *File) Bump(_ context.Context, peerID, messageID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	entries, err := q.load(peerID)
	if err != nil {
		return err
	}
	for i := range entries {
		if entries[i].Message.ID == messageID {
			entries[i].Attempts++
			return q.save(peerID, entries)
		}
	}
	return nil
}

func (q *File) Remove(_ context.Context, peerID, messageID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	entries, err := q.load(peerID)
	if err != nil {
		return err
	}
	for i := range entries {
		if entries[i].Message.ID == messageID {
			return q.save(peerID, append(entries[:i], entries[i+1:]...))
		}
	}
	return nil
}
