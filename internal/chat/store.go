package chat

import "sync"

type dedupKey struct {
	id string
	at int64
}

// Store holds the ordered, deduplicated message list for one
// conversation. It is the single source of truth for rendering.
//
// Live messages are appended in arrival order; history pages are
// prepended as-is under the invariant that the loader only returns
// messages strictly older than the current oldest. Every merge path
// dedups on (id, at).
type Store struct {
	mu   sync.RWMutex
	msgs []Message
	seen map[dedupKey]struct{}
}

func NewStore() *Store {
	return &Store{seen: make(map[dedupKey]struct{})}
}

func key(m *Message) dedupKey {
	return dedupKey{id: m.ID, at: m.At.UnixNano()}
}

// Append adds a live message at the end. Duplicates are dropped.
func (s *Store) Append(m Message) bool {
	m.Normalize()
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(&m)
	if _, dup := s.seen[k]; dup {
		return false
	}
	s.seen[k] = struct{}{}
	s.msgs = append(s.msgs, m)
	return true
}

// Merge appends each message in order, skipping duplicates. Returns the
// number actually added.
func (s *Store) Merge(batch []Message) int {
	added := 0
	for _, m := range batch {
		if s.Append(m) {
			added++
		}
	}
	return added
}

// Prepend inserts an older history page before the current messages,
// preserving the page's own order. Duplicates (a retried page) are
// dropped. Returns the number actually added.
func (s *Store) Prepend(page []Message) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	fresh := make([]Message, 0, len(page))
	for _, m := range page {
		m.Normalize()
		k := key(&m)
		if _, dup := s.seen[k]; dup {
			continue
		}
		s.seen[k] = struct{}{}
		fresh = append(fresh, m)
	}
	if len(fresh) == 0 {
		return 0
	}
	s.msgs = append(fresh, s.msgs...)
	return len(fresh)
}

// UpdateByID applies patch to the message with the given id in place.
// Used for local-only mutations (reactions, pin, star) and delivery
// transitions. Reports whether the message was found.
func (s *Store) UpdateByID(id string, patch func(*Message)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.msgs {
		if s.msgs[i].ID != id {
			continue
		}
		old := key(&s.msgs[i])
		patch(&s.msgs[i])
		if nk := key(&s.msgs[i]); nk != old {
			delete(s.seen, old)
			s.seen[nk] = struct{}{}
		}
		return true
	}
	return false
}

// ReplaceID reconciles an optimistic local message with the
// server-confirmed one: the payload is swapped wholesale and the entry
// keeps its position in the list.
func (s *Store) ReplaceID(tempID string, confirmed Message) bool {
	confirmed.Normalize()
	s.mu.Lock()
	_, echoed := s.seen[key(&confirmed)]
	s.mu.Unlock()
	if echoed {
		// the broadcast echo beat the ack; drop the optimistic entry
		return s.RemoveByID(tempID)
	}
	return s.UpdateByID(tempID, func(m *Message) {
		pinned, starred := m.Pinned, m.Starred
		*m = confirmed
		m.Pinned, m.Starred = pinned, starred
		if m.Delivery == "" || m.Delivery == DeliverySending {
			m.Delivery = DeliverySent
		}
	})
}

// RemoveByID drops a message locally (delete-for-me).
func (s *Store) RemoveByID(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.msgs {
		if s.msgs[i].ID == id {
			delete(s.seen, key(&s.msgs[i]))
			s.msgs = append(s.msgs[:i], s.msgs[i+1:]...)
			return true
		}
	}
	return false
}

// List returns a copy of the current ordered messages.
func (s *Store) List() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Message, len(s.msgs))
	copy(out, s.msgs)
	return out
}

// Get returns a copy of one message by id.
func (s *Store) Get(id string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := range s.msgs {
		if s.msgs[i].ID == id {
			return s.msgs[i], true
		}
	}
	return Message{}, false
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.msgs)
}

// OldestID returns the id of the oldest loaded message, which doubles
// as the pagination cursor. Empty when the store is empty.
func (s *Store) OldestID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.msgs) == 0 {
		return ""
	}
	return s.msgs[0].ID
}
