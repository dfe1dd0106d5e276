// Package presence handles the ephemeral typing indicator: debounced
// local emission and self-expiring remote state. Nothing here is
// persisted and delivery is best-effort.
package presence

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/MatyMusic/maty-sub002/internal/metrics"
)

const (
	DefaultDebounce = 800 * time.Millisecond
	DefaultTTL      = 1200 * time.Millisecond
)

// EmitFunc sends one typing signal to the peer. Failures are ignored;
// the indicator has no delivery guarantee.
type EmitFunc func(peerID string)

// Signaler owns typing state for the active conversation.
type Signaler struct {
	emit    EmitFunc
	ttl     time.Duration
	limiter *rate.Limiter

	mu       sync.Mutex
	typing   map[string]bool
	timers   map[string]*time.Timer
	onChange func(peerID string, typing bool)
}

func NewSignaler(emit EmitFunc, debounce, ttl time.Duration) *Signaler {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Signaler{
		emit:    emit,
		ttl:     ttl,
		limiter: rate.NewLimiter(rate.Every(debounce), 1),
		typing:  make(map[string]bool),
		timers:  make(map[string]*time.Timer),
	}
}

// OnChange registers a callback fired whenever a peer's remote typing
// state flips. Invoked without the internal lock held.
func (s *Signaler) OnChange(fn func(peerID string, typing bool)) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

// EmitTyping signals the peer that the local user is typing. Calls are
// collapsed to at most one emission per debounce interval no matter the
// keystroke rate.
func (s *Signaler) EmitTyping(peerID string) {
	if !s.limiter.Allow() {
		return
	}
	metrics.TypingEvents.WithLabelValues("out").Inc()
	s.emit(peerID)
}

// HandleRemote records an inbound typing event. The indicator turns on
// and re-arms its expiry; without a renewed event it clears by itself.
func (s *Signaler) HandleRemote(peerID string) {
	metrics.TypingEvents.WithLabelValues("in").Inc()
	s.mu.Lock()
	was := s.typing[peerID]
	s.typing[peerID] = true
	if t, ok := s.timers[peerID]; ok {
		t.Stop()
	}
	s.timers[peerID] = time.AfterFunc(s.ttl, func() { s.expire(peerID) })
	cb := s.onChange
	s.mu.Unlock()

	if !was && cb != nil {
		cb(peerID, true)
	}
}

func (s *Signaler) expire(peerID string) {
	s.mu.Lock()
	was := s.typing[peerID]
	delete(s.typing, peerID)
	delete(s.timers, peerID)
	cb := s.onChange
	s.mu.Unlock()

	if was && cb != nil {
		cb(peerID, false)
	}
}

// Typing reports whether the peer is currently typing.
func (s *Signaler) Typing(peerID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.typing[peerID]
}

// Clear drops the state and timer for one peer.
func (s *Signaler) Clear(peerID string) {
	s.mu.Lock()
	if t, ok := s.timers[peerID]; ok {
		t.Stop()
	}
	delete(s.timers, peerID)
	delete(s.typing, peerID)
	s.mu.Unlock()
}

// Reset drops all state. Called on peer change so a stale indicator
// never leaks onto the next conversation.
func (s *Signaler) Reset() {
	s.mu.Lock()
	for _, t := range s.timers {
		t.Stop()
	}
	s.timers = make(map[string]*time.Timer)
	s.typing = make(map[string]bool)
	s.mu.Unlock()
}
