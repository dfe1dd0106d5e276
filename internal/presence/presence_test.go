package presence

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRemoteTypingSelfExpires(t *testing.T) {
	s := NewSignaler(func(string) {}, 10*time.Millisecond, 50*time.Millisecond)

	s.HandleRemote("peer-1")
	assert.True(t, s.Typing("peer-1"))

	require.Eventually(t, func() bool { return !s.Typing("peer-1") },
		time.Second, 5*time.Millisecond, "state must clear without external intervention")
}

func TestRemoteTypingRenewalExtendsExpiry(t *testing.T) {
	s := NewSignaler(func(string) {}, 10*time.Millisecond, 60*time.Millisecond)

	s.HandleRemote("peer-1")
	for i := 0; i < 4; i++ {
		time.Sleep(30 * time.Millisecond)
		s.HandleRemote("peer-1")
		assert.True(t, s.Typing("peer-1"))
	}
	require.Eventually(t, func() bool { return !s.Typing("peer-1") },
		time.Second, 5*time.Millisecond)
}

func TestEmitTypingDebounced(t *testing.T) {
	var emits atomic.Int32
	s := NewSignaler(func(string) { emits.Add(1) }, 100*time.Millisecond, time.Second)

	for i := 0; i < 50; i++ {
		s.EmitTyping("peer-1")
	}
	assert.Equal(t, int32(1), emits.Load(), "keystroke burst collapses to one signal")

	time.Sleep(120 * time.Millisecond)
	s.EmitTyping("peer-1")
	assert.Equal(t, int32(2), emits.Load())
}

func TestOnChangeFiresOnFlips(t *testing.T) {
	s := NewSignaler(func(string) {}, 10*time.Millisecond, 40*time.Millisecond)

	var mu sync.Mutex
	var flips []bool
	s.OnChange(func(_ string, typing bool) {
		mu.Lock()
		flips = append(flips, typing)
		mu.Unlock()
	})

	s.HandleRemote("peer-1")
	s.HandleRemote("peer-1") // renewal, no flip
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(flips) == 2
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []bool{true, false}, flips)
	mu.Unlock()
}

func TestResetClearsStaleIndicator(t *testing.T) {
	s := NewSignaler(func(string) {}, 10*time.Millisecond, time.Hour)

	s.HandleRemote("peer-a")
	require.True(t, s.Typing("peer-a"))

	// peer change
	s.Reset()
	assert.False(t, s.Typing("peer-a"))
	assert.False(t, s.Typing("peer-b"))
}
