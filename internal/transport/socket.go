package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/MatyMusic/maty-sub002/internal/auth"
)

const (
	maxMessageSize = 64 * 1024
	pingInterval   = 30 * time.Second
	writeDeadline  = 10 * time.Second
	sendBuffer     = 256
)

// Socket is the websocket implementation of Client. A successful
// Connect performs the identity handshake; room joins are emitted by
// the conversation controller per active peer.
type Socket struct {
	url        string
	sess       *auth.Session
	ackTimeout time.Duration
	log        *zap.SugaredLogger

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	send      chan []byte
	done      chan struct{}
	pending   map[string]chan Ack

	hmu      sync.Mutex
	handlers map[string]map[int]Handler
	nextID   int
}

func NewSocket(url string, sess *auth.Session, ackTimeout time.Duration, log *zap.SugaredLogger) *Socket {
	return &Socket{
		url:        url,
		sess:       sess,
		ackTimeout: ackTimeout,
		log:        log,
		pending:    make(map[string]chan Ack),
		handlers:   make(map[string]map[int]Handler),
	}
}

func (s *Socket) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.connected {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	conn.SetReadLimit(maxMessageSize)

	s.mu.Lock()
	if s.connected {
		// lost the race to a concurrent Connect; keep the installed conn
		s.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	s.conn = conn
	s.connected = true
	s.send = make(chan []byte, sendBuffer)
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.writePump(conn)
	go s.readPump(conn)

	hello, err := NewEnvelope(EventHello, HelloPayload{MeID: s.sess.UserID, IsAdmin: s.sess.Admin})
	if err != nil {
		return err
	}
	if err := s.Emit(hello); err != nil {
		return err
	}
	s.dispatch(Envelope{Type: EventConnect})
	return nil
}

func (s *Socket) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Send writes the envelope and waits for the correlated ack. Any error
// result means this attempt is dead; retry belongs to the caller.
func (s *Socket) Send(ctx context.Context, env Envelope) (*Ack, error) {
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	ackCh := make(chan Ack, 1)

	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return nil, ErrSocketUnavailable
	}
	s.pending[env.ID] = ackCh
	done := s.done
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pending, env.ID)
		s.mu.Unlock()
	}()

	if err := s.Emit(env); err != nil {
		return nil, err
	}

	timer := time.NewTimer(s.ackTimeout)
	defer timer.Stop()
	select {
	case ack := <-ackCh:
		if !ack.OK {
			return &ack, fmt.Errorf("%w (status %d)", ErrAckRejected, ack.Status)
		}
		return &ack, nil
	case <-timer.C:
		return nil, ErrAckTimeout
	case <-done:
		return nil, ErrSocketUnavailable
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Socket) Emit(env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return ErrSocketUnavailable
	}
	select {
	case s.send <- data:
		return nil
	default:
		// writer stalled; treat as unavailable rather than block
		return ErrSocketUnavailable
	}
}

func (s *Socket) On(event string, h Handler) func() {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	if s.handlers[event] == nil {
		s.handlers[event] = make(map[int]Handler)
	}
	s.nextID++
	id := s.nextID
	s.handlers[event][id] = h
	return func() {
		s.hmu.Lock()
		defer s.hmu.Unlock()
		delete(s.handlers[event], id)
	}
}

func (s *Socket) Disconnect() error {
	s.teardown()
	return nil
}

func (s *Socket) dispatch(env Envelope) {
	s.hmu.Lock()
	hs := make([]Handler, 0, len(s.handlers[env.Type]))
	for _, h := range s.handlers[env.Type] {
		hs = append(hs, h)
	}
	s.hmu.Unlock()
	for _, h := range hs {
		h(env)
	}
}

func (s *Socket) readPump(conn *websocket.Conn) {
	defer s.teardown()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.log.Debugw("socket read closed", "err", err)
			return
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.log.Warnw("malformed envelope, dropped", "err", err)
			continue
		}
		if env.Type == EventAck {
			s.resolveAck(env)
			continue
		}
		s.dispatch(env)
	}
}

func (s *Socket) resolveAck(env Envelope) {
	var ack Ack
	if err := json.Unmarshal(env.Payload, &ack); err != nil {
		ack = Ack{OK: false}
	}
	s.mu.Lock()
	ch, ok := s.pending[env.ID]
	s.mu.Unlock()
	if ok {
		ch <- ack
	}
}

func (s *Socket) writePump(conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()
	s.mu.Lock()
	send, done := s.send, s.done
	s.mu.Unlock()
	for {
		select {
		case msg, ok := <-send:
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := conn.WriteMessage(websocket.PingMessage, []byte{}); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// teardown marks the socket disconnected, fails all pending acks and
// notifies disconnect subscribers. Safe to call more than once.
func (s *Socket) teardown() {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return
	}
	s.connected = false
	conn := s.conn
	s.conn = nil
	close(s.done)
	s.pending = make(map[string]chan Ack)
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	s.dispatch(Envelope{Type: EventDisconnect})
}
