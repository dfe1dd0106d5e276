// Package chattest is an in-process chat server used by integration
// tests: the REST endpoints and the live-channel envelope protocol with
// scriptable failure injection.
package chattest

import (
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"github.com/MatyMusic/maty-sub002/internal/auth"
	"github.com/MatyMusic/maty-sub002/internal/transport"
)

type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Server is the scriptable chat backend stub.
type Server struct {
	app *fiber.App
	ln  net.Listener

	mu          sync.Mutex
	msgs        map[string][]transport.WireMessage // peer id -> timeline, oldest first
	conns       map[*wsConn]struct{}
	seq         int
	failPosts   int
	forceStatus int
	rejectSends bool
}

func New() (*Server, error) {
	s := &Server{
		msgs:  make(map[string][]transport.WireMessage),
		conns: make(map[*wsConn]struct{}),
	}
	app := fiber.New(fiber.Config{DisableStartupMessage: true})

	app.Get("/chat/:peer", s.handleHistory)
	app.Post("/chat/:peer", s.handlePost)
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws", websocket.New(s.handleWS))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	s.app = app
	s.ln = ln
	go func() { _ = app.Listener(ln) }()
	return s, nil
}

func (s *Server) Close() {
	s.DropSockets()
	_ = s.app.Shutdown()
}

func (s *Server) URL() string {
	return "http://" + s.ln.Addr().String()
}

func (s *Server) WSURL() string {
	return "ws://" + s.ln.Addr().String() + "/ws"
}

// Seed loads n fixture messages from the peer into its timeline.
func (s *Server) Seed(peerID string, n int) {
	base := time.Now().UTC().Add(-time.Duration(n) * time.Minute)
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < n; i++ {
		s.seq++
		s.msgs[peerID] = append(s.msgs[peerID], transport.WireMessage{
			ID:   fmt.Sprintf("srv-%04d", s.seq),
			From: peerID,
			Text: fmt.Sprintf("seeded %d", i),
			At:   base.Add(time.Duration(i) * time.Minute),
		})
	}
}

// FailNextPosts makes the next n REST posts return a 500.
func (s *Server) FailNextPosts(n int) {
	s.mu.Lock()
	s.failPosts = n
	s.mu.Unlock()
}

// SetStatus forces every REST response to the given status (401, 402).
// Zero clears the override.
func (s *Server) SetStatus(code int) {
	s.mu.Lock()
	s.forceStatus = code
	s.mu.Unlock()
}

// RejectSends makes the live channel ack chat:send with ok=false.
func (s *Server) RejectSends(v bool) {
	s.mu.Lock()
	s.rejectSends = v
	s.mu.Unlock()
}

// DropSockets closes every live connection, simulating transport loss.
// The underlying TCP connection is closed directly; closing only the
// websocket wrapper would leave the hijacked conn open and clients
// would never observe the drop.
func (s *Server) DropSockets() {
	s.mu.Lock()
	conns := make([]*wsConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.conns = make(map[*wsConn]struct{})
	s.mu.Unlock()
	for _, c := range conns {
		u := c.conn.UnderlyingConn()
		// fasthttp wraps hijacked conns; its Close is a no-op, so unwrap
		// to reach the real TCP conn.
		if hj, ok := u.(interface{ UnsafeConn() net.Conn }); ok {
			u = hj.UnsafeConn()
		}
		_ = u.Close()
	}
}

// ConnCount reports the number of live websocket connections.
func (s *Server) ConnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// PushNew broadcasts a chat:new event, as if the peer sent a message.
func (s *Server) PushNew(w transport.WireMessage) {
	s.mu.Lock()
	s.msgs[w.From] = append(s.msgs[w.From], w)
	s.mu.Unlock()
	s.broadcast(transport.EventChatNew, "", w)
}

// PushTyping broadcasts a typing event from the peer.
func (s *Server) PushTyping(peerID string) {
	s.broadcast(transport.EventTyping, "", transport.TypingPayload{PeerID: peerID})
}

func (s *Server) broadcast(event, id string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	env := transport.Envelope{Type: event, ID: id, Payload: raw}
	s.mu.Lock()
	conns := make([]*wsConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.writeJSON(env)
	}
}

func (s *Server) nextID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return fmt.Sprintf("srv-%04d", s.seq)
}

func (s *Server) statusOverride(c *fiber.Ctx) (int, bool) {
	s.mu.Lock()
	code := s.forceStatus
	s.mu.Unlock()
	if code == 0 {
		return 0, false
	}
	if code == fiber.StatusPaymentRequired && c.Get(auth.AdminHeader) == auth.AdminHeaderValue {
		// paywall does not apply to privileged sessions
		return 0, false
	}
	return code, true
}

func (s *Server) handleHistory(c *fiber.Ctx) error {
	if code, ok := s.statusOverride(c); ok {
		return c.Status(code).JSON(fiber.Map{"ok": false, "error": "blocked"})
	}
	peer := c.Params("peer")
	limit := c.QueryInt("limit", 50)
	before := c.Query("before")

	s.mu.Lock()
	timeline := append([]transport.WireMessage(nil), s.msgs[peer]...)
	s.mu.Unlock()

	end := len(timeline)
	if before != "" {
		for i := range timeline {
			if timeline[i].ID == before {
				end = i
				break
			}
		}
	}
	start := end - limit
	if start < 0 {
		start = 0
	}
	items := timeline[start:end]
	resp := fiber.Map{"ok": true, "items": items}
	if start > 0 && len(items) > 0 {
		resp["nextCursor"] = items[0].ID
	}
	return c.JSON(resp)
}

func (s *Server) handlePost(c *fiber.Ctx) error {
	if code, ok := s.statusOverride(c); ok {
		return c.Status(code).JSON(fiber.Map{"ok": false, "error": "blocked"})
	}
	s.mu.Lock()
	if s.failPosts > 0 {
		s.failPosts--
		s.mu.Unlock()
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"ok": false, "error": "injected failure"})
	}
	s.mu.Unlock()

	var body struct {
		Text      string `json:"text"`
		ReplyToID string `json:"replyToId"`
	}
	if err := c.BodyParser(&body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"ok": false, "error": "bad request"})
	}
	peer := c.Params("peer")
	item := transport.WireMessage{
		ID:   s.nextID(),
		From: "me", // REST posts come from the authenticated local user
		To:   peer,
		Text: body.Text,
		At:   time.Now().UTC(),
	}
	s.mu.Lock()
	s.msgs[peer] = append(s.msgs[peer], item)
	s.mu.Unlock()
	return c.JSON(fiber.Map{"ok": true, "item": item})
}

func (s *Server) handleWS(conn *websocket.Conn) {
	wc := &wsConn{conn: conn}
	s.mu.Lock()
	s.conns[wc] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, wc)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	var from string
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var env transport.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		switch env.Type {
		case transport.EventHello:
			var p transport.HelloPayload
			if json.Unmarshal(env.Payload, &p) == nil {
				from = p.MeID
			}
		case transport.EventJoin:
			// room membership is implicit in the stub
		case transport.EventChatSend:
			s.handleSend(wc, from, env)
		case transport.EventTyping:
			var p transport.TypingPayload
			if json.Unmarshal(env.Payload, &p) == nil {
				s.broadcast(transport.EventTyping, "", p)
			}
		}
	}
}

func (s *Server) handleSend(wc *wsConn, from string, env transport.Envelope) {
	s.mu.Lock()
	reject := s.rejectSends
	s.mu.Unlock()
	if reject {
		raw, _ := json.Marshal(transport.Ack{OK: false, Status: 500})
		_ = wc.writeJSON(transport.Envelope{Type: transport.EventAck, ID: env.ID, Payload: raw})
		return
	}

	var p transport.SendPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		raw, _ := json.Marshal(transport.Ack{OK: false, Status: 400})
		_ = wc.writeJSON(transport.Envelope{Type: transport.EventAck, ID: env.ID, Payload: raw})
		return
	}
	item := transport.WireMessage{
		ID:   s.nextID(),
		From: from,
		To:   p.To,
		Text: p.Text,
		At:   time.Now().UTC(),
	}
	s.mu.Lock()
	s.msgs[p.To] = append(s.msgs[p.To], item)
	s.mu.Unlock()

	raw, _ := json.Marshal(transport.Ack{OK: true, Item: &item})
	_ = wc.writeJSON(transport.Envelope{Type: transport.EventAck, ID: env.ID, Payload: raw})
	s.broadcast(transport.EventChatNew, "", item)
}
