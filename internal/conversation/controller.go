// Package conversation orchestrates the sync core for one active peer:
// optimistic sends with socket-first REST fallback, outbox replay,
// history pagination and presence, all scoped to a session that is torn
// down race-safely on peer change.
package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/MatyMusic/maty-sub002/internal/archive"
	"github.com/MatyMusic/maty-sub002/internal/auth"
	"github.com/MatyMusic/maty-sub002/internal/chat"
	"github.com/MatyMusic/maty-sub002/internal/history"
	"github.com/MatyMusic/maty-sub002/internal/metrics"
	"github.com/MatyMusic/maty-sub002/internal/outbox"
	"github.com/MatyMusic/maty-sub002/internal/presence"
	"github.com/MatyMusic/maty-sub002/internal/transport"
)

// State of the active conversation session. There is no terminal error
// state: failures surface inline and leave the session Ready so the
// user can retry.
type State string

const (
	StateIdle           State = "idle"
	StateLoadingInitial State = "loading_initial"
	StateReady          State = "ready"
	StateLoadingMore    State = "loading_more"
)

var ErrNoSession = errors.New("no active conversation")

// session is the bounded lifetime of everything tied to one selected
// peer: subscriptions, in-flight request cancellation, store and
// loader. Tearing it down completely is what prevents cross-peer races.
type session struct {
	peerID string
	ctx    context.Context
	cancel context.CancelFunc
	store  *chat.Store
	loader *history.Loader
	unsubs []func()
	state  State
}

// RestClient is the request/response fallback channel, satisfied by
// transport.REST.
type RestClient interface {
	history.Fetcher
	Post(ctx context.Context, peerID, text, replyToID string) (*chat.Message, error)
}

// Controller owns the active session and the shared collaborators that
// outlive peer switches.
type Controller struct {
	socket   transport.Client
	rest     RestClient
	outbox   *outbox.Outbox
	presence *presence.Signaler
	arch     archive.Archive // nil disables the local cache
	sess     *auth.Session
	pageSize int
	log      *zap.SugaredLogger

	mu     sync.Mutex
	active *session
	sendMu sync.Mutex // serializes sends to preserve FIFO per conversation
}

func NewController(
	socket transport.Client,
	rest RestClient,
	ob *outbox.Outbox,
	sig *presence.Signaler,
	arch archive.Archive,
	sess *auth.Session,
	pageSize int,
	log *zap.SugaredLogger,
) *Controller {
	c := &Controller{
		socket:   socket,
		rest:     rest,
		outbox:   ob,
		presence: sig,
		arch:     arch,
		sess:     sess,
		pageSize: pageSize,
		log:      log,
	}
	// every successful connection re-joins the active room; without this
	// a reconnect would stop delivery for the open conversation
	socket.On(transport.EventConnect, func(transport.Envelope) {
		if s := c.current(); s != nil {
			c.joinRoom(s.peerID)
		}
	})
	return c
}

// Open switches the controller to a peer. The previous session is torn
// down first: its context is cancelled so late responses are discarded,
// its transport handlers are unsubscribed and presence timers cleared.
func (c *Controller) Open(ctx context.Context, peerID string) error {
	c.mu.Lock()
	c.teardownLocked()

	sctx, cancel := context.WithCancel(ctx)
	s := &session{
		peerID: peerID,
		ctx:    sctx,
		cancel: cancel,
		store:  chat.NewStore(),
		state:  StateLoadingInitial,
	}
	s.loader = history.NewLoader(c.rest, s.store, peerID, c.pageSize, c.log)
	s.unsubs = append(s.unsubs,
		c.socket.On(transport.EventChatNew, func(env transport.Envelope) { c.handleChatNew(s, env) }),
		c.socket.On(transport.EventTyping, func(env transport.Envelope) { c.handleTyping(s, env) }),
	)
	c.active = s
	c.mu.Unlock()

	c.joinRoom(peerID)
	c.warmFromArchive(s)

	_, err := s.loader.LoadInitial(sctx)

	c.mu.Lock()
	if c.active == s {
		s.state = StateReady
	}
	c.mu.Unlock()

	if err != nil {
		if sctx.Err() != nil {
			// peer changed under the load; the stale response was discarded
			return nil
		}
		c.log.Warnw("initial load failed, session stays ready for retry", "peer", peerID, "err", err)
		return err
	}
	c.archiveConfirmed(s)
	return nil
}

// Close tears down the active session.
func (c *Controller) Close() {
	c.mu.Lock()
	c.teardownLocked()
	c.mu.Unlock()
}

func (c *Controller) teardownLocked() {
	if c.active == nil {
		return
	}
	c.active.cancel()
	for _, off := range c.active.unsubs {
		off()
	}
	c.presence.Reset()
	c.active = nil
}

func (c *Controller) current() *session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// PeerID returns the active peer, empty when idle.
func (c *Controller) PeerID() string {
	if s := c.current(); s != nil {
		return s.peerID
	}
	return ""
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return StateIdle
	}
	return c.active.state
}

// Messages returns the ordered view of the active conversation.
func (c *Controller) Messages() []chat.Message {
	if s := c.current(); s != nil {
		return s.store.List()
	}
	return nil
}

// PeerTyping reports the ephemeral remote typing indicator.
func (c *Controller) PeerTyping() bool {
	s := c.current()
	return s != nil && c.presence.Typing(s.peerID)
}

// HasMore reports whether older history may exist for the active peer.
func (c *Controller) HasMore() bool {
	s := c.current()
	return s != nil && s.loader.HasMore()
}

func (c *Controller) joinRoom(peerID string) {
	env, err := transport.NewEnvelope(transport.EventJoin, transport.JoinPayload{PeerID: peerID})
	if err != nil {
		return
	}
	if err := c.socket.Emit(env); err != nil {
		c.log.Debugw("join skipped, socket unavailable", "peer", peerID)
	}
}

// warmFromArchive shows cached history immediately; the live page
// merges over it and the store dedups the overlap.
func (c *Controller) warmFromArchive(s *session) {
	if c.arch == nil {
		return
	}
	cached, err := c.arch.Recent(s.ctx, s.peerID, c.pageSize)
	if err != nil {
		c.log.Debugw("archive read failed", "peer", s.peerID, "err", err)
		return
	}
	s.store.Merge(cached)
}

func (c *Controller) archiveConfirmed(s *session) {
	if c.arch == nil {
		return
	}
	msgs := s.store.List()
	confirmed := msgs[:0:0]
	for _, m := range msgs {
		if !m.IsLocal() && m.Delivery != chat.DeliveryFailed {
			confirmed = append(confirmed, m)
		}
	}
	if err := c.arch.SaveAll(s.ctx, s.peerID, confirmed); err != nil {
		c.log.Debugw("archive write failed", "peer", s.peerID, "err", err)
	}
}

// handleChatNew merges a pushed message. Authorship is resolved against
// the local identity; events for other conversations are dropped.
func (c *Controller) handleChatNew(s *session, env transport.Envelope) {
	if c.current() != s {
		return
	}
	var w transport.WireMessage
	if err := json.Unmarshal(env.Payload, &w); err != nil {
		c.log.Warnw("dropped malformed chat:new", "err", err)
		return
	}
	other := w.From
	if w.From == c.sess.UserID {
		other = w.To
	}
	if other != s.peerID {
		return
	}
	if s.store.Append(w.ToMessage(c.sess.UserID, s.peerID)) {
		c.archiveConfirmed(s)
	}
}

func (c *Controller) handleTyping(s *session, env transport.Envelope) {
	if c.current() != s {
		return
	}
	var p transport.TypingPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return
	}
	if p.PeerID != s.peerID {
		return
	}
	c.presence.HandleRemote(p.PeerID)
}

// Typing signals the peer that the local user is typing (debounced).
func (c *Controller) Typing() {
	if s := c.current(); s != nil {
		c.presence.EmitTyping(s.peerID)
	}
}

// Send creates an optimistic local message and attempts delivery:
// socket with ack first, REST on any socket failure. Both failing marks
// the message failed and queues it to the outbox for the next online
// signal or an explicit resend.
func (c *Controller) Send(ctx context.Context, text, replyToID string) (chat.Message, error) {
	s := c.current()
	if s == nil {
		return chat.Message{}, ErrNoSession
	}
	local := chat.NewLocal(s.peerID, text, replyToID)
	s.store.Append(local)

	c.sendMu.Lock()
	confirmed, err := c.deliver(ctx, s, local)
	c.sendMu.Unlock()
	if err != nil {
		s.store.UpdateByID(local.ID, func(m *chat.Message) { m.Delivery = chat.DeliveryFailed })
		failed, _ := s.store.Get(local.ID)
		if qerr := c.outbox.Enqueue(ctx, failed); qerr != nil {
			c.log.Errorw("outbox enqueue failed", "msg", local.ID, "err", qerr)
		}
		metrics.SendFailures.Inc()
		return failed, err
	}
	c.reconcile(s, local.ID, confirmed)
	c.archiveConfirmed(s)
	out, _ := s.store.Get(c.confirmedID(local.ID, confirmed))
	return out, nil
}

func (c *Controller) confirmedID(localID string, confirmed *chat.Message) string {
	if confirmed != nil {
		return confirmed.ID
	}
	return localID
}

// reconcile swaps the optimistic entry for the server-confirmed one, or
// just marks it sent when the server accepted without an item (the 402
// soft-allow path).
func (c *Controller) reconcile(s *session, localID string, confirmed *chat.Message) {
	if confirmed != nil {
		s.store.ReplaceID(localID, *confirmed)
		return
	}
	s.store.UpdateByID(localID, func(m *chat.Message) { m.Delivery = chat.DeliverySent })
}

// deliver runs one socket attempt then one REST attempt. It does not
// retry; retry is the outbox's job.
func (c *Controller) deliver(ctx context.Context, s *session, m chat.Message) (*chat.Message, error) {
	if c.socket.Connected() {
		payload := transport.SendPayload{To: s.peerID, Text: m.Text, ReplyToID: m.ReplyToID, IsAdmin: c.sess.Admin}
		env, err := transport.NewEnvelope(transport.EventChatSend, payload)
		if err == nil {
			ack, serr := c.socket.Send(ctx, env)
			if serr == nil && ack != nil && ack.Item != nil {
				metrics.MessagesSent.WithLabelValues("socket").Inc()
				cm := ack.Item.ToMessage(c.sess.UserID, s.peerID)
				return &cm, nil
			}
			if serr != nil {
				c.log.Debugw("socket send failed, falling back to rest", "msg", m.ID, "err", serr)
			}
		}
	}

	confirmed, err := c.rest.Post(ctx, s.peerID, m.Text, m.ReplyToID)
	if err != nil {
		return nil, fmt.Errorf("send failed on both transports: %w", err)
	}
	metrics.MessagesSent.WithLabelValues("rest").Inc()
	return confirmed, nil
}

// Resend retries one failed message from the outbox (explicit user
// action on the inline retry affordance).
func (c *Controller) Resend(ctx context.Context, messageID string) error {
	s := c.current()
	if s == nil {
		return ErrNoSession
	}
	s.store.UpdateByID(messageID, func(m *chat.Message) { m.Delivery = chat.DeliverySending })
	err := c.outbox.Resend(ctx, s.peerID, messageID, c.resendFunc(s))
	if err != nil {
		s.store.UpdateByID(messageID, func(m *chat.Message) { m.Delivery = chat.DeliveryFailed })
	}
	return err
}

// HandleOnline replays the active peer's outbox sequentially. Wired to
// the platform's online signal by the embedding application.
func (c *Controller) HandleOnline(ctx context.Context) error {
	s := c.current()
	if s == nil {
		return ErrNoSession
	}
	err := c.outbox.Flush(ctx, s.peerID, c.resendFunc(s))
	if errors.Is(err, outbox.ErrFlushInProgress) {
		return nil
	}
	return err
}

// resendFunc adapts deliver for outbox replay: a successful resend
// re-enters the normal lifecycle, reconciling the failed entry in the
// store with the confirmed message.
func (c *Controller) resendFunc(s *session) outbox.SendFunc {
	return func(ctx context.Context, m chat.Message) (*chat.Message, error) {
		confirmed, err := c.deliver(ctx, s, m)
		if err != nil {
			return nil, err
		}
		c.reconcile(s, m.ID, confirmed)
		c.archiveConfirmed(s)
		return confirmed, nil
	}
}

// LoadMore loads the page older than the current oldest message.
// Returns the number of messages prepended for viewport adjustment.
// No-op while a load is in flight or after pagination ended.
func (c *Controller) LoadMore(ctx context.Context) (int, error) {
	s := c.current()
	if s == nil {
		return 0, ErrNoSession
	}
	c.mu.Lock()
	if c.active == s && s.state == StateReady {
		s.state = StateLoadingMore
	}
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.active == s {
			s.state = StateReady
		}
		c.mu.Unlock()
	}()

	added, err := s.loader.LoadBefore(s.ctx)
	if err != nil && s.ctx.Err() != nil {
		// peer changed mid-flight; swallow the aborted load
		return 0, nil
	}
	return added, err
}

// Refresh retries the initial load after an inline failure.
func (c *Controller) Refresh(ctx context.Context) error {
	s := c.current()
	if s == nil {
		return ErrNoSession
	}
	_, err := s.loader.LoadInitial(s.ctx)
	if err == nil {
		c.archiveConfirmed(s)
	}
	return err
}

// ReactLocal, TogglePin, ToggleStar and DeleteForMe mutate local-only
// state; no server write exists for these.
func (c *Controller) ReactLocal(messageID, emoji string) bool {
	s := c.current()
	if s == nil {
		return false
	}
	return s.store.UpdateByID(messageID, func(m *chat.Message) {
		m.Reactions = append(m.Reactions, chat.Reaction{Emoji: emoji, ByMe: true})
	})
}

func (c *Controller) TogglePin(messageID string) bool {
	s := c.current()
	if s == nil {
		return false
	}
	return s.store.UpdateByID(messageID, func(m *chat.Message) { m.Pinned = !m.Pinned })
}

func (c *Controller) ToggleStar(messageID string) bool {
	s := c.current()
	if s == nil {
		return false
	}
	return s.store.UpdateByID(messageID, func(m *chat.Message) { m.Starred = !m.Starred })
}

func (c *Controller) DeleteForMe(messageID string) bool {
	s := c.current()
	if s == nil {
		return false
	}
	return s.store.RemoveByID(messageID)
}
