package transport

import (
	"encoding/json"
	"time"

	"github.com/MatyMusic/maty-sub002/internal/chat"
)

// Event names on the live channel.
const (
	EventHello    = "hello"
	EventJoin     = "join"
	EventChatSend = "chat:send"
	EventChatNew  = "chat:new"
	EventTyping   = "typing"
	EventAck      = "ack"

	// Pseudo events dispatched to On handlers for connection state.
	EventConnect    = "connect"
	EventDisconnect = "disconnect"
)

// Envelope is the wire format for live-channel messages. ID correlates
// a chat:send with its ack.
type Envelope struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	From    string          `json:"from,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func NewEnvelope(event string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: event, Payload: raw}, nil
}

type HelloPayload struct {
	MeID    string `json:"me_id"`
	IsAdmin bool   `json:"is_admin"`
}

type JoinPayload struct {
	PeerID string `json:"peer_id"`
}

type SendPayload struct {
	To        string `json:"to"`
	Text      string `json:"text"`
	ReplyToID string `json:"reply_to_id,omitempty"`
	IsAdmin   bool   `json:"is_admin,omitempty"`
}

type TypingPayload struct {
	PeerID string `json:"peer_id"`
}

// Ack is the typed outcome of a single live-channel send attempt.
type Ack struct {
	OK     bool         `json:"ok"`
	Item   *WireMessage `json:"item,omitempty"`
	Status int          `json:"status,omitempty"`
}

// WireMessage is the server-side message shape used by chat:new, acks
// and the REST history endpoint. Authorship is resolved client-side by
// comparing the sender to the local identity.
type WireMessage struct {
	ID   string    `json:"id"`
	From string    `json:"from"`
	To   string    `json:"to,omitempty"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// ToMessage converts a wire message into the local model for the given
// conversation. Derived fields (kind, attachment) are normalized here.
func (w WireMessage) ToMessage(selfID, peerID string) chat.Message {
	m := chat.Message{
		ID:       w.ID,
		PeerID:   peerID,
		FromMe:   w.From == selfID,
		Text:     w.Text,
		At:       w.At,
		Delivery: chat.DeliverySent,
	}
	if !m.FromMe {
		m.Delivery = chat.DeliveryDelivered
	}
	m.Normalize()
	return m
}
