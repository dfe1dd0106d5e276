package chat

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Delivery is the lifecycle state of a message as seen locally.
type Delivery string

const (
	DeliverySending   Delivery = "sending"
	DeliverySent      Delivery = "sent"
	DeliveryDelivered Delivery = "delivered"
	DeliverySeen      Delivery = "seen"
	DeliveryFailed    Delivery = "failed"
)

// Kind classifies message content.
type Kind string

const (
	KindText  Kind = "text"
	KindImage Kind = "image"
	KindAudio Kind = "audio"
)

// LocalIDPrefix marks ids generated client-side before server confirmation.
const LocalIDPrefix = "local-"

// MediaMarker is the reserved in-text prefix signaling an attached media
// URL. It is kept on the wire for compatibility with older clients; on
// read, Normalize lifts it into Kind and AttachmentURL.
const MediaMarker = "[media]"

type Reaction struct {
	Emoji string `json:"emoji" bson:"emoji"`
	ByMe  bool   `json:"by_me" bson:"by_me"`
}

// Message is a single chat message in the conversation view.
type Message struct {
	ID            string     `json:"id" bson:"_id"`
	PeerID        string     `json:"peer_id" bson:"peer_id"`
	FromMe        bool       `json:"from_me" bson:"from_me"`
	Text          string     `json:"text" bson:"text"`
	At            time.Time  `json:"at" bson:"at"`
	Kind          Kind       `json:"kind" bson:"kind"`
	AttachmentURL string     `json:"attachment_url,omitempty" bson:"attachment_url,omitempty"`
	ReplyToID     string     `json:"reply_to_id,omitempty" bson:"reply_to_id,omitempty"`
	Reactions     []Reaction `json:"reactions,omitempty" bson:"reactions,omitempty"`
	Delivery      Delivery   `json:"delivery" bson:"delivery"`
	Pinned        bool       `json:"pinned,omitempty" bson:"pinned,omitempty"`
	Starred       bool       `json:"starred,omitempty" bson:"starred,omitempty"`
}

// NewLocal builds an optimistic message for text typed by the local
// user. It carries a temporary id until the server confirms the send.
func NewLocal(peerID, text, replyToID string) Message {
	m := Message{
		ID:        LocalIDPrefix + uuid.NewString(),
		PeerID:    peerID,
		FromMe:    true,
		Text:      text,
		At:        time.Now().UTC(),
		ReplyToID: replyToID,
		Delivery:  DeliverySending,
	}
	m.Normalize()
	return m
}

// IsLocal reports whether the message still carries a client-generated id.
func (m *Message) IsLocal() bool {
	return strings.HasPrefix(m.ID, LocalIDPrefix)
}

// Normalize fills derived fields. The media marker in the text body is
// decoded exactly once here so nothing downstream pattern-matches text.
func (m *Message) Normalize() {
	if m.At.IsZero() {
		m.At = time.Now().UTC()
	}
	if m.AttachmentURL == "" && strings.HasPrefix(m.Text, MediaMarker) {
		m.AttachmentURL = strings.TrimSpace(strings.TrimPrefix(m.Text, MediaMarker))
	}
	if m.Kind == "" {
		m.Kind = inferKind(m.AttachmentURL)
	}
}

func inferKind(attachmentURL string) Kind {
	if attachmentURL == "" {
		return KindText
	}
	u := strings.ToLower(attachmentURL)
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		u = u[:i]
	}
	switch {
	case strings.HasSuffix(u, ".ogg"), strings.HasSuffix(u, ".mp3"),
		strings.HasSuffix(u, ".m4a"), strings.HasSuffix(u, ".webm"),
		strings.HasSuffix(u, ".wav"):
		return KindAudio
	default:
		return KindImage
	}
}
