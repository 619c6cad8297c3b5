package models

// MessageKind classifies how a message reached this client.
type MessageKind string

const (
	// KindDirect is a one-to-one message from (or to) a known or raw identity.
	KindDirect MessageKind = "direct"
	// KindRelay is a message rebroadcast by a room server on behalf of another peer.
	KindRelay MessageKind = "relay"
	// KindBroadcast is a channel message.
	KindBroadcast MessageKind = "broadcast"
)

const (
	// TextSubtypeNormal marks ordinary chat text.
	TextSubtypeNormal = 0
	// TextSubtypeCommandResponse marks a reply to a node command.
	TextSubtypeCommandResponse = 1
)

// Valid reports whether k is one of the known message kinds.
func (k MessageKind) Valid() bool {
	switch k {
	case KindDirect, KindRelay, KindBroadcast:
		return true
	default:
		return false
	}
}

// Message is one entry of the append-only message log.
type Message struct {
	ID                  int64       `json:"id"`
	UID                 string      `json:"uid"`
	Kind                MessageKind `json:"kind"`
	SenderLabel         string      `json:"sender_label"`
	SenderRef           string      `json:"sender_ref"`
	TrueOriginatorLabel *string     `json:"true_originator_label,omitempty"`
	TrueOriginatorRef   *string     `json:"true_originator_ref,omitempty"`
	Text                string      `json:"text"`
	PayloadTime         int64       `json:"payload_time"`
	ReceivedAt          int64       `json:"received_at"`
	ChannelIndex        *int        `json:"channel_index,omitempty"`
	RecipientLabel      *string     `json:"recipient_label,omitempty"`
	RecipientRef        *string     `json:"recipient_ref,omitempty"`
	SignalQuality       *float64    `json:"signal_quality,omitempty"`
	HopCount            *int        `json:"hop_count,omitempty"`
	TextSubtype         int         `json:"text_subtype"`
	RelaySignatureRef   string      `json:"relay_signature_ref"`
	ConversationKey     string      `json:"conversation_key"`
	Outgoing            bool        `json:"outgoing"`
}

// IsChannel reports whether the message belongs to a channel rather than a peer conversation.
func (m Message) IsChannel() bool {
	return m.ChannelIndex != nil
}
