package models

import "strings"

// ReadMarker records how far a conversation has been read, on the ingestion clock.
type ReadMarker struct {
	ConversationKey string `json:"conversation_key"`
	LastReadAt      int64  `json:"last_read_at"`
}

// ConversationSummary groups stored messages for a "recent conversations" view.
type ConversationSummary struct {
	SenderLabel     string      `json:"sender_label"`
	Kind            MessageKind `json:"kind"`
	ChannelIndex    *int        `json:"channel_index,omitempty"`
	MessageCount    int         `json:"message_count"`
	LastPayloadTime int64       `json:"last_payload_time"`
	LastReceivedAt  int64       `json:"last_received_at"`
}

// Freshness buckets how recently a peer was heard from.
type Freshness string

const (
	FreshnessFresh Freshness = "fresh"
	FreshnessAging Freshness = "aging"
	FreshnessStale Freshness = "stale"
)

// FreshnessSource selects which last-seen time classifies a peer.
type FreshnessSource string

const (
	// FreshnessFromStore uses the persisted last_seen, bumped by every message and advert.
	FreshnessFromStore FreshnessSource = "stored"
	// FreshnessFromDirectory uses the time of the last device sync that listed the peer.
	FreshnessFromDirectory FreshnessSource = "directory"
)

// Valid reports whether src is a known source.
func (src FreshnessSource) Valid() bool {
	return src == FreshnessFromStore || src == FreshnessFromDirectory
}

// ParseFreshnessSource maps a configured name onto a source. Unknown names
// fall back to FreshnessFromStore.
func ParseFreshnessSource(name string) FreshnessSource {
	src := FreshnessSource(strings.ToLower(strings.TrimSpace(name)))
	if !src.Valid() {
		return FreshnessFromStore
	}
	return src
}
