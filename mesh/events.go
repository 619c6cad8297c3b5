package mesh

// Raw event types as emitted by the companion device protocol.
const (
	RawNewContact     = "new_contact"
	RawContacts       = "contacts"
	RawContactMessage = "contact_message"
	RawChannelMessage = "channel_message"
	RawAdvertisement  = "advertisement"
	RawPathUpdate     = "path_update"
	RawChannelInfo    = "channel_info"
)

// RawEvent is an event as delivered by a Client: a type tag and a loosely
// typed payload whose keys vary between firmware versions.
type RawEvent struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

// EventKind identifies a normalized event.
type EventKind int

const (
	KindNewPeer EventKind = iota + 1
	KindPeerDirectorySync
	KindDirectMessage
	KindBroadcastMessage
	KindAdvertisement
	KindPathUpdate
	KindChannelInfo
)

func (k EventKind) String() string {
	switch k {
	case KindNewPeer:
		return "new-peer"
	case KindPeerDirectorySync:
		return "peer-directory-sync"
	case KindDirectMessage:
		return "direct-message"
	case KindBroadcastMessage:
		return "broadcast-message"
	case KindAdvertisement:
		return "advertisement"
	case KindPathUpdate:
		return "path-update"
	case KindChannelInfo:
		return "channel-info"
	default:
		return "unknown"
	}
}

// Event is a normalized device event. The concrete type is one of the
// structs below.
type Event interface {
	Kind() EventKind
}

// PeerRecord is the contact data carried by new-peer and advertisement events.
type PeerRecord struct {
	IdentityKey   string
	Name          string
	BroadcastName string
	TypeCode      int
	// Attributes is the full payload re-encoded as JSON.
	Attributes []byte
}

// NewPeerEvent announces a contact the device has just learned.
type NewPeerEvent struct {
	Peer PeerRecord
}

// PeerDirectorySyncEvent signals that the device contact list changed.
type PeerDirectorySyncEvent struct{}

// DirectMessageEvent is a one-to-one message, possibly relayed by a room server.
type DirectMessageEvent struct {
	SenderRef         string
	RelaySignatureRef string
	Text              string
	PayloadTime       int64
	SignalQuality     *float64
	HopCount          *int
	TextSubtype       int
}

// BroadcastMessageEvent is a channel message.
type BroadcastMessageEvent struct {
	SenderRef     string
	Text          string
	PayloadTime   int64
	ChannelIndex  int
	SignalQuality *float64
	HopCount      *int
	TextSubtype   int
}

// AdvertisementEvent is a node advertisement heard on the mesh. IdentityRef
// may be a full key or only a prefix.
type AdvertisementEvent struct {
	IdentityRef string
	Name        string
	AdvName     string
	TypeCode    int
	Attributes  []byte
}

// PathUpdateEvent reports a new route length to a peer.
type PathUpdateEvent struct {
	IdentityRef string
	PathLength  int
}

// ChannelInfoEvent carries the configured name of a channel slot.
type ChannelInfoEvent struct {
	ChannelIndex int
	Name         string
}

func (NewPeerEvent) Kind() EventKind           { return KindNewPeer }
func (PeerDirectorySyncEvent) Kind() EventKind { return KindPeerDirectorySync }
func (DirectMessageEvent) Kind() EventKind     { return KindDirectMessage }
func (BroadcastMessageEvent) Kind() EventKind  { return KindBroadcastMessage }
func (AdvertisementEvent) Kind() EventKind     { return KindAdvertisement }
func (PathUpdateEvent) Kind() EventKind        { return KindPathUpdate }
func (ChannelInfoEvent) Kind() EventKind       { return KindChannelInfo }
