// Package identity attributes incoming messages to human-readable senders.
//
// Resolution never fails: when no directory knows a reference, the raw
// reference itself (or a shortened form of it) becomes the label.
package identity

import (
	"meshchat/mesh"
	"meshchat/models"
)

// UnknownSender labels messages that carry no usable sender reference.
const UnknownSender = "Unknown"

// originatorPrefixLen is how much of an unresolved relay signature is kept as a label.
const originatorPrefixLen = 8

// Role hints how a raw sender reference should be interpreted.
type Role int

const (
	// RoleDirect treats the reference as a peer.
	RoleDirect Role = iota
	// RolePossibleRelay first checks whether the reference is a room server.
	RolePossibleRelay
)

// Resolution is the attributed identity of a message.
type Resolution struct {
	SenderLabel     string
	SenderRef       string
	Kind            models.MessageKind
	OriginatorLabel *string
	OriginatorRef   *string
	// Peer is the directory entry of whoever was actually heard from, when known.
	Peer *models.Peer
}

// Resolver maps raw references to labels using the peer and room directories.
// Either directory may be nil.
type Resolver struct {
	peers mesh.PeerDirectory
	rooms mesh.RoomDirectory
}

// NewResolver builds a resolver over the given directories.
func NewResolver(peers mesh.PeerDirectory, rooms mesh.RoomDirectory) *Resolver {
	return &Resolver{peers: peers, rooms: rooms}
}

// Resolve attributes a direct or relayed message.
func (r *Resolver) Resolve(rawRef string, role Role, relaySignatureRef string) Resolution {
	if role == RolePossibleRelay && rawRef != "" && r.rooms != nil {
		if room, ok := r.rooms.LookupRoomByKey(rawRef); ok {
			res := Resolution{
				SenderLabel: room,
				SenderRef:   rawRef,
				Kind:        models.KindRelay,
			}
			if relaySignatureRef != "" {
				ref := relaySignatureRef
				res.OriginatorRef = &ref
				label := truncate(relaySignatureRef, originatorPrefixLen)
				if peer, ok := r.lookupKey(relaySignatureRef); ok {
					label = peer.DisplayName()
					res.Peer = &peer
				}
				res.OriginatorLabel = &label
			}
			return res
		}
	}

	if peer, ok := r.lookupKey(rawRef); ok {
		return Resolution{
			SenderLabel: peer.DisplayName(),
			SenderRef:   rawRef,
			Kind:        models.KindDirect,
			Peer:        &peer,
		}
	}

	label := rawRef
	if label == "" {
		label = UnknownSender
	}
	return Resolution{SenderLabel: label, SenderRef: rawRef, Kind: models.KindDirect}
}

// ReresolveOriginator retries an unresolved relay originator against the
// current peer directory. The returned copy carries the new label; msg itself
// is left untouched.
func (r *Resolver) ReresolveOriginator(msg models.Message) models.Message {
	if msg.Kind != models.KindRelay || msg.RelaySignatureRef == "" {
		return msg
	}
	fallback := truncate(msg.RelaySignatureRef, originatorPrefixLen)
	if msg.TrueOriginatorLabel != nil && *msg.TrueOriginatorLabel != fallback {
		return msg
	}
	peer, ok := r.lookupKey(msg.RelaySignatureRef)
	if !ok {
		return msg
	}

	label := peer.DisplayName()
	ref := msg.RelaySignatureRef
	msg.TrueOriginatorLabel = &label
	msg.TrueOriginatorRef = &ref
	return msg
}

// PeerByName looks a peer up by directory or broadcast name.
func (r *Resolver) PeerByName(name string) (models.Peer, bool) {
	if r.peers == nil || name == "" {
		return models.Peer{}, false
	}
	return r.peers.LookupPeerByName(name)
}

// PeerByKey looks a peer up by full key or key prefix.
func (r *Resolver) PeerByKey(ref string) (models.Peer, bool) {
	return r.lookupKey(ref)
}

func (r *Resolver) lookupKey(ref string) (models.Peer, bool) {
	if r.peers == nil || ref == "" {
		return models.Peer{}, false
	}
	return r.peers.LookupPeerByKey(ref)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
