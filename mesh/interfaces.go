// Package mesh describes the protocol-client collaborator the ingestion core
// consumes: the raw event stream, outbound sends, and the peer, room and
// room-session lookups backed by the companion device.
package mesh

import (
	"context"
	"errors"
	"time"

	"meshchat/models"
)

// ErrNotConnected is returned by clients that have no live device link.
var ErrNotConnected = errors.New("mesh: not connected")

// SendResult describes a direct send accepted by the device.
type SendResult struct {
	ExpectedAck      string
	SuggestedTimeout time.Duration
}

// Client is the protocol client of a companion radio.
type Client interface {
	// Events delivers raw device events in arrival order. The channel is
	// closed when the client shuts down.
	Events() <-chan RawEvent
	FetchPeers(ctx context.Context) ([]models.Peer, error)
	SendDirect(ctx context.Context, peer models.Peer, text string) (*SendResult, error)
	SendChannel(ctx context.Context, channelIndex int, text string) error
	SendAdvert(ctx context.Context, flood bool) error
}

// PeerDirectory resolves identity references against the device's contact list.
type PeerDirectory interface {
	LookupPeerByKey(ref string) (models.Peer, bool)
	LookupPeerByName(name string) (models.Peer, bool)
}

// RoomDirectory maps a room server key or key prefix to its room name.
type RoomDirectory interface {
	LookupRoomByKey(ref string) (string, bool)
}

// RoomSessions reports and establishes authenticated room sessions.
type RoomSessions interface {
	IsLoggedIn(roomName string) bool
	IsAdmin(roomName string) bool
	Login(ctx context.Context, roomName string, contact models.Peer, password string) (bool, error)
}
