package models

// PeerRole is the advertised device role of a mesh node.
type PeerRole int

const (
	RoleGeneric PeerRole = iota
	RoleChat
	RoleRelayNode
	RoleRoomServer
	RoleSensor
)

// String returns the lowercase role name.
func (r PeerRole) String() string {
	switch r {
	case RoleChat:
		return "chat"
	case RoleRelayNode:
		return "relay-node"
	case RoleRoomServer:
		return "room-server"
	case RoleSensor:
		return "sensor"
	default:
		return "generic"
	}
}

// RoleFromCode maps the device type code to a role; unknown codes are generic.
func RoleFromCode(code int) PeerRole {
	if code < int(RoleGeneric) || code > int(RoleSensor) {
		return RoleGeneric
	}
	return PeerRole(code)
}

// Peer represents a mesh node known to this client.
type Peer struct {
	IdentityKey   string   `json:"identity_key"`
	Name          string   `json:"name"`
	BroadcastName string   `json:"broadcast_name"`
	Role          PeerRole `json:"role"`
	IsSelf        bool     `json:"is_self"`
	FirstSeen     int64    `json:"first_seen"`
	LastSeen      int64    `json:"last_seen"`
	Attributes    []byte   `json:"attributes,omitempty"`
}

// DisplayName prefers the broadcast alias over the directory name.
func (p Peer) DisplayName() string {
	if p.BroadcastName != "" {
		return p.BroadcastName
	}
	return p.Name
}
