package mesh

import "meshchat/models"

// ToPeer converts a contact record to a peer last seen at seenAt.
func (r PeerRecord) ToPeer(seenAt int64) models.Peer {
	name := r.Name
	if name == "" {
		name = r.BroadcastName
	}
	if name == "" {
		name = "Unknown"
	}
	return models.Peer{
		IdentityKey:   r.IdentityKey,
		Name:          name,
		BroadcastName: r.BroadcastName,
		Role:          models.RoleFromCode(r.TypeCode),
		LastSeen:      seenAt,
		Attributes:    r.Attributes,
	}
}

// ToPeer synthesizes a peer from an advertisement. A missing name defaults to
// the first 12 characters of the identity reference.
func (a AdvertisementEvent) ToPeer(seenAt int64) models.Peer {
	name := a.Name
	if name == "" {
		name = truncate(a.IdentityRef, 12)
	}
	broadcastName := a.AdvName
	if broadcastName == "" {
		broadcastName = name
	}
	return models.Peer{
		IdentityKey:   a.IdentityRef,
		Name:          name,
		BroadcastName: broadcastName,
		Role:          models.RoleFromCode(a.TypeCode),
		LastSeen:      seenAt,
		Attributes:    a.Attributes,
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
