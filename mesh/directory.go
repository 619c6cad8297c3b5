package mesh

import (
	"strings"
	"sync"

	"meshchat/models"
)

// MemoryDirectory is a concurrency-safe PeerDirectory and RoomDirectory
// backed by the most recent contact list fetched from a device.
type MemoryDirectory struct {
	mu    sync.RWMutex
	peers map[string]models.Peer
}

// NewMemoryDirectory returns an empty directory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{peers: make(map[string]models.Peer)}
}

// Replace swaps the directory contents for peers.
func (d *MemoryDirectory) Replace(peers []models.Peer) {
	next := make(map[string]models.Peer, len(peers))
	for _, peer := range peers {
		if peer.IdentityKey == "" {
			continue
		}
		next[peer.IdentityKey] = peer
	}

	d.mu.Lock()
	d.peers = next
	d.mu.Unlock()
}

// Put adds or replaces a single peer.
func (d *MemoryDirectory) Put(peer models.Peer) {
	if peer.IdentityKey == "" {
		return
	}
	d.mu.Lock()
	d.peers[peer.IdentityKey] = peer
	d.mu.Unlock()
}

// Peers returns a snapshot of all known peers in no particular order.
func (d *MemoryDirectory) Peers() []models.Peer {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]models.Peer, 0, len(d.peers))
	for _, peer := range d.peers {
		out = append(out, peer)
	}
	return out
}

// LookupPeerByKey matches a full key exactly, or else a key prefix. Among
// several prefix matches the most recently seen peer wins.
func (d *MemoryDirectory) LookupPeerByKey(ref string) (models.Peer, bool) {
	if strings.TrimSpace(ref) == "" {
		return models.Peer{}, false
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	if peer, ok := d.peers[ref]; ok {
		return peer, true
	}
	return d.bestMatch(func(p models.Peer) bool {
		return strings.HasPrefix(p.IdentityKey, ref)
	})
}

// LookupPeerByName matches the directory name or the broadcast name.
func (d *MemoryDirectory) LookupPeerByName(name string) (models.Peer, bool) {
	if name == "" {
		return models.Peer{}, false
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.bestMatch(func(p models.Peer) bool {
		return p.Name == name || p.BroadcastName == name
	})
}

// LookupRoomByKey resolves a room server by key or key prefix to its display
// name, the same label its conversation is keyed by.
func (d *MemoryDirectory) LookupRoomByKey(ref string) (string, bool) {
	peer, ok := d.LookupPeerByKey(ref)
	if !ok || peer.Role != models.RoleRoomServer {
		return "", false
	}
	return peer.DisplayName(), true
}

func (d *MemoryDirectory) bestMatch(match func(models.Peer) bool) (models.Peer, bool) {
	var (
		best  models.Peer
		found bool
	)
	for _, peer := range d.peers {
		if !match(peer) {
			continue
		}
		if !found || peer.LastSeen > best.LastSeen ||
			(peer.LastSeen == best.LastSeen && peer.IdentityKey < best.IdentityKey) {
			best = peer
			found = true
		}
	}
	return best, found
}
