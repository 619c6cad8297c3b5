package session

import (
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"meshchat/models"
	"meshchat/storage"
)

const (
	freshWindowSeconds = 300
	agingWindowSeconds = 3600
)

// ClassifyFreshness buckets a last-seen time relative to now. A zero lastSeen
// is stale.
func ClassifyFreshness(lastSeen, now int64) models.Freshness {
	if lastSeen <= 0 {
		return models.FreshnessStale
	}
	age := now - lastSeen
	switch {
	case age < freshWindowSeconds:
		return models.FreshnessFresh
	case age < agingWindowSeconds:
		return models.FreshnessAging
	default:
		return models.FreshnessStale
	}
}

// PeerStatus reports both last-seen sources for a peer and the freshness
// derived from the configured one.
type PeerStatus struct {
	Peer              models.Peer
	StoredLastSeen    int64
	DirectoryLastSeen int64
	PathLength        *int
	Source            models.FreshnessSource
	Freshness         models.Freshness
}

// PeerStatus looks a peer up by key, key prefix or name.
func (s *Session) PeerStatus(ref string) (PeerStatus, error) {
	peer, ok := s.peers.LookupPeerByKey(ref)
	if !ok {
		peer, ok = s.peers.LookupPeerByName(ref)
	}
	if !ok {
		return PeerStatus{}, fmt.Errorf("peer status %q: %w", ref, ErrUnknownPeer)
	}

	status := PeerStatus{Peer: peer, Source: s.options.FreshnessSource}

	stored, err := s.store.GetPeer(peer.IdentityKey)
	switch {
	case err == nil:
		status.StoredLastSeen = stored.LastSeen
	case errors.Is(err, storage.ErrNotFound):
	default:
		return PeerStatus{}, fmt.Errorf("peer status %q: %w", ref, err)
	}

	s.syncMu.RLock()
	if _, synced := s.syncedKeys[peer.IdentityKey]; synced {
		status.DirectoryLastSeen = s.lastSyncAt
	}
	s.syncMu.RUnlock()

	status.PathLength = s.pathLength(peer.IdentityKey)

	lastSeen := status.StoredLastSeen
	if status.Source == models.FreshnessFromDirectory {
		lastSeen = status.DirectoryLastSeen
	}
	status.Freshness = ClassifyFreshness(lastSeen, s.nowUnix())
	return status, nil
}

// MarkRead records that conversationKey has been read up to now.
func (s *Session) MarkRead(conversationKey string) error {
	if err := s.store.MarkRead(conversationKey, s.nowUnix()); err != nil {
		s.logger.Warn("mark read", zap.String("conversation", conversationKey), zap.Error(err))
		return err
	}
	return nil
}

// UnreadCount counts messages in a conversation received after its read marker.
func (s *Session) UnreadCount(conversationKey string) (int, error) {
	count, err := s.store.UnreadCount(conversationKey)
	if err != nil {
		s.logger.Warn("unread count", zap.String("conversation", conversationKey), zap.Error(err))
		return 0, err
	}
	return count, nil
}

// AllUnreadCounts maps every conversation with unread messages to its count.
func (s *Session) AllUnreadCounts() (map[string]int, error) {
	counts, err := s.store.AllUnreadCounts()
	if err != nil {
		s.logger.Warn("all unread counts", zap.Error(err))
		return nil, err
	}
	return counts, nil
}

func (s *Session) pathLength(key string) *int {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()

	if n, ok := s.pathLengths[key]; ok {
		return &n
	}
	for ref, n := range s.pathLengths {
		if strings.HasPrefix(key, ref) {
			return &n
		}
	}
	return nil
}
