package session

import (
	"context"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// RefreshPeers fetches the device contact list and persists every peer in it.
// Every listed peer is stamped as seen now; the device's own advert time
// stays in the peer attributes.
//
// Only one refresh runs at a time. A request made while another is in
// progress is dropped and reports (false, nil). Otherwise the first return
// value is true and err carries any fetch or store failure, including a
// panic raised by the client or the store.
func (s *Session) RefreshPeers(ctx context.Context) (ran bool, err error) {
	if !s.refresh.tryAcquire() {
		s.logger.Debug("peer refresh already in progress; request dropped")
		return false, nil
	}
	defer s.refresh.release()
	defer func() {
		if r := recover(); r != nil {
			ran, err = true, fmt.Errorf("refresh peers: panic: %v", r)
		}
	}()

	peers, err := s.client.FetchPeers(ctx)
	if err != nil {
		return true, fmt.Errorf("fetch peers: %w", err)
	}

	now := s.nowUnix()
	synced := make(map[string]struct{}, len(peers))
	var storeErr error
	for i := range peers {
		if peers[i].IdentityKey == "" {
			continue
		}
		peers[i].LastSeen = now
		synced[peers[i].IdentityKey] = struct{}{}
		storeErr = multierr.Append(storeErr, s.store.UpsertPeer(peers[i]))
	}
	s.directory.Replace(peers)

	s.syncMu.Lock()
	s.lastSyncAt = now
	s.syncedKeys = synced
	s.syncMu.Unlock()

	s.logger.Info("peers refreshed", zap.Int("count", len(synced)))
	s.emit(Notification{Kind: NotifyPeersChanged})

	if storeErr != nil {
		return true, fmt.Errorf("store refreshed peers: %w", storeErr)
	}
	return true, nil
}
