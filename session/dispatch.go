package session

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"meshchat/mesh"
)

// dispatch normalizes and handles one raw event. Nothing escapes it: errors
// are logged and panics recovered so the loop keeps running.
func (s *Session) dispatch(ctx context.Context, raw mesh.RawEvent) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("event handler panicked",
				zap.String("type", raw.Type),
				zap.String("panic", fmt.Sprint(r)),
			)
		}
	}()

	event, err := mesh.Normalize(raw)
	if err != nil {
		if errors.Is(err, mesh.ErrUnknownEvent) {
			s.logger.Debug("ignoring event", zap.String("type", raw.Type))
			return
		}
		s.logger.Warn("normalize event", zap.String("type", raw.Type), zap.Error(err))
		return
	}

	if err := s.handle(ctx, event); err != nil {
		s.logger.Warn("handle event", zap.Stringer("kind", event.Kind()), zap.Error(err))
	}
}

func (s *Session) handle(ctx context.Context, event mesh.Event) error {
	switch ev := event.(type) {
	case mesh.NewPeerEvent:
		return s.handleNewPeer(ctx, ev)
	case mesh.PeerDirectorySyncEvent:
		s.refreshInBackground(ctx)
		return nil
	case mesh.DirectMessageEvent:
		return s.handleDirectMessage(ev)
	case mesh.BroadcastMessageEvent:
		return s.handleBroadcastMessage(ev)
	case mesh.AdvertisementEvent:
		return s.handleAdvertisement(ev)
	case mesh.PathUpdateEvent:
		s.handlePathUpdate(ev)
		return nil
	case mesh.ChannelInfoEvent:
		s.handleChannelInfo(ev)
		return nil
	default:
		return fmt.Errorf("unhandled event kind %s", event.Kind())
	}
}

// refreshInBackground runs a guarded peer refresh off the dispatch loop, so
// directory events produced by the refresh itself find the latch held.
func (s *Session) refreshInBackground(ctx context.Context) {
	if s.refresh.busy() {
		s.logger.Debug("peer refresh in progress; skipping directory event")
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("background peer refresh panicked", zap.String("panic", fmt.Sprint(r)))
			}
		}()

		refreshCtx, cancel := context.WithTimeout(ctx, s.options.RefreshTimeout)
		defer cancel()

		if _, err := s.RefreshPeers(refreshCtx); err != nil {
			s.logger.Warn("background peer refresh failed", zap.Error(err))
		}
	}()
}
