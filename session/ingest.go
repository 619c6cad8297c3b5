package session

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"meshchat/identity"
	"meshchat/mesh"
	"meshchat/models"
)

func (s *Session) handleNewPeer(ctx context.Context, ev mesh.NewPeerEvent) error {
	var upsertErr error
	if ev.Peer.IdentityKey != "" {
		peer := ev.Peer.ToPeer(s.nowUnix())
		s.directory.Put(peer)
		if err := s.store.UpsertPeer(peer); err != nil {
			upsertErr = fmt.Errorf("store new peer: %w", err)
		}
		s.logger.Info("new peer", zap.String("name", peer.Name), zap.String("key", peer.IdentityKey))
	}

	s.refreshInBackground(ctx)
	return upsertErr
}

func (s *Session) handleDirectMessage(ev mesh.DirectMessageEvent) error {
	res := s.resolver.Resolve(ev.SenderRef, identity.RolePossibleRelay, ev.RelaySignatureRef)
	now := s.nowUnix()

	msg := models.Message{
		UID:                 uuid.NewString(),
		Kind:                res.Kind,
		SenderLabel:         res.SenderLabel,
		SenderRef:           ev.SenderRef,
		TrueOriginatorLabel: res.OriginatorLabel,
		TrueOriginatorRef:   res.OriginatorRef,
		Text:                ev.Text,
		PayloadTime:         ev.PayloadTime,
		ReceivedAt:          now,
		SignalQuality:       ev.SignalQuality,
		HopCount:            ev.HopCount,
		TextSubtype:         ev.TextSubtype,
		RelaySignatureRef:   ev.RelaySignatureRef,
		ConversationKey:     res.SenderLabel,
	}
	persisted := s.persist(&msg)

	if heard, ok := s.resolver.PeerByKey(ev.SenderRef); ok {
		s.touchPeer(heard, now)
	}
	if res.Kind == models.KindRelay && res.Peer != nil {
		s.touchPeer(*res.Peer, now)
	}

	s.emit(Notification{
		Kind:        NotifyMessage,
		SenderLabel: res.SenderLabel,
		Text:        ev.Text,
		MessageKind: res.Kind,
		TextSubtype: ev.TextSubtype,
		Persisted:   persisted,
		InView:      persisted && s.markSeenIfSelected(msg.ConversationKey),
		Message:     &msg,
	})
	return nil
}

func (s *Session) handleBroadcastMessage(ev mesh.BroadcastMessageEvent) error {
	res := s.resolver.ResolveChannel(ev.SenderRef, ev.Text)
	now := s.nowUnix()
	channelIndex := ev.ChannelIndex
	label := identity.ChannelLabel(channelIndex)

	msg := models.Message{
		UID:             uuid.NewString(),
		Kind:            models.KindBroadcast,
		SenderLabel:     res.SenderLabel,
		SenderRef:       res.SenderRef,
		Text:            res.Body,
		PayloadTime:     ev.PayloadTime,
		ReceivedAt:      now,
		ChannelIndex:    &channelIndex,
		SignalQuality:   ev.SignalQuality,
		HopCount:        ev.HopCount,
		TextSubtype:     ev.TextSubtype,
		ConversationKey: label,
	}
	persisted := s.persist(&msg)

	if res.Peer != nil {
		s.touchPeer(*res.Peer, now)
	}

	s.emit(Notification{
		Kind:         NotifyMessage,
		SenderLabel:  res.SenderLabel,
		Text:         res.Body,
		MessageKind:  models.KindBroadcast,
		ChannelLabel: &label,
		TextSubtype:  ev.TextSubtype,
		Persisted:    persisted,
		InView:       persisted && s.markSeenIfSelected(label),
		Message:      &msg,
	})
	return nil
}

// handleAdvertisement refreshes a known peer's last_seen or records a new
// one synthesized from the advert.
func (s *Session) handleAdvertisement(ev mesh.AdvertisementEvent) error {
	if ev.IdentityRef == "" {
		return nil
	}
	now := s.nowUnix()

	peer, ok := s.resolver.PeerByKey(ev.IdentityRef)
	if ok {
		peer.LastSeen = now
		peer.Attributes = mergeAttributes(peer.Attributes, ev.Attributes)
	} else {
		peer = ev.ToPeer(now)
		s.logger.Info("peer from advertisement", zap.String("name", peer.Name), zap.String("ref", ev.IdentityRef))
	}

	err := s.store.UpsertPeer(peer)
	s.emit(Notification{Kind: NotifyPeersChanged, SenderLabel: peer.DisplayName()})
	if err != nil {
		return fmt.Errorf("store advertised peer: %w", err)
	}
	return nil
}

func (s *Session) handlePathUpdate(ev mesh.PathUpdateEvent) {
	if ev.IdentityRef == "" {
		return
	}
	s.cacheMu.Lock()
	s.pathLengths[ev.IdentityRef] = ev.PathLength
	s.cacheMu.Unlock()
}

func (s *Session) handleChannelInfo(ev mesh.ChannelInfoEvent) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if ev.Name == "" {
		delete(s.channelNames, ev.ChannelIndex)
		return
	}
	s.channelNames[ev.ChannelIndex] = ev.Name
}

// persist writes msg to the store and, only on success, mirrors it into the
// cache. msg.ID is filled in on success.
func (s *Session) persist(msg *models.Message) bool {
	id, err := s.store.StoreMessage(*msg)
	if err != nil {
		s.logger.Error("store message",
			zap.String("sender", msg.SenderLabel),
			zap.String("kind", string(msg.Kind)),
			zap.Error(err),
		)
		return false
	}
	msg.ID = id
	s.appendCache(*msg)
	return true
}

func (s *Session) touchPeer(peer models.Peer, now int64) {
	peer.LastSeen = now
	if err := s.store.UpsertPeer(peer); err != nil {
		s.logger.Warn("update peer last_seen", zap.String("key", peer.IdentityKey), zap.Error(err))
	}
}

func (s *Session) appendCache(msg models.Message) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()

	s.cache = append(s.cache, msg)
	if overflow := len(s.cache) - s.options.CacheLimit; overflow > 0 {
		s.cache = append(s.cache[:0], s.cache[overflow:]...)
	}
}

// mergeAttributes overlays the keys of update onto base. Either side may be
// empty; when base is not a JSON object the update replaces it.
func mergeAttributes(base, update []byte) []byte {
	if len(update) == 0 {
		return base
	}
	if len(base) == 0 {
		return update
	}

	var merged map[string]any
	if err := json.Unmarshal(base, &merged); err != nil || merged == nil {
		return update
	}
	var overlay map[string]any
	if err := json.Unmarshal(update, &overlay); err != nil {
		return base
	}
	for key, value := range overlay {
		merged[key] = value
	}

	encoded, err := json.Marshal(merged)
	if err != nil {
		return update
	}
	return encoded
}
