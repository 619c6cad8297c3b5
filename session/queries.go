package session

import (
	"strconv"

	"go.uber.org/zap"

	"meshchat/identity"
	"meshchat/models"
)

// MessagesForConversation returns the stored direct and relay history of a
// peer or room label, oldest first. Relay originators that were unresolved
// at ingest are re-resolved against the current directory.
func (s *Session) MessagesForConversation(label string, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = s.options.HistoryLimit
	}
	messages, err := s.store.MessagesForConversation(label, limit)
	if err != nil {
		s.logger.Warn("load conversation", zap.String("conversation", label), zap.Error(err))
		return nil, err
	}
	for i := range messages {
		messages[i] = s.resolver.ReresolveOriginator(messages[i])
	}
	return messages, nil
}

// MessagesForChannel returns the stored history of one channel, oldest first.
func (s *Session) MessagesForChannel(index, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = s.options.HistoryLimit
	}
	messages, err := s.store.MessagesForChannel(index, limit)
	if err != nil {
		s.logger.Warn("load channel", zap.Int("channel", index), zap.Error(err))
		return nil, err
	}
	return messages, nil
}

// RecentConversations lists conversation groups, most recent first.
func (s *Session) RecentConversations(limit int) ([]models.ConversationSummary, error) {
	summaries, err := s.store.RecentConversations(limit)
	if err != nil {
		s.logger.Warn("load recent conversations", zap.Error(err))
		return nil, err
	}
	return summaries, nil
}

// PeerByName finds a peer by name or broadcast name in the live directory,
// then among stored peers.
func (s *Session) PeerByName(name string) (models.Peer, bool) {
	return s.peers.LookupPeerByName(name)
}

// CachedMessages returns the in-memory copies of recently ingested messages
// for conversationKey, or all of them when the key is empty.
func (s *Session) CachedMessages(conversationKey string) []models.Message {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()

	out := make([]models.Message, 0, len(s.cache))
	for _, msg := range s.cache {
		if conversationKey == "" || msg.ConversationKey == conversationKey {
			out = append(out, msg)
		}
	}
	return out
}

// ChannelName returns the name the device reported for a channel, falling
// back to its generic label.
func (s *Session) ChannelName(index int) string {
	s.cacheMu.RLock()
	name, ok := s.channelNames[index]
	s.cacheMu.RUnlock()
	if ok {
		return name
	}
	return identity.ChannelLabel(index)
}

// ChannelIndex resolves a channel label, a device-reported channel name or
// a bare index.
func (s *Session) ChannelIndex(channel string) (int, bool) {
	if index, ok := identity.ParseChannelLabel(channel); ok {
		return index, true
	}

	s.cacheMu.RLock()
	for index, name := range s.channelNames {
		if name == channel {
			s.cacheMu.RUnlock()
			return index, true
		}
	}
	s.cacheMu.RUnlock()

	index, err := strconv.Atoi(channel)
	if err != nil || index < 0 {
		return 0, false
	}
	return index, true
}
