package session

import (
	"strings"

	"go.uber.org/zap"

	"meshchat/identity"
)

// SelectConversation puts a conversation in view and marks it read. Messages
// ingested for it while selected are marked read as they arrive. Channels may
// be given by label or device-reported name; an empty key clears the selection.
func (s *Session) SelectConversation(key string) error {
	key = s.conversationKey(strings.TrimSpace(key))

	s.selectMu.Lock()
	s.selected = key
	s.selectMu.Unlock()

	if key == "" {
		return nil
	}
	return s.MarkRead(key)
}

// SelectedConversation returns the conversation in view, or "".
func (s *Session) SelectedConversation() string {
	s.selectMu.RLock()
	defer s.selectMu.RUnlock()
	return s.selected
}

func (s *Session) conversationKey(key string) string {
	if index, ok := identity.ParseChannelLabel(key); ok {
		return identity.ChannelLabel(index)
	}
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	for index, name := range s.channelNames {
		if name == key {
			return identity.ChannelLabel(index)
		}
	}
	return key
}

// markSeenIfSelected marks conversationKey read when it is in view.
func (s *Session) markSeenIfSelected(conversationKey string) bool {
	if conversationKey == "" || s.SelectedConversation() != conversationKey {
		return false
	}
	if err := s.store.MarkRead(conversationKey, s.nowUnix()); err != nil {
		s.logger.Warn("mark selected conversation read",
			zap.String("conversation", conversationKey), zap.Error(err))
		return false
	}
	return true
}
