package session

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"meshchat/models"
)

// NotificationKind distinguishes queue entries.
type NotificationKind int

const (
	// NotifyMessage announces an ingested message.
	NotifyMessage NotificationKind = iota + 1
	// NotifyPeersChanged announces that the peer list changed.
	NotifyPeersChanged
)

func (k NotificationKind) String() string {
	switch k {
	case NotifyMessage:
		return "message"
	case NotifyPeersChanged:
		return "peers-changed"
	default:
		return "unknown"
	}
}

// Notification is delivered to the front end for every ingested message and
// peer list change.
type Notification struct {
	Kind        NotificationKind
	SenderLabel string
	Text        string
	MessageKind models.MessageKind
	// ChannelLabel is set for broadcast messages only.
	ChannelLabel *string
	TextSubtype  int
	// Persisted is false when the store rejected the message; it is then
	// missing from history and the cache.
	Persisted bool
	// InView is true when the message arrived in the selected conversation
	// and was marked read on arrival.
	InView  bool
	Message *models.Message
}

const (
	consumerNone int32 = iota
	consumerChannel
	consumerCallback
)

// ErrConsumerClaimed is returned by OnNewMessage when the queue already has a consumer.
var ErrConsumerClaimed = errors.New("session: notification queue already has a consumer")

// Notifications returns the notification queue. It is closed when Run
// returns. Reading from it and registering OnNewMessage are mutually exclusive.
func (s *Session) Notifications() <-chan Notification {
	s.consumer.CompareAndSwap(consumerNone, consumerChannel)
	return s.notifications
}

// OnNewMessage drains the notification queue into fn on a dedicated
// goroutine. A panicking fn is logged and does not stop delivery.
func (s *Session) OnNewMessage(fn func(Notification)) error {
	if fn == nil {
		return errors.New("callback is required")
	}
	if !s.consumer.CompareAndSwap(consumerNone, consumerCallback) {
		return ErrConsumerClaimed
	}

	go func() {
		for n := range s.notifications {
			s.deliver(fn, n)
		}
	}()
	return nil
}

func (s *Session) deliver(fn func(Notification), n Notification) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("notification callback panicked",
				zap.Stringer("kind", n.Kind),
				zap.String("panic", fmt.Sprint(r)),
			)
		}
	}()
	fn(n)
}

// emit queues n without blocking; a full queue drops it.
func (s *Session) emit(n Notification) {
	s.notifyMu.RLock()
	defer s.notifyMu.RUnlock()
	if s.notifyClosed {
		return
	}

	select {
	case s.notifications <- n:
	default:
		s.logger.Warn("notification queue full; dropping",
			zap.Stringer("kind", n.Kind),
			zap.String("sender", n.SenderLabel),
		)
	}
}

func (s *Session) closeNotifications() {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	if s.notifyClosed {
		return
	}
	s.notifyClosed = true
	close(s.notifications)
}
