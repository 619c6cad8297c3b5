package session

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"meshchat/identity"
	"meshchat/mesh"
	"meshchat/models"
)

// SendDirectMessage sends text to a peer named by name, broadcast name, key or
// key prefix, then stores it as an outgoing message in the peer's
// conversation.
//
// The device's send status (expected ack code and suggested ack timeout) is
// returned with the stored message. A failed send stores nothing. When the
// send succeeds but the store write fails, the message and status are
// returned together with the store error.
func (s *Session) SendDirectMessage(ctx context.Context, recipient, text string) (*models.Message, *mesh.SendResult, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil, errors.New("message text is required")
	}
	peer, ok := s.peers.LookupPeerByName(recipient)
	if !ok {
		peer, ok = s.peers.LookupPeerByKey(recipient)
	}
	if !ok {
		return nil, nil, fmt.Errorf("send to %q: %w", recipient, ErrUnknownPeer)
	}

	if err := s.pace(ctx); err != nil {
		return nil, nil, err
	}
	status, err := s.client.SendDirect(ctx, peer, text)
	if err != nil {
		return nil, nil, fmt.Errorf("send to %q: %w", recipient, err)
	}

	now := s.nowUnix()
	label := peer.DisplayName()
	key := peer.IdentityKey
	msg := models.Message{
		UID:             uuid.NewString(),
		Kind:            models.KindDirect,
		SenderLabel:     s.SelfLabel(),
		Text:            text,
		PayloadTime:     now,
		ReceivedAt:      now,
		RecipientLabel:  &label,
		RecipientRef:    &key,
		ConversationKey: label,
		Outgoing:        true,
	}
	if !s.persist(&msg) {
		return &msg, status, fmt.Errorf("store sent message to %q: write failed", label)
	}

	fields := []zap.Field{zap.String("to", label)}
	if status != nil {
		fields = append(fields,
			zap.String("expected_ack", status.ExpectedAck),
			zap.Duration("ack_timeout", status.SuggestedTimeout))
	}
	s.logger.Info("sent direct message", fields...)
	return &msg, status, nil
}

// SendBroadcastMessage sends text on a channel given by label ("Public",
// "Channel 2"), device-reported name or index, and stores it as outgoing.
func (s *Session) SendBroadcastMessage(ctx context.Context, channel, text string) (*models.Message, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("message text is required")
	}
	index, ok := s.ChannelIndex(channel)
	if !ok {
		return nil, fmt.Errorf("send to channel %q: %w", channel, ErrUnknownChannel)
	}

	if err := s.pace(ctx); err != nil {
		return nil, err
	}
	if err := s.client.SendChannel(ctx, index, text); err != nil {
		return nil, fmt.Errorf("send to channel %d: %w", index, err)
	}

	now := s.nowUnix()
	msg := models.Message{
		UID:             uuid.NewString(),
		Kind:            models.KindBroadcast,
		SenderLabel:     s.SelfLabel(),
		Text:            text,
		PayloadTime:     now,
		ReceivedAt:      now,
		ChannelIndex:    &index,
		ConversationKey: identity.ChannelLabel(index),
		Outgoing:        true,
	}
	if !s.persist(&msg) {
		return &msg, fmt.Errorf("store sent message to channel %d: write failed", index)
	}

	s.logger.Info("sent channel message", zap.Int("channel", index))
	return &msg, nil
}

// LoginRoom authenticates to a room server contact by name.
func (s *Session) LoginRoom(ctx context.Context, roomName, password string) (bool, error) {
	if s.options.RoomSessions == nil {
		return false, ErrRoomsUnavailable
	}
	peer, ok := s.peers.LookupPeerByName(roomName)
	if !ok {
		return false, fmt.Errorf("login to room %q: %w", roomName, ErrUnknownPeer)
	}
	if peer.Role != models.RoleRoomServer {
		return false, fmt.Errorf("login to room %q: contact is a %s, not a room server", roomName, peer.Role)
	}

	label := peer.DisplayName()
	ok, err := s.options.RoomSessions.Login(ctx, label, peer, password)
	if err != nil {
		return false, fmt.Errorf("login to room %q: %w", roomName, err)
	}
	s.logger.Info("room login", zap.String("room", label), zap.Bool("accepted", ok))
	return ok, nil
}

// IsRoomLoggedIn reports whether a room session is established.
func (s *Session) IsRoomLoggedIn(roomName string) bool {
	if s.options.RoomSessions == nil {
		return false
	}
	return s.options.RoomSessions.IsLoggedIn(s.roomLabel(roomName))
}

// IsRoomAdmin reports whether the room session has admin rights.
func (s *Session) IsRoomAdmin(roomName string) bool {
	if s.options.RoomSessions == nil {
		return false
	}
	return s.options.RoomSessions.IsAdmin(s.roomLabel(roomName))
}

// roomLabel maps either name of a room to the label its sessions and
// conversation are keyed by.
func (s *Session) roomLabel(roomName string) string {
	if peer, ok := s.peers.LookupPeerByName(roomName); ok {
		return peer.DisplayName()
	}
	return roomName
}

// SendAdvertisement announces this node; flood reaches the whole mesh rather
// than direct neighbours only.
func (s *Session) SendAdvertisement(ctx context.Context, flood bool) error {
	if err := s.client.SendAdvert(ctx, flood); err != nil {
		return fmt.Errorf("send advertisement: %w", err)
	}
	s.logger.Info("advertisement sent", zap.Bool("flood", flood))
	return nil
}

// pace blocks until the send limiter admits another message.
func (s *Session) pace(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.limiter.Take()
	return ctx.Err()
}
