package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"meshchat/models"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

const (
	// DefaultQueryLimit caps list queries when the caller passes limit <= 0.
	DefaultQueryLimit = 1000
	// DefaultRecentConversationLimit caps RecentConversations when limit <= 0.
	DefaultRecentConversationLimit = 20
)

type scanner interface {
	Scan(dest ...any) error
}

func validateMessage(message models.Message) error {
	if !message.Kind.Valid() {
		return fmt.Errorf("invalid message kind %q", message.Kind)
	}
	if message.SenderLabel == "" {
		return errors.New("sender_label is required")
	}
	if message.ConversationKey == "" {
		return errors.New("conversation_key is required")
	}
	if message.Kind == models.KindBroadcast && message.ChannelIndex == nil {
		return errors.New("channel_index is required for broadcast messages")
	}
	if message.Kind != models.KindBroadcast && message.ChannelIndex != nil {
		return fmt.Errorf("channel_index must be empty for %s messages", message.Kind)
	}
	return nil
}

func normalizeLimit(limit, fallback int) int {
	if limit <= 0 {
		return fallback
	}
	return limit
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nullString(ptr *string) sql.NullString {
	if ptr == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *ptr, Valid: true}
}

func nullInt64FromInt(ptr *int) sql.NullInt64 {
	if ptr == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*ptr), Valid: true}
}

func nullFloat64(ptr *float64) sql.NullFloat64 {
	if ptr == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *ptr, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func float64Ptr(nf sql.NullFloat64) *float64 {
	if !nf.Valid {
		return nil
	}
	v := nf.Float64
	return &v
}

func intPtrFromNullInt64(ni sql.NullInt64) *int {
	if !ni.Valid {
		return nil
	}
	v := int(ni.Int64)
	return &v
}

func nowUnix() int64 {
	return time.Now().Unix()
}
