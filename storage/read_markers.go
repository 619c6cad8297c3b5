package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"meshchat/models"
)

// MarkRead upserts the read marker of a conversation. A zero at means now.
func (s *Store) MarkRead(conversationKey string, at int64) error {
	if strings.TrimSpace(conversationKey) == "" {
		return errors.New("conversation_key is required")
	}
	if at == 0 {
		at = nowUnix()
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO read_markers (conversation_key, last_read_at)
		VALUES (?, ?)
		ON CONFLICT(conversation_key) DO UPDATE SET last_read_at = excluded.last_read_at`,
		conversationKey,
		at,
	)
	if err != nil {
		return fmt.Errorf("mark conversation %q read: %w", conversationKey, err)
	}

	return nil
}

// GetReadMarker returns the stored marker, or ErrNotFound when the
// conversation was never marked read.
func (s *Store) GetReadMarker(conversationKey string) (*models.ReadMarker, error) {
	marker := models.ReadMarker{ConversationKey: conversationKey}
	err := s.db.QueryRow(
		`SELECT last_read_at FROM read_markers WHERE conversation_key = ?`,
		conversationKey,
	).Scan(&marker.LastReadAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get read marker %q: %w", conversationKey, err)
	}
	return &marker, nil
}

// UnreadCount counts messages of a conversation ingested after its read
// marker, excluding locally authored ones. An absent marker counts everything.
func (s *Store) UnreadCount(conversationKey string) (int, error) {
	var count int
	err := s.db.QueryRow(
		`SELECT COUNT(*)
		FROM messages
		WHERE conversation_key = ?
		  AND received_at > COALESCE(
			(SELECT last_read_at FROM read_markers WHERE conversation_key = ?), 0)
		  AND sender_label != ?`,
		conversationKey,
		conversationKey,
		s.selfLabel,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count unread for %q: %w", conversationKey, err)
	}
	return count, nil
}

// AllUnreadCounts returns unread counts for every conversation that has any.
func (s *Store) AllUnreadCounts() (map[string]int, error) {
	rows, err := s.db.Query(
		`SELECT m.conversation_key, COUNT(*)
		FROM messages m
		LEFT JOIN read_markers r ON r.conversation_key = m.conversation_key
		WHERE m.received_at > COALESCE(r.last_read_at, 0)
		  AND m.sender_label != ?
		GROUP BY m.conversation_key`,
		s.selfLabel,
	)
	if err != nil {
		return nil, fmt.Errorf("count all unread: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			key   string
			count int
		)
		if err := rows.Scan(&key, &count); err != nil {
			return nil, fmt.Errorf("scan unread row: %w", err)
		}
		if count > 0 {
			counts[key] = count
		}
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate unread rows: %w", err)
	}

	return counts, nil
}
