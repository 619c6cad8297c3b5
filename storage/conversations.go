package storage

import (
	"database/sql"
	"fmt"

	"meshchat/models"
)

// RecentConversations groups messages by (sender_label, kind, channel_index),
// most recently received group first.
func (s *Store) RecentConversations(limit int) ([]models.ConversationSummary, error) {
	limit = normalizeLimit(limit, DefaultRecentConversationLimit)

	rows, err := s.db.Query(
		`SELECT
			sender_label,
			kind,
			channel_index,
			COUNT(*) AS message_count,
			MAX(payload_time) AS last_payload_time,
			MAX(received_at) AS last_received_at
		FROM messages
		GROUP BY sender_label, kind, channel_index
		ORDER BY last_received_at DESC
		LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("get recent conversations: %w", err)
	}
	defer rows.Close()

	summaries := make([]models.ConversationSummary, 0)
	for rows.Next() {
		var (
			summary      models.ConversationSummary
			kind         string
			channelIndex sql.NullInt64
		)
		if err := rows.Scan(
			&summary.SenderLabel,
			&kind,
			&channelIndex,
			&summary.MessageCount,
			&summary.LastPayloadTime,
			&summary.LastReceivedAt,
		); err != nil {
			return nil, fmt.Errorf("scan conversation row: %w", err)
		}
		summary.Kind = models.MessageKind(kind)
		summary.ChannelIndex = intPtrFromNullInt64(channelIndex)
		summaries = append(summaries, summary)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversation rows: %w", err)
	}

	return summaries, nil
}
