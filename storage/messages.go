package storage

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"meshchat/models"
)

const messageColumns = `
	id,
	uid,
	kind,
	sender_label,
	sender_ref,
	true_originator_label,
	true_originator_ref,
	text,
	payload_time,
	received_at,
	channel_index,
	recipient_label,
	recipient_ref,
	signal_quality,
	hop_count,
	text_subtype,
	relay_signature_ref,
	conversation_key,
	outgoing`

// StoreMessage appends a message to the log and returns its row id.
//
// On failure the returned id is -1 alongside the error. UID and ReceivedAt
// are filled in when the caller left them empty.
func (s *Store) StoreMessage(message models.Message) (int64, error) {
	if err := validateMessage(message); err != nil {
		return -1, err
	}
	if message.UID == "" {
		message.UID = uuid.NewString()
	}
	if message.ReceivedAt == 0 {
		message.ReceivedAt = nowUnix()
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.Exec(
		`INSERT INTO messages (
			uid,
			kind,
			sender_label,
			sender_ref,
			true_originator_label,
			true_originator_ref,
			text,
			payload_time,
			received_at,
			channel_index,
			recipient_label,
			recipient_ref,
			signal_quality,
			hop_count,
			text_subtype,
			relay_signature_ref,
			conversation_key,
			outgoing
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		message.UID,
		string(message.Kind),
		message.SenderLabel,
		message.SenderRef,
		nullString(message.TrueOriginatorLabel),
		nullString(message.TrueOriginatorRef),
		message.Text,
		message.PayloadTime,
		message.ReceivedAt,
		nullInt64FromInt(message.ChannelIndex),
		nullString(message.RecipientLabel),
		nullString(message.RecipientRef),
		nullFloat64(message.SignalQuality),
		nullInt64FromInt(message.HopCount),
		message.TextSubtype,
		message.RelaySignatureRef,
		message.ConversationKey,
		boolToInt(message.Outgoing),
	)
	if err != nil {
		return -1, fmt.Errorf("insert message from %q: %w", message.SenderLabel, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return -1, fmt.Errorf("read inserted message id: %w", err)
	}

	return id, nil
}

// MessagesForConversation returns direct and relay messages sent by, or
// locally sent to, label. Results are ordered oldest first and truncated at
// limit from the oldest end; callers wanting the latest N must window the tail.
func (s *Store) MessagesForConversation(label string, limit int) ([]models.Message, error) {
	limit = normalizeLimit(limit, DefaultQueryLimit)

	rows, err := s.db.Query(
		`SELECT`+messageColumns+`
		FROM messages
		WHERE (sender_label = ? OR recipient_label = ?)
		  AND kind IN ('direct', 'relay')
		ORDER BY payload_time ASC, received_at ASC, id ASC
		LIMIT ?`,
		label,
		label,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("get messages for conversation %q: %w", label, err)
	}
	return collectMessages(rows)
}

// MessagesForChannel returns broadcast messages of one channel, oldest first.
func (s *Store) MessagesForChannel(index, limit int) ([]models.Message, error) {
	limit = normalizeLimit(limit, DefaultQueryLimit)

	rows, err := s.db.Query(
		`SELECT`+messageColumns+`
		FROM messages
		WHERE kind = 'broadcast' AND channel_index = ?
		ORDER BY payload_time ASC, received_at ASC, id ASC
		LIMIT ?`,
		index,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("get messages for channel %d: %w", index, err)
	}
	return collectMessages(rows)
}

// RecentMessages returns the newest limit messages in ingestion order.
func (s *Store) RecentMessages(limit int) ([]models.Message, error) {
	limit = normalizeLimit(limit, DefaultQueryLimit)

	rows, err := s.db.Query(
		`SELECT * FROM (
			SELECT`+messageColumns+`
			FROM messages
			ORDER BY id DESC
			LIMIT ?
		) ORDER BY id ASC`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("get recent messages: %w", err)
	}
	return collectMessages(rows)
}

func collectMessages(rows *sql.Rows) ([]models.Message, error) {
	defer rows.Close()

	messages := make([]models.Message, 0)
	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		messages = append(messages, *message)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}

	return messages, nil
}

func scanMessage(row scanner) (*models.Message, error) {
	var (
		message             models.Message
		kind                string
		trueOriginatorLabel sql.NullString
		trueOriginatorRef   sql.NullString
		channelIndex        sql.NullInt64
		recipientLabel      sql.NullString
		recipientRef        sql.NullString
		signalQuality       sql.NullFloat64
		hopCount            sql.NullInt64
		outgoing            int
	)

	if err := row.Scan(
		&message.ID,
		&message.UID,
		&kind,
		&message.SenderLabel,
		&message.SenderRef,
		&trueOriginatorLabel,
		&trueOriginatorRef,
		&message.Text,
		&message.PayloadTime,
		&message.ReceivedAt,
		&channelIndex,
		&recipientLabel,
		&recipientRef,
		&signalQuality,
		&hopCount,
		&message.TextSubtype,
		&message.RelaySignatureRef,
		&message.ConversationKey,
		&outgoing,
	); err != nil {
		return nil, err
	}

	message.Kind = models.MessageKind(kind)
	message.TrueOriginatorLabel = stringPtr(trueOriginatorLabel)
	message.TrueOriginatorRef = stringPtr(trueOriginatorRef)
	message.ChannelIndex = intPtrFromNullInt64(channelIndex)
	message.RecipientLabel = stringPtr(recipientLabel)
	message.RecipientRef = stringPtr(recipientRef)
	message.SignalQuality = float64Ptr(signalQuality)
	message.HopCount = intPtrFromNullInt64(hopCount)
	message.Outgoing = outgoing == 1

	return &message, nil
}
