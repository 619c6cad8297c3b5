package storage

import (
	"strconv"
	"testing"

	"meshchat/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir, WithWALCheckpointInterval(0))
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func mustStoreMessage(t *testing.T, store *Store, message models.Message) int64 {
	t.Helper()

	id, err := store.StoreMessage(message)
	if err != nil {
		t.Fatalf("store message from %q: %v", message.SenderLabel, err)
	}
	return id
}

func directMessage(sender, text string, payloadTime, receivedAt int64) models.Message {
	return models.Message{
		Kind:            models.KindDirect,
		SenderLabel:     sender,
		SenderRef:       "ref-" + sender,
		Text:            text,
		PayloadTime:     payloadTime,
		ReceivedAt:      receivedAt,
		ConversationKey: sender,
	}
}

func channelMessage(sender, text string, channel int, receivedAt int64) models.Message {
	label := "Public"
	if channel != 0 {
		label = "Channel " + strconv.Itoa(channel)
	}
	return models.Message{
		Kind:            models.KindBroadcast,
		SenderLabel:     sender,
		Text:            text,
		ReceivedAt:      receivedAt,
		ChannelIndex:    &channel,
		ConversationKey: label,
	}
}

func ptr[T any](v T) *T {
	return &v
}
