package storage

import (
	"errors"
	"testing"

	"meshchat/models"
)

func TestUnreadCountUsesIngestionClock(t *testing.T) {
	store := newTestStore(t)

	if err := store.MarkRead("TownHall", 1000); err != nil {
		t.Fatalf("MarkRead failed: %v", err)
	}

	mustStoreMessage(t, store, models.Message{
		Kind:            models.KindRelay,
		SenderLabel:     "TownHall",
		Text:            "late arrival",
		PayloadTime:     500,
		ReceivedAt:      1100,
		ConversationKey: "TownHall",
	})
	mustStoreMessage(t, store, models.Message{
		Kind:            models.KindRelay,
		SenderLabel:     "TownHall",
		Text:            "already read",
		PayloadTime:     1500,
		ReceivedAt:      900,
		ConversationKey: "TownHall",
	})

	count, err := store.UnreadCount("TownHall")
	if err != nil {
		t.Fatalf("UnreadCount failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 unread message, got %d", count)
	}
}

func TestUnreadCountWithoutMarkerCountsEverythingButSelf(t *testing.T) {
	store := newTestStore(t)

	mustStoreMessage(t, store, directMessage("Alice", "one", 1, 10))
	mustStoreMessage(t, store, directMessage("Alice", "two", 2, 11))

	recipient := "Alice"
	mustStoreMessage(t, store, models.Message{
		Kind:            models.KindDirect,
		SenderLabel:     DefaultSelfLabel,
		RecipientLabel:  &recipient,
		Text:            "mine",
		ReceivedAt:      12,
		ConversationKey: "Alice",
		Outgoing:        true,
	})

	count, err := store.UnreadCount("Alice")
	if err != nil {
		t.Fatalf("UnreadCount failed: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 unread messages, got %d", count)
	}

	if _, err := store.GetReadMarker("Alice"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected no marker yet, got %v", err)
	}

	if err := store.MarkRead("Alice", 11); err != nil {
		t.Fatalf("MarkRead failed: %v", err)
	}
	if err := store.MarkRead("Alice", 20); err != nil {
		t.Fatalf("second MarkRead failed: %v", err)
	}
	marker, err := store.GetReadMarker("Alice")
	if err != nil {
		t.Fatalf("GetReadMarker failed: %v", err)
	}
	if marker.LastReadAt != 20 {
		t.Fatalf("expected upserted marker 20, got %d", marker.LastReadAt)
	}

	count, err = store.UnreadCount("Alice")
	if err != nil {
		t.Fatalf("UnreadCount after MarkRead failed: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected 0 unread after MarkRead, got %d", count)
	}
}

func TestAllUnreadCounts(t *testing.T) {
	store := newTestStore(t)

	mustStoreMessage(t, store, directMessage("Alice", "a1", 0, 10))
	mustStoreMessage(t, store, directMessage("Alice", "a2", 0, 11))
	mustStoreMessage(t, store, directMessage("Bob", "b1", 0, 10))
	mustStoreMessage(t, store, channelMessage("Carol", "c1", 0, 12))
	mustStoreMessage(t, store, channelMessage("Dave", "d1", 3, 12))

	if err := store.MarkRead("Bob", 50); err != nil {
		t.Fatalf("MarkRead failed: %v", err)
	}

	counts, err := store.AllUnreadCounts()
	if err != nil {
		t.Fatalf("AllUnreadCounts failed: %v", err)
	}

	want := map[string]int{"Alice": 2, "Public": 1, "Channel 3": 1}
	if len(counts) != len(want) {
		t.Fatalf("expected %v, got %v", want, counts)
	}
	for key, n := range want {
		if counts[key] != n {
			t.Fatalf("expected %s=%d, got %d (all: %v)", key, n, counts[key], counts)
		}
	}
}

func TestMarkReadRequiresKey(t *testing.T) {
	store := newTestStore(t)

	if err := store.MarkRead(" ", 10); err == nil {
		t.Fatalf("expected error for blank conversation key")
	}
}
