package session

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshchat/mesh"
	"meshchat/models"
)

func TestDirectMessageFromKnownPeer(t *testing.T) {
	env := newTestEnv(t)
	env.clock.Set(2000)

	env.ingest(mesh.RawEvent{Type: mesh.RawContactMessage, Payload: map[string]any{
		"pubkey_prefix": aliceKey[:12],
		"text":          "hi there",
		"timestamp":     1990,
		"SNR":           5.5,
		"path_len":      1,
	}})

	n := env.nextNotification(t)
	assert.Equal(t, NotifyMessage, n.Kind)
	assert.Equal(t, "Alice", n.SenderLabel)
	assert.Equal(t, "hi there", n.Text)
	assert.Equal(t, models.KindDirect, n.MessageKind)
	assert.Nil(t, n.ChannelLabel)
	assert.True(t, n.Persisted)

	history, err := env.session.MessagesForConversation("Alice", 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	msg := history[0]
	assert.Equal(t, aliceKey[:12], msg.SenderRef)
	assert.Equal(t, int64(1990), msg.PayloadTime)
	assert.Equal(t, int64(2000), msg.ReceivedAt)
	assert.Equal(t, "Alice", msg.ConversationKey)
	require.NotNil(t, msg.SignalQuality)
	assert.Equal(t, 5.5, *msg.SignalQuality)
	assert.NotEmpty(t, msg.UID)

	cached := env.session.CachedMessages("Alice")
	require.Len(t, cached, 1)
	assert.Equal(t, msg.ID, cached[0].ID)

	stored, err := env.store.GetPeer(aliceKey)
	require.NoError(t, err)
	assert.Equal(t, int64(2000), stored.LastSeen)
}

func TestDirectMessageFromUnknownRefKeepsRawLabel(t *testing.T) {
	env := newTestEnv(t)

	env.ingest(directEvent("ffffeeee0000", "", "who am i", 0))

	n := env.nextNotification(t)
	assert.Equal(t, "ffffeeee0000", n.SenderLabel)

	history, err := env.session.MessagesForConversation("ffffeeee0000", 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, models.KindDirect, history[0].Kind)
	assert.Zero(t, history[0].PayloadTime)
}

func TestRelayMessageResolvesOriginator(t *testing.T) {
	env := newTestEnv(t)

	env.ingest(directEvent(roomKey[:12], bobKey[:8], "from the room", 10))

	n := env.nextNotification(t)
	assert.Equal(t, models.KindRelay, n.MessageKind)
	assert.Equal(t, "Hilltop", n.SenderLabel)

	history, err := env.session.MessagesForConversation("Hilltop", 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	msg := history[0]
	assert.Equal(t, models.KindRelay, msg.Kind)
	require.NotNil(t, msg.TrueOriginatorLabel)
	assert.Equal(t, "Bob", *msg.TrueOriginatorLabel)
	assert.Equal(t, bobKey[:8], msg.RelaySignatureRef)
}

func TestRelayMessageWithUnknownOriginatorIsReresolvedOnRead(t *testing.T) {
	env := newTestEnv(t)
	carolKey := "ca201000000000000000000000000000000000000000000000000000000ca201"

	env.ingest(directEvent(roomKey[:12], carolKey[:16], "carol speaking", 10))
	env.nextNotification(t)

	history, err := env.session.MessagesForConversation("Hilltop", 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.NotNil(t, history[0].TrueOriginatorLabel)
	assert.Equal(t, carolKey[:8], *history[0].TrueOriginatorLabel)
	assert.Equal(t, carolKey[:16], history[0].RelaySignatureRef)

	env.directory.Put(models.Peer{IdentityKey: carolKey, Name: "Carol"})

	history, err = env.session.MessagesForConversation("Hilltop", 0)
	require.NoError(t, err)
	require.NotNil(t, history[0].TrueOriginatorLabel)
	assert.Equal(t, "Carol", *history[0].TrueOriginatorLabel)

	cached := env.session.CachedMessages("Hilltop")
	require.Len(t, cached, 1)
	assert.Equal(t, carolKey[:8], *cached[0].TrueOriginatorLabel, "ingested record is not rewritten")
}

func TestBroadcastMessageExtractsSender(t *testing.T) {
	env := newTestEnv(t)

	env.ingest(channelEvent(2, "Bob: anyone on the ridge?", 50))

	n := env.nextNotification(t)
	assert.Equal(t, models.KindBroadcast, n.MessageKind)
	assert.Equal(t, "Bob", n.SenderLabel)
	assert.Equal(t, "anyone on the ridge?", n.Text)
	require.NotNil(t, n.ChannelLabel)
	assert.Equal(t, "Channel 2", *n.ChannelLabel)

	history, err := env.session.MessagesForChannel(2, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, bobKey, history[0].SenderRef)
	assert.Equal(t, "Channel 2", history[0].ConversationKey)
	require.NotNil(t, history[0].ChannelIndex)
	assert.Equal(t, 2, *history[0].ChannelIndex)

	counts, err := env.session.AllUnreadCounts()
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"Channel 2": 1}, counts)
}

func TestBroadcastWithoutPrefixIsUnknown(t *testing.T) {
	env := newTestEnv(t)

	env.ingest(channelEvent(0, "no prefix here", 1))

	n := env.nextNotification(t)
	assert.Equal(t, "Unknown", n.SenderLabel)
	require.NotNil(t, n.ChannelLabel)
	assert.Equal(t, "Public", *n.ChannelLabel)
}

func TestStoreFailureStillNotifiesButSkipsCache(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.store.Close())

	env.ingest(directEvent(aliceKey[:12], "", "into the void", 1))

	n := env.nextNotification(t)
	assert.False(t, n.Persisted)
	assert.Equal(t, "into the void", n.Text)
	assert.Empty(t, env.session.CachedMessages(""))
}

func TestAdvertisementWithUnknownPartialRefSynthesizesPeer(t *testing.T) {
	env := newTestEnv(t)
	env.clock.Set(5000)

	env.ingest(mesh.RawEvent{Type: mesh.RawAdvertisement, Payload: map[string]any{"pubkey": "d00d1234567890abcd", "type": 2}})

	n := env.nextNotification(t)
	assert.Equal(t, NotifyPeersChanged, n.Kind)

	stored, err := env.store.GetPeer("d00d1234567890abcd")
	require.NoError(t, err)
	assert.Equal(t, "d00d12345678", stored.Name)
	assert.Equal(t, models.RoleRelayNode, stored.Role)
	assert.Equal(t, int64(5000), stored.LastSeen)
}

func TestAdvertisementFromKnownPeerUpdatesLastSeen(t *testing.T) {
	env := newTestEnv(t)
	env.clock.Set(6000)

	env.ingest(mesh.RawEvent{Type: mesh.RawAdvertisement, Payload: map[string]any{"public_key": bobKey, "name": "ignored"}})
	env.nextNotification(t)

	stored, err := env.store.GetPeer(bobKey)
	require.NoError(t, err)
	assert.Equal(t, "Bob", stored.Name)
	assert.Equal(t, int64(6000), stored.LastSeen)
}

func TestAdvertisementFromKnownPeerMergesAttributes(t *testing.T) {
	env := newTestEnv(t)
	env.directory.Put(models.Peer{
		IdentityKey: bobKey,
		Name:        "Bob",
		Role:        models.RoleChat,
		LastSeen:    10,
		Attributes:  []byte(`{"out_path_len":2,"adv_lat":1.5}`),
	})

	env.ingest(mesh.RawEvent{Type: mesh.RawAdvertisement, Payload: map[string]any{
		"public_key": bobKey,
		"adv_lat":    47.25,
		"adv_lon":    8.5,
	}})
	env.nextNotification(t)

	stored, err := env.store.GetPeer(bobKey)
	require.NoError(t, err)

	var attributes map[string]any
	require.NoError(t, json.Unmarshal(stored.Attributes, &attributes))
	assert.Equal(t, 47.25, attributes["adv_lat"])
	assert.Equal(t, 8.5, attributes["adv_lon"])
	assert.Equal(t, float64(2), attributes["out_path_len"], "keys the advert does not carry are kept")
}

func TestMergeAttributes(t *testing.T) {
	assert.Nil(t, mergeAttributes(nil, nil))
	assert.Equal(t, []byte(`{"a":1}`), mergeAttributes([]byte(`{"a":1}`), nil))
	assert.Equal(t, []byte(`{"b":2}`), mergeAttributes(nil, []byte(`{"b":2}`)))
	assert.Equal(t, []byte(`{"b":2}`), mergeAttributes([]byte(`not json`), []byte(`{"b":2}`)))
	assert.JSONEq(t, `{"a":1,"b":3}`, string(mergeAttributes([]byte(`{"a":1,"b":2}`), []byte(`{"b":3}`))))
}

func TestPathUpdateAndChannelInfoTouchOnlyAuxiliaryState(t *testing.T) {
	env := newTestEnv(t)

	env.ingest(
		mesh.RawEvent{Type: mesh.RawPathUpdate, Payload: map[string]any{"pubkey_prefix": aliceKey[:12], "path_len": 3}},
		mesh.RawEvent{Type: mesh.RawChannelInfo, Payload: map[string]any{"channel_idx": 1, "channel_name": "Hikers"}},
	)

	assert.Equal(t, "Hikers", env.session.ChannelName(1))
	assert.Equal(t, "Public", env.session.ChannelName(0))

	status, err := env.session.PeerStatus(aliceKey)
	require.NoError(t, err)
	require.NotNil(t, status.PathLength)
	assert.Equal(t, 3, *status.PathLength)

	assert.Empty(t, env.session.CachedMessages(""))
	select {
	case n := <-env.session.notifications:
		t.Fatalf("unexpected notification %+v", n)
	default:
	}
}

func TestNewPeerIsStoredAndTriggersRefresh(t *testing.T) {
	env := newTestEnv(t)
	env.client.peers = []models.Peer{{IdentityKey: "e1e1", Name: "Eve", Role: models.RoleChat}}

	env.ingest(mesh.RawEvent{Type: mesh.RawNewContact, Payload: map[string]any{"public_key": "e1e1", "name": "Eve", "type": 1}})
	env.session.wg.Wait()

	assert.Equal(t, 1, env.client.calls())
	stored, err := env.store.GetPeer("e1e1")
	require.NoError(t, err)
	assert.Equal(t, "Eve", stored.Name)
	assert.Equal(t, models.RoleChat, stored.Role)

	_, ok := env.directory.LookupPeerByKey("e1e1")
	assert.True(t, ok)
}
