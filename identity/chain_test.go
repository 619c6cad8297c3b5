package identity

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"meshchat/mesh"
	"meshchat/models"
	"meshchat/storage"
)

func TestChainDirectoryFallsBackToStore(t *testing.T) {
	store, err := storage.OpenPath(filepath.Join(t.TempDir(), "meshchat.db"), storage.WithWALCheckpointInterval(0))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	require.NoError(t, store.UpsertPeer(models.Peer{IdentityKey: "cafe0001", Name: "Old Friend", LastSeen: 10}))
	require.NoError(t, store.UpsertPeer(models.Peer{IdentityKey: "b0b0b0b0b0b00000", Name: "Stale Bob", LastSeen: 10}))

	live := newTestDirectory()
	chain := NewChainDirectory(live, store, zaptest.NewLogger(t))

	peer, ok := chain.LookupPeerByKey("b0b0")
	require.True(t, ok)
	assert.Equal(t, "Bob", peer.Name, "live directory consulted first")

	peer, ok = chain.LookupPeerByKey("cafe")
	require.True(t, ok)
	assert.Equal(t, "Old Friend", peer.Name)

	peer, ok = chain.LookupPeerByName("Old Friend")
	require.True(t, ok)
	assert.Equal(t, "cafe0001", peer.IdentityKey)

	_, ok = chain.LookupPeerByKey("dead")
	assert.False(t, ok)
	_, ok = chain.LookupPeerByName("")
	assert.False(t, ok)
}

func TestChainDirectoryNilParts(t *testing.T) {
	chain := NewChainDirectory(nil, nil, nil)
	_, ok := chain.LookupPeerByKey("abc")
	assert.False(t, ok)

	resolver := NewResolver(NewChainDirectory(mesh.NewMemoryDirectory(), nil, nil), nil)
	assert.Equal(t, "abc", resolver.Resolve("abc", RoleDirect, "").SenderLabel)
}
