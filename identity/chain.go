package identity

import (
	"errors"

	"go.uber.org/zap"

	"meshchat/logging"
	"meshchat/mesh"
	"meshchat/models"
	"meshchat/storage"
)

// PeerStore is the persisted peer table used as a lookup fallback.
type PeerStore interface {
	PeerByKeyPrefix(ref string) (*models.Peer, error)
	PeerByName(name string) (*models.Peer, error)
}

// ChainDirectory consults the live device directory first and falls back to
// peers persisted from earlier sessions.
type ChainDirectory struct {
	live   mesh.PeerDirectory
	store  PeerStore
	logger *zap.Logger
}

var _ mesh.PeerDirectory = (*ChainDirectory)(nil)

// NewChainDirectory composes live and store; either may be nil.
func NewChainDirectory(live mesh.PeerDirectory, store PeerStore, logger *zap.Logger) *ChainDirectory {
	return &ChainDirectory{live: live, store: store, logger: logging.OrNop(logger)}
}

func (c *ChainDirectory) LookupPeerByKey(ref string) (models.Peer, bool) {
	if ref == "" {
		return models.Peer{}, false
	}
	if c.live != nil {
		if peer, ok := c.live.LookupPeerByKey(ref); ok {
			return peer, true
		}
	}
	if c.store == nil {
		return models.Peer{}, false
	}
	peer, err := c.store.PeerByKeyPrefix(ref)
	return c.fromStore(peer, err, zap.String("ref", ref))
}

func (c *ChainDirectory) LookupPeerByName(name string) (models.Peer, bool) {
	if name == "" {
		return models.Peer{}, false
	}
	if c.live != nil {
		if peer, ok := c.live.LookupPeerByName(name); ok {
			return peer, true
		}
	}
	if c.store == nil {
		return models.Peer{}, false
	}
	peer, err := c.store.PeerByName(name)
	return c.fromStore(peer, err, zap.String("name", name))
}

func (c *ChainDirectory) fromStore(peer *models.Peer, err error, field zap.Field) (models.Peer, bool) {
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			c.logger.Warn("stored peer lookup failed", field, zap.Error(err))
		}
		return models.Peer{}, false
	}
	if peer == nil {
		return models.Peer{}, false
	}
	return *peer, true
}
