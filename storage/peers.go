package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"meshchat/models"
)

const peerColumns = `
	identity_key,
	name,
	broadcast_name,
	role,
	is_self,
	first_seen,
	last_seen,
	attributes`

// UpsertPeer inserts a peer or refreshes an existing row with the same identity key.
//
// On conflict every mutable column is overwritten; first_seen keeps the value
// from the first insert. A zero LastSeen is stamped with the current time.
func (s *Store) UpsertPeer(peer models.Peer) error {
	if strings.TrimSpace(peer.IdentityKey) == "" {
		return errors.New("identity_key is required")
	}
	if peer.Name == "" {
		peer.Name = "Unknown"
	}
	if peer.LastSeen == 0 {
		peer.LastSeen = nowUnix()
	}
	if peer.FirstSeen == 0 {
		peer.FirstSeen = peer.LastSeen
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO peers (
			identity_key,
			name,
			broadcast_name,
			role,
			is_self,
			first_seen,
			last_seen,
			attributes
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(identity_key) DO UPDATE SET
			name = excluded.name,
			broadcast_name = excluded.broadcast_name,
			role = excluded.role,
			is_self = excluded.is_self,
			last_seen = excluded.last_seen,
			attributes = excluded.attributes`,
		peer.IdentityKey,
		peer.Name,
		peer.BroadcastName,
		int(peer.Role),
		boolToInt(peer.IsSelf),
		peer.FirstSeen,
		peer.LastSeen,
		peer.Attributes,
	)
	if err != nil {
		return fmt.Errorf("upsert peer %q: %w", peer.IdentityKey, err)
	}

	return nil
}

// GetPeer fetches a peer by its exact identity key.
func (s *Store) GetPeer(identityKey string) (*models.Peer, error) {
	row := s.db.QueryRow(
		`SELECT`+peerColumns+`
		FROM peers
		WHERE identity_key = ?`,
		identityKey,
	)

	peer, err := scanPeer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get peer %q: %w", identityKey, err)
	}

	return peer, nil
}

// PeerByKeyPrefix resolves a full key or key prefix, preferring an exact match
// and otherwise the most recently seen peer whose key starts with ref.
func (s *Store) PeerByKeyPrefix(ref string) (*models.Peer, error) {
	if strings.TrimSpace(ref) == "" {
		return nil, ErrNotFound
	}

	peer, err := s.GetPeer(ref)
	if err == nil || !errors.Is(err, ErrNotFound) {
		return peer, err
	}

	row := s.db.QueryRow(
		`SELECT`+peerColumns+`
		FROM peers
		WHERE substr(identity_key, 1, length(?)) = ?
		ORDER BY last_seen DESC
		LIMIT 1`,
		ref,
		ref,
	)

	peer, err = scanPeer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get peer by prefix %q: %w", ref, err)
	}

	return peer, nil
}

// PeerByName returns the most recently seen peer whose name or broadcast name matches.
func (s *Store) PeerByName(name string) (*models.Peer, error) {
	row := s.db.QueryRow(
		`SELECT`+peerColumns+`
		FROM peers
		WHERE name = ? OR broadcast_name = ?
		ORDER BY last_seen DESC
		LIMIT 1`,
		name,
		name,
	)

	peer, err := scanPeer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get peer by name %q: %w", name, err)
	}

	return peer, nil
}

// ListPeers returns all peers, most recently seen first.
func (s *Store) ListPeers() ([]models.Peer, error) {
	rows, err := s.db.Query(
		`SELECT` + peerColumns + `
		FROM peers
		ORDER BY last_seen DESC, identity_key`,
	)
	if err != nil {
		return nil, fmt.Errorf("list peers: %w", err)
	}
	defer rows.Close()

	peers := make([]models.Peer, 0)
	for rows.Next() {
		peer, err := scanPeer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan peer row: %w", err)
		}
		peers = append(peers, *peer)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate peer rows: %w", err)
	}

	return peers, nil
}

func scanPeer(row scanner) (*models.Peer, error) {
	var (
		peer   models.Peer
		role   int
		isSelf int
	)

	if err := row.Scan(
		&peer.IdentityKey,
		&peer.Name,
		&peer.BroadcastName,
		&role,
		&isSelf,
		&peer.FirstSeen,
		&peer.LastSeen,
		&peer.Attributes,
	); err != nil {
		return nil, err
	}

	peer.Role = models.RoleFromCode(role)
	peer.IsSelf = isSelf == 1

	return &peer, nil
}
