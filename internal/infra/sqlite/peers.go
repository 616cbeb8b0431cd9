package sqlite

import (
	"time"

	"github.com/cyphermesh/cyphermesh/internal/domain"
)

// ─── Known Peers ────────────────────────────────────────────────────────────

// UpsertPeer records ip:port as known and refreshes last_seen.
func (d *DB) UpsertPeer(ip string, port int) error {
	_, err := d.db.Exec(
		`INSERT INTO peers (ip, port, last_seen) VALUES (?, ?, ?)
		 ON CONFLICT(ip, port) DO UPDATE SET last_seen = excluded.last_seen`,
		ip, port, time.Now().Unix(),
	)
	return err
}

// RemovePeer deletes a known peer. Removing an unknown peer is not an error.
func (d *DB) RemovePeer(ip string, port int) error {
	_, err := d.db.Exec(`DELETE FROM peers WHERE ip = ? AND port = ?`, ip, port)
	return err
}

// ListPeers returns known peers, most recently seen first.
func (d *DB) ListPeers() ([]domain.KnownPeer, error) {
	rows, err := d.db.Query(`SELECT ip, port, last_seen FROM peers ORDER BY last_seen DESC, ip, port`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var peers []domain.KnownPeer
	for rows.Next() {
		var p domain.KnownPeer
		var lastSeen int64
		if err := rows.Scan(&p.IP, &p.Port, &lastSeen); err != nil {
			return nil, err
		}
		p.LastSeen = time.Unix(lastSeen, 0)
		peers = append(peers, p)
	}
	return peers, rows.Err()
}
