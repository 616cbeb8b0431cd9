package sqlite

import (
	"database/sql"
	"errors"
	"time"

	"github.com/cyphermesh/cyphermesh/internal/domain"
)

// ─── Event Repository ───────────────────────────────────────────────────────

// EventExists reports whether an event with this id has been stored.
func (d *DB) EventExists(id string) (bool, error) {
	var one int
	err := d.db.QueryRow(`SELECT 1 FROM events WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// InsertEventIfAbsent stores e unless its id is already present and reports
// whether a row was written. Check and insert are one statement, so two
// concurrent deliveries of the same event see exactly one true.
func (d *DB) InsertEventIfAbsent(e *domain.ThreatEvent) (bool, error) {
	result, err := d.db.Exec(
		`INSERT INTO events (id, source_ip, threat_type, severity, timestamp,
			reporter_pubkey, signature, valid_signature, received_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		e.ID, e.SourceIP, e.ThreatType, e.Severity, e.Timestamp,
		e.ReporterPubKey, nullStr(e.Signature), e.ValidSignature, time.Now().UnixNano(),
	)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// GetEvent retrieves a stored event by id.
func (d *DB) GetEvent(id string) (*domain.StoredEvent, error) {
	row := d.db.QueryRow(
		`SELECT id, source_ip, threat_type, severity, timestamp, reporter_pubkey, signature, valid_signature
		 FROM events WHERE id = ?`, id,
	)
	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrEventNotFound
	}
	return e, err
}

// RecentEvents returns up to limit events, most recently received first.
func (d *DB) RecentEvents(limit int) ([]domain.StoredEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.db.Query(
		`SELECT id, source_ip, threat_type, severity, timestamp, reporter_pubkey, signature, valid_signature
		 FROM events ORDER BY received_at DESC, rowid DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.StoredEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *e)
	}
	return events, rows.Err()
}

// EventCount returns the number of stored events.
func (d *DB) EventCount() (int, error) {
	var n int
	err := d.db.QueryRow(`SELECT COUNT(*) FROM events`).Scan(&n)
	return n, err
}

func scanEvent(s scanner) (*domain.StoredEvent, error) {
	var e domain.StoredEvent
	var sig sql.NullString
	err := s.Scan(&e.ID, &e.SourceIP, &e.ThreatType, &e.Severity, &e.Timestamp,
		&e.ReporterPubKey, &sig, &e.Valid)
	if err != nil {
		return nil, err
	}
	e.Signature = sig.String
	e.ValidSignature = e.Valid
	return &e, nil
}

// ─── Reputation ─────────────────────────────────────────────────────────────

// Reputation returns the score for pubkey, 0 if never seen.
func (d *DB) Reputation(pubkey string) (int64, error) {
	var score int64
	err := d.db.QueryRow(`SELECT score FROM reputation WHERE pubkey = ?`, pubkey).Scan(&score)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return score, err
}

// AdjustReputation adds delta to pubkey's score, creating the row at 0 first.
// The read-modify-write happens inside SQLite in a single statement.
func (d *DB) AdjustReputation(pubkey string, delta int64) error {
	_, err := d.db.Exec(
		`INSERT INTO reputation (pubkey, score) VALUES (?, ?)
		 ON CONFLICT(pubkey) DO UPDATE SET score = score + excluded.score`,
		pubkey, delta,
	)
	return err
}

// Reputations returns every known reporter, highest score first.
func (d *DB) Reputations() ([]domain.ReputationScore, error) {
	rows, err := d.db.Query(`SELECT pubkey, score FROM reputation ORDER BY score DESC, pubkey`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var scores []domain.ReputationScore
	for rows.Next() {
		var r domain.ReputationScore
		if err := rows.Scan(&r.PubKey, &r.Score); err != nil {
			return nil, err
		}
		scores = append(scores, r)
	}
	return scores, rows.Err()
}
