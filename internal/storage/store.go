// Package storage is the bundled sqlite implementation of the player
// directory and penalty ledger.
package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	"github.com/ernie/warden/internal/domain"
	_ "modernc.org/sqlite"
)

// formatTimestamp converts time.Time to SQLite-compatible UTC ISO8601 string.
// The Z suffix ensures the Go sqlite driver parses it back as UTC
func formatTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05Z")
}

//go:embed schema.sql
var schema string

// Store provides database access
type Store struct {
	db *sql.DB
}

// New opens (or creates) the database at dbPath and applies the schema
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON; PRAGMA journal_mode = WAL; PRAGMA busy_timeout = 5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting pragmas: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// --- Directory methods ---

// ResolveOrCreate returns the persisted identity for a GUID, creating it on
// first sight. Name and address refresh the stored record; level is never
// touched here.
func (s *Store) ResolveOrCreate(ctx context.Context, guid, name, address string) (domain.Identity, error) {
	now := formatTimestamp(time.Now())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Identity{}, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	var id domain.Identity
	err = tx.QueryRowContext(ctx, `
		SELECT id, guid, name, level FROM players WHERE guid = ?
	`, guid).Scan(&id.PlayerID, &id.GUID, &id.Name, &id.Level)

	switch {
	case err == sql.ErrNoRows:
		result, err := tx.ExecContext(ctx, `
			INSERT INTO players (guid, name, address, first_seen, last_seen)
			VALUES (?, ?, ?, ?, ?)
		`, guid, name, address, now, now)
		if err != nil {
			return domain.Identity{}, fmt.Errorf("creating player: %w", err)
		}
		playerID, _ := result.LastInsertId()
		id = domain.Identity{PlayerID: playerID, GUID: guid, Name: name}
	case err != nil:
		return domain.Identity{}, err
	default:
		_, err = tx.ExecContext(ctx, `
			UPDATE players SET name = ?, address = ?, last_seen = ? WHERE id = ?
		`, name, address, now, id.PlayerID)
		if err != nil {
			return domain.Identity{}, err
		}
		id.Name = name
	}

	if err := tx.Commit(); err != nil {
		return domain.Identity{}, fmt.Errorf("committing transaction: %w", err)
	}
	return id, nil
}

// GetByGUID returns the stored identity for a GUID without creating it
func (s *Store) GetByGUID(ctx context.Context, guid string) (*domain.Identity, error) {
	var id domain.Identity
	err := s.db.QueryRowContext(ctx, `
		SELECT id, guid, name, level FROM players WHERE guid = ?
	`, guid).Scan(&id.PlayerID, &id.GUID, &id.Name, &id.Level)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &id, nil
}

// SetLevel updates the trust level for a player
func (s *Store) SetLevel(ctx context.Context, playerID int64, level int) error {
	_, err := s.db.ExecContext(ctx, `UPDATE players SET level = ? WHERE id = ?`, level, playerID)
	return err
}

// GetMeta returns the stored value for a per-player key, or "" when unset
func (s *Store) GetMeta(ctx context.Context, playerID int64, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `
		SELECT value FROM player_meta WHERE player_id = ? AND key = ?
	`, playerID, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// SetMeta stores a per-player key/value pair
func (s *Store) SetMeta(ctx context.Context, playerID int64, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO player_meta (player_id, key, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(player_id, key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`, playerID, key, value, formatTimestamp(time.Now()))
	return err
}

// SearchPlayers finds players whose stored name matches the pattern
func (s *Store) SearchPlayers(ctx context.Context, query string, limit int) ([]domain.Identity, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, guid, name, level FROM players
		WHERE name LIKE ? OR guid = ?
		ORDER BY last_seen DESC LIMIT ?
	`, "%"+query+"%", query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Identity
	for rows.Next() {
		var id domain.Identity
		if err := rows.Scan(&id.PlayerID, &id.GUID, &id.Name, &id.Level); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// --- Ledger methods ---

// RecordPenalty appends a moderation record
func (s *Store) RecordPenalty(ctx context.Context, p domain.Penalty) error {
	issued := p.IssuedAt
	if issued.IsZero() {
		issued = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO penalties (type, server_id, player_guid, player_name, origin, reason, duration_seconds, issued_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, string(p.Type), p.ServerID, p.PlayerGUID, p.PlayerName, p.Origin, p.Reason,
		int64(p.Duration.Seconds()), formatTimestamp(issued))
	return err
}

// PenaltiesForGUID returns a player's moderation history, newest first
func (s *Store) PenaltiesForGUID(ctx context.Context, guid string, limit int) ([]domain.Penalty, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT type, server_id, player_guid, player_name, origin, reason, duration_seconds, issued_at
		FROM penalties WHERE player_guid = ?
		ORDER BY issued_at DESC LIMIT ?
	`, guid, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Penalty
	for rows.Next() {
		p, err := scanPenalty(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ActiveBan returns the penalty that currently bars a GUID, or nil. A ban
// is permanent; a tempban bars until issued_at plus its duration.
func (s *Store) ActiveBan(ctx context.Context, guid string) (*domain.Penalty, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT type, server_id, player_guid, player_name, origin, reason, duration_seconds, issued_at
		FROM penalties
		WHERE player_guid = ? AND type IN ('ban', 'tempban')
		ORDER BY issued_at DESC
	`, guid)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	now := time.Now().UTC()
	for rows.Next() {
		p, err := scanPenalty(rows)
		if err != nil {
			return nil, err
		}
		if p.Type == domain.PenaltyBan {
			return &p, nil
		}
		if p.IssuedAt.Add(p.Duration).After(now) {
			return &p, nil
		}
	}
	return nil, rows.Err()
}

// RecordConnect appends a connect entry to the connection log
func (s *Store) RecordConnect(ctx context.Context, serverID int64, guid, name, address string) error {
	return s.recordConnection(ctx, serverID, guid, name, address, "connect")
}

// RecordDisconnect appends a disconnect entry to the connection log
func (s *Store) RecordDisconnect(ctx context.Context, serverID int64, guid, name string) error {
	return s.recordConnection(ctx, serverID, guid, name, "", "disconnect")
}

func (s *Store) recordConnection(ctx context.Context, serverID int64, guid, name, address, event string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO connections (server_id, guid, name, address, event, at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, serverID, guid, name, address, event, formatTimestamp(time.Now()))
	return err
}

func scanPenalty(rows *sql.Rows) (domain.Penalty, error) {
	var p domain.Penalty
	var typ string
	var durationSeconds int64
	var issuedAt string
	if err := rows.Scan(&typ, &p.ServerID, &p.PlayerGUID, &p.PlayerName, &p.Origin, &p.Reason, &durationSeconds, &issuedAt); err != nil {
		return domain.Penalty{}, err
	}
	p.Type = domain.PenaltyType(typ)
	p.Duration = time.Duration(durationSeconds) * time.Second
	t, err := time.Parse("2006-01-02T15:04:05Z", issuedAt)
	if err != nil {
		return domain.Penalty{}, fmt.Errorf("parsing issued_at %q: %w", issuedAt, err)
	}
	p.IssuedAt = t
	return p, nil
}
