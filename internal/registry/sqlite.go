//go:build sqlite
// +build sqlite

package registry

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	logx "relaybot/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteRegistry struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Registry, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	r := &sqliteRegistry{db: db, log: log}
	if err := r.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, &StorageError{Op: "migrate", Err: err}
	}
	return r, nil
}

func (r *sqliteRegistry) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, string(b))
	return err
}

func (r *sqliteRegistry) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

func (r *sqliteRegistry) AddDestination(ctx context.Context, source, dest string) (bool, error) {
	// Single INSERT OR IGNORE keeps check-and-set atomic under concurrent
	// add requests for the same source.
	res, err := r.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO destinations(source, destination, pos)
		 VALUES(?, ?, (SELECT COALESCE(MAX(pos)+1, 0) FROM destinations WHERE source = ?))`,
		source, dest, source,
	)
	if err != nil {
		return false, &StorageError{Op: "add destination", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, &StorageError{Op: "add destination", Err: err}
	}
	return n > 0, nil
}

func (r *sqliteRegistry) RemoveDestination(ctx context.Context, source, dest string) error {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM destinations WHERE source = ? AND destination = ?`, source, dest)
	if err != nil {
		return &StorageError{Op: "remove destination", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return &StorageError{Op: "remove destination", Err: err}
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *sqliteRegistry) ListDestinations(ctx context.Context, source string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT destination FROM destinations WHERE source = ? ORDER BY pos`, source)
	if err != nil {
		return nil, &StorageError{Op: "list destinations", Err: err}
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, &StorageError{Op: "list destinations", Err: err}
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (r *sqliteRegistry) ListSources(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT DISTINCT source FROM destinations
		 UNION SELECT DISTINCT source FROM known_items ORDER BY source`)
	if err != nil {
		return nil, &StorageError{Op: "list sources", Err: err}
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, &StorageError{Op: "list sources", Err: err}
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *sqliteRegistry) IsKnownItem(ctx context.Context, source, fingerprint string) (bool, error) {
	var one int
	err := r.db.QueryRowContext(ctx,
		`SELECT 1 FROM known_items WHERE source = ? AND fingerprint = ?`,
		source, fingerprint).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, &StorageError{Op: "is known", Err: err}
	}
	return true, nil
}

func (r *sqliteRegistry) MarkKnown(ctx context.Context, source, fingerprint string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO known_items(source, fingerprint) VALUES(?, ?)`,
		source, fingerprint)
	if err != nil {
		return &StorageError{Op: "mark known", Err: err}
	}
	return nil
}

func (r *sqliteRegistry) KnownItems(ctx context.Context, source string) ([]string, error) {
	// rowid preserves insertion order (oldest first).
	rows, err := r.db.QueryContext(ctx,
		`SELECT fingerprint FROM known_items WHERE source = ? ORDER BY rowid`, source)
	if err != nil {
		return nil, &StorageError{Op: "known items", Err: err}
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var fp string
		if err := rows.Scan(&fp); err != nil {
			return nil, &StorageError{Op: "known items", Err: err}
		}
		out = append(out, fp)
	}
	return out, rows.Err()
}

func (r *sqliteRegistry) RecordDelivery(ctx context.Context, source, fingerprint, dest string, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return errors.New("registry: empty message id list")
	}
	b, err := json.Marshal(messageIDs)
	if err != nil {
		return &StorageError{Op: "record delivery", Err: err}
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO deliveries(source, fingerprint, destination, message_ids)
		 VALUES(?, ?, ?, ?)
		 ON CONFLICT(source, fingerprint, destination) DO UPDATE SET message_ids = excluded.message_ids`,
		source, fingerprint, dest, string(b))
	if err != nil {
		return &StorageError{Op: "record delivery", Err: err}
	}
	return nil
}

func (r *sqliteRegistry) GetDelivery(ctx context.Context, source, fingerprint, dest string) ([]string, bool, error) {
	var raw string
	err := r.db.QueryRowContext(ctx,
		`SELECT message_ids FROM deliveries WHERE source = ? AND fingerprint = ? AND destination = ?`,
		source, fingerprint, dest).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, &StorageError{Op: "get delivery", Err: err}
	}
	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil, false, &StorageError{Op: "get delivery", Err: err}
	}
	return ids, true, nil
}

func (r *sqliteRegistry) ListAvailableOrigins(ctx context.Context, source, fingerprint string) ([]Origin, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT destination, message_ids FROM deliveries WHERE source = ? AND fingerprint = ?`,
		source, fingerprint)
	if err != nil {
		return nil, &StorageError{Op: "list origins", Err: err}
	}
	defer rows.Close()
	deliveries := map[string][]string{}
	for rows.Next() {
		var d, raw string
		if err := rows.Scan(&d, &raw); err != nil {
			return nil, &StorageError{Op: "list origins", Err: err}
		}
		var ids []string
		if err := json.Unmarshal([]byte(raw), &ids); err != nil {
			return nil, &StorageError{Op: "list origins", Err: err}
		}
		deliveries[d] = ids
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "list origins", Err: err}
	}
	dests, err := r.ListDestinations(ctx, source)
	if err != nil {
		return nil, err
	}
	return orderOrigins(dests, deliveries), nil
}
