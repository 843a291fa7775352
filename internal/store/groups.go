package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Group is a registered conversational group. Folder is its identity on
// disk and the basis for every authorization decision.
type Group struct {
	JID     string    `json:"jid"`
	Name    string    `json:"name"`
	Folder  string    `json:"folder"`
	Trigger string    `json:"trigger,omitempty"`
	AddedAt time.Time `json:"added_at"`
}

// RegisterGroup inserts g or updates the existing registration for g.JID.
// Registering the same group twice is a no-op beyond refreshing its fields.
func (s *Store) RegisterGroup(ctx context.Context, g Group) error {
	if g.JID == "" || g.Folder == "" {
		return fmt.Errorf("group jid and folder are required")
	}
	if g.AddedAt.IsZero() {
		g.AddedAt = time.Now()
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var owner string
		err := tx.QueryRowContext(ctx, `SELECT jid FROM registered_groups WHERE folder = ?`, g.Folder).Scan(&owner)
		switch {
		case err == nil && owner != g.JID:
			return fmt.Errorf("folder %q is already registered to %s", g.Folder, owner)
		case err != nil && !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("checking folder: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO registered_groups (jid, name, folder, trigger_word, added_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(jid) DO UPDATE SET name = excluded.name, folder = excluded.folder, trigger_word = excluded.trigger_word
		`, g.JID, g.Name, g.Folder, g.Trigger, formatTime(g.AddedAt))
		if err != nil {
			return fmt.Errorf("registering group: %w", err)
		}
		return nil
	})
}

// Group returns the registration for jid.
func (s *Store) Group(ctx context.Context, jid string) (Group, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT jid, name, folder, trigger_word, added_at FROM registered_groups WHERE jid = ?
	`, jid)
	g, err := scanGroup(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Group{}, fmt.Errorf("group %s: %w", jid, ErrNotFound)
	}
	return g, err
}

// Groups returns all registered groups ordered by folder.
func (s *Store) Groups(ctx context.Context) ([]Group, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT jid, name, folder, trigger_word, added_at FROM registered_groups ORDER BY folder
	`)
	if err != nil {
		return nil, fmt.Errorf("querying groups: %w", err)
	}
	defer rows.Close()

	var groups []Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanGroup(sc scanner) (Group, error) {
	var g Group
	var added sql.NullString
	if err := sc.Scan(&g.JID, &g.Name, &g.Folder, &g.Trigger, &added); err != nil {
		return Group{}, err
	}
	t, err := parseTime(added)
	if err != nil {
		return Group{}, fmt.Errorf("parsing added_at for %s: %w", g.JID, err)
	}
	g.AddedAt = t
	return g, nil
}
