package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	e "nuclight.org/mediafetch-bot/pkg/entities"
)

type SQLite struct {
	db *sql.DB
}

func NewSQLite(ctx context.Context, filePath string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", filePath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite3 database: %w", err)
	}

	client := &SQLite{
		db: db,
	}

	err = client.init(ctx)
	if err != nil {
		return nil, fmt.Errorf("initializing sqlite3 database: %w", err)
	}

	return client, nil
}

func (c *SQLite) Close() error {
	return c.db.Close()
}

// SessionEnabled reports whether link parsing is switched on for a session.
// Unknown sessions default to enabled.
func (c *SQLite) SessionEnabled(ctx context.Context, session string) (bool, error) {
	var enabled bool
	err := c.db.QueryRowContext(
		ctx,
		"SELECT enabled FROM sessions WHERE session = ?",
		session,
	).Scan(&enabled)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return true, nil
		}

		return false, err
	}

	return enabled, nil
}

func (c *SQLite) SetSessionEnabled(ctx context.Context, session string, enabled bool) error {
	_, err := c.db.ExecContext(
		ctx,
		`INSERT INTO sessions (session, enabled, updated_at)
			VALUES (?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(session) DO UPDATE
			    SET enabled = ?, updated_at = CURRENT_TIMESTAMP`,
		session, enabled, enabled,
	)
	return err
}

// SaveParse appends one pipeline outcome to the parse log.
func (c *SQLite) SaveParse(ctx context.Context, msg e.Message, link, keyword string, outcome e.Outcome) error {
	_, err := c.db.ExecContext(
		ctx,
		`INSERT INTO parse_log (
			source, session, message_id, link, keyword, status, note, created_at
		) VALUES (
			?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP
		)`,
		string(msg.Source), msg.Session, fmt.Sprint(msg.ID), link, keyword, string(outcome.Status), outcome.Note,
	)
	if err != nil {
		return fmt.Errorf("inserting parse log entry: %w", err)
	}

	return nil
}

//go:embed init.sql
var initQuery string

func (c *SQLite) init(ctx context.Context) error {
	_, err := c.db.ExecContext(ctx, initQuery)
	return err
}
