// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

// Package jtistore is the strict-mode invite consumption store: a
// small SQLite database recording which invite jtis have been used.
// The bootstrap surface consults it so an invite joins at most one
// host. Without strict mode the surface uses an allow-all predicate
// and this package is not involved.
//
// Each consumed entry records its invite's expiry. Cleanup removes the
// entries whose expiry lies before the time it is given; it adds no
// allowance for the verification clock skew.
package jtistore

import (
	"context"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS consumed_invites (
	jti        TEXT PRIMARY KEY,
	expires_ms INTEGER NOT NULL,
	used_ms    INTEGER NOT NULL
);
`

// Store records consumed invite jtis. Safe for concurrent use; writes
// are serialized by SQLite.
type Store struct {
	pool *sqlitex.Pool
}

// Open creates or opens the store at path. Use ":memory:" in tests.
func Open(path string) (*Store, error) {
	pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize: 1,
		PrepareConn: func(conn *sqlite.Conn) error {
			pragmas := []string{
				"PRAGMA journal_mode=WAL",
				"PRAGMA synchronous=NORMAL",
				"PRAGMA busy_timeout=5000",
			}
			for _, pragma := range pragmas {
				if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
					return fmt.Errorf("applying %s: %w", pragma, err)
				}
			}
			return sqlitex.ExecuteScript(conn, schemaSQL, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("jtistore: opening %s: %w", path, err)
	}
	return &Store{pool: pool}, nil
}

// Consume marks jti as used. Returns true when this call consumed it,
// false when it was already consumed.
func (s *Store) Consume(ctx context.Context, jti string, expires, now time.Time) (bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return false, fmt.Errorf("jtistore: take connection: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"INSERT OR IGNORE INTO consumed_invites (jti, expires_ms, used_ms) VALUES (?, ?, ?)",
		&sqlitex.ExecOptions{Args: []any{jti, expires.UnixMilli(), now.UnixMilli()}})
	if err != nil {
		return false, fmt.Errorf("jtistore: recording jti: %w", err)
	}
	return conn.Changes() > 0, nil
}

// Consumed reports whether jti has been used.
func (s *Store) Consumed(ctx context.Context, jti string) (bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return false, fmt.Errorf("jtistore: take connection: %w", err)
	}
	defer s.pool.Put(conn)

	found := false
	err = sqlitex.Execute(conn,
		"SELECT 1 FROM consumed_invites WHERE jti = ?",
		&sqlitex.ExecOptions{
			Args: []any{jti},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				return nil
			},
		})
	if err != nil {
		return false, fmt.Errorf("jtistore: querying jti: %w", err)
	}
	return found, nil
}

// Cleanup deletes entries whose invite expiry has passed. Returns the
// number of rows removed.
func (s *Store) Cleanup(ctx context.Context, now time.Time) (int, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("jtistore: take connection: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"DELETE FROM consumed_invites WHERE expires_ms < ?",
		&sqlitex.ExecOptions{Args: []any{now.UnixMilli()}})
	if err != nil {
		return 0, fmt.Errorf("jtistore: cleanup: %w", err)
	}
	return conn.Changes(), nil
}

// Close releases the database.
func (s *Store) Close() error {
	if err := s.pool.Close(); err != nil {
		return fmt.Errorf("jtistore: closing: %w", err)
	}
	return nil
}
