package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"swiftservice/internal/domain/entity"
	"swiftservice/internal/domain/repository"
	apperrors "swiftservice/pkg/errors"
)

// SnapshotStore keeps the last good conversation list per user in a
// local SQLite file so a cold start can show conversations before the
// first fetch completes.
type SnapshotStore struct {
	db *sql.DB
}

var _ repository.SnapshotCache = (*SnapshotStore)(nil)

// Open opens (creating if needed) the snapshot database at dsn.
func Open(dsn string) (*SnapshotStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// one writer; the driver serializes anyway
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &SnapshotStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversation_snapshots (
			user_id TEXT PRIMARY KEY,
			payload TEXT NOT NULL,
			saved_at DATETIME NOT NULL
		);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *SnapshotStore) SaveConversations(ctx context.Context, userID string, convs []entity.Conversation) error {
	if userID == "" {
		return apperrors.BadRequest("user id is required", nil)
	}
	if convs == nil {
		convs = []entity.Conversation{}
	}
	payload, err := json.Marshal(convs)
	if err != nil {
		return apperrors.Internal("encode snapshot", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO conversation_snapshots (user_id, payload, saved_at) VALUES (?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET payload = excluded.payload, saved_at = excluded.saved_at`,
		userID, string(payload), time.Now().UTC())
	if err != nil {
		return apperrors.Internal("save snapshot", err)
	}
	return nil
}

// LoadConversations returns the saved list, or nil when there is none.
func (s *SnapshotStore) LoadConversations(ctx context.Context, userID string) ([]entity.Conversation, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM conversation_snapshots WHERE user_id = ?`, userID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Internal("load snapshot", err)
	}

	var convs []entity.Conversation
	if err := json.Unmarshal([]byte(payload), &convs); err != nil {
		return nil, apperrors.Internal("decode snapshot", err)
	}
	return convs, nil
}

// Delete removes the snapshot of userID.
func (s *SnapshotStore) Delete(ctx context.Context, userID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM conversation_snapshots WHERE user_id = ?`, userID); err != nil {
		return apperrors.Internal("delete snapshot", err)
	}
	return nil
}

func (s *SnapshotStore) Close() error {
	return s.db.Close()
}
