// Package postgres provides PostgreSQL storage for ephemeral tokens.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/lib/pq"

	"github.com/txn2/live-gateway/pkg/errcode"
	"github.com/txn2/live-gateway/pkg/token"
)

const (
	tableName = "ephemeral_tokens"

	// pgUniqueViolation is the SQLSTATE for a unique constraint violation.
	pgUniqueViolation = "23505"
)

var columns = []string{
	"id", "secret", "owner_id", "expires_at",
	"sessions_used", "messages_used", "max_sessions", "max_messages",
	"is_active", "created_at", "last_used_at", "deactivated_at", "version",
}

// psq is the PostgreSQL statement builder with dollar placeholders.
var psq = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// Store implements token.Store using PostgreSQL. Counter and expiry updates
// are single UPDATE statements, so concurrent writers never lose increments.
type Store struct {
	db *sql.DB
}

// New creates a new PostgreSQL token store.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create inserts a new token.
func (s *Store) Create(ctx context.Context, t *token.Token) error {
	query, args, err := psq.Insert(tableName).
		Columns(columns...).
		Values(
			t.ID, t.Secret, t.OwnerID, t.ExpiresAt,
			t.SessionsUsed, t.MessagesUsed, t.MaxSessions, t.MaxMessages,
			t.Active, t.CreatedAt, t.LastUsedAt, t.DeactivatedAt, t.Version,
		).
		ToSql()
	if err != nil {
		return fmt.Errorf("building insert query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pgUniqueViolation {
			return errcode.Wrap(errcode.Internal, "token secret already exists", err)
		}
		return fmt.Errorf("inserting token: %w", err)
	}
	return nil
}

// Get returns the token for secret.
func (s *Store) Get(ctx context.Context, secret string) (*token.Token, error) {
	query, args, err := psq.Select(columns...).
		From(tableName).
		Where(sq.Eq{"secret": secret}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building select query: %w", err)
	}
	return s.queryOne(ctx, query, args)
}

// ListByOwner returns the owner's tokens, newest first.
func (s *Store) ListByOwner(ctx context.Context, ownerID string) ([]*token.Token, error) {
	query, args, err := psq.Select(columns...).
		From(tableName).
		Where(sq.Eq{"owner_id": ownerID}).
		OrderBy("created_at DESC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building list query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing tokens: %w", err)
	}
	defer func() { _ = rows.Close() }()

	tokens := make([]*token.Token, 0)
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating token rows: %w", err)
	}
	return tokens, nil
}

// AddUsage increments the counters in place.
func (s *Store) AddUsage(ctx context.Context, secret string, sessions, messages int, now time.Time) (*token.Token, error) {
	query, args, err := psq.Update(tableName).
		Set("sessions_used", sq.Expr("sessions_used + ?", sessions)).
		Set("messages_used", sq.Expr("messages_used + ?", messages)).
		Set("last_used_at", now).
		Set("version", sq.Expr("version + 1")).
		Where(sq.Eq{"secret": secret}).
		Suffix(returning()).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building usage update: %w", err)
	}
	return s.queryOne(ctx, query, args)
}

// Extend moves expires_at to GREATEST(now, expires_at) + delta on an active
// token.
func (s *Store) Extend(ctx context.Context, secret string, delta time.Duration, now time.Time) (*token.Token, error) {
	query, args, err := psq.Update(tableName).
		Set("expires_at", sq.Expr("GREATEST(?::timestamptz, expires_at) + make_interval(secs => ?)", now, delta.Seconds())).
		Set("last_used_at", now).
		Set("version", sq.Expr("version + 1")).
		Where(sq.Eq{"secret": secret}).
		Where(sq.Eq{"is_active": true}).
		Suffix(returning()).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building extend update: %w", err)
	}

	t, err := s.queryOne(ctx, query, args)
	if !errors.Is(err, errcode.ErrNotFound) {
		return t, err
	}

	// No active row matched: report whether the token is missing or revoked.
	existing, getErr := s.Get(ctx, secret)
	if getErr != nil {
		return nil, getErr
	}
	if !existing.Active {
		return nil, errcode.ErrDeactivated
	}
	return nil, errcode.New(errcode.Internal, "token changed during refresh")
}

// Deactivate clears is_active. The first deactivation time is preserved and
// the version only moves when the state changes.
func (s *Store) Deactivate(ctx context.Context, secret string, now time.Time) (*token.Token, error) {
	query, args, err := psq.Update(tableName).
		Set("version", sq.Expr("CASE WHEN is_active THEN version + 1 ELSE version END")).
		Set("deactivated_at", sq.Expr("COALESCE(deactivated_at, ?)", now)).
		Set("is_active", false).
		Where(sq.Eq{"secret": secret}).
		Suffix(returning()).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building deactivate update: %w", err)
	}
	return s.queryOne(ctx, query, args)
}

// DeleteStale removes expired and inactive tokens.
func (s *Store) DeleteStale(ctx context.Context, now time.Time) (int, error) {
	query, args, err := psq.Delete(tableName).
		Where(sq.Or{
			sq.Lt{"expires_at": now},
			sq.Eq{"is_active": false},
		}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("building cleanup query: %w", err)
	}

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("deleting stale tokens: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting deleted tokens: %w", err)
	}
	return int(n), nil
}

// Close is a no-op; the caller owns the database handle.
func (*Store) Close() error { return nil }

func (s *Store) queryOne(ctx context.Context, query string, args []any) (*token.Token, error) {
	t, err := scanToken(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errcode.ErrNotFound
	}
	return t, err
}

func returning() string {
	return "RETURNING " + strings.Join(columns, ", ")
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanToken(row rowScanner) (*token.Token, error) {
	var t token.Token
	var deactivatedAt sql.NullTime
	err := row.Scan(
		&t.ID, &t.Secret, &t.OwnerID, &t.ExpiresAt,
		&t.SessionsUsed, &t.MessagesUsed, &t.MaxSessions, &t.MaxMessages,
		&t.Active, &t.CreatedAt, &t.LastUsedAt, &deactivatedAt, &t.Version,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scanning token: %w", err)
	}
	if deactivatedAt.Valid {
		at := deactivatedAt.Time
		t.DeactivatedAt = &at
	}
	return &t, nil
}

// Verify interface compliance.
var _ token.Store = (*Store)(nil)
