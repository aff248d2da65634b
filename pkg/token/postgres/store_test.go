package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txn2/live-gateway/pkg/errcode"
	"github.com/txn2/live-gateway/pkg/token"
)

const (
	pgTestSecret = "glt_abcdefghijklmnopqrstuvwxyz012345_1700000000000"
	pgTestID     = "6f1c2a34-0000-4000-8000-000000000001"
	pgTestOwner  = "user-1"
)

var pgTestNow = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func tokenRow(active bool, sessions, messages int, deactivatedAt any) *sqlmock.Rows {
	return sqlmock.NewRows(columns).AddRow(
		pgTestID, pgTestSecret, pgTestOwner, pgTestNow.Add(time.Hour),
		sessions, messages, 10, 1000,
		active, pgTestNow, pgTestNow, deactivatedAt, int64(1),
	)
}

func newTestToken() *token.Token {
	return &token.Token{
		ID:          pgTestID,
		Secret:      pgTestSecret,
		OwnerID:     pgTestOwner,
		ExpiresAt:   pgTestNow.Add(time.Hour),
		MaxSessions: 10,
		MaxMessages: 1000,
		Active:      true,
		CreatedAt:   pgTestNow,
		LastUsedAt:  pgTestNow,
		Version:     1,
	}
}

func TestStore_Create(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	tok := newTestToken()
	mock.ExpectExec("INSERT INTO ephemeral_tokens").
		WithArgs(
			tok.ID, tok.Secret, tok.OwnerID, tok.ExpiresAt,
			0, 0, 10, 1000,
			true, tok.CreatedAt, tok.LastUsedAt, nil, int64(1),
		).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, New(db).Create(context.Background(), tok))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_CreateDuplicate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectExec("INSERT INTO ephemeral_tokens").
		WillReturnError(&pq.Error{Code: pgUniqueViolation})

	err = New(db).Create(context.Background(), newTestToken())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestStore_CreateError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectExec("INSERT INTO ephemeral_tokens").WillReturnError(errors.New("db down"))

	err = New(db).Create(context.Background(), newTestToken())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "inserting token")
}

func TestStore_Get(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectQuery("SELECT id, secret, owner_id, .+ FROM ephemeral_tokens WHERE secret = \\$1").
		WithArgs(pgTestSecret).
		WillReturnRows(tokenRow(true, 2, 5, nil))

	tok, err := New(db).Get(context.Background(), pgTestSecret)
	require.NoError(t, err)
	assert.Equal(t, pgTestID, tok.ID)
	assert.Equal(t, 2, tok.SessionsUsed)
	assert.Equal(t, 5, tok.MessagesUsed)
	assert.True(t, tok.Active)
	assert.Nil(t, tok.DeactivatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_GetNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectQuery("SELECT .+ FROM ephemeral_tokens").
		WithArgs(pgTestSecret).
		WillReturnRows(sqlmock.NewRows(columns))

	_, err = New(db).Get(context.Background(), pgTestSecret)
	assert.ErrorIs(t, err, errcode.ErrNotFound)
}

func TestStore_ListByOwner(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectQuery("SELECT .+ FROM ephemeral_tokens WHERE owner_id = \\$1 ORDER BY created_at DESC").
		WithArgs(pgTestOwner).
		WillReturnRows(tokenRow(false, 0, 0, pgTestNow))

	list, err := New(db).ListByOwner(context.Background(), pgTestOwner)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.NotNil(t, list[0].DeactivatedAt)
	assert.Equal(t, pgTestNow, *list[0].DeactivatedAt)
}

func TestStore_AddUsage(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectQuery("UPDATE ephemeral_tokens SET sessions_used = sessions_used \\+ \\$1, messages_used = messages_used \\+ \\$2, last_used_at = \\$3, version = version \\+ 1 WHERE secret = \\$4 RETURNING id").
		WithArgs(1, 0, pgTestNow, pgTestSecret).
		WillReturnRows(tokenRow(true, 3, 0, nil))

	tok, err := New(db).AddUsage(context.Background(), pgTestSecret, 1, 0, pgTestNow)
	require.NoError(t, err)
	assert.Equal(t, 3, tok.SessionsUsed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_AddUsageNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectQuery("UPDATE ephemeral_tokens").WillReturnRows(sqlmock.NewRows(columns))

	_, err = New(db).AddUsage(context.Background(), pgTestSecret, 0, 1, pgTestNow)
	assert.ErrorIs(t, err, errcode.ErrNotFound)
}

func TestStore_Extend(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectQuery("UPDATE ephemeral_tokens SET expires_at = GREATEST\\(\\$1::timestamptz, expires_at\\) \\+ make_interval\\(secs => \\$2\\)").
		WithArgs(pgTestNow, float64(1800), pgTestNow, pgTestSecret, true).
		WillReturnRows(tokenRow(true, 0, 0, nil))

	tok, err := New(db).Extend(context.Background(), pgTestSecret, 30*time.Minute, pgTestNow)
	require.NoError(t, err)
	assert.Equal(t, pgTestID, tok.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_ExtendDeactivated(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectQuery("UPDATE ephemeral_tokens").WillReturnRows(sqlmock.NewRows(columns))
	mock.ExpectQuery("SELECT .+ FROM ephemeral_tokens").
		WithArgs(pgTestSecret).
		WillReturnRows(tokenRow(false, 0, 0, pgTestNow))

	_, err = New(db).Extend(context.Background(), pgTestSecret, time.Hour, pgTestNow)
	assert.ErrorIs(t, err, errcode.ErrDeactivated)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_ExtendNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectQuery("UPDATE ephemeral_tokens").WillReturnRows(sqlmock.NewRows(columns))
	mock.ExpectQuery("SELECT .+ FROM ephemeral_tokens").WillReturnRows(sqlmock.NewRows(columns))

	_, err = New(db).Extend(context.Background(), pgTestSecret, time.Hour, pgTestNow)
	assert.ErrorIs(t, err, errcode.ErrNotFound)
}

func TestStore_Deactivate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectQuery("UPDATE ephemeral_tokens SET version = CASE WHEN is_active THEN version \\+ 1 ELSE version END, deactivated_at = COALESCE\\(deactivated_at, \\$1\\), is_active = \\$2 WHERE secret = \\$3").
		WithArgs(pgTestNow, false, pgTestSecret).
		WillReturnRows(tokenRow(false, 0, 0, pgTestNow))

	tok, err := New(db).Deactivate(context.Background(), pgTestSecret, pgTestNow)
	require.NoError(t, err)
	assert.False(t, tok.Active)
	require.NotNil(t, tok.DeactivatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_DeleteStale(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectExec("DELETE FROM ephemeral_tokens WHERE \\(expires_at < \\$1 OR is_active = \\$2\\)").
		WithArgs(pgTestNow, false).
		WillReturnResult(sqlmock.NewResult(0, 4))

	n, err := New(db).DeleteStale(context.Background(), pgTestNow)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_DeleteStaleError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectExec("DELETE FROM ephemeral_tokens").WillReturnError(errors.New("db down"))

	_, err = New(db).DeleteStale(context.Background(), pgTestNow)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "deleting stale tokens")
}

func TestStore_Close(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	assert.NoError(t, New(db).Close())
}
