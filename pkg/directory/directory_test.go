package directory

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txn2/live-gateway/pkg/errcode"
)

const (
	dirTestUser = "user-1"
	dirTestTTL  = time.Minute
)

// countingDirectory counts lookups that reach it.
type countingDirectory struct {
	inner Directory
	calls atomic.Int32
}

func (c *countingDirectory) Lookup(ctx context.Context, id string) (*User, error) {
	c.calls.Add(1)
	return c.inner.Lookup(ctx, id)
}

func TestStatic_Lookup(t *testing.T) {
	dir := NewStatic([]User{{ID: dirTestUser, Email: "a@example.com", Plan: "pro"}})

	u, err := dir.Lookup(context.Background(), dirTestUser)
	require.NoError(t, err)
	assert.Equal(t, "pro", u.Plan)

	_, err = dir.Lookup(context.Background(), "nobody")
	assert.ErrorIs(t, err, errcode.ErrNotFound)
}

func TestStatic_Put(t *testing.T) {
	dir := NewStatic(nil)
	dir.Put(User{ID: dirTestUser})

	_, err := dir.Lookup(context.Background(), dirTestUser)
	assert.NoError(t, err)
}

func TestCached_ServesRepeatLookupsFromCache(t *testing.T) {
	inner := &countingDirectory{inner: NewStatic([]User{{ID: dirTestUser}})}
	cached, err := NewCached(inner, dirTestTTL)
	require.NoError(t, err)
	defer func() { _ = cached.Close() }()

	for range 3 {
		u, err := cached.Lookup(context.Background(), dirTestUser)
		require.NoError(t, err)
		assert.Equal(t, dirTestUser, u.ID)
	}
	assert.Equal(t, int32(1), inner.calls.Load())
}

func TestCached_DoesNotCacheMisses(t *testing.T) {
	static := NewStatic(nil)
	inner := &countingDirectory{inner: static}
	cached, err := NewCached(inner, dirTestTTL)
	require.NoError(t, err)
	defer func() { _ = cached.Close() }()

	_, err = cached.Lookup(context.Background(), dirTestUser)
	require.ErrorIs(t, err, errcode.ErrNotFound)

	static.Put(User{ID: dirTestUser})
	_, err = cached.Lookup(context.Background(), dirTestUser)
	require.NoError(t, err)
	assert.Equal(t, int32(2), inner.calls.Load())
}

func TestPostgres_Lookup(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	rows := sqlmock.NewRows([]string{"id", "email", "plan"}).AddRow(dirTestUser, "a@example.com", nil)
	mock.ExpectQuery("SELECT id, email, plan FROM users WHERE id = \\$1").
		WithArgs(dirTestUser).
		WillReturnRows(rows)

	u, err := NewPostgres(db).Lookup(context.Background(), dirTestUser)
	require.NoError(t, err)
	assert.Equal(t, "a@example.com", u.Email)
	assert.Empty(t, u.Plan)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_LookupNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectQuery("SELECT .+ FROM users").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id", "email", "plan"}))

	_, err = NewPostgres(db).Lookup(context.Background(), "missing")
	assert.ErrorIs(t, err, errcode.ErrNotFound)
}

func TestPostgres_LookupDBError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectQuery("SELECT .+ FROM users").WillReturnError(errors.New("connection refused"))

	_, err = NewPostgres(db).Lookup(context.Background(), dirTestUser)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "querying user")
	assert.Equal(t, errcode.Internal, errcode.Of(err))
}
