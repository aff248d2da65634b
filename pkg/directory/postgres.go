package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/txn2/live-gateway/pkg/errcode"
)

// psq is the PostgreSQL statement builder with dollar placeholders.
var psq = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// Postgres reads users from the users table.
type Postgres struct {
	db *sql.DB
}

// NewPostgres creates a directory over db.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// Lookup selects the user with id.
func (p *Postgres) Lookup(ctx context.Context, id string) (*User, error) {
	query, args, err := psq.Select("id", "email", "plan").
		From("users").
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building user query: %w", err)
	}

	var u User
	var email, plan sql.NullString
	err = p.db.QueryRowContext(ctx, query, args...).Scan(&u.ID, &email, &plan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errcode.Wrap(errcode.NotFound, "user not found", nil)
	}
	if err != nil {
		return nil, fmt.Errorf("querying user: %w", err)
	}
	u.Email = email.String
	u.Plan = plan.String
	return &u, nil
}

// Verify interface compliance.
var _ Directory = (*Postgres)(nil)
