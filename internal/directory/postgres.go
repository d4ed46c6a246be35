// Package directory provides the user directory consumed by the chat core:
// a PostgreSQL implementation for production and an in-memory one for tests
// and single-node development.
package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "github.com/lib/pq"

	"github.com/whisper/friendchat/internal/profile"
)

// Postgres is a profile.Directory backed by the users table.
type Postgres struct {
	db *sql.DB
}

var _ profile.Directory = (*Postgres)(nil)

// Open connects to PostgreSQL and verifies the connection.
func Open(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("directory: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("directory: ping: %w", err)
	}
	return NewPostgres(db), nil
}

// NewPostgres creates a directory over an existing database handle.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// Close closes the underlying database handle.
func (p *Postgres) Close() error {
	return p.db.Close()
}

// GetUser returns the user with the given id, or nil if there is none.
func (p *Postgres) GetUser(ctx context.Context, id string) (*profile.UserRecord, error) {
	const query = `SELECT id, name, avatar, phone FROM users WHERE id = $1`

	rec, err := scanUser(p.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("directory: get user: %w", err)
	}
	return rec, nil
}

// SearchUsersByName returns up to limit users whose name contains query,
// case-insensitively, ordered by name.
func (p *Postgres) SearchUsersByName(ctx context.Context, query string, limit int) ([]profile.UserRecord, error) {
	const stmt = `
		SELECT id, name, avatar, phone
		FROM users
		WHERE name ILIKE $1 ESCAPE '\'
		ORDER BY name, id
		LIMIT $2`

	return p.list(ctx, "search users", stmt, "%"+escapeLike(query)+"%", limit)
}

// ListUsersWithPhone returns one page of users that have a phone number.
func (p *Postgres) ListUsersWithPhone(ctx context.Context, pageSize int) ([]profile.UserRecord, error) {
	const stmt = `
		SELECT id, name, avatar, phone
		FROM users
		WHERE phone <> ''
		ORDER BY id
		LIMIT $1`

	return p.list(ctx, "list users with phone", stmt, pageSize)
}

// Upsert inserts or replaces a user record.
func (p *Postgres) Upsert(ctx context.Context, rec profile.UserRecord) error {
	const stmt = `
		INSERT INTO users (id, name, avatar, phone)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name, avatar = EXCLUDED.avatar, phone = EXCLUDED.phone`

	var avatar sql.NullString
	if rec.Avatar != nil {
		avatar = sql.NullString{String: *rec.Avatar, Valid: true}
	}
	if _, err := p.db.ExecContext(ctx, stmt, rec.ID, rec.Name, avatar, rec.Phone); err != nil {
		return fmt.Errorf("directory: upsert user: %w", err)
	}
	return nil
}

func (p *Postgres) list(ctx context.Context, op, stmt string, args ...interface{}) ([]profile.UserRecord, error) {
	rows, err := p.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("directory: %s: %w", op, err)
	}
	defer rows.Close()

	var out []profile.UserRecord
	for rows.Next() {
		rec, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("directory: %s: %w", op, err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("directory: %s: %w", op, err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanUser(row scanner) (*profile.UserRecord, error) {
	var rec profile.UserRecord
	var avatar sql.NullString
	if err := row.Scan(&rec.ID, &rec.Name, &avatar, &rec.Phone); err != nil {
		return nil, err
	}
	if avatar.Valid {
		rec.Avatar = &avatar.String
	}
	return &rec, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
