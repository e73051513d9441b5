package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

const usersSchema = `
CREATE TABLE IF NOT EXISTS gateway_users (
	id            UUID PRIMARY KEY,
	username      TEXT NOT NULL,
	email         TEXT NOT NULL DEFAULT '',
	display_name  TEXT NOT NULL DEFAULT '',
	first_name    TEXT NOT NULL DEFAULT '',
	last_name     TEXT NOT NULL DEFAULT '',
	cognito_id    TEXT,
	password_hash TEXT NOT NULL DEFAULT '',
	roles         JSONB NOT NULL DEFAULT '[]',
	attributes    JSONB NOT NULL DEFAULT '{}',
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS gateway_users_username_key ON gateway_users (lower(username));
CREATE UNIQUE INDEX IF NOT EXISTS gateway_users_email_key ON gateway_users (lower(email)) WHERE email <> '';
CREATE UNIQUE INDEX IF NOT EXISTS gateway_users_cognito_key ON gateway_users (cognito_id) WHERE cognito_id IS NOT NULL;
`

const userColumns = `id, username, email, display_name, first_name, last_name, cognito_id, password_hash, roles, attributes, created_at`

// PostgresUserStore keeps the user directory in PostgreSQL.
type PostgresUserStore struct {
	DB *sql.DB
}

// OpenPostgresUserStore connects to dsn and applies the schema.
func OpenPostgresUserStore(ctx context.Context, dsn string) (*PostgresUserStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			err = errors.Join(err, fmt.Errorf("close database connection: %w", closeErr))
		}
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &PostgresUserStore{DB: db}
	if err := store.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Migrate creates the users table when missing.
func (s *PostgresUserStore) Migrate(ctx context.Context) error {
	if _, err := s.DB.ExecContext(ctx, usersSchema); err != nil {
		return fmt.Errorf("migrate users: %w", err)
	}
	return nil
}

// Get returns the user with id.
func (s *PostgresUserStore) Get(ctx context.Context, id string) (User, error) {
	if _, err := uuid.Parse(id); err != nil {
		return User{}, ErrUserNotFound
	}
	return s.queryOne(ctx, `SELECT `+userColumns+` FROM gateway_users WHERE id = $1`, id)
}

// FindByCognitoID returns the user linked to sub.
func (s *PostgresUserStore) FindByCognitoID(ctx context.Context, sub string) (User, error) {
	if sub == "" {
		return User{}, ErrUserNotFound
	}
	return s.queryOne(ctx, `SELECT `+userColumns+` FROM gateway_users WHERE cognito_id = $1`, sub)
}

// FindByEmail matches email case-insensitively.
func (s *PostgresUserStore) FindByEmail(ctx context.Context, email string) (User, error) {
	if email == "" {
		return User{}, ErrUserNotFound
	}
	return s.queryOne(ctx, `SELECT `+userColumns+` FROM gateway_users WHERE lower(email) = lower($1)`, email)
}

// FindByUsername matches username case-insensitively.
func (s *PostgresUserStore) FindByUsername(ctx context.Context, username string) (User, error) {
	return s.queryOne(ctx, `SELECT `+userColumns+` FROM gateway_users WHERE lower(username) = lower($1)`, username)
}

// UsernameExists reports whether username is taken.
func (s *PostgresUserStore) UsernameExists(ctx context.Context, username string) (bool, error) {
	var exists bool
	err := s.DB.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM gateway_users WHERE lower(username) = lower($1))`, username).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check username: %w", err)
	}
	return exists, nil
}

// Create inserts u.
func (s *PostgresUserStore) Create(ctx context.Context, u User) (User, error) {
	roles, attrs, err := encodeUserJSON(u)
	if err != nil {
		return User{}, err
	}
	u.ID = uuid.NewString()
	u.CreatedAt = time.Now().UTC()
	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO gateway_users (`+userColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb, $10::jsonb, $11)`,
		u.ID, strings.TrimSpace(u.Username), u.Email, u.DisplayName, u.FirstName, u.LastName,
		nullIfEmpty(u.CognitoID), u.PasswordHash, roles, attrs, u.CreatedAt)
	if err != nil {
		return User{}, mapUserError("create user", err)
	}
	return u, nil
}

// Update writes every mutable column of u.
func (s *PostgresUserStore) Update(ctx context.Context, u User) error {
	roles, attrs, err := encodeUserJSON(u)
	if err != nil {
		return err
	}
	res, err := s.DB.ExecContext(ctx, `
		UPDATE gateway_users SET
			username = $2, email = $3, display_name = $4, first_name = $5, last_name = $6,
			cognito_id = $7, password_hash = $8, roles = $9::jsonb, attributes = $10::jsonb
		WHERE id = $1`,
		u.ID, u.Username, u.Email, u.DisplayName, u.FirstName, u.LastName,
		nullIfEmpty(u.CognitoID), u.PasswordHash, roles, attrs)
	if err != nil {
		return mapUserError("update user", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	if n == 0 {
		return ErrUserNotFound
	}
	return nil
}

// Close releases the pool.
func (s *PostgresUserStore) Close() error {
	return s.DB.Close()
}

func (s *PostgresUserStore) queryOne(ctx context.Context, query string, args ...any) (User, error) {
	var (
		u         User
		cognitoID sql.NullString
		roles     []byte
		attrs     []byte
	)
	err := s.DB.QueryRowContext(ctx, query, args...).Scan(
		&u.ID, &u.Username, &u.Email, &u.DisplayName, &u.FirstName, &u.LastName,
		&cognitoID, &u.PasswordHash, &roles, &attrs, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrUserNotFound
		}
		return User{}, fmt.Errorf("query user: %w", err)
	}
	u.CognitoID = cognitoID.String
	if err := json.Unmarshal(roles, &u.Roles); err != nil {
		return User{}, fmt.Errorf("decode roles: %w", err)
	}
	if err := json.Unmarshal(attrs, &u.Attributes); err != nil {
		return User{}, fmt.Errorf("decode attributes: %w", err)
	}
	return u, nil
}

func encodeUserJSON(u User) (string, string, error) {
	roles := u.Roles
	if roles == nil {
		roles = []string{}
	}
	attrs := u.Attributes
	if attrs == nil {
		attrs = map[string]string{}
	}
	r, err := json.Marshal(roles)
	if err != nil {
		return "", "", fmt.Errorf("encode roles: %w", err)
	}
	a, err := json.Marshal(attrs)
	if err != nil {
		return "", "", fmt.Errorf("encode attributes: %w", err)
	}
	return string(r), string(a), nil
}

func mapUserError(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
		return fmt.Errorf("%s: %w", op, ErrUserExists)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func nullIfEmpty(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
