package core

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/bcrypt"
)

// a valid bcrypt hash of nothing anyone types, compared against when the user is unknown
var absentUserHash, _ = bcrypt.GenerateFromPassword([]byte("absent user"), bcrypt.DefaultCost)

type SQLiteUserStore struct {
	db   *sql.DB
	cost int
}

type UserStoreOption func(*SQLiteUserStore)

// WithBcryptCost sets the cost of password hashes. Out of range costs are ignored.
func WithBcryptCost(cost int) UserStoreOption {
	return func(s *SQLiteUserStore) {
		if cost >= bcrypt.MinCost && cost <= bcrypt.MaxCost {
			s.cost = cost
		}
	}
}

func NewSQLiteUserStore(db *sql.DB, opts ...UserStoreOption) *SQLiteUserStore {
	s := &SQLiteUserStore{db: db, cost: bcrypt.DefaultCost}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateUser returns ErrConflictedUser if the username is taken.
func (s *SQLiteUserStore) CreateUser(ctx context.Context, user User) error {
	hashed, err := bcrypt.GenerateFromPassword([]byte(user.Password), s.cost)
	if err != nil {
		return fmt.Errorf("GenerateFromPassword: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO users (username, name, password) VALUES (@username, @name, @password)`,
		sql.Named("username", user.Username), sql.Named("name", user.Name), sql.Named("password", string(hashed)))
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && (sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique) {
		return ErrConflictedUser
	}
	if err != nil {
		return fmt.Errorf("ExecContext(insert user): %w", err)
	}
	return nil
}

func (s *SQLiteUserStore) GetUserByUsername(ctx context.Context, username string) (*UserWithoutSecrets, error) {
	var user UserWithoutSecrets
	err := s.db.QueryRowContext(ctx,
		`SELECT username, name FROM users WHERE username = @username`,
		sql.Named("username", username)).Scan(&user.Username, &user.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("QueryRowContext(user): %w", err)
	}
	return &user, nil
}

func (s *SQLiteUserStore) GetUsersByUsernames(ctx context.Context, usernames ...string) ([]UserWithoutSecrets, error) {
	if len(usernames) == 0 {
		return nil, nil
	}

	args := make([]interface{}, len(usernames))
	for i, username := range usernames {
		args[i] = username
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(usernames)), ",")
	rows, err := s.db.QueryContext(ctx,
		`SELECT username, name FROM users WHERE username IN (`+placeholders+`) ORDER BY username`, args...)
	if err != nil {
		return nil, fmt.Errorf("QueryContext(users): %w", err)
	}
	return scanUsers(rows)
}

// ComparePassword reports whether password matches the stored hash of username.
// An unknown user is a mismatch and costs the same as a known one.
func (s *SQLiteUserStore) ComparePassword(ctx context.Context, username, password string) (bool, error) {
	var hashed []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT password FROM users WHERE username = @username`,
		sql.Named("username", username)).Scan(&hashed)
	found := true
	if errors.Is(err, sql.ErrNoRows) {
		found = false
		hashed = absentUserHash
	} else if err != nil {
		return false, fmt.Errorf("QueryRowContext(password): %w", err)
	}

	err = bcrypt.CompareHashAndPassword(hashed, []byte(password))
	return found && err == nil, nil
}

// GetUsers lists users ordered by username, optionally only those whose
// username starts with opts.Q. The limit defaults to 10.
func (s *SQLiteUserStore) GetUsers(ctx context.Context, opts *GetUsersOptions) ([]UserWithoutSecrets, error) {
	if opts == nil {
		opts = &GetUsersOptions{}
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 10
	}

	escaper := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, name FROM users
		WHERE username LIKE @prefix ESCAPE '\'
		ORDER BY username
		LIMIT @limit OFFSET @offset`,
		sql.Named("prefix", escaper.Replace(opts.Q)+"%"),
		sql.Named("limit", limit), sql.Named("offset", max(opts.Offset, 0)))
	if err != nil {
		return nil, fmt.Errorf("QueryContext(users): %w", err)
	}
	users, err := scanUsers(rows)
	if users == nil {
		users = []UserWithoutSecrets{}
	}
	return users, err
}

func scanUsers(rows *sql.Rows) ([]UserWithoutSecrets, error) {
	defer rows.Close()
	var users []UserWithoutSecrets
	for rows.Next() {
		var user UserWithoutSecrets
		if err := rows.Scan(&user.Username, &user.Name); err != nil {
			return nil, fmt.Errorf("rows.Scan: %w", err)
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows.Err: %w", err)
	}
	return users, nil
}
