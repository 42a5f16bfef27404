package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// User is a persisted account. IDs are immutable UUIDs.
type User struct {
	ID           string
	Username     string
	PasswordHash string
	IsAdmin      bool
	IsActive     bool
	CreatedAt    time.Time
	LastLoginAt  *time.Time
}

// ErrUsernameTaken is returned by CreateUser when the username exists.
var ErrUsernameTaken = fmt.Errorf("username already taken")

const userColumns = `id, username, password_hash, is_admin, is_active, created_at, last_login_at`

func scanUser(row interface{ Scan(...any) error }) (User, error) {
	var (
		u         User
		admin     int
		active    int
		createdAt int64
		lastLogin sql.NullInt64
	)
	err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &admin, &active, &createdAt, &lastLogin)
	if err != nil {
		return User{}, err
	}
	u.IsAdmin = admin != 0
	u.IsActive = active != 0
	u.CreatedAt = fromMillis(createdAt)
	u.LastLoginAt = scanNullMillis(lastLogin)
	return u, nil
}

// CreateUser inserts a new account. Usernames are unique and case-sensitive.
func (s *Store) CreateUser(username, passwordHash string, isAdmin bool) (User, error) {
	u := User{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: passwordHash,
		IsAdmin:      isAdmin,
		IsActive:     true,
		CreatedAt:    s.now(),
	}
	_, err := s.db.Exec(
		`INSERT INTO users(id, username, password_hash, is_admin, is_active, created_at)
		 VALUES(?, ?, ?, ?, 1, ?)`,
		u.ID, u.Username, u.PasswordHash, boolInt(u.IsAdmin), millis(u.CreatedAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return User{}, ErrUsernameTaken
		}
		return User{}, fmt.Errorf("create user: %w", err)
	}
	return u, nil
}

// UserByUsername looks up an account by exact username.
func (s *Store) UserByUsername(username string) (User, error) {
	row := s.db.QueryRow(
		`SELECT `+userColumns+` FROM users WHERE username = ?`, username,
	)
	u, err := scanUser(row)
	if err == sql.ErrNoRows {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("user by username: %w", err)
	}
	return u, nil
}

// UserByID looks up an account by id.
func (s *Store) UserByID(id string) (User, error) {
	row := s.db.QueryRow(
		`SELECT `+userColumns+` FROM users WHERE id = ?`, id,
	)
	u, err := scanUser(row)
	if err == sql.ErrNoRows {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("user by id: %w", err)
	}
	return u, nil
}

// ListUsers returns all accounts ordered by creation time.
func (s *Store) ListUsers() ([]User, error) {
	rows, err := s.db.Query(`SELECT ` + userColumns + ` FROM users ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// DeleteUser removes an account together with its API keys and clipboard
// entries. External image blobs of the removed entries are deleted
// best-effort.
func (s *Store) DeleteUser(id string) error {
	// Collect external blobs before the rows disappear.
	paths, err := s.externalPathsForUser(id)
	if err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM clipboard_entries WHERE user_id = ?`, id); err != nil {
		return fmt.Errorf("delete user entries: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM api_keys WHERE user_id = ?`, id); err != nil {
		return fmt.Errorf("delete user keys: %w", err)
	}
	res, err := tx.Exec(`DELETE FROM users WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("delete user: %w", err)
	}

	s.removeBlobs(paths)
	return nil
}

// SetAdmin updates the admin flag of an account.
func (s *Store) SetAdmin(id string, isAdmin bool) error {
	res, err := s.db.Exec(`UPDATE users SET is_admin = ? WHERE id = ?`, boolInt(isAdmin), id)
	if err != nil {
		return fmt.Errorf("set admin: %w", err)
	}
	return requireRow(res)
}

// SetActive updates the active flag of an account. Inactive accounts cannot
// authenticate, including by previously minted API keys.
func (s *Store) SetActive(id string, isActive bool) error {
	res, err := s.db.Exec(`UPDATE users SET is_active = ? WHERE id = ?`, boolInt(isActive), id)
	if err != nil {
		return fmt.Errorf("set active: %w", err)
	}
	return requireRow(res)
}

// TouchLastLogin records a successful authentication.
func (s *Store) TouchLastLogin(id string) error {
	_, err := s.db.Exec(`UPDATE users SET last_login_at = ? WHERE id = ?`, millis(s.now()), id)
	if err != nil {
		return fmt.Errorf("touch last login: %w", err)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
