package store

import (
	"crypto/rand"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// APIKey is a bearer credential bound to one user. The key string is
// returned to the client exactly once, at mint time.
type APIKey struct {
	ID         string
	UserID     string
	Key        string
	Name       string
	CreatedAt  time.Time
	LastUsedAt *time.Time
	ExpiresAt  *time.Time
	Revoked    bool
}

// apiKeyBytes is the entropy of a minted key (256 bits, hex-encoded).
const apiKeyBytes = 32

const apiKeyColumns = `id, user_id, key, name, created_at, last_used_at, expires_at, revoked`

func scanAPIKey(row interface{ Scan(...any) error }) (APIKey, error) {
	var (
		k         APIKey
		createdAt int64
		lastUsed  sql.NullInt64
		expires   sql.NullInt64
		revoked   int
	)
	err := row.Scan(&k.ID, &k.UserID, &k.Key, &k.Name, &createdAt, &lastUsed, &expires, &revoked)
	if err != nil {
		return APIKey{}, err
	}
	k.CreatedAt = fromMillis(createdAt)
	k.LastUsedAt = scanNullMillis(lastUsed)
	k.ExpiresAt = scanNullMillis(expires)
	k.Revoked = revoked != 0
	return k, nil
}

// CreateAPIKey mints a fresh random key for userID. expiresAt may be nil for
// a non-expiring key.
func (s *Store) CreateAPIKey(userID, name string, expiresAt *time.Time) (APIKey, error) {
	raw := make([]byte, apiKeyBytes)
	if _, err := rand.Read(raw); err != nil {
		return APIKey{}, fmt.Errorf("generate api key: %w", err)
	}
	k := APIKey{
		ID:        uuid.NewString(),
		UserID:    userID,
		Key:       hex.EncodeToString(raw),
		Name:      name,
		CreatedAt: s.now(),
		ExpiresAt: expiresAt,
	}
	_, err := s.db.Exec(
		`INSERT INTO api_keys(id, user_id, key, name, created_at, expires_at)
		 VALUES(?, ?, ?, ?, ?, ?)`,
		k.ID, k.UserID, k.Key, k.Name, millis(k.CreatedAt), nullMillis(k.ExpiresAt),
	)
	if err != nil {
		return APIKey{}, fmt.Errorf("create api key: %w", err)
	}
	return k, nil
}

// APIKeyByKey looks up a key by its bearer value. The stored and presented
// values are additionally compared in constant time; the SQL index does the
// candidate selection, the comparison does the acceptance.
func (s *Store) APIKeyByKey(key string) (APIKey, error) {
	row := s.db.QueryRow(
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE key = ?`, key,
	)
	k, err := scanAPIKey(row)
	if err == sql.ErrNoRows {
		return APIKey{}, ErrNotFound
	}
	if err != nil {
		return APIKey{}, fmt.Errorf("api key lookup: %w", err)
	}
	if subtle.ConstantTimeCompare([]byte(k.Key), []byte(key)) != 1 {
		return APIKey{}, ErrNotFound
	}
	return k, nil
}

// ListAPIKeys returns all keys of a user, newest first.
func (s *Store) ListAPIKeys(userID string) ([]APIKey, error) {
	rows, err := s.db.Query(
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE user_id = ? ORDER BY created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	var keys []APIKey
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// RevokeAPIKey marks the key with the given id as revoked. Revocation is
// permanent; mint a new key instead of un-revoking.
func (s *Store) RevokeAPIKey(id string) error {
	res, err := s.db.Exec(`UPDATE api_keys SET revoked = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	return requireRow(res)
}

// TouchAPIKey records a successful use of the key.
func (s *Store) TouchAPIKey(id string) error {
	_, err := s.db.Exec(`UPDATE api_keys SET last_used_at = ? WHERE id = ?`, millis(s.now()), id)
	if err != nil {
		return fmt.Errorf("touch api key: %w", err)
	}
	return nil
}
