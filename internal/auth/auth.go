// Package auth verifies credentials and manages account registration and
// API key minting. Passwords are hashed with bcrypt; API keys are random
// bearer tokens compared in constant time by the store.
package auth

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/crypto/bcrypt"

	"go.krypton.dev/krypton/internal/store"
)

const (
	// bcryptCost is the work factor for new password hashes.
	bcryptCost = 10

	minUsernameLen = 3
	minPasswordLen = 8

	// Generic failure messages. Password failures never distinguish a
	// missing user from a wrong password.
	msgBadCredentials = "Invalid username or password"
	msgBadAPIKey      = "Invalid API key"
)

// dummyHash is compared against when the user does not exist, so a failed
// lookup costs the same as a failed password check.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("krypton-timing-pad"), bcryptCost)

// Result is the outcome of an authentication attempt. Message is safe to
// send to the client verbatim. MintedKey is set only when the attempt
// created a fresh API key.
type Result struct {
	Success   bool
	Message   string
	User      *store.User
	MintedKey string
}

func failure(msg string) Result { return Result{Message: msg} }

// Service implements credential verification over the store.
type Service struct {
	store *store.Store
}

// New returns a Service backed by st.
func New(st *store.Store) *Service {
	return &Service{store: st}
}

// AuthenticateWithPassword verifies a username/password pair. Lookup is by
// exact, case-sensitive username. On success it updates last_login_at and
// mints a "Default Key" API key so the client can switch to key-based
// reconnects without retaining the password.
func (s *Service) AuthenticateWithPassword(username, password string) Result {
	user, err := s.store.UserByUsername(username)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			slog.Error("auth: user lookup failed", "err", err)
		}
		// Burn a comparison so missing users are not observably faster.
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return failure(msgBadCredentials)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return failure(msgBadCredentials)
	}
	if !user.IsActive {
		return failure(msgBadCredentials)
	}

	if err := s.store.TouchLastLogin(user.ID); err != nil {
		slog.Warn("auth: touch last login", "user", user.Username, "err", err)
	}

	key, err := s.store.CreateAPIKey(user.ID, "Default Key", nil)
	if err != nil {
		slog.Warn("auth: default key mint failed", "user", user.Username, "err", err)
		return Result{Success: true, User: &user}
	}
	return Result{Success: true, User: &user, MintedKey: key.Key}
}

// AuthenticateWithAPIKey verifies a bearer key. Revoked keys, expired keys
// and keys of inactive users are rejected. On success it updates the key's
// last_used_at and the user's last_login_at.
func (s *Service) AuthenticateWithAPIKey(key string) Result {
	k, err := s.store.APIKeyByKey(key)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			slog.Error("auth: api key lookup failed", "err", err)
		}
		return failure(msgBadAPIKey)
	}
	if k.Revoked {
		return failure(msgBadAPIKey)
	}
	if k.ExpiresAt != nil && !k.ExpiresAt.After(s.storeNow()) {
		return failure(msgBadAPIKey)
	}

	user, err := s.store.UserByID(k.UserID)
	if err != nil {
		slog.Error("auth: key user lookup failed", "key_id", k.ID, "err", err)
		return failure(msgBadAPIKey)
	}
	if !user.IsActive {
		return failure(msgBadAPIKey)
	}

	if err := s.store.TouchAPIKey(k.ID); err != nil {
		slog.Warn("auth: touch api key", "key_id", k.ID, "err", err)
	}
	if err := s.store.TouchLastLogin(user.ID); err != nil {
		slog.Warn("auth: touch last login", "user", user.Username, "err", err)
	}
	return Result{Success: true, User: &user}
}

// Register creates a non-admin account and mints its initial API key. The
// plaintext key is returned exactly once, in Result.MintedKey.
func (s *Service) Register(username, password, deviceName string) Result {
	if len(username) < minUsernameLen {
		return failure(fmt.Sprintf("Username must be at least %d characters", minUsernameLen))
	}
	if len(password) < minPasswordLen {
		return failure(fmt.Sprintf("Password must be at least %d characters", minPasswordLen))
	}

	hash, err := HashPassword(password)
	if err != nil {
		slog.Error("auth: hash password", "err", err)
		return failure("Registration failed")
	}

	user, err := s.store.CreateUser(username, hash, false)
	if err != nil {
		if errors.Is(err, store.ErrUsernameTaken) {
			return failure("Username already taken")
		}
		slog.Error("auth: create user", "err", err)
		return failure("Registration failed")
	}

	keyName := deviceName
	if keyName == "" {
		keyName = "Registration"
	}
	key, err := s.store.CreateAPIKey(user.ID, keyName, nil)
	if err != nil {
		slog.Error("auth: initial key mint failed", "user", username, "err", err)
		return Result{Success: true, User: &user}
	}
	return Result{Success: true, User: &user, MintedKey: key.Key}
}

// HashPassword hashes a plaintext password for storage.
func HashPassword(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return "", fmt.Errorf("bcrypt: %w", err)
	}
	return string(b), nil
}

// storeNow indirects the clock through the store so tests that warp the
// store clock see consistent expiry decisions.
func (s *Service) storeNow() time.Time { return s.store.Now() }
