package store

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
)

// tokenBytes is the entropy of an issued bearer token (256 bits).
const tokenBytes = 32

// saltBytes is the per-user salt length for token hashing.
const saltBytes = 16

// ErrUnauthorized is returned by Authenticate when no user matches the
// presented bearer token.
var ErrUnauthorized = errors.New("store: unknown or invalid bearer token")

// User identifies an account on the coordination server. ID doubles as the
// merge tiebreaker: equal-timestamp collisions are resolved by lexicographic
// comparison of user ids.
type User struct {
	ID   string
	Name string
}

// CreateUser registers a user and issues a bearer token. The token is
// returned exactly once; only its salted SHA-256 hash is persisted.
func (s *Store) CreateUser(ctx context.Context, id, name string) (User, string, error) {
	if id == "" {
		return User{}, "", fmt.Errorf("store: user id must not be empty")
	}

	raw := make([]byte, tokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return User{}, "", fmt.Errorf("store: generating token: %w", err)
	}

	token := base64.RawURLEncoding.EncodeToString(raw)

	salt := make([]byte, saltBytes)
	if _, err := rand.Read(salt); err != nil {
		return User{}, "", fmt.Errorf("store: generating salt: %w", err)
	}

	hash := hashToken(salt, token)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, name, token_salt, token_hash, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		id, name, salt, hash, s.now().UnixNano())
	if err != nil {
		return User{}, "", fmt.Errorf("store: creating user %q: %w", id, err)
	}

	return User{ID: id, Name: name}, token, nil
}

// Authenticate resolves a bearer token to a user. Tokens are high-entropy
// random strings, so a salted single-round SHA-256 is the appropriate
// verifier; every candidate row is compared in constant time.
func (s *Store) Authenticate(ctx context.Context, token string) (User, error) {
	if token == "" {
		return User{}, ErrUnauthorized
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, token_salt, token_hash FROM users`)
	if err != nil {
		return User{}, fmt.Errorf("store: querying users: %w", err)
	}
	defer rows.Close()

	var match *User

	for rows.Next() {
		var (
			u    User
			salt []byte
			hash []byte
		)

		if err := rows.Scan(&u.ID, &u.Name, &salt, &hash); err != nil {
			return User{}, fmt.Errorf("store: scanning user row: %w", err)
		}

		if subtle.ConstantTimeCompare(hashToken(salt, token), hash) == 1 {
			u := u
			match = &u
		}
	}

	if err := rows.Err(); err != nil {
		return User{}, fmt.Errorf("store: iterating users: %w", err)
	}

	if match == nil {
		return User{}, ErrUnauthorized
	}

	return *match, nil
}

// GetUser fetches a user by id.
func (s *Store) GetUser(ctx context.Context, id string) (User, error) {
	var u User

	err := s.db.QueryRowContext(ctx,
		`SELECT id, name FROM users WHERE id = ?`, id).Scan(&u.ID, &u.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("store: user %q not found", id)
	}

	if err != nil {
		return User{}, fmt.Errorf("store: fetching user %q: %w", id, err)
	}

	return u, nil
}

func hashToken(salt []byte, token string) []byte {
	h := sha256.New()
	h.Write(salt)
	h.Write([]byte(token))

	return h.Sum(nil)
}
