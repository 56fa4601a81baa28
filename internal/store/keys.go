package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// KeyPrefix starts every API key issued by the service.
const KeyPrefix = "agk_"

// PrefixLen is the number of leading key characters stored in clear for
// lookup before the bcrypt comparison.
const PrefixLen = 12

// APIKey represents a row in the api_keys table.
type APIKey struct {
	ID        string
	Name      string
	Role      string // "caller" or "operator"
	KeyHash   string
	KeyPrefix string
	CreatedAt time.Time
	Revoked   bool
}

// ErrKeyNotFound is returned when no active key matches a prefix.
var ErrKeyNotFound = errors.New("api key not found")

// GenerateAPIKey creates a new agk_ API key with its bcrypt hash and prefix.
// Returns (fullKey, hash, prefix, error). The fullKey is shown to the user once.
func GenerateAPIKey() (string, string, string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", "", "", fmt.Errorf("GenerateAPIKey: %w", err)
	}
	fullKey := KeyPrefix + hex.EncodeToString(raw)

	hash, err := bcrypt.GenerateFromPassword([]byte(fullKey), bcrypt.DefaultCost)
	if err != nil {
		return "", "", "", fmt.Errorf("GenerateAPIKey: %w", err)
	}
	return fullKey, string(hash), fullKey[:PrefixLen], nil
}

// CreateAPIKey issues a key for role and stores its hash. Returns the stored
// row and the plaintext key (shown once).
func (s *Store) CreateAPIKey(ctx context.Context, name, role string) (*APIKey, string, error) {
	fullKey, hash, prefix, err := GenerateAPIKey()
	if err != nil {
		return nil, "", fmt.Errorf("CreateAPIKey: %w", err)
	}

	k := &APIKey{
		ID:        uuid.NewString(),
		Name:      name,
		Role:      role,
		KeyHash:   hash,
		KeyPrefix: prefix,
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
	_, err = s.db.ExecContext(ctx, s.q(`
		INSERT INTO api_keys (id, name, role, key_hash, key_prefix, created_at, revoked)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`),
		k.ID, k.Name, k.Role, k.KeyHash, k.KeyPrefix, millis(k.CreatedAt), false,
	)
	if err != nil {
		return nil, "", fmt.Errorf("CreateAPIKey: %w", err)
	}
	return k, fullKey, nil
}

// LookupByPrefix finds an active key by its clear-text prefix.
// Used by auth to narrow candidates before bcrypt verify.
func (s *Store) LookupByPrefix(ctx context.Context, prefix string) (*APIKey, error) {
	var (
		k       APIKey
		created int64
	)
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT id, name, role, key_hash, key_prefix, created_at, revoked
		FROM api_keys
		WHERE key_prefix = $1 AND revoked = $2`), prefix, false,
	).Scan(&k.ID, &k.Name, &k.Role, &k.KeyHash, &k.KeyPrefix, &created, &k.Revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("LookupByPrefix: %w", err)
	}
	k.CreatedAt = fromMillis(created)
	return &k, nil
}

// ListAPIKeys returns every key, newest first. Hashes are included.
func (s *Store) ListAPIKeys(ctx context.Context) ([]*APIKey, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, role, key_hash, key_prefix, created_at, revoked
		FROM api_keys
		ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("ListAPIKeys: %w", err)
	}
	defer rows.Close()

	var keys []*APIKey
	for rows.Next() {
		var (
			k       APIKey
			created int64
		)
		if err := rows.Scan(&k.ID, &k.Name, &k.Role, &k.KeyHash, &k.KeyPrefix, &created, &k.Revoked); err != nil {
			return nil, fmt.Errorf("ListAPIKeys: %w", err)
		}
		k.CreatedAt = fromMillis(created)
		keys = append(keys, &k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ListAPIKeys: %w", err)
	}
	return keys, nil
}

// RevokeAPIKey marks a key revoked. Returns ErrKeyNotFound if id is unknown.
func (s *Store) RevokeAPIKey(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE api_keys SET revoked = $1 WHERE id = $2`), true, id)
	if err != nil {
		return fmt.Errorf("RevokeAPIKey: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("RevokeAPIKey: %w", err)
	}
	if n == 0 {
		return ErrKeyNotFound
	}
	return nil
}
