package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/triage-ai/palisade/services/agent_guard/internal/store"
)

// KeyRecord is a stored API key: its clear prefix and bcrypt hash.
type KeyRecord struct {
	ID     string
	Name   string
	Role   Role
	Prefix string
	Hash   string
}

// KeyStore finds the key record for a token prefix. Implementations return
// ErrInvalidAPIKey when no key has the prefix.
type KeyStore interface {
	LookupByPrefix(ctx context.Context, prefix string) (*KeyRecord, error)
}

// StaticKeys is a KeyStore over keys declared in configuration.
type StaticKeys map[string]KeyRecord

// NewStaticKeys indexes records by prefix. Duplicate prefixes are rejected.
func NewStaticKeys(records []KeyRecord) (StaticKeys, error) {
	keys := make(StaticKeys, len(records))
	for _, r := range records {
		if len(r.Prefix) != PrefixLen || !strings.HasPrefix(r.Prefix, KeyPrefix) {
			return nil, fmt.Errorf("NewStaticKeys: key %q: prefix must be the first %d characters of an %s key", r.Name, PrefixLen, KeyPrefix)
		}
		if r.Hash == "" {
			return nil, fmt.Errorf("NewStaticKeys: key %q: missing hash", r.Name)
		}
		if _, dup := keys[r.Prefix]; dup {
			return nil, fmt.Errorf("NewStaticKeys: duplicate prefix %q", r.Prefix)
		}
		if r.ID == "" {
			r.ID = r.Name
		}
		keys[r.Prefix] = r
	}
	return keys, nil
}

func (s StaticKeys) LookupByPrefix(_ context.Context, prefix string) (*KeyRecord, error) {
	r, ok := s[prefix]
	if !ok {
		return nil, ErrInvalidAPIKey
	}
	return &r, nil
}

// StoreKeys is a KeyStore over the api_keys table.
type StoreKeys struct {
	Store *store.Store
}

func (s StoreKeys) LookupByPrefix(ctx context.Context, prefix string) (*KeyRecord, error) {
	k, err := s.Store.LookupByPrefix(ctx, prefix)
	if errors.Is(err, store.ErrKeyNotFound) {
		return nil, ErrInvalidAPIKey // No key with this prefix: reject, don't fail open
	}
	if err != nil {
		return nil, fmt.Errorf("StoreKeys.LookupByPrefix: %w", err)
	}
	role, err := ParseRole(k.Role)
	if err != nil {
		return nil, ErrInvalidAPIKey
	}
	return &KeyRecord{ID: k.ID, Name: k.Name, Role: role, Prefix: k.KeyPrefix, Hash: k.KeyHash}, nil
}

// Chain tries each store in order and returns the first match.
type Chain []KeyStore

func (c Chain) LookupByPrefix(ctx context.Context, prefix string) (*KeyRecord, error) {
	var lastErr error = ErrInvalidAPIKey
	for _, s := range c {
		r, err := s.LookupByPrefix(ctx, prefix)
		if err == nil {
			return r, nil
		}
		if !errors.Is(err, ErrInvalidAPIKey) {
			lastErr = err
		}
	}
	return nil, lastErr
}

// KeyAuthenticator validates agk_ API keys against a KeyStore. Uses
// AuthCache with stale-while-revalidate to avoid lookup + bcrypt on the hot
// path. Auth failures always return an error.
type KeyAuthenticator struct {
	keys   KeyStore
	cache  *AuthCache
	logger *zap.Logger
}

// NewKeyAuthenticator creates an authenticator. A zero ttl defaults to 30s.
func NewKeyAuthenticator(keys KeyStore, ttl time.Duration, logger *zap.Logger) *KeyAuthenticator {
	if ttl == 0 {
		ttl = 30 * time.Second
	}
	return &KeyAuthenticator{
		keys:   keys,
		cache:  NewAuthCache(ttl),
		logger: logger,
	}
}

// Authenticate validates the token.
//
// Flow:
//  1. Format check (agk_ prefix, minimum length)
//  2. Cache lookup (stale-while-revalidate):
//     - Fresh hit: return immediately
//     - Stale hit: return stale principal, spawn background refresh
//     - Miss: do full lookup + bcrypt synchronously
//  3. Backend errors return ErrAuthUnavailable
func (a *KeyAuthenticator) Authenticate(ctx context.Context, token string) (*Principal, error) {
	if len(token) < PrefixLen || !strings.HasPrefix(token, KeyPrefix) {
		return nil, ErrInvalidAPIKey
	}

	result := a.cache.Get(token)
	if result.Hit {
		if result.NeedsRefresh {
			go a.backgroundRefresh(token)
		}
		return result.Principal, nil
	}

	p, err := a.lookupAndVerify(ctx, token)
	if err != nil {
		return nil, a.handleLookupError(err)
	}
	a.cache.Set(token, p)
	return p, nil
}

// backgroundRefresh re-verifies a stale entry. Errors are logged; the
// entry is dropped so the next request re-verifies synchronously.
func (a *KeyAuthenticator) backgroundRefresh(token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	p, err := a.lookupAndVerify(ctx, token)
	if err != nil {
		a.logger.Warn("background auth refresh failed", zap.Error(err))
		a.cache.Delete(token)
		return
	}
	a.cache.Set(token, p)
}

func (a *KeyAuthenticator) lookupAndVerify(ctx context.Context, token string) (*Principal, error) {
	rec, err := a.keys.LookupByPrefix(ctx, token[:PrefixLen])
	if err != nil {
		return nil, fmt.Errorf("lookupAndVerify: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(rec.Hash), []byte(token)); err != nil {
		return nil, ErrInvalidAPIKey
	}
	return &Principal{KeyID: rec.ID, Name: rec.Name, Role: rec.Role}, nil
}

func (a *KeyAuthenticator) handleLookupError(err error) error {
	if errors.Is(err, ErrInvalidAPIKey) {
		return ErrInvalidAPIKey
	}
	a.logger.Warn("auth backend unreachable", zap.Error(err))
	return fmt.Errorf("%w: %v", ErrAuthUnavailable, err)
}

// Disabled authenticates every request as an anonymous operator. Used when
// no keys are configured.
type Disabled struct{}

func (Disabled) Authenticate(context.Context, string) (*Principal, error) {
	return &Principal{Name: "anonymous", Role: RoleOperator}, nil
}

// HashKey returns the prefix and bcrypt hash for a plaintext key, for
// declaring static keys in configuration.
func HashKey(key string) (prefix, hash string, err error) {
	if len(key) < PrefixLen || !strings.HasPrefix(key, KeyPrefix) {
		return "", "", ErrInvalidAPIKey
	}
	h, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("HashKey: %w", err)
	}
	return key[:PrefixLen], string(h), nil
}
