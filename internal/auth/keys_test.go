package auth

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/triage-ai/palisade/services/agent_guard/internal/store"
)

// testAPIKey is the raw API key used in tests. Must start with "agk_" and be >= PrefixLen chars.
const testAPIKey = "agk_test_valid_key_1234567890abcdef"

// testHash returns a bcrypt hash of key using MinCost (fast for tests).
func testHash(t *testing.T, key string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("failed to generate bcrypt hash: %v", err)
	}
	return string(hash)
}

// mockKeys implements KeyStore for testing.
type mockKeys struct {
	rec       *KeyRecord
	err       error
	callCount atomic.Int32
}

func (m *mockKeys) LookupByPrefix(_ context.Context, _ string) (*KeyRecord, error) {
	m.callCount.Add(1)
	if m.err != nil {
		return nil, m.err
	}
	return m.rec, nil
}

func validRecord(t *testing.T, role Role) *KeyRecord {
	return &KeyRecord{
		ID:     "key_abc",
		Name:   "orchestrator",
		Role:   role,
		Prefix: testAPIKey[:PrefixLen],
		Hash:   testHash(t, testAPIKey),
	}
}

func TestKeyAuth_CacheMiss_ValidKey(t *testing.T) {
	keys := &mockKeys{rec: validRecord(t, RoleCaller)}
	a := NewKeyAuthenticator(keys, time.Minute, zap.NewNop())

	p, err := a.Authenticate(context.Background(), testAPIKey)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if p.KeyID != "key_abc" || p.Name != "orchestrator" || p.Role != RoleCaller {
		t.Errorf("unexpected principal: %+v", p)
	}
	if keys.callCount.Load() != 1 {
		t.Errorf("expected 1 lookup, got %d", keys.callCount.Load())
	}
}

func TestKeyAuth_CacheHit_NoLookup(t *testing.T) {
	keys := &mockKeys{rec: validRecord(t, RoleOperator)}
	a := NewKeyAuthenticator(keys, time.Minute, zap.NewNop())

	if _, err := a.Authenticate(context.Background(), testAPIKey); err != nil {
		t.Fatalf("first call failed: %v", err)
	}
	p, err := a.Authenticate(context.Background(), testAPIKey)
	if err != nil {
		t.Fatalf("second call failed: %v", err)
	}
	if keys.callCount.Load() != 1 {
		t.Errorf("expected still 1 lookup (cache hit), got %d", keys.callCount.Load())
	}
	if p.Role != RoleOperator {
		t.Errorf("expected operator from cache, got %s", p.Role)
	}
}

func TestKeyAuth_StaleHit_RefreshesInBackground(t *testing.T) {
	keys := &mockKeys{rec: validRecord(t, RoleCaller)}
	a := NewKeyAuthenticator(keys, time.Millisecond, zap.NewNop())

	if _, err := a.Authenticate(context.Background(), testAPIKey); err != nil {
		t.Fatalf("first call failed: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	if _, err := a.Authenticate(context.Background(), testAPIKey); err != nil {
		t.Fatalf("stale call failed: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for keys.callCount.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if keys.callCount.Load() != 2 {
		t.Errorf("expected background refresh lookup, got %d lookups", keys.callCount.Load())
	}
}

func TestKeyAuth_WrongKey(t *testing.T) {
	keys := &mockKeys{rec: validRecord(t, RoleCaller)}
	a := NewKeyAuthenticator(keys, time.Minute, zap.NewNop())

	// Same prefix, different secret
	_, err := a.Authenticate(context.Background(), testAPIKey[:PrefixLen]+"wrong_secret_doesnt_match")
	if !errors.Is(err, ErrInvalidAPIKey) {
		t.Errorf("expected ErrInvalidAPIKey, got: %v", err)
	}
}

func TestKeyAuth_BadFormat(t *testing.T) {
	keys := &mockKeys{rec: validRecord(t, RoleCaller)}
	a := NewKeyAuthenticator(keys, time.Minute, zap.NewNop())

	for _, token := range []string{"", "agk_short", "tsk_test_valid_key_1234567890abcdef"} {
		if _, err := a.Authenticate(context.Background(), token); !errors.Is(err, ErrInvalidAPIKey) {
			t.Errorf("token %q: expected ErrInvalidAPIKey, got %v", token, err)
		}
	}
	if keys.callCount.Load() != 0 {
		t.Errorf("malformed tokens should not reach the key store, got %d lookups", keys.callCount.Load())
	}
}

func TestKeyAuth_KeyNotFound(t *testing.T) {
	keys := &mockKeys{err: ErrInvalidAPIKey}
	a := NewKeyAuthenticator(keys, time.Minute, zap.NewNop())

	if _, err := a.Authenticate(context.Background(), testAPIKey); !errors.Is(err, ErrInvalidAPIKey) {
		t.Errorf("expected ErrInvalidAPIKey, got: %v", err)
	}
}

func TestKeyAuth_BackendDown_ReturnsUnavailable(t *testing.T) {
	keys := &mockKeys{err: errors.New("connection refused")}
	a := NewKeyAuthenticator(keys, time.Minute, zap.NewNop())

	_, err := a.Authenticate(context.Background(), testAPIKey)
	if !errors.Is(err, ErrAuthUnavailable) {
		t.Errorf("expected ErrAuthUnavailable, got: %v", err)
	}
}

func TestStaticKeys(t *testing.T) {
	keys, err := NewStaticKeys([]KeyRecord{
		{Name: "orchestrator", Role: RoleCaller, Prefix: testAPIKey[:PrefixLen], Hash: testHash(t, testAPIKey)},
	})
	if err != nil {
		t.Fatalf("NewStaticKeys: %v", err)
	}
	a := NewKeyAuthenticator(keys, time.Minute, zap.NewNop())

	p, err := a.Authenticate(context.Background(), testAPIKey)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if p.KeyID != "orchestrator" {
		t.Errorf("ID should default to the name, got %q", p.KeyID)
	}

	if _, err := a.Authenticate(context.Background(), "agk_unknownprefix_1234567890"); !errors.Is(err, ErrInvalidAPIKey) {
		t.Errorf("unknown prefix: expected ErrInvalidAPIKey, got %v", err)
	}
}

func TestNewStaticKeys_Invalid(t *testing.T) {
	hash := testHash(t, testAPIKey)
	prefix := testAPIKey[:PrefixLen]
	tests := []struct {
		name    string
		records []KeyRecord
	}{
		{"short prefix", []KeyRecord{{Name: "a", Prefix: "agk_", Hash: hash}}},
		{"wrong prefix", []KeyRecord{{Name: "a", Prefix: "tsk_12345678", Hash: hash}}},
		{"missing hash", []KeyRecord{{Name: "a", Prefix: prefix}}},
		{"duplicate", []KeyRecord{{Name: "a", Prefix: prefix, Hash: hash}, {Name: "b", Prefix: prefix, Hash: hash}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewStaticKeys(tt.records); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestStoreKeys(t *testing.T) {
	ctx := context.Background()
	s, err := store.Open(ctx, filepath.Join(t.TempDir(), "keys.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	_, plaintext, err := s.CreateAPIKey(ctx, "oncall", "operator")
	if err != nil {
		t.Fatalf("CreateAPIKey: %v", err)
	}

	a := NewKeyAuthenticator(Chain{StaticKeys{}, StoreKeys{Store: s}}, time.Minute, zap.NewNop())
	p, err := a.Authenticate(ctx, plaintext)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if p.Name != "oncall" || p.Role != RoleOperator {
		t.Errorf("unexpected principal: %+v", p)
	}
}

func TestChain_PropagatesBackendError(t *testing.T) {
	down := &mockKeys{err: errors.New("timeout")}
	_, err := Chain{StaticKeys{}, down}.LookupByPrefix(context.Background(), "agk_12345678")
	if err == nil || errors.Is(err, ErrInvalidAPIKey) {
		t.Errorf("expected backend error, got %v", err)
	}
}

func TestHashKey(t *testing.T) {
	prefix, hash, err := HashKey(testAPIKey)
	if err != nil {
		t.Fatalf("HashKey: %v", err)
	}
	if prefix != testAPIKey[:PrefixLen] {
		t.Errorf("prefix = %q", prefix)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(testAPIKey)); err != nil {
		t.Errorf("hash does not verify: %v", err)
	}
	if _, _, err := HashKey("nope"); !errors.Is(err, ErrInvalidAPIKey) {
		t.Errorf("expected ErrInvalidAPIKey for malformed key, got %v", err)
	}
}

func TestExtractBearer(t *testing.T) {
	tests := []struct {
		header  string
		want    string
		wantErr bool
	}{
		{"Bearer agk_abc", "agk_abc", false},
		{"bearer agk_abc", "agk_abc", false},
		{"BEARER   agk_abc  ", "agk_abc", false},
		{"", "", true},
		{"Basic dXNlcjpwYXNz", "", true},
		{"Bearer ", "", true},
	}
	for _, tt := range tests {
		got, err := ExtractBearer(tt.header)
		if tt.wantErr {
			if !errors.Is(err, ErrMissingAPIKey) {
				t.Errorf("ExtractBearer(%q): expected ErrMissingAPIKey, got %v", tt.header, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("ExtractBearer(%q) = %q, %v; want %q", tt.header, got, err, tt.want)
		}
	}
}

func TestRoleAllows(t *testing.T) {
	if !RoleOperator.Allows(RoleCaller) || !RoleOperator.Allows(RoleOperator) {
		t.Error("operator should hold every permission")
	}
	if !RoleCaller.Allows(RoleCaller) {
		t.Error("caller should be allowed caller actions")
	}
	if RoleCaller.Allows(RoleOperator) {
		t.Error("caller must not be allowed operator actions")
	}
	if _, err := ParseRole("admin"); err == nil {
		t.Error("expected error for unknown role")
	}
}

func TestPrincipalContext(t *testing.T) {
	ctx := WithPrincipal(context.Background(), &Principal{Name: "x", Role: RoleCaller})
	if p := PrincipalFrom(ctx); p == nil || p.Name != "x" {
		t.Errorf("principal not stored: %+v", p)
	}
	if PrincipalFrom(context.Background()) != nil {
		t.Error("expected nil principal on empty context")
	}
}

func TestCache_DoesNotRetainPlaintext(t *testing.T) {
	c := NewAuthCache(time.Minute)
	c.Set(testAPIKey, &Principal{Name: "x"})
	c.store.Range(func(k, _ any) bool {
		if k.(string) == testAPIKey {
			t.Error("cache key is the plaintext token")
		}
		return true
	})
}
