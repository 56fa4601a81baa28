package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/triage-ai/palisade/services/agent_guard/internal/store"
)

var (
	ErrMissingAPIKey   = errors.New("missing authorization header")
	ErrInvalidAPIKey   = errors.New("invalid API key")
	ErrForbidden       = errors.New("insufficient role")
	ErrAuthUnavailable = errors.New("auth backend unavailable")
)

// KeyPrefix starts every API key.
const KeyPrefix = store.KeyPrefix

// PrefixLen is the number of leading key characters used to find the
// stored hash.
const PrefixLen = store.PrefixLen

// Role is the permission level of a key.
type Role string

const (
	// RoleCaller may submit messages for a decision.
	RoleCaller Role = "caller"
	// RoleOperator may also isolate and release agents and read forensics.
	RoleOperator Role = "operator"
)

// ParseRole accepts "caller" or "operator".
func ParseRole(s string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleCaller:
		return RoleCaller, nil
	case RoleOperator:
		return RoleOperator, nil
	default:
		return "", fmt.Errorf("ParseRole: unknown role %q", s)
	}
}

// Allows reports whether a principal with role r may act as required.
// Operators hold every caller permission.
func (r Role) Allows(required Role) bool {
	switch required {
	case RoleCaller:
		return r == RoleCaller || r == RoleOperator
	case RoleOperator:
		return r == RoleOperator
	default:
		return false
	}
}

// Principal is the authenticated identity behind a request.
type Principal struct {
	KeyID string
	Name  string
	Role  Role
}

// Authenticator validates a bearer token and returns its principal.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*Principal, error)
}

// ExtractBearer returns the token from an Authorization header value.
// RFC 6750: the "Bearer" scheme is case-insensitive.
func ExtractBearer(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", ErrMissingAPIKey
	}
	if len(header) <= 7 || !strings.EqualFold(header[:7], "bearer ") {
		return "", ErrMissingAPIKey
	}
	token := strings.TrimSpace(header[7:])
	if token == "" {
		return "", ErrMissingAPIKey
	}
	return token, nil
}

type principalKey struct{}

// WithPrincipal stores the principal in the context.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the principal stored by WithPrincipal, or nil.
func PrincipalFrom(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalKey{}).(*Principal)
	return p
}
