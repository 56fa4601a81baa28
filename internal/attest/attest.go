// Package attest signs verdicts so the enforcing caller can prove a
// decision was issued by this service and was not altered in transit.
package attest

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultIssuer is the iss claim of every attestation.
const DefaultIssuer = "agent-guard"

// DefaultTTL bounds how long an attestation remains verifiable.
const DefaultTTL = 5 * time.Minute

var ErrInvalidAttestation = errors.New("invalid attestation")

// Claims binds a verdict to the message it was issued for.
type Claims struct {
	DecisionID  string  `json:"did"`
	Sender      string  `json:"snd"`
	Recipient   string  `json:"rcp"`
	Action      string  `json:"act"`
	Rule        string  `json:"rule"`
	Score       float64 `json:"score"`
	ContentHash string  `json:"chash"`
	Unavailable bool    `json:"unavail,omitempty"`
	jwt.RegisteredClaims
}

// Signer issues HS256 attestations.
type Signer struct {
	key    []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewSigner returns nil when key is empty; callers treat a nil signer as
// attestation disabled.
func NewSigner(key []byte, issuer string, ttl time.Duration) *Signer {
	if len(key) == 0 {
		return nil
	}
	if issuer == "" {
		issuer = DefaultIssuer
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Signer{key: key, issuer: issuer, ttl: ttl, now: time.Now}
}

// Sign returns a compact JWT for the claims. Registered claims (iss, iat,
// exp, jti) are filled in by the signer.
func (s *Signer) Sign(c Claims) (string, error) {
	now := s.now()
	c.RegisteredClaims = jwt.RegisteredClaims{
		Issuer:    s.issuer,
		Subject:   c.Sender,
		ID:        c.DecisionID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("Sign: %w", err)
	}
	return signed, nil
}

// Verifier checks attestations issued by a Signer with the same key.
type Verifier struct {
	key    []byte
	issuer string
	now    func() time.Time
}

func NewVerifier(key []byte, issuer string) *Verifier {
	if issuer == "" {
		issuer = DefaultIssuer
	}
	return &Verifier{key: key, issuer: issuer, now: time.Now}
}

// Verify parses and validates the token and returns its claims.
func (v *Verifier) Verify(token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims,
		func(t *jwt.Token) (any, error) { return v.key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAttestation, err)
	}
	if !parsed.Valid {
		return nil, ErrInvalidAttestation
	}
	return claims, nil
}
