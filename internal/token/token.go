package token

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"mercato.dev/internal/identity"
)

const (
	defaultIssuer = "mercato"
	// Sessions last a working day; a refresh always mints a new token with
	// a fresh expiry.
	defaultTTL = 8 * time.Hour
)

// Claims is the self-contained session payload: a point-in-time copy of the
// identity's public fields plus the registered timestamps. The verifier never
// consults the identity store; drift against the store is the session
// coordinator's concern.
type Claims struct {
	FirstName        string               `json:"firstName"`
	LastName         string               `json:"lastName"`
	Email            string               `json:"email"`
	Status           identity.Status      `json:"status"`
	Role             identity.Role        `json:"role"`
	Permissions      identity.Permissions `json:"permissions"`
	RegistrationDate time.Time            `json:"registrationDate"`
	Phone            string               `json:"phone,omitempty"`
	AvatarRef        string               `json:"avatarRef,omitempty"`
	jwt.RegisteredClaims
}

// IdentityID returns the subject the token was issued for.
func (c *Claims) IdentityID() string {
	return c.Subject
}

// Public reassembles the identity snapshot embedded in the claims.
func (c *Claims) Public() identity.Public {
	return identity.Public{
		ID:               c.Subject,
		FirstName:        c.FirstName,
		LastName:         c.LastName,
		Email:            c.Email,
		Status:           c.Status,
		Role:             c.Role,
		Permissions:      c.Permissions,
		RegistrationDate: c.RegistrationDate,
		Phone:            c.Phone,
		AvatarRef:        c.AvatarRef,
	}
}

// Matches reports whether the claims snapshot still equals the identity's
// current public fields. Registration timestamps are compared as instants so a
// serialization round-trip does not register as drift.
func (c *Claims) Matches(rec identity.Identity) bool {
	a, b := c.Public(), rec.Public()
	if !a.RegistrationDate.Equal(b.RegistrationDate) {
		return false
	}
	a.RegistrationDate = b.RegistrationDate
	return a == b
}

// Issuer mints and verifies session tokens. Tokens are standard three-segment
// JWTs signed with HMAC-SHA256 over header and claims using a server-held key.
type Issuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// Option configures Issuer behavior.
type Option func(*Issuer)

// WithTTL overrides the session lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(i *Issuer) {
		if ttl > 0 {
			i.ttl = ttl
		}
	}
}

// WithIssuer overrides the issuer claim.
func WithIssuer(name string) Option {
	return func(i *Issuer) {
		if strings.TrimSpace(name) != "" {
			i.issuer = strings.TrimSpace(name)
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(i *Issuer) {
		if fn != nil {
			i.now = fn
		}
	}
}

// New constructs an Issuer. The signing secret is required.
func New(secret string, opts ...Option) (*Issuer, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("token: signing secret is required")
	}
	i := &Issuer{
		secret: []byte(secret),
		issuer: defaultIssuer,
		ttl:    defaultTTL,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// TTL reports the configured session lifetime.
func (i *Issuer) TTL() time.Duration {
	return i.ttl
}

// Issue mints a token embedding the identity's public snapshot, valid from now
// until now+ttl.
func (i *Issuer) Issue(rec identity.Identity) (string, *Claims, error) {
	now := i.now().UTC().Truncate(time.Second)
	claims := &Claims{
		FirstName:        rec.FirstName,
		LastName:         rec.LastName,
		Email:            rec.Email,
		Status:           rec.Status,
		Role:             rec.Role,
		Permissions:      rec.Permissions,
		RegistrationDate: rec.RegistrationDate,
		Phone:            rec.Phone,
		AvatarRef:        rec.AvatarRef,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   rec.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", nil, err
	}
	return signed, claims, nil
}

// Decode validates structure, signature, issuer and expiry and returns the
// embedded claims. Malformed, forged or expired tokens yield nil: an invalid
// token is a routine condition here, not an error.
func (i *Issuer) Decode(raw string) *Claims {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parsed, err := jwt.ParseWithClaims(raw, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return i.secret, nil
	},
		jwt.WithTimeFunc(func() time.Time { return i.now().UTC() }),
		jwt.WithIssuer(i.issuer),
		jwt.WithIssuedAt(),
	)
	if err != nil {
		return nil
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil
	}
	if claims.ExpiresAt == nil || claims.IssuedAt == nil {
		return nil
	}
	return claims
}
