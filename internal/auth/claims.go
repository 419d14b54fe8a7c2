package auth

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid bearer token")

// Claims are issued by the platform's session service for administrators.
type Claims struct {
	Organizations []string `json:"orgs"`
	PlatformAdmin bool     `json:"platform_admin"`
	jwt.RegisteredClaims
}

// Principal is the authenticated caller, passed explicitly to every
// organization-scoped operation.
type Principal struct {
	Subject       string
	Organizations []string
	PlatformAdmin bool
}

// System is the principal used by operator CLI commands.
var System = Principal{Subject: "system", PlatformAdmin: true}

// CanAdminister reports whether the principal administers orgID.
func (p Principal) CanAdminister(orgID string) bool {
	if p.PlatformAdmin {
		return true
	}
	return orgID != "" && slices.Contains(p.Organizations, orgID)
}

type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Parse validates an HS256 token and returns its principal.
func (v *Verifier) Parse(token string) (Principal, error) {
	if len(v.secret) == 0 {
		return Principal{}, fmt.Errorf("%w: no signing secret configured", ErrInvalidToken)
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return Principal{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	return Principal{
		Subject:       claims.Subject,
		Organizations: claims.Organizations,
		PlatformAdmin: claims.PlatformAdmin,
	}, nil
}

// Sign issues a token for the principal. Used by tests and the dev tooling;
// production tokens come from the session service.
func (v *Verifier) Sign(p Principal, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Organizations: p.Organizations,
		PlatformAdmin: p.PlatformAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.Subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
