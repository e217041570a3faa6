// Package token signs and verifies export download tokens. A token binds one
// export to one organization with a hard expiry, so a leaked download URL is
// useless for other exports, other tenants, or after the window closes.
package token

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	id "auditcore/pkg/domain"
	dErrors "auditcore/pkg/domain-errors"
)

// Signer issues and verifies HMAC-signed download tokens.
type Signer struct {
	secret   []byte
	lifetime time.Duration
}

// NewSigner constructs a Signer. Lifetime bounds how long a completed export
// stays downloadable.
func NewSigner(secret string, lifetime time.Duration) *Signer {
	return &Signer{secret: []byte(secret), lifetime: lifetime}
}

type downloadClaims struct {
	OrganizationID string `json:"org"`
	jwt.RegisteredClaims
}

// Issue signs a download token for one export. The returned expiry matches
// the token's exp claim so both can be persisted together.
func (s *Signer) Issue(exportID id.ExportID, orgID id.OrganizationID, issuedAt time.Time) (string, time.Time, error) {
	expiresAt := issuedAt.Add(s.lifetime)
	claims := downloadClaims{
		OrganizationID: orgID.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   exportID.String(),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign download token: %w", err)
	}
	return signed, expiresAt, nil
}

// Verify checks the token signature and expiry and confirms it was issued
// for the given export and organization.
func (s *Signer) Verify(raw string, exportID id.ExportID, orgID id.OrganizationID) error {
	var claims downloadClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeForbidden, "download token is invalid or expired")
	}
	if claims.Subject != exportID.String() || claims.OrganizationID != orgID.String() {
		return dErrors.New(dErrors.CodeForbidden, "download token does not match this export")
	}
	return nil
}
