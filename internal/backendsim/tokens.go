package backendsim

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// IssueToken mints an HS256 access token for accountID, signed with the
// configured secret. It is what requireBearer accepts.
func (b *Backend) IssueToken(accountID string, ttl time.Duration) (string, error) {
	if b.cfg.JWTSecret == "" {
		return "", errors.New("backendsim: no JWT secret configured")
	}
	if accountID == "" {
		return "", errors.New("backendsim: empty account id")
	}
	now := b.now()
	claims := jwt.RegisteredClaims{
		Issuer:    b.cfg.Issuer,
		Subject:   accountID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(b.cfg.JWTSecret))
}
