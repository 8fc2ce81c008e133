package testhelpers

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/require"
)

var signingKey = []byte("test-signing-key")

// CreateJWT returns a signed HS256 JWT expiring at expiry. A zero expiry
// leaves the exp claim out.
func CreateJWT(t *testing.T, subject string, expiry time.Time) string {
	t.Helper()

	claims := jwt.RegisteredClaims{
		Subject:  subject,
		IssuedAt: jwt.NewNumericDate(time.Now()),
	}
	if !expiry.IsZero() {
		claims.ExpiresAt = jwt.NewNumericDate(expiry)
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(signingKey)
	require.NoError(t, err, "failed to sign JWT")

	return signed
}
