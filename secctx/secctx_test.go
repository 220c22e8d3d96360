package secctx

import (
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func signTestToken(t *testing.T, secret []byte, claims Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	require.NoError(t, err)
	return signed
}

func TestParseJWT_ExtractsOrgID(t *testing.T) {
	secret := []byte("test-secret")
	signed := signTestToken(t, secret, Claims{OrgID: "acme", Role: "admin"})

	sec, err := ParseJWT(signed, secret)
	require.NoError(t, err)
	require.Equal(t, "acme", sec.TenantID())
	require.Equal(t, "admin", sec.Role())
}

func TestParseJWT_WrongSecretIsError(t *testing.T) {
	signed := signTestToken(t, []byte("right-secret"), Claims{OrgID: "acme"})

	_, err := ParseJWT(signed, []byte("wrong-secret"))
	require.Error(t, err)
}

func TestStaticSecurityContext(t *testing.T) {
	var sec = StaticSecurityContext("acme")
	require.Equal(t, "acme", sec.TenantID())
}
