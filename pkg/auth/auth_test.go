package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-please-rotate"

func signToken(t *testing.T, mutate func(b *jwt.Builder)) string {
	t.Helper()
	b := jwt.NewBuilder().
		Subject("user-1").
		Issuer("devmesh-test").
		Audience([]string{"devmesh"}).
		IssuedAt(time.Now()).
		Expiration(time.Now().Add(time.Hour)).
		Claim("email", "user@example.com").
		Claim("role", "operator")
	if mutate != nil {
		mutate(b)
	}
	token, err := b.Build()
	require.NoError(t, err)
	signed, err := jwt.Sign(token, jwt.WithKey(jwa.HS256, []byte(testSecret)))
	require.NoError(t, err)
	return string(signed)
}

func testValidator(t *testing.T) *Validator {
	t.Helper()
	v, err := NewSecretValidator(testSecret, "devmesh-test", "devmesh")
	require.NoError(t, err)
	return v
}

func TestValidateToken(t *testing.T) {
	v := testValidator(t)

	claims, err := v.ValidateToken(context.Background(), signToken(t, nil))
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.Subject)
	assert.Equal(t, "user@example.com", claims.Email)
	assert.Equal(t, "operator", claims.Role)
}

func TestValidateTokenRejections(t *testing.T) {
	v := testValidator(t)
	ctx := context.Background()

	_, err := v.ValidateToken(ctx, "not-a-token")
	assert.Error(t, err)

	expired := signToken(t, func(b *jwt.Builder) {
		b.Expiration(time.Now().Add(-time.Hour))
	})
	_, err = v.ValidateToken(ctx, expired)
	assert.Error(t, err)

	wrongIssuer := signToken(t, func(b *jwt.Builder) {
		b.Issuer("somebody-else")
	})
	_, err = v.ValidateToken(ctx, wrongIssuer)
	assert.Error(t, err)

	wrongAudience := signToken(t, func(b *jwt.Builder) {
		b.Audience([]string{"other-service"})
	})
	_, err = v.ValidateToken(ctx, wrongAudience)
	assert.Error(t, err)
}

func TestMiddleware(t *testing.T) {
	v := testValidator(t)

	var gotClaims *Claims
	handler := v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotClaims = GetClaims(r)
	}))

	// No header.
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("POST", "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Malformed header.
	rec = httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/", nil)
	req.Header.Set("Authorization", "Token abc")
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Valid token.
	rec = httptest.NewRecorder()
	req = httptest.NewRequest("POST", "/", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, nil))
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, gotClaims)
	assert.Equal(t, "user-1", gotClaims.Subject)
}

func TestNewSecretValidatorRequiresSecret(t *testing.T) {
	_, err := NewSecretValidator("", "", "")
	assert.Error(t, err)
}
