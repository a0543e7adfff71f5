package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"job-leaderboard/internal/users"
)

var alice = users.User{ID: 42, Username: "alice", Email: "alice@example.com", Role: users.RoleAdmin}

func TestIssueAndVerify(t *testing.T) {
	svc, err := NewTokenService("s3cret", time.Hour)
	require.NoError(t, err)

	token, err := svc.Issue(alice)
	require.NoError(t, err)

	claims, err := svc.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, int64(42), claims.UserID)
	assert.Equal(t, "alice", claims.Username)
	assert.Equal(t, "alice@example.com", claims.Email)
	assert.Equal(t, users.RoleAdmin, claims.Role)
	assert.Equal(t, "42", claims.Subject)
}

func TestVerify_Expired(t *testing.T) {
	svc, err := NewTokenService("s3cret", time.Hour)
	require.NoError(t, err)
	issued := time.Now()
	svc.now = func() time.Time { return issued }

	token, err := svc.Issue(alice)
	require.NoError(t, err)

	svc.now = func() time.Time { return issued.Add(2 * time.Hour) }
	_, err = svc.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerify_WrongSecret(t *testing.T) {
	issuer, _ := NewTokenService("one", time.Hour)
	verifier, _ := NewTokenService("two", time.Hour)

	token, err := issuer.Issue(alice)
	require.NoError(t, err)

	_, err = verifier.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerify_RejectsOtherAlgorithms(t *testing.T) {
	svc, _ := NewTokenService("s3cret", time.Hour)
	claims := Claims{
		UserID:           1,
		Role:             users.RoleSuperadmin,
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	}
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = svc.Verify(unsigned)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerify_Garbage(t *testing.T) {
	svc, _ := NewTokenService("s3cret", time.Hour)
	_, err := svc.Verify("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestNewTokenService_RequiresSecret(t *testing.T) {
	_, err := NewTokenService("", time.Hour)
	assert.Error(t, err)
}
