package auth

import (
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return tok
}

func TestFromToken(t *testing.T) {
	token := signToken(t, "s3cret", jwt.MapClaims{
		"user_pk": 42,
		"email":   "forty@example.com",
		"role":    "admin",
	})
	u, err := FromToken(token, "s3cret")
	require.NoError(t, err)
	assert.Equal(t, int64(42), u.ID)
	assert.Equal(t, "forty@example.com", u.Email)
	assert.True(t, u.IsAdmin())

	_, err = FromToken(token, "wrong")
	assert.Error(t, err)

	_, err = FromToken(signToken(t, "s3cret", jwt.MapClaims{"email": "x@example.com"}), "s3cret")
	assert.Error(t, err, "user_pk is required")

	_, err = FromToken(token, "")
	assert.Error(t, err)
}

func TestPermissionHelpers(t *testing.T) {
	creator := &User{ID: 1}
	executor := &User{ID: 2}
	stranger := &User{ID: 3}
	root := &User{ID: 4, Role: RoleAdmin}
	execID := executor.ID

	assert.NoError(t, RequireCreatorOrAdmin(creator, 1, "edit"))
	assert.NoError(t, RequireCreatorOrAdmin(root, 1, "edit"))
	assert.Error(t, RequireCreatorOrAdmin(stranger, 1, "edit"))
	assert.Error(t, RequireCreatorOrAdmin(nil, 1, "edit"))

	assert.NoError(t, RequireCreatorExecutorOrAdmin(executor, 1, &execID, "edit"))
	assert.Error(t, RequireCreatorExecutorOrAdmin(executor, 1, nil, "edit"))
	assert.Error(t, RequireCreatorExecutorOrAdmin(stranger, 1, &execID, "edit"))

	assert.NoError(t, RequireAdmin(root, "toggle"))
	assert.Error(t, RequireAdmin(creator, "toggle"))

	var fe ForbiddenError
	err := RequireAdmin(creator, "toggle")
	require.ErrorAs(t, err, &fe)
	assert.Contains(t, fe.Error(), "toggle")
}
