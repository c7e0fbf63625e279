package auth

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

const RoleAdmin = "admin"

// User is the authenticated caller as asserted by the identity service.
// Engine operations take *User; nil means the request carried no identity.
type User struct {
	ID    int64
	Email string
	Role  string
}

func (u *User) IsAdmin() bool {
	return u != nil && u.Role == RoleAdmin
}

// ForbiddenError indicates a permission check failed.
type ForbiddenError struct {
	Action string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission denied: %s", e.Action)
}

// RequireCreatorOrAdmin gates mutations on entities owned by creatorID.
func RequireCreatorOrAdmin(actor *User, creatorID int64, action string) error {
	if actor == nil {
		return ForbiddenError{Action: action + " (authentication required)"}
	}
	if actor.ID == creatorID || actor.IsAdmin() {
		return nil
	}
	return ForbiddenError{Action: action}
}

// RequireCreatorExecutorOrAdmin additionally admits the current executor,
// used for status and executor changes.
func RequireCreatorExecutorOrAdmin(actor *User, creatorID int64, executorID *int64, action string) error {
	if actor == nil {
		return ForbiddenError{Action: action + " (authentication required)"}
	}
	if actor.ID == creatorID || actor.IsAdmin() {
		return nil
	}
	if executorID != nil && actor.ID == *executorID {
		return nil
	}
	return ForbiddenError{Action: action}
}

// RequireAdmin gates admin-only transitions (activation toggles).
func RequireAdmin(actor *User, action string) error {
	if actor == nil {
		return ForbiddenError{Action: action + " (authentication required)"}
	}
	if !actor.IsAdmin() {
		return ForbiddenError{Action: action}
	}
	return nil
}

type jwtClaims struct {
	jwt.RegisteredClaims
	UserID int64  `json:"user_pk"`
	Email  string `json:"email,omitempty"`
	Role   string `json:"role,omitempty"`
}

// FromToken validates an identity-service token and returns the caller.
// HS256 only, matching what the identity service mints.
func FromToken(token, secret string) (*User, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwtClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.UserID == 0 {
		return nil, errors.New("user_pk claim required")
	}
	return &User{ID: claims.UserID, Email: claims.Email, Role: claims.Role}, nil
}
