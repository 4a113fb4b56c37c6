// Package auth verifies the clinic's HS256 bearer tokens and carries the
// caller's identity through the request context.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/drfirst/go-dispensary/internal/domain/inventory"
)

var (
	ErrUnauthenticated = errors.New("authentication required")
	ErrForbidden       = errors.New("insufficient permissions")
)

// Roles known to the clinic.
const (
	RoleSuperAdmin = "superadmin"
	RoleAdmin      = "admin"
	RoleDoctor     = "doctor"
	RoleNurse      = "nurse"
	RolePatient    = "patient"
)

// Claims is the token payload issued by the clinic's login service.
type Claims struct {
	UserID string `json:"userId"`
	Role   string `json:"role"`
	Name   string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// Identity is the authenticated caller.
type Identity struct {
	UserID string
	Role   string
	Name   string
}

// Actor converts the identity for the inventory service.
func (id Identity) Actor() *inventory.Actor {
	return &inventory.Actor{UserID: id.UserID, Role: id.Role, Name: id.Name}
}

// HasRole reports whether the identity holds one of roles.
func (id Identity) HasRole(roles ...string) bool {
	for _, r := range roles {
		if id.Role == r {
			return true
		}
	}
	return false
}

// IssueToken signs a token for id. Used by the operator CLI and tests.
func IssueToken(secret string, id Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID: id.UserID,
		Role:   id.Role,
		Name:   id.Name,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// ParseToken verifies an HS256 token and returns its identity.
func ParseToken(secret, raw string) (Identity, error) {
	token, err := jwt.ParseWithClaims(raw, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(secret), nil
	})
	if err != nil || !token.Valid {
		return Identity{}, fmt.Errorf("%w: invalid token", ErrUnauthenticated)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || claims.UserID == "" || claims.Role == "" {
		return Identity{}, fmt.Errorf("%w: invalid token claims", ErrUnauthenticated)
	}
	return Identity{UserID: claims.UserID, Role: claims.Role, Name: claims.Name}, nil
}
