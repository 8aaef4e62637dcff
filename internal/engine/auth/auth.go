package auth

import (
	"fmt"
	"strings"
)

// Role is the marketplace side an actor acts for.
type Role string

const (
	RoleClient Role = "client"
	RoleArtist Role = "artist"
)

func ParseRole(s string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleClient:
		return RoleClient, nil
	case RoleArtist:
		return RoleArtist, nil
	}
	return "", fmt.Errorf("invalid role %q", s)
}

// Actor is the authenticated caller as supplied by the identity provider.
type Actor struct {
	ID   string
	Role Role
}

// ForbiddenError indicates the actor's role may not perform the operation.
type ForbiddenError struct {
	Role Role
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("role %s required", e.Role)
}

// UnauthenticatedError indicates a missing actor id.
type UnauthenticatedError struct{}

func (UnauthenticatedError) Error() string { return "actor id required" }

// Require checks the actor is identified and holds role.
func Require(a Actor, role Role) error {
	if strings.TrimSpace(a.ID) == "" {
		return UnauthenticatedError{}
	}
	if a.Role != role {
		return ForbiddenError{Role: role}
	}
	return nil
}
