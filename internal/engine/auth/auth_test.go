package auth

import (
	"errors"
	"testing"
)

func TestRequire(t *testing.T) {
	if err := Require(Actor{ID: "c1", Role: RoleClient}, RoleClient); err != nil {
		t.Fatalf("client should pass: %v", err)
	}
	var fe ForbiddenError
	if err := Require(Actor{ID: "a1", Role: RoleArtist}, RoleClient); !errors.As(err, &fe) || fe.Role != RoleClient {
		t.Fatalf("expected forbidden, got %v", err)
	}
	var ue UnauthenticatedError
	if err := Require(Actor{Role: RoleClient}, RoleClient); !errors.As(err, &ue) {
		t.Fatalf("expected unauthenticated, got %v", err)
	}
}

func TestParseRole(t *testing.T) {
	if r, err := ParseRole(" Artist "); err != nil || r != RoleArtist {
		t.Fatalf("parse artist: %v %v", r, err)
	}
	if _, err := ParseRole("admin"); err == nil {
		t.Fatalf("expected error for unknown role")
	}
}
