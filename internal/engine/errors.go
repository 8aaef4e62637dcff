package engine

import (
	"fmt"
	"sort"
	"strings"

	"buscart/internal/domain"
	"buscart/internal/repo"
)

// ValidationError reports malformed input, keyed by field name.
type ValidationError struct {
	Fields map[string]string
}

func (e ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+" "+e.Fields[k])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// NotFoundError wraps repo.ErrNotFound with the missing entity.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e NotFoundError) Unwrap() error { return repo.ErrNotFound }

// AuthorizationError means the actor is not allowed to touch this request.
type AuthorizationError struct {
	ActorID   string
	RequestID string
	Reason    string
}

func (e AuthorizationError) Error() string {
	return fmt.Sprintf("actor %s not allowed on request %s: %s", e.ActorID, e.RequestID, e.Reason)
}

type RequestClosedError struct {
	RequestID string
	Status    domain.RequestStatus
}

func (e RequestClosedError) Error() string {
	return fmt.Sprintf("request %s is closed (%s)", e.RequestID, e.Status)
}

type RequestAlreadyFulfilledError struct {
	RequestID          string
	AcceptedProposalID string
}

func (e RequestAlreadyFulfilledError) Error() string {
	return fmt.Sprintf("request %s already fulfilled", e.RequestID)
}

type DuplicateProposalError struct {
	RequestID  string
	ArtistID   string
	ExistingID string
}

func (e DuplicateProposalError) Error() string {
	return fmt.Sprintf("artist %s already has live proposal %s on request %s", e.ArtistID, e.ExistingID, e.RequestID)
}

type InvalidPriceError struct {
	Price string
}

func (e InvalidPriceError) Error() string {
	return fmt.Sprintf("price must be a positive decimal, got %q", e.Price)
}

type InvalidTransitionError struct {
	Entity string
	From   string
	To     string
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid %s status transition %s -> %s", e.Entity, e.From, e.To)
}
