package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"buscart/internal/domain"
	"buscart/internal/engine/auth"
	"buscart/internal/events"
	"buscart/internal/metrics"
	"buscart/internal/repo"
)

const maxMessageLength = 2000

// ParsePrice parses a client-supplied price and requires it to be positive.
func ParsePrice(raw string) (decimal.Decimal, error) {
	price, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil || !price.IsPositive() {
		return decimal.Decimal{}, InvalidPriceError{Price: raw}
	}
	return price, nil
}

func statusPayload(p domain.Proposal) events.EventPayload {
	return events.EventPayload{
		"proposal_id": p.ID,
		"artist_id":   p.ArtistID,
		"status":      p.Status,
	}
}

// SubmitProposal records an artist's offer on an open request. The response
// counter increment doubles as the open-request guard, so a submission racing
// an accept or expiry either lands before it or fails closed.
func (e Engine) SubmitProposal(ctx context.Context, requestID string, price decimal.Decimal, message string, actor auth.Actor) (p domain.Proposal, err error) {
	ctx, span := startSpan(ctx, "engine.SubmitProposal",
		attribute.String("request.id", requestID),
		attribute.String("actor.id", actor.ID))
	defer func() {
		metrics.ProposalsSubmittedTotal.WithLabelValues(outcome(err)).Inc()
		endSpan(span, err)
	}()

	if err := auth.Require(actor, auth.RoleArtist); err != nil {
		return domain.Proposal{}, err
	}
	if !price.IsPositive() {
		return domain.Proposal{}, InvalidPriceError{Price: price.String()}
	}
	message = strings.TrimSpace(message)
	if utf8.RuneCountInString(message) > maxMessageLength {
		return domain.Proposal{}, ValidationError{Fields: map[string]string{"message": fmt.Sprintf("must be at most %d characters", maxMessageLength)}}
	}

	tx, err := e.beginTx(ctx)
	if err != nil {
		return domain.Proposal{}, err
	}
	defer tx.Rollback()

	req, err := e.Repo.GetRequest(ctx, tx, requestID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Proposal{}, NotFoundError{Kind: "request", ID: requestID}
		}
		return domain.Proposal{}, err
	}
	nowStr := domain.FormatTime(e.now())
	open, err := e.Repo.IncrementResponseCount(ctx, tx, requestID, nowStr)
	if err != nil {
		return domain.Proposal{}, fmt.Errorf("increment response count: %w", err)
	}
	if !open {
		status := req.Status
		if status == domain.RequestActive {
			status = domain.RequestExpired
		}
		return domain.Proposal{}, RequestClosedError{RequestID: requestID, Status: status}
	}
	if e.Config.EligibilityEnforced() {
		ok, err := e.Repo.IsRecipient(ctx, tx, requestID, actor.ID)
		if err != nil {
			return domain.Proposal{}, err
		}
		if !ok {
			return domain.Proposal{}, AuthorizationError{ActorID: actor.ID, RequestID: requestID, Reason: "artist not eligible for request"}
		}
	}
	existing, err := e.Repo.LiveProposalFor(ctx, tx, requestID, actor.ID)
	if err == nil {
		return domain.Proposal{}, DuplicateProposalError{RequestID: requestID, ArtistID: actor.ID, ExistingID: existing.ID}
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.Proposal{}, err
	}

	p = domain.Proposal{
		ID:        e.newID(),
		RequestID: requestID,
		ArtistID:  actor.ID,
		Price:     price,
		Message:   message,
		Status:    domain.ProposalPending,
		CreatedAt: nowStr,
		UpdatedAt: nowStr,
	}
	if err := e.Repo.InsertProposal(ctx, tx, p); err != nil {
		return domain.Proposal{}, fmt.Errorf("insert proposal: %w", err)
	}
	if err := e.appendEvent(ctx, tx, domain.EventProposalReceived, requestID, "proposal", p.ID, actor.ID, events.EventPayload{"proposal": p}); err != nil {
		return domain.Proposal{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Proposal{}, err
	}
	return p, nil
}

// ListProposals returns a request's proposals newest-first. The owner sees
// all of them; an artist sees only their own.
func (e Engine) ListProposals(ctx context.Context, requestID string, actor auth.Actor) ([]domain.Proposal, error) {
	req, err := e.Repo.GetRequest(ctx, nil, requestID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, NotFoundError{Kind: "request", ID: requestID}
		}
		return nil, err
	}
	items, err := e.Repo.ListProposals(ctx, nil, requestID)
	if err != nil {
		return nil, err
	}
	switch {
	case actor.Role == auth.RoleClient && req.ClientID == actor.ID:
		return items, nil
	case actor.Role == auth.RoleArtist:
		own := []domain.Proposal{}
		for _, p := range items {
			if p.ArtistID == actor.ID {
				own = append(own, p)
			}
		}
		return own, nil
	}
	return nil, AuthorizationError{ActorID: actor.ID, RequestID: requestID, Reason: "not a participant"}
}

// GetProposal returns a proposal to the request owner or its artist.
func (e Engine) GetProposal(ctx context.Context, id string, actor auth.Actor) (domain.Proposal, error) {
	p, err := e.Repo.GetProposal(ctx, nil, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return p, NotFoundError{Kind: "proposal", ID: id}
		}
		return p, err
	}
	if actor.Role == auth.RoleArtist && p.ArtistID == actor.ID {
		return p, nil
	}
	req, err := e.Repo.GetRequest(ctx, nil, p.RequestID)
	if err != nil {
		return domain.Proposal{}, err
	}
	if actor.Role == auth.RoleClient && req.ClientID == actor.ID {
		return p, nil
	}
	return domain.Proposal{}, AuthorizationError{ActorID: actor.ID, RequestID: p.RequestID, Reason: "not a participant"}
}
