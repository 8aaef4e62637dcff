package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"buscart/internal/domain"
	"buscart/internal/engine/auth"
	"buscart/internal/events"
	"buscart/internal/log"
	"buscart/internal/metrics"
	"buscart/internal/repo"
)

// RespondToProposal applies a client's accept, reject or negotiate action.
// Accepting fulfills the request and rejects every other open proposal in
// the same transaction; the guarded fulfill update admits one winner only.
func (e Engine) RespondToProposal(ctx context.Context, requestID, proposalID string, action domain.Action, actor auth.Actor) (p domain.Proposal, err error) {
	ctx, span := startSpan(ctx, "engine.RespondToProposal",
		attribute.String("request.id", requestID),
		attribute.String("proposal.id", proposalID),
		attribute.String("action", string(action)))
	defer func() {
		metrics.ProposalResponsesTotal.WithLabelValues(string(action), outcome(err)).Inc()
		e.logTransitionGuard(ctx, err)
		endSpan(span, err)
	}()

	if err := auth.Require(actor, auth.RoleClient); err != nil {
		return domain.Proposal{}, err
	}
	target, ok := action.Target()
	if !ok {
		return domain.Proposal{}, ValidationError{Fields: map[string]string{"action": "must be one of accept reject negotiate"}}
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
	if req.ClientID != actor.ID {
		return domain.Proposal{}, AuthorizationError{ActorID: actor.ID, RequestID: requestID, Reason: "not the request owner"}
	}
	current, err := e.Repo.GetProposal(ctx, tx, proposalID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Proposal{}, NotFoundError{Kind: "proposal", ID: proposalID}
		}
		return domain.Proposal{}, err
	}
	if current.RequestID != requestID {
		return domain.Proposal{}, NotFoundError{Kind: "proposal", ID: proposalID}
	}
	if action == domain.ActionAccept && req.Status == domain.RequestFulfilled {
		return domain.Proposal{}, RequestAlreadyFulfilledError{RequestID: requestID, AcceptedProposalID: req.AcceptedProposalID}
	}
	if err := ensureProposalTransition(current.Status, target); err != nil {
		return domain.Proposal{}, err
	}

	now := e.now()
	nowStr := domain.FormatTime(now)
	var rejected []string
	switch action {
	case domain.ActionAccept:
		ok, err := e.Repo.FulfillRequest(ctx, tx, requestID, proposalID, nowStr)
		if err != nil {
			return domain.Proposal{}, fmt.Errorf("fulfill request: %w", err)
		}
		if !ok {
			latest, err := e.Repo.GetRequest(ctx, tx, requestID)
			if err != nil {
				return domain.Proposal{}, err
			}
			return domain.Proposal{}, closedError(latest)
		}
		if err := e.transition(ctx, tx, current, target, repo.OpenProposalStatuses, nowStr); err != nil {
			return domain.Proposal{}, err
		}
		rejected, err = e.Repo.RejectOpenSiblings(ctx, tx, requestID, proposalID, nowStr)
		if err != nil {
			return domain.Proposal{}, fmt.Errorf("reject siblings: %w", err)
		}
	case domain.ActionReject:
		if err := e.transition(ctx, tx, current, target, repo.OpenProposalStatuses, nowStr); err != nil {
			return domain.Proposal{}, err
		}
	case domain.ActionNegotiate:
		if !req.Open(now) {
			return domain.Proposal{}, closedError(req)
		}
		if err := e.transition(ctx, tx, current, target, []domain.ProposalStatus{domain.ProposalPending}, nowStr); err != nil {
			return domain.Proposal{}, err
		}
	}

	p, err = e.Repo.GetProposal(ctx, tx, proposalID)
	if err != nil {
		return domain.Proposal{}, err
	}
	evtType := map[domain.Action]string{
		domain.ActionAccept:    domain.EventProposalAccepted,
		domain.ActionReject:    domain.EventProposalRejected,
		domain.ActionNegotiate: domain.EventProposalNegotiating,
	}[action]
	if err := e.appendEvent(ctx, tx, evtType, requestID, "proposal", p.ID, actor.ID, statusPayload(p)); err != nil {
		return domain.Proposal{}, err
	}
	for _, id := range rejected {
		if err := e.appendEvent(ctx, tx, domain.EventProposalRejected, requestID, "proposal", id, actor.ID, events.EventPayload{
			"proposal_id": id,
			"status":      domain.ProposalRejected,
		}); err != nil {
			return domain.Proposal{}, err
		}
	}
	if action == domain.ActionAccept {
		if err := e.appendEvent(ctx, tx, domain.EventRequestFulfilled, requestID, "request", requestID, actor.ID, events.EventPayload{
			"status":               domain.RequestFulfilled,
			"accepted_proposal_id": p.ID,
		}); err != nil {
			return domain.Proposal{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Proposal{}, err
	}
	if action == domain.ActionAccept {
		metrics.RequestsClosedTotal.WithLabelValues(string(domain.RequestFulfilled)).Inc()
		l := log.FromContext(ctx, "engine")
		l.Info().Str("request_id", requestID).Str("proposal_id", p.ID).Int("rejected", len(rejected)).Msg("request fulfilled")
	}
	return p, nil
}

// transition applies a guarded status change. A miss means a concurrent
// writer moved the proposal first.
func (e Engine) transition(ctx context.Context, tx *sql.Tx, current domain.Proposal, to domain.ProposalStatus, from []domain.ProposalStatus, now string) error {
	ok, err := e.Repo.TransitionProposal(ctx, tx, current.ID, current.RequestID, to, from, now)
	if err != nil {
		return fmt.Errorf("transition proposal: %w", err)
	}
	if !ok {
		latest, err := e.Repo.GetProposal(ctx, tx, current.ID)
		if err != nil {
			return err
		}
		return InvalidTransitionError{Entity: "proposal", From: string(latest.Status), To: string(to)}
	}
	return nil
}
