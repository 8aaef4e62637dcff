package engine

import (
	"context"
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

const sweepBatch = 500

// CancelRequest withdraws an open request on behalf of its owner. Open
// proposals keep their status.
func (e Engine) CancelRequest(ctx context.Context, requestID string, actor auth.Actor) (req domain.HiringRequest, err error) {
	ctx, span := startSpan(ctx, "engine.CancelRequest", attribute.String("request.id", requestID))
	defer func() {
		e.logTransitionGuard(ctx, err)
		endSpan(span, err)
	}()

	if err := auth.Require(actor, auth.RoleClient); err != nil {
		return domain.HiringRequest{}, err
	}
	tx, err := e.beginTx(ctx)
	if err != nil {
		return domain.HiringRequest{}, err
	}
	defer tx.Rollback()

	req, err = e.Repo.GetRequest(ctx, tx, requestID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.HiringRequest{}, NotFoundError{Kind: "request", ID: requestID}
		}
		return domain.HiringRequest{}, err
	}
	if req.ClientID != actor.ID {
		return domain.HiringRequest{}, AuthorizationError{ActorID: actor.ID, RequestID: requestID, Reason: "not the request owner"}
	}
	if req.Status == domain.RequestFulfilled {
		return domain.HiringRequest{}, RequestAlreadyFulfilledError{RequestID: requestID, AcceptedProposalID: req.AcceptedProposalID}
	}
	if err := ensureRequestTransition(req.Status, domain.RequestCancelled); err != nil {
		return domain.HiringRequest{}, err
	}
	nowStr := domain.FormatTime(e.now())
	ok, err := e.Repo.CancelRequest(ctx, tx, requestID, nowStr)
	if err != nil {
		return domain.HiringRequest{}, fmt.Errorf("cancel request: %w", err)
	}
	if !ok {
		return domain.HiringRequest{}, RequestClosedError{RequestID: requestID, Status: domain.RequestExpired}
	}
	if err := e.appendEvent(ctx, tx, domain.EventRequestCancelled, requestID, "request", requestID, actor.ID, events.EventPayload{
		"status": domain.RequestCancelled,
	}); err != nil {
		return domain.HiringRequest{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.HiringRequest{}, err
	}
	metrics.RequestsClosedTotal.WithLabelValues(string(domain.RequestCancelled)).Inc()
	req.Status = domain.RequestCancelled
	req.UpdatedAt = nowStr
	return req, nil
}

// ExpireDue moves every active request past its expiry to expired and returns
// the ids it changed. Running it twice is harmless: the second pass finds
// nothing due.
func (e Engine) ExpireDue(ctx context.Context) (expired []string, err error) {
	ctx, span := startSpan(ctx, "engine.ExpireDue")
	defer func() {
		span.SetAttributes(attribute.Int("expired", len(expired)))
		endSpan(span, err)
	}()

	expired = []string{}
	for {
		nowStr := domain.FormatTime(e.now())
		ids, err := e.Repo.DueRequestIDs(ctx, nil, nowStr, sweepBatch)
		if err != nil {
			return expired, fmt.Errorf("list due requests: %w", err)
		}
		changed := 0
		for _, id := range ids {
			ok, err := e.expireOne(ctx, id, nowStr)
			if err != nil {
				return expired, err
			}
			if ok {
				expired = append(expired, id)
				changed++
			}
		}
		if len(ids) < sweepBatch || changed == 0 {
			break
		}
	}
	if len(expired) > 0 {
		metrics.RequestsClosedTotal.WithLabelValues(string(domain.RequestExpired)).Add(float64(len(expired)))
		l := log.FromContext(ctx, "engine")
		l.Info().Int("count", len(expired)).Msg("requests expired")
	}
	return expired, nil
}

func (e Engine) expireOne(ctx context.Context, id, now string) (bool, error) {
	tx, err := e.beginTx(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	ok, err := e.Repo.ExpireRequest(ctx, tx, id, now)
	if err != nil {
		return false, fmt.Errorf("expire request %s: %w", id, err)
	}
	if !ok {
		return false, nil
	}
	if err := e.appendEvent(ctx, tx, domain.EventRequestExpired, id, "request", id, SystemActor, events.EventPayload{
		"status": domain.RequestExpired,
	}); err != nil {
		return false, err
	}
	return true, tx.Commit()
}
