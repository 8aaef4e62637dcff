package engine

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"buscart/internal/config"
	"buscart/internal/db"
	"buscart/internal/domain"
	"buscart/internal/engine/auth"
	"buscart/internal/events"
	"buscart/internal/log"
	"buscart/internal/repo"
	"buscart/internal/telemetry"
)

// SystemActor is recorded on events the engine emits on its own behalf.
const SystemActor = "system"

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
	NewID  func() string
}

func New(conn *sql.DB, dialect db.Dialect, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	return Engine{
		DB:     conn,
		Repo:   repo.New(conn, dialect),
		Events: events.Writer{Dialect: dialect},
		Config: cfg,
		Now:    time.Now,
		NewID:  uuid.NewString,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) newID() string {
	if e.NewID != nil {
		return e.NewID()
	}
	return uuid.NewString()
}

func (e Engine) ttl() time.Duration {
	if e.Config == nil || e.Config.Requests.TTL <= 0 {
		return 24 * time.Hour
	}
	return e.Config.Requests.TTL
}

// beginTx opens a write transaction holding the outbox lock.
func (e Engine) beginTx(ctx context.Context) (*sql.Tx, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	if err := e.Events.Lock(ctx, tx); err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	return tx, nil
}

func (e Engine) appendEvent(ctx context.Context, tx *sql.Tx, evtType, requestID, entityKind, entityID, actorID string, payload events.EventPayload) error {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	return w.Append(ctx, tx, evtType, requestID, entityKind, entityID, actorID, payload)
}

var tracer = telemetry.Tracer("buscart/engine")

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// endSpan records err on the span. Business rule errors are not span errors.
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		if isInternal(err) {
			span.SetStatus(codes.Error, err.Error())
		}
	}
	span.End()
}

// isInternal reports errors outside the typed business taxonomy.
func isInternal(err error) bool {
	var (
		ve  ValidationError
		nf  NotFoundError
		ae  AuthorizationError
		rc  RequestClosedError
		raf RequestAlreadyFulfilledError
		dp  DuplicateProposalError
		ip  InvalidPriceError
		it  InvalidTransitionError
		fe  auth.ForbiddenError
		ue  auth.UnauthenticatedError
	)
	switch {
	case errors.As(err, &fe), errors.As(err, &ue):
		return false
	case errors.As(err, &ve), errors.As(err, &nf), errors.As(err, &ae), errors.As(err, &rc),
		errors.As(err, &raf), errors.As(err, &dp), errors.As(err, &ip), errors.As(err, &it):
		return false
	}
	return true
}

// outcome is the metric label for an operation result.
func outcome(err error) string {
	var (
		ve  ValidationError
		nf  NotFoundError
		ae  AuthorizationError
		rc  RequestClosedError
		raf RequestAlreadyFulfilledError
		dp  DuplicateProposalError
		ip  InvalidPriceError
		it  InvalidTransitionError
		fe  auth.ForbiddenError
		ue  auth.UnauthenticatedError
	)
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &fe), errors.As(err, &ue):
		return "forbidden"
	case errors.As(err, &ve):
		return "validation"
	case errors.As(err, &nf):
		return "not_found"
	case errors.As(err, &ae):
		return "unauthorized"
	case errors.As(err, &rc):
		return "closed"
	case errors.As(err, &raf):
		return "already_fulfilled"
	case errors.As(err, &dp):
		return "duplicate"
	case errors.As(err, &ip):
		return "invalid_price"
	case errors.As(err, &it):
		return "invalid_transition"
	default:
		return "error"
	}
}

func (e Engine) logTransitionGuard(ctx context.Context, err error) {
	var it InvalidTransitionError
	if errors.As(err, &it) {
		l := log.FromContext(ctx, "engine")
		l.Warn().Str("entity", it.Entity).Str("from", it.From).Str("to", it.To).Msg("unexpected status transition attempt")
	}
}

func ensureRequestTransition(oldStatus, newStatus domain.RequestStatus) error {
	switch oldStatus {
	case domain.RequestActive:
		switch newStatus {
		case domain.RequestFulfilled, domain.RequestExpired, domain.RequestCancelled:
			return nil
		}
	}
	return InvalidTransitionError{Entity: "request", From: string(oldStatus), To: string(newStatus)}
}

func ensureProposalTransition(oldStatus, newStatus domain.ProposalStatus) error {
	switch oldStatus {
	case domain.ProposalPending:
		switch newStatus {
		case domain.ProposalAccepted, domain.ProposalRejected, domain.ProposalNegotiating:
			return nil
		}
	case domain.ProposalNegotiating:
		switch newStatus {
		case domain.ProposalAccepted, domain.ProposalRejected:
			return nil
		}
	}
	return InvalidTransitionError{Entity: "proposal", From: string(oldStatus), To: string(newStatus)}
}

// closedError explains why an active-looking request refused a write.
func closedError(req domain.HiringRequest) error {
	switch req.Status {
	case domain.RequestFulfilled:
		return RequestAlreadyFulfilledError{RequestID: req.ID, AcceptedProposalID: req.AcceptedProposalID}
	case domain.RequestActive:
		return RequestClosedError{RequestID: req.ID, Status: domain.RequestExpired}
	default:
		return RequestClosedError{RequestID: req.ID, Status: req.Status}
	}
}
