package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"buscart/internal/domain"
	"buscart/internal/engine/auth"
	"buscart/internal/events"
	"buscart/internal/log"
	"buscart/internal/matcher"
	"buscart/internal/metrics"
	"buscart/internal/repo"
)

// CreateRequestInput carries the client-supplied fields of a new request.
type CreateRequestInput struct {
	CategoryID  string           `json:"category_id" validate:"required"`
	City        string           `json:"city" validate:"required,max=120"`
	Description string           `json:"description" validate:"max=2000"`
	BudgetMin   *decimal.Decimal `json:"budget_min"`
	BudgetMax   *decimal.Decimal `json:"budget_max"`
	EventDate   string           `json:"event_date" validate:"required,datetime=2006-01-02"`
	EventTime   string           `json:"event_time" validate:"omitempty,datetime=15:04"`
	Details     string           `json:"details" validate:"max=4000"`
}

func (in *CreateRequestInput) normalize() {
	in.CategoryID = strings.TrimSpace(in.CategoryID)
	in.City = strings.TrimSpace(in.City)
	in.Description = strings.TrimSpace(in.Description)
	in.EventDate = strings.TrimSpace(in.EventDate)
	in.EventTime = strings.TrimSpace(in.EventTime)
	in.Details = strings.TrimSpace(in.Details)
}

func (e Engine) validateCreate(ctx context.Context, in CreateRequestInput) error {
	fields := validateStruct(in)
	if in.BudgetMin != nil && in.BudgetMin.IsNegative() {
		fields["budget_min"] = "must not be negative"
	}
	if in.BudgetMax != nil && in.BudgetMax.IsNegative() {
		fields["budget_max"] = "must not be negative"
	}
	if in.BudgetMin != nil && in.BudgetMax != nil && in.BudgetMin.GreaterThan(*in.BudgetMax) {
		fields["budget_min"] = "must not exceed budget_max"
	}
	if _, bad := fields["event_date"]; !bad {
		date, err := time.Parse(domain.DateLayout, in.EventDate)
		today := e.now().Format(domain.DateLayout)
		if err == nil && date.Format(domain.DateLayout) < today {
			fields["event_date"] = "must not be in the past"
		}
	}
	if _, bad := fields["category_id"]; !bad {
		if _, err := e.Repo.GetCategory(ctx, nil, in.CategoryID); err != nil {
			if !errors.Is(err, repo.ErrNotFound) {
				return err
			}
			fields["category_id"] = "is not a known category"
		}
	}
	if len(fields) > 0 {
		return ValidationError{Fields: fields}
	}
	return nil
}

// CreateRequest validates and stores a new active request, snapshotting the
// eligible artists at creation time.
func (e Engine) CreateRequest(ctx context.Context, in CreateRequestInput, actor auth.Actor) (req domain.HiringRequest, err error) {
	ctx, span := startSpan(ctx, "engine.CreateRequest", attribute.String("actor.id", actor.ID))
	defer func() { endSpan(span, err) }()

	if err := auth.Require(actor, auth.RoleClient); err != nil {
		return domain.HiringRequest{}, err
	}
	in.normalize()
	if err := e.validateCreate(ctx, in); err != nil {
		return domain.HiringRequest{}, err
	}
	now := e.now()
	nowStr := domain.FormatTime(now)
	req = domain.HiringRequest{
		ID:          e.newID(),
		ClientID:    actor.ID,
		CategoryID:  in.CategoryID,
		City:        in.City,
		CityKey:     matcher.NormalizeCity(in.City),
		Description: in.Description,
		BudgetMin:   in.BudgetMin,
		BudgetMax:   in.BudgetMax,
		EventDate:   in.EventDate,
		EventTime:   in.EventTime,
		Details:     in.Details,
		Status:      domain.RequestActive,
		CreatedAt:   nowStr,
		UpdatedAt:   nowStr,
		ExpiresAt:   domain.FormatTime(now.Add(e.ttl())),
	}
	artists, err := e.Repo.ListArtists(ctx, nil, req.CategoryID)
	if err != nil {
		return domain.HiringRequest{}, fmt.Errorf("load artists: %w", err)
	}
	req.EligibleArtists = matcher.MatchArtists(req, artists)

	tx, err := e.beginTx(ctx)
	if err != nil {
		return domain.HiringRequest{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertRequest(ctx, tx, req); err != nil {
		return domain.HiringRequest{}, fmt.Errorf("insert request: %w", err)
	}
	if err := e.Repo.InsertRecipients(ctx, tx, req.ID, req.EligibleArtists); err != nil {
		return domain.HiringRequest{}, fmt.Errorf("insert recipients: %w", err)
	}
	if err := e.appendEvent(ctx, tx, domain.EventRequestCreated, req.ID, "request", req.ID, actor.ID, events.EventPayload{
		"status":           req.Status,
		"category_id":      req.CategoryID,
		"city":             req.City,
		"expires_at":       req.ExpiresAt,
		"eligible_artists": req.EligibleArtists,
	}); err != nil {
		return domain.HiringRequest{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.HiringRequest{}, err
	}
	metrics.RequestsCreatedTotal.Inc()
	if len(req.EligibleArtists) == 0 {
		metrics.RequestsWithoutArtistsTotal.Inc()
	}
	l := log.FromContext(ctx, "engine")
	l.Info().Str("request_id", req.ID).Int("eligible_artists", len(req.EligibleArtists)).Msg("request created")
	return req, nil
}

// ActiveQuery narrows GetActiveRequests. Empty fields do not filter.
type ActiveQuery struct {
	CategoryID string
	City       string
	ClientID   string
	ArtistID   string
	Limit      int

	CursorCreatedAt string
	CursorID        string
}

// GetActiveRequests lists active, unexpired requests newest-first.
func (e Engine) GetActiveRequests(ctx context.Context, q ActiveQuery) ([]domain.HiringRequest, error) {
	f := repo.RequestFilter{
		CategoryID:      strings.TrimSpace(q.CategoryID),
		ClientID:        q.ClientID,
		ArtistID:        q.ArtistID,
		Now:             domain.FormatTime(e.now()),
		Limit:           q.Limit,
		CursorCreatedAt: q.CursorCreatedAt,
		CursorID:        q.CursorID,
	}
	if strings.TrimSpace(q.City) != "" {
		f.CityKey = matcher.NormalizeCity(q.City)
	}
	items, err := e.Repo.ListActiveRequests(ctx, f)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []domain.HiringRequest{}
	}
	return items, nil
}

// GetRequest returns a request with its eligible artists.
func (e Engine) GetRequest(ctx context.Context, id string) (domain.HiringRequest, error) {
	req, err := e.Repo.GetRequest(ctx, nil, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return req, NotFoundError{Kind: "request", ID: id}
		}
		return req, err
	}
	recipients, err := e.Repo.ListRecipients(ctx, nil, id)
	if err != nil {
		return req, err
	}
	req.EligibleArtists = recipients
	return req, nil
}

// RequestForActor returns a request the actor may see: its owner, or an
// artist it was distributed to.
func (e Engine) RequestForActor(ctx context.Context, id string, actor auth.Actor) (domain.HiringRequest, error) {
	req, err := e.GetRequest(ctx, id)
	if err != nil {
		return req, err
	}
	if err := e.ensureCanView(req, actor); err != nil {
		return domain.HiringRequest{}, err
	}
	if actor.Role == auth.RoleArtist {
		req.EligibleArtists = nil
	}
	return req, nil
}

func (e Engine) ensureCanView(req domain.HiringRequest, actor auth.Actor) error {
	switch actor.Role {
	case auth.RoleClient:
		if req.ClientID == actor.ID {
			return nil
		}
	case auth.RoleArtist:
		if !e.Config.EligibilityEnforced() {
			return nil
		}
		for _, id := range req.EligibleArtists {
			if id == actor.ID {
				return nil
			}
		}
	}
	return AuthorizationError{ActorID: actor.ID, RequestID: req.ID, Reason: "not a participant"}
}
