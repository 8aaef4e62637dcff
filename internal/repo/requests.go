package repo

import (
	"context"
	"database/sql"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/shopspring/decimal"

	"buscart/internal/domain"
)

var requestColumns = []string{
	"id", "client_id", "category_id", "city", "city_key", "description",
	"budget_min", "budget_max", "event_date", "event_time", "details",
	"status", "response_count", "accepted_proposal_id",
	"created_at", "updated_at", "expires_at",
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (domain.HiringRequest, error) {
	var (
		r                    domain.HiringRequest
		budgetMin, budgetMax sql.NullString
		eventTime, details   sql.NullString
		accepted             sql.NullString
		status               string
	)
	err := row.Scan(&r.ID, &r.ClientID, &r.CategoryID, &r.City, &r.CityKey, &r.Description,
		&budgetMin, &budgetMax, &r.EventDate, &eventTime, &details,
		&status, &r.ResponseCount, &accepted,
		&r.CreatedAt, &r.UpdatedAt, &r.ExpiresAt)
	if err == sql.ErrNoRows {
		return r, ErrNotFound
	}
	if err != nil {
		return r, err
	}
	r.Status = domain.RequestStatus(status)
	r.EventTime = eventTime.String
	r.Details = details.String
	r.AcceptedProposalID = accepted.String
	if r.BudgetMin, err = parseDecimal(budgetMin); err != nil {
		return r, fmt.Errorf("budget_min: %w", err)
	}
	if r.BudgetMax, err = parseDecimal(budgetMax); err != nil {
		return r, fmt.Errorf("budget_max: %w", err)
	}
	return r, nil
}

func parseDecimal(v sql.NullString) (*decimal.Decimal, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(v.String)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func decimalArg(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return d.String()
}

func (r Repo) InsertRequest(ctx context.Context, tx *sql.Tx, req domain.HiringRequest) error {
	_, err := execStmt(ctx, tx, r.sb().Insert("hiring_requests").Columns(requestColumns...).Values(
		req.ID, req.ClientID, req.CategoryID, req.City, req.CityKey, req.Description,
		decimalArg(req.BudgetMin), decimalArg(req.BudgetMax), req.EventDate, nullable(req.EventTime), nullable(req.Details),
		string(req.Status), req.ResponseCount, nullable(req.AcceptedProposalID),
		req.CreatedAt, req.UpdatedAt, req.ExpiresAt,
	))
	return err
}

// GetRequest reads a request through q, or the pool when q is nil.
func (r Repo) GetRequest(ctx context.Context, q Querier, id string) (domain.HiringRequest, error) {
	row, err := queryRowStmt(ctx, r.q(q), r.sb().Select(requestColumns...).From("hiring_requests").Where(sq.Eq{"id": id}))
	if err != nil {
		return domain.HiringRequest{}, err
	}
	return scanRequest(row)
}

// RequestFilter narrows ListActiveRequests. Empty fields do not filter.
type RequestFilter struct {
	CategoryID string
	CityKey    string
	ClientID   string
	ArtistID   string
	Now        string
	Limit      int

	CursorCreatedAt string
	CursorID        string
}

// ListActiveRequests returns active, unexpired requests newest-first.
func (r Repo) ListActiveRequests(ctx context.Context, f RequestFilter) ([]domain.HiringRequest, error) {
	cols := make([]string, len(requestColumns))
	for i, c := range requestColumns {
		cols[i] = "hr." + c
	}
	b := r.sb().Select(cols...).From("hiring_requests hr").
		Where(sq.Eq{"hr.status": string(domain.RequestActive)}).
		Where(sq.Gt{"hr.expires_at": f.Now})
	if f.CategoryID != "" {
		b = b.Where(sq.Eq{"hr.category_id": f.CategoryID})
	}
	if f.CityKey != "" {
		b = b.Where(sq.Eq{"hr.city_key": f.CityKey})
	}
	if f.ClientID != "" {
		b = b.Where(sq.Eq{"hr.client_id": f.ClientID})
	}
	if f.ArtistID != "" {
		b = b.Join("request_recipients rr ON rr.request_id = hr.id").Where(sq.Eq{"rr.artist_id": f.ArtistID})
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		b = b.Where(sq.Or{
			sq.Lt{"hr.created_at": f.CursorCreatedAt},
			sq.And{sq.Eq{"hr.created_at": f.CursorCreatedAt}, sq.Lt{"hr.id": f.CursorID}},
		})
	}
	b = b.OrderBy("hr.created_at DESC", "hr.id DESC")
	if f.Limit > 0 {
		b = b.Limit(uint64(f.Limit))
	}
	rows, err := queryStmt(ctx, r.DB, b)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.HiringRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, req)
	}
	return res, rows.Err()
}

// IncrementResponseCount bumps the counter only while the request is open.
// It reports false when the request is closed or expired.
func (r Repo) IncrementResponseCount(ctx context.Context, tx *sql.Tx, id, now string) (bool, error) {
	return affected(ctx, tx, r.sb().Update("hiring_requests").
		Set("response_count", sq.Expr("response_count + 1")).
		Set("updated_at", now).
		Where(sq.Eq{"id": id, "status": string(domain.RequestActive)}).
		Where(sq.Gt{"expires_at": now}))
}

// FulfillRequest moves an open request to fulfilled, recording the winner.
func (r Repo) FulfillRequest(ctx context.Context, tx *sql.Tx, id, proposalID, now string) (bool, error) {
	return affected(ctx, tx, r.sb().Update("hiring_requests").
		Set("status", string(domain.RequestFulfilled)).
		Set("accepted_proposal_id", proposalID).
		Set("updated_at", now).
		Where(sq.Eq{"id": id, "status": string(domain.RequestActive)}).
		Where(sq.Gt{"expires_at": now}))
}

// CancelRequest moves an open request to cancelled.
func (r Repo) CancelRequest(ctx context.Context, tx *sql.Tx, id, now string) (bool, error) {
	return affected(ctx, tx, r.sb().Update("hiring_requests").
		Set("status", string(domain.RequestCancelled)).
		Set("updated_at", now).
		Where(sq.Eq{"id": id, "status": string(domain.RequestActive)}).
		Where(sq.Gt{"expires_at": now}))
}

// ExpireRequest moves an active request whose expiry has passed to expired.
func (r Repo) ExpireRequest(ctx context.Context, tx *sql.Tx, id, now string) (bool, error) {
	return affected(ctx, tx, r.sb().Update("hiring_requests").
		Set("status", string(domain.RequestExpired)).
		Set("updated_at", now).
		Where(sq.Eq{"id": id, "status": string(domain.RequestActive)}).
		Where(sq.LtOrEq{"expires_at": now}))
}

// DueRequestIDs lists active requests whose expiry is at or before now.
func (r Repo) DueRequestIDs(ctx context.Context, q Querier, now string, limit int) ([]string, error) {
	b := r.sb().Select("id").From("hiring_requests").
		Where(sq.Eq{"status": string(domain.RequestActive)}).
		Where(sq.LtOrEq{"expires_at": now}).
		OrderBy("expires_at ASC", "id ASC")
	if limit > 0 {
		b = b.Limit(uint64(limit))
	}
	rows, err := queryStmt(ctx, r.q(q), b)
	if err != nil {
		return nil, err
	}
	return scanIDs(rows)
}

func (r Repo) InsertRecipients(ctx context.Context, tx *sql.Tx, requestID string, artistIDs []string) error {
	if len(artistIDs) == 0 {
		return nil
	}
	b := r.sb().Insert("request_recipients").Columns("request_id", "artist_id")
	for _, id := range artistIDs {
		b = b.Values(requestID, id)
	}
	_, err := execStmt(ctx, tx, b)
	return err
}

func (r Repo) ListRecipients(ctx context.Context, q Querier, requestID string) ([]string, error) {
	rows, err := queryStmt(ctx, r.q(q), r.sb().Select("artist_id").From("request_recipients").
		Where(sq.Eq{"request_id": requestID}).OrderBy("artist_id"))
	if err != nil {
		return nil, err
	}
	return scanIDs(rows)
}

func (r Repo) IsRecipient(ctx context.Context, q Querier, requestID, artistID string) (bool, error) {
	row, err := queryRowStmt(ctx, r.q(q), r.sb().Select("1").From("request_recipients").
		Where(sq.Eq{"request_id": requestID, "artist_id": artistID}).Limit(1))
	if err != nil {
		return false, err
	}
	var n int
	err = row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}
