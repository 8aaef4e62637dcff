package repo

import (
	"context"
	"database/sql"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/shopspring/decimal"

	"buscart/internal/domain"
)

var proposalColumns = []string{"id", "request_id", "artist_id", "price", "message", "status", "created_at", "updated_at"}

func scanProposal(row rowScanner) (domain.Proposal, error) {
	var (
		p       domain.Proposal
		price   string
		message sql.NullString
		status  string
	)
	err := row.Scan(&p.ID, &p.RequestID, &p.ArtistID, &price, &message, &status, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.Price, err = decimal.NewFromString(price)
	if err != nil {
		return p, fmt.Errorf("price: %w", err)
	}
	p.Message = message.String
	p.Status = domain.ProposalStatus(status)
	return p, nil
}

func (r Repo) InsertProposal(ctx context.Context, tx *sql.Tx, p domain.Proposal) error {
	_, err := execStmt(ctx, tx, r.sb().Insert("proposals").Columns(proposalColumns...).Values(
		p.ID, p.RequestID, p.ArtistID, p.Price.String(), nullable(p.Message), string(p.Status), p.CreatedAt, p.UpdatedAt,
	))
	return err
}

func (r Repo) GetProposal(ctx context.Context, q Querier, id string) (domain.Proposal, error) {
	row, err := queryRowStmt(ctx, r.q(q), r.sb().Select(proposalColumns...).From("proposals").Where(sq.Eq{"id": id}))
	if err != nil {
		return domain.Proposal{}, err
	}
	return scanProposal(row)
}

// ListProposals returns every proposal on a request, newest-first.
func (r Repo) ListProposals(ctx context.Context, q Querier, requestID string) ([]domain.Proposal, error) {
	rows, err := queryStmt(ctx, r.q(q), r.sb().Select(proposalColumns...).From("proposals").
		Where(sq.Eq{"request_id": requestID}).
		OrderBy("created_at DESC", "id DESC"))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Proposal{}
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// LiveProposalFor returns the artist's non-rejected proposal on a request.
func (r Repo) LiveProposalFor(ctx context.Context, q Querier, requestID, artistID string) (domain.Proposal, error) {
	row, err := queryRowStmt(ctx, r.q(q), r.sb().Select(proposalColumns...).From("proposals").
		Where(sq.Eq{"request_id": requestID, "artist_id": artistID}).
		Where(sq.NotEq{"status": string(domain.ProposalRejected)}).
		Limit(1))
	if err != nil {
		return domain.Proposal{}, err
	}
	return scanProposal(row)
}

// TransitionProposal sets the status when the current status is one of from.
func (r Repo) TransitionProposal(ctx context.Context, tx *sql.Tx, id, requestID string, to domain.ProposalStatus, from []domain.ProposalStatus, now string) (bool, error) {
	return affected(ctx, tx, r.sb().Update("proposals").
		Set("status", string(to)).
		Set("updated_at", now).
		Where(sq.Eq{"id": id, "request_id": requestID, "status": statusStrings(from)}))
}

// RejectOpenSiblings rejects every pending or negotiating proposal on the
// request except keepID and returns the ids it changed.
func (r Repo) RejectOpenSiblings(ctx context.Context, tx *sql.Tx, requestID, keepID, now string) ([]string, error) {
	rows, err := queryStmt(ctx, tx, r.sb().Update("proposals").
		Set("status", string(domain.ProposalRejected)).
		Set("updated_at", now).
		Where(sq.Eq{"request_id": requestID, "status": statusStrings(OpenProposalStatuses)}).
		Where(sq.NotEq{"id": keepID}).
		Suffix("RETURNING id"))
	if err != nil {
		return nil, err
	}
	return scanIDs(rows)
}

// OpenProposalStatuses are the statuses a client can still act on.
var OpenProposalStatuses = []domain.ProposalStatus{domain.ProposalPending, domain.ProposalNegotiating}

func statusStrings(in []domain.ProposalStatus) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}
