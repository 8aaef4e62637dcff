package repo

import (
	"context"
	"database/sql"

	sq "github.com/Masterminds/squirrel"

	"buscart/internal/domain"
)

var eventColumns = []string{"id", "ts", "type", "request_id", "entity_kind", "entity_id", "actor_id", "payload_json"}

func scanEvents(rows *sql.Rows) ([]domain.Event, error) {
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var (
			e                   domain.Event
			requestID, entityID sql.NullString
			payload             sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &requestID, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		e.RequestID = requestID.String
		e.EntityID = entityID.String
		e.Payload = payload.String
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEvents returns the newest events first, optionally for one request.
func (r Repo) LatestEvents(ctx context.Context, limit int, requestID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	b := r.sb().Select(eventColumns...).From("events")
	if requestID != "" {
		b = b.Where(sq.Eq{"request_id": requestID})
	}
	rows, err := queryStmt(ctx, r.DB, b.OrderBy("id DESC").Limit(uint64(limit)))
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	b := r.sb().Select(eventColumns...).From("events")
	if cursor > 0 {
		b = b.Where(sq.Gt{"id": cursor})
	}
	rows, err := queryStmt(ctx, r.DB, b.OrderBy("id ASC").Limit(uint64(limit)))
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// LatestEventID returns the most recent event ID.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}
