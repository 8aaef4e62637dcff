package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"buscart/internal/db"
	"buscart/internal/domain"
)

// outboxLockKey is the PostgreSQL advisory lock taken by every transaction
// that writes to the outbox.
const outboxLockKey int64 = 0x62757363617274

// Writer appends semantic events to the outbox table inside the caller's
// transaction, so an event exists exactly when its state change commits.
type Writer struct {
	Dialect db.Dialect
	Now     func() time.Time
}

type EventPayload map[string]any

// Lock serializes outbox writers until tx ends. On PostgreSQL event ids are
// drawn from a sequence at insert time, so without it a later id can commit
// before an earlier one and the relay would step over the earlier event.
// SQLite transactions are already exclusive. Lock is safe to call more than
// once per transaction; callers should call it first so the lock is never
// awaited while holding row locks.
func (w Writer) Lock(ctx context.Context, tx *sql.Tx) error {
	if w.Dialect != db.Postgres {
		return nil
	}
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, outboxLockKey); err != nil {
		return fmt.Errorf("lock outbox: %w", err)
	}
	return nil
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, requestID, entityKind, entityID, actorID string, payload EventPayload) error {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	if err := w.Lock(ctx, tx); err != nil {
		return err
	}
	query, args, err := sq.Insert("events").
		Columns("ts", "type", "request_id", "entity_kind", "entity_id", "actor_id", "payload_json").
		Values(domain.FormatTime(now()), evtType, nullable(requestID), entityKind, nullable(entityID), actorID, string(data)).
		PlaceholderFormat(placeholderFormat(w.Dialect)).
		ToSql()
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, query, args...)
	return err
}

func placeholderFormat(dialect db.Dialect) sq.PlaceholderFormat {
	if dialect == db.Postgres {
		return sq.Dollar
	}
	return sq.Question
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
