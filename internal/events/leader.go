package events

import (
	"context"
	"database/sql"
	"sync"
)

// relayLockKey is the PostgreSQL session advisory lock held by the relaying
// process.
const relayLockKey int64 = 0x62757363617275

// Leader decides which process relays when several share one event log.
type Leader interface {
	// Hold acquires or renews leadership and reports whether it is held.
	Hold(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// AdvisoryLeader elects the relay with a PostgreSQL session advisory lock.
// The lock lives as long as the dedicated connection that took it.
type AdvisoryLeader struct {
	DB *sql.DB

	mu   sync.Mutex
	conn *sql.Conn
}

func (l *AdvisoryLeader) Hold(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != nil {
		if err := l.conn.PingContext(ctx); err == nil {
			return true, nil
		}
		_ = l.conn.Close()
		l.conn = nil
	}
	conn, err := l.DB.Conn(ctx)
	if err != nil {
		return false, err
	}
	var ok bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, relayLockKey).Scan(&ok); err != nil {
		_ = conn.Close()
		return false, err
	}
	if !ok {
		return false, conn.Close()
	}
	l.conn = conn
	return true, nil
}

func (l *AdvisoryLeader) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil
	}
	_, err := l.conn.ExecContext(ctx, `SELECT pg_advisory_unlock($1)`, relayLockKey)
	_ = l.conn.Close()
	l.conn = nil
	return err
}
