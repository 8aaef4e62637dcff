package events_test

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"buscart/internal/db"
	"buscart/internal/domain"
	"buscart/internal/events"
	"buscart/internal/migrate"
	"buscart/internal/repo"
)

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn, db.SQLite))
	return conn
}

func appendEvent(t *testing.T, conn *sql.DB, evtType, requestID string) {
	t.Helper()
	w := events.Writer{Dialect: db.SQLite, Now: func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }}
	tx, err := conn.Begin()
	require.NoError(t, err)
	require.NoError(t, w.Append(context.Background(), tx, evtType, requestID, "request", requestID, "tester", events.EventPayload{"status": "active"}))
	require.NoError(t, tx.Commit())
}

type recorder struct {
	mu   sync.Mutex
	seen []int64
}

func (r *recorder) Deliver(_ context.Context, evt domain.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, evt.ID)
	return nil
}

func TestRelaySkipsHistoryAndDeliversInOrder(t *testing.T) {
	conn := openDB(t)
	ctx := context.Background()
	appendEvent(t, conn, domain.EventRequestCreated, "old")

	rec := &recorder{}
	relay := &events.Relay{Repo: repo.New(conn, db.SQLite), Batch: 2, Sinks: []events.Sink{rec}}
	require.NoError(t, relay.Start(ctx))
	start := relay.Cursor()
	require.Positive(t, start)

	for i := 0; i < 3; i++ {
		appendEvent(t, conn, domain.EventRequestExpired, "req")
	}
	n, err := relay.Poll(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	n, err = relay.Poll(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.Equal(t, []int64{start + 1, start + 2, start + 3}, rec.seen)
	require.Equal(t, start+3, relay.Cursor())
}

func TestRelayAdvancesPastFailingSink(t *testing.T) {
	conn := openDB(t)
	ctx := context.Background()
	rec := &recorder{}
	failing := events.SinkFunc(func(context.Context, domain.Event) error { return errors.New("boom") })
	relay := &events.Relay{Repo: repo.New(conn, db.SQLite), Sinks: []events.Sink{failing, rec}}
	require.NoError(t, relay.Start(ctx))

	appendEvent(t, conn, domain.EventRequestCancelled, "req")
	n, err := relay.Poll(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Len(t, rec.seen, 1)

	n, err = relay.Poll(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestRelayRunStopsOnCancel(t *testing.T) {
	conn := openDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	relay := &events.Relay{Repo: repo.New(conn, db.SQLite), Interval: 10 * time.Millisecond}
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not stop")
	}
}

type switchLeader struct {
	held     atomic.Bool
	released atomic.Int32
}

func (s *switchLeader) Hold(context.Context) (bool, error) { return s.held.Load(), nil }

func (s *switchLeader) Release(context.Context) error {
	s.released.Add(1)
	return nil
}

func (r *recorder) snapshot() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.seen...)
}

func TestRelayDeliversOnlyWhileLeading(t *testing.T) {
	conn := openDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	rec := &recorder{}
	leader := &switchLeader{}
	relay := &events.Relay{Repo: repo.New(conn, db.SQLite), Interval: 5 * time.Millisecond, Sinks: []events.Sink{rec}, Leader: leader}
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()

	appendEvent(t, conn, domain.EventRequestCreated, "standby")
	time.Sleep(50 * time.Millisecond)
	require.Empty(t, rec.snapshot())
	require.False(t, relay.Leading())

	leader.held.Store(true)
	require.Eventually(t, relay.Leading, 2*time.Second, 5*time.Millisecond)
	takeover := relay.Cursor()
	appendEvent(t, conn, domain.EventRequestCancelled, "leader")
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, []int64{takeover + 1}, rec.snapshot())

	cancel()
	require.NoError(t, <-done)
	require.Equal(t, int32(1), leader.released.Load())
}
