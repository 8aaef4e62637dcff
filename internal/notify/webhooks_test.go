package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"buscart/internal/config"
	"buscart/internal/domain"
)

func TestDispatcherPostsMatchingEvents(t *testing.T) {
	received := make(chan webhookEvent, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "s3cret", r.Header.Get("X-Buscart-Secret"))
		require.Equal(t, "request.fulfilled", r.Header.Get("X-Buscart-Event"))
		var body webhookEvent
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		received <- body
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d := NewDispatcher([]config.WebhookConfig{{URL: srv.URL, Events: []string{"request.fulfilled"}, Secret: "s3cret"}})
	require.NotNil(t, d)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	require.NoError(t, d.Deliver(ctx, domain.Event{ID: 1, Type: domain.EventProposalReceived, RequestID: "req-1"}))
	require.NoError(t, d.Deliver(ctx, domain.Event{ID: 2, Type: domain.EventRequestFulfilled, RequestID: "req-1", Payload: `{"status":"fulfilled"}`}))

	select {
	case got := <-received:
		require.Equal(t, int64(2), got.ID)
		require.JSONEq(t, `{"status":"fulfilled"}`, string(got.Payload))
	case <-time.After(2 * time.Second):
		t.Fatal("webhook not delivered")
	}
	select {
	case extra := <-received:
		t.Fatalf("filtered event delivered: %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDeliverWithRetryRecoversFromServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewDispatcher([]config.WebhookConfig{{URL: srv.URL, MaxAttempts: 3}})
	err := d.deliverWithRetry(context.Background(), d.hooks[0].cfg, domain.Event{ID: 1, Type: domain.EventRequestExpired})
	require.NoError(t, err)
	require.Equal(t, int32(2), calls.Load())
}

func TestDeliverWithRetryStopsOnClientError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	d := NewDispatcher([]config.WebhookConfig{{URL: srv.URL, MaxAttempts: 5}})
	err := d.deliverWithRetry(context.Background(), d.hooks[0].cfg, domain.Event{ID: 1, Type: domain.EventRequestExpired})
	require.Error(t, err)
	require.Equal(t, int32(1), calls.Load())
}

func TestNewDispatcherSkipsDisabledHooks(t *testing.T) {
	off := false
	require.Nil(t, NewDispatcher(nil))
	require.Nil(t, NewDispatcher([]config.WebhookConfig{{URL: "http://example.invalid", Enabled: &off}}))
}

func TestEventFilter(t *testing.T) {
	f := newEventFilter([]string{" proposal.accepted ", ""})
	require.True(t, f.match("proposal.accepted"))
	require.False(t, f.match("proposal.rejected"))
	require.True(t, newEventFilter(nil).match("anything"))
}
