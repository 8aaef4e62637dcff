package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"

	"buscart/internal/config"
	"buscart/internal/domain"
	"buscart/internal/log"
	"buscart/internal/metrics"
)

const (
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookAttempts = 3
	queueSize              = 256
)

// Dispatcher posts outbox events to the configured notification webhooks.
// Each hook has its own queue and worker so a slow endpoint only delays
// itself.
type Dispatcher struct {
	hooks  []hookWorker
	client *http.Client
}

type hookWorker struct {
	cfg    config.WebhookConfig
	filter eventFilter
	queue  chan domain.Event
}

// NewDispatcher returns a dispatcher for the enabled hooks, or nil when none
// are enabled.
func NewDispatcher(hooks []config.WebhookConfig) *Dispatcher {
	d := &Dispatcher{client: &http.Client{Timeout: defaultWebhookTimeout}}
	for _, hook := range hooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.hooks = append(d.hooks, hookWorker{
			cfg:    hook,
			filter: newEventFilter(hook.Events),
			queue:  make(chan domain.Event, queueSize),
		})
	}
	if len(d.hooks) == 0 {
		return nil
	}
	return d
}

// Deliver queues evt for every hook whose filter matches. A full queue drops
// the event for that hook.
func (d *Dispatcher) Deliver(ctx context.Context, evt domain.Event) error {
	for _, h := range d.hooks {
		if !h.filter.match(evt.Type) {
			continue
		}
		select {
		case h.queue <- evt:
		default:
			metrics.WebhookDeliveriesTotal.WithLabelValues("dropped").Inc()
			l := log.FromContext(ctx, "notify")
			l.Warn().Str("url", h.cfg.URL).Int64("event_id", evt.ID).Msg("webhook queue full")
		}
	}
	return nil
}

// Run drains the hook queues until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, h := range d.hooks {
		g.Go(func() error {
			d.work(ctx, h)
			return nil
		})
	}
	return g.Wait()
}

func (d *Dispatcher) work(ctx context.Context, h hookWorker) {
	l := log.FromContext(ctx, "notify")
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-h.queue:
			if err := d.deliverWithRetry(ctx, h.cfg, evt); err != nil {
				metrics.WebhookDeliveriesTotal.WithLabelValues("failed").Inc()
				if ctx.Err() == nil {
					l.Error().Err(err).Str("url", h.cfg.URL).Int64("event_id", evt.ID).Msg("webhook delivery failed")
				}
				continue
			}
			metrics.WebhookDeliveriesTotal.WithLabelValues("delivered").Inc()
		}
	}
}

func (d *Dispatcher) deliverWithRetry(ctx context.Context, hook config.WebhookConfig, evt domain.Event) error {
	attempts := hook.MaxAttempts
	if attempts <= 0 {
		attempts = defaultWebhookAttempts
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, d.postEvent(ctx, hook, evt)
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(attempts)))
	return err
}

type webhookEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	RequestID  string          `json:"request_id,omitempty"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
	PayloadRaw string          `json:"payload_raw,omitempty"`
}

func (d *Dispatcher) postEvent(ctx context.Context, hook config.WebhookConfig, evt domain.Event) error {
	payload := json.RawMessage([]byte("{}"))
	var raw string
	if evt.Payload != "" {
		if json.Valid([]byte(evt.Payload)) {
			payload = json.RawMessage([]byte(evt.Payload))
		} else {
			raw = evt.Payload
		}
	}
	data, err := json.Marshal(webhookEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		RequestID:  evt.RequestID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    payload,
		PayloadRaw: raw,
	})
	if err != nil {
		return backoff.Permanent(err)
	}
	timeout := defaultWebhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	client := d.client
	if timeout != d.client.Timeout {
		client = &http.Client{Timeout: timeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Buscart-Event", evt.Type)
	req.Header.Set("X-Buscart-Delivery", strconv.FormatInt(evt.ID, 10))
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Buscart-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		err := fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
		if res.StatusCode >= 400 && res.StatusCode < 500 && res.StatusCode != http.StatusTooManyRequests {
			return backoff.Permanent(err)
		}
		return err
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	if len(events) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
