package buscartsdk

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// State is the connection state of a live update Channel.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	// StateDegraded is terminal: retries are exhausted and the caller should
	// fall back to polling ListProposals.
	StateDegraded State = "degraded"
)

const (
	EventNewProposal   = "new_proposal"
	EventStatusUpdate  = "status_update"
	EventRequestUpdate = "request_update"
	eventConnected     = "connected"
)

// LiveEvent is one update pushed for a request.
type LiveEvent struct {
	Type       string    `json:"type"`
	EventID    int64     `json:"eventId,omitempty"`
	Proposal   *Proposal `json:"proposal,omitempty"`
	ProposalID string    `json:"proposalId,omitempty"`
	RequestID  string    `json:"requestId,omitempty"`
	Status     string    `json:"status,omitempty"`
}

// ChannelOptions tunes reconnects and lifecycle callbacks.
type ChannelOptions struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// OnConnected runs after every successful (re)connect. Updates sent while
	// disconnected are not replayed, so callers re-fetch proposals here.
	OnConnected   func()
	OnStateChange func(State)
}

func (o ChannelOptions) withDefaults() ChannelOptions {
	if o.MaxRetries <= 0 {
		o.MaxRetries = 5
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = 500 * time.Millisecond
	}
	if o.MaxBackoff < o.InitialBackoff {
		o.MaxBackoff = 15 * time.Second
		if o.MaxBackoff < o.InitialBackoff {
			o.MaxBackoff = o.InitialBackoff
		}
	}
	return o
}

// Channel streams live updates for one request at a time.
type Channel struct {
	client *Client
	opts   ChannelOptions
	http   *http.Client

	mu      sync.Mutex
	state   State
	lastErr error
}

// Channel returns a live update channel using the client's credentials.
func (c *Client) Channel(opts ChannelOptions) *Channel {
	// Streams are long lived, so the request timeout of c.HTTPClient must not apply.
	hc := &http.Client{}
	if c.HTTPClient != nil {
		hc.Transport = c.HTTPClient.Transport
	}
	return &Channel{client: c, opts: opts.withDefaults(), http: hc, state: StateDisconnected}
}

func (ch *Channel) State() State {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.state
}

// Err returns the last connection error, if any.
func (ch *Channel) Err() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.lastErr
}

func (ch *Channel) setState(s State) {
	ch.mu.Lock()
	changed := ch.state != s
	ch.state = s
	ch.mu.Unlock()
	if changed && ch.opts.OnStateChange != nil {
		ch.opts.OnStateChange(s)
	}
}

func (ch *Channel) setErr(err error) {
	ch.mu.Lock()
	ch.lastErr = err
	ch.mu.Unlock()
}

// Subscribe connects to requestID's update stream and calls onEvent for each
// update until ctx is done or unsubscribe is called. unsubscribe blocks until
// the connection loop has exited.
func (ch *Channel) Subscribe(ctx context.Context, requestID string, onEvent func(LiveEvent)) (unsubscribe func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ch.run(ctx, requestID, onEvent)
	}()
	var once sync.Once
	return func() {
		once.Do(cancel)
		<-done
	}
}

func (ch *Channel) run(ctx context.Context, requestID string, onEvent func(LiveEvent)) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = ch.opts.InitialBackoff
	b.MaxInterval = ch.opts.MaxBackoff
	failures := 0
	for {
		ch.setState(StateConnecting)
		err := ch.stream(ctx, requestID, onEvent, func() {
			failures = 0
			b.Reset()
			ch.setState(StateConnected)
			if ch.opts.OnConnected != nil {
				ch.opts.OnConnected()
			}
		})
		if ctx.Err() != nil {
			ch.setState(StateDisconnected)
			return
		}
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		ch.setErr(err)
		ch.setState(StateDisconnected)

		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			ch.setState(StateDegraded)
			return
		}
		failures++
		if failures > ch.opts.MaxRetries {
			ch.setState(StateDegraded)
			return
		}
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			ch.setState(StateDegraded)
			return
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// stream holds one connection open and returns when it ends. Client errors
// other than 429 are permanent.
func (ch *Channel) stream(ctx context.Context, requestID string, onEvent func(LiveEvent), onConnected func()) error {
	endpoint := ch.client.url("requests/" + url.PathEscape(requestID) + "/events")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Accept", "text/event-stream")
	ch.client.authorize(req)
	resp, err := ch.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		apiErr := decodeAPIError(resp)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return backoff.Permanent(apiErr)
		}
		return apiErr
	}

	reader := bufio.NewReader(resp.Body)
	var name string
	var data strings.Builder
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return err
		}
		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "":
			if data.Len() > 0 {
				if err := dispatch(name, data.String(), onEvent, onConnected); err != nil {
					return err
				}
			}
			name = ""
			data.Reset()
		case strings.HasPrefix(line, ":"):
			// comment / keep-alive
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
}

func dispatch(name, data string, onEvent func(LiveEvent), onConnected func()) error {
	if name == eventConnected {
		onConnected()
		return nil
	}
	var evt LiveEvent
	if err := json.Unmarshal([]byte(data), &evt); err != nil {
		return fmt.Errorf("decode %s event: %w", name, err)
	}
	if evt.Type == "" {
		evt.Type = name
	}
	onEvent(evt)
	return nil
}
