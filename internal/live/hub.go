package live

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"buscart/internal/domain"
	"buscart/internal/log"
	"buscart/internal/metrics"
)

const (
	TypeNewProposal   = "new_proposal"
	TypeStatusUpdate  = "status_update"
	TypeRequestUpdate = "request_update"
)

// Message is one live update for a request's subscribers.
type Message struct {
	Type       string           `json:"type"`
	EventID    int64            `json:"eventId,omitempty"`
	Proposal   *domain.Proposal `json:"proposal,omitempty"`
	ProposalID string           `json:"proposalId,omitempty"`
	RequestID  string           `json:"requestId,omitempty"`
	Status     string           `json:"status,omitempty"`
}

// Topic is the broker topic carrying a request's updates.
func Topic(requestID string) string {
	return "request:" + requestID
}

// FromEvent maps an outbox event to the live message subscribers expect. It
// reports false for events with no live representation.
func FromEvent(evt domain.Event) (Message, bool, error) {
	if evt.RequestID == "" {
		return Message{}, false, nil
	}
	var payload struct {
		Proposal   *domain.Proposal `json:"proposal"`
		ProposalID string           `json:"proposal_id"`
		Status     string           `json:"status"`
	}
	if evt.Payload != "" {
		if err := json.Unmarshal([]byte(evt.Payload), &payload); err != nil {
			return Message{}, false, fmt.Errorf("decode event %d payload: %w", evt.ID, err)
		}
	}
	msg := Message{EventID: evt.ID}
	switch evt.Type {
	case domain.EventProposalReceived:
		if payload.Proposal == nil {
			return Message{}, false, fmt.Errorf("event %d has no proposal", evt.ID)
		}
		msg.Type = TypeNewProposal
		msg.Proposal = payload.Proposal
	case domain.EventProposalAccepted, domain.EventProposalRejected, domain.EventProposalNegotiating:
		msg.Type = TypeStatusUpdate
		msg.ProposalID = evt.EntityID
		msg.Status = payload.Status
	case domain.EventRequestFulfilled, domain.EventRequestExpired, domain.EventRequestCancelled:
		msg.Type = TypeRequestUpdate
		msg.RequestID = evt.RequestID
		msg.Status = payload.Status
	default:
		return Message{}, false, nil
	}
	return msg, true, nil
}

// Hub publishes request updates and manages per-request subscriptions.
type Hub struct {
	broker         Broker
	publishTimeout time.Duration
}

func NewHub(b Broker, publishTimeout time.Duration) *Hub {
	if publishTimeout <= 0 {
		publishTimeout = 2 * time.Second
	}
	return &Hub{broker: b, publishTimeout: publishTimeout}
}

// Publish sends msg to every current subscriber of requestID.
func (h *Hub) Publish(ctx context.Context, requestID string, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode live message: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, h.publishTimeout)
	defer cancel()
	if err := h.broker.Publish(ctx, Topic(requestID), data); err != nil {
		return err
	}
	metrics.LiveEventsPublishedTotal.WithLabelValues(msg.Type).Inc()
	return nil
}

// Deliver publishes the live form of an outbox event, if it has one.
func (h *Hub) Deliver(ctx context.Context, evt domain.Event) error {
	msg, ok, err := FromEvent(evt)
	if err != nil || !ok {
		return err
	}
	return h.Publish(ctx, evt.RequestID, msg)
}

// Subscribe calls onEvent for every update on requestID until ctx is done or
// the returned unsubscribe is called. onEvent runs on a single goroutine, in
// publish order. Unsubscribe blocks until that goroutine has exited.
func (h *Hub) Subscribe(ctx context.Context, requestID string, onEvent func(Message)) (func(), error) {
	sub, err := h.broker.Subscribe(ctx, Topic(requestID))
	if err != nil {
		return nil, err
	}
	metrics.LiveSubscribers.Inc()
	stop := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		defer metrics.LiveSubscribers.Dec()
		defer sub.Close()
		l := log.FromContext(ctx, "live")
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-sub.Done():
				return
			case data := <-sub.C():
				var msg Message
				if err := json.Unmarshal(data, &msg); err != nil {
					metrics.IncLiveDrop("decode")
					l.Warn().Err(err).Str("request_id", requestID).Msg("discarding undecodable live message")
					continue
				}
				onEvent(msg)
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() { close(stop) })
		<-finished
	}, nil
}

func (h *Hub) Close() error {
	return h.broker.Close()
}
