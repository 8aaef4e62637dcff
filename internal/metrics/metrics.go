package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "buscart_requests_created_total",
		Help: "Hiring requests created",
	})

	RequestsWithoutArtistsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "buscart_requests_without_artists_total",
		Help: "Hiring requests created with no eligible artists",
	})

	RequestsClosedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "buscart_requests_closed_total",
		Help: "Hiring requests leaving the active state by final status",
	}, []string{"status"})

	ProposalsSubmittedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "buscart_proposals_submitted_total",
		Help: "Proposal submissions by outcome",
	}, []string{"outcome"})

	ProposalResponsesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "buscart_proposal_responses_total",
		Help: "Client responses to proposals by action and outcome",
	}, []string{"action", "outcome"})

	SweepRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "buscart_supervisor_sweeps_total",
		Help: "Expiry sweeps by result",
	}, []string{"result"})

	LiveEventsPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "buscart_live_events_published_total",
		Help: "Live update events handed to the broker by type",
	}, []string{"type"})

	LiveEventsDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "buscart_live_events_dropped_total",
		Help: "Live update events not delivered to a subscriber by reason",
	}, []string{"reason"})

	LiveSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "buscart_live_subscribers",
		Help: "Open live update subscriptions",
	})

	RelayCursor = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "buscart_relay_cursor",
		Help: "Last event id fanned out by the relay",
	})

	WebhookDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "buscart_webhook_deliveries_total",
		Help: "Notification webhook deliveries by result",
	}, []string{"result"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "buscart_http_request_duration_seconds",
		Help:    "HTTP request latencies in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "buscart_http_requests_in_flight",
		Help: "Current number of HTTP requests being served",
	})
)

func IncLiveDrop(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	LiveEventsDroppedTotal.WithLabelValues(reason).Inc()
}
