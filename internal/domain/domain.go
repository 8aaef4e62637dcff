package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TimeLayout is the stored timestamp format. Fixed width keeps text ordering
// equal to chronological ordering.
const TimeLayout = "2006-01-02T15:04:05.000000Z"

// DateLayout is the event date format.
const DateLayout = "2006-01-02"

func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

func ParseTime(s string) (time.Time, error) {
	return time.Parse(TimeLayout, s)
}

type RequestStatus string

const (
	RequestActive    RequestStatus = "active"
	RequestFulfilled RequestStatus = "fulfilled"
	RequestExpired   RequestStatus = "expired"
	RequestCancelled RequestStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed.
func (s RequestStatus) Terminal() bool {
	return s != RequestActive
}

type ProposalStatus string

const (
	ProposalPending     ProposalStatus = "pending"
	ProposalAccepted    ProposalStatus = "accepted"
	ProposalRejected    ProposalStatus = "rejected"
	ProposalNegotiating ProposalStatus = "negotiating"
)

func (s ProposalStatus) Terminal() bool {
	return s == ProposalAccepted || s == ProposalRejected
}

// Action is a client response to a proposal.
type Action string

const (
	ActionAccept    Action = "accept"
	ActionReject    Action = "reject"
	ActionNegotiate Action = "negotiate"
)

// Target returns the proposal status an action moves to.
func (a Action) Target() (ProposalStatus, bool) {
	switch a {
	case ActionAccept:
		return ProposalAccepted, true
	case ActionReject:
		return ProposalRejected, true
	case ActionNegotiate:
		return ProposalNegotiating, true
	}
	return "", false
}

type HiringRequest struct {
	ID                 string           `json:"id"`
	ClientID           string           `json:"client_id"`
	CategoryID         string           `json:"category_id"`
	City               string           `json:"city"`
	CityKey            string           `json:"-"`
	Description        string           `json:"description"`
	BudgetMin          *decimal.Decimal `json:"budget_min,omitempty"`
	BudgetMax          *decimal.Decimal `json:"budget_max,omitempty"`
	EventDate          string           `json:"event_date"`
	EventTime          string           `json:"event_time,omitempty"`
	Details            string           `json:"details,omitempty"`
	Status             RequestStatus    `json:"status"`
	ResponseCount      int              `json:"response_count"`
	AcceptedProposalID string           `json:"accepted_proposal_id,omitempty"`
	CreatedAt          string           `json:"created_at"`
	UpdatedAt          string           `json:"updated_at"`
	ExpiresAt          string           `json:"expires_at"`
	EligibleArtists    []string         `json:"eligible_artists,omitempty"`
}

// Open reports whether the request still accepts proposals at now.
func (r HiringRequest) Open(now time.Time) bool {
	return r.Status == RequestActive && r.ExpiresAt > FormatTime(now)
}

type Proposal struct {
	ID        string          `json:"id"`
	RequestID string          `json:"request_id"`
	ArtistID  string          `json:"artist_id"`
	Price     decimal.Decimal `json:"price"`
	Message   string          `json:"message,omitempty"`
	Status    ProposalStatus  `json:"status"`
	CreatedAt string          `json:"created_at"`
	UpdatedAt string          `json:"updated_at"`
}

// Artist mirrors the artist directory record used for matching.
type Artist struct {
	ID          string `json:"id" yaml:"id"`
	CategoryID  string `json:"category_id" yaml:"category_id"`
	City        string `json:"city" yaml:"city"`
	IsAvailable bool   `json:"is_available" yaml:"is_available"`
	CanTravel   bool   `json:"can_travel" yaml:"can_travel"`
}

type Category struct {
	ID   string `json:"id" yaml:"id"`
	Name string `json:"name" yaml:"name"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	RequestID  string `json:"request_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload,omitempty"`
}

const (
	EventRequestCreated      = "request.created"
	EventRequestFulfilled    = "request.fulfilled"
	EventRequestExpired      = "request.expired"
	EventRequestCancelled    = "request.cancelled"
	EventProposalReceived    = "proposal.received"
	EventProposalAccepted    = "proposal.accepted"
	EventProposalRejected    = "proposal.rejected"
	EventProposalNegotiating = "proposal.negotiating"
)
