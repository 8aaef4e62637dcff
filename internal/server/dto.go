package server

import (
	"buscart/internal/domain"
	"buscart/internal/live"
)

// Request payloads

type CreateRequestBody struct {
	CategoryID  string  `json:"category_id"`
	City        string  `json:"city"`
	Description string  `json:"description,omitempty"`
	BudgetMin   *string `json:"budget_min,omitempty" example:"100000"`
	BudgetMax   *string `json:"budget_max,omitempty" example:"200000"`
	EventDate   string  `json:"event_date" example:"2024-02-14"`
	EventTime   string  `json:"event_time,omitempty" example:"20:00"`
	Details     string  `json:"details,omitempty"`
}

type SubmitProposalBody struct {
	Price   string `json:"price" example:"150000"`
	Message string `json:"message,omitempty"`
}

type RespondBody struct {
	Action string `json:"action" enum:"accept,reject,negotiate"`
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id"`
	Role    string `json:"role" enum:"client,artist"`
}

// Response payloads

type RequestResponse struct {
	ID                 string   `json:"id"`
	ClientID           string   `json:"client_id"`
	CategoryID         string   `json:"category_id"`
	City               string   `json:"city"`
	Description        string   `json:"description,omitempty"`
	BudgetMin          *string  `json:"budget_min,omitempty"`
	BudgetMax          *string  `json:"budget_max,omitempty"`
	EventDate          string   `json:"event_date"`
	EventTime          string   `json:"event_time,omitempty"`
	Details            string   `json:"details,omitempty"`
	Status             string   `json:"status" enum:"active,fulfilled,expired,cancelled"`
	ResponseCount      int      `json:"response_count"`
	AcceptedProposalID string   `json:"accepted_proposal_id,omitempty"`
	CreatedAt          string   `json:"created_at"`
	UpdatedAt          string   `json:"updated_at"`
	ExpiresAt          string   `json:"expires_at"`
	EligibleArtists    []string `json:"eligible_artists,omitempty"`
}

type ProposalResponse struct {
	ID        string `json:"id"`
	RequestID string `json:"request_id"`
	ArtistID  string `json:"artist_id"`
	Price     string `json:"price"`
	Message   string `json:"message,omitempty"`
	Status    string `json:"status" enum:"pending,accepted,rejected,negotiating"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

type WhoAmIResponse struct {
	ActorID string `json:"actor_id"`
	Role    string `json:"role"`
	Source  string `json:"source"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type paginatedRequests struct {
	Items      []RequestResponse `json:"items"`
	NextCursor string            `json:"next_cursor,omitempty"`
}

type proposalList struct {
	Items []ProposalResponse `json:"items"`
}

// Live stream events

type ConnectedEvent struct {
	RequestID string `json:"requestId"`
}

type NewProposalEvent struct {
	Type     string           `json:"type"`
	EventID  int64            `json:"eventId,omitempty"`
	Proposal ProposalResponse `json:"proposal"`
}

type StatusUpdateEvent struct {
	Type       string `json:"type"`
	EventID    int64  `json:"eventId,omitempty"`
	ProposalID string `json:"proposalId"`
	Status     string `json:"status"`
}

type RequestUpdateEvent struct {
	Type      string `json:"type"`
	EventID   int64  `json:"eventId,omitempty"`
	RequestID string `json:"requestId"`
	Status    string `json:"status"`
}

func requestResponse(req domain.HiringRequest) RequestResponse {
	resp := RequestResponse{
		ID:                 req.ID,
		ClientID:           req.ClientID,
		CategoryID:         req.CategoryID,
		City:               req.City,
		Description:        req.Description,
		EventDate:          req.EventDate,
		EventTime:          req.EventTime,
		Details:            req.Details,
		Status:             string(req.Status),
		ResponseCount:      req.ResponseCount,
		AcceptedProposalID: req.AcceptedProposalID,
		CreatedAt:          req.CreatedAt,
		UpdatedAt:          req.UpdatedAt,
		ExpiresAt:          req.ExpiresAt,
		EligibleArtists:    req.EligibleArtists,
	}
	if req.BudgetMin != nil {
		s := req.BudgetMin.String()
		resp.BudgetMin = &s
	}
	if req.BudgetMax != nil {
		s := req.BudgetMax.String()
		resp.BudgetMax = &s
	}
	return resp
}

func proposalResponse(p domain.Proposal) ProposalResponse {
	return ProposalResponse{
		ID:        p.ID,
		RequestID: p.RequestID,
		ArtistID:  p.ArtistID,
		Price:     p.Price.String(),
		Message:   p.Message,
		Status:    string(p.Status),
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
	}
}

// streamEvent converts a hub message to its typed SSE payload.
func streamEvent(msg live.Message) (any, bool) {
	switch msg.Type {
	case live.TypeNewProposal:
		if msg.Proposal == nil {
			return nil, false
		}
		return NewProposalEvent{Type: msg.Type, EventID: msg.EventID, Proposal: proposalResponse(*msg.Proposal)}, true
	case live.TypeStatusUpdate:
		return StatusUpdateEvent{Type: msg.Type, EventID: msg.EventID, ProposalID: msg.ProposalID, Status: msg.Status}, true
	case live.TypeRequestUpdate:
		return RequestUpdateEvent{Type: msg.Type, EventID: msg.EventID, RequestID: msg.RequestID, Status: msg.Status}, true
	}
	return nil, false
}
