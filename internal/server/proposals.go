package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"buscart/internal/domain"
	"buscart/internal/engine"
	"buscart/internal/engine/auth"
)

func registerProposals(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-proposal",
		Method:        http.MethodPost,
		Path:          "/requests/{request_id}/proposals",
		Summary:       "Submit a proposal to a request",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		RequestID string             `path:"request_id"`
		Body      SubmitProposalBody `json:"body"`
	}) (*struct {
		Body ProposalResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := auth.Require(actor, auth.RoleArtist); err != nil {
			return nil, handleError(err)
		}
		price, err := engine.ParsePrice(input.Body.Price)
		if err != nil {
			return nil, handleError(err)
		}
		p, err := e.SubmitProposal(ctx, input.RequestID, price, input.Body.Message, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProposalResponse `json:"body"`
		}{Body: proposalResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-proposals",
		Method:      http.MethodGet,
		Path:        "/requests/{request_id}/proposals",
		Summary:     "List proposals for a request",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RequestID string `path:"request_id"`
	}) (*struct {
		Body proposalList `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ListProposals(ctx, input.RequestID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		resp := proposalList{Items: make([]ProposalResponse, 0, len(items))}
		for _, p := range items {
			resp.Items = append(resp.Items, proposalResponse(p))
		}
		return &struct {
			Body proposalList `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-proposal",
		Method:      http.MethodGet,
		Path:        "/proposals/{proposal_id}",
		Summary:     "Get a proposal",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProposalID string `path:"proposal_id"`
	}) (*struct {
		Body ProposalResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.GetProposal(ctx, input.ProposalID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProposalResponse `json:"body"`
		}{Body: proposalResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "respond-to-proposal",
		Method:      http.MethodPost,
		Path:        "/requests/{request_id}/proposals/{proposal_id}/respond",
		Summary:     "Accept, reject or negotiate a proposal",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		RequestID  string      `path:"request_id"`
		ProposalID string      `path:"proposal_id"`
		Body       RespondBody `json:"body"`
	}) (*struct {
		Body ProposalResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.RespondToProposal(ctx, input.RequestID, input.ProposalID, domain.Action(input.Body.Action), actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProposalResponse `json:"body"`
		}{Body: proposalResponse(p)}, nil
	})
}
