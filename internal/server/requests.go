package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/shopspring/decimal"

	"buscart/internal/engine"
	"buscart/internal/engine/auth"
)

func parseBudget(raw *string, field string, fields map[string]string) *decimal.Decimal {
	if raw == nil || strings.TrimSpace(*raw) == "" {
		return nil
	}
	d, err := decimal.NewFromString(strings.TrimSpace(*raw))
	if err != nil {
		fields[field] = "must be a decimal number"
		return nil
	}
	return &d
}

func registerRequests(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-request",
		Method:        http.MethodPost,
		Path:          "/requests",
		Summary:       "Publish a hiring request",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateRequestBody `json:"body"`
	}) (*struct {
		Body RequestResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		fields := map[string]string{}
		in := engine.CreateRequestInput{
			CategoryID:  input.Body.CategoryID,
			City:        input.Body.City,
			Description: input.Body.Description,
			BudgetMin:   parseBudget(input.Body.BudgetMin, "budget_min", fields),
			BudgetMax:   parseBudget(input.Body.BudgetMax, "budget_max", fields),
			EventDate:   input.Body.EventDate,
			EventTime:   input.Body.EventTime,
			Details:     input.Body.Details,
		}
		if len(fields) > 0 {
			return nil, handleError(engine.ValidationError{Fields: fields})
		}
		req, err := e.CreateRequest(ctx, in, actor)
		if err != nil {
			return nil, handleError(err)
		}
		resp := requestResponse(req)
		if resp.EligibleArtists == nil {
			resp.EligibleArtists = []string{}
		}
		return &struct {
			Body RequestResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-requests",
		Method:      http.MethodGet,
		Path:        "/requests",
		Summary:     "List active requests",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		CategoryID string `query:"category_id"`
		City       string `query:"city"`
		Mine       bool   `query:"mine"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedRequests `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit)
		cursorTS, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		q := engine.ActiveQuery{
			CategoryID:      input.CategoryID,
			City:            input.City,
			Limit:           limit + 1,
			CursorCreatedAt: cursorTS,
			CursorID:        cursorID,
		}
		switch actor.Role {
		case auth.RoleClient:
			if input.Mine {
				q.ClientID = actor.ID
			}
		case auth.RoleArtist:
			if e.Config.EligibilityEnforced() {
				q.ArtistID = actor.ID
			}
		}
		items, err := e.GetActiveRequests(ctx, q)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedRequests{Items: []RequestResponse{}}
		if len(items) > limit {
			last := items[limit-1]
			resp.NextCursor = composeCursor(last.CreatedAt, last.ID)
			items = items[:limit]
		}
		for _, req := range items {
			r := requestResponse(req)
			r.EligibleArtists = nil
			resp.Items = append(resp.Items, r)
		}
		return &struct {
			Body paginatedRequests `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-request",
		Method:      http.MethodGet,
		Path:        "/requests/{request_id}",
		Summary:     "Get a request",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RequestID string `path:"request_id"`
	}) (*struct {
		Body RequestResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		req, err := e.RequestForActor(ctx, input.RequestID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RequestResponse `json:"body"`
		}{Body: requestResponse(req)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-request",
		Method:      http.MethodPost,
		Path:        "/requests/{request_id}/cancel",
		Summary:     "Withdraw an active request",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		RequestID string `path:"request_id"`
	}) (*struct {
		Body RequestResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		req, err := e.CancelRequest(ctx, input.RequestID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RequestResponse `json:"body"`
		}{Body: requestResponse(req)}, nil
	})
}
