package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"

	"buscart/internal/engine"
	"buscart/internal/engine/auth"
	"buscart/internal/live"
	"buscart/internal/log"
)

const streamBuffer = 16

// registerStream exposes the live update channel of one request as
// Server-Sent Events. Only the request owner may subscribe.
func registerStream(api huma.API, e engine.Engine, hub *live.Hub) {
	sse.Register(api, huma.Operation{
		OperationID: "stream-request-events",
		Method:      http.MethodGet,
		Path:        "/requests/{request_id}/events",
		Summary:     "Subscribe to live proposal updates",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusServiceUnavailable,
		},
		Middlewares: huma.Middlewares{streamGuard(e, hub)},
	}, map[string]any{
		"connected":            ConnectedEvent{},
		live.TypeNewProposal:   NewProposalEvent{},
		live.TypeStatusUpdate:  StatusUpdateEvent{},
		live.TypeRequestUpdate: RequestUpdateEvent{},
	}, func(ctx context.Context, input *struct {
		RequestID string `path:"request_id"`
	}, send sse.Sender) {
		l := log.FromContext(ctx, "live")
		ctx, cancel := context.WithCancel(ctx)
		msgs := make(chan live.Message, streamBuffer)
		unsubscribe, err := hub.Subscribe(ctx, input.RequestID, func(m live.Message) {
			select {
			case msgs <- m:
			case <-ctx.Done():
			}
		})
		if err != nil {
			cancel()
			l.Error().Err(err).Str("request_id", input.RequestID).Msg("live subscribe failed")
			return
		}
		defer func() {
			cancel()
			unsubscribe()
		}()

		if err := send.Data(ConnectedEvent{RequestID: input.RequestID}); err != nil {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case m := <-msgs:
				evt, ok := streamEvent(m)
				if !ok {
					continue
				}
				if err := send.Data(evt); err != nil {
					l.Debug().Err(err).Str("request_id", input.RequestID).Msg("live stream closed")
					return
				}
			}
		}
	})
}

// streamGuard authorizes the subscriber before the event stream starts,
// since errors cannot be returned once headers are sent.
func streamGuard(e engine.Engine, hub *live.Hub) func(huma.Context, func(huma.Context)) {
	return func(hctx huma.Context, next func(huma.Context)) {
		if hub == nil {
			writeContextError(hctx, newAPIError(http.StatusServiceUnavailable, "live_unavailable", "live updates are not enabled", nil))
			return
		}
		actor, authErr := actorFromContext(hctx.Context())
		if authErr != nil {
			writeContextError(hctx, authErr)
			return
		}
		if err := auth.Require(actor, auth.RoleClient); err != nil {
			writeContextError(hctx, handleError(err))
			return
		}
		requestID := hctx.Param("request_id")
		req, err := e.GetRequest(hctx.Context(), requestID)
		if err != nil {
			writeContextError(hctx, handleError(err))
			return
		}
		if req.ClientID != actor.ID {
			writeContextError(hctx, handleError(engine.AuthorizationError{ActorID: actor.ID, RequestID: requestID, Reason: "not the request owner"}))
			return
		}
		next(hctx)
	}
}

func writeContextError(hctx huma.Context, err huma.StatusError) {
	hctx.SetHeader("Content-Type", "application/json")
	hctx.SetStatus(err.GetStatus())
	_ = json.NewEncoder(hctx.BodyWriter()).Encode(err)
}
