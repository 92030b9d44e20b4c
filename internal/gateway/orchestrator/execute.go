package orchestrator

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/mrmushfiq/llm0-router/internal/gateway/ledger"
)

// DispatchResult is what the upstream call reported
type DispatchResult struct {
	StatusCode int
	Usage      ledger.Usage
}

// Dispatcher performs the upstream call for a route
type Dispatcher interface {
	Dispatch(ctx context.Context, route Route) (DispatchResult, error)
}

// Execute routes, dispatches and settles until the request reaches a terminal state.
// It returns the final settlement, the route of the last attempt, and the outcome error
// of a terminal failure. Every attempt excludes the models already tried, so the loop ends.
func (o *Orchestrator) Execute(ctx context.Context, in InboundRequest, d Dispatcher) (*Settlement, *Route, error) {
	route, err := o.Route(ctx, in)
	if err != nil {
		return nil, nil, err
	}

	// settlement must land even when the caller has gone away
	settleCtx := context.WithoutCancel(ctx)

	for {
		start := time.Now()
		res, derr := d.Dispatch(ctx, *route)

		req := SettleRequest{
			Caller:     in.Caller,
			RequestID:  route.RequestID,
			Attempt:    route.Attempt,
			StatusCode: res.StatusCode,
			Usage:      res.Usage,
			LatencyMs:  int(time.Since(start).Milliseconds()),
		}
		if derr != nil {
			req.Error = derr.Error()
			req.Cancelled = ctx.Err() != nil || errors.Is(derr, context.Canceled)
			if req.StatusCode < 400 {
				req.StatusCode = http.StatusBadGateway
			}
		}

		st, err := o.Settle(settleCtx, req)
		if err != nil {
			return nil, route, err
		}
		if st.Next == nil {
			return st, route, st.Outcome.Err()
		}
		route = st.Next
	}
}
