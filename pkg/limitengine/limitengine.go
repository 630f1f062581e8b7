// Package limitengine implements the LimitEngine of spec §4.9: the proxy/
// gating entry point that resolves a MetricActor, evaluates its breach
// state, and forwards (or denies) an upstream request with increment-after-
// success semantics.
package limitengine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/tracktags/tracktags/internal/apierr"
	"github.com/tracktags/tracktags/pkg/application"
	"github.com/tracktags/tracktags/pkg/businessactor"
	"github.com/tracktags/tracktags/pkg/metricactor"
	"github.com/tracktags/tracktags/pkg/metricstore"
)

// forwardTimeout bounds one upstream proxy call (§5 default 30s).
const forwardTimeout = 30 * time.Second

// Engine is the LimitEngine.
type Engine struct {
	app        *application.Actor
	httpClient *http.Client
	logger     *slog.Logger
}

// New constructs an Engine bound to the live actor hierarchy.
func New(app *application.Actor, logger *slog.Logger) *Engine {
	return &Engine{
		app:        app,
		httpClient: &http.Client{Timeout: forwardTimeout},
		logger:     logger,
	}
}

// Request is the proxy request body (§6: POST /api/v1/proxy).
type Request struct {
	Scope      string            `json:"scope"`
	MetricName string            `json:"metric_name"`
	TargetURL  string            `json:"target_url"`
	Method     string            `json:"method"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       string            `json:"body,omitempty"`
}

// BreachStatus mirrors the §6 proxy response's breach_status object.
type BreachStatus struct {
	IsBreached   bool     `json:"is_breached"`
	CurrentUsage float64  `json:"current_usage"`
	LimitValue   *float64 `json:"limit_value,omitempty"`
	Remaining    *float64 `json:"remaining,omitempty"`
	BreachAction string   `json:"breach_action,omitempty"`
}

// ForwardedResponse mirrors the §6 proxy response's forwarded_response object.
type ForwardedResponse struct {
	StatusCode int    `json:"status_code"`
	Body       string `json:"body"`
}

// Response is the full §6 proxy response shape.
type Response struct {
	Status            string             `json:"status"` // allowed | denied
	BreachStatus      BreachStatus       `json:"breach_status"`
	ForwardedResponse *ForwardedResponse `json:"forwarded_response,omitempty"`
	Error             string             `json:"error,omitempty"`
	RetryAfter        *int               `json:"retry_after,omitempty"`
}

// defaultMetricDefinition is used when a MetricActor must be materialized on
// first reference with no prior MetricDefinition row (§4.9 step 1: "if
// absent, materialize using limits from CustomerActor cache").
var defaultMetricDefinition = metricactor.Definition{
	Operation:     metricstore.OpSum,
	MetricType:    "reset",
	FlushInterval: "tick_1d",
	InitialValue:  0,
}

// Forward executes the four-step algorithm of §4.9 for one proxy call.
func (e *Engine) Forward(ctx context.Context, businessID, customerID string, req Request) (Response, error) {
	business, err := e.app.Business(ctx, businessID)
	if err != nil {
		return Response{}, fmt.Errorf("resolving business: %w", err)
	}

	metric, err := e.resolveMetric(ctx, business, req.Scope, customerID, req.MetricName)
	if err != nil {
		return Response{}, err
	}
	if metric == nil {
		// No definition and no limit configured anywhere: allow and forward
		// unconditionally (§4.9 step 1).
		resp, _, err := e.forward(ctx, req, BreachStatus{})
		return resp, err
	}

	current, limit, breached, err := metric.CheckBreach(ctx)
	if err != nil {
		return Response{}, fmt.Errorf("checking breach state: %w", err)
	}

	status := BreachStatus{IsBreached: breached, CurrentUsage: current}
	if limit != nil {
		lv := limit.Value
		status.LimitValue = &lv
		status.BreachAction = limit.Action
		remaining := limit.Value - current
		status.Remaining = &remaining
	}

	if !breached || limit == nil {
		resp, upstreamOK, err := e.forward(ctx, req, status)
		if err == nil && upstreamOK {
			e.incrementOnSuccess(ctx, metric)
		}
		return resp, err
	}

	switch limit.Action {
	case "deny":
		return Response{Status: "denied", BreachStatus: status, Error: "plan limit exceeded"}, nil

	case "allow_overage":
		resp, upstreamOK, err := e.forward(ctx, req, status)
		if err != nil || !upstreamOK {
			return resp, err
		}
		e.incrementOnSuccess(ctx, metric)
		// The usage report itself is reported once per flush window by the
		// MetricActor's own OnTick accounting, not per forward (§4.9 step 3,
		// §8 S2): reporting here too would double-count the same overage.
		return resp, nil

	default: // "webhook", "log", or unset: forward, increment on success
		resp, upstreamOK, err := e.forward(ctx, req, status)
		if err == nil && upstreamOK {
			e.incrementOnSuccess(ctx, metric)
		}
		return resp, err
	}
}

// resolveMetric materializes the target MetricActor for the requested
// scope, touching a CustomerActor or the BusinessActor directly.
func (e *Engine) resolveMetric(ctx context.Context, business *businessactor.Actor, scope, customerID, metricName string) (*metricactor.Actor, error) {
	if scope == "customer" {
		customer, ok := business.LookupCustomer(customerID)
		if !ok {
			var err error
			customer, err = business.Customer(ctx, customerID, nil)
			if err != nil {
				return nil, fmt.Errorf("resolving customer: %w", err)
			}
		}
		def := e.definitionFor(ctx, business.BusinessID(), &customerID, metricName)
		m, err := customer.Touch(ctx, metricName, def)
		if err != nil {
			return nil, fmt.Errorf("materializing customer metric: %w", err)
		}
		return m, nil
	}

	def := e.definitionFor(ctx, business.BusinessID(), nil, metricName)
	m, err := business.Metric(ctx, metricName, def)
	if err != nil {
		return nil, fmt.Errorf("materializing business metric: %w", err)
	}
	return m, nil
}

// definitionFor looks up a persisted MetricDefinition, falling back to a
// sane default shape (§4.9 step 1) when none was ever configured via
// POST /api/v1/metrics; the limit, if any, is injected by the owning actor
// from its own cache, not here.
func (e *Engine) definitionFor(ctx context.Context, businessID string, customerID *string, metricName string) metricactor.Definition {
	row, err := e.app.DB().GetMetricDefinition(ctx, businessID, customerID, metricName)
	if err != nil {
		return defaultMetricDefinition
	}
	return metricactor.Definition{
		Mode:          metricactor.Mode(row.Mode),
		Operation:     metricstore.Op(row.Operation),
		MetricType:    row.MetricType,
		FlushInterval: row.FlushInterval,
		InitialValue:  row.InitialValue,
	}
}

// forward issues the upstream call and reports whether it counts as a
// "success" for increment-after-success purposes (§4.9, §7: "failed upstream
// calls must not consume quota"). A forwarded non-2xx response (S5) and a
// transport-level failure both forward the caller's request (or surface the
// transport error) without consuming quota.
func (e *Engine) forward(ctx context.Context, req Request, status BreachStatus) (Response, bool, error) {
	fctx, cancel := context.WithTimeout(ctx, forwardTimeout)
	defer cancel()

	var bodyReader io.Reader
	if req.Body != "" {
		bodyReader = bytes.NewReader([]byte(req.Body))
	}

	httpReq, err := http.NewRequestWithContext(fctx, req.Method, req.TargetURL, bodyReader)
	if err != nil {
		return Response{}, false, apierr.Validation("invalid proxy target: %v", err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return Response{Status: "allowed", BreachStatus: status, Error: fmt.Sprintf("upstream transport error: %v", err)}, false, nil
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	upstreamOK := resp.StatusCode >= 200 && resp.StatusCode < 300
	return Response{
		Status:       "allowed",
		BreachStatus: status,
		ForwardedResponse: &ForwardedResponse{
			StatusCode: resp.StatusCode,
			Body:       string(body),
		},
	}, upstreamOK, nil
}

func (e *Engine) incrementOnSuccess(ctx context.Context, metric *metricactor.Actor) {
	if _, err := metric.Increment(ctx, 1); err != nil {
		e.logger.Error("limitengine: incrementing after upstream success", "metric", metric.MetricName(), "error", err)
	}
}
