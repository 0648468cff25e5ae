package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/pavelanni/autograder/internal/model"
)

// Shape is the top-level JSON shape a request expects back.
type Shape int

const (
	ShapeArray Shape = iota
	ShapeObject
)

// Request is a single call to a generative model.
type Request struct {
	Stage       string
	System      string
	Instruction string
	// Context carries the previous stage's JSON output, if any.
	Context   []byte
	Documents []model.Document
	Shape     Shape
}

// Model is a remote generative model that answers with JSON text.
type Model interface {
	Name() string
	Generate(ctx context.Context, req Request) (string, error)
}

// Pinger is implemented by models that support a cheap health check.
type Pinger interface {
	Ping(ctx context.Context) error
}

var (
	// ErrEmptyResponse is returned when the model produced no text.
	ErrEmptyResponse = errors.New("model returned an empty response")
	// ErrUnsupportedDocument is returned when a provider cannot accept a document type.
	ErrUnsupportedDocument = errors.New("document type not supported by this model provider")
)

// HTTPError carries the status code of a failed provider call.
type HTTPError struct {
	StatusCode int
	Err        error
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("status %d: %v", e.StatusCode, e.Err)
}

func (e *HTTPError) Unwrap() error { return e.Err }

// CallError describes a failed remote call after classification.
type CallError struct {
	Model      string
	Stage      string
	StatusCode int
	Timeout    bool
	Transient  bool
	Err        error
}

func (e *CallError) Error() string {
	switch {
	case e.Timeout:
		return fmt.Sprintf("%s %s: timed out: %v", e.Model, e.Stage, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s %s: status %d: %v", e.Model, e.Stage, e.StatusCode, e.Err)
	default:
		return fmt.Sprintf("%s %s: %v", e.Model, e.Stage, e.Err)
	}
}

func (e *CallError) Unwrap() error { return e.Err }

// Options configures a Client.
type Options struct {
	Timeout    time.Duration
	Registerer prometheus.Registerer
	Logger     *slog.Logger
}

// Client wraps a Model with a per-call timeout, error classification,
// metrics and tracing. It holds no mutable state and is safe to share.
type Client struct {
	model   Model
	timeout time.Duration
	metrics *metrics
	tracer  trace.Tracer
	logger  *slog.Logger
}

// NewClient creates a client around a model.
func NewClient(m Model, opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		model:   m,
		timeout: opts.Timeout,
		metrics: newMetrics(opts.Registerer),
		tracer:  otel.Tracer("github.com/pavelanni/autograder/internal/llm"),
		logger:  logger,
	}
}

// ModelName returns the identity of the wrapped model.
func (c *Client) ModelName() string { return c.model.Name() }

// Generate sends a request to the model and returns its raw text.
func (c *Client) Generate(parent context.Context, req Request) (string, error) {
	ctx, span := c.tracer.Start(parent, "llm.generate", trace.WithAttributes(
		attribute.String("model", c.model.Name()),
		attribute.String("stage", req.Stage),
		attribute.Int("documents", len(req.Documents)),
	))
	defer span.End()

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	start := time.Now()
	raw, err := c.model.Generate(ctx, req)
	c.metrics.duration.WithLabelValues(c.model.Name(), req.Stage).Observe(time.Since(start).Seconds())
	if err == nil && raw == "" {
		err = ErrEmptyResponse
	}
	if err != nil {
		callErr := classify(ctx, c.model.Name(), req.Stage, err)
		c.metrics.failures.WithLabelValues(c.model.Name(), req.Stage, failureReason(callErr)).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Debug("LLM call failed", "stage", req.Stage, "model", c.model.Name(), "error", err)
		return "", callErr
	}

	c.logger.Debug("LLM response", "stage", req.Stage, "raw", raw)
	return raw, nil
}

// Ping checks that the model endpoint is reachable.
func (c *Client) Ping(ctx context.Context) error {
	p, ok := c.model.(Pinger)
	if !ok {
		return nil
	}
	if err := p.Ping(ctx); err != nil {
		return fmt.Errorf("ping %s: %w", c.model.Name(), err)
	}
	return nil
}

func classify(ctx context.Context, modelName, stage string, err error) *CallError {
	ce := &CallError{Model: modelName, Stage: stage, Err: err}

	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(ctx.Err(), context.DeadlineExceeded):
		ce.Timeout = true
		ce.Transient = true
		return ce
	case errors.Is(err, context.Canceled):
		return ce
	case errors.Is(err, ErrUnsupportedDocument):
		return ce
	case errors.As(err, &netErr) && netErr.Timeout():
		ce.Timeout = true
		ce.Transient = true
		return ce
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		ce.StatusCode = httpErr.StatusCode
		ce.Transient = transientStatus(httpErr.StatusCode)
		if httpErr.StatusCode == http.StatusRequestTimeout || httpErr.StatusCode == http.StatusGatewayTimeout {
			ce.Timeout = true
		}
		return ce
	}

	// Connection resets, DNS failures and empty bodies are worth another try.
	ce.Transient = true
	return ce
}

func transientStatus(code int) bool {
	return code == http.StatusRequestTimeout ||
		code == http.StatusTooManyRequests ||
		code >= http.StatusInternalServerError
}

func failureReason(ce *CallError) string {
	switch {
	case ce.Timeout:
		return "timeout"
	case ce.StatusCode != 0:
		return fmt.Sprintf("http_%d", ce.StatusCode)
	case ce.Transient:
		return "transport"
	default:
		return "rejected"
	}
}
