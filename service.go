package spiegami

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultUpstreamTimeout bounds one upstream exchange, connect through
// last byte.
const DefaultUpstreamTimeout = 25 * time.Second

// Upstream is the narrow interface to the remote generation service.
type Upstream interface {
	// GenerateStream opens one incremental generation call and returns
	// the raw framed response body. The body must honour cancellation of
	// ctx, which the relay uses to abort discarded generation.
	GenerateStream(ctx context.Context, req UpstreamRequest) (io.ReadCloser, error)
}

// UpstreamRequest is the outbound call: prompt text, a fixed temperature,
// and the clamped token budget. Raw caller values never appear here.
type UpstreamRequest struct {
	Prompt      string
	Temperature float64
	MaxTokens   int
}

// EventSink receives the normalized event stream for one request.
// Exactly one of Done or Error terminates the stream.
type EventSink interface {
	Chunk(text string) error
	Done(ev DoneEvent) error
	Error(message string) error
}

// DoneEvent is the terminal summary of a successful stream.
type DoneEvent struct {
	NeedsContinuation bool
	Mode              Mode
	MaxTokens         int
	MaxChars          int
	Quota             *QuotaSnapshot
}

// Outcome carries request-level metadata for every path, failures included,
// so the transport layer can expose quota state on any response.
type Outcome struct {
	RequestID string
	Quota     QuotaSnapshot
	Result    RelayResult

	// Streamed is true once events have been sent through the sink; the
	// transport must not write its own error body after that point.
	Streamed bool
}

// Service is the request orchestrator: it validates inputs, consults the
// quota gate, builds the prompt, and drives the streaming relay.
type Service struct {
	upstream Upstream
	gate     QuotaGate
	meter    Meter
	logger   *slog.Logger
	policy   ContinuationPolicy

	temperature     float64
	upstreamTimeout time.Duration
}

// Option configures a Service.
type Option func(*Service)

// WithGate sets the quota gate. Defaults to UnmeteredGate.
func WithGate(g QuotaGate) Option {
	return func(s *Service) { s.gate = g }
}

// WithMeter sets the meter.
func WithMeter(m Meter) Option {
	return func(s *Service) { s.meter = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithPolicy sets the continuation policy.
func WithPolicy(p ContinuationPolicy) Option {
	return func(s *Service) { s.policy = p }
}

// WithTemperature sets the upstream sampling temperature.
func WithTemperature(t float64) Option {
	return func(s *Service) { s.temperature = t }
}

// WithUpstreamTimeout sets the ceiling on one upstream exchange.
func WithUpstreamTimeout(d time.Duration) Option {
	return func(s *Service) { s.upstreamTimeout = d }
}

// NewService creates a Service around the given upstream.
func NewService(upstream Upstream, opts ...Option) *Service {
	s := &Service{
		upstream:        upstream,
		gate:            UnmeteredGate{},
		meter:           noopMeter{},
		policy:          DefaultContinuationPolicy(),
		temperature:     DefaultTemperature,
		upstreamTimeout: DefaultUpstreamTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Generate serves one caller request end to end, emitting the event stream
// through sink. A non-nil error with Outcome.Streamed == false means the
// request was rejected before any byte was sent; the transport owns the
// error response in that case. Quota is charged on start requests before
// the upstream call and is not refunded when that call fails.
func (s *Service) Generate(ctx context.Context, caller Caller, req GenerationRequest, sink EventSink) (Outcome, error) {
	if caller.RequestID == "" {
		caller.RequestID = uuid.New().String()
	}
	out := Outcome{RequestID: caller.RequestID}
	start := time.Now()

	req, err := s.normalize(req)
	if err != nil {
		out.Quota = s.peekQuota(ctx, caller.Key)
		s.observe(caller, req, out, time.Since(start), err)
		return out, err
	}

	s.meter.OnRequest(RequestEvent{
		RequestID: caller.RequestID,
		CallerKey: caller.Key,
		Mode:      req.Mode,
		MaxTokens: req.MaxTokens,
		MaxChars:  req.MaxChars,
	})

	// Continue requests are free follow-ups to an already-charged start;
	// only start requests touch the gate.
	if req.Mode == ModeStart {
		snap, gateErr := s.gate.Consume(ctx, caller.Key)
		out.Quota = snap
		if gateErr != nil {
			s.observe(caller, req, out, time.Since(start), gateErr)
			return out, gateErr
		}
	} else {
		out.Quota = s.peekQuota(ctx, caller.Key)
	}

	upCtx, cancel := context.WithTimeout(ctx, s.upstreamTimeout)
	defer cancel()

	body, err := s.upstream.GenerateStream(upCtx, UpstreamRequest{
		Prompt:      BuildPrompt(req),
		Temperature: s.temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		err = s.mapUpstreamError(upCtx, err)
		s.observe(caller, req, out, time.Since(start), err)
		return out, err
	}

	out.Streamed = true
	relay := NewRelay(req.MaxChars, s.policy, sink.Chunk)
	result, relayErr := relay.Run(upCtx, body, cancel)
	out.Result = result
	if relayErr != nil {
		relayErr = s.mapUpstreamError(upCtx, relayErr)
		_ = sink.Error(ErrorMessage(relayErr))
		s.observe(caller, req, out, time.Since(start), relayErr)
		return out, relayErr
	}

	done := DoneEvent{
		NeedsContinuation: result.NeedsContinuation,
		Mode:              req.Mode,
		MaxTokens:         req.MaxTokens,
		MaxChars:          req.MaxChars,
	}
	if out.Quota.Metered {
		quota := out.Quota
		done.Quota = &quota
	}
	if err := sink.Done(done); err != nil {
		s.observe(caller, req, out, time.Since(start), err)
		return out, err
	}

	s.observe(caller, req, out, time.Since(start), nil)
	return out, nil
}

func (s *Service) normalize(req GenerationRequest) (GenerationRequest, error) {
	if strings.TrimSpace(req.Concept) == "" {
		return req, invalidInput("concept è obbligatorio")
	}
	if strings.TrimSpace(req.TargetDescription) == "" {
		return req, invalidInput("targetDescription è obbligatorio")
	}
	switch req.Mode {
	case "":
		req.Mode = ModeStart
	case ModeStart, ModeContinue:
	default:
		return req, invalidInput("mode deve essere %q o %q", ModeStart, ModeContinue)
	}
	if req.Mode == ModeContinue && strings.TrimSpace(req.PriorText) == "" {
		return req, invalidInput("priorText è obbligatorio quando mode è %q", ModeContinue)
	}
	return req.Clamped(), nil
}

// peekQuota reads quota state for response metadata without charging it.
func (s *Service) peekQuota(ctx context.Context, callerKey string) QuotaSnapshot {
	snap, err := s.gate.Peek(ctx, callerKey)
	if err != nil {
		return QuotaSnapshot{}
	}
	return snap
}

// mapUpstreamError folds transport failures into the caller-visible
// taxonomy. Errors already carrying a sentinel pass through unchanged.
func (s *Service) mapUpstreamError(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &RequestError{Err: ErrUpstreamTimeout, Message: ErrorMessage(ErrUpstreamTimeout)}
	case errors.Is(err, context.Canceled):
		// Caller went away; nothing to translate.
		return err
	case errors.Is(err, ErrUpstreamRateLimited),
		errors.Is(err, ErrUpstreamRejected),
		errors.Is(err, ErrUpstreamUnavailable),
		errors.Is(err, ErrUpstreamTimeout):
		return err
	default:
		return &RequestError{Err: ErrUpstreamUnavailable, Message: ErrorMessage(ErrUpstreamUnavailable)}
	}
}

func (s *Service) observe(caller Caller, req GenerationRequest, out Outcome, d time.Duration, err error) {
	s.meter.OnResult(ResultEvent{
		RequestID:         caller.RequestID,
		CallerKey:         caller.Key,
		Mode:              req.Mode,
		Success:           err == nil,
		Chars:             out.Result.Chars,
		Truncated:         out.Result.Truncated,
		NeedsContinuation: out.Result.NeedsContinuation,
		QuotaRemaining:    out.Quota.Remaining,
		Metered:           out.Quota.Metered,
		Duration:          d,
		Error:             err,
	})
	if err != nil && !errors.Is(err, ErrInvalidInput) && !errors.Is(err, ErrQuotaExhausted) {
		s.logger.Warn("generate failed",
			"request_id", caller.RequestID,
			"caller", caller.Key,
			"mode", req.Mode,
			"error", err,
		)
	}
}
