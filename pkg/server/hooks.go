package server

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Outcome is the result of running one hook chain.
type Outcome int

const (
	// OutcomeContinue: every hook returned nil.
	OutcomeContinue Outcome = iota
	// OutcomeAbort: a hook returned ErrVeto.
	OutcomeAbort
	// OutcomeFail: a hook returned any other error.
	OutcomeFail
)

// String returns the string representation of the outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomeContinue:
		return "continue"
	case OutcomeAbort:
		return "abort"
	case OutcomeFail:
		return "fail"
	default:
		return "unknown"
	}
}

// Result reports how a hook chain ended. Err is the error returned by the
// hook that stopped the chain, wrapped in a *HookError, and is nil on
// OutcomeContinue.
type Result struct {
	Outcome Outcome
	Err     error
}

// OK reports whether the chain ran to completion.
func (r Result) OK() bool {
	return r.Outcome == OutcomeContinue
}

// runHooks calls call for every extension implementing H, in registration
// order, waiting for each to return before starting the next. The first
// error stops the chain. call is also where per-step results are merged.
func runHooks[H any](ctx context.Context, s *Server, name string, attrs []attribute.KeyValue, call func(context.Context, H) error) Result {
	ctx, span := s.tracer.Start(ctx, "hocuspocus."+name, trace.WithAttributes(attrs...))
	defer span.End()

	start := time.Now()
	res := Result{Outcome: OutcomeContinue}
	ran := 0
	for i, ext := range s.extensions {
		h, ok := ext.(H)
		if !ok {
			continue
		}
		ran++
		if err := call(ctx, h); err != nil {
			herr := &HookError{Hook: name, Extension: i, Err: err}
			if errors.Is(err, ErrVeto) {
				res = Result{Outcome: OutcomeAbort, Err: herr}
			} else {
				res = Result{Outcome: OutcomeFail, Err: herr}
			}
			break
		}
	}

	span.SetAttributes(
		attribute.String("hook.outcome", res.Outcome.String()),
		attribute.Int("hook.extensions", ran),
	)
	if res.Outcome == OutcomeFail {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Err.Error())
	}
	s.metrics.observeHook(name, res.Outcome, time.Since(start))
	return res
}

// Hooks adapts plain functions to the hook interfaces. Nil fields are
// skipped. Config.Hooks is registered after Config.Extensions.
type Hooks struct {
	Configure      func(context.Context, *ConfigurePayload) error
	Listen         func(context.Context, *ListenPayload) error
	Request        func(context.Context, *RequestPayload) error
	Upgrade        func(context.Context, *UpgradePayload) error
	Connect        func(context.Context, *ConnectPayload) (Context, error)
	Authenticate   func(context.Context, *AuthenticatePayload) (Context, error)
	CreateDocument func(context.Context, *CreateDocumentPayload) ([]byte, error)
	Change         func(context.Context, *ChangePayload) error
	Stateless      func(context.Context, *StatelessPayload) error
	Disconnect     func(context.Context, *DisconnectPayload) error
	Destroy        func(context.Context, *DestroyPayload) error
}

func (h *Hooks) OnConfigure(ctx context.Context, p *ConfigurePayload) error {
	if h.Configure == nil {
		return nil
	}
	return h.Configure(ctx, p)
}

func (h *Hooks) OnListen(ctx context.Context, p *ListenPayload) error {
	if h.Listen == nil {
		return nil
	}
	return h.Listen(ctx, p)
}

func (h *Hooks) OnRequest(ctx context.Context, p *RequestPayload) error {
	if h.Request == nil {
		return nil
	}
	return h.Request(ctx, p)
}

func (h *Hooks) OnUpgrade(ctx context.Context, p *UpgradePayload) error {
	if h.Upgrade == nil {
		return nil
	}
	return h.Upgrade(ctx, p)
}

func (h *Hooks) OnConnect(ctx context.Context, p *ConnectPayload) (Context, error) {
	if h.Connect == nil {
		return nil, nil
	}
	return h.Connect(ctx, p)
}

func (h *Hooks) OnAuthenticate(ctx context.Context, p *AuthenticatePayload) (Context, error) {
	if h.Authenticate == nil {
		return nil, nil
	}
	return h.Authenticate(ctx, p)
}

func (h *Hooks) OnCreateDocument(ctx context.Context, p *CreateDocumentPayload) ([]byte, error) {
	if h.CreateDocument == nil {
		return nil, nil
	}
	return h.CreateDocument(ctx, p)
}

func (h *Hooks) OnChange(ctx context.Context, p *ChangePayload) error {
	if h.Change == nil {
		return nil
	}
	return h.Change(ctx, p)
}

func (h *Hooks) OnStateless(ctx context.Context, p *StatelessPayload) error {
	if h.Stateless == nil {
		return nil
	}
	return h.Stateless(ctx, p)
}

func (h *Hooks) OnDisconnect(ctx context.Context, p *DisconnectPayload) error {
	if h.Disconnect == nil {
		return nil
	}
	return h.Disconnect(ctx, p)
}

func (h *Hooks) OnDestroy(ctx context.Context, p *DestroyPayload) error {
	if h.Destroy == nil {
		return nil
	}
	return h.Destroy(ctx, p)
}
