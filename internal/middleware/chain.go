// Package middleware implements the bus's ordered inbound processing chain:
// Dedupe, Rate Limit, Policy Enforcer, Audit, Dispatch. Each stage returns a
// three-valued Outcome; rejection short-circuits later stages except Audit,
// which always runs regardless of what came before it.
package middleware

import (
	"context"

	"github.com/wardline/kernel/internal/model"
)

// OutcomeKind is the closed set of results a Middleware stage can return.
type OutcomeKind int

const (
	Continue OutcomeKind = iota
	Reject
	Rewrite
)

// Outcome is the three-valued result of one middleware stage.
type Outcome struct {
	Kind OutcomeKind
	// Reason and Code are set when Kind == Reject.
	Reason string
	Code   string
	// Rewritten is set when Kind == Rewrite: the message subsequent stages
	// should see in place of the one they were called with.
	Rewritten *model.InboundMessage
}

func ContinueOutcome() Outcome { return Outcome{Kind: Continue} }

func RejectOutcome(code, reason string) Outcome {
	return Outcome{Kind: Reject, Code: code, Reason: reason}
}

func RewriteOutcome(msg *model.InboundMessage) Outcome {
	return Outcome{Kind: Rewrite, Rewritten: msg}
}

// Middleware is one stage of the inbound processing chain.
type Middleware interface {
	// Name identifies the stage for logging and audit annotation.
	Name() string
	// Process evaluates msg and returns an Outcome. The chain's audit stage
	// is invoked once by Chain.Run after the other stages, including on
	// rejection.
	Process(ctx context.Context, msg *model.InboundMessage) Outcome
}

// MiddlewareFunc adapts a plain function to the Middleware interface.
type MiddlewareFunc struct {
	name string
	fn   func(ctx context.Context, msg *model.InboundMessage) Outcome
}

func NewMiddlewareFunc(name string, fn func(ctx context.Context, msg *model.InboundMessage) Outcome) MiddlewareFunc {
	return MiddlewareFunc{name: name, fn: fn}
}

func (m MiddlewareFunc) Name() string { return m.name }
func (m MiddlewareFunc) Process(ctx context.Context, msg *model.InboundMessage) Outcome {
	return m.fn(ctx, msg)
}

// Annotation records one stage's contribution to the chain's run, for the
// Audit stage to persist alongside the final decision.
type Annotation struct {
	Stage  string
	Kind   OutcomeKind
	Reason string
	Code   string
}

// Result is the final outcome of running a message through the chain.
type Result struct {
	Accepted    bool
	FinalCode   string
	FinalReason string
	Message     *model.InboundMessage
	Annotations []Annotation
}

// Chain runs an ordered list of Middleware stages over one inbound message.
// The dedicated audit stage passed to NewChain (if non-nil) always runs, even
// after an earlier stage rejects; every other stage after a rejection is
// skipped.
type Chain struct {
	stages []Middleware
	audit  Middleware
	next   func(ctx context.Context, msg *model.InboundMessage) error
}

// NewChain builds a Chain. audit is a dedicated stage guaranteed to run even
// when an earlier stage rejects; dispatch is invoked only when every
// non-audit stage continues (after any rewrites are applied).
func NewChain(stages []Middleware, audit Middleware, dispatch func(ctx context.Context, msg *model.InboundMessage) error) *Chain {
	return &Chain{stages: stages, audit: audit, next: dispatch}
}

// Run executes the chain over msg. It returns the Result describing whether
// the message was ultimately accepted and every stage's annotation, and an
// error only if Dispatch itself failed.
func (c *Chain) Run(ctx context.Context, msg *model.InboundMessage) (Result, error) {
	current := msg
	res := Result{Accepted: true, Message: current}
	rejected := false

	for _, stage := range c.stages {
		if rejected {
			break
		}
		outcome := stage.Process(ctx, current)
		res.Annotations = append(res.Annotations, Annotation{
			Stage: stage.Name(), Kind: outcome.Kind, Reason: outcome.Reason, Code: outcome.Code,
		})
		switch outcome.Kind {
		case Reject:
			rejected = true
			res.Accepted = false
			res.FinalCode = outcome.Code
			res.FinalReason = outcome.Reason
		case Rewrite:
			current = outcome.Rewritten
			res.Message = current
		}
	}

	if c.audit != nil {
		outcome := c.audit.Process(ctx, current)
		res.Annotations = append(res.Annotations, Annotation{
			Stage: c.audit.Name(), Kind: outcome.Kind, Reason: outcome.Reason, Code: outcome.Code,
		})
	}

	if !res.Accepted {
		return res, nil
	}
	if c.next != nil {
		if err := c.next(ctx, current); err != nil {
			return res, err
		}
	}
	return res, nil
}
