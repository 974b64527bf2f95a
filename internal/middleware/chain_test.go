package middleware_test

import (
	"context"
	"testing"

	"github.com/wardline/kernel/internal/middleware"
	"github.com/wardline/kernel/internal/model"
)

func msg() *model.InboundMessage {
	return &model.InboundMessage{ChannelID: "c", UserKey: "u", MessageID: "m", Type: model.MessageText, Text: "hi"}
}

func always(kind middleware.OutcomeKind, name string) middleware.Middleware {
	return middleware.NewMiddlewareFunc(name, func(ctx context.Context, m *model.InboundMessage) middleware.Outcome {
		switch kind {
		case middleware.Reject:
			return middleware.RejectOutcome("SOME_CODE", "denied by "+name)
		default:
			return middleware.ContinueOutcome()
		}
	})
}

func Test_Chain_AllContinueDispatches(t *testing.T) {
	dispatched := false
	c := middleware.NewChain(
		[]middleware.Middleware{always(middleware.Continue, "dedupe"), always(middleware.Continue, "ratelimit")},
		always(middleware.Continue, "audit"),
		func(ctx context.Context, m *model.InboundMessage) error { dispatched = true; return nil },
	)
	res, err := c.Run(context.Background(), msg())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Accepted || !dispatched {
		t.Fatalf("expected accepted+dispatched, got accepted=%v dispatched=%v", res.Accepted, dispatched)
	}
}

func Test_Chain_RejectShortCircuitsButAuditRuns(t *testing.T) {
	auditRan := false
	laterStageRan := false
	dispatched := false

	audit := middleware.NewMiddlewareFunc("audit", func(ctx context.Context, m *model.InboundMessage) middleware.Outcome {
		auditRan = true
		return middleware.ContinueOutcome()
	})
	later := middleware.NewMiddlewareFunc("dispatch-guard", func(ctx context.Context, m *model.InboundMessage) middleware.Outcome {
		laterStageRan = true
		return middleware.ContinueOutcome()
	})

	c := middleware.NewChain(
		[]middleware.Middleware{always(middleware.Reject, "policy"), later},
		audit,
		func(ctx context.Context, m *model.InboundMessage) error { dispatched = true; return nil },
	)
	res, err := c.Run(context.Background(), msg())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Accepted {
		t.Fatal("expected rejection")
	}
	if res.FinalCode != "SOME_CODE" {
		t.Fatalf("expected FinalCode SOME_CODE, got %q", res.FinalCode)
	}
	if laterStageRan {
		t.Fatal("expected the stage after rejection to be skipped")
	}
	if !auditRan {
		t.Fatal("expected audit to run even after a rejection")
	}
	if dispatched {
		t.Fatal("expected dispatch to be skipped on rejection")
	}
}

func Test_Chain_RewriteReplacesMessageForLaterStages(t *testing.T) {
	var seenText string
	rewriter := middleware.NewMiddlewareFunc("rewriter", func(ctx context.Context, m *model.InboundMessage) middleware.Outcome {
		rewritten := *m
		rewritten.Text = "rewritten"
		return middleware.RewriteOutcome(&rewritten)
	})
	observer := middleware.NewMiddlewareFunc("observer", func(ctx context.Context, m *model.InboundMessage) middleware.Outcome {
		seenText = m.Text
		return middleware.ContinueOutcome()
	})

	c := middleware.NewChain([]middleware.Middleware{rewriter, observer}, nil, nil)
	if _, err := c.Run(context.Background(), msg()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if seenText != "rewritten" {
		t.Fatalf("expected later stage to observe rewritten text, got %q", seenText)
	}
}
