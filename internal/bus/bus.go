// Package bus is the Message Bus: adapter registry, per-conversation
// serialized inbound dispatch, and outbound retry with backoff. It wires
// the middleware chain (dedupe, rate limit, policy, audit) in front of
// every inbound message. Outbound messages are handed to the channel's
// Adapter without passing through any middleware.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wardline/kernel/common/retry"
	"github.com/wardline/kernel/internal/channel"
	"github.com/wardline/kernel/internal/middleware"
	"github.com/wardline/kernel/internal/model"
	"github.com/wardline/kernel/internal/policy"
	"github.com/wardline/kernel/internal/store"
)

// Adapter is implemented by each channel integration (Telegram, Slack,
// Matrix, ...) and consumed by the bus. Parse returning (nil, nil) is a
// benign drop: bot echo, message edit, or an unsupported event type.
type Adapter interface {
	Verify(headers map[string][]string, body []byte) bool
	Parse(body []byte) (*model.InboundMessage, error)
	Send(ctx context.Context, msg *model.OutboundMessage) (providerMessageID string, err error)
}

// URLVerifier is optionally implemented by Adapters needing Slack-style
// webhook URL verification challenges.
type URLVerifier interface {
	HandleURLVerification(body []byte) (challenge []byte, ok bool)
}

// queueMaxIdle is how long a per-conversation queue goroutine may sit idle
// before the bus reclaims it.
const queueMaxIdle = 10 * time.Minute

// conversationQueue serializes all inbound processing for one
// conversation_key so that ordering is preserved and no two goroutines run
// the chain concurrently for the same conversation.
type conversationQueue struct {
	work     chan func()
	lastUsed time.Time
}

// Bus is the central adapter registry and message router.
type Bus struct {
	registry *channel.Registry
	configs  *channel.ConfigStore
	db       *store.Store
	rate     *store.RateLimiter
	enforcer *policy.Enforcer
	dispatch func(ctx context.Context, channelID string, msg *model.InboundMessage) error

	mu       sync.RWMutex
	adapters map[string]Adapter

	qmu    sync.Mutex
	queues map[string]*conversationQueue
}

// New builds a Bus. dispatch is the business-logic handler invoked for
// every message that survives the inbound chain.
func New(registry *channel.Registry, configs *channel.ConfigStore, db *store.Store, dispatch func(ctx context.Context, channelID string, msg *model.InboundMessage) error) *Bus {
	b := &Bus{
		registry: registry,
		configs:  configs,
		db:       db,
		rate:     store.NewRateLimiter(),
		enforcer: policy.New(),
		dispatch: dispatch,
		adapters: make(map[string]Adapter),
		queues:   make(map[string]*conversationQueue),
	}
	go b.reapIdleQueues()
	return b
}

// RegisterAdapter binds an Adapter implementation to a channel_id.
func (b *Bus) RegisterAdapter(channelID string, a Adapter) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.adapters[channelID] = a
}

func (b *Bus) adapterFor(channelID string) (Adapter, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	a, ok := b.adapters[channelID]
	return a, ok
}

// HandleInbound verifies and parses a raw webhook delivery, then enqueues
// the resulting InboundMessage onto its conversation's serialized queue.
// A nil parsed message (benign drop) returns nil with no further action.
func (b *Bus) HandleInbound(ctx context.Context, channelID string, headers map[string][]string, body []byte) error {
	a, ok := b.adapterFor(channelID)
	if !ok {
		return fmt.Errorf("no adapter registered for channel %q", channelID)
	}
	if !a.Verify(headers, body) {
		return fmt.Errorf("webhook verification failed for channel %q", channelID)
	}
	msg, err := a.Parse(body)
	if err != nil {
		return fmt.Errorf("parse inbound body: %w", err)
	}
	if msg == nil {
		return nil // benign drop
	}
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("invalid parsed message: %w", err)
	}
	msg.ChannelID = channelID

	done := make(chan error, 1)
	b.enqueue(msg.ConversationKey, func() {
		done <- b.runChain(ctx, channelID, msg)
	})
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runChain assembles and executes the dedupe/rate-limit/policy/audit/
// dispatch chain for one message.
func (b *Bus) runChain(ctx context.Context, channelID string, msg *model.InboundMessage) error {
	manifest, ok := b.registry.GetManifest(channelID)
	if !ok {
		return fmt.Errorf("no manifest registered for channel %q", channelID)
	}

	cfg, err := b.configs.GetStatus(ctx, channelID)
	overrides := map[string]interface{}{}
	if err == nil && cfg.ConfigJSON != nil {
		overrides = decodeOverrides(cfg.ConfigJSON)
	}
	secPolicy := channel.DeriveSecurityPolicy(manifest, overrides)

	dedupe := middleware.NewMiddlewareFunc("dedupe", func(ctx context.Context, m *model.InboundMessage) middleware.Outcome {
		first, err := b.db.CheckAndMarkSeen(ctx, channelID, m.MessageID)
		if err != nil {
			slog.Error("dedupe store failure", "channel", channelID, "message_id", m.MessageID, "error", err)
			return middleware.RejectOutcome("STORE_WRITE_FAILED", "dedupe store unavailable")
		}
		if !first {
			return middleware.RejectOutcome("DUPLICATE", "message already processed, treated as a tolerated retry")
		}
		return middleware.ContinueOutcome()
	})

	rateLimit := middleware.NewMiddlewareFunc("ratelimit", func(ctx context.Context, m *model.InboundMessage) middleware.Outcome {
		if !b.rate.Allow(channelID, m.UserKey, secPolicy.RateLimitPerMinute) {
			v := &model.SecurityViolation{
				ChannelID: channelID, ViolationType: model.ViolationRateLimitExceeded,
				MessageID: m.MessageID, UserKey: m.UserKey, PolicyMode: string(secPolicy.Mode),
				Timestamp: time.Now(), Action: model.ActionBlocked,
			}
			if err := b.db.WriteViolation(ctx, v); err != nil {
				slog.Error("failed to persist rate-limit violation", "channel", channelID, "error", err)
			}
			return middleware.RejectOutcome("RATE_LIMIT_EXCEEDED", "sliding-window rate limit exceeded")
		}
		return middleware.ContinueOutcome()
	})

	policyStage := middleware.NewMiddlewareFunc("policy", func(ctx context.Context, m *model.InboundMessage) middleware.Outcome {
		token := m.Metadata["admin_token"]
		d := b.enforcer.Evaluate(secPolicy, m, token)
		if !d.Rejected {
			return middleware.ContinueOutcome()
		}
		v := &model.SecurityViolation{
			ChannelID: channelID, ViolationType: model.ViolationType(d.Code),
			MessageID: m.MessageID, UserKey: m.UserKey, PolicyMode: string(secPolicy.Mode),
			AttemptedOperation: string(d.Class), Timestamp: time.Now(),
		}
		if d.Dropped {
			v.Action = model.ActionBlocked
		} else {
			v.Action = model.ActionWarned
		}
		if err := b.db.WriteViolation(ctx, v); err != nil {
			slog.Error("failed to persist policy violation", "channel", channelID, "error", err)
		}
		if d.Dropped {
			return middleware.RejectOutcome(string(d.Code), d.Reason)
		}
		return middleware.ContinueOutcome()
	})

	audit := middleware.NewMiddlewareFunc("audit", func(ctx context.Context, m *model.InboundMessage) middleware.Outcome {
		if err := b.configs.LogEvent(ctx, channelID, "message.received", m.MessageID, "processed", "", ""); err != nil {
			slog.Error("failed to log channel event", "channel", channelID, "error", err)
		}
		return middleware.ContinueOutcome()
	})

	chain := middleware.NewChain(
		[]middleware.Middleware{dedupe, rateLimit, policyStage},
		audit,
		func(ctx context.Context, m *model.InboundMessage) error {
			if b.dispatch == nil {
				return nil
			}
			return b.dispatch(ctx, channelID, m)
		},
	)

	_, err = chain.Run(ctx, msg)
	return err
}

func decodeOverrides(raw []byte) map[string]interface{} {
	// config_json stores flat string fields; overrides consumed by
	// DeriveSecurityPolicy are a sparse subset by convention, decoded
	// lazily by the caller that knows the expected override keys. Absent a
	// richer schema this is intentionally permissive: unknown keys are
	// ignored by DeriveSecurityPolicy.
	var m map[string]interface{}
	_ = json.Unmarshal(raw, &m)
	return m
}

// enqueue runs fn serialized per conversationKey, creating the queue's
// worker goroutine lazily on first use.
func (b *Bus) enqueue(conversationKey string, fn func()) {
	b.qmu.Lock()
	q, ok := b.queues[conversationKey]
	if !ok {
		q = &conversationQueue{work: make(chan func(), 64)}
		b.queues[conversationKey] = q
		go q.run()
	}
	q.lastUsed = time.Now()
	b.qmu.Unlock()
	q.work <- fn
}

func (q *conversationQueue) run() {
	for fn := range q.work {
		fn()
	}
}

// reapIdleQueues periodically closes and removes conversation queues that
// have been idle past queueMaxIdle, bounding long-run memory growth.
func (b *Bus) reapIdleQueues() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		b.qmu.Lock()
		now := time.Now()
		for key, q := range b.queues {
			if now.Sub(q.lastUsed) > queueMaxIdle {
				close(q.work)
				delete(b.queues, key)
			}
		}
		b.qmu.Unlock()
	}
}

// outboundRetryConfig bounds retries for adapter sends: at most 3 attempts
// total, exponential backoff starting at 500ms, capped at 5s, without jitter.
var outboundRetryConfig = retry.Config{
	MaxAttempts:  3,
	InitialDelay: 500 * time.Millisecond,
	MaxDelay:     5 * time.Second,
}

// SendOutbound validates msg, locates the adapter for msg.ChannelID, and
// calls adapter.Send with bounded retry on failure, logging a message.sent
// channel event on success. It applies no outbound rate-limit or policy
// check. Idempotency across retries is the adapter's responsibility via
// provider message-id deduplication.
func (b *Bus) SendOutbound(ctx context.Context, msg *model.OutboundMessage) error {
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("invalid outbound message: %w", err)
	}
	a, ok := b.adapterFor(msg.ChannelID)
	if !ok {
		return fmt.Errorf("no adapter registered for channel %q", msg.ChannelID)
	}

	var providerID string
	err := retry.Do(ctx, outboundRetryConfig, func() error {
		id, sendErr := a.Send(ctx, msg)
		if sendErr != nil {
			return sendErr
		}
		providerID = id
		return nil
	})
	if err != nil {
		if logErr := b.db.LogSystemEvent(ctx, "error", "outbound send failed after retries", nil); logErr != nil {
			slog.Error("failed to log system event", "error", logErr)
		}
		return fmt.Errorf("adapter send failed: %w", err)
	}
	if err := b.configs.LogEvent(ctx, msg.ChannelID, "message.sent", providerID, "sent", "", ""); err != nil {
		slog.Error("failed to log outbound channel event", "channel", msg.ChannelID, "error", err)
	}
	return nil
}
