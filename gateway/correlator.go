// Package gateway turns asynchronous participant transports into a
// sagaorch.Gateway.
//
// A transport publishes the invocation as a command message and later
// receives a Reply carrying the same idempotency key. The Correlator pairs
// the two and makes the executor's call look synchronous.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fortressi/sagaorch"
	"github.com/go-logr/logr"
	"github.com/puzpuzpuz/xsync/v3"
)

// Reply is the completion event a participant publishes for a command.
type Reply struct {
	IdempotencyKey string           `json:"idempotency_key"`
	Outcome        sagaorch.Outcome `json:"outcome"`
}

// Publisher sends a command message to a participant.
type Publisher interface {
	Publish(ctx context.Context, inv sagaorch.Invocation) error
}

// Ledger is implemented by publishers that remember resolved outcomes
// outside this process. The Correlator asks it before publishing again.
type Ledger interface {
	Outcome(ctx context.Context, idempotencyKey string) (sagaorch.Outcome, bool, error)
}

// Resolver accepts replies read by a transport.
type Resolver interface {
	Resolve(reply Reply) bool
}

type waiter struct {
	done    chan struct{}
	once    sync.Once
	outcome sagaorch.Outcome
}

func (w *waiter) resolve(o sagaorch.Outcome) {
	w.once.Do(func() {
		w.outcome = o
		close(w.done)
	})
}

// DefaultResolvedTTL is how long a Correlator keeps a final outcome.
const DefaultResolvedTTL = 15 * time.Minute

type resolvedOutcome struct {
	outcome sagaorch.Outcome
	at      time.Time
}

// Correlator is a sagaorch.Gateway over a Publisher.
//
// Concurrent invocations with the same idempotency key share one published
// command. Final outcomes, SUCCESS and non-retryable FAILURE, are kept for a
// while and handed to later invocations with that key without publishing
// again. Once expired, the command is published again and the participant
// answers it from its own idempotency record.
type Correlator struct {
	publisher   Publisher
	ledger      Ledger
	pending     *xsync.MapOf[string, *waiter]
	resolved    *xsync.MapOf[string, resolvedOutcome]
	resolvedTTL time.Duration
	lastSweep   atomic.Int64
	now         func() time.Time
	logger      logr.Logger
}

// CorrelatorOption configures a Correlator.
type CorrelatorOption func(*Correlator)

// WithResolvedTTL sets how long final outcomes are kept.
func WithResolvedTTL(d time.Duration) CorrelatorOption {
	return func(c *Correlator) {
		if d > 0 {
			c.resolvedTTL = d
		}
	}
}

// WithClock replaces time.Now for outcome expiry.
func WithClock(now func() time.Time) CorrelatorOption {
	return func(c *Correlator) { c.now = now }
}

func NewCorrelator(publisher Publisher, logger logr.Logger, opts ...CorrelatorOption) *Correlator {
	c := &Correlator{
		publisher:   publisher,
		pending:     xsync.NewMapOf[string, *waiter](),
		resolved:    xsync.NewMapOf[string, resolvedOutcome](),
		resolvedTTL: DefaultResolvedTTL,
		now:         time.Now,
		logger:      logger.WithName("correlator"),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.lastSweep.Store(c.now().UnixNano())
	if l, ok := publisher.(Ledger); ok {
		c.ledger = l
	}
	return c
}

// Invoke publishes inv and waits for its reply. A context deadline becomes a
// TIMEOUT outcome. Cancellation is returned as an error.
func (c *Correlator) Invoke(ctx context.Context, inv sagaorch.Invocation) (sagaorch.Outcome, error) {
	key := inv.IdempotencyKey
	if key == "" {
		return sagaorch.Outcome{}, errors.New("invocation has no idempotency key")
	}
	if o, ok := c.lookup(key); ok {
		c.logger.V(1).Info("replaying resolved outcome", "key", key, "kind", o.Kind)
		return o, nil
	}
	if c.ledger != nil {
		o, ok, err := c.ledger.Outcome(ctx, key)
		if err != nil {
			return sagaorch.Outcome{}, fmt.Errorf("read outcome ledger: %w", err)
		}
		if ok {
			c.remember(key, o)
			return o, nil
		}
	}

	w, joined := c.pending.LoadOrStore(key, &waiter{done: make(chan struct{})})
	if !joined {
		if err := c.publisher.Publish(ctx, inv); err != nil {
			c.forget(key, w)
			return sagaorch.Outcome{}, fmt.Errorf("publish %s.%s: %w", inv.Participant, inv.Command, err)
		}
	}

	select {
	case <-w.done:
		return w.outcome, nil
	case <-ctx.Done():
		// A retry must publish again, unless the reply arrives in between.
		c.forget(key, w)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return sagaorch.Timeout(fmt.Sprintf("no reply from %s.%s", inv.Participant, inv.Command)), nil
		}
		return sagaorch.Outcome{}, ctx.Err()
	}
}

// Resolve delivers a reply. It reports whether an invocation was waiting.
func (c *Correlator) Resolve(reply Reply) bool {
	key := reply.IdempotencyKey
	c.remember(key, reply.Outcome)
	w, ok := c.pending.LoadAndDelete(key)
	if !ok {
		c.logger.V(1).Info("reply without waiter", "key", key, "kind", reply.Outcome.Kind)
		return false
	}
	w.resolve(reply.Outcome)
	return true
}

// Pending returns the number of invocations waiting for a reply.
func (c *Correlator) Pending() int {
	return c.pending.Size()
}

// Remembered returns the number of final outcomes kept, expired ones that
// were not swept yet included.
func (c *Correlator) Remembered() int {
	return c.resolved.Size()
}

func (c *Correlator) expired(r resolvedOutcome, now time.Time) bool {
	return now.Sub(r.at) >= c.resolvedTTL
}

func (c *Correlator) lookup(key string) (sagaorch.Outcome, bool) {
	r, ok := c.resolved.Load(key)
	if !ok {
		return sagaorch.Outcome{}, false
	}
	if c.expired(r, c.now()) {
		return sagaorch.Outcome{}, false
	}
	return r.outcome, true
}

func (c *Correlator) remember(key string, o sagaorch.Outcome) {
	now := c.now()
	if o.Kind == sagaorch.OutcomeSuccess || (o.Kind == sagaorch.OutcomeFailure && !o.Retryable) {
		c.resolved.Compute(key, func(old resolvedOutcome, loaded bool) (resolvedOutcome, bool) {
			if loaded && !c.expired(old, now) {
				return old, false
			}
			return resolvedOutcome{outcome: o, at: now}, false
		})
	}
	c.sweep(now)
}

// sweep drops expired outcomes, at most once per TTL.
func (c *Correlator) sweep(now time.Time) {
	last := c.lastSweep.Load()
	if now.UnixNano()-last < int64(c.resolvedTTL) || !c.lastSweep.CompareAndSwap(last, now.UnixNano()) {
		return
	}
	n := 0
	c.resolved.Range(func(key string, r resolvedOutcome) bool {
		if c.expired(r, now) {
			c.resolved.Delete(key)
			n++
		}
		return true
	})
	if n > 0 {
		c.logger.V(1).Info("dropped expired outcomes", "count", n)
	}
}

func (c *Correlator) forget(key string, w *waiter) {
	c.pending.Compute(key, func(old *waiter, loaded bool) (*waiter, bool) {
		return old, !loaded || old == w
	})
}

var (
	_ sagaorch.Gateway = (*Correlator)(nil)
	_ Resolver         = (*Correlator)(nil)
)
