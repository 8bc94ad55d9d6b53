// Package redisstream carries participant commands and replies on Redis
// Streams.
//
// Commands for a participant are appended to <prefix>:commands:<participant>.
// Participants append a gateway.Reply to <prefix>:replies, which the
// orchestrator reads through a consumer group. Final outcomes are also
// written once to <prefix>:outcome:<idempotency key> so that any process
// retrying the same step finds them without publishing again.
package redisstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fortressi/sagaorch"
	"github.com/fortressi/sagaorch/gateway"
	"github.com/go-logr/logr"
	"github.com/redis/go-redis/v9"
)

type Options struct {
	Prefix    string
	Group     string
	Consumer  string
	Block     time.Duration
	BatchSize int64
	LedgerTTL time.Duration
}

var DefaultOptions = Options{
	Prefix:    "sagaorch",
	Group:     "sagaorch",
	Consumer:  "orchestrator",
	Block:     2 * time.Second,
	BatchSize: 16,
	LedgerTTL: 24 * time.Hour,
}

func (o Options) withDefaults() Options {
	d := DefaultOptions
	if o.Prefix != "" {
		d.Prefix = o.Prefix
	}
	if o.Group != "" {
		d.Group = o.Group
	}
	if o.Consumer != "" {
		d.Consumer = o.Consumer
	}
	if o.Block > 0 {
		d.Block = o.Block
	}
	if o.BatchSize > 0 {
		d.BatchSize = o.BatchSize
	}
	if o.LedgerTTL > 0 {
		d.LedgerTTL = o.LedgerTTL
	}
	return d
}

type Transport struct {
	client *redis.Client
	opts   Options
	logger logr.Logger
}

func New(client *redis.Client, opts Options, logger logr.Logger) *Transport {
	return &Transport{
		client: client,
		opts:   opts.withDefaults(),
		logger: logger.WithName("redisstream"),
	}
}

func (t *Transport) CommandStream(participant string) string {
	return t.opts.Prefix + ":commands:" + participant
}

func (t *Transport) ReplyStream() string {
	return t.opts.Prefix + ":replies"
}

func (t *Transport) ledgerKey(idempotencyKey string) string {
	return t.opts.Prefix + ":outcome:" + idempotencyKey
}

// Publish appends inv to the command stream of its participant.
func (t *Transport) Publish(ctx context.Context, inv sagaorch.Invocation) error {
	return t.add(ctx, t.CommandStream(inv.Participant), inv)
}

// Reply appends a completion event to the reply stream.
func (t *Transport) Reply(ctx context.Context, reply gateway.Reply) error {
	return t.add(ctx, t.ReplyStream(), reply)
}

// Outcome returns the final outcome recorded for idempotencyKey, if any.
func (t *Transport) Outcome(ctx context.Context, idempotencyKey string) (sagaorch.Outcome, bool, error) {
	data, err := t.client.Get(ctx, t.ledgerKey(idempotencyKey)).Bytes()
	if errors.Is(err, redis.Nil) {
		return sagaorch.Outcome{}, false, nil
	}
	if err != nil {
		return sagaorch.Outcome{}, false, err
	}
	var o sagaorch.Outcome
	if err := json.Unmarshal(data, &o); err != nil {
		return sagaorch.Outcome{}, false, fmt.Errorf("decode outcome: %w", err)
	}
	return o, true, nil
}

// Consume reads the reply stream and hands every reply to r until ctx is
// done.
func (t *Transport) Consume(ctx context.Context, r gateway.Resolver) error {
	return t.consume(ctx, t.ReplyStream(), t.opts.Group, func(data []byte) error {
		var reply gateway.Reply
		if err := json.Unmarshal(data, &reply); err != nil {
			return fmt.Errorf("decode reply: %w", err)
		}
		if err := t.record(ctx, reply); err != nil {
			return err
		}
		r.Resolve(reply)
		return nil
	})
}

// Serve runs participant: it reads the participant's command stream through
// group, invokes gw for each command and publishes the outcome as a reply.
// An error from gw is replied as a retryable FAILURE.
func (t *Transport) Serve(ctx context.Context, participant, group string, gw sagaorch.Gateway) error {
	return t.consume(ctx, t.CommandStream(participant), group, func(data []byte) error {
		var inv sagaorch.Invocation
		if err := json.Unmarshal(data, &inv); err != nil {
			return fmt.Errorf("decode command: %w", err)
		}
		out, err := gw.Invoke(ctx, inv)
		if err != nil {
			out = sagaorch.Failure(err.Error(), true)
		}
		return t.Reply(ctx, gateway.Reply{IdempotencyKey: inv.IdempotencyKey, Outcome: out})
	})
}

func (t *Transport) add(ctx context.Context, stream string, msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	err = t.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{
			"data": string(data),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", stream, err)
	}
	return nil
}

func (t *Transport) record(ctx context.Context, reply gateway.Reply) error {
	o := reply.Outcome
	if o.Kind != sagaorch.OutcomeSuccess && !(o.Kind == sagaorch.OutcomeFailure && !o.Retryable) {
		return nil
	}
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("marshal outcome: %w", err)
	}
	if err := t.client.SetNX(ctx, t.ledgerKey(reply.IdempotencyKey), data, t.opts.LedgerTTL).Err(); err != nil {
		return fmt.Errorf("record outcome: %w", err)
	}
	return nil
}

func (t *Transport) consume(ctx context.Context, stream, group string, handle func(data []byte) error) error {
	err := t.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s on %s: %w", group, stream, err)
	}

	for {
		results, err := t.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: t.opts.Consumer,
			Streams:  []string{stream, ">"},
			Count:    t.opts.BatchSize,
			Block:    t.opts.Block,
		}).Result()
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return fmt.Errorf("xreadgroup %s: %w", stream, err)
		}

		for _, result := range results {
			for _, m := range result.Messages {
				data, ok := m.Values["data"].(string)
				if !ok {
					t.logger.Info("dropping message without data", "stream", stream, "id", m.ID)
				} else if err := handle([]byte(data)); err != nil {
					// Left pending; the message is not acknowledged.
					t.logger.Error(err, "handle message", "stream", stream, "id", m.ID)
					continue
				}
				if err := t.client.XAck(ctx, stream, group, m.ID).Err(); err != nil && ctx.Err() == nil {
					t.logger.Error(err, "ack message", "stream", stream, "id", m.ID)
				}
			}
		}
	}
}

var (
	_ gateway.Publisher = (*Transport)(nil)
	_ gateway.Ledger    = (*Transport)(nil)
)
