// Package kafkabus carries participant commands and replies on Kafka.
//
// Each participant reads its own command topic. Replies from every
// participant go to a single reply topic. Every orchestrator process reads
// that topic through a consumer group of its own, so each reply reaches the
// process waiting on it whichever partition it lands on. Messages are keyed
// by idempotency key so that all attempts of a step land on the same
// partition in order.
package kafkabus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/fortressi/sagaorch"
	"github.com/fortressi/sagaorch/gateway"
	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

// Writer is the subset of *kafka.Writer the bus uses.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Reader is the subset of *kafka.Reader the bus uses.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ReaderFactory opens a Reader on topic for a consumer group.
type ReaderFactory func(topic, group string) Reader

// Config names the brokers and topics. GroupID prefixes the reply consumer
// group of each process.
type Config struct {
	Brokers            []string `mapstructure:"brokers"`
	CommandTopicPrefix string   `mapstructure:"command_topic_prefix"`
	ReplyTopic         string   `mapstructure:"reply_topic"`
	GroupID            string   `mapstructure:"group_id"`
}

func (c Config) withDefaults() Config {
	if c.CommandTopicPrefix == "" {
		c.CommandTopicPrefix = "sagaorch.commands."
	}
	if c.ReplyTopic == "" {
		c.ReplyTopic = "sagaorch.replies"
	}
	if c.GroupID == "" {
		c.GroupID = "sagaorch"
	}
	return c
}

type Bus struct {
	cfg        Config
	replyGroup string
	writer     Writer
	newReader  ReaderFactory
	logger     logr.Logger
}

// New connects to the brokers in cfg.
func New(cfg Config, logger logr.Logger) *Bus {
	cfg = cfg.withDefaults()
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
	}
	newReader := func(topic, group string) Reader {
		rc := kafka.ReaderConfig{
			Brokers: cfg.Brokers,
			Topic:   topic,
			GroupID: group,
		}
		if topic == cfg.ReplyTopic {
			// A fresh reply group has no use for replies sent before it
			// existed.
			rc.StartOffset = kafka.LastOffset
		}
		return kafka.NewReader(rc)
	}
	return NewWithClients(cfg, writer, newReader, logger)
}

// NewWithClients builds a Bus on the given writer and readers.
func NewWithClients(cfg Config, writer Writer, newReader ReaderFactory, logger logr.Logger) *Bus {
	cfg = cfg.withDefaults()
	return &Bus{
		cfg:        cfg,
		replyGroup: cfg.GroupID + "-" + uuid.NewString(),
		writer:     writer,
		newReader:  newReader,
		logger:     logger.WithName("kafkabus"),
	}
}

func (b *Bus) CommandTopic(participant string) string {
	return b.cfg.CommandTopicPrefix + participant
}

func (b *Bus) ReplyTopic() string {
	return b.cfg.ReplyTopic
}

// ReplyGroup is the consumer group Consume reads replies with. It is unique
// to this Bus.
func (b *Bus) ReplyGroup() string {
	return b.replyGroup
}

// Publish writes inv to the command topic of its participant.
func (b *Bus) Publish(ctx context.Context, inv sagaorch.Invocation) error {
	return b.write(ctx, b.CommandTopic(inv.Participant), inv.IdempotencyKey, inv)
}

// Reply writes a completion event to the reply topic.
func (b *Bus) Reply(ctx context.Context, reply gateway.Reply) error {
	return b.write(ctx, b.ReplyTopic(), reply.IdempotencyKey, reply)
}

// Consume reads the reply topic and hands every reply to r until ctx is
// done.
func (b *Bus) Consume(ctx context.Context, r gateway.Resolver) error {
	return b.consume(ctx, b.ReplyTopic(), b.replyGroup, func(value []byte) error {
		var reply gateway.Reply
		if err := json.Unmarshal(value, &reply); err != nil {
			return fmt.Errorf("decode reply: %w", err)
		}
		r.Resolve(reply)
		return nil
	})
}

// Serve runs participant: every command read from its topic is passed to gw
// and the outcome is written back as a reply. An error from gw is replied as
// a retryable FAILURE.
func (b *Bus) Serve(ctx context.Context, participant, group string, gw sagaorch.Gateway) error {
	return b.consume(ctx, b.CommandTopic(participant), group, func(value []byte) error {
		var inv sagaorch.Invocation
		if err := json.Unmarshal(value, &inv); err != nil {
			return fmt.Errorf("decode command: %w", err)
		}
		out, err := gw.Invoke(ctx, inv)
		if err != nil {
			out = sagaorch.Failure(err.Error(), true)
		}
		return b.Reply(ctx, gateway.Reply{IdempotencyKey: inv.IdempotencyKey, Outcome: out})
	})
}

func (b *Bus) Close() error {
	return b.writer.Close()
}

func (b *Bus) write(ctx context.Context, topic, key string, msg any) error {
	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	err = b.writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: value,
	})
	if err != nil {
		return fmt.Errorf("write %s: %w", topic, err)
	}
	return nil
}

func (b *Bus) consume(ctx context.Context, topic, group string, handle func(value []byte) error) error {
	r := b.newReader(topic, group)
	defer func() {
		if err := r.Close(); err != nil {
			b.logger.Error(err, "close reader", "topic", topic)
		}
	}()

	for {
		msg, err := r.FetchMessage(ctx)
		if ctx.Err() != nil || errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("fetch %s: %w", topic, err)
		}
		if err := handle(msg.Value); err != nil {
			// Committed anyway. A lost reply comes back to the executor as a
			// TIMEOUT and the step is retried under the same key.
			b.logger.Error(err, "handle message", "topic", topic, "offset", msg.Offset)
		}
		if err := r.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			return fmt.Errorf("commit %s: %w", topic, err)
		}
	}
}

var _ gateway.Publisher = (*Bus)(nil)
