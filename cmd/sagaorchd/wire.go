package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/fortressi/sagaorch"
	"github.com/fortressi/sagaorch/config"
	"github.com/fortressi/sagaorch/gateway"
	"github.com/fortressi/sagaorch/gateway/httpcall"
	"github.com/fortressi/sagaorch/gateway/kafkabus"
	"github.com/fortressi/sagaorch/gateway/redisstream"
	"github.com/fortressi/sagaorch/postgres"
	"github.com/fortressi/sagaorch/redisstore"
	"github.com/go-logr/logr"
	"github.com/redis/go-redis/v9"
)

func nopClose() error { return nil }

func newRegistry(defs []sagaorch.SagaDefinition) (*sagaorch.Registry, error) {
	registry := sagaorch.NewRegistry()
	for _, def := range defs {
		if err := registry.Register(def); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

func openStore(ctx context.Context, cfg config.StoreConfig) (sagaorch.Store, func() error, error) {
	switch cfg.Kind {
	case config.StoreMemory:
		return sagaorch.NewMemoryStore(), nopClose, nil
	case config.StoreFile:
		store, err := sagaorch.NewFileStore(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return store, nopClose, nil
	case config.StorePostgres:
		db, err := sql.Open("postgres", cfg.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("ping postgres: %w", err)
		}
		store := postgres.New(db)
		if err := store.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return store, db.Close, nil
	case config.StoreRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("ping redis: %w", err)
		}
		return redisstore.New(client, cfg.RedisPrefix), client.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown store %q", cfg.Kind)
	}
}

// transport is the orchestrator side of the configured participant transport.
type transport struct {
	gateway sagaorch.Gateway
	// consume delivers replies until ctx is done; nil for synchronous
	// transports.
	consume func(ctx context.Context) error
	close   func() error
}

func openTransport(cfg config.TransportConfig, registry *sagaorch.Registry, logger logr.Logger) (*transport, error) {
	t := &transport{close: nopClose}
	var fallback sagaorch.Gateway

	switch cfg.Kind {
	case config.TransportLocal:
		fallback = simulatedParticipants(registry, "")
	case config.TransportHTTP:
		fallback = httpcall.New(cfg.Endpoints, logger)
	case config.TransportRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		rs := redisstream.New(client, redisstream.DefaultOptions, logger)
		correlator := gateway.NewCorrelator(rs, logger)
		fallback = correlator
		t.consume = func(ctx context.Context) error { return rs.Consume(ctx, correlator) }
		t.close = client.Close
	case config.TransportKafka:
		bus := kafkabus.New(cfg.Kafka, logger)
		correlator := gateway.NewCorrelator(bus, logger)
		fallback = correlator
		t.consume = func(ctx context.Context) error { return bus.Consume(ctx, correlator) }
		t.close = bus.Close
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Kind)
	}

	router := sagaorch.NewRouter(fallback)
	if cfg.Kind != config.TransportHTTP && len(cfg.Endpoints) > 0 {
		client := httpcall.New(cfg.Endpoints, logger)
		for _, p := range client.Participants() {
			router.Route(p, client)
		}
	}
	t.gateway = withReplyTimeout(router, cfg.ReplyTimeout)
	return t, nil
}

// withReplyTimeout bounds invocations whose context has no deadline.
func withReplyTimeout(gw sagaorch.Gateway, d time.Duration) sagaorch.Gateway {
	return sagaorch.GatewayFunc(func(ctx context.Context, inv sagaorch.Invocation) (sagaorch.Outcome, error) {
		if _, ok := ctx.Deadline(); !ok && d > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d)
			defer cancel()
		}
		return gw.Invoke(ctx, inv)
	})
}

// simulatedParticipants answers every command the registered sagas name with
// SUCCESS. With participant set, only that participant's commands are served.
func simulatedParticipants(registry *sagaorch.Registry, participant string) *sagaorch.LocalGateway {
	gw := sagaorch.NewLocalGateway()
	succeed := func(_ context.Context, inv sagaorch.Invocation) (sagaorch.Outcome, error) {
		return sagaorch.Success(inv.Payload), nil
	}
	for _, sagaType := range registry.Types() {
		def, err := registry.Lookup(sagaType)
		if err != nil {
			continue
		}
		for _, step := range def.Steps {
			if participant != "" && step.Participant != participant {
				continue
			}
			for _, command := range []string{step.Action, step.Compensation} {
				if command == "" {
					continue
				}
				// The same command may be shared by several sagas.
				_ = gw.Handle(step.Participant, command, sagaorch.Idempotent(succeed))
			}
		}
	}
	return gw
}
