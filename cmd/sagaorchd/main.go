// Command sagaorchd runs the saga orchestrator as a service.
//
//	sagaorchd serve [flags]                      run the orchestrator and its HTTP API
//	sagaorchd participant --name NAME [flags]    answer NAME's commands with SUCCESS over redis or kafka
//	sagaorchd graph --type TYPE [--order]        print the compensation graph of a saga type
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bombsimon/logrusr/v4"
	"github.com/fortressi/sagaorch"
	"github.com/fortressi/sagaorch/api"
	"github.com/fortressi/sagaorch/config"
	"github.com/fortressi/sagaorch/gateway/kafkabus"
	"github.com/fortressi/sagaorch/gateway/redisstream"
	"github.com/fortressi/sagaorch/metrics"
	"github.com/go-logr/logr"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/automaxprocs/maxprocs"
	"golang.org/x/sync/errgroup"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(os.Args[2:])
	case "participant":
		err = runParticipant(os.Args[2:])
	case "graph":
		err = runGraph(os.Args[2:], os.Stdout)
	default:
		printUsage()
		os.Exit(2)
	}
	if err != nil && !errors.Is(err, pflag.ErrHelp) {
		logrus.WithError(err).Fatalf("%s failed", os.Args[1])
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  sagaorchd serve [flags]")
	fmt.Fprintln(os.Stderr, "  sagaorchd participant --name NAME [flags]")
	fmt.Fprintln(os.Stderr, "  sagaorchd graph --type TYPE [flags]")
	fmt.Fprintln(os.Stderr, "\nConfiguration is read from --config and SAGAORCH_* environment variables.")
}

func load(name string, args []string, extra func(fs *pflag.FlagSet)) (*config.Config, error) {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	config.RegisterFlags(fs)
	if extra != nil {
		extra(fs)
	}
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return config.Load(viper.New(), fs)
}

func newLogger(verbosity int) logr.Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	switch {
	case verbosity > 1:
		l.SetLevel(logrus.TraceLevel)
	case verbosity == 1:
		l.SetLevel(logrus.DebugLevel)
	}
	return logrusr.New(l)
}

func runServe(args []string) error {
	cfg, err := load("serve", args, nil)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Verbosity)
	if _, err := maxprocs.Set(maxprocs.Logger(func(format string, a ...any) {
		logger.V(1).Info(fmt.Sprintf(format, a...))
	})); err != nil {
		logger.Error(err, "failed to set GOMAXPROCS")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry, err := newRegistry(cfg.Sagas)
	if err != nil {
		return err
	}
	store, closeStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeStore(); err != nil {
			logger.Error(err, "failed to close store")
		}
	}()
	tr, err := openTransport(cfg.Transport, registry, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := tr.close(); err != nil {
			logger.Error(err, "failed to close transport")
		}
	}()

	m := metrics.New(nil)
	if err := m.CountIncomplete(store); err != nil {
		return err
	}
	orch := sagaorch.NewOrchestrator(registry, store, tr.gateway,
		sagaorch.WithLogger(logger.WithName("orchestrator")),
		sagaorch.WithRetryPolicy(cfg.Executor.RetryPolicy()),
		sagaorch.WithObserver(m),
		sagaorch.WithWorkers(cfg.Executor.Workers),
		sagaorch.WithPollInterval(cfg.Executor.PollInterval),
	)

	router := api.NewRouter(orch, registry, logger)
	router.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	if tr.consume != nil {
		g.Go(func() error { return tr.consume(ctx) })
	}
	g.Go(func() error { return orch.Run(ctx) })
	g.Go(func() error {
		logger.Info("serving API", "addr", cfg.HTTP.Addr, "sagaTypes", registry.Types())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func runParticipant(args []string) error {
	var name string
	cfg, err := load("participant", args, func(fs *pflag.FlagSet) {
		fs.StringVar(&name, "name", "", "participant to serve")
	})
	if err != nil {
		return err
	}
	if name == "" {
		return errors.New("--name is required")
	}
	logger := newLogger(cfg.Verbosity).WithValues("participant", name)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry, err := newRegistry(cfg.Sagas)
	if err != nil {
		return err
	}
	return serveParticipant(ctx, cfg.Transport, name, simulatedParticipants(registry, name), logger)
}

func serveParticipant(ctx context.Context, cfg config.TransportConfig, name string, gw sagaorch.Gateway, logger logr.Logger) error {
	group := "participant-" + name
	switch cfg.Kind {
	case config.TransportRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer client.Close()
		opts := redisstream.DefaultOptions
		opts.Consumer = group
		return redisstream.New(client, opts, logger).Serve(ctx, name, group, gw)
	case config.TransportKafka:
		bus := kafkabus.New(cfg.Kafka, logger)
		defer bus.Close()
		return bus.Serve(ctx, name, group, gw)
	default:
		return fmt.Errorf("participant needs the %s or %s transport, not %q",
			config.TransportRedis, config.TransportKafka, cfg.Kind)
	}
}

func runGraph(args []string, out io.Writer) error {
	var sagaType string
	var order bool
	cfg, err := load("graph", args, func(fs *pflag.FlagSet) {
		fs.StringVar(&sagaType, "type", "", "saga type to render")
		fs.BoolVar(&order, "order", false, "print the rollback order instead of the graph")
	})
	if err != nil {
		return err
	}
	registry, err := newRegistry(cfg.Sagas)
	if err != nil {
		return err
	}
	if sagaType == "" {
		for _, t := range registry.Types() {
			fmt.Fprintln(out, t)
		}
		return nil
	}
	if order {
		steps, err := registry.CompensationOrder(sagaType)
		if err != nil {
			return err
		}
		for _, step := range steps {
			fmt.Fprintln(out, step)
		}
		return nil
	}
	dot, err := registry.Graph(sagaType)
	if err != nil {
		return err
	}
	_, err = fmt.Fprint(out, dot)
	return err
}
