// Command flowmq-worker drains a single queue/topic and logs every
// message it receives. It exists to exercise the full flowmq stack end to
// end (backend selection, tracing, metrics, graceful shutdown) the way the
// teacher's cmd/mqtt and cmd/ws binaries exercise supermq's messaging
// stack, and as a runnable example for library users.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"

	"github.com/flowmq/flowmq"
	flowmqconfig "github.com/flowmq/flowmq/config"
	"github.com/flowmq/flowmq/logging"
	"github.com/flowmq/flowmq/metrics"
	"github.com/flowmq/flowmq/natsjs"
	"github.com/flowmq/flowmq/rabbitmq"
	"github.com/flowmq/flowmq/tracing"
)

const svcName = "flowmq-worker"

func main() {
	exitCode := 0
	defer logging.ExitWithError(&exitCode)

	cmd := newRootCmd(&exitCode)
	if err := cmd.Execute(); err != nil {
		log.Printf("%s: %s", svcName, err)
		exitCode = 1
	}
}

func newRootCmd(exitCode *int) *cobra.Command {
	return &cobra.Command{
		Use:   svcName,
		Short: "Drain a flowmq queue/topic and log every received message.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), exitCode)
		},
	}
}

func run(ctx context.Context, exitCode *int) error {
	cfg := flowmqconfig.Worker{}
	if err := env.Parse(&cfg); err != nil {
		return fmt.Errorf("failed to load %s configuration: %w", svcName, err)
	}
	if cfg.Queue == "" {
		return errors.New("FLOWMQ_QUEUE must be set")
	}

	logger, err := logging.New(os.Stdout, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}

	if cfg.InstanceID == "" {
		cfg.InstanceID = svcName
	}

	tp := sdktrace.NewTracerProvider()
	defer func() {
		if err := tp.Shutdown(ctx); err != nil {
			logger.Error("failed to shut down tracer provider", "error", err)
		}
	}()
	otel.SetTracerProvider(tp)
	tracer := tp.Tracer(svcName)

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())

	backend, err := newBackend(cfg)
	if err != nil {
		return fmt.Errorf("failed to select backend %q: %w", cfg.Broker, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	q, err := connect(ctx, backend, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", cfg.Broker, err)
	}
	defer q.Close()

	// metrics.Queue observes every handler outcome; tracing.Queue wraps
	// that so every observed call is also spanned.
	worker := tracing.New(tracer, cfg.Queue, metrics.New(q, registry))

	g.Go(func() error {
		return worker.Drain(ctx, cfg.RecvTimeout, func(value any) error {
			logger.Info("received message", "value", value)
			return nil
		})
	})

	g.Go(func() error {
		return serveMetrics(ctx, cfg.MetricsAddr, registry, logger)
	})

	g.Go(func() error {
		return waitForSignal(ctx, cancel, logger)
	})

	if err := g.Wait(); err != nil {
		logger.Error(fmt.Sprintf("%s terminated", svcName), "error", err)
		*exitCode = 1
	}
	return nil
}

// connect opens the queue with exponential backoff, retrying until the
// broker answers, the context is cancelled, or the default backoff's
// maximum elapsed time (15 minutes) runs out.
func connect(ctx context.Context, backend flowmq.Backend, cfg flowmqconfig.Worker, logger *slog.Logger) (*flowmq.Queue, error) {
	var q *flowmq.Queue
	attempt := func() error {
		candidate := flowmq.New(backend, cfg.Address, cfg.Queue,
			flowmq.WithPrefetch(cfg.Prefetch),
			flowmq.WithPropagateRecvError(cfg.Propagate),
			flowmq.WithLogger(logger),
		)
		// Recv opens (and caches) the sub handle without consuming anything,
		// so it doubles as a side-effect-free connectivity probe.
		if _, err := candidate.Recv(ctx, time.Second); err != nil {
			return err
		}
		q = candidate
		return nil
	}
	notify := func(err error, next time.Duration) {
		logger.Info("broker not ready, retrying", "error", err, "next_try", next)
	}
	policy := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	if err := backoff.RetryNotify(attempt, policy, notify); err != nil {
		return nil, err
	}
	return q, nil
}

func newBackend(cfg flowmqconfig.Worker) (flowmq.Backend, error) {
	switch cfg.Broker {
	case "rabbitmq":
		return rabbitmq.New(), nil
	case "natsjs":
		return natsjs.New(cfg.StreamName), nil
	default:
		return nil, fmt.Errorf("unknown broker %q (want rabbitmq or natsjs)", cfg.Broker)
	}
}

func serveMetrics(ctx context.Context, addr string, registry *prometheus.Registry, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	logger.Info("serving metrics", "addr", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func waitForSignal(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger) error {
	c := make(chan os.Signal, 2)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(c)

	select {
	case sig := <-c:
		defer cancel()
		logger.Info(fmt.Sprintf("%s shutdown by signal", svcName), "signal", sig)
		return nil
	case <-ctx.Done():
		return nil
	}
}
