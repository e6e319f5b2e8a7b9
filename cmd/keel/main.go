// Command keel serves the artifact delivery lifecycle tracker: an HTTP API
// that records stage lifecycle events and projects them into steps, with an
// optional Postgres-backed queue that turns staleness signals into durable
// re-monitoring jobs.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/danielpeach/keel/internal/config"
	"github.com/danielpeach/keel/internal/httpapi"
	"github.com/danielpeach/keel/lifecycle"
	"github.com/danielpeach/keel/lifecycle/litestore"
	"github.com/danielpeach/keel/lifecycle/memory"
	"github.com/danielpeach/keel/lifecycle/pgstore"
	"github.com/danielpeach/keel/monitor"
	"github.com/danielpeach/keel/retry"
	"github.com/danielpeach/keel/river"
	"github.com/danielpeach/keel/tracker"
)

func main() {
	configPath := flag.String("config", "", "path to a keel.yaml configuration file")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, cfg); err != nil {
		logger.Error("keel exited with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, cfg config.Config) error {
	var (
		store lifecycle.EventStore
		pool  *pgxpool.Pool
	)

	switch cfg.Storage.Driver {
	case config.DriverMemory:
		store = memory.New()
		logger.Info("event store ready", "driver", cfg.Storage.Driver)
	case config.DriverSQLite:
		s, err := litestore.Open(cfg.Storage.Path)
		if err != nil {
			return fmt.Errorf("open sqlite event store: %w", err)
		}
		defer func() { _ = s.Close() }()
		store = s
		logger.Info("event store ready", "driver", cfg.Storage.Driver, "path", cfg.Storage.Path)
	case config.DriverPostgres:
		p, err := connectPostgres(ctx, logger, cfg.Storage.DSN)
		if err != nil {
			return err
		}
		defer p.Close()
		pool = p
		store = pgstore.New(pool)
		logger.Info("event store ready", "driver", cfg.Storage.Driver)
	default:
		return fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}

	publisher, runner, err := buildSignalPath(logger, cfg.Queue, pool)
	if err != nil {
		return err
	}

	mon, err := monitor.New(monitor.Config{
		Publisher: publisher,
		Threshold: cfg.Monitor.StalenessThreshold.Std(),
		Logger:    kvLogger{logger: logger},
	})
	if err != nil {
		return fmt.Errorf("create staleness monitor: %w", err)
	}

	trk, err := tracker.New(tracker.Config{
		Store:           store,
		Monitor:         mon,
		SaveConcurrency: cfg.Storage.SaveConcurrency,
	})
	if err != nil {
		return fmt.Errorf("create tracker: %w", err)
	}

	api := &httpapi.Server{
		Tracker: trk,
		Store:   store,
		Logger:  logger,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return httpapi.Serve(ctx, logger, cfg.HTTP.Addr, cfg.HTTP.ShutdownTimeout.Std(), api.Router())
	})

	if runner != nil {
		g.Go(func() error {
			if err := runner.Start(ctx); err != nil {
				return fmt.Errorf("start queue runner: %w", err)
			}
			<-ctx.Done()
			// The group context is already cancelled; the runner gets its
			// own grace window to finish in-flight jobs.
			return runner.Stop(context.Background())
		})
	}

	return g.Wait()
}

// connectPostgres builds the pgx pool and waits for the database to answer,
// retrying with backoff so keel can start alongside a database that is
// still booting. The schema is applied once the connection is live.
func connectPostgres(ctx context.Context, logger *slog.Logger, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	policy := &retry.Policy{
		MaxAttempts:  5,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.1,
	}
	err = retry.Do(ctx, policy, func(ctx context.Context) error {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := pool.Ping(pingCtx); err != nil {
			logger.Warn("postgres not ready", "error", err)
			return err
		}
		return nil
	})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	if err := pgstore.EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure postgres schema: %w", err)
	}

	return pool, nil
}

// buildSignalPath picks how re-monitoring signals leave the process. With
// the queue enabled they become durable River jobs drained by a Runner;
// otherwise they are logged and dropped.
func buildSignalPath(logger *slog.Logger, cfg config.Queue, pool *pgxpool.Pool) (monitor.Publisher, *river.Runner, error) {
	if !cfg.Enabled {
		return logPublisher{logger: logger}, nil, nil
	}

	publisher, err := river.NewPublisher(river.PublisherConfig{
		Pool:   pool,
		Queue:  cfg.Name,
		Logger: kvLogger{logger: logger},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("create queue publisher: %w", err)
	}

	runner, err := river.NewRunner(river.Config{
		Pool:    pool,
		Watcher: newWatcher(logger, cfg.ResumeURL),
		Logger:  kvLogger{logger: logger},
		Queue:   cfg.Name,
		Workers: cfg.Workers,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("create queue runner: %w", err)
	}

	return publisher, runner, nil
}

// newWatcher returns the Watcher the queue runner drives. With a resume URL
// configured, signals are delivered as webhook POSTs to the agent that runs
// stage watchers; without one they are only logged.
func newWatcher(logger *slog.Logger, resumeURL string) river.Watcher {
	if resumeURL == "" {
		return logWatcher{logger: logger}
	}
	return &webhookWatcher{
		url:    resumeURL,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
}

// webhookWatcher re-engages stage watchers by POSTing each signal to the
// configured resume endpoint.
type webhookWatcher struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

func (w *webhookWatcher) Resume(ctx context.Context, sig monitor.Signal) error {
	body, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("encode signal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build resume request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("post resume request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("resume endpoint returned %s", resp.Status)
	}

	w.logger.Debug("resume webhook delivered", "signal_id", sig.ID, "stage_id", sig.StageID)
	return nil
}

// logWatcher records resume requests without delivering them anywhere.
type logWatcher struct {
	logger *slog.Logger
}

func (w logWatcher) Resume(_ context.Context, sig monitor.Signal) error {
	w.logger.Info("re-monitoring requested (no resume endpoint configured)",
		"signal_id", sig.ID,
		"artifact_ref", sig.ArtifactRef,
		"artifact_version", sig.ArtifactVersion,
		"stage_id", sig.StageID,
	)
	return nil
}

// logPublisher stands in for the queue when it is disabled: stale stages
// are logged instead of becoming durable jobs.
type logPublisher struct {
	logger *slog.Logger
}

func (p logPublisher) Publish(_ context.Context, sig monitor.Signal) error {
	p.logger.Info("stage went stale",
		"signal_id", sig.ID,
		"artifact_ref", sig.ArtifactRef,
		"artifact_version", sig.ArtifactVersion,
		"stage_id", sig.StageID,
	)
	return nil
}

// kvLogger adapts slog to the key-value Logger interfaces the monitor and
// queue packages accept.
type kvLogger struct {
	logger *slog.Logger
}

func (l kvLogger) Debug(msg string, keysAndValues ...any) { l.logger.Debug(msg, keysAndValues...) }
func (l kvLogger) Info(msg string, keysAndValues ...any)  { l.logger.Info(msg, keysAndValues...) }
func (l kvLogger) Warn(msg string, keysAndValues ...any)  { l.logger.Warn(msg, keysAndValues...) }
func (l kvLogger) Error(msg string, keysAndValues ...any) { l.logger.Error(msg, keysAndValues...) }

var (
	_ monitor.Publisher = logPublisher{}
	_ river.Watcher     = logWatcher{}
	_ river.Watcher     = (*webhookWatcher)(nil)
	_ monitor.Logger    = kvLogger{}
	_ river.Logger      = kvLogger{}
)
