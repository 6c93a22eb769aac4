package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"localci/internal/app/builder"
	"localci/internal/app/hook"
	"localci/internal/app/pipeline"
	"localci/internal/clock"
	"localci/internal/cluster"
	kafkainfra "localci/internal/infra/kafka"
	"localci/internal/infra/objectstore"
	"localci/internal/infra/postgres"
	"localci/internal/metrics"
	"localci/internal/participation"
	"localci/internal/ports"
	"localci/internal/runtime/docker"
	"localci/internal/vcs/git"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg, err := loadAppConfig(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "localci: %v\n", err)
		os.Exit(2)
	}

	logger := newLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("localci stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg appConfig, logger *slog.Logger) error {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	db, err := postgres.Open(ctx, postgres.DefaultConfig(cfg.DatabaseURL))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer closeWith(logger, "database", db.Close)
	if err := postgres.Migrate(ctx, db); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}
	store := postgres.NewStore(db)

	opts := docker.Options{Logger: logger, Clock: clock.Real(), Metrics: m}
	if cfg.ObjectStore.Endpoint != "" {
		archive, err := objectstore.NewArchive(ctx, cfg.ObjectStore)
		if err != nil {
			return fmt.Errorf("build log archive: %w", err)
		}
		opts.Archive = archive
	} else {
		logger.Warn("MINIO_ENDPOINT not set, build logs are not archived")
	}

	orchestrator, err := docker.New(cfg.Docker, opts)
	if err != nil {
		return fmt.Errorf("initialize docker orchestrator: %w", err)
	}

	builds := builder.NewService(orchestrator, store, logger)
	defer closeWith(logger, "build service", builds.Close)

	tasks := cluster.NewRegistry()
	if err := builds.Register(tasks); err != nil {
		return err
	}
	codes := append(builder.ErrorCodes(), cluster.ErrorCode{Code: "provision", Err: docker.ErrProvision})

	local := cluster.NewLocalMember(cfg.NodeID, orchestrator.Toolchains(), cfg.MaxParallel, tasks)
	membership, err := loadMembership(cfg.MembershipFile, codes, local)
	if err != nil {
		return err
	}
	for _, member := range membership.Members() {
		logger.Info("cluster member", "member", member.ID(), "capabilities", member.Capabilities())
	}
	dispatcher, err := cluster.NewDispatcher(cluster.Config{
		Membership: membership,
		Local:      local,
		Retry:      cluster.DefaultRetryPolicy(),
		Logger:     logger,
		Metrics:    m,
	})
	if err != nil {
		return err
	}

	publisher, err := kafkainfra.NewPublisher(kafkainfra.PublisherConfig{
		Brokers: cfg.KafkaBrokers,
		Topic:   cfg.NotificationTopic,
	})
	if err != nil {
		return fmt.Errorf("initialize kafka publisher: %w", err)
	}
	defer closeWith(logger, "kafka publisher", publisher.Close)

	coordinator, err := pipeline.NewCoordinator(pipeline.Config{
		RepositoryRoot: cfg.RepositoryRoot,
		Exercises:      store,
		Inspector:      git.NewInspector(logger),
		Participations: participation.NewResolver(store, store, logger),
		Submissions:    store,
		Grader:         store,
		Notifier:       publisher,
		Dispatcher:     dispatcher,
		Logger:         logger,
	})
	if err != nil {
		return err
	}
	// Closed before the stores it uses; Shutdown below normally drained it already.
	defer closeWith(logger, "pipeline coordinator", coordinator.Close)

	gateway := hook.NewGateway(coordinator, logger, m)

	router := chi.NewRouter()
	router.Use(middleware.RequestID, middleware.Recoverer)
	gateway.Mount(router)
	cluster.NewServer(tasks, codes, logger).Mount(router)
	router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errs := make(chan error, 2)
	go func() {
		logger.Info("serving", "addr", cfg.ListenAddr, "node", cfg.NodeID, "toolchains", orchestrator.Toolchains())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- fmt.Errorf("http server: %w", err)
		}
	}()

	if cfg.PushTopic != "" {
		consumer, err := kafkainfra.NewConsumer(kafkainfra.Config{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.PushTopic,
			GroupID: cfg.GroupID,
		})
		if err != nil {
			return fmt.Errorf("initialize kafka consumer: %w", err)
		}
		defer closeWith(logger, "kafka consumer", consumer.Close)

		go func() {
			err := gateway.ConsumePushes(ctx, consumer, cfg.MaxParallel, func(event ports.PushEvent, outcome hook.Outcome) {
				logger.Info("push handled", "repository", event.Repository.Path, "outcome", outcome.String())
			})
			if err != nil {
				errs <- fmt.Errorf("consume pushes: %w", err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case runErr = <-errs:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	if err := coordinator.Shutdown(shutdownCtx); err != nil {
		logger.Warn("builds still running at shutdown were interrupted", "error", err)
	}
	return runErr
}

// loadMembership returns the remote members listed in path plus local. Without a file every
// build runs on this process.
func loadMembership(path string, codes []cluster.ErrorCode, local cluster.Member) (*cluster.StaticMembership, error) {
	if path == "" {
		return cluster.NewStaticMembership(local), nil
	}
	remotes, err := cluster.LoadMembershipFile(path, cluster.RemoteOptions{Codes: codes})
	if err != nil {
		return nil, err
	}
	return cluster.NewStaticMembership(append([]cluster.Member{local}, remotes...)...), nil
}

func newLogger(format, level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(format, "text") {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func closeWith(logger *slog.Logger, what string, closeFn func() error) {
	if err := closeFn(); err != nil {
		logger.Warn("failed to close "+what, "error", err)
	}
}
