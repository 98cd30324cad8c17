package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/johnezell/ai-transcription-microservice-sub007/internal/cleanup"
	"github.com/johnezell/ai-transcription-microservice-sub007/internal/cohort"
	"github.com/johnezell/ai-transcription-microservice-sub007/internal/config"
	"github.com/johnezell/ai-transcription-microservice-sub007/internal/database"
	"github.com/johnezell/ai-transcription-microservice-sub007/internal/dispatch"
	"github.com/johnezell/ai-transcription-microservice-sub007/internal/download"
	"github.com/johnezell/ai-transcription-microservice-sub007/internal/intake"
	"github.com/johnezell/ai-transcription-microservice-sub007/internal/kv"
	"github.com/johnezell/ai-transcription-microservice-sub007/internal/observability"
	"github.com/johnezell/ai-transcription-microservice-sub007/internal/pipeline"
	"github.com/johnezell/ai-transcription-microservice-sub007/internal/queue"
	"github.com/johnezell/ai-transcription-microservice-sub007/internal/ratelimit"
	"github.com/johnezell/ai-transcription-microservice-sub007/internal/reconcile"
	"github.com/johnezell/ai-transcription-microservice-sub007/internal/repository"
	"github.com/johnezell/ai-transcription-microservice-sub007/internal/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "orchestrator: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := observability.NewStdoutLogger(cfg.LogLevel, cfg.LogJSON)
	logger.Info("starting orchestrator",
		"service", cfg.ServiceName,
		"version", cfg.Version,
		"environment", cfg.Environment)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewPrometheusMetrics(cfg.ServiceName, reg)

	db, err := database.NewPostgres(&cfg.Database, logger, metrics)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer db.Close()

	store, err := storage.NewS3(&cfg.Storage, logger, metrics)
	if err != nil {
		return fmt.Errorf("init object storage: %w", err)
	}

	q, err := queue.New(cfg, logger, metrics)
	if err != nil {
		return fmt.Errorf("init queue: %w", err)
	}

	counters, err := kv.NewRedis(&cfg.Redis, logger, metrics)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer counters.Close()

	if err := repository.Migrate(context.Background(), db); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}

	jobs := repository.NewJobRepository(db, logger, metrics)
	batches := repository.NewBatchRepository(db, logger, metrics)

	limiter := ratelimit.New(counters, &cfg.RateLimit, logger, metrics)
	dispatcher := dispatch.New(dispatch.NewStageClient(cfg.HTTP.UserAgent), jobs, cfg, logger, metrics)
	fetcher := download.NewWorker(store, &http.Client{Timeout: cfg.HTTP.Timeout}, cfg, logger, metrics)

	hooks := cohort.Hooks{
		OnComplete: func(c pipeline.AggregateCounters) {
			logger.Info("cohort completed", "total", c.Total, "failed", c.Failed)
		},
		OnFailure: func(err error, c pipeline.AggregateCounters) {
			logger.Error("cohort failed", "error", err, "total", c.Total, "failed", c.Failed)
		},
		OnFinally: func(c pipeline.AggregateCounters) {
			metrics.RecordSuccess("cohort_settled")
		},
	}
	coordinator := cohort.New(batches, jobs, fetcher, dispatcher, limiter, counters, q, cfg, hooks, logger, metrics)
	reconciler := reconcile.New(q, jobs, dispatcher, coordinator, &cfg.Queue, logger, metrics)
	consumer := intake.New(q, jobs, coordinator, &cfg.Queue, logger, metrics)
	cleaner := cleanup.New(jobs, &cfg.Cleanup, logger, metrics)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	coordinator.Start(ctx)

	// Re-drive work a previous process left behind before new traffic
	// arrives.
	if _, err := coordinator.RecoverStranded(ctx); err != nil {
		logger.Error("startup recovery failed", "error", err)
	}

	var wg sync.WaitGroup
	for _, loop := range []func(context.Context){
		reconciler.Run,
		consumer.Run,
		cleaner.Run,
	} {
		wg.Add(1)
		go func(run func(context.Context)) {
			defer wg.Done()
			run(ctx)
		}(loop)
	}

	server := newHTTPServer(cfg, coordinator, db, counters, q, reg, logger)
	go func() {
		logger.Info("http server listening", "addr", cfg.Metrics.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown incomplete", "error", err)
	}

	wg.Wait()
	coordinator.Wait()
	logger.Info("orchestrator stopped")
	return nil
}

// cohortRequest is the POST /cohorts payload.
type cohortRequest struct {
	CourseID         string                  `json:"course_id"`
	ConcurrencyLimit int                     `json:"concurrency_limit,omitempty"`
	Settings         *pipeline.StageSettings `json:"settings,omitempty"`
	Members          []struct {
		SegmentID string `json:"segment_id"`
		SourceKey string `json:"source_key"`
	} `json:"members"`
}

func newHTTPServer(cfg *config.Config, coordinator *cohort.Coordinator, db database.Database, counters kv.CounterStore, q queue.Queue, reg *prometheus.Registry, logger observability.Logger) *http.Server {
	mux := http.NewServeMux()

	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		if err := db.Ping(ctx); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		if err := counters.Ping(ctx); err != nil {
			http.Error(w, "counter store unavailable", http.StatusServiceUnavailable)
			return
		}
		if err := q.Health(ctx); err != nil {
			http.Error(w, "queue unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	mux.HandleFunc("/cohorts", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req cohortRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "malformed request body", http.StatusBadRequest)
			return
		}
		if req.CourseID == "" || len(req.Members) == 0 {
			http.Error(w, "course_id and members are required", http.StatusBadRequest)
			return
		}

		members := make([]cohort.MemberSpec, 0, len(req.Members))
		for _, m := range req.Members {
			if m.SegmentID == "" || m.SourceKey == "" {
				http.Error(w, "every member needs segment_id and source_key", http.StatusBadRequest)
				return
			}
			members = append(members, cohort.MemberSpec{SegmentID: m.SegmentID, SourceKey: m.SourceKey})
		}

		settings := pipeline.DefaultSettings()
		if req.Settings != nil {
			settings = *req.Settings
		}

		batch, err := coordinator.CreateCohort(r.Context(), req.CourseID, members, settings, req.ConcurrencyLimit)
		if err != nil {
			logger.Error("cohort creation failed", "error", err, "course_id", req.CourseID)
			if pipeline.CodeOf(err) == pipeline.CodeValidation {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			http.Error(w, "cohort creation failed", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(batch)
	})

	return &http.Server{
		Addr:              cfg.Metrics.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
