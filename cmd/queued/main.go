// Command queued runs the task queue engine behind an HTTP surface,
// grounded on the teacher's control_plane/main.go (stdlib mux, plain
// http.ListenAndServe, log.Println) and divinesense's cmd/<bin>/main.go
// cobra/viper bootstrap.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/mohsinsiddi/taskqueue/internal/config"
	"github.com/mohsinsiddi/taskqueue/internal/engine"
	"github.com/mohsinsiddi/taskqueue/internal/httpapi"
	"github.com/mohsinsiddi/taskqueue/internal/observability"
	"github.com/mohsinsiddi/taskqueue/internal/storage"
	"github.com/mohsinsiddi/taskqueue/internal/storage/postgres"
	"github.com/mohsinsiddi/taskqueue/internal/storage/sqlite"
)

func main() {
	root := &cobra.Command{
		Use:   "queued",
		Short: "Durable priority task queue engine",
		RunE:  run,
	}
	if err := config.BindFlags(root); err != nil {
		log.Fatalf("queued: bind flags: %v", err)
	}
	if err := root.Execute(); err != nil {
		log.Fatalf("queued: %v", err)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	config.LoadDotenv()
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return err
	}

	store, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)
	handlers := engine.NewHandlerRegistry()
	registerBuiltinHandlers(handlers)

	e := engine.NewWithRegistry(store, handlers, metrics, engine.Config{
		MaxConcurrentTasks:    cfg.MaxConcurrentTasks,
		TaskTimeout:           time.Duration(cfg.TaskTimeoutSeconds) * time.Second,
		RetryInterval:         cfg.RetryInitialInterval,
		SchedulerTickInterval: cfg.SchedulerTickInterval,
	})

	ctx := context.Background()
	if err := e.Start(ctx); err != nil {
		return err
	}
	defer e.Stop()

	mux := http.NewServeMux()
	httpapi.New(e, cfg.RetryMaxAttempts).Register(mux)
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: mux}

	serveErr := make(chan error, 1)
	go func() {
		log.Printf("queued: listening on %s (store=%s)", cfg.HTTPAddr, cfg.StoreDriver)
		serveErr <- srv.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case sig := <-stop:
		log.Printf("queued: received %s, shutting down", sig)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("queued: http shutdown: %v", err)
		}
	}
	return nil
}

func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	switch cfg.StoreDriver {
	case "postgres":
		return postgres.New(ctx, cfg.StoreDSN)
	default:
		return sqlite.Open(cfg.StoreDSN)
	}
}

// registerBuiltinHandlers binds the handful of task names a fresh
// deployment can run out of the box. Real task types are registered by
// whatever embeds this engine; these exist so `queued` is runnable
// standalone for smoke-testing the HTTP surface.
func registerBuiltinHandlers(h *engine.HandlerRegistry) {
	h.Register("noop", func(ctx context.Context, payload []byte) ([]byte, error) {
		return nil, nil
	})
	h.Register("echo", func(ctx context.Context, payload []byte) ([]byte, error) {
		return payload, nil
	})
}
