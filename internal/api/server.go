package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/openbuilders/reward-disburser/internal/disburser"
	"github.com/openbuilders/reward-disburser/internal/draw"
	"github.com/openbuilders/reward-disburser/internal/health"
	"github.com/openbuilders/reward-disburser/internal/queue"
	"github.com/openbuilders/reward-disburser/internal/reconciler"
	"github.com/openbuilders/reward-disburser/internal/types"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// APIHandler is a custom handler type that returns data or an error
type APIHandler func(w http.ResponseWriter, r *http.Request) (any, error)

type Drawer interface {
	RunSelection(ctx context.Context, cycleID int64, seed *uint64) (*draw.Outcome, error)
	List(ctx context.Context, cycleID int64) (*draw.Summary, error)
	Override(ctx context.Context, selectionID uuid.UUID, version int64, amount *types.Money) (
		*types.WinnerSelection, error)
	Seal(ctx context.Context, cycleID int64) (*draw.Summary, error)
}

type Disburser interface {
	Disburse(ctx context.Context, req *disburser.PrepareRequest) (*disburser.Result, error)
	Execute(ctx context.Context, batchID uuid.UUID) (*disburser.Result, error)
	Cancel(ctx context.Context, batchID uuid.UUID, adminID string) (*types.PayoutBatch, error)
	RetryFailed(ctx context.Context, cycleID int64, adminID, token string) (*disburser.Result, error)
	CloseCycle(ctx context.Context, cycleID int64, adminID string) (*types.Cycle, error)
	DisburseAll(ctx context.Context, cycleID int64, adminID, token string) (*disburser.Result, error)
	GetBatch(ctx context.Context, id uuid.UUID) (*types.PayoutBatch, error)
	ListBatches(ctx context.Context, cycleID int64) ([]types.PayoutBatch, error)
}

type Reconciler interface {
	Reconcile(ctx context.Context, batchID uuid.UUID) (*reconciler.Report, error)
	HandleMessage(ctx context.Context, body []byte) error
}

type Publisher interface {
	Publish(queue.QueueName, []byte) error
}

type HealthReporter interface {
	GetHealthStatus() health.HealthStatus
}

type Server struct {
	config     *Config
	drawer     Drawer
	disburser  Disburser
	reconciler Reconciler
	publisher  Publisher
	health     HealthReporter
	httpServer *http.Server
	ready      atomic.Bool
	log        *slog.Logger
}

type Config struct {
	ListenAddr   string
	ListenPort   int
	MetricsPort  int
	ProbesPort   int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	ID           string
}

// NewServer wires the admin API. A nil publisher makes webhooks reconcile
// inline instead of through the queue.
func NewServer(config *Config, drawer Drawer, d Disburser, r Reconciler,
	publisher Publisher, health HealthReporter) *Server {

	return &Server{
		config:     config,
		drawer:     drawer,
		disburser:  d,
		reconciler: r,
		publisher:  publisher,
		health:     health,
		log:        slog.With("pod", config.ID, "component", "web-server"),
		httpServer: &http.Server{
			ReadTimeout:  config.ReadTimeout,
			WriteTimeout: config.WriteTimeout,
			IdleTimeout:  config.IdleTimeout,
		},
	}
}

// Handler returns the admin API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	routes := []struct {
		pattern string
		method  string
		handler APIHandler
	}{
		{"/cycles/{id}/selection", http.MethodPost, s.RunSelectionHandler},
		{"/cycles/{id}/selections", http.MethodGet, s.ListSelectionsHandler},
		{"/cycles/{id}/seal", http.MethodPost, s.SealHandler},
		{"/cycles/{id}/disburse", http.MethodPost, s.DisburseHandler},
		{"/cycles/{id}/retry-failed", http.MethodPost, s.RetryFailedHandler},
		{"/cycles/{id}/close", http.MethodPost, s.CloseCycleHandler},
		{"/cycles/{id}/batches", http.MethodGet, s.ListBatchesHandler},
		{"/selections/{id}/override", http.MethodPost, s.OverrideHandler},
		{"/batches/{id}", http.MethodGet, s.GetBatchHandler},
		{"/batches/{id}/execute", http.MethodPost, s.ExecuteHandler},
		{"/batches/{id}/cancel", http.MethodPost, s.CancelHandler},
		{"/batches/{id}/reconcile", http.MethodPost, s.ReconcileHandler},
		{"/webhooks/payouts", http.MethodPost, s.WebhookHandler},
	}

	for _, route := range routes {
		mux.HandleFunc(route.pattern, WithMethod(
			WithJSONResponse(route.handler),
			route.method,
		))
	}

	return mux
}

// ProbesHandler returns the liveness and readiness routes.
func (s *Server) ProbesHandler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/health", WithMethod(
		WithJSONResponse(s.HealthHandler),
		http.MethodGet,
	))
	mux.Handle("/ready", WithMethod(
		WithJSONResponse(s.ReadinessHandler),
		http.MethodGet,
	))

	return mux
}

func (s *Server) StartProbesAndMetrics(ctx context.Context) {
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())

	go s.listen(ctx, "metrics", s.config.MetricsPort, metricsMux)
	go s.listen(ctx, "health probes", s.config.ProbesPort, s.ProbesHandler())
}

func (s *Server) listen(ctx context.Context, name string, port int, handler http.Handler) {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.log.Info("Serving "+name, "port", port)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.log.Error(name+" HTTP listener failed", "error", err)
	}
}

// Start serves the admin API until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	s.StartProbesAndMetrics(ctx)

	s.httpServer.Handler = http.TimeoutHandler(s.Handler(), s.config.WriteTimeout, "Timeout")

	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", fmt.Sprintf("%s:%d", s.config.ListenAddr, s.config.ListenPort))
	if err != nil {
		return fmt.Errorf("create listener: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("Starting server", "port", s.config.ListenPort)
		errCh <- s.httpServer.Serve(listener)
	}()

	s.ready.Store(true)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.ready.Store(false)
	s.log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.log.Error("Server forced to shutdown", "error", err)
	}

	s.log.Info("Server exiting")
	return nil
}
