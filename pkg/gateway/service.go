package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"chatpipe/pkg/bus"
	"chatpipe/pkg/config"
	"chatpipe/pkg/pipeline"
	"chatpipe/pkg/provider"
	"chatpipe/pkg/webhook"
)

const (
	defaultHost          = "0.0.0.0"
	defaultPort          = 18790
	healthCheckInterval  = 30 * time.Second
	executorDrainTimeout = 10 * time.Second
)

// Service runs the HTTP ingress, health endpoints and the background loops.
type Service struct {
	cfg      *config.Config
	log      *slog.Logger
	pipeline *pipeline.Pipeline
	ingress  *Ingress

	mu               sync.RWMutex
	startedAt        time.Time
	providerLastOKAt time.Time
	providerLastErr  string
	storeLastErr     string
}

type statusResponse struct {
	Status           string `json:"status"`
	UptimeSeconds    int64  `json:"uptime_seconds"`
	ProviderLastOKAt string `json:"provider_last_ok_at,omitempty"`
	ProviderLastErr  string `json:"provider_last_error,omitempty"`
	StoreLastErr     string `json:"store_last_error,omitempty"`
	QueueDepth       int    `json:"queue_depth"`
	InFlight         int64  `json:"in_flight"`
	DurableQueue     bool   `json:"durable_queue"`
	LegacyRouting    bool   `json:"legacy_routing"`

	Circuits map[string]circuitStatus `json:"circuits,omitempty"`
}

type circuitStatus struct {
	Open         bool `json:"open"`
	FailureCount int  `json:"failure_count"`
}

func NewService(cfg *config.Config, p *pipeline.Pipeline, log *slog.Logger) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if p == nil {
		return nil, errors.New("pipeline is required")
	}
	if log == nil {
		log = slog.Default()
	}

	// Unsigned requests are only tolerated outside production.
	signature := webhook.NewSignatureValidator(cfg.Webhook.AppSecret, cfg.Webhook.EscapeUnicode, !cfg.IsProduction(), log)
	ingress, err := NewIngress(IngressOptions{
		Signature:    signature,
		Guard:        p.Guard,
		Submitter:    p.Processor,
		Drainer:      p.Ledger,
		VerifyToken:  cfg.Webhook.VerifyToken,
		Cron:         cfg.Cron,
		DrainLimit:   p.BatchLimit(),
		MaxBodyBytes: cfg.Webhook.MaxBodyBytes,
		Metrics:      p.Metrics,
		Logger:       log,
	})
	if err != nil {
		return nil, fmt.Errorf("initialize ingress: %w", err)
	}

	return &Service{
		cfg:      cfg,
		log:      log.With("component", "gateway.service"),
		pipeline: p,
		ingress:  ingress,
	}, nil
}

// Handler returns the full route table.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	s.ingress.Register(mux)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)
	return mux
}

// Run serves until ctx is canceled, then drains background work.
func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	s.startedAt = time.Now().UTC()
	s.mu.Unlock()

	if err := s.checkProviderHealth(ctx); err != nil {
		s.log.Warn("Initial provider health check failed", "error", err)
	}
	s.checkStore(ctx)

	if err := s.pipeline.Executor.Start(ctx, s.pipeline.Workers()); err != nil {
		return fmt.Errorf("start executor: %w", err)
	}
	defer func() {
		if err := s.pipeline.Executor.Stop(executorDrainTimeout); err != nil {
			s.log.Warn("Background work did not finish", "error", err)
		}
	}()

	go bus.ObserveEvents(ctx, s.pipeline.Bus, s.log)
	go s.pipeline.Guard.Run(ctx)
	go s.pipeline.Ledger.Run(ctx, time.Duration(s.cfg.Ledger.DrainIntervalSeconds)*time.Second, s.pipeline.BatchLimit())
	if path := s.cfg.Path(); path != "" {
		go func() {
			if err := config.WatchFlags(ctx, path, s.pipeline.Flags, s.log); err != nil {
				s.log.Warn("Feature flag watcher stopped", "error", err)
			}
		}()
	}
	go s.healthLoop(ctx)

	serverErrors := make(chan error, 1)
	go s.runServer(ctx, serverErrors)

	select {
	case <-ctx.Done():
		return nil
	case err := <-serverErrors:
		return err
	}
}

func (s *Service) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = s.checkProviderHealth(ctx)
			s.checkStore(ctx)
		}
	}
}

func (s *Service) runServer(ctx context.Context, errCh chan<- error) {
	host := strings.TrimSpace(s.cfg.Gateway.Host)
	if host == "" {
		host = defaultHost
	}
	port := s.cfg.Gateway.Port
	if port <= 0 {
		port = defaultPort
	}

	addr := host + ":" + strconv.Itoa(port)
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.log.Info("Gateway started", "address", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errCh <- fmt.Errorf("start gateway server: %w", err)
	}
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respondStatus(w, http.StatusOK, "ok")
}

func (s *Service) handleReady(w http.ResponseWriter, _ *http.Request) {
	statusCode := http.StatusOK
	status := "ready"
	if !s.isReady() {
		statusCode = http.StatusServiceUnavailable
		status = "not_ready"
	}

	s.respondStatus(w, statusCode, status)
}

func (s *Service) respondStatus(w http.ResponseWriter, statusCode int, status string) {
	payload := s.currentStatus(status)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Error("Failed to write status response", "error", err)
	}
}

func (s *Service) currentStatus(status string) statusResponse {
	s.mu.RLock()
	defer s.mu.RUnlock()

	uptime := int64(0)
	if !s.startedAt.IsZero() {
		uptime = int64(time.Since(s.startedAt).Seconds())
	}

	providerLastOK := ""
	if !s.providerLastOKAt.IsZero() {
		providerLastOK = s.providerLastOKAt.Format(time.RFC3339)
	}

	stats := s.pipeline.Executor.Stats()
	flags := s.pipeline.Flags.Load()
	return statusResponse{
		Status:           status,
		UptimeSeconds:    uptime,
		ProviderLastOKAt: providerLastOK,
		ProviderLastErr:  s.providerLastErr,
		StoreLastErr:     s.storeLastErr,
		QueueDepth:       stats.Depth,
		InFlight:         stats.InFlight,
		DurableQueue:     flags.DurableQueue,
		LegacyRouting:    flags.LegacyRouting,
		Circuits:         s.circuits(),
	}
}

func (s *Service) circuits() map[string]circuitStatus {
	if s.pipeline.Breaker == nil {
		return nil
	}
	out := make(map[string]circuitStatus, 2)
	for _, client := range []provider.Client{s.pipeline.Primary, s.pipeline.Fallback} {
		if client == nil {
			continue
		}
		state := s.pipeline.Breaker.Snapshot(client.Name())
		out[client.Name()] = circuitStatus{Open: state.IsOpen, FailureCount: state.FailureCount}
	}
	return out
}

// isReady requires a started executor, a reachable store and a healthy
// primary provider.
func (s *Service) isReady() bool {
	if !s.pipeline.Executor.Stats().Started {
		return false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.storeLastErr != "" {
		return false
	}
	if s.providerLastOKAt.IsZero() {
		return false
	}
	return s.providerLastErr == ""
}

func (s *Service) checkProviderHealth(ctx context.Context) error {
	if err := s.pipeline.Primary.Health(ctx); err != nil {
		s.mu.Lock()
		s.providerLastErr = err.Error()
		s.mu.Unlock()
		return fmt.Errorf("provider health check failed: %w", err)
	}

	s.mu.Lock()
	s.providerLastErr = ""
	s.providerLastOKAt = time.Now().UTC()
	s.mu.Unlock()

	return nil
}

func (s *Service) checkStore(ctx context.Context) {
	err := s.pipeline.Store.Ping(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.storeLastErr = err.Error()
		s.log.Warn("Store ping failed", "error", err)
		return
	}
	s.storeLastErr = ""
}
