package api

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"open-mer/bus"
	"open-mer/cache"
	"open-mer/database"
	"open-mer/database/types"
	"open-mer/metrics"
	"open-mer/realtime"
)

// ProcedureService is the procedure-UI side of the capture pipeline
type ProcedureService interface {
	// Open binds the workers to the procedure described by settings, creating it when needed
	Open(ctx context.Context, settings bus.ProcedureSettings) (types.ProcedureResponse, error)
	// StopWorkers asks every worker to shut down
	StopWorkers(ctx context.Context) error
	SetRecording(ctx context.Context, req types.RecordingRequest) (types.RecordingResponse, error)
	ProcedureID() int64
}

// Server handles HTTP API requests
type Server struct {
	store      database.Store
	bus        bus.Bus
	mirror     cache.Mirror
	broker     *realtime.Broker
	metrics    *metrics.Metrics
	procedures ProcedureService

	httpServer *http.Server
}

// NewServer creates a new API server instance
func NewServer(store database.Store, b bus.Bus, mirror cache.Mirror, broker *realtime.Broker, m *metrics.Metrics) *Server {
	if mirror == nil {
		mirror = cache.NewMemoryMirror()
	}
	return &Server{
		store:   store,
		bus:     b,
		mirror:  mirror,
		broker:  broker,
		metrics: m,
	}
}

// SetProcedureService enables the procedure and recording endpoints
func (s *Server) SetProcedureService(p ProcedureService) {
	s.procedures = p
}

// Handler returns the routed handler with middleware applied
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	if s.broker != nil {
		mux.Handle("GET /api/events", s.broker) // SSE Endpoint
	}
	mux.Handle("GET /metrics", s.metrics.Handler())
	mux.HandleFunc("GET /health", s.handleHealth)

	// Stored data
	mux.HandleFunc("GET /api/procedures/{id}/channels", s.handleGetChannels)
	mux.HandleFunc("GET /api/procedures/{id}/segments", s.handleGetSegments)
	mux.HandleFunc("GET /api/segments/{id}/raw", s.handleGetSegmentRaw)
	mux.HandleFunc("GET /api/segments/{id}/features", s.handleGetSegmentFeatures)

	// Bus control
	mux.HandleFunc("GET /api/channel_select", s.handleGetChannelSelect)
	mux.HandleFunc("POST /api/channel_select", s.handlePostChannelSelect)
	mux.HandleFunc("POST /api/features", s.handlePostFeatures)

	// Procedure control
	mux.HandleFunc("POST /api/procedures", s.handleOpenProcedure)
	mux.HandleFunc("POST /api/procedures/stop", s.handleStopProcedure)
	mux.HandleFunc("POST /api/recording", s.handleRecording)

	return s.corsMiddleware(s.loggingMiddleware(mux))
}

// Start serves the API on port until Shutdown
func (s *Server) Start(port int) error {
	serverAddr := fmt.Sprintf("0.0.0.0:%d", port)
	s.httpServer = &http.Server{
		Addr:              serverAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Printf("🚀 API Server starting on %s", serverAddr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the listener, waiting for in-flight requests until ctx expires
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Middleware
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		if r.URL.Path == "/api/events" || r.URL.Path == "/metrics" {
			return
		}
		log.Printf("%s %s %v", r.Method, r.URL.Path, time.Since(start))
	})
}

// Handlers are distributed across multiple files:
// - handlers_segments.go: stored channels, segments and features
// - handlers_control.go: channel select, feature enables, procedure and recording control
// - handlers_config.go: health check
