// Package api provides the REST server for gateway data: PLC status,
// tag values, read plans, on-demand reads, writes, and a live event
// stream.
package api

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"warstep/config"
	"warstep/kafka"
	"warstep/logging"
	"warstep/mqtt"
	"warstep/plcman"
	"warstep/valkey"
)

// Managers provides the handlers access to the gateway's backends.
// Publisher managers may be nil when the corresponding protocol is
// not configured.
type Managers interface {
	GetPLCMan() *plcman.Manager
	GetMQTTMgr() *mqtt.Manager
	GetValkeyMgr() *valkey.Manager
	GetKafkaMgr() *kafka.Manager
}

// Server is the REST API server.
type Server struct {
	managers Managers
	config   *config.RESTConfig
	router   chi.Router
	hub      *eventHub
	server   *http.Server
	running  bool
	mu       sync.RWMutex
}

// NewServer creates a REST server. Call Start to begin listening.
func NewServer(managers Managers, cfg *config.RESTConfig) *Server {
	s := &Server{
		managers: managers,
		config:   cfg,
		hub:      newEventHub(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(middleware.Compress(5))
	r.Use(corsMiddleware)
	if len(s.config.APIKeys) > 0 {
		r.Use(newKeyAuth(s.config.APIKeys).middleware)
	}

	h := &handlers{managers: s.managers, hub: s.hub}

	r.Get("/", h.handleListPLCs)
	r.Get("/publishers", h.handlePublishers)
	r.Get("/events", h.handleEvents)

	r.Route("/{plc}", func(r chi.Router) {
		r.Get("/", h.handlePLCDetails)
		r.Get("/health", h.handlePLCHealth)
		r.Get("/tags", h.handleAllTags)
		r.Get("/tags/*", h.handleSingleTag)
		r.Get("/plan", h.handlePlan)
		r.Post("/read", h.handleReadNow)
		r.Post("/write", h.handleWrite)
	})

	s.router = r
}

// IsRunning returns whether the server is currently listening.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Start begins the HTTP server.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	s.server = &http.Server{
		Addr:              s.config.Addr(),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          log.New(debugLogWriter("api"), "", 0),
	}

	go func() {
		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
		}
	}()

	s.running = true
	return nil
}

// Stop halts the HTTP server gracefully. The event hub stops first so
// open event streams unblock and Shutdown is not held up waiting on
// them.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running || s.server == nil {
		s.hub.Stop()
		return nil
	}

	s.hub.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := s.server.Shutdown(ctx)
	s.running = false
	s.server = nil
	return err
}

// Address returns the server address.
func (s *Server) Address() string {
	return fmt.Sprintf("http://%s", s.config.Addr())
}

// PublishChanges feeds tag value changes into the event stream. Wire
// it into the poll manager's value-change callback.
func (s *Server) PublishChanges(changes []plcman.ValueChange) {
	s.hub.BroadcastChanges(changes)
}

// PublishStatus feeds the current status of every PLC into the event
// stream. Wire it into the poll manager's change callback.
func (s *Server) PublishStatus() {
	s.hub.BroadcastStatus(s.managers.GetPLCMan())
}

// corsMiddleware adds CORS headers for browser clients.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// debugLogWriter adapts logging.DebugLog to an io.Writer so the HTTP
// server's error log lands in the debug log.
type debugLogWriter string

func (tag debugLogWriter) Write(p []byte) (n int, err error) {
	logging.DebugLog(string(tag), "%s", string(p))
	return len(p), nil
}

var _ io.Writer = debugLogWriter("")
