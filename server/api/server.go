// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package api exposes the harness commands over HTTP and streams its
// notifications over WebSocket.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/absmach/fluxmq-harness/harness"
	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Controller is the command surface of the harness.
type Controller interface {
	StartBroker(ctx context.Context, port int) error
	StopBroker(ctx context.Context) error
	StartPublisher(ctx context.Context, host string, port int) error
	StopPublisher(ctx context.Context) error
	StartSubscriber(ctx context.Context, host string, port int, topic string) error
	StopSubscriber(ctx context.Context) error
	Publish(ctx context.Context, topic, payload string) error
	Status() harness.StatusSnapshot
	Broker() (harness.BrokerEndpoint, bool)
}

// Config holds configuration for the API server.
type Config struct {
	Address         string
	ShutdownTimeout time.Duration
	// DefaultHost is used by client start requests that omit the host.
	DefaultHost string
}

// Server provides the HTTP control API.
type Server struct {
	config Config
	ctrl   Controller
	hub    *Hub
	logger *slog.Logger
	router *mux.Router
	server *http.Server
	now    func() time.Time

	mu       sync.Mutex
	listener net.Listener
}

// New creates a new API server. hub may be nil, in which case /events is not
// served.
func New(cfg Config, ctrl Controller, hub *Hub, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	if cfg.DefaultHost == "" {
		cfg.DefaultHost = "localhost"
	}

	s := &Server{
		config: cfg,
		ctrl:   ctrl,
		hub:    hub,
		logger: logger,
		now:    time.Now,
	}
	s.router = s.routes()
	s.server = &http.Server{
		Addr:              cfg.Address,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.requestID)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)

	r.HandleFunc("/broker/start", s.handleStartBroker).Methods(http.MethodPost)
	r.HandleFunc("/broker/stop", s.handleStop(s.ctrl.StopBroker)).Methods(http.MethodPost)
	r.HandleFunc("/broker/stats", s.handleBrokerStats).Methods(http.MethodGet)

	r.HandleFunc("/publisher/start", s.handleStartPublisher).Methods(http.MethodPost)
	r.HandleFunc("/publisher/stop", s.handleStop(s.ctrl.StopPublisher)).Methods(http.MethodPost)

	r.HandleFunc("/subscriber/start", s.handleStartSubscriber).Methods(http.MethodPost)
	r.HandleFunc("/subscriber/stop", s.handleStop(s.ctrl.StopSubscriber)).Methods(http.MethodPost)

	r.HandleFunc("/publish", s.handlePublish).Methods(http.MethodPost)
	r.HandleFunc("/generate", s.handleGenerate).Methods(http.MethodPost, http.MethodGet)

	if s.hub != nil {
		r.HandleFunc("/events", s.hub.ServeWS).Methods(http.MethodGet)
	}

	return r
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Addr returns the listener's network address, or "" before Listen.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Listen serves the API until ctx is done.
func (s *Server) Listen(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.logger.Info("Starting API server", slog.String("address", listener.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("API server error: %w", err)
	case <-ctx.Done():
		s.logger.Info("Shutting down API server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	}
}
