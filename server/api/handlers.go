// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/absmach/fluxmq-harness/broker"
	"github.com/absmach/fluxmq-harness/harness"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
)

const requestIDHeader = "X-Request-ID"

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// HealthResponse represents the liveness probe response.
type HealthResponse struct {
	Status string `json:"status"`
}

// ReadyResponse represents the readiness probe response.
type ReadyResponse struct {
	Status  string `json:"status"`
	Details string `json:"details,omitempty"`
}

// StartRequest is the body of the start endpoints. Port accepts a number or
// a numeric string.
type StartRequest struct {
	Host  string              `json:"host,omitempty"`
	Port  jsoniter.RawMessage `json:"port"`
	Topic string              `json:"topic,omitempty"`
}

// PublishRequest is the body of POST /publish.
type PublishRequest struct {
	Topic   string `json:"topic"`
	Payload string `json:"payload"`
}

// PublishResponse reports whether a publisher was running to send the message.
type PublishResponse struct {
	Published bool `json:"published"`
}

// GenerateResponse carries a generated timestamp payload.
type GenerateResponse struct {
	Payload string `json:"payload"`
}

type statsProvider interface {
	Stats() broker.Snapshot
}

type requestIDKey struct{}

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		s.logger.Debug("api request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("request_id", id))
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy"})
}

// handleReady reports ready while the embedded broker is running.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.ctrl.Status().BrokerRunning {
		writeJSON(w, http.StatusServiceUnavailable, ReadyResponse{
			Status:  "not_ready",
			Details: "broker not running",
		})
		return
	}
	writeJSON(w, http.StatusOK, ReadyResponse{Status: "ready"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Status())
}

func (s *Server) handleBrokerStats(w http.ResponseWriter, r *http.Request) {
	ep, ok := s.ctrl.Broker()
	if !ok {
		s.writeError(w, r, http.StatusNotFound, errors.New("broker not running"))
		return
	}
	sp, ok := ep.(statsProvider)
	if !ok {
		s.writeError(w, r, http.StatusNotImplemented, errors.New("broker does not expose stats"))
		return
	}
	writeJSON(w, http.StatusOK, sp.Stats())
}

func (s *Server) handleStartBroker(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if !s.decode(w, r, &req) {
		return
	}
	port, err := parsePort(req.Port)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	s.reply(w, r, s.ctrl.StartBroker(r.Context(), port))
}

func (s *Server) handleStartPublisher(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if !s.decode(w, r, &req) {
		return
	}
	port, err := parsePort(req.Port)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	s.reply(w, r, s.ctrl.StartPublisher(r.Context(), s.host(req.Host), port))
}

func (s *Server) handleStartSubscriber(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if !s.decode(w, r, &req) {
		return
	}
	port, err := parsePort(req.Port)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	s.reply(w, r, s.ctrl.StartSubscriber(r.Context(), s.host(req.Host), port, req.Topic))
}

func (s *Server) handleStop(stop func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.reply(w, r, stop(r.Context()))
	}
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var req PublishRequest
	if !s.decode(w, r, &req) {
		return
	}

	running := s.ctrl.Status().PublisherRunning
	if err := s.ctrl.Publish(r.Context(), req.Topic, req.Payload); err != nil {
		s.writeError(w, r, errorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, PublishResponse{Published: running})
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, GenerateResponse{Payload: harness.GenerateMessage(s.now())})
}

func (s *Server) host(h string) string {
	if strings.TrimSpace(h) == "" {
		return s.config.DefaultHost
	}
	return h
}

// reply writes the post-command status, or the command's error.
func (s *Server) reply(w http.ResponseWriter, r *http.Request, err error) {
	if err != nil {
		s.writeError(w, r, errorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, s.ctrl.Status())
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return false
	}
	if len(body) == 0 {
		return true
	}
	if err := json.Unmarshal(body, v); err != nil {
		s.writeError(w, r, http.StatusBadRequest, errors.New("invalid JSON body"))
		return false
	}
	return true
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	id, _ := r.Context().Value(requestIDKey{}).(string)
	if status >= http.StatusInternalServerError {
		s.logger.Error("api request failed",
			slog.String("path", r.URL.Path),
			slog.String("request_id", id),
			slog.String("error", err.Error()))
	}
	writeJSON(w, status, ErrorResponse{Error: err.Error(), RequestID: id})
}

func errorStatus(err error) int {
	var startErr *harness.StartError
	var stopErr *harness.StopError
	switch {
	case errors.Is(err, harness.ErrInvalidPort),
		errors.Is(err, harness.ErrEmptyHost),
		errors.Is(err, harness.ErrEmptyTopic):
		return http.StatusBadRequest
	case errors.As(err, &startErr), errors.As(err, &stopErr):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func parsePort(raw jsoniter.RawMessage) (int, error) {
	return harness.ParsePort(strings.Trim(string(raw), `"`))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
