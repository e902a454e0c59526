// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Phala Network (https://phala.network/).
// Copyright 2024-present Phala Network, Inc.

// Package api exposes the service's operational HTTP surface: health,
// metrics and cron control.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Phala-Network/trust-center/pkg/cron"
	"github.com/Phala-Network/trust-center/pkg/queue"
	"github.com/Phala-Network/trust-center/pkg/util/log"
)

// QueueHealth snapshots queue health for the detailed endpoint.
type QueueHealth interface {
	HealthCheck(ctx context.Context) (*queue.Stats, error)
}

// TaskTimes reads task recency out of the store.
type TaskTimes interface {
	LatestCompletedAt(ctx context.Context) (*time.Time, error)
	Ping(ctx context.Context) error
}

// CronControl is the scheduler surface the API drives.
type CronControl interface {
	Start(name string) error
	Stop(name string) error
	Trigger(ctx context.Context, name string) error
	StartAll() error
	StopAll() error
	Status() []cron.JobStatus
}

// Refresher schedules a full re-verification pass.
type Refresher interface {
	ForceRefreshAll(ctx context.Context) (int, error)
}

// Server is the operational HTTP server.
type Server struct {
	queue     QueueHealth
	tasks     TaskTimes
	cron      CronControl
	refresher Refresher
	apiKey    string

	http *http.Server
}

// New wires the server. apiKey guards the cron routes; an empty key locks
// them entirely.
func New(addr string, q QueueHealth, tasks TaskTimes, c CronControl, refresher Refresher, apiKey string) (*Server, error) {
	if q == nil || tasks == nil || c == nil || refresher == nil {
		return nil, fmt.Errorf("api: queue, task store, cron and refresher are all required")
	}

	s := &Server{queue: q, tasks: tasks, cron: c, refresher: refresher, apiKey: apiKey}

	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/health/detailed", s.handleHealthDetailed).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	admin := r.PathPrefix("/cron").Subrouter()
	admin.Use(s.requireAPIKey)
	admin.HandleFunc("/status", s.handleCronStatus).Methods(http.MethodGet)
	admin.HandleFunc("/start-all", s.handleStartAll).Methods(http.MethodPost)
	admin.HandleFunc("/stop-all", s.handleStopAll).Methods(http.MethodPost)
	admin.HandleFunc("/force-refresh-apps", s.handleForceRefresh).Methods(http.MethodPost)
	admin.HandleFunc("/start/{name}", s.handleCronStart).Methods(http.MethodPost)
	admin.HandleFunc("/stop/{name}", s.handleCronStop).Methods(http.MethodPost)
	admin.HandleFunc("/trigger/{name}", s.handleCronTrigger).Methods(http.MethodPost)

	s.http = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Handler exposes the router, mostly for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// ListenAndServe blocks until the server stops.
func (s *Server) ListenAndServe() error {
	log.Infof("http server listening on %s", s.http.Addr)
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// requireAPIKey gates the admin routes on a bearer token, compared in
// constant time. No configured key means no access.
func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if s.apiKey == "" ||
			subtle.ConstantTimeCompare([]byte(token), []byte(s.apiKey)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid or missing API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"service":   "trust-center",
	})
}

func (s *Server) handleHealthDetailed(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	out := map[string]interface{}{"status": "ok"}
	status := http.StatusOK

	if err := s.tasks.Ping(ctx); err != nil {
		out["status"] = "degraded"
		out["database"] = err.Error()
		status = http.StatusServiceUnavailable
	}

	stats, err := s.queue.HealthCheck(ctx)
	if err != nil {
		out["status"] = "degraded"
		out["queue"] = err.Error()
		status = http.StatusServiceUnavailable
	} else {
		out["queue"] = stats
	}

	if latest, err := s.tasks.LatestCompletedAt(ctx); err == nil && latest != nil {
		out["latestCompletedReportTime"] = latest.UTC().Format(time.RFC3339)
	}

	writeJSON(w, status, out)
}

func (s *Server) handleCronStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": s.cron.Status()})
}

func (s *Server) handleCronStart(w http.ResponseWriter, r *http.Request) {
	s.cronOp(w, r, s.cron.Start, "started")
}

func (s *Server) handleCronStop(w http.ResponseWriter, r *http.Request) {
	s.cronOp(w, r, s.cron.Stop, "stopped")
}

func (s *Server) handleCronTrigger(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if err := s.cron.Trigger(r.Context(), name); err != nil {
		writeError(w, statusForCronError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"job": name, "result": "triggered"})
}

func (s *Server) cronOp(w http.ResponseWriter, r *http.Request, op func(string) error, result string) {
	name := mux.Vars(r)["name"]
	if err := op(name); err != nil {
		writeError(w, statusForCronError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"job": name, "result": result})
}

func (s *Server) handleStartAll(w http.ResponseWriter, _ *http.Request) {
	if err := s.cron.StartAll(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": "started"})
}

func (s *Server) handleStopAll(w http.ResponseWriter, _ *http.Request) {
	if err := s.cron.StopAll(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": "stopped"})
}

func (s *Server) handleForceRefresh(w http.ResponseWriter, r *http.Request) {
	n, err := s.refresher.ForceRefreshAll(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"result": "scheduled", "enqueued": n})
}

func statusForCronError(err error) int {
	if strings.Contains(err.Error(), "unknown job") {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Warnf("encode http response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
