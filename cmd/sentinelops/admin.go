package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/cdgtlmda/SentinelOps-sub002/core"
	"github.com/cdgtlmda/SentinelOps-sub002/orchestration"
)

// adminServer is the operational HTTP surface: liveness, readiness,
// redacted configuration, and the Prometheus scrape endpoint.
type adminServer struct {
	rt     *orchestration.Runtime
	logger core.Logger
	server *http.Server
	ready  atomic.Bool
}

func newAdminServer(rt *orchestration.Runtime, logger core.Logger) *adminServer {
	a := &adminServer{rt: rt, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", a.handleHealth)
	mux.HandleFunc("/readyz", a.handleReady)
	mux.HandleFunc("/configz", a.handleConfig)
	mux.HandleFunc("/statusz", a.handleStatus)
	if rt.Telemetry != nil {
		mux.Handle("/metrics", rt.Telemetry.Handler())
	}

	a.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", rt.Config.Admin.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return a
}

// Start listens in the background. Bind failures surface through the
// logger since ListenAndServe only returns after the listener exists.
func (a *adminServer) Start() error {
	go func() {
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("Admin server failed", map[string]interface{}{
				"operation": "admin_serve",
				"error":     err.Error(),
				"addr":      a.server.Addr,
			})
		}
	}()
	return nil
}

// SetReady flips the readiness gate. The dispatcher must be subscribed
// before traffic is routed here.
func (a *adminServer) SetReady(ready bool) {
	a.ready.Store(ready)
}

func (a *adminServer) Stop(ctx context.Context) error {
	return a.server.Shutdown(ctx)
}

func (a *adminServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (a *adminServer) handleReady(w http.ResponseWriter, r *http.Request) {
	if !a.ready.Load() {
		http.Error(w, "not ready", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func (a *adminServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(a.rt.Config.Snapshot()); err != nil {
		a.logger.Error("Encoding config snapshot failed", map[string]interface{}{
			"operation": "admin_configz",
			"error":     err.Error(),
		})
	}
}

func (a *adminServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	admission := a.rt.Engine.Admission()
	status := map[string]interface{}{
		"active_incidents": admission.ActiveCount(),
		"backlog_depth":    admission.BacklogDepth(),
		"pending_writes":   a.rt.Batcher.PendingCount(),
		"ready":            a.ready.Load(),
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		a.logger.Error("Encoding status failed", map[string]interface{}{
			"operation": "admin_statusz",
			"error":     err.Error(),
		})
	}
}
