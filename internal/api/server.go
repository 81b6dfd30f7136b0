// Package api binds the kernel manager's operations to HTTP. The daemon
// serves it next to /metrics; event streaming is NDJSON (one event record
// per line) so clients can consume executions with a plain line reader.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/oeway/kernel-engine/internal/history"
	"github.com/oeway/kernel-engine/internal/kernel"
	"github.com/oeway/kernel-engine/internal/logging"
	"github.com/oeway/kernel-engine/internal/metrics"
)

// ServerConfig contains dependencies for the HTTP server.
type ServerConfig struct {
	Manager *kernel.Manager
	History *history.Store // optional
}

// StartHTTPServer creates and starts the HTTP server.
func StartHTTPServer(addr string, cfg ServerConfig) *http.Server {
	h := &handler{mgr: cfg.Manager, hist: cfg.History}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.Handle("GET /metrics", metrics.PrometheusHandler())

	mux.HandleFunc("POST /kernels", h.create)
	mux.HandleFunc("GET /kernels", h.list)
	mux.HandleFunc("DELETE /kernels", h.destroyAll)
	mux.HandleFunc("GET /kernels/{id}", h.info)
	mux.HandleFunc("DELETE /kernels/{id}", h.destroy)
	mux.HandleFunc("POST /kernels/{id}/execute", h.execute)
	mux.HandleFunc("POST /kernels/{id}/input", h.inputReply)
	mux.HandleFunc("POST /kernels/{id}/interrupt", h.interrupt)
	mux.HandleFunc("POST /kernels/{id}/restart", h.restart)
	mux.HandleFunc("POST /kernels/{id}/terminate", h.terminate)
	mux.HandleFunc("GET /kernels/{id}/history", h.recent)
	mux.HandleFunc("GET /pool", h.poolStats)

	server := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Op().Error("HTTP server error", "error", err)
		}
	}()

	return server
}

type handler struct {
	mgr  *kernel.Manager
	hist *history.Store
}

type createRequest struct {
	ID        string         `json:"id,omitempty"`
	Namespace string         `json:"namespace,omitempty"`
	Mode      string         `json:"mode"`
	Language  string         `json:"language"`
	Options   kernel.Options `json:"options"`
}

func (h *handler) create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	id, err := h.mgr.Create(r.Context(), kernel.CreateOptions{
		ID:        req.ID,
		Namespace: req.Namespace,
		Mode:      kernel.Mode(req.Mode),
		Language:  kernel.Language(req.Language),
		Options:   req.Options,
	})
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	info, err := h.mgr.Info(id)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":       id,
		"mode":     req.Mode,
		"language": req.Language,
		"created":  info.Created,
	})
}

func (h *handler) list(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.mgr.List(r.URL.Query().Get("namespace")))
}

func (h *handler) info(w http.ResponseWriter, r *http.Request) {
	info, err := h.mgr.Info(r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *handler) destroy(w http.ResponseWriter, r *http.Request) {
	h.mgr.Destroy(r.PathValue("id"))
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) destroyAll(w http.ResponseWriter, r *http.Request) {
	n := h.mgr.DestroyAll(r.URL.Query().Get("namespace"))
	writeJSON(w, http.StatusOK, map[string]int{"destroyed": n})
}

type executeRequest struct {
	Code string `json:"code"`
}

func (h *handler) execute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	id := r.PathValue("id")

	if r.URL.Query().Get("stream") != "true" {
		execID, err := h.mgr.Execute(id, req.Code)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"execution_id": execID})
		return
	}

	stream, execID, err := h.mgr.ExecuteStream(id, req.Code)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	defer stream.Cancel()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("X-Execution-Id", execID)
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	enc := json.NewEncoder(w)
	for {
		rec, ok := stream.Recv(r.Context())
		if !ok {
			return
		}
		if err := enc.Encode(rec); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

type inputRequest struct {
	Value string `json:"value"`
}

func (h *handler) inputReply(w http.ResponseWriter, r *http.Request) {
	var req inputRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.mgr.InputReply(r.PathValue("id"), req.Value); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) interrupt(w http.ResponseWriter, r *http.Request) {
	ok, err := h.mgr.Interrupt(r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"interrupted": ok})
}

func (h *handler) restart(w http.ResponseWriter, r *http.Request) {
	if err := h.mgr.Restart(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"restarted": true})
}

type terminateRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (h *handler) terminate(w http.ResponseWriter, r *http.Request) {
	var req terminateRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	ok := h.mgr.ForceTerminate(r.PathValue("id"), req.Reason)
	if !ok {
		writeError(w, http.StatusNotFound, kernel.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"terminated": true})
}

func (h *handler) recent(w http.ResponseWriter, r *http.Request) {
	if h.hist == nil {
		writeError(w, http.StatusNotImplemented, errors.New("history store not configured"))
		return
	}
	entries, err := h.hist.Recent(r.Context(), r.PathValue("id"), 50)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *handler) poolStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.mgr.PoolStats())
}

// statusFor maps manager errors to HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, kernel.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, kernel.ErrPolicy):
		return http.StatusConflict
	case errors.Is(err, kernel.ErrKernelLimit):
		return http.StatusTooManyRequests
	case errors.Is(err, kernel.ErrInitFailed):
		return http.StatusBadGateway
	case errors.Is(err, kernel.ErrNotInitialized):
		return http.StatusConflict
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
