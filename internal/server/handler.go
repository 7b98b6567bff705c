package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"fwlink/internal/connection"
	"fwlink/internal/fault"
	"fwlink/internal/logx"
	"fwlink/internal/lru"
	"fwlink/internal/ports"
	"fwlink/internal/update"
)

// Backend is the part of the connection facade the API drives.
type Backend interface {
	ListPortDetails(ctx context.Context) []ports.PortDescriptor
	Status() connection.Status
	Connect(ctx context.Context, path string) (bool, error)
	Disconnect(ctx context.Context) (bool, error)
	CheckForUpdates(ctx context.Context) (update.CheckResult, error)
	InstallUpdate(ctx context.Context) (update.InstallResult, error)
	Rollback(ctx context.Context) (update.InstallResult, error)
	Backup(ctx context.Context) (string, error)
	CancelInstall() bool
	Subscribe() (<-chan connection.Event, func())
}

// statusClientClosed is the non-standard code for a request abandoned by
// its caller.
const statusClientClosed = 499

const maxBodyBytes = 64 << 10

type handler struct {
	b   Backend
	cfg Config

	dedupMu sync.Mutex
	replay  *lru.Cache[*recorded]
}

// NewHandler returns the API routes.
func NewHandler(b Backend, cfg Config) http.Handler {
	h := &handler{
		b:      b,
		cfg:    cfg,
		replay: lru.New[*recorded](cfg.DedupCap, cfg.DedupTTL),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/ports", h.ports)
	mux.HandleFunc("GET /api/state", h.state)
	mux.HandleFunc("GET /api/events", h.events)
	mux.Handle("POST /api/connect", h.idempotent(h.connect))
	mux.Handle("POST /api/disconnect", h.idempotent(h.disconnect))
	mux.Handle("POST /api/update/check", h.idempotent(h.check))
	mux.Handle("POST /api/update/install", h.idempotent(h.install))
	mux.HandleFunc("POST /api/update/cancel", h.cancel)
	mux.Handle("POST /api/rollback", h.idempotent(h.rollback))
	mux.Handle("POST /api/backup", h.idempotent(h.backup))
	return logRequests(mux)
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		logx.Debugf("server: %s %s -> %d (%s)", r.Method, r.URL.Path, sw.status, time.Since(start).Round(time.Millisecond))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

type portsResponse struct {
	Ports   []string               `json:"ports"`
	Details []ports.PortDescriptor `json:"details"`
}

func (h *handler) ports(w http.ResponseWriter, r *http.Request) {
	details := h.b.ListPortDetails(r.Context())
	writeJSON(w, http.StatusOK, portsResponse{Ports: ports.Paths(details), Details: details})
}

func (h *handler) state(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.b.Status())
}

type connectRequest struct {
	Path string `json:"path"`
}

func (h *handler) connect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	ok, err := h.b.Connect(r.Context(), req.Path)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"connected": ok, "port": strings.TrimSpace(req.Path)})
}

func (h *handler) disconnect(w http.ResponseWriter, r *http.Request) {
	ok, err := h.b.Disconnect(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"disconnected": ok})
}

func (h *handler) check(w http.ResponseWriter, r *http.Request) {
	res, err := h.b.CheckForUpdates(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type installResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Version string `json:"version,omitempty"`
	Kind    string `json:"kind,omitempty"`
}

func toInstallResponse(res update.InstallResult) installResponse {
	out := installResponse{Success: res.Success, Message: res.Message, Version: res.Version}
	if res.Err != nil {
		out.Kind = fault.KindOf(res.Err).String()
	}
	return out
}

// Installs outlive the request: a dropped client must not abort a flash.
// Only /api/update/cancel stops them.
func (h *handler) install(w http.ResponseWriter, r *http.Request) {
	res, err := h.b.InstallUpdate(context.WithoutCancel(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toInstallResponse(res))
}

func (h *handler) rollback(w http.ResponseWriter, r *http.Request) {
	res, err := h.b.Rollback(context.WithoutCancel(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toInstallResponse(res))
}

func (h *handler) backup(w http.ResponseWriter, r *http.Request) {
	path, err := h.b.Backup(context.WithoutCancel(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"path": path})
}

func (h *handler) cancel(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": h.b.CancelInstall()})
}

type eventPayload struct {
	Time     time.Time        `json:"time"`
	State    string           `json:"state"`
	Port     string           `json:"port,omitempty"`
	Error    *errorBody       `json:"error,omitempty"`
	Progress *update.Progress `json:"progress,omitempty"`
}

func (h *handler) events(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: errorBody{Kind: "internal", Message: "streaming unsupported"}})
		return
	}
	ch, stop := h.b.Subscribe()
	defer stop()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, ": fwlink events\n\n")
	flusher.Flush()

	heartbeat := h.cfg.Heartbeat
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if err := writeEvent(w, evt); err != nil {
				logx.Debugf("server: event stream write: %v", err)
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := io.WriteString(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func writeEvent(w io.Writer, evt connection.Event) error {
	p := eventPayload{Time: evt.Time, State: evt.State.String(), Port: evt.Port}
	if evt.Err != nil {
		p.Error = &errorBody{Kind: fault.KindOf(evt.Err).String(), Message: evt.Err.Error()}
	}
	if evt.Kind == connection.Progress {
		pr := evt.Progress
		p.Progress = &pr
	}
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Kind, data)
	return err
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is empty")
		}
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}

type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

func statusFor(k fault.Kind) int {
	switch k {
	case fault.PortUnavailable:
		return http.StatusConflict
	case fault.Timeout:
		return http.StatusGatewayTimeout
	case fault.NotConnected:
		return http.StatusPreconditionFailed
	case fault.Transport:
		return http.StatusBadGateway
	case fault.UpdateNotPending:
		return http.StatusConflict
	case fault.Integrity:
		return http.StatusUnprocessableEntity
	case fault.Cancelled:
		return statusClientClosed
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	kind := fault.KindOf(err)
	if kind == fault.Unknown {
		kind = fault.Transport
	}
	writeJSON(w, statusFor(kind), errorResponse{Error: errorBody{Kind: kind.String(), Message: err.Error()}})
}

func writeBadRequest(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: errorBody{Kind: "invalid_request", Message: err.Error()}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	if err := enc.Encode(v); err != nil {
		logx.Debugf("server: encode response: %v", err)
	}
}
