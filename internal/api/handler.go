// internal/api/handler.go

// Package api exposes the device session over authenticated HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mattreya/kernel-chat-w-JonnC-extensions/internal/agent"
	"github.com/mattreya/kernel-chat-w-JonnC-extensions/internal/probe"
	"github.com/mattreya/kernel-chat-w-JonnC-extensions/internal/protocol"
	"github.com/mattreya/kernel-chat-w-JonnC-extensions/internal/session"
	"github.com/mattreya/kernel-chat-w-JonnC-extensions/internal/store"
	"github.com/mattreya/kernel-chat-w-JonnC-extensions/internal/transport"
)

const (
	defaultRunTimeout = 30 * time.Second
	maxRunTimeout     = 10 * time.Minute
	defaultTail       = 100
)

// Handler serves the device API
type Handler struct {
	mgr             *session.Manager
	agent           *agent.Agent
	db              *store.DB
	apiKey          string
	maxPayloadBytes int64
	allowLocal      bool
	logger          *slog.Logger
	mux             *http.ServeMux
}

// HandlerOptions configures NewHandler. Agent and DB are optional.
type HandlerOptions struct {
	Agent           *agent.Agent
	DB              *store.DB
	APIKey          string
	MaxPayloadBytes int64
	// AllowLocal lets clients connect to "local", which runs their
	// scripts in a shell on the API host
	AllowLocal bool
	Logger     *slog.Logger
}

// NewHandler creates the API handler; an empty APIKey disables auth
func NewHandler(mgr *session.Manager, opts HandlerOptions) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if opts.MaxPayloadBytes <= 0 {
		opts.MaxPayloadBytes = 1 << 20
	}
	h := &Handler{
		mgr:             mgr,
		agent:           opts.Agent,
		db:              opts.DB,
		apiKey:          opts.APIKey,
		maxPayloadBytes: opts.MaxPayloadBytes,
		allowLocal:      opts.AllowLocal,
		logger:          logger,
		mux:             http.NewServeMux(),
	}
	h.mux.HandleFunc("GET /health", h.health)
	h.mux.HandleFunc("POST /connect", h.auth(h.connect))
	h.mux.HandleFunc("POST /disconnect", h.auth(h.disconnect))
	h.mux.HandleFunc("POST /probe/{name}", h.auth(h.runProbe))
	h.mux.HandleFunc("POST /run", h.auth(h.run))
	h.mux.HandleFunc("POST /send", h.auth(h.send))
	h.mux.HandleFunc("GET /tail", h.auth(h.tail))
	h.mux.HandleFunc("POST /clear", h.auth(h.clear))
	h.mux.HandleFunc("POST /ask", h.auth(h.ask))
	h.mux.HandleFunc("GET /reports", h.auth(h.reports))
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.apiKey != "" {
			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") || strings.TrimPrefix(auth, "Bearer ") != h.apiKey {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
		}
		next(w, r)
	}
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.ContentLength > h.maxPayloadBytes {
		http.Error(w, "Request Entity Too Large", http.StatusRequestEntityTooLarge)
		return false
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, h.maxPayloadBytes+1))
	if err != nil {
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return false
	}
	if int64(len(body)) > h.maxPayloadBytes {
		http.Error(w, "Request Entity Too Large", http.StatusRequestEntityTooLarge)
		return false
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return true
	}
	if err := json.Unmarshal(body, v); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// fail maps session and framing errors onto status codes
func (h *Handler) fail(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, session.ErrNotConnected):
		status = http.StatusConflict
	case protocol.IsTimeout(err), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	case transport.IsConnection(err), protocol.IsAmbiguous(err):
		status = http.StatusBadGateway
	case errors.Is(err, probe.ErrUnknownProbe):
		status = http.StatusNotFound
	case errors.Is(err, probe.ErrInvalidOption), errors.Is(err, agent.ErrNoModel):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type connectRequest struct {
	Address string `json:"address"`
	Baud    int    `json:"baud"`
}

func (h *Handler) connect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Address == "" {
		http.Error(w, "address is required", http.StatusBadRequest)
		return
	}
	if req.Address == transport.LocalName && !h.allowLocal {
		h.logger.Warn("refused local connect", "remote", r.RemoteAddr)
		http.Error(w, "local execution is disabled (set allow_local)", http.StatusForbidden)
		return
	}
	s, err := h.mgr.Connect(r.Context(), req.Address, req.Baud)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "connected", "device": s.Name()})
}

func (h *Handler) disconnect(w http.ResponseWriter, r *http.Request) {
	if err := h.mgr.Disconnect(); err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "disconnected"})
}

type probeRequest struct {
	Options map[string]string `json:"options"`
}

type probeResponse struct {
	*probe.Result
	Degraded bool   `json:"degraded"`
	Markdown string `json:"markdown"`
	ReportID int64  `json:"report_id,omitempty"`
}

func (h *Handler) runProbe(w http.ResponseWriter, r *http.Request) {
	var req probeRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := probe.RunWith(r.Context(), h.mgr, r.PathValue("name"), probe.Options(req.Options), h.logger)
	if err != nil {
		h.fail(w, err)
		return
	}
	resp := probeResponse{Result: res, Degraded: res.Degraded(), Markdown: res.Report.Markdown()}
	if h.db != nil {
		if rec, err := store.FromResult(res); err != nil {
			h.logger.Warn("failed to encode report", "probe", res.Probe, "error", err)
		} else if id, err := h.db.InsertReport(r.Context(), rec); err != nil {
			h.logger.Warn("failed to store report", "probe", res.Probe, "error", err)
		} else {
			resp.ReportID = id
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type runRequest struct {
	Script  string `json:"script"`
	Timeout string `json:"timeout"`
}

type runResponse struct {
	Marker   string `json:"marker"`
	Payload  string `json:"payload"`
	ExitCode int    `json:"exit_code"`
	Pairs    int    `json:"pairs"`
}

func (h *Handler) run(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if !h.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Script) == "" {
		http.Error(w, "script is required", http.StatusBadRequest)
		return
	}
	timeout := defaultRunTimeout
	if req.Timeout != "" {
		d, err := time.ParseDuration(req.Timeout)
		if err != nil || d <= 0 || d > maxRunTimeout {
			http.Error(w, fmt.Sprintf("invalid timeout %q", req.Timeout), http.StatusBadRequest)
			return
		}
		timeout = d
	}
	match, err := h.mgr.RunFramed(r.Context(), req.Script, timeout)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runResponse{
		Marker:   match.Marker.ID,
		Payload:  match.Payload,
		ExitCode: match.ExitCode,
		Pairs:    match.Pairs,
	})
}

type sendRequest struct {
	Text string `json:"text"`
}

func (h *Handler) send(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.mgr.Send(r.Context(), req.Text); err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

func (h *Handler) tail(w http.ResponseWriter, r *http.Request) {
	n := defaultTail
	if v := r.URL.Query().Get("n"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 0 {
			http.Error(w, fmt.Sprintf("invalid n %q", v), http.StatusBadRequest)
			return
		}
		n = parsed
	}
	lines := h.mgr.Buffer().Tail(n)
	if lines == nil {
		lines = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"lines": lines})
}

func (h *Handler) clear(w http.ResponseWriter, r *http.Request) {
	h.mgr.Buffer().Clear()
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

type askRequest struct {
	Request string `json:"request"`
}

func (h *Handler) ask(w http.ResponseWriter, r *http.Request) {
	if h.agent == nil {
		http.Error(w, "ask is not enabled", http.StatusNotImplemented)
		return
	}
	var req askRequest
	if !h.decode(w, r, &req) {
		return
	}
	ans, err := h.agent.Ask(r.Context(), req.Request)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"answer": ans, "markdown": ans.Markdown()})
}

func (h *Handler) reports(w http.ResponseWriter, r *http.Request) {
	if h.db == nil {
		http.Error(w, "no report store configured", http.StatusNotImplemented)
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			http.Error(w, fmt.Sprintf("invalid limit %q", v), http.StatusBadRequest)
			return
		}
		limit = min(parsed, 500)
	}
	reports, err := h.db.RecentReports(r.Context(), r.URL.Query().Get("probe"), limit)
	if err != nil {
		h.fail(w, err)
		return
	}
	for i := range reports {
		reports[i].Raw = ""
	}
	if reports == nil {
		reports = []store.Report{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"reports": reports})
}
