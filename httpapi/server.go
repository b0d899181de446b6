// Package httpapi exposes the automation engine over HTTP: JSON control
// endpoints plus a server-sent stream of lifecycle signals.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"pkt.systems/termpilot/core"
	"pkt.systems/termpilot/internal/logx"
	"pkt.systems/termpilot/schema"
)

// Controller is the engine surface the API drives.
type Controller interface {
	StartTask(ctx context.Context, spec core.ConnectSpec, prompt string, onReady func(schema.TerminalID)) error
	Cleanup(ctx context.Context, preserveTerminal bool) (core.TransportHandle, error)
	PauseAgent(ctx context.Context) error
	ResumeAgent(ctx context.Context) error
	QueuePrompt(ctx context.Context, prompt string) error
	PrepareManualCommit() error
	ResetAfterCommit()
	SetManualControl(manual bool)
	SendKey(ctx context.Context, key string) error
	Status() schema.SessionStatus
	CurrentTuiLines() []string
	IsAgentAvailable() bool
}

// Server serves the HTTP control API.
type Server struct {
	cfg    Config
	engine Controller
	hub    *Hub

	mu        sync.Mutex
	preserved core.TransportHandle
}

// NewServer constructs an HTTP server.
func NewServer(cfg Config, engine Controller, hub *Hub) *Server {
	if hub == nil {
		hub = NewHub(cfg.HistorySize, nil)
	}
	return &Server{cfg: cfg, engine: engine, hub: hub}
}

// Hub returns the signal hub feeding the stream endpoint.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler returns an http.Handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/task", s.handleStart)
	mux.HandleFunc("DELETE /api/task", s.handleStop)
	mux.HandleFunc("POST /api/pause", s.handlePause)
	mux.HandleFunc("POST /api/resume", s.handleResume)
	mux.HandleFunc("POST /api/queue", s.handleQueue)
	mux.HandleFunc("POST /api/commit/prepare", s.handleCommitPrepare)
	mux.HandleFunc("POST /api/commit/reset", s.handleCommitReset)
	mux.HandleFunc("POST /api/manual", s.handleManual)
	mux.HandleFunc("POST /api/keys", s.handleKeys)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/screen", s.handleScreen)
	mux.HandleFunc("GET /api/stream", s.handleStream)
	return withRequestLogging(mux)
}

type statusResponse struct {
	schema.SessionStatus
	AgentAvailable bool `json:"agent_available"`
	Preserved      bool `json:"preserved_terminal"`
}

func (s *Server) status() statusResponse {
	s.mu.Lock()
	preserved := s.preserved != nil
	s.mu.Unlock()
	return statusResponse{
		SessionStatus:  s.engine.Status(),
		AgentAvailable: s.engine.IsAgentAvailable(),
		Preserved:      preserved,
	}
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	log := logx.Ctx(r.Context())
	var payload struct {
		Prompt     string            `json:"prompt"`
		WorkingDir string            `json:"working_dir"`
		Env        map[string]string `json:"env"`
		Reattach   bool              `json:"reattach"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		log.Warn("http start decode failed", "err", err)
		writeError(w, http.StatusBadRequest, fmt.Errorf("%w: %v", schema.ErrInvalidRequest, err))
		return
	}
	if strings.TrimSpace(payload.Prompt) == "" {
		writeError(w, http.StatusBadRequest, schema.ErrEmptyPrompt)
		return
	}
	spec := core.ConnectSpec{WorkingDir: payload.WorkingDir, Env: payload.Env}
	if spec.WorkingDir == "" {
		spec.WorkingDir = s.cfg.WorkingDir
	}
	if payload.Reattach {
		s.mu.Lock()
		spec.Handle = s.preserved
		s.preserved = nil
		s.mu.Unlock()
		if spec.Handle == nil {
			writeError(w, http.StatusConflict, errors.New("no preserved terminal to reattach"))
			return
		}
	}
	var terminal schema.TerminalID
	err := s.engine.StartTask(r.Context(), spec, payload.Prompt, func(id schema.TerminalID) { terminal = id })
	if err != nil {
		if spec.Handle != nil {
			s.mu.Lock()
			s.preserved = spec.Handle
			s.mu.Unlock()
		}
		log.Warn("http start failed", "err", err)
		writeError(w, statusFor(err), err)
		return
	}
	log.Info("http start ok", "terminal", terminal, "reattach", payload.Reattach)
	writeJSON(w, http.StatusOK, map[string]any{"terminal_id": terminal, "status": s.status()})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	log := logx.Ctx(r.Context())
	preserve := parseBool(r.URL.Query().Get("preserve"))
	handle, err := s.engine.Cleanup(r.Context(), preserve)
	if handle != nil {
		s.mu.Lock()
		previous := s.preserved
		s.preserved = handle
		s.mu.Unlock()
		if previous != nil && previous != handle {
			if killErr := previous.Kill(r.Context()); killErr != nil {
				log.Warn("http stale terminal kill failed", "err", killErr)
			}
		}
	}
	if err != nil {
		log.Warn("http stop failed", "err", err)
		writeError(w, statusFor(err), err)
		return
	}
	log.Info("http stop ok", "preserve", preserve)
	writeJSON(w, http.StatusOK, s.status())
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.runOp(w, r, "pause", s.engine.PauseAgent)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.runOp(w, r, "resume", s.engine.ResumeAgent)
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Prompt string `json:"prompt"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("%w: %v", schema.ErrInvalidRequest, err))
		return
	}
	s.runOp(w, r, "queue", func(ctx context.Context) error {
		return s.engine.QueuePrompt(ctx, payload.Prompt)
	})
}

func (s *Server) handleCommitPrepare(w http.ResponseWriter, r *http.Request) {
	s.runOp(w, r, "commit prepare", func(context.Context) error {
		return s.engine.PrepareManualCommit()
	})
}

func (s *Server) handleCommitReset(w http.ResponseWriter, r *http.Request) {
	s.runOp(w, r, "commit reset", func(context.Context) error {
		s.engine.ResetAfterCommit()
		return nil
	})
}

func (s *Server) handleManual(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Enabled bool `json:"enabled"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("%w: %v", schema.ErrInvalidRequest, err))
		return
	}
	s.runOp(w, r, "manual", func(context.Context) error {
		s.engine.SetManualControl(payload.Enabled)
		return nil
	})
}

func (s *Server) handleKeys(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Keys []string `json:"keys"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("%w: %v", schema.ErrInvalidRequest, err))
		return
	}
	s.runOp(w, r, "keys", func(ctx context.Context) error {
		for _, key := range payload.Keys {
			if err := s.engine.SendKey(ctx, key); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Server) runOp(w http.ResponseWriter, r *http.Request, name string, op func(context.Context) error) {
	log := logx.Ctx(r.Context())
	if err := op(r.Context()); err != nil {
		log.Warn("http "+name+" failed", "err", err)
		writeError(w, statusFor(err), err)
		return
	}
	log.Info("http " + name + " ok")
	writeJSON(w, http.StatusOK, s.status())
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.status())
}

func (s *Server) handleScreen(w http.ResponseWriter, r *http.Request) {
	lines := s.engine.CurrentTuiLines()
	if lines == nil {
		lines = []string{}
	}
	if strings.Contains(r.Header.Get("Accept"), "text/plain") {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(w, strings.Join(lines, "\n")+"\n")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"lines": lines})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("stream unsupported"))
		return
	}
	log := logx.Ctx(r.Context())

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	lastID := parseUint(r.Header.Get("Last-Event-ID"))
	ch, unsubscribe, seq := s.hub.Subscribe()
	defer unsubscribe()

	replayCount := 0
	if lastID > 0 && lastID < seq {
		replay := s.hub.Replay(lastID, seq)
		replayCount = len(replay)
		for _, event := range replay {
			_ = writeSSEvent(w, event)
		}
	}
	_, _ = fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	notify := r.Context().Done()
	log.Info("http stream opened", "last_id", lastID, "replay", replayCount)
	for {
		select {
		case <-notify:
			log.Info("http stream closed")
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			_ = writeSSEvent(w, event)
			flusher.Flush()
		}
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, schema.ErrInvalidRequest),
		errors.Is(err, schema.ErrEmptyPrompt),
		errors.Is(err, schema.ErrUnknownKey):
		return http.StatusBadRequest
	case errors.Is(err, schema.ErrTaskRunning),
		errors.Is(err, schema.ErrNoActiveTask),
		errors.Is(err, schema.ErrNotPaused),
		errors.Is(err, schema.ErrAlreadyPaused):
		return http.StatusConflict
	case errors.Is(err, schema.ErrPauseNotConfirmed):
		return http.StatusGatewayTimeout
	case errors.Is(err, schema.ErrTransportUnavailable),
		errors.Is(err, schema.ErrTerminalClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(body io.Reader, target any) error {
	decoder := json.NewDecoder(body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(target)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	data, _ := json.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func writeSSEvent(w io.Writer, event schema.SignalEnvelope) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if event.Seq > 0 {
		_, _ = fmt.Fprintf(w, "id: %d\n", event.Seq)
	}
	_, _ = fmt.Fprintf(w, "event: %s\n", event.Type)
	_, _ = fmt.Fprintf(w, "data: %s\n\n", strings.TrimSpace(string(data)))
	return nil
}

func parseUint(value string) uint64 {
	if value == "" {
		return 0
	}
	parsed, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0
	}
	return parsed
}

func parseBool(value string) bool {
	parsed, err := strconv.ParseBool(value)
	return err == nil && parsed
}
