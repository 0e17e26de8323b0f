// Package api exposes a scan.Manager over HTTP for collaborators such as a
// browser front end or a status bar widget.
//
// Endpoints:
//
//	GET    /snapshot         progress and working set together
//	GET    /progress         latest progress
//	GET    /devices          working set
//	POST   /devices          add a manual device
//	POST   /scan             start a scan
//	POST   /cancel           cancel the running scan
//	POST   /favorites        toggle a favorite service {"ip": "...", "service": "ssh"}
//	GET    /history          persisted history
//	DELETE /history          clear history
//	DELETE /history/{ip}     delete one history record
//	GET    /events           websocket stream of progress and snapshot events
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"localscope/internal/history"
	"localscope/internal/logging"
	"localscope/internal/model"
	"localscope/internal/scan"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	clientBuffer = 16
)

// Server serves the collaborator API for one Manager.
type Server struct {
	ctx      context.Context
	manager  *scan.Manager
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[chan event]struct{}

	unsubscribe func()
}

// New creates a Server. Scans started through the API run under ctx.
func New(ctx context.Context, manager *scan.Manager) *Server {
	s := &Server{
		ctx:     ctx,
		manager: manager,
		clients: make(map[chan event]struct{}),
	}
	s.unsubscribe = manager.Subscribe(s.observe)
	return s
}

// Close detaches the server from the manager's progress updates.
func (s *Server) Close() {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/snapshot", s.handleSnapshot)
	mux.HandleFunc("/progress", s.handleProgress)
	mux.HandleFunc("/devices", s.handleDevices)
	mux.HandleFunc("/scan", s.handleScan)
	mux.HandleFunc("/cancel", s.handleCancel)
	mux.HandleFunc("/favorites", s.handleFavorites)
	mux.HandleFunc("/history", s.handleHistory)
	mux.HandleFunc("/history/", s.handleHistoryEntry)
	mux.HandleFunc("/events", s.handleEvents)
	return mux
}

// Run serves on addr until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	logging.Info("api listening", zap.String("addr", ln.Addr().String()))

	server := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.manager.Snapshot())
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.manager.CurrentProgress())
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.manager.CurrentDevices())
	case http.MethodPost:
		var req model.Device
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request payload", http.StatusBadRequest)
			return
		}
		d, err := s.manager.AddManualDevice(r.Context(), req)
		s.writeDeviceResult(w, http.StatusCreated, d, err)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	progress, err := s.manager.StartScan(s.ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, progress)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	progress, err := s.manager.Cancel()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, progress)
}

func (s *Server) handleFavorites(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		IP      string `json:"ip"`
		Service string `json:"service"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request payload", http.StatusBadRequest)
		return
	}
	service, err := model.ParseServiceType(req.Service)
	if err != nil {
		writeError(w, err)
		return
	}
	d, err := s.manager.ToggleFavorite(r.Context(), strings.TrimSpace(req.IP), service)
	s.writeDeviceResult(w, http.StatusOK, d, err)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.manager.History())
	case http.MethodDelete:
		if err := s.manager.ClearHistory(r.Context()); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleHistoryEntry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ip := strings.TrimPrefix(r.URL.Path, "/history/")
	if ip == "" || strings.Contains(ip, "/") {
		http.NotFound(w, r)
		return
	}
	if err := s.manager.DeleteFromHistory(r.Context(), ip); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// deviceResult carries the updated device. Warning is set when the change was
// applied in memory but could not be saved.
type deviceResult struct {
	Device  model.Device `json:"device"`
	Warning string       `json:"warning,omitempty"`
}

func (s *Server) writeDeviceResult(w http.ResponseWriter, status int, d model.Device, err error) {
	if err != nil && !errors.Is(err, history.ErrPersistence) {
		writeError(w, err)
		return
	}
	res := deviceResult{Device: d}
	if err != nil {
		res.Warning = err.Error()
	}
	writeJSON(w, status, res)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, scan.ErrScanInProgress), errors.Is(err, scan.ErrNoActiveScan):
		return http.StatusConflict
	case errors.Is(err, model.ErrDeviceNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrUnknownService), errors.Is(err, model.ErrInvalidDevice):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Debug("failed to write response", zap.Error(err))
	}
}
