package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"localscope/internal/logging"
	"localscope/internal/model"
	"localscope/internal/scan"
)

// Event types sent on /events.
const (
	EventSnapshot = "snapshot"
	EventProgress = "progress"
)

type event struct {
	Type     string         `json:"type"`
	Progress scan.Progress  `json:"progress"`
	Devices  []model.Device `json:"devices,omitempty"`
}

// observe runs on every progress change. Updates while a scan is busy carry
// progress only; the final update carries the working set too.
func (s *Server) observe(progress scan.Progress) {
	ev := event{Type: EventProgress, Progress: progress}
	if !progress.Stage.Busy() {
		ev.Type = EventSnapshot
		ev.Devices = s.manager.CurrentDevices()
	}
	s.broadcast(ev)
}

func (s *Server) snapshotEvent() event {
	snapshot := s.manager.Snapshot()
	return event{Type: EventSnapshot, Progress: snapshot.Progress, Devices: snapshot.Devices}
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		logging.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	remote := r.RemoteAddr
	logging.Info("event stream opened", zap.String("remote_addr", remote))
	defer func() {
		_ = conn.Close()
		logging.Info("event stream closed", zap.String("remote_addr", remote))
	}()

	ch := make(chan event, clientBuffer)
	s.addClient(ch)
	defer s.removeClient(ch)

	// The peer never sends data, but reading is required to process close frames.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := writeEvent(conn, s.snapshotEvent()); err != nil {
		return
	}
	for {
		select {
		case <-closed:
			return
		case <-s.ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
				time.Now().Add(writeWait))
			return
		case ev := <-ch:
			if err := writeEvent(conn, ev); err != nil {
				logging.Debug("event write failed", zap.String("remote_addr", remote), zap.Error(err))
				return
			}
		}
	}
}

func writeEvent(conn *websocket.Conn, ev event) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteJSON(ev)
}

func (s *Server) addClient(ch chan event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[ch] = struct{}{}
}

func (s *Server) removeClient(ch chan event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, ch)
	close(ch)
}

// broadcast drops progress events for clients whose buffer is full. A snapshot
// event evicts the oldest buffered event instead.
func (s *Server) broadcast(ev event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.clients {
		select {
		case ch <- ev:
			continue
		default:
		}
		if ev.Type != EventSnapshot {
			continue
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- ev:
		default:
		}
	}
}
