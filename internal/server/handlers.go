package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/shaunagostinho/onkyo-remote/internal/iscp"
)

var errNoReceiver = errors.New("server: no receiver attached")

const wsPingInterval = 20 * time.Second

type commandRequest struct {
	Command string `json:"command"`
}

// CommandData is the payload of a command event.
type CommandData struct {
	Command string `json:"command"`
	Error   string `json:"error,omitempty"`
}

// sendCommand queues text on the attached receiver and waits until it has
// been written.
func (s *Server) sendCommand(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return fmt.Errorf("%w: empty command", iscp.ErrUnknownCommand)
	}
	rcv := s.receiver()
	if rcv == nil {
		return errNoReceiver
	}
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	if err := rcv.Command(text).Wait(ctx); err != nil {
		s.log.Warn("command failed", zap.String("command", text), zap.Error(err))
		return err
	}
	s.bus.Publish(Event{Type: EventCommand, Data: CommandData{Command: text}})
	return nil
}

func commandStatus(err error) int {
	switch {
	case errors.Is(err, iscp.ErrUnknownCommand):
		return http.StatusBadRequest
	case errors.Is(err, errNoReceiver):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if err := s.sendCommand(r.Context(), req.Command); err != nil {
		writeJSON(w, commandStatus(err), CommandData{Command: req.Command, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "sent", "command": req.Command})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.db == nil {
		http.Error(w, "history disabled", http.StatusNotFound)
		return
	}
	limit, err := queryInt(r, "limit", 50, 1, 1000)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	frames, err := s.db.Recent(r.Context(), limit)
	if err != nil {
		s.log.Error("history query failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"frames": frames,
		"count":  len(frames),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.status())
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		data, err := s.cfg.ToJSON()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)

	case http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if err := s.cfg.UpdateFromJSON(body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := s.cfg.Save(); err != nil {
			s.log.Warn("config save failed", zap.Error(err))
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func (s *Server) handleRecorder(w http.ResponseWriter, r *http.Request) {
	if s.rec == nil {
		http.Error(w, "recorder disabled", http.StatusNotFound)
		return
	}
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	s.rec.SetEnabled(req.Enabled)
	s.log.Info("recorder toggled", zap.Bool("enabled", req.Enabled))
	writeJSON(w, http.StatusOK, map[string]bool{"recording": s.rec.IsEnabled()})
}

// handleWS streams bus events to the client and accepts
// {"command": "..."} messages from it.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	// Subscribe before the handshake completes so nothing published after
	// the client connects is missed.
	ch, unsub := s.bus.Subscribe()
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		unsub()
		s.log.Warn("ws upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()
	defer unsub()

	s.log.Info("ws client connected", zap.Int("total", s.bus.Len()))
	defer s.log.Info("ws client disconnected")

	replies := make(chan Event, 8)
	go s.wsRead(r.Context(), conn, replies)

	if err := conn.WriteJSON(Event{Type: EventStatus, Timestamp: time.Now().UTC(), Data: s.status()}); err != nil {
		return
	}

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteJSON(evt); err != nil {
				s.log.Debug("ws write", zap.Error(err))
				return
			}
		case evt, ok := <-replies:
			if !ok {
				return
			}
			if err := conn.WriteJSON(evt); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// wsRead handles inbound messages until the connection fails, then closes
// replies.
func (s *Server) wsRead(ctx context.Context, conn *websocket.Conn, replies chan<- Event) {
	defer close(replies)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req commandRequest
		if err := json.Unmarshal(data, &req); err != nil {
			reply(replies, EventError, CommandData{Error: "invalid JSON"})
			continue
		}
		if err := s.sendCommand(ctx, req.Command); err != nil {
			reply(replies, EventError, CommandData{Command: req.Command, Error: err.Error()})
		}
	}
}

func reply(replies chan<- Event, t EventType, data interface{}) {
	select {
	case replies <- Event{Type: t, Timestamp: time.Now().UTC(), Data: data}:
	default:
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func queryInt(r *http.Request, key string, def, min, max int) (int, error) {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < min || n > max {
		return 0, fmt.Errorf("%s must be %d-%d", key, min, max)
	}
	return n, nil
}
