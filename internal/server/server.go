// Package server bridges a receiver client to browsers: it streams inbound
// frames over WebSocket, accepts commands over HTTP, and records frames to
// CSV and SQLite.
package server

import (
	"bufio"
	"context"
	"errors"
	"io/fs"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/shaunagostinho/onkyo-remote/internal/config"
	"github.com/shaunagostinho/onkyo-remote/internal/iscp"
	"github.com/shaunagostinho/onkyo-remote/internal/onkyo"
	"github.com/shaunagostinho/onkyo-remote/internal/recorder"
	"github.com/shaunagostinho/onkyo-remote/internal/store"
)

// Receiver is the part of *onkyo.Client the bridge drives.
type Receiver interface {
	Command(text string) *onkyo.Completion
	Stats() onkyo.Stats
}

const (
	commandTimeout = 5 * time.Second
	pruneInterval  = time.Hour
	persistBuffer  = 256
)

// Server serves the HTTP API and WebSocket stream for one receiver.
type Server struct {
	cfg   *config.Config
	log   *zap.Logger
	webFS fs.FS
	bus   *EventBus
	rec   *recorder.Recorder
	db    *store.DB

	mu  sync.RWMutex
	rcv Receiver

	frames chan received

	upgrader websocket.Upgrader
}

type received struct {
	frame iscp.Frame
	at    time.Time
}

// FrameData is the payload of a frame event.
type FrameData struct {
	Command     string `json:"command"`
	Argument    string `json:"argument"`
	Message     string `json:"message"`
	Description string `json:"description"`
}

// StatusData is the payload of a status event and of GET /api/status.
type StatusData struct {
	Connected   bool         `json:"connected"`
	Receiver    *onkyo.Stats `json:"receiver,omitempty"`
	Reason      string       `json:"reason,omitempty"`
	Subscribers int          `json:"subscribers"`
	Recording   bool         `json:"recording"`
	History     bool         `json:"history"`
}

// New creates a Server. rec and db may be nil.
func New(cfg *config.Config, webFS fs.FS, rec *recorder.Recorder, db *store.DB, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		cfg:    cfg,
		log:    log.Named("server"),
		webFS:  webFS,
		bus:    NewEventBus(),
		rec:    rec,
		db:     db,
		frames: make(chan received, persistBuffer),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Bus returns the server's event bus.
func (s *Server) Bus() *EventBus { return s.bus }

// Attach makes r the receiver commands are sent to. Pass nil while
// reconnecting.
func (s *Server) Attach(r Receiver) {
	s.mu.Lock()
	s.rcv = r
	s.mu.Unlock()
	if r != nil {
		s.bus.Publish(Event{Type: EventStatus, Data: s.status()})
	}
}

func (s *Server) receiver() Receiver {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rcv
}

// HandleFrame is an onkyo.Callback. It runs on the client's event loop, so
// it only publishes and hands the frame to the persist loop.
func (s *Server) HandleFrame(cmd, arg string, _ *onkyo.Client) {
	f := iscp.Frame{Command: cmd, Argument: arg}
	now := time.Now().UTC()
	s.bus.Publish(Event{Type: EventFrame, Timestamp: now, Data: frameData(f)})

	if s.rec == nil && s.db == nil {
		return
	}
	select {
	case s.frames <- received{frame: f, at: now}:
	default:
		s.log.Warn("persist queue full, dropping frame", zap.String("frame", f.String()))
	}
}

// HandleClose is meant for onkyo.WithOnClose.
func (s *Server) HandleClose(reason error) {
	st := s.status()
	st.Connected = false
	st.Receiver = nil
	if reason != nil && !errors.Is(reason, onkyo.ErrClientClosed) {
		st.Reason = reason.Error()
	}
	s.bus.Publish(Event{Type: EventStatus, Data: st})
}

func frameData(f iscp.Frame) FrameData {
	return FrameData{
		Command:     f.Command,
		Argument:    f.Argument,
		Message:     f.String(),
		Description: iscp.Describe(f),
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	if s.webFS != nil {
		mux.Handle("GET /", http.FileServer(http.FS(s.webFS)))
	}
	mux.HandleFunc("GET /ws", s.handleWS)

	mux.HandleFunc("POST /api/command", s.handleCommand)
	mux.HandleFunc("GET /api/history", s.handleHistory)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/config", s.handleConfig)
	mux.HandleFunc("POST /api/config", s.handleConfig)
	mux.HandleFunc("POST /api/recorder", s.handleRecorder)

	return withLogging(s.log, mux)
}

// Run serves HTTP and persists frames until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	go s.persistLoop(ctx)
	if s.db != nil && s.cfg.Recorder.History.Retention > 0 {
		go s.pruneLoop(ctx, s.cfg.Recorder.History.Retention)
	}

	srv := &http.Server{
		Addr:    s.cfg.Server.ListenAddr,
		Handler: s.Handler(),
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	s.log.Info("listening", zap.String("addr", s.cfg.Server.ListenAddr))
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// persistLoop writes frames to the recorder and the history database off
// the client's event loop.
func (s *Server) persistLoop(ctx context.Context) {
	defer func() {
		if s.rec != nil {
			s.rec.Close()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case r := <-s.frames:
			if s.rec != nil {
				s.rec.Record(r.frame, r.at)
			}
			if s.db != nil {
				if _, err := s.db.Insert(ctx, r.frame, r.at); err != nil {
					s.log.Error("history insert failed", zap.Error(err))
				}
			}
		}
	}
}

func (s *Server) pruneLoop(ctx context.Context, keep time.Duration) {
	t := time.NewTicker(pruneInterval)
	defer t.Stop()
	for {
		if n, err := s.db.Prune(ctx, time.Now().Add(-keep)); err != nil {
			s.log.Warn("history prune failed", zap.Error(err))
		} else if n > 0 {
			s.log.Info("history pruned", zap.Int64("rows", n))
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func (s *Server) status() StatusData {
	st := StatusData{
		Subscribers: s.bus.Len(),
		Recording:   s.rec != nil && s.rec.IsEnabled(),
		History:     s.db != nil,
	}
	if r := s.receiver(); r != nil {
		stats := r.Stats()
		st.Receiver = &stats
		st.Connected = stats.State == onkyo.StateOpen
	}
	return st
}

func withLogging(log *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rw, r)
		log.Debug("http",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rw.code),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

type responseWriter struct {
	http.ResponseWriter
	code int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.code = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets the WebSocket upgrade through the logging wrapper.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("server: response does not support hijacking")
	}
	return h.Hijack()
}
