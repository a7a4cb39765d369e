package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Controller is the pause/stop surface of a running pipeline.
type Controller interface {
	Pause()
	Resume()
	Stop()
}

const (
	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second
	pingEvery = (pongWait * 9) / 10
)

// Server serves the hub state and forwards control requests.
type Server struct {
	logger   zerolog.Logger
	hub      *Hub
	control  Controller
	statusFn func() any
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]*sync.Mutex
}

// NewServer binds hub and control. statusFn supplies the session status and
// may be nil.
func NewServer(logger zerolog.Logger, hub *Hub, control Controller, statusFn func() any) *Server {
	return &Server{
		logger:   logger.With().Str("component", "monitor").Logger(),
		hub:      hub,
		control:  control,
		statusFn: statusFn,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]*sync.Mutex),
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/frame.jpg", s.handleFrame)
	mux.HandleFunc("POST /control/{action}", s.handleControl)
	return mux
}

// Run serves on addr until ctx is done.
func (s *Server) Run(ctx context.Context, addr string) error {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	go s.broadcast(ctx)

	s.logger.Info().Str("addr", addr).Msg("monitor listening")
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(1 << 16)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	s.mu.Lock()
	writeMu := &sync.Mutex{}
	s.clients[conn] = writeMu
	s.mu.Unlock()

	_ = s.writeJSON(conn, writeMu, s.statusPayload("hello"))

	go func() {
		done := make(chan struct{})
		go func() {
			ticker := time.NewTicker(pingEvery)
			defer ticker.Stop()
			for {
				select {
				case <-done:
					return
				case <-ticker.C:
					if err := s.writeMessage(conn, writeMu, websocket.PingMessage, nil); err != nil {
						_ = conn.Close()
						return
					}
				}
			}
		}()
		defer close(done)
		defer s.removeClient(conn)
		for {
			messageType, payload, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if messageType != websocket.TextMessage {
				continue
			}
			var request struct {
				Type   string `json:"type"`
				Action string `json:"action"`
			}
			if err := json.Unmarshal(payload, &request); err != nil {
				continue
			}
			switch request.Type {
			case "status_request":
				_ = s.writeJSON(conn, writeMu, s.statusPayload("status"))
			case "control":
				s.apply(request.Action)
			}
		}
	}()
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.statusPayload("status"))
}

func (s *Server) handleFrame(w http.ResponseWriter, _ *http.Request) {
	frame := s.hub.Frame()
	if frame == nil {
		http.Error(w, "no frame yet", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(frame)
}

func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	if !s.apply(r.PathValue("action")) {
		http.Error(w, "unknown action", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// apply forwards a control action. It reports whether the action is known.
func (s *Server) apply(action string) bool {
	if s.control == nil {
		return false
	}
	switch action {
	case "pause":
		s.control.Pause()
	case "resume":
		s.control.Resume()
	case "stop":
		s.control.Stop()
	default:
		return false
	}
	s.logger.Info().Str("action", action).Msg("control request")
	return true
}

func (s *Server) statusPayload(kind string) map[string]any {
	payload := map[string]any{
		"type":       kind,
		"monitor":    s.hub.Snapshot(),
		"ws_clients": s.clientCount(),
	}
	if s.statusFn != nil {
		payload["session"] = s.statusFn()
	}
	return payload
}

func (s *Server) broadcast(ctx context.Context) {
	messages := s.hub.Messages()
	for {
		select {
		case <-ctx.Done():
			return
		case message, ok := <-messages:
			if !ok {
				return
			}
			payload, err := json.Marshal(message)
			if err != nil {
				continue
			}
			var stale []*websocket.Conn
			s.mu.Lock()
			for conn, writeMu := range s.clients {
				if err := s.writeMessage(conn, writeMu, websocket.TextMessage, payload); err != nil {
					stale = append(stale, conn)
				}
			}
			s.mu.Unlock()
			for _, conn := range stale {
				s.removeClient(conn)
			}
		}
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.mu.Lock()
	delete(s.clients, conn)
	s.mu.Unlock()
	conn.Close()
}

func (s *Server) clientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Server) writeJSON(conn *websocket.Conn, writeMu *sync.Mutex, payload any) error {
	writeMu.Lock()
	defer writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(payload)
}

func (s *Server) writeMessage(conn *websocket.Conn, writeMu *sync.Mutex, messageType int, payload []byte) error {
	writeMu.Lock()
	defer writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(messageType, payload)
}
