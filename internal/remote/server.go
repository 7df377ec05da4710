// Package remote exposes the avatar's intent inputs over a websocket so
// another process can drive it.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/normanking/talkinghead/internal/avatar"
	"github.com/normanking/talkinghead/internal/bus"
	"github.com/normanking/talkinghead/internal/logging"
	"github.com/normanking/talkinghead/internal/metrics"
)

// Message types accepted on /ws
const (
	TypeTalking    = "talking"
	TypeGesture    = "gesture"
	TypeExpression = "expression"
	TypeSpeak      = "speak"
)

const (
	sendBuffer   = 64
	writeTimeout = 5 * time.Second
	maxMessage   = 64 * 1024
)

// Message is an inbound command
type Message struct {
	Type       string  `json:"type"`
	Talking    *bool   `json:"talking,omitempty"`
	Gesture    string  `json:"gesture,omitempty"`
	Intensity  float64 `json:"intensity,omitempty"`
	Expression string  `json:"expression,omitempty"`
	Mood       string  `json:"mood,omitempty"`
	DurationMS int     `json:"duration_ms,omitempty"`
	Text       string  `json:"text,omitempty"`
}

// Reply answers every inbound command
type Reply struct {
	Type  string `json:"type"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Notice forwards an outbound bus event to every client
type Notice struct {
	Type  string         `json:"type"`
	Event string         `json:"event"`
	Data  map[string]any `json:"data,omitempty"`
}

// History supplies recent log entries for /logs
type History interface {
	GetHistory(limit int) []logging.LogEntry
}

// forwarded are the bus events pushed to clients
var forwarded = []bus.EventType{
	bus.EventTypeModelAttached,
	bus.EventTypePlaceholderShown,
	bus.EventTypeStateChanged,
	bus.EventTypeOverlayChanged,
	bus.EventTypeTTSStarted,
	bus.EventTypeTTSCompleted,
	bus.EventTypeTTSFailed,
}

// Server accepts intent commands on /ws and publishes them on the bus
type Server struct {
	addr     string
	eventBus *bus.EventBus
	history  History
	logger   zerolog.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.send) })
}

// NewServer creates a server listening on addr. history may be nil.
func NewServer(addr string, eventBus *bus.EventBus, history History, logger zerolog.Logger) *Server {
	return &Server{
		addr:     addr,
		eventBus: eventBus,
		history:  history,
		logger:   logger.With().Str("component", "remote").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// local tool; the listener binds to loopback by default
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

// Handler returns the HTTP routes
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/logs", s.handleLogs)
	mux.HandleFunc("/gestures", s.handleGestures)
	mux.HandleFunc("/healthz", s.handleHealth)
	return mux
}

// Start serves until ctx is done
func (s *Server) Start(ctx context.Context) error {
	unsub := s.Forward()
	defer unsub()

	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info().Str("addr", s.addr).Msg("Remote server listening")

	errChan := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return fmt.Errorf("remote server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.closeClients()
		return httpServer.Shutdown(shutdownCtx)
	}
}

// Clients returns the number of connected websocket clients
func (s *Server) Clients() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Forward pushes outbound bus events to connected clients until the
// returned func is called. Start does this itself.
func (s *Server) Forward() func() {
	return s.eventBus.SubscribeMultiple(forwarded, s.forward)
}

func (s *Server) forward(e bus.Event) {
	data, err := json.Marshal(Notice{Type: "event", Event: string(e.Type), Data: e.Data})
	if err != nil {
		s.logger.Warn().Err(err).Str("event", string(e.Type)).Msg("Cannot encode event")
		return
	}
	s.broadcast(data)
}

func (s *Server) broadcast(msg []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for c := range s.clients {
		select {
		case c.send <- msg:
		default:
			// slow client
			c.close()
			delete(s.clients, c)
			metrics.RemoteClients.Set(float64(len(s.clients)))
		}
	}
}

func (s *Server) closeClients() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for c := range s.clients {
		c.close()
		delete(s.clients, c)
	}
	metrics.RemoteClients.Set(0)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	conn.SetReadLimit(maxMessage)

	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}
	s.mu.Lock()
	s.clients[c] = struct{}{}
	metrics.RemoteClients.Set(float64(len(s.clients)))
	s.mu.Unlock()

	s.logger.Debug().Str("remote", r.RemoteAddr).Msg("Client connected")

	go s.writeLoop(c)
	s.readLoop(c)

	s.mu.Lock()
	if _, ok := s.clients[c]; ok {
		delete(s.clients, c)
		c.close()
	}
	metrics.RemoteClients.Set(float64(len(s.clients)))
	s.mu.Unlock()

	s.logger.Debug().Str("remote", r.RemoteAddr).Msg("Client disconnected")
}

func (s *Server) readLoop(c *client) {
	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				s.reply(c, Reply{Type: "error", Error: "invalid JSON"})
				continue
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug().Err(err).Msg("WebSocket read error")
			}
			return
		}

		reply := Reply{Type: msg.Type, OK: true}
		if err := s.dispatch(msg); err != nil {
			reply.OK = false
			reply.Error = err.Error()
			metrics.RemoteMessages.WithLabelValues(typeLabel(msg.Type), metrics.ResultFailed).Inc()
		} else {
			metrics.RemoteMessages.WithLabelValues(typeLabel(msg.Type), metrics.ResultOK).Inc()
		}
		s.reply(c, reply)
	}
}

// typeLabel keeps metric cardinality bounded
func typeLabel(t string) string {
	switch t {
	case TypeTalking, TypeGesture, TypeExpression, TypeSpeak:
		return t
	}
	return "unknown"
}

func (s *Server) writeLoop(c *client) {
	defer c.conn.Close()

	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			s.logger.Debug().Err(err).Msg("WebSocket write error")
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func (s *Server) reply(c *client, r Reply) {
	data, err := json.Marshal(r)
	if err != nil {
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.clients[c]; !ok {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// dispatch validates msg and publishes the matching intent event
func (s *Server) dispatch(msg Message) error {
	switch msg.Type {
	case TypeTalking:
		if msg.Talking == nil {
			return fmt.Errorf("talking: missing \"talking\" field")
		}
		s.publish(bus.EventTypeTalkingChanged, map[string]any{"talking": *msg.Talking})

	case TypeGesture:
		g, err := avatar.ParseGesture(msg.Gesture)
		if err != nil {
			return err
		}
		if msg.Intensity < 0 || msg.Intensity > 1 {
			return fmt.Errorf("gesture: intensity %v outside [0,1]", msg.Intensity)
		}
		s.publish(bus.EventTypeGestureRequested, map[string]any{
			"gesture":   string(g),
			"intensity": msg.Intensity,
		})

	case TypeExpression:
		if msg.Expression == "" && msg.Mood == "" {
			return fmt.Errorf("expression: need \"expression\" or \"mood\"")
		}
		data := map[string]any{}
		if msg.Expression != "" {
			expr, err := avatar.ParseExpression(msg.Expression)
			if err != nil {
				return err
			}
			data["expression"] = string(expr)
			data["duration_ms"] = msg.DurationMS
		}
		if msg.Mood != "" {
			mood, err := avatar.ParseMood(msg.Mood)
			if err != nil {
				return err
			}
			data["mood"] = string(mood)
		}
		s.publish(bus.EventTypeExpressionRequested, data)

	case TypeSpeak:
		if msg.Text == "" {
			return fmt.Errorf("speak: empty text")
		}
		s.publish(bus.EventTypeSpeakRequested, map[string]any{"text": msg.Text})

	default:
		return fmt.Errorf("unknown message type %q", msg.Type)
	}
	return nil
}

// publish delivers intent events synchronously so messages from one
// client reach the stage in the order they were sent. Speech runs for the
// whole utterance and is handed off instead of holding the read loop.
func (s *Server) publish(t bus.EventType, data map[string]any) {
	s.logger.Debug().Str("event", string(t)).Msg("Remote intent")
	e := bus.Event{Type: t, Data: data}
	if t == bus.EventTypeSpeakRequested {
		s.eventBus.Publish(e)
		return
	}
	s.eventBus.PublishSync(e)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	entries := []logging.LogEntry{}
	if s.history != nil {
		entries = s.history.GetHistory(limit)
	}
	writeJSON(w, entries)
}

func (s *Server) handleGestures(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, avatar.Gestures())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"status":  "ok",
		"clients": s.Clients(),
		// zero means no stage is mounted to act on intents
		"intent_listeners": s.eventBus.Count(bus.EventTypeTalkingChanged),
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
