package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaunagostinho/optosync/internal/controller"
	"github.com/shaunagostinho/optosync/internal/ledconfig"
	"github.com/shaunagostinho/optosync/internal/link"
)

// Settings is the application config as exposed on /api/settings.
type Settings interface {
	ToJSON() ([]byte, error)
	UpdateFromJSON(data []byte) error
	Save() error
}

// Server reports receiver progress to WebSocket clients and Prometheus.
type Server struct {
	addr     string
	settings Settings
	store    *ledconfig.Store
	webFS    fs.FS

	registry *prometheus.Registry
	metrics  *Metrics

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader

	statusMu sync.Mutex
	status   Status
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Status is the receiver's current state.
type Status struct {
	Phase       string             `json:"phase"`
	Since       time.Time          `json:"since"`
	Cycles      int                `json:"cycles"`
	Config      *ledconfig.Config  `json:"config,omitempty"`
	Fingerprint string             `json:"fingerprint,omitempty"`
	LastRun     *controller.Result `json:"lastRun,omitempty"`
	LastError   string             `json:"lastError,omitempty"`
}

// Frame is the JSON structure sent to all WebSocket clients.
type Frame struct {
	Type   string             `json:"type"` // status, config, trigger, event, run
	Status *Status            `json:"status,omitempty"`
	Config *ledconfig.Config  `json:"config,omitempty"`
	Event  *controller.Event  `json:"event,omitempty"`
	Run    *controller.Result `json:"run,omitempty"`
	Error  string             `json:"error,omitempty"`
	Stamp  int64              `json:"stamp"` // Unix ms
}

// New creates a telemetry server. settings, store and webFS may be nil.
func New(addr string, settings Settings, store *ledconfig.Store, webFS fs.FS) *Server {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return &Server{
		addr:     addr,
		settings: settings,
		store:    store,
		webFS:    webFS,
		registry: reg,
		metrics:  NewMetrics(reg),
		clients:  make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		status: Status{Phase: "starting", Since: time.Now()},
	}
}

// Metrics exposes the collectors, mainly for tests.
func (s *Server) Metrics() *Metrics { return s.metrics }

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	if s.webFS != nil {
		mux.Handle("/", http.FileServer(http.FS(s.webFS)))
	}
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/api/settings", s.handleSettings)
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	return mux
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	log.Printf("[telemetry] listening on %s", s.addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade error: %v", err)
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()

	log.Printf("[ws] client connected (%d total)", n)

	// Send the current status first
	st := s.snapshot()
	if data, err := json.Marshal(Frame{Type: "status", Status: &st, Stamp: time.Now().UnixMilli()}); err == nil {
		client.send <- data
	}

	// Writer goroutine
	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	// Reader goroutine (keep-alive, detects disconnect)
	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client)
			close(client.send)
			n := len(s.clients)
			s.clientsMu.Unlock()
			log.Printf("[ws] client disconnected (%d total)", n)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, s.snapshot())
}

// handleConfig returns the persisted LED configuration, if any.
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.store == nil || !s.store.Exists() {
		http.Error(w, "no configuration received yet", http.StatusNotFound)
		return
	}
	cfg, err := s.store.Load()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, struct {
		Config      ledconfig.Config `json:"config"`
		Fingerprint string           `json:"fingerprint"`
	}{cfg, fingerprint(cfg)})
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	if s.settings == nil {
		http.Error(w, "settings unavailable", http.StatusNotFound)
		return
	}
	switch r.Method {
	case http.MethodGet:
		data, err := s.settings.ToJSON()
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
		if err := s.settings.UpdateFromJSON(body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := s.settings.Save(); err != nil {
			log.Printf("[config] save failed: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// Phase records the receiver's current phase.
func (s *Server) Phase(phase string) {
	s.statusMu.Lock()
	s.status.Phase = phase
	s.status.Since = time.Now()
	st := s.status
	s.statusMu.Unlock()

	s.broadcast(Frame{Type: "status", Status: &st})
}

// Assembled records the outcome of reassembling a configuration message.
func (s *Server) Assembled(cfg ledconfig.Config, err error) {
	if err != nil && !errors.Is(err, ledconfig.ErrPersistence) {
		s.metrics.Messages.WithLabelValues(outcome(err)).Inc()
		s.setError(err)
		s.broadcast(Frame{Type: "config", Error: err.Error()})
		return
	}
	s.metrics.Messages.WithLabelValues("ok").Inc()
	fp := ledconfig.Fingerprint(cfg)
	s.metrics.LastFingerprint.Set(float64(fp))

	s.statusMu.Lock()
	s.status.Config = &cfg
	s.status.Fingerprint = fingerprint(cfg)
	s.statusMu.Unlock()

	frame := Frame{Type: "config", Config: &cfg}
	if err != nil {
		frame.Error = err.Error()
	}
	s.broadcast(frame)
}

// Triggered records a trigger wait.
func (s *Server) Triggered(at time.Time, waited time.Duration, err error) {
	s.metrics.TriggerWait.Observe(waited.Seconds())
	frame := Frame{Type: "trigger"}
	if err != nil {
		s.setError(err)
		frame.Error = err.Error()
	}
	s.broadcast(frame)
}

// Event forwards one controller transition.
func (s *Server) Event(ev controller.Event) {
	if ev.Channel != "" {
		switch ev.Kind {
		case controller.EventOn:
			s.metrics.ChannelLevel.WithLabelValues(ev.Channel).Set(float64(ev.Level))
		case controller.EventOff:
			s.metrics.ChannelLevel.WithLabelValues(ev.Channel).Set(0)
		}
	}
	s.broadcast(Frame{Type: "event", Event: &ev})
}

// RunFinished records a completed or failed run.
func (s *Server) RunFinished(res *controller.Result, trigger time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "failed"
		s.setError(err)
	}
	s.metrics.Runs.WithLabelValues(result).Inc()
	if res != nil {
		s.metrics.RunDuration.Observe(res.Elapsed.Seconds())
		if !trigger.IsZero() {
			s.metrics.TriggerToDone.Observe(res.Finished.Sub(trigger).Seconds())
		}
		s.statusMu.Lock()
		s.status.LastRun = res
		s.statusMu.Unlock()
	}

	frame := Frame{Type: "run", Run: res}
	if err != nil {
		frame.Error = err.Error()
	}
	s.broadcast(frame)
}

// CycleDone counts a finished receiver cycle.
func (s *Server) CycleDone(err error) {
	s.metrics.Cycles.WithLabelValues(outcome(err)).Inc()
	s.statusMu.Lock()
	s.status.Cycles++
	if err == nil {
		s.status.LastError = ""
	}
	s.statusMu.Unlock()
}

func (s *Server) setError(err error) {
	s.statusMu.Lock()
	s.status.LastError = err.Error()
	s.statusMu.Unlock()
}

func (s *Server) snapshot() Status {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	return s.status
}

func (s *Server) broadcast(frame Frame) {
	frame.Stamp = time.Now().UnixMilli()
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for client := range s.clients {
		select {
		case client.send <- data:
		default:
			// Client too slow, skip
		}
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func fingerprint(cfg ledconfig.Config) string {
	return fmt.Sprintf("%04X", ledconfig.Fingerprint(cfg))
}

// outcome maps an error to a metric label.
func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, link.ErrMalformedMessage):
		return "malformed"
	case errors.Is(err, link.ErrPortUnavailable):
		return "port_unavailable"
	case errors.Is(err, link.ErrPortClosed):
		return "port_closed"
	case errors.Is(err, link.ErrTriggerTimeout):
		return "trigger_timeout"
	case errors.Is(err, controller.ErrHardwareSetup):
		return "hardware_setup"
	case errors.Is(err, controller.ErrChannelNotOff):
		return "channel_not_off"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "error"
	}
}
