package sim

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"brewctl/internal/api"
	"brewctl/internal/config"
)

// Server is the reference controller: it runs the fake rig, pushes one
// sample per interval to every feed client and accepts the two command
// endpoints.
type Server struct {
	cfg      config.SimConfig
	mux      *http.ServeMux
	upgrader websocket.Upgrader
	metrics  *serverMetrics
	registry *prometheus.Registry

	mu      sync.Mutex
	eng     *Engine
	clients map[chan []byte]bool
}

// NewServer constructs a simulator from its config section.
func NewServer(cfg config.SimConfig) *Server {
	registry := prometheus.NewRegistry()
	s := &Server{
		cfg:      cfg,
		metrics:  newServerMetrics(registry),
		registry: registry,
		eng: NewEngine(
			time.Now(),
			time.Duration(cfg.IntervalMS)*time.Millisecond,
			cfg.Ambient,
			cfg.StartTemp,
		),
		clients: make(map[chan []byte]bool),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/sample", s.handleSample)
	mux.HandleFunc("/ws/sample", s.handleWSSample)
	mux.HandleFunc("/heater", s.handleHeater)
	mux.HandleFunc("/temperature", s.handleTemperature)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	s.mux = mux
	return s
}

// Handler returns the HTTP surface, for serving or for tests.
func (s *Server) Handler() http.Handler { return s.mux }

// Run serves the configured listen address and advances the rig one
// tick per interval until the context ends.
func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()
	log.Printf("sim controller listening on %s", s.cfg.Listen)

	ticker := time.NewTicker(time.Duration(s.cfg.IntervalMS) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		case err := <-errCh:
			return err
		case <-ticker.C:
			s.Step()
		}
	}
}

// Step advances the rig one interval and pushes the sample to every
// connected feed client. Slow clients are skipped, not waited on.
func (s *Server) Step() {
	s.mu.Lock()
	sample := s.eng.Tick()
	payload, err := json.Marshal(sample)
	clients := make([]chan []byte, 0, len(s.clients))
	for ch := range s.clients {
		clients = append(clients, ch)
	}
	s.mu.Unlock()

	if err != nil {
		log.Printf("sim: encode sample failed: %v", err)
		return
	}

	s.metrics.samples.Inc()
	s.metrics.temperature.Set(sample.Temperature)
	if sample.Heater != 0 {
		s.metrics.heaterOn.Set(1)
	} else {
		s.metrics.heaterOn.Set(0)
	}

	for _, ch := range clients {
		select {
		case ch <- payload:
		default:
			s.metrics.dropped.Inc()
		}
	}
}

func (s *Server) subscribe() chan []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan []byte, 16)
	s.clients[ch] = true
	s.metrics.clients.Set(float64(len(s.clients)))
	return ch
}

func (s *Server) unsubscribe(ch chan []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.clients[ch] {
		delete(s.clients, ch)
		s.metrics.clients.Set(float64(len(s.clients)))
	}
}

func (s *Server) handleSample(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	ch := s.subscribe()
	defer s.unsubscribe(ch)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	if _, err := w.Write([]byte(": brewery feed\n\n")); err != nil {
		return
	}
	flusher.Flush()

	log.Printf("feed client connected remote=%s", r.RemoteAddr)
	defer log.Printf("feed client disconnected remote=%s", r.RemoteAddr)

	for {
		select {
		case <-r.Context().Done():
			return
		case payload := <-ch:
			if _, err := w.Write([]byte("event: sample\ndata: ")); err != nil {
				return
			}
			if _, err := w.Write(payload); err != nil {
				return
			}
			if _, err := w.Write([]byte("\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) handleWSSample(w http.ResponseWriter, r *http.Request) {
	ch := s.subscribe()
	defer s.unsubscribe(ch)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	log.Printf("ws feed client connected remote=%s", r.RemoteAddr)
	defer log.Printf("ws feed client disconnected remote=%s", r.RemoteAddr)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case payload := <-ch:
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleHeater(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req api.HeaterCommand
	if err := decodeJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !req.Set.Valid() {
		writeJSONError(w, http.StatusBadRequest, "set must be on or off")
		return
	}

	s.mu.Lock()
	s.eng.SetHeater(req.Set == "on")
	s.mu.Unlock()

	s.metrics.heaterCommands.Inc()
	log.Printf("heater command set=%s seq=%s id=%s",
		req.Set, r.Header.Get(api.HeaderCommandSeq), r.Header.Get(api.HeaderCommandID))
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleTemperature(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req api.TemperatureCommand
	if err := decodeJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Set < 0 {
		writeJSONError(w, http.StatusBadRequest, "set must not be negative")
		return
	}

	s.mu.Lock()
	s.eng.SetTarget(req.Set)
	s.mu.Unlock()

	s.metrics.targetCommands.Inc()
	log.Printf("target command set=%d seq=%s id=%s",
		req.Set, r.Header.Get(api.HeaderCommandSeq), r.Header.Get(api.HeaderCommandID))
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func decodeJSON(r *http.Request, v any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encoder := json.NewEncoder(w)
	_ = encoder.Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
