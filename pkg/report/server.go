// Package report provides the host's status API: a small HTTP surface
// for machine information, status snapshots and gcode submission, plus
// a websocket carrying the same methods and periodic status pushes for
// sender UIs.
package report

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"lasergrbl-host/pkg/hal"
	"lasergrbl-host/pkg/log"
)

// MachineInterface is what the server needs from the host.
type MachineInterface interface {
	// Plugins returns the registered plugin identities.
	Plugins() []hal.PluginInfo

	// Status returns a machine status snapshot keyed by subsystem.
	Status() map[string]any

	// ExecuteGCode runs a gcode script, one command per line.
	ExecuteGCode(script string) error

	// StatusReport builds the grbl-style realtime status line.
	StatusReport(all bool) string

	// Reset performs a soft machine reset.
	Reset()
}

// Config holds server configuration.
type Config struct {
	// Addr is the HTTP listen address.
	Addr string

	// Machine is the host backing the API.
	Machine MachineInterface

	// PushInterval is the websocket status push period, default 250ms.
	PushInterval time.Duration
}

// Server is the status API server.
type Server struct {
	machine MachineInterface
	log     *log.Logger

	httpServer *http.Server
	addr       string

	upgrader websocket.Upgrader

	clientMu sync.RWMutex
	clients  map[int64]*wsClient
	nextID   int64

	pushInterval time.Duration
	running      atomic.Bool
	startTime    time.Time
}

// New creates the server.
func New(cfg Config) *Server {
	s := &Server{
		machine:      cfg.Machine,
		log:          log.GetLogger("report"),
		addr:         cfg.Addr,
		clients:      make(map[int64]*wsClient),
		pushInterval: cfg.PushInterval,
		startTime:    time.Now(),
	}
	if s.pushInterval <= 0 {
		s.pushInterval = 250 * time.Millisecond
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	return s
}

// Handler returns the HTTP handler, usable with any listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/machine/info", s.handleInfo)
	mux.HandleFunc("/machine/status", s.handleStatus)
	mux.HandleFunc("/machine/gcode", s.handleGCode)
	mux.HandleFunc("/machine/reset", s.handleReset)
	mux.HandleFunc("/websocket", s.handleWebSocket)
	return s.corsMiddleware(mux)
}

// Start runs the server on the configured address. Blocks until the
// listener closes.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:    s.addr,
		Handler: s.Handler(),
	}

	s.running.Store(true)
	s.log.Info("status API listening on %s", s.addr)

	go s.pushLoop()

	return s.httpServer.ListenAndServe()
}

// Stop closes the listener and all websocket clients.
func (s *Server) Stop() error {
	s.running.Store(false)

	s.clientMu.Lock()
	for _, c := range s.clients {
		c.close()
	}
	s.clients = make(map[int64]*wsClient)
	s.clientMu.Unlock()

	if s.httpServer != nil {
		return s.httpServer.Close()
	}
	return nil
}

// HTTP handlers

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]any{"result": s.infoResult()})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]any{"result": s.statusResult()})
}

func (s *Server) handleGCode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var params struct {
		Script string `json:"script"`
	}
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		s.writeJSONError(w, err)
		return
	}
	if params.Script == "" {
		s.writeJSONError(w, fmt.Errorf("missing 'script' parameter"))
		return
	}

	if err := s.machine.ExecuteGCode(params.Script); err != nil {
		s.writeJSONError(w, err)
		return
	}
	s.writeJSON(w, map[string]any{"result": "ok"})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.machine.Reset()
	s.writeJSON(w, map[string]any{"result": "ok"})
}

// Method results shared between HTTP and websocket.

func (s *Server) infoResult() map[string]any {
	return map[string]any{
		"plugins": s.machine.Plugins(),
		"uptime":  time.Since(s.startTime).Seconds(),
	}
}

func (s *Server) statusResult() map[string]any {
	result := s.machine.Status()
	if result == nil {
		result = make(map[string]any)
	}
	result["report"] = s.machine.StatusReport(false)
	return result
}

func (s *Server) dispatch(method string, params map[string]any) (any, error) {
	switch method {
	case "machine.info":
		return s.infoResult(), nil
	case "machine.status":
		return s.statusResult(), nil
	case "machine.gcode":
		script, ok := params["script"].(string)
		if !ok {
			return nil, fmt.Errorf("missing 'script' parameter")
		}
		if err := s.machine.ExecuteGCode(script); err != nil {
			return nil, err
		}
		return "ok", nil
	case "machine.reset":
		s.machine.Reset()
		return "ok", nil
	}
	return nil, fmt.Errorf("method not found: %s", method)
}

// CORS middleware so browser-based senders can connect.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func (s *Server) writeJSONError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"message": err.Error()},
	})
}
