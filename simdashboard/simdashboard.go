package simdashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/dining_sim/diningsim"
)

// Config contains configuration for the dashboard server
type Config struct {
	Addr             string
	SnapshotInterval time.Duration // how often a snapshot is pushed to websocket clients
	PingInterval     time.Duration
	SendQueueSize    int
}

// DefaultConfig returns default dashboard configuration
func DefaultConfig() Config {
	return Config{
		Addr:             ":8080",
		SnapshotInterval: 250 * time.Millisecond,
		PingInterval:     30 * time.Second,
		SendQueueSize:    16,
	}
}

// Snapshot is one full observation of the simulation, pushed to every
// websocket client on each tick
type Snapshot struct {
	Timestamp time.Time                `json:"timestamp"`
	Running   bool                     `json:"running"`
	Strategy  string                   `json:"strategy"`
	States    []int                    `json:"states"`
	Graph     []diningsim.ResourceEdge `json:"graph"`
	Deadlock  bool                     `json:"deadlock"`
	Events    []diningsim.SimEvent     `json:"events"`
}

type wsClient struct {
	conn      *websocket.Conn
	sendQueue chan []byte
}

// Dashboard exposes a running simulation over HTTP and websocket: REST
// endpoints for snapshots and control, a websocket stream for live state
type Dashboard struct {
	sim      *diningsim.Simulation
	config   Config
	mux      *http.ServeMux
	server   *http.Server
	listener net.Listener
	upgrader websocket.Upgrader

	clientMu sync.Mutex
	clients  map[*wsClient]struct{}

	running int32
	done    chan struct{}
	wg      sync.WaitGroup
}

// New creates a dashboard around an existing simulation
func New(sim *diningsim.Simulation, config Config) *Dashboard {
	d := &Dashboard{
		sim:     sim,
		config:  config,
		mux:     http.NewServeMux(),
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	d.mux.HandleFunc("/api/states", d.handleStates)
	d.mux.HandleFunc("/api/graph", d.handleGraph)
	d.mux.HandleFunc("/api/events", d.handleEvents)
	d.mux.HandleFunc("/api/deadlock", d.handleDeadlock)
	d.mux.HandleFunc("/api/statistics", d.handleStatistics)
	d.mux.HandleFunc("/api/strategy", d.handleStrategy)
	d.mux.HandleFunc("/api/start", d.handleStart)
	d.mux.HandleFunc("/api/stop", d.handleStop)
	d.mux.HandleFunc("/ws", d.handleWebSocket)
	return d
}

// Handler returns the HTTP handler, for embedding in another server
func (d *Dashboard) Handler() http.Handler {
	return d.mux
}

// Start binds the listener and begins serving and broadcasting.
// No-op if already started.
func (d *Dashboard) Start() error {
	if !atomic.CompareAndSwapInt32(&d.running, 0, 1) {
		return nil
	}

	ln, err := net.Listen("tcp", d.config.Addr)
	if err != nil {
		atomic.StoreInt32(&d.running, 0)
		return fmt.Errorf("dashboard listen: %w", err)
	}
	d.listener = ln
	d.done = make(chan struct{})
	// A shut-down http.Server cannot serve again; build a fresh one per Start.
	d.server = &http.Server{Handler: d.mux}

	d.wg.Add(1)
	go d.broadcastLoop()

	go func() {
		if err := d.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("dashboard server error: %v", err)
		}
	}()

	log.Printf("dashboard listening on %s", ln.Addr())
	return nil
}

// Addr returns the bound listener address, empty before Start
func (d *Dashboard) Addr() string {
	if d.listener == nil {
		return ""
	}
	return d.listener.Addr().String()
}

// Stop shuts the server down and disconnects every websocket client.
// No-op if not running.
func (d *Dashboard) Stop() {
	if !atomic.CompareAndSwapInt32(&d.running, 1, 0) {
		return
	}
	close(d.done)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.server.Shutdown(ctx); err != nil {
		log.Printf("dashboard shutdown: %v", err)
	}

	d.clientMu.Lock()
	for c := range d.clients {
		c.conn.Close()
		delete(d.clients, c)
	}
	d.clientMu.Unlock()

	d.wg.Wait()
}

// broadcastLoop pushes a snapshot to every connected client at the
// configured tick rate
func (d *Dashboard) broadcastLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.done:
			return
		case <-ticker.C:
			d.clientMu.Lock()
			idle := len(d.clients) == 0
			d.clientMu.Unlock()
			if idle {
				continue
			}

			data, err := json.Marshal(d.snapshot())
			if err != nil {
				log.Printf("snapshot marshal: %v", err)
				continue
			}
			d.broadcast(data)
		}
	}
}

func (d *Dashboard) snapshot() Snapshot {
	return Snapshot{
		Timestamp: time.Now(),
		Running:   d.sim.IsRunning(),
		Strategy:  d.sim.GetStrategy().String(),
		States:    d.sim.GetStates(),
		Graph:     d.sim.GetResourceGraph(),
		Deadlock:  d.sim.DetectDeadlock(),
		Events:    d.sim.PollEvents(),
	}
}

func (d *Dashboard) broadcast(data []byte) {
	d.clientMu.Lock()
	defer d.clientMu.Unlock()

	for c := range d.clients {
		select {
		case c.sendQueue <- data:
		default:
			// Slow client; drop the frame rather than stall the tick.
		}
	}
}

// HTTP handlers

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (d *Dashboard) handleStates(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, d.sim.GetStates())
}

func (d *Dashboard) handleGraph(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	edges := d.sim.GetResourceGraph()
	if edges == nil {
		edges = []diningsim.ResourceEdge{}
	}
	writeJSON(w, edges)
}

func (d *Dashboard) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	events := d.sim.PollEvents()
	if events == nil {
		events = []diningsim.SimEvent{}
	}
	writeJSON(w, events)
}

func (d *Dashboard) handleDeadlock(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, map[string]bool{"deadlock": d.sim.DetectDeadlock()})
}

func (d *Dashboard) handleStatistics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, d.sim.GetStatistics())
}

func (d *Dashboard) handleStrategy(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Strategy int `json:"strategy"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	d.sim.SetStrategy(req.Strategy)
	writeJSON(w, map[string]string{"strategy": d.sim.GetStrategy().String()})
}

func (d *Dashboard) handleStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	d.sim.Start()
	writeJSON(w, map[string]bool{"running": d.sim.IsRunning()})
}

func (d *Dashboard) handleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	d.sim.Stop()
	writeJSON(w, map[string]bool{"running": d.sim.IsRunning()})
}

// WebSocket handling

func (d *Dashboard) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := d.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade error: %v", err)
		return
	}

	client := &wsClient{
		conn:      conn,
		sendQueue: make(chan []byte, d.config.SendQueueSize),
	}

	d.clientMu.Lock()
	d.clients[client] = struct{}{}
	d.clientMu.Unlock()

	d.wg.Add(1)
	go d.clientWriter(client)
	go d.clientReader(client)
}

func (d *Dashboard) clientWriter(client *wsClient) {
	defer d.wg.Done()
	defer client.conn.Close()

	ticker := time.NewTicker(d.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.done:
			return
		case data := <-client.sendQueue:
			if err := client.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (d *Dashboard) clientReader(client *wsClient) {
	defer func() {
		client.conn.Close()
		d.clientMu.Lock()
		delete(d.clients, client)
		d.clientMu.Unlock()
	}()

	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}
