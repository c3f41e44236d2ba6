package simdashboard

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/dining_sim/diningsim"
)

func fastSimConfig() diningsim.Config {
	return diningsim.Config{
		ThinkMin:            2 * time.Millisecond,
		ThinkMax:            8 * time.Millisecond,
		EatMin:              2 * time.Millisecond,
		EatMax:              8 * time.Millisecond,
		HoldPause:           time.Millisecond,
		Backoff:             2 * time.Millisecond,
		StarvationThreshold: 10,
		EventLimit:          100000,
	}
}

func newTestDashboard(t *testing.T) (*Dashboard, *diningsim.Simulation) {
	t.Helper()
	sim, err := diningsim.NewWithConfig(5, 5, fastSimConfig())
	require.NoError(t, err)
	config := DefaultConfig()
	config.SnapshotInterval = 20 * time.Millisecond
	return New(sim, config), sim
}

func TestDefaultConfig(t *testing.T) {
	a := assert.New(t)
	config := DefaultConfig()
	a.Equal(":8080", config.Addr)
	a.Equal(250*time.Millisecond, config.SnapshotInterval)
	a.Equal(30*time.Second, config.PingInterval)
	a.Equal(16, config.SendQueueSize)
}

func TestStatesEndpoint(t *testing.T) {
	d, _ := newTestDashboard(t)
	srv := httptest.NewServer(d.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/states")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var states []int
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&states))
	assert.Len(t, states, 5)
	for _, st := range states {
		assert.Equal(t, 0, st, "idle table starts thinking")
	}
}

func TestGraphAndDeadlockEndpoints(t *testing.T) {
	d, _ := newTestDashboard(t)
	srv := httptest.NewServer(d.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/graph")
	require.NoError(t, err)
	defer resp.Body.Close()

	var edges []diningsim.ResourceEdge
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&edges))
	assert.Empty(t, edges, "idle table has no edges")

	resp, err = http.Get(srv.URL + "/api/deadlock")
	require.NoError(t, err)
	defer resp.Body.Close()

	var dl map[string]bool
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&dl))
	assert.False(t, dl["deadlock"])
}

func TestStrategyEndpoint(t *testing.T) {
	d, sim := newTestDashboard(t)
	srv := httptest.NewServer(d.Handler())
	defer srv.Close()

	body := bytes.NewReader([]byte(`{"strategy":1}`))
	resp, err := http.Post(srv.URL+"/api/strategy", "application/json", body)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "SAFETY_CHECKED", out["strategy"])
	assert.Equal(t, diningsim.SafetyChecked, sim.GetStrategy())

	// Invalid body is rejected without touching the strategy.
	resp, err = http.Post(srv.URL+"/api/strategy", "application/json",
		bytes.NewReader([]byte("not json")))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, diningsim.SafetyChecked, sim.GetStrategy())
}

func TestStartStopEndpoints(t *testing.T) {
	d, sim := newTestDashboard(t)
	srv := httptest.NewServer(d.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/start", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.True(t, sim.IsRunning())

	time.Sleep(100 * time.Millisecond)

	resp, err = http.Post(srv.URL+"/api/stop", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.False(t, sim.IsRunning())

	resp, err = http.Get(srv.URL + "/api/statistics")
	require.NoError(t, err)
	defer resp.Body.Close()

	var stats diningsim.Statistics
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Len(t, stats.EatCounts, 5)
}

func TestEventsEndpointDrains(t *testing.T) {
	d, sim := newTestDashboard(t)
	srv := httptest.NewServer(d.Handler())
	defer srv.Close()

	sim.SetStrategy(1)

	resp, err := http.Get(srv.URL + "/api/events")
	require.NoError(t, err)
	defer resp.Body.Close()

	var events []diningsim.SimEvent
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&events))
	require.NotEmpty(t, events)
	assert.Equal(t, diningsim.EventStrategy, events[len(events)-1].Type)

	// Second read finds the log drained.
	resp, err = http.Get(srv.URL + "/api/events")
	require.NoError(t, err)
	defer resp.Body.Close()

	events = nil
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&events))
	assert.Empty(t, events)
}

func TestMethodNotAllowed(t *testing.T) {
	d, _ := newTestDashboard(t)
	srv := httptest.NewServer(d.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/strategy")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/api/states", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestWebSocketSnapshotStream(t *testing.T) {
	d, sim := newTestDashboard(t)
	d.config.Addr = "127.0.0.1:0"
	require.NoError(t, d.Start())
	defer d.Stop()

	sim.Start()
	defer sim.Stop()

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+d.Addr()+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var snap Snapshot
	require.NoError(t, json.Unmarshal(data, &snap))
	assert.Len(t, snap.States, 5)
	assert.True(t, snap.Running)
	assert.Equal(t, "UNRESTRICTED", snap.Strategy)
}

func TestStartIdempotentAndStop(t *testing.T) {
	d, _ := newTestDashboard(t)
	d.config.Addr = "127.0.0.1:0"
	require.NoError(t, d.Start())
	addr := d.Addr()
	require.NoError(t, d.Start(), "second Start is a no-op")
	assert.Equal(t, addr, d.Addr())

	d.Stop()
	d.Stop() // no-op once stopped
}
