package diningsim

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"
)

// State represents the lifecycle phase of a philosopher
type State int

const (
	Thinking State = iota
	Hungry
	Eating
)

func (s State) String() string {
	switch s {
	case Thinking:
		return "THINKING"
	case Hungry:
		return "HUNGRY"
	case Eating:
		return "EATING"
	}
	return "UNKNOWN"
}

// Strategy selects the admission policy applied to every fork request
type Strategy int

const (
	// Unrestricted approves any request for an unheld fork. Optimistic
	// allocation: the table can deadlock.
	Unrestricted Strategy = iota
	// SafetyChecked approves a request only if the resulting allocation
	// passes a banker-style completion check.
	SafetyChecked
)

func (s Strategy) String() string {
	if s == SafetyChecked {
		return "SAFETY_CHECKED"
	}
	return "UNRESTRICTED"
}

// Edge kinds in the resource graph
const (
	EdgeRequest = 0
	EdgeHold    = 1
)

// SystemID marks events not attributed to a single philosopher
const SystemID = -1

const noHolder int32 = -1

// Event types emitted into the simulation log
const (
	EventStarted  = "STARTED"
	EventStopped  = "STOPPED"
	EventStrategy = "STRATEGY"
	EventThinking = "THINKING"
	EventHungry   = "HUNGRY"
	EventEating   = "EATING"
	EventAcquire  = "ACQUIRE"
	EventRelease  = "RELEASE"
	EventDenied   = "DENIED"
	EventBackoff  = "BACKOFF"
	EventDeadlock = "DEADLOCK"
	EventStats    = "STATS"
)

// ErrInvalidConfiguration is returned for non-positive philosopher or fork counts
var ErrInvalidConfiguration = errors.New("invalid configuration")

// SimEvent is one timestamped entry in the simulation log
type SimEvent struct {
	Timestamp time.Time `json:"timestamp"`
	PhilID    int       `json:"phil_id"`
	Type      string    `json:"type"`
	Details   string    `json:"details"`
}

// ResourceEdge is one hold or request relation between a philosopher and a fork
type ResourceEdge struct {
	PhilID int `json:"phil_id"`
	ForkID int `json:"fork_id"`
	Kind   int `json:"kind"` // EdgeHold or EdgeRequest
}

// Statistics holds per-philosopher counters accumulated over a run
type Statistics struct {
	TotalMeals    int   `json:"total_meals"`
	EatCounts     []int `json:"eat_counts"`
	MaxWaitCounts []int `json:"max_wait_counts"`
}

// Config contains timing and bookkeeping parameters for a simulation
type Config struct {
	ThinkMin            time.Duration
	ThinkMax            time.Duration
	EatMin              time.Duration
	EatMax              time.Duration
	HoldPause           time.Duration // pause between left and right acquisition
	Backoff             time.Duration // sleep after a failed acquisition attempt
	StarvationThreshold int           // failed attempts before a philosopher counts as starved
	EventLimit          int           // most-recent events retained by the log
}

// DefaultConfig returns the standard simulation parameters
func DefaultConfig() Config {
	return Config{
		ThinkMin:            500 * time.Millisecond,
		ThinkMax:            1000 * time.Millisecond,
		EatMin:              500 * time.Millisecond,
		EatMax:              1000 * time.Millisecond,
		HoldPause:           100 * time.Millisecond,
		Backoff:             50 * time.Millisecond,
		StarvationThreshold: 10,
		EventLimit:          5000,
	}
}

// Fork is an exclusive resource claimed only through a non-blocking try-lock
type Fork struct {
	id     int
	mu     sync.Mutex
	holder int32
}

// tryAcquire attempts to take the fork without blocking. On success the
// holder marker is set before returning.
func (f *Fork) tryAcquire(philID int) bool {
	if !f.mu.TryLock() {
		return false
	}
	atomic.StoreInt32(&f.holder, int32(philID))
	return true
}

// release clears the holder marker and unlocks. Only the current holder
// may call it.
func (f *Fork) release() {
	atomic.StoreInt32(&f.holder, noHolder)
	f.mu.Unlock()
}

// holderID returns the id of the current holder, or SystemID-style -1 if free
func (f *Fork) holderID() int {
	return int(atomic.LoadInt32(&f.holder))
}

// eventLog is a bounded FIFO of simulation events drained by polling
type eventLog struct {
	mu     sync.Mutex
	limit  int
	events []SimEvent
}

func newEventLog(limit int) *eventLog {
	return &eventLog{limit: limit}
}

func (l *eventLog) append(philID int, kind, details string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.events = append(l.events, SimEvent{
		Timestamp: time.Now(),
		PhilID:    philID,
		Type:      kind,
		Details:   details,
	})
	if len(l.events) > l.limit {
		// Drop oldest first; shift left in place.
		l.events = append(l.events[:0], l.events[len(l.events)-l.limit:]...)
	}
}

// drain returns all buffered events and clears the log
func (l *eventLog) drain() []SimEvent {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := l.events
	l.events = nil
	return out
}

// Simulation owns the philosophers, the fork pool, and the admission policy.
// All snapshot and control operations are safe to call while it runs.
type Simulation struct {
	philosophers int
	forks        []*Fork
	config       Config
	log          *eventLog

	// stateMu guards states, strategy, and the wait/eat counters. It is
	// never held across a fork try-lock or a sleep.
	stateMu       sync.Mutex
	states        []State
	strategy      Strategy
	waitCounts    []int
	eatCounts     []int
	maxWaitCounts []int
	competitors   [][]int

	lifecycleMu sync.Mutex
	running     int32
	wg          sync.WaitGroup
}

// New creates a simulation with the default configuration
func New(philosophers, forks int) (*Simulation, error) {
	return NewWithConfig(philosophers, forks, DefaultConfig())
}

// NewWithConfig creates a simulation with explicit timing parameters.
// Both counts must be positive; forks < 2 is accepted but makes eating
// impossible.
func NewWithConfig(philosophers, forks int, config Config) (*Simulation, error) {
	if philosophers <= 0 || forks <= 0 {
		return nil, fmt.Errorf("%w: %d philosophers, %d forks", ErrInvalidConfiguration, philosophers, forks)
	}
	if config.StarvationThreshold <= 0 {
		config.StarvationThreshold = 10
	}
	if config.EventLimit <= 0 {
		config.EventLimit = 5000
	}

	s := &Simulation{
		philosophers:  philosophers,
		forks:         make([]*Fork, forks),
		config:        config,
		log:           newEventLog(config.EventLimit),
		states:        make([]State, philosophers),
		waitCounts:    make([]int, philosophers),
		eatCounts:     make([]int, philosophers),
		maxWaitCounts: make([]int, philosophers),
		strategy:      Unrestricted,
	}
	for i := range s.forks {
		s.forks[i] = &Fork{id: i, holder: noHolder}
	}
	s.competitors = buildCompetitors(philosophers, forks)
	return s, nil
}

// forkPair returns the left and right fork ids for a philosopher. The same
// mapping is used for acquisition, graph snapshots, deadlock detection, and
// the competitor sets.
func forkPair(philID, philosophers, forks int) (int, int) {
	left := philID * forks / philosophers
	right := (left + 1) % forks
	return left, right
}

func (s *Simulation) forkPair(philID int) (int, int) {
	return forkPair(philID, s.philosophers, len(s.forks))
}

// buildCompetitors precomputes, for each philosopher, the others whose fork
// pairs overlap with its own. Used only by the anti-starvation check.
func buildCompetitors(philosophers, forks int) [][]int {
	competitors := make([][]int, philosophers)
	for i := 0; i < philosophers; i++ {
		li, ri := forkPair(i, philosophers, forks)
		for j := 0; j < philosophers; j++ {
			if j == i {
				continue
			}
			lj, rj := forkPair(j, philosophers, forks)
			if li == lj || li == rj || ri == lj || ri == rj {
				competitors[i] = append(competitors[i], j)
			}
		}
	}
	return competitors
}

// Start spawns one goroutine per philosopher. Calling Start on a running
// simulation is a no-op.
func (s *Simulation) Start() {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if !atomic.CompareAndSwapInt32(&s.running, 0, 1) {
		return
	}
	for i := 0; i < s.philosophers; i++ {
		s.wg.Add(1)
		go s.philosopherLoop(i)
	}
	s.log.append(SystemID, EventStarted,
		fmt.Sprintf("%d philosophers, %d forks", s.philosophers, len(s.forks)))
}

// Stop signals every philosopher to exit and blocks until all of them have.
// Final per-philosopher statistics are appended to the event log. Calling
// Stop on a stopped simulation is a no-op.
func (s *Simulation) Stop() {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if !atomic.CompareAndSwapInt32(&s.running, 1, 0) {
		return
	}
	s.wg.Wait()

	s.stateMu.Lock()
	for i := 0; i < s.philosophers; i++ {
		s.log.append(i, EventStats,
			fmt.Sprintf("eat_count=%d max_wait_count=%d", s.eatCounts[i], s.maxWaitCounts[i]))
	}
	s.stateMu.Unlock()
	s.log.append(SystemID, EventStopped, "")
}

func (s *Simulation) isRunning() bool {
	return atomic.LoadInt32(&s.running) == 1
}

// IsRunning reports whether philosopher goroutines are active
func (s *Simulation) IsRunning() bool {
	return s.isRunning()
}

// SetStrategy switches the admission policy: 1 selects SafetyChecked,
// anything else Unrestricted. Takes effect for all subsequent admission
// decisions, including philosophers already in their acquisition loop.
func (s *Simulation) SetStrategy(code int) {
	s.stateMu.Lock()
	if code == 1 {
		s.strategy = SafetyChecked
	} else {
		s.strategy = Unrestricted
	}
	applied := s.strategy
	s.stateMu.Unlock()

	s.log.append(SystemID, EventStrategy, applied.String())
}

// GetStrategy returns the admission policy currently in effect
func (s *Simulation) GetStrategy() Strategy {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.strategy
}

// GetStates returns the numeric state of every philosopher
// (0 thinking, 1 hungry, 2 eating).
func (s *Simulation) GetStates() []int {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	out := make([]int, s.philosophers)
	for i, st := range s.states {
		out[i] = int(st)
	}
	return out
}

// GetResourceGraph returns the current hold/request edges. An eating
// philosopher holds both its forks; a hungry one holds its left fork and
// requests the right, or requests the left if it holds nothing.
func (s *Simulation) GetResourceGraph() []ResourceEdge {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	var edges []ResourceEdge
	for i := 0; i < s.philosophers; i++ {
		left, right := s.forkPair(i)
		switch s.states[i] {
		case Eating:
			edges = append(edges,
				ResourceEdge{i, left, EdgeHold},
				ResourceEdge{i, right, EdgeHold})
		case Hungry:
			if s.forks[left].holderID() == i {
				edges = append(edges,
					ResourceEdge{i, left, EdgeHold},
					ResourceEdge{i, right, EdgeRequest})
			} else {
				edges = append(edges, ResourceEdge{i, left, EdgeRequest})
			}
		}
	}
	return edges
}

// PollEvents drains and returns the buffered simulation events, oldest first
func (s *Simulation) PollEvents() []SimEvent {
	return s.log.drain()
}

// GetStatistics returns the accumulated per-philosopher counters
func (s *Simulation) GetStatistics() Statistics {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	stats := Statistics{
		EatCounts:     make([]int, s.philosophers),
		MaxWaitCounts: make([]int, s.philosophers),
	}
	copy(stats.EatCounts, s.eatCounts)
	copy(stats.MaxWaitCounts, s.maxWaitCounts)
	for _, n := range s.eatCounts {
		stats.TotalMeals += n
	}
	return stats
}

// DetectDeadlock builds a snapshot of the wait-for graph and reports whether
// it contains a cycle. A positive result is logged as a DEADLOCK event. The
// check reflects one instant; transient cycles that resolve between calls
// can be missed.
func (s *Simulation) DetectDeadlock() bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	// waitsFor[i] = philosopher whose held fork blocks i.
	waitsFor := make(map[int]int)
	for i := 0; i < s.philosophers; i++ {
		if s.states[i] != Hungry {
			continue
		}
		left, right := s.forkPair(i)
		leftHolder := s.forks[left].holderID()
		if leftHolder != int(noHolder) && leftHolder != i {
			waitsFor[i] = leftHolder
		} else if leftHolder == i {
			rightHolder := s.forks[right].holderID()
			if rightHolder != int(noHolder) && rightHolder != i {
				waitsFor[i] = rightHolder
			}
		}
	}

	for start := range waitsFor {
		visited := make(map[int]bool)
		node := start
		for {
			if visited[node] {
				s.log.append(SystemID, EventDeadlock,
					fmt.Sprintf("cycle at philosopher %d", node))
				return true
			}
			visited[node] = true
			next, ok := waitsFor[node]
			if !ok {
				break
			}
			node = next
		}
	}
	return false
}

// requestPermission is the admission decision for one fork request. It is
// atomic with respect to state reads and writes but never touches a fork's
// own lock.
func (s *Simulation) requestPermission(philID, forkID int) bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	if s.forks[forkID].holderID() != int(noHolder) {
		return false
	}

	// Yield to a more starved competitor. Applies under both strategies.
	for _, c := range s.competitors[philID] {
		if s.states[c] == Hungry &&
			s.waitCounts[c] > s.config.StarvationThreshold &&
			s.waitCounts[c] > s.waitCounts[philID] {
			return false
		}
	}

	if s.strategy == Unrestricted {
		return true
	}
	return s.isSafeState(philID, forkID)
}

// isSafeState runs the simplified banker's check: every philosopher's
// maximum remaining need is 2 minus the forks it currently holds. The
// tentative grant is safe iff a completion order exists in which every
// philosopher can still finish. Caller must hold stateMu.
func (s *Simulation) isSafeState(philID, forkID int) bool {
	forks := len(s.forks)
	available := make([]bool, forks)
	heldBy := make([]int, forks)
	need := make([]int, s.philosophers)

	for i, f := range s.forks {
		heldBy[i] = f.holderID()
		available[i] = heldBy[i] == int(noHolder)
	}
	for i := range need {
		need[i] = 2
	}
	for _, h := range heldBy {
		if h != int(noHolder) {
			need[h]--
		}
	}

	// Tentatively grant the requested fork.
	available[forkID] = false
	heldBy[forkID] = philID
	need[philID]--

	finished := make([]bool, s.philosophers)
	remaining := s.philosophers
	for remaining > 0 {
		progressed := false
		for i := 0; i < s.philosophers; i++ {
			if finished[i] {
				continue
			}
			left, right := s.forkPair(i)
			canFinish := need[i] <= 0 ||
				((heldBy[left] == i || available[left]) &&
					(heldBy[right] == i || available[right]))
			if !canFinish {
				continue
			}
			// The philosopher eats and returns its forks.
			finished[i] = true
			remaining--
			progressed = true
			if heldBy[left] == i {
				heldBy[left] = int(noHolder)
			}
			if heldBy[right] == i {
				heldBy[right] = int(noHolder)
			}
			available[left] = heldBy[left] == int(noHolder)
			available[right] = heldBy[right] == int(noHolder)
		}
		if !progressed {
			return false
		}
	}
	return true
}

// philosopherLoop drives one philosopher through
// THINKING -> HUNGRY -> EATING until the running flag clears.
func (s *Simulation) philosopherLoop(id int) {
	defer s.wg.Done()

	left, right := s.forkPair(id)
	for s.isRunning() {
		s.transition(id, Thinking, EventThinking)
		time.Sleep(randomDelay(s.config.ThinkMin, s.config.ThinkMax))

		if !s.isRunning() {
			return
		}

		s.stateMu.Lock()
		s.states[id] = Hungry
		s.waitCounts[id] = 0
		s.stateMu.Unlock()
		s.log.append(id, EventHungry, "")

		for s.isRunning() {
			if s.tryDine(id, left, right) {
				break
			}
			s.recordFailedAttempt(id)
			time.Sleep(s.config.Backoff)
		}
	}
}

// tryDine makes one full acquisition attempt. The left fork is always rolled
// back when the right fork is denied or lost: holding one fork across a
// failed second acquisition is the hold-and-wait pattern this loop exists to
// avoid making permanent.
func (s *Simulation) tryDine(id, left, right int) bool {
	if !s.requestPermission(id, left) {
		s.log.append(id, EventDenied, fmt.Sprintf("fork %d", left))
		return false
	}
	if !s.forks[left].tryAcquire(id) {
		// Lost the race after admission; no holder bookkeeping happened.
		return false
	}
	s.log.append(id, EventAcquire, fmt.Sprintf("fork %d", left))

	time.Sleep(s.config.HoldPause)

	if !s.requestPermission(id, right) {
		s.log.append(id, EventDenied, fmt.Sprintf("fork %d", right))
		s.forks[left].release()
		s.log.append(id, EventRelease, fmt.Sprintf("fork %d", left))
		return false
	}
	if !s.forks[right].tryAcquire(id) {
		s.forks[left].release()
		s.log.append(id, EventRelease, fmt.Sprintf("fork %d", left))
		return false
	}
	s.log.append(id, EventAcquire, fmt.Sprintf("fork %d", right))

	s.stateMu.Lock()
	s.states[id] = Eating
	s.eatCounts[id]++
	if s.waitCounts[id] > s.maxWaitCounts[id] {
		s.maxWaitCounts[id] = s.waitCounts[id]
	}
	s.waitCounts[id] = 0
	s.stateMu.Unlock()
	s.log.append(id, EventEating, "")

	time.Sleep(randomDelay(s.config.EatMin, s.config.EatMax))

	// Release in reverse acquisition order.
	s.forks[right].release()
	s.log.append(id, EventRelease, fmt.Sprintf("fork %d", right))
	s.forks[left].release()
	s.log.append(id, EventRelease, fmt.Sprintf("fork %d", left))
	return true
}

func (s *Simulation) transition(id int, state State, kind string) {
	s.stateMu.Lock()
	s.states[id] = state
	s.stateMu.Unlock()
	s.log.append(id, kind, "")
}

func (s *Simulation) recordFailedAttempt(id int) {
	s.stateMu.Lock()
	s.waitCounts[id]++
	count := s.waitCounts[id]
	s.stateMu.Unlock()
	s.log.append(id, EventBackoff, fmt.Sprintf("wait_count=%d", count))
}

func randomDelay(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)))
}

// Example runs both strategies back to back and prints meal totals
func Example() {
	fmt.Println("=== Dining Philosophers Contention Engine ===")

	for _, code := range []int{0, 1} {
		sim, err := New(5, 5)
		if err != nil {
			fmt.Println(err)
			return
		}
		sim.SetStrategy(code)
		fmt.Printf("\n--- %s ---\n", sim.GetStrategy())

		sim.Start()
		time.Sleep(2 * time.Second)
		deadlocked := sim.DetectDeadlock()
		sim.Stop()

		stats := sim.GetStatistics()
		fmt.Printf("Total meals: %d, deadlock observed: %v\n", stats.TotalMeals, deadlocked)
		for i, n := range stats.EatCounts {
			fmt.Printf("Philosopher %d ate %d times (max wait %d)\n", i, n, stats.MaxWaitCounts[i])
		}
	}
}
