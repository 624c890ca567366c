package domain

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Default priorities. Higher values start first.
const (
	PriorityQuery     = 1000
	PriorityParagraph = 10
	PriorityShell     = 1000
)

type Status int

const (
	StatusReady Status = iota
	StatusRunning
	StatusComplete
	// StatusErrored means Run returned an error the pool has not classified yet.
	StatusErrored
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusReady:
		return "ready"
	case StatusRunning:
		return "running"
	case StatusComplete:
		return "complete"
	case StatusErrored:
		return "errored"
	case StatusFailed:
		return "failed"
	}
	return "unknown"
}

// Unit is anything the pool can schedule.
type Unit interface {
	ID() string
	Name() string
	Priority() int
	Lifecycle() *State
	Run(ctx context.Context) error
}

// Querier is a Unit backed by a single remote query. Units sharing a query
// text are collapsed onto one host; the rest observe it.
type Querier interface {
	Unit
	Query() string
	Observers() []Querier
	SetObservers(observers []Querier)
	// Attach adds an observer. If the host already holds results the
	// observer is notified immediately.
	Attach(observer Querier)
	Observing() bool
	SetObserving(observing bool)
	Notify(results *ResultList)
}

// Titled units can be looked up by title as well as by name.
type Titled interface {
	Title() string
}

// State holds the lifecycle flags of a unit. It is embedded by every unit
// implementation and mutated by the pool.
type State struct {
	mu       sync.RWMutex
	id       string
	name     string
	priority int
	status   Status
	failure  error
	retries  int
	started  time.Time
	finished time.Time
	done     chan struct{}
}

func NewState(name string, priority int) *State {
	return &State{
		id:       "unit_" + uuid.NewString(),
		name:     name,
		priority: priority,
		done:     make(chan struct{}),
	}
}

func (s *State) ID() string        { return s.id }
func (s *State) Name() string      { return s.name }
func (s *State) Priority() int     { return s.priority }
func (s *State) Lifecycle() *State { return s }

func (s *State) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *State) Ready() bool    { return s.Status() == StatusReady }
func (s *State) Running() bool  { return s.Status() == StatusRunning }
func (s *State) Complete() bool { return s.Status() == StatusComplete }

// Failed reports whether the unit holds a failure, classified or not.
func (s *State) Failed() bool {
	st := s.Status()
	return st == StatusErrored || st == StatusFailed
}

func (s *State) Failure() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.failure
}

func (s *State) Retries() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.retries
}

func (s *State) SetRetries(n int) {
	s.mu.Lock()
	s.retries = n
	s.mu.Unlock()
}

func (s *State) Started() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.started
}

func (s *State) Finished() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.finished
}

// Done is closed once the unit is complete or terminally failed.
func (s *State) Done() <-chan struct{} { return s.done }

// Begin marks the unit running. The start time is only stamped on the first
// launch; requeued units keep it unless they call MarkStarted.
func (s *State) Begin() {
	s.mu.Lock()
	s.status = StatusRunning
	s.failure = nil
	if s.started.IsZero() {
		s.started = time.Now()
	}
	s.mu.Unlock()
}

// MarkStarted restamps the start time, for units that wait inside Run before
// doing any work.
func (s *State) MarkStarted() {
	s.mu.Lock()
	s.started = time.Now()
	s.mu.Unlock()
}

// Finish records the outcome of a run.
func (s *State) Finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished = time.Now()
	if err != nil {
		s.status = StatusErrored
		s.failure = err
		return
	}
	s.status = StatusComplete
	s.failure = nil
	s.closeDone()
}

// Fail moves the unit to the terminal failed state.
func (s *State) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished.IsZero() {
		s.finished = time.Now()
	}
	s.status = StatusFailed
	s.failure = err
	s.closeDone()
}

// Reset clears failure and completion so the unit can be started again.
func (s *State) Reset() {
	s.mu.Lock()
	if s.status != StatusComplete && s.status != StatusFailed {
		s.status = StatusReady
		s.failure = nil
	}
	s.mu.Unlock()
}

func (s *State) closeDone() {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
}
