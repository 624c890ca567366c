package worker

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"runtime"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mproffitt/pyccata-sub001/internal/domain"
)

const (
	DefaultMaxRetries   = 3
	DefaultRequeueDelay = 5 * time.Millisecond
)

// DefaultSize assumes an I/O bound workload.
func DefaultSize() int { return runtime.NumCPU() * 64 }

type Option func(*Pool)

func WithSize(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.size = n
		}
	}
}

// WithMaxRetries caps how many times a query chain rotates its executor.
func WithMaxRetries(n int) Option {
	return func(p *Pool) {
		if n >= 0 {
			p.maxRetries = n
		}
	}
}

func WithRequeueDelay(d time.Duration) Option {
	return func(p *Pool) {
		if d >= 0 {
			p.requeueDelay = d
		}
	}
}

type outcome struct {
	unit domain.Unit
	err  error
}

// Pool runs submitted units with at most size of them in flight. Query units
// sharing a query text are collapsed onto a single executor.
type Pool struct {
	mu           sync.Mutex
	size         int
	maxRetries   int
	requeueDelay time.Duration

	queue    unitQueue
	running  map[domain.Unit]*item
	failed   []domain.Unit
	isFailed map[domain.Unit]bool
	units    []domain.Unit
	known    map[domain.Unit]bool
	hosts    *dedup
	seq      uint64
	progress uint64
	peak     int

	outcomes chan outcome
	wake     chan struct{}
}

func NewPool(opts ...Option) *Pool {
	p := &Pool{
		size:         DefaultSize(),
		maxRetries:   DefaultMaxRetries,
		requeueDelay: DefaultRequeueDelay,
		outcomes:     make(chan outcome),
		wake:         make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.reset()
	return p
}

func (p *Pool) reset() {
	p.queue = nil
	p.running = make(map[domain.Unit]*item)
	p.failed = nil
	p.isFailed = make(map[domain.Unit]bool)
	p.units = nil
	p.known = make(map[domain.Unit]bool)
	p.hosts = newDedup()
	p.seq = 0
	p.progress = 0
	p.peak = 0
}

// Size returns the maximum number of units in flight.
func (p *Pool) Size() int { return p.size }

// Submit hands a unit to the pool. It is safe to call from within a running
// unit.
func (p *Pool) Submit(u domain.Unit) error {
	if u == nil {
		return errors.New("nil unit")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.known[u] {
		return fmt.Errorf("unit %s already submitted", u.ID())
	}
	p.known[u] = true
	p.units = append(p.units, u)

	if q, ok := u.(domain.Querier); ok {
		if p.hosts.append(q, p.dead) {
			return nil
		}
	}
	p.push(&item{unit: u})
	log.Debug().
		Str("unit", u.ID()).
		Str("name", u.Name()).
		Int("priority", u.Priority()).
		Msg("unit queued")
	p.signal()
	return nil
}

func (p *Pool) push(it *item) {
	if it.seq == 0 {
		p.seq++
		it.seq = p.seq
	}
	heap.Push(&p.queue, it)
}

func (p *Pool) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Pool) dead(u domain.Unit) bool { return p.isFailed[u] }

// Start runs queued units until none is ready and nothing is in flight. It
// returns true when no unit failed.
func (p *Pool) Start(ctx context.Context) bool {
	log.Debug().Int("size", p.size).Int("queued", p.Len()).Msg("pool starting")
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		if err := ctx.Err(); err != nil {
			p.abort(err)
			return false
		}
		p.mu.Lock()
		next, err := p.fill(ctx)
		inFlight := len(p.running)
		p.mu.Unlock()

		if errors.Is(err, domain.ErrPoolEmpty) && inFlight == 0 {
			break
		}

		var due <-chan time.Time
		if !next.IsZero() {
			timer.Reset(time.Until(next))
			due = timer.C
		}

		select {
		case o := <-p.outcomes:
			p.monitor(o)
		case <-p.wake:
		case <-due:
		case <-ctx.Done():
			p.abort(ctx.Err())
			return false
		}
		if due != nil && !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}

	failed := p.Failed()
	log.Debug().Int("failed", len(failed)).Int("peak", p.Peak()).Msg("pool drained")
	return len(failed) == 0
}

// fill starts ready units in priority order until the pool is full. It
// returns the earliest time a delayed unit becomes due, and ErrPoolEmpty when
// nothing is left to start.
func (p *Pool) fill(ctx context.Context) (time.Time, error) {
	now := time.Now()
	var (
		deferred []*item
		next     time.Time
	)
	for len(p.running) < p.size && p.queue.Len() > 0 {
		it := heap.Pop(&p.queue).(*item)
		if it.notBefore.After(now) {
			deferred = append(deferred, it)
			if next.IsZero() || it.notBefore.Before(next) {
				next = it.notBefore
			}
			continue
		}
		if !it.unit.Lifecycle().Ready() {
			continue
		}
		p.launch(ctx, it)
	}
	for _, it := range deferred {
		heap.Push(&p.queue, it)
	}
	if len(p.running) == 0 && p.stalled() {
		p.failStalled()
	}
	if p.queue.Len() == 0 {
		return time.Time{}, domain.ErrPoolEmpty
	}
	return next, nil
}

func (p *Pool) launch(ctx context.Context, it *item) {
	u := it.unit
	it.progress = p.progress
	it.notBefore = time.Time{}
	p.running[u] = it
	if len(p.running) > p.peak {
		p.peak = len(p.running)
	}
	u.Lifecycle().Begin()
	log.Debug().Str("unit", u.ID()).Str("name", u.Name()).Msg("unit started")
	go p.run(ctx, u)
}

func (p *Pool) run(ctx context.Context, u domain.Unit) {
	err := safeRun(ctx, u)
	u.Lifecycle().Finish(err)
	p.outcomes <- outcome{unit: u, err: err}
}

func safeRun(ctx context.Context, u domain.Unit) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", domain.ErrThreadFailed, r)
		}
	}()
	return u.Run(ctx)
}

// stalled reports whether every queued unit is waiting on a dependency and
// nothing has completed since each of them last ran.
func (p *Pool) stalled() bool {
	if p.queue.Len() == 0 {
		return false
	}
	for _, it := range p.queue {
		if !it.waiting || it.progress != p.progress {
			return false
		}
	}
	return true
}

func (p *Pool) failStalled() {
	for p.queue.Len() > 0 {
		it := heap.Pop(&p.queue).(*item)
		err := fmt.Errorf("%w: %s: dependency can never complete", domain.ErrThreadFailed, it.unit.Name())
		p.fail(it.unit, err)
	}
}

func (p *Pool) monitor(o outcome) {
	p.mu.Lock()
	defer p.mu.Unlock()

	u, err := o.unit, o.err
	it := p.running[u]
	delete(p.running, u)
	if it == nil {
		it = &item{unit: u}
	}
	if !domain.Requeue(err) {
		p.progress++
	}

	switch {
	case err == nil:
		log.Debug().Str("unit", u.ID()).Str("name", u.Name()).Msg("unit complete")
	case domain.Requeue(err):
		u.Lifecycle().Reset()
		it.waiting = true
		it.notBefore = time.Now().Add(p.requeueDelay)
		heap.Push(&p.queue, it)
	case errors.Is(err, domain.ErrInvalidConnection):
		q, ok := u.(domain.Querier)
		if !ok || len(q.Observers()) == 0 {
			p.fail(u, err)
			return
		}
		p.rotate(q, err)
	default:
		p.fail(u, err)
	}
}

// rotate hands the executor role to the first observer of a failed host.
// The failed host moves to the tail of the observer list.
func (p *Pool) rotate(host domain.Querier, err error) {
	observers := host.Observers()
	next := observers[0]
	retries := host.Lifecycle().Retries() + 1
	if retries > p.maxRetries || next.Lifecycle().Failed() {
		log.Warn().
			Str("query", host.Query()).
			Int("retries", retries).
			Msg("rotation exhausted")
		p.fail(host, err)
		return
	}

	rest := append(slices.Clone(observers[1:]), host)
	host.SetObservers(nil)
	host.SetObserving(true)
	host.Lifecycle().Reset()

	next.SetObserving(false)
	next.SetObservers(rest)
	next.Lifecycle().SetRetries(retries)
	p.hosts.replace(host.Query(), next)
	p.push(&item{unit: next})

	log.Warn().
		Err(err).
		Str("query", host.Query()).
		Str("from", host.ID()).
		Str("to", next.ID()).
		Int("retries", retries).
		Msg("rotating query executor")
}

// fail moves u to the failed list. Observers of a failed host share its fate.
func (p *Pool) fail(u domain.Unit, err error) {
	p.markFailed(u, err)
	q, ok := u.(domain.Querier)
	if !ok {
		return
	}
	for _, o := range q.Observers() {
		p.markFailed(o, err)
	}
	q.SetObservers(nil)
}

func (p *Pool) markFailed(u domain.Unit, err error) {
	u.Lifecycle().Fail(err)
	if p.isFailed[u] {
		return
	}
	p.isFailed[u] = true
	p.failed = append(p.failed, u)
	log.Error().Err(err).Str("unit", u.ID()).Str("name", u.Name()).Msg("unit failed")
}

// abort waits for in-flight units after the context was cancelled.
func (p *Pool) abort(err error) {
	for {
		p.mu.Lock()
		n := len(p.running)
		p.mu.Unlock()
		if n == 0 {
			break
		}
		p.monitor(<-p.outcomes)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.queue.Len() > 0 {
		it := heap.Pop(&p.queue).(*item)
		p.fail(it.unit, fmt.Errorf("%w: %v", domain.ErrNotStarted, err))
	}
}

// Find returns the first submitted unit whose name, id or title matches.
func (p *Pool) Find(identifier string) (domain.Unit, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, u := range p.units {
		if u.Name() == identifier || u.ID() == identifier {
			return u, nil
		}
		if t, ok := u.(domain.Titled); ok && t.Title() == identifier {
			return u, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", domain.ErrNotFound, identifier)
}

// Host returns the unit currently executing query.
func (p *Pool) Host(query string) (domain.Querier, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hosts.host(query)
}

// Clear resets all pool state. It must not be called while Start runs.
func (p *Pool) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reset()
}

func (p *Pool) Failed() []domain.Unit {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.failed)
}

// Units returns every submitted unit in submission order.
func (p *Pool) Units() []domain.Unit {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.units)
}

// Len returns the number of units waiting to start.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queue.Len()
}

// Peak returns the highest number of units observed in flight.
func (p *Pool) Peak() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.peak
}
