package worker_test

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mproffitt/pyccata-sub001/internal/domain"
	"github.com/mproffitt/pyccata-sub001/internal/handlers/query"
	"github.com/mproffitt/pyccata-sub001/internal/handlers/shell"
	"github.com/mproffitt/pyccata-sub001/internal/manager"
	"github.com/mproffitt/pyccata-sub001/internal/replace"
	"github.com/mproffitt/pyccata-sub001/internal/worker"
)

type fakeUnit struct {
	*domain.State
	run func(ctx context.Context) error
}

func newFake(name string, priority int, run func(ctx context.Context) error) *fakeUnit {
	if run == nil {
		run = func(context.Context) error { return nil }
	}
	return &fakeUnit{State: domain.NewState(name, priority), run: run}
}

func (f *fakeUnit) Run(ctx context.Context) error { return f.run(ctx) }

// countingClient answers every search with one issue per query and fails the
// first n calls with err.
type countingClient struct {
	calls atomic.Int32
	fail  int32
	err   error
}

func (c *countingClient) Search(_ context.Context, req manager.SearchRequest) (*domain.ResultList, error) {
	n := c.calls.Add(1)
	if n <= c.fail {
		return nil, c.err
	}
	return &domain.ResultList{
		Issues: []domain.Issue{{Key: "PRJ-1", Fields: map[string]any{"query": req.Query}}},
		Total:  1,
	}, nil
}

func newQuery(t *testing.T, c manager.Client, title, q string) *query.Unit {
	t.Helper()
	u, err := query.New(c, replace.New(nil), query.Options{Title: title, Query: q})
	require.NoError(t, err)
	return u
}

func TestPool_Dedup(t *testing.T) {
	t.Parallel()
	c := &countingClient{}
	bob1 := newQuery(t, c, "bob 1", `assignee = "Bob"`)
	bob2 := newQuery(t, c, "bob 2", `assignee = "Bob"`)
	alice := newQuery(t, c, "alice", `assignee = "Alice"`)

	p := worker.NewPool(worker.WithSize(4))
	for _, u := range []domain.Unit{bob1, bob2, alice} {
		require.NoError(t, p.Submit(u))
	}

	require.Equal(t, 2, p.Len())
	require.Len(t, bob1.Observers(), 1)
	require.True(t, bob2.Observing())
	require.False(t, alice.Observing())
	require.Empty(t, alice.Observers())

	require.True(t, p.Start(t.Context()))
	require.EqualValues(t, 2, c.calls.Load())
	require.Equal(t, bob1.Results(), bob2.Results())
	require.NotSame(t, bob1.Results(), bob2.Results())
	require.True(t, bob2.Complete())
}

func TestPool_RotationSuccess(t *testing.T) {
	t.Parallel()
	c := &countingClient{fail: 1, err: fmt.Errorf("%w: connection reset", domain.ErrInvalidConnection)}
	units := []*query.Unit{
		newQuery(t, c, "one", "project = PRJ"),
		newQuery(t, c, "two", "project = PRJ"),
		newQuery(t, c, "three", "project = PRJ"),
	}
	p := worker.NewPool(worker.WithSize(4))
	for _, u := range units {
		require.NoError(t, p.Submit(u))
	}

	require.True(t, p.Start(t.Context()))
	require.Empty(t, p.Failed())
	require.LessOrEqual(t, c.calls.Load(), int32(worker.DefaultMaxRetries))

	want := units[1].Results()
	require.NotNil(t, want)
	for _, u := range units {
		require.True(t, u.Complete(), u.Title())
		require.Equal(t, want, u.Results())
	}

	host, ok := p.Host("project = PRJ")
	require.True(t, ok)
	require.Same(t, units[1], host)
}

func TestPool_RotationExhausted(t *testing.T) {
	t.Parallel()
	c := &countingClient{fail: 100, err: domain.ErrInvalidConnection}
	var units []domain.Unit
	for i := range 6 {
		units = append(units, newQuery(t, c, fmt.Sprintf("q%d", i), "project = FLAKY"))
	}
	p := worker.NewPool(worker.WithSize(2), worker.WithMaxRetries(2))
	for _, u := range units {
		require.NoError(t, p.Submit(u))
	}

	require.False(t, p.Start(t.Context()))
	require.Len(t, p.Failed(), len(units))
	require.EqualValues(t, 3, c.calls.Load())
	for _, u := range units {
		require.ErrorIs(t, u.Lifecycle().Failure(), domain.ErrInvalidConnection)
	}
}

func TestPool_InvalidQueryIsTerminal(t *testing.T) {
	t.Parallel()
	c := &countingClient{fail: 100, err: fmt.Errorf("%w: field does not exist", domain.ErrInvalidQuery)}
	units := []*query.Unit{
		newQuery(t, c, "one", "bogus ~ x"),
		newQuery(t, c, "two", "bogus ~ x"),
		newQuery(t, c, "three", "bogus ~ x"),
	}
	p := worker.NewPool()
	for _, u := range units {
		require.NoError(t, p.Submit(u))
	}

	require.False(t, p.Start(t.Context()))
	require.Len(t, p.Failed(), 3)
	require.EqualValues(t, 1, c.calls.Load())
	for _, u := range units {
		require.Equal(t, domain.StatusFailed, u.Status())
		require.ErrorIs(t, u.Failure(), domain.ErrInvalidQuery)
	}
}

func TestPool_LateDuplicate(t *testing.T) {
	t.Parallel()
	c := &countingClient{}
	first := newQuery(t, c, "first", "status = Done")
	p := worker.NewPool()
	require.NoError(t, p.Submit(first))
	require.True(t, p.Start(t.Context()))

	late := newQuery(t, c, "late", "status = Done")
	require.NoError(t, p.Submit(late))
	require.True(t, late.Complete())
	require.Equal(t, 0, p.Len())
	require.True(t, p.Start(t.Context()))
	require.EqualValues(t, 1, c.calls.Load())
	require.Equal(t, first.Results(), late.Results())
}

func TestPool_Priority(t *testing.T) {
	t.Parallel()
	var (
		mu    sync.Mutex
		order []string
	)
	record := func(name string) func(context.Context) error {
		return func(context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}

	p := worker.NewPool(worker.WithSize(1))
	require.NoError(t, p.Submit(newFake("low", 1, record("low"))))
	require.NoError(t, p.Submit(newFake("high", 100, record("high"))))
	require.NoError(t, p.Submit(newFake("mid-a", 10, record("mid-a"))))
	require.NoError(t, p.Submit(newFake("mid-b", 10, record("mid-b"))))

	require.True(t, p.Start(t.Context()))
	require.Equal(t, []string{"high", "mid-a", "mid-b", "low"}, order)
}

func TestPool_SizeCap(t *testing.T) {
	t.Parallel()
	var inFlight, peak atomic.Int32
	work := func(context.Context) error {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inFlight.Add(-1)
		return nil
	}

	p := worker.NewPool(worker.WithSize(3))
	for i := range 12 {
		require.NoError(t, p.Submit(newFake(fmt.Sprintf("u%d", i), 1, work)))
	}
	require.True(t, p.Start(t.Context()))
	require.LessOrEqual(t, peak.Load(), int32(3))
	require.LessOrEqual(t, p.Peak(), 3)
	require.Len(t, p.Units(), 12)
}

func TestPool_SubmitFromRunningUnit(t *testing.T) {
	t.Parallel()
	p := worker.NewPool(worker.WithSize(2))
	child := newFake("child", 1, nil)
	parent := newFake("parent", 1, func(context.Context) error {
		return p.Submit(child)
	})
	require.NoError(t, p.Submit(parent))
	require.True(t, p.Start(t.Context()))
	require.True(t, child.Complete())
}

func TestPool_SubmitTwice(t *testing.T) {
	t.Parallel()
	p := worker.NewPool()
	u := newFake("once", 1, nil)
	require.NoError(t, p.Submit(u))
	require.Error(t, p.Submit(u))
	require.Error(t, p.Submit(nil))
}

func TestPool_PanicIsFailure(t *testing.T) {
	t.Parallel()
	p := worker.NewPool()
	u := newFake("boom", 1, func(context.Context) error { panic("boom") })
	require.NoError(t, p.Submit(u))
	require.False(t, p.Start(t.Context()))
	require.ErrorIs(t, u.Failure(), domain.ErrThreadFailed)
}

func TestPool_WaitFor(t *testing.T) {
	t.Parallel()
	if _, err := exec.LookPath("sleep"); err != nil {
		t.Skip("sleep not available")
	}
	reg := replace.New(nil)
	a, err := shell.New(reg, shell.Options{Name: "a", Command: "sleep 0.05"})
	require.NoError(t, err)
	b, err := shell.New(reg, shell.Options{Name: "b", Command: "true", WaitFor: a})
	require.NoError(t, err)

	p := worker.NewPool(worker.WithSize(4))
	require.NoError(t, p.Submit(b))
	require.NoError(t, p.Submit(a))
	require.True(t, p.Start(t.Context()))

	require.True(t, a.Complete())
	require.True(t, b.Complete())
	require.False(t, b.Started().Before(a.Finished()))
}

func TestPool_WaitForFailedDependency(t *testing.T) {
	t.Parallel()
	reg := replace.New(nil)
	a := newFake("a", 1, func(context.Context) error { return errors.New("nope") })
	b, err := shell.New(reg, shell.Options{Name: "b", Command: "true", WaitFor: a})
	require.NoError(t, err)

	p := worker.NewPool()
	require.NoError(t, p.Submit(a))
	require.NoError(t, p.Submit(b))
	require.False(t, p.Start(t.Context()))
	require.Len(t, p.Failed(), 2)
	require.ErrorIs(t, b.Failure(), domain.ErrThreadFailed)
}

func TestPool_StalledDependency(t *testing.T) {
	t.Parallel()
	reg := replace.New(nil)
	never := newFake("never submitted", 1, nil)
	b, err := shell.New(reg, shell.Options{Name: "b", Command: "true", WaitFor: never})
	require.NoError(t, err)

	p := worker.NewPool()
	require.NoError(t, p.Submit(b))
	require.False(t, p.Start(t.Context()))
	require.ErrorIs(t, b.Failure(), domain.ErrThreadFailed)
}

func TestPool_Cancel(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(t.Context())
	started := make(chan struct{})
	slow := newFake("slow", 10, func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	queued := newFake("queued", 1, nil)

	p := worker.NewPool(worker.WithSize(1))
	require.NoError(t, p.Submit(slow))
	require.NoError(t, p.Submit(queued))
	go func() {
		<-started
		cancel()
	}()
	require.False(t, p.Start(ctx))
	require.Equal(t, domain.StatusFailed, slow.Status())
	require.Equal(t, domain.StatusFailed, queued.Status())
	require.ErrorIs(t, queued.Failure(), domain.ErrNotStarted)
}

func TestPool_FindAndClear(t *testing.T) {
	t.Parallel()
	c := &countingClient{}
	q := newQuery(t, c, "Open bugs", "type = Bug")
	f := newFake("fetch", 1, nil)

	p := worker.NewPool()
	require.NoError(t, p.Submit(q))
	require.NoError(t, p.Submit(f))

	got, err := p.Find("Open bugs")
	require.NoError(t, err)
	require.Same(t, q, got)
	got, err = p.Find(f.ID())
	require.NoError(t, err)
	require.Same(t, f, got)
	_, err = p.Find("missing")
	require.ErrorIs(t, err, domain.ErrNotFound)

	p.Clear()
	require.Equal(t, 0, p.Len())
	require.Empty(t, p.Units())
	_, err = p.Find("fetch")
	require.ErrorIs(t, err, domain.ErrNotFound)
}
