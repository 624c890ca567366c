package query

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/mproffitt/pyccata-sub001/internal/domain"
	"github.com/mproffitt/pyccata-sub001/internal/manager"
	"github.com/mproffitt/pyccata-sub001/internal/replace"
)

type Options struct {
	Title      string
	Query      string
	Fields     []string
	MaxResults int
	GroupBy    string
	Collate    string
	Distinct   bool
	Priority   int
}

// Unit runs a single search against the tracker. When several units share a
// query the pool runs one of them and the others observe it.
type Unit struct {
	*domain.State
	client     manager.Client
	query      string
	title      string
	fields     []string
	maxResults int
	groupBy    string
	collate    CollateFunc
	distinct   bool

	mu        sync.Mutex
	observers []domain.Querier
	observing bool
	raw       *domain.ResultList
	results   *domain.ResultList
}

var _ domain.Querier = (*Unit)(nil)

// New builds a query unit, expanding the query and title through reg.
func New(client manager.Client, reg *replace.Registry, opts Options) (*Unit, error) {
	if client == nil {
		return nil, domain.ArgumentMismatch("query", "a tracker client is required")
	}
	if opts.MaxResults < 0 {
		return nil, domain.ArgumentMismatch("query", "max_results must not be negative, got %d", opts.MaxResults)
	}
	q, err := reg.Replace(strings.TrimSpace(opts.Query), nil)
	if err != nil {
		return nil, fmt.Errorf("expanding query: %w", err)
	}
	title, err := reg.Replace(opts.Title, nil)
	if err != nil {
		return nil, fmt.Errorf("expanding title: %w", err)
	}
	var collate CollateFunc
	if opts.Collate != "" {
		if collate, err = Collation(opts.Collate); err != nil {
			return nil, err
		}
	}
	priority := opts.Priority
	if priority == 0 {
		priority = domain.PriorityQuery
	}
	return &Unit{
		State:      domain.NewState(title, priority),
		client:     client,
		query:      q,
		title:      title,
		fields:     slices.Clone(opts.Fields),
		maxResults: opts.MaxResults,
		groupBy:    opts.GroupBy,
		collate:    collate,
		distinct:   opts.Distinct,
	}, nil
}

func (u *Unit) Query() string { return u.query }
func (u *Unit) Title() string { return u.title }

func (u *Unit) Run(ctx context.Context) error {
	res, err := u.client.Search(ctx, manager.SearchRequest{
		Query:      u.query,
		MaxResults: u.maxResults,
		Fields:     u.fields,
		GroupBy:    u.groupBy,
	})
	if err != nil {
		return err
	}
	if res == nil {
		res = &domain.ResultList{}
	}

	u.mu.Lock()
	u.raw = res
	u.results = u.reshape(res.Clone())
	observers := slices.Clone(u.observers)
	u.mu.Unlock()

	for _, o := range observers {
		o.Notify(res.Clone())
	}
	log.Debug().
		Str("unit", u.ID()).
		Str("query", u.query).
		Int("issues", res.Len()).
		Int("observers", len(observers)).
		Msg("query complete")
	return nil
}

// Notify stores a copy of the host's results and completes the unit.
func (u *Unit) Notify(results *domain.ResultList) {
	if results == nil {
		return
	}
	u.mu.Lock()
	u.raw = results
	u.results = u.reshape(results.Clone())
	u.mu.Unlock()
	u.Lifecycle().Finish(nil)
}

func (u *Unit) reshape(r *domain.ResultList) *domain.ResultList {
	if u.distinct {
		r = r.Distinct()
	}
	if u.collate != nil {
		r = u.collate(r)
	}
	return r
}

func (u *Unit) Attach(o domain.Querier) {
	u.mu.Lock()
	raw := u.raw
	if raw == nil {
		u.observers = append(u.observers, o)
	}
	u.mu.Unlock()
	if raw != nil {
		o.Notify(raw.Clone())
	}
}

func (u *Unit) Observers() []domain.Querier {
	u.mu.Lock()
	defer u.mu.Unlock()
	return slices.Clone(u.observers)
}

func (u *Unit) SetObservers(observers []domain.Querier) {
	u.mu.Lock()
	u.observers = observers
	u.mu.Unlock()
}

func (u *Unit) Observing() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.observing
}

func (u *Unit) SetObserving(observing bool) {
	u.mu.Lock()
	u.observing = observing
	u.mu.Unlock()
}

// Results returns the unit's collated results, nil until it completes.
func (u *Unit) Results() *domain.ResultList {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.results
}
