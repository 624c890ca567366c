// Package manager defines the issue-tracker client consumed by query units
// and a registry of named client implementations.
package manager

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mproffitt/pyccata-sub001/internal/domain"
)

type SearchRequest struct {
	Query string
	// MaxResults of 0 means unbounded.
	MaxResults int
	Fields     []string
	GroupBy    string
}

// Client searches a project tracker. Implementations fail with
// domain.ErrInvalidQuery when the tracker rejects the query and with
// domain.ErrInvalidConnection on transport or authentication failures.
type Client interface {
	Search(ctx context.Context, req SearchRequest) (*domain.ResultList, error)
}

type Options struct {
	URL        string
	Username   string
	Token      string
	RatePerSec float64
	Timeout    time.Duration
}

type Factory func(opts Options) (Client, error)

var (
	mu        sync.RWMutex
	factories = map[string]Factory{}
)

// Register makes a client implementation available by name.
func Register(name string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	factories[name] = f
}

// New builds the client registered under name.
func New(name string, opts Options) (Client, error) {
	mu.RLock()
	f, ok := factories[name]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: manager %q", domain.ErrInvalidModule, name)
	}
	return f(opts)
}

func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(factories))
	for n := range factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ClientFunc adapts a function to Client.
type ClientFunc func(ctx context.Context, req SearchRequest) (*domain.ResultList, error)

func (f ClientFunc) Search(ctx context.Context, req SearchRequest) (*domain.ResultList, error) {
	return f(ctx, req)
}
