package query

import (
	"fmt"
	"sync"

	"github.com/mproffitt/pyccata-sub001/internal/domain"
)

// CollateFunc reshapes a unit's own copy of the results after notification.
type CollateFunc func(*domain.ResultList) *domain.ResultList

var (
	collateMu  sync.RWMutex
	collations = map[string]CollateFunc{
		"count":       collateCount,
		"keys":        collateKeys,
		"group_count": collateGroupCount,
	}
)

func RegisterCollation(name string, fn CollateFunc) {
	collateMu.Lock()
	collations[name] = fn
	collateMu.Unlock()
}

func Collation(name string) (CollateFunc, error) {
	collateMu.RLock()
	fn, ok := collations[name]
	collateMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: collation %q", domain.ErrInvalidModule, name)
	}
	return fn, nil
}

func collateCount(r *domain.ResultList) *domain.ResultList {
	n := r.Total
	if n < len(r.Issues) {
		n = len(r.Issues)
	}
	r.Value = n
	return r
}

func collateKeys(r *domain.ResultList) *domain.ResultList {
	keys := make([]string, 0, len(r.Issues))
	for _, is := range r.Issues {
		keys = append(keys, is.Key)
	}
	r.Value = keys
	return r
}

func collateGroupCount(r *domain.ResultList) *domain.ResultList {
	counts := make(map[string]int, len(r.Groups))
	for name, g := range r.Groups {
		counts[name] = g.Len()
	}
	r.Value = counts
	return r
}
