package worker

import (
	"github.com/rs/zerolog/log"

	"github.com/mproffitt/pyccata-sub001/internal/domain"
)

// dedup maps an expanded query text to the unit executing it. It is guarded
// by the pool mutex.
type dedup struct {
	hosts map[string]domain.Querier
}

func newDedup() *dedup {
	return &dedup{hosts: make(map[string]domain.Querier)}
}

// append registers q as the host for its query, or attaches it as an
// observer of the existing host. It returns true when q became an observer.
// dead reports hosts that can no longer deliver results.
func (d *dedup) append(q domain.Querier, dead func(domain.Unit) bool) bool {
	key := q.Query()
	if key == "" {
		return false
	}
	host, ok := d.hosts[key]
	if ok && host != q && !dead(host) {
		q.SetObserving(true)
		host.Attach(q)
		log.Debug().
			Str("query", key).
			Str("host", host.ID()).
			Str("observer", q.ID()).
			Msg("query attached to existing host")
		return true
	}
	d.hosts[key] = q
	return false
}

func (d *dedup) replace(key string, host domain.Querier) {
	if key == "" {
		return
	}
	d.hosts[key] = host
}

func (d *dedup) host(key string) (domain.Querier, bool) {
	h, ok := d.hosts[key]
	return h, ok
}
