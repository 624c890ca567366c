package domain

import (
	"time"

	"github.com/google/uuid"
)

// Run summarises one drained batch of units.
type Run struct {
	ID         string       `json:"id"`
	Target     string       `json:"target"`
	OK         bool         `json:"ok"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
	Error      string       `json:"error,omitempty"`
	Units      []UnitResult `json:"units,omitempty"`
}

type UnitResult struct {
	UnitID     string    `json:"unit_id"`
	Name       string    `json:"name"`
	Status     string    `json:"status"`
	Retries    int       `json:"retries"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

func NewRunID() string { return "run_" + uuid.NewString() }

// Summarize snapshots the lifecycle of every unit in a batch.
func Summarize(target string, started time.Time, units []Unit, ok bool) Run {
	r := Run{
		ID:         NewRunID(),
		Target:     target,
		OK:         ok,
		StartedAt:  started,
		FinishedAt: time.Now(),
		Units:      make([]UnitResult, 0, len(units)),
	}
	for _, u := range units {
		st := u.Lifecycle()
		res := UnitResult{
			UnitID:     u.ID(),
			Name:       u.Name(),
			Status:     st.Status().String(),
			Retries:    st.Retries(),
			StartedAt:  st.Started(),
			FinishedAt: st.Finished(),
		}
		if err := st.Failure(); err != nil {
			res.Error = err.Error()
		}
		r.Units = append(r.Units, res)
	}
	return r
}

// Failed returns the results of units that did not complete.
func (r Run) Failed() []UnitResult {
	var out []UnitResult
	for _, u := range r.Units {
		if u.Status != StatusComplete.String() {
			out = append(out, u)
		}
	}
	return out
}
