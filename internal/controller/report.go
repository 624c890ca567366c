package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mproffitt/pyccata-sub001/internal/config"
	"github.com/mproffitt/pyccata-sub001/internal/domain"
	"github.com/mproffitt/pyccata-sub001/internal/handlers/query"
	"github.com/mproffitt/pyccata-sub001/internal/manager"
	"github.com/mproffitt/pyccata-sub001/internal/replace"
	"github.com/mproffitt/pyccata-sub001/internal/worker"
)

// Document is the rendered outcome of a report run.
type Document struct {
	Title       string    `json:"title"`
	GeneratedAt time.Time `json:"generated_at"`
	Sections    []Section `json:"sections"`
}

type Section struct {
	Title   string             `json:"title"`
	Query   string             `json:"query"`
	Status  string             `json:"status"`
	Error   string             `json:"error,omitempty"`
	Results *domain.ResultList `json:"results,omitempty"`
}

// Report runs one query unit per configured section.
type Report struct {
	pool     *worker.Pool
	reg      *replace.Registry
	client   manager.Client
	title    string
	sections []config.Section

	units []*query.Unit
}

func NewReport(pool *worker.Pool, reg *replace.Registry, client manager.Client, cfg *config.Config) *Report {
	return &Report{
		pool:     pool,
		reg:      reg,
		client:   client,
		title:    cfg.Report.Title,
		sections: cfg.Report.Sections,
	}
}

func (r *Report) Build() ([]*query.Unit, error) {
	r.units = r.units[:0]
	for i, s := range r.sections {
		title := s.Title
		if title == "" {
			title = fmt.Sprintf("section %d", i+1)
		}
		u, err := query.New(r.client, r.reg, query.Options{
			Title:      title,
			Query:      s.Query,
			Fields:     s.Fields,
			MaxResults: s.MaxResults,
			GroupBy:    s.GroupBy,
			Collate:    s.Collate,
			Distinct:   s.Distinct,
			Priority:   s.Priority,
		})
		if err != nil {
			return r.units, fmt.Errorf("report section %q: %w", title, err)
		}
		if err := r.pool.Submit(u); err != nil {
			return r.units, err
		}
		r.units = append(r.units, u)
	}
	return r.units, nil
}

// Run drains the report's queries and returns the rendered document.
func (r *Report) Run(ctx context.Context) (domain.Run, *Document, error) {
	started := time.Now()
	r.pool.Clear()
	if _, err := r.Build(); err != nil {
		r.pool.Clear()
		return domain.Run{}, nil, err
	}
	ok := r.pool.Start(ctx)
	run := domain.Summarize(config.TargetReport, started, r.pool.Units(), ok)
	doc := r.Document()
	log.Info().
		Str("run", run.ID).
		Bool("ok", ok).
		Int("sections", len(doc.Sections)).
		Int("failed", len(run.Failed())).
		Msg("report finished")
	return run, doc, nil
}

// Document collects each section's collated results in configuration order.
func (r *Report) Document() *Document {
	doc := &Document{Title: r.title, GeneratedAt: time.Now()}
	if t, err := r.reg.Replace(r.title, nil); err == nil {
		doc.Title = t
	}
	for _, u := range r.units {
		s := Section{
			Title:   u.Title(),
			Query:   u.Query(),
			Status:  u.Status().String(),
			Results: u.Results(),
		}
		if err := u.Failure(); err != nil {
			s.Error = err.Error()
		}
		doc.Sections = append(doc.Sections, s)
	}
	return doc
}

func (d *Document) Write(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(d)
}
