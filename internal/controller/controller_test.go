package controller_test

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mproffitt/pyccata-sub001/internal/config"
	"github.com/mproffitt/pyccata-sub001/internal/controller"
	"github.com/mproffitt/pyccata-sub001/internal/domain"
	"github.com/mproffitt/pyccata-sub001/internal/history"
	"github.com/mproffitt/pyccata-sub001/internal/manager"
	"github.com/mproffitt/pyccata-sub001/internal/worker"
)

func init() {
	manager.Register("static", func(manager.Options) (manager.Client, error) {
		return manager.ClientFunc(func(_ context.Context, req manager.SearchRequest) (*domain.ResultList, error) {
			if strings.Contains(req.Query, "bogus") {
				return nil, domain.ErrInvalidQuery
			}
			return &domain.ResultList{
				Issues: []domain.Issue{{Key: "PRJ-1"}, {Key: "PRJ-2"}},
				Total:  2,
			}, nil
		}), nil
	})
}

func parse(t *testing.T, doc string) *config.Config {
	t.Helper()
	cfg, err := config.Parse("pyccata.json", []byte(doc))
	require.NoError(t, err)
	return cfg
}

func TestPipeline(t *testing.T) {
	t.Parallel()
	for _, b := range []string{"sh", "touch"} {
		if _, err := exec.LookPath(b); err != nil {
			t.Skipf("%s not available", b)
		}
	}
	dir := t.TempDir()
	in := filepath.Join(dir, "in")
	require.NoError(t, os.Mkdir(in, 0o755))

	cfg := parse(t, `{
  "replacements": {"dir": "`+dir+`"},
  "log_dir": "`+filepath.Join(dir, "logs")+`",
  "pipeline": {"commands": [
    {"name": "seed", "command": "sh -c 'touch {DIR}/in/a.txt {DIR}/in/b.txt'"},
    {"name": "copy", "type": "fileloop", "command": "touch {output}", "wait_for": "seed",
     "input_directory": "{DIR}/in", "input_pattern": "*.txt", "output_directory": "{DIR}/out",
     "output_extension": "done"}
  ]}
}`)

	pool := worker.NewPool(worker.WithSize(4))
	run, err := controller.NewPipeline(pool, controller.Registry(cfg), cfg).Run(t.Context())
	require.NoError(t, err)
	require.True(t, run.OK, run.Failed())
	require.Equal(t, config.TargetPipeline, run.Target)
	require.Len(t, run.Units, 4)
	require.FileExists(t, filepath.Join(dir, "out", "a.done"))
	require.FileExists(t, filepath.Join(dir, "out", "b.done"))
}

func TestPipeline_BuildError(t *testing.T) {
	t.Parallel()
	cfg := parse(t, `{"pipeline": {"commands": [{"command": "cat >"}]}}`)
	pool := worker.NewPool()
	_, err := controller.NewPipeline(pool, controller.Registry(cfg), cfg).Run(t.Context())
	require.ErrorIs(t, err, domain.ErrArgumentMismatch)
	require.Empty(t, pool.Units())
}

func TestReport(t *testing.T) {
	t.Parallel()
	cfg := parse(t, `{
  "manager": "static",
  "replacements": {"project": "PRJ"},
  "report": {"title": "{PROJECT} status", "sections": [
    {"title": "All", "query": "project = {PROJECT}"},
    {"title": "Count", "query": "project = {PROJECT}", "collate": "count"},
    {"title": "Broken", "query": "bogus"}
  ]}
}`)
	client, err := controller.Client(cfg)
	require.NoError(t, err)

	pool := worker.NewPool()
	rep := controller.NewReport(pool, controller.Registry(cfg), client, cfg)
	run, doc, err := rep.Run(t.Context())
	require.NoError(t, err)
	require.False(t, run.OK)
	require.Len(t, run.Failed(), 1)

	require.Equal(t, "PRJ status", doc.Title)
	require.Len(t, doc.Sections, 3)
	require.Equal(t, "complete", doc.Sections[0].Status)
	require.Equal(t, 2, doc.Sections[0].Results.Len())
	require.Equal(t, 2, doc.Sections[1].Results.Value)
	require.Equal(t, "failed", doc.Sections[2].Status)
	require.Contains(t, doc.Sections[2].Error, "invalid query")

	var buf bytes.Buffer
	require.NoError(t, doc.Write(&buf))
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	require.Equal(t, "PRJ status", decoded["title"])
}

func TestRunner(t *testing.T) {
	t.Parallel()
	db, err := history.Open(filepath.Join(t.TempDir(), "h.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	repo := history.NewSQLiteRepo(db)

	out := filepath.Join(t.TempDir(), "report.json")
	cfg := parse(t, `{
  "manager": "static",
  "report": {"output": "`+out+`", "sections": [{"title": "All", "query": "project = PRJ"}]}
}`)
	r := controller.NewRunner(cfg, worker.NewPool(), repo)

	run, err := r.Run(t.Context(), config.TargetReport)
	require.NoError(t, err)
	require.True(t, run.OK)
	require.FileExists(t, out)

	stored, err := repo.Get(t.Context(), run.ID)
	require.NoError(t, err)
	require.Len(t, stored.Units, 1)

	_, err = r.Run(t.Context(), "deploy")
	require.ErrorIs(t, err, controller.ErrUnknownTarget)

	stats := r.Stats()
	require.EqualValues(t, 2, stats.Runs)
	require.EqualValues(t, 1, stats.Failures)
	require.False(t, stats.Busy)

	runs, err := repo.ListRecent(t.Context(), 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
}

func TestRunner_Output(t *testing.T) {
	t.Parallel()
	cfg := parse(t, `{"manager": "static", "report": {"sections": [{"query": "x"}]}}`)
	r := controller.NewRunner(cfg, worker.NewPool(), nil)
	var buf bytes.Buffer
	r.SetOutput(&buf)

	run, err := r.RunWithID(t.Context(), config.TargetReport, "run_fixed")
	require.NoError(t, err)
	require.Equal(t, "run_fixed", run.ID)
	require.Contains(t, buf.String(), `"PRJ-1"`)
}
