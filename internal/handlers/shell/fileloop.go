package shell

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"slices"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/mproffitt/pyccata-sub001/internal/domain"
	"github.com/mproffitt/pyccata-sub001/internal/replace"
)

// Submitter accepts child units; *worker.Pool satisfies it.
type Submitter interface {
	Submit(u domain.Unit) error
}

type FileloopOptions struct {
	Name            string
	InputDir        string
	Pattern         string
	Command         string
	OutputDir       string
	Strip           string
	OutputExtension string
	// MaxThreads caps children in flight for this loop. Defaults to the
	// number of CPUs.
	MaxThreads   int
	WaitFor      domain.Unit
	Priority     int
	IgnoreStderr bool
	LogDir       string
}

// Fileloop submits one shell unit per matching file in a directory and
// completes when all of them are done.
type Fileloop struct {
	*domain.State
	pool         Submitter
	reg          *replace.Registry
	inputDir     string
	pattern      string
	command      string
	outputDir    string
	strip        *regexp.Regexp
	extension    string
	maxThreads   int
	waitFor      domain.Unit
	ignoreStderr bool
	logDir       string

	sem *semaphore.Weighted

	mu       sync.Mutex
	prepared bool
	files    []string
	next     int
	// pending holds submitted children not yet seen done.
	pending  []*Unit
	children []*Unit
	errs     []error
}

func NewFileloop(pool Submitter, reg *replace.Registry, opts FileloopOptions) (*Fileloop, error) {
	switch {
	case pool == nil:
		return nil, domain.ArgumentMismatch("fileloop", "a pool is required")
	case strings.TrimSpace(opts.InputDir) == "":
		return nil, domain.ArgumentMismatch("fileloop", "input_directory is required")
	case strings.TrimSpace(opts.Command) == "":
		return nil, domain.ArgumentMismatch("fileloop", "command is required")
	case opts.MaxThreads < 0:
		return nil, domain.ArgumentMismatch("fileloop", "maxthreads must not be negative, got %d", opts.MaxThreads)
	}
	if opts.Pattern == "" {
		opts.Pattern = "*"
	}
	if _, err := filepath.Match(opts.Pattern, ""); err != nil {
		return nil, domain.ArgumentMismatch("fileloop", "bad input_pattern %q: %v", opts.Pattern, err)
	}
	if opts.MaxThreads == 0 {
		opts.MaxThreads = runtime.NumCPU()
	}

	f := &Fileloop{
		pool:         pool,
		reg:          reg,
		pattern:      opts.Pattern,
		command:      opts.Command,
		extension:    strings.TrimPrefix(opts.OutputExtension, "."),
		maxThreads:   opts.MaxThreads,
		sem:          semaphore.NewWeighted(int64(opts.MaxThreads)),
		waitFor:      opts.WaitFor,
		ignoreStderr: opts.IgnoreStderr,
	}
	if opts.Strip != "" {
		re, err := regexp.Compile("(?:" + opts.Strip + ")$")
		if err != nil {
			return nil, domain.ArgumentMismatch("fileloop", "bad strip expression %q: %v", opts.Strip, err)
		}
		f.strip = re
	}

	var err error
	if f.inputDir, err = reg.Replace(opts.InputDir, nil); err != nil {
		return nil, fmt.Errorf("expanding input directory: %w", err)
	}
	if f.outputDir, err = reg.Replace(opts.OutputDir, nil); err != nil {
		return nil, fmt.Errorf("expanding output directory: %w", err)
	}
	if f.outputDir == "" {
		f.outputDir = f.inputDir
	}
	logDir := opts.LogDir
	if logDir == "" {
		logDir, _ = reg.Value("LOGDIR")
	}
	if f.logDir, err = reg.Replace(logDir, nil); err != nil {
		return nil, fmt.Errorf("expanding log directory: %w", err)
	}

	name := opts.Name
	if name == "" {
		name = "fileloop:" + filepath.Base(f.inputDir)
	}
	priority := opts.Priority
	if priority == 0 {
		priority = domain.PriorityShell
	}
	f.State = domain.NewState(name, priority)
	return f, nil
}

// Run submits children up to the thread cap and returns ErrNotStarted until
// every child has finished, so the loop holds no pool slot while they run.
func (f *Fileloop) Run(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.prepared {
		if err := await(f.waitFor); err != nil {
			return err
		}
		if err := f.prepare(); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrThreadFailed, err)
		}
		f.MarkStarted()
		f.prepared = true
	}

	f.reap()
	f.submit()
	if outstanding := len(f.files) - f.next + len(f.pending); outstanding > 0 {
		return fmt.Errorf("%w: %d children outstanding", domain.ErrNotStarted, outstanding)
	}
	if err := errors.Join(f.errs...); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrThreadFailed, err)
	}
	log.Info().
		Str("unit", f.ID()).
		Str("input", f.inputDir).
		Int("files", len(f.files)).
		Msg("fileloop complete")
	return nil
}

func (f *Fileloop) prepare() error {
	files, err := f.inputs()
	if err != nil {
		return err
	}
	for _, dir := range []string{f.outputDir, f.logDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f.files = files
	return nil
}

// reap releases the slots of finished children and collects their failures.
func (f *Fileloop) reap() {
	pending := f.pending[:0]
	for _, c := range f.pending {
		select {
		case <-c.Done():
			f.sem.Release(1)
			if c.Status() == domain.StatusFailed {
				f.errs = append(f.errs, fmt.Errorf("%s: %w", c.Name(), c.Failure()))
			}
		default:
			pending = append(pending, c)
		}
	}
	f.pending = pending
}

// submit hands out children while the thread cap allows.
func (f *Fileloop) submit() {
	for f.next < len(f.files) && f.sem.TryAcquire(1) {
		file := f.files[f.next]
		f.next++
		child, err := f.child(file)
		if err == nil {
			err = f.pool.Submit(child)
		}
		if err != nil {
			f.sem.Release(1)
			f.errs = append(f.errs, err)
			continue
		}
		f.children = append(f.children, child)
		f.pending = append(f.pending, child)
	}
}

// inputs lists regular files in the input directory matching the pattern.
func (f *Fileloop) inputs() ([]string, error) {
	entries, err := os.ReadDir(f.inputDir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		if ok, _ := filepath.Match(f.pattern, e.Name()); ok {
			files = append(files, filepath.Join(f.inputDir, e.Name()))
		}
	}
	return files, nil
}

func (f *Fileloop) child(file string) (*Unit, error) {
	base := filepath.Base(file)
	name := f.Name() + ":" + base
	return New(f.reg, Options{
		Name:         name,
		Command:      f.command,
		IgnoreStderr: f.ignoreStderr,
		Tokens: map[string]string{
			"filename": quote(file),
			"output":   quote(filepath.Join(f.outputDir, f.OutputName(base))),
			"logfile":  quote(filepath.Join(f.logDir, strings.ReplaceAll(name, string(filepath.Separator), "_")+".log")),
		},
	})
}

// OutputName derives the output file name for an input base name. A missing
// strip or extension defaults to the input's current extension.
func (f *Fileloop) OutputName(base string) string {
	if f.strip == nil && f.extension == "" {
		return base
	}
	current := filepath.Ext(base)
	strip := f.strip
	if strip == nil {
		strip = regexp.MustCompile(regexp.QuoteMeta(current) + "$")
	}
	ext := f.extension
	if ext == "" {
		ext = strings.TrimPrefix(current, ".")
	}
	name := strip.ReplaceAllString(base, "")
	if ext != "" {
		name += "." + ext
	}
	return name
}

// Children returns the units submitted so far.
func (f *Fileloop) Children() []*Unit {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.children)
}
