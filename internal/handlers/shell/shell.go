package shell

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/mproffitt/pyccata-sub001/internal/domain"
	"github.com/mproffitt/pyccata-sub001/internal/replace"
)

type Options struct {
	Name     string
	Command  string
	Priority int
	// WaitFor delays the unit until the given unit is complete.
	WaitFor domain.Unit
	// IgnoreStderr fails the unit on a non-zero exit code only.
	IgnoreStderr bool
	// Tokens are expanded in Command ahead of the registry's own values.
	Tokens map[string]string
}

// Unit runs a parsed pipeline and keeps the last stage's output lines.
type Unit struct {
	*domain.State
	command      string
	pipeline     *Pipeline
	waitFor      domain.Unit
	ignoreStderr bool

	mu       sync.Mutex
	results  []string
	stderr   []string
	exitCode int
}

func New(reg *replace.Registry, opts Options) (*Unit, error) {
	if strings.TrimSpace(opts.Command) == "" {
		return nil, domain.ArgumentMismatch("shell", "command is required")
	}
	command, err := reg.Replace(opts.Command, opts.Tokens)
	if err != nil {
		return nil, fmt.Errorf("expanding command: %w", err)
	}
	p, err := Parse(command)
	if err != nil {
		return nil, domain.ArgumentMismatch("shell", "%v", err)
	}
	name := opts.Name
	if name == "" {
		name = p.Stages[0].Program
	}
	priority := opts.Priority
	if priority == 0 {
		priority = domain.PriorityShell
	}
	return &Unit{
		State:        domain.NewState(name, priority),
		command:      command,
		pipeline:     p,
		waitFor:      opts.WaitFor,
		ignoreStderr: opts.IgnoreStderr,
	}, nil
}

func (u *Unit) Command() string      { return u.command }
func (u *Unit) Pipeline() *Pipeline  { return u.pipeline }
func (u *Unit) WaitFor() domain.Unit { return u.waitFor }

func (u *Unit) Run(ctx context.Context) error {
	if err := await(u.waitFor); err != nil {
		return err
	}
	u.MarkStarted()

	res, err := execute(ctx, u.pipeline)
	u.mu.Lock()
	u.results = res.Stdout
	u.stderr = res.Stderr
	u.exitCode = res.ExitCode
	u.mu.Unlock()
	if err != nil {
		return fmt.Errorf("%w: %s: %v", domain.ErrThreadFailed, u.command, err)
	}

	if res.ExitCode != 0 || (len(res.Stderr) > 0 && !u.ignoreStderr) {
		return &domain.ThreadFailedError{
			Command:  u.command,
			ExitCode: res.ExitCode,
			Stderr:   res.Stderr,
		}
	}
	log.Debug().
		Str("unit", u.ID()).
		Str("command", u.command).
		Int("lines", len(res.Stdout)).
		Msg("command complete")
	return nil
}

// Results returns the captured stdout lines of the last stage.
func (u *Unit) Results() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return slices.Clone(u.results)
}

func (u *Unit) Stderr() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return slices.Clone(u.stderr)
}

func (u *Unit) ExitCode() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.exitCode
}

// await returns domain.ErrNotStarted while dep is still pending.
func await(dep domain.Unit) error {
	if dep == nil {
		return nil
	}
	st := dep.Lifecycle()
	switch st.Status() {
	case domain.StatusComplete:
		return nil
	case domain.StatusFailed:
		return fmt.Errorf("%w: dependency %s failed: %v", domain.ErrThreadFailed, dep.Name(), st.Failure())
	}
	return domain.ErrNotStarted
}
