package shell

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"unicode"

	"github.com/rs/zerolog/log"
)

const maxLineSize = 1 << 20

type execResult struct {
	Stdout   []string
	Stderr   []string
	ExitCode int
}

// execute runs the pipeline, connecting stage i's stdout to stage i+1's
// stdin, and collects the last stage's stdout and stderr line by line.
func execute(ctx context.Context, p *Pipeline) (execResult, error) {
	var (
		res      execResult
		cmds     []*exec.Cmd
		parent   []io.Closer
		stdin    *os.File
		stdout   *os.File
		lastErr  bytes.Buffer
		stageErr = make([]*bytes.Buffer, len(p.Stages))
	)
	closeAll := func() {
		for _, c := range parent {
			_ = c.Close()
		}
		parent = nil
	}
	abort := func(err error) (execResult, error) {
		closeAll()
		if stdout != nil {
			_ = stdout.Close()
		}
		for _, c := range cmds {
			if c.Process != nil {
				_ = c.Process.Kill()
				_ = c.Wait()
			}
		}
		return res, err
	}

	for i, st := range p.Stages {
		last := i == len(p.Stages)-1
		cmd := exec.CommandContext(ctx, st.Program, st.Args...)
		if stdin != nil {
			cmd.Stdin = stdin
		}
		if st.Input != "" {
			f, err := os.Open(st.Input)
			if err != nil {
				return abort(fmt.Errorf("opening input: %w", err))
			}
			parent = append(parent, f)
			cmd.Stdin = f
		}

		r, w, err := os.Pipe()
		if err != nil {
			return abort(err)
		}
		parent = append(parent, w)
		var errOut io.Writer = &lastErr
		if !last {
			stageErr[i] = &bytes.Buffer{}
			errOut = stageErr[i]
		}
		out, errOut, files, err := redirect(st.Redirects, w, errOut)
		parent = append(parent, files...)
		if err != nil {
			_ = r.Close()
			return abort(err)
		}
		cmd.Stdout, cmd.Stderr = out, errOut

		if err := cmd.Start(); err != nil {
			_ = r.Close()
			return abort(err)
		}
		cmds = append(cmds, cmd)
		if last {
			stdout = r
		} else {
			parent = append(parent, r)
			stdin = r
		}
	}
	// The children hold their own copies of every descriptor.
	closeAll()

	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for sc.Scan() {
		res.Stdout = append(res.Stdout, cleanLine(sc.Text()))
	}
	scanErr := sc.Err()
	_ = stdout.Close()

	for i, c := range cmds {
		err := c.Wait()
		if i == len(cmds)-1 {
			if c.ProcessState != nil {
				res.ExitCode = c.ProcessState.ExitCode()
			}
			var exitErr *exec.ExitError
			if err != nil && !errors.As(err, &exitErr) {
				return res, err
			}
		}
		if b := stageErr[i]; b != nil && b.Len() > 0 {
			log.Warn().
				Str("program", p.Stages[i].Program).
				Strs("stderr", splitLines(b.String())).
				Msg("pipeline stage wrote to stderr")
		}
	}
	res.Stderr = splitLines(lastErr.String())
	if scanErr != nil {
		return res, fmt.Errorf("reading output: %w", scanErr)
	}
	return res, nil
}

// redirect applies a stage's redirects left to right, as a shell would.
func redirect(rs []Redirect, out, errOut io.Writer) (io.Writer, io.Writer, []io.Closer, error) {
	var files []io.Closer
	for _, r := range rs {
		var target io.Writer
		switch {
		case r.FD == 1:
			target = out
		case r.FD == 2:
			target = errOut
		case r.FD >= 0:
			return nil, nil, files, fmt.Errorf("unsupported descriptor %d", r.FD)
		default:
			flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
			if r.Append {
				flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
			}
			f, err := os.OpenFile(r.Target, flags, 0o644)
			if err != nil {
				return nil, nil, files, fmt.Errorf("opening redirect target: %w", err)
			}
			files = append(files, f)
			target = f
		}
		switch r.Source {
		case "", "1":
			out = target
		case "2":
			errOut = target
		case "&":
			out, errOut = target, target
		default:
			return nil, nil, files, fmt.Errorf("unsupported descriptor %s", r.Source)
		}
	}
	return out, errOut, files, nil
}

func cleanLine(s string) string {
	return strings.TrimRightFunc(strings.ToValidUTF8(s, "\uFFFD"), unicode.IsSpace)
}

func splitLines(s string) []string {
	var lines []string
	for _, l := range strings.Split(s, "\n") {
		if l = cleanLine(l); l != "" {
			lines = append(lines, l)
		}
	}
	return lines
}
