package shell

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/shlex"
)

// Redirect sends a descriptor of a stage to a file or another descriptor.
type Redirect struct {
	// Source is "" (stdout), "&" (stdout and stderr) or a descriptor number.
	Source string
	Target string
	// FD is the target descriptor, or -1 when Target is a path.
	FD     int
	Append bool
}

func (r Redirect) String() string {
	op := ">"
	if r.Append {
		op = ">>"
	}
	if r.FD >= 0 {
		return r.Source + op + "&" + strconv.Itoa(r.FD)
	}
	return r.Source + op + " " + quote(r.Target)
}

type Stage struct {
	Program   string
	Args      []string
	Redirects []Redirect
	// Input is the file fed to stdin via "< infile".
	Input string
}

func (s Stage) String() string {
	words := make([]string, 0, len(s.Args)+len(s.Redirects)+2)
	words = append(words, quote(s.Program))
	for _, a := range s.Args {
		words = append(words, quote(a))
	}
	for _, r := range s.Redirects {
		words = append(words, r.String())
	}
	if s.Input != "" {
		words = append(words, "< "+quote(s.Input))
	}
	return strings.Join(words, " ")
}

// Pipeline is a linear chain of stages; each stage's stdout feeds the next
// stage's stdin unless redirected.
type Pipeline struct {
	Stages []Stage
}

func (p *Pipeline) String() string {
	parts := make([]string, len(p.Stages))
	for i, s := range p.Stages {
		parts[i] = s.String()
	}
	return strings.Join(parts, " | ")
}

// word matches one shell word made of bare, single or double quoted runs.
const word = `(?:'[^']*'|"(?:[^"\\]|\\.)*"|\\.|[^\s<>'"\\])+`

var redirectRe = regexp.MustCompile(`^\s*(?:(&|\d)?(>+)(&)?\s*(` + word + `)|<\s*(` + word + `))`)

// Parse splits command on " | " and parses each stage as
//
//	command (redirect+)? (< infile)?
//	redirect = [&digit?] '>'+ '&'? target
func Parse(command string) (*Pipeline, error) {
	if strings.TrimSpace(command) == "" {
		return nil, fmt.Errorf("empty command")
	}
	var p Pipeline
	for _, part := range splitPipes(command) {
		st, err := parseStage(part)
		if err != nil {
			return nil, err
		}
		p.Stages = append(p.Stages, st)
	}
	return &p, nil
}

func parseStage(raw string) (Stage, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Stage{}, fmt.Errorf("empty pipeline stage")
	}
	cmd, rest := raw, ""
	if i := redirectStart(raw); i >= 0 {
		cmd, rest = raw[:i], raw[i:]
	}

	words, err := shlex.Split(cmd)
	if err != nil {
		return Stage{}, fmt.Errorf("tokenising %q: %w", cmd, err)
	}
	if len(words) == 0 {
		return Stage{}, fmt.Errorf("stage %q has no program", raw)
	}
	st := Stage{Program: words[0], Args: words[1:]}

	for strings.TrimSpace(rest) != "" {
		m := redirectRe.FindStringSubmatch(rest)
		if m == nil {
			return Stage{}, fmt.Errorf("cannot parse redirect near %q", strings.TrimSpace(rest))
		}
		rest = rest[len(m[0]):]
		if m[5] != "" {
			if st.Input, err = unquote(m[5]); err != nil {
				return Stage{}, err
			}
			continue
		}
		if len(m[2]) > 2 {
			return Stage{}, fmt.Errorf("unsupported redirect operator %q", m[2])
		}
		target, err := unquote(m[4])
		if err != nil {
			return Stage{}, err
		}
		r := Redirect{Source: m[1], Target: target, FD: -1, Append: m[2] == ">>"}
		if fd, err := strconv.Atoi(r.Target); err == nil {
			r.FD = fd
		} else if m[3] == "&" {
			return Stage{}, fmt.Errorf("redirect %q needs a descriptor", m[0])
		}
		st.Redirects = append(st.Redirects, r)
	}
	return st, nil
}

// redirectStart returns the offset of the first unquoted redirect operator,
// including a leading "&" or descriptor digit, or -1.
func redirectStart(s string) int {
	var q byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case q != 0:
			if c == q {
				q = 0
			} else if c == '\\' && q == '"' {
				i++
			}
		case c == '\'' || c == '"':
			q = c
		case c == '\\':
			i++
		case c == '>' || c == '<':
			if i > 0 && (s[i-1] == '&' || isDigit(s[i-1])) && (i == 1 || s[i-2] == ' ' || s[i-2] == '\t') {
				return i - 1
			}
			return i
		}
	}
	return -1
}

// splitPipes splits on unquoted " | ".
func splitPipes(s string) []string {
	var (
		parts []string
		q     byte
		start int
	)
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case q != 0:
			if c == q {
				q = 0
			} else if c == '\\' && q == '"' {
				i++
			}
		case c == '\'' || c == '"':
			q = c
		case c == '\\':
			i++
		case c == '|' && i > 0 && s[i-1] == ' ' && i+1 < len(s) && s[i+1] == ' ':
			parts = append(parts, s[start:max(i-1, start)])
			start = i + 2
		}
	}
	return append(parts, s[start:])
}

// unquote strips shell quoting from a single redirect target.
func unquote(w string) (string, error) {
	words, err := shlex.Split(w)
	if err != nil || len(words) != 1 {
		return "", fmt.Errorf("bad redirect target %q", w)
	}
	return words[0], nil
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func quote(w string) string {
	if w != "" && !strings.ContainsAny(w, " \t\n'\"\\|<>&;$`*?#(){}") {
		return w
	}
	return "'" + strings.ReplaceAll(w, "'", `'\''`) + "'"
}
