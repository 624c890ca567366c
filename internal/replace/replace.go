// Package replace expands {TOKEN} and {what.helper} forms in templates.
//
// A Registry is populated once from configuration and is read-only
// afterwards, so it is safe for concurrent use without locking.
package replace

import (
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/mproffitt/pyccata-sub001/internal/domain"
)

// Helper transforms the value of a {what.helper} expansion.
type Helper func(value string) (string, error)

var tokenRe = regexp.MustCompile(`\{([A-Za-z0-9_]+)(?:\.([A-Za-z0-9_]+))?\}`)

type Registry struct {
	values  map[string]string
	helpers map[string]Helper
}

// New builds a registry holding the built-in tokens and helpers, overridden
// by values. Token names are case-insensitive.
func New(values map[string]string) *Registry {
	now := time.Now()
	r := &Registry{
		values: map[string]string{
			"TODAY":  now.Format("2006-01-02"),
			"NOW":    now.Format(time.RFC3339),
			"LOGDIR": filepath.Join(os.TempDir(), "pyccata", "logs"),
		},
		helpers: maps.Clone(builtins),
	}
	for k, v := range values {
		r.values[strings.ToUpper(k)] = v
	}
	return r
}

// WithHelper returns a copy of r with an extra helper registered.
func (r *Registry) WithHelper(name string, h Helper) *Registry {
	out := &Registry{values: maps.Clone(r.values), helpers: maps.Clone(r.helpers)}
	out.helpers[strings.ToLower(name)] = h
	return out
}

// Find reports whether a token is known.
func (r *Registry) Find(name string) bool {
	_, ok := r.values[strings.ToUpper(name)]
	return ok
}

func (r *Registry) Value(name string) (string, bool) {
	v, ok := r.values[strings.ToUpper(name)]
	return v, ok
}

// Replace expands tokens in template. additional values take precedence over
// registered ones. Unknown tokens are left verbatim; unknown helpers fail
// with domain.ErrInvalidModule.
func (r *Registry) Replace(template string, additional map[string]string) (string, error) {
	if r == nil || !strings.Contains(template, "{") {
		return template, nil
	}
	extra := make(map[string]string, len(additional))
	for k, v := range additional {
		extra[strings.ToUpper(k)] = v
	}

	var firstErr error
	out := tokenRe.ReplaceAllStringFunc(template, func(m string) string {
		if firstErr != nil {
			return m
		}
		sub := tokenRe.FindStringSubmatch(m)
		what, command := sub[1], sub[2]
		if command == "" {
			if v, ok := r.lookup(what, extra); ok {
				return v
			}
			return m
		}
		h, ok := r.helpers[strings.ToLower(command)]
		if !ok {
			firstErr = fmt.Errorf("%w: helper %q", domain.ErrInvalidModule, command)
			return m
		}
		value := what
		if v, ok := r.lookup(what, extra); ok {
			value = v
		}
		res, err := h(value)
		if err != nil {
			firstErr = fmt.Errorf("%s helper: %w", command, err)
			return m
		}
		return res
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

func (r *Registry) lookup(name string, extra map[string]string) (string, bool) {
	key := strings.ToUpper(name)
	if v, ok := extra[key]; ok {
		return v, true
	}
	v, ok := r.values[key]
	return v, ok
}

var builtins = map[string]Helper{
	"upper":    func(v string) (string, error) { return strings.ToUpper(v), nil },
	"lower":    func(v string) (string, error) { return strings.ToLower(v), nil },
	"title":    titleHelper,
	"basename": func(v string) (string, error) { return filepath.Base(v), nil },
	"dirname":  func(v string) (string, error) { return filepath.Dir(v), nil },
	"ext":      func(v string) (string, error) { return strings.TrimPrefix(filepath.Ext(v), "."), nil },
	"stem": func(v string) (string, error) {
		base := filepath.Base(v)
		return strings.TrimSuffix(base, filepath.Ext(base)), nil
	},
	"quote": func(v string) (string, error) { return strconv.Quote(v), nil },
}

func titleHelper(v string) (string, error) {
	words := strings.Fields(v)
	for i, w := range words {
		r, n := utf8.DecodeRuneInString(w)
		words[i] = string(unicode.ToUpper(r)) + strings.ToLower(w[n:])
	}
	return strings.Join(words, " "), nil
}
