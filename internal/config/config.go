package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	CommandShell    = "shell"
	CommandFileloop = "fileloop"

	TargetPipeline = "pipeline"
	TargetReport   = "report"
)

type Config struct {
	// Manager names the issue tracker client, "jira" unless overridden.
	Manager      string            `json:"manager"`
	Jira         Jira              `json:"jira"`
	Workers      int               `json:"workers"`
	LogDir       string            `json:"log_dir"`
	Replacements map[string]string `json:"replacements"`
	Pipeline     Pipeline          `json:"pipeline"`
	Report       Report            `json:"report"`
	Schedules    []Schedule        `json:"schedules"`
	History      History           `json:"history"`
	Server       Server            `json:"server"`
}

type Jira struct {
	URL      string `json:"url"`
	Username string `json:"username"`
	// Token may reference environment variables as $NAME or ${NAME}.
	Token      string   `json:"token"`
	RatePerSec float64  `json:"rate_per_sec"`
	Timeout    Duration `json:"timeout"`
}

type Pipeline struct {
	Commands []Command `json:"commands"`
}

// Command is one pipeline entry. Type selects between a single shell command
// and a fileloop over a directory.
type Command struct {
	Name         string `json:"name"`
	Type         string `json:"type"`
	Command      string `json:"command"`
	WaitFor      string `json:"wait_for"`
	Priority     int    `json:"priority"`
	IgnoreStderr bool   `json:"ignore_stderr"`

	InputDirectory  string `json:"input_directory"`
	InputPattern    string `json:"input_pattern"`
	OutputDirectory string `json:"output_directory"`
	Strip           string `json:"strip"`
	OutputExtension string `json:"output_extension"`
	MaxThreads      int    `json:"maxthreads"`
	LogDirectory    string `json:"log_directory"`
}

type Report struct {
	Title    string    `json:"title"`
	Output   string    `json:"output"`
	Sections []Section `json:"sections"`
}

type Section struct {
	Title      string   `json:"title"`
	Query      string   `json:"query"`
	Fields     []string `json:"fields"`
	MaxResults int      `json:"max_results"`
	GroupBy    string   `json:"group_by"`
	Collate    string   `json:"collate"`
	Distinct   bool     `json:"distinct"`
	Priority   int      `json:"priority"`
}

type Schedule struct {
	Name   string `json:"name"`
	Cron   string `json:"cron"`
	Target string `json:"target"`
}

type History struct {
	Path string `json:"path"`
}

type Server struct {
	Addr string `json:"addr"`
}

// Duration decodes from a Go duration string such as "30s".
type Duration struct{ time.Duration }

func (d Duration) MarshalJSON() ([]byte, error) { return json.Marshal(d.String()) }

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	if s == "" {
		d.Duration = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Load reads and validates the config at path. Files ending in .yaml or .yml
// are decoded as YAML.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := Parse(path, b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes data strictly; path only selects the format.
func Parse(path string, data []byte) (*Config, error) {
	jb, _, err := coerceToJSONBytes(path, data)
	if err != nil {
		return nil, err
	}
	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, errors.New("invalid config: trailing data")
		}
		return nil, err
	}
	cfg.defaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) defaults() {
	if c.Manager == "" {
		c.Manager = "jira"
	}
	for i := range c.Pipeline.Commands {
		if c.Pipeline.Commands[i].Type == "" {
			c.Pipeline.Commands[i].Type = CommandShell
		}
	}
	c.Jira.Token = os.ExpandEnv(c.Jira.Token)
}

// Validate checks cross-field constraints the decoder cannot.
func (c *Config) Validate() error {
	var errs []error
	if c.Workers < 0 {
		errs = append(errs, fmt.Errorf("workers must not be negative, got %d", c.Workers))
	}
	if c.Jira.RatePerSec < 0 {
		errs = append(errs, fmt.Errorf("jira.rate_per_sec must not be negative"))
	}

	names := make(map[string]bool)
	for i, cmd := range c.Pipeline.Commands {
		where := fmt.Sprintf("pipeline.commands[%d]", i)
		if cmd.Name != "" {
			where = fmt.Sprintf("pipeline command %q", cmd.Name)
		}
		switch cmd.Type {
		case CommandShell:
		case CommandFileloop:
			if strings.TrimSpace(cmd.InputDirectory) == "" {
				errs = append(errs, fmt.Errorf("%s: input_directory is required", where))
			}
			if cmd.MaxThreads < 0 {
				errs = append(errs, fmt.Errorf("%s: maxthreads must not be negative", where))
			}
		default:
			errs = append(errs, fmt.Errorf("%s: unknown type %q", where, cmd.Type))
		}
		if strings.TrimSpace(cmd.Command) == "" {
			errs = append(errs, fmt.Errorf("%s: command is required", where))
		}
		if cmd.WaitFor != "" && !names[cmd.WaitFor] {
			errs = append(errs, fmt.Errorf("%s: wait_for %q does not name an earlier command", where, cmd.WaitFor))
		}
		if cmd.Name != "" {
			if names[cmd.Name] {
				errs = append(errs, fmt.Errorf("%s: duplicate name", where))
			}
			names[cmd.Name] = true
		}
	}

	for i, s := range c.Report.Sections {
		if strings.TrimSpace(s.Query) == "" {
			errs = append(errs, fmt.Errorf("report.sections[%d]: query is required", i))
		}
		if s.MaxResults < 0 {
			errs = append(errs, fmt.Errorf("report.sections[%d]: max_results must not be negative", i))
		}
	}

	for i, s := range c.Schedules {
		if _, err := cron.ParseStandard(s.Cron); err != nil {
			errs = append(errs, fmt.Errorf("schedules[%d]: cron %q: %w", i, s.Cron, err))
		}
		if s.Target != TargetPipeline && s.Target != TargetReport {
			errs = append(errs, fmt.Errorf("schedules[%d]: unknown target %q", i, s.Target))
		}
	}
	return errors.Join(errs...)
}
