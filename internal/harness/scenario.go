// Package harness runs scripted console scenarios against a subject process
// and reports which milestones were reached.
package harness

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"github.com/acolita/console-e2e/internal/expect"
	"github.com/acolita/console-e2e/internal/ports"
)

// Step is one exchange with the subject: wait for a milestone, check it,
// then optionally answer.
type Step struct {
	// Name is a human-readable identifier for this step.
	Name string `yaml:"name"`

	// Expect is a literal milestone to wait for.
	Expect string `yaml:"expect,omitempty"`

	// Regex is a regular-expression milestone to wait for.
	Regex string `yaml:"regex,omitempty"`

	// EOF waits for the subject to close its output.
	EOF bool `yaml:"eof,omitempty"`

	// FailOn are regexes that fail the step if they appear before the milestone.
	FailOn []string `yaml:"fail_on,omitempty"`

	// Timeout bounds the wait (0 = scenario default).
	Timeout time.Duration `yaml:"timeout,omitempty"`

	// Group and Equals assert the value of a capture group of the milestone.
	Group  int     `yaml:"group,omitempty"`
	Equals *string `yaml:"equals,omitempty"`

	// Send is written as-is after the milestone.
	Send string `yaml:"send,omitempty"`

	// SendLine is written followed by a line ending. An empty string sends just Enter.
	SendLine *string `yaml:"send_line,omitempty"`

	// Control sends a control character, e.g. "C" for Ctrl+C.
	Control string `yaml:"control,omitempty"`

	// Mask keeps the sent text out of logs, echoes and recordings.
	Mask bool `yaml:"mask,omitempty"`

	// Optional records a failure without stopping the scenario.
	Optional bool `yaml:"optional,omitempty"`

	milestone expect.Pattern
	failOn    []expect.Pattern
}

// Pattern returns the compiled milestone, or nil for send-only steps.
func (s *Step) Pattern() expect.Pattern {
	return s.milestone
}

func (s *Step) compile() error {
	var n int
	s.milestone = nil
	if s.Expect != "" {
		n++
		s.milestone = expect.Contains(s.Expect)
	}
	if s.Regex != "" {
		n++
		re, err := regexp.Compile(s.Regex)
		if err != nil {
			return fmt.Errorf("regex: %w", err)
		}
		if s.Group >= re.NumSubexp()+1 {
			return fmt.Errorf("group %d: regex has %d groups", s.Group, re.NumSubexp())
		}
		s.milestone = expect.Regexp(re)
	}
	if s.EOF {
		n++
		s.milestone = expect.EOF()
	}
	if n > 1 {
		return errors.New("only one of expect, regex and eof may be set")
	}

	s.failOn = s.failOn[:0]
	for _, expr := range s.FailOn {
		re, err := regexp.Compile(expr)
		if err != nil {
			return fmt.Errorf("fail_on %q: %w", expr, err)
		}
		s.failOn = append(s.failOn, expect.Regexp(re))
	}
	if len(s.failOn) > 0 && s.milestone == nil {
		return errors.New("fail_on needs a milestone")
	}

	if s.Expect != "" && s.Group > 0 {
		return errors.New("group needs regex")
	}
	if s.Equals != nil && s.Regex == "" && s.Expect == "" {
		return errors.New("equals needs expect or regex")
	}
	if s.Timeout < 0 {
		return errors.New("timeout must not be negative")
	}

	if s.Control != "" {
		if len([]rune(s.Control)) != 1 {
			return fmt.Errorf("control %q: want a single character", s.Control)
		}
	}
	sends := 0
	if s.Send != "" {
		sends++
	}
	if s.SendLine != nil {
		sends++
	}
	if s.Control != "" {
		sends++
	}
	if sends > 1 {
		return errors.New("only one of send, send_line and control may be set")
	}
	if s.milestone == nil && sends == 0 {
		return errors.New("step does nothing")
	}
	return nil
}

// Scenario is a complete console test against one subject process.
type Scenario struct {
	Name        string            `yaml:"name"`
	Description string            `yaml:"description,omitempty"`
	Command     string            `yaml:"command"`
	Args        []string          `yaml:"args,omitempty"`
	Env         map[string]string `yaml:"env,omitempty"`
	Dir         string            `yaml:"dir,omitempty"`

	// PTY and Echo override the configured defaults when set.
	PTY  *bool `yaml:"pty,omitempty"`
	Echo *bool `yaml:"echo,omitempty"`

	// DefaultTimeout bounds steps without their own timeout.
	DefaultTimeout time.Duration `yaml:"default_timeout,omitempty"`

	// Platforms overrides the configured platform list.
	Platforms []string `yaml:"platforms,omitempty"`

	Steps []Step `yaml:"steps"`

	// ExpectExit, when set, is the exit code the subject must finish with.
	ExpectExit *int `yaml:"expect_exit,omitempty"`

	// Path is the file the scenario was loaded from.
	Path string `yaml:"-"`
}

// Validate checks the scenario and compiles its patterns. It is safe to call again.
func (sc *Scenario) Validate() error {
	var errs []error
	if sc.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if sc.Command == "" {
		errs = append(errs, errors.New("command is required"))
	}
	if sc.DefaultTimeout < 0 {
		errs = append(errs, errors.New("default_timeout must not be negative"))
	}
	if len(sc.Steps) == 0 {
		errs = append(errs, errors.New("at least one step is required"))
	}
	for i := range sc.Steps {
		if err := sc.Steps[i].compile(); err != nil {
			errs = append(errs, fmt.Errorf("step %d (%s): %w", i+1, sc.Steps[i].Name, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		if sc.Path != "" {
			return fmt.Errorf("scenario %s: %w", sc.Path, err)
		}
		return fmt.Errorf("scenario %q: %w", sc.Name, err)
	}
	return nil
}

// EnvList returns Env as sorted KEY=VALUE pairs.
func (sc *Scenario) EnvList() []string {
	keys := make([]string, 0, len(sc.Env))
	for k := range sc.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+sc.Env[k])
	}
	return env
}

// ParseScenario decodes and validates one scenario document.
func ParseScenario(data []byte) (*Scenario, error) {
	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("parse scenario: %w", err)
	}
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	return &sc, nil
}

// LoadScenario reads a scenario file.
// An optional FileSystem can be passed for testing; if omitted, the real OS is used.
func LoadScenario(path string, fsys ...ports.FileSystem) (*Scenario, error) {
	var data []byte
	var err error
	if len(fsys) > 0 && fsys[0] != nil {
		data, err = fsys[0].ReadFile(path)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}

	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("parse scenario %s: %w", path, err)
	}
	sc.Path = path
	if sc.Name == "" {
		sc.Name = trimExt(filepath.Base(path))
	}
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	return &sc, nil
}

func trimExt(name string) string {
	return name[:len(name)-len(filepath.Ext(name))]
}

// ExpandPatterns resolves scenario files and doublestar globs to a sorted,
// de-duplicated list of paths. A plain path that does not exist is an error;
// a glob that matches nothing is not.
func ExpandPatterns(patterns []string) ([]string, error) {
	seen := make(map[string]bool)
	var paths []string
	for _, p := range patterns {
		if !hasMeta(p) {
			if _, err := os.Stat(p); err != nil {
				return nil, fmt.Errorf("scenario %s: %w", p, err)
			}
			if !seen[p] {
				seen[p] = true
				paths = append(paths, p)
			}
			continue
		}

		matches, err := doublestar.FilepathGlob(p, doublestar.WithFilesOnly())
		if err != nil {
			return nil, fmt.Errorf("expand %q: %w", p, err)
		}
		for _, m := range matches {
			if !seen[m] {
				seen[m] = true
				paths = append(paths, m)
			}
		}
	}
	sort.Strings(paths)
	return paths, nil
}

func hasMeta(p string) bool {
	for _, c := range p {
		switch c {
		case '*', '?', '[', '{':
			return true
		}
	}
	return false
}

// LoadScenarios expands patterns and loads every matching scenario. All
// invalid files are reported together.
func LoadScenarios(patterns []string) ([]*Scenario, error) {
	paths, err := ExpandPatterns(patterns)
	if err != nil {
		return nil, err
	}

	var scenarios []*Scenario
	var errs []error
	for _, p := range paths {
		sc, err := LoadScenario(p)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		scenarios = append(scenarios, sc)
	}
	return scenarios, errors.Join(errs...)
}
