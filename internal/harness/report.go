package harness

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/acolita/console-e2e/internal/expect"
)

// Status is the outcome of a scenario or step.
type Status string

const (
	StatusPassed  Status = "passed"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// StepError reports which step of a scenario failed.
type StepError struct {
	Step  string
	Index int // 1-based
	Err   error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %d (%s): %v", e.Index, e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// RejectedError reports that a fail_on pattern appeared before the milestone.
type RejectedError struct {
	Pattern string
	Match   string
	Before  string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("unexpected output %q matched %s", e.Match, e.Pattern)
}

// MismatchError reports a capture group whose value differs from the expected one.
type MismatchError struct {
	Group int
	Want  string
	Got   string
	Text  string // the full match
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("group %d of %q: got %q, want %q", e.Group, e.Text, e.Got, e.Want)
}

// ExitCodeError reports an unexpected exit status of the subject.
type ExitCodeError struct {
	Want, Got int
}

func (e *ExitCodeError) Error() string {
	return fmt.Sprintf("exit code %d, want %d", e.Got, e.Want)
}

// StepResult records what happened in one step.
type StepResult struct {
	Name    string
	Status  Status
	Before  string
	Match   string
	Groups  []string
	Elapsed time.Duration
	Err     error
}

// Report is the outcome of one scenario run.
type Report struct {
	Scenario  string
	Path      string
	SessionID string
	Command   string
	Pid       int // subject process id, 0 if it never started
	Status    Status
	Steps     []StepResult
	ExitCode  *int
	Recording string
	Started   time.Time
	Finished  time.Time
	Err       error
}

// Passed reports whether the scenario ran and every required step passed.
func (r *Report) Passed() bool {
	return r.Status == StatusPassed
}

// Duration returns how long the run took.
func (r *Report) Duration() time.Duration {
	if r.Finished.IsZero() {
		return 0
	}
	return r.Finished.Sub(r.Started)
}

// Failure returns the subject output that did not satisfy the failing step.
func (r *Report) Failure() (string, bool) {
	if r.Err == nil {
		return "", false
	}
	if before, ok := expect.BeforeText(r.Err); ok {
		return before, true
	}
	var rej *RejectedError
	if errors.As(r.Err, &rej) {
		return rej.Before + rej.Match, true
	}
	var mis *MismatchError
	if errors.As(r.Err, &mis) {
		return mis.Text, true
	}
	return "", false
}

// WriteText prints a go-test style summary of the run.
func (r *Report) WriteText(w io.Writer) error {
	var b strings.Builder

	switch r.Status {
	case StatusPassed:
		fmt.Fprintf(&b, "--- PASS: %s (%s)\n", r.Scenario, formatDuration(r.Duration()))
	case StatusSkipped:
		fmt.Fprintf(&b, "--- SKIP: %s: %v\n", r.Scenario, r.Err)
	default:
		fmt.Fprintf(&b, "--- FAIL: %s (%s)\n", r.Scenario, formatDuration(r.Duration()))
	}

	for i, s := range r.Steps {
		name := s.Name
		if name == "" {
			name = fmt.Sprintf("step %d", i+1)
		}
		switch s.Status {
		case StatusPassed:
			fmt.Fprintf(&b, "    ok    %s (%s)\n", name, formatDuration(s.Elapsed))
		default:
			fmt.Fprintf(&b, "    FAIL  %s: %v\n", name, s.Err)
		}
	}

	if r.Status == StatusFailed {
		if len(r.Steps) == 0 || r.Steps[len(r.Steps)-1].Err == nil {
			fmt.Fprintf(&b, "    %v\n", r.Err)
		}
		if before, ok := r.Failure(); ok {
			fmt.Fprintf(&b, "    Didn't match with: %s\n", indent(before))
		}
	}
	if r.Recording != "" {
		fmt.Fprintf(&b, "    recording: %s\n", r.Recording)
	}

	_, err := io.WriteString(w, b.String())
	return err
}

// WriteSummary prints the outcome counts and returns whether the run is a
// success: nothing failed and at least one scenario ran. A run where every
// scenario was skipped is not a success.
func WriteSummary(w io.Writer, reports []*Report) (bool, error) {
	var passed, failed, skipped int
	for _, r := range reports {
		switch r.Status {
		case StatusPassed:
			passed++
		case StatusSkipped:
			skipped++
		default:
			failed++
		}
	}

	status, suffix := "ok", ""
	switch {
	case failed > 0:
		status = "FAIL"
	case passed == 0:
		status, suffix = "FAIL", " (nothing ran)"
	}
	_, err := fmt.Fprintf(w, "%s\t%d passed, %d failed, %d skipped%s\n", status, passed, failed, skipped, suffix)
	return status == "ok", err
}

func formatDuration(d time.Duration) string {
	return fmt.Sprintf("%.2fs", d.Seconds())
}

func indent(s string) string {
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return `""`
	}
	return "\n        " + strings.ReplaceAll(s, "\n", "\n        ")
}
