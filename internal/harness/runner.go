package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"

	"github.com/acolita/console-e2e/internal/adapters/realclock"
	"github.com/acolita/console-e2e/internal/adapters/realfs"
	"github.com/acolita/console-e2e/internal/config"
	"github.com/acolita/console-e2e/internal/expect"
	"github.com/acolita/console-e2e/internal/launcher"
	"github.com/acolita/console-e2e/internal/ports"
	"github.com/acolita/console-e2e/internal/recording"
)

// Runner executes scenarios. Every run gets its own subject process and session.
type Runner struct {
	defaults     config.DefaultsConfig
	platforms    []string
	goos         string
	precondition Precondition
	recordDir    string
	echo         io.Writer
	fs           ports.FileSystem
	clock        ports.Clock
	logger       *slog.Logger
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithDefaults sets values scenarios inherit.
func WithDefaults(d config.DefaultsConfig) RunnerOption {
	return func(r *Runner) { r.defaults = d }
}

// WithPlatforms sets the platforms scenarios may run on unless they override it.
func WithPlatforms(platforms []string) RunnerOption {
	return func(r *Runner) { r.platforms = platforms }
}

// WithGOOS overrides the detected operating system.
func WithGOOS(goos string) RunnerOption {
	return func(r *Runner) { r.goos = goos }
}

// WithPrecondition runs p before every subject is started.
func WithPrecondition(p Precondition) RunnerOption {
	return func(r *Runner) { r.precondition = p }
}

// WithRecording writes an asciicast transcript per run into dir.
func WithRecording(dir string) RunnerOption {
	return func(r *Runner) { r.recordDir = dir }
}

// WithEcho mirrors subject I/O of scenarios with echo enabled to w.
func WithEcho(w io.Writer) RunnerOption {
	return func(r *Runner) { r.echo = w }
}

// WithFileSystem replaces the filesystem used for recordings.
func WithFileSystem(fs ports.FileSystem) RunnerOption {
	return func(r *Runner) { r.fs = fs }
}

// WithRunnerClock replaces the clock used for timeouts and timestamps.
func WithRunnerClock(c ports.Clock) RunnerOption {
	return func(r *Runner) { r.clock = c }
}

// WithRunnerLogger sets the logger.
func WithRunnerLogger(l *slog.Logger) RunnerOption {
	return func(r *Runner) { r.logger = l }
}

// NewRunner creates a runner with the configured defaults.
func NewRunner(opts ...RunnerOption) *Runner {
	def := config.DefaultConfig()
	r := &Runner{
		defaults:  def.Defaults,
		platforms: def.Platforms,
		fs:        realfs.New(),
		clock:     realclock.New(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes sc and returns its report. The error is the report's error:
// a *PlatformError when the scenario was skipped, a *StepError when a
// required step failed, and launch or precondition errors otherwise.
// The subject process is always released before Run returns.
func (r *Runner) Run(ctx context.Context, sc *Scenario) (*Report, error) {
	report := &Report{
		Scenario: sc.Name,
		Path:     sc.Path,
		Command:  sc.Command,
		Status:   StatusFailed,
		Started:  r.clock.Now(),
	}
	finish := func(err error) (*Report, error) {
		report.Finished = r.clock.Now()
		report.Err = err
		if err == nil {
			report.Status = StatusPassed
		}
		return report, err
	}

	if err := sc.Validate(); err != nil {
		return finish(err)
	}

	platforms := r.platforms
	if len(sc.Platforms) > 0 {
		platforms = sc.Platforms
	}
	if err := CheckPlatform(r.goos, platforms); err != nil {
		report.Status = StatusSkipped
		r.logger.Info("scenario skipped", slog.String("scenario", sc.Name), slog.String("reason", err.Error()))
		return finish(err)
	}

	if r.precondition != nil {
		if err := r.precondition.Prepare(ctx); err != nil {
			return finish(fmt.Errorf("precondition: %w", err))
		}
	}

	sess, transcript, err := r.spawn(ctx, sc, report)
	if err != nil {
		return finish(err)
	}
	defer func() {
		if err := sess.Close(); err != nil {
			r.logger.Warn("close session", slog.String("session_id", sess.ID()), slog.String("error", err.Error()))
		}
		if transcript != nil {
			if err := transcript.Close(); err != nil {
				r.logger.Warn("close recording", slog.String("error", err.Error()))
			}
		}
	}()

	var failure error
	for i := range sc.Steps {
		step := &sc.Steps[i]
		res := r.runStep(ctx, sess, step)
		report.Steps = append(report.Steps, res)
		if res.Err == nil {
			continue
		}
		if step.Optional {
			r.logger.Warn("optional step failed",
				slog.String("scenario", sc.Name),
				slog.String("step", step.Name),
				slog.String("error", res.Err.Error()),
			)
			continue
		}
		failure = &StepError{Step: step.Name, Index: i + 1, Err: res.Err}
		break
	}

	if failure == nil && sc.ExpectExit != nil {
		failure = r.checkExit(ctx, sess, sc, report)
	}

	if failure != nil {
		r.logger.Info("scenario failed", slog.String("scenario", sc.Name), slog.String("error", failure.Error()))
	} else {
		r.logger.Info("scenario passed", slog.String("scenario", sc.Name))
	}
	return finish(failure)
}

func (r *Runner) spawn(ctx context.Context, sc *Scenario, report *Report) (*expect.Session, *recording.Transcript, error) {
	pty := r.defaults.PTY
	if sc.PTY != nil {
		pty = *sc.PTY
	}
	echo := r.defaults.Echo
	if sc.Echo != nil {
		echo = *sc.Echo
	}
	timeout := r.defaults.Timeout
	if sc.DefaultTimeout > 0 {
		timeout = sc.DefaultTimeout
	}

	cmd := launcher.Command{
		Name:  sc.Command,
		Args:  sc.Args,
		Env:   sc.EnvList(),
		Dir:   sc.Dir,
		PTY:   pty,
		Grace: r.defaults.CloseGrace,
	}

	id := uuid.NewString()
	report.SessionID = id
	logger := r.logger.With(slog.String("scenario", sc.Name))
	opts := []expect.Option{
		expect.WithID(id),
		expect.WithDefaultTimeout(timeout),
		expect.WithClock(r.clock),
		expect.WithLogger(logger),
	}

	var outSinks, inSinks []io.Writer
	if echo && r.echo != nil {
		outSinks = append(outSinks, r.echo)
		inSinks = append(inSinks, r.echo)
	}

	var transcript *recording.Transcript
	if r.recordDir != "" {
		t, err := recording.Create(r.recordDir, recording.Meta{
			SessionID: id,
			Scenario:  sc.Name,
			Command:   cmd.String(),
			Term:      cmd.Term,
		}, r.fs, r.clock)
		if err != nil {
			// A missing transcript never fails the scenario.
			logger.Warn("recording disabled", slog.String("error", err.Error()))
		} else {
			transcript = t
			report.Recording = t.Path()
			outSinks = append(outSinks, t.Output())
			inSinks = append(inSinks, t.Input())
		}
	}
	if len(outSinks) > 0 {
		opts = append(opts,
			expect.WithEchoOutput(io.MultiWriter(outSinks...)),
			expect.WithEchoInput(io.MultiWriter(inSinks...)),
		)
	}

	sess, err := expect.Spawn(ctx, cmd, opts...)
	if err != nil {
		if transcript != nil {
			_ = transcript.Close()
		}
		return nil, nil, err
	}
	report.Pid = sess.Pid()
	return sess, transcript, nil
}

func (r *Runner) runStep(ctx context.Context, sess *expect.Session, step *Step) StepResult {
	res := StepResult{Name: step.Name, Status: StatusPassed}
	start := r.clock.Now()

	if step.milestone != nil {
		patterns := append([]expect.Pattern{step.milestone}, step.failOn...)
		m, err := sess.ExpectAny(ctx, step.Timeout, patterns...)
		if err != nil {
			res.Status = StatusFailed
			res.Err = err
			res.Before, _ = expect.BeforeText(err)
			res.Elapsed = r.clock.Now().Sub(start)
			return res
		}
		res.Before, res.Match, res.Groups = m.Before, m.Match, m.Groups

		if m.Index > 0 {
			res.Status = StatusFailed
			res.Err = &RejectedError{
				Pattern: step.FailOn[m.Index-1],
				Match:   m.Match,
				Before:  m.Before,
			}
			res.Elapsed = r.clock.Now().Sub(start)
			return res
		}

		if step.Equals != nil {
			if got := m.Group(step.Group); got != *step.Equals {
				res.Status = StatusFailed
				res.Err = &MismatchError{Group: step.Group, Want: *step.Equals, Got: got, Text: m.Match}
				res.Elapsed = r.clock.Now().Sub(start)
				return res
			}
		}
	}

	if err := send(sess, step); err != nil {
		res.Status = StatusFailed
		res.Err = fmt.Errorf("send: %w", err)
	}
	res.Elapsed = r.clock.Now().Sub(start)
	return res
}

func send(sess *expect.Session, step *Step) error {
	switch {
	case step.SendLine != nil && step.Mask:
		return sess.SendMasked(*step.SendLine)
	case step.SendLine != nil:
		return sess.SendLine(*step.SendLine)
	case step.Send != "":
		return sess.Send(step.Send)
	case step.Control != "":
		return sess.SendControl([]rune(step.Control)[0])
	}
	return nil
}

func (r *Runner) checkExit(ctx context.Context, sess *expect.Session, sc *Scenario, report *Report) error {
	timeout := r.defaults.Timeout
	if sc.DefaultTimeout > 0 {
		timeout = sc.DefaultTimeout
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	code, err := sess.Wait(waitCtx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("wait for exit: still running after %s", timeout)
		}
		return fmt.Errorf("wait for exit: %w", err)
	}
	report.ExitCode = &code
	if code != *sc.ExpectExit {
		return &ExitCodeError{Want: *sc.ExpectExit, Got: code}
	}
	return nil
}

// RunAll runs scenarios in order and returns every report. It stops early only
// when ctx is done.
func (r *Runner) RunAll(ctx context.Context, scenarios []*Scenario) []*Report {
	reports := make([]*Report, 0, len(scenarios))
	for _, sc := range scenarios {
		if ctx.Err() != nil {
			break
		}
		report, _ := r.Run(ctx, sc)
		reports = append(reports, report)
	}
	return reports
}
