// Package expect drives an interactive subprocess: it drains the process
// output in the background and lets callers wait for textual milestones
// with bounded time, then send input in response.
package expect

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/acolita/console-e2e/internal/adapters/realclock"
	"github.com/acolita/console-e2e/internal/launcher"
	"github.com/acolita/console-e2e/internal/logging"
	"github.com/acolita/console-e2e/internal/ports"
)

// Default settings for new sessions.
const (
	DefaultTimeout      = 30 * time.Second
	DefaultCloseTimeout = 10 * time.Second
)

// Process is the subprocess a Session talks to. *launcher.Process satisfies it.
type Process interface {
	Stdin() io.WriteCloser
	Stdout() io.ReadCloser
	Wait(ctx context.Context) (int, error)
	Close() error
}

// State is the lifecycle state of a Session.
type State int

const (
	StateOpen State = iota
	StateWaiting
	StateMatched
	StateTimedOut
	StateIOFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateWaiting:
		return "waiting"
	case StateMatched:
		return "matched"
	case StateTimedOut:
		return "timed_out"
	case StateIOFailed:
		return "io_failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Result describes a successful expectation.
type Result struct {
	Before  string   // Output preceding the match, consumed with it
	Match   string   // The matched text
	Groups  []string // Capture groups; Groups[0] is the whole match
	Index   int      // Winning alternative for ExpectAny, 0 otherwise
	Elapsed time.Duration
}

// Group returns capture group i, or "" when it does not exist.
func (r *Result) Group(i int) string {
	if r == nil || i < 0 || i >= len(r.Groups) {
		return ""
	}
	return r.Groups[i]
}

// Option configures a Session.
type Option func(*Session)

// WithDefaultTimeout sets the bound used when Expect is called with timeout <= 0.
func WithDefaultTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithEchoOutput mirrors everything the process writes to w.
func WithEchoOutput(w io.Writer) Option {
	return func(s *Session) { s.echoOut = w }
}

// WithEchoInput mirrors everything sent to the process to w.
func WithEchoInput(w io.Writer) Option {
	return func(s *Session) { s.echoIn = w }
}

// WithClock replaces the clock used for timeouts.
func WithClock(c ports.Clock) Option {
	return func(s *Session) { s.clock = c }
}

// WithLogger sets the logger. Session attributes are added to it.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// WithID overrides the generated session id.
func WithID(id string) Option {
	return func(s *Session) { s.id = id }
}

// WithCloseTimeout bounds how long Close waits for the reader to finish
// after the process has been closed.
func WithCloseTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.closeTimeout = d
		}
	}
}

// WithLineEnding sets what SendLine appends. PTY sessions want "\r".
func WithLineEnding(eol string) Option {
	return func(s *Session) { s.eol = eol }
}

// Session is one live conversation with a subprocess.
// Expect calls are serialized; Send may be called from any goroutine.
type Session struct {
	id           string
	proc         Process
	buf          *Buffer
	reader       *streamReader
	clock        ports.Clock
	logger       *slog.Logger
	timeout      time.Duration
	closeTimeout time.Duration
	eol          string
	echoOut      io.Writer
	echoIn       io.Writer

	expectMu sync.Mutex

	sendMu sync.Mutex

	mu     sync.Mutex
	state  State
	last   State
	closed bool

	closeOnce sync.Once
	closeErr  error
}

// NewSession attaches to proc and starts draining its output immediately.
func NewSession(proc Process, opts ...Option) *Session {
	s := &Session{
		proc:         proc,
		buf:          NewBuffer(),
		clock:        realclock.New(),
		timeout:      DefaultTimeout,
		closeTimeout: DefaultCloseTimeout,
		eol:          "\n",
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.id == "" {
		s.id = uuid.NewString()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With(slog.String("session_id", s.id))

	s.reader = startReader(proc.Stdout(), s.buf, s.echoOut, s.logger)
	return s
}

// Spawn starts c and wraps it in a Session. PTY commands get "\r" line endings
// unless an option says otherwise.
func Spawn(ctx context.Context, c launcher.Command, opts ...Option) (*Session, error) {
	proc, err := launcher.Start(ctx, c)
	if err != nil {
		return nil, err
	}
	if c.PTY {
		opts = append([]Option{WithLineEnding("\r")}, opts...)
	}
	s := NewSession(proc, opts...)
	s.logger.Info("process started",
		slog.String("command", c.String()),
		slog.Int("pid", proc.Pid()),
		slog.Bool("pty", c.PTY),
	)
	return s, nil
}

// ID returns the session id used in logs and transcripts.
func (s *Session) ID() string {
	return s.id
}

// Pid returns the subject's process id, or 0 when the process does not expose one.
func (s *Session) Pid() int {
	if p, ok := s.proc.(interface{ Pid() int }); ok {
		return p.Pid()
	}
	return 0
}

// State returns the current lifecycle state. It is StateWaiting while an
// expectation is pending and StateOpen again once its result is returned.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastOutcome returns how the most recent expectation ended: StateMatched,
// StateTimedOut or StateIOFailed. It is StateOpen before the first one and
// after a canceled one.
func (s *Session) LastOutcome() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.state = st
}

// finish records the outcome of an expectation and reopens the session.
func (s *Session) finish(outcome State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = outcome
	if !s.closed {
		s.state = StateOpen
	}
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Buffered returns the output received but not yet consumed by a match.
func (s *Session) Buffered() string {
	return s.buf.String()
}

// Expect waits for p to appear in the output. A timeout <= 0 uses the session default.
//
// On success the output up to the end of the match is consumed. If the output
// ends first the error is an *IOError; if time runs out it is a *TimeoutError.
// Both carry the unconsumed output, which stays buffered.
func (s *Session) Expect(ctx context.Context, p Pattern, timeout time.Duration) (*Result, error) {
	return s.expect(ctx, p, timeout)
}

// ExpectAny waits for whichever of patterns appears first. Result.Index
// identifies the winner.
func (s *Session) ExpectAny(ctx context.Context, timeout time.Duration, patterns ...Pattern) (*Result, error) {
	return s.expect(ctx, Any(patterns...), timeout)
}

func (s *Session) expect(ctx context.Context, p Pattern, timeout time.Duration) (*Result, error) {
	s.expectMu.Lock()
	defer s.expectMu.Unlock()

	if s.isClosed() {
		return nil, ErrClosed
	}
	if timeout <= 0 {
		timeout = s.timeout
	}

	s.setState(StateWaiting)
	start := s.clock.Now()
	timer := s.clock.After(timeout)

	for {
		v := s.buf.snapshot()

		if m, ok := p.find(v.text, v.closed); ok {
			s.buf.consume(m.end)
			res := &Result{
				Before:  v.text[:m.start],
				Match:   v.text[m.start:m.end],
				Groups:  m.groups,
				Index:   m.index,
				Elapsed: s.clock.Now().Sub(start),
			}
			s.finish(StateMatched)
			s.logger.Debug("expect matched",
				slog.String("pattern", p.String()),
				slog.Int("index", res.Index),
				slog.Duration("elapsed", res.Elapsed),
			)
			return res, nil
		}

		if v.closed {
			if s.isClosed() {
				return nil, ErrClosed
			}
			s.finish(StateIOFailed)
			s.logger.Debug("expect failed: output closed",
				slog.String("pattern", p.String()),
				slog.Int("unconsumed", len(v.text)),
			)
			return nil, &IOError{Pattern: p.String(), Before: v.text, Err: v.err}
		}

		select {
		case <-v.changed:
		case <-timer:
			s.finish(StateTimedOut)
			s.logger.Debug("expect timed out",
				slog.String("pattern", p.String()),
				slog.Duration("timeout", timeout),
			)
			return nil, &TimeoutError{Pattern: p.String(), Timeout: timeout, Before: s.buf.String()}
		case <-ctx.Done():
			err := ctx.Err()
			if errors.Is(err, context.DeadlineExceeded) {
				s.finish(StateTimedOut)
				return nil, &TimeoutError{
					Pattern: p.String(),
					Timeout: s.clock.Now().Sub(start),
					Before:  s.buf.String(),
					Cause:   err,
				}
			}
			s.finish(StateOpen)
			return nil, &canceledError{pattern: p.String(), before: s.buf.String(), err: err}
		}
	}
}

// Send writes text to the process input as-is.
func (s *Session) Send(text string) error {
	return s.send(text, text, false)
}

// SendLine writes text followed by the session line ending.
func (s *Session) SendLine(text string) error {
	return s.send(text+s.eol, text+s.eol, false)
}

// SendMasked writes text like SendLine but keeps it out of logs and echoes.
func (s *Session) SendMasked(text string) error {
	return s.send(text+s.eol, strings.Repeat("*", len(text))+s.eol, true)
}

// SendControl sends the control character for c, e.g. 'C' for Ctrl+C.
func (s *Session) SendControl(c rune) error {
	b, err := controlByte(c)
	if err != nil {
		return err
	}
	return s.send(string([]byte{b}), "^"+string(c), false)
}

func controlByte(c rune) (byte, error) {
	if c >= 'a' && c <= 'z' {
		c -= 'a' - 'A'
	}
	if c < '@' || c > '_' {
		return 0, errors.New("expect: no control character for " + string(c))
	}
	return byte(c - '@'), nil
}

func (s *Session) send(data, shown string, masked bool) error {
	if s.isClosed() {
		return ErrClosed
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	if _, err := io.WriteString(s.proc.Stdin(), data); err != nil {
		if s.isClosed() {
			return ErrClosed
		}
		return err
	}

	// Masked input is logged in its shown form; the secret never reaches a handler.
	if masked {
		s.logger.Debug("sent input", slog.String(logging.MaskedKey, shown))
	} else {
		s.logger.Debug("sent input", slog.String("input", logging.Truncate(data, 200)))
	}
	if s.echoIn != nil {
		if _, err := io.WriteString(s.echoIn, shown); err != nil {
			s.logger.Warn("input echo disabled", slog.String("error", err.Error()))
			s.echoIn = nil
		}
	}
	return nil
}

// Wait blocks until the process exits and returns its exit code.
func (s *Session) Wait(ctx context.Context) (int, error) {
	return s.proc.Wait(ctx)
}

// Close stops the process and releases every resource the session holds.
// It is safe to call more than once; later calls return the first result.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.state = StateClosed
		s.mu.Unlock()

		err := s.proc.Close()

		// Wall-clock bound: a fake clock must not be able to wedge Close.
		t := time.NewTimer(s.closeTimeout)
		defer t.Stop()
		select {
		case <-s.reader.done:
		case <-t.C:
			s.logger.Warn("output reader still running after close",
				slog.Duration("timeout", s.closeTimeout))
		}
		s.buf.CloseWithError(ErrClosed)

		total, consumed := s.buf.Stats()
		s.logger.Info("session closed",
			slog.Int64("bytes_read", total),
			slog.Int64("bytes_matched", consumed),
		)
		s.closeErr = err
	})
	return s.closeErr
}
