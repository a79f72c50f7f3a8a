package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"github.com/acolita/console-e2e/internal/logging"
)

// Precondition prepares shared state before a scenario's subject is started.
type Precondition interface {
	Prepare(ctx context.Context) error
}

// PreconditionFunc adapts a function to Precondition.
type PreconditionFunc func(ctx context.Context) error

// Prepare calls f.
func (f PreconditionFunc) Prepare(ctx context.Context) error {
	return f(ctx)
}

const lockRetryDelay = 100 * time.Millisecond

// ResetCommand runs an external command, such as a database reset, while
// holding a cross-process file lock so concurrent runs never reset shared
// state at the same time.
type ResetCommand struct {
	Command  string
	Args     []string
	LockFile string
	Timeout  time.Duration
	Logger   *slog.Logger
}

// Prepare implements Precondition.
func (r *ResetCommand) Prepare(ctx context.Context) error {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	lock := flock.New(r.LockFile)
	locked, err := lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return fmt.Errorf("lock %s: %w", r.LockFile, err)
	}
	if !locked {
		return fmt.Errorf("lock %s: not acquired", r.LockFile)
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			logger.Warn("failed to release reset lock", slog.String("error", err.Error()))
		}
	}()

	start := time.Now()
	cmd := exec.CommandContext(ctx, r.Command, r.Args...)
	// Grandchildren may keep the output pipe open after the command is killed.
	cmd.WaitDelay = time.Second
	out, err := cmd.CombinedOutput()
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = ctx.Err()
		}
		return fmt.Errorf("reset %s: %w: %s", r.Command, err, logging.Truncate(strings.TrimSpace(string(out)), 512))
	}

	logger.Info("reset completed",
		slog.String("command", r.Command),
		slog.Duration("elapsed", time.Since(start)),
	)
	return nil
}
