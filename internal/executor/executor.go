package executor

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"sort"
	"time"
	"unicode/utf8"

	"cmdgate/internal/domain"
)

const (
	DefaultGrace          = 5 * time.Second
	DefaultMaxOutputBytes = 1 << 20
	truncatedMarker       = "\n... (output truncated)"
)

// Spec describes one process launch. Name and Args are passed to the
// kernel as a literal argument vector; no shell is involved.
type Spec struct {
	Name    string
	Args    []string
	Dir     string
	Env     map[string]string
	Timeout time.Duration
	// Grace is how long a process may take to exit after SIGTERM
	// before it is killed.
	Grace          time.Duration
	MaxOutputBytes int
}

type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Signal   string
	// Started is false when the process could not be launched at all.
	Started   bool
	TimedOut  bool
	Truncated bool
	Duration  time.Duration
}

// Run starts the process and waits for it. A non-zero exit is a normal
// result. Start failures return a SpawnFailed error; a process that had
// to be terminated returns a Timeout error. Both errors come with the
// partial result captured so far.
func Run(ctx context.Context, spec Spec) (Result, error) {
	if spec.Grace <= 0 {
		spec.Grace = DefaultGrace
	}
	if spec.MaxOutputBytes <= 0 {
		spec.MaxOutputBytes = DefaultMaxOutputBytes
	}

	runCtx := ctx
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, spec.Name, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = mergeEnv(os.Environ(), spec.Env)
	cmd.Cancel = func() error { return terminate(cmd.Process) }
	cmd.WaitDelay = spec.Grace

	stdout := &cappedBuffer{max: spec.MaxOutputBytes}
	stderr := &cappedBuffer{max: spec.MaxOutputBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{ExitCode: -1, Duration: time.Since(start)}, &domain.GateError{
			Kind:   domain.KindSpawnFailed,
			Reason: "cannot start " + spec.Name,
			Err:    err,
		}
	}
	waitErr := cmd.Wait()

	res := Result{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		ExitCode:  -1,
		Started:   true,
		Truncated: stdout.truncated || stderr.truncated,
		Duration:  time.Since(start),
	}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
		res.Signal = signalName(cmd.ProcessState)
	}

	if runCtx.Err() != nil && waitErr != nil {
		res.TimedOut = true
		reason := "execution exceeded " + spec.Timeout.String()
		if ctx.Err() != nil {
			reason = "execution cancelled"
		}
		return res, &domain.GateError{
			Kind:   domain.KindTimeout,
			Reason: reason,
			Stdout: res.Stdout,
			Stderr: res.Stderr,
		}
	}

	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) && !errors.Is(waitErr, exec.ErrWaitDelay) {
		return res, &domain.GateError{
			Kind:   domain.KindSpawnFailed,
			Reason: "process failed",
			Stdout: res.Stdout,
			Stderr: res.Stderr,
			Err:    waitErr,
		}
	}
	return res, nil
}

// mergeEnv appends overrides in key order; exec keeps the last value for
// duplicate keys.
func mergeEnv(base []string, overrides map[string]string) []string {
	env := append([]string(nil), base...)
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+overrides[k])
	}
	return env
}

// cappedBuffer keeps the first max bytes and silently drops the rest so
// the child never sees a write error.
type cappedBuffer struct {
	buf       bytes.Buffer
	max       int
	truncated bool
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	room := c.max - c.buf.Len()
	if room <= 0 {
		c.truncated = c.truncated || len(p) > 0
		return len(p), nil
	}
	if len(p) > room {
		c.buf.Write(p[:room])
		c.truncated = true
		return len(p), nil
	}
	return c.buf.Write(p)
}

// String drops a trailing character the cut left incomplete.
func (c *cappedBuffer) String() string {
	if !c.truncated {
		return c.buf.String()
	}
	b := c.buf.Bytes()
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if utf8.RuneStart(b[i]) {
			if !utf8.FullRune(b[i:]) {
				b = b[:i]
			}
			break
		}
	}
	return string(b) + truncatedMarker
}
