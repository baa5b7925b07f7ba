// Package proc runs agent subprocesses with a filtered environment,
// bounded output capture, and layered watchdogs.
//
// Children start in their own process group so termination reaches every
// descendant: SIGTERM to the group, a two second grace period, then
// SIGKILL. Secrets reach children via environment variables only, never
// via argv.
package proc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const killGracePeriod = 2 * time.Second

// Base environment forwarded to every child. HOME and TMPDIR are dropped
// when the caller asks for a cleared environment.
var (
	baseEnvKeys      = []string{"PATH", "HOME", "TMPDIR"}
	baseEnvKeysClear = []string{"PATH"}
)

// missingAllowlistWarned tracks allowlisted variables that were absent
// from the ambient environment, so each is warned about once per process.
var missingAllowlistWarned sync.Map

// Options configures one subprocess run.
type Options struct {
	Argv         []string
	Dir          string
	EnvOverrides map[string]string
	EnvAllowlist []string
	ClearEnv     bool

	Timeout     time.Duration
	IdleTimeout time.Duration // zero disables the idle watchdog

	MaxOutputChars int // per stream; zero disables the cap
	LogFile        string

	Log *zap.Logger
}

// Result is the outcome of a subprocess run. ExitCode is -1 when the
// process was killed without a normal exit.
type Result struct {
	ExitCode         int
	Stdout           string
	Stderr           string
	DurationMS       int
	KilledByWatchdog bool
	StdoutTruncated  bool
	StderrTruncated  bool
}

// Run executes argv and captures its output. The hard timeout and the
// optional idle watchdog both terminate the whole process group.
func Run(ctx context.Context, opts Options) (*Result, error) {
	if len(opts.Argv) == 0 {
		return nil, errors.New("empty argv")
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}

	cmd := exec.Command(opts.Argv[0], opts.Argv[1:]...)
	cmd.Dir = opts.Dir
	cmd.Env = buildEnv(opts, log)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	var logFile *os.File
	if opts.LogFile != "" {
		logFile, err = os.OpenFile(opts.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err != nil {
			log.Warn("cannot open subprocess log file", zap.String("path", opts.LogFile), zap.Error(err))
		} else {
			defer logFile.Close()
		}
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", opts.Argv[0], err)
	}

	var lastOutput atomic.Int64
	lastOutput.Store(start.UnixNano())

	stdout := &cappedBuffer{max: opts.MaxOutputChars}
	stderr := &cappedBuffer{max: opts.MaxOutputChars}

	var readers errgroup.Group
	readers.Go(func() error { return pump(stdoutPipe, stdout, &lastOutput, logFile) })
	readers.Go(func() error { return pump(stderrPipe, stderr, &lastOutput, logFile) })

	waitDone := make(chan struct{})
	var killedByWatchdog atomic.Bool

	hardTimeout := opts.Timeout
	if hardTimeout <= 0 {
		hardTimeout = 24 * time.Hour
	}

	watchdogDone := make(chan struct{})
	go func() {
		defer close(watchdogDone)
		hard := time.NewTimer(hardTimeout)
		defer hard.Stop()
		idle := time.NewTicker(time.Second)
		defer idle.Stop()
		for {
			select {
			case <-waitDone:
				return
			case <-ctx.Done():
				terminateGroup(cmd, log)
				return
			case <-hard.C:
				killedByWatchdog.Store(true)
				log.Warn("subprocess hit wall-clock timeout",
					zap.String("binary", opts.Argv[0]), zap.Duration("timeout", opts.Timeout))
				terminateGroup(cmd, log)
				return
			case <-idle.C:
				if opts.IdleTimeout <= 0 {
					continue
				}
				idleFor := time.Since(time.Unix(0, lastOutput.Load()))
				if idleFor > opts.IdleTimeout {
					killedByWatchdog.Store(true)
					log.Warn("subprocess idle watchdog fired",
						zap.String("binary", opts.Argv[0]), zap.Duration("idle", idleFor))
					terminateGroup(cmd, log)
					return
				}
			}
		}
	}()

	_ = readers.Wait()
	waitErr := cmd.Wait()
	close(waitDone)
	<-watchdogDone

	exitCode := 0
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("running %s: %w", opts.Argv[0], waitErr)
		}
	}

	return &Result{
		ExitCode:         exitCode,
		Stdout:           stdout.String(),
		Stderr:           stderr.String(),
		DurationMS:       int(time.Since(start).Milliseconds()),
		KilledByWatchdog: killedByWatchdog.Load(),
		StdoutTruncated:  stdout.truncated,
		StderrTruncated:  stderr.truncated,
	}, nil
}

// buildEnv assembles the child environment: the safe base set, ambient
// values for allowlisted names, and overrides for allowlisted names only.
func buildEnv(opts Options, log *zap.Logger) []string {
	allowed := make(map[string]struct{}, len(opts.EnvAllowlist))
	for _, name := range opts.EnvAllowlist {
		if name != "" {
			allowed[name] = struct{}{}
		}
	}

	env := make(map[string]string)
	base := baseEnvKeys
	if opts.ClearEnv {
		base = baseEnvKeysClear
	}
	for _, name := range base {
		if value, ok := os.LookupEnv(name); ok {
			env[name] = value
		}
	}
	for name := range allowed {
		value, ok := os.LookupEnv(name)
		if !ok {
			if _, warned := missingAllowlistWarned.LoadOrStore(name, true); !warned {
				log.Warn("env allowlist variable missing from process env", zap.String("name", name))
			}
			continue
		}
		env[name] = value
	}
	for name, value := range opts.EnvOverrides {
		if _, ok := allowed[name]; !ok {
			log.Warn("ignoring non-allowlisted env override", zap.String("name", name))
			continue
		}
		env[name] = value
	}

	out := make([]string, 0, len(env))
	for name, value := range env {
		out = append(out, name+"="+value)
	}
	return out
}

func pump(r io.Reader, buf *cappedBuffer, lastOutput *atomic.Int64, logFile *os.File) error {
	chunk := make([]byte, 4096)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			lastOutput.Store(time.Now().UnixNano())
			buf.Write(chunk[:n])
			if logFile != nil {
				_, _ = logFile.Write(chunk[:n])
			}
		}
		if err != nil {
			return nil // EOF and closed-pipe errors both end the pump
		}
	}
}

// terminateGroup escalates SIGTERM -> grace -> SIGKILL against the whole
// process group.
func terminateGroup(cmd *exec.Cmd, log *zap.Logger) {
	if cmd.Process == nil {
		return
	}
	pid := cmd.Process.Pid
	if pgid, err := syscall.Getpgid(pid); err == nil {
		_ = syscall.Kill(-pgid, syscall.SIGTERM)
	} else {
		_ = cmd.Process.Signal(syscall.SIGTERM)
	}

	deadline := time.After(killGracePeriod)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-deadline:
			if pgid, err := syscall.Getpgid(pid); err == nil {
				_ = syscall.Kill(-pgid, syscall.SIGKILL)
			}
			_ = cmd.Process.Kill()
			log.Debug("subprocess group force killed", zap.Int("pid", pid))
			return
		case <-tick.C:
			// Signal 0 probes for liveness without delivering anything.
			if err := syscall.Kill(pid, 0); err != nil {
				return
			}
		}
	}
}

// cappedBuffer accumulates at most max bytes; later writes are discarded
// and a truncation marker is appended to the final string.
type cappedBuffer struct {
	max       int
	data      []byte
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) {
	if b.max <= 0 {
		b.data = append(b.data, p...)
		return
	}
	if len(b.data) >= b.max {
		if len(p) > 0 {
			b.truncated = true
		}
		return
	}
	room := b.max - len(b.data)
	if len(p) <= room {
		b.data = append(b.data, p...)
		return
	}
	b.data = append(b.data, p[:room]...)
	b.truncated = true
}

func (b *cappedBuffer) String() string {
	if !b.truncated {
		return string(b.data)
	}
	return fmt.Sprintf("%s\n[truncated: output exceeded %d chars]", b.data, b.max)
}
