package backend

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/godbg/dlv-dap/logging"
)

// settleDelay is how long to wait after the backend's first output
// before connecting. The backend has no explicit ready signal; first
// stdout data is the readiness heuristic, and connecting immediately
// after it risks hitting the server mid-initialization. A too-early
// connect only costs a backoff retry.
const settleDelay = 200 * time.Millisecond

// ProcessConfig describes how to spawn the backend.
type ProcessConfig struct {
	// Command is the executable to run.
	Command string
	// Args is the full argument list, target and port already resolved.
	Args []string
	// Dir is the working directory.
	Dir string
	// Env overrides the environment when non-nil.
	Env []string
	// OnOutput receives each stdout/stderr line as it arrives.
	// Category is "stdout" or "stderr".
	OnOutput func(category, line string)
	// OnExit receives the exit code once the process ends.
	OnExit func(exitCode int)
}

// Process supervises a spawned backend debugger process.
type Process struct {
	cmd *exec.Cmd
	log zerolog.Logger

	ready     chan struct{}
	readyOnce sync.Once
	exited    chan struct{}

	mu       sync.Mutex
	exitCode int
}

// Start spawns the backend. The executable is resolved before spawning
// so a missing binary fails fast with a useful error.
func Start(cfg ProcessConfig) (*Process, error) {
	path, err := exec.LookPath(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("backend executable %q not found: %w", cfg.Command, err)
	}

	cmd := exec.Command(path, cfg.Args...)
	cmd.Dir = cfg.Dir
	if cfg.Env != nil {
		cmd.Env = cfg.Env
	}
	// Own process group so a forced shutdown can take the whole tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	p := &Process{
		cmd:    cmd,
		log:    logging.Component("process"),
		ready:  make(chan struct{}),
		exited: make(chan struct{}),
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start backend %s: %w", cfg.Command, err)
	}
	p.log.Info().Str("command", path).Strs("args", cfg.Args).Int("pid", cmd.Process.Pid).Msg("backend started")

	go p.scan(stdout, "stdout", cfg.OnOutput, true)
	go p.scan(stderr, "stderr", cfg.OnOutput, false)
	go func() {
		err := cmd.Wait()
		code := 0
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		} else if err != nil {
			code = -1
		}
		p.mu.Lock()
		p.exitCode = code
		p.mu.Unlock()
		close(p.exited)
		p.log.Info().Int("exitCode", code).Msg("backend exited")
		if cfg.OnExit != nil {
			cfg.OnExit(code)
		}
	}()

	return p, nil
}

// scan forwards process output line by line. The first stdout line
// marks the process ready.
func (p *Process) scan(r io.Reader, category string, onOutput func(string, string), markReady bool) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if markReady {
			p.readyOnce.Do(func() { close(p.ready) })
		}
		if onOutput != nil {
			onOutput(category, line)
		}
	}
}

// WaitReady blocks until the backend produced output, exited, or the
// context expired.
func (p *Process) WaitReady(ctx context.Context) error {
	select {
	case <-p.ready:
		return nil
	case <-p.exited:
		return fmt.Errorf("backend exited before becoming ready (exit code %d)", p.ExitCode())
	case <-ctx.Done():
		return fmt.Errorf("waiting for backend readiness: %w", ctx.Err())
	}
}

// Connect waits for readiness, lets the server settle, then dials with
// exponential backoff until the RPC port accepts.
func (p *Process) Connect(ctx context.Context, addr string) (*Client, error) {
	if err := p.WaitReady(ctx); err != nil {
		return nil, err
	}
	time.Sleep(settleDelay)

	var client *Client
	op := func() error {
		select {
		case <-p.exited:
			return backoff.Permanent(fmt.Errorf("backend exited before accepting connections (exit code %d)", p.ExitCode()))
		default:
		}
		c, err := Dial(ctx, addr)
		if err != nil {
			return err
		}
		client = c
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxElapsedTime = 10 * time.Second
	if err := backoff.Retry(op, backoff.WithContext(policy, ctx)); err != nil {
		return nil, fmt.Errorf("connect to backend: %w", err)
	}
	return client, nil
}

// Exited is closed once the process ends.
func (p *Process) Exited() <-chan struct{} { return p.exited }

// ExitCode returns the recorded exit code; valid after Exited closes.
func (p *Process) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

// Alive reports whether the process is still running.
func (p *Process) Alive() bool {
	select {
	case <-p.exited:
		return false
	default:
		return true
	}
}

// Kill force-terminates the whole process group. The signal is sent
// synchronously; waiting for the exit to be reaped is the caller's
// business via WaitExit, so a shutdown path can bound the wait itself.
func (p *Process) Kill() error {
	if !p.Alive() {
		return nil
	}
	pid := p.cmd.Process.Pid
	p.log.Warn().Int("pid", pid).Msg("force killing backend process group")
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
		// Process group may be gone already; fall back to the process.
		if killErr := p.cmd.Process.Kill(); killErr != nil {
			return fmt.Errorf("kill backend: %w", killErr)
		}
	}
	return nil
}

// WaitExit waits up to d for the process exit to be reaped.
func (p *Process) WaitExit(d time.Duration) error {
	if d < 0 {
		d = 0
	}
	select {
	case <-p.exited:
		return nil
	case <-time.After(d):
		return fmt.Errorf("backend did not exit within %s of kill", d)
	}
}

// CleanupArtifacts removes temporary debug binaries the backend leaves
// in the working directory.
func (p *Process) CleanupArtifacts() {
	dir := p.cmd.Dir
	if dir == "" {
		dir = "."
	}
	matches, err := filepath.Glob(filepath.Join(dir, "__debug_bin*"))
	if err != nil {
		return
	}
	for _, m := range matches {
		if strings.Contains(filepath.Base(m), "__debug_bin") {
			if err := os.Remove(m); err == nil {
				p.log.Debug().Str("path", m).Msg("removed debug artifact")
			}
		}
	}
}
