package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/go-dap"

	"github.com/godbg/dlv-dap/debug/backend"
	"github.com/godbg/dlv-dap/debug/buildtool"
	"github.com/godbg/dlv-dap/debug/pathmap"
)

const (
	defaultBuildBinary = "plz"
	dlvBinary          = "dlv"

	// launchTimeout bounds target resolution, spawn, and connect.
	launchTimeout = 30 * time.Second
	// disconnectTimeout bounds the whole teardown sequence.
	disconnectTimeout = 5 * time.Second
	// haltTimeout bounds the cooperative halt inside teardown.
	haltTimeout = time.Second
)

func (s *Session) onInitialize(req *dap.InitializeRequest) {
	resp := &dap.InitializeResponse{Response: s.newResponse(req.Seq, req.Command)}
	resp.Body = dap.Capabilities{
		SupportsConfigurationDoneRequest: true,
		SupportsSetVariable:              true,
		SupportsEvaluateForHovers:        true,
		SupportsTerminateRequest:         true,
	}
	s.send(resp)
}

func (s *Session) onLaunch(req *dap.LaunchRequest) {
	if st := s.State(); st != StateUninitialized {
		s.sendErrorResponse(req.Request, "launch failed", fmt.Errorf("session already %s", st))
		return
	}

	var cfg LaunchConfig
	if err := json.Unmarshal(req.Arguments, &cfg); err != nil {
		s.sendErrorResponse(req.Request, "launch failed", fmt.Errorf("parse launch configuration: %w", err))
		return
	}
	if cfg.File == "" && cfg.Target == "" {
		s.sendErrorResponse(req.Request, "launch failed", fmt.Errorf("launch configuration needs a file or a target"))
		return
	}
	if cfg.BuildBinary == "" {
		cfg.BuildBinary = s.opts.DefaultBuildBinary
	}
	if cfg.BuildBinary == "" {
		cfg.BuildBinary = defaultBuildBinary
	}
	if len(cfg.SubstitutePath) == 0 {
		cfg.SubstitutePath = s.opts.DefaultSubstitutePath
	}

	s.setState(StateLaunching)
	s.mu.Lock()
	s.config = cfg
	s.mu.Unlock()

	s.translator = pathmap.New(cfg.SubstitutePath)
	s.resolver = s.opts.Resolver
	if s.resolver == nil {
		s.resolver = buildtool.New(cfg.BuildBinary, cfg.RepoRoot)
	}

	ctx, cancel := context.WithTimeout(context.Background(), launchTimeout)
	defer cancel()

	if err := s.launch(ctx, &cfg); err != nil {
		s.teardownBackend(true)
		s.setState(StateUninitialized)
		s.sendErrorResponse(req.Request, "launch failed", err)
		return
	}

	// The backend holds the target stopped at its entry point until
	// configurationDone resumes it or reports the entry stop.
	s.mu.Lock()
	s.entryStopPending = cfg.StopOnEntry
	s.mu.Unlock()
	s.setState(StateHalted)

	s.send(&dap.LaunchResponse{Response: s.newResponse(req.Seq, req.Command)})
	s.send(&dap.InitializedEvent{Event: s.newEvent("initialized")})
}

// launch resolves the target, spawns the backend, and connects to it.
// Any error before the spawn leaves nothing to clean up.
func (s *Session) launch(ctx context.Context, cfg *LaunchConfig) error {
	port := cfg.Port
	if port == 0 {
		p, err := freePort()
		if err != nil {
			return fmt.Errorf("pick backend port: %w", err)
		}
		port = p
	}
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))

	command, args, dir, err := s.launchCommand(ctx, cfg, port)
	if err != nil {
		return err
	}

	proc, err := backend.Start(backend.ProcessConfig{
		Command: command,
		Args:    args,
		Dir:     dir,
		OnOutput: func(category, line string) {
			s.sendOutput(category, line+"\n")
		},
		OnExit: func(exitCode int) {
			s.log.Info().Int("exitCode", exitCode).Msg("backend process ended")
			s.sendTerminated()
		},
	})
	if err != nil {
		return err
	}
	s.process = proc
	s.ownsProcess = true

	client, err := proc.Connect(ctx, addr)
	if err != nil {
		return fmt.Errorf("backend never became reachable: %w", err)
	}
	s.client = client

	if err := client.CheckAPIVersion(); err != nil {
		return err
	}
	return nil
}

// launchCommand builds the backend command line. An explicit target or
// a repository root routes through the build tool; a bare file is
// debugged with dlv directly.
func (s *Session) launchCommand(ctx context.Context, cfg *LaunchConfig, port int) (command string, args []string, dir string, err error) {
	target := cfg.Target
	if target == "" && cfg.RepoRoot != "" {
		target, err = s.resolveTarget(ctx, cfg.File)
		if err != nil {
			return "", nil, "", err
		}
	}

	if target != "" {
		args = []string{"debug", "--port", strconv.Itoa(port), target}
		if len(cfg.Args) > 0 {
			args = append(args, "--")
			args = append(args, cfg.Args...)
		}
		return cfg.BuildBinary, args, cfg.RepoRoot, nil
	}

	args = []string{
		"debug", cfg.File,
		"--headless",
		"--listen=" + net.JoinHostPort("127.0.0.1", strconv.Itoa(port)),
		"--api-version=2",
		"--accept-multiclient",
	}
	if len(cfg.Args) > 0 {
		args = append(args, "--")
		args = append(args, cfg.Args...)
	}
	return dlvBinary, args, filepath.Dir(cfg.File), nil
}

// resolveTarget maps a source file to a build target. Zero targets is
// a launch failure; multiple targets pick the first with a notice.
func (s *Session) resolveTarget(ctx context.Context, file string) (string, error) {
	if file == "" {
		return "", fmt.Errorf("no file to resolve a build target from")
	}
	targets, err := s.resolver.WhatInputs(ctx, file)
	if err != nil {
		return "", fmt.Errorf("resolve build target: %w", err)
	}
	if len(targets) == 0 {
		return "", fmt.Errorf("no target found for %s", file)
	}
	if len(targets) > 1 {
		s.log.Warn().Strs("targets", targets).Msg("multiple build targets, using the first")
		s.sendOutput("console", fmt.Sprintf("multiple targets consume %s, debugging %s\n", file, targets[0]))
	}
	return targets[0], nil
}

func (s *Session) onConfigurationDone(req *dap.ConfigurationDoneRequest) {
	s.send(&dap.ConfigurationDoneResponse{Response: s.newResponse(req.Seq, req.Command)})

	s.mu.Lock()
	entryStop := s.entryStopPending
	s.entryStopPending = false
	goroutineID := s.currentGoroutine
	s.mu.Unlock()

	if entryStop {
		if s.client != nil {
			if state, err := s.client.State(true); err == nil && state.SelectedGoroutine != nil {
				goroutineID = state.SelectedGoroutine.ID
				s.mu.Lock()
				s.currentGoroutine = goroutineID
				s.mu.Unlock()
			}
		}
		s.setState(StateHalted)
		s.sendStopped("entry", goroutineID)
		return
	}
	s.resume()
}

func (s *Session) onDisconnect(req *dap.DisconnectRequest) {
	s.log.Info().Msg("editor requested disconnect")
	s.teardownBackend(true)
	s.send(&dap.DisconnectResponse{Response: s.newResponse(req.Seq, req.Command)})
	s.sendTerminated()
}

func (s *Session) onTerminate(req *dap.TerminateRequest) {
	s.teardownBackend(true)
	s.send(&dap.TerminateResponse{Response: s.newResponse(req.Seq, req.Command)})
	s.sendTerminated()
}

// killReapBudget is the slice of the disconnect bound reserved for the
// process-group kill and exit reap after halt and detach have had
// their turn.
const killReapBudget = 2 * time.Second

// teardownBackend shuts the backend down within the disconnect bound:
// cooperative halt, then detach, then a process-group kill for anything
// still alive. Every wait, the kill reap included, fits inside the one
// deadline; the editor must never wait on an unkillable target.
func (s *Session) teardownBackend(killTarget bool) {
	deadline := time.Now().Add(disconnectTimeout)

	if s.client != nil && !s.client.Closed() {
		halted := s.callWithTimeout(haltTimeout, func() error {
			_, err := s.client.Halt()
			return err
		})
		if halted != nil {
			s.log.Warn().Err(halted).Msg("halt during teardown failed")
		}

		kill := killTarget && s.ownsProcess
		detachErr := s.callWithTimeout(time.Until(deadline)-killReapBudget, func() error {
			return s.client.Detach(kill)
		})
		if detachErr != nil {
			s.log.Warn().Err(detachErr).Msg("detach during teardown failed")
		}
		_ = s.client.Close()
	}

	if s.process != nil && s.ownsProcess {
		if s.process.Alive() {
			if err := s.process.Kill(); err != nil {
				s.log.Error().Err(err).Msg("backend refused to die")
			} else if err := s.process.WaitExit(time.Until(deadline)); err != nil {
				s.log.Error().Err(err).Msg("backend exit not reaped in time")
			}
		}
		s.process.CleanupArtifacts()
	}
}

// callWithTimeout runs fn but gives up waiting after d. The call keeps
// running; only the wait is bounded.
func (s *Session) callWithTimeout(d time.Duration, fn func() error) error {
	if d <= 0 {
		return fmt.Errorf("no time left")
	}
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case err := <-done:
		return err
	case <-time.After(d):
		return fmt.Errorf("timed out after %s", d)
	}
}

// freePort asks the kernel for an unused TCP port.
func freePort() (int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port, nil
}
