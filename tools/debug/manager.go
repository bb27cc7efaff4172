package debug

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-delve/delve/service/api"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/godbg/dlv-dap/debug/backend"
	"github.com/godbg/dlv-dap/debug/varfmt"
	"github.com/godbg/dlv-dap/logging"
)

// Mode selects how the backend prepares the program.
type Mode string

const (
	ModeDebug Mode = "debug"
	ModeTest  Mode = "test"
	ModeExec  Mode = "exec"
)

// DefaultMode infers the debug mode from the program path: directories
// and .go files are built, _test.go files run under the test harness,
// anything else is treated as a prebuilt binary.
func DefaultMode(program string) (Mode, error) {
	info, err := os.Stat(program)
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		return ModeDebug, nil
	}
	if strings.HasSuffix(program, "_test.go") {
		return ModeTest, nil
	}
	if strings.HasSuffix(program, ".go") {
		return ModeDebug, nil
	}
	return ModeExec, nil
}

// Session is one tool-driven debug session against its own backend.
type Session struct {
	ID      string
	Program string
	Mode    Mode

	log     zerolog.Logger
	process *backend.Process
	client  *backend.Client

	mu      sync.Mutex
	stopped *api.DebuggerState
}

// Manager tracks live sessions by id.
type Manager struct {
	// DlvBinary overrides the backend executable, for tests.
	DlvBinary string

	log zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates an empty session manager.
func NewManager() *Manager {
	return &Manager{
		DlvBinary: "dlv",
		log:       logging.Component("mcp"),
		sessions:  make(map[string]*Session),
	}
}

// Create spawns a backend for program and registers the session.
func (m *Manager) Create(ctx context.Context, program string, args []string, mode Mode) (*Session, error) {
	if !filepath.IsAbs(program) {
		abs, err := filepath.Abs(program)
		if err != nil {
			return nil, fmt.Errorf("resolve program path: %w", err)
		}
		program = abs
	}

	port, err := freePort()
	if err != nil {
		return nil, fmt.Errorf("pick backend port: %w", err)
	}
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))

	spawnArgs := []string{
		string(mode), program,
		"--headless",
		"--listen=" + addr,
		"--api-version=2",
		"--accept-multiclient",
	}
	if len(args) > 0 {
		spawnArgs = append(spawnArgs, "--")
		spawnArgs = append(spawnArgs, args...)
	}

	dir := program
	if info, statErr := os.Stat(program); statErr == nil && !info.IsDir() {
		dir = filepath.Dir(program)
	}

	id := uuid.NewString()
	log := m.log.With().Str("session", id).Logger()

	proc, err := backend.Start(backend.ProcessConfig{
		Command: m.DlvBinary,
		Args:    spawnArgs,
		Dir:     dir,
		OnOutput: func(category, line string) {
			log.Debug().Str("stream", category).Msg(line)
		},
	})
	if err != nil {
		return nil, err
	}

	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	client, err := proc.Connect(connectCtx, addr)
	if err != nil {
		_ = proc.Kill()
		proc.CleanupArtifacts()
		return nil, fmt.Errorf("backend never became reachable: %w", err)
	}
	if err := client.CheckAPIVersion(); err != nil {
		_ = client.Close()
		_ = proc.Kill()
		proc.CleanupArtifacts()
		return nil, err
	}

	s := &Session{
		ID:      id,
		Program: program,
		Mode:    mode,
		log:     log,
		process: proc,
		client:  client,
	}
	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()
	return s, nil
}

// Get looks up a session by id.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("no debug session %s", id)
	}
	return s, nil
}

// List returns all live sessions.
func (m *Manager) List() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// Terminate tears a session down and forgets it.
func (m *Manager) Terminate(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("no debug session %s", id)
	}
	return s.close()
}

// Shutdown terminates every session.
func (m *Manager) Shutdown() {
	for _, s := range m.List() {
		if err := m.Terminate(s.ID); err != nil {
			m.log.Warn().Str("session", s.ID).Err(err).Msg("terminate failed")
		}
	}
}

func (s *Session) close() error {
	if s.client != nil && !s.client.Closed() {
		_ = s.client.Detach(true)
		_ = s.client.Close()
	}
	if s.process != nil {
		if s.process.Alive() {
			if err := s.process.Kill(); err != nil {
				return err
			}
			if err := s.process.WaitExit(2 * time.Second); err != nil {
				return err
			}
		}
		s.process.CleanupArtifacts()
	}
	return nil
}

// StateName describes the session for listings.
func (s *Session) StateName() string {
	if s.process != nil && !s.process.Alive() {
		return "exited"
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped == nil {
		return "created"
	}
	if s.stopped.Exited {
		return "exited"
	}
	return "stopped"
}

// SetBreakpoint creates a breakpoint and returns its backend id.
func (s *Session) SetBreakpoint(file string, line int) (int, error) {
	bp, err := s.client.CreateBreakpoint(&api.Breakpoint{File: file, Line: line}, nil)
	if err != nil {
		return 0, err
	}
	return bp.ID, nil
}

// Continue resumes the target and reports where it stopped.
func (s *Session) Continue() (string, error) {
	return s.run(&api.DebuggerCommand{Name: api.Continue})
}

// Next steps over the current line.
func (s *Session) Next() (string, error) {
	return s.run(&api.DebuggerCommand{Name: api.Next})
}

// StepIn steps into the current call.
func (s *Session) StepIn() (string, error) {
	return s.run(&api.DebuggerCommand{Name: api.Step})
}

// StepOut runs until the current function returns.
func (s *Session) StepOut() (string, error) {
	return s.run(&api.DebuggerCommand{Name: api.StepOut})
}

func (s *Session) run(cmd *api.DebuggerCommand) (string, error) {
	state, err := s.client.Command(cmd)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.stopped = state
	s.mu.Unlock()

	if state.Exited {
		return fmt.Sprintf("process exited with status %d", state.ExitStatus), nil
	}
	return describeStop(state), nil
}

// Evaluate renders an expression in the current goroutine's top frame.
func (s *Session) Evaluate(expr string) (string, error) {
	loadCfg := api.LoadConfig{
		FollowPointers:     true,
		MaxVariableRecurse: 1,
		MaxStringLen:       512,
		MaxArrayValues:     64,
		MaxStructFields:    -1,
	}
	v, err := s.client.Eval(api.EvalScope{GoroutineID: -1}, expr, &loadCfg)
	if err != nil {
		return "", err
	}
	conv := varfmt.Convert(varfmt.Wrap(v))
	if conv.Type != "" {
		return fmt.Sprintf("%s (%s)", conv.Value, conv.Type), nil
	}
	return conv.Value, nil
}

func describeStop(state *api.DebuggerState) string {
	thread := state.CurrentThread
	if thread == nil {
		return "stopped"
	}
	loc := fmt.Sprintf("%s:%d", thread.File, thread.Line)
	if thread.Function != nil {
		loc = fmt.Sprintf("%s at %s", thread.Function.Name(), loc)
	}
	if thread.Breakpoint != nil {
		return fmt.Sprintf("stopped at breakpoint %d, %s", thread.Breakpoint.ID, loc)
	}
	return "stopped at " + loc
}

func freePort() (int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port, nil
}
