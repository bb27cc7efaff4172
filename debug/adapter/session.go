// Package adapter implements the DAP side of the bridge: a stateful
// session translating editor requests into backend RPC calls and
// backend state into protocol events.
package adapter

import (
	"bufio"
	"fmt"
	"io"
	"runtime/debug"
	"sync"

	"github.com/go-delve/delve/service/api"
	"github.com/google/go-dap"
	"github.com/rs/zerolog"

	"github.com/godbg/dlv-dap/debug/backend"
	"github.com/godbg/dlv-dap/debug/buildtool"
	"github.com/godbg/dlv-dap/debug/pathmap"
	"github.com/godbg/dlv-dap/debug/varfmt"
	"github.com/godbg/dlv-dap/logging"
)

// State is the session lifecycle state. Terminated is absorbing.
type State int

const (
	StateUninitialized State = iota
	StateLaunching
	StateRunning
	StateHalted
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateLaunching:
		return "launching"
	case StateRunning:
		return "running"
	case StateHalted:
		return "halted"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Names of the backend's reserved breakpoints for unrecovered panics
// and fatal runtime throws. Stops at these are target faults reported
// with their own stop reasons, not adapter errors.
const (
	unrecoveredPanicBreakpoint = "unrecovered-panic"
	fatalThrowBreakpoint       = "fatal-throw"
)

// LaunchConfig is the launch request payload.
type LaunchConfig struct {
	// File is a source file resolved to a build target via the build
	// tool when Target is not given.
	File string `json:"file,omitempty"`
	// Target is an explicit build target label.
	Target string `json:"target,omitempty"`
	// Args are runtime arguments for the debuggee.
	Args []string `json:"args,omitempty"`
	// StopOnEntry halts at the entry point after configuration.
	StopOnEntry bool `json:"stopOnEntry,omitempty"`
	// RepoRoot is the repository root; supplied by the editor, never
	// re-derived here.
	RepoRoot string `json:"repoRoot,omitempty"`
	// BuildBinary is the build-orchestration CLI (default "plz").
	BuildBinary string `json:"buildBinary,omitempty"`
	// Port fixes the backend RPC port; 0 picks a free one.
	Port int `json:"port,omitempty"`
	// SubstitutePath maps local paths to backend paths.
	SubstitutePath []pathmap.Rule `json:"substitutePath,omitempty"`
	// ShowGlobalVariables adds a package globals scope.
	ShowGlobalVariables bool `json:"showGlobalVariables,omitempty"`
}

// Options configures a Session beyond the launch payload.
type Options struct {
	// Resolver overrides the build-tool collaborator, for tests.
	Resolver buildtool.Resolver
	// DefaultBuildBinary is used when the launch payload names none.
	DefaultBuildBinary string
	// DefaultSubstitutePath applies when the launch payload carries no
	// substitution rules of its own.
	DefaultSubstitutePath []pathmap.Rule
}

// frameRef addresses one stack frame of one goroutine.
type frameRef struct {
	goroutineID int64
	frame       int
}

// scopeRef is a handle payload for a variables scope not yet fetched.
type scopeRef struct {
	kind  string // "locals" or "globals"
	scope api.EvalScope
}

// varEntry is a handle payload for an expandable value subtree.
type varEntry struct {
	v     varfmt.Variable
	scope api.EvalScope
}

// Session is the front-protocol server: it owns one backend connection,
// the handle tables, and the breakpoint table. All shared state is
// mutated only from request handlers and run-completion callbacks of
// this one session; there is no cross-session sharing.
type Session struct {
	conn    io.ReadWriteCloser
	reader  *bufio.Reader
	writeMu sync.Mutex
	seq     int

	log  zerolog.Logger
	opts Options

	mu     sync.Mutex
	state  State
	config LaunchConfig

	translator *pathmap.Translator
	resolver   buildtool.Resolver
	client     *backend.Client
	process    *backend.Process
	// ownsProcess is false when attaching to a pre-existing backend;
	// kill-on-detach is only set when we own it.
	ownsProcess bool

	runs *runTracker
	// halt records that the session itself is about to interrupt the
	// in-flight run command; haltResult is what the matching completion
	// did with it.
	halt       haltIntent
	haltResult haltOutcome
	// entryStopPending is armed between launch and the first
	// configurationDone when stopOnEntry was requested.
	entryStopPending bool

	currentGoroutine int64

	breakpoints map[string][]int // local file -> backend breakpoint ids

	varHandles   *handleArena
	frameHandles *handleArena

	packageNames map[string]string // directory -> import path cache

	terminatedOnce sync.Once
}

// NewSession creates a session speaking DAP over conn.
func NewSession(conn io.ReadWriteCloser, opts Options) *Session {
	return &Session{
		conn:         conn,
		reader:       bufio.NewReader(conn),
		log:          logging.Component("session"),
		opts:         opts,
		state:        StateUninitialized,
		runs:         newRunTracker(),
		breakpoints:  make(map[string][]int),
		varHandles:   newHandleArena(),
		frameHandles: newHandleArena(),
		packageNames: make(map[string]string),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(next State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateTerminated {
		return // absorbing
	}
	if s.state != next {
		s.log.Debug().Stringer("from", s.state).Stringer("to", next).Msg("state change")
	}
	s.state = next
}

// resetHandles invalidates both arenas. Called on every stop; handles
// from before a stop are never valid after it.
func (s *Session) resetHandles() {
	s.varHandles.Reset()
	s.frameHandles.Reset()
}

// --- wire helpers ---

func (s *Session) nextSeq() int {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.seq++
	return s.seq
}

func (s *Session) send(msg dap.Message) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := dap.WriteProtocolMessage(s.conn, msg); err != nil {
		s.log.Error().Err(err).Msg("write protocol message")
	}
}

func (s *Session) newResponse(requestSeq int, command string) dap.Response {
	return dap.Response{
		ProtocolMessage: dap.ProtocolMessage{Seq: s.nextSeq(), Type: "response"},
		RequestSeq:      requestSeq,
		Success:         true,
		Command:         command,
	}
}

func (s *Session) newEvent(event string) dap.Event {
	return dap.Event{
		ProtocolMessage: dap.ProtocolMessage{Seq: s.nextSeq(), Type: "event"},
		Event:           event,
	}
}

func (s *Session) sendErrorResponse(req dap.Request, summary string, err error) {
	s.log.Error().Err(err).Str("request", req.Command).Msg(summary)
	resp := &dap.ErrorResponse{}
	resp.Response = s.newResponse(req.Seq, req.Command)
	resp.Success = false
	resp.Message = summary
	resp.Body.Error = &dap.ErrorMessage{
		Format:   fmt.Sprintf("%s: %v", summary, err),
		ShowUser: true,
	}
	s.send(resp)
}

func (s *Session) sendOutput(category, output string) {
	e := &dap.OutputEvent{Event: s.newEvent("output")}
	e.Body.Category = category
	e.Body.Output = output
	s.send(e)
}

func (s *Session) sendStopped(reason string, threadID int64) {
	e := &dap.StoppedEvent{Event: s.newEvent("stopped")}
	e.Body.Reason = reason
	e.Body.ThreadId = int(threadID)
	e.Body.AllThreadsStopped = true
	s.send(e)
}

// sendTerminated emits the terminal event exactly once.
func (s *Session) sendTerminated() {
	s.terminatedOnce.Do(func() {
		s.setState(StateTerminated)
		e := &dap.TerminatedEvent{Event: s.newEvent("terminated")}
		s.send(e)
	})
}

// --- stop handling ---

// haltIntent ties a session-initiated halt to the exact run epoch it
// interrupts. A completion consumes the intent only when its family
// and epoch match, so an intent armed after the run already finished
// can never swallow a later genuine stop.
type haltIntent struct {
	armed     bool
	family    runFamily
	epoch     uint64
	preempted bool // the interrupted run was a step
	suppress  bool // drop the stop event if the halt alone caused it
}

// haltOutcome is what the matching completion did with a halt intent.
type haltOutcome int

const (
	haltPending haltOutcome = iota
	haltSuppressed
	haltReported
)

// armHalt registers intent to interrupt the in-flight run command.
// Returns false when nothing is verifiably in flight, in which case no
// halt is needed and nothing was armed.
func (s *Session) armHalt(suppress bool) bool {
	family, epoch, ok := s.runs.CurrentInFlight()
	if !ok {
		return false
	}
	s.mu.Lock()
	s.halt = haltIntent{
		armed:     true,
		family:    family,
		epoch:     epoch,
		preempted: family == familyStep,
		suppress:  suppress,
	}
	s.haltResult = haltPending
	s.mu.Unlock()
	return true
}

// takeHaltOutcome clears the current intent and reports what the stop
// completion did with it. haltPending means no completion consumed it.
func (s *Session) takeHaltOutcome() haltOutcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.halt = haltIntent{}
	return s.haltResult
}

// handleRunDone is the completion callback shared by every run
// command. It owns the stop only while its epoch is still current; a
// superseded command's callback must not clear the newer in-flight
// flag or emit anything.
func (s *Session) handleRunDone(family runFamily, epoch uint64, state *api.DebuggerState, err error) {
	if !s.runs.Finish(family, epoch) {
		s.log.Debug().Stringer("family", family).Uint64("epoch", epoch).Msg("superseded run completion dropped")
		return
	}

	if err != nil {
		// The backend reports target exit through the command error
		// when the process ends mid-run.
		if s.process != nil && !s.process.Alive() {
			s.sendTerminated()
			return
		}
		s.logBackendError("run command", err)
		s.sendOutput("console", fmt.Sprintf("%s command failed: %v\n", family, err))
		// The target may have stopped regardless; re-derive its state
		// rather than leaving the editor stuck in a running view.
		if s.client != nil && !s.client.Closed() {
			if st, stateErr := s.client.State(true); stateErr == nil && !st.Running {
				if st.Exited {
					s.sendTerminated()
					return
				}
				s.onStop(family, epoch, st)
			}
		}
		return
	}

	if state.Exited {
		s.sendTerminated()
		return
	}
	s.onStop(family, epoch, state)
}

// onStop re-derives what changed after a run command completed. The
// backend pushes nothing asynchronously, so the stop reason and current
// goroutine come entirely from the returned state.
func (s *Session) onStop(family runFamily, epoch uint64, state *api.DebuggerState) {
	s.resetHandles()
	s.setState(StateHalted)

	var goroutineID int64
	if state.SelectedGoroutine != nil {
		// Only the current goroutine is resolved eagerly; listing all
		// of them on every stop is far too expensive.
		goroutineID = state.SelectedGoroutine.ID
	}
	atBreakpoint := state.CurrentThread != nil && state.CurrentThread.Breakpoint != nil

	s.mu.Lock()
	s.currentGoroutine = goroutineID
	preempted := false
	skip := false
	if s.halt.armed && s.halt.family == family && s.halt.epoch == epoch {
		s.halt.armed = false
		preempted = s.halt.preempted
		// A stop that landed on a breakpoint was the target's own; the
		// halt merely lost the race and must not hide it.
		if s.halt.suppress && !preempted && !atBreakpoint {
			skip = true
			s.haltResult = haltSuppressed
		} else {
			s.haltResult = haltReported
		}
	}
	s.mu.Unlock()

	reason := stopReason(family, state, preempted)
	if skip {
		s.log.Debug().Str("reason", reason).Msg("suppressing halt-induced stop event")
		return
	}
	s.sendStopped(reason, goroutineID)
}

// stopReason classifies a stop. Sentinel breakpoints for unrecovered
// panics and fatal throws override the per-family default.
func stopReason(family runFamily, state *api.DebuggerState, stepPreempted bool) string {
	if stepPreempted {
		return "step cancelled"
	}
	if state.CurrentThread != nil && state.CurrentThread.Breakpoint != nil {
		switch state.CurrentThread.Breakpoint.Name {
		case unrecoveredPanicBreakpoint:
			return "panic"
		case fatalThrowBreakpoint:
			return "fatal error"
		}
		return "breakpoint"
	}
	if family == familyStep {
		return "step"
	}
	return "breakpoint"
}

// logBackendError records a backend-reported error together with a
// best-effort snapshot of the target's current stack, fetched
// independently of the failed call, plus the adapter's own stack.
func (s *Session) logBackendError(op string, err error) {
	s.log.Error().Err(err).Str("op", op).Msg("backend error")
	s.log.Debug().Str("adapterStack", string(debug.Stack())).Msg("adapter stack at backend error")
	if s.client == nil || s.client.Closed() {
		return
	}
	frames, traceErr := s.client.Stacktrace(-1, 20, nil)
	if traceErr != nil {
		return
	}
	for i, frame := range frames {
		name := "unknown"
		if frame.Function != nil {
			name = frame.Function.Name()
		}
		s.log.Debug().Int("frame", i).Str("func", name).
			Str("file", frame.File).Int("line", frame.Line).Msg("target stack at backend error")
	}
}
