package adapter

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"reflect"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/go-delve/delve/service/api"
	"github.com/go-delve/delve/service/rpc2"
	"github.com/google/go-dap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/godbg/dlv-dap/debug/backend"
	"github.com/godbg/dlv-dap/debug/pathmap"
	"github.com/godbg/dlv-dap/debug/varfmt"
)

// stubDelve is a line-delimited JSON-RPC server standing in for the
// backend. Every request is answered on its own goroutine, so a
// handler may sit on a blocking run command while a halt arrives over
// the same connection.
type stubDelve struct {
	ln net.Listener

	mu       sync.Mutex
	handlers map[string]func(params []json.RawMessage) (interface{}, string)
	commands []string
}

func newStubDelve(t *testing.T) *stubDelve {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	f := &stubDelve{
		ln:       ln,
		handlers: make(map[string]func([]json.RawMessage) (interface{}, string)),
	}
	go f.serve()
	return f
}

func (f *stubDelve) addr() string { return f.ln.Addr().String() }

func (f *stubDelve) handle(method backend.Method, fn func(params []json.RawMessage) (interface{}, string)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[string(method)] = fn
}

// handleCommands installs a command handler keyed by command name and
// records every command the session issues.
func (f *stubDelve) handleCommands(fn func(cmd api.DebuggerCommand) (api.DebuggerState, string)) {
	f.handle(backend.MethodCommand, func(params []json.RawMessage) (interface{}, string) {
		var cmd api.DebuggerCommand
		_ = json.Unmarshal(params[0], &cmd)
		f.mu.Lock()
		f.commands = append(f.commands, cmd.Name)
		f.mu.Unlock()
		state, errMsg := fn(cmd)
		if errMsg != "" {
			return nil, errMsg
		}
		return rpc2.CommandOut{State: state}, ""
	})
}

func (f *stubDelve) commandLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

func (f *stubDelve) serve() {
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}
		go f.serveConn(conn)
	}
}

func (f *stubDelve) serveConn(conn net.Conn) {
	defer conn.Close()
	var writeMu sync.Mutex
	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			return
		}
		var req struct {
			Method string            `json:"method"`
			Params []json.RawMessage `json:"params"`
			Id     int               `json:"id"`
		}
		if err := json.Unmarshal(line, &req); err != nil {
			return
		}
		go func() {
			f.mu.Lock()
			fn, ok := f.handlers[req.Method]
			f.mu.Unlock()

			resp := map[string]interface{}{"id": req.Id, "result": nil, "error": nil}
			if ok {
				result, errMsg := fn(req.Params)
				if errMsg != "" {
					resp["error"] = errMsg
				} else {
					resp["result"] = result
				}
			} else {
				resp["error"] = "unknown method " + req.Method
			}
			payload, _ := json.Marshal(resp)
			payload = append(payload, '\n')
			writeMu.Lock()
			_, _ = conn.Write(payload)
			writeMu.Unlock()
		}()
	}
}

// startStubbedSession wires a session to a stub backend, with the DAP
// side on an in-memory pipe.
func startStubbedSession(t *testing.T, f *stubDelve) (*Session, *testClient) {
	t.Helper()
	serverSide, clientSide := net.Pipe()
	s := NewSession(serverSide, Options{})

	client, err := backend.Dial(context.Background(), f.addr())
	require.NoError(t, err)
	s.client = client
	s.translator = pathmap.New(nil)

	go func() { _ = s.Run() }()
	t.Cleanup(func() {
		clientSide.Close()
		client.Close()
	})
	return s, &testClient{t: t, conn: clientSide, reader: bufio.NewReader(clientSide)}
}

func haltedState(bp *api.Breakpoint) api.DebuggerState {
	return api.DebuggerState{
		CurrentThread:     &api.Thread{ID: 1, File: "/repo/main.go", Line: 10, Breakpoint: bp},
		SelectedGoroutine: &api.Goroutine{ID: 1},
	}
}

func setBreakpointsRequest(c *testClient, path string, lines ...int) *dap.SetBreakpointsRequest {
	wanted := make([]dap.SourceBreakpoint, 0, len(lines))
	for _, line := range lines {
		wanted = append(wanted, dap.SourceBreakpoint{Line: line})
	}
	return &dap.SetBreakpointsRequest{
		Request: c.request("setBreakpoints"),
		Arguments: dap.SetBreakpointsArguments{
			Source:      dap.Source{Path: path},
			Breakpoints: wanted,
		},
	}
}

func echoCreateBreakpoint(id int) func(params []json.RawMessage) (interface{}, string) {
	return func(params []json.RawMessage) (interface{}, string) {
		var in rpc2.CreateBreakpointIn
		_ = json.Unmarshal(params[0], &in)
		bp := in.Breakpoint
		bp.ID = id
		return rpc2.CreateBreakpointOut{Breakpoint: bp}, ""
	}
}

// A breakpoint edit arriving while a step is blocked in the backend
// halts the target, reports the stop as a cancelled step, and leaves
// the target halted instead of resuming it.
func TestBreakpointEditDuringStepCancelsIt(t *testing.T) {
	f := newStubDelve(t)
	stepStarted := make(chan struct{})
	haltArrived := make(chan struct{})
	var stepOnce, haltOnce sync.Once
	f.handleCommands(func(cmd api.DebuggerCommand) (api.DebuggerState, string) {
		if cmd.Name == api.Halt {
			haltOnce.Do(func() { close(haltArrived) })
			return haltedState(nil), ""
		}
		stepOnce.Do(func() { close(stepStarted) })
		<-haltArrived
		return haltedState(nil), ""
	})
	f.handle(backend.MethodCreateBreakpoint, echoCreateBreakpoint(1))

	s, c := startStubbedSession(t, f)
	s.setState(StateHalted)

	c.send(&dap.NextRequest{Request: c.request("next"), Arguments: dap.NextArguments{ThreadId: 1}})
	_, ok := c.read().(*dap.NextResponse)
	require.True(t, ok)
	select {
	case <-stepStarted:
	case <-time.After(2 * time.Second):
		t.Fatal("step command never reached the backend")
	}

	c.send(setBreakpointsRequest(c, "/repo/main.go", 10))

	var stopped *dap.StoppedEvent
	var bpResp *dap.SetBreakpointsResponse
	for stopped == nil || bpResp == nil {
		switch msg := c.read().(type) {
		case *dap.StoppedEvent:
			stopped = msg
		case *dap.SetBreakpointsResponse:
			bpResp = msg
		}
	}
	assert.Equal(t, "step cancelled", stopped.Body.Reason)
	require.Len(t, bpResp.Body.Breakpoints, 1)
	assert.True(t, bpResp.Body.Breakpoints[0].Verified)

	// The pre-empted step was surfaced, so nothing resumes behind the
	// editor's back.
	assert.Equal(t, StateHalted, s.State())
	time.Sleep(50 * time.Millisecond)
	assert.NotContains(t, f.commandLog(), api.Continue)
}

// A breakpoint edit that arrives just after a run command completed
// sees a running state but nothing in flight. No halt is issued, and
// nothing lingers that could swallow the next genuine stop.
func TestEditWithNoRunInFlightNeverSuppressesLaterStop(t *testing.T) {
	f := newStubDelve(t)
	f.handleCommands(func(cmd api.DebuggerCommand) (api.DebuggerState, string) {
		return haltedState(&api.Breakpoint{ID: 1, File: "/repo/main.go", Line: 10}), ""
	})
	f.handle(backend.MethodCreateBreakpoint, echoCreateBreakpoint(1))

	s, c := startStubbedSession(t, f)
	s.setState(StateRunning)

	c.send(setBreakpointsRequest(c, "/repo/main.go", 10))
	bpResp, ok := c.read().(*dap.SetBreakpointsResponse)
	require.True(t, ok)
	require.Len(t, bpResp.Body.Breakpoints, 1)
	assert.True(t, bpResp.Body.Breakpoints[0].Verified)
	assert.NotContains(t, f.commandLog(), api.Halt)

	// The next resume's stop must reach the editor.
	s.setState(StateHalted)
	c.send(&dap.ContinueRequest{Request: c.request("continue")})
	_, ok = c.read().(*dap.ContinueResponse)
	require.True(t, ok)
	stopped, ok := c.read().(*dap.StoppedEvent)
	require.True(t, ok, "the breakpoint stop must not be suppressed")
	assert.Equal(t, "breakpoint", stopped.Body.Reason)
}

// A duplicate-breakpoint error is recovered by matching the existing
// backend breakpoint from a listing; the response reports it verified
// under its existing id.
func TestDuplicateBreakpointRecoveredFromListing(t *testing.T) {
	f := newStubDelve(t)
	f.handle(backend.MethodCreateBreakpoint, func(params []json.RawMessage) (interface{}, string) {
		return nil, "Breakpoint exists at /repo/main.go:10"
	})
	f.handle(backend.MethodListBreakpoints, func(params []json.RawMessage) (interface{}, string) {
		return rpc2.ListBreakpointsOut{Breakpoints: []*api.Breakpoint{
			{ID: 7, File: "/repo/main.go", Line: 10},
		}}, ""
	})

	s, c := startStubbedSession(t, f)
	s.setState(StateHalted)

	c.send(setBreakpointsRequest(c, "/repo/main.go", 10))
	resp, ok := c.read().(*dap.SetBreakpointsResponse)
	require.True(t, ok)
	require.Len(t, resp.Body.Breakpoints, 1)
	assert.True(t, resp.Body.Breakpoints[0].Verified)
	assert.Equal(t, 7, resp.Body.Breakpoints[0].Id)
}

// A run command the backend rejects must not leave the editor stuck in
// a running view: the failure goes to the console and the target's
// actual stopped state is re-derived and reported.
func TestRunCommandErrorRestoresStoppedView(t *testing.T) {
	f := newStubDelve(t)
	f.handleCommands(func(cmd api.DebuggerCommand) (api.DebuggerState, string) {
		return api.DebuggerState{}, "internal debugger error"
	})
	f.handle(backend.MethodState, func(params []json.RawMessage) (interface{}, string) {
		st := haltedState(nil)
		return rpc2.StateOut{State: &st}, ""
	})

	s, c := startStubbedSession(t, f)
	s.setState(StateHalted)

	c.send(&dap.ContinueRequest{Request: c.request("continue")})
	_, ok := c.read().(*dap.ContinueResponse)
	require.True(t, ok)

	var output *dap.OutputEvent
	var stopped *dap.StoppedEvent
	for output == nil || stopped == nil {
		switch msg := c.read().(type) {
		case *dap.OutputEvent:
			output = msg
		case *dap.StoppedEvent:
			stopped = msg
		}
	}
	assert.Contains(t, output.Body.Output, "internal debugger error")
	assert.Equal(t, StateHalted, s.State())
}

// Teardown must return within its bound even when the backend stops
// answering entirely.
func TestTeardownIsBounded(t *testing.T) {
	f := newStubDelve(t)
	stuck := make(chan struct{})
	t.Cleanup(func() { close(stuck) })
	f.handleCommands(func(cmd api.DebuggerCommand) (api.DebuggerState, string) {
		<-stuck
		return haltedState(nil), ""
	})
	f.handle(backend.MethodDetach, func(params []json.RawMessage) (interface{}, string) {
		<-stuck
		return rpc2.DetachOut{}, ""
	})

	s, _ := startStubbedSession(t, f)
	s.setState(StateHalted)

	start := time.Now()
	s.teardownBackend(true)
	elapsed := time.Since(start)

	assert.Less(t, elapsed, disconnectTimeout-500*time.Millisecond)
	assert.True(t, s.client.Closed())
}

// A slice longer than the per-request element cap is completed by
// paging in the unloaded tail.
func TestSliceExpansionPagesInTail(t *testing.T) {
	f := newStubDelve(t)
	var (
		evalMu sync.Mutex
		exprs  []string
	)
	f.handle(backend.MethodEval, func(params []json.RawMessage) (interface{}, string) {
		var in rpc2.EvalIn
		_ = json.Unmarshal(params[0], &in)
		evalMu.Lock()
		exprs = append(exprs, in.Expr)
		evalMu.Unlock()

		tail := make([]api.Variable, 36)
		for i := range tail {
			tail[i] = api.Variable{Kind: reflect.Int, Type: "int", Value: strconv.Itoa(64 + i)}
		}
		return rpc2.EvalOut{Variable: &api.Variable{
			Kind: reflect.Slice, Type: "[]int", Base: 0xc000020000,
			Len: 36, Cap: 36, Children: tail,
		}}, ""
	})

	s, _ := startStubbedSession(t, f)

	head := make([]api.Variable, 64)
	for i := range head {
		head[i] = api.Variable{Kind: reflect.Int, Type: "int", Value: strconv.Itoa(i)}
	}
	entry := varEntry{v: varfmt.Variable{
		Variable: &api.Variable{
			Name: "xs", Kind: reflect.Slice, Type: "[]int", Base: 0xc000020000,
			Len: 100, Cap: 100, Children: head,
		},
		DisplayName:    "xs",
		FullyQualified: "xs",
	}}

	vars, err := s.expandVariable(entry)
	require.NoError(t, err)
	require.Len(t, vars, 100)
	assert.Equal(t, "99", vars[99].Value)
	assert.Equal(t, "xs[99]", vars[99].EvaluateName)

	evalMu.Lock()
	defer evalMu.Unlock()
	assert.Equal(t, []string{"xs[64:]"}, exprs)
}

func TestPresentationHint(t *testing.T) {
	constant := varfmt.Wrap(&api.Variable{Name: "max", Flags: api.VariableConstant})
	hint := presentationHint(constant)
	require.NotNil(t, hint)
	assert.Equal(t, []string{"constant", "readOnly"}, hint.Attributes)

	// Shadowed outer scopes carry no evaluable expression.
	shadowed := varfmt.Variable{Variable: &api.Variable{Name: "err"}, DisplayName: "(err)"}
	hint = presentationHint(shadowed)
	require.NotNil(t, hint)
	assert.Equal(t, []string{"readOnly"}, hint.Attributes)

	plain := varfmt.Wrap(&api.Variable{Name: "x"})
	assert.Nil(t, presentationHint(plain))
}
