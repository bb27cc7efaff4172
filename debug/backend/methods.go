package backend

import (
	"fmt"

	"github.com/go-delve/delve/service/api"
	"github.com/go-delve/delve/service/rpc2"
)

// Method names the backend's RPC surface.
// Documentation: https://pkg.go.dev/github.com/go-delve/delve/service/rpc2
type Method string

const (
	MethodCommand          Method = "RPCServer.Command"
	MethodState            Method = "RPCServer.State"
	MethodGetVersion       Method = "RPCServer.GetVersion"
	MethodCreateBreakpoint Method = "RPCServer.CreateBreakpoint"
	MethodClearBreakpoint  Method = "RPCServer.ClearBreakpoint"
	MethodListBreakpoints  Method = "RPCServer.ListBreakpoints"
	MethodStacktrace       Method = "RPCServer.Stacktrace"
	MethodListLocalVars    Method = "RPCServer.ListLocalVars"
	MethodListFunctionArgs Method = "RPCServer.ListFunctionArgs"
	MethodListPackageVars  Method = "RPCServer.ListPackageVars"
	MethodEval             Method = "RPCServer.Eval"
	MethodSet              Method = "RPCServer.Set"
	MethodListGoroutines   Method = "RPCServer.ListGoroutines"
	MethodDetach           Method = "RPCServer.Detach"
)

// ExpectedAPIVersion is the backend protocol version this adapter
// speaks. A mismatch is a hard launch failure.
const ExpectedAPIVersion = 2

func call[T any](c *Client, method Method, params interface{}) (T, error) {
	var out T
	err := c.Call(method, params, &out)
	return out, err
}

// State queries the debugger state. Non-blocking queries return even
// while the target is running.
func (c *Client) State(nonBlocking bool) (*api.DebuggerState, error) {
	out, err := call[rpc2.StateOut](c, MethodState, rpc2.StateIn{NonBlocking: nonBlocking})
	if err != nil {
		return nil, err
	}
	return out.State, nil
}

// Command issues a debugger command and blocks until the target stops
// again. Run-class commands (continue, next, step, stepOut) must not
// overlap; the session enforces that with its epochs.
func (c *Client) Command(cmd *api.DebuggerCommand) (*api.DebuggerState, error) {
	out, err := call[rpc2.CommandOut](c, MethodCommand, cmd)
	if err != nil {
		return nil, err
	}
	return &out.State, nil
}

// GoCommand issues a run command asynchronously. The state pointer is
// populated before the error channel receives.
func (c *Client) GoCommand(cmd *api.DebuggerCommand) (*api.DebuggerState, <-chan error) {
	out := new(rpc2.CommandOut)
	errc := c.Go(MethodCommand, cmd, out)
	done := make(chan error, 1)
	go func() {
		done <- <-errc
	}()
	return &out.State, done
}

// Halt asks the backend to stop the target. Unlike run commands this
// may be issued while another command is blocking.
func (c *Client) Halt() (*api.DebuggerState, error) {
	return c.Command(&api.DebuggerCommand{Name: api.Halt})
}

// GetVersion reports the backend's protocol version.
func (c *Client) GetVersion() (api.GetVersionOut, error) {
	return call[api.GetVersionOut](c, MethodGetVersion, api.GetVersionIn{})
}

// CheckAPIVersion fails unless the backend speaks the expected protocol
// version.
func (c *Client) CheckAPIVersion() error {
	version, err := c.GetVersion()
	if err != nil {
		return fmt.Errorf("query backend version: %w", err)
	}
	if version.APIVersion != ExpectedAPIVersion {
		return fmt.Errorf("backend speaks API version %d, need %d (delve %s)",
			version.APIVersion, ExpectedAPIVersion, version.DelveVersion)
	}
	return nil
}

// CreateBreakpoint creates a breakpoint. Path substitution rules are
// passed through so the backend resolves editor-side file names.
func (c *Client) CreateBreakpoint(bp *api.Breakpoint, substitutePathRules [][2]string) (*api.Breakpoint, error) {
	in := rpc2.CreateBreakpointIn{
		Breakpoint:          *bp,
		SubstitutePathRules: substitutePathRules,
	}
	out, err := call[rpc2.CreateBreakpointOut](c, MethodCreateBreakpoint, in)
	if err != nil {
		return nil, err
	}
	return &out.Breakpoint, nil
}

// ClearBreakpoint removes a breakpoint by backend id.
func (c *Client) ClearBreakpoint(id int) error {
	_, err := call[rpc2.ClearBreakpointOut](c, MethodClearBreakpoint, rpc2.ClearBreakpointIn{Id: id})
	return err
}

// ListBreakpoints lists every breakpoint the backend knows about.
func (c *Client) ListBreakpoints() ([]*api.Breakpoint, error) {
	out, err := call[rpc2.ListBreakpointsOut](c, MethodListBreakpoints, rpc2.ListBreakpointsIn{})
	if err != nil {
		return nil, err
	}
	return out.Breakpoints, nil
}

// Stacktrace returns frames for a goroutine.
func (c *Client) Stacktrace(goroutineID int64, depth int, cfg *api.LoadConfig) ([]api.Stackframe, error) {
	in := rpc2.StacktraceIn{
		Id:    goroutineID,
		Depth: depth,
		Cfg:   cfg,
	}
	out, err := call[rpc2.StacktraceOut](c, MethodStacktrace, in)
	if err != nil {
		return nil, err
	}
	return out.Locations, nil
}

// ListLocalVars lists local variables in a frame scope.
func (c *Client) ListLocalVars(scope api.EvalScope, cfg api.LoadConfig) ([]api.Variable, error) {
	out, err := call[rpc2.ListLocalVarsOut](c, MethodListLocalVars, rpc2.ListLocalVarsIn{Scope: scope, Cfg: cfg})
	if err != nil {
		return nil, err
	}
	return out.Variables, nil
}

// ListFunctionArgs lists function arguments in a frame scope.
func (c *Client) ListFunctionArgs(scope api.EvalScope, cfg api.LoadConfig) ([]api.Variable, error) {
	out, err := call[rpc2.ListFunctionArgsOut](c, MethodListFunctionArgs, rpc2.ListFunctionArgsIn{Scope: scope, Cfg: cfg})
	if err != nil {
		return nil, err
	}
	return out.Args, nil
}

// ListPackageVars lists package-level variables matching filter.
func (c *Client) ListPackageVars(filter string, cfg api.LoadConfig) ([]api.Variable, error) {
	out, err := call[rpc2.ListPackageVarsOut](c, MethodListPackageVars, rpc2.ListPackageVarsIn{Filter: filter, Cfg: cfg})
	if err != nil {
		return nil, err
	}
	return out.Variables, nil
}

// Eval evaluates an expression in a frame scope.
func (c *Client) Eval(scope api.EvalScope, expr string, cfg *api.LoadConfig) (*api.Variable, error) {
	out, err := call[rpc2.EvalOut](c, MethodEval, rpc2.EvalIn{Scope: scope, Expr: expr, Cfg: cfg})
	if err != nil {
		return nil, err
	}
	return out.Variable, nil
}

// Set assigns a new value to a symbol.
func (c *Client) Set(scope api.EvalScope, symbol, value string) error {
	_, err := call[rpc2.SetOut](c, MethodSet, rpc2.SetIn{Scope: scope, Symbol: symbol, Value: value})
	return err
}

// ListGoroutines lists up to count goroutines starting at start.
func (c *Client) ListGoroutines(start, count int) ([]*api.Goroutine, error) {
	out, err := call[rpc2.ListGoroutinesOut](c, MethodListGoroutines, rpc2.ListGoroutinesIn{Start: start, Count: count})
	if err != nil {
		return nil, err
	}
	return out.Goroutines, nil
}

// Detach disconnects from the target, optionally killing it.
func (c *Client) Detach(kill bool) error {
	_, err := call[rpc2.DetachOut](c, MethodDetach, rpc2.DetachIn{Kill: kill})
	return err
}
