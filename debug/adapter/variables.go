package adapter

import (
	"fmt"
	"path/filepath"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-delve/delve/service/api"
	"github.com/google/go-dap"

	"github.com/godbg/dlv-dap/debug/varfmt"
)

const (
	scopeLocals  = "locals"
	scopeGlobals = "globals"

	// callPrefix marks an evaluate expression as a function call to run
	// in the target.
	callPrefix = "call "

	// initdoneSentinel is the compiler-generated package init guard,
	// noise in a globals listing.
	initdoneSentinel = ".initdone"
)

// defaultLoadConfig bounds how much of a value the backend materializes
// per request. Deeper subtrees are fetched lazily on expansion.
var defaultLoadConfig = api.LoadConfig{
	FollowPointers:     true,
	MaxVariableRecurse: 1,
	MaxStringLen:       512,
	MaxArrayValues:     64,
	MaxStructFields:    -1,
}

func (s *Session) onVariables(req *dap.VariablesRequest) {
	if !s.requireHalted(req.Request) {
		return
	}

	payload, ok := s.varHandles.Get(req.Arguments.VariablesReference)
	if !ok {
		s.sendErrorResponse(req.Request, "variables failed",
			fmt.Errorf("stale or unknown variables reference %d", req.Arguments.VariablesReference))
		return
	}

	var (
		vars []dap.Variable
		err  error
	)
	switch ref := payload.(type) {
	case scopeRef:
		if ref.kind == scopeGlobals {
			vars, err = s.globalVariables(ref.scope)
		} else {
			vars, err = s.localVariables(ref.scope)
		}
	case varEntry:
		vars, err = s.expandVariable(ref)
	default:
		err = fmt.Errorf("reference %d is not expandable", req.Arguments.VariablesReference)
	}
	if err != nil {
		s.sendErrorResponse(req.Request, "variables failed", err)
		return
	}

	resp := &dap.VariablesResponse{Response: s.newResponse(req.Seq, req.Command)}
	resp.Body.Variables = vars
	s.send(resp)
}

// localVariables merges function arguments and locals for a frame.
// Same-named variables are shadow-grouped so every scope level stays
// visible.
func (s *Session) localVariables(scope api.EvalScope) ([]dap.Variable, error) {
	args, err := s.client.ListFunctionArgs(scope, defaultLoadConfig)
	if err != nil {
		return nil, fmt.Errorf("list function arguments: %w", err)
	}
	locals, err := s.client.ListLocalVars(scope, defaultLoadConfig)
	if err != nil {
		return nil, fmt.Errorf("list local variables: %w", err)
	}

	merged := make([]api.Variable, 0, len(args)+len(locals))
	merged = append(merged, args...)
	merged = append(merged, locals...)

	out := make([]dap.Variable, 0, len(merged))
	for _, v := range varfmt.FlattenShadowed(merged) {
		out = append(out, s.renderVariable(v, scope))
	}
	return out, nil
}

// globalVariables lists package-level variables of the frame's own
// package, with compiler-internal init sentinels dropped and the
// package prefix stripped from display names.
func (s *Session) globalVariables(scope api.EvalScope) ([]dap.Variable, error) {
	pkg, err := s.framePackage(scope)
	if err != nil {
		return nil, err
	}

	filter := "^" + regexp.QuoteMeta(pkg) + `\.`
	globals, err := s.client.ListPackageVars(filter, defaultLoadConfig)
	if err != nil {
		return nil, fmt.Errorf("list package variables: %w", err)
	}

	out := make([]dap.Variable, 0, len(globals))
	for i := range globals {
		g := &globals[i]
		if strings.Contains(g.Name, initdoneSentinel) {
			continue
		}
		v := varfmt.Wrap(g)
		v.DisplayName = strings.TrimPrefix(g.Name, pkg+".")
		out = append(out, s.renderVariable(v, scope))
	}
	return out, nil
}

// maxExpandedElements caps how many slice elements one expansion pages
// in from the backend before giving up on the rest.
const maxExpandedElements = 1024

// expandVariable returns one subtree's children. A value the backend
// materialized only partially is completed first with a single extra
// evaluation, replacing the truncated subtree in place. Slices longer
// than the per-request element cap are paged in by re-evaluating the
// unloaded tail until complete or the expansion cap is hit.
func (s *Session) expandVariable(entry varEntry) ([]dap.Variable, error) {
	if expr, needsLoad := varfmt.LoadExpr(entry.v.Variable); needsLoad {
		loaded, err := s.client.Eval(entry.scope, expr, &defaultLoadConfig)
		if err != nil {
			s.log.Warn().Str("expr", expr).Err(err).Msg("deep load failed, showing partial value")
		} else {
			entry.v.Variable.Children = loaded.Children
		}
	}

	for len(entry.v.Children) < maxExpandedElements {
		expr, more := varfmt.SliceTailExpr(entry.v)
		if !more {
			break
		}
		loaded, err := s.client.Eval(entry.scope, expr, &defaultLoadConfig)
		if err != nil {
			s.log.Warn().Str("expr", expr).Err(err).Msg("tail load failed, showing loaded prefix")
			break
		}
		if len(loaded.Children) == 0 {
			break
		}
		entry.v.Children = append(entry.v.Children, loaded.Children...)
	}

	children := varfmt.Children(entry.v)
	out := make([]dap.Variable, 0, len(children))
	for _, child := range children {
		out = append(out, s.renderVariable(child, entry.scope))
	}
	return out, nil
}

// renderVariable converts one value and registers its expandable
// subtree, if any, in the handle arena.
func (s *Session) renderVariable(v varfmt.Variable, scope api.EvalScope) dap.Variable {
	conv := varfmt.Convert(v)
	out := dap.Variable{
		Name:             v.DisplayName,
		Value:            conv.Value,
		Type:             conv.Type,
		EvaluateName:     v.FullyQualified,
		PresentationHint: presentationHint(v),
	}
	if conv.Expand != nil {
		out.VariablesReference = s.varHandles.Add(varEntry{v: *conv.Expand, scope: scope})
	}
	return out
}

// presentationHint maps backend variable flags onto protocol display
// attributes. Constants cannot be assigned, and neither can values
// with no evaluable expression (shadowed outer scopes, map values
// under composite keys).
func presentationHint(v varfmt.Variable) *dap.VariablePresentationHint {
	flags := varfmt.FlagsOf(v.Variable)
	var attrs []string
	if flags.Constant {
		attrs = append(attrs, "constant")
	}
	if flags.Constant || v.FullyQualified == "" {
		attrs = append(attrs, "readOnly")
	}
	if len(attrs) == 0 {
		return nil
	}
	return &dap.VariablePresentationHint{Attributes: attrs}
}

// framePackage resolves the import path of the package the frame's
// function belongs to, cached by source directory.
func (s *Session) framePackage(scope api.EvalScope) (string, error) {
	frames, err := s.client.Stacktrace(scope.GoroutineID, scope.Frame+1, nil)
	if err != nil {
		return "", fmt.Errorf("locate frame for globals: %w", err)
	}
	if scope.Frame >= len(frames) {
		return "", fmt.Errorf("frame %d out of range", scope.Frame)
	}
	frame := frames[scope.Frame]
	if frame.Function == nil {
		return "", fmt.Errorf("frame has no function information")
	}

	dir := filepath.Dir(frame.File)
	s.mu.Lock()
	pkg, cached := s.packageNames[dir]
	s.mu.Unlock()
	if cached {
		return pkg, nil
	}

	pkg = packageFromFunction(frame.Function.Name())
	if pkg == "" {
		return "", fmt.Errorf("cannot derive package from function %q", frame.Function.Name())
	}
	s.mu.Lock()
	s.packageNames[dir] = pkg
	s.mu.Unlock()
	return pkg, nil
}

// packageFromFunction extracts the import path from a fully qualified
// function name like "github.com/x/y.(*T).M" or "main.main".
func packageFromFunction(name string) string {
	slash := strings.LastIndex(name, "/")
	rest := name[slash+1:]
	dot := strings.Index(rest, ".")
	if dot < 0 {
		return ""
	}
	return name[:slash+1] + rest[:dot]
}

func (s *Session) onSetVariable(req *dap.SetVariableRequest) {
	if !s.requireHalted(req.Request) {
		return
	}

	payload, ok := s.varHandles.Get(req.Arguments.VariablesReference)
	if !ok {
		s.sendErrorResponse(req.Request, "setVariable failed",
			fmt.Errorf("stale or unknown variables reference %d", req.Arguments.VariablesReference))
		return
	}

	scope, symbol, err := s.resolveAssignable(payload, req.Arguments.Name)
	if err != nil {
		s.sendErrorResponse(req.Request, "setVariable failed", err)
		return
	}

	if err := s.client.Set(scope, symbol, req.Arguments.Value); err != nil {
		s.sendErrorResponse(req.Request, "setVariable failed", err)
		return
	}

	// Re-read so the editor shows what the backend actually stored, not
	// what was typed.
	updated, err := s.client.Eval(scope, symbol, &defaultLoadConfig)
	if err != nil {
		s.sendErrorResponse(req.Request, "setVariable failed", fmt.Errorf("re-read %s: %w", symbol, err))
		return
	}

	v := varfmt.Variable{Variable: updated, DisplayName: req.Arguments.Name, FullyQualified: symbol}
	conv := varfmt.Convert(v)
	resp := &dap.SetVariableResponse{Response: s.newResponse(req.Seq, req.Command)}
	resp.Body.Value = conv.Value
	resp.Body.Type = conv.Type
	if conv.Expand != nil {
		resp.Body.VariablesReference = s.varHandles.Add(varEntry{v: *conv.Expand, scope: scope})
	}
	s.send(resp)
}

// resolveAssignable maps a container handle plus a child display name
// to the evaluable expression the backend can assign to.
func (s *Session) resolveAssignable(payload interface{}, name string) (api.EvalScope, string, error) {
	switch ref := payload.(type) {
	case scopeRef:
		// Scope children are addressed by their own names. Shadowed
		// outer variables carry paren-wrapped display names and no
		// evaluable expression.
		if strings.HasPrefix(name, "(") {
			return api.EvalScope{}, "", fmt.Errorf("shadowed variable %s cannot be assigned", name)
		}
		return ref.scope, name, nil
	case varEntry:
		for _, child := range varfmt.Children(ref.v) {
			if child.DisplayName != name {
				continue
			}
			if child.FullyQualified == "" {
				return api.EvalScope{}, "", fmt.Errorf("%s has no assignable expression", name)
			}
			return ref.scope, child.FullyQualified, nil
		}
		return api.EvalScope{}, "", fmt.Errorf("no child named %s", name)
	default:
		return api.EvalScope{}, "", fmt.Errorf("reference is not assignable")
	}
}

func (s *Session) onEvaluate(req *dap.EvaluateRequest) {
	if !s.requireHalted(req.Request) {
		return
	}

	scope := api.EvalScope{GoroutineID: -1}
	if req.Arguments.FrameId > 0 {
		ref, err := s.frameByHandle(req.Arguments.FrameId)
		if err != nil {
			s.sendErrorResponse(req.Request, "evaluate failed", err)
			return
		}
		scope = api.EvalScope{GoroutineID: ref.goroutineID, Frame: ref.frame}
	}

	expr := strings.TrimSpace(req.Arguments.Expression)
	if strings.HasPrefix(expr, callPrefix) {
		s.evaluateCall(req, scope, strings.TrimSpace(strings.TrimPrefix(expr, callPrefix)))
		return
	}

	result, err := s.client.Eval(scope, expr, &defaultLoadConfig)
	if err != nil {
		s.sendErrorResponse(req.Request, "evaluate failed", err)
		return
	}

	v := varfmt.Variable{Variable: result, DisplayName: expr, FullyQualified: expr}
	conv := varfmt.Convert(v)
	resp := &dap.EvaluateResponse{Response: s.newResponse(req.Seq, req.Command)}
	resp.Body.Result = conv.Value
	resp.Body.Type = conv.Type
	if conv.Expand != nil {
		resp.Body.VariablesReference = s.varHandles.Add(varEntry{v: *conv.Expand, scope: scope})
	}
	s.send(resp)
}

// evaluateCall runs a function in the target. The target resumes for
// the duration of the call; return values come back on the stopped
// thread's state.
func (s *Session) evaluateCall(req *dap.EvaluateRequest, scope api.EvalScope, expr string) {
	loadCfg := defaultLoadConfig
	state, err := s.client.Command(&api.DebuggerCommand{
		Name:                 api.Call,
		Expr:                 expr,
		GoroutineID:          scope.GoroutineID,
		ReturnInfoLoadConfig: &loadCfg,
	})
	if err != nil {
		s.sendErrorResponse(req.Request, "evaluate failed", fmt.Errorf("call %s: %w", expr, err))
		return
	}
	if state.Exited {
		s.sendErrorResponse(req.Request, "evaluate failed", fmt.Errorf("target exited during call"))
		return
	}

	var returns []api.Variable
	if state.CurrentThread != nil {
		returns = state.CurrentThread.ReturnValues
	}

	resp := &dap.EvaluateResponse{Response: s.newResponse(req.Seq, req.Command)}
	switch len(returns) {
	case 0:
		resp.Body.Result = ""
	case 1:
		conv := varfmt.Convert(varfmt.Wrap(&returns[0]))
		resp.Body.Result = conv.Value
		resp.Body.Type = conv.Type
		if conv.Expand != nil {
			resp.Body.VariablesReference = s.varHandles.Add(varEntry{v: *conv.Expand, scope: scope})
		}
	default:
		// Multiple returns are grouped under one synthetic parent the
		// editor can expand.
		parent := &api.Variable{
			Name:     expr,
			Kind:     reflect.Struct,
			Children: returns,
		}
		resp.Body.Result = fmt.Sprintf("(%d values)", len(returns))
		resp.Body.VariablesReference = s.varHandles.Add(varEntry{
			v:     varfmt.Variable{Variable: parent, DisplayName: expr},
			scope: scope,
		})
	}
	s.send(resp)
}
