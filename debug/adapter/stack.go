package adapter

import (
	"fmt"

	"github.com/go-delve/delve/service/api"
	"github.com/google/go-dap"
)

// maxGoroutines caps the threads listing. Servers routinely run tens of
// thousands of goroutines; the editor's thread picker is useless past a
// few dozen anyway.
const maxGoroutines = 100

// defaultStackDepth is used when the editor does not ask for a specific
// number of frames.
const defaultStackDepth = 50

func (s *Session) onThreads(req *dap.ThreadsRequest) {
	resp := &dap.ThreadsResponse{Response: s.newResponse(req.Seq, req.Command)}

	if s.State() != StateHalted {
		// The editor polls threads while the target runs; answer with a
		// placeholder rather than blocking on the backend.
		s.mu.Lock()
		id := s.currentGoroutine
		s.mu.Unlock()
		if id <= 0 {
			id = 1
		}
		resp.Body.Threads = []dap.Thread{{Id: int(id), Name: "running"}}
		s.send(resp)
		return
	}

	goroutines, err := s.client.ListGoroutines(0, maxGoroutines)
	if err != nil {
		s.sendErrorResponse(req.Request, "threads failed", err)
		return
	}

	threads := make([]dap.Thread, 0, len(goroutines))
	for _, g := range goroutines {
		name := "goroutine " + fmt.Sprint(g.ID)
		if fn := g.UserCurrentLoc.Function; fn != nil {
			name = fmt.Sprintf("goroutine %d [%s]", g.ID, fn.Name())
		}
		threads = append(threads, dap.Thread{Id: int(g.ID), Name: name})
	}
	if len(threads) == 0 {
		s.mu.Lock()
		id := s.currentGoroutine
		s.mu.Unlock()
		threads = []dap.Thread{{Id: int(id), Name: "current"}}
	}
	resp.Body.Threads = threads
	s.send(resp)
}

func (s *Session) onStackTrace(req *dap.StackTraceRequest) {
	if !s.requireHalted(req.Request) {
		return
	}

	goroutineID := int64(req.Arguments.ThreadId)
	depth := req.Arguments.Levels
	if depth <= 0 {
		depth = defaultStackDepth
	}

	frames, err := s.client.Stacktrace(goroutineID, req.Arguments.StartFrame+depth, nil)
	if err != nil {
		s.sendErrorResponse(req.Request, "stackTrace failed", err)
		return
	}

	total := len(frames)
	start := req.Arguments.StartFrame
	if start < 0 {
		start = 0
	}
	if start > total {
		start = total
	}

	out := make([]dap.StackFrame, 0, total-start)
	for i := start; i < total; i++ {
		frame := frames[i]
		name := "unknown"
		if frame.Function != nil {
			name = frame.Function.Name()
		}
		handle := s.frameHandles.Add(frameRef{goroutineID: goroutineID, frame: i})
		out = append(out, dap.StackFrame{
			Id:     handle,
			Name:   name,
			Line:   frame.Line,
			Column: 0,
			Source: &dap.Source{Path: s.translator.ToLocal(frame.File)},
		})
	}

	resp := &dap.StackTraceResponse{Response: s.newResponse(req.Seq, req.Command)}
	resp.Body.StackFrames = out
	resp.Body.TotalFrames = total
	s.send(resp)
}

func (s *Session) onScopes(req *dap.ScopesRequest) {
	if !s.requireHalted(req.Request) {
		return
	}

	ref, err := s.frameByHandle(req.Arguments.FrameId)
	if err != nil {
		s.sendErrorResponse(req.Request, "scopes failed", err)
		return
	}
	scope := api.EvalScope{GoroutineID: ref.goroutineID, Frame: ref.frame}

	scopes := []dap.Scope{{
		Name:               "Locals",
		VariablesReference: s.varHandles.Add(scopeRef{kind: scopeLocals, scope: scope}),
	}}
	s.mu.Lock()
	showGlobals := s.config.ShowGlobalVariables
	s.mu.Unlock()
	if showGlobals {
		scopes = append(scopes, dap.Scope{
			Name:               "Globals",
			VariablesReference: s.varHandles.Add(scopeRef{kind: scopeGlobals, scope: scope}),
		})
	}

	resp := &dap.ScopesResponse{Response: s.newResponse(req.Seq, req.Command)}
	resp.Body.Scopes = scopes
	s.send(resp)
}

// frameByHandle resolves a frame handle, rejecting handles minted
// before the last stop.
func (s *Session) frameByHandle(id int) (frameRef, error) {
	v, ok := s.frameHandles.Get(id)
	if !ok {
		return frameRef{}, fmt.Errorf("stale or unknown frame reference %d", id)
	}
	return v.(frameRef), nil
}
