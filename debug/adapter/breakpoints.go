package adapter

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-delve/delve/service/api"
	"github.com/google/go-dap"

	"github.com/godbg/dlv-dap/debug/pathmap"
)

// onSetBreakpoints replaces the breakpoint set for one file. The
// request is authoritative: breakpoints previously set for the file but
// absent from it are cleared.
func (s *Session) onSetBreakpoints(req *dap.SetBreakpointsRequest) {
	file := req.Arguments.Source.Path
	if file == "" {
		s.sendErrorResponse(req.Request, "setBreakpoints failed", fmt.Errorf("request has no source path"))
		return
	}

	st := s.State()
	if st == StateUninitialized || st == StateTerminated || s.client == nil {
		s.sendErrorResponse(req.Request, "setBreakpoints failed", fmt.Errorf("session is %s", st))
		return
	}

	// Editing breakpoints needs a stopped target. A mid-run edit halts,
	// edits, and resumes; the halt-induced stop is suppressed. A halt
	// that pre-empted a step is surfaced instead and not resumed. The
	// intent is armed against the exact in-flight epoch; if the run
	// completed just before the edit, nothing is armed and no later
	// stop can be swallowed.
	resumeAfter := false
	if st == StateRunning && s.armHalt(true) {
		if _, err := s.client.Halt(); err != nil {
			s.takeHaltOutcome()
			s.sendErrorResponse(req.Request, "setBreakpoints failed", err)
			return
		}
		s.waitRunsDrained(time.Second)
		// Resume only when the halt alone caused the stop; a genuine
		// stop that won the race was reported to the editor and the
		// target stays put.
		resumeAfter = s.takeHaltOutcome() == haltSuppressed
	}

	results := s.applyBreakpoints(file, req.Arguments.Breakpoints)

	resp := &dap.SetBreakpointsResponse{Response: s.newResponse(req.Seq, req.Command)}
	resp.Body.Breakpoints = results
	s.send(resp)

	if resumeAfter {
		s.resume()
	}
}

// applyBreakpoints clears the file's previous breakpoints and creates
// the requested set, returning per-line verification results.
func (s *Session) applyBreakpoints(file string, wanted []dap.SourceBreakpoint) []dap.Breakpoint {
	for _, id := range s.breakpoints[file] {
		if err := s.client.ClearBreakpoint(id); err != nil {
			s.log.Warn().Int("id", id).Err(err).Msg("clear breakpoint failed")
		}
	}
	delete(s.breakpoints, file)

	backendFile := s.translator.ToBackend(file)
	rules := s.translator.DelveRules()

	// Fetched lazily, at most once per request, for duplicate recovery.
	var existing []*api.Breakpoint
	listedExisting := false

	results := make([]dap.Breakpoint, 0, len(wanted))
	var ids []int
	for _, want := range wanted {
		created, err := s.client.CreateBreakpoint(&api.Breakpoint{
			File: backendFile,
			Line: want.Line,
			Cond: want.Condition,
		}, rules)
		if err != nil && isAlreadyExists(err) {
			if !listedExisting {
				existing, _ = s.client.ListBreakpoints()
				listedExisting = true
			}
			created = findBreakpoint(existing, backendFile, want.Line)
			if created != nil {
				err = nil
			}
		}
		if err != nil || created == nil {
			s.log.Warn().Str("file", file).Int("line", want.Line).Err(err).Msg("breakpoint not set")
			results = append(results, dap.Breakpoint{Verified: false, Line: want.Line})
			continue
		}
		ids = append(ids, created.ID)
		results = append(results, dap.Breakpoint{
			Id:       created.ID,
			Verified: true,
			Line:     created.Line,
			Source:   &dap.Source{Path: file},
		})
	}
	if len(ids) > 0 {
		s.breakpoints[file] = ids
	}
	return results
}

// waitRunsDrained waits for the pre-empted run command's completion
// callback to consume the armed intent, so the halt-induced stop is
// accounted for before anything resumes. Tracker bookkeeping clears
// slightly before the intent does, so both are checked.
func (s *Session) waitRunsDrained(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for {
		_, inflight := s.runs.InFlight()
		s.mu.Lock()
		armed := s.halt.armed
		s.mu.Unlock()
		if !inflight && !armed {
			return
		}
		if time.Now().After(deadline) {
			s.log.Warn().Msg("run command did not settle after halt")
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// isAlreadyExists recognizes the backend's duplicate-breakpoint error.
// The message is the only signal; the error carries no code.
func isAlreadyExists(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "exists")
}

// findBreakpoint matches an existing backend breakpoint by line and
// file, comparing paths separator-insensitively since the backend may
// report the file with different separators than we sent.
func findBreakpoint(existing []*api.Breakpoint, file string, line int) *api.Breakpoint {
	for _, bp := range existing {
		if bp.Line == line && pathmap.SameFile(bp.File, file) {
			return bp
		}
	}
	return nil
}
