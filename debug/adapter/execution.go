package adapter

import (
	"fmt"

	"github.com/go-delve/delve/service/api"
	"github.com/google/go-dap"
)

func (s *Session) onContinue(req *dap.ContinueRequest) {
	if !s.requireHalted(req.Request) {
		return
	}
	resp := &dap.ContinueResponse{Response: s.newResponse(req.Seq, req.Command)}
	resp.Body.AllThreadsContinued = true
	s.send(resp)
	s.resume()
}

func (s *Session) onNext(req *dap.NextRequest) {
	if !s.requireHalted(req.Request) {
		return
	}
	s.send(&dap.NextResponse{Response: s.newResponse(req.Seq, req.Command)})
	s.step(api.Next, int64(req.Arguments.ThreadId))
}

func (s *Session) onStepIn(req *dap.StepInRequest) {
	if !s.requireHalted(req.Request) {
		return
	}
	s.send(&dap.StepInResponse{Response: s.newResponse(req.Seq, req.Command)})
	s.step(api.Step, int64(req.Arguments.ThreadId))
}

func (s *Session) onStepOut(req *dap.StepOutRequest) {
	if !s.requireHalted(req.Request) {
		return
	}
	s.send(&dap.StepOutResponse{Response: s.newResponse(req.Seq, req.Command)})
	s.step(api.StepOut, int64(req.Arguments.ThreadId))
}

// resume issues a continue. Also used after configurationDone and after
// a breakpoint edit forced a halt on a running target.
func (s *Session) resume() {
	s.issueRun(familyContinue, &api.DebuggerCommand{Name: api.Continue})
}

// step issues a step-class command pinned to the requested goroutine.
func (s *Session) step(name string, threadID int64) {
	cmd := &api.DebuggerCommand{Name: name}
	if threadID > 0 {
		cmd.GoroutineID = threadID
	} else {
		s.mu.Lock()
		cmd.GoroutineID = s.currentGoroutine
		s.mu.Unlock()
	}
	s.issueRun(familyStep, cmd)
}

// issueRun starts a blocking run command asynchronously. The epoch
// taken here gates the completion callback; a later command in the
// same family orphans this one.
func (s *Session) issueRun(family runFamily, cmd *api.DebuggerCommand) {
	if s.client == nil || s.client.Closed() {
		s.log.Warn().Str("command", cmd.Name).Msg("run command with no backend")
		return
	}
	epoch := s.runs.Begin(family)
	s.setState(StateRunning)

	state, done := s.client.GoCommand(cmd)
	go func() {
		err := <-done
		s.handleRunDone(family, epoch, state, err)
	}()
}

// onPause halts the target. If a step is in flight the halt pre-empts
// it; the resulting stop is reported as cancelled and never resumed.
func (s *Session) onPause(req *dap.PauseRequest) {
	if st := s.State(); st != StateRunning {
		s.sendErrorResponse(req.Request, "pause failed", fmt.Errorf("target is %s, not running", st))
		return
	}
	if err := s.haltForStop(); err != nil {
		s.sendErrorResponse(req.Request, "pause failed", err)
		return
	}
	s.send(&dap.PauseResponse{Response: s.newResponse(req.Seq, req.Command)})
	// The stopped event comes from the pre-empted run command's
	// completion, which observes the halt.
}

// haltForStop stops the target. The armed intent lets the interrupted
// run's completion report a pre-empted step as cancelled; the stop is
// always surfaced, never suppressed.
func (s *Session) haltForStop() error {
	s.armHalt(false)
	if _, err := s.client.Halt(); err != nil {
		s.takeHaltOutcome()
		return fmt.Errorf("halt target: %w", err)
	}
	return nil
}
