package adapter

import (
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/google/go-dap"

	"github.com/godbg/dlv-dap/logging"
)

// Serve runs one session over conn until the editor disconnects or the
// stream ends. Each connection gets its own independent session.
func Serve(conn io.ReadWriteCloser, opts Options) error {
	s := NewSession(conn, opts)
	return s.Run()
}

// ListenAndServe accepts DAP connections on addr, serving each on its
// own goroutine.
func ListenAndServe(addr string, opts Options) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	log := logging.Component("server")
	log.Info().Str("addr", ln.Addr().String()).Msg("listening for DAP connections")
	for {
		conn, err := ln.Accept()
		if err != nil {
			return fmt.Errorf("accept: %w", err)
		}
		log.Info().Str("remote", conn.RemoteAddr().String()).Msg("editor connected")
		go func() {
			if err := Serve(conn, opts); err != nil {
				log.Error().Err(err).Msg("session ended with error")
			}
		}()
	}
}

// Run reads and dispatches protocol messages until the stream ends.
// Requests are handled one at a time on this loop; only run-command
// completions and process callbacks happen off it.
func (s *Session) Run() error {
	defer s.shutdown()
	for {
		msg, err := dap.ReadProtocolMessage(s.reader)
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.log.Info().Msg("editor closed the connection")
				return nil
			}
			var decodeErr *dap.DecodeProtocolMessageFieldError
			if errors.As(err, &decodeErr) {
				s.log.Warn().Err(err).Msg("skipping undecodable message")
				continue
			}
			return fmt.Errorf("read protocol message: %w", err)
		}
		if stop := s.dispatch(msg); stop {
			return nil
		}
	}
}

// dispatch routes one message. Returns true when the session is done
// and the read loop should stop.
func (s *Session) dispatch(msg dap.Message) bool {
	s.log.Debug().Str("type", fmt.Sprintf("%T", msg)).Msg("dispatch")
	switch request := msg.(type) {
	case *dap.InitializeRequest:
		s.onInitialize(request)
	case *dap.LaunchRequest:
		s.onLaunch(request)
	case *dap.AttachRequest:
		s.sendUnsupported(request.Request, "attach")
	case *dap.DisconnectRequest:
		s.onDisconnect(request)
		return true
	case *dap.TerminateRequest:
		s.onTerminate(request)
	case *dap.SetBreakpointsRequest:
		s.onSetBreakpoints(request)
	case *dap.SetFunctionBreakpointsRequest:
		s.sendUnsupported(request.Request, "function breakpoints")
	case *dap.SetExceptionBreakpointsRequest:
		// Accepted and ignored; panic and fatal-throw stops are always on.
		resp := &dap.SetExceptionBreakpointsResponse{Response: s.newResponse(request.Seq, request.Command)}
		s.send(resp)
	case *dap.ConfigurationDoneRequest:
		s.onConfigurationDone(request)
	case *dap.ContinueRequest:
		s.onContinue(request)
	case *dap.NextRequest:
		s.onNext(request)
	case *dap.StepInRequest:
		s.onStepIn(request)
	case *dap.StepOutRequest:
		s.onStepOut(request)
	case *dap.PauseRequest:
		s.onPause(request)
	case *dap.ThreadsRequest:
		s.onThreads(request)
	case *dap.StackTraceRequest:
		s.onStackTrace(request)
	case *dap.ScopesRequest:
		s.onScopes(request)
	case *dap.VariablesRequest:
		s.onVariables(request)
	case *dap.SetVariableRequest:
		s.onSetVariable(request)
	case *dap.EvaluateRequest:
		s.onEvaluate(request)
	case *dap.SourceRequest:
		s.sendUnsupported(request.Request, "source")
	case *dap.RestartRequest:
		s.sendUnsupported(request.Request, "restart")
	case *dap.Request:
		s.sendUnsupported(*request, request.Command)
	default:
		s.log.Warn().Str("type", fmt.Sprintf("%T", msg)).Msg("ignoring non-request message")
	}
	return false
}

func (s *Session) sendUnsupported(req dap.Request, what string) {
	resp := &dap.ErrorResponse{}
	resp.Response = s.newResponse(req.Seq, req.Command)
	resp.Success = false
	resp.Message = "unsupported"
	resp.Body.Error = &dap.ErrorMessage{
		Format: fmt.Sprintf("%s is not supported", what),
	}
	s.send(resp)
}

// requireHalted rejects requests that need a stopped target. Returns
// false after sending the error response.
func (s *Session) requireHalted(req dap.Request) bool {
	if st := s.State(); st != StateHalted {
		s.sendErrorResponse(req, "target not stopped", fmt.Errorf("session is %s", st))
		return false
	}
	return true
}

// shutdown tears everything down when the read loop ends without a
// disconnect request, e.g. the editor crashed.
func (s *Session) shutdown() {
	if s.State() == StateTerminated {
		s.closeTransports()
		return
	}
	s.log.Info().Msg("shutting down session")
	s.teardownBackend(true)
	s.sendTerminated()
	s.closeTransports()
}

func (s *Session) closeTransports() {
	if s.client != nil {
		_ = s.client.Close()
	}
	_ = s.conn.Close()
}
