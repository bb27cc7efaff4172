// Package debug exposes interactive debug sessions as MCP tools, so an
// agent can drive the same backend bridge an editor would.
package debug

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// RegisterTools registers the debug tools on an MCP server. The
// returned manager owns every session the tools create; call Shutdown
// on it when the server stops.
func RegisterTools(s *server.MCPServer) *Manager {
	m := NewManager()

	registerStartDebug(s, m)
	registerTerminateDebug(s, m)
	registerListSessions(s, m)
	registerSetBreakpoint(s, m)
	registerRunCommand(s, m, "continue", "Continue execution until the next breakpoint or program exit",
		func(sess *Session) (string, error) { return sess.Continue() })
	registerRunCommand(s, m, "next", "Step over the current line",
		func(sess *Session) (string, error) { return sess.Next() })
	registerRunCommand(s, m, "step_in", "Step into the function call on the current line",
		func(sess *Session) (string, error) { return sess.StepIn() })
	registerRunCommand(s, m, "step_out", "Run until the current function returns",
		func(sess *Session) (string, error) { return sess.StepOut() })
	registerEvaluate(s, m)

	return m
}

func registerStartDebug(s *server.MCPServer, m *Manager) {
	tool := mcp.NewTool("start_debug",
		mcp.WithDescription("Start a debug session for a Go program"),
		mcp.WithString("program",
			mcp.Required(),
			mcp.Description("Path to the Go program to debug (file, package directory, or binary)"),
		),
		mcp.WithArray("args",
			mcp.Description("Command line arguments for the program"),
			mcp.Items(map[string]interface{}{"type": "string"}),
		),
		mcp.WithString("mode",
			mcp.Description("How to prepare the program: build and debug, run under the test harness, or execute a prebuilt binary"),
			mcp.Enum(string(ModeDebug), string(ModeTest), string(ModeExec)),
		),
	)

	s.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		program, err := request.RequireString("program")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		mode := Mode(request.GetString("mode", ""))
		if mode == "" {
			mode, err = DefaultMode(program)
			if err != nil {
				return mcp.NewToolResultError(fmt.Sprintf("cannot infer debug mode: %v", err)), nil
			}
		}

		args := request.GetStringSlice("args", nil)

		sess, err := m.Create(ctx, program, args, mode)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("start debug session: %v", err)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("Debug session started with ID: %s\nProgram: %s\nMode: %s",
			sess.ID, sess.Program, sess.Mode)), nil
	})
}

func registerTerminateDebug(s *server.MCPServer, m *Manager) {
	tool := mcp.NewTool("terminate_debug",
		mcp.WithDescription("Terminate a debug session"),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description("ID of the debug session to terminate"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := request.RequireString("session_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if err := m.Terminate(id); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("terminate session: %v", err)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("Debug session %s terminated", id)), nil
	})
}

func registerListSessions(s *server.MCPServer, m *Manager) {
	tool := mcp.NewTool("list_debug_sessions",
		mcp.WithDescription("List active debug sessions"),
	)

	s.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessions := m.List()
		if len(sessions) == 0 {
			return mcp.NewToolResultText("No active debug sessions"), nil
		}
		var b strings.Builder
		b.WriteString("Active debug sessions:\n\n")
		for _, sess := range sessions {
			fmt.Fprintf(&b, "ID: %s\nProgram: %s\nState: %s\n\n", sess.ID, sess.Program, sess.StateName())
		}
		return mcp.NewToolResultText(b.String()), nil
	})
}

func registerSetBreakpoint(s *server.MCPServer, m *Manager) {
	tool := mcp.NewTool("set_breakpoint",
		mcp.WithDescription("Set a breakpoint in a debug session"),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description("ID of the debug session"),
		),
		mcp.WithString("file",
			mcp.Required(),
			mcp.Description("Source file to set the breakpoint in (absolute path)"),
		),
		mcp.WithNumber("line",
			mcp.Required(),
			mcp.Description("Line number to set the breakpoint at"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := request.RequireString("session_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		file, err := request.RequireString("file")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		line, err := request.RequireInt("line")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		sess, err := m.Get(id)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		bpID, err := sess.SetBreakpoint(file, line)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("set breakpoint: %v", err)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("Breakpoint set at %s:%d (ID: %d)", file, line, bpID)), nil
	})
}

func registerRunCommand(s *server.MCPServer, m *Manager, name, description string, run func(*Session) (string, error)) {
	tool := mcp.NewTool(name,
		mcp.WithDescription(description),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description("ID of the debug session"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := request.RequireString("session_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		sess, err := m.Get(id)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		result, err := run(sess)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("%s: %v", name, err)), nil
		}
		return mcp.NewToolResultText(result), nil
	})
}

func registerEvaluate(s *server.MCPServer, m *Manager) {
	tool := mcp.NewTool("evaluate",
		mcp.WithDescription("Evaluate an expression in a stopped debug session"),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description("ID of the debug session"),
		),
		mcp.WithString("expression",
			mcp.Required(),
			mcp.Description("Expression to evaluate in the current frame"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := request.RequireString("session_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		expr, err := request.RequireString("expression")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		sess, err := m.Get(id)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		result, err := sess.Evaluate(expr)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("evaluate: %v", err)), nil
		}
		return mcp.NewToolResultText("Expression result: " + result), nil
	})
}
