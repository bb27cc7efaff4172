// Command dlv-dap bridges an editor speaking the Debug Adapter Protocol
// to a Delve headless backend, by default over stdio.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/godbg/dlv-dap/debug/adapter"
	"github.com/godbg/dlv-dap/logging"
	"github.com/godbg/dlv-dap/tools/debug"
)

const version = "0.1.0"

var (
	flagListen   string
	flagConfig   string
	flagLogLevel string
	flagLogFile  string
)

func main() {
	root := &cobra.Command{
		Use:           "dlv-dap",
		Short:         "Debug adapter bridging DAP editors to a Delve backend",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runServe,
	}
	root.PersistentFlags().StringVar(&flagConfig, "config", "", "path to YAML config file")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flagLogFile, "log-file", "", "write logs to this file instead of stderr")
	root.Flags().StringVar(&flagListen, "listen", "", "serve DAP over TCP on this address instead of stdio")

	root.AddCommand(&cobra.Command{
		Use:   "mcp",
		Short: "Serve debug sessions as MCP tools on stdio",
		RunE:  runMCP,
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setup loads the config file and initializes logging. Flags win over
// the file.
func setup() (*Config, error) {
	cfg, err := loadConfig(flagConfig)
	if err != nil {
		return nil, err
	}

	levelName := cfg.Log.Level
	if flagLogLevel != "" {
		levelName = flagLogLevel
	}
	level := logging.ParseLevel(levelName)

	logFile := cfg.Log.File
	if flagLogFile != "" {
		logFile = flagLogFile
	}
	if logFile != "" {
		if err := logging.InitFile(logFile, level); err != nil {
			return nil, err
		}
	} else {
		logging.Init(logging.Config{Level: level})
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := setup()
	if err != nil {
		return err
	}

	opts := adapter.Options{
		DefaultBuildBinary:    cfg.BuildBinary,
		DefaultSubstitutePath: cfg.SubstitutePath,
	}

	if flagListen != "" {
		return adapter.ListenAndServe(flagListen, opts)
	}

	// Stdio mode: stdout belongs to the protocol, so the log must be on
	// stderr or in a file.
	logging.Logger.Info().Msg("serving DAP on stdio")
	return adapter.Serve(stdio{os.Stdin, os.Stdout}, opts)
}

func runMCP(cmd *cobra.Command, args []string) error {
	if _, err := setup(); err != nil {
		return err
	}

	s := server.NewMCPServer(
		"dlv-dap",
		version,
		server.WithToolCapabilities(true),
	)
	manager := debug.RegisterTools(s)
	defer manager.Shutdown()

	logging.Logger.Info().Msg("serving MCP on stdio")
	return server.ServeStdio(s)
}

// stdio joins the process's standard streams into one connection.
type stdio struct {
	io.Reader
	io.Writer
}

func (stdio) Close() error { return nil }
