// Package buildtool wraps the build-orchestration CLI used to resolve
// source files to buildable targets. The adapter never re-derives
// repository layout itself; the build tool owns that knowledge.
package buildtool

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/godbg/dlv-dap/logging"
)

// Resolver maps a source file to the build targets that consume it.
type Resolver interface {
	WhatInputs(ctx context.Context, file string) ([]string, error)
}

// CLI shells out to the build tool binary.
type CLI struct {
	// Binary is the build tool executable name or path.
	Binary string
	// RepoRoot is the repository root queries run in.
	RepoRoot string

	log zerolog.Logger

	mu      sync.Mutex
	binPath string
}

// New creates a CLI resolver.
func New(binary, repoRoot string) *CLI {
	return &CLI{
		Binary:   binary,
		RepoRoot: repoRoot,
		log:      logging.Component("buildtool"),
	}
}

// binaryPath resolves and caches the tool's absolute path. The cache is
// advisory; ClearCache drops it.
func (c *CLI) binaryPath() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.binPath != "" {
		return c.binPath, nil
	}
	path, err := exec.LookPath(c.Binary)
	if err != nil {
		return "", fmt.Errorf("build tool %q not found: %w", c.Binary, err)
	}
	c.binPath = path
	return path, nil
}

// ClearCache drops the cached binary path.
func (c *CLI) ClearCache() {
	c.mu.Lock()
	c.binPath = ""
	c.mu.Unlock()
}

// WhatInputs returns the build targets that treat file as an input.
// The tool emits a JSON array of target labels on stdout; older
// versions emit one label per line, so both are accepted.
func (c *CLI) WhatInputs(ctx context.Context, file string) ([]string, error) {
	bin, err := c.binaryPath()
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, bin, "query", "whatinputs", "--json", file)
	cmd.Dir = c.RepoRoot
	out, err := cmd.Output()
	if err != nil {
		var stderr string
		if exitErr, ok := err.(*exec.ExitError); ok {
			stderr = strings.TrimSpace(string(exitErr.Stderr))
		}
		return nil, fmt.Errorf("query targets for %s: %w (%s)", file, err, stderr)
	}

	targets := ParseTargets(string(out))
	c.log.Debug().Str("file", file).Strs("targets", targets).Msg("resolved build targets")
	return targets, nil
}

// ParseTargets extracts target labels from tool output, accepting a
// JSON array or line-delimited labels.
func ParseTargets(out string) []string {
	trimmed := strings.TrimSpace(out)
	if trimmed == "" {
		return nil
	}
	if gjson.Valid(trimmed) {
		parsed := gjson.Parse(trimmed)
		if parsed.IsArray() {
			var targets []string
			parsed.ForEach(func(_, value gjson.Result) bool {
				if s := strings.TrimSpace(value.String()); s != "" {
					targets = append(targets, s)
				}
				return true
			})
			return targets
		}
	}
	var targets []string
	for _, line := range strings.Split(trimmed, "\n") {
		if s := strings.TrimSpace(line); s != "" && strings.HasPrefix(s, "//") {
			targets = append(targets, s)
		}
	}
	return targets
}
