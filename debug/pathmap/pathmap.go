// Package pathmap translates between the editor's local filesystem paths
// and the paths the backend debugger reports, which may come from a build
// sandbox or another machine entirely.
package pathmap

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/godbg/dlv-dap/logging"
)

// Rule is a single prefix substitution. From is the local side, To the
// backend side.
type Rule struct {
	From string `json:"from" yaml:"from"`
	To   string `json:"to" yaml:"to"`
}

// Translator applies an ordered list of prefix rules in both directions.
// The first matching rule wins; overlapping rules later in the list are
// ignored with a warning, not an error, because toolchain and sandbox
// rules routinely overlap.
type Translator struct {
	rules []Rule
	log   zerolog.Logger

	mu         sync.Mutex
	goroot     string
	gomodcache string
	probed     bool
}

// New creates a Translator with the given rules. Rule paths are
// normalized to slash form once, up front.
func New(rules []Rule) *Translator {
	normalized := make([]Rule, len(rules))
	for i, r := range rules {
		normalized[i] = Rule{
			From: strings.TrimSuffix(filepath.ToSlash(r.From), "/"),
			To:   strings.TrimSuffix(filepath.ToSlash(r.To), "/"),
		}
	}
	return &Translator{
		rules: normalized,
		log:   logging.Component("pathmap"),
	}
}

// SetToolchainRoots overrides the probed GOROOT and module cache roots.
// Used when the launch configuration supplies them, and by tests.
func (t *Translator) SetToolchainRoots(goroot, gomodcache string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.goroot = filepath.ToSlash(goroot)
	t.gomodcache = filepath.ToSlash(gomodcache)
	t.probed = true
}

// ClearCache drops the cached toolchain roots. The cache is advisory;
// clearing it on any ambiguity is always safe.
func (t *Translator) ClearCache() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.goroot = ""
	t.gomodcache = ""
	t.probed = false
}

// ToBackend maps a local path to the backend's view of it.
func (t *Translator) ToBackend(local string) string {
	p := filepath.ToSlash(local)
	if out, ok := t.substitute(p, func(r Rule) (string, string) { return r.From, r.To }); ok {
		return out
	}
	return p
}

// ToLocal maps a backend path to the local filesystem. Paths under the
// backend's toolchain root or module cache are re-rooted onto the local
// toolchain when no rule matches.
func (t *Translator) ToLocal(backend string) string {
	p := filepath.ToSlash(backend)
	if out, ok := t.substitute(p, func(r Rule) (string, string) { return r.To, r.From }); ok {
		return filepath.FromSlash(out)
	}
	if out, ok := t.rerootToolchain(p); ok {
		return filepath.FromSlash(out)
	}
	return filepath.FromSlash(p)
}

// substitute applies the first matching rule. pick selects the match
// side and replacement side of each rule for the direction in use.
func (t *Translator) substitute(p string, pick func(Rule) (from, to string)) (string, bool) {
	matched := -1
	var result string
	for i, r := range t.rules {
		from, to := pick(r)
		rest, ok := prefixRest(p, from)
		if !ok {
			continue
		}
		if matched >= 0 {
			t.log.Warn().
				Str("path", p).
				Str("used", t.rules[matched].From).
				Str("ignored", from).
				Msg("path matches multiple substitution rules, first match wins")
			continue
		}
		matched = i
		result = to + rest
	}
	return result, matched >= 0
}

// prefixRest reports whether p falls under prefix on a path-segment
// boundary, returning the remainder including its leading slash.
func prefixRest(p, prefix string) (string, bool) {
	if prefix == "" || !strings.HasPrefix(p, prefix) {
		return "", false
	}
	rest := p[len(prefix):]
	if rest != "" && !strings.HasPrefix(rest, "/") {
		return "", false
	}
	return rest, true
}

// Markers that identify toolchain-internal paths inside an otherwise
// unknown root.
const (
	stdlibMarker   = "/src/"
	modCacheMarker = "/pkg/mod/"
)

// rerootToolchain resolves backend paths under the backend's GOROOT or
// module cache by locating the marker segment and re-rooting from the
// locally known root.
func (t *Translator) rerootToolchain(p string) (string, bool) {
	goroot, gomodcache := t.toolchainRoots()
	if i := strings.Index(p, modCacheMarker); i >= 0 && gomodcache != "" {
		return gomodcache + "/" + p[i+len(modCacheMarker):], true
	}
	if i := strings.Index(p, stdlibMarker); i >= 0 && goroot != "" {
		return goroot + stdlibMarker[:len(stdlibMarker)-1] + "/" + p[i+len(stdlibMarker):], true
	}
	return "", false
}

func (t *Translator) toolchainRoots() (goroot, gomodcache string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.probed {
		t.goroot = probeGoEnv("GOROOT")
		t.gomodcache = probeGoEnv("GOMODCACHE")
		t.probed = true
	}
	return t.goroot, t.gomodcache
}

// probeGoEnv asks the go tool for an environment value. GOROOT is
// stripped from the child environment so a previously cached value
// cannot leak into the probe meant to discover the true one.
func probeGoEnv(key string) string {
	cmd := exec.Command("go", "env", key)
	env := os.Environ()
	filtered := env[:0]
	for _, kv := range env {
		if strings.HasPrefix(kv, "GOROOT=") {
			continue
		}
		filtered = append(filtered, kv)
	}
	cmd.Env = filtered
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSuffix(filepath.ToSlash(strings.TrimSpace(string(out))), "/")
}

// DelveRules converts the rule list to the [][2]string form Delve's
// CreateBreakpoint API accepts for its own substitute-path handling.
func (t *Translator) DelveRules() [][2]string {
	out := make([][2]string, len(t.rules))
	for i, r := range t.rules {
		out[i] = [2]string{r.From, r.To}
	}
	return out
}

// SameFile compares two paths ignoring separator differences. The
// backend may report files with the separators of its own host, so both
// separator styles are normalized regardless of where we run.
func SameFile(a, b string) bool {
	return normalizeSeparators(a) == normalizeSeparators(b)
}

func normalizeSeparators(p string) string {
	return strings.ReplaceAll(p, `\`, "/")
}
