package sandbox

import (
	"fmt"
	"regexp"
	"strings"

	"kosmos/internal/logging"
)

// Violation describes why a job was rejected by the static policy check.
type Violation struct {
	Rule    string `json:"rule"`    // "dangerous_import", "dangerous_call", "path_escape", "network"
	Detail  string `json:"detail"`  // What matched
	Line    int    `json:"line"`    // 1-based line of the first match
	Snippet string `json:"snippet"` // The offending line, trimmed
}

// Error implements the error interface so a Violation can travel through
// error paths where callers prefer that.
func (v *Violation) Error() string {
	return fmt.Sprintf("policy violation (%s) at line %d: %s", v.Rule, v.Line, v.Detail)
}

// Report returns the structured incident text recorded in the store.
func (v *Violation) Report() string {
	return fmt.Sprintf("rule=%s line=%d detail=%q snippet=%q", v.Rule, v.Line, v.Detail, v.Snippet)
}

// Policy is the static denylist applied to job code before execution.
// The lists mirror what the container sandbox already blocks at runtime,
// so a policy hit is caught cheaply before a process ever starts.
type Policy struct {
	// AllowNetwork disables network keyword checks.
	AllowNetwork bool

	// AllowFileWrite disables write-mode open() checks. Reads inside the
	// scratch dir are always allowed.
	AllowFileWrite bool

	deniedModules  []string
	deniedPatterns []string
	networkWords   []string
}

// deniedModules are interpreter modules that reach outside the sandbox:
// process control, dynamic code loading, and raw network access.
var defaultDeniedModules = []string{
	"os", "subprocess", "sys", "shutil", "importlib",
	"socket", "urllib", "requests", "http", "ftplib",
	"pickle", "ctypes",
}

var defaultDeniedPatterns = []string{
	"eval(", "exec(", "compile(", "__import__",
	"globals(", "locals(", "vars(",
	"delattr(", "setattr(",
}

var defaultNetworkWords = []string{
	"socket", "http", "urllib", "requests", "ftp",
}

var (
	importRe     = regexp.MustCompile(`^\s*(?:import|from)\s+([A-Za-z_][A-Za-z0-9_.]*)`)
	openWriteRe  = regexp.MustCompile(`open\s*\(\s*[^)]*["'][wax]b?\+?["']`)
	pathEscapeRe = regexp.MustCompile(`\.\./|(?:["'])/(?:etc|proc|sys|root|home|var)\b`)
)

// DefaultPolicy returns the stock denylist policy: no network, no file
// writes outside the scratch dir, no dynamic code loading.
func DefaultPolicy() *Policy {
	return &Policy{
		deniedModules:  defaultDeniedModules,
		deniedPatterns: defaultDeniedPatterns,
		networkWords:   defaultNetworkWords,
	}
}

// Check scans code line by line and returns the first violation found, or
// nil if the code passes. Blank and comment lines are skipped; a denylisted
// construct inside a string literal still rejects.
func (p *Policy) Check(code string) *Violation {
	lines := strings.Split(code, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}

		if m := importRe.FindStringSubmatch(line); m != nil {
			root := strings.SplitN(m[1], ".", 2)[0]
			for _, deny := range p.deniedModules {
				if root == deny {
					v := &Violation{
						Rule:    "dangerous_import",
						Detail:  fmt.Sprintf("import of denied module %q", root),
						Line:    i + 1,
						Snippet: trimmed,
					}
					logging.SafetyWarn("policy rejected import %q at line %d", root, i+1)
					return v
				}
			}
		}

		for _, pat := range p.deniedPatterns {
			if strings.Contains(line, pat) {
				v := &Violation{
					Rule:    "dangerous_call",
					Detail:  fmt.Sprintf("use of denied construct %q", strings.TrimSuffix(pat, "(")),
					Line:    i + 1,
					Snippet: trimmed,
				}
				logging.SafetyWarn("policy rejected construct %q at line %d", pat, i+1)
				return v
			}
		}

		if pathEscapeRe.MatchString(line) {
			v := &Violation{
				Rule:    "path_escape",
				Detail:  "path reference outside the sandbox scratch directory",
				Line:    i + 1,
				Snippet: trimmed,
			}
			logging.SafetyWarn("policy rejected path escape at line %d", i+1)
			return v
		}

		if !p.AllowFileWrite && openWriteRe.MatchString(line) {
			v := &Violation{
				Rule:    "file_write",
				Detail:  "open() in write mode",
				Line:    i + 1,
				Snippet: trimmed,
			}
			logging.SafetyWarn("policy rejected write-mode open at line %d", i+1)
			return v
		}

		if !p.AllowNetwork {
			lower := strings.ToLower(line)
			for _, word := range p.networkWords {
				if strings.Contains(lower, word) {
					v := &Violation{
						Rule:    "network",
						Detail:  fmt.Sprintf("network keyword %q with network access disabled", word),
						Line:    i + 1,
						Snippet: trimmed,
					}
					logging.SafetyWarn("policy rejected network keyword %q at line %d", word, i+1)
					return v
				}
			}
		}
	}
	return nil
}

// reject builds the short-circuit result for a policy violation.
func reject(job Job, mode Mode, v *Violation) *Result {
	logging.Safety("job for task %s rejected before start: %s", job.TaskID, v.Error())
	return &Result{
		ExitCode:  -1,
		Violation: v,
		Mode:      mode,
	}
}
