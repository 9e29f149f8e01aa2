// Package policy implements prioritized rule evaluation for file, network,
// shell, and secret access requests.
//
// The engine holds one rule list per surface. Evaluation is deterministic:
// enabled rules are considered in priority order (higher first, insertion
// order breaking ties) and the first match wins; when nothing matches the
// surface's default decision is returned. Every evaluation is reported to the
// audit sink together with the matched rule ID so that operators can answer
// "why was this blocked" after the fact.
package policy

import "fmt"

// Decision is the outcome of a policy evaluation.
type Decision string

const (
	// Allow permits the request.
	Allow Decision = "allow"
	// Block denies the request outright.
	Block Decision = "block"
	// Approve permits the request only with an explicit human approval.
	Approve Decision = "approve"
)

// Surface identifies which rule list a request is evaluated against.
type Surface string

const (
	SurfaceFile    Surface = "file"
	SurfaceNetwork Surface = "network"
	SurfaceShell   Surface = "shell"
	SurfaceSecret  Surface = "secret"
)

// FileOp is the operation requested on a path.
type FileOp string

const (
	OpRead   FileOp = "read"
	OpWrite  FileOp = "write"
	OpDelete FileOp = "delete"
	OpList   FileOp = "list"
)

// Request is a tagged access request. Only the fields for the request's
// Surface are meaningful.
type Request struct {
	Surface Surface

	// File
	Path string
	Op   FileOp

	// Network. Port 0 and Protocol "" mean the request does not carry
	// that field; rules constrained on it then never match.
	Host     string
	Port     int
	Protocol string

	// Shell
	Command string
	Args    []string

	// Secret
	Name string
}

// FileRequest builds a file-surface request.
func FileRequest(path string, op FileOp) Request {
	return Request{Surface: SurfaceFile, Path: path, Op: op}
}

// NetworkRequest builds a network-surface request. Pass port 0 or protocol ""
// when the caller does not know them.
func NetworkRequest(host string, port int, protocol string) Request {
	return Request{Surface: SurfaceNetwork, Host: host, Port: port, Protocol: protocol}
}

// ShellRequest builds a shell-surface request.
func ShellRequest(command string, args []string) Request {
	return Request{Surface: SurfaceShell, Command: command, Args: args}
}

// SecretRequest builds a secret-surface request.
func SecretRequest(name string) Request {
	return Request{Surface: SurfaceSecret, Name: name}
}

// Describe returns the primary resource string of the request, used in audit
// entries and error messages.
func (r Request) Describe() string {
	switch r.Surface {
	case SurfaceFile:
		return fmt.Sprintf("%s:%s", r.Op, r.Path)
	case SurfaceNetwork:
		if r.Port > 0 {
			return fmt.Sprintf("%s:%d", r.Host, r.Port)
		}
		return r.Host
	case SurfaceShell:
		return r.Command
	case SurfaceSecret:
		return r.Name
	default:
		return ""
	}
}

// Rule is a single policy rule. The pattern fields used depend on Surface:
// Pattern for file rules, Host/Ports/Protocols for network rules,
// Command/ArgPatterns for shell rules, Name for secret rules.
type Rule struct {
	ID       string
	Surface  Surface
	Decision Decision
	Priority int
	Enabled  bool
	Reason   string

	// File: path glob. "**" matches zero or more path segments, "*" matches
	// exactly one segment, "?" matches one character.
	Pattern string

	// Network: exact host or "*.suffix" wildcard. Optional port/protocol
	// constraints; when set, the rule only matches requests that carry the
	// field with a listed value.
	Host      string
	Ports     []int
	Protocols []string

	// Shell: glob over the full command string, optional arg globs that must
	// each match at least one argument.
	Command     string
	ArgPatterns []string

	// Secret: glob over the variable name.
	Name string
}

// Result is the outcome of one evaluation. RuleID is "default" when no rule
// matched.
type Result struct {
	Decision Decision
	RuleID   string
	Reason   string
}

// DefaultRuleID marks results produced by a surface's default decision.
const DefaultRuleID = "default"

// ValidDecision reports whether d is one of allow, block, approve.
func ValidDecision(d Decision) bool {
	switch d {
	case Allow, Block, Approve:
		return true
	}
	return false
}
