package policy

import "fmt"

// Template names accepted by FromTemplate.
const (
	TemplateStrict     = "strict"
	TemplateBalanced   = "balanced"
	TemplatePermissive = "permissive"
)

// strictTemplate blocks everything that is not explicitly needed. Shell and
// secret access always require an approval; file writes outside /tmp are
// blocked.
const strictTemplate = `
file:
  default: block
  rules:
    - pattern: "**/.ssh/**"
      decision: block
      priority: 100
      reason: credential material
    - pattern: "**/.aws/**"
      decision: block
      priority: 100
      reason: credential material
    - pattern: "/tmp/**"
      decision: allow
    - pattern: "/tmp"
      decision: allow
network:
  default: block
shell:
  default: approve
secret:
  default: block
`

// balancedTemplate allows routine work but gates destructive or sensitive
// operations behind approvals.
const balancedTemplate = `
file:
  default: allow
  rules:
    - pattern: "**/.ssh/**"
      decision: block
      priority: 100
      reason: credential material
    - pattern: "**/.aws/credentials"
      decision: block
      priority: 100
      reason: credential material
    - pattern: "/etc/**"
      decision: approve
      priority: 50
network:
  default: approve
  rules:
    - host: "*.githubusercontent.com"
      decision: allow
    - host: "github.com"
      decision: allow
shell:
  default: approve
  rules:
    - command: "rm -rf*"
      decision: block
      priority: 100
      reason: destructive
    - command: "git *"
      decision: allow
    - command: "ls*"
      decision: allow
secret:
  default: approve
  rules:
    - name: "*_PUBLIC*"
      decision: allow
`

// permissiveTemplate allows nearly everything; only credential theft and
// plainly destructive commands are still refused.
const permissiveTemplate = `
file:
  default: allow
  rules:
    - pattern: "**/.ssh/**"
      decision: block
      priority: 100
      reason: credential material
network:
  default: allow
shell:
  default: allow
  rules:
    - command: "rm -rf /*"
      decision: block
      priority: 100
      reason: destructive
secret:
  default: allow
`

// FromTemplate builds an Engine from one of the named built-in templates.
func FromTemplate(name string, audit AuditFunc) (*Engine, error) {
	var doc string
	switch name {
	case TemplateStrict:
		doc = strictTemplate
	case TemplateBalanced:
		doc = balancedTemplate
	case TemplatePermissive:
		doc = permissiveTemplate
	default:
		return nil, fmt.Errorf("policy: unknown template %q", name)
	}
	return Parse([]byte(doc), audit)
}
