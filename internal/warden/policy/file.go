package policy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// File is the on-disk YAML representation of a policy set.
//
//	file:
//	  default: allow
//	  rules:
//	    - pattern: "**/.ssh/**"
//	      decision: block
//	      reason: credential material
//	network:
//	  default: approve
//	  rules:
//	    - host: "*.internal.example.com"
//	      decision: allow
//	      ports: [443]
type File struct {
	File    Section `yaml:"file"`
	Network Section `yaml:"network"`
	Shell   Section `yaml:"shell"`
	Secret  Section `yaml:"secret"`
}

// Section describes one surface: its default decision and ordered rules.
type Section struct {
	Default Decision   `yaml:"default"`
	Rules   []FileRule `yaml:"rules"`
}

// FileRule is the YAML form of a rule. Exactly one of the type-specific
// pattern keys must be set, matching the section the rule appears in.
type FileRule struct {
	ID       string   `yaml:"id,omitempty"`
	Decision Decision `yaml:"decision"`
	Priority int      `yaml:"priority,omitempty"`
	Disabled bool     `yaml:"disabled,omitempty"`
	Reason   string   `yaml:"reason,omitempty"`

	Pattern   string   `yaml:"pattern,omitempty"`   // file
	Host      string   `yaml:"host,omitempty"`      // network
	Ports     []int    `yaml:"ports,omitempty"`     // network
	Protocols []string `yaml:"protocols,omitempty"` // network
	Command   string   `yaml:"command,omitempty"`   // shell
	Args      []string `yaml:"args,omitempty"`      // shell
	Name      string   `yaml:"name,omitempty"`      // secret
}

// Parse decodes a policy YAML document and loads it into a fresh Engine.
func Parse(data []byte, audit AuditFunc) (*Engine, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("policy parse: %w", err)
	}
	return f.Build(audit)
}

// LoadFile reads and parses a policy file from disk.
func LoadFile(path string, audit AuditFunc) (*Engine, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policy: read %s: %w", path, err)
	}
	return Parse(data, audit)
}

// Build validates the file and constructs an Engine from it.
func (f *File) Build(audit AuditFunc) (*Engine, error) {
	e := NewEngine(Allow, audit)

	sections := []struct {
		surface Surface
		section Section
	}{
		{SurfaceFile, f.File},
		{SurfaceNetwork, f.Network},
		{SurfaceShell, f.Shell},
		{SurfaceSecret, f.Secret},
	}

	for _, s := range sections {
		if s.section.Default != "" {
			if err := e.SetDefault(s.surface, s.section.Default); err != nil {
				return nil, err
			}
		}
		for i, fr := range s.section.Rules {
			rule, err := fr.toRule(s.surface)
			if err != nil {
				return nil, fmt.Errorf("policy: %s rules[%d]: %w", s.surface, i, err)
			}
			if err := e.AddRule(rule); err != nil {
				return nil, err
			}
		}
	}
	return e, nil
}

func (fr FileRule) toRule(surface Surface) (Rule, error) {
	if !ValidDecision(fr.Decision) {
		return Rule{}, fmt.Errorf("invalid decision %q", fr.Decision)
	}
	r := Rule{
		ID:       fr.ID,
		Surface:  surface,
		Decision: fr.Decision,
		Priority: fr.Priority,
		Enabled:  !fr.Disabled,
		Reason:   fr.Reason,
	}
	switch surface {
	case SurfaceFile:
		if fr.Pattern == "" {
			return Rule{}, fmt.Errorf("file rule requires pattern")
		}
		r.Pattern = fr.Pattern
	case SurfaceNetwork:
		if fr.Host == "" {
			return Rule{}, fmt.Errorf("network rule requires host")
		}
		r.Host, r.Ports, r.Protocols = fr.Host, fr.Ports, fr.Protocols
	case SurfaceShell:
		if fr.Command == "" {
			return Rule{}, fmt.Errorf("shell rule requires command")
		}
		r.Command, r.ArgPatterns = fr.Command, fr.Args
	case SurfaceSecret:
		if fr.Name == "" {
			return Rule{}, fmt.Errorf("secret rule requires name")
		}
		r.Name = fr.Name
	}
	return r, nil
}
