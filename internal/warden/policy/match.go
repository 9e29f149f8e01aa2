package policy

import (
	"path"
	"strings"
)

// MatchPath reports whether the path glob matches p. Both are normalized to
// forward slashes and split into segments. "**" matches zero or more whole
// segments, "*" matches exactly one segment, "?" matches a single character
// within a segment.
func MatchPath(pattern, p string) bool {
	pat := splitSegments(pattern)
	segs := splitSegments(p)
	return matchSegments(pat, segs)
}

func splitSegments(p string) []string {
	p = strings.ReplaceAll(p, "\\", "/")
	p = path.Clean("/" + p)
	trimmed := strings.Trim(p, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func matchSegments(pattern, segs []string) bool {
	if len(pattern) == 0 {
		return len(segs) == 0
	}
	if pattern[0] == "**" {
		// Zero or more segments.
		for i := 0; i <= len(segs); i++ {
			if matchSegments(pattern[1:], segs[i:]) {
				return true
			}
		}
		return false
	}
	if len(segs) == 0 {
		return false
	}
	if !matchGlob(pattern[0], segs[0]) {
		return false
	}
	return matchSegments(pattern[1:], segs[1:])
}

// matchGlob is a full-string glob over a single segment or name: "*" matches
// any run of characters, "?" matches exactly one.
func matchGlob(pattern, s string) bool {
	p := []rune(pattern)
	r := []rune(s)
	return globRunes(p, r)
}

func globRunes(p, s []rune) bool {
	for len(p) > 0 {
		switch p[0] {
		case '*':
			// Collapse consecutive stars.
			for len(p) > 0 && p[0] == '*' {
				p = p[1:]
			}
			if len(p) == 0 {
				return true
			}
			for i := 0; i <= len(s); i++ {
				if globRunes(p, s[i:]) {
					return true
				}
			}
			return false
		case '?':
			if len(s) == 0 {
				return false
			}
			p, s = p[1:], s[1:]
		default:
			if len(s) == 0 || p[0] != s[0] {
				return false
			}
			p, s = p[1:], s[1:]
		}
	}
	return len(s) == 0
}

// MatchHost reports whether the host pattern matches host. A pattern of the
// form "*.suffix" matches any single-or-multi-label prefix of ".suffix" and
// the bare suffix itself; anything else is an exact case-insensitive match.
func MatchHost(pattern, host string) bool {
	pattern = strings.ToLower(strings.TrimSuffix(pattern, "."))
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if suffix, ok := strings.CutPrefix(pattern, "*."); ok {
		return host == suffix || strings.HasSuffix(host, "."+suffix)
	}
	return pattern == host
}

// MatchCommand reports whether the shell rule matches the command line. The
// command pattern is a glob over the full command string; each arg pattern,
// when present, must match at least one argument.
func MatchCommand(cmdPattern string, argPatterns []string, command string, args []string) bool {
	if !matchGlob(cmdPattern, command) {
		return false
	}
	for _, ap := range argPatterns {
		found := false
		for _, a := range args {
			if matchGlob(ap, a) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// MatchSecretName reports whether the secret-name glob matches name.
func MatchSecretName(pattern, name string) bool {
	return matchGlob(pattern, name)
}

// PathWithin reports whether p is lexically inside root (or equal to it).
// "/tmp-other/x" is not within "/tmp".
func PathWithin(root, p string) bool {
	rootSegs := splitSegments(root)
	pSegs := splitSegments(p)
	if len(pSegs) < len(rootSegs) {
		return false
	}
	for i, seg := range rootSegs {
		if pSegs[i] != seg {
			return false
		}
	}
	return true
}

// matches reports whether the rule matches the request. The rule's surface
// must already equal the request's.
func (r *Rule) matches(req Request) bool {
	switch r.Surface {
	case SurfaceFile:
		return MatchPath(r.Pattern, req.Path)
	case SurfaceNetwork:
		if !MatchHost(r.Host, req.Host) {
			return false
		}
		if len(r.Ports) > 0 {
			if req.Port == 0 {
				return false
			}
			ok := false
			for _, p := range r.Ports {
				if p == req.Port {
					ok = true
					break
				}
			}
			if !ok {
				return false
			}
		}
		if len(r.Protocols) > 0 {
			if req.Protocol == "" {
				return false
			}
			ok := false
			for _, proto := range r.Protocols {
				if strings.EqualFold(proto, req.Protocol) {
					ok = true
					break
				}
			}
			if !ok {
				return false
			}
		}
		return true
	case SurfaceShell:
		return MatchCommand(r.Command, r.ArgPatterns, req.Command, req.Args)
	case SurfaceSecret:
		return MatchSecretName(r.Name, req.Name)
	default:
		return false
	}
}
