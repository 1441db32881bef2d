package relay

import (
	"strings"

	"github.com/dorklabs/dorkos/internal/dorkerr"
)

// Subjects are dot-separated hierarchical paths. Patterns may use two
// wildcards: "*" matches exactly one segment, ">" matches one or more
// trailing segments and is only legal as the final token.

const (
	wildcardOne  = "*"
	wildcardTail = ">"
)

func segmentOK(seg string) bool {
	if seg == "" {
		return false
	}
	for _, r := range seg {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
		default:
			return false
		}
	}
	return true
}

// ValidateSubject checks a concrete (wildcard-free) subject.
func ValidateSubject(subject string) error {
	if subject == "" {
		return dorkerr.New(dorkerr.CodeInvalidInput, "empty subject")
	}
	for _, seg := range strings.Split(subject, ".") {
		if !segmentOK(seg) {
			return dorkerr.Newf(dorkerr.CodeInvalidInput, "invalid subject %q", subject)
		}
	}
	return nil
}

// ValidatePattern checks a subscription pattern.
func ValidatePattern(pattern string) error {
	if pattern == "" {
		return dorkerr.New(dorkerr.CodeInvalidInput, "empty pattern")
	}
	segs := strings.Split(pattern, ".")
	for i, seg := range segs {
		switch seg {
		case wildcardOne:
		case wildcardTail:
			if i != len(segs)-1 {
				return dorkerr.Newf(dorkerr.CodeInvalidInput, "%q: '>' must be the final token", pattern)
			}
		default:
			if !segmentOK(seg) {
				return dorkerr.Newf(dorkerr.CodeInvalidInput, "invalid pattern %q", pattern)
			}
		}
	}
	return nil
}

// MatchSubject reports whether a concrete subject matches a pattern.
// Assumes both have been validated.
func MatchSubject(pattern, subject string) bool {
	ps := strings.Split(pattern, ".")
	ss := strings.Split(subject, ".")

	for i, p := range ps {
		if p == wildcardTail {
			// ">" needs at least one remaining subject segment.
			return len(ss) > i
		}
		if i >= len(ss) {
			return false
		}
		if p != wildcardOne && p != ss[i] {
			return false
		}
	}
	return len(ps) == len(ss)
}

// TailSegment returns the final segment of a subject.
func TailSegment(subject string) string {
	idx := strings.LastIndexByte(subject, '.')
	if idx < 0 {
		return subject
	}
	return subject[idx+1:]
}
