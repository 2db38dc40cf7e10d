package types

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/gobwas/glob"
)

// TypeSeparator splits hierarchical resource types such as aws:s3:bucket.
const TypeSeparator = ':'

// TypePattern is a compiled resource-type pattern. Each ':'-separated segment
// may contain at most one '*', which never matches across segments.
type TypePattern struct {
	raw string
	g   glob.Glob
}

// CompileTypePattern validates and compiles a type pattern.
func CompileTypePattern(pattern string) (TypePattern, error) {
	if pattern == "" {
		return TypePattern{}, fmt.Errorf("empty resource type pattern")
	}
	if strings.ContainsAny(pattern, `?[]{}\!`) {
		return TypePattern{}, fmt.Errorf("resource type %q: only '*' wildcards are supported", pattern)
	}
	for _, seg := range strings.Split(pattern, string(TypeSeparator)) {
		if seg == "" {
			return TypePattern{}, fmt.Errorf("resource type %q: empty segment", pattern)
		}
		if strings.Count(seg, "*") > 1 {
			return TypePattern{}, fmt.Errorf("resource type %q: at most one '*' per segment", pattern)
		}
	}
	g, err := glob.Compile(pattern, TypeSeparator)
	if err != nil {
		return TypePattern{}, fmt.Errorf("resource type %q: %w", pattern, err)
	}
	return TypePattern{raw: pattern, g: g}, nil
}

// MustCompileTypePattern panics on invalid patterns.
func MustCompileTypePattern(pattern string) TypePattern {
	p, err := CompileTypePattern(pattern)
	if err != nil {
		panic(err)
	}
	return p
}

func (p TypePattern) String() string { return p.raw }

// HasWildcard reports whether the pattern is not a literal type.
func (p TypePattern) HasWildcard() bool {
	return strings.Contains(p.raw, "*")
}

// Match tests a concrete resource type.
func (p TypePattern) Match(resourceType string) bool {
	if p.g == nil {
		return false
	}
	return p.g.Match(resourceType)
}

// AnchoredRegex renders the pattern as a fully anchored regular expression in
// which '*' matches within one segment only. Graph backends use it where no
// glob support exists.
func (p TypePattern) AnchoredRegex() string {
	var b strings.Builder
	b.WriteString("^")
	for i, part := range strings.Split(p.raw, "*") {
		if i > 0 {
			b.WriteString("[^:]*")
		}
		b.WriteString(regexp.QuoteMeta(part))
	}
	b.WriteString("$")
	return b.String()
}
