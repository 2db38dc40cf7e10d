package policy

import (
	"fmt"
	"slices"
	"strings"

	"github.com/yairfalse/argus/types"
)

// ResourceSelector narrows the resources a policy applies to. Empty fields
// match everything. Exclusions are evaluated after inclusion and always win.
type ResourceSelector struct {
	Cloud         string            `yaml:"cloud,omitempty" json:"cloud,omitempty"`
	ResourceTypes []string          `yaml:"resource_types,omitempty" json:"resource_types,omitempty"`
	Tags          map[string]string `yaml:"tags,omitempty" json:"tags,omitempty"`
	Regions       []string          `yaml:"regions,omitempty" json:"regions,omitempty"`
	Accounts      []string          `yaml:"accounts,omitempty" json:"accounts,omitempty"`
	Exclude       Exclusions        `yaml:"exclude,omitempty" json:"exclude,omitempty"`

	compiled     bool
	includeTypes []types.TypePattern
	excludeTypes []types.TypePattern
}

// Exclusions remove otherwise selected resources.
type Exclusions struct {
	ResourceTypes []string          `yaml:"resource_types,omitempty" json:"resource_types,omitempty"`
	Tags          map[string]string `yaml:"tags,omitempty" json:"tags,omitempty"`
	Regions       []string          `yaml:"regions,omitempty" json:"regions,omitempty"`
	Accounts      []string          `yaml:"accounts,omitempty" json:"accounts,omitempty"`
	ResourceIDs   []string          `yaml:"resource_ids,omitempty" json:"resource_ids,omitempty"`
}

// Compile validates type patterns and prepares the selector for matching.
// Compiling an already compiled selector is a no-op.
func (s *ResourceSelector) Compile() error {
	if s.compiled {
		return nil
	}
	var err error
	if s.includeTypes, err = compileTypes(s.ResourceTypes); err != nil {
		return fmt.Errorf("selector.resource_types: %w", err)
	}
	if s.excludeTypes, err = compileTypes(s.Exclude.ResourceTypes); err != nil {
		return fmt.Errorf("selector.exclude.resource_types: %w", err)
	}
	for k := range s.Tags {
		if strings.TrimSpace(k) == "" {
			return fmt.Errorf("selector.tags: empty tag key")
		}
	}
	s.compiled = true
	return nil
}

func compileTypes(patterns []string) ([]types.TypePattern, error) {
	out := make([]types.TypePattern, 0, len(patterns))
	for _, p := range patterns {
		tp, err := types.CompileTypePattern(p)
		if err != nil {
			return nil, err
		}
		out = append(out, tp)
	}
	return out, nil
}

// Matches reports whether the resource is in scope. An uncompiled selector
// is compiled on a copy; one whose patterns do not compile matches nothing.
func (s *ResourceSelector) Matches(r *types.Resource) bool {
	sel := s
	if !s.compiled {
		c := *s
		if err := c.Compile(); err != nil {
			return false
		}
		sel = &c
	}
	return sel.included(r) && !sel.excluded(r)
}

func (s *ResourceSelector) included(r *types.Resource) bool {
	if s.Cloud != "" && !strings.EqualFold(s.Cloud, r.Cloud) {
		return false
	}
	if len(s.includeTypes) > 0 && !anyTypeMatches(s.includeTypes, r.Type) {
		return false
	}
	if len(s.Regions) > 0 && !slices.Contains(s.Regions, r.Region) {
		return false
	}
	if len(s.Accounts) > 0 && !slices.Contains(s.Accounts, r.Account) {
		return false
	}
	// Every listed tag must match.
	for k, want := range s.Tags {
		got, ok := r.Tags[k]
		if !ok || !tagValueMatches(want, got) {
			return false
		}
	}
	return true
}

func (s *ResourceSelector) excluded(r *types.Resource) bool {
	ex := s.Exclude
	if slices.Contains(ex.ResourceIDs, r.ID) {
		return true
	}
	if anyTypeMatches(s.excludeTypes, r.Type) {
		return true
	}
	if slices.Contains(ex.Regions, r.Region) || slices.Contains(ex.Accounts, r.Account) {
		return true
	}
	// Any matching tag excludes.
	for k, want := range ex.Tags {
		if got, ok := r.Tags[k]; ok && tagValueMatches(want, got) {
			return true
		}
	}
	return false
}

func anyTypeMatches(patterns []types.TypePattern, typ string) bool {
	for _, p := range patterns {
		if p.Match(typ) {
			return true
		}
	}
	return false
}

// tagValueMatches supports exact values, "v1|v2" alternatives and "*" for
// any value.
func tagValueMatches(want, got string) bool {
	if want == "*" {
		return true
	}
	for _, alt := range strings.Split(want, "|") {
		if alt == got {
			return true
		}
	}
	return false
}
