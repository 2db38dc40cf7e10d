package types

import (
	"maps"
	"time"
)

// Resource is one version of a cloud resource node in the temporal graph.
type Resource struct {
	ID           string            `json:"id"`
	Type         string            `json:"type"` // hierarchical, e.g. aws:s3:bucket
	Cloud        string            `json:"cloud"`
	Region       string            `json:"region,omitempty"`
	Account      string            `json:"account,omitempty"`
	Name         string            `json:"name,omitempty"`
	State        string            `json:"state,omitempty"`
	Tags         map[string]string `json:"tags,omitempty"`
	Properties   Properties        `json:"properties,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	LastModified time.Time         `json:"last_modified"`

	ValidFrom time.Time  `json:"valid_from"`
	ValidTo   *time.Time `json:"valid_to,omitempty"`
	Version   int64      `json:"version"`
}

// IsCurrent reports whether this version has not been superseded.
func (r *Resource) IsCurrent() bool {
	return r.ValidTo == nil
}

// SameContent compares the descriptive attributes of two versions, ignoring
// versioning fields and timestamps.
func (r *Resource) SameContent(o *Resource) bool {
	return r.ID == o.ID &&
		r.Type == o.Type &&
		r.Cloud == o.Cloud &&
		r.Region == o.Region &&
		r.Account == o.Account &&
		r.Name == o.Name &&
		r.State == o.State &&
		equalTags(r.Tags, o.Tags) &&
		r.Properties.Equal(o.Properties)
}

// Document exposes the resource as a value tree for field-path lookups.
func (r *Resource) Document() Value {
	return Map(map[string]Value{
		"id":         String(r.ID),
		"type":       String(r.Type),
		"cloud":      String(r.Cloud),
		"region":     String(r.Region),
		"account":    String(r.Account),
		"name":       String(r.Name),
		"state":      String(r.State),
		"tags":       tagsValue(r.Tags),
		"properties": r.Properties.Value(),
		"version":    Int(r.Version),
	})
}

// Clone returns a deep-enough copy for version advancing.
func (r *Resource) Clone() *Resource {
	out := *r
	out.Tags = maps.Clone(r.Tags)
	out.Properties = maps.Clone(r.Properties)
	if r.ValidTo != nil {
		t := *r.ValidTo
		out.ValidTo = &t
	}
	return &out
}

// IdentityType distinguishes principals.
type IdentityType string

const (
	IdentityUser    IdentityType = "user"
	IdentityRole    IdentityType = "role"
	IdentityService IdentityType = "service"
)

// Identity is one version of a principal node.
type Identity struct {
	ID           string       `json:"id"`
	Type         IdentityType `json:"type"`
	ARN          string       `json:"arn,omitempty"`
	Name         string       `json:"name,omitempty"`
	Cloud        string       `json:"cloud"`
	CreatedAt    time.Time    `json:"created_at"`
	LastActivity time.Time    `json:"last_activity"`

	ValidFrom time.Time  `json:"valid_from"`
	ValidTo   *time.Time `json:"valid_to,omitempty"`
	Version   int64      `json:"version"`
}

func (i *Identity) IsCurrent() bool {
	return i.ValidTo == nil
}

// SameContent ignores activity timestamps so that repeated activity does
// not advance the version chain.
func (i *Identity) SameContent(o *Identity) bool {
	return i.ID == o.ID && i.Type == o.Type && i.ARN == o.ARN && i.Name == o.Name && i.Cloud == o.Cloud
}

func (i *Identity) Document() Value {
	return Map(map[string]Value{
		"id":    String(i.ID),
		"type":  String(string(i.Type)),
		"arn":   String(i.ARN),
		"name":  String(i.Name),
		"cloud": String(i.Cloud),
	})
}

func equalTags(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			return false
		}
	}
	return true
}

func tagsValue(tags map[string]string) Value {
	m := make(map[string]Value, len(tags))
	for k, v := range tags {
		m[k] = String(v)
	}
	return Map(m)
}
