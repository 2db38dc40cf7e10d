package types

import (
	"errors"
	"time"
)

// PrincipalRef identifies the identity that performed an event.
type PrincipalRef struct {
	ID   string       `json:"id"`
	Type IdentityType `json:"type,omitempty"`
	ARN  string       `json:"arn,omitempty"`
	Name string       `json:"name,omitempty"`
}

// ResourceRef is the normalized resource snapshot carried by an event.
type ResourceRef struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	Region     string            `json:"region,omitempty"`
	Account    string            `json:"account,omitempty"`
	Name       string            `json:"name,omitempty"`
	State      string            `json:"state,omitempty"`
	Tags       map[string]string `json:"tags,omitempty"`
	Properties Properties        `json:"properties,omitempty"`
}

// Event is an immutable audit record of one cloud API call or configuration
// change. It triggers evaluation and is never updated.
type Event struct {
	ID                string       `json:"id"`
	Cloud             string       `json:"cloud"`
	EventType         string       `json:"event_type"`
	EventTime         time.Time    `json:"event_time"`
	Operation         string       `json:"operation"`
	Principal         PrincipalRef `json:"principal"`
	Resource          ResourceRef  `json:"resource"`
	RequestParameters Properties   `json:"request_parameters,omitempty"`
	ResponseElements  Properties   `json:"response_elements,omitempty"`
	SourceIP          string       `json:"source_ip,omitempty"`
	UserAgent         string       `json:"user_agent,omitempty"`
	Status            string       `json:"status,omitempty"`
}

// Validate checks the fields every consumer depends on.
func (e *Event) Validate() error {
	var errs []error
	if e.ID == "" {
		errs = append(errs, errors.New("event id is required"))
	}
	if e.Cloud == "" {
		errs = append(errs, errors.New("event cloud is required"))
	}
	if e.EventTime.IsZero() {
		errs = append(errs, errors.New("event_time is required"))
	}
	if e.Resource.ID == "" {
		errs = append(errs, errors.New("resource.id is required"))
	}
	return errors.Join(errs...)
}

// Document exposes the event as a value tree. Condition field paths such as
// "resource.properties.public_read" resolve against it.
func (e *Event) Document() Value {
	resource := e.ResourceSnapshot()
	principal := map[string]Value{
		"id":   String(e.Principal.ID),
		"type": String(string(e.Principal.Type)),
		"arn":  String(e.Principal.ARN),
		"name": String(e.Principal.Name),
	}
	return Map(map[string]Value{
		"id":                 String(e.ID),
		"cloud":              String(e.Cloud),
		"event_type":         String(e.EventType),
		"event_time":         String(e.EventTime.UTC().Format(time.RFC3339)),
		"operation":          String(e.Operation),
		"principal":          Map(principal),
		"resource":           resource.Document(),
		"request_parameters": e.RequestParameters.Value(),
		"response_elements":  e.ResponseElements.Value(),
		"source_ip":          String(e.SourceIP),
		"user_agent":         String(e.UserAgent),
		"status":             String(e.Status),
	})
}

// ResourceSnapshot converts the embedded resource reference into a resource
// version as observed at event time.
func (e *Event) ResourceSnapshot() *Resource {
	ref := e.Resource
	return &Resource{
		ID:           ref.ID,
		Type:         ref.Type,
		Cloud:        e.Cloud,
		Region:       ref.Region,
		Account:      ref.Account,
		Name:         ref.Name,
		State:        ref.State,
		Tags:         ref.Tags,
		Properties:   ref.Properties,
		CreatedAt:    e.EventTime,
		LastModified: e.EventTime,
	}
}

// PrincipalSnapshot converts the principal reference into an identity.
// It returns nil when the event carries no principal.
func (e *Event) PrincipalSnapshot() *Identity {
	if e.Principal.ID == "" {
		return nil
	}
	typ := e.Principal.Type
	if typ == "" {
		typ = IdentityUser
	}
	return &Identity{
		ID:           e.Principal.ID,
		Type:         typ,
		ARN:          e.Principal.ARN,
		Name:         e.Principal.Name,
		Cloud:        e.Cloud,
		CreatedAt:    e.EventTime,
		LastActivity: e.EventTime,
	}
}
