package storage

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/yairfalse/argus/types"
)

// Neo4j stores nested documents flattened into dotted property keys so that
// compiled path filters can address them directly. The raw tags, properties
// and evidence are kept alongside as JSON for lossless reads.
const (
	rawTagsKey       = "_tags"
	rawPropertiesKey = "_properties"
	rawEvidenceKey   = "_evidence"
)

func resourceProps(r *types.Resource) (map[string]any, error) {
	props := map[string]any{
		"id":            r.ID,
		"type":          r.Type,
		"cloud":         r.Cloud,
		"region":        r.Region,
		"account":       r.Account,
		"name":          r.Name,
		"state":         r.State,
		"created_at":    r.CreatedAt,
		"last_modified": r.LastModified,
		"valid_from":    r.ValidFrom,
		"version":       r.Version,
	}
	if r.ValidTo != nil {
		props["valid_to"] = *r.ValidTo
	}
	for k, v := range r.Tags {
		props["tags."+k] = v
	}
	flattenValue(props, "properties", r.Properties.Value())

	if err := putRawJSON(props, rawTagsKey, r.Tags); err != nil {
		return nil, err
	}
	if err := putRawJSON(props, rawPropertiesKey, r.Properties); err != nil {
		return nil, err
	}
	return props, nil
}

func resourceFromProps(props map[string]any) (*types.Resource, error) {
	r := &types.Resource{
		ID:           stringProp(props, "id"),
		Type:         stringProp(props, "type"),
		Cloud:        stringProp(props, "cloud"),
		Region:       stringProp(props, "region"),
		Account:      stringProp(props, "account"),
		Name:         stringProp(props, "name"),
		State:        stringProp(props, "state"),
		CreatedAt:    timeProp(props, "created_at"),
		LastModified: timeProp(props, "last_modified"),
		ValidFrom:    timeProp(props, "valid_from"),
		ValidTo:      timePtrProp(props, "valid_to"),
		Version:      intProp(props, "version"),
	}
	if err := getRawJSON(props, rawTagsKey, &r.Tags); err != nil {
		return nil, err
	}
	if err := getRawJSON(props, rawPropertiesKey, &r.Properties); err != nil {
		return nil, err
	}
	return r, nil
}

func identityProps(i *types.Identity) map[string]any {
	props := map[string]any{
		"id":            i.ID,
		"type":          string(i.Type),
		"arn":           i.ARN,
		"name":          i.Name,
		"cloud":         i.Cloud,
		"created_at":    i.CreatedAt,
		"last_activity": i.LastActivity,
		"valid_from":    i.ValidFrom,
		"version":       i.Version,
	}
	if i.ValidTo != nil {
		props["valid_to"] = *i.ValidTo
	}
	return props
}

func identityFromProps(props map[string]any) *types.Identity {
	return &types.Identity{
		ID:           stringProp(props, "id"),
		Type:         types.IdentityType(stringProp(props, "type")),
		ARN:          stringProp(props, "arn"),
		Name:         stringProp(props, "name"),
		Cloud:        stringProp(props, "cloud"),
		CreatedAt:    timeProp(props, "created_at"),
		LastActivity: timeProp(props, "last_activity"),
		ValidFrom:    timeProp(props, "valid_from"),
		ValidTo:      timePtrProp(props, "valid_to"),
		Version:      intProp(props, "version"),
	}
}

func relationshipProps(rel *types.Relationship) (map[string]any, error) {
	props := map[string]any{
		"valid_from": rel.ValidFrom,
		"version":    rel.Version,
	}
	if rel.EventID != "" {
		props["event_id"] = rel.EventID
	}
	flattenValue(props, "properties", rel.Properties.Value())
	if err := putRawJSON(props, rawPropertiesKey, rel.Properties); err != nil {
		return nil, err
	}
	return props, nil
}

func relationshipFromProps(t types.RelType, from, to string, props map[string]any) (*types.Relationship, error) {
	rel := &types.Relationship{
		Type:      t,
		FromID:    from,
		ToID:      to,
		EventID:   stringProp(props, "event_id"),
		ValidFrom: timeProp(props, "valid_from"),
		ValidTo:   timePtrProp(props, "valid_to"),
		Version:   intProp(props, "version"),
	}
	if err := getRawJSON(props, rawPropertiesKey, &rel.Properties); err != nil {
		return nil, err
	}
	return rel, nil
}

func eventProps(e *types.Event) (map[string]any, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	return map[string]any{
		"id":           e.ID,
		"cloud":        e.Cloud,
		"event_type":   e.EventType,
		"event_time":   e.EventTime.UTC(),
		"operation":    e.Operation,
		"principal_id": e.Principal.ID,
		"resource_id":  e.Resource.ID,
		"source_ip":    e.SourceIP,
		"user_agent":   e.UserAgent,
		"status":       e.Status,
		"_document":    string(data),
	}, nil
}

func violationProps(v *types.Violation) (map[string]any, error) {
	props := map[string]any{
		"id":                v.ID,
		"policy_id":         v.PolicyID,
		"policy_version":    v.PolicyVersion,
		"resource_id":       v.ResourceID,
		"resource_type":     v.ResourceType,
		"event_id":          v.EventID,
		"severity":          string(v.Severity),
		"status":            string(v.Status),
		"state":             string(v.State),
		"mode":              v.Mode,
		"detected_at":       v.DetectedAt,
		"resolution_notes":  v.ResolutionNotes,
		"remediation_state": string(v.Remediation),
	}
	if v.ResolvedAt != nil {
		props["resolved_at"] = *v.ResolvedAt
	}
	if err := putRawJSON(props, rawEvidenceKey, v.Evidence); err != nil {
		return nil, err
	}
	return props, nil
}

func violationFromProps(props map[string]any) (*types.Violation, error) {
	v := &types.Violation{
		ID:              stringProp(props, "id"),
		PolicyID:        stringProp(props, "policy_id"),
		PolicyVersion:   stringProp(props, "policy_version"),
		ResourceID:      stringProp(props, "resource_id"),
		ResourceType:    stringProp(props, "resource_type"),
		EventID:         stringProp(props, "event_id"),
		Severity:        types.Severity(stringProp(props, "severity")),
		Status:          types.ViolationStatus(stringProp(props, "status")),
		State:           types.ViolationState(stringProp(props, "state")),
		Mode:            stringProp(props, "mode"),
		DetectedAt:      timeProp(props, "detected_at"),
		ResolvedAt:      timePtrProp(props, "resolved_at"),
		ResolutionNotes: stringProp(props, "resolution_notes"),
		Remediation:     types.RemediationState(stringProp(props, "remediation_state")),
	}
	if err := getRawJSON(props, rawEvidenceKey, &v.Evidence); err != nil {
		return nil, err
	}
	return v, nil
}

// flattenValue writes v under dotted keys. Maps recurse; lists of a single
// scalar kind become array properties; other lists are indexed by position.
func flattenValue(out map[string]any, prefix string, v types.Value) {
	switch v.Kind() {
	case types.KindNull:
		return
	case types.KindMap:
		fields, _ := v.Fields()
		for k, child := range fields {
			flattenValue(out, prefix+"."+k, child)
		}
	case types.KindList:
		items, _ := v.Items()
		if arr, ok := scalarArray(items); ok {
			out[prefix] = arr
			return
		}
		for i, item := range items {
			flattenValue(out, prefix+"."+strconv.Itoa(i), item)
		}
	default:
		out[prefix] = v.Interface()
	}
}

// scalarArray converts a homogeneous scalar list into a storable array.
func scalarArray(items []types.Value) (any, bool) {
	if len(items) == 0 {
		return []string{}, true
	}
	switch items[0].Kind() {
	case types.KindString:
		arr := make([]string, len(items))
		for i, it := range items {
			s, ok := it.Str()
			if !ok {
				return nil, false
			}
			arr[i] = s
		}
		return arr, true
	case types.KindNumber:
		arr := make([]float64, len(items))
		for i, it := range items {
			n, ok := it.Num()
			if !ok {
				return nil, false
			}
			arr[i] = n
		}
		return arr, true
	case types.KindBool:
		arr := make([]bool, len(items))
		for i, it := range items {
			b, ok := it.Boolean()
			if !ok {
				return nil, false
			}
			arr[i] = b
		}
		return arr, true
	}
	return nil, false
}

func putRawJSON(props map[string]any, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	props[key] = string(data)
	return nil
}

func getRawJSON(props map[string]any, key string, out any) error {
	s, ok := props[key].(string)
	if !ok || s == "" || s == "null" {
		return nil
	}
	if err := json.Unmarshal([]byte(s), out); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

func stringProp(props map[string]any, key string) string {
	s, _ := props[key].(string)
	return s
}

func intProp(props map[string]any, key string) int64 {
	switch n := props[key].(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}

func timeProp(props map[string]any, key string) time.Time {
	if t, ok := props[key].(time.Time); ok {
		return t.UTC()
	}
	return time.Time{}
}

func timePtrProp(props map[string]any, key string) *time.Time {
	t, ok := props[key].(time.Time)
	if !ok {
		return nil
	}
	t = t.UTC()
	return &t
}
