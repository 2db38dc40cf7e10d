package executor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/argus/policy"
	"github.com/yairfalse/argus/types"
)

func TestDefaultSafetyChecker(t *testing.T) {
	sc, err := NewDefaultSafetyChecker(Options{ProtectedResources: []string{"arn:aws:s3:::prod-*", "i-keep"}})
	require.NoError(t, err)

	resolved := testViolation()
	resolved.Status = types.StatusResolved

	tests := []struct {
		name      string
		action    policy.ActionType
		resource  string
		violation *types.Violation
		blocked   bool
	}{
		{"tag is safe", policy.ActionTag, "i-0abc", nil, false},
		{"delete is destructive", policy.ActionDelete, "i-0abc", nil, true},
		{"disable is destructive", policy.ActionDisable, "i-0abc", nil, true},
		{"quarantine protected id", policy.ActionQuarantine, "i-keep", nil, true},
		{"protected glob", policy.ActionTag, "arn:aws:s3:::prod-logs", nil, true},
		{"glob does not cross separator", policy.ActionTag, "arn:aws:s3:::prod-logs/x", nil, false},
		{"notify on protected", policy.ActionNotify, "i-keep", nil, false},
		{"resolved violation", policy.ActionNotify, "i-0abc", resolved, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := tt.violation
			if v == nil {
				v = testViolation()
				v.ResourceID = tt.resource
			}
			_, blocked := blockingCheck(sc.CheckSafety(context.Background(), policy.Action{Type: tt.action}, v))
			assert.Equal(t, tt.blocked, blocked)
		})
	}
}

func TestDefaultSafetyChecker_BadPattern(t *testing.T) {
	_, err := NewDefaultSafetyChecker(Options{ProtectedResources: []string{"[unclosed"}})
	assert.Error(t, err)
}
