package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/argus/enforcer"
	"github.com/yairfalse/argus/types"
)

const bucketPolicyYAML = `
id: s3-public-read
name: S3 bucket allows public read
severity: high
selector:
  cloud: aws
  resource_types: ["aws:s3:*"]
condition:
  field: {field: resource.properties.public_read, operator: eq, value: true}
enforcement:
  runtime: post-event
  cicd: pre-deployment
actions:
  - type: notify
`

func bucketEventJSON(id string, publicRead bool) string {
	return fmt.Sprintf(`{
  "id": %q,
  "cloud": "aws",
  "event_type": "AwsApiCall",
  "event_time": "2026-03-01T12:00:00Z",
  "operation": "PutBucketAcl",
  "principal": {"id": "user/alice", "type": "user", "name": "alice"},
  "resource": {"id": "arn:aws:s3:::logs", "type": "aws:s3:bucket", "properties": {"public_read": %t}}
}`, id, publicRead)
}

type workspace struct {
	dir    string
	config string
}

func newWorkspace(t *testing.T) *workspace {
	t.Helper()
	dir := t.TempDir()
	policies := filepath.Join(dir, "policies")
	require.NoError(t, os.MkdirAll(policies, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(policies, "s3.yaml"), []byte(bucketPolicyYAML), 0644))

	config := filepath.Join(dir, "argus.toml")
	require.NoError(t, os.WriteFile(config, []byte(fmt.Sprintf(`
[store]
path = %q

[policies]
path = %q

[wal]
dir = %q

[aws]
region = "us-east-1"

[log]
level = "error"
`, filepath.Join(dir, "data"), policies, filepath.Join(dir, "wal"))), 0644))

	return &workspace{dir: dir, config: config}
}

func (w *workspace) file(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(w.dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

// run executes the CLI with a clean flag state.
func (w *workspace) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append([]string{"--config", w.config}, args...))
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

func TestPolicyValidate(t *testing.T) {
	w := newWorkspace(t)

	out, err := w.run(t, "policy", "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "s3-public-read")
	assert.Contains(t, out, "1 policies valid")
}

func TestPolicyValidate_Invalid(t *testing.T) {
	w := newWorkspace(t)
	bad := w.file(t, "bad.yaml", "id: broken\nname: broken\nseverity: low\n")

	_, err := w.run(t, "policy", "validate", bad)
	assert.Error(t, err)
}

func TestEvaluate_CreatesViolation(t *testing.T) {
	w := newWorkspace(t)
	events := w.file(t, "events.json", "["+bucketEventJSON("e-1", true)+","+bucketEventJSON("e-2", false)+"]")

	out, err := w.run(t, "evaluate", events)
	require.NoError(t, err)
	assert.Contains(t, out, "e-1")
	assert.Contains(t, out, "s3-public-read")

	out, err = w.run(t, "violations", "list", "-o", "json")
	require.NoError(t, err)
	var violations []*types.Violation
	require.NoError(t, json.Unmarshal([]byte(out), &violations))
	require.Len(t, violations, 1)
	assert.Equal(t, "s3-public-read", violations[0].PolicyID)
	assert.Equal(t, types.StateNotified, violations[0].State)

	out, err = w.run(t, "violations", "resolve", violations[0].ID, "--notes", "made private")
	require.NoError(t, err)
	assert.Contains(t, out, "resolved")

	out, err = w.run(t, "violations", "list", "--status", "open", "-o", "json")
	require.NoError(t, err)
	assert.Equal(t, "[]", strings.TrimSpace(out))

	out, err = w.run(t, "graph", "stats", "-o", "json")
	require.NoError(t, err)
	assert.Contains(t, out, `"events": 2`)

	out, err = w.run(t, "graph", "lineage", "arn:aws:s3:::logs", "-o", "json")
	require.NoError(t, err)
	var versions []*types.Resource
	require.NoError(t, json.Unmarshal([]byte(out), &versions))
	assert.Len(t, versions, 2)

	out, err = w.run(t, "graph", "lineage", "user/alice", "--identity", "-o", "json")
	require.NoError(t, err)
	var identities []*types.Identity
	require.NoError(t, json.Unmarshal([]byte(out), &identities))
	require.Len(t, identities, 1)
	assert.Equal(t, "alice", identities[0].Name)
}

func TestCheck_BlocksPublicBucket(t *testing.T) {
	w := newWorkspace(t)
	plan := w.file(t, "plan.json", bucketEventJSON("plan-1", true))

	out, err := w.run(t, "check", "-o", "json", plan)
	require.ErrorIs(t, err, errBlocked)

	var verdicts []*enforcer.Verdict
	require.NoError(t, json.Unmarshal([]byte(out), &verdicts))
	require.Len(t, verdicts, 1)
	assert.Equal(t, enforcer.VerdictBlock, verdicts[0].Outcome)

	out, err = w.run(t, "graph", "stats", "-o", "json")
	require.NoError(t, err)
	assert.Contains(t, out, `"resources": 0`, "check never writes the graph")
}

func TestCheck_PassesPrivateBucket(t *testing.T) {
	w := newWorkspace(t)
	plan := w.file(t, "plan.json", bucketEventJSON("plan-1", false))

	out, err := w.run(t, "check", plan)
	require.NoError(t, err)
	assert.Contains(t, out, "pass")
}

func TestViolationsList_BadFilter(t *testing.T) {
	w := newWorkspace(t)

	_, err := w.run(t, "violations", "list", "--status", "closed")
	assert.ErrorContains(t, err, "unknown status")

	_, err = w.run(t, "violations", "list", "--severity", "urgent")
	assert.ErrorContains(t, err, "unknown severity")
}

func TestGraphRelationships_UnknownType(t *testing.T) {
	w := newWorkspace(t)

	_, err := w.run(t, "graph", "relationships", "i-1", "--type", "OWNS")
	assert.ErrorContains(t, err, "unknown relationship type")
}

func TestReadEvents(t *testing.T) {
	events, err := readEvents("-", strings.NewReader(bucketEventJSON("e-1", true)))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "e-1", events[0].ID)
	assert.Equal(t, types.Bool(true), events[0].Resource.Properties["public_read"])

	events, err = readEvents("-", strings.NewReader("  ["+bucketEventJSON("a", true)+","+bucketEventJSON("b", true)+"]"))
	require.NoError(t, err)
	assert.Len(t, events, 2)

	_, err = readEvents("-", strings.NewReader("{"))
	assert.Error(t, err)
}

func TestFormatPath(t *testing.T) {
	p := types.Path{
		NodeIDs: []string{"user/alice", "role/admin", "arn:aws:s3:::payroll"},
		Rels:    []types.RelType{types.RelMemberOf, types.RelCanAccess},
	}
	assert.Equal(t, "user/alice -[MEMBER_OF]-> role/admin -[CAN_ACCESS]-> arn:aws:s3:::payroll", formatPath(p))
}
