package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePolicyFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoader_LoadDirectory(t *testing.T) {
	dir := t.TempDir()
	writePolicyFile(t, dir, "s3.yaml", publicBucketYAML)
	writePolicyFile(t, dir, "nested/bundle.yml", `
policies:
  - id: ec2-public-ip
    name: EC2 instance has public IP
    severity: medium
    selector: {resource_types: ["aws:ec2:instance"]}
    condition:
      field: {field: resource.properties.public_ip, operator: exists}
  - id: iam-wildcard
    name: IAM policy grants wildcard
    severity: critical
    condition:
      field: {field: request_parameters.policy_document, operator: contains, value: '"Action":"*"'}
`)
	writePolicyFile(t, dir, "README.md", "not a policy")

	policies, err := NewLoader(dir).Load(context.Background())
	require.NoError(t, err)
	require.Len(t, policies, 3)

	ids := map[string]bool{}
	for _, p := range policies {
		ids[p.ID] = true
	}
	assert.True(t, ids["s3-public-read"])
	assert.True(t, ids["ec2-public-ip"])
	assert.True(t, ids["iam-wildcard"])
}

func TestLoader_MultiDocumentStream(t *testing.T) {
	dir := t.TempDir()
	path := writePolicyFile(t, dir, "stream.yaml", publicBucketYAML+"\n---\nid: second\nname: second\nseverity: info\ncondition:\n  field: {field: id, operator: exists}\n")

	policies, err := NewLoader(path).Load(context.Background())
	require.NoError(t, err)
	assert.Len(t, policies, 2)
}

func TestLoader_InvalidPolicyFailsWholeLoad(t *testing.T) {
	dir := t.TempDir()
	writePolicyFile(t, dir, "a.yaml", publicBucketYAML)
	bad := writePolicyFile(t, dir, "b.yaml", "id: broken\nname: broken\nseverity: low\ncondition:\n  field: {field: x, operator: in, value: 3}\n")

	_, err := NewLoader(dir).Load(context.Background())
	require.ErrorIs(t, err, ErrInvalid)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, bad, verr.Source)
	assert.Equal(t, "broken", verr.PolicyID)
}

func TestLoader_DuplicateAcrossFiles(t *testing.T) {
	dir := t.TempDir()
	writePolicyFile(t, dir, "a.yaml", publicBucketYAML)
	writePolicyFile(t, dir, "b.yaml", publicBucketYAML)

	_, err := NewLoader(dir).Load(context.Background())
	require.ErrorIs(t, err, ErrInvalid)
	assert.Contains(t, err.Error(), "duplicate policy id")
}

func TestLoader_MissingPath(t *testing.T) {
	_, err := NewLoader(filepath.Join(t.TempDir(), "nope")).Load(context.Background())
	assert.Error(t, err)
}
