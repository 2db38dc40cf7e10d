package executor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/argus/policy"
	"github.com/yairfalse/argus/types"
)

func TestWebhookConnector_PostsSlackMessage(t *testing.T) {
	var got SlackMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewWebhookConnector("slack", srv.URL, time.Second)
	v := testViolation()
	err := c.Execute(context.Background(), policy.Action{Type: policy.ActionEscalate, Target: "#security"}, v)
	require.NoError(t, err)

	assert.Equal(t, "#security", got.Channel)
	require.Len(t, got.Attachments, 1)
	assert.Contains(t, got.Attachments[0].Title, "ESCALATION")
	assert.Contains(t, got.Attachments[0].Title, v.PolicyID)
	assert.Equal(t, "danger", got.Attachments[0].Color)
}

func TestWebhookConnector_Non2xxFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewWebhookConnector("slack", srv.URL, time.Second)
	err := c.Execute(context.Background(), policy.Action{Type: policy.ActionNotify}, testViolation())
	assert.ErrorContains(t, err, "429")
}

func TestLogConnector(t *testing.T) {
	c := NewLogConnector()
	assert.Equal(t, "log", c.Name())
	assert.NoError(t, c.Execute(context.Background(), policy.Action{Type: policy.ActionNotify}, testViolation()))
}

type fakeSQS struct {
	sent []*sqs.SendMessageInput
	err  error
}

func (f *fakeSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.sent = append(f.sent, in)
	return &sqs.SendMessageOutput{}, f.err
}

func TestSQSDenier(t *testing.T) {
	f := &fakeSQS{}
	d := NewSQSDenier(f, "https://sqs.us-east-1.amazonaws.com/123456789012/argus-deny.fifo")
	event := &types.Event{ID: "e-1", Cloud: "aws", Operation: "PutBucketAcl", Principal: types.PrincipalRef{ID: "role/ci"}}

	require.NoError(t, d.Deny(context.Background(), testViolation(), event))
	require.Len(t, f.sent, 1)
	in := f.sent[0]
	assert.Equal(t, "v-1", aws.ToString(in.MessageDeduplicationId))
	assert.Equal(t, "i-0abc", aws.ToString(in.MessageGroupId))

	var signal DenySignal
	require.NoError(t, json.Unmarshal([]byte(aws.ToString(in.MessageBody)), &signal))
	assert.Equal(t, "e-1", signal.EventID)
	assert.Equal(t, "role/ci", signal.PrincipalID)
	assert.Equal(t, "PutBucketAcl", signal.Operation)
}

func TestSQSDenier_StandardQueue(t *testing.T) {
	f := &fakeSQS{}
	d := NewSQSDenier(f, "https://sqs.us-east-1.amazonaws.com/123456789012/argus-deny")
	require.NoError(t, d.Deny(context.Background(), testViolation(), nil))
	assert.Nil(t, f.sent[0].MessageDeduplicationId)
}

func TestDenierSet(t *testing.T) {
	f := &fakeSQS{}
	set := DenierSet{"aws": NewSQSDenier(f, "q")}

	require.NoError(t, set.Deny(context.Background(), testViolation(), &types.Event{Cloud: "aws"}))
	err := set.Deny(context.Background(), testViolation(), &types.Event{Cloud: "gcp"})
	assert.ErrorIs(t, err, ErrNoDenier)
}
