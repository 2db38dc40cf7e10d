package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/yairfalse/argus/types"
)

// Denier emits the advisory denial signal for inline-deny policies.
// Signals are best effort; consumers on the event bus decide what to revert.
type Denier interface {
	Deny(ctx context.Context, v *types.Violation, event *types.Event) error
}

// ErrNoDenier is returned when inline-deny fires for a cloud without a
// configured denier.
var ErrNoDenier = errors.New("no denier configured")

// SQSAPI is the subset of the SQS client used for denial signals.
type SQSAPI interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// DenySignal is the message body published to the event bus.
type DenySignal struct {
	ViolationID string         `json:"violation_id"`
	PolicyID    string         `json:"policy_id"`
	Severity    types.Severity `json:"severity"`
	ResourceID  string         `json:"resource_id"`
	EventID     string         `json:"event_id"`
	Operation   string         `json:"operation,omitempty"`
	PrincipalID string         `json:"principal_id,omitempty"`
	IssuedAt    time.Time      `json:"issued_at"`
}

// SQSDenier publishes deny signals to an SQS queue.
type SQSDenier struct {
	client   SQSAPI
	queueURL string
}

// NewSQSDenier creates a denier for queueURL.
func NewSQSDenier(client SQSAPI, queueURL string) *SQSDenier {
	return &SQSDenier{client: client, queueURL: queueURL}
}

// Deny publishes one signal. The violation id is the deduplication key on
// FIFO queues so redelivered events do not double-signal.
func (d *SQSDenier) Deny(ctx context.Context, v *types.Violation, event *types.Event) error {
	signal := DenySignal{
		ViolationID: v.ID,
		PolicyID:    v.PolicyID,
		Severity:    v.Severity,
		ResourceID:  v.ResourceID,
		IssuedAt:    time.Now().UTC(),
	}
	if event != nil {
		signal.EventID = event.ID
		signal.Operation = event.Operation
		signal.PrincipalID = event.Principal.ID
	}
	body, err := json.Marshal(signal)
	if err != nil {
		return fmt.Errorf("marshal deny signal: %w", err)
	}

	in := &sqs.SendMessageInput{
		QueueUrl:    aws.String(d.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqstypes.MessageAttributeValue{
			"policy_id": {DataType: aws.String("String"), StringValue: aws.String(v.PolicyID)},
			"severity":  {DataType: aws.String("String"), StringValue: aws.String(string(v.Severity))},
		},
	}
	if isFIFO(d.queueURL) {
		in.MessageGroupId = aws.String(v.ResourceID)
		in.MessageDeduplicationId = aws.String(v.ID)
	}
	if _, err := d.client.SendMessage(ctx, in); err != nil {
		return fmt.Errorf("send deny signal for %s: %w", v.ID, err)
	}
	return nil
}

func isFIFO(queueURL string) bool {
	return strings.HasSuffix(queueURL, ".fifo")
}

// DenierSet routes deny signals by cloud.
type DenierSet map[string]Denier

// Deny signals through the denier registered for the event's cloud.
func (s DenierSet) Deny(ctx context.Context, v *types.Violation, event *types.Event) error {
	cloud := ""
	if event != nil {
		cloud = event.Cloud
	}
	d, ok := s[cloud]
	if !ok {
		return fmt.Errorf("%w for cloud %q", ErrNoDenier, cloud)
	}
	return d.Deny(ctx, v, event)
}
