package executor

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	rdstypes "github.com/aws/aws-sdk-go-v2/service/rds/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"golang.org/x/time/rate"

	"github.com/yairfalse/argus/policy"
	"github.com/yairfalse/argus/types"
)

// AWS resource types the connector acts on.
const (
	TypeEC2Instance    = "aws:ec2:instance"
	TypeS3Bucket       = "aws:s3:bucket"
	TypeIAMRole        = "aws:iam:role"
	TypeIAMUser        = "aws:iam:user"
	TypeRDSInstance    = "aws:rds:instance"
	TypeLambdaFunction = "aws:lambda:function"
)

// Tag keys written when a TAG action carries no explicit key.
const (
	TagViolation = "argus:violation"
	TagPolicy    = "argus:policy"
)

// The API interfaces are the subset of each AWS client the connector calls.

type EC2API interface {
	CreateTags(ctx context.Context, in *ec2.CreateTagsInput, optFns ...func(*ec2.Options)) (*ec2.CreateTagsOutput, error)
	StopInstances(ctx context.Context, in *ec2.StopInstancesInput, optFns ...func(*ec2.Options)) (*ec2.StopInstancesOutput, error)
	TerminateInstances(ctx context.Context, in *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
	ModifyInstanceAttribute(ctx context.Context, in *ec2.ModifyInstanceAttributeInput, optFns ...func(*ec2.Options)) (*ec2.ModifyInstanceAttributeOutput, error)
}

type S3API interface {
	GetBucketTagging(ctx context.Context, in *s3.GetBucketTaggingInput, optFns ...func(*s3.Options)) (*s3.GetBucketTaggingOutput, error)
	PutBucketTagging(ctx context.Context, in *s3.PutBucketTaggingInput, optFns ...func(*s3.Options)) (*s3.PutBucketTaggingOutput, error)
	PutPublicAccessBlock(ctx context.Context, in *s3.PutPublicAccessBlockInput, optFns ...func(*s3.Options)) (*s3.PutPublicAccessBlockOutput, error)
	DeleteBucket(ctx context.Context, in *s3.DeleteBucketInput, optFns ...func(*s3.Options)) (*s3.DeleteBucketOutput, error)
}

type IAMAPI interface {
	TagRole(ctx context.Context, in *iam.TagRoleInput, optFns ...func(*iam.Options)) (*iam.TagRoleOutput, error)
	TagUser(ctx context.Context, in *iam.TagUserInput, optFns ...func(*iam.Options)) (*iam.TagUserOutput, error)
	AttachRolePolicy(ctx context.Context, in *iam.AttachRolePolicyInput, optFns ...func(*iam.Options)) (*iam.AttachRolePolicyOutput, error)
	AttachUserPolicy(ctx context.Context, in *iam.AttachUserPolicyInput, optFns ...func(*iam.Options)) (*iam.AttachUserPolicyOutput, error)
	ListAccessKeys(ctx context.Context, in *iam.ListAccessKeysInput, optFns ...func(*iam.Options)) (*iam.ListAccessKeysOutput, error)
	UpdateAccessKey(ctx context.Context, in *iam.UpdateAccessKeyInput, optFns ...func(*iam.Options)) (*iam.UpdateAccessKeyOutput, error)
	DeleteRole(ctx context.Context, in *iam.DeleteRoleInput, optFns ...func(*iam.Options)) (*iam.DeleteRoleOutput, error)
}

type RDSAPI interface {
	AddTagsToResource(ctx context.Context, in *rds.AddTagsToResourceInput, optFns ...func(*rds.Options)) (*rds.AddTagsToResourceOutput, error)
	StopDBInstance(ctx context.Context, in *rds.StopDBInstanceInput, optFns ...func(*rds.Options)) (*rds.StopDBInstanceOutput, error)
	ModifyDBInstance(ctx context.Context, in *rds.ModifyDBInstanceInput, optFns ...func(*rds.Options)) (*rds.ModifyDBInstanceOutput, error)
	DeleteDBInstance(ctx context.Context, in *rds.DeleteDBInstanceInput, optFns ...func(*rds.Options)) (*rds.DeleteDBInstanceOutput, error)
}

type LambdaAPI interface {
	TagResource(ctx context.Context, in *lambda.TagResourceInput, optFns ...func(*lambda.Options)) (*lambda.TagResourceOutput, error)
	PutFunctionConcurrency(ctx context.Context, in *lambda.PutFunctionConcurrencyInput, optFns ...func(*lambda.Options)) (*lambda.PutFunctionConcurrencyOutput, error)
	DeleteFunction(ctx context.Context, in *lambda.DeleteFunctionInput, optFns ...func(*lambda.Options)) (*lambda.DeleteFunctionOutput, error)
}

// AWSClients bundles the per-service clients. Nil clients make the matching
// resource types unsupported.
type AWSClients struct {
	EC2    EC2API
	S3     S3API
	IAM    IAMAPI
	RDS    RDSAPI
	Lambda LambdaAPI
}

// AWSOptions configures quarantine targets and API rate limiting.
type AWSOptions struct {
	QuarantineSecurityGroup string
	QuarantinePolicyARN     string
	RateLimit               float64
	Burst                   int
}

// AWSConnector executes TAG, STOP, DISABLE, DELETE, QUARANTINE and BLOCK
// against AWS resources. Calls share one rate limiter across services.
type AWSConnector struct {
	clients AWSClients
	opts    AWSOptions
	limiter *rate.Limiter
}

// NewAWSConnector creates the connector.
func NewAWSConnector(clients AWSClients, opts AWSOptions) *AWSConnector {
	limit := rate.Inf
	if opts.RateLimit > 0 {
		limit = rate.Limit(opts.RateLimit)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}
	return &AWSConnector{
		clients: clients,
		opts:    opts,
		limiter: rate.NewLimiter(limit, burst),
	}
}

// AWSActionTypes are the action types the connector is the default for.
var AWSActionTypes = []policy.ActionType{
	policy.ActionTag,
	policy.ActionStop,
	policy.ActionDisable,
	policy.ActionDelete,
	policy.ActionQuarantine,
	policy.ActionBlock,
}

func (c *AWSConnector) Name() string {
	return "aws"
}

// Execute dispatches on resource type, then action type.
func (c *AWSConnector) Execute(ctx context.Context, action policy.Action, v *types.Violation) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	target := v.ResourceID
	if action.Target != "" {
		target = action.Target
	}

	switch v.ResourceType {
	case TypeEC2Instance:
		if c.clients.EC2 != nil {
			return c.ec2(ctx, action, v, nativeName(target))
		}
	case TypeS3Bucket:
		if c.clients.S3 != nil {
			return c.s3(ctx, action, v, nativeName(target))
		}
	case TypeIAMRole, TypeIAMUser:
		if c.clients.IAM != nil {
			return c.iam(ctx, action, v, nativeName(target))
		}
	case TypeRDSInstance:
		if c.clients.RDS != nil {
			return c.rds(ctx, action, v, target)
		}
	case TypeLambdaFunction:
		if c.clients.Lambda != nil {
			return c.lambda(ctx, action, v, target)
		}
	}
	return unsupported(action, v)
}

func (c *AWSConnector) ec2(ctx context.Context, action policy.Action, v *types.Violation, id string) error {
	var err error
	switch action.Type {
	case policy.ActionTag:
		var tags []ec2types.Tag
		for _, kv := range tagPairs(action, v) {
			tags = append(tags, ec2types.Tag{Key: aws.String(kv[0]), Value: aws.String(kv[1])})
		}
		_, err = c.clients.EC2.CreateTags(ctx, &ec2.CreateTagsInput{Resources: []string{id}, Tags: tags})
	case policy.ActionStop, policy.ActionDisable:
		_, err = c.clients.EC2.StopInstances(ctx, &ec2.StopInstancesInput{InstanceIds: []string{id}})
	case policy.ActionDelete:
		_, err = c.clients.EC2.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: []string{id}})
	case policy.ActionQuarantine:
		sg := param(action, "security_group", c.opts.QuarantineSecurityGroup)
		if sg == "" {
			return fmt.Errorf("quarantine security group is not configured")
		}
		_, err = c.clients.EC2.ModifyInstanceAttribute(ctx, &ec2.ModifyInstanceAttributeInput{
			InstanceId: aws.String(id),
			Groups:     []string{sg},
		})
	default:
		return unsupported(action, v)
	}
	if err != nil {
		return fmt.Errorf("ec2 %s %s: %w", action.Type, id, err)
	}
	return nil
}

func (c *AWSConnector) s3(ctx context.Context, action policy.Action, v *types.Violation, bucket string) error {
	var err error
	switch action.Type {
	case policy.ActionTag:
		err = c.mergeBucketTags(ctx, bucket, tagPairs(action, v))
	case policy.ActionQuarantine, policy.ActionBlock:
		_, err = c.clients.S3.PutPublicAccessBlock(ctx, &s3.PutPublicAccessBlockInput{
			Bucket: aws.String(bucket),
			PublicAccessBlockConfiguration: &s3types.PublicAccessBlockConfiguration{
				BlockPublicAcls:       aws.Bool(true),
				IgnorePublicAcls:      aws.Bool(true),
				BlockPublicPolicy:     aws.Bool(true),
				RestrictPublicBuckets: aws.Bool(true),
			},
		})
	case policy.ActionDelete:
		_, err = c.clients.S3.DeleteBucket(ctx, &s3.DeleteBucketInput{Bucket: aws.String(bucket)})
	default:
		return unsupported(action, v)
	}
	if err != nil {
		return fmt.Errorf("s3 %s %s: %w", action.Type, bucket, err)
	}
	return nil
}

// mergeBucketTags keeps existing tags since PutBucketTagging replaces the
// whole set.
func (c *AWSConnector) mergeBucketTags(ctx context.Context, bucket string, pairs [][2]string) error {
	merged := map[string]string{}
	if out, err := c.clients.S3.GetBucketTagging(ctx, &s3.GetBucketTaggingInput{Bucket: aws.String(bucket)}); err == nil {
		for _, t := range out.TagSet {
			merged[aws.ToString(t.Key)] = aws.ToString(t.Value)
		}
	}
	for _, kv := range pairs {
		merged[kv[0]] = kv[1]
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	tagSet := make([]s3types.Tag, 0, len(keys))
	for _, k := range keys {
		tagSet = append(tagSet, s3types.Tag{Key: aws.String(k), Value: aws.String(merged[k])})
	}
	_, err := c.clients.S3.PutBucketTagging(ctx, &s3.PutBucketTaggingInput{
		Bucket:  aws.String(bucket),
		Tagging: &s3types.Tagging{TagSet: tagSet},
	})
	return err
}

func (c *AWSConnector) iam(ctx context.Context, action policy.Action, v *types.Violation, name string) error {
	isRole := v.ResourceType == TypeIAMRole
	var err error
	switch action.Type {
	case policy.ActionTag:
		var tags []iamtypes.Tag
		for _, kv := range tagPairs(action, v) {
			tags = append(tags, iamtypes.Tag{Key: aws.String(kv[0]), Value: aws.String(kv[1])})
		}
		if isRole {
			_, err = c.clients.IAM.TagRole(ctx, &iam.TagRoleInput{RoleName: aws.String(name), Tags: tags})
		} else {
			_, err = c.clients.IAM.TagUser(ctx, &iam.TagUserInput{UserName: aws.String(name), Tags: tags})
		}
	case policy.ActionQuarantine:
		arn := param(action, "policy_arn", c.opts.QuarantinePolicyARN)
		if arn == "" {
			return fmt.Errorf("quarantine policy is not configured")
		}
		if isRole {
			_, err = c.clients.IAM.AttachRolePolicy(ctx, &iam.AttachRolePolicyInput{RoleName: aws.String(name), PolicyArn: aws.String(arn)})
		} else {
			_, err = c.clients.IAM.AttachUserPolicy(ctx, &iam.AttachUserPolicyInput{UserName: aws.String(name), PolicyArn: aws.String(arn)})
		}
	case policy.ActionDisable:
		if isRole {
			return unsupported(action, v)
		}
		err = c.deactivateAccessKeys(ctx, name)
	case policy.ActionDelete:
		if !isRole {
			return unsupported(action, v)
		}
		_, err = c.clients.IAM.DeleteRole(ctx, &iam.DeleteRoleInput{RoleName: aws.String(name)})
	default:
		return unsupported(action, v)
	}
	if err != nil {
		return fmt.Errorf("iam %s %s: %w", action.Type, name, err)
	}
	return nil
}

func (c *AWSConnector) deactivateAccessKeys(ctx context.Context, user string) error {
	out, err := c.clients.IAM.ListAccessKeys(ctx, &iam.ListAccessKeysInput{UserName: aws.String(user)})
	if err != nil {
		return err
	}
	for _, key := range out.AccessKeyMetadata {
		if key.Status == iamtypes.StatusTypeInactive {
			continue
		}
		if _, err := c.clients.IAM.UpdateAccessKey(ctx, &iam.UpdateAccessKeyInput{
			UserName:    aws.String(user),
			AccessKeyId: key.AccessKeyId,
			Status:      iamtypes.StatusTypeInactive,
		}); err != nil {
			return err
		}
	}
	return nil
}

// rds takes the ARN for tagging and the instance identifier otherwise.
func (c *AWSConnector) rds(ctx context.Context, action policy.Action, v *types.Violation, target string) error {
	id := nativeName(target)
	var err error
	switch action.Type {
	case policy.ActionTag:
		var tags []rdstypes.Tag
		for _, kv := range tagPairs(action, v) {
			tags = append(tags, rdstypes.Tag{Key: aws.String(kv[0]), Value: aws.String(kv[1])})
		}
		_, err = c.clients.RDS.AddTagsToResource(ctx, &rds.AddTagsToResourceInput{ResourceName: aws.String(target), Tags: tags})
	case policy.ActionStop, policy.ActionDisable:
		_, err = c.clients.RDS.StopDBInstance(ctx, &rds.StopDBInstanceInput{DBInstanceIdentifier: aws.String(id)})
	case policy.ActionQuarantine, policy.ActionBlock:
		_, err = c.clients.RDS.ModifyDBInstance(ctx, &rds.ModifyDBInstanceInput{
			DBInstanceIdentifier: aws.String(id),
			PubliclyAccessible:   aws.Bool(false),
			ApplyImmediately:     aws.Bool(true),
		})
	case policy.ActionDelete:
		_, err = c.clients.RDS.DeleteDBInstance(ctx, &rds.DeleteDBInstanceInput{
			DBInstanceIdentifier:      aws.String(id),
			FinalDBSnapshotIdentifier: aws.String("argus-final-" + id),
		})
	default:
		return unsupported(action, v)
	}
	if err != nil {
		return fmt.Errorf("rds %s %s: %w", action.Type, id, err)
	}
	return nil
}

func (c *AWSConnector) lambda(ctx context.Context, action policy.Action, v *types.Violation, target string) error {
	var err error
	switch action.Type {
	case policy.ActionTag:
		tags := map[string]string{}
		for _, kv := range tagPairs(action, v) {
			tags[kv[0]] = kv[1]
		}
		_, err = c.clients.Lambda.TagResource(ctx, &lambda.TagResourceInput{Resource: aws.String(target), Tags: tags})
	case policy.ActionStop, policy.ActionDisable, policy.ActionQuarantine:
		_, err = c.clients.Lambda.PutFunctionConcurrency(ctx, &lambda.PutFunctionConcurrencyInput{
			FunctionName:                 aws.String(target),
			ReservedConcurrentExecutions: aws.Int32(0),
		})
	case policy.ActionDelete:
		_, err = c.clients.Lambda.DeleteFunction(ctx, &lambda.DeleteFunctionInput{FunctionName: aws.String(target)})
	default:
		return unsupported(action, v)
	}
	if err != nil {
		return fmt.Errorf("lambda %s %s: %w", action.Type, target, err)
	}
	return nil
}

func unsupported(action policy.Action, v *types.Violation) error {
	return fmt.Errorf("%w: %s on %q", ErrUnsupported, action.Type, v.ResourceType)
}

func param(action policy.Action, key, fallback string) string {
	if v := action.Parameters[key]; v != "" {
		return v
	}
	return fallback
}

// tagPairs returns the explicit key/value of a TAG action, or the violation
// and policy markers when none is given.
func tagPairs(action policy.Action, v *types.Violation) [][2]string {
	if key := action.Parameters["key"]; key != "" {
		return [][2]string{{key, action.Parameters["value"]}}
	}
	return [][2]string{{TagViolation, v.ID}, {TagPolicy, v.PolicyID}}
}

// nativeName reduces an ARN to the trailing resource name. Plain ids pass
// through unchanged.
//
//	arn:aws:s3:::logs                              -> logs
//	arn:aws:ec2:us-east-1:1:instance/i-0abc        -> i-0abc
//	arn:aws:iam::1:role/service/deployer           -> deployer
//	arn:aws:rds:us-east-1:1:db:orders              -> orders
func nativeName(id string) string {
	if !strings.HasPrefix(id, "arn:") {
		return id
	}
	parts := strings.SplitN(id, ":", 6)
	if len(parts) < 6 {
		return id
	}
	res := parts[5]
	if i := strings.LastIndexAny(res, ":/"); i >= 0 {
		return res[i+1:]
	}
	return res
}
