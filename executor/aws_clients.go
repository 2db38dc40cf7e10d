package executor

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// LoadAWSConfig loads credentials from the default chain, optionally pinned
// to a shared-config profile.
func LoadAWSConfig(ctx context.Context, region, profile string) (aws.Config, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(profile))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return cfg, nil
}

// NewAWSClients creates every service client the connector uses.
func NewAWSClients(cfg aws.Config) AWSClients {
	return AWSClients{
		EC2:    ec2.NewFromConfig(cfg),
		S3:     s3.NewFromConfig(cfg),
		IAM:    iam.NewFromConfig(cfg),
		RDS:    rds.NewFromConfig(cfg),
		Lambda: lambda.NewFromConfig(cfg),
	}
}

// NewSQSClient creates the client for the deny signal queue.
func NewSQSClient(cfg aws.Config) SQSAPI {
	return sqs.NewFromConfig(cfg)
}
