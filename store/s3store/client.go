// Package s3store adapts Amazon S3 to the relay: ranged reads of an existing object and
// multipart uploads.
package s3store

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/bitrise-io/go-utils/v2/log"
)

// discoveryRegion is used to find the region of a bucket when none is configured.
const discoveryRegion = "us-east-1"

// API is the part of the S3 client the store uses.
type API interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

var _ API = (*s3.Client)(nil)

// Presigner creates presigned GET requests.
type Presigner interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

var _ Presigner = (*s3.PresignClient)(nil)

// Params configures the S3 client.
type Params struct {
	// Region of the bucket. Discovered from the bucket when empty.
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	// Endpoint overrides the service endpoint, for S3 compatible services.
	Endpoint     string
	UsePathStyle bool
}

// NewClient loads the AWS configuration for params and creates a client for the bucket's region.
func NewClient(ctx context.Context, params Params, logger log.Logger) (*s3.Client, error) {
	if params.Bucket == "" {
		return nil, fmt.Errorf("bucket must not be empty")
	}

	region := params.Region
	if region == "" {
		discovered, err := discoverRegion(ctx, params, logger)
		if err != nil {
			return nil, fmt.Errorf("discover bucket region: %w", err)
		}
		region = discovered
	}

	cfg, err := loadAWSCredentials(ctx, region, params.AccessKeyID, params.SecretAccessKey, logger)
	if err != nil {
		return nil, fmt.Errorf("load aws credentials: %w", err)
	}

	return s3.NewFromConfig(*cfg, clientOptions(params)), nil
}

func clientOptions(params Params) func(*s3.Options) {
	return func(o *s3.Options) {
		if params.Endpoint != "" {
			o.BaseEndpoint = aws.String(params.Endpoint)
		}
		o.UsePathStyle = params.UsePathStyle
	}
}

func discoverRegion(ctx context.Context, params Params, logger log.Logger) (string, error) {
	cfg, err := loadAWSCredentials(ctx, discoveryRegion, params.AccessKeyID, params.SecretAccessKey, logger)
	if err != nil {
		return "", err
	}

	region, err := manager.GetBucketRegion(ctx, s3.NewFromConfig(*cfg, clientOptions(params)), params.Bucket)
	if err != nil {
		var bnf manager.BucketNotFound
		if errors.As(err, &bnf) {
			return "", fmt.Errorf("bucket %s not found", params.Bucket)
		}
		return "", err
	}

	logger.Debugf("Bucket %s is in region %s", params.Bucket, region)
	return region, nil
}

func loadAWSCredentials(
	ctx context.Context,
	region string,
	accessKeyID string,
	secretKey string,
	logger log.Logger,
) (*aws.Config, error) {
	if region == "" {
		return nil, fmt.Errorf("region must not be empty")
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}

	if accessKeyID != "" && secretKey != "" {
		logger.Debugf("aws credentials provided, using them...")
		opts = append(opts,
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKeyID, secretKey, "")))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load config, %v", err)
	}

	return &cfg, nil
}

// statusCode returns the HTTP status of a failed call, or 0 if no response was received.
func statusCode(err error) int {
	var respErr interface{ HTTPStatusCode() int }
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode()
	}
	return 0
}

func isNotFound(err error) bool {
	var apiError smithy.APIError
	if errors.As(err, &apiError) {
		switch apiError.(type) {
		case *types.NotFound, *types.NoSuchKey:
			return true
		}
		if apiError.ErrorCode() == "NotFound" || apiError.ErrorCode() == "NoSuchKey" {
			return true
		}
	}
	return statusCode(err) == 404
}
