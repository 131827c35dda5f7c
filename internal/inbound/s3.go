package inbound

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/tutorbook/mail-relay/internal/model"
)

// S3StoreConfig locates the objects SES writes received mail to.
type S3StoreConfig struct {
	Region          string
	Bucket          string
	Prefix          string
	AccessKeyID     string
	SecretAccessKey string
}

// GetObjectAPI is the subset of the S3 client used by S3Store.
type GetObjectAPI interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Store reads raw messages stored by an SES receipt rule S3 action, keyed
// by prefix/messageID.
type S3Store struct {
	bucket string
	prefix string
	client GetObjectAPI
}

// NewS3Store creates an S3Store with a client built from the default AWS
// credential chain, or from static keys when both are set.
func NewS3Store(ctx context.Context, cfg S3StoreConfig) (*S3Store, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return NewS3StoreWithClient(cfg.Bucket, cfg.Prefix, s3.NewFromConfig(awsCfg)), nil
}

// NewS3StoreWithClient creates an S3Store with a custom client, used for testing.
func NewS3StoreWithClient(bucket, prefix string, client GetObjectAPI) *S3Store {
	return &S3Store{bucket: bucket, prefix: prefix, client: client}
}

// Key returns the object key of messageID.
func (s *S3Store) Key(messageID string) string {
	return path.Join(s.prefix, messageID)
}

func (s *S3Store) GetRawMessage(ctx context.Context, messageID string) ([]byte, error) {
	key := s.Key(messageID)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("s3://%s/%s: %w", s.bucket, key, model.ErrMessageNotFound)
		}
		return nil, fmt.Errorf("failed to get s3://%s/%s: %w", s.bucket, key, err)
	}
	defer out.Body.Close()

	raw, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read s3://%s/%s: %w", s.bucket, key, err)
	}
	return raw, nil
}
