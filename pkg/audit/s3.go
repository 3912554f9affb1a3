package audit

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ObjectPutter is the slice of the S3 client the uploader needs.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Uploader ships evidence bundles to an object store bucket. Keys are
// timestamped so repeated exports of the same range never overwrite.
type S3Uploader struct {
	client ObjectPutter
	bucket string
	prefix string
}

// NewS3Uploader builds an uploader from the ambient AWS configuration.
func NewS3Uploader(ctx context.Context, bucket, prefix string) (*S3Uploader, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("audit: load aws config: %w", err)
	}
	return &S3Uploader{client: s3.NewFromConfig(cfg), bucket: bucket, prefix: prefix}, nil
}

// NewS3UploaderWithClient wires an explicit client, for tests and custom
// endpoints.
func NewS3UploaderWithClient(client ObjectPutter, bucket, prefix string) *S3Uploader {
	return &S3Uploader{client: client, bucket: bucket, prefix: prefix}
}

// Upload stores the bundle and returns the object key. The checksum travels
// as object metadata so integrity is checkable without downloading.
func (u *S3Uploader) Upload(ctx context.Context, bundle []byte, checksum string, generatedAt time.Time) (string, error) {
	key := fmt.Sprintf("%sbundle-%s-%s.zip", u.prefix, generatedAt.UTC().Format("20060102T150405Z"), checksum[:12])
	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(bundle),
		ContentType: aws.String("application/zip"),
		Metadata:    map[string]string{"sha256": checksum},
	})
	if err != nil {
		return "", fmt.Errorf("audit: upload bundle: %w", err)
	}
	return key, nil
}
