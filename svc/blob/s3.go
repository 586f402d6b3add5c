package blob

import (
	"bytes"
	"context"
	"io"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/pkg/errors"
)

// S3 stores blobs in an S3-compatible bucket. A custom endpoint with
// path-style addressing covers MinIO deployments.
type S3 struct {
	client *s3.Client
	bucket string
}

func NewS3(ctx context.Context, bucket, endpoint string, usePathStyle bool) (*S3, error) {
	var opts []func(*config.LoadOptions) error
	// MinIO-style deployments pass static credentials directly instead
	// of the usual AWS provider chain.
	if key := os.Getenv("S3_ACCESS_KEY"); key != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(key, os.Getenv("S3_SECRET_KEY"), ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "blob: load aws config")
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = usePathStyle
	})
	return &S3{client: client, bucket: bucket}, nil
}

func (s *S3) Put(ctx context.Context, cid string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: &s.bucket,
		Key:    aws.String(objectKey(cid)),
		Body:   bytes.NewReader(data),
	})
	return errors.Wrap(err, "blob: s3 put")
}

func (s *S3) Get(ctx context.Context, cid string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    aws.String(objectKey(cid)),
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "NoSuchKey" {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "blob: s3 get")
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, errors.Wrap(err, "blob: s3 read body")
	}
	if err := verify(cid, data); err != nil {
		return nil, err
	}
	return data, nil
}

func (s *S3) Delete(ctx context.Context, cid string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: &s.bucket,
		Key:    aws.String(objectKey(cid)),
	})
	return errors.Wrap(err, "blob: s3 delete")
}

func objectKey(cid string) string {
	return cid[:2] + "/" + cid
}
