// Package s3 stores archives as objects in an S3 bucket.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/meigma/apkpack/storage"
)

// API is the subset of the S3 client the store uses.
type API interface {
	GetObject(ctx context.Context, in *awss3.GetObjectInput, optFns ...func(*awss3.Options)) (*awss3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *awss3.PutObjectInput, optFns ...func(*awss3.Options)) (*awss3.PutObjectOutput, error)
}

// Store implements storage.Store on a bucket.
type Store struct {
	client      API
	bucket      string
	prefix      string
	contentType string
}

var _ storage.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithPrefix places every key under prefix.
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = strings.Trim(prefix, "/")
	}
}

// New creates a Store using client.
func New(client API, bucket string, opts ...Option) (*Store, error) {
	if client == nil {
		return nil, errors.New("s3: client is nil")
	}
	if bucket == "" {
		return nil, errors.New("s3: bucket is empty")
	}
	s := &Store{
		client:      client,
		bucket:      bucket,
		contentType: "application/vnd.android.package-archive",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// ClientConfig selects how NewFromEnv builds its client.
type ClientConfig struct {
	// Region overrides the region from the environment.
	Region string

	// Endpoint points the client at an S3-compatible service.
	Endpoint string

	// PathStyle forces path-style addressing, which most S3-compatible
	// services require.
	PathStyle bool
}

// NewFromEnv builds a client from the default AWS credential chain.
func NewFromEnv(ctx context.Context, bucket string, cc ClientConfig, opts ...Option) (*Store, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if cc.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cc.Region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("s3: load aws config: %w", err)
	}
	client := awss3.NewFromConfig(cfg, func(o *awss3.Options) {
		if cc.Endpoint != "" {
			o.BaseEndpoint = aws.String(cc.Endpoint)
		}
		o.UsePathStyle = cc.PathStyle
	})
	return New(client, bucket, opts...)
}

func (s *Store) objectKey(key string) (string, error) {
	if key == "" || strings.HasPrefix(key, "/") {
		return "", fmt.Errorf("%w: %q", storage.ErrInvalidKey, key)
	}
	if s.prefix == "" {
		return key, nil
	}
	return path.Join(s.prefix, key), nil
}

// Fetch implements storage.Source.
func (s *Store) Fetch(ctx context.Context, key string) ([]byte, error) {
	objKey, err := s.objectKey(key)
	if err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objKey),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("%w: s3://%s/%s", storage.ErrNotFound, s.bucket, objKey)
		}
		return nil, fmt.Errorf("s3: get s3://%s/%s: %w", s.bucket, objKey, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("s3: read s3://%s/%s: %w", s.bucket, objKey, err)
	}
	return data, nil
}

// Store implements storage.Sink.
func (s *Store) Store(ctx context.Context, key string, data []byte) error {
	objKey, err := s.objectKey(key)
	if err != nil {
		return err
	}
	_, err = s.client.PutObject(ctx, &awss3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(objKey),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(s.contentType),
	})
	if err != nil {
		return fmt.Errorf("s3: put s3://%s/%s: %w", s.bucket, objKey, err)
	}
	return nil
}
