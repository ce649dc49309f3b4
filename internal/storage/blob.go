// Package storage provides the object-store client and the presigned URL
// broker for avatar weight files and generated content.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/lumeo-ai/contentforge/internal/config"
)

// ErrorKind classifies blob store failures for retry decisions.
type ErrorKind string

const (
	KindNotFound  ErrorKind = "not_found"
	KindTransient ErrorKind = "transient"
	KindFatal     ErrorKind = "fatal"
)

// Error is a classified blob store failure.
type Error struct {
	Kind ErrorKind
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsTransient reports whether err is a retryable storage failure.
func IsTransient(err error) bool {
	var se *Error
	return errors.As(err, &se) && se.Kind == KindTransient
}

// IsNotFound reports whether err is a missing-object failure.
func IsNotFound(err error) bool {
	var se *Error
	return errors.As(err, &se) && se.Kind == KindNotFound
}

// BlobStore stores and retrieves bytes in object storage.
type BlobStore interface {
	// Put writes bytes at path and returns the CDN-fronted public URL.
	// Put is idempotent by path: retries overwrite with identical state.
	Put(ctx context.Context, path string, data []byte, contentType string) (string, error)
	Get(ctx context.Context, path string) ([]byte, error)
	Copy(ctx context.Context, src, dst string) error
	Delete(ctx context.Context, path string) error
}

// WeightsPath returns the canonical blob path for an avatar's weights file.
// Written by the training system, read-only here.
func WeightsPath(avatarID string) string {
	return fmt.Sprintf("loras/%s.safetensors", avatarID)
}

// ContentPath returns the canonical blob path for a generated piece.
func ContentPath(avatarID, pieceID, ext string) string {
	return fmt.Sprintf("content/%s/%s.%s", avatarID, pieceID, ext)
}

// S3Store is an S3-compatible BlobStore (AWS S3, Cloudflare R2, MinIO).
type S3Store struct {
	client     *s3.Client
	bucket     string
	cdnBaseURL string
}

// NewS3Client builds an S3 client from storage configuration.
func NewS3Client(ctx context.Context, cfg config.StorageConfig) (*s3.Client, error) {
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, &Error{Kind: KindFatal, Op: "configure", Path: cfg.Bucket,
			Err: errors.New("storage credentials missing")}
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})
	return client, nil
}

// NewS3Store creates an S3-backed blob store.
func NewS3Store(client *s3.Client, cfg config.StorageConfig) *S3Store {
	return &S3Store{
		client:     client,
		bucket:     cfg.Bucket,
		cdnBaseURL: strings.TrimSuffix(cfg.CDNBaseURL, "/"),
	}
}

// PublicURL returns the CDN-fronted URL for a blob path.
func (s *S3Store) PublicURL(path string) string {
	return s.cdnBaseURL + "/" + strings.TrimPrefix(path, "/")
}

// Put writes bytes at path and returns the public URL.
func (s *S3Store) Put(ctx context.Context, path string, data []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(path),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", classify("put", path, err)
	}
	return s.PublicURL(path), nil
}

// Get reads the bytes stored at path.
func (s *S3Store) Get(ctx context.Context, path string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(path),
	})
	if err != nil {
		return nil, classify("get", path, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, &Error{Kind: KindTransient, Op: "get", Path: path, Err: err}
	}
	return data, nil
}

// Copy duplicates an object inside the bucket.
func (s *S3Store) Copy(ctx context.Context, src, dst string) error {
	_, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(s.bucket),
		CopySource: aws.String(s.bucket + "/" + src),
		Key:        aws.String(dst),
	})
	if err != nil {
		return classify("copy", src, err)
	}
	return nil
}

// Delete removes an object. Deleting a missing object is not an error.
func (s *S3Store) Delete(ctx context.Context, path string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(path),
	})
	if err != nil {
		return classify("delete", path, err)
	}
	return nil
}

// classify maps S3 errors onto the NotFound/Transient/Fatal taxonomy.
func classify(op, path string, err error) error {
	var noKey *s3types.NoSuchKey
	var noBucket *s3types.NoSuchBucket
	switch {
	case errors.As(err, &noKey):
		return &Error{Kind: KindNotFound, Op: op, Path: path, Err: err}
	case errors.As(err, &noBucket):
		return &Error{Kind: KindFatal, Op: op, Path: path, Err: err}
	default:
		// Network and 5xx class failures are worth retrying.
		return &Error{Kind: KindTransient, Op: op, Path: path, Err: err}
	}
}
