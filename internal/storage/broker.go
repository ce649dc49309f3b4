package storage

import (
	"context"
	"errors"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/lumeo-ai/contentforge/internal/config"
)

// ErrStorageUnavailable is returned when the broker cannot sign URLs,
// typically because credentials are missing. Callers must not retry
// without a configuration change.
var ErrStorageUnavailable = errors.New("storage unavailable: signing credentials missing")

// DefaultWeightsTTL is the presigned URL lifetime for weight files.
const DefaultWeightsTTL = 900 * time.Second

// SignedURL is a short-lived, single-capability read URL for one object.
type SignedURL struct {
	URL      string
	Path     string
	IssuedAt time.Time
	TTL      time.Duration
}

// Age returns the elapsed time since the URL was minted.
func (u *SignedURL) Age(now time.Time) time.Duration {
	return now.Sub(u.IssuedAt)
}

// ExpiresSoon reports whether the URL has aged past the given fraction of
// its TTL. The router re-mints weight URLs past 0.8.
func (u *SignedURL) ExpiresSoon(now time.Time, fraction float64) bool {
	return u.Age(now) > time.Duration(float64(u.TTL)*fraction)
}

// URLBroker mints time-limited read URLs for objects in blob storage.
// Remote workers never hold long-lived storage credentials; the short TTL
// bounds the blast radius of a leaked URL.
type URLBroker interface {
	MintRead(ctx context.Context, path string, ttl time.Duration) (*SignedURL, error)
}

// S3Broker presigns GET requests against an S3-compatible store.
type S3Broker struct {
	presigner *s3.PresignClient
	bucket    string
	now       func() time.Time
}

// NewS3Broker creates a presigning broker over an S3 client.
func NewS3Broker(client *s3.Client, cfg config.StorageConfig) *S3Broker {
	return &S3Broker{
		presigner: s3.NewPresignClient(client),
		bucket:    cfg.Bucket,
		now:       time.Now,
	}
}

// MintRead returns a signed GET URL for exactly path, expiring after ttl.
func (b *S3Broker) MintRead(ctx context.Context, path string, ttl time.Duration) (*SignedURL, error) {
	if ttl <= 0 {
		ttl = DefaultWeightsTTL
	}
	if b.presigner == nil {
		return nil, ErrStorageUnavailable
	}

	req, err := b.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(path),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return nil, ErrStorageUnavailable
	}

	return &SignedURL{
		URL:      req.URL,
		Path:     path,
		IssuedAt: b.now(),
		TTL:      ttl,
	}, nil
}
