// Package storage uploads recording artifacts to object storage.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Uploader stores an object and returns its URL.
type Uploader interface {
	Upload(ctx context.Context, key string, body io.Reader, size int64, contentType string) (string, error)
}

type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Uploader writes objects to a single S3 bucket.
type S3Uploader struct {
	client objectPutter
	bucket string
	region string
}

func NewS3Uploader(cfg aws.Config, bucket string) *S3Uploader {
	return &S3Uploader{client: s3.NewFromConfig(cfg), bucket: bucket, region: cfg.Region}
}

// Upload streams body to bucket/key. size must be the exact body length;
// S3 needs it up front for non-seekable bodies.
func (u *S3Uploader) Upload(ctx context.Context, key string, body io.Reader, size int64, contentType string) (string, error) {
	if u.bucket == "" {
		return "", fmt.Errorf("no recordings bucket configured")
	}
	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(u.bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put s3://%s/%s: %w", u.bucket, key, err)
	}
	return ObjectURL(u.bucket, u.region, key), nil
}

// ObjectURL is the virtual-hosted-style HTTPS URL of an S3 object.
func ObjectURL(bucket, region, key string) string {
	segments := strings.Split(key, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", bucket, region, strings.Join(segments, "/"))
}

// MemoryStore keeps uploaded objects in memory. Used in tests and when
// running without a bucket.
type MemoryStore struct {
	// FailKeys makes Upload fail for the listed keys.
	FailKeys map[string]error

	mu      sync.Mutex
	objects map[string][]byte
	order   []string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte)}
}

func (m *MemoryStore) Upload(_ context.Context, key string, body io.Reader, size int64, _ string) (string, error) {
	if err := m.FailKeys[key]; err != nil {
		return "", err
	}
	var buf bytes.Buffer
	n, err := io.Copy(&buf, body)
	if err != nil {
		return "", err
	}
	if n != size {
		return "", fmt.Errorf("size mismatch for %s: declared %d, read %d", key, size, n)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = buf.Bytes()
	m.order = append(m.order, key)
	return "memory://" + key, nil
}

// Object returns a stored object's bytes.
func (m *MemoryStore) Object(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objects[key]
	return b, ok
}

// Keys returns uploaded keys in upload order.
func (m *MemoryStore) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out
}
