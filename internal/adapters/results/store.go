package results

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/target/escrow-settlement/config"
)

var (
	// ErrInvalidKey is returned for empty or malformed object keys.
	ErrInvalidKey = errors.New("results store: invalid key")
	// ErrNotFound is returned by Get for missing objects.
	ErrNotFound = errors.New("results store: not found")
	// ErrTooLarge is returned by Get when an object exceeds the configured cap.
	ErrTooLarge = errors.New("results store: object too large")
)

// BlobStore persists final results documents.
type BlobStore interface {
	Put(ctx context.Context, key string, payload []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// S3Client is the subset of the S3 API used by the store.
type S3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// StoreOptions configures NewStore.
type StoreOptions struct {
	Driver  string
	Bucket  string
	Prefix  string
	MaxSize int64
	// S3Client is required for the s3 driver.
	S3Client S3Client
}

// NewStore returns the blob store for opts.Driver.
func NewStore(opts StoreOptions) (BlobStore, error) {
	maxSize := opts.MaxSize
	if maxSize <= 0 {
		maxSize = 10 << 20
	}
	switch strings.ToLower(strings.TrimSpace(opts.Driver)) {
	case "", config.StorageDriverMemory:
		return NewMemoryStore(opts.Prefix), nil
	case config.StorageDriverS3:
		bucket := strings.TrimSpace(opts.Bucket)
		if bucket == "" {
			return nil, errors.New("results store: s3 bucket is required")
		}
		if opts.S3Client == nil {
			return nil, errors.New("results store: s3 client is required")
		}
		return &s3Store{
			client:  opts.S3Client,
			bucket:  bucket,
			prefix:  normalizePrefix(opts.Prefix),
			maxSize: maxSize,
		}, nil
	default:
		return nil, fmt.Errorf("results store: unsupported driver %q", opts.Driver)
	}
}

// NewS3Client builds an S3 client from the default AWS credential chain.
func NewS3Client(ctx context.Context, cfg config.ResultsConfig) (*s3.Client, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if region := strings.TrimSpace(cfg.S3Region); region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	endpoint := strings.TrimSpace(cfg.S3Endpoint)
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

func normalizeKey(key string) (string, error) {
	if key != strings.TrimSpace(key) {
		return "", fmt.Errorf("%w: leading or trailing whitespace", ErrInvalidKey)
	}
	key = strings.TrimPrefix(key, "/")
	if key == "" {
		return "", fmt.Errorf("%w: empty key", ErrInvalidKey)
	}
	for _, r := range key {
		if r < 0x20 || r == 0x7f {
			return "", fmt.Errorf("%w: control characters", ErrInvalidKey)
		}
	}
	return key, nil
}

func normalizePrefix(prefix string) string {
	return strings.Trim(strings.TrimSpace(prefix), "/")
}

func joinPrefix(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "/" + key
}

// MemoryStore keeps objects in process memory. Used in development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	prefix  string
	objects map[string][]byte
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore(prefix string) *MemoryStore {
	return &MemoryStore{prefix: normalizePrefix(prefix), objects: make(map[string][]byte)}
}

// Put stores a copy of payload under key.
func (m *MemoryStore) Put(_ context.Context, key string, payload []byte, _ string) error {
	k, err := normalizeKey(key)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.objects[joinPrefix(m.prefix, k)] = bytes.Clone(payload)
	m.mu.Unlock()
	return nil
}

// Get returns a copy of the object stored under key.
func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	k, err := normalizeKey(key)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	data, ok := m.objects[joinPrefix(m.prefix, k)]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, k)
	}
	return bytes.Clone(data), nil
}

type s3Store struct {
	client  S3Client
	bucket  string
	prefix  string
	maxSize int64
}

func (s *s3Store) Put(ctx context.Context, key string, payload []byte, contentType string) error {
	k, err := normalizeKey(key)
	if err != nil {
		return err
	}
	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(joinPrefix(s.prefix, k)),
		Body:   bytes.NewReader(payload),
	}
	if ct := strings.TrimSpace(contentType); ct != "" {
		input.ContentType = aws.String(ct)
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("results store/s3: put %q: %w", k, err)
	}
	return nil
}

func (s *s3Store) Get(ctx context.Context, key string) ([]byte, error) {
	k, err := normalizeKey(key)
	if err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(joinPrefix(s.prefix, k)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, k)
		}
		return nil, fmt.Errorf("results store/s3: get %q: %w", k, err)
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(out.Body, s.maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("results store/s3: read %q: %w", k, err)
	}
	if int64(len(data)) > s.maxSize {
		return nil, fmt.Errorf("%w: %q exceeds %d bytes", ErrTooLarge, k, s.maxSize)
	}
	return data, nil
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "NoSuchKey", "NotFound", "404":
		return true
	default:
		return false
	}
}
