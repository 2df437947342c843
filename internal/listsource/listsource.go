// Package listsource loads recipient and amount lists for the CLI from a
// local file, an S3 object, or an in-memory table.
package listsource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

const defaultMaxBytes int64 = 4 << 20

var (
	ErrInvalidLocation = errors.New("listsource: invalid location")
	ErrNotFound        = errors.New("listsource: not found")
	ErrTooLarge        = errors.New("listsource: list too large")
)

// S3Client is the subset of the S3 API used for loading lists.
type S3Client interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Config configures a Loader.
type Config struct {
	// MaxBytes bounds every load. Defaults to 4 MiB.
	MaxBytes int64
	// S3Client serves s3:// locations; they fail without one.
	S3Client S3Client
}

// Loader resolves "s3://bucket/key", "mem://name", "file:///path" or a plain path.
type Loader struct {
	cfg Config

	mu  sync.RWMutex
	mem map[string][]byte
}

// New builds a Loader.
func New(cfg Config) *Loader {
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = defaultMaxBytes
	}
	return &Loader{cfg: cfg, mem: make(map[string][]byte)}
}

// Set stores data under mem://name.
func (l *Loader) Set(name string, data []byte) {
	l.mu.Lock()
	l.mem[name] = append([]byte(nil), data...)
	l.mu.Unlock()
}

// Load returns the text stored at location.
func (l *Loader) Load(ctx context.Context, location string) (string, error) {
	location = strings.TrimSpace(location)
	if location == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidLocation)
	}
	scheme, rest, ok := strings.Cut(location, "://")
	if !ok {
		return l.loadFile(location)
	}
	switch scheme {
	case "file":
		return l.loadFile(rest)
	case "mem":
		return l.loadMemory(rest)
	case "s3":
		bucket, key, _ := strings.Cut(rest, "/")
		if bucket == "" || key == "" {
			return "", fmt.Errorf("%w: %q needs s3://bucket/key", ErrInvalidLocation, location)
		}
		return l.loadS3(ctx, bucket, key)
	default:
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidLocation, scheme)
	}
}

func (l *Loader) loadFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return "", fmt.Errorf("listsource: open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()
	return l.readLimited(f, path)
}

func (l *Loader) loadMemory(name string) (string, error) {
	l.mu.RLock()
	data, ok := l.mem[name]
	l.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: mem://%s", ErrNotFound, name)
	}
	if int64(len(data)) > l.cfg.MaxBytes {
		return "", fmt.Errorf("%w: mem://%s exceeds %d bytes", ErrTooLarge, name, l.cfg.MaxBytes)
	}
	return string(data), nil
}

func (l *Loader) loadS3(ctx context.Context, bucket, key string) (string, error) {
	if l.cfg.S3Client == nil {
		return "", fmt.Errorf("%w: no s3 client configured", ErrInvalidLocation)
	}
	out, err := l.cfg.S3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return "", fmt.Errorf("%w: s3://%s/%s", ErrNotFound, bucket, key)
		}
		return "", fmt.Errorf("listsource: get s3://%s/%s: %w", bucket, key, err)
	}
	defer func() { _ = out.Body.Close() }()
	return l.readLimited(out.Body, "s3://"+bucket+"/"+key)
}

func (l *Loader) readLimited(r io.Reader, name string) (string, error) {
	data, err := io.ReadAll(io.LimitReader(r, l.cfg.MaxBytes+1))
	if err != nil {
		return "", fmt.Errorf("listsource: read %s: %w", name, err)
	}
	if int64(len(data)) > l.cfg.MaxBytes {
		return "", fmt.Errorf("%w: %s exceeds %d bytes", ErrTooLarge, name, l.cfg.MaxBytes)
	}
	return string(data), nil
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "NoSuchKey", "NoSuchBucket", "NotFound", "404":
		return true
	}
	return false
}
