package binary

import (
	"context"
	"fmt"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Mirror replicates stored blobs to S3-compatible storage. The mirror is
// best-effort: the local file system stays authoritative and mirror
// failures never fail a save.
type Mirror interface {
	Put(ctx context.Context, key, filePath string) error
	Remove(ctx context.Context, key string) error
}

// MirrorConfig configures the optional S3 mirror. An empty bucket disables
// mirroring.
type MirrorConfig struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Region    string `yaml:"region"`
	UseSSL    *bool  `yaml:"use_ssl"`
}

// NewMirror creates the mirror matching the configuration: a NoopMirror
// when no bucket is set, an S3Mirror otherwise.
func NewMirror(cfg MirrorConfig) (Mirror, error) {
	if cfg.Bucket == "" {
		return &NoopMirror{}, nil
	}

	useSSL := true
	if cfg.UseSSL != nil {
		useSSL = *cfg.UseSSL
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: useSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create S3 client: %w", err)
	}
	return &S3Mirror{client: client, bucket: cfg.Bucket}, nil
}

// S3Mirror replicates blobs into one bucket, keyed by their storage path.
type S3Mirror struct {
	client *minio.Client
	bucket string
}

func (m *S3Mirror) Put(ctx context.Context, key, filePath string) error {
	_, err := m.client.FPutObject(ctx, m.bucket, key, filePath, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return fmt.Errorf("mirror blob to S3: %w", err)
	}
	return nil
}

func (m *S3Mirror) Remove(ctx context.Context, key string) error {
	if err := m.client.RemoveObject(ctx, m.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove mirrored blob: %w", err)
	}
	return nil
}

// NoopMirror is used when no S3 bucket is configured.
type NoopMirror struct{}

func (m *NoopMirror) Put(ctx context.Context, key, filePath string) error { return nil }
func (m *NoopMirror) Remove(ctx context.Context, key string) error        { return nil }
