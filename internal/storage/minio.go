package storage

import (
	"context"
	"fmt"
	"mime"
	"net/http"
	"path/filepath"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/seantiz/kiln/internal/retry"
)

// MinIOConfig configures an S3-compatible object store.
type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	// PublicURL is the base URL objects are served from. Defaults to the
	// endpoint plus bucket.
	PublicURL string
	Retry     retry.Config
}

// MinIO stores artifacts in an S3-compatible bucket.
type MinIO struct {
	client    *minio.Client
	fs        afero.Fs
	bucket    string
	publicURL string
	retry     retry.Config
	log       logrus.FieldLogger
	fetch     *fetcher
}

// NewMinIO connects to the bucket, creating it if needed.
func NewMinIO(ctx context.Context, fs afero.Fs, cfg MinIOConfig, log logrus.FieldLogger) (*MinIO, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("minio endpoint is required")
	}
	bucket := cfg.Bucket
	if bucket == "" {
		bucket = "kiln-artifacts"
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket: %w", err)
		}
	}

	publicURL := cfg.PublicURL
	if publicURL == "" {
		scheme := "http"
		if cfg.UseSSL {
			scheme = "https"
		}
		publicURL = fmt.Sprintf("%s://%s/%s", scheme, cfg.Endpoint, bucket)
	}

	log = log.WithField("component", "storage")
	return &MinIO{
		client:    client,
		fs:        fs,
		bucket:    bucket,
		publicURL: publicURL,
		retry:     cfg.Retry,
		log:       log,
		fetch:     &fetcher{fs: fs, client: http.DefaultClient, retry: cfg.Retry, log: log},
	}, nil
}

// Upload puts localPath into the bucket under a fresh object name.
func (m *MinIO) Upload(ctx context.Context, localPath string) (string, error) {
	name := objectName(localPath)
	contentType := mime.TypeByExtension(filepath.Ext(localPath))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	_, err := retry.Do(ctx, m.retry, m.log.WithField("object", name), func() (minio.UploadInfo, error) {
		f, err := m.fs.Open(localPath)
		if err != nil {
			return minio.UploadInfo{}, retry.Permanent(err)
		}
		defer f.Close()
		info, err := f.Stat()
		if err != nil {
			return minio.UploadInfo{}, retry.Permanent(err)
		}
		return m.client.PutObject(ctx, m.bucket, name, f, info.Size(), minio.PutObjectOptions{ContentType: contentType})
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", localPath, err)
	}
	return joinURL(m.publicURL, name), nil
}

// Download fetches rawURL to localPath.
func (m *MinIO) Download(ctx context.Context, rawURL, localPath string) (string, error) {
	return m.fetch.download(ctx, rawURL, localPath)
}
