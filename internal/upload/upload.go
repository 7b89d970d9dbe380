// Package upload copies run artifacts to an S3-compatible bucket.
package upload

import (
	"context"
	"fmt"
	"mime"
	"path"
	"path/filepath"
	"strings"

	miniogo "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Bucket    string
	Prefix    string
}

// Uploader writes artifacts under <prefix>/<run id>/ in one bucket.
type Uploader struct {
	client *miniogo.Client
	bucket string
	prefix string
	log    *zap.Logger
}

func New(cfg Config, log *zap.Logger) (*Uploader, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("upload endpoint and bucket are required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	client, err := miniogo.New(cfg.Endpoint, &miniogo.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &Uploader{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix, log: log}, nil
}

// EnsureBucket creates the bucket when it does not exist yet.
func (u *Uploader) EnsureBucket(ctx context.Context) error {
	exists, err := u.client.BucketExists(ctx, u.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", u.bucket, err)
	}
	if !exists {
		if err := u.client.MakeBucket(ctx, u.bucket, miniogo.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("create bucket %s: %w", u.bucket, err)
		}
		u.log.Info("bucket created", zap.String("bucket", u.bucket))
	}
	return nil
}

// ObjectKey returns the key for a local file uploaded for runID.
func ObjectKey(prefix, runID, localPath string) string {
	parts := []string{}
	if p := strings.Trim(prefix, "/"); p != "" {
		parts = append(parts, p)
	}
	parts = append(parts, runID, filepath.Base(localPath))
	return path.Join(parts...)
}

// ContentType guesses the MIME type from the file extension.
func ContentType(localPath string) string {
	ext := strings.ToLower(filepath.Ext(localPath))
	switch ext {
	case ".yaml", ".yml":
		return "application/yaml"
	case ".mp4":
		return "video/mp4"
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// UploadFile copies localPath to the bucket and returns its object key.
func (u *Uploader) UploadFile(ctx context.Context, runID, localPath string) (string, error) {
	key := ObjectKey(u.prefix, runID, localPath)
	info, err := u.client.FPutObject(ctx, u.bucket, key, localPath, miniogo.PutObjectOptions{
		ContentType: ContentType(localPath),
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", filepath.Base(localPath), err)
	}
	u.log.Info("artifact uploaded",
		zap.String("bucket", u.bucket),
		zap.String("key", key),
		zap.Int64("size", info.Size))
	return key, nil
}

// UploadAll uploads every non-empty path and returns the keys in order.
func (u *Uploader) UploadAll(ctx context.Context, runID string, paths ...string) ([]string, error) {
	var keys []string
	for _, p := range paths {
		if p == "" {
			continue
		}
		key, err := u.UploadFile(ctx, runID, p)
		if err != nil {
			return keys, err
		}
		keys = append(keys, key)
	}
	return keys, nil
}
