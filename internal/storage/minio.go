package storage

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

// MinIOOptions MinIO连接配置
type MinIOOptions struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	Logger    *zap.Logger
}

// MinIOStore MinIO对象存储
type MinIOStore struct {
	client *minio.Client
	bucket string
	logger *zap.Logger
}

// NewMinIOStore 创建客户端并确保bucket存在
func NewMinIOStore(ctx context.Context, opts MinIOOptions) (*MinIOStore, error) {
	if opts.Endpoint == "" {
		return nil, fmt.Errorf("minio endpoint not configured")
	}
	if opts.Bucket == "" {
		opts.Bucket = "uploaded-docs"
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	// minio.New 不需要协议前缀
	endpoint := strings.TrimPrefix(opts.Endpoint, "http://")
	endpoint = strings.TrimPrefix(endpoint, "https://")

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	store := &MinIOStore{
		client: client,
		bucket: opts.Bucket,
		logger: opts.Logger.Named("minio"),
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := store.ensureBucket(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *MinIOStore) ensureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		s.logger.Warn("failed to check bucket existence, attempting to create", zap.String("bucket", s.bucket), zap.Error(err))
	}
	if exists {
		return nil
	}

	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		// 其他实例可能已创建
		resp := minio.ToErrorResponse(err)
		if resp.Code == "BucketAlreadyExists" || resp.Code == "BucketAlreadyOwnedByYou" {
			return nil
		}
		return fmt.Errorf("failed to create bucket %s: %w", s.bucket, err)
	}
	s.logger.Info("minio bucket created", zap.String("bucket", s.bucket))
	return nil
}

func (s *MinIOStore) Save(ctx context.Context, name string, r io.Reader, size int64) (string, error) {
	base, err := SafeName(name)
	if err != nil {
		return "", err
	}

	info, err := s.client.PutObject(ctx, s.bucket, base, r, size, minio.PutObjectOptions{
		ContentType: contentType(base),
	})
	if err != nil {
		return "", fmt.Errorf("put object %s: %w", base, err)
	}
	return fmt.Sprintf("%s/%s", info.Bucket, info.Key), nil
}

func contentType(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".pdf":
		return "application/pdf"
	case ".docx":
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	case ".xlsx":
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case ".txt", ".md", ".markdown":
		return "text/plain; charset=utf-8"
	default:
		return "application/octet-stream"
	}
}
