package archive

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/sigamobile/siga-helpdesk/config"
)

// S3Archiver uploads attachments to an S3-compatible bucket. The
// bucket must allow public reads so the stored object URLs stay
// dereferenceable from the spreadsheet.
type S3Archiver struct {
	client  *minio.Client
	bucket  string
	region  string
	prefix  string
	baseURL string

	initMu      sync.Mutex
	bucketReady bool
}

func NewS3(cfg config.S3Config) (*S3Archiver, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("archive.s3.endpoint is required")
	}
	access := strings.TrimSpace(cfg.AccessKey)
	secret := strings.TrimSpace(cfg.SecretKey)
	if access == "" || secret == "" {
		return nil, fmt.Errorf("archive.s3.access_key and archive.s3.secret_key are required")
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("archive.s3.bucket is required")
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(access, secret, ""),
		Secure: cfg.UseSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("init s3 client: %w", err)
	}

	scheme := "http"
	if cfg.UseSSL {
		scheme = "https"
	}

	return &S3Archiver{
		client:  client,
		bucket:  bucket,
		region:  region,
		prefix:  strings.Trim(strings.TrimSpace(cfg.Prefix), "/"),
		baseURL: fmt.Sprintf("%s://%s/%s", scheme, endpoint, bucket),
	}, nil
}

// ensureBucket checks the bucket on first use, creating it if missing.
// Only success is latched so a transient failure does not poison every
// later upload.
func (a *S3Archiver) ensureBucket(ctx context.Context) error {
	a.initMu.Lock()
	defer a.initMu.Unlock()
	if a.bucketReady {
		return nil
	}

	exists, err := a.client.BucketExists(ctx, a.bucket)
	if err != nil {
		return err
	}
	if !exists {
		if err := a.client.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{Region: a.region}); err != nil {
			return err
		}
	}
	a.bucketReady = true
	return nil
}

func (a *S3Archiver) Archive(ctx context.Context, payload []byte, mimeType, suggestedName string) (string, error) {
	if err := a.ensureBucket(ctx); err != nil {
		return "", fmt.Errorf("ensure bucket: %w", err)
	}

	contentType := strings.TrimSpace(mimeType)
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	key := a.objectKey(FileName(suggestedName, mimeType))
	_, err := a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(payload), int64(len(payload)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("upload to s3: %w", err)
	}

	return a.baseURL + "/" + key, nil
}

func (a *S3Archiver) objectKey(name string) string {
	if a.prefix == "" {
		return name
	}
	return a.prefix + "/" + name
}
