// Package objectstore archives build console output in an S3-compatible bucket.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"path"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"localci/internal/ports"
)

// Config locates the bucket build logs are written to.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
	Bucket    string
	// Prefix is prepended to every object key.
	Prefix string
}

func (c Config) Validate() error {
	if c.Endpoint == "" {
		return errors.New("MINIO_ENDPOINT is required")
	}
	if c.AccessKey == "" || c.SecretKey == "" {
		return errors.New("MINIO_ACCESS_KEY and MINIO_SECRET_KEY are required")
	}
	if c.Bucket == "" {
		return errors.New("MINIO_BUCKET is required")
	}
	return nil
}

type objectPutter interface {
	PutObject(ctx context.Context, bucket, object string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

var _ ports.LogArchive = (*Archive)(nil)

// Archive stores build logs as text objects named <prefix>/<build id>.log.
type Archive struct {
	client objectPutter
	bucket string
	prefix string
}

// NewMinIOClient connects to the object store described by cfg.
func NewMinIOClient(cfg Config) (*minio.Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	}
	return minio.New(cfg.Endpoint, opts)
}

// NewArchive connects to the store and creates the bucket when it is missing.
func NewArchive(ctx context.Context, cfg Config) (*Archive, error) {
	client, err := NewMinIOClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	if err := ensureBucket(ctx, client, cfg.Bucket, cfg.Region); err != nil {
		return nil, fmt.Errorf("ensure bucket %s: %w", cfg.Bucket, err)
	}
	return newArchive(client, cfg), nil
}

func newArchive(client objectPutter, cfg Config) *Archive {
	return &Archive{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}
}

// StoreBuildLog uploads log under the key of buildID.
func (a *Archive) StoreBuildLog(ctx context.Context, buildID string, log []byte) error {
	if buildID == "" {
		return errors.New("build id is required")
	}
	key := a.objectKey(buildID)
	_, err := a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(log), int64(len(log)),
		minio.PutObjectOptions{ContentType: "text/plain; charset=utf-8"})
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", a.bucket, key, err)
	}
	return nil
}

func (a *Archive) objectKey(buildID string) string {
	return path.Join(a.prefix, path.Base(buildID)+".log")
}

func ensureBucket(ctx context.Context, client *minio.Client, bucket string, region string) error {
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: region})
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
