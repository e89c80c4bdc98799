package storage

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"docflow/internal/store"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinIOConfig configures the S3-compatible document store.
type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
	// MaxObjectBytes caps reads; 0 means unlimited.
	MaxObjectBytes int64
}

// Validate reports missing required settings.
func (c MinIOConfig) Validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("s3 endpoint is required")
	}
	if c.Bucket == "" {
		return fmt.Errorf("s3 bucket is required")
	}
	return nil
}

// MinIO stores document bytes in one bucket, keyed per tenant.
type MinIO struct {
	client   *minio.Client
	bucket   string
	maxBytes int64
}

// NewMinIO connects to the object store.
func NewMinIO(cfg MinIOConfig) (*MinIO, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create s3 client: %w", err)
	}
	return &MinIO{client: client, bucket: cfg.Bucket, maxBytes: cfg.MaxObjectBytes}, nil
}

// EnsureBucket creates the document bucket if it does not exist yet.
func (m *MinIO) EnsureBucket(ctx context.Context, region string) error {
	exists, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return fmt.Errorf("bucket exists: %w", err)
	}
	if exists {
		return nil
	}
	if err := m.client.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{Region: region}); err != nil {
		return fmt.Errorf("make bucket %s: %w", m.bucket, err)
	}
	return nil
}

// Put uploads document bytes for ingestion. An empty media type is sniffed from the content.
func (m *MinIO) Put(ctx context.Context, tenantID, documentID uuid.UUID, content []byte, mediaType string) (Object, error) {
	if mediaType == "" || mediaType == "application/octet-stream" {
		mediaType = mimetype.Detect(content).String()
	}
	key := ObjectKey(tenantID, documentID)
	hash := HashBytes(content)

	_, err := m.client.PutObject(ctx, m.bucket, key, bytes.NewReader(content), int64(len(content)), minio.PutObjectOptions{
		ContentType:  mediaType,
		UserMetadata: map[string]string{"sha256": hash},
	})
	if err != nil {
		return Object{}, fmt.Errorf("s3 put object: %w", err)
	}
	return Object{Location: key, ContentHash: hash, Size: int64(len(content)), MediaType: mediaType}, nil
}

// ReadDocumentBytes implements Reader and verifies the content hash.
func (m *MinIO) ReadDocumentBytes(ctx context.Context, doc store.Document) ([]byte, error) {
	obj, err := m.client.GetObject(ctx, m.bucket, doc.Location, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("s3 get object: %w", err)
	}
	defer obj.Close()

	b, err := readAllLimited(obj, m.maxBytes)
	if err != nil {
		return nil, fmt.Errorf("s3 read object %s: %w", doc.Location, err)
	}
	if err := VerifyHash(doc, b); err != nil {
		return nil, err
	}
	return b, nil
}

// Ping checks the bucket is reachable.
func (m *MinIO) Ping(ctx context.Context) error {
	_, err := m.client.BucketExists(ctx, m.bucket)
	return err
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
