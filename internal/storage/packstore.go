// Package storage serves seed pack archives from S3-compatible object
// storage. A seed pack is the generated game files for one seed; racers
// download it through a short-lived presigned URL once the organizer
// releases seeds.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Default timeouts for S3 operations.
const (
	DefaultMetadataTimeout = 10 * time.Second // Stat, presign
	DefaultDataTimeout     = 60 * time.Second // Put (pack upload)

	// DefaultLinkTTL is how long a presigned pack download stays valid.
	DefaultLinkTTL = 15 * time.Minute
)

// PackConfig holds connection and timeout settings for the pack store.
type PackConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool

	// MetadataTimeout bounds stat and presign calls. Defaults to 10s.
	MetadataTimeout time.Duration

	// DataTimeout bounds pack uploads. Defaults to 60s.
	DataTimeout time.Duration

	// LinkTTL is the presigned URL lifetime. Defaults to 15m.
	LinkTTL time.Duration
}

// PackStore hands out presigned download links for seed pack archives and
// accepts pack uploads from the seed generator.
type PackStore struct {
	client          *minio.Client
	bucket          string
	metadataTimeout time.Duration
	dataTimeout     time.Duration
	linkTTL         time.Duration
}

// NewPackStore creates a PackStore connected to the given endpoint,
// auto-creating the bucket if it doesn't exist.
func NewPackStore(ctx context.Context, cfg PackConfig) (*PackStore, error) {
	metadataTimeout := cfg.MetadataTimeout
	if metadataTimeout == 0 {
		metadataTimeout = DefaultMetadataTimeout
	}
	dataTimeout := cfg.DataTimeout
	if dataTimeout == 0 {
		dataTimeout = DefaultDataTimeout
	}
	linkTTL := cfg.LinkTTL
	if linkTTL == 0 {
		linkTTL = DefaultLinkTTL
	}

	// Custom transport with explicit dial and TLS timeouts.
	// ResponseHeaderTimeout bounds the wait for the server to start
	// replying, not the full transfer.
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   5 * time.Second,
		ResponseHeaderTimeout: metadataTimeout,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   100,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Transport: transport,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	s := &PackStore{
		client:          client,
		bucket:          cfg.Bucket,
		metadataTimeout: metadataTimeout,
		dataTimeout:     dataTimeout,
		linkTTL:         linkTTL,
	}

	if err := s.ensureBucket(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PackStore) ensureBucket(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.metadataTimeout)
	defer cancel()

	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("create bucket %s: %w", s.bucket, err)
		}
	}
	return nil
}

// packKey is the object key layout for a seed's pack archive.
func packKey(seedID uuid.UUID) string {
	return "packs/" + seedID.String() + ".zip"
}

// PackExists reports whether a pack archive is stored for the seed.
func (s *PackStore) PackExists(ctx context.Context, seedID uuid.UUID) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.metadataTimeout)
	defer cancel()

	_, err := s.client.StatObject(ctx, s.bucket, packKey(seedID), minio.StatObjectOptions{})
	if err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" {
			return false, nil
		}
		return false, fmt.Errorf("stat pack %s: %w", seedID, err)
	}
	return true, nil
}

// DownloadURL returns a short-lived presigned GET URL for a seed's pack.
func (s *PackStore) DownloadURL(ctx context.Context, seedID uuid.UUID) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.metadataTimeout)
	defer cancel()

	params := make(url.Values)
	params.Set("response-content-disposition",
		fmt.Sprintf(`attachment; filename="%s.zip"`, seedID))

	u, err := s.client.PresignedGetObject(ctx, s.bucket, packKey(seedID), s.linkTTL, params)
	if err != nil {
		return "", fmt.Errorf("presign pack %s: %w", seedID, err)
	}
	return u.String(), nil
}

// PutPack stores a seed's pack archive, overwriting any previous one.
func (s *PackStore) PutPack(ctx context.Context, seedID uuid.UUID, archive []byte) error {
	ctx, cancel := context.WithTimeout(ctx, s.dataTimeout)
	defer cancel()

	_, err := s.client.PutObject(ctx, s.bucket, packKey(seedID),
		bytes.NewReader(archive), int64(len(archive)),
		minio.PutObjectOptions{ContentType: "application/zip"})
	if err != nil {
		return fmt.Errorf("put pack %s: %w", seedID, err)
	}
	return nil
}
