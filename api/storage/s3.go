package storage

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
}

// Client resolves function package locations in S3-compatible storage.
type Client struct {
	mc     *minio.Client
	config Config
}

func NewClient(cfg Config) (*Client, error) {
	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("s3 client: %w", err)
	}
	return &Client{mc: mc, config: cfg}, nil
}

// ParseURI splits s3://bucket/key. ok is false for any other scheme.
func ParseURI(uri string) (bucket, key string, ok bool) {
	rest, found := strings.CutPrefix(uri, "s3://")
	if !found {
		return "", "", false
	}
	bucket, key, found = strings.Cut(rest, "/")
	if !found || bucket == "" || key == "" {
		return "", "", false
	}
	return bucket, key, true
}

// Presign returns a time-limited GET URL for an s3:// package URI. Other
// URIs are returned unchanged.
func (c *Client) Presign(ctx context.Context, uri string, expiry time.Duration) (string, error) {
	bucket, key, ok := ParseURI(uri)
	if !ok {
		return uri, nil
	}
	u, err := c.mc.PresignedGetObject(ctx, bucket, key, expiry, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", uri, err)
	}
	return u.String(), nil
}

func (c *Client) Healthy(ctx context.Context) error {
	_, err := c.mc.ListBuckets(ctx)
	return err
}

func (c *Client) Endpoint() string {
	return c.config.Endpoint
}
