// Package r2 uploads manifest archives to Cloudflare R2 or any other
// S3-compatible bucket.
package r2

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/bitia-ru/k8s-gp2-zone-migrate/pkg/log"

	"github.com/juju/errors"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"
)

// Credentials holds bucket authentication details. Endpoint overrides the
// R2 endpoint derived from AccountID.
type Credentials struct {
	AccountID       string `json:"account_id"`
	Endpoint        string `json:"endpoint"`
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
	Bucket          string `json:"bucket"`
}

// Client wraps a minio client bound to one bucket.
type Client struct {
	mc     *minio.Client
	bucket string
	logger zerolog.Logger
}

// LoadCredentials reads and validates credentials from a JSON file.
func LoadCredentials(path string) (*Credentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading credentials file: %w", err)
	}

	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("parsing credentials JSON: %w", err)
	}

	if err := creds.validate(); err != nil {
		return nil, err
	}
	return &creds, nil
}

func (c *Credentials) validate() error {
	if c.AccountID == "" && c.Endpoint == "" {
		return errors.NotValidf("credentials without account_id or endpoint")
	}
	if c.AccessKeyID == "" {
		return errors.NotValidf("credentials without access_key_id")
	}
	if c.SecretAccessKey == "" {
		return errors.NotValidf("credentials without secret_access_key")
	}
	if c.Bucket == "" {
		return errors.NotValidf("credentials without bucket")
	}
	return nil
}

// EndpointHost returns the host the client connects to.
func (c *Credentials) EndpointHost() string {
	if c.Endpoint != "" {
		return c.Endpoint
	}
	return fmt.Sprintf("%s.r2.cloudflarestorage.com", c.AccountID)
}

// New creates a client from the given credentials.
func New(creds *Credentials) (*Client, error) {
	mc, err := minio.New(creds.EndpointHost(), &minio.Options{
		Creds:  credentials.NewStaticV4(creds.AccessKeyID, creds.SecretAccessKey, ""),
		Secure: true,
	})
	if err != nil {
		return nil, fmt.Errorf("creating bucket client: %w", err)
	}

	return &Client{mc: mc, bucket: creds.Bucket, logger: log.WithComponent("r2")}, nil
}

// Upload sends a local file to the bucket under the given key.
func (c *Client) Upload(ctx context.Context, archivePath, key string) error {
	c.logger.Debug().Str("archive", archivePath).Str("bucket", c.bucket).Str("key", key).Msg("Uploading")

	info, err := c.mc.FPutObject(ctx, c.bucket, key, archivePath, minio.PutObjectOptions{
		ContentType: "application/gzip",
	})
	if err != nil {
		return fmt.Errorf("uploading %s: %w", key, err)
	}

	c.logger.Info().Str("key", key).Int64("bytes", info.Size).Msg("Uploaded archive")
	return nil
}
