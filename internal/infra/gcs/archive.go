// Package gcs archives normalized receipt images in a Cloud Storage bucket.
package gcs

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/google/uuid"

	"github.com/dvloznov/receipt-ledger/internal/imagenorm"
	"github.com/dvloznov/receipt-ledger/internal/logger"
)

const uploadTimeout = 2 * time.Minute

// ObjectStore reads and writes whole objects.
type ObjectStore interface {
	Put(ctx context.Context, bucket, object, contentType string, data []byte) error
	Get(ctx context.Context, bucket, object string) ([]byte, error)
}

// Client implements ObjectStore with the Cloud Storage SDK. It assumes
// Application Default Credentials are configured.
type Client struct {
	client *storage.Client
}

// NewClient creates a storage client.
func NewClient(ctx context.Context) (*Client, error) {
	c, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("NewClient: %w", err)
	}
	return &Client{client: c}, nil
}

// Put uploads data as one object.
func (c *Client) Put(ctx context.Context, bucket, object, contentType string, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, uploadTimeout)
	defer cancel()

	w := c.client.Bucket(bucket).Object(object).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("Put: writing %s/%s: %w", bucket, object, err)
	}
	// Close finalizes the upload.
	if err := w.Close(); err != nil {
		return fmt.Errorf("Put: finalizing %s/%s: %w", bucket, object, err)
	}
	return nil
}

// Get downloads an object.
func (c *Client) Get(ctx context.Context, bucket, object string) ([]byte, error) {
	r, err := c.client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("Get: opening %s/%s: %w", bucket, object, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("Get: reading %s/%s: %w", bucket, object, err)
	}
	return data, nil
}

// Close closes the storage client.
func (c *Client) Close() error {
	return c.client.Close()
}

// Archiver stores receipt images under
// receipts/<user>/<yyyy>/<mm>/<dd>/<uuid>.<ext>.
type Archiver struct {
	store  ObjectStore
	bucket string

	Now   func() time.Time
	NewID func() string
}

// NewArchiver returns an Archiver writing to bucket.
func NewArchiver(store ObjectStore, bucket string) *Archiver {
	return &Archiver{
		store:  store,
		bucket: bucket,
		Now:    time.Now,
		NewID:  uuid.NewString,
	}
}

// ObjectName builds the object path for an image archived at t.
func ObjectName(userID string, t time.Time, id, ext string) string {
	user := strings.NewReplacer("/", "_", "\\", "_").Replace(userID)
	if user == "" {
		user = "anonymous"
	}
	return path.Join("receipts", user, t.UTC().Format("2006/01/02"), id+"."+ext)
}

// Archive uploads the image and returns its gs:// URI.
func (a *Archiver) Archive(ctx context.Context, userID string, img *imagenorm.Image) (string, error) {
	object := ObjectName(userID, a.Now(), a.NewID(), img.Extension())
	if err := a.store.Put(ctx, a.bucket, object, img.MIMEType, img.Data); err != nil {
		return "", fmt.Errorf("Archive: %w", err)
	}

	uri := "gs://" + a.bucket + "/" + object
	log := logger.FromContext(ctx)
	log.Debug().Str("user_id", userID).Str("uri", uri).Msg("Archived receipt image")
	return uri, nil
}

// Fetch downloads the object behind a gs:// URI.
func (a *Archiver) Fetch(ctx context.Context, uri string) ([]byte, error) {
	bucket, object, err := ParseURI(uri)
	if err != nil {
		return nil, fmt.Errorf("Fetch: %w", err)
	}
	data, err := a.store.Get(ctx, bucket, object)
	if err != nil {
		return nil, fmt.Errorf("Fetch: %w", err)
	}
	return data, nil
}

// ParseURI splits gs://bucket/path/to/object.
func ParseURI(uri string) (bucket, object string, err error) {
	if !strings.HasPrefix(uri, "gs://") {
		return "", "", fmt.Errorf("invalid GCS URI: %s", uri)
	}
	parts := strings.SplitN(strings.TrimPrefix(uri, "gs://"), "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid GCS URI (no object path): %s", uri)
	}
	return parts[0], parts[1], nil
}
