// Package core defines the object storage contract shared by the blob
// backends. It sits below internal/blob so that backends can import it
// without a cycle.
package core

import (
	"context"
	"io"
	"time"

	"github.com/pkg/errors"
)

// Driver names a storage backend.
type Driver string

// Supported drivers.
const (
	DriverFilesystem Driver = "fs"
	DriverS3         Driver = "s3"
	DriverMemory     Driver = "memory"
)

// PutOptions are stored alongside the object.
type PutOptions struct {
	ContentType string
	Metadata    map[string]string
}

// SignedURLOptions configure PresignURL. Only GET is supported.
type SignedURLOptions struct {
	Method string
	// Expiry defaults to 15 minutes.
	Expiry time.Duration
}

// Info describes a stored object.
type Info struct {
	Key          string            `json:"key"`
	Size         int64             `json:"size_bytes"`
	ContentType  string            `json:"content_type,omitempty"`
	ETag         string            `json:"etag,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	LastModified time.Time         `json:"last_modified"`
}

// Store holds immutable objects. Keys are slash separated paths.
type Store interface {
	// Put writes a new object and fails with ErrExists if key is taken.
	Put(ctx context.Context, key string, r io.Reader, opts PutOptions) (Info, error)
	// Get fails with ErrNotFound for unknown keys. The caller closes the reader.
	Get(ctx context.Context, key string) (Info, io.ReadCloser, error)
	// Delete reports whether the object existed.
	Delete(ctx context.Context, key string) (bool, error)
	// PresignURL returns ErrUnsupported when the backend cannot sign.
	PresignURL(ctx context.Context, key string, opts SignedURLOptions) (string, error)
	Driver() Driver
}

var (
	// ErrUnsupported is returned for optional capabilities.
	ErrUnsupported = errors.New("blob: unsupported operation")
	// ErrExists is returned by Put for a taken key.
	ErrExists = errors.New("blob: object exists")
	// ErrNotFound is returned by Get for an unknown key.
	ErrNotFound = errors.New("blob: object not found")
)

// DefaultExpiry applies when SignedURLOptions.Expiry is unset.
const DefaultExpiry = 15 * time.Minute

// CheckGet validates the method of a signing request.
func CheckGet(opts SignedURLOptions) error {
	switch opts.Method {
	case "", "GET", "get":
		return nil
	default:
		return ErrUnsupported
	}
}
