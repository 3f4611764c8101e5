// Package blob selects the object store that keeps export artifacts.
package blob

import (
	"context"

	"github.com/pkg/errors"

	"lapisgate/internal/blob/core"
	"lapisgate/internal/infra/blob/fs"
	"lapisgate/internal/infra/blob/memory"
	"lapisgate/internal/infra/blob/s3"
)

type (
	// Driver names a storage backend.
	Driver = core.Driver
	// PutOptions are stored alongside an object.
	PutOptions = core.PutOptions
	// SignedURLOptions configure URL signing.
	SignedURLOptions = core.SignedURLOptions
	// Info describes a stored object.
	Info = core.Info
	// Store is implemented by every backend.
	Store = core.Store
)

// Supported drivers.
const (
	DriverFilesystem = core.DriverFilesystem
	DriverS3         = core.DriverS3
	DriverMemory     = core.DriverMemory
)

// Sentinel errors shared by all backends.
var (
	ErrUnsupported = core.ErrUnsupported
	ErrExists      = core.ErrExists
	ErrNotFound    = core.ErrNotFound
)

// Config selects and configures a backend.
type Config struct {
	Driver Driver
	// FSRoot is the directory of the fs driver.
	FSRoot string
	S3     s3.Config
}

// Open builds the configured store. An empty driver selects fs.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case "", DriverFilesystem:
		store, err := fs.New(cfg.FSRoot)
		if err != nil {
			return nil, err
		}
		return store, nil
	case DriverMemory:
		return memory.New(), nil
	case DriverS3:
		store, err := s3.New(ctx, cfg.S3)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, errors.Errorf("unknown blob driver %q", cfg.Driver)
	}
}
