// Package content implements ContentStore, the component that owns the raw
// bytes behind an asset's contentUrl. It never interprets the payload; that
// is PublishExecutor's job.
package content

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned by Open when handle does not refer to a saved
// blob. Delete treats ErrNotFound as success, per the idempotence contract.
var ErrNotFound = errors.New("content: handle not found")

// Store is the contract every ContentStore backend implements.
type Store interface {
	// Save persists r and returns a stable, dereferenceable handle plus the
	// number of bytes actually written.
	Save(ctx context.Context, r io.Reader) (handle string, size int64, err error)

	// Open returns a replayable stream of the bytes behind handle. Callers
	// must Close the returned ReadCloser.
	Open(ctx context.Context, handle string) (io.ReadCloser, error)

	// Delete removes the blob behind handle. It is idempotent: deleting an
	// already-absent handle is not an error.
	Delete(ctx context.Context, handle string) error
}
