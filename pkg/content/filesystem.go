package content

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/cuemby/kapp/pkg/log"
)

// FilesystemStore implements Store by writing each blob as a single file
// under root, sharded into two levels of hex subdirectories so no single
// directory accumulates an unbounded number of entries.
type FilesystemStore struct {
	root   string
	logger zerolog.Logger
}

// NewFilesystemStore creates root (and its parents) if absent and returns a
// Store rooted there. Handles returned by Save are relative paths under
// root, mirroring the dataDir-rooted single-file convention the BoltDB
// store uses for its own database file.
func NewFilesystemStore(root string) (*FilesystemStore, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("content: create root %s: %w", root, err)
	}
	return &FilesystemStore{root: root, logger: log.WithComponent("content")}, nil
}

func (s *FilesystemStore) Save(ctx context.Context, r io.Reader) (string, int64, error) {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", 0, fmt.Errorf("content: generate handle: %w", err)
	}
	name := hex.EncodeToString(buf[:])
	handle := filepath.Join(name[0:2], name[2:4], name)

	full := filepath.Join(s.root, handle)
	if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
		return "", 0, fmt.Errorf("content: create shard dir: %w", err)
	}

	f, err := os.OpenFile(full, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		return "", 0, fmt.Errorf("content: create blob: %w", err)
	}
	defer f.Close()

	size, err := io.Copy(f, r)
	if err != nil {
		os.Remove(full)
		return "", 0, fmt.Errorf("content: write blob: %w", err)
	}

	s.logger.Debug().Str("handle", handle).Int64("size", size).Msg("content saved")
	return handle, size, nil
}

func (s *FilesystemStore) Open(ctx context.Context, handle string) (io.ReadCloser, error) {
	full, err := s.resolve(handle)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("content: open blob: %w", err)
	}
	return f, nil
}

func (s *FilesystemStore) Delete(ctx context.Context, handle string) error {
	full, err := s.resolve(handle)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("content: delete blob: %w", err)
	}
	return nil
}

// resolve joins handle onto root and rejects any handle that escapes it.
func (s *FilesystemStore) resolve(handle string) (string, error) {
	full := filepath.Join(s.root, handle)
	rel, err := filepath.Rel(s.root, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("content: handle %q escapes root", handle)
	}
	return full, nil
}
