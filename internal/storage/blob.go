// Package storage manages the opaque parameter-blob files a board keeps on
// its filesystem: one local blob, one global blob, and, on the server, one
// per-client blob. Blobs are created lazily (the path is reserved at
// startup) and mutated only by whole-file rewrite.
package storage

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// Store roots every blob under a single directory using a `params/`-style
// layout.
type Store struct {
	root string
}

// New reserves root (created if absent) as the blob storage directory.
func New(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errors.Wrapf(err, "reserve storage root %q", root)
	}
	return &Store{root: root}, nil
}

// LocalPath is this board's local.bin.
func (s *Store) LocalPath() string { return filepath.Join(s.root, "local.bin") }

// GlobalPath is this board's global.bin.
func (s *Store) GlobalPath() string { return filepath.Join(s.root, "global.bin") }

// ClientPath is the server's reserved file for client i's uploads.
func (s *Store) ClientPath(clientBoard int) string {
	return filepath.Join(s.root, fmt.Sprintf("client%d.bin", clientBoard))
}

// Read returns the full contents of path, or an empty slice if the file has
// never been written (length may be zero until first write).
func Read(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "read blob %q", path)
	}
	return data, nil
}

// Len reports the current length of the blob at path without reading its
// full contents, for ack payloads that only ever carry a length.
func Len(path string) (uint32, error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrapf(err, "stat blob %q", path)
	}
	return uint32(info.Size()), nil
}

// Write replaces the contents of path atomically: the blob is never
// partially patched, and a reader never observes a half-written file. The
// temp file and final rename both stay within path's own directory so the
// rename is on the same filesystem.
func Write(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".blob-*.tmp")
	if err != nil {
		return errors.Wrapf(err, "create temp blob for %q", path)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrapf(err, "write temp blob for %q", path)
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrapf(err, "close temp blob for %q", path)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return errors.Wrapf(err, "rename temp blob into %q", path)
	}
	return nil
}
