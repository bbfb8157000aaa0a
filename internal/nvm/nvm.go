// Package nvm persists the fatal-error counter and a crash snapshot the
// spec's error taxonomy calls for (§7 item 5: "increment the NVM error
// counter and reset the board"). On the companion-computer class of
// hardware this core targets there is no dedicated NVM region, so both are
// realized as small files beside the parameter blobs: a counter file,
// rewritten atomically on every increment, and a compressed snapshot of
// whatever diagnostic payload the caller hands in at panic time.
package nvm

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
)

const counterFile = "fatal_errors.count"
const snapshotFile = "crash.snapshot.zst"

// Store persists the fatal-error counter and crash snapshots under root.
type Store struct {
	root string
}

// New reserves root (created if absent) for NVM-equivalent state.
func New(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errors.Wrapf(err, "reserve nvm root %q", root)
	}
	return &Store{root: root}, nil
}

func (s *Store) counterPath() string  { return filepath.Join(s.root, counterFile) }
func (s *Store) snapshotPath() string { return filepath.Join(s.root, snapshotFile) }

// Count reads the current fatal-error counter, or 0 if it has never been
// incremented.
func (s *Store) Count() (uint32, error) {
	data, err := os.ReadFile(s.counterPath())
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "read fatal error counter")
	}
	if len(data) != 4 {
		return 0, errors.New("nvm: corrupt fatal error counter")
	}
	return binary.LittleEndian.Uint32(data), nil
}

// Increment bumps the fatal-error counter by one and returns its new value.
// The write is a whole-file replace via a temp file + rename, same
// atomicity guarantee as internal/storage's blob writes.
func (s *Store) Increment() (uint32, error) {
	n, err := s.Count()
	if err != nil {
		return 0, err
	}
	n++
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, n)

	dir := s.root
	tmp, err := os.CreateTemp(dir, ".count-*.tmp")
	if err != nil {
		return 0, errors.Wrap(err, "create temp counter file")
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)
	if _, err := tmp.Write(buf); err != nil {
		tmp.Close()
		return 0, errors.Wrap(err, "write temp counter file")
	}
	if err := tmp.Close(); err != nil {
		return 0, errors.Wrap(err, "close temp counter file")
	}
	if err := os.Rename(tmpPath, s.counterPath()); err != nil {
		return 0, errors.Wrap(err, "rename temp counter file")
	}
	return n, nil
}

// SaveSnapshot compresses payload (e.g. a panic value plus a stack trace,
// or the last few protocol frames exchanged) and writes it over any
// previous snapshot, so a field engineer pulling the board later has one
// diagnostic artifact per crash rather than an unbounded log.
func (s *Store) SaveSnapshot(payload []byte) error {
	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf)
	if err != nil {
		return errors.Wrap(err, "construct zstd writer")
	}
	if _, err := enc.Write(payload); err != nil {
		enc.Close()
		return errors.Wrap(err, "compress crash snapshot")
	}
	if err := enc.Close(); err != nil {
		return errors.Wrap(err, "finalize crash snapshot")
	}
	return os.WriteFile(s.snapshotPath(), buf.Bytes(), 0o644)
}

// LoadSnapshot decompresses and returns the most recently saved crash
// snapshot, or nil if none exists.
func (s *Store) LoadSnapshot() ([]byte, error) {
	data, err := os.ReadFile(s.snapshotPath())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "read crash snapshot")
	}
	dec, err := zstd.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrap(err, "construct zstd reader")
	}
	defer dec.Close()
	out, err := io.ReadAll(dec)
	if err != nil {
		return nil, errors.Wrap(err, "decompress crash snapshot")
	}
	return out, nil
}
