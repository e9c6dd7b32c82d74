package sitecache

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

var (
	createTempFile = os.CreateTemp
	renameFile     = os.Rename
)

var fileRecordMagic = []byte("SCF1")

// fileStore keeps one file per key, named by the key's SHA-256.
type fileStore struct {
	dir string
}

func newFileStore(dir string) Store {
	if dir == "" {
		dir = defaultFileDir()
	}
	_ = os.MkdirAll(dir, 0o755)
	return &fileStore{dir: dir}
}

func (s *fileStore) Driver() Driver {
	return DriverFile
}

func (s *fileStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	path := s.path(key)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, err
	}
	if len(data) < len(fileRecordMagic) || !bytes.Equal(data[:len(fileRecordMagic)], fileRecordMagic) {
		_ = os.Remove(path)
		return nil, false, fmt.Errorf("file cache record %q: bad header", filepath.Base(path))
	}
	return data[len(fileRecordMagic):], true, nil
}

// Set writes to a temp file and renames it over the target, so readers
// never observe a partial record.
func (s *fileStore) Set(_ context.Context, key string, value []byte) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}
	tmp, err := createTempFile(s.dir, "entry-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(fileRecordMagic); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if _, err := tmp.Write(value); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := renameFile(tmpPath, s.path(key)); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}

func (s *fileStore) Delete(_ context.Context, key string) error {
	if err := os.Remove(s.path(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (s *fileStore) DeleteMany(ctx context.Context, keys ...string) error {
	var errs []error
	for _, key := range keys {
		if err := s.Delete(ctx, key); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *fileStore) path(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(s.dir, hex.EncodeToString(sum[:])+".entry")
}
