package cache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// FilesystemStore stores the two artifacts of an entry as two files in one directory.
// Freshness is decided when reading, by comparing the modification time of the body file
// with the ttl the entry was written with. There is no background cleanup:
// stale files stay on disk until the key is read again or the cache is cleared.
type FilesystemStore struct {
	dir  string
	mode fs.FileMode
	now  func() time.Time
}

var _ Store = FilesystemStore{}

// NewFilesystemStore creates a store in dir, creating the directory with mode if it does not exist.
func NewFilesystemStore(dir string, mode fs.FileMode) (FilesystemStore, error) {
	if mode == 0 {
		mode = 0o755
	}
	if err := os.MkdirAll(dir, mode); err != nil {
		return FilesystemStore{}, fmt.Errorf("creating cache directory: %w", err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return FilesystemStore{}, err
	}
	return FilesystemStore{
		dir:  abs,
		mode: mode,
		now:  time.Now,
	}, nil
}

// Dir returns the absolute path of the cache directory.
func (s FilesystemStore) Dir() string {
	return s.dir
}

func (s FilesystemStore) contentPath(key string) string {
	return filepath.Join(s.dir, ContentSlot(key))
}

func (s FilesystemStore) dataPath(key string) string {
	return filepath.Join(s.dir, DataSlot(key))
}

func (s FilesystemStore) Exists(_ context.Context, key string) bool {
	return isFile(s.contentPath(key)) && isFile(s.dataPath(key))
}

func (s FilesystemStore) Read(ctx context.Context, key string) (Entry, error) {
	info, contentErr := os.Stat(s.contentPath(key))
	data, dataErr := os.ReadFile(s.dataPath(key))
	if contentErr != nil || dataErr != nil {
		if errors.Is(contentErr, fs.ErrNotExist) && errors.Is(dataErr, fs.ErrNotExist) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, fmt.Errorf("%w: %v", ErrCorrupt, errors.Join(contentErr, dataErr))
	}
	content, err := os.ReadFile(s.contentPath(key))
	if err != nil {
		return Entry{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	entry, err := decode(content, data)
	if err != nil {
		return entry, err
	}
	if s.now().Sub(info.ModTime()) > entry.Metadata.TTL {
		if err := s.Delete(ctx, key); err != nil {
			return Entry{}, fmt.Errorf("%w (not deleted: %v)", ErrStale, err)
		}
		return Entry{}, ErrStale
	}
	return entry, nil
}

// Write replaces the body file first and the metadata file second.
// Each file is written to a temporary file and renamed into place,
// so readers see either the old or the new version of each file.
// A reader that sees a new body with old metadata gets ErrCorrupt because of the digest.
func (s FilesystemStore) Write(_ context.Context, key string, entry Entry, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	content, data, err := encode(entry, ttl)
	if err != nil {
		return err
	}
	if err := s.writeFile(s.contentPath(key), content); err != nil {
		return fmt.Errorf("writing content: %w", err)
	}
	if err := s.writeFile(s.dataPath(key), data); err != nil {
		return fmt.Errorf("writing metadata: %w", err)
	}
	return nil
}

func (s FilesystemStore) writeFile(path string, b []byte) error {
	f, err := os.CreateTemp(s.dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmp := f.Name()
	_, err = f.Write(b)
	if err == nil {
		err = f.Chmod(s.mode & 0o666)
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Rename(tmp, path)
	}
	if err != nil {
		os.Remove(tmp)
	}
	return err
}

func (s FilesystemStore) Delete(_ context.Context, key string) error {
	return errors.Join(
		removeIfExists(s.contentPath(key)),
		removeIfExists(s.dataPath(key)),
	)
}

// Clear removes all cache files, including temporary files left behind by interrupted writes.
func (s FilesystemStore) Clear(_ context.Context) error {
	var errs []error
	for _, pattern := range []string{"*" + ContentSuffix, "*" + DataSuffix, "*.cache.*.tmp"} {
		matches, err := filepath.Glob(filepath.Join(s.dir, pattern))
		if err != nil {
			return err
		}
		for _, match := range matches {
			errs = append(errs, removeIfExists(match))
		}
	}
	return errors.Join(errs...)
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
