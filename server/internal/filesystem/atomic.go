package filesystem

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

// ErrReadBackMismatch is returned when a file's contents differ from what
// was just written to it.
var ErrReadBackMismatch = errors.New("file contents differ from what was written")

// WriteFileSynced writes data to path, syncs it, and reads it back to confirm
// the contents.
func WriteFileSynced(fs afero.Fs, path string, data []byte, perm os.FileMode) error {
	f, err := fs.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("failed to create %q: %w", path, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %q: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync %q: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close %q: %w", path, err)
	}

	written, err := afero.ReadFile(fs, path)
	if err != nil {
		return fmt.Errorf("failed to read back %q: %w", path, err)
	}
	if !bytes.Equal(written, data) {
		return fmt.Errorf("%w: %q", ErrReadBackMismatch, path)
	}
	return nil
}

// WriteFileAtomic replaces path with data. The data is written to a
// temporary file in the same directory which is then renamed over path, so
// readers see either the old contents or the new ones.
func WriteFileAtomic(fs afero.Fs, path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := afero.TempFile(fs, dir, "."+filepath.Base(path)+".tmp-")
	if err != nil {
		return fmt.Errorf("failed to create temporary file in %q: %w", dir, err)
	}
	tmpPath := tmp.Name()
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %q: %w", tmpPath, err)
	}
	if err := fs.Chmod(tmpPath, perm); err != nil {
		_ = fs.Remove(tmpPath)
		return fmt.Errorf("failed to set permissions on %q: %w", tmpPath, err)
	}
	if err := WriteFileSynced(fs, tmpPath, data, perm); err != nil {
		_ = fs.Remove(tmpPath)
		return err
	}
	if err := fs.Rename(tmpPath, path); err != nil {
		_ = fs.Remove(tmpPath)
		return fmt.Errorf("failed to rename %q to %q: %w", tmpPath, path, err)
	}
	return nil
}

// CopyFile copies src to dst, replacing dst atomically.
func CopyFile(fs afero.Fs, src, dst string) error {
	data, err := afero.ReadFile(fs, src)
	if err != nil {
		return fmt.Errorf("failed to read %q: %w", src, err)
	}
	info, err := fs.Stat(src)
	if err != nil {
		return fmt.Errorf("failed to stat %q: %w", src, err)
	}
	return WriteFileAtomic(fs, dst, data, info.Mode().Perm())
}
