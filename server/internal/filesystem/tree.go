package filesystem

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

type TreeNode interface {
	Create(fs afero.Fs, parent string) error
}

type Directory struct {
	Path     string
	Mode     os.FileMode
	Children []TreeNode
}

func (d *Directory) Create(fs afero.Fs, parent string) error {
	mode := d.Mode
	if mode == 0 {
		mode = 0o755
	}
	path := filepath.Join(parent, d.Path)
	if err := fs.MkdirAll(path, mode); err != nil {
		return fmt.Errorf("failed to create directory %q: %w", path, err)
	}
	for _, c := range d.Children {
		if err := c.Create(fs, path); err != nil {
			return err
		}
	}
	return nil
}

// File is created only if nothing exists at its path yet.
type File struct {
	Path     string
	Mode     os.FileMode
	Contents []byte
}

func (f *File) Create(fs afero.Fs, parent string) error {
	mode := f.Mode
	if mode == 0 {
		mode = 0o644
	}
	path := filepath.Join(parent, f.Path)
	exists, err := afero.Exists(fs, path)
	if err != nil {
		return fmt.Errorf("failed to check for file %q: %w", path, err)
	}
	if exists {
		return nil
	}
	if err := afero.WriteFile(fs, path, f.Contents, mode); err != nil {
		return fmt.Errorf("failed to write file %q: %w", path, err)
	}
	return nil
}
