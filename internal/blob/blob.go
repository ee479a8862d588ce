// Package blob stores opaque encrypted objects under relative keys such as
// "attachments/thread_<id>/report.pdf.enc".
package blob

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

var (
	ErrExists      = errors.New("blob: object already exists")
	ErrNotExist    = errors.New("blob: object does not exist")
	ErrInvalidPath = errors.New("blob: invalid object path")
)

type Storage interface {
	// Create writes data at key and fails with ErrExists rather than
	// overwriting an existing object.
	Create(ctx context.Context, key string, data []byte) error
	Open(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
}

type FileSystem struct {
	root string
}

func NewFileSystem(root string) (*FileSystem, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("blob: create root: %w", err)
	}
	return &FileSystem{root: abs}, nil
}

func (f *FileSystem) Root() string { return f.root }

func (f *FileSystem) resolve(key string) (string, error) {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, key)
	}
	clean := path.Clean(key)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, key)
	}
	return filepath.Join(f.root, filepath.FromSlash(clean)), nil
}

func (f *FileSystem) Create(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	full, err := f.resolve(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
		return fmt.Errorf("blob: mkdir: %w", err)
	}
	file, err := os.OpenFile(full, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("%w: %s", ErrExists, key)
		}
		return fmt.Errorf("blob: create %s: %w", key, err)
	}
	if _, err := file.Write(data); err != nil {
		_ = file.Close()
		_ = os.Remove(full)
		return fmt.Errorf("blob: write %s: %w", key, err)
	}
	if err := file.Sync(); err != nil {
		_ = file.Close()
		_ = os.Remove(full)
		return fmt.Errorf("blob: sync %s: %w", key, err)
	}
	return file.Close()
}

func (f *FileSystem) Open(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	full, err := f.resolve(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotExist, key)
	}
	return data, err
}

func (f *FileSystem) Exists(_ context.Context, key string) (bool, error) {
	full, err := f.resolve(key)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(full)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, err
	}
}

func (f *FileSystem) Delete(_ context.Context, key string) error {
	full, err := f.resolve(key)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
