// Package staging manages the partial files of in-flight downloads.
//
// A staged file lives under the staging root and is named after the download
// id only, so two downloads never share one. Finalize moves it into place.
package staging

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	dirPerm  = 0755
	filePerm = 0644

	suffix = ".part"
)

// Store is the partial-file store rooted at one directory.
type Store struct {
	dir string
}

// New creates the staging directory if needed.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}

	return &Store{dir: dir}, nil
}

// Dir returns the staging root.
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the staged file path for id.
func (s *Store) Path(id string) string {
	return filepath.Join(s.dir, id+suffix)
}

// Size returns the staged file size, 0 when none exists.
func (s *Store) Size(id string) (int64, error) {
	info, err := os.Stat(s.Path(id))
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}

	if err != nil {
		return 0, err
	}

	return info.Size(), nil
}

// OpenAppend opens the staged file for appending, creating it when missing.
func (s *Store) OpenAppend(id string) (*File, error) {
	f, err := os.OpenFile(s.Path(id), os.O_CREATE|os.O_WRONLY|os.O_APPEND, filePerm)
	if err != nil {
		return nil, err
	}

	return &File{f: f}, nil
}

// Truncate empties the staged file, creating it when missing.
func (s *Store) Truncate(id string) error {
	f, err := os.OpenFile(s.Path(id), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, filePerm)
	if err != nil {
		return err
	}

	if err := f.Sync(); err != nil {
		f.Close()

		return err
	}

	return f.Close()
}

// Remove deletes the staged file. A missing file is not an error.
func (s *Store) Remove(id string) error {
	if err := os.Remove(s.Path(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	return nil
}

// Entry describes one staged file found on disk.
type Entry struct {
	ID      string
	Size    int64
	ModTime time.Time
}

// List returns every staged file under the root.
func (s *Store) List() ([]Entry, error) {
	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}

	var entries []Entry

	for _, de := range dirEntries {
		if de.IsDir() || !strings.HasSuffix(de.Name(), suffix) {
			continue
		}

		info, err := de.Info()
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}

			return nil, err
		}

		entries = append(entries, Entry{
			ID:      strings.TrimSuffix(de.Name(), suffix),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}

	return entries, nil
}

// Finalize moves the staged file to destination, overwriting whatever is there.
// The destination either keeps its old content or shows the complete new file.
// On failure the staged file is left untouched so the move can be retried.
func (s *Store) Finalize(id, destination string) error {
	src := s.Path(id)

	if err := syncFile(src); err != nil {
		return fmt.Errorf("failed to sync staged file: %w", err)
	}

	dir := filepath.Dir(destination)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}

	if err := os.Rename(src, destination); err != nil {
		var linkErr *os.LinkError
		if !errors.As(err, &linkErr) || !isCrossDevice(linkErr.Err) {
			return fmt.Errorf("failed to move staged file: %w", err)
		}

		// Different filesystems: copy next to the destination, then rename there.
		if err := copyInto(src, destination); err != nil {
			return err
		}

		if err := os.Remove(src); err != nil {
			return fmt.Errorf("failed to remove staged file after copy: %w", err)
		}
	}

	return syncDir(dir)
}

func copyInto(src, destination string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open staged file: %w", err)
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(destination), "."+filepath.Base(destination)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary destination: %w", err)
	}

	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	if _, err := io.Copy(tmp, in); err != nil {
		cleanup()

		return fmt.Errorf("failed to copy staged file: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		cleanup()

		return fmt.Errorf("failed to sync temporary destination: %w", err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)

		return fmt.Errorf("failed to close temporary destination: %w", err)
	}

	if err := os.Chmod(tmpName, filePerm); err != nil {
		os.Remove(tmpName)

		return fmt.Errorf("failed to set destination permissions: %w", err)
	}

	if err := os.Rename(tmpName, destination); err != nil {
		os.Remove(tmpName)

		return fmt.Errorf("failed to move temporary destination: %w", err)
	}

	return nil
}

func syncFile(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return err
	}

	if err := f.Sync(); err != nil {
		f.Close()

		return err
	}

	return f.Close()
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()

	// Some filesystems refuse fsync on directories; the rename already happened.
	_ = d.Sync()

	return nil
}

// File is an open staged file. Only the owning actor writes it.
type File struct {
	f *os.File
}

func (f *File) Write(p []byte) (int, error) {
	return f.f.Write(p)
}

// Sync flushes written bytes to stable storage.
func (f *File) Sync() error {
	return f.f.Sync()
}

func (f *File) Close() error {
	return f.f.Close()
}
