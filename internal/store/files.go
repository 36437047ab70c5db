// Package store centralizes low-level file reads and writes. Writes to one
// path are serialized, and replacements go through a temp file and a rename.
package store

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/spf13/afero"
)

// maxLineSize bounds one line read by ScanLines.
const maxLineSize = 4 << 20

// Files performs locked file operations on an afero filesystem.
type Files struct {
	fs afero.Fs

	mu    sync.Mutex
	locks map[string]*pathLock
}

// pathLock is dropped from Files.locks once no caller holds or waits on it.
type pathLock struct {
	sync.Mutex
	refs int
}

// New returns Files operating on fs.
func New(fs afero.Fs) *Files {
	return &Files{fs: fs, locks: make(map[string]*pathLock)}
}

// Disk operates on the real filesystem and backs the package-level helpers.
var Disk = New(afero.NewOsFs())

// ReadFile reads a file from disk.
func ReadFile(path string) (string, error) { return Disk.Read(path) }

// WriteFile atomically replaces a file on disk.
func WriteFile(path string, data []byte) error { return Disk.Write(path, data) }

// AppendFile appends to a file on disk, creating it if missing.
func AppendFile(path string, data []byte) error { return Disk.Append(path, data) }

// RemoveFile deletes a file on disk. It reports false when nothing was removed.
func RemoveFile(path string) (bool, error) { return Disk.Remove(path) }

// ListFiles lists names in dir on disk; see Files.List.
func ListFiles(dir, ext string) ([]string, error) { return Disk.List(dir, ext) }

// ScanLines calls fn for every non-empty line of a file on disk.
func ScanLines(ctx context.Context, path string, fn func(line []byte) error) error {
	return Disk.ScanLines(ctx, path, fn)
}

// Read returns the file contents as a string.
func (f *Files) Read(path string) (string, error) {
	p, unlock, err := f.lock(path)
	if err != nil {
		return "", err
	}
	defer unlock()

	raw, err := afero.ReadFile(f.fs, p)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// Write replaces the file contents. Readers never observe a partial write.
func (f *Files) Write(path string, data []byte) error {
	p, unlock, err := f.lock(path)
	if err != nil {
		return err
	}
	defer unlock()

	dir := filepath.Dir(p)
	if err := f.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory %q: %w", dir, err)
	}
	tmp, err := afero.TempFile(f.fs, dir, filepath.Base(p)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file for %q: %w", p, err)
	}
	tmpPath := tmp.Name()
	defer f.fs.Remove(tmpPath)

	_, err = tmp.Write(data)
	if err == nil {
		err = tmp.Sync()
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("write temp file for %q: %w", p, err)
	}
	if err := f.fs.Rename(tmpPath, p); err != nil {
		return fmt.Errorf("replace file %q: %w", p, err)
	}
	return nil
}

// Append adds data to the end of the file, creating it and its directory.
func (f *Files) Append(path string, data []byte) error {
	p, unlock, err := f.lock(path)
	if err != nil {
		return err
	}
	defer unlock()

	if err := f.fs.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("create directory for %q: %w", p, err)
	}
	file, err := f.fs.OpenFile(p, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %q for append: %w", p, err)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		return fmt.Errorf("append to %q: %w", p, err)
	}
	return file.Close()
}

// Remove deletes the file and reports whether it existed.
func (f *Files) Remove(path string) (bool, error) {
	p, unlock, err := f.lock(path)
	if err != nil {
		return false, err
	}
	defer unlock()

	err = f.fs.Remove(p)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("remove %q: %w", p, err)
	}
}

// List returns the sorted names of regular files in dir ending in ext, with
// ext stripped. Leftover temp files are skipped and a missing dir is empty.
func (f *Files) List(dir, ext string) ([]string, error) {
	d, err := cleanPath(dir)
	if err != nil {
		return nil, err
	}
	infos, err := afero.ReadDir(f.fs, d)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list directory %q: %w", d, err)
	}

	var names []string
	for _, info := range infos {
		name := info.Name()
		if info.IsDir() || !strings.HasSuffix(name, ext) || strings.Contains(name, ".tmp-") {
			continue
		}
		names = append(names, strings.TrimSuffix(name, ext))
	}
	sort.Strings(names)
	return names, nil
}

// ScanLines streams a line-oriented file. A missing file has no lines. The
// file stays locked against writers until fn has seen every line.
func (f *Files) ScanLines(ctx context.Context, path string, fn func(line []byte) error) error {
	p, unlock, err := f.lock(path)
	if err != nil {
		return err
	}
	defer unlock()

	file, err := f.fs.Open(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open %q: %w", p, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := fn(line); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan %q: %w", p, err)
	}
	return nil
}

func (f *Files) lock(path string) (string, func(), error) {
	p, err := cleanPath(path)
	if err != nil {
		return "", nil, err
	}
	f.mu.Lock()
	l, ok := f.locks[p]
	if !ok {
		l = &pathLock{}
		f.locks[p] = l
	}
	l.refs++
	f.mu.Unlock()

	l.Lock()
	return p, func() {
		l.Unlock()
		f.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(f.locks, p)
		}
		f.mu.Unlock()
	}, nil
}

func (f *Files) lockCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.locks)
}

func cleanPath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", errors.New("path is required")
	}
	return filepath.Clean(trimmed), nil
}
