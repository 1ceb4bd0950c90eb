// Package recordings owns the recordings directory: session artifacts,
// uploaded payloads, and the two "latest" pointer files.
//
// Files are retained after download. A pointer is only written once the
// artifact it names is complete on disk, and is replaced atomically.
package recordings

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"live-detect/utils"
)

var (
	ErrNotFound    = errors.New("recordings: not found")
	ErrInvalidName = errors.New("recordings: invalid file name")
)

// Kind selects one of the latest-artifact pointers.
type Kind string

const (
	KindRealtime Kind = "realtime"
	KindUpload   Kind = "upload"
)

var pointerFiles = map[Kind]string{
	KindRealtime: "latest_realtime_audio.txt",
	KindUpload:   "latest_audio.txt",
}

// ParseKind maps a query value to a Kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(s))
	if _, ok := pointerFiles[k]; !ok {
		return "", fmt.Errorf("recordings: unknown kind %q", s)
	}
	return k, nil
}

// Store is a recordings directory. One Store per process; the realtime
// pointer is written by the worker process and the upload pointer by the
// server, so each pointer has a single writer.
type Store struct {
	dir string
	mu  sync.Mutex
}

// NewStore creates dir if needed and returns a Store rooted there.
func NewStore(dir string) (*Store, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if err := utils.CreateFolder(abs); err != nil {
		return nil, fmt.Errorf("recordings: create %s: %w", abs, err)
	}
	return &Store{dir: abs}, nil
}

// Dir returns the absolute recordings directory.
func (s *Store) Dir() string {
	return s.dir
}

// NewName returns "<prefix>_<unique id><ext>".
func NewName(prefix, ext string) string {
	return prefix + "_" + utils.GenerateUniqueID() + ext
}

func validName(name string) error {
	switch {
	case name == "", name == ".", name == "..":
	case name != filepath.Base(name), strings.ContainsAny(name, `/\`):
	case strings.HasPrefix(name, "."):
	case strings.HasSuffix(name, rawExt):
	default:
		for _, p := range pointerFiles {
			if name == p {
				return fmt.Errorf("%w: %q", ErrInvalidName, name)
			}
		}
		return nil
	}
	return fmt.Errorf("%w: %q", ErrInvalidName, name)
}

// Path resolves an artifact name inside the store, rejecting anything that
// could escape the directory or name an internal file.
func (s *Store) Path(name string) (string, error) {
	if err := validName(name); err != nil {
		return "", err
	}
	return filepath.Join(s.dir, name), nil
}

// Exists reports whether the named artifact exists.
func (s *Store) Exists(name string) bool {
	path, err := s.Path(name)
	if err != nil {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// SetLatest points kind at name. The artifact must already exist.
func (s *Store) SetLatest(kind Kind, name string) error {
	pointer, ok := pointerFiles[kind]
	if !ok {
		return fmt.Errorf("recordings: unknown kind %q", kind)
	}
	if !s.Exists(name) {
		return fmt.Errorf("%w: artifact %q", ErrNotFound, name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return writeFileAtomic(filepath.Join(s.dir, pointer), []byte(name))
}

// Latest returns the artifact name kind points at. A missing pointer or one
// naming a file that no longer exists yields ErrNotFound.
func (s *Store) Latest(kind Kind) (string, error) {
	pointer, ok := pointerFiles[kind]
	if !ok {
		return "", fmt.Errorf("recordings: unknown kind %q", kind)
	}

	data, err := os.ReadFile(filepath.Join(s.dir, pointer))
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("%w: no %s recording yet", ErrNotFound, kind)
	}
	if err != nil {
		return "", fmt.Errorf("recordings: read pointer: %w", err)
	}

	name := strings.TrimSpace(string(data))
	if !s.Exists(name) {
		return "", fmt.Errorf("%w: %s pointer names missing file %q", ErrNotFound, kind, name)
	}
	return name, nil
}

// Open opens an artifact for download. Files are left in place.
func (s *Store) Open(name string) (*os.File, fs.FileInfo, error) {
	path, err := s.Path(name)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("recordings: open %q: %w", name, err)
	}
	info, err := f.Stat()
	if err != nil || !info.Mode().IsRegular() {
		f.Close()
		return nil, nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return f, info, nil
}

// Save streams r into a new "<prefix>_<id><ext>" file and returns its name.
// A failed write leaves no file behind.
func (s *Store) Save(r io.Reader, prefix, ext string) (string, error) {
	name := NewName(prefix, ext)
	path, err := s.Path(name)
	if err != nil {
		return "", err
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("recordings: create %q: %w", name, err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("recordings: write %q: %w", name, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("recordings: close %q: %w", name, err)
	}
	return name, nil
}

// Remove deletes an artifact. Removing a missing file is not an error.
func (s *Store) Remove(name string) error {
	path, err := s.Path(name)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("recordings: create temp: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("recordings: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("recordings: sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("recordings: close temp: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("recordings: replace %s: %w", filepath.Base(path), err)
	}
	return nil
}
