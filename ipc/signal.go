// Package ipc holds the only two things shared between the server and a
// detection worker process: the per-session cancellation flag and the
// result stream.
package ipc

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"live-detect/utils"
)

// Signal is a durable stop flag backed by a file. Setting it is idempotent
// and survives either side restarting; the file body records when it was
// set.
type Signal struct {
	path string
}

// SignalPath is where the flag for sessionID lives under dir.
func SignalPath(dir, sessionID string) string {
	return filepath.Join(dir, "stop_"+sessionID+".flag")
}

// NewSignal returns the flag for sessionID, creating dir if needed.
func NewSignal(dir, sessionID string) (*Signal, error) {
	if err := utils.CreateFolder(dir); err != nil {
		return nil, fmt.Errorf("ipc: create control dir: %w", err)
	}
	return &Signal{path: SignalPath(dir, sessionID)}, nil
}

// OpenSignal wraps an existing flag path.
func OpenSignal(path string) *Signal {
	return &Signal{path: path}
}

// Path returns the flag file path.
func (s *Signal) Path() string {
	return s.path
}

// Set raises the flag.
func (s *Signal) Set() error {
	stamp := []byte(time.Now().UTC().Format(time.RFC3339Nano))
	if err := os.WriteFile(s.path, stamp, 0o644); err != nil {
		return fmt.Errorf("ipc: set stop flag: %w", err)
	}
	return nil
}

// IsSet reports whether the flag is raised.
func (s *Signal) IsSet() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// Clear lowers the flag. Clearing a lowered flag is not an error.
func (s *Signal) Clear() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("ipc: clear stop flag: %w", err)
	}
	return nil
}

// ClearIfOlder lowers the flag only if it was set before t, so a stop
// requested after t is not lost. It reports whether a stale flag was
// removed.
func (s *Signal) ClearIfOlder(t time.Time) (bool, error) {
	setAt, err := s.setTime()
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !setAt.Before(t) {
		return false, nil
	}
	return true, s.Clear()
}

func (s *Signal) setTime() (time.Time, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return time.Time{}, err
	}
	if at, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(string(data))); err == nil {
		return at, nil
	}
	info, err := os.Stat(s.path)
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}
