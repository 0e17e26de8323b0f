package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"localscope/internal/model"
)

const fileVersion = 1

type fileEnvelope struct {
	Version int            `json:"version"`
	Devices []model.Device `json:"devices"`
}

// FileBackend stores history as a versioned JSON document.
type FileBackend struct {
	path string
}

// NewFileBackend returns a backend writing to path.
func NewFileBackend(path string) *FileBackend {
	return &FileBackend{path: path}
}

// Path returns the history file location.
func (b *FileBackend) Path() string {
	return b.path
}

// Load reads the history file. A missing file is an empty history.
func (b *FileBackend) Load(_ context.Context) ([]model.Device, error) {
	f, err := os.Open(b.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, &PersistenceError{Op: "load", Path: b.path, Err: err}
	}
	defer f.Close()

	var payload fileEnvelope
	if err := json.NewDecoder(f).Decode(&payload); err != nil {
		return nil, &PersistenceError{Op: "load", Path: b.path, Err: fmt.Errorf("decode: %w", err)}
	}
	if payload.Version != fileVersion {
		return nil, &PersistenceError{
			Op:   "load",
			Path: b.path,
			Err:  fmt.Errorf("unsupported history version %d", payload.Version),
		}
	}
	return payload.Devices, nil
}

// Save replaces the history file atomically: the list is written to a
// temporary file in the same directory, synced and renamed over the target.
func (b *FileBackend) Save(_ context.Context, devices []model.Device) error {
	if err := b.save(devices); err != nil {
		return &PersistenceError{Op: "save", Path: b.path, Err: err}
	}
	return nil
}

func (b *FileBackend) save(devices []model.Device) error {
	dir := filepath.Dir(b.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".history-*.json")
	if err != nil {
		return fmt.Errorf("create temporary file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpPath)
	}

	if devices == nil {
		devices = []model.Device{}
	}
	encoder := json.NewEncoder(tmp)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(fileEnvelope{Version: fileVersion, Devices: devices}); err != nil {
		cleanup()
		return fmt.Errorf("encode: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close: %w", err)
	}
	if err := os.Rename(tmpPath, b.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

// Clear removes the history file.
func (b *FileBackend) Clear(_ context.Context) error {
	if err := os.Remove(b.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return &PersistenceError{Op: "clear", Path: b.path, Err: err}
	}
	return nil
}
