package logstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// File keeps one JSON array per store under dir/<name>.json. Each write
// rewrites the file through a temp file and rename.
type File struct {
	name string
	cap  int
	path string

	mu     sync.Mutex
	closed bool
}

func NewFile(dir, name string, capacity int) (*File, error) {
	if dir == "" {
		return nil, fmt.Errorf("file store dir is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	return &File{
		name: name,
		cap:  capacity,
		path: filepath.Join(dir, name+".json"),
	}, nil
}

func (f *File) Name() string { return "file:" + f.path }
func (f *File) Cap() int     { return f.cap }

func (f *File) Append(_ context.Context, rec json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	recs, err := f.read()
	if err != nil {
		return err
	}
	return f.write(trim(append(recs, rec), f.cap))
}

func (f *File) List(_ context.Context) ([]json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrClosed
	}
	return f.read()
}

func (f *File) Replace(_ context.Context, recs []json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	return f.write(trim(recs, f.cap))
}

func (f *File) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *File) read() ([]json.RawMessage, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", f.name, err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	var recs []json.RawMessage
	if err := json.Unmarshal(data, &recs); err != nil {
		return nil, fmt.Errorf("decode %s: %w", f.name, err)
	}
	return recs, nil
}

func (f *File) write(recs []json.RawMessage) error {
	if recs == nil {
		recs = []json.RawMessage{}
	}
	data, err := json.Marshal(recs)
	if err != nil {
		return fmt.Errorf("encode %s: %w", f.name, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), "."+f.name+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", f.name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename %s: %w", f.name, err)
	}
	return nil
}
