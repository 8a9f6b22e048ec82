package audio

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
)

// liveTempFiles counts temp files created and not yet removed
var liveTempFiles atomic.Int64

// LiveTempFiles returns the number of temp files that have not been removed yet
func LiveTempFiles() int64 {
	return liveTempFiles.Load()
}

// TempFile is a temporary file owned by a single request.
// Remove is safe to call more than once and from deferred cleanup.
type TempFile struct {
	*os.File
	once sync.Once
	err  error
}

// CreateTemp creates a new temporary file in dir ("" means the OS default)
func CreateTemp(dir, pattern string) (*TempFile, error) {
	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	liveTempFiles.Add(1)
	return &TempFile{File: f}, nil
}

// Path returns the file system path of the temp file
func (t *TempFile) Path() string {
	return t.Name()
}

// Remove closes and deletes the file
func (t *TempFile) Remove() error {
	t.once.Do(func() {
		// Close errors are irrelevant once the file is gone
		t.File.Close()
		if err := os.Remove(t.Name()); err != nil && !os.IsNotExist(err) {
			t.err = fmt.Errorf("failed to remove temp file %s: %w", t.Name(), err)
		}
		liveTempFiles.Add(-1)
	})
	return t.err
}

// writeTemp copies r into a fresh temp file and closes it for writing
func writeTemp(dir, pattern string, r io.Reader) (*TempFile, int64, error) {
	tmp, err := CreateTemp(dir, pattern)
	if err != nil {
		return nil, 0, err
	}

	n, err := io.Copy(tmp, r)
	if err != nil {
		tmp.Remove()
		return nil, 0, fmt.Errorf("failed to write upload to temp file: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Remove()
		return nil, 0, fmt.Errorf("failed to flush temp file: %w", err)
	}

	return tmp, n, nil
}
