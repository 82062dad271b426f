// Package artifacts stores binary artifact payloads. Metadata lives in the
// main store; this package only moves bytes, keyed by a location string the
// controller records on the artifact document.
package artifacts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

var ErrNotFound = errors.New("artifact blob not found")

// Storage is the blob backend. Put returns the number of bytes written;
// callers record size and checksum on the artifact document.
type Storage interface {
	Put(ctx context.Context, location string, r io.Reader) (int64, error)
	Get(ctx context.Context, location string) (io.ReadCloser, error)
	Delete(ctx context.Context, location string) error
}

// Checksum computes the hex sha256 digest used to verify artifact payloads.
func Checksum(data io.Reader) (string, int64, error) {
	h := sha256.New()
	n, err := io.Copy(h, data)
	if err != nil {
		return "", 0, fmt.Errorf("checksum artifact: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// LocalStorage keeps blobs under a root directory, one file per location.
// Locations are slash-separated and must not escape the root.
type LocalStorage struct {
	root string
}

func NewLocalStorage(root string) (*LocalStorage, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact root: %w", err)
	}
	return &LocalStorage{root: root}, nil
}

func (l *LocalStorage) path(location string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(location))
	if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("invalid artifact location %q", location)
	}
	return filepath.Join(l.root, clean), nil
}

func (l *LocalStorage) Put(ctx context.Context, location string, r io.Reader) (int64, error) {
	path, err := l.path(location)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, fmt.Errorf("create artifact dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("create artifact file: %w", err)
	}
	n, err := io.Copy(f, r)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(path)
		return 0, fmt.Errorf("write artifact: %w", err)
	}
	return n, nil
}

func (l *LocalStorage) Get(ctx context.Context, location string) (io.ReadCloser, error) {
	path, err := l.path(location)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("open artifact: %w", err)
	}
	return f, nil
}

func (l *LocalStorage) Delete(ctx context.Context, location string) error {
	path, err := l.path(location)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete artifact: %w", err)
	}
	return nil
}
