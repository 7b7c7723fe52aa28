package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

var (
	ErrArtifactNotFound    = errors.New("artifact not found")
	ErrInvalidArtifactName = errors.New("invalid artifact name")
)

// ArtifactStore keeps converted files. Put must be atomic: readers see either
// the previous artifact or the complete new one.
type ArtifactStore interface {
	Put(ctx context.Context, name string, data []byte, contentType string) error
	Open(ctx context.Context, name string) (io.ReadCloser, int64, error)
}

type LocalArtifactStore struct {
	dir string
}

func NewLocalArtifactStore(dir string) (*LocalArtifactStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("output directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	return &LocalArtifactStore{dir: dir}, nil
}

func (s *LocalArtifactStore) Put(ctx context.Context, name string, data []byte, _ string) error {
	if err := validateArtifactName(name); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.dir, "."+name+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp output: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write output file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close output file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		return fmt.Errorf("chmod output file: %w", err)
	}
	if err := os.Rename(tmpPath, filepath.Join(s.dir, name)); err != nil {
		return fmt.Errorf("commit output file: %w", err)
	}
	committed = true
	return nil
}

func (s *LocalArtifactStore) Open(_ context.Context, name string) (io.ReadCloser, int64, error) {
	if err := validateArtifactName(name); err != nil {
		return nil, 0, err
	}

	f, err := os.Open(filepath.Join(s.dir, name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, 0, fmt.Errorf("%w: %s", ErrArtifactNotFound, name)
		}
		return nil, 0, fmt.Errorf("open artifact %s: %w", name, err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, fmt.Errorf("stat artifact %s: %w", name, err)
	}
	if info.IsDir() {
		_ = f.Close()
		return nil, 0, fmt.Errorf("%w: %s", ErrArtifactNotFound, name)
	}
	return f, info.Size(), nil
}

// validateArtifactName accepts a single visible path segment. Names starting
// with a dot are reserved for in-flight temp files.
func validateArtifactName(name string) error {
	if name == "" || strings.HasPrefix(name, ".") || strings.ContainsAny(name, `/\`) || strings.ContainsRune(name, 0) {
		return fmt.Errorf("%w: %q", ErrInvalidArtifactName, name)
	}
	return nil
}
