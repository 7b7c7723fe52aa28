package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/dunamismax/pixelconvert/internal/storage"
)

type objectStorage interface {
	OpenObject(ctx context.Context, objectKey string) (io.ReadCloser, int64, error)
	WriteObject(ctx context.Context, objectKey string, data []byte, contentType string) error
}

// ObjectArtifactStore keeps converted files in an S3 compatible bucket under
// Prefix. A single PutObject is atomic from the reader's point of view.
type ObjectArtifactStore struct {
	storage objectStorage
	prefix  string
}

func NewObjectArtifactStore(client *storage.Client, prefix string) (*ObjectArtifactStore, error) {
	if client == nil {
		return nil, errors.New("storage client is required")
	}
	return newObjectArtifactStore(client, prefix), nil
}

func newObjectArtifactStore(s objectStorage, prefix string) *ObjectArtifactStore {
	return &ObjectArtifactStore{
		storage: s,
		prefix:  defaultOutputPrefix(prefix),
	}
}

func (s *ObjectArtifactStore) Put(ctx context.Context, name string, data []byte, contentType string) error {
	if err := validateArtifactName(name); err != nil {
		return err
	}
	return s.storage.WriteObject(ctx, s.key(name), data, contentType)
}

func (s *ObjectArtifactStore) Open(ctx context.Context, name string) (io.ReadCloser, int64, error) {
	if err := validateArtifactName(name); err != nil {
		return nil, 0, err
	}
	rc, size, err := s.storage.OpenObject(ctx, s.key(name))
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return nil, 0, fmt.Errorf("%w: %s", ErrArtifactNotFound, name)
		}
		return nil, 0, err
	}
	return rc, size, nil
}

func (s *ObjectArtifactStore) key(name string) string {
	return path.Join(s.prefix, name)
}

func defaultOutputPrefix(prefix string) string {
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		return "converted"
	}
	return prefix
}
