package inference

import (
	"context"
	"fmt"
	"mnist-backend/internal/storage"
	"os"
	"strings"
)

// WeightsProvider supplies the raw bytes of a weights file.
type WeightsProvider interface {
	LoadWeights(ctx context.Context) ([]byte, error)
	String() string
}

type LocalFileProvider struct {
	path string
}

func NewLocalFileProvider(path string) (*LocalFileProvider, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("weights file does not exist: %s", path)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("weights path is a directory: %s", path)
	}
	return &LocalFileProvider{path: path}, nil
}

func (p *LocalFileProvider) LoadWeights(ctx context.Context) ([]byte, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return nil, fmt.Errorf("error reading weights %s: %w", p.path, err)
	}
	return data, nil
}

func (p *LocalFileProvider) String() string {
	return p.path
}

type ObjectStoreProvider struct {
	store  storage.ObjectStore
	bucket string
	key    string
}

func NewObjectStoreProvider(store storage.ObjectStore, bucket, key string) *ObjectStoreProvider {
	return &ObjectStoreProvider{store: store, bucket: bucket, key: key}
}

func (p *ObjectStoreProvider) LoadWeights(ctx context.Context) ([]byte, error) {
	data, err := p.store.GetObject(ctx, p.bucket, p.key)
	if err != nil {
		return nil, fmt.Errorf("error loading weights from %s: %w", p, err)
	}
	return data, nil
}

func (p *ObjectStoreProvider) String() string {
	return "s3://" + p.bucket + "/" + p.key
}

// ParseWeightsURI returns an object store provider for s3://bucket/key URIs
// and a local file provider otherwise. store may be nil for local paths.
func ParseWeightsURI(uri string, store storage.ObjectStore) (WeightsProvider, error) {
	rest, ok := strings.CutPrefix(uri, "s3://")
	if !ok {
		return NewLocalFileProvider(uri)
	}

	bucket, key, _ := strings.Cut(rest, "/")
	if bucket == "" || key == "" {
		return nil, fmt.Errorf("invalid weights uri '%s', expected s3://bucket/key", uri)
	}
	if store == nil {
		return nil, fmt.Errorf("weights uri '%s' needs an object store", uri)
	}
	return NewObjectStoreProvider(store, bucket, key), nil
}
