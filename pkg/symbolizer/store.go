package symbolizer

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/grafana/regexp"
	"github.com/thanos-io/objstore"
)

var validKey = regexp.MustCompile(`^[A-Za-z0-9._-]+(?:/[A-Za-z0-9._-]+)*$`)

func sanitizeKey(key string) (string, error) {
	if !validKey.MatchString(key) {
		return "", invalidMappingKeyError{key: key}
	}
	for _, part := range strings.Split(key, "/") {
		if part == "." || part == ".." {
			return "", invalidMappingKeyError{key: key}
		}
	}
	return key, nil
}

// MappingStore holds mapping files by key.
type MappingStore interface {
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Put(ctx context.Context, key string, reader io.Reader) error
}

// ObjstoreMappingStore implements MappingStore using object storage
type ObjstoreMappingStore struct {
	bucket objstore.Bucket
	prefix string
}

func NewObjstoreMappingStore(bucket objstore.Bucket, prefix string) *ObjstoreMappingStore {
	return &ObjstoreMappingStore{
		bucket: bucket,
		prefix: prefix,
	}
}

func (s *ObjstoreMappingStore) path(key string) (string, error) {
	key, err := sanitizeKey(key)
	if err != nil {
		return "", err
	}
	return path.Join(s.prefix, key), nil
}

func (s *ObjstoreMappingStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	name, err := s.path(key)
	if err != nil {
		return nil, err
	}
	reader, err := s.bucket.Get(ctx, name)
	if err != nil {
		if s.bucket.IsObjNotFoundErr(err) {
			return nil, mappingNotFoundError{key: key}
		}
		return nil, fmt.Errorf("get mapping %s: %w", key, err)
	}
	return reader, nil
}

func (s *ObjstoreMappingStore) Put(ctx context.Context, key string, reader io.Reader) error {
	name, err := s.path(key)
	if err != nil {
		return err
	}
	return s.bucket.Upload(ctx, name, reader)
}

// Keys lists the keys of the stored mappings.
func (s *ObjstoreMappingStore) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	dir := strings.TrimSuffix(s.prefix, "/")
	err := s.bucket.Iter(ctx, dir, func(name string) error {
		keys = append(keys, strings.TrimPrefix(strings.TrimPrefix(name, dir), "/"))
		return nil
	}, objstore.WithRecursiveIter)
	if err != nil {
		return nil, fmt.Errorf("list mappings: %w", err)
	}
	return keys, nil
}
