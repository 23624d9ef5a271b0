// Package drive stores the content the guest's storage extension resolves by
// identifier.
package drive

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	ds "github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	dslvl "github.com/ipfs/go-ds-leveldb"
	"go.uber.org/zap"
)

// ErrNotFound is returned for identifiers with no stored content.
var ErrNotFound = errors.New("content not found")

// Store resolves content identifiers to bytes.
//
// ReadAt keeps the most recently read blob in memory, so a guest streaming one
// file in small reads fetches it from the datastore once.
type Store struct {
	data   ds.Batching
	logger *zap.Logger

	mu       sync.Mutex
	openID   string
	openData []byte
}

// OpenLevelDB opens (creating if needed) a leveldb-backed store at path.
func OpenLevelDB(path string, logger *zap.Logger) (*Store, error) {
	store, err := dslvl.NewDatastore(path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open drive at %s: %w", path, err)
	}

	logger.Info("Drive opened", zap.String("path", path))
	return newStore(store, logger), nil
}

// NewMemory creates a store that lives only as long as the process.
func NewMemory(logger *zap.Logger) *Store {
	return newStore(dssync.MutexWrap(ds.NewMapDatastore()), logger)
}

func newStore(data ds.Batching, logger *zap.Logger) *Store {
	return &Store{
		data:   data,
		logger: logger.With(zap.String("component", "drive")),
	}
}

func key(id string) (ds.Key, error) {
	id = strings.Trim(id, "/")
	if id == "" {
		return ds.Key{}, fmt.Errorf("empty content id")
	}
	return ds.NewKey(id), nil
}

// Get returns the content stored under id.
func (s *Store) Get(ctx context.Context, id string) ([]byte, error) {
	k, err := key(id)
	if err != nil {
		return nil, err
	}

	b, err := s.data.Get(ctx, k)
	if errors.Is(err, ds.ErrNotFound) {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

// Has reports whether id has content.
func (s *Store) Has(ctx context.Context, id string) (bool, error) {
	k, err := key(id)
	if err != nil {
		return false, err
	}
	return s.data.Has(ctx, k)
}

// Size returns the length of the content stored under id.
func (s *Store) Size(ctx context.Context, id string) (int64, error) {
	k, err := key(id)
	if err != nil {
		return 0, err
	}

	n, err := s.data.GetSize(ctx, k)
	if errors.Is(err, ds.ErrNotFound) {
		return 0, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if err != nil {
		return 0, err
	}
	return int64(n), nil
}

// Put stores data under id, replacing what was there.
func (s *Store) Put(ctx context.Context, id string, data []byte) error {
	k, err := key(id)
	if err != nil {
		return err
	}

	if err := s.data.Put(ctx, k, data); err != nil {
		return err
	}
	s.forget(id)

	s.logger.Debug("Content stored",
		zap.String("id", id),
		zap.Int("size_bytes", len(data)),
	)
	return nil
}

// ReadAt copies content of id starting at off into p and returns the number
// of bytes copied. Reading at or past the end copies nothing.
func (s *Store) ReadAt(ctx context.Context, id string, p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("negative offset %d", off)
	}
	b, err := s.open(ctx, id)
	if err != nil {
		return 0, err
	}
	if off >= int64(len(b)) {
		return 0, nil
	}
	return copy(p, b[off:]), nil
}

// open returns the content of id, fetching it only when it is not the blob
// already held for ReadAt.
func (s *Store) open(ctx context.Context, id string) ([]byte, error) {
	id = strings.Trim(id, "/")

	s.mu.Lock()
	if s.openData != nil && s.openID == id {
		b := s.openData
		s.mu.Unlock()
		return b, nil
	}
	s.mu.Unlock()

	b, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.openID, s.openData = id, b
	s.mu.Unlock()
	return b, nil
}

func (s *Store) forget(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.openID == strings.Trim(id, "/") {
		s.openID, s.openData = "", nil
	}
}

// Close releases the underlying datastore.
func (s *Store) Close() error {
	s.mu.Lock()
	s.openID, s.openData = "", nil
	s.mu.Unlock()
	return s.data.Close()
}
