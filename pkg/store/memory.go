package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/s3rat/s3rat/pkg/logging"
)

// MemoryStore is an in-process Store. It lists keys in lexicographic order
// as S3 does and is safe for concurrent use by a client and a server
// sharing it.
type MemoryStore struct {
	// MaxKeys bounds a single listing page; zero means unbounded.
	MaxKeys int
	// Now stamps objects and listings.
	Now func() time.Time

	log     logging.Logger
	mu      sync.RWMutex
	objects map[string]memoryObject
}

type memoryObject struct {
	body        []byte
	contentType string
	modified    time.Time
}

// NewMemoryStore returns an empty store.
func NewMemoryStore(log logging.Logger) *MemoryStore {
	return &MemoryStore{
		Now:     time.Now,
		log:     log,
		objects: make(map[string]memoryObject),
	}
}

func (m *MemoryStore) Put(ctx context.Context, key string, body []byte, contentType string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	stored := make([]byte, len(body))
	copy(stored, body)

	m.mu.Lock()
	m.objects[key] = memoryObject{body: stored, contentType: contentType, modified: m.Now()}
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	obj, ok := m.objects[key]
	m.mu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "get %s", key)
	}
	body := make([]byte, len(obj.body))
	copy(body, obj.body)
	return body, nil
}

// ContentType returns the content type key was written with.
func (m *MemoryStore) ContentType(key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	return obj.contentType, ok
}

func (m *MemoryStore) sortedKeys(prefix string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []string
	for key := range m.objects {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

func (m *MemoryStore) List(ctx context.Context, prefix string) (*Listing, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	keys := m.sortedKeys(prefix)
	listing := &Listing{Date: m.Now()}
	if m.MaxKeys > 0 && len(keys) > m.MaxKeys {
		keys = keys[:m.MaxKeys]
		listing.Truncated = true
	}

	m.mu.RLock()
	for _, key := range keys {
		obj := m.objects[key]
		listing.Objects = append(listing.Objects, Object{
			Key:          key,
			LastModified: obj.modified,
			Size:         int64(len(obj.body)),
		})
	}
	m.mu.RUnlock()

	if listing.Truncated {
		warnTruncated(m.log, prefix, len(listing.Objects))
	}
	return listing, nil
}

func (m *MemoryStore) ListPrefixes(ctx context.Context, prefix, delimiter string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var prefixes []string
	seen := make(map[string]bool)
	for _, key := range m.sortedKeys(prefix) {
		rest := key[len(prefix):]
		i := strings.Index(rest, delimiter)
		if i < 0 {
			continue
		}
		common := prefix + rest[:i+len(delimiter)]
		if !seen[common] {
			seen[common] = true
			prefixes = append(prefixes, common)
		}
	}
	return prefixes, nil
}

func (m *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.RLock()
	_, ok := m.objects[key]
	m.mu.RUnlock()
	return ok, nil
}
