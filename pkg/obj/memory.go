package obj

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/jonboulle/clockwork"
)

type memObject struct {
	data []byte
	info ObjectInfo
}

// MemoryStore is an in-memory Store used by tests and local development.
// Writes are atomic under the store mutex, matching the per-object atomicity
// contract of the S3 implementation.
type MemoryStore struct {
	mu      sync.RWMutex
	clock   clockwork.Clock
	buckets map[string]map[string]memObject
}

func NewMemoryStore(clock clockwork.Clock) *MemoryStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryStore{
		clock:   clock,
		buckets: make(map[string]map[string]memObject),
	}
}

func (m *MemoryStore) Put(ctx context.Context, bucket, key string, data []byte, contentType string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buckets[bucket]
	if !ok {
		b = make(map[string]memObject)
		m.buckets[bucket] = b
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	b[key] = memObject{
		data: cp,
		info: ObjectInfo{
			Key:          key,
			Size:         int64(len(cp)),
			LastModified: m.clock.Now().UTC(),
		},
	}
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.buckets[bucket][key]
	if !ok {
		return nil, ErrNotFound
	}
	cp := make([]byte, len(o.data))
	copy(cp, o.data)
	return cp, nil
}

func (m *MemoryStore) Head(ctx context.Context, bucket, key string) (ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return ObjectInfo{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.buckets[bucket][key]
	if !ok {
		return ObjectInfo{}, ErrNotFound
	}
	return o.info, nil
}

func (m *MemoryStore) List(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var infos []ObjectInfo
	for key, o := range m.buckets[bucket] {
		if strings.HasPrefix(key, prefix) {
			infos = append(infos, o.info)
		}
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos, nil
}

func (m *MemoryStore) Copy(ctx context.Context, bucket, srcKey, dstKey string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.buckets[bucket][srcKey]
	if !ok {
		return ErrNotFound
	}
	cp := make([]byte, len(o.data))
	copy(cp, o.data)
	m.buckets[bucket][dstKey] = memObject{
		data: cp,
		info: ObjectInfo{
			Key:          dstKey,
			Size:         o.info.Size,
			LastModified: m.clock.Now().UTC(),
		},
	}
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, bucket, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.buckets[bucket], key)
	return nil
}
