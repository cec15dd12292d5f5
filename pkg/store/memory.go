/*
Copyright 2023-2024 SmartDC.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package store

import (
	"context"
	"fmt"
	"sync"
)

// object is a stored value and its revision counter.
type object struct {
	data     []byte
	revision int64
}

// MemoryBackend is the in-process Backend used by tests and standalone
// operation.  Semantics mirror the external bucket store: per-object
// monotonically increasing revisions with conditional puts.
type MemoryBackend struct {
	mu sync.RWMutex

	buckets map[string]map[string]*object
}

// NewMemoryBackend creates an empty backend.  Buckets must be set up
// before use, as with the real store.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

// Ensure the Backend interface is implemented.
var _ Backend = &MemoryBackend{}

func (b *MemoryBackend) SetupBuckets(ctx context.Context, names []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.buckets == nil {
		b.buckets = map[string]map[string]*object{}
	}

	for _, name := range names {
		if _, ok := b.buckets[name]; !ok {
			b.buckets[name] = map[string]*object{}
		}
	}

	return nil
}

func (b *MemoryBackend) Ready(ctx context.Context) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return b.buckets != nil
}

func (b *MemoryBackend) bucket(name string) (map[string]*object, error) {
	if b.buckets == nil {
		return nil, ErrNotReady
	}

	bucket, ok := b.buckets[name]
	if !ok {
		return nil, fmt.Errorf("%w: bucket %s", ErrNotFound, name)
	}

	return bucket, nil
}

func (b *MemoryBackend) Put(ctx context.Context, bucketName, key string, value []byte, revision int64) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	bucket, err := b.bucket(bucketName)
	if err != nil {
		return 0, err
	}

	existing, ok := bucket[key]

	if revision != AnyRevision {
		current := int64(0)

		if ok {
			current = existing.revision
		}

		if current != revision {
			return 0, fmt.Errorf("%w: %s/%s at %d, expected %d", ErrRevisionConflict, bucketName, key, current, revision)
		}
	}

	next := int64(1)

	if ok {
		next = existing.revision + 1
	}

	stored := make([]byte, len(value))
	copy(stored, value)

	bucket[key] = &object{data: stored, revision: next}

	return next, nil
}

func (b *MemoryBackend) Get(ctx context.Context, bucketName, key string) ([]byte, int64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	bucket, err := b.bucket(bucketName)
	if err != nil {
		return nil, 0, err
	}

	existing, ok := bucket[key]
	if !ok {
		return nil, 0, fmt.Errorf("%w: %s/%s", ErrNotFound, bucketName, key)
	}

	data := make([]byte, len(existing.data))
	copy(data, existing.data)

	return data, existing.revision, nil
}

func (b *MemoryBackend) Delete(ctx context.Context, bucketName, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	bucket, err := b.bucket(bucketName)
	if err != nil {
		return err
	}

	if _, ok := bucket[key]; !ok {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, bucketName, key)
	}

	delete(bucket, key)

	return nil
}

func (b *MemoryBackend) List(ctx context.Context, bucketName string) ([][]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	bucket, err := b.bucket(bucketName)
	if err != nil {
		return nil, err
	}

	rows := make([][]byte, 0, len(bucket))

	for _, existing := range bucket {
		data := make([]byte, len(existing.data))
		copy(data, existing.data)

		rows = append(rows, data)
	}

	return rows, nil
}
