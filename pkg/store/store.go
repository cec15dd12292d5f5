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

// Package store persists VMs, jobs and migration records in an indexed
// bucket store and compiles the three list filter surfaces (structured
// parameters, LDAP-style strings, JSON predicates) into a single
// matcher.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/smartdc/vmapi/pkg/api"
	"github.com/smartdc/vmapi/pkg/constants"
)

var (
	// ErrNotFound is when an object is not found.
	ErrNotFound = errors.New("object not found")

	// ErrRevisionConflict is when an optimistic write loses its race.
	// The caller re-reads and re-applies.
	ErrRevisionConflict = errors.New("revision conflict")

	// ErrNotReady is when the buckets haven't been initialized yet.
	ErrNotReady = errors.New("buckets not initialized")
)

// AnyRevision skips the optimistic concurrency check on a put.
const AnyRevision int64 = -1

// Backend is the bucket store this API persists through.  The real
// backend is the external indexed KV service; the in-memory
// implementation backs tests and standalone operation.
type Backend interface {
	// SetupBuckets creates the named buckets.  Idempotent.
	SetupBuckets(ctx context.Context, names []string) error

	// Ready tells whether SetupBuckets completed.
	Ready(ctx context.Context) bool

	// Put writes an object at a revision.  Pass AnyRevision to write
	// unconditionally, otherwise the write fails with
	// ErrRevisionConflict when the stored revision moved on.
	Put(ctx context.Context, bucket, key string, value []byte, revision int64) (int64, error)

	// Get reads an object and its revision.
	Get(ctx context.Context, bucket, key string) ([]byte, int64, error)

	// Delete removes an object.
	Delete(ctx context.Context, bucket, key string) error

	// List returns every object in a bucket.
	List(ctx context.Context, bucket string) ([][]byte, error)
}

// cachedVM pairs a VM with the revision it was read at.
type cachedVM struct {
	vm       *api.VM
	revision int64
}

// Store is the typed layer over the bucket backend.
type Store struct {
	backend Backend

	// cache is a bounded read cache of VM records, refreshed on every
	// write and invalidated by the reconciler.
	cache *lru.Cache[string, cachedVM]
}

// New creates a store over a backend.
func New(backend Backend, cacheSize int) (*Store, error) {
	cache, err := lru.New[string, cachedVM](cacheSize)
	if err != nil {
		return nil, err
	}

	return &Store{
		backend: backend,
		cache:   cache,
	}, nil
}

// Setup creates the application buckets.
func (s *Store) Setup(ctx context.Context) error {
	return s.backend.SetupBuckets(ctx, []string{
		constants.VMsBucket,
		constants.VMRoleTagsBucket,
		constants.VMMigrationsBucket,
		constants.JobsBucket,
	})
}

// Ready tells whether the buckets exist yet.  Handlers return a 503
// until this is true.
func (s *Store) Ready(ctx context.Context) bool {
	return s.backend.Ready(ctx)
}

// GetVM reads a VM and the revision to use for an optimistic update.
func (s *Store) GetVM(ctx context.Context, uuid string) (*api.VM, int64, error) {
	if cached, ok := s.cache.Get(uuid); ok {
		return cached.vm, cached.revision, nil
	}

	data, revision, err := s.backend.Get(ctx, constants.VMsBucket, uuid)
	if err != nil {
		return nil, 0, err
	}

	vm := &api.VM{}

	if err := json.Unmarshal(data, vm); err != nil {
		return nil, 0, err
	}

	s.cache.Add(uuid, cachedVM{vm: vm, revision: revision})

	return vm, revision, nil
}

// PutVM writes a VM at a revision, maintaining the role tag index and
// the read cache.
func (s *Store) PutVM(ctx context.Context, vm *api.VM, revision int64) (int64, error) {
	data, err := json.Marshal(vm)
	if err != nil {
		return 0, err
	}

	newRevision, err := s.backend.Put(ctx, constants.VMsBucket, vm.UUID, data, revision)
	if err != nil {
		// Drop any stale cache entry so the retry re-reads.
		s.cache.Remove(vm.UUID)

		return 0, err
	}

	if err := s.putRoleTags(ctx, vm); err != nil {
		return 0, err
	}

	s.cache.Add(vm.UUID, cachedVM{vm: vm, revision: newRevision})

	return newRevision, nil
}

// Invalidate drops a VM from the read cache, forcing the next read to
// hit the backend.
func (s *Store) Invalidate(uuid string) {
	s.cache.Remove(uuid)
}

// ListVMs runs a compiled query, returning the page and the total
// matching count ignoring pagination.
func (s *Store) ListVMs(ctx context.Context, query *Query) ([]*api.VM, int, error) {
	match, err := query.Compile()
	if err != nil {
		return nil, 0, err
	}

	roleTagged, err := s.roleTagFilter(ctx, query)
	if err != nil {
		return nil, 0, err
	}

	rows, err := s.backend.List(ctx, constants.VMsBucket)
	if err != nil {
		return nil, 0, err
	}

	var matched []*api.VM

	for _, data := range rows {
		vm := &api.VM{}

		if err := json.Unmarshal(data, vm); err != nil {
			return nil, 0, err
		}

		if roleTagged != nil && !roleTagged[vm.UUID] {
			continue
		}

		if match(vm) {
			matched = append(matched, vm)
		}
	}

	SortVMs(matched, query.Sort)

	total := len(matched)

	return Page(matched, query.Limit, query.Offset), total, nil
}

// roleTagFilter resolves a role_tags filter to the set of matching VM
// UUIDs, or nil when the filter isn't present.
func (s *Store) roleTagFilter(ctx context.Context, query *Query) (map[string]bool, error) {
	wanted, ok := query.Filters["role_tags"]
	if !ok {
		return nil, nil
	}

	rows, err := s.backend.List(ctx, constants.VMRoleTagsBucket)
	if err != nil {
		return nil, err
	}

	matched := map[string]bool{}

	for _, data := range rows {
		record := &roleTagRecord{}

		if err := json.Unmarshal(data, record); err != nil {
			return nil, err
		}

		for _, role := range record.RoleTags {
			if role == wanted {
				matched[record.VMUUID] = true

				break
			}
		}
	}

	return matched, nil
}

// roleTagRecord is the secondary index entry for role tags.
type roleTagRecord struct {
	VMUUID   string   `json:"vm_uuid"`
	RoleTags []string `json:"role_tags"`
}

// putRoleTags maintains the vm_role_tags bucket from a VM's tags.
func (s *Store) putRoleTags(ctx context.Context, vm *api.VM) error {
	var roles []string

	if value, ok := vm.Tags["role"]; ok {
		roles = append(roles, stringify(value))
	}

	if len(roles) == 0 {
		err := s.backend.Delete(ctx, constants.VMRoleTagsBucket, vm.UUID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}

		return nil
	}

	data, err := json.Marshal(&roleTagRecord{VMUUID: vm.UUID, RoleTags: roles})
	if err != nil {
		return err
	}

	_, err = s.backend.Put(ctx, constants.VMRoleTagsBucket, vm.UUID, data, AnyRevision)

	return err
}

// PutJob mirrors a workflow job for query purposes.
func (s *Store) PutJob(ctx context.Context, job *api.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}

	_, err = s.backend.Put(ctx, constants.JobsBucket, job.UUID, data, AnyRevision)

	return err
}

// GetJob reads a mirrored job.
func (s *Store) GetJob(ctx context.Context, uuid string) (*api.Job, error) {
	data, _, err := s.backend.Get(ctx, constants.JobsBucket, uuid)
	if err != nil {
		return nil, err
	}

	job := &api.Job{}

	if err := json.Unmarshal(data, job); err != nil {
		return nil, err
	}

	return job, nil
}

// JobFilter selects jobs on the list surface.
type JobFilter struct {
	VMUUID    string
	Task      string
	Execution api.Execution
}

// ListJobs returns matching jobs in reverse creation order.
func (s *Store) ListJobs(ctx context.Context, filter *JobFilter) ([]*api.Job, error) {
	rows, err := s.backend.List(ctx, constants.JobsBucket)
	if err != nil {
		return nil, err
	}

	var jobs []*api.Job

	for _, data := range rows {
		job := &api.Job{}

		if err := json.Unmarshal(data, job); err != nil {
			return nil, err
		}

		if filter.VMUUID != "" && job.VMUUID != filter.VMUUID {
			continue
		}

		if filter.Task != "" && job.Task != filter.Task {
			continue
		}

		if filter.Execution != "" && job.Execution != filter.Execution {
			continue
		}

		jobs = append(jobs, job)
	}

	sort.SliceStable(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})

	return jobs, nil
}

// GetMigration reads the migration record for a VM.
func (s *Store) GetMigration(ctx context.Context, vmUUID string) (*api.Migration, error) {
	data, _, err := s.backend.Get(ctx, constants.VMMigrationsBucket, vmUUID)
	if err != nil {
		return nil, err
	}

	migration := &api.Migration{}

	if err := json.Unmarshal(data, migration); err != nil {
		return nil, err
	}

	return migration, nil
}

// PutMigration writes the migration record for a VM.
func (s *Store) PutMigration(ctx context.Context, migration *api.Migration) error {
	data, err := json.Marshal(migration)
	if err != nil {
		return err
	}

	_, err = s.backend.Put(ctx, constants.VMMigrationsBucket, migration.VMUUID, data, AnyRevision)

	return err
}

// UpdateVM re-reads and re-applies a mutation until the optimistic
// write succeeds.  The mutator must be idempotent.
func (s *Store) UpdateVM(ctx context.Context, uuid string, mutate func(*api.VM) error) (*api.VM, error) {
	for {
		vm, revision, err := s.GetVM(ctx, uuid)
		if err != nil {
			return nil, err
		}

		// Work on a deep copy: the callback may write into nested maps,
		// and neither that nor a failed write may touch the cached
		// record.
		updated := vm.Clone()

		if err := mutate(updated); err != nil {
			return nil, err
		}

		if _, err := s.PutVM(ctx, updated, revision); err != nil {
			if errors.Is(err, ErrRevisionConflict) {
				s.cache.Remove(uuid)

				continue
			}

			return nil, err
		}

		return updated, nil
	}
}

// toJSONMap round-trips a value through JSON into a generic map, used
// by field projection so rows match the wire representation exactly.
func toJSONMap(v interface{}) (map[string]interface{}, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	result := map[string]interface{}{}

	if err := json.Unmarshal(data, &result); err != nil {
		return nil, err
	}

	return result, nil
}

// Now returns the current UTC time truncated to milliseconds, the
// resolution timestamps are stored at.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}
