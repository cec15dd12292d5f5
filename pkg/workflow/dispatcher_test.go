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

package workflow_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartdc/vmapi/pkg/api"
	"github.com/smartdc/vmapi/pkg/clients"
	"github.com/smartdc/vmapi/pkg/store"
	"github.com/smartdc/vmapi/pkg/waitlist"
	"github.com/smartdc/vmapi/pkg/workflow"
)

type fakeWFAPI struct {
	submissions []*clients.JobSubmission
	jobs        map[string]*clients.JobStatus
	canceled    []string
}

func newFakeWFAPI() *fakeWFAPI {
	return &fakeWFAPI{jobs: map[string]*clients.JobStatus{}}
}

func (f *fakeWFAPI) CreateJob(_ context.Context, submission *clients.JobSubmission) (*clients.JobStatus, error) {
	f.submissions = append(f.submissions, submission)

	status := &clients.JobStatus{
		UUID:      fmt.Sprintf("job-%d", len(f.submissions)),
		Name:      submission.Name,
		Execution: api.ExecutionQueued,
		Params:    submission.Params,
		CreatedAt: time.Now(),
	}

	f.jobs[status.UUID] = status

	return status, nil
}

func (f *fakeWFAPI) GetJob(_ context.Context, uuid string) (*clients.JobStatus, error) {
	status, ok := f.jobs[uuid]
	if !ok {
		return nil, clients.ErrNotFound
	}

	return status, nil
}

func (f *fakeWFAPI) ListJobs(_ context.Context, vmUUID string, execution api.Execution) ([]clients.JobStatus, error) {
	var statuses []clients.JobStatus

	for _, status := range f.jobs {
		if vmUUID != "" && status.Params.VMUUID != vmUUID {
			continue
		}

		if execution != "" && status.Execution != execution {
			continue
		}

		statuses = append(statuses, *status)
	}

	return statuses, nil
}

func (f *fakeWFAPI) CancelJob(_ context.Context, uuid string) error {
	f.canceled = append(f.canceled, uuid)

	return nil
}

func (f *fakeWFAPI) Endpoint() string {
	return "http://workflow.example.com"
}

func newStore(t *testing.T) *store.Store {
	t.Helper()

	s, err := store.New(store.NewMemoryBackend(), 16)
	require.NoError(t, err)

	require.NoError(t, s.Setup(context.Background()))

	return s
}

func testVM(uuid string) *api.VM {
	quota := int64(10)

	return &api.VM{
		UUID:            uuid,
		OwnerUUID:       "930896af-bf8c-48d4-885c-6573a94b1853",
		Brand:           api.BrandJoyent,
		State:           api.StateRunning,
		ServerUUID:      "564d4d2c-6b22-3a4e-3042-8a20a52184ad",
		RAM:             256,
		Quota:           &quota,
		CreateTimestamp: store.Now(),
	}
}

func TestDispatchMirrorsJob(t *testing.T) {
	t.Parallel()

	s := newStore(t)
	wfapi := newFakeWFAPI()
	wl := waitlist.New(nil)

	dispatcher := workflow.NewDispatcher(s, wfapi, wl, time.Hour, nil)

	vm := testVM("c4e4ca42-0f5e-4a44-9237-7e59e3a01911")

	job, err := dispatcher.Dispatch(context.Background(), vm, api.ActionStop, workflow.Lifecycle(api.ActionStop), nil)
	require.NoError(t, err)

	assert.Equal(t, "stop-7.0.0", job.Name)
	assert.Equal(t, "stop", job.Task)
	assert.Equal(t, api.ExecutionQueued, job.Execution)
	assert.True(t, job.Params.MarkAsFailedOnError)

	// The mirror is immediately visible on the job query surface.
	stored, err := s.GetJob(context.Background(), job.UUID)
	require.NoError(t, err)
	assert.Equal(t, vm.UUID, stored.VMUUID)
}

func TestDispatchRecordsCaller(t *testing.T) {
	t.Parallel()

	s := newStore(t)
	wfapi := newFakeWFAPI()
	wl := waitlist.New(nil)

	dispatcher := workflow.NewDispatcher(s, wfapi, wl, time.Hour, nil)

	rc := &api.RequestContext{Caller: api.Caller{Type: "signature", KeyID: "/admin/keys/deadbeef"}}
	ctx := api.NewContextWithRequestContext(context.Background(), rc)

	vm := testVM("0d43ba62-2f14-4c7e-9232-5a20e4b02a22")

	_, err := dispatcher.Dispatch(ctx, vm, api.ActionReboot, workflow.Lifecycle(api.ActionReboot), nil)
	require.NoError(t, err)

	require.Len(t, wfapi.submissions, 1)
	submitted := wfapi.submissions[0].Params.Context
	require.NotNil(t, submitted)
	assert.Equal(t, "signature", submitted.Caller.Type)
	assert.Equal(t, "/admin/keys/deadbeef", submitted.Caller.KeyID)
}

func TestDispatchEnqueuesDeclaredTickets(t *testing.T) {
	t.Parallel()

	s := newStore(t)
	wfapi := newFakeWFAPI()
	wl := waitlist.New(nil)

	dispatcher := workflow.NewDispatcher(s, wfapi, wl, time.Hour, nil)

	vm := testVM("93b7ef1a-5d1a-44ab-bb31-e56cd26f1033")

	job, err := dispatcher.Dispatch(context.Background(), vm, api.ActionUpdate, workflow.Update(true), nil)
	require.NoError(t, err)

	pending := wl.Pending(waitlist.ScopeVM, vm.UUID)
	require.Len(t, pending, 1)
	assert.Equal(t, job.UUID, pending[0].Holder)

	allocation := wl.Pending(waitlist.ScopeAllocation, vm.ServerUUID)
	require.Len(t, allocation, 1)
	assert.Equal(t, job.UUID, allocation[0].Holder)
}

func TestDispatchSerializesSameVM(t *testing.T) {
	t.Parallel()

	s := newStore(t)
	wfapi := newFakeWFAPI()
	wl := waitlist.New(nil)

	dispatcher := workflow.NewDispatcher(s, wfapi, wl, time.Hour, nil)

	vm := testVM("6b2e13aa-97b2-4a22-93cf-7e2bb0e02c44")

	first, err := dispatcher.Dispatch(context.Background(), vm, api.ActionStop, workflow.Lifecycle(api.ActionStop), nil)
	require.NoError(t, err)

	second, err := dispatcher.Dispatch(context.Background(), vm, api.ActionStart, workflow.Lifecycle(api.ActionStart), nil)
	require.NoError(t, err)

	pending := wl.Pending(waitlist.ScopeVM, vm.UUID)
	require.Len(t, pending, 2)
	assert.Equal(t, waitlist.StateActive, pending[0].State)
	assert.Equal(t, waitlist.StateQueued, pending[1].State)

	// When the first job's tickets drop, the second becomes active.
	wl.ReleaseHolder(first.UUID)

	pending = wl.Pending(waitlist.ScopeVM, vm.UUID)
	require.Len(t, pending, 1)
	assert.Equal(t, second.UUID, pending[0].Holder)
	assert.Equal(t, waitlist.StateActive, pending[0].State)
}

func TestCancelForwardsToExecutor(t *testing.T) {
	t.Parallel()

	s := newStore(t)
	wfapi := newFakeWFAPI()

	dispatcher := workflow.NewDispatcher(s, wfapi, waitlist.New(nil), time.Hour, nil)

	require.NoError(t, dispatcher.Cancel(context.Background(), "job-1"))
	assert.Equal(t, []string{"job-1"}, wfapi.canceled)
}
