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

package reconciler_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartdc/vmapi/pkg/api"
	"github.com/smartdc/vmapi/pkg/clients"
	"github.com/smartdc/vmapi/pkg/reconciler"
	"github.com/smartdc/vmapi/pkg/store"
	"github.com/smartdc/vmapi/pkg/waitlist"
	"github.com/smartdc/vmapi/pkg/workflow"
)

const (
	ownerUUID  = "930896af-bf8c-48d4-885c-6573a94b1853"
	serverUUID = "564d4d2c-6b22-3a4e-3042-8a20a52184ad"
	vmUUID     = "c4e4ca42-0f5e-4a44-9237-7e59e3a01911"
	fabricUUID = "1bd84bc8-eb95-4c8f-95e6-e06e03b43b8f"
)

type fakeWFAPI struct {
	jobs map[string]*clients.JobStatus

	submitted []*clients.JobSubmission
}

func (f *fakeWFAPI) CreateJob(_ context.Context, submission *clients.JobSubmission) (*clients.JobStatus, error) {
	f.submitted = append(f.submitted, submission)

	return &clients.JobStatus{UUID: "reap-job", Execution: api.ExecutionQueued, Params: submission.Params}, nil
}

func (f *fakeWFAPI) GetJob(_ context.Context, uuid string) (*clients.JobStatus, error) {
	status, ok := f.jobs[uuid]
	if !ok {
		return nil, clients.ErrNotFound
	}

	return status, nil
}

func (f *fakeWFAPI) ListJobs(_ context.Context, _ string, _ api.Execution) ([]clients.JobStatus, error) {
	return nil, nil
}

func (f *fakeWFAPI) CancelJob(_ context.Context, _ string) error {
	return nil
}

func (f *fakeWFAPI) Endpoint() string {
	return "http://workflow.example.com"
}

type fakeNAPI struct {
	networks map[string]*clients.Network
	nics     map[string][]api.Nic
	deleted  []string
}

func (f *fakeNAPI) GetNetwork(_ context.Context, uuid string) (*clients.Network, error) {
	network, ok := f.networks[uuid]
	if !ok {
		return nil, clients.ErrNotFound
	}

	return network, nil
}

func (f *fakeNAPI) GetNetworkByName(_ context.Context, _, _ string) (*clients.Network, error) {
	return nil, clients.ErrNotFound
}

func (f *fakeNAPI) GetIP(_ context.Context, _, _ string) (*clients.IP, error) {
	return nil, clients.ErrNotFound
}

func (f *fakeNAPI) ListNics(_ context.Context, belongsToUUID string) ([]api.Nic, error) {
	return f.nics[belongsToUUID], nil
}

func (f *fakeNAPI) DeleteNic(_ context.Context, mac string) error {
	f.deleted = append(f.deleted, mac)

	return nil
}

type fakeCNAPI struct {
	vms map[string]*api.VM
}

func (f *fakeCNAPI) GetServer(_ context.Context, _ string) (*clients.Server, error) {
	return nil, clients.ErrNotFound
}

func (f *fakeCNAPI) GetServerVM(_ context.Context, serverUUID, vmUUID string) (*api.VM, error) {
	vm, ok := f.vms[serverUUID+"/"+vmUUID]
	if !ok {
		return nil, clients.ErrNotFound
	}

	return vm, nil
}

// fixture bundles everything a reconcile pass touches.
type fixture struct {
	store      *store.Store
	wfapi      *fakeWFAPI
	napi       *fakeNAPI
	cnapi      *fakeCNAPI
	waitlist   *waitlist.Waitlist
	reconciler *reconciler.Reconciler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	s, err := store.New(store.NewMemoryBackend(), 16)
	require.NoError(t, err)
	require.NoError(t, s.Setup(context.Background()))

	wfapi := &fakeWFAPI{jobs: map[string]*clients.JobStatus{}}
	napi := &fakeNAPI{networks: map[string]*clients.Network{}, nics: map[string][]api.Nic{}}
	cnapi := &fakeCNAPI{vms: map[string]*api.VM{}}
	wl := waitlist.New(nil)

	dispatcher := workflow.NewDispatcher(s, wfapi, wl, time.Hour, nil)
	nat := workflow.NewNATManager(s, dispatcher, wl, workflow.NATConfig{TicketTTL: time.Hour})

	collaborators := &clients.Collaborators{
		WFAPI: wfapi,
		NAPI:  napi,
		CNAPI: cnapi,
	}

	return &fixture{
		store:      s,
		wfapi:      wfapi,
		napi:       napi,
		cnapi:      cnapi,
		waitlist:   wl,
		reconciler: reconciler.New(s, collaborators, wl, nat, time.Second, nil),
	}
}

func (f *fixture) putVM(t *testing.T, vm *api.VM) {
	t.Helper()

	_, err := f.store.PutVM(context.Background(), vm, 0)
	require.NoError(t, err)
}

// putJob mirrors a running job and primes the executor's terminal view
// of it.
func (f *fixture) putJob(t *testing.T, job *api.Job, terminal *clients.JobStatus) {
	t.Helper()

	require.NoError(t, f.store.PutJob(context.Background(), job))

	if terminal != nil {
		f.wfapi.jobs[job.UUID] = terminal
	}
}

func testVM(state api.State) *api.VM {
	quota := int64(10)

	return &api.VM{
		UUID:            vmUUID,
		OwnerUUID:       ownerUUID,
		Brand:           api.BrandJoyent,
		State:           state,
		ServerUUID:      serverUUID,
		RAM:             256,
		Quota:           &quota,
		CreateTimestamp: store.Now(),
	}
}

func runningJob(uuid, task string, markAsFailed bool) *api.Job {
	return &api.Job{
		UUID:      uuid,
		Name:      task + "-7.0.0",
		Execution: api.ExecutionRunning,
		VMUUID:    vmUUID,
		Task:      task,
		Params: api.JobParams{
			VMUUID:              vmUUID,
			ServerUUID:          serverUUID,
			Task:                task,
			MarkAsFailedOnError: markAsFailed,
		},
		CreatedAt: store.Now(),
	}
}

func terminal(job *api.Job, execution api.Execution, markAsFailed bool) *clients.JobStatus {
	params := job.Params
	params.MarkAsFailedOnError = markAsFailed

	return &clients.JobStatus{UUID: job.UUID, Execution: execution, Params: params}
}

func TestFailedProvisionCleansUpNics(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	vm := testVM(api.StateProvisioning)
	vm.ServerUUID = ""
	vm.Nics = []api.Nic{{MAC: "90:b8:d0:a2:21:01"}, {MAC: "90:b8:d0:a2:21:02"}}
	f.putVM(t, vm)

	f.napi.nics[vmUUID] = vm.Nics

	job := runningJob("provision-job", "provision", true)
	job.Params.ServerUUID = ""
	f.putJob(t, job, terminal(job, api.ExecutionFailed, true))

	require.NoError(t, f.reconciler.Poll(ctx))

	assert.ElementsMatch(t, []string{"90:b8:d0:a2:21:01", "90:b8:d0:a2:21:02"}, f.napi.deleted)

	stored, _, err := f.store.GetVM(ctx, vmUUID)
	require.NoError(t, err)
	assert.Equal(t, api.StateFailed, stored.State)
	assert.Empty(t, stored.Nics)
}

func TestFailedProvisionPastPointOfNoReturn(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	vm := testVM(api.StateProvisioning)
	vm.Nics = []api.Nic{{MAC: "90:b8:d0:a2:21:01"}}
	f.putVM(t, vm)

	job := runningJob("provision-job", "provision", true)

	// The executor flipped the flag off before failing: the zone may
	// exist, so no NIC cleanup.
	f.putJob(t, job, terminal(job, api.ExecutionFailed, false))

	require.NoError(t, f.reconciler.Poll(ctx))

	assert.Empty(t, f.napi.deleted)

	stored, _, err := f.store.GetVM(ctx, vmUUID)
	require.NoError(t, err)
	assert.Equal(t, api.StateFailed, stored.State)
	assert.Len(t, stored.Nics, 1)
}

func TestSucceededJobRefreshesFromComputeNode(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	f.putVM(t, testVM(api.StateRunning))

	live := testVM(api.StateStopped)
	f.cnapi.vms[serverUUID+"/"+vmUUID] = live

	job := runningJob("stop-job", "stop", true)
	f.putJob(t, job, terminal(job, api.ExecutionSucceeded, false))

	require.NoError(t, f.reconciler.Poll(ctx))

	stored, _, err := f.store.GetVM(ctx, vmUUID)
	require.NoError(t, err)
	assert.Equal(t, api.StateStopped, stored.State)

	mirrored, err := f.store.GetJob(ctx, job.UUID)
	require.NoError(t, err)
	assert.Equal(t, api.ExecutionSucceeded, mirrored.Execution)
	assert.NotNil(t, mirrored.UpdatedAt)
}

func TestDestroyedVMLosesQuota(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	f.putVM(t, testVM(api.StateRunning))

	job := runningJob("destroy-job", "destroy", true)
	f.putJob(t, job, terminal(job, api.ExecutionSucceeded, false))

	require.NoError(t, f.reconciler.Poll(ctx))

	stored, _, err := f.store.GetVM(ctx, vmUUID)
	require.NoError(t, err)
	assert.Equal(t, api.StateDestroyed, stored.State)
	assert.Nil(t, stored.Quota)
}

func TestDestroyReapsIdleNATZone(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	f.napi.networks[fabricUUID] = &clients.Network{UUID: fabricUUID, Fabric: true}

	// The NAT zone serving the fabric.
	quota := int64(10)
	zone := &api.VM{
		UUID:            "a6a83a60-1cf8-4a9f-b8b0-7e2b4b9a2f01",
		OwnerUUID:       ownerUUID,
		Alias:           api.NATAlias(fabricUUID),
		Brand:           api.BrandJoyentMinimal,
		State:           api.StateRunning,
		ServerUUID:      serverUUID,
		Quota:           &quota,
		CreateTimestamp: store.Now(),
		Nics:            []api.Nic{{NetworkUUID: fabricUUID}},
	}
	f.putVM(t, zone)

	// The last VM on the fabric is being destroyed.
	vm := testVM(api.StateRunning)
	vm.Nics = []api.Nic{{NetworkUUID: fabricUUID, MAC: "90:b8:d0:a2:21:01"}}
	f.putVM(t, vm)

	job := runningJob("destroy-job", "destroy", true)
	f.putJob(t, job, terminal(job, api.ExecutionSucceeded, false))

	require.NoError(t, f.reconciler.Poll(ctx))

	require.Len(t, f.wfapi.submitted, 1)
	assert.Equal(t, "destroy-7.0.0", f.wfapi.submitted[0].Name)
	assert.Equal(t, zone.UUID, f.wfapi.submitted[0].Params.VMUUID)
}

// putMigration seeds a running migration record in the given phase.
func (f *fixture) putMigration(t *testing.T, phase string) {
	t.Helper()

	require.NoError(t, f.store.PutMigration(context.Background(), &api.Migration{
		VMUUID:           vmUUID,
		State:            "running",
		Phase:            phase,
		SourceServerUUID: serverUUID,
		CreatedAt:        store.Now(),
	}))
}

func TestSucceededMigrationSwitchCompletesRecord(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	f.putVM(t, testVM(api.StateRunning))
	f.putMigration(t, "switch")

	job := runningJob("switch-job", "migrate", true)
	job.Name = "migrate-switch-7.0.0"
	f.putJob(t, job, terminal(job, api.ExecutionSucceeded, false))

	require.NoError(t, f.reconciler.Poll(ctx))

	migration, err := f.store.GetMigration(ctx, vmUUID)
	require.NoError(t, err)
	assert.Equal(t, "successful", migration.State)
	assert.NotNil(t, migration.FinishedAt)
}

func TestSucceededMigrationSyncPausesRecord(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	f.putVM(t, testVM(api.StateRunning))
	f.putMigration(t, "sync")

	job := runningJob("sync-job", "migrate", true)
	job.Name = "migrate-sync-7.0.0"
	f.putJob(t, job, terminal(job, api.ExecutionSucceeded, false))

	require.NoError(t, f.reconciler.Poll(ctx))

	migration, err := f.store.GetMigration(ctx, vmUUID)
	require.NoError(t, err)
	assert.Equal(t, "paused", migration.State)
	assert.Nil(t, migration.FinishedAt)
}

func TestFailedMigrationRecordsError(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	f.putVM(t, testVM(api.StateRunning))
	f.putMigration(t, "sync")

	job := runningJob("sync-job", "migrate", true)
	job.Name = "migrate-sync-7.0.0"

	status := terminal(job, api.ExecutionFailed, false)
	status.ChainResults = []api.TaskResult{
		{Name: "migrate.start_source_process", Result: "OK"},
		{Name: "migrate.run_sync", Error: "sync timed out"},
	}

	f.putJob(t, job, status)

	require.NoError(t, f.reconciler.Poll(ctx))

	migration, err := f.store.GetMigration(ctx, vmUUID)
	require.NoError(t, err)
	assert.Equal(t, "failed", migration.State)
	assert.Equal(t, "sync timed out", migration.Error)
	assert.NotNil(t, migration.FinishedAt)
}

func TestCanceledJobRefreshesFromComputeNode(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	f.putVM(t, testVM(api.StateStopped))

	live := testVM(api.StateRunning)
	f.cnapi.vms[serverUUID+"/"+vmUUID] = live

	job := runningJob("stop-job", "stop", true)
	f.putJob(t, job, terminal(job, api.ExecutionCanceled, false))

	require.NoError(t, f.reconciler.Poll(ctx))

	// The cancellation left the VM running; the record reflects that.
	stored, _, err := f.store.GetVM(ctx, vmUUID)
	require.NoError(t, err)
	assert.Equal(t, api.StateRunning, stored.State)
}

func TestLostJobTreatedAsCanceled(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	f.putVM(t, testVM(api.StateRunning))

	// The executor has no record of the job at all.
	f.putJob(t, runningJob("lost-job", "stop", true), nil)

	require.NoError(t, f.reconciler.Poll(ctx))

	mirrored, err := f.store.GetJob(ctx, "lost-job")
	require.NoError(t, err)
	assert.Equal(t, api.ExecutionCanceled, mirrored.Execution)
}

func TestTerminalJobReleasesTickets(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	f.putVM(t, testVM(api.StateRunning))

	job := runningJob("stop-job", "stop", true)
	f.putJob(t, job, terminal(job, api.ExecutionFailed, false))

	f.waitlist.Enqueue(waitlist.ScopeVM, vmUUID, job.UUID, time.Hour)
	f.waitlist.Enqueue(waitlist.ScopeAllocation, serverUUID, job.UUID, time.Hour)

	require.NoError(t, f.reconciler.Poll(ctx))

	assert.Empty(t, f.waitlist.Pending(waitlist.ScopeVM, vmUUID))
	assert.Empty(t, f.waitlist.Pending(waitlist.ScopeAllocation, serverUUID))
}

func TestUnchangedJobsAreLeftAlone(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	f.putVM(t, testVM(api.StateRunning))

	job := runningJob("stop-job", "stop", true)
	f.putJob(t, job, &clients.JobStatus{UUID: job.UUID, Execution: api.ExecutionRunning, Params: job.Params})

	require.NoError(t, f.reconciler.Poll(ctx))

	mirrored, err := f.store.GetJob(ctx, job.UUID)
	require.NoError(t, err)
	assert.Equal(t, api.ExecutionRunning, mirrored.Execution)
	assert.Nil(t, mirrored.UpdatedAt)
}
