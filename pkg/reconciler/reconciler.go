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

// Package reconciler observes terminal workflow outcomes and folds them
// back into persisted state: the final VM object on success, NIC
// cleanup and the failed marker on failure, a compute node refresh on
// cancellation.  It also keeps fabric NAT zones in lockstep with their
// last dependent VM.
package reconciler

import (
	"context"
	"errors"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/smartdc/vmapi/pkg/api"
	"github.com/smartdc/vmapi/pkg/clients"
	"github.com/smartdc/vmapi/pkg/store"
	"github.com/smartdc/vmapi/pkg/waitlist"
	"github.com/smartdc/vmapi/pkg/workflow"
)

// Reconciler polls the workflow executor for terminal jobs and applies
// their outcomes.
type Reconciler struct {
	store         *store.Store
	collaborators *clients.Collaborators
	waitlist      *waitlist.Waitlist
	nat           *workflow.NATManager

	interval time.Duration

	outcomes *prometheus.CounterVec
}

// New creates a reconciler, registering its metrics.
func New(s *store.Store, collaborators *clients.Collaborators, wl *waitlist.Waitlist, nat *workflow.NATManager, interval time.Duration, registerer prometheus.Registerer) *Reconciler {
	outcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vmapi_reconciled_jobs_total",
		Help: "Terminal jobs reconciled, by task and execution.",
	}, []string{"task", "execution"})

	if registerer != nil {
		registerer.MustRegister(outcomes)
	}

	return &Reconciler{
		store:         s,
		collaborators: collaborators,
		waitlist:      wl,
		nat:           nat,
		interval:      interval,
		outcomes:      outcomes,
	}
}

// Run polls until the context ends.
func (r *Reconciler) Run(ctx context.Context) {
	log := logr.FromContextOrDiscard(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.waitlist.ExpireStale(now)

			if err := r.Poll(ctx); err != nil {
				log.Error(err, "reconcile pass failed")
			}
		}
	}
}

// pollConcurrency bounds how many jobs a pass reconciles in parallel.
const pollConcurrency = 4

// Poll runs a single reconcile pass over every non-terminal mirrored
// job.  Jobs reconcile independently so the pass fans out, bounded so a
// large backlog doesn't stampede the executor.
func (r *Reconciler) Poll(ctx context.Context) error {
	jobs, err := r.store.ListJobs(ctx, &store.JobFilter{})
	if err != nil {
		return err
	}

	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(pollConcurrency)

	for _, job := range jobs {
		if job.Execution.Terminal() {
			continue
		}

		job := job

		group.Go(func() error {
			return r.reconcileJob(ctx, job)
		})
	}

	return group.Wait()
}

// reconcileJob refreshes one job from the executor and applies its
// outcome if it went terminal.
func (r *Reconciler) reconcileJob(ctx context.Context, job *api.Job) error {
	status, err := r.collaborators.WFAPI.GetJob(ctx, job.UUID)
	if err != nil {
		if errors.Is(err, clients.ErrNotFound) {
			// The executor lost the job; treat as canceled so tickets
			// are not held forever.
			status = &clients.JobStatus{UUID: job.UUID, Execution: api.ExecutionCanceled, Params: job.Params}
		} else {
			return err
		}
	}

	if status.Execution == job.Execution {
		return nil
	}

	now := store.Now()
	job.Execution = status.Execution
	job.UpdatedAt = &now
	job.ChainResults = status.ChainResults

	// The executor flips markAsFailedOnError once the point of no
	// return is reached; pick up its view of the flag.
	job.Params.MarkAsFailedOnError = status.Params.MarkAsFailedOnError

	if err := r.store.PutJob(ctx, job); err != nil {
		return err
	}

	if !status.Execution.Terminal() {
		return nil
	}

	defer r.waitlist.ReleaseHolder(job.UUID)

	r.outcomes.WithLabelValues(job.Task, string(job.Execution)).Inc()

	if job.Task == "migrate" {
		if err := r.reconcileMigration(ctx, job); err != nil {
			return err
		}
	}

	switch status.Execution {
	case api.ExecutionSucceeded:
		return r.reconcileSuccess(ctx, job)
	case api.ExecutionFailed:
		return r.reconcileFailure(ctx, job)
	case api.ExecutionCanceled:
		return r.refreshFromServer(ctx, job.VMUUID)
	case api.ExecutionQueued, api.ExecutionRunning:
	}

	return nil
}

// reconcileSuccess persists the workflow's final VM object.
func (r *Reconciler) reconcileSuccess(ctx context.Context, job *api.Job) error {
	log := logr.FromContextOrDiscard(ctx)

	if job.Task == "destroy" {
		return r.reconcileDestroy(ctx, job)
	}

	vm, _, err := r.store.GetVM(ctx, job.VMUUID)
	if err != nil {
		return err
	}

	serverUUID := vm.ServerUUID
	if serverUUID == "" {
		serverUUID = job.Params.ServerUUID
	}

	if serverUUID == "" {
		return nil
	}

	live, err := r.collaborators.CNAPI.GetServerVM(ctx, serverUUID, job.VMUUID)
	if err != nil {
		if errors.Is(err, clients.ErrNotFound) {
			return nil
		}

		return err
	}

	if _, err := r.store.UpdateVM(ctx, job.VMUUID, func(stored *api.VM) error {
		stored.State = live.State
		stored.ServerUUID = serverUUID
		stored.Nics = live.Nics
		stored.RAM = live.RAM
		stored.MaxPhysicalMemory = live.MaxPhysicalMemory
		stored.Quota = live.Quota
		stored.Snapshots = live.Snapshots

		if live.BillingID != "" {
			stored.BillingID = live.BillingID
		}

		if live.Tags != nil {
			stored.Tags = live.Tags
		}

		return nil
	}); err != nil {
		return err
	}

	log.Info("reconciled job", "job", job.UUID, "vm", job.VMUUID, "task", job.Task)

	return nil
}

// reconcileDestroy marks the VM destroyed.  Quota becomes null: the
// value is no longer knowable once the dataset is gone.  The fabric NAT
// zones the VM depended on are reaped if it was their last user.
func (r *Reconciler) reconcileDestroy(ctx context.Context, job *api.Job) error {
	vm, err := r.store.UpdateVM(ctx, job.VMUUID, func(stored *api.VM) error {
		stored.State = api.StateDestroyed
		stored.Quota = nil

		return nil
	})
	if err != nil {
		return err
	}

	return r.reapFabrics(ctx, vm)
}

// reconcileMigration folds a terminal migration workflow into the
// migration record, so the read surface never reports a finished phase
// as still running.
func (r *Reconciler) reconcileMigration(ctx context.Context, job *api.Job) error {
	migration, err := r.store.GetMigration(ctx, job.VMUUID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}

		return err
	}

	now := store.Now()

	switch job.Execution {
	case api.ExecutionSucceeded:
		switch migration.Phase {
		case string(api.MigrationSwitch):
			migration.State = "successful"
			migration.FinishedAt = &now
		case string(api.MigrationAbort):
			migration.State = "aborted"
			migration.FinishedAt = &now
		default:
			// begin, sync and pause land in a resumable pause.
			migration.State = "paused"
		}
	case api.ExecutionFailed, api.ExecutionCanceled:
		migration.State = "failed"
		migration.Error = chainError(job)
		migration.FinishedAt = &now
	case api.ExecutionQueued, api.ExecutionRunning:
	}

	return r.store.PutMigration(ctx, migration)
}

// chainError is the last task error the executor reported.
func chainError(job *api.Job) string {
	for i := len(job.ChainResults) - 1; i >= 0; i-- {
		if job.ChainResults[i].Error != "" {
			return job.ChainResults[i].Error
		}
	}

	return "workflow " + string(job.Execution)
}

// reconcileFailure handles a failed workflow.  While the job still had
// markAsFailedOnError set, no physical zone exists and any NICs
// pre-created in NAPI are removed; past the point of no return the NICs
// are left for a later compute node sync to reconcile.
func (r *Reconciler) reconcileFailure(ctx context.Context, job *api.Job) error {
	log := logr.FromContextOrDiscard(ctx)

	if job.Params.MarkAsFailedOnError {
		if err := r.cleanupNics(ctx, job.VMUUID); err != nil {
			return err
		}
	}

	if job.Task != "provision" {
		return r.refreshFromServer(ctx, job.VMUUID)
	}

	if _, err := r.store.UpdateVM(ctx, job.VMUUID, func(stored *api.VM) error {
		stored.State = api.StateFailed

		if job.Params.MarkAsFailedOnError {
			stored.Nics = nil
		}

		return nil
	}); err != nil {
		return err
	}

	log.Info("marked VM failed", "job", job.UUID, "vm", job.VMUUID)

	return nil
}

// cleanupNics deletes every NAPI NIC record belonging to the VM.
func (r *Reconciler) cleanupNics(ctx context.Context, vmUUID string) error {
	nics, err := r.collaborators.NAPI.ListNics(ctx, vmUUID)
	if err != nil {
		return err
	}

	for _, nic := range nics {
		if err := r.collaborators.NAPI.DeleteNic(ctx, nic.MAC); err != nil && !errors.Is(err, clients.ErrNotFound) {
			return err
		}
	}

	return nil
}

// refreshFromServer re-reads the live VM off its compute node and
// persists it, dropping the cache first so readers never see the stale
// record.
func (r *Reconciler) refreshFromServer(ctx context.Context, vmUUID string) error {
	r.store.Invalidate(vmUUID)

	vm, _, err := r.store.GetVM(ctx, vmUUID)
	if err != nil {
		return err
	}

	if !vm.Allocated() {
		return nil
	}

	live, err := r.collaborators.CNAPI.GetServerVM(ctx, vm.ServerUUID, vmUUID)
	if err != nil {
		if errors.Is(err, clients.ErrNotFound) {
			return nil
		}

		return err
	}

	_, err = r.store.UpdateVM(ctx, vmUUID, func(stored *api.VM) error {
		stored.State = live.State
		stored.Nics = live.Nics

		return nil
	})

	return err
}

// reapFabrics reaps the NAT zone of every fabric network the VM was
// attached to.
func (r *Reconciler) reapFabrics(ctx context.Context, vm *api.VM) error {
	seen := map[string]bool{}

	for _, nic := range vm.Nics {
		if nic.NetworkUUID == "" || seen[nic.NetworkUUID] {
			continue
		}

		seen[nic.NetworkUUID] = true

		network, err := r.collaborators.NAPI.GetNetwork(ctx, nic.NetworkUUID)
		if err != nil {
			if errors.Is(err, clients.ErrNotFound) {
				continue
			}

			return err
		}

		if !network.Fabric {
			continue
		}

		if err := r.nat.Reap(ctx, network.UUID); err != nil {
			return err
		}
	}

	return nil
}
