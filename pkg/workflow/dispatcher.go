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

package workflow

import (
	"context"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/smartdc/vmapi/pkg/api"
	"github.com/smartdc/vmapi/pkg/clients"
	"github.com/smartdc/vmapi/pkg/store"
	"github.com/smartdc/vmapi/pkg/waitlist"
)

// Dispatcher binds a composed pipeline to a job: it registers the
// pipeline with the executor, enqueues the serialization tickets the
// pipeline declares, and mirrors the job into the store for the query
// surface.
type Dispatcher struct {
	store    *store.Store
	wfapi    clients.WFAPI
	waitlist *waitlist.Waitlist

	// ticketTTL bounds how long a ticket may stay active, so a wedged
	// executor cannot serialize a VM forever.
	ticketTTL time.Duration

	dispatched *prometheus.CounterVec
}

// NewDispatcher creates a dispatcher, registering its metrics.
func NewDispatcher(s *store.Store, wfapi clients.WFAPI, wl *waitlist.Waitlist, ticketTTL time.Duration, registerer prometheus.Registerer) *Dispatcher {
	dispatched := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vmapi_jobs_dispatched_total",
		Help: "Jobs handed to the workflow executor, by task.",
	}, []string{"task"})

	if registerer != nil {
		registerer.MustRegister(dispatched)
	}

	return &Dispatcher{
		store:      s,
		wfapi:      wfapi,
		waitlist:   wl,
		ticketTTL:  ticketTTL,
		dispatched: dispatched,
	}
}

// usesTask tells whether a pipeline chain declares a task by name.
func usesTask(pipeline *Pipeline, name string) bool {
	for _, t := range pipeline.Chain {
		if t.Name == name {
			return true
		}
	}

	return false
}

// Dispatch submits a pipeline for a VM mutation and returns the
// mirrored job.  The caller context is recorded verbatim into the job
// parameters so audits can recover who asked.
func (d *Dispatcher) Dispatch(ctx context.Context, vm *api.VM, action api.Action, pipeline *Pipeline, payload map[string]interface{}) (*api.Job, error) {
	log := logr.FromContextOrDiscard(ctx)

	params := api.JobParams{
		VMUUID:              vm.UUID,
		ServerUUID:          vm.ServerUUID,
		OwnerUUID:           vm.OwnerUUID,
		Task:                taskName(action),
		Context:             api.RequestContextFromContext(ctx),
		Payload:             payload,
		MarkAsFailedOnError: true,
	}

	submission := &clients.JobSubmission{
		Name:     pipeline.JobName(),
		Workflow: pipeline,
		Params:   params,
	}

	status, err := d.wfapi.CreateJob(ctx, submission)
	if err != nil {
		return nil, err
	}

	// The tickets a pipeline acquires are modelled here with the job as
	// holder; the reconciler releases them all on any terminal state, so
	// error and cancel branches never leave a VM serialized.
	if usesTask(pipeline, "waitlist.acquire_vm_ticket") {
		d.waitlist.Enqueue(waitlist.ScopeVM, vm.UUID, status.UUID, d.ticketTTL)
	}

	if usesTask(pipeline, "waitlist.acquire_allocation_ticket") && vm.ServerUUID != "" {
		d.waitlist.Enqueue(waitlist.ScopeAllocation, vm.ServerUUID, status.UUID, d.ticketTTL)
	}

	job := &api.Job{
		UUID:      status.UUID,
		Name:      submission.Name,
		Execution: api.ExecutionQueued,
		VMUUID:    vm.UUID,
		Task:      params.Task,
		Params:    params,
		CreatedAt: store.Now(),
	}

	if err := d.store.PutJob(ctx, job); err != nil {
		return nil, err
	}

	d.dispatched.WithLabelValues(params.Task).Inc()

	log.Info("dispatched job", "job", job.UUID, "vm", vm.UUID, "task", params.Task)

	return job, nil
}

// Cancel requests cancellation of a job; the pipeline's oncancel branch
// runs on the executor and the reconciler observes the outcome.
func (d *Dispatcher) Cancel(ctx context.Context, jobUUID string) error {
	return d.wfapi.CancelJob(ctx, jobUUID)
}

// Endpoint is the executor URL advertised on mutation responses.
func (d *Dispatcher) Endpoint() string {
	return d.wfapi.Endpoint()
}
