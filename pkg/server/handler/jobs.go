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

package handler

import (
	"errors"
	"net/http"
	"strings"

	chi "github.com/go-chi/chi/v5"

	"github.com/smartdc/vmapi/pkg/api"
	"github.com/smartdc/vmapi/pkg/constants"
	apierrors "github.com/smartdc/vmapi/pkg/server/errors"
	"github.com/smartdc/vmapi/pkg/server/util"
	"github.com/smartdc/vmapi/pkg/store"
)

// jobFilterFromQuery builds the job list filter from query parameters.
func jobFilterFromQuery(r *http.Request) *store.JobFilter {
	query := r.URL.Query()

	return &store.JobFilter{
		VMUUID:    query.Get("vm_uuid"),
		Task:      query.Get("task"),
		Execution: api.Execution(query.Get("execution")),
	}
}

// ListJobs serves GET /jobs, in reverse creation order.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	if err := h.requireReady(r); err != nil {
		apierrors.HandleError(w, r, err)

		return
	}

	jobs, err := h.store.ListJobs(r.Context(), jobFilterFromQuery(r))
	if err != nil {
		apierrors.HandleError(w, r, err)

		return
	}

	if jobs == nil {
		jobs = []*api.Job{}
	}

	util.WriteJSONResponse(w, r, http.StatusOK, jobs)
}

// ListVMJobs serves GET /vms/:uuid/jobs.
func (h *Handler) ListVMJobs(w http.ResponseWriter, r *http.Request) {
	if err := h.requireReady(r); err != nil {
		apierrors.HandleError(w, r, err)

		return
	}

	filter := jobFilterFromQuery(r)
	filter.VMUUID = chi.URLParam(r, "uuid")

	jobs, err := h.store.ListJobs(r.Context(), filter)
	if err != nil {
		apierrors.HandleError(w, r, err)

		return
	}

	if jobs == nil {
		jobs = []*api.Job{}
	}

	util.WriteJSONResponse(w, r, http.StatusOK, jobs)
}

// GetJob serves GET /jobs/:uuid.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	if err := h.requireReady(r); err != nil {
		apierrors.HandleError(w, r, err)

		return
	}

	id := chi.URLParam(r, "uuid")

	job, err := h.store.GetJob(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			apierrors.HandleError(w, r, apierrors.ResourceNotFound("job "+id+" not found"))

			return
		}

		apierrors.HandleError(w, r, err)

		return
	}

	util.WriteJSONResponse(w, r, http.StatusOK, job)
}

// CancelJob serves POST /jobs/:uuid/cancel.  The executor runs the
// pipeline's oncancel branch; the reconciler picks up the terminal
// state.
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	if err := h.requireReady(r); err != nil {
		apierrors.HandleError(w, r, err)

		return
	}

	id := chi.URLParam(r, "uuid")

	job, err := h.store.GetJob(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			apierrors.HandleError(w, r, apierrors.ResourceNotFound("job "+id+" not found"))

			return
		}

		apierrors.HandleError(w, r, err)

		return
	}

	if err := h.dispatcher.Cancel(r.Context(), job.UUID); err != nil {
		apierrors.HandleError(w, r, err)

		return
	}

	util.WriteJSONResponse(w, r, http.StatusAccepted, map[string]interface{}{
		"job_uuid": job.UUID,
	})
}

// Ping serves GET /ping, the liveness endpoint.  A 503 with
// MorayBucketsNotSetup means the store is still initializing.
func (h *Handler) Ping(w http.ResponseWriter, r *http.Request) {
	if !h.store.Ready(r.Context()) {
		apierrors.HandleError(w, r, apierrors.MorayBucketsNotSetup())

		return
	}

	util.WriteJSONResponse(w, r, http.StatusOK, map[string]interface{}{
		"ping":    "pong",
		"status":  "OK",
		"healthy": true,
		"version": constants.Version,
	})
}

// Statuses serves GET /statuses?uuids=a,b: a bulk state lookup keyed by
// VM UUID.  Unknown UUIDs are absent from the result.
func (h *Handler) Statuses(w http.ResponseWriter, r *http.Request) {
	if err := h.requireReady(r); err != nil {
		apierrors.HandleError(w, r, err)

		return
	}

	result := map[string]api.State{}

	uuids := r.URL.Query().Get("uuids")
	if uuids != "" {
		for _, id := range strings.Split(uuids, ",") {
			vm, _, err := h.store.GetVM(r.Context(), id)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					continue
				}

				apierrors.HandleError(w, r, err)

				return
			}

			result[id] = vm.State
		}
	}

	util.WriteJSONResponse(w, r, http.StatusOK, result)
}

// GetMigration serves GET /vms/:uuid/migration.
func (h *Handler) GetMigration(w http.ResponseWriter, r *http.Request) {
	if err := h.requireReady(r); err != nil {
		apierrors.HandleError(w, r, err)

		return
	}

	id := chi.URLParam(r, "uuid")

	migration, err := h.store.GetMigration(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			apierrors.HandleError(w, r, apierrors.ResourceNotFound("no migration for VM "+id))

			return
		}

		apierrors.HandleError(w, r, err)

		return
	}

	util.WriteJSONResponse(w, r, http.StatusOK, migration)
}

// GetMigrationProgress serves GET /vms/:uuid/migration/progress.
func (h *Handler) GetMigrationProgress(w http.ResponseWriter, r *http.Request) {
	if err := h.requireReady(r); err != nil {
		apierrors.HandleError(w, r, err)

		return
	}

	id := chi.URLParam(r, "uuid")

	migration, err := h.store.GetMigration(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			apierrors.HandleError(w, r, apierrors.ResourceNotFound("no migration for VM "+id))

			return
		}

		apierrors.HandleError(w, r, err)

		return
	}

	progress := migration.Progress
	if progress == nil {
		progress = []api.MigrationProgress{}
	}

	util.WriteJSONResponse(w, r, http.StatusOK, progress)
}
