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

// Package handler implements the REST surface: VM queries, mutation
// dispatch, tags, jobs and health.  Handlers validate synchronously and
// return 202 as soon as a workflow is registered; everything after that
// is the reconciler's business.
package handler

import (
	"errors"
	"net/http"

	chi "github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/smartdc/vmapi/pkg/api"
	"github.com/smartdc/vmapi/pkg/clients"
	"github.com/smartdc/vmapi/pkg/constants"
	apierrors "github.com/smartdc/vmapi/pkg/server/errors"
	"github.com/smartdc/vmapi/pkg/server/util"
	"github.com/smartdc/vmapi/pkg/store"
	"github.com/smartdc/vmapi/pkg/validator"
	"github.com/smartdc/vmapi/pkg/waitlist"
	"github.com/smartdc/vmapi/pkg/workflow"
)

// Handler serves the API.
type Handler struct {
	store         *store.Store
	validator     *validator.Validator
	dispatcher    *workflow.Dispatcher
	nat           *workflow.NATManager
	waitlist      *waitlist.Waitlist
	collaborators *clients.Collaborators
}

// New creates a handler over the component bundle.
func New(s *store.Store, v *validator.Validator, d *workflow.Dispatcher, nat *workflow.NATManager, wl *waitlist.Waitlist, collaborators *clients.Collaborators) *Handler {
	return &Handler{
		store:         s,
		validator:     v,
		dispatcher:    d,
		nat:           nat,
		waitlist:      wl,
		collaborators: collaborators,
	}
}

// NotFound handles any unmatched route.
func NotFound(w http.ResponseWriter, r *http.Request) {
	apierrors.ResourceNotFound("resource not found").Write(w, r)
}

// MethodNotAllowed handles a matched route with the wrong verb.
func MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	apierrors.ResourceNotFound("method not allowed").Write(w, r)
}

// requireReady gates every data path handler until the store buckets
// exist.
func (h *Handler) requireReady(r *http.Request) error {
	if !h.store.Ready(r.Context()) {
		return apierrors.MorayBucketsNotSetup()
	}

	return nil
}

// vmFromPath resolves the :uuid path parameter onto a stored VM.
func (h *Handler) vmFromPath(r *http.Request) (*api.VM, error) {
	id := chi.URLParam(r, "uuid")

	if _, err := uuid.Parse(id); err != nil {
		return nil, apierrors.ValidationFailed("Invalid parameters",
			apierrors.InvalidField("uuid", "uuid is not a UUID"))
	}

	vm, _, err := h.store.GetVM(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apierrors.VMNotFound(id)
		}

		return nil, err
	}

	return vm, nil
}

// mutationAccepted writes the 202 all asynchronous mutations return,
// advertising the executor on the workflow-api header.
func (h *Handler) mutationAccepted(w http.ResponseWriter, r *http.Request, vmUUID string, job *api.Job) {
	w.Header().Set(constants.WorkflowAPIHeader, h.dispatcher.Endpoint())

	util.WriteJSONResponse(w, r, http.StatusAccepted, map[string]interface{}{
		"vm_uuid":  vmUUID,
		"job_uuid": job.UUID,
	})
}

// fabricNetworks extracts the fabric network UUIDs from resolved
// references.
func fabricNetworks(resolved []validator.ResolvedNetwork) []string {
	var fabrics []string

	for _, network := range resolved {
		if network.Network.Fabric {
			fabrics = append(fabrics, network.Network.UUID)
		}
	}

	return fabrics
}
