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
	"fmt"
	"net/http"

	chi "github.com/go-chi/chi/v5"

	"github.com/smartdc/vmapi/pkg/api"
	apierrors "github.com/smartdc/vmapi/pkg/server/errors"
	"github.com/smartdc/vmapi/pkg/server/util"
	"github.com/smartdc/vmapi/pkg/validator"
	"github.com/smartdc/vmapi/pkg/workflow"
)

// ListTags serves GET /vms/:uuid/tags.
func (h *Handler) ListTags(w http.ResponseWriter, r *http.Request) {
	vm, err := h.vmFromPath(r)
	if err != nil {
		apierrors.HandleError(w, r, err)

		return
	}

	tags := vm.Tags
	if tags == nil {
		tags = api.Tags{}
	}

	util.WriteJSONResponse(w, r, http.StatusOK, tags)
}

// GetTag serves GET /vms/:uuid/tags/:key.
func (h *Handler) GetTag(w http.ResponseWriter, r *http.Request) {
	vm, err := h.vmFromPath(r)
	if err != nil {
		apierrors.HandleError(w, r, err)

		return
	}

	key := chi.URLParam(r, "key")

	value, ok := vm.Tags[key]
	if !ok {
		apierrors.HandleError(w, r, apierrors.ResourceNotFound(fmt.Sprintf("tag %q not found", key)))

		return
	}

	util.WriteJSONResponse(w, r, http.StatusOK, value)
}

// applyTags persists a new tag set and dispatches the update pipeline
// that pushes it down to the compute node.
func (h *Handler) applyTags(w http.ResponseWriter, r *http.Request, vm *api.VM, tags api.Tags) {
	ctx := r.Context()

	updated, err := h.store.UpdateVM(ctx, vm.UUID, func(stored *api.VM) error {
		stored.Tags = tags

		return nil
	})
	if err != nil {
		apierrors.HandleError(w, r, err)

		return
	}

	job, err := h.dispatcher.Dispatch(ctx, updated, api.ActionUpdate, workflow.Update(false), map[string]interface{}{
		"tags": tags,
	})
	if err != nil {
		apierrors.HandleError(w, r, err)

		return
	}

	h.mutationAccepted(w, r, vm.UUID, job)
}

// AddTags serves POST /vms/:uuid/tags, merging into the existing set.
func (h *Handler) AddTags(w http.ResponseWriter, r *http.Request) {
	vm, err := h.vmFromPath(r)
	if err != nil {
		apierrors.HandleError(w, r, err)

		return
	}

	tags := api.Tags{}

	if err := util.ReadJSONBody(r, &tags); err != nil {
		apierrors.HandleError(w, r, err)

		return
	}

	if err := validator.CheckTagWrite(tags, validator.TagWriteOptions{}); err != nil {
		apierrors.HandleError(w, r, err)

		return
	}

	merged := api.Tags{}

	for key, value := range vm.Tags {
		merged[key] = value
	}

	for key, value := range tags {
		merged[key] = value
	}

	h.applyTags(w, r, vm, merged)
}

// SetTags serves PUT /vms/:uuid/tags: a total replacement of the tag
// set, reserved keys excepted.
func (h *Handler) SetTags(w http.ResponseWriter, r *http.Request) {
	vm, err := h.vmFromPath(r)
	if err != nil {
		apierrors.HandleError(w, r, err)

		return
	}

	tags := api.Tags{}

	if err := util.ReadJSONBody(r, &tags); err != nil {
		apierrors.HandleError(w, r, err)

		return
	}

	if err := validator.CheckTagReplace(vm, tags); err != nil {
		apierrors.HandleError(w, r, err)

		return
	}

	h.applyTags(w, r, vm, tags)
}

// DeleteTag serves DELETE /vms/:uuid/tags/:key.
func (h *Handler) DeleteTag(w http.ResponseWriter, r *http.Request) {
	vm, err := h.vmFromPath(r)
	if err != nil {
		apierrors.HandleError(w, r, err)

		return
	}

	key := chi.URLParam(r, "key")

	if _, ok := vm.Tags[key]; !ok {
		apierrors.HandleError(w, r, apierrors.ResourceNotFound(fmt.Sprintf("tag %q not found", key)))

		return
	}

	if err := validator.CheckTagDelete(vm, key); err != nil {
		apierrors.HandleError(w, r, err)

		return
	}

	remaining := api.Tags{}

	for name, value := range vm.Tags {
		if name != key {
			remaining[name] = value
		}
	}

	h.applyTags(w, r, vm, remaining)
}

// DeleteTags serves DELETE /vms/:uuid/tags, removing the whole set.
func (h *Handler) DeleteTags(w http.ResponseWriter, r *http.Request) {
	vm, err := h.vmFromPath(r)
	if err != nil {
		apierrors.HandleError(w, r, err)

		return
	}

	if err := validator.CheckTagDeleteAll(vm); err != nil {
		apierrors.HandleError(w, r, err)

		return
	}

	h.applyTags(w, r, vm, api.Tags{})
}
