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
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/smartdc/vmapi/pkg/api"
	"github.com/smartdc/vmapi/pkg/clients"
	"github.com/smartdc/vmapi/pkg/constants"
	apierrors "github.com/smartdc/vmapi/pkg/server/errors"
	"github.com/smartdc/vmapi/pkg/server/util"
	"github.com/smartdc/vmapi/pkg/store"
	"github.com/smartdc/vmapi/pkg/validator"
	"github.com/smartdc/vmapi/pkg/workflow"
)

// ListVMs serves GET /vms: the structured, LDAP and predicate filter
// surfaces intersected, with projection and pagination.  The total
// match count, ignoring pagination, rides the x-joyent-resource-count
// header.
func (h *Handler) ListVMs(w http.ResponseWriter, r *http.Request) {
	if err := h.requireReady(r); err != nil {
		apierrors.HandleError(w, r, err)

		return
	}

	query, err := store.ParseQuery(r.URL.Query())
	if err != nil {
		apierrors.HandleError(w, r, apierrors.ValidationFailed(err.Error()))

		return
	}

	vms, total, err := h.store.ListVMs(r.Context(), query)
	if err != nil {
		if errors.Is(err, store.ErrPredicate) {
			apierrors.HandleError(w, r, apierrors.ValidationFailed(err.Error()))

			return
		}

		apierrors.HandleError(w, r, err)

		return
	}

	w.Header().Set(constants.ResourceCountHeader, strconv.Itoa(total))

	if r.Method == http.MethodHead {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)

		return
	}

	if len(query.Fields) > 0 {
		rows, err := store.Project(vms, query.Fields)
		if err != nil {
			apierrors.HandleError(w, r, err)

			return
		}

		util.WriteJSONResponse(w, r, http.StatusOK, rows)

		return
	}

	// An empty result is [], never null.
	if vms == nil {
		vms = []*api.VM{}
	}

	util.WriteJSONResponse(w, r, http.StatusOK, vms)
}

// GetVM serves GET /vms/:uuid.  Destroyed VMs remain retrievable here
// even though active searches exclude them.
func (h *Handler) GetVM(w http.ResponseWriter, r *http.Request) {
	if err := h.requireReady(r); err != nil {
		apierrors.HandleError(w, r, err)

		return
	}

	vm, err := h.vmFromPath(r)
	if err != nil {
		apierrors.HandleError(w, r, err)

		return
	}

	util.WriteJSONResponse(w, r, http.StatusOK, vm)
}

// CreateVM serves POST /vms: validate, ensure fabric NAT zones, record
// the VM as provisioning and dispatch the provision pipeline.
func (h *Handler) CreateVM(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := h.requireReady(r); err != nil {
		apierrors.HandleError(w, r, err)

		return
	}

	payload := map[string]interface{}{}

	if err := util.ReadJSONBody(r, &payload); err != nil {
		apierrors.HandleError(w, r, err)

		return
	}

	params, resolved, err := h.validator.Provision(ctx, payload)
	if err != nil {
		apierrors.HandleError(w, r, err)

		return
	}

	image, err := h.collaborators.IMGAPI.GetImage(ctx, params.ImageUUID)
	if err != nil {
		if errors.Is(err, clients.ErrNotFound) {
			apierrors.HandleError(w, r, apierrors.ValidationFailed("Invalid parameters",
				apierrors.InvalidField("image_uuid", fmt.Sprintf("No such image %q", params.ImageUUID))))

			return
		}

		apierrors.HandleError(w, r, err)

		return
	}

	fabrics := fabricNetworks(resolved)

	if err := h.nat.Ensure(ctx, fabrics); err != nil {
		apierrors.HandleError(w, r, err)

		return
	}

	vm := newVM(params, resolved)

	if _, err := h.store.PutVM(ctx, vm, 0); err != nil {
		apierrors.HandleError(w, r, err)

		return
	}

	pipeline := workflow.Provision(&workflow.ProvisionOptions{
		GeneratePasswords: image.GeneratePasswords,
		FabricNetworks:    fabrics,
		Volumes:           params.Volumes,
	})

	job, err := h.dispatcher.Dispatch(ctx, vm, api.ActionProvision, pipeline, payload)
	if err != nil {
		apierrors.HandleError(w, r, err)

		return
	}

	h.mutationAccepted(w, r, vm.UUID, job)
}

// newVM builds the provisioning record persisted before the workflow
// runs.  NAPI owns NIC records; the entries here are the denormalized
// read view, keyed by network so fabric dependency tracking works from
// the moment of intent.
func newVM(params *api.ProvisionParams, resolved []validator.ResolvedNetwork) *api.VM {
	vm := &api.VM{
		UUID:              params.UUID,
		OwnerUUID:         params.OwnerUUID,
		Alias:             params.Alias,
		Brand:             params.Brand,
		State:             api.StateProvisioning,
		BillingID:         params.BillingID,
		RAM:               params.RAM,
		MaxPhysicalMemory: params.RAM,
		CreateTimestamp:   store.Now(),
		ServerUUID:        params.ServerUUID,
		Autoboot:          true,
		Tags:              params.Tags,
		CustomerMetadata:  params.CustomerMetadata,
		InternalMetadata:  params.InternalMetadata,
		FirewallEnabled:   params.FirewallEnabled,
		FirewallRules:     params.FirewallRules,
		Locality:          params.Locality,
		Volumes:           params.Volumes,
	}

	if params.Autoboot != nil {
		vm.Autoboot = *params.Autoboot
	}

	if params.Brand.HVM() {
		vm.Disks = params.Disks
	} else {
		vm.ImageUUID = params.ImageUUID
		quota := params.Quota
		vm.Quota = &quota
	}

	for _, network := range resolved {
		nic := api.Nic{
			NetworkUUID:   network.Network.UUID,
			NicTag:        network.Network.NicTag,
			Primary:       network.Ref.Primary,
			State:         "provisioning",
			BelongsToUUID: vm.UUID,
			BelongsToType: "zone",
		}

		if len(network.Ref.IPv4IPs) > 0 {
			nic.IP = network.Ref.IPv4IPs[0]
		}

		vm.Nics = append(vm.Nics, nic)
	}

	return vm
}

// ActionVM serves POST /vms/:uuid: the action multiplexer for every
// mutation on an existing VM.
func (h *Handler) ActionVM(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := h.requireReady(r); err != nil {
		apierrors.HandleError(w, r, err)

		return
	}

	vm, err := h.vmFromPath(r)
	if err != nil {
		apierrors.HandleError(w, r, err)

		return
	}

	payload := map[string]interface{}{}

	if err := util.ReadJSONBody(r, &payload); err != nil {
		apierrors.HandleError(w, r, err)

		return
	}

	name, _ := payload["action"].(string)
	if name == "" {
		apierrors.HandleError(w, r, apierrors.ValidationFailed("Invalid parameters",
			apierrors.MissingField("action")))

		return
	}

	action := api.Action(name)

	delete(payload, "action")

	pipeline, err := h.pipelineFor(r, vm, action, payload)
	if err != nil {
		apierrors.HandleError(w, r, err)

		return
	}

	job, err := h.dispatcher.Dispatch(ctx, vm, action, pipeline, payload)
	if err != nil {
		apierrors.HandleError(w, r, err)

		return
	}

	h.mutationAccepted(w, r, vm.UUID, job)
}

// pipelineFor validates an action payload and composes its pipeline.
func (h *Handler) pipelineFor(r *http.Request, vm *api.VM, action api.Action, payload map[string]interface{}) (*workflow.Pipeline, error) {
	ctx := r.Context()

	if err := h.validator.Action(vm, action); err != nil {
		return nil, err
	}

	switch action {
	case api.ActionStart, api.ActionStop, api.ActionReboot:
		return workflow.Lifecycle(action), nil

	case api.ActionUpdate:
		params, err := h.validator.Update(ctx, vm, payload)
		if err != nil {
			return nil, err
		}

		return workflow.Update(params.NewPackage != nil), nil

	case api.ActionAddNics:
		_, resolved, err := h.validator.AddNics(ctx, vm, payload)
		if err != nil {
			return nil, err
		}

		fabrics := fabricNetworks(resolved)

		if err := h.nat.Ensure(ctx, fabrics); err != nil {
			return nil, err
		}

		return workflow.AddNics(fabrics), nil

	case api.ActionRemoveNics:
		if _, err := h.validator.RemoveNics(vm, payload); err != nil {
			return nil, err
		}

		return workflow.RemoveNics(), nil

	case api.ActionCreateSnapshot, api.ActionRollbackSnapshot, api.ActionDeleteSnapshot:
		if _, err := h.validator.Snapshot(vm, payload, action); err != nil {
			return nil, err
		}

		return workflow.Snapshot(action), nil

	case api.ActionReprovision:
		if _, err := h.validator.Reprovision(ctx, vm, payload); err != nil {
			return nil, err
		}

		return workflow.Reprovision(), nil

	case api.ActionMigrate:
		params, err := h.validator.Migrate(vm, payload)
		if err != nil {
			return nil, err
		}

		if err := h.recordMigration(ctx, vm, params); err != nil {
			return nil, err
		}

		return workflow.Migrate(params), nil

	case api.ActionProvision, api.ActionDestroy:
	}

	return nil, apierrors.ValidationFailed("Invalid parameters",
		apierrors.InvalidField("action", fmt.Sprintf("Unknown action %q", action)))
}

// recordMigration seeds the migration record on begin and advances its
// phase for the follow-on subactions.
func (h *Handler) recordMigration(ctx context.Context, vm *api.VM, params *api.MigrateParams) error {
	if params.Action == api.MigrationBegin {
		migration := &api.Migration{
			VMUUID:           vm.UUID,
			State:            "running",
			Phase:            string(api.MigrationBegin),
			SourceServerUUID: vm.ServerUUID,
			TargetServerUUID: params.TargetServerUUID,
			Automatic:        params.Automatic,
			CreatedAt:        store.Now(),
		}

		return h.store.PutMigration(ctx, migration)
	}

	migration, err := h.store.GetMigration(ctx, vm.UUID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apierrors.ValidationFailed(fmt.Sprintf("VM has no migration to %s", params.Action))
		}

		return err
	}

	migration.State = "running"
	migration.Phase = string(params.Action)
	migration.FinishedAt = nil
	migration.Error = ""

	return h.store.PutMigration(ctx, migration)
}

// DeleteVM serves DELETE /vms/:uuid, the destroy action.
func (h *Handler) DeleteVM(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := h.requireReady(r); err != nil {
		apierrors.HandleError(w, r, err)

		return
	}

	vm, err := h.vmFromPath(r)
	if err != nil {
		apierrors.HandleError(w, r, err)

		return
	}

	if err := h.validator.Action(vm, api.ActionDestroy); err != nil {
		apierrors.HandleError(w, r, err)

		return
	}

	job, err := h.dispatcher.Dispatch(ctx, vm, api.ActionDestroy, workflow.Destroy(vm.Volumes), nil)
	if err != nil {
		apierrors.HandleError(w, r, err)

		return
	}

	h.mutationAccepted(w, r, vm.UUID, job)
}
