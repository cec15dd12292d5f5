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

// Package validator turns raw mutation payloads into normalized
// parameter records, or an error carrying the exact field diagnostics
// the API reports.  Everything here runs synchronously before any
// workflow is created.
package validator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/smartdc/vmapi/pkg/api"
	"github.com/smartdc/vmapi/pkg/clients"
	"github.com/smartdc/vmapi/pkg/constants"
	"github.com/smartdc/vmapi/pkg/server/errors"
)

// Validator validates mutations against the collaborator services.
type Validator struct {
	collaborators *clients.Collaborators
}

// New creates a validator over the collaborator bundle.
func New(collaborators *clients.Collaborators) *Validator {
	return &Validator{collaborators: collaborators}
}

// decode re-marshals a payload subtree into a typed record.
func decode(value, out interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}

	return json.Unmarshal(data, out)
}

func getString(payload map[string]interface{}, key string) (string, bool) {
	value, ok := payload[key]
	if !ok {
		return "", false
	}

	s, ok := value.(string)

	return s, ok
}

func getNumber(payload map[string]interface{}, key string) (int64, bool) {
	value, ok := payload[key]
	if !ok {
		return 0, false
	}

	f, ok := value.(float64)

	return int64(f), ok
}

// checkUUID validates one UUID-valued field.
func checkUUID(field, value string) error {
	if _, err := uuid.Parse(value); err != nil {
		return errors.ValidationFailed("Invalid parameters",
			errors.InvalidField(field, fmt.Sprintf("%s %q is not a UUID", field, value)))
	}

	return nil
}

// Provision validates and normalizes a provision request, resolving
// its network references.
func (v *Validator) Provision(ctx context.Context, payload map[string]interface{}) (*api.ProvisionParams, []ResolvedNetwork, error) {
	var missing []errors.FieldError

	ownerUUID, _ := getString(payload, "owner_uuid")
	if ownerUUID == "" {
		missing = append(missing, errors.MissingField("owner_uuid"))
	}

	brand, _ := getString(payload, "brand")
	if brand == "" {
		missing = append(missing, errors.MissingField("brand"))
	}

	var disks []api.Disk

	if raw, ok := payload["disks"]; ok {
		if err := decode(raw, &disks); err != nil {
			return nil, nil, errors.ValidationFailed("Invalid parameters",
				errors.InvalidField("disks", "disks must be an array of disk objects"))
		}
	}

	imageUUID, _ := getString(payload, "image_uuid")
	if imageUUID == "" {
		// HVM brands carry the image on their boot disk instead.
		if api.Brand(brand).HVM() && len(disks) > 0 {
			imageUUID = disks[0].ImageUUID
		}

		if imageUUID == "" {
			missing = append(missing, errors.MissingField("image_uuid"))
		}
	}

	networksRaw, hasNetworks := payload["networks"]
	if !hasNetworks {
		missing = append(missing, errors.MissingField("networks"))
	}

	ram, hasRAM := getNumber(payload, "ram")
	if !hasRAM {
		missing = append(missing, errors.MissingField("ram"))
	}

	billingID, hasBilling := getString(payload, "billing_id")
	if !hasBilling {
		missing = append(missing, errors.MissingField("billing_id"))
	}

	if len(missing) > 0 {
		return nil, nil, errors.ValidationFailed("Invalid parameters", missing...)
	}

	if !api.Brand(brand).Valid() {
		return nil, nil, errors.ValidationFailed("Invalid parameters",
			errors.InvalidField("brand", fmt.Sprintf("Unsupported brand %q", brand)))
	}

	if err := checkUUID("owner_uuid", ownerUUID); err != nil {
		return nil, nil, err
	}

	if err := checkOwner(ctx, v.collaborators.UFDS, ownerUUID); err != nil {
		return nil, nil, err
	}

	if billingID != constants.ZeroUUID {
		if err := checkUUID("billing_id", billingID); err != nil {
			return nil, nil, err
		}
	}

	params := &api.ProvisionParams{
		OwnerUUID: ownerUUID,
		Brand:     api.Brand(brand),
		ImageUUID: imageUUID,
		BillingID: billingID,
		RAM:       ram,
		Disks:     disks,
	}

	if alias, ok := getString(payload, "alias"); ok {
		params.Alias = alias
	}

	if quota, ok := getNumber(payload, "quota"); ok {
		params.Quota = quota
	}

	if server, ok := getString(payload, "server_uuid"); ok && server != "" {
		if err := checkUUID("server_uuid", server); err != nil {
			return nil, nil, err
		}

		params.ServerUUID = server
	}

	if vmUUID, ok := getString(payload, "uuid"); ok && vmUUID != "" {
		if err := checkUUID("uuid", vmUUID); err != nil {
			return nil, nil, err
		}

		params.UUID = vmUUID
	} else {
		params.UUID = uuid.New().String()
	}

	if raw, ok := payload["tags"]; ok {
		if err := decode(raw, &params.Tags); err != nil {
			return nil, nil, errors.ValidationFailed("Invalid parameters",
				errors.InvalidField("tags", "tags must be a mapping of scalars"))
		}

		docker := params.Brand == api.BrandLX && params.Tags[sdcDockerTag] != nil

		if err := CheckTagWrite(params.Tags, TagWriteOptions{DockerProvision: docker}); err != nil {
			return nil, nil, err
		}
	}

	if raw, ok := payload["firewall_rules"]; ok {
		if err := decode(raw, &params.FirewallRules); err != nil {
			return nil, nil, errors.ValidationFailed("Invalid parameters",
				errors.InvalidField("firewall_rules", "firewall_rules must be an array of rule objects"))
		}

		if err := CheckFirewallRules(params.FirewallRules); err != nil {
			return nil, nil, err
		}
	}

	if raw, ok := payload["volumes"]; ok {
		if err := decode(raw, &params.Volumes); err != nil {
			return nil, nil, errors.ValidationFailed("Invalid parameters",
				errors.InvalidField("volumes", "volumes must be an array of volume UUIDs"))
		}

		for _, volume := range params.Volumes {
			if err := checkUUID("volumes", volume); err != nil {
				return nil, nil, err
			}
		}
	}

	if raw, ok := payload["locality"]; ok {
		object, ok := raw.(map[string]interface{})
		if !ok {
			return nil, nil, localityError()
		}

		locality, err := ParseLocality(object)
		if err != nil {
			return nil, nil, err
		}

		params.Locality = locality
	}

	if raw, ok := payload["customer_metadata"]; ok {
		if err := decode(raw, &params.CustomerMetadata); err != nil {
			return nil, nil, errors.ValidationFailed("Invalid parameters",
				errors.InvalidField("customer_metadata", "customer_metadata must be an object"))
		}
	}

	if raw, ok := payload["internal_metadata"]; ok {
		if err := decode(raw, &params.InternalMetadata); err != nil {
			return nil, nil, errors.ValidationFailed("Invalid parameters",
				errors.InvalidField("internal_metadata", "internal_metadata must be an object"))
		}
	}

	if err := decode(networksRaw, &params.Networks); err != nil || len(params.Networks) == 0 {
		return nil, nil, errors.ValidationFailed("Invalid parameters",
			errors.InvalidField("networks", "networks must be a non-empty array of network references"))
	}

	resolved, err := ResolveNetworks(ctx, v.collaborators.NAPI, ownerUUID, params.Networks)
	if err != nil {
		return nil, nil, err
	}

	for i := range resolved {
		params.Networks[i] = resolved[i].Ref
	}

	return params, resolved, nil
}

// Action gates an action against the VM's current lifecycle state.
func (v *Validator) Action(vm *api.VM, action api.Action) error {
	// While provisioning only destroy may proceed.
	if vm.State == api.StateProvisioning && action != api.ActionDestroy {
		return errors.ValidationFailed(fmt.Sprintf("Cannot %s a VM while it is provisioning", action))
	}

	if vm.State == api.StateDestroyed {
		return errors.ValidationFailed("VM is destroyed")
	}

	switch action {
	case api.ActionStart:
		if !vm.Allocated() {
			return errors.UnallocatedVM("VM was never allocated to a server")
		}

		if vm.State != api.StateStopped {
			return errors.VMNotStopped()
		}
	case api.ActionStop, api.ActionReboot:
		if !vm.Allocated() {
			return errors.UnallocatedVM("VM was never allocated to a server")
		}

		if vm.State != api.StateRunning {
			return errors.VMNotRunning()
		}
	case api.ActionCreateSnapshot, api.ActionRollbackSnapshot, api.ActionDeleteSnapshot:
		if vm.Brand == api.BrandKVM {
			return errors.BrandNotSupported(fmt.Sprintf("snapshots are not supported for brand %q", vm.Brand))
		}

		if vm.State != api.StateRunning && vm.State != api.StateStopped {
			return errors.VMNotRunning()
		}
	case api.ActionMigrate:
		if !vm.Allocated() {
			return errors.UnallocatedVM("VM was never allocated to a server")
		}
	case api.ActionUpdate, api.ActionAddNics, api.ActionRemoveNics, api.ActionReprovision:
		if vm.State != api.StateRunning && vm.State != api.StateStopped {
			return errors.VMNotRunning()
		}
	case api.ActionDestroy, api.ActionProvision:
	}

	return nil
}

// Update validates an update, resolving any package resize through PAPI
// and checking capacity for resize-up through CNAPI.
func (v *Validator) Update(ctx context.Context, vm *api.VM, payload map[string]interface{}) (*api.UpdateParams, error) {
	if raw, ok := payload["owner_uuid"]; ok {
		owner, _ := raw.(string)

		if owner == "" {
			return nil, errors.ValidationFailed("Invalid parameters",
				errors.InvalidField("owner_uuid", "owner_uuid must be a non-empty UUID"))
		}

		if err := checkUUID("owner_uuid", owner); err != nil {
			return nil, err
		}

		// Reassignment binds the VM to the new owner; it must exist.
		if err := checkOwner(ctx, v.collaborators.UFDS, owner); err != nil {
			return nil, err
		}
	}

	params := &api.UpdateParams{}

	if err := decode(payload, params); err != nil {
		return nil, errors.ValidationFailed("Invalid update payload").WithError(err)
	}

	if len(payload) == 0 {
		return nil, errors.ValidationFailed("Invalid parameters",
			errors.InvalidField("action", "update requires at least one parameter"))
	}

	if params.Tags != nil {
		if err := CheckTagWrite(params.Tags, TagWriteOptions{}); err != nil {
			return nil, err
		}
	}

	if params.BillingID != nil && *params.BillingID != vm.BillingID {
		if err := v.resolveResize(ctx, vm, params); err != nil {
			return nil, err
		}
	}

	return params, nil
}

// resolveResize loads the new package and, for resize-up, checks the
// hosting server's advertised capacity.  Resize-down is always
// permitted.
func (v *Validator) resolveResize(ctx context.Context, vm *api.VM, params *api.UpdateParams) error {
	if err := checkUUID("billing_id", *params.BillingID); err != nil {
		return err
	}

	pkg, err := v.collaborators.PAPI.GetPackage(ctx, *params.BillingID)
	if err != nil {
		return errors.ValidationFailed("Invalid parameters",
			errors.InvalidField("billing_id", fmt.Sprintf("No such package %q", *params.BillingID))).WithError(err)
	}

	params.NewPackage = pkg

	additional := pkg.MaxPhysicalMemory - vm.RAM

	if additional <= 0 {
		return nil
	}

	if !vm.Allocated() {
		return errors.UnallocatedVM("VM was never allocated to a server")
	}

	server, err := v.collaborators.CNAPI.GetServer(ctx, vm.ServerUUID)
	if err != nil {
		return err
	}

	if additional > server.UnreservedRAM {
		return errors.ValidationFailed("Invalid parameters", errors.FieldError{
			Field:   "ram",
			Code:    "InsufficientCapacity",
			Message: fmt.Sprintf("Required additional RAM (%d) exceeds the server's available RAM (%d)", additional, server.UnreservedRAM),
		})
	}

	return nil
}

// AddNics validates an add_nics request and resolves its networks.
func (v *Validator) AddNics(ctx context.Context, vm *api.VM, payload map[string]interface{}) (*api.AddNicsParams, []ResolvedNetwork, error) {
	params := &api.AddNicsParams{}

	if err := decode(payload, params); err != nil || len(params.Networks) == 0 {
		return nil, nil, errors.ValidationFailed("Invalid parameters",
			errors.InvalidField("networks", "networks must be a non-empty array of network references"))
	}

	resolved, err := ResolveNetworks(ctx, v.collaborators.NAPI, vm.OwnerUUID, params.Networks)
	if err != nil {
		return nil, nil, err
	}

	for i := range resolved {
		params.Networks[i] = resolved[i].Ref
	}

	return params, resolved, nil
}

// RemoveNics validates a remove_nics request against the VM's NICs.
func (v *Validator) RemoveNics(vm *api.VM, payload map[string]interface{}) (*api.RemoveNicsParams, error) {
	params := &api.RemoveNicsParams{}

	if err := decode(payload, params); err != nil || len(params.MACs) == 0 {
		return nil, errors.ValidationFailed("Invalid parameters",
			errors.InvalidField("macs", "macs must be a non-empty array of MAC addresses"))
	}

	owned := map[string]bool{}

	for _, nic := range vm.Nics {
		owned[nic.MAC] = true
	}

	for _, mac := range params.MACs {
		if !owned[mac] {
			return nil, errors.ValidationFailed("Invalid parameters",
				errors.InvalidField("macs", fmt.Sprintf("VM has no NIC with MAC %q", mac)))
		}
	}

	return params, nil
}

// Snapshot validates the snapshot actions.
func (v *Validator) Snapshot(vm *api.VM, payload map[string]interface{}, action api.Action) (*api.SnapshotParams, error) {
	params := &api.SnapshotParams{}

	if err := decode(payload, params); err != nil {
		return nil, errors.ValidationFailed("Invalid snapshot payload").WithError(err)
	}

	if params.Name == "" && action != api.ActionCreateSnapshot {
		return nil, errors.ValidationFailed("Invalid parameters",
			errors.InvalidField("snapshot_name", "snapshot_name is required"))
	}

	if action != api.ActionCreateSnapshot {
		for _, snapshot := range vm.Snapshots {
			if snapshot.Name == params.Name {
				return params, nil
			}
		}

		return nil, errors.ValidationFailed("Invalid parameters",
			errors.InvalidField("snapshot_name", fmt.Sprintf("VM has no snapshot %q", params.Name)))
	}

	return params, nil
}

// Reprovision validates a reprovision, checking the image exists.
func (v *Validator) Reprovision(ctx context.Context, vm *api.VM, payload map[string]interface{}) (*api.ReprovisionParams, error) {
	if vm.Brand.HVM() {
		return nil, errors.BrandNotSupported(fmt.Sprintf("reprovision is not supported for brand %q", vm.Brand))
	}

	params := &api.ReprovisionParams{}

	if err := decode(payload, params); err != nil || params.ImageUUID == "" {
		return nil, errors.ValidationFailed("Invalid parameters",
			errors.MissingField("image_uuid"))
	}

	if err := checkUUID("image_uuid", params.ImageUUID); err != nil {
		return nil, err
	}

	if _, err := v.collaborators.IMGAPI.GetImage(ctx, params.ImageUUID); err != nil {
		return nil, errors.ValidationFailed("Invalid parameters",
			errors.InvalidField("image_uuid", fmt.Sprintf("No such image %q", params.ImageUUID))).WithError(err)
	}

	return params, nil
}

// Migrate validates a migrate request and its subaction.
func (v *Validator) Migrate(vm *api.VM, payload map[string]interface{}) (*api.MigrateParams, error) {
	params := &api.MigrateParams{}

	if err := decode(payload, params); err != nil {
		return nil, errors.ValidationFailed("Invalid migrate payload").WithError(err)
	}

	switch params.Action {
	case api.MigrationBegin, api.MigrationSync, api.MigrationSwitch, api.MigrationAbort, api.MigrationPause:
	default:
		return nil, errors.ValidationFailed("Invalid parameters",
			errors.InvalidField("migration_action", fmt.Sprintf("unknown migration action %q", params.Action)))
	}

	if params.TargetServerUUID != "" {
		if err := checkUUID("target_server_uuid", params.TargetServerUUID); err != nil {
			return nil, err
		}

		if params.TargetServerUUID == vm.ServerUUID {
			return nil, errors.ValidationFailed("Invalid parameters",
				errors.InvalidField("target_server_uuid", "target server is the source server"))
		}
	}

	return params, nil
}
