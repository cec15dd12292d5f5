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
	"fmt"

	"github.com/smartdc/vmapi/pkg/api"
)

// ProvisionOptions condition the provision pipeline on validation
// results.
type ProvisionOptions struct {
	// GeneratePasswords is set when the image declares it needs
	// passwords generated at provision time.
	GeneratePasswords bool

	// FabricNetworks are the fabric network UUIDs the VM's NICs will
	// attach to, each of which needs a running NAT zone first.
	FabricNetworks []string

	// Volumes are NFS volume UUIDs the VM requires references on.
	Volumes []string
}

// fabricNATTasks is the sub-pipeline ensuring a running NAT zone per
// fabric network before the parent workflow continues.  The allocation
// ticket prevents two concurrent first-provisions from creating
// duplicate NAT zones.
func fabricNATTasks(fabrics []string) []Task {
	if len(fabrics) == 0 {
		return nil
	}

	return []Task{
		task("fabric.acquire_nat_ticket", timeoutTicket, 1),
		task("fabric.check_nat_zone", timeoutDefault, 3),
		task("fabric.provision_nat_zone", timeoutCNWait, 1),
		task("fabric.wait_nat_zone", timeoutCNWait, 1),
		task("fabric.release_nat_ticket", timeoutDefault, 1),
	}
}

// Provision composes the provision pipeline.  The error branch cleans
// up any NICs pre-created in NAPI; the executor flips
// markAsFailedOnError off once physical zone creation starts, after
// which the cleanup task becomes a no-op.
func Provision(options *ProvisionOptions) *Pipeline {
	chain := []Task{
		task("common.validate_params", timeoutValidate, 1),
		task("common.set_job_action", timeoutValidate, 1),
	}

	if options.GeneratePasswords {
		chain = append(chain, task("imgapi.generate_passwords", timeoutDefault, 3))
	}

	chain = append(chain, fabricNATTasks(options.FabricNetworks)...)

	chain = append(chain,
		task("waitlist.acquire_vm_ticket", timeoutTicket, 1),
		task("imgapi.ensure_image", timeoutDefault, 3),
		task("cnapi.wait_for_ensure_image", timeoutCNWait, 1),
		task("cnapi.prepare_payload", timeoutValidate, 1),
		task("cnapi.provision_vm", timeoutDefault, 1),
		task("cnapi.wait_task", timeoutCNWait, 1),
	)

	if len(options.Volumes) > 0 {
		chain = append(chain, task("volapi.add_references", timeoutDefault, 3))
	}

	chain = append(chain,
		task("vmapi.put_vm", timeoutDefault, 3),
		task("fwapi.update_firewall", timeoutDefault, 3),
		task("waitlist.release_vm_ticket", timeoutDefault, 1),
	)

	return &Pipeline{
		Name:     "provision",
		Version:  pipelineVersion,
		Timeout:  3810,
		Chain:    chain,
		OnError:  releaseBranch(task("napi.cleanup_nics", timeoutCleanupNics, 1), task("vmapi.mark_failed", timeoutDefault, 3)),
		OnCancel: releaseBranch(task("vmapi.refresh_vm", timeoutDefault, 3)),
	}
}

// Lifecycle composes the start, stop and reboot pipelines, which differ
// only in the CN task invoked.
func Lifecycle(action api.Action) *Pipeline {
	return &Pipeline{
		Name:    string(action),
		Version: pipelineVersion,
		Timeout: 1810,
		Chain: []Task{
			task("common.validate_params", timeoutValidate, 1),
			task("waitlist.acquire_vm_ticket", timeoutTicket, 1),
			task(fmt.Sprintf("cnapi.%s_vm", action), timeoutDefault, 1),
			task("cnapi.wait_task", timeoutCNWait, 1),
			task("vmapi.put_vm", timeoutDefault, 3),
			task("waitlist.release_vm_ticket", timeoutDefault, 1),
		},
		OnError:  releaseBranch(task("vmapi.refresh_vm", timeoutDefault, 3)),
		OnCancel: releaseBranch(task("vmapi.refresh_vm", timeoutDefault, 3)),
	}
}

// Update composes the update pipeline.  Resizes are capacity checked at
// validation time; the allocation ticket holds the checked headroom
// until the CN applies the change.
func Update(resize bool) *Pipeline {
	chain := []Task{
		task("common.validate_params", timeoutValidate, 1),
		task("waitlist.acquire_vm_ticket", timeoutTicket, 1),
	}

	if resize {
		chain = append(chain, task("waitlist.acquire_allocation_ticket", timeoutTicket, 1))
	}

	chain = append(chain,
		task("cnapi.update_vm", timeoutDefault, 1),
		task("cnapi.wait_task", timeoutCNWait, 1),
		task("vmapi.put_vm", timeoutDefault, 3),
		task("waitlist.release_vm_ticket", timeoutDefault, 1),
	)

	return &Pipeline{
		Name:     "update",
		Version:  pipelineVersion,
		Timeout:  1810,
		Chain:    chain,
		OnError:  releaseBranch(task("vmapi.refresh_vm", timeoutDefault, 3)),
		OnCancel: releaseBranch(task("vmapi.refresh_vm", timeoutDefault, 3)),
	}
}

// AddNics composes the add_nics pipeline.  NIC records are created in
// NAPI before the CN update; the error branch removes any pre-created
// records so a failed attach leaves nothing behind.
func AddNics(fabrics []string) *Pipeline {
	chain := []Task{
		task("common.validate_params", timeoutValidate, 1),
		task("common.setup_request", timeoutValidate, 1),
	}

	chain = append(chain, fabricNATTasks(fabrics)...)

	chain = append(chain,
		task("napi.provision_nics", timeoutDefault, 3),
		task("waitlist.acquire_vm_ticket", timeoutTicket, 1),
		task("cnapi.update_vm", timeoutDefault, 1),
		task("cnapi.wait_task", timeoutCNWait, 1),
		task("cnapi.verify_updated", timeoutDefault, 3),
		task("vmapi.put_vm", timeoutDefault, 3),
		task("fwapi.update_firewall", timeoutDefault, 3),
		task("waitlist.release_vm_ticket", timeoutDefault, 1),
	)

	return &Pipeline{
		Name:     "add-nics",
		Version:  pipelineVersion,
		Timeout:  3810,
		Chain:    chain,
		OnError:  releaseBranch(task("napi.cleanup_nics", timeoutCleanupNics, 1)),
		OnCancel: releaseBranch(task("napi.cleanup_nics", timeoutCleanupNics, 1)),
	}
}

// RemoveNics composes the remove_nics pipeline.
func RemoveNics() *Pipeline {
	return &Pipeline{
		Name:    "remove-nics",
		Version: pipelineVersion,
		Timeout: 1810,
		Chain: []Task{
			task("common.validate_params", timeoutValidate, 1),
			task("waitlist.acquire_vm_ticket", timeoutTicket, 1),
			task("cnapi.update_vm", timeoutDefault, 1),
			task("cnapi.wait_task", timeoutCNWait, 1),
			task("napi.delete_nics", timeoutDefault, 3),
			task("vmapi.put_vm", timeoutDefault, 3),
			task("fwapi.update_firewall", timeoutDefault, 3),
			task("waitlist.release_vm_ticket", timeoutDefault, 1),
		},
		OnError:  releaseBranch(task("vmapi.refresh_vm", timeoutDefault, 3)),
		OnCancel: releaseBranch(task("vmapi.refresh_vm", timeoutDefault, 3)),
	}
}

// Snapshot composes the create, rollback and delete snapshot pipelines.
func Snapshot(action api.Action) *Pipeline {
	var cnTask string

	switch action {
	case api.ActionCreateSnapshot:
		cnTask = "cnapi.create_snapshot"
	case api.ActionRollbackSnapshot:
		cnTask = "cnapi.rollback_snapshot"
	default:
		cnTask = "cnapi.delete_snapshot"
	}

	return &Pipeline{
		Name:    taskName(action),
		Version: pipelineVersion,
		Timeout: 1810,
		Chain: []Task{
			task("common.validate_params", timeoutValidate, 1),
			task("waitlist.acquire_vm_ticket", timeoutTicket, 1),
			task(cnTask, timeoutDefault, 1),
			task("cnapi.wait_task", timeoutCNWait, 1),
			task("vmapi.put_vm", timeoutDefault, 3),
			task("waitlist.release_vm_ticket", timeoutDefault, 1),
		},
		OnError:  releaseBranch(task("vmapi.refresh_vm", timeoutDefault, 3)),
		OnCancel: releaseBranch(task("vmapi.refresh_vm", timeoutDefault, 3)),
	}
}

// Reprovision composes the reprovision pipeline.
func Reprovision() *Pipeline {
	return &Pipeline{
		Name:    "reprovision",
		Version: pipelineVersion,
		Timeout: 3810,
		Chain: []Task{
			task("common.validate_params", timeoutValidate, 1),
			task("waitlist.acquire_vm_ticket", timeoutTicket, 1),
			task("imgapi.ensure_image", timeoutDefault, 3),
			task("cnapi.wait_for_ensure_image", timeoutCNWait, 1),
			task("cnapi.reprovision_vm", timeoutDefault, 1),
			task("cnapi.wait_task", timeoutCNWait, 1),
			task("vmapi.put_vm", timeoutDefault, 3),
			task("waitlist.release_vm_ticket", timeoutDefault, 1),
		},
		OnError:  releaseBranch(task("vmapi.refresh_vm", timeoutDefault, 3)),
		OnCancel: releaseBranch(task("vmapi.refresh_vm", timeoutDefault, 3)),
	}
}

// Destroy composes the destroy pipeline.  Volume references are dropped
// before the zone is torn down so VOLAPI never sees a dangling consumer.
func Destroy(volumes []string) *Pipeline {
	chain := []Task{
		task("common.validate_params", timeoutValidate, 1),
		task("waitlist.acquire_vm_ticket", timeoutTicket, 1),
	}

	if len(volumes) > 0 {
		chain = append(chain, task("volapi.remove_references", timeoutDefault, 3))
	}

	chain = append(chain,
		task("cnapi.destroy_vm", timeoutDefault, 1),
		task("cnapi.wait_task", timeoutCNWait, 1),
		task("napi.delete_nics", timeoutDefault, 3),
		task("fwapi.update_firewall", timeoutDefault, 3),
		task("vmapi.put_vm", timeoutDefault, 3),
		task("waitlist.release_vm_ticket", timeoutDefault, 1),
	)

	return &Pipeline{
		Name:     "destroy",
		Version:  pipelineVersion,
		Timeout:  3810,
		Chain:    chain,
		OnError:  releaseBranch(task("vmapi.refresh_vm", timeoutDefault, 3)),
		OnCancel: releaseBranch(task("vmapi.refresh_vm", timeoutDefault, 3)),
	}
}

// MigrateBegin composes the migrate-begin pipeline: allocate a target
// server under an allocation ticket, record the migration, then
// provision the target.  The VM ticket is released as soon as the
// initial record is stored so other VM operations can proceed while the
// data copy runs.
func MigrateBegin(automatic bool) *Pipeline {
	chain := []Task{
		task("common.validate_params", timeoutValidate, 1),
		task("migrate.capture_source_filesystem", timeoutDefault, 3),
		task("migrate.create_provision_payload", timeoutValidate, 1),
		task("waitlist.acquire_allocation_ticket", timeoutTicket, 1),
		task("cnapi.allocate_server", timeoutDefault, 1),
		task("waitlist.release_allocation_ticket", timeoutDefault, 1),
		task("waitlist.acquire_vm_ticket", timeoutTicket, 1),
		task("migrate.store_initial_record", timeoutDefault, 3),
		task("waitlist.release_vm_ticket", timeoutDefault, 1),
		task("cnapi.provision_target", timeoutCNWait, 1),
		task("migrate.set_create_timestamp", timeoutDefault, 3),
		task("migrate.capture_target_filesystem", timeoutDefault, 3),
		task("migrate.remove_zfs_quotas", timeoutDefault, 3),
		task("migrate.store_success", timeoutDefault, 3),
	}

	if automatic {
		chain = append(chain, task("migrate.chain_sync", timeoutDefault, 1))
	}

	return &Pipeline{
		Name:     "migrate-begin",
		Version:  pipelineVersion,
		Timeout:  7210,
		Chain:    chain,
		OnError:  releaseBranch(task("migrate.store_failure", timeoutDefault, 3)),
		OnCancel: releaseBranch(task("migrate.store_failure", timeoutDefault, 3)),
	}
}

// MigrateSync composes the migrate-sync pipeline.
func MigrateSync(automatic bool) *Pipeline {
	chain := []Task{
		task("common.validate_params", timeoutValidate, 1),
		task("waitlist.acquire_vm_ticket", timeoutTicket, 1),
		task("migrate.cleanup_sync_processes", timeoutDefault, 3),
		task("migrate.store_initial_record", timeoutDefault, 3),
		task("waitlist.release_vm_ticket", timeoutDefault, 1),
		task("migrate.start_source_process", timeoutDefault, 1),
		task("migrate.start_target_process", timeoutDefault, 1),
		task("migrate.record_process_details", timeoutDefault, 3),
		task("migrate.run_sync", timeoutCNWait, 1),
		task("migrate.store_success", timeoutDefault, 3),
	}

	if automatic {
		chain = append(chain, task("migrate.chain_switch", timeoutDefault, 1))
	}

	return &Pipeline{
		Name:     "migrate-sync",
		Version:  pipelineVersion,
		Timeout:  7210,
		Chain:    chain,
		OnError:  releaseBranch(task("migrate.store_failure", timeoutDefault, 3)),
		OnCancel: releaseBranch(task("migrate.store_failure", timeoutDefault, 3)),
	}
}

// MigrateSwitch composes the migrate-switch pipeline, the section that
// actually moves the VM: the source stops, a final sync runs, and the
// server_uuid swap happens under the VM ticket.
func MigrateSwitch() *Pipeline {
	return &Pipeline{
		Name:    "migrate-switch",
		Version: pipelineVersion,
		Timeout: 7210,
		Chain: []Task{
			task("common.validate_params", timeoutValidate, 1),
			task("cnapi.stop_vm", timeoutDefault, 1),
			task("migrate.run_final_sync", timeoutCNWait, 1),
			task("waitlist.acquire_vm_ticket", timeoutTicket, 1),
			task("cnapi.ensure_vm_stopped", timeoutDefault, 3),
			task("napi.reserve_target_ips", timeoutDefault, 3),
			task("migrate.store_reservation", timeoutDefault, 3),
			task("migrate.copy_core_filesystem", timeoutCNWait, 1),
			task("migrate.setup_target_filesystem", timeoutDefault, 3),
			task("migrate.set_target_autoboot", timeoutDefault, 3),
			task("migrate.set_source_do_not_inventory", timeoutDefault, 3),
			task("vmapi.swap_server_uuid", timeoutDefault, 3),
			task("migrate.clear_target_do_not_inventory", timeoutDefault, 3),
			task("migrate.store_success", timeoutDefault, 3),
			task("waitlist.release_vm_ticket", timeoutDefault, 1),
			task("cnapi.start_vm", timeoutDefault, 1),
		},
		OnError: releaseBranch(
			task("migrate.store_failure", timeoutDefault, 3),
			task("napi.unreserve_target_ips", timeoutDefault, 3),
			task("cnapi.restart_source", timeoutDefault, 1),
		),
		OnCancel: releaseBranch(
			task("migrate.store_failure", timeoutDefault, 3),
			task("napi.unreserve_target_ips", timeoutDefault, 3),
			task("cnapi.restart_source", timeoutDefault, 1),
		),
	}
}

// MigrateControl composes the abort and pause pipelines, which tear
// down or suspend the sync processes without touching the source VM.
func MigrateControl(action api.MigrationAction) *Pipeline {
	return &Pipeline{
		Name:    "migrate-" + string(action),
		Version: pipelineVersion,
		Timeout: 1810,
		Chain: []Task{
			task("common.validate_params", timeoutValidate, 1),
			task("waitlist.acquire_vm_ticket", timeoutTicket, 1),
			task("migrate.cleanup_sync_processes", timeoutDefault, 3),
			task(fmt.Sprintf("migrate.store_%s", action), timeoutDefault, 3),
			task("waitlist.release_vm_ticket", timeoutDefault, 1),
		},
		OnError:  releaseBranch(task("migrate.store_failure", timeoutDefault, 3)),
		OnCancel: releaseBranch(task("migrate.store_failure", timeoutDefault, 3)),
	}
}

// Migrate selects the pipeline for a migrate subaction.
func Migrate(params *api.MigrateParams) *Pipeline {
	switch params.Action {
	case api.MigrationBegin:
		return MigrateBegin(params.Automatic)
	case api.MigrationSync:
		return MigrateSync(params.Automatic)
	case api.MigrationSwitch:
		return MigrateSwitch()
	case api.MigrationAbort, api.MigrationPause:
		return MigrateControl(params.Action)
	}

	return nil
}
