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

package api

import (
	"time"
)

// Brand is the execution model of a VM.
type Brand string

const (
	BrandJoyent        Brand = "joyent"
	BrandJoyentMinimal Brand = "joyent-minimal"
	BrandLX            Brand = "lx"
	BrandBhyve         Brand = "bhyve"
	BrandKVM           Brand = "kvm"
)

// HVM tells whether the brand is hardware virtualized, in which case the
// VM carries a disks array rather than an image and quota.
func (b Brand) HVM() bool {
	return b == BrandBhyve || b == BrandKVM
}

// Valid tells whether the brand is one this installation can provision.
func (b Brand) Valid() bool {
	switch b {
	case BrandJoyent, BrandJoyentMinimal, BrandLX, BrandBhyve, BrandKVM:
		return true
	}

	return false
}

// State is a point in the VM lifecycle graph.
type State string

const (
	StateProvisioning State = "provisioning"
	StateRunning      State = "running"
	StateStopped      State = "stopped"
	StateFailed       State = "failed"
	StateDestroyed    State = "destroyed"
	StateMigrating    State = "migrating"
)

// Terminal states never transition again, destroy excepted for failed.
func (s State) Terminal() bool {
	return s == StateFailed || s == StateDestroyed
}

// Active is the "state=active" list shortcut: anything that is neither
// destroyed nor failed.
func (s State) Active() bool {
	return s != StateDestroyed && s != StateFailed
}

// Nic is the denormalized view of a NAPI NIC record.  NAPI remains
// authoritative; write paths always go back to NAPI by belongs_to_uuid.
type Nic struct {
	MAC         string `json:"mac"`
	IP          string `json:"ip,omitempty"`
	Netmask     string `json:"netmask,omitempty"`
	Gateway     string `json:"gateway,omitempty"`
	NicTag      string `json:"nic_tag,omitempty"`
	NetworkUUID string `json:"network_uuid,omitempty"`
	State       string `json:"state,omitempty"`
	Primary     bool   `json:"primary,omitempty"`

	// BelongsToUUID and BelongsToType tie the record back to its zone.
	BelongsToUUID string `json:"belongs_to_uuid,omitempty"`
	BelongsToType string `json:"belongs_to_type,omitempty"`
}

// FirewallRule is a FWAPI rule associated with a VM.  Enabled is a
// pointer so an omitted flag is distinguishable from an explicit false.
type FirewallRule struct {
	UUID      string `json:"uuid"`
	Rule      string `json:"rule"`
	OwnerUUID string `json:"owner_uuid"`
	Enabled   *bool  `json:"enabled"`
	Global    bool   `json:"global,omitempty"`
}

// Snapshot is a point in time ZFS snapshot of a VM dataset.
type Snapshot struct {
	Name      string     `json:"name"`
	State     string     `json:"state,omitempty"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
}

// Disk is a bhyve/kvm virtual disk.  HVM brands replace the zone quota
// with a disks array.
type Disk struct {
	ImageUUID string `json:"image_uuid,omitempty"`
	Size      int64  `json:"size,omitempty"`
	Boot      bool   `json:"boot,omitempty"`
	PCISlot   string `json:"pci_slot,omitempty"`
}

// Tags maps tag keys to scalar values (strings, numbers or booleans).
type Tags map[string]interface{}

// VM is the persisted view of a machine.  The UUID is unique and
// immutable for the life of the VM.
type VM struct {
	UUID      string `json:"uuid"`
	OwnerUUID string `json:"owner_uuid"`
	Alias     string `json:"alias,omitempty"`
	Brand     Brand  `json:"brand"`
	State     State  `json:"state"`

	// BillingID references the PAPI package, the zero UUID meaning
	// "no package".
	BillingID string `json:"billing_id,omitempty"`

	// ImageUUID is present for zone brands; HVM brands carry it on
	// their boot disk instead.
	ImageUUID string `json:"image_uuid,omitempty"`

	// RAM and MaxPhysicalMemory are the same number of MiB, kept in
	// both spellings for compatibility with consumers of either.
	RAM               int64 `json:"ram,omitempty"`
	MaxPhysicalMemory int64 `json:"max_physical_memory,omitempty"`

	// Quota is GiB of disk.  Nil once the VM is destroyed, when the
	// value is no longer knowable.
	Quota *int64 `json:"quota"`

	CPUCap        int64 `json:"cpu_cap,omitempty"`
	CPUShares     int64 `json:"cpu_shares,omitempty"`
	MaxSwap       int64 `json:"max_swap,omitempty"`
	MaxLWPs       int64 `json:"max_lwps,omitempty"`
	ZFSIOPriority int64 `json:"zfs_io_priority,omitempty"`

	CreateTimestamp time.Time `json:"create_timestamp"`

	// ServerUUID is the compute node currently hosting the VM.  It is
	// swapped atomically at migration switchover.
	ServerUUID string `json:"server_uuid,omitempty"`

	Autoboot bool `json:"autoboot"`

	// DoNotInventory hides the VM from compute node sync.  Set on a
	// migration source once the target takes over.
	DoNotInventory bool `json:"do_not_inventory,omitempty"`

	Nics []Nic `json:"nics,omitempty"`

	Tags             Tags                   `json:"tags,omitempty"`
	CustomerMetadata map[string]interface{} `json:"customer_metadata,omitempty"`
	InternalMetadata map[string]interface{} `json:"internal_metadata,omitempty"`

	FirewallEnabled bool           `json:"firewall_enabled,omitempty"`
	FirewallRules   []FirewallRule `json:"firewall_rules,omitempty"`

	Snapshots []Snapshot `json:"snapshots,omitempty"`

	// Disks is only present for bhyve/kvm.
	Disks []Disk `json:"disks,omitempty"`

	// Volumes are the NFS volume UUIDs the VM holds references on.
	// The references are dropped as part of destroy.
	Volumes []string `json:"volumes,omitempty"`

	// Locality is the placement hint the VM was provisioned with.
	Locality *Locality `json:"locality,omitempty"`
}

// Locality is a placement hint: provision near and/or far from the
// referenced VMs, strictly or on a best effort basis.
type Locality struct {
	Strict bool     `json:"strict,omitempty"`
	Near   []string `json:"near,omitempty"`
	Far    []string `json:"far,omitempty"`
}

// Execution is a job's workflow execution state.  The executor owns the
// progression; this API only reads and correlates.
type Execution string

const (
	ExecutionQueued    Execution = "queued"
	ExecutionRunning   Execution = "running"
	ExecutionSucceeded Execution = "succeeded"
	ExecutionFailed    Execution = "failed"
	ExecutionCanceled  Execution = "canceled"
)

// Terminal tells whether the executor will progress the job further.
func (e Execution) Terminal() bool {
	return e == ExecutionSucceeded || e == ExecutionFailed || e == ExecutionCanceled
}

// Caller identifies who made an API request.  It is recorded verbatim
// into job parameters so audit queries can recover it.
type Caller struct {
	Type  string `json:"type,omitempty"`
	IP    string `json:"ip,omitempty"`
	KeyID string `json:"keyId,omitempty"`
}

// RequestContext is the decoded x-context header.
type RequestContext struct {
	Caller Caller                 `json:"caller"`
	Params map[string]interface{} `json:"params,omitempty"`
}

// JobParams is everything a job was dispatched with.
type JobParams struct {
	VMUUID     string                 `json:"vm_uuid,omitempty"`
	ServerUUID string                 `json:"server_uuid,omitempty"`
	OwnerUUID  string                 `json:"owner_uuid,omitempty"`
	Task       string                 `json:"task,omitempty"`
	Context    *RequestContext        `json:"context,omitempty"`
	Payload    map[string]interface{} `json:"payload,omitempty"`

	// MarkAsFailedOnError starts true and is flipped to false by the
	// executor once the point of no return is reached, after which NIC
	// cleanup on failure must not happen.
	MarkAsFailedOnError bool `json:"markAsFailedOnError"`
}

// Job is the persisted mirror of a workflow executor job.
type Job struct {
	UUID      string    `json:"uuid"`
	Name      string    `json:"name"`
	Execution Execution `json:"execution"`
	VMUUID    string    `json:"vm_uuid,omitempty"`
	Task      string    `json:"task"`
	Params    JobParams `json:"params"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`

	// ChainResults carries per-task outcomes as reported by the
	// executor.
	ChainResults []TaskResult `json:"chain_results,omitempty"`
}

// TaskResult is the outcome of a single pipeline task.
type TaskResult struct {
	Name       string     `json:"name"`
	Result     string     `json:"result,omitempty"`
	Error      string     `json:"error,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Migration is the persisted record of a live migration, progressed by
// the migrate-begin/sync/switch workflows.
type Migration struct {
	VMUUID           string     `json:"vm_uuid"`
	State            string     `json:"state"`
	Phase            string     `json:"phase"`
	SourceServerUUID string     `json:"source_server_uuid,omitempty"`
	TargetServerUUID string     `json:"target_server_uuid,omitempty"`
	TargetVMUUID     string     `json:"target_vm_uuid,omitempty"`
	Automatic        bool       `json:"automatic,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	FinishedAt       *time.Time `json:"finished_at,omitempty"`
	Error            string     `json:"error,omitempty"`

	// Progress entries are appended by the sync workflows.
	Progress []MigrationProgress `json:"progress_history,omitempty"`
}

// MigrationProgress is a single progress event during sync.
type MigrationProgress struct {
	Phase          string    `json:"phase"`
	Timestamp      time.Time `json:"timestamp"`
	BytesCopied    int64     `json:"current_progress,omitempty"`
	BytesTotal     int64     `json:"total_progress,omitempty"`
	DurationMillis int64     `json:"duration_ms,omitempty"`
}
