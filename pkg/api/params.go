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

// Action is a mutation requested via POST /vms/:uuid, or implicitly by
// POST /vms (provision) and DELETE /vms/:uuid (destroy).
type Action string

const (
	ActionProvision        Action = "provision"
	ActionStart            Action = "start"
	ActionStop             Action = "stop"
	ActionReboot           Action = "reboot"
	ActionUpdate           Action = "update"
	ActionAddNics          Action = "add_nics"
	ActionRemoveNics       Action = "remove_nics"
	ActionCreateSnapshot   Action = "create_snapshot"
	ActionRollbackSnapshot Action = "rollback_snapshot"
	ActionDeleteSnapshot   Action = "delete_snapshot"
	ActionReprovision      Action = "reprovision"
	ActionDestroy          Action = "destroy"
	ActionMigrate          Action = "migrate"
)

// NetworkRef references a NAPI network or pool, either by UUID or by
// name.  The name path is only valid for owner visible or global
// networks.
type NetworkRef struct {
	UUID string `json:"uuid,omitempty"`
	Name string `json:"name,omitempty"`

	// IPv4IPs requests specific addresses on the network.
	IPv4IPs []string `json:"ipv4_ips,omitempty"`

	// Primary marks the NIC created for this network as primary.
	Primary bool `json:"primary,omitempty"`
}

// Ref is the id-or-name string used in error messages.
func (n *NetworkRef) Ref() string {
	if n.UUID != "" {
		return n.UUID
	}

	return n.Name
}

// ProvisionParams is the normalized output of provision validation.
type ProvisionParams struct {
	OwnerUUID string       `json:"owner_uuid"`
	Brand     Brand        `json:"brand"`
	Alias     string       `json:"alias,omitempty"`
	ImageUUID string       `json:"image_uuid,omitempty"`
	BillingID string       `json:"billing_id"`
	RAM       int64        `json:"ram"`
	Quota     int64        `json:"quota,omitempty"`
	Networks  []NetworkRef `json:"networks"`
	Disks     []Disk       `json:"disks,omitempty"`
	Volumes   []string     `json:"volumes,omitempty"`

	Tags             Tags                   `json:"tags,omitempty"`
	CustomerMetadata map[string]interface{} `json:"customer_metadata,omitempty"`
	InternalMetadata map[string]interface{} `json:"internal_metadata,omitempty"`
	FirewallEnabled  bool                   `json:"firewall_enabled,omitempty"`
	FirewallRules    []FirewallRule         `json:"firewall_rules,omitempty"`
	Locality         *Locality              `json:"locality,omitempty"`
	ServerUUID       string                 `json:"server_uuid,omitempty"`
	Autoboot         *bool                  `json:"autoboot,omitempty"`

	// UUID may be supplied by the caller, otherwise one is generated
	// during normalization.
	UUID string `json:"uuid"`
}

// UpdateParams covers action=update, including package resizes.
type UpdateParams struct {
	Alias     *string `json:"alias,omitempty"`
	Autoboot  *bool   `json:"autoboot,omitempty"`
	BillingID *string `json:"billing_id,omitempty"`

	// NewPackage is resolved from BillingID during validation when a
	// resize was requested.
	NewPackage *Package `json:"-"`

	RAM           *int64 `json:"ram,omitempty"`
	Quota         *int64 `json:"quota,omitempty"`
	CPUCap        *int64 `json:"cpu_cap,omitempty"`
	MaxSwap       *int64 `json:"max_swap,omitempty"`
	MaxLWPs       *int64 `json:"max_lwps,omitempty"`
	ZFSIOPriority *int64 `json:"zfs_io_priority,omitempty"`

	Tags             Tags                   `json:"tags,omitempty"`
	CustomerMetadata map[string]interface{} `json:"customer_metadata,omitempty"`
	InternalMetadata map[string]interface{} `json:"internal_metadata,omitempty"`
	FirewallEnabled  *bool                  `json:"firewall_enabled,omitempty"`
}

// Package is the PAPI resource envelope referenced by billing_id.
type Package struct {
	UUID              string `json:"uuid"`
	Name              string `json:"name,omitempty"`
	MaxPhysicalMemory int64  `json:"max_physical_memory,omitempty"`
	Quota             int64  `json:"quota,omitempty"`
	CPUCap            int64  `json:"cpu_cap,omitempty"`
	MaxSwap           int64  `json:"max_swap,omitempty"`
	MaxLWPs           int64  `json:"max_lwps,omitempty"`
	ZFSIOPriority     int64  `json:"zfs_io_priority,omitempty"`
	FlexibleDisk      bool   `json:"flexible_disk,omitempty"`
	Active            bool   `json:"active,omitempty"`
}

// AddNicsParams covers action=add_nics.
type AddNicsParams struct {
	Networks []NetworkRef `json:"networks"`
}

// RemoveNicsParams covers action=remove_nics.
type RemoveNicsParams struct {
	MACs []string `json:"macs"`
}

// SnapshotParams covers the three snapshot actions.
type SnapshotParams struct {
	Name string `json:"snapshot_name"`
}

// ReprovisionParams covers action=reprovision.
type ReprovisionParams struct {
	ImageUUID string `json:"image_uuid"`
}

// MigrationAction is the migrate subaction.
type MigrationAction string

const (
	MigrationBegin  MigrationAction = "begin"
	MigrationSync   MigrationAction = "sync"
	MigrationSwitch MigrationAction = "switch"
	MigrationAbort  MigrationAction = "abort"
	MigrationPause  MigrationAction = "pause"
)

// MigrateParams covers action=migrate.
type MigrateParams struct {
	Action MigrationAction `json:"migration_action"`

	// TargetServerUUID optionally pins the target; otherwise the
	// allocator chooses.
	TargetServerUUID string `json:"target_server_uuid,omitempty"`

	// Automatic chains begin into sync and switch without further
	// API calls.
	Automatic bool `json:"automatic,omitempty"`
}
