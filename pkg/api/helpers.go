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
	"maps"
	"slices"
)

// Clone returns a copy of the VM sharing no mutable state with the
// receiver, so callers may rewrite nested maps and slices while others
// still read the original.
func (v *VM) Clone() *VM {
	clone := *v

	clone.Nics = slices.Clone(v.Nics)
	clone.Snapshots = slices.Clone(v.Snapshots)
	clone.Disks = slices.Clone(v.Disks)
	clone.FirewallRules = slices.Clone(v.FirewallRules)
	clone.Volumes = slices.Clone(v.Volumes)

	clone.Tags = maps.Clone(v.Tags)
	clone.CustomerMetadata = maps.Clone(v.CustomerMetadata)
	clone.InternalMetadata = maps.Clone(v.InternalMetadata)

	if v.Quota != nil {
		quota := *v.Quota
		clone.Quota = &quota
	}

	if v.Locality != nil {
		locality := *v.Locality
		locality.Near = slices.Clone(v.Locality.Near)
		locality.Far = slices.Clone(v.Locality.Far)
		clone.Locality = &locality
	}

	return &clone
}

// Docker tells whether the VM was provisioned by the docker layer, in
// which case its reserved tags are load bearing.
func (v *VM) Docker() bool {
	if v.Tags == nil {
		return false
	}

	value, ok := v.Tags["sdc_docker"]
	if !ok {
		return false
	}

	if b, ok := value.(bool); ok {
		return b
	}

	return value == "true"
}

// Allocated tells whether the VM ever landed on a compute node.
// Actions that drive the zone itself need this.
func (v *VM) Allocated() bool {
	return v.ServerUUID != ""
}

// FabricNetworks returns the fabric network UUIDs the VM's NICs attach
// to.
func (v *VM) FabricNetworks(fabrics map[string]bool) []string {
	var result []string

	seen := map[string]bool{}

	for _, nic := range v.Nics {
		if nic.NetworkUUID == "" || seen[nic.NetworkUUID] {
			continue
		}

		if fabrics[nic.NetworkUUID] {
			result = append(result, nic.NetworkUUID)
		}

		seen[nic.NetworkUUID] = true
	}

	return result
}

// NATAlias is the well-known alias of the NAT zone serving a fabric.
func NATAlias(fabricUUID string) string {
	return "nat-" + fabricUUID
}
