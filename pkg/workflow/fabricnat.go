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
	"github.com/google/uuid"

	"github.com/smartdc/vmapi/pkg/api"
	"github.com/smartdc/vmapi/pkg/constants"
	"github.com/smartdc/vmapi/pkg/store"
	"github.com/smartdc/vmapi/pkg/waitlist"
)

// NATConfig carries the provisioning parameters for NAT zones.
type NATConfig struct {
	// OwnerUUID is the operator account NAT zones belong to.
	OwnerUUID string

	// ImageUUID and BillingID shape the NAT zone.
	ImageUUID string
	BillingID string
	RAM       int64

	// TicketTTL bounds the fabric-nat provisioning ticket.
	TicketTTL time.Duration
}

// NATManager keeps the NAT zone of each fabric network in lockstep with
// the fabric's dependent VMs: a running NAT zone exists exactly while
// the fabric has at least one user VM.
type NATManager struct {
	store      *store.Store
	dispatcher *Dispatcher
	waitlist   *waitlist.Waitlist
	config     NATConfig
}

// NewNATManager creates a NAT manager.
func NewNATManager(s *store.Store, dispatcher *Dispatcher, wl *waitlist.Waitlist, config NATConfig) *NATManager {
	return &NATManager{
		store:      s,
		dispatcher: dispatcher,
		waitlist:   wl,
		config:     config,
	}
}

// natZone returns the live NAT zone for a fabric, or nil.
func (m *NATManager) natZone(ctx context.Context, fabricUUID string) (*api.VM, error) {
	query := &store.Query{
		Filters: map[string]string{
			"alias": api.NATAlias(fabricUUID),
			"state": "active",
		},
		Limit: constants.DefaultListLimit,
	}

	vms, _, err := m.store.ListVMs(ctx, query)
	if err != nil {
		return nil, err
	}

	if len(vms) == 0 {
		return nil, nil
	}

	return vms[0], nil
}

// Ensure provisions a NAT zone for every fabric that lacks one.  The
// fabric-nat ticket serializes concurrent first provisions on the same
// fabric so exactly one NAT zone is created.
func (m *NATManager) Ensure(ctx context.Context, fabricUUIDs []string) error {
	log := logr.FromContextOrDiscard(ctx)

	for _, fabricUUID := range fabricUUIDs {
		existing, err := m.natZone(ctx, fabricUUID)
		if err != nil {
			return err
		}

		if existing != nil {
			continue
		}

		ticket, err := m.waitlist.Acquire(ctx, waitlist.ScopeFabricNAT, fabricUUID, "nat-ensure", m.config.TicketTTL)
		if err != nil {
			return err
		}

		// Re-check under the ticket: a concurrent request may have won
		// the race and already provisioned the zone.
		existing, err = m.natZone(ctx, fabricUUID)
		if err != nil {
			m.waitlist.Release(ticket.UUID)

			return err
		}

		if existing != nil {
			m.waitlist.Release(ticket.UUID)

			continue
		}

		if err := m.provisionNATZone(ctx, fabricUUID); err != nil {
			m.waitlist.Release(ticket.UUID)

			return err
		}

		m.waitlist.Release(ticket.UUID)

		log.Info("provisioned NAT zone", "fabric", fabricUUID)
	}

	return nil
}

// provisionNATZone records the NAT VM and dispatches its provision
// pipeline.  The zone attaches directly to the fabric so its own
// pipeline must not recurse into the fabric sub-pipeline.
func (m *NATManager) provisionNATZone(ctx context.Context, fabricUUID string) error {
	quota := int64(10)

	vm := &api.VM{
		UUID:              uuid.New().String(),
		OwnerUUID:         m.config.OwnerUUID,
		Alias:             api.NATAlias(fabricUUID),
		Brand:             api.BrandJoyentMinimal,
		State:             api.StateProvisioning,
		BillingID:         m.config.BillingID,
		ImageUUID:         m.config.ImageUUID,
		RAM:               m.config.RAM,
		MaxPhysicalMemory: m.config.RAM,
		Quota:             &quota,
		CreateTimestamp:   store.Now(),
		Autoboot:          true,
		Nics: []api.Nic{
			{NetworkUUID: fabricUUID, BelongsToType: "zone"},
		},
		InternalMetadata: map[string]interface{}{
			"com.joyent:ipnat_owner": fabricUUID,
		},
	}

	vm.Nics[0].BelongsToUUID = vm.UUID

	if _, err := m.store.PutVM(ctx, vm, 0); err != nil {
		return err
	}

	pipeline := Provision(&ProvisionOptions{})

	_, err := m.dispatcher.Dispatch(ctx, vm, api.ActionProvision, pipeline, map[string]interface{}{
		"fabric_uuid": fabricUUID,
	})

	return err
}

// Reap destroys the NAT zone of a fabric once its last user VM is gone.
func (m *NATManager) Reap(ctx context.Context, fabricUUID string) error {
	log := logr.FromContextOrDiscard(ctx)

	zone, err := m.natZone(ctx, fabricUUID)
	if err != nil || zone == nil {
		return err
	}

	users, err := m.fabricUsers(ctx, fabricUUID, zone.UUID)
	if err != nil {
		return err
	}

	if users > 0 {
		return nil
	}

	pipeline := Destroy(nil)

	if _, err := m.dispatcher.Dispatch(ctx, zone, api.ActionDestroy, pipeline, nil); err != nil {
		return err
	}

	log.Info("reaping NAT zone", "fabric", fabricUUID, "vm", zone.UUID)

	return nil
}

// fabricUsers counts the live VMs with a NIC on the fabric, the NAT
// zone itself excluded.
func (m *NATManager) fabricUsers(ctx context.Context, fabricUUID, natUUID string) (int, error) {
	query := &store.Query{
		Filters: map[string]string{"state": "active"},
		Limit:   constants.MaxListLimit,
	}

	vms, _, err := m.store.ListVMs(ctx, query)
	if err != nil {
		return 0, err
	}

	users := 0

	for _, vm := range vms {
		if vm.UUID == natUUID {
			continue
		}

		for _, nic := range vm.Nics {
			if nic.NetworkUUID == fabricUUID {
				users++

				break
			}
		}
	}

	return users, nil
}
