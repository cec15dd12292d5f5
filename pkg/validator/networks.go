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

package validator

import (
	"context"
	"errors"

	"github.com/smartdc/vmapi/pkg/api"
	"github.com/smartdc/vmapi/pkg/clients"
	apierrors "github.com/smartdc/vmapi/pkg/server/errors"
)

// ResolvedNetwork pairs a request reference with the NAPI record it
// resolved to.
type ResolvedNetwork struct {
	Ref     api.NetworkRef
	Network *clients.Network
}

// ResolveNetworks resolves every network reference by UUID or by name,
// checks owner visibility, and verifies any requested addresses are
// free.  Unknown references surface as 422 UnprocessableEntityError;
// an address another zone holds surfaces as 422 InvalidParameters with
// a UsedBy error element naming the owning zone.
func ResolveNetworks(ctx context.Context, napi clients.NAPI, ownerUUID string, refs []api.NetworkRef) ([]ResolvedNetwork, error) {
	resolved := make([]ResolvedNetwork, 0, len(refs))

	for _, ref := range refs {
		network, err := resolveNetwork(ctx, napi, ownerUUID, &ref)
		if err != nil {
			return nil, err
		}

		for _, ip := range ref.IPv4IPs {
			if err := checkIPFree(ctx, napi, network.UUID, ip); err != nil {
				return nil, err
			}
		}

		// Normalize the reference so downstream consumers always see
		// the UUID.
		ref.UUID = network.UUID

		resolved = append(resolved, ResolvedNetwork{Ref: ref, Network: network})
	}

	return resolved, nil
}

func resolveNetwork(ctx context.Context, napi clients.NAPI, ownerUUID string, ref *api.NetworkRef) (*clients.Network, error) {
	if ref.UUID == "" && ref.Name == "" {
		return nil, apierrors.ValidationFailed("Invalid parameters",
			apierrors.InvalidField("networks", "network reference requires a uuid or name"))
	}

	var network *clients.Network

	var err error

	if ref.UUID != "" {
		network, err = napi.GetNetwork(ctx, ref.UUID)
	} else {
		network, err = napi.GetNetworkByName(ctx, ref.Name, ownerUUID)
	}

	if err != nil {
		if errors.Is(err, clients.ErrNotFound) {
			return nil, apierrors.UnknownNetwork(ref.Ref())
		}

		return nil, err
	}

	if !network.VisibleTo(ownerUUID) {
		return nil, apierrors.UnknownNetwork(ref.Ref())
	}

	return network, nil
}

// checkIPFree surfaces a requested address that another zone already
// holds.
func checkIPFree(ctx context.Context, napi clients.NAPI, networkUUID, ip string) error {
	record, err := napi.GetIP(ctx, networkUUID, ip)
	if err != nil {
		if errors.Is(err, clients.ErrNotFound) {
			return apierrors.InvalidParameters("Invalid parameters",
				apierrors.InvalidField("ip", "requested IP is not on the network"))
		}

		return err
	}

	if record.Free || record.BelongsToUUID == "" {
		return nil
	}

	return apierrors.InvalidParameters("Invalid parameters", apierrors.FieldError{
		Type:  record.BelongsToType,
		ID:    record.BelongsToUUID,
		Code:  "UsedBy",
		Field: "ip",
	})
}
