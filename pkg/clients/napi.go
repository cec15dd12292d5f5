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

package clients

import (
	"context"
	"net/url"

	"github.com/smartdc/vmapi/pkg/api"
)

// Network is a NAPI network or pool.
type Network struct {
	UUID       string   `json:"uuid"`
	Name       string   `json:"name"`
	OwnerUUIDs []string `json:"owner_uuids,omitempty"`
	Fabric     bool     `json:"fabric,omitempty"`
	Subnet     string   `json:"subnet,omitempty"`
	NicTag     string   `json:"nic_tag,omitempty"`
	VLANID     int      `json:"vlan_id,omitempty"`
}

// VisibleTo tells whether the owner may reference the network: either
// it is global (no owner list) or the owner is on the list.
func (n *Network) VisibleTo(ownerUUID string) bool {
	if len(n.OwnerUUIDs) == 0 {
		return true
	}

	for _, owner := range n.OwnerUUIDs {
		if owner == ownerUUID {
			return true
		}
	}

	return false
}

// IP is a NAPI address record, used to detect requested addresses that
// another zone already holds.
type IP struct {
	IP            string `json:"ip"`
	Free          bool   `json:"free"`
	BelongsToUUID string `json:"belongs_to_uuid,omitempty"`
	BelongsToType string `json:"belongs_to_type,omitempty"`
}

// NAPI is the network API surface this service consumes.
type NAPI interface {
	// GetNetwork looks a network up by UUID.
	GetNetwork(ctx context.Context, uuid string) (*Network, error)

	// GetNetworkByName looks an owner visible or global network up
	// by name.
	GetNetworkByName(ctx context.Context, name, ownerUUID string) (*Network, error)

	// GetIP returns the address record for an IP on a network.
	GetIP(ctx context.Context, networkUUID, ip string) (*IP, error)

	// ListNics returns every NIC belonging to the zone.
	ListNics(ctx context.Context, belongsToUUID string) ([]api.Nic, error)

	// DeleteNic removes a NIC record by MAC.
	DeleteNic(ctx context.Context, mac string) error
}

// NAPIClient talks to a real NAPI.
type NAPIClient struct {
	*client
}

// NewNAPI provides a simple one-liner to start networking.
func NewNAPI(endpoint string) *NAPIClient {
	return &NAPIClient{client: newClient("napi", endpoint)}
}

// Ensure the NAPI interface is implemented.
var _ NAPI = &NAPIClient{}

func (c *NAPIClient) GetNetwork(ctx context.Context, uuid string) (*Network, error) {
	network := &Network{}

	if err := c.get(ctx, "/networks/"+uuid, nil, network); err != nil {
		return nil, err
	}

	return network, nil
}

func (c *NAPIClient) GetNetworkByName(ctx context.Context, name, ownerUUID string) (*Network, error) {
	query := url.Values{}
	query.Set("name", name)
	query.Set("provisionable_by", ownerUUID)

	var networks []Network

	if err := c.get(ctx, "/networks", query, &networks); err != nil {
		return nil, err
	}

	if len(networks) == 0 {
		return nil, ErrNotFound
	}

	return &networks[0], nil
}

func (c *NAPIClient) GetIP(ctx context.Context, networkUUID, ip string) (*IP, error) {
	record := &IP{}

	if err := c.get(ctx, "/networks/"+networkUUID+"/ips/"+ip, nil, record); err != nil {
		return nil, err
	}

	return record, nil
}

func (c *NAPIClient) ListNics(ctx context.Context, belongsToUUID string) ([]api.Nic, error) {
	query := url.Values{}
	query.Set("belongs_to_uuid", belongsToUUID)

	var nics []api.Nic

	if err := c.get(ctx, "/nics", query, &nics); err != nil {
		return nil, err
	}

	return nics, nil
}

func (c *NAPIClient) DeleteNic(ctx context.Context, mac string) error {
	return c.delete(ctx, "/nics/"+mac)
}
