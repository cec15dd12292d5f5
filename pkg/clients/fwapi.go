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

// FWAPI is the firewall API surface this service consumes.
type FWAPI interface {
	// ListRules returns the rules affecting a VM.
	ListRules(ctx context.Context, vmUUID string) ([]api.FirewallRule, error)
}

// FWAPIClient talks to a real FWAPI.
type FWAPIClient struct {
	*client
}

// NewFWAPI provides a simple one-liner to start talking to the firewall
// service.
func NewFWAPI(endpoint string) *FWAPIClient {
	return &FWAPIClient{client: newClient("fwapi", endpoint)}
}

// Ensure the FWAPI interface is implemented.
var _ FWAPI = &FWAPIClient{}

func (c *FWAPIClient) ListRules(ctx context.Context, vmUUID string) ([]api.FirewallRule, error) {
	query := url.Values{}
	query.Set("vm_uuid", vmUUID)

	var rules []api.FirewallRule

	if err := c.get(ctx, "/rules", query, &rules); err != nil {
		return nil, err
	}

	return rules, nil
}
