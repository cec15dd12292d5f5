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

	"github.com/smartdc/vmapi/pkg/api"
)

// Server is the CNAPI view of a compute node.  UnreservedRAM is the
// capacity figure resize-up validation consults.
type Server struct {
	UUID          string `json:"uuid"`
	Hostname      string `json:"hostname,omitempty"`
	RAM           int64  `json:"ram,omitempty"`
	UnreservedRAM int64  `json:"unreserved_ram"`
	Reserved      bool   `json:"reserved,omitempty"`
	Setup         bool   `json:"setup,omitempty"`
}

// CNAPI is the compute node API surface this service consumes.
type CNAPI interface {
	// GetServer returns a compute node, including its advertised
	// capacity.
	GetServer(ctx context.Context, uuid string) (*Server, error)

	// GetServerVM reads the live VM record off the compute node, used
	// to refresh cached state after cancellations.
	GetServerVM(ctx context.Context, serverUUID, vmUUID string) (*api.VM, error)
}

// CNAPIClient talks to a real CNAPI.
type CNAPIClient struct {
	*client
}

// NewCNAPI provides a simple one-liner to start talking to compute nodes.
func NewCNAPI(endpoint string) *CNAPIClient {
	return &CNAPIClient{client: newClient("cnapi", endpoint)}
}

// Ensure the CNAPI interface is implemented.
var _ CNAPI = &CNAPIClient{}

func (c *CNAPIClient) GetServer(ctx context.Context, uuid string) (*Server, error) {
	server := &Server{}

	if err := c.get(ctx, "/servers/"+uuid, nil, server); err != nil {
		return nil, err
	}

	return server, nil
}

func (c *CNAPIClient) GetServerVM(ctx context.Context, serverUUID, vmUUID string) (*api.VM, error) {
	vm := &api.VM{}

	if err := c.get(ctx, "/servers/"+serverUUID+"/vms/"+vmUUID, nil, vm); err != nil {
		return nil, err
	}

	return vm, nil
}
