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
)

// VOLAPI is the volume API surface this service consumes, used to keep
// volume reference counts honest as VMs come and go.
type VOLAPI interface {
	// AddReference records that the VM uses the volume.
	AddReference(ctx context.Context, volumeUUID, vmUUID string) error

	// RemoveReference drops the VM's use of the volume.
	RemoveReference(ctx context.Context, volumeUUID, vmUUID string) error
}

// VOLAPIClient talks to a real VOLAPI.
type VOLAPIClient struct {
	*client
}

// NewVOLAPI provides a simple one-liner to start talking to the volume
// service.
func NewVOLAPI(endpoint string) *VOLAPIClient {
	return &VOLAPIClient{client: newClient("volapi", endpoint)}
}

// Ensure the VOLAPI interface is implemented.
var _ VOLAPI = &VOLAPIClient{}

type volumeReference struct {
	OwnerUUID string `json:"owner_uuid,omitempty"`
	VMUUID    string `json:"vm_uuid"`
}

func (c *VOLAPIClient) AddReference(ctx context.Context, volumeUUID, vmUUID string) error {
	return c.post(ctx, "/volumes/"+volumeUUID+"/addreference", &volumeReference{VMUUID: vmUUID}, nil)
}

func (c *VOLAPIClient) RemoveReference(ctx context.Context, volumeUUID, vmUUID string) error {
	return c.post(ctx, "/volumes/"+volumeUUID+"/removereference", &volumeReference{VMUUID: vmUUID}, nil)
}
