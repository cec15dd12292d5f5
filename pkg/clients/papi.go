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

// PAPI is the package catalog surface this service consumes.
type PAPI interface {
	// GetPackage looks a package up by UUID.
	GetPackage(ctx context.Context, uuid string) (*api.Package, error)
}

// PAPIClient talks to a real PAPI.
type PAPIClient struct {
	*client
}

// NewPAPI provides a simple one-liner to start talking to the package
// catalog.
func NewPAPI(endpoint string) *PAPIClient {
	return &PAPIClient{client: newClient("papi", endpoint)}
}

// Ensure the PAPI interface is implemented.
var _ PAPI = &PAPIClient{}

func (c *PAPIClient) GetPackage(ctx context.Context, uuid string) (*api.Package, error) {
	pkg := &api.Package{}

	if err := c.get(ctx, "/packages/"+uuid, nil, pkg); err != nil {
		return nil, err
	}

	return pkg, nil
}
