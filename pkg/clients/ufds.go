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

// User is the directory record for an owner.
type User struct {
	UUID  string `json:"uuid"`
	Login string `json:"login,omitempty"`
	Email string `json:"email,omitempty"`

	// Triton CNS is only active for users that have opted in.
	TritonCNSEnabled bool `json:"triton_cns_enabled,omitempty"`
}

// UFDS is the user directory surface this service consumes.
type UFDS interface {
	// GetUser looks an owner up by UUID.
	GetUser(ctx context.Context, uuid string) (*User, error)
}

// UFDSClient talks to the directory through its REST frontend.
type UFDSClient struct {
	*client
}

// NewUFDS provides a simple one-liner to start talking to the user
// directory.
func NewUFDS(endpoint string) *UFDSClient {
	return &UFDSClient{client: newClient("ufds", endpoint)}
}

// Ensure the UFDS interface is implemented.
var _ UFDS = &UFDSClient{}

func (c *UFDSClient) GetUser(ctx context.Context, uuid string) (*User, error) {
	user := &User{}

	if err := c.get(ctx, "/users/"+uuid, nil, user); err != nil {
		return nil, err
	}

	return user, nil
}
