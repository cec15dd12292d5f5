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

// Image is the IMGAPI view of an image.
type Image struct {
	UUID  string `json:"uuid"`
	Name  string `json:"name,omitempty"`
	State string `json:"state,omitempty"`
	OS    string `json:"os,omitempty"`
	Type  string `json:"type,omitempty"`

	// GeneratePasswords asks provisioning to mint credentials for the
	// image's declared users.
	GeneratePasswords bool `json:"generate_passwords,omitempty"`

	Requirements map[string]interface{} `json:"requirements,omitempty"`
}

// IMGAPI is the image API surface this service consumes.
type IMGAPI interface {
	// GetImage looks an image up by UUID.
	GetImage(ctx context.Context, uuid string) (*Image, error)
}

// IMGAPIClient talks to a real IMGAPI.
type IMGAPIClient struct {
	*client
}

// NewIMGAPI provides a simple one-liner to start talking to the image
// service.
func NewIMGAPI(endpoint string) *IMGAPIClient {
	return &IMGAPIClient{client: newClient("imgapi", endpoint)}
}

// Ensure the IMGAPI interface is implemented.
var _ IMGAPI = &IMGAPIClient{}

func (c *IMGAPIClient) GetImage(ctx context.Context, uuid string) (*Image, error) {
	image := &Image{}

	if err := c.get(ctx, "/images/"+uuid, nil, image); err != nil {
		return nil, err
	}

	return image, nil
}
