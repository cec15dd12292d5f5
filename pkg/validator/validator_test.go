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

package validator_test

import (
	"context"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartdc/vmapi/pkg/api"
	"github.com/smartdc/vmapi/pkg/clients"
	"github.com/smartdc/vmapi/pkg/validator"
)

const (
	ownerUUID   = "930896af-bf8c-48d4-885c-6573a94b1853"
	networkUUID = "5d2a5e76-75f3-46d5-86f9-7f4e77a0a12a"
	imageUUID   = "fd2cc906-8938-11e3-beab-4359c665ac99"
	billingID   = "73a1ca34-1e30-48c7-8681-70314a9c67d3"
	serverUUID  = "564d4d2c-6b22-3a4e-3042-8a20a52184ad"
	packageUUID = "7041e374-b973-4013-a663-8a92f9d793f7"
	volumeUUID  = "0b8fb95c-8a43-4b91-9a2d-17d0f0d0a101"

	// otherOwnerUUID is well formed but absent from the directory.
	otherOwnerUUID = "91b73ae1-b1c0-4e5e-9a5b-28222f2b6a02"
)

type fakeNAPI struct {
	networks map[string]*clients.Network
	ips      map[string]*clients.IP
	nics     map[string][]api.Nic
	deleted  []string
}

func (f *fakeNAPI) GetNetwork(_ context.Context, uuid string) (*clients.Network, error) {
	network, ok := f.networks[uuid]
	if !ok {
		return nil, clients.ErrNotFound
	}

	return network, nil
}

func (f *fakeNAPI) GetNetworkByName(_ context.Context, name, ownerUUID string) (*clients.Network, error) {
	for _, network := range f.networks {
		if network.Name == name && network.VisibleTo(ownerUUID) {
			return network, nil
		}
	}

	return nil, clients.ErrNotFound
}

func (f *fakeNAPI) GetIP(_ context.Context, networkUUID, ip string) (*clients.IP, error) {
	record, ok := f.ips[networkUUID+"/"+ip]
	if !ok {
		return nil, clients.ErrNotFound
	}

	return record, nil
}

func (f *fakeNAPI) ListNics(_ context.Context, belongsToUUID string) ([]api.Nic, error) {
	return f.nics[belongsToUUID], nil
}

func (f *fakeNAPI) DeleteNic(_ context.Context, mac string) error {
	f.deleted = append(f.deleted, mac)

	return nil
}

type fakePAPI struct {
	packages map[string]*api.Package
}

func (f *fakePAPI) GetPackage(_ context.Context, uuid string) (*api.Package, error) {
	pkg, ok := f.packages[uuid]
	if !ok {
		return nil, clients.ErrNotFound
	}

	return pkg, nil
}

type fakeCNAPI struct {
	servers map[string]*clients.Server
	vms     map[string]*api.VM
}

func (f *fakeCNAPI) GetServer(_ context.Context, uuid string) (*clients.Server, error) {
	server, ok := f.servers[uuid]
	if !ok {
		return nil, clients.ErrNotFound
	}

	return server, nil
}

func (f *fakeCNAPI) GetServerVM(_ context.Context, serverUUID, vmUUID string) (*api.VM, error) {
	vm, ok := f.vms[serverUUID+"/"+vmUUID]
	if !ok {
		return nil, clients.ErrNotFound
	}

	return vm, nil
}

type fakeUFDS struct {
	users map[string]*clients.User
}

func (f *fakeUFDS) GetUser(_ context.Context, uuid string) (*clients.User, error) {
	user, ok := f.users[uuid]
	if !ok {
		return nil, clients.ErrNotFound
	}

	return user, nil
}

type fakeIMGAPI struct {
	images map[string]*clients.Image
}

func (f *fakeIMGAPI) GetImage(_ context.Context, uuid string) (*clients.Image, error) {
	image, ok := f.images[uuid]
	if !ok {
		return nil, clients.ErrNotFound
	}

	return image, nil
}

// newValidator builds a validator over canned collaborator data: one
// global network, one free and one held IP, one package, one server and
// one directory user.
func newValidator() (*validator.Validator, *fakeNAPI) {
	napi := &fakeNAPI{
		networks: map[string]*clients.Network{
			networkUUID: {UUID: networkUUID, Name: "external"},
		},
		ips: map[string]*clients.IP{
			networkUUID + "/10.88.88.10": {IP: "10.88.88.10", Free: true},
			networkUUID + "/10.88.88.11": {
				IP:            "10.88.88.11",
				BelongsToUUID: "71a38d0e-54b0-4a4a-b778-e5c00e5b2d0e",
				BelongsToType: "zone",
			},
		},
	}

	collaborators := &clients.Collaborators{
		NAPI:   napi,
		CNAPI:  &fakeCNAPI{servers: map[string]*clients.Server{serverUUID: {UUID: serverUUID, UnreservedRAM: 512}}},
		PAPI:   &fakePAPI{packages: map[string]*api.Package{packageUUID: {UUID: packageUUID, MaxPhysicalMemory: 2048}}},
		IMGAPI: &fakeIMGAPI{images: map[string]*clients.Image{imageUUID: {UUID: imageUUID, State: "active"}}},
		UFDS:   &fakeUFDS{users: map[string]*clients.User{ownerUUID: {UUID: ownerUUID, Login: "admin"}}},
	}

	return validator.New(collaborators), napi
}

func provisionPayload() map[string]interface{} {
	return map[string]interface{}{
		"owner_uuid": ownerUUID,
		"brand":      "joyent",
		"image_uuid": imageUUID,
		"billing_id": billingID,
		"ram":        float64(256),
		"networks":   []interface{}{map[string]interface{}{"uuid": networkUUID}},
	}
}

func TestProvisionValid(t *testing.T) {
	t.Parallel()

	v, _ := newValidator()

	params, resolved, err := v.Provision(context.Background(), provisionPayload())
	require.NoError(t, err)

	assert.Equal(t, ownerUUID, params.OwnerUUID)
	assert.Equal(t, api.BrandJoyent, params.Brand)
	assert.Equal(t, int64(256), params.RAM)
	assert.NotEmpty(t, params.UUID)

	require.Len(t, resolved, 1)
	assert.Equal(t, networkUUID, resolved[0].Network.UUID)
}

func TestProvisionMissingFieldsReportedTogether(t *testing.T) {
	t.Parallel()

	v, _ := newValidator()

	_, _, err := v.Provision(context.Background(), map[string]interface{}{})

	apiErr := apiError(t, err)
	assert.Equal(t, http.StatusConflict, apiErr.Status())
	assert.Equal(t, "ValidationFailed", apiErr.Code())
	assert.Equal(t, "Invalid parameters", apiErr.Error())

	fields := map[string]string{}
	for _, field := range apiErr.Fields() {
		fields[field.Field] = field.Code
	}

	for _, name := range []string{"owner_uuid", "brand", "image_uuid", "networks", "ram", "billing_id"} {
		assert.Equal(t, "MissingParameter", fields[name], name)
	}
}

func TestProvisionUnknownOwner(t *testing.T) {
	t.Parallel()

	v, _ := newValidator()

	payload := provisionPayload()
	payload["owner_uuid"] = otherOwnerUUID

	_, _, err := v.Provision(context.Background(), payload)

	apiErr := apiError(t, err)
	assert.Equal(t, http.StatusConflict, apiErr.Status())
	assert.Equal(t, "ValidationFailed", apiErr.Code())

	require.Len(t, apiErr.Fields(), 1)
	field := apiErr.Fields()[0]
	assert.Equal(t, "owner_uuid", field.Field)
	assert.Equal(t, fmt.Sprintf("No such owner %q", otherOwnerUUID), field.Message)
}

func TestProvisionVolumes(t *testing.T) {
	t.Parallel()

	v, _ := newValidator()

	payload := provisionPayload()
	payload["volumes"] = []interface{}{volumeUUID}

	params, _, err := v.Provision(context.Background(), payload)
	require.NoError(t, err)
	assert.Equal(t, []string{volumeUUID}, params.Volumes)

	payload["volumes"] = []interface{}{"not-a-uuid"}

	_, _, err = v.Provision(context.Background(), payload)
	assert.Error(t, err)
}

func TestProvisionUnknownNetwork(t *testing.T) {
	t.Parallel()

	v, _ := newValidator()

	payload := provisionPayload()
	payload["networks"] = []interface{}{map[string]interface{}{"uuid": "caaaf10c-ab3e-44f6-ad2d-e10a21b4b168"}}

	_, _, err := v.Provision(context.Background(), payload)

	apiErr := apiError(t, err)
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.Status())
	assert.Equal(t, "UnprocessableEntityError", apiErr.Code())
	assert.Equal(t, `No such Network or Pool with id/name: "caaaf10c-ab3e-44f6-ad2d-e10a21b4b168"`, apiErr.Error())
}

func TestProvisionNetworkByName(t *testing.T) {
	t.Parallel()

	v, _ := newValidator()

	payload := provisionPayload()
	payload["networks"] = []interface{}{map[string]interface{}{"name": "external"}}

	params, _, err := v.Provision(context.Background(), payload)
	require.NoError(t, err)

	// The reference is normalized to the resolved UUID.
	require.Len(t, params.Networks, 1)
	assert.Equal(t, networkUUID, params.Networks[0].UUID)
}

func TestProvisionOwnerRestrictedNetworkInvisible(t *testing.T) {
	t.Parallel()

	v, napi := newValidator()

	private := "0e1c8a0e-2f2e-4e15-9e6f-5e78f4b7a001"
	napi.networks[private] = &clients.Network{
		UUID:       private,
		Name:       "private",
		OwnerUUIDs: []string{"d4f6d3cc-3e5d-47b5-8469-e3f09ac8b6a5"},
	}

	payload := provisionPayload()
	payload["networks"] = []interface{}{map[string]interface{}{"uuid": private}}

	_, _, err := v.Provision(context.Background(), payload)

	apiErr := apiError(t, err)
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.Status())
}

func TestProvisionRequestedIPInUse(t *testing.T) {
	t.Parallel()

	v, _ := newValidator()

	payload := provisionPayload()
	payload["networks"] = []interface{}{map[string]interface{}{
		"uuid":     networkUUID,
		"ipv4_ips": []interface{}{"10.88.88.11"},
	}}

	_, _, err := v.Provision(context.Background(), payload)

	apiErr := apiError(t, err)
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.Status())
	assert.Equal(t, "InvalidParameters", apiErr.Code())

	require.Len(t, apiErr.Fields(), 1)
	field := apiErr.Fields()[0]
	assert.Equal(t, "UsedBy", field.Code)
	assert.Equal(t, "ip", field.Field)
	assert.Equal(t, "zone", field.Type)
	assert.Equal(t, "71a38d0e-54b0-4a4a-b778-e5c00e5b2d0e", field.ID)
}

func TestProvisionRequestedFreeIP(t *testing.T) {
	t.Parallel()

	v, _ := newValidator()

	payload := provisionPayload()
	payload["networks"] = []interface{}{map[string]interface{}{
		"uuid":     networkUUID,
		"ipv4_ips": []interface{}{"10.88.88.10"},
	}}

	_, _, err := v.Provision(context.Background(), payload)
	assert.NoError(t, err)
}

func TestProvisionHVMImageFromBootDisk(t *testing.T) {
	t.Parallel()

	v, _ := newValidator()

	payload := provisionPayload()
	payload["brand"] = "bhyve"
	delete(payload, "image_uuid")
	payload["disks"] = []interface{}{
		map[string]interface{}{"image_uuid": imageUUID, "boot": true},
		map[string]interface{}{"size": float64(10240)},
	}

	params, _, err := v.Provision(context.Background(), payload)
	require.NoError(t, err)
	assert.Equal(t, imageUUID, params.ImageUUID)
}

func TestProvisionUnsupportedBrand(t *testing.T) {
	t.Parallel()

	v, _ := newValidator()

	payload := provisionPayload()
	payload["brand"] = "xen"

	_, _, err := v.Provision(context.Background(), payload)

	apiErr := apiError(t, err)
	require.Len(t, apiErr.Fields(), 1)
	assert.Equal(t, "brand", apiErr.Fields()[0].Field)
}

func TestActionGuards(t *testing.T) {
	t.Parallel()

	v, _ := newValidator()

	provisioning := &api.VM{State: api.StateProvisioning, ServerUUID: serverUUID}
	running := &api.VM{State: api.StateRunning, ServerUUID: serverUUID}
	stopped := &api.VM{State: api.StateStopped, ServerUUID: serverUUID}
	unallocated := &api.VM{State: api.StateStopped}
	destroyed := &api.VM{State: api.StateDestroyed, ServerUUID: serverUUID}
	kvm := &api.VM{State: api.StateRunning, ServerUUID: serverUUID, Brand: api.BrandKVM}

	// Provisioning VMs accept nothing but destroy.
	assert.Error(t, v.Action(provisioning, api.ActionStart))
	assert.Error(t, v.Action(provisioning, api.ActionUpdate))
	assert.NoError(t, v.Action(provisioning, api.ActionDestroy))

	assert.Error(t, v.Action(destroyed, api.ActionStart))

	assert.NoError(t, v.Action(stopped, api.ActionStart))
	assert.Error(t, v.Action(running, api.ActionStart))

	assert.NoError(t, v.Action(running, api.ActionStop))
	assert.NoError(t, v.Action(running, api.ActionReboot))
	assert.Error(t, v.Action(stopped, api.ActionStop))

	err := v.Action(unallocated, api.ActionStart)
	apiErr := apiError(t, err)
	assert.Equal(t, "UnallocatedVM", apiErr.Code())

	err = v.Action(kvm, api.ActionCreateSnapshot)
	apiErr = apiError(t, err)
	assert.Equal(t, "BrandNotSupported", apiErr.Code())
}

func TestUpdateEmptyOwnerRejected(t *testing.T) {
	t.Parallel()

	v, _ := newValidator()

	vm := &api.VM{State: api.StateRunning, ServerUUID: serverUUID}

	_, err := v.Update(context.Background(), vm, map[string]interface{}{"owner_uuid": ""})

	apiErr := apiError(t, err)
	assert.Equal(t, http.StatusConflict, apiErr.Status())
}

func TestUpdateOwnerMustExist(t *testing.T) {
	t.Parallel()

	v, _ := newValidator()

	vm := &api.VM{State: api.StateRunning, ServerUUID: serverUUID}

	_, err := v.Update(context.Background(), vm, map[string]interface{}{"owner_uuid": otherOwnerUUID})
	assert.Error(t, err)

	_, err = v.Update(context.Background(), vm, map[string]interface{}{"owner_uuid": ownerUUID})
	assert.NoError(t, err)
}

func TestUpdateResizeWithinCapacity(t *testing.T) {
	t.Parallel()

	v, _ := newValidator()

	vm := &api.VM{
		State:      api.StateRunning,
		ServerUUID: serverUUID,
		RAM:        1536,
		BillingID:  billingID,
	}

	params, err := v.Update(context.Background(), vm, map[string]interface{}{"billing_id": packageUUID})
	require.NoError(t, err)

	require.NotNil(t, params.NewPackage)
	assert.Equal(t, int64(2048), params.NewPackage.MaxPhysicalMemory)
}

func TestUpdateResizeExceedsCapacity(t *testing.T) {
	t.Parallel()

	v, _ := newValidator()

	// The package wants 2048, the VM has 256, the server advertises
	// 512 unreserved.
	vm := &api.VM{
		State:      api.StateRunning,
		ServerUUID: serverUUID,
		RAM:        256,
		BillingID:  billingID,
	}

	_, err := v.Update(context.Background(), vm, map[string]interface{}{"billing_id": packageUUID})

	apiErr := apiError(t, err)
	assert.Equal(t, http.StatusConflict, apiErr.Status())
	assert.Equal(t, "ValidationFailed", apiErr.Code())

	require.Len(t, apiErr.Fields(), 1)
	field := apiErr.Fields()[0]
	assert.Equal(t, "ram", field.Field)
	assert.Equal(t, "InsufficientCapacity", field.Code)
	assert.Equal(t, "Required additional RAM (1792) exceeds the server's available RAM (512)", field.Message)
}

func TestUpdateResizeDownSkipsCapacityCheck(t *testing.T) {
	t.Parallel()

	v, _ := newValidator()

	vm := &api.VM{
		State:      api.StateRunning,
		ServerUUID: serverUUID,
		RAM:        4096,
		BillingID:  billingID,
	}

	params, err := v.Update(context.Background(), vm, map[string]interface{}{"billing_id": packageUUID})
	require.NoError(t, err)
	assert.NotNil(t, params.NewPackage)
}

func TestRemoveNicsUnownedMAC(t *testing.T) {
	t.Parallel()

	v, _ := newValidator()

	vm := &api.VM{Nics: []api.Nic{{MAC: "90:b8:d0:a2:21:01"}}}

	_, err := v.RemoveNics(vm, map[string]interface{}{"macs": []interface{}{"90:b8:d0:ff:ff:ff"}})
	assert.Error(t, err)

	params, err := v.RemoveNics(vm, map[string]interface{}{"macs": []interface{}{"90:b8:d0:a2:21:01"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"90:b8:d0:a2:21:01"}, params.MACs)
}

func TestSnapshotRollbackNeedsExistingName(t *testing.T) {
	t.Parallel()

	v, _ := newValidator()

	vm := &api.VM{Snapshots: []api.Snapshot{{Name: "before-upgrade"}}}

	_, err := v.Snapshot(vm, map[string]interface{}{"snapshot_name": "nope"}, api.ActionRollbackSnapshot)
	assert.Error(t, err)

	params, err := v.Snapshot(vm, map[string]interface{}{"snapshot_name": "before-upgrade"}, api.ActionRollbackSnapshot)
	require.NoError(t, err)
	assert.Equal(t, "before-upgrade", params.Name)
}

func TestReprovisionHVMRejected(t *testing.T) {
	t.Parallel()

	v, _ := newValidator()

	vm := &api.VM{Brand: api.BrandBhyve}

	_, err := v.Reprovision(context.Background(), vm, map[string]interface{}{"image_uuid": imageUUID})

	apiErr := apiError(t, err)
	assert.Equal(t, "BrandNotSupported", apiErr.Code())
}

func TestReprovisionUnknownImage(t *testing.T) {
	t.Parallel()

	v, _ := newValidator()

	vm := &api.VM{Brand: api.BrandJoyent}

	_, err := v.Reprovision(context.Background(), vm, map[string]interface{}{
		"image_uuid": "f5d8a5e2-7f8b-4f7e-97c8-e6f1f2f53a01",
	})
	assert.Error(t, err)
}

func TestMigrateSubactions(t *testing.T) {
	t.Parallel()

	v, _ := newValidator()

	vm := &api.VM{ServerUUID: serverUUID}

	_, err := v.Migrate(vm, map[string]interface{}{"migration_action": "teleport"})
	assert.Error(t, err)

	_, err = v.Migrate(vm, map[string]interface{}{
		"migration_action":   "begin",
		"target_server_uuid": serverUUID,
	})
	assert.Error(t, err)

	params, err := v.Migrate(vm, map[string]interface{}{"migration_action": "begin"})
	require.NoError(t, err)
	assert.Equal(t, api.MigrationBegin, params.Action)
}
