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
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartdc/vmapi/pkg/api"
	"github.com/smartdc/vmapi/pkg/server/errors"
	"github.com/smartdc/vmapi/pkg/validator"
)

// apiError unwraps the typed error every validation failure carries.
func apiError(t *testing.T, err error) *errors.APIError {
	t.Helper()

	require.Error(t, err)

	var apiErr *errors.APIError

	require.ErrorAs(t, err, &apiErr)

	return apiErr
}

func TestTagWritePlainTags(t *testing.T) {
	t.Parallel()

	err := validator.CheckTagWrite(api.Tags{
		"role":  "database",
		"count": float64(3),
		"prod":  true,
	}, validator.TagWriteOptions{})
	assert.NoError(t, err)
}

func TestTagWriteUnrecognizedTritonTag(t *testing.T) {
	t.Parallel()

	err := validator.CheckTagWrite(api.Tags{"triton.foo": "bar"}, validator.TagWriteOptions{})

	apiErr := apiError(t, err)
	assert.Equal(t, http.StatusConflict, apiErr.Status())
	assert.Equal(t, "ValidationFailed", apiErr.Code())

	require.Len(t, apiErr.Fields(), 1)
	assert.Equal(t, "tags", apiErr.Fields()[0].Field)
	assert.Equal(t, `Unrecognized special triton tag "triton.foo"`, apiErr.Fields()[0].Message)
}

func TestTagWriteTritonTagTypeMismatch(t *testing.T) {
	t.Parallel()

	err := validator.CheckTagWrite(api.Tags{"triton.cns.disable": "yes"}, validator.TagWriteOptions{})

	apiErr := apiError(t, err)
	require.Len(t, apiErr.Fields(), 1)
	assert.Equal(t, `Triton tag "triton.cns.disable" value must be a boolean: yes (string)`, apiErr.Fields()[0].Message)
}

func TestTagWriteCNSServices(t *testing.T) {
	t.Parallel()

	err := validator.CheckTagWrite(api.Tags{"triton.cns.services": "web,db:5432"}, validator.TagWriteOptions{})
	assert.NoError(t, err)

	err = validator.CheckTagWrite(api.Tags{"triton.cns.services": "web,-bad-"}, validator.TagWriteOptions{})

	apiErr := apiError(t, err)
	require.Len(t, apiErr.Fields(), 1)
	assert.Equal(t, `invalid "triton.cns.services" tag: Expected DNS name but "-bad-" found.`, apiErr.Fields()[0].Message)
}

func TestTagWriteDockerLabelsReserved(t *testing.T) {
	t.Parallel()

	tags := api.Tags{"docker:label:com.docker.blah": "quux"}

	err := validator.CheckTagWrite(tags, validator.TagWriteOptions{})

	apiErr := apiError(t, err)
	assert.Equal(t, `Special tag "docker:label:com.docker.blah" not supported`, apiErr.Error())

	// Docker provisioning itself is the one legitimate writer.
	err = validator.CheckTagWrite(tags, validator.TagWriteOptions{DockerProvision: true})
	assert.NoError(t, err)
}

func TestTagDeleteReservedOnDockerVM(t *testing.T) {
	t.Parallel()

	vm := &api.VM{
		Brand: api.BrandLX,
		Tags:  api.Tags{"sdc_docker": true, "docker:label:com.docker.blah": "quux"},
	}

	err := validator.CheckTagDelete(vm, "docker:label:com.docker.blah")

	apiErr := apiError(t, err)
	assert.Equal(t, `Special tag "docker:label:com.docker.blah" may not be deleted`, apiErr.Error())

	assert.NoError(t, validator.CheckTagDelete(vm, "role"))
}

func TestTagDeleteAllKeepsReservedTags(t *testing.T) {
	t.Parallel()

	vm := &api.VM{
		Brand: api.BrandLX,
		Tags:  api.Tags{"sdc_docker": true, "role": "worker"},
	}

	err := validator.CheckTagDeleteAll(vm)

	apiErr := apiError(t, err)
	assert.Equal(t, `Special tag "sdc_docker" may not be deleted`, apiErr.Error())

	assert.NoError(t, validator.CheckTagDeleteAll(&api.VM{Tags: api.Tags{"role": "worker"}}))
}

func TestTagReplaceMustCarryReservedTags(t *testing.T) {
	t.Parallel()

	vm := &api.VM{
		Brand: api.BrandLX,
		Tags:  api.Tags{"sdc_docker": true, "role": "worker"},
	}

	err := validator.CheckTagReplace(vm, api.Tags{"role": "database"})

	apiErr := apiError(t, err)
	assert.Equal(t, `Special tag "sdc_docker" may not be deleted`, apiErr.Error())

	assert.NoError(t, validator.CheckTagReplace(vm, api.Tags{"sdc_docker": true, "role": "database"}))
}
