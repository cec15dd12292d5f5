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
	"fmt"
	"regexp"
	"strings"

	"github.com/smartdc/vmapi/pkg/api"
	"github.com/smartdc/vmapi/pkg/server/errors"
)

const (
	// tritonTagPrefix marks the closed set of typed special tags.
	tritonTagPrefix = "triton."

	// dockerLabelPrefix and sdcDockerTag are structurally reserved and
	// only writable by docker-brand provisioning itself.
	dockerLabelPrefix = "docker:label:com.docker."
	sdcDockerTag      = "sdc_docker"
)

// tagType declares the value type a recognized triton tag requires.
type tagType string

const (
	tagTypeString  tagType = "string"
	tagTypeBoolean tagType = "boolean"
	tagTypeNumber  tagType = "number"
)

// tritonTags is the closed registry of recognized triton.* tags.
//
//nolint:gochecknoglobals
var tritonTags = map[string]tagType{
	"triton.cns.services":                      tagTypeString,
	"triton.cns.disable":                       tagTypeBoolean,
	"triton.cns.reverse_ptr":                   tagTypeString,
	"triton.placement.exclude_virtual_servers": tagTypeBoolean,
	"triton._migrated_from":                    tagTypeString,
}

// dnsLabel matches one label of triton.cns.services, optionally with a
// port suffix.
//
//nolint:gochecknoglobals
var dnsLabel = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?(:[0-9]+)?$`)

// reservedTag tells whether a key may never be written through the tag
// surfaces.
func reservedTag(key string) bool {
	return strings.HasPrefix(key, dockerLabelPrefix) || key == sdcDockerTag
}

// actualType names a tag value's type the way error messages expect.
func actualType(value interface{}) string {
	switch value.(type) {
	case string:
		return "string"
	case bool:
		return "boolean"
	case float64, float32, int, int64:
		return "number"
	}

	return fmt.Sprintf("%T", value)
}

// checkTritonTag validates one recognized triton.* tag value.
func checkTritonTag(key string, value interface{}) error {
	wanted, ok := tritonTags[key]
	if !ok {
		return errors.ValidationFailed("Invalid parameters",
			errors.InvalidField("tags", fmt.Sprintf("Unrecognized special triton tag %q", key)))
	}

	actual := tagType(actualType(value))
	if actual != wanted {
		return errors.ValidationFailed("Invalid parameters",
			errors.InvalidField("tags",
				fmt.Sprintf("Triton tag %q value must be a %s: %v (%s)", key, wanted, value, actual)))
	}

	if key == "triton.cns.services" {
		return checkCNSServices(value.(string))
	}

	return nil
}

// checkCNSServices validates the comma-separated DNS labels of
// triton.cns.services.
func checkCNSServices(value string) error {
	for _, service := range strings.Split(value, ",") {
		if dnsLabel.MatchString(service) {
			continue
		}

		return errors.ValidationFailed("Invalid parameters",
			errors.InvalidField("tags",
				fmt.Sprintf("invalid \"triton.cns.services\" tag: Expected DNS name but %q found.", service)))
	}

	return nil
}

// TagWriteOptions qualify a tag mutation.
type TagWriteOptions struct {
	// DockerProvision is set only for the docker-brand provision path,
	// the one writer allowed to create reserved tags.
	DockerProvision bool
}

// CheckTagWrite validates a tag set about to be created or merged:
// triton.* keys must be in the registry with the right value types, and
// reserved docker keys are rejected outside docker provisioning.
func CheckTagWrite(tags api.Tags, options TagWriteOptions) error {
	for key, value := range tags {
		if key == "" {
			return errors.ValidationFailed("Invalid parameters",
				errors.InvalidField("tags", "tag keys must be non-empty strings"))
		}

		if strings.HasPrefix(key, tritonTagPrefix) {
			if err := checkTritonTag(key, value); err != nil {
				return err
			}

			continue
		}

		if reservedTag(key) && !options.DockerProvision {
			return errors.ValidationFailed(fmt.Sprintf("Special tag %q not supported", key))
		}
	}

	return nil
}

// CheckTagDelete validates removal of a single tag key.
func CheckTagDelete(vm *api.VM, key string) error {
	if reservedTag(key) {
		if vm.Docker() {
			return errors.ValidationFailed(fmt.Sprintf("Special tag %q may not be deleted", key))
		}

		return errors.ValidationFailed(fmt.Sprintf("Special tag %q not supported", key))
	}

	return nil
}

// CheckTagDeleteAll validates removal of a VM's whole tag set, which
// must not take reserved keys with it.
func CheckTagDeleteAll(vm *api.VM) error {
	for key := range vm.Tags {
		if reservedTag(key) {
			return errors.ValidationFailed(fmt.Sprintf("Special tag %q may not be deleted", key))
		}
	}

	return nil
}

// CheckTagReplace validates a PUT replacing the whole tag set: the new
// set is checked as a write, and any reserved keys in the old set must
// be carried over unchanged.
func CheckTagReplace(vm *api.VM, tags api.Tags) error {
	for key, value := range tags {
		if reservedTag(key) {
			// A reserved key is only acceptable as an unchanged
			// carry-over from the existing set.
			if existing, ok := vm.Tags[key]; ok && existing == value {
				continue
			}

			return errors.ValidationFailed(fmt.Sprintf("Special tag %q not supported", key))
		}

		if err := CheckTagWrite(api.Tags{key: value}, TagWriteOptions{}); err != nil {
			return err
		}
	}

	for key := range vm.Tags {
		if !reservedTag(key) {
			continue
		}

		if _, ok := tags[key]; !ok {
			return errors.ValidationFailed(fmt.Sprintf("Special tag %q may not be deleted", key))
		}
	}

	return nil
}
