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

	"github.com/google/uuid"

	"github.com/smartdc/vmapi/pkg/api"
	"github.com/smartdc/vmapi/pkg/server/errors"
)

// localityError is the single error shape every locality problem maps
// onto.
func localityError() error {
	return errors.ValidationFailed("Invalid parameters",
		errors.InvalidField("locality", "locality contains malformed UUID"))
}

// ParseLocality normalizes the locality hint: an object with optional
// strict, near and far members, the latter two being a UUID or an array
// of UUIDs.
func ParseLocality(raw map[string]interface{}) (*api.Locality, error) {
	if raw == nil {
		return nil, nil
	}

	locality := &api.Locality{}

	for key, value := range raw {
		switch key {
		case "strict":
			strict, ok := value.(bool)
			if !ok {
				return nil, errors.ValidationFailed("Invalid parameters",
					errors.InvalidField("locality", "locality strict must be a boolean"))
			}

			locality.Strict = strict
		case "near", "far":
			uuids, err := localityUUIDs(value)
			if err != nil {
				return nil, err
			}

			if key == "near" {
				locality.Near = uuids
			} else {
				locality.Far = uuids
			}
		default:
			return nil, errors.ValidationFailed("Invalid parameters",
				errors.InvalidField("locality", fmt.Sprintf("unknown locality key %q", key)))
		}
	}

	return locality, nil
}

// localityUUIDs accepts a single UUID string or an array of them.
func localityUUIDs(value interface{}) ([]string, error) {
	switch typed := value.(type) {
	case string:
		if _, err := uuid.Parse(typed); err != nil {
			return nil, localityError()
		}

		return []string{typed}, nil
	case []interface{}:
		uuids := make([]string, 0, len(typed))

		for _, element := range typed {
			s, ok := element.(string)
			if !ok {
				return nil, localityError()
			}

			if _, err := uuid.Parse(s); err != nil {
				return nil, localityError()
			}

			uuids = append(uuids, s)
		}

		return uuids, nil
	}

	return nil, localityError()
}
