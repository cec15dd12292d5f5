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

package store

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/smartdc/vmapi/pkg/api"
	"github.com/smartdc/vmapi/pkg/constants"
)

// structuredFields are the attributes accepted as plain query
// parameters.  tag.<key> parameters are accepted additionally.
//
//nolint:gochecknoglobals
var structuredFields = map[string]bool{
	"uuid":        true,
	"owner_uuid":  true,
	"brand":       true,
	"state":       true,
	"alias":       true,
	"ram":         true,
	"server_uuid": true,
	"billing_id":  true,
	"image_uuid":  true,
}

// Query captures everything a list request can say: structured filters,
// an LDAP-style filter string, a JSON predicate, projection and
// pagination.  The three filter surfaces are intersected.
type Query struct {
	// Filters are structured equality filters, including tag.<key>.
	Filters map[string]string

	// LDAP is the raw query= filter.
	LDAP string

	// PredicateJSON is the raw predicate= tree.
	PredicateJSON string

	// Fields is the projection; empty means every field.
	Fields []string

	// Limit and Offset paginate.  Limit is defaulted and capped.
	Limit  int
	Offset int

	// Sort is field.ASC or field.DESC; default create_timestamp.DESC.
	Sort string
}

// ParseQuery builds a Query from URL parameters, validating pagination
// and filter names.
func ParseQuery(values url.Values) (*Query, error) {
	query := &Query{
		Filters: map[string]string{},
		Limit:   constants.DefaultListLimit,
	}

	for name := range values {
		value := values.Get(name)

		switch name {
		case "query":
			query.LDAP = value
		case "predicate":
			query.PredicateJSON = value
		case "fields":
			query.Fields = strings.Split(value, ",")
		case "sort":
			query.Sort = value
		case "limit":
			limit, err := strconv.Atoi(value)
			if err != nil || limit < 0 {
				return nil, fmt.Errorf("%w: limit must be a non-negative integer", ErrPredicate)
			}

			if limit > constants.MaxListLimit {
				limit = constants.MaxListLimit
			}

			query.Limit = limit
		case "offset":
			offset, err := strconv.Atoi(value)
			if err != nil || offset < 0 {
				return nil, fmt.Errorf("%w: offset must be a non-negative integer", ErrPredicate)
			}

			query.Offset = offset
		case "role_tags":
			query.Filters["role_tags"] = value
		default:
			if strings.HasPrefix(name, "tag.") || structuredFields[name] {
				query.Filters[name] = value

				continue
			}

			// Unknown parameters are ignored for forward
			// compatibility.
		}
	}

	return query, nil
}

// Compile produces the single matcher the three filter surfaces
// intersect into.
func (q *Query) Compile() (func(*api.VM) bool, error) {
	var predicates []*Predicate

	for name, value := range q.Filters {
		switch {
		case name == "role_tags":
			// Resolved against the role tag bucket by the store, not
			// matchable on the VM record itself.
			continue
		case name == "state" && value == "active":
			// state=active is a shortcut for neither destroyed nor
			// failed.
			predicates = append(predicates,
				&Predicate{Op: "ne", Field: "state", Value: string(api.StateDestroyed)},
				&Predicate{Op: "ne", Field: "state", Value: string(api.StateFailed)})
		case strings.HasPrefix(name, "tag."):
			predicates = append(predicates, tagPredicate(strings.TrimPrefix(name, "tag."), value))
		default:
			predicates = append(predicates, &Predicate{Op: "eq", Field: name, Value: value})
		}
	}

	if q.LDAP != "" {
		predicate, err := ParseLDAP(q.LDAP)
		if err != nil {
			return nil, err
		}

		predicates = append(predicates, predicate)
	}

	if q.PredicateJSON != "" {
		predicate, err := ParsePredicate(q.PredicateJSON)
		if err != nil {
			return nil, err
		}

		predicates = append(predicates, predicate)
	}

	return func(vm *api.VM) bool {
		fields := vmFields(vm)

		for _, predicate := range predicates {
			if !predicate.Match(fields) {
				return false
			}
		}

		return true
	}, nil
}

// tagPredicate matches one tag using the flattened -key=value-
// convention shared with the LDAP surface.
func tagPredicate(key, value string) *Predicate {
	return &Predicate{
		Op:    "eq",
		Field: "tags",
		Value: fmt.Sprintf("*-%s=%s-*", key, value),
	}
}

// FlattenTags serializes a tag map into the indexable -k=v- form.
func FlattenTags(tags api.Tags) string {
	if len(tags) == 0 {
		return ""
	}

	keys := make([]string, 0, len(tags))

	for key := range tags {
		keys = append(keys, key)
	}

	sort.Strings(keys)

	var builder strings.Builder

	for _, key := range keys {
		fmt.Fprintf(&builder, "-%s=%s-", key, stringify(tags[key]))
	}

	return builder.String()
}

// vmFields flattens a VM into the attribute map predicates evaluate
// over, mirroring the store's index layout.
func vmFields(vm *api.VM) map[string]interface{} {
	fields := map[string]interface{}{
		"uuid":                vm.UUID,
		"owner_uuid":          vm.OwnerUUID,
		"brand":               string(vm.Brand),
		"state":               string(vm.State),
		"alias":               vm.Alias,
		"ram":                 float64(vm.RAM),
		"max_physical_memory": float64(vm.MaxPhysicalMemory),
		"server_uuid":         vm.ServerUUID,
		"billing_id":          vm.BillingID,
		"image_uuid":          vm.ImageUUID,
		"create_timestamp":    vm.CreateTimestamp.UTC().Format(time.RFC3339),
		"tags":                FlattenTags(vm.Tags),
	}

	if vm.Quota != nil {
		fields["quota"] = float64(*vm.Quota)
	}

	return fields
}

// SortVMs orders results: create_timestamp descending unless sort says
// otherwise.
func SortVMs(vms []*api.VM, sortSpec string) {
	field := "create_timestamp"
	ascending := false

	if sortSpec != "" {
		parts := strings.SplitN(sortSpec, ".", 2)
		field = parts[0]

		if len(parts) == 2 {
			ascending = strings.EqualFold(parts[1], "ASC")
		}
	}

	sort.SliceStable(vms, func(i, j int) bool {
		a, b := vmFields(vms[i]), vmFields(vms[j])

		cmp, _ := valueCompare(a[field], b[field])

		if ascending {
			return cmp < 0
		}

		return cmp > 0
	})
}

// Page applies offset and limit.  Offsets past the end yield an empty
// page rather than an error.
func Page[T any](rows []T, limit, offset int) []T {
	if offset >= len(rows) {
		return nil
	}

	rows = rows[offset:]

	if limit > 0 && limit < len(rows) {
		rows = rows[:limit]
	}

	return rows
}

// Project reduces VMs to the requested fields.  Unlisted fields are
// absent from the result rows, not null.
func Project(vms []*api.VM, fields []string) ([]map[string]interface{}, error) {
	rows := make([]map[string]interface{}, 0, len(vms))

	for _, vm := range vms {
		full, err := toJSONMap(vm)
		if err != nil {
			return nil, err
		}

		row := map[string]interface{}{}

		for _, field := range fields {
			if value, ok := full[field]; ok {
				row[field] = value
			}
		}

		rows = append(rows, row)
	}

	return rows, nil
}
