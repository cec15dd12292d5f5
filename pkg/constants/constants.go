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

package constants

import (
	"fmt"
	"os"
	"path"
)

var (
	// Application is the application name.
	//nolint:gochecknoglobals
	Application = path.Base(os.Args[0])

	// Version is the application version set via the Makefile.
	//nolint:gochecknoglobals
	Version string

	// Revision is the git revision set via the Makefile.
	//nolint:gochecknoglobals
	Revision string
)

// VersionString returns a canonical version string.  It's based on
// HTTP's User-Agent so can be used to set that too when calling out
// to the other services.
func VersionString() string {
	return fmt.Sprintf("%s/%s (revision/%s)", Application, Version, Revision)
}

const (
	// RequestIDHeader identifies a single API request across this service
	// and every outbound collaborator call it makes.
	RequestIDHeader = "x-request-id"

	// ContextHeader carries the JSON caller context recorded into every
	// job's parameters at API time.
	ContextHeader = "x-context"

	// ResourceCountHeader reports the total number of objects matching a
	// list query, ignoring pagination.
	ResourceCountHeader = "x-joyent-resource-count"

	// WorkflowAPIHeader tells the caller where the job accepted for an
	// asynchronous mutation can be polled.
	WorkflowAPIHeader = "workflow-api"
)

const (
	// VMsBucket is the primary VM bucket, keyed by VM UUID.
	VMsBucket = "vmapi_vms"

	// VMRoleTagsBucket is the secondary role tag index.
	VMRoleTagsBucket = "vmapi_vm_role_tags"

	// VMMigrationsBucket holds migration records, keyed by VM UUID.
	VMMigrationsBucket = "vmapi_vm_migrations"

	// JobsBucket mirrors workflow jobs for query purposes.  The workflow
	// executor remains authoritative for job progression.
	JobsBucket = "vmapi_jobs"
)

const (
	// DefaultListLimit is the page size applied when a list request
	// doesn't specify one.
	DefaultListLimit = 1000

	// MaxListLimit caps the page size a client may request.
	MaxListLimit = 1000
)

// ZeroUUID is the "no package" billing ID.
const ZeroUUID = "00000000-0000-0000-0000-000000000000"
