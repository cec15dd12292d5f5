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

// Package workflow composes the declarative pipelines submitted to the
// external workflow executor, one per mutation type.  Nothing in this
// package executes a task: the executor owns progression, and the
// reconciler observes the outcome.
package workflow

import (
	"github.com/smartdc/vmapi/pkg/api"
)

// Task is one step of a pipeline.  The executor resolves the name onto
// its task implementation; the body must be idempotent under retry.
type Task struct {
	Name string `json:"name"`

	// Timeout is seconds of wall clock before the task fails.
	Timeout int64 `json:"timeout,omitempty"`

	// Retry is the maximum number of attempts.
	Retry int `json:"retry,omitempty"`
}

// Pipeline is an ordered task chain with error and cancel branches and
// an overall wall clock timeout in seconds.
type Pipeline struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Timeout int64  `json:"timeout"`

	Chain    []Task `json:"chain"`
	OnError  []Task `json:"onerror,omitempty"`
	OnCancel []Task `json:"oncancel,omitempty"`
}

// Job name as submitted to the executor.
func (p *Pipeline) JobName() string {
	return p.Name + "-" + p.Version
}

// pipelineVersion stamps every composed pipeline so the executor can
// tell redeployed definitions apart.
const pipelineVersion = "7.0.0"

// Common task timeouts in seconds.
const (
	timeoutValidate    = 10
	timeoutDefault     = 120
	timeoutTicket      = 300
	timeoutCNWait      = 3600
	timeoutCleanupNics = 10
)

func task(name string, timeout int64, retry int) Task {
	return Task{Name: name, Timeout: timeout, Retry: retry}
}

// releaseBranch is the ticket release sequence every error and cancel
// branch must end with.
func releaseBranch(extra ...Task) []Task {
	return append(extra, task("waitlist.release_tickets", timeoutDefault, 1))
}

// taskName maps an action onto the job task identifier recorded on the
// job mirror and used by job list filters.
func taskName(action api.Action) string {
	switch action {
	case api.ActionProvision:
		return "provision"
	case api.ActionStart:
		return "start"
	case api.ActionStop:
		return "stop"
	case api.ActionReboot:
		return "reboot"
	case api.ActionUpdate:
		return "update"
	case api.ActionAddNics:
		return "add-nics"
	case api.ActionRemoveNics:
		return "remove-nic"
	case api.ActionCreateSnapshot:
		return "snapshot"
	case api.ActionRollbackSnapshot:
		return "rollback"
	case api.ActionDeleteSnapshot:
		return "delete-snapshot"
	case api.ActionReprovision:
		return "reprovision"
	case api.ActionDestroy:
		return "destroy"
	case api.ActionMigrate:
		return "migrate"
	}

	return string(action)
}
