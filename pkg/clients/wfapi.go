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
	"net/url"
	"time"

	"github.com/smartdc/vmapi/pkg/api"
)

// JobSubmission is the payload handed to the workflow executor.  The
// pipeline definition travels with the job so the executor needs no
// out-of-band workflow registration.
type JobSubmission struct {
	Name string `json:"name"`

	// Workflow is the serialized pipeline (see pkg/workflow).  It is
	// declared as an opaque value here so the executor contract doesn't
	// depend on composer internals.
	Workflow interface{} `json:"workflow"`

	Params api.JobParams `json:"params"`
}

// JobStatus is what the executor reports for a job.
type JobStatus struct {
	UUID         string           `json:"uuid"`
	Name         string           `json:"name"`
	Execution    api.Execution    `json:"execution"`
	Params       api.JobParams    `json:"params"`
	ChainResults []api.TaskResult `json:"chain_results,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
}

// WFAPI is the workflow executor surface this service consumes.  The
// composer submits pipelines; the reconciler polls for outcomes.
type WFAPI interface {
	// CreateJob submits a pipeline for execution, returning the job as
	// registered.
	CreateJob(ctx context.Context, submission *JobSubmission) (*JobStatus, error)

	// GetJob returns a single job.
	GetJob(ctx context.Context, uuid string) (*JobStatus, error)

	// ListJobs returns jobs filtered by VM and/or execution state.
	ListJobs(ctx context.Context, vmUUID string, execution api.Execution) ([]JobStatus, error)

	// CancelJob requests cancellation; the pipeline's oncancel branch
	// runs and in-flight external calls are allowed to finish.
	CancelJob(ctx context.Context, uuid string) error

	// Endpoint is the executor URL advertised to callers in the
	// workflow-api response header.
	Endpoint() string
}

// WFAPIClient talks to a real workflow executor.
type WFAPIClient struct {
	*client
}

// NewWFAPI provides a simple one-liner to start talking to the workflow
// executor.
func NewWFAPI(endpoint string) *WFAPIClient {
	return &WFAPIClient{client: newClient("wfapi", endpoint)}
}

// Ensure the WFAPI interface is implemented.
var _ WFAPI = &WFAPIClient{}

func (c *WFAPIClient) CreateJob(ctx context.Context, submission *JobSubmission) (*JobStatus, error) {
	job := &JobStatus{}

	if err := c.post(ctx, "/jobs", submission, job); err != nil {
		return nil, err
	}

	return job, nil
}

func (c *WFAPIClient) GetJob(ctx context.Context, uuid string) (*JobStatus, error) {
	job := &JobStatus{}

	if err := c.get(ctx, "/jobs/"+uuid, nil, job); err != nil {
		return nil, err
	}

	return job, nil
}

func (c *WFAPIClient) ListJobs(ctx context.Context, vmUUID string, execution api.Execution) ([]JobStatus, error) {
	query := url.Values{}

	if vmUUID != "" {
		query.Set("vm_uuid", vmUUID)
	}

	if execution != "" {
		query.Set("execution", string(execution))
	}

	var jobs []JobStatus

	if err := c.get(ctx, "/jobs", query, &jobs); err != nil {
		return nil, err
	}

	return jobs, nil
}

func (c *WFAPIClient) CancelJob(ctx context.Context, uuid string) error {
	return c.post(ctx, "/jobs/"+uuid+"/cancel", nil, nil)
}

func (c *WFAPIClient) Endpoint() string {
	return c.endpoint
}
