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

// Package clients provides the REST clients for the services this API
// coordinates: NAPI (NICs and networks), CNAPI (compute nodes), FWAPI
// (firewall rules), IMGAPI (images), PAPI (packages), WFAPI (workflow
// executor), VOLAPI (volumes) and UFDS (users).  Every call propagates
// the originating x-request-id and opens a client span.
package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/smartdc/vmapi/pkg/api"
	"github.com/smartdc/vmapi/pkg/constants"
)

var (
	// ErrNotFound is when a resource is not found.
	ErrNotFound = errors.New("resource not found")

	// ErrResponse is raised for any unexpected upstream status.
	ErrResponse = errors.New("unexpected response")
)

// Collaborators bundles every outbound client.  It is assembled once at
// the composition root and handed to the components that need it, so
// nothing reaches for global singletons.
type Collaborators struct {
	NAPI   NAPI
	CNAPI  CNAPI
	FWAPI  FWAPI
	IMGAPI IMGAPI
	PAPI   PAPI
	WFAPI  WFAPI
	VOLAPI VOLAPI
	UFDS   UFDS
}

// client wraps the shared HTTP plumbing for a single upstream service.
type client struct {
	// name is the service name, used for spans and errors.
	name string

	// endpoint is the service base URL.
	endpoint string

	// client is the underlying HTTP client.
	client *http.Client
}

func newClient(name, endpoint string) *client {
	return &client{
		name:     name,
		endpoint: endpoint,
		client: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// do performs a request, decoding any JSON response into out when it's
// non-nil.  404s map onto ErrNotFound so callers can react without
// peeking at statuses.
func (c *client) do(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	tracer := otel.GetTracerProvider().Tracer(constants.Application)

	ctx, span := tracer.Start(ctx, c.name+" "+method+" "+path, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	u := c.endpoint + path
	if len(query) != 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader

	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}

		reader = bytes.NewReader(data)
	}

	request, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return err
	}

	request.Header.Set("Accept", "application/json")
	request.Header.Set("User-Agent", constants.VersionString())

	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	if id := api.RequestIDFromContext(ctx); id != "" {
		request.Header.Set(constants.RequestIDHeader, id)
	}

	response, err := c.client.Do(request)
	if err != nil {
		return err
	}

	defer response.Body.Close()

	if response.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s %s", ErrNotFound, c.name, path)
	}

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(response.Body, 4096))

		return fmt.Errorf("%w: %s %s returned %d: %s", ErrResponse, c.name, path, response.StatusCode, string(detail))
	}

	if out == nil {
		return nil
	}

	return json.NewDecoder(response.Body).Decode(out)
}

func (c *client) get(ctx context.Context, path string, query url.Values, out interface{}) error {
	return c.do(ctx, http.MethodGet, path, query, nil, out)
}

func (c *client) post(ctx context.Context, path string, body, out interface{}) error {
	return c.do(ctx, http.MethodPost, path, nil, body, out)
}

func (c *client) put(ctx context.Context, path string, body, out interface{}) error {
	return c.do(ctx, http.MethodPut, path, nil, body, out)
}

func (c *client) delete(ctx context.Context, path string) error {
	return c.do(ctx, http.MethodDelete, path, nil, nil, nil)
}
