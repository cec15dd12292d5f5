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

package middleware

import (
	"encoding/json"
	"net"
	"net/http"

	"github.com/google/uuid"

	"github.com/smartdc/vmapi/pkg/api"
	"github.com/smartdc/vmapi/pkg/constants"
)

// RequestID assigns or propagates the x-request-id header and places it
// in the request context for outbound calls to carry.
func RequestID() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(constants.RequestIDHeader)
			if id == "" {
				id = uuid.New().String()
			}

			w.Header().Set(constants.RequestIDHeader, id)

			ctx := api.NewContextWithRequestID(r.Context(), id)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequestContext decodes the x-context header, the caller identity
// recorded verbatim into every job this request dispatches.  Absent or
// malformed headers fall back to a caller derived from the connection.
func RequestContext() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestContext := &api.RequestContext{}

			if header := r.Header.Get(constants.ContextHeader); header != "" {
				if err := json.Unmarshal([]byte(header), requestContext); err != nil {
					requestContext = &api.RequestContext{}
				}
			}

			if requestContext.Caller.Type == "" {
				host, _, err := net.SplitHostPort(r.RemoteAddr)
				if err != nil {
					host = r.RemoteAddr
				}

				requestContext.Caller = api.Caller{Type: "operator", IP: host}
			}

			ctx := api.NewContextWithRequestContext(r.Context(), requestContext)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
