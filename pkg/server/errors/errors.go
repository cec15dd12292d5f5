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

package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-logr/logr"
)

var (
	// ErrRequest is raised for all handler errors.
	ErrRequest = errors.New("request error")
)

// FieldError pins an error to a single offending parameter.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`

	// Type and ID qualify externally rejected references, e.g. the
	// zone already holding a requested IP.
	Type string `json:"type,omitempty"`
	ID   string `json:"id,omitempty"`
}

// InvalidField is the common Invalid field error.
func InvalidField(field, message string) FieldError {
	return FieldError{Field: field, Code: "Invalid", Message: message}
}

// MissingField reports a required parameter that wasn't supplied.
func MissingField(field string) FieldError {
	return FieldError{Field: field, Code: "MissingParameter", Message: "Missing parameter"}
}

// APIError wraps ErrRequest with the wire representation every error
// response carries: {code, message, errors:[{field, code, message}]}.
type APIError struct {
	// status is the HTTP status code.
	status int

	// code is the terse error code to return to the client.
	code string

	// message is a verbose description to log/return to the user.
	message string

	// fields are the per-parameter errors, if any.
	fields []FieldError

	// err is set when the originator was an error.  This is only used
	// for logging so as not to leak server internals to the client.
	err error
}

// errorBody is the JSON shape of an error response.
type errorBody struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Errors  []FieldError `json:"errors,omitempty"`
}

// newAPIError returns a new API error.
func newAPIError(status int, code, message string) *APIError {
	return &APIError{
		status:  status,
		code:    code,
		message: message,
	}
}

// WithError augments the error with an error from a library.
func (e *APIError) WithError(err error) *APIError {
	e.err = err

	return e
}

// WithFields augments the error with per-parameter errors.
func (e *APIError) WithFields(fields ...FieldError) *APIError {
	e.fields = append(e.fields, fields...)

	return e
}

// Unwrap implements Go 1.13 errors.
func (e *APIError) Unwrap() error {
	return ErrRequest
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return e.message
}

// Code returns the wire error code.
func (e *APIError) Code() string {
	return e.code
}

// Status returns the HTTP status.
func (e *APIError) Status() int {
	return e.status
}

// Fields returns the per-parameter errors.
func (e *APIError) Fields() []FieldError {
	return e.fields
}

// Write returns the error code and description to the client.
func (e *APIError) Write(w http.ResponseWriter, r *http.Request) {
	// Log out any detail from the error that shouldn't be reported
	// to the client.  Do it before things can error and return.
	log := logr.FromContextOrDiscard(r.Context())

	details := []interface{}{
		"status", e.status,
		"code", e.code,
	}

	if e.message != "" {
		details = append(details, "detail", e.message)
	}

	if e.err != nil {
		details = append(details, "error", e.err)
	}

	log.Info("request error", details...)

	w.Header().Add("Cache-Control", "no-cache")
	w.Header().Add("Content-Type", "application/json")
	w.WriteHeader(e.status)

	body, err := json.Marshal(errorBody{
		Code:    e.code,
		Message: e.message,
		Errors:  e.fields,
	})
	if err != nil {
		log.Error(err, "failed to marshal error response")

		return
	}

	if _, err := w.Write(body); err != nil {
		log.Error(err, "failed to write error response")
	}
}

// ValidationFailed reports a parameter violating a schema rule.
func ValidationFailed(message string, fields ...FieldError) *APIError {
	return newAPIError(http.StatusConflict, "ValidationFailed", message).WithFields(fields...)
}

// InvalidParameters reports a reference an external service rejected,
// e.g. a requested IP already in use.
func InvalidParameters(message string, fields ...FieldError) *APIError {
	return newAPIError(http.StatusUnprocessableEntity, "InvalidParameters", message).WithFields(fields...)
}

// UnprocessableEntity reports an unknown network or pool reference.
func UnprocessableEntity(message string) *APIError {
	return newAPIError(http.StatusUnprocessableEntity, "UnprocessableEntityError", message)
}

// UnknownNetwork is the canonical unknown network/pool error.
func UnknownNetwork(ref string) *APIError {
	return UnprocessableEntity(fmt.Sprintf("No such Network or Pool with id/name: %q", ref))
}

// ResourceNotFound is a plain 404.
func ResourceNotFound(message string) *APIError {
	return newAPIError(http.StatusNotFound, "ResourceNotFound", message)
}

// VMNotFound is the canonical unknown VM error.
func VMNotFound(uuid string) *APIError {
	return ResourceNotFound(fmt.Sprintf("VM %s not found", uuid))
}

// UnallocatedVM reports an action against a VM that never provisioned
// onto a server.
func UnallocatedVM(message string) *APIError {
	return newAPIError(http.StatusConflict, "UnallocatedVM", message)
}

// VMNotRunning reports an action that needs a running VM.
func VMNotRunning() *APIError {
	return newAPIError(http.StatusConflict, "VmNotRunning", "VM is not running")
}

// VMNotStopped reports an action that needs a stopped VM.
func VMNotStopped() *APIError {
	return newAPIError(http.StatusConflict, "VmNotStopped", "VM is not stopped")
}

// BrandNotSupported reports a brand/action mismatch.
func BrandNotSupported(message string) *APIError {
	return newAPIError(http.StatusConflict, "BrandNotSupported", message)
}

// VMWithoutFlexibleDiskSize reports a disk change on a package without
// flexible disk sizing.
func VMWithoutFlexibleDiskSize() *APIError {
	return newAPIError(http.StatusConflict, "VmWithoutFlexibleDiskSize", "VM's package does not support flexible disk size")
}

// InsufficientDiskSpace reports a disk change exceeding the package
// disk envelope.
func InsufficientDiskSpace() *APIError {
	return newAPIError(http.StatusConflict, "InsufficientDiskSpace", "Requested disk size exceeds the package quota")
}

// MorayBucketsNotSetup is raised until the store buckets exist.
func MorayBucketsNotSetup() *APIError {
	return newAPIError(http.StatusServiceUnavailable, "MorayBucketsNotSetup", "Moray buckets are not yet initialized")
}

// DataVersion is raised while a schema migration is pending.
func DataVersion() *APIError {
	return newAPIError(http.StatusServiceUnavailable, "DataVersion", "data migration in progress")
}

// InternalError tells the client we are at fault, this should never be
// seen in production.  If so then our testing needs to improve.
func InternalError(message string) *APIError {
	return newAPIError(http.StatusInternalServerError, "InternalError", message)
}

// toAPIError is a handy unwrapper to get an API error from a generic one.
func toAPIError(err error) *APIError {
	var apiErr *APIError

	if !errors.As(err, &apiErr) {
		return nil
	}

	return apiErr
}

// IsNotFound tells whether the error is a 404.
func IsNotFound(err error) bool {
	apiErr := toAPIError(err)

	return apiErr != nil && apiErr.status == http.StatusNotFound
}

// HandleError is the top level error handler that should be called from
// all path handlers on error.
func HandleError(w http.ResponseWriter, r *http.Request, err error) {
	log := logr.FromContextOrDiscard(r.Context())

	if apiError := toAPIError(err); apiError != nil {
		apiError.Write(w, r)

		return
	}

	log.Error(err, "unhandled error")

	InternalError("unhandled error").Write(w, r)
}
