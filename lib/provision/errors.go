/*
Copyright 2021 Gravitational, Inc.

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

package provision

import (
	"fmt"

	"github.com/gravitational/trace"
)

// NewConflictError returns a new error to indicate that a nodegroup
// exists in a state that conflicts with the requested operation
func NewConflictError(name string, format string, args ...interface{}) *ConflictError {
	return &ConflictError{
		Nodegroup: name,
		Message:   fmt.Sprintf(format, args...),
	}
}

// ConflictError indicates that a nodegroup with the requested name exists
// with a conflicting spec or state. Terminal: requires operator correction
type ConflictError struct {
	// Nodegroup is the conflicting nodegroup name
	Nodegroup string
	// Message describes the conflict
	Message string
}

// Error returns the error string representation
func (e *ConflictError) Error() string {
	return fmt.Sprintf("nodegroup %q: %v", e.Nodegroup, e.Message)
}

// IsConflictError returns true if the specified error is of type ConflictError
func IsConflictError(err error) bool {
	_, ok := trace.Unwrap(err).(*ConflictError)
	return ok
}

// NewPartialFailure returns a new error to indicate that a nodegroup
// operation completed only partially
func NewPartialFailure(name string, format string, args ...interface{}) *PartialFailure {
	return &PartialFailure{
		Nodegroup: name,
		Message:   fmt.Sprintf(format, args...),
	}
}

// PartialFailure indicates that a nodegroup exists but never reached a
// steady healthy state, e.g. it was created but provisioning failed
// half-way. The driver never rolls a partially created nodegroup back,
// the condition is reported for a forward retry or operator action
type PartialFailure struct {
	// Nodegroup is the affected nodegroup name
	Nodegroup string
	// Message describes the failure
	Message string
}

// Error returns the error string representation
func (e *PartialFailure) Error() string {
	return fmt.Sprintf("nodegroup %q: %v", e.Nodegroup, e.Message)
}

// IsPartialFailure returns true if the specified error is of type PartialFailure
func IsPartialFailure(err error) bool {
	_, ok := trace.Unwrap(err).(*PartialFailure)
	return ok
}
