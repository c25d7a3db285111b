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

package kubernetes

import (
	"fmt"

	"github.com/cenkalti/backoff"
	"github.com/gravitational/rigging"
	"github.com/gravitational/trace"
	"k8s.io/apimachinery/pkg/api/errors"
)

// NewDrainTimeoutError returns a new error to indicate that pods remained
// on a node after the drain grace period expired
func NewDrainTimeoutError(err error, node string, remaining int) *DrainTimeoutError {
	return &DrainTimeoutError{
		Err:       err,
		Node:      node,
		Remaining: remaining,
	}
}

// DrainTimeoutError indicates an incomplete drain: pods remained on the
// node after the grace period. The caller is expected to pause instead of
// forcing eviction
type DrainTimeoutError struct {
	// Err is the underlying drain error
	Err error
	// Node is the node the drain was running against
	Node string
	// Remaining is the number of pods still pending eviction
	Remaining int
}

// Error returns the error string representation
func (e *DrainTimeoutError) Error() string {
	return fmt.Sprintf("drain of node %q timed out with %v pod(s) remaining: %v",
		e.Node, e.Remaining, e.Err)
}

// OrigError returns the underlying error
func (e *DrainTimeoutError) OrigError() error {
	return e.Err
}

// IsDrainTimeoutError returns true if the specified error is of type
// DrainTimeoutError
func IsDrainTimeoutError(err error) bool {
	_, ok := trace.Unwrap(err).(*DrainTimeoutError)
	return ok
}

// retryOnUpdateConflict converts an update conflict into a retryable error
// and everything else into a permanent one
func retryOnUpdateConflict(err error) error {
	if err == nil {
		return nil
	}
	origErr := trace.Unwrap(err)
	switch {
	case errors.IsConflict(origErr):
		return rigging.ConvertError(origErr)
	default:
		return &backoff.PermanentError{Err: origErr}
	}
}
