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

// Package storage defines the persisted types of the rollover controller
// and the interface to the backing store
package storage

import (
	"io"
	"time"

	"github.com/gravitational/trace"
)

// Backend is the interface to the controller state store.
//
// The store keeps one rollover plan and one declared target per managed
// role, plus the advisory locks that serialize reconciliation passes.
// All plan mutations go through CompareAndSwapPlan so concurrent controller
// instances cannot clobber each other's updates
type Backend interface {
	io.Closer
	// CreatePlan creates a new rollover plan, fails with AlreadyExists
	// if a plan for the same role already exists
	CreatePlan(plan RolloverPlan) (*RolloverPlan, error)
	// GetPlan returns the rollover plan for the specified role, fails
	// with NotFound if there is none
	GetPlan(role string) (*RolloverPlan, error)
	// GetPlans returns rollover plans for all roles
	GetPlans() ([]RolloverPlan, error)
	// CompareAndSwapPlan replaces the stored plan for the role with the
	// provided plan if the stored version counter still matches the
	// version of prev, fails with CompareFailed otherwise
	CompareAndSwapPlan(plan, prev RolloverPlan) (*RolloverPlan, error)
	// DeletePlan removes the rollover plan for the specified role
	DeletePlan(role string) error
	// UpsertTarget creates or updates the declared target for a role
	UpsertTarget(target Target) error
	// GetTarget returns the declared target for the specified role
	GetTarget(role string) (*Target, error)
	// GetTargets returns declared targets for all roles
	GetTargets() ([]Target, error)
	// DeleteTarget removes the declared target for the specified role
	DeleteTarget(role string) error
	// TryAcquireLock grabs a lock that will be released automatically
	// after ttl, tries once and either succeeds right away or fails
	TryAcquireLock(token string, ttl time.Duration) error
	// ReleaseLock releases the lock with the specified token
	ReleaseLock(token string) error
}

// Target is the operator-declared desired AMI family for a worker role
type Target struct {
	// Role is the logical worker role the target applies to
	Role string `json:"role"`
	// AMIFamily is the desired AMI family, e.g. "chainguard"
	AMIFamily string `json:"ami_family"`
	// PinnedVersion optionally pins the release version. When empty
	// the latest release published by the family feed is used
	PinnedVersion string `json:"pinned_version,omitempty"`
	// UpdatedAt is the time the target was last declared
	UpdatedAt time.Time `json:"updated_at"`
}

// Check makes sure the target is valid
func (t Target) Check() error {
	if t.Role == "" {
		return trace.BadParameter("missing Role")
	}
	if t.AMIFamily == "" {
		return trace.BadParameter("missing AMIFamily")
	}
	return nil
}
