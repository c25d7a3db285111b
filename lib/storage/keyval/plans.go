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

package keyval

import (
	"github.com/ky-rafaels/chainguard-nodes-k8s/lib/storage"

	"github.com/gravitational/trace"
)

// CreatePlan creates a new rollover plan for the plan's role
func (b *backend) CreatePlan(plan storage.RolloverPlan) (*storage.RolloverPlan, error) {
	err := plan.Check()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	plan.Version = 1
	now := b.Now().UTC()
	if plan.CreatedAt.IsZero() {
		plan.CreatedAt = now
	}
	plan.UpdatedAt = now
	err = b.createVal(b.key(plansP, plan.Role), plan)
	if err != nil {
		if trace.IsAlreadyExists(err) {
			return nil, trace.AlreadyExists(
				"rollover plan for role %q already exists", plan.Role)
		}
		return nil, trace.Wrap(err)
	}
	return &plan, nil
}

// GetPlan returns the rollover plan for the specified role
func (b *backend) GetPlan(role string) (*storage.RolloverPlan, error) {
	if role == "" {
		return nil, trace.BadParameter("missing role")
	}
	var plan storage.RolloverPlan
	err := b.getVal(b.key(plansP, role), &plan)
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("no rollover plan for role %q", role)
		}
		return nil, trace.Wrap(err)
	}
	return &plan, nil
}

// GetPlans returns rollover plans for all roles
func (b *backend) GetPlans() ([]storage.RolloverPlan, error) {
	roles, err := b.getKeys(b.key(plansP))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var plans []storage.RolloverPlan
	for _, role := range roles {
		plan, err := b.GetPlan(role)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		plans = append(plans, *plan)
	}
	return plans, nil
}

// CompareAndSwapPlan replaces the stored plan with the provided one as
// long as the stored copy has not changed since prev was read
func (b *backend) CompareAndSwapPlan(plan, prev storage.RolloverPlan) (*storage.RolloverPlan, error) {
	err := plan.Check()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if plan.Role != prev.Role {
		return nil, trace.BadParameter("role mismatch: %q != %q",
			plan.Role, prev.Role)
	}
	plan.Version = prev.Version + 1
	plan.UpdatedAt = b.Now().UTC()
	err = b.compareAndSwap(b.key(plansP, plan.Role), plan, prev)
	if err != nil {
		if trace.IsCompareFailed(err) {
			return nil, trace.CompareFailed(
				"rollover plan for role %q has been changed by another instance", plan.Role)
		}
		return nil, trace.Wrap(err)
	}
	return &plan, nil
}

// DeletePlan removes the rollover plan for the specified role
func (b *backend) DeletePlan(role string) error {
	if role == "" {
		return trace.BadParameter("missing role")
	}
	err := b.deleteKey(b.key(plansP, role))
	if err != nil {
		if trace.IsNotFound(err) {
			return trace.NotFound("no rollover plan for role %q", role)
		}
		return trace.Wrap(err)
	}
	return nil
}
