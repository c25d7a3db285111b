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

// UpsertTarget creates or updates the declared target for a role
func (b *backend) UpsertTarget(target storage.Target) error {
	err := target.Check()
	if err != nil {
		return trace.Wrap(err)
	}
	target.UpdatedAt = b.Now().UTC()
	return trace.Wrap(b.upsertVal(b.key(targetsP, target.Role), target))
}

// GetTarget returns the declared target for the specified role
func (b *backend) GetTarget(role string) (*storage.Target, error) {
	if role == "" {
		return nil, trace.BadParameter("missing role")
	}
	var target storage.Target
	err := b.getVal(b.key(targetsP, role), &target)
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("no target declared for role %q", role)
		}
		return nil, trace.Wrap(err)
	}
	return &target, nil
}

// GetTargets returns declared targets for all roles
func (b *backend) GetTargets() ([]storage.Target, error) {
	roles, err := b.getKeys(b.key(targetsP))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var targets []storage.Target
	for _, role := range roles {
		target, err := b.GetTarget(role)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		targets = append(targets, *target)
	}
	return targets, nil
}

// DeleteTarget removes the declared target for the specified role
func (b *backend) DeleteTarget(role string) error {
	if role == "" {
		return trace.BadParameter("missing role")
	}
	err := b.deleteKey(b.key(targetsP, role))
	if err != nil {
		if trace.IsNotFound(err) {
			return trace.NotFound("no target declared for role %q", role)
		}
		return trace.Wrap(err)
	}
	return nil
}
