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

package storage

import (
	"github.com/gravitational/trace"
)

const (
	// NodegroupStateProvisioning means the nodegroup is being created
	// or has not reached its desired capacity yet
	NodegroupStateProvisioning = "provisioning"
	// NodegroupStateHealthy means the nodegroup is at desired capacity
	// with all nodes ready
	NodegroupStateHealthy = "healthy"
	// NodegroupStateDraining means workloads are being evicted from
	// the nodegroup
	NodegroupStateDraining = "draining"
	// NodegroupStateDeleting means the nodegroup is being torn down
	NodegroupStateDeleting = "deleting"
	// NodegroupStateDeleted means the nodegroup no longer exists
	NodegroupStateDeleted = "deleted"
	// NodegroupStateDegraded means the nodegroup exists but reports
	// unhealthy nodes or a failed provisioning API status
	NodegroupStateDegraded = "degraded"
)

// Nodegroup describes an observed worker nodegroup
type Nodegroup struct {
	// Name is the nodegroup name, unique within the cluster
	Name string `json:"name"`
	// Role is the logical worker role carried by the role label
	Role string `json:"role"`
	// AMIFamily is the AMI family the nodegroup was created from
	AMIFamily string `json:"ami_family"`
	// ReleaseVersion is the AMI release version the nodegroup is running
	ReleaseVersion string `json:"release_version"`
	// Desired is the desired number of nodes
	Desired int64 `json:"desired"`
	// Min is the lower capacity bound
	Min int64 `json:"min"`
	// Max is the upper capacity bound
	Max int64 `json:"max"`
	// Private indicates placement on private subnets only
	Private bool `json:"private"`
	// State is the observed lifecycle state, one of the NodegroupState
	// constants
	State string `json:"state"`
	// Managed indicates the nodegroup carries the controller's
	// management tag. The controller never mutates unmanaged nodegroups
	Managed bool `json:"managed"`
}

// NodegroupSpec describes a nodegroup to be created
type NodegroupSpec struct {
	// Name is the name for the new nodegroup
	Name string `json:"name"`
	// Role is the logical worker role label to apply
	Role string `json:"role"`
	// AMIFamily is the AMI family to boot nodes from
	AMIFamily string `json:"ami_family"`
	// ReleaseVersion is the AMI release version to boot nodes from
	ReleaseVersion string `json:"release_version"`
	// Desired is the desired number of nodes
	Desired int64 `json:"desired"`
	// Min is the lower capacity bound
	Min int64 `json:"min"`
	// Max is the upper capacity bound
	Max int64 `json:"max"`
	// Private requests placement on private subnets only
	Private bool `json:"private"`
	// Subnets are the subnet ids to place nodes into
	Subnets []string `json:"subnets"`
	// NodeRole is the IAM role ARN for the worker nodes, provisioned
	// externally and passed through as an opaque value
	NodeRole string `json:"node_role"`
	// SSHKeyName optionally enables SSH access with the named key pair
	SSHKeyName string `json:"ssh_key_name,omitempty"`
	// LaunchTemplate is the launch template name to boot from, required
	// for custom AMI families
	LaunchTemplate string `json:"launch_template,omitempty"`
	// Labels are additional node labels to apply
	Labels map[string]string `json:"labels,omitempty"`
}

// Check makes sure the spec is valid
func (s NodegroupSpec) Check() error {
	if s.Name == "" {
		return trace.BadParameter("missing Name")
	}
	if s.Role == "" {
		return trace.BadParameter("missing Role")
	}
	if s.AMIFamily == "" {
		return trace.BadParameter("missing AMIFamily")
	}
	if s.ReleaseVersion == "" {
		return trace.BadParameter("missing ReleaseVersion")
	}
	if s.Desired < 1 {
		return trace.BadParameter("Desired must be at least 1")
	}
	if s.Min > s.Desired || s.Max < s.Desired {
		return trace.BadParameter("Desired %v is outside capacity bounds [%v, %v]",
			s.Desired, s.Min, s.Max)
	}
	return nil
}

// Matches determines whether the observed nodegroup satisfies this spec,
// i.e. whether a create request for the spec can be treated as a no-op
func (s NodegroupSpec) Matches(ng Nodegroup) bool {
	return s.Name == ng.Name &&
		s.Role == ng.Role &&
		s.AMIFamily == ng.AMIFamily &&
		s.ReleaseVersion == ng.ReleaseVersion &&
		s.Desired == ng.Desired &&
		s.Min == ng.Min &&
		s.Max == ng.Max
}
