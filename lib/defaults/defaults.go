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

package defaults

import (
	"time"

	"github.com/cenkalti/backoff"
)

const (
	// ReconcileInterval is how often the controller runs a reconciliation
	// pass for each managed role
	ReconcileInterval = 5 * time.Minute

	// ReconcileLockTTL is the TTL on the per-role advisory lock held for
	// the duration of a single reconciliation pass
	ReconcileLockTTL = 1 * time.Hour

	// RetryInterval is the interval between retries of transient failures
	RetryInterval = 5 * time.Second

	// RetryAttempts is the maximum number of retries of transient failures
	// before the operation is given up on
	RetryAttempts = 10

	// NodegroupHealthTimeout is the total time to wait for a newly created
	// nodegroup to become active with all nodes ready
	NodegroupHealthTimeout = 30 * time.Minute

	// NodegroupHealthInterval is the poll interval while waiting for a
	// nodegroup to become healthy
	NodegroupHealthInterval = 15 * time.Second

	// NodegroupDeleteTimeout is the total time to wait for a nodegroup
	// to be deleted
	NodegroupDeleteTimeout = 30 * time.Minute

	// ObservationWindow is the minimum time a replacement nodegroup must
	// stay healthy before the source nodegroup is touched
	ObservationWindow = 5 * time.Minute

	// DrainTimeout defines the total drain operation timeout for a single
	// nodegroup
	DrainTimeout = 15 * time.Minute

	// ResourceGracePeriod forces a kubernetes operation to use the default
	// grace period defined for a resource
	ResourceGracePeriod = -1

	// DBOpenTimeout is a default timeout for opening the DB
	DBOpenTimeout = 30 * time.Second

	// PrivateFileMask is a mask for private files
	PrivateFileMask = 0600

	// StateFile is the default path to the controller state database
	StateFile = "/var/lib/rollover/rollover.db"

	// AmazonAMIFamily is the name of the stock EKS-optimized AMI family
	AmazonAMIFamily = "amazon"

	// ChainguardAMIFamily is the name of the Chainguard AMI family
	ChainguardAMIFamily = "chainguard"

	// NodegroupRoleLabel is the node label carrying the logical worker role
	NodegroupRoleLabel = "role"

	// EKSNodegroupLabel is the label EKS puts on nodes with the name of
	// the owning nodegroup
	EKSNodegroupLabel = "eks.amazonaws.com/nodegroup"

	// ManagedTag marks nodegroups created and owned by the controller
	ManagedTag = "rollover.gravitational.io/managed"

	// AmazonReleaseFeed is the SSM parameter path template with the latest
	// recommended release version for the EKS-optimized Amazon Linux AMI.
	// The single %v placeholder is the cluster kubernetes version
	AmazonReleaseFeed = "/aws/service/eks/optimized-ami/%v/amazon-linux-2/recommended/release_version"
)

// WithBackoff returns a backoff interval that retries transient errors
// for up to RetryAttempts * RetryInterval in total
func WithBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = RetryAttempts * RetryInterval
	return b
}
