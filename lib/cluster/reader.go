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

// Package cluster implements a read-only view of the cluster's nodegroups
// and their nodes
package cluster

import (
	"context"
	"time"

	kubelib "github.com/ky-rafaels/chainguard-nodes-k8s/lib/kubernetes"
	"github.com/ky-rafaels/chainguard-nodes-k8s/lib/storage"

	"github.com/gravitational/rigging"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

// Provisioner is the subset of the nodegroup driver the reader uses to
// observe provisioning state
type Provisioner interface {
	// ListNodegroups returns all nodegroups in the cluster
	ListNodegroups(ctx context.Context) ([]storage.Nodegroup, error)
	// GetNodegroup returns the nodegroup with the specified name
	GetNodegroup(ctx context.Context, name string) (*storage.Nodegroup, error)
}

// Node is the snapshot view of a single worker node
type Node struct {
	// Name is the kubernetes node name
	Name string
	// Ready is true if the node reports the Ready condition
	Ready bool
	// Unschedulable is true if the node is cordoned
	Unschedulable bool
	// Pods is the number of pods bound to the node
	Pods int
}

// Snapshot is a point-in-time view of the cluster captured once per
// reconciliation pass. All decisions within a pass are made against the
// same snapshot
type Snapshot struct {
	// ClusterName is the observed cluster
	ClusterName string
	// CapturedAt is the capture timestamp
	CapturedAt time.Time
	// Nodegroups lists all nodegroups known to the provisioning API
	Nodegroups []storage.Nodegroup
	// Nodes maps a nodegroup name to its registered nodes
	Nodes map[string][]Node
}

// Find returns the snapshot's view of the named nodegroup
func (s *Snapshot) Find(name string) (*storage.Nodegroup, error) {
	for i := range s.Nodegroups {
		if s.Nodegroups[i].Name == name {
			return &s.Nodegroups[i], nil
		}
	}
	return nil, trace.NotFound("nodegroup %q not found in cluster %v",
		name, s.ClusterName)
}

// NodegroupsForRole returns the nodegroups serving the specified role.
// Matching is by the role label alone: a pre-existing nodegroup that was
// not created by the controller is adopted as a rollover source, its
// replacement is the first one to carry the controller's tags
func (s *Snapshot) NodegroupsForRole(role string) (result []storage.Nodegroup) {
	for _, nodegroup := range s.Nodegroups {
		if nodegroup.Role == role {
			result = append(result, nodegroup)
		}
	}
	return result
}

// Config is the reader configuration
type Config struct {
	// ClusterName is the name of the cluster to observe
	ClusterName string
	// Provisioner queries the nodegroup provisioning API
	Provisioner Provisioner
	// Client is the kubernetes client
	Client kubernetes.Interface
	// Clock is a clock interface, used in tests
	Clock clockwork.Clock
}

// CheckAndSetDefaults checks and sets default values
func (cfg *Config) CheckAndSetDefaults() error {
	if cfg.ClusterName == "" {
		return trace.BadParameter("missing parameter ClusterName")
	}
	if cfg.Provisioner == nil {
		return trace.BadParameter("missing parameter Provisioner")
	}
	if cfg.Client == nil {
		return trace.BadParameter("missing parameter Client")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Reader captures cluster snapshots
type Reader struct {
	// Config is the reader configuration
	Config
	log.FieldLogger
}

// NewReader returns a new cluster state reader
func NewReader(cfg Config) (*Reader, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Reader{
		Config: cfg,
		FieldLogger: log.WithFields(log.Fields{
			trace.Component: "cluster",
			"cluster":       cfg.ClusterName,
		}),
	}, nil
}

// Snapshot captures the current state of all nodegroups and their nodes
func (r *Reader) Snapshot(ctx context.Context) (*Snapshot, error) {
	nodegroups, err := r.Provisioner.ListNodegroups(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	pods, err := r.podsPerNode(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	snapshot := &Snapshot{
		ClusterName: r.ClusterName,
		CapturedAt:  r.Clock.Now().UTC(),
		Nodegroups:  nodegroups,
		Nodes:       make(map[string][]Node, len(nodegroups)),
	}
	for _, nodegroup := range nodegroups {
		nodes, err := kubelib.ListNodegroupNodes(ctx, r.Client, nodegroup.Name)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		for i := range nodes {
			snapshot.Nodes[nodegroup.Name] = append(snapshot.Nodes[nodegroup.Name], Node{
				Name:          nodes[i].Name,
				Ready:         kubelib.IsNodeReady(&nodes[i]),
				Unschedulable: nodes[i].Spec.Unschedulable,
				Pods:          pods[nodes[i].Name],
			})
		}
	}
	r.Debugf("Captured snapshot with %v nodegroups.", len(nodegroups))
	return snapshot, nil
}

// podsPerNode counts the pods bound to every node with a single list call
func (r *Reader) podsPerNode(ctx context.Context) (map[string]int, error) {
	pods, err := r.Client.CoreV1().Pods("").List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, trace.Wrap(rigging.ConvertError(err))
	}
	result := make(map[string]int)
	for _, pod := range pods.Items {
		if pod.Spec.NodeName != "" {
			result[pod.Spec.NodeName]++
		}
	}
	return result, nil
}
