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

// Package kubernetes implements the node-level operations of the rollover
// controller: listing, cordoning and draining worker nodes
package kubernetes

import (
	"context"
	"encoding/json"

	"github.com/ky-rafaels/chainguard-nodes-k8s/lib/defaults"
	"github.com/ky-rafaels/chainguard-nodes-k8s/lib/utils"

	"github.com/cenkalti/backoff"
	"github.com/gravitational/rigging"
	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"
	v1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/util/strategicpatch"
	"k8s.io/client-go/kubernetes"
	corev1 "k8s.io/client-go/kubernetes/typed/core/v1"
)

// ListNodegroupNodes returns the nodes that belong to the specified
// nodegroup, using the label the provisioning API stamps on its nodes
func ListNodegroupNodes(ctx context.Context, client kubernetes.Interface, nodegroup string) ([]v1.Node, error) {
	nodes, err := client.CoreV1().Nodes().List(ctx, metav1.ListOptions{
		LabelSelector: utils.MakeSelector(map[string]string{
			defaults.EKSNodegroupLabel: nodegroup,
		}).String(),
	})
	if err != nil {
		return nil, rigging.ConvertErrorWithContext(err,
			"failed to list nodes of nodegroup %q", nodegroup)
	}
	return nodes.Items, nil
}

// IsNodeReady returns true if the node has a ready condition with
// status true
func IsNodeReady(node *v1.Node) bool {
	for _, condition := range node.Status.Conditions {
		if condition.Type == v1.NodeReady {
			return condition.Status == v1.ConditionTrue
		}
	}
	return false
}

// SetUnschedulable marks the specified node as unschedulable depending on the value of the specified flag.
// Retries the operation internally on update conflicts
func SetUnschedulable(ctx context.Context, client corev1.NodeInterface, nodeName string, unschedulable bool) error {
	node, err := client.Get(ctx, nodeName, metav1.GetOptions{})
	if err != nil {
		return rigging.ConvertError(err)
	}

	if node.Spec.Unschedulable == unschedulable {
		log := log.WithField("node", nodeName)
		if unschedulable {
			log.Debug("already cordoned")
		} else {
			log.Debug("already uncordoned")
		}
		// No update
		return nil
	}

	err = Retry(ctx, func() error {
		return trace.Wrap(setUnschedulable(ctx, client, nodeName, unschedulable))
	})

	return rigging.ConvertError(err)
}

// setUnschedulable sets unschedulable status on the node given with nodeName
func setUnschedulable(ctx context.Context, client corev1.NodeInterface, nodeName string, unschedulable bool) error {
	node, err := client.Get(ctx, nodeName, metav1.GetOptions{})
	if err != nil {
		return rigging.ConvertError(err)
	}

	oldData, err := json.Marshal(node)
	if err != nil {
		return rigging.ConvertError(err)
	}

	node.Spec.Unschedulable = unschedulable

	newData, err := json.Marshal(node)
	if err != nil {
		return rigging.ConvertError(err)
	}

	patchBytes, patchErr := strategicpatch.CreateTwoWayMergePatch(oldData, newData, node)
	if patchErr == nil {
		_, err = client.Patch(ctx, node.Name, types.StrategicMergePatchType, patchBytes, metav1.PatchOptions{})
	} else {
		log.WithError(patchErr).Warn("Failed to patch node object.")
		_, err = client.Update(ctx, node, metav1.UpdateOptions{})
	}
	return rigging.ConvertError(err)
}

// Retry retries the specified function fn on update conflicts.
// Returns the first permanent error
func Retry(ctx context.Context, fn func() error) error {
	interval := backoff.NewExponentialBackOff()
	err := utils.RetryWithInterval(ctx, interval, func() error {
		return retryOnUpdateConflict(fn())
	})
	return trace.Wrap(err)
}
