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
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ky-rafaels/chainguard-nodes-k8s/lib/defaults"

	"github.com/gravitational/rigging"
	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/client-go/kubernetes"
	kubedrain "k8s.io/kubectl/pkg/drain"
)

// Drain evicts workloads from the specified node using the eviction API,
// respecting pod disruption budgets. The node is cordoned first.
// Fails with DrainTimeoutError if pods remain on the node after the
// specified grace period
func Drain(ctx context.Context, client kubernetes.Interface, nodeName string, gracePeriod time.Duration) error {
	err := SetUnschedulable(ctx, client.CoreV1().Nodes(), nodeName, true)
	if err != nil {
		return trace.Wrap(err)
	}

	d := drainer{
		client:             client,
		nodeName:           nodeName,
		timeout:            gracePeriod,
		gracePeriodSeconds: defaults.ResourceGracePeriod,
	}
	err = d.drainPods(ctx)
	return trace.Wrap(err)
}

type drainer struct {
	client   kubernetes.Interface
	nodeName string
	// timeout bounds the whole drain operation
	timeout time.Duration
	// gracePeriodSeconds defines the grace period for eviction.
	// -1 means default grace period defined for a pod is used
	gracePeriodSeconds int
}

// drainPods removes pods according to the specified configuration
func (d *drainer) drainPods(ctx context.Context) error {
	logger := logrus.WithField(trace.Component, "k8s")
	w := logger.Writer()
	defer w.Close()
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	// Force proceeds past pods without a controller. Eviction still
	// honors disruption budgets
	drainer := &kubedrain.Helper{
		Ctx:                 ctx,
		Client:              d.client,
		GracePeriodSeconds:  d.gracePeriodSeconds,
		Timeout:             d.timeout,
		IgnoreAllDaemonSets: true,
		DeleteEmptyDirData:  true,
		Force:               true,
		Out:                 w,
		ErrOut:              w,
		OnPodDeletedOrEvicted: func(pod *corev1.Pod, usingEviction bool) {
			verb := "deleted"
			if usingEviction {
				verb = "evicted"
			}
			logger.WithField("pod", fmt.Sprintf("%v/%v", pod.Namespace, pod.Name)).Infof("Pod %v.", verb)
		},
	}

	list, errs := drainer.GetPodsForDeletion(d.nodeName)
	if errs != nil {
		return trace.NewAggregate(errs...)
	}
	if warnings := list.Warnings(); warnings != "" {
		logger.Warnf("WARNING: %s", warnings)
	}

	if err := drainer.DeleteOrEvictPods(list.Pods()); err != nil {
		// Only an exhausted grace period pauses the rollover for the
		// operator. Any other failure mid-drain is reported as is so
		// transient API errors stay retryable
		if ctx.Err() != context.DeadlineExceeded {
			return rigging.ConvertError(err)
		}
		pending := d.pendingPods(logger)
		if len(pending) != 0 {
			logger.WithError(err).Warnf("There are pending pods on node %q when an error occurred:\n%s.",
				d.nodeName, formatPodList(pending))
			return NewDrainTimeoutError(err, d.nodeName, len(pending))
		}
		return rigging.ConvertError(err)
	}
	return nil
}

// pendingPods returns the pods still pending deletion on the node
func (d *drainer) pendingPods(logger logrus.FieldLogger) []corev1.Pod {
	list, errs := (&kubedrain.Helper{
		Ctx:                 context.Background(),
		Client:              d.client,
		IgnoreAllDaemonSets: true,
		DeleteEmptyDirData:  true,
		Force:               true,
	}).GetPodsForDeletion(d.nodeName)
	if errs != nil {
		logger.WithError(trace.NewAggregate(errs...)).Warn("Failed to get the list of pods to delete.")
		return nil
	}
	return list.Pods()
}

func formatPodList(pods []corev1.Pod) string {
	names := make([]string, 0, len(pods))
	for _, pod := range pods {
		names = append(names, fmt.Sprintf("%v/%v", pod.Namespace, pod.Name))
	}
	return strings.Join(names, "\n")
}
