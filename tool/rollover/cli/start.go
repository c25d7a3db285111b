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

package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/ky-rafaels/chainguard-nodes-k8s/lib/cluster"
	"github.com/ky-rafaels/chainguard-nodes-k8s/lib/defaults"
	"github.com/ky-rafaels/chainguard-nodes-k8s/lib/provision"
	"github.com/ky-rafaels/chainguard-nodes-k8s/lib/release"
	"github.com/ky-rafaels/chainguard-nodes-k8s/lib/rollover"
	"github.com/ky-rafaels/chainguard-nodes-k8s/lib/storage/keyval"
	"github.com/ky-rafaels/chainguard-nodes-k8s/lib/utils"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/eks"
	"github.com/aws/aws-sdk-go/service/ssm"
	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"
)

// start runs the controller daemon until interrupted
func start(configPath string) error {
	config, err := LoadConfig(configPath)
	if err != nil {
		return trace.Wrap(err)
	}
	reconcileInterval, err := interval(config.ReconcileInterval, defaults.ReconcileInterval)
	if err != nil {
		return trace.Wrap(err)
	}
	observationWindow, err := interval(config.ObservationWindow, defaults.ObservationWindow)
	if err != nil {
		return trace.Wrap(err)
	}
	drainTimeout, err := interval(config.DrainTimeout, defaults.DrainTimeout)
	if err != nil {
		return trace.Wrap(err)
	}

	sess, err := session.NewSession(&aws.Config{
		Region: aws.String(config.Region),
	})
	if err != nil {
		return trace.Wrap(err)
	}
	client, _, err := utils.GetKubeClient(config.KubeconfigPath)
	if err != nil {
		return trace.Wrap(err)
	}
	backend, err := keyval.NewBolt(keyval.BoltConfig{
		Path:    config.StateFile,
		Timeout: defaults.DBOpenTimeout,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	defer backend.Close()

	driver, err := provision.NewDriver(provision.Config{
		ClusterName: config.ClusterName,
		Nodegroups:  eks.New(sess),
		Client:      client,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	reader, err := cluster.NewReader(cluster.Config{
		ClusterName: config.ClusterName,
		Provisioner: driver,
		Client:      client,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	resolver, err := release.New(release.Config{
		SystemsManager:    ssm.New(sess),
		KubernetesVersion: config.KubernetesVersion,
		Feeds:             config.Feeds,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	controller, err := rollover.New(rollover.Config{
		ClusterName:       config.ClusterName,
		Backend:           backend,
		Provisioner:       driver,
		Reader:            reader,
		Resolver:          resolver,
		Client:            client,
		Interval:          reconcileInterval,
		ObservationWindow: observationWindow,
		DrainTimeout:      drainTimeout,
		Roles:             config.Roles,
		Families:          config.Families,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer cancel()
	log.WithField("cluster", config.ClusterName).Info("Controller starting.")
	return trace.Wrap(controller.Serve(ctx))
}
