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

// Package provision drives the lifecycle of EKS managed nodegroups:
// creation, health tracking and deletion
package provision

import (
	"context"
	"time"

	"github.com/ky-rafaels/chainguard-nodes-k8s/lib/defaults"
	kubelib "github.com/ky-rafaels/chainguard-nodes-k8s/lib/kubernetes"
	"github.com/ky-rafaels/chainguard-nodes-k8s/lib/storage"
	"github.com/ky-rafaels/chainguard-nodes-k8s/lib/utils"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/eks"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	"k8s.io/client-go/kubernetes"
)

const (
	// TagFamily records the AMI family a managed nodegroup was created from
	TagFamily = "rollover.gravitational.io/family"
	// TagRelease records the AMI release a managed nodegroup was created from
	TagRelease = "rollover.gravitational.io/release"
)

// Driver creates, observes and deletes managed nodegroups.
//
// All operations are idempotent: a create for an existing matching
// nodegroup and a delete of an absent nodegroup both succeed, so any
// step can be safely repeated after a controller restart
type Driver struct {
	// Config is the driver configuration
	Config
	log.FieldLogger
}

// Config is the driver configuration
type Config struct {
	// ClusterName is the name of the EKS cluster
	ClusterName string
	// Nodegroups is the EKS managed nodegroup API client
	Nodegroups EKS
	// Client is the kubernetes client used to observe node readiness
	Client kubernetes.Interface
	// Clock is a clock interface, used in tests
	Clock clockwork.Clock
}

// CheckAndSetDefaults checks and sets default values
func (cfg *Config) CheckAndSetDefaults() error {
	if cfg.ClusterName == "" {
		return trace.BadParameter("missing parameter ClusterName")
	}
	if cfg.Nodegroups == nil {
		return trace.BadParameter("missing parameter Nodegroups")
	}
	if cfg.Client == nil {
		return trace.BadParameter("missing parameter Client")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// NewDriver returns a new nodegroup lifecycle driver
func NewDriver(cfg Config) (*Driver, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Driver{
		Config: cfg,
		FieldLogger: log.WithFields(log.Fields{
			trace.Component: "provision",
			"cluster":       cfg.ClusterName,
		}),
	}, nil
}

// Create requests a new nodegroup according to the provided spec.
// Idempotent by name: if a nodegroup with the same name and a matching
// spec already exists the call is a no-op. An existing nodegroup with a
// different spec fails with ConflictError, an existing degraded nodegroup
// fails with PartialFailure
func (d *Driver) Create(ctx context.Context, spec storage.NodegroupSpec) error {
	err := spec.Check()
	if err != nil {
		return trace.Wrap(err)
	}
	if spec.AMIFamily != defaults.AmazonAMIFamily && spec.LaunchTemplate == "" {
		return trace.BadParameter(
			"AMI family %q requires a launch template", spec.AMIFamily)
	}
	existing, err := d.GetNodegroup(ctx, spec.Name)
	if err != nil && !trace.IsNotFound(err) {
		return trace.Wrap(err)
	}
	if existing != nil {
		if !spec.Matches(*existing) {
			return NewConflictError(spec.Name,
				"nodegroup exists with a different spec, remove it or pick another name")
		}
		switch existing.State {
		case storage.NodegroupStateDegraded:
			return NewPartialFailure(spec.Name,
				"nodegroup was created but did not reach a healthy state")
		case storage.NodegroupStateDeleting:
			return NewConflictError(spec.Name, "nodegroup is being deleted")
		}
		d.Infof("Nodegroup %v already exists with a matching spec.", spec.Name)
		return nil
	}
	_, err = d.Nodegroups.CreateNodegroupWithContext(ctx, d.createInput(spec))
	if err != nil {
		return trace.Wrap(convertError(err))
	}
	d.Infof("Created nodegroup %v (family %v, release %v).",
		spec.Name, spec.AMIFamily, spec.ReleaseVersion)
	return nil
}

// WaitHealthy blocks until the specified nodegroup is active with all
// desired nodes ready and schedulable, or fails with LimitExceeded once
// the timeout is reached. A nodegroup that reports a degraded status
// fails with PartialFailure immediately
func (d *Driver) WaitHealthy(ctx context.Context, name string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	for {
		healthy, err := d.isHealthy(ctx, name)
		if err != nil {
			if !utils.IsTransientError(err) {
				return trace.Wrap(err)
			}
			d.WithError(err).Warnf("Failed to query health of nodegroup %v.", name)
		}
		if healthy {
			d.Infof("Nodegroup %v is healthy.", name)
			return nil
		}
		select {
		case <-d.Clock.After(defaults.NodegroupHealthInterval):
		case <-ctx.Done():
			return trace.LimitExceeded(
				"timed out waiting for nodegroup %q to become healthy", name)
		}
	}
}

// Delete requests deletion of the specified nodegroup.
// Idempotent: deleting an already deleted nodegroup succeeds
func (d *Driver) Delete(ctx context.Context, name string) error {
	_, err := d.Nodegroups.DeleteNodegroupWithContext(ctx, &eks.DeleteNodegroupInput{
		ClusterName:   aws.String(d.ClusterName),
		NodegroupName: aws.String(name),
	})
	if err != nil {
		err = convertError(err)
		if trace.IsNotFound(err) {
			d.Infof("Nodegroup %v is already deleted.", name)
			return nil
		}
		return trace.Wrap(err)
	}
	d.Infof("Requested deletion of nodegroup %v.", name)
	return nil
}

// WaitDeleted blocks until the specified nodegroup no longer exists,
// or fails with LimitExceeded once the timeout is reached
func (d *Driver) WaitDeleted(ctx context.Context, name string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	for {
		_, err := d.GetNodegroup(ctx, name)
		if trace.IsNotFound(err) {
			d.Infof("Nodegroup %v is gone.", name)
			return nil
		}
		if err != nil && !utils.IsTransientError(err) {
			return trace.Wrap(err)
		}
		select {
		case <-d.Clock.After(defaults.NodegroupHealthInterval):
		case <-ctx.Done():
			return trace.LimitExceeded(
				"timed out waiting for nodegroup %q to be deleted", name)
		}
	}
}

// GetNodegroup returns the observed state of the specified nodegroup
func (d *Driver) GetNodegroup(ctx context.Context, name string) (*storage.Nodegroup, error) {
	resp, err := d.Nodegroups.DescribeNodegroupWithContext(ctx, &eks.DescribeNodegroupInput{
		ClusterName:   aws.String(d.ClusterName),
		NodegroupName: aws.String(name),
	})
	if err != nil {
		return nil, trace.Wrap(convertError(err))
	}
	nodegroup := fromEKS(resp.Nodegroup)
	return &nodegroup, nil
}

// ListNodegroups returns the observed state of all nodegroups in the cluster
func (d *Driver) ListNodegroups(ctx context.Context) ([]storage.Nodegroup, error) {
	var nodegroups []storage.Nodegroup
	var nextToken *string
	for {
		resp, err := d.Nodegroups.ListNodegroupsWithContext(ctx, &eks.ListNodegroupsInput{
			ClusterName: aws.String(d.ClusterName),
			NextToken:   nextToken,
		})
		if err != nil {
			return nil, trace.Wrap(convertError(err))
		}
		for _, name := range resp.Nodegroups {
			nodegroup, err := d.GetNodegroup(ctx, aws.StringValue(name))
			if err != nil {
				return nil, trace.Wrap(err)
			}
			nodegroups = append(nodegroups, *nodegroup)
		}
		nextToken = resp.NextToken
		if nextToken == nil {
			return nodegroups, nil
		}
	}
}

func (d *Driver) isHealthy(ctx context.Context, name string) (bool, error) {
	resp, err := d.Nodegroups.DescribeNodegroupWithContext(ctx, &eks.DescribeNodegroupInput{
		ClusterName:   aws.String(d.ClusterName),
		NodegroupName: aws.String(name),
	})
	if err != nil {
		return false, trace.Wrap(convertError(err))
	}
	switch aws.StringValue(resp.Nodegroup.Status) {
	case eks.NodegroupStatusActive:
	case eks.NodegroupStatusCreating, eks.NodegroupStatusUpdating:
		return false, nil
	default:
		return false, NewPartialFailure(name,
			"nodegroup entered status %v", aws.StringValue(resp.Nodegroup.Status))
	}
	desired := aws.Int64Value(resp.Nodegroup.ScalingConfig.DesiredSize)
	nodes, err := kubelib.ListNodegroupNodes(ctx, d.Client, name)
	if err != nil {
		return false, trace.Wrap(err)
	}
	var ready int64
	for i := range nodes {
		if kubelib.IsNodeReady(&nodes[i]) && !nodes[i].Spec.Unschedulable {
			ready++
		}
	}
	d.Debugf("Nodegroup %v: %v/%v nodes ready.", name, ready, desired)
	return ready >= desired, nil
}

func (d *Driver) createInput(spec storage.NodegroupSpec) *eks.CreateNodegroupInput {
	labels := map[string]*string{
		defaults.NodegroupRoleLabel: aws.String(spec.Role),
	}
	for name, value := range spec.Labels {
		labels[name] = aws.String(value)
	}
	input := &eks.CreateNodegroupInput{
		ClusterName:   aws.String(d.ClusterName),
		NodegroupName: aws.String(spec.Name),
		NodeRole:      aws.String(spec.NodeRole),
		Subnets:       aws.StringSlice(spec.Subnets),
		Labels:        labels,
		ScalingConfig: &eks.NodegroupScalingConfig{
			DesiredSize: aws.Int64(spec.Desired),
			MinSize:     aws.Int64(spec.Min),
			MaxSize:     aws.Int64(spec.Max),
		},
		Tags: map[string]*string{
			defaults.ManagedTag: aws.String("true"),
			TagFamily:           aws.String(spec.AMIFamily),
			TagRelease:          aws.String(spec.ReleaseVersion),
		},
	}
	if spec.AMIFamily == defaults.AmazonAMIFamily {
		input.AmiType = aws.String(eks.AMITypesAl2X8664)
		input.ReleaseVersion = aws.String(spec.ReleaseVersion)
	} else {
		// Custom AMI families boot from a launch template that pins
		// the AMI, the release is tracked through the nodegroup tags
		input.AmiType = aws.String(eks.AMITypesCustom)
		input.LaunchTemplate = &eks.LaunchTemplateSpecification{
			Name: aws.String(spec.LaunchTemplate),
		}
	}
	if spec.SSHKeyName != "" {
		input.RemoteAccess = &eks.RemoteAccessConfig{
			Ec2SshKey: aws.String(spec.SSHKeyName),
		}
	}
	return input
}

// fromEKS converts the EKS API representation of a nodegroup into the
// controller's view of it
func fromEKS(ng *eks.Nodegroup) storage.Nodegroup {
	nodegroup := storage.Nodegroup{
		Name:           aws.StringValue(ng.NodegroupName),
		ReleaseVersion: aws.StringValue(ng.ReleaseVersion),
		State:          mapStatus(aws.StringValue(ng.Status)),
	}
	if ng.ScalingConfig != nil {
		nodegroup.Desired = aws.Int64Value(ng.ScalingConfig.DesiredSize)
		nodegroup.Min = aws.Int64Value(ng.ScalingConfig.MinSize)
		nodegroup.Max = aws.Int64Value(ng.ScalingConfig.MaxSize)
	}
	if role, ok := ng.Labels[defaults.NodegroupRoleLabel]; ok {
		nodegroup.Role = aws.StringValue(role)
	}
	if _, ok := ng.Tags[defaults.ManagedTag]; ok {
		nodegroup.Managed = true
	}
	if family, ok := ng.Tags[TagFamily]; ok {
		nodegroup.AMIFamily = aws.StringValue(family)
	} else if aws.StringValue(ng.AmiType) != eks.AMITypesCustom {
		nodegroup.AMIFamily = defaults.AmazonAMIFamily
	}
	if release, ok := ng.Tags[TagRelease]; ok {
		nodegroup.ReleaseVersion = aws.StringValue(release)
	}
	return nodegroup
}

func mapStatus(status string) string {
	switch status {
	case eks.NodegroupStatusCreating, eks.NodegroupStatusUpdating:
		return storage.NodegroupStateProvisioning
	case eks.NodegroupStatusActive:
		return storage.NodegroupStateHealthy
	case eks.NodegroupStatusDeleting:
		return storage.NodegroupStateDeleting
	default:
		return storage.NodegroupStateDegraded
	}
}

// convertError converts an AWS API error into a trace error
func convertError(err error) error {
	if err == nil {
		return nil
	}
	awsErr, ok := err.(awserr.Error)
	if !ok {
		return err
	}
	switch awsErr.Code() {
	case eks.ErrCodeResourceNotFoundException:
		return trace.NotFound(awsErr.Message())
	case eks.ErrCodeResourceInUseException:
		return trace.AlreadyExists(awsErr.Message())
	case eks.ErrCodeInvalidParameterException, eks.ErrCodeInvalidRequestException:
		return trace.BadParameter(awsErr.Message())
	case eks.ErrCodeServerException, eks.ErrCodeServiceUnavailableException:
		return trace.ConnectionProblem(awsErr, awsErr.Message())
	}
	return err
}
