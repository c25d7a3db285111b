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

package rollover

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/ky-rafaels/chainguard-nodes-k8s/lib/cluster"
	"github.com/ky-rafaels/chainguard-nodes-k8s/lib/defaults"
	"github.com/ky-rafaels/chainguard-nodes-k8s/lib/release"
	"github.com/ky-rafaels/chainguard-nodes-k8s/lib/storage"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	"k8s.io/client-go/kubernetes"
)

// Snapshotter captures cluster state once per reconciliation pass
type Snapshotter interface {
	// Snapshot returns a point-in-time view of the cluster
	Snapshot(ctx context.Context) (*cluster.Snapshot, error)
}

// Releases resolves the release version a target should run
type Releases interface {
	// Resolve returns the pinned or latest release for the target
	Resolve(ctx context.Context, target storage.Target) (string, error)
}

// RoleConfig describes one managed worker role
type RoleConfig struct {
	// Role is the logical worker role name
	Role string `json:"role"`
	// Subnets are the subnet ids replacement nodegroups are placed into
	Subnets []string `json:"subnets"`
	// NodeRole is the IAM role ARN for the worker nodes
	NodeRole string `json:"node_role"`
	// SSHKeyName optionally enables SSH access with the named key pair
	SSHKeyName string `json:"ssh_key_name,omitempty"`
	// Private requests placement on private subnets only
	Private bool `json:"private,omitempty"`
}

// FamilyConfig describes an AMI family nodegroups can be rolled to
type FamilyConfig struct {
	// Prefix is the nodegroup name prefix for the family, defaults to
	// the family name
	Prefix string `json:"prefix,omitempty"`
	// LaunchTemplate is the launch template that pins the family's AMI,
	// required for families other than the stock Amazon one
	LaunchTemplate string `json:"launch_template,omitempty"`
}

// Config is the controller configuration
type Config struct {
	// ClusterName is the cluster being reconciled
	ClusterName string
	// Backend persists plans, targets and advisory locks
	Backend storage.Backend
	// Provisioner drives nodegroup lifecycle
	Provisioner Provisioner
	// Reader captures cluster snapshots
	Reader Snapshotter
	// Resolver resolves target release versions
	Resolver Releases
	// Client is the kubernetes client
	Client kubernetes.Interface
	// Clock is a clock interface, used in tests
	Clock clockwork.Clock
	// Interval is the time between reconciliation passes per role
	Interval time.Duration
	// ObservationWindow overrides the default observation window
	ObservationWindow time.Duration
	// HealthTimeout overrides the default target health wait
	HealthTimeout time.Duration
	// DrainTimeout overrides the default per-node drain timeout
	DrainTimeout time.Duration
	// DeleteTimeout overrides the default source deletion wait
	DeleteTimeout time.Duration
	// Roles lists the managed worker roles
	Roles []RoleConfig
	// Families maps AMI family names to their settings
	Families map[string]FamilyConfig
}

// CheckAndSetDefaults checks and sets default values
func (cfg *Config) CheckAndSetDefaults() error {
	if cfg.ClusterName == "" {
		return trace.BadParameter("missing parameter ClusterName")
	}
	if cfg.Backend == nil {
		return trace.BadParameter("missing parameter Backend")
	}
	if cfg.Provisioner == nil {
		return trace.BadParameter("missing parameter Provisioner")
	}
	if cfg.Reader == nil {
		return trace.BadParameter("missing parameter Reader")
	}
	if cfg.Resolver == nil {
		return trace.BadParameter("missing parameter Resolver")
	}
	if cfg.Client == nil {
		return trace.BadParameter("missing parameter Client")
	}
	if len(cfg.Roles) == 0 {
		return trace.BadParameter("missing parameter Roles")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Interval == 0 {
		cfg.Interval = defaults.ReconcileInterval
	}
	if cfg.Families == nil {
		cfg.Families = map[string]FamilyConfig{}
	}
	return nil
}

// Controller reconciles every managed role against its declared target.
//
// Each role runs its own loop so a long rollover of one role never
// blocks the others. A reconciliation pass takes the role's advisory
// lock and is skipped outright if another controller instance holds it
type Controller struct {
	// Config is the controller configuration
	Config
	log.FieldLogger
	machine *Machine
}

// New returns a new rollover controller
func New(cfg Config) (*Controller, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	machine, err := NewMachine(MachineConfig{
		Backend:           cfg.Backend,
		Provisioner:       cfg.Provisioner,
		Client:            cfg.Client,
		Clock:             cfg.Clock,
		ObservationWindow: cfg.ObservationWindow,
		HealthTimeout:     cfg.HealthTimeout,
		DrainTimeout:      cfg.DrainTimeout,
		DeleteTimeout:     cfg.DeleteTimeout,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Controller{
		Config: cfg,
		FieldLogger: log.WithFields(log.Fields{
			trace.Component: "rollover",
			"cluster":       cfg.ClusterName,
		}),
		machine: machine,
	}, nil
}

// Serve runs the reconciliation loops until the context is cancelled
func (c *Controller) Serve(ctx context.Context) error {
	c.Infof("Starting reconciliation for %v roles every %v.",
		len(c.Roles), c.Interval)
	var wg sync.WaitGroup
	wg.Add(len(c.Roles))
	for _, role := range c.Roles {
		go func(role RoleConfig) {
			defer wg.Done()
			c.serveRole(ctx, role)
		}(role)
	}
	wg.Wait()
	return nil
}

func (c *Controller) serveRole(ctx context.Context, role RoleConfig) {
	logger := c.WithField("role", role.Role)
	for {
		if err := c.ReconcileRole(ctx, role); err != nil {
			logger.WithError(err).Warn("Reconciliation pass failed.")
		}
		select {
		case <-c.Clock.After(c.Interval):
		case <-ctx.Done():
			logger.Info("Stopping reconciliation.")
			return
		}
	}
}

// ReconcileRole runs a single reconciliation pass for the specified role:
// resume the active plan if there is one, otherwise compare the role's
// nodegroup against the declared target and start a new rollover when
// the target family or release differs
func (c *Controller) ReconcileRole(ctx context.Context, role RoleConfig) error {
	token := fmt.Sprintf("reconcile/%v", role.Role)
	if err := c.Backend.TryAcquireLock(token, defaults.ReconcileLockTTL); err != nil {
		if trace.IsAlreadyExists(err) {
			c.Debugf("Role %v is locked by another pass, skipping.", role.Role)
			return nil
		}
		return trace.Wrap(err)
	}
	defer func() {
		if err := c.Backend.ReleaseLock(token); err != nil {
			c.WithError(err).Warnf("Failed to release lock %v.", token)
		}
	}()
	plan, err := c.Backend.GetPlan(role.Role)
	if err != nil && !trace.IsNotFound(err) {
		return trace.Wrap(err)
	}
	if plan != nil {
		if plan.IsPaused() || plan.Phase == storage.PlanPhaseFailed {
			c.Debugf("Plan for role %v is %v, waiting for operator action.",
				role.Role, plan.Phase)
			return nil
		}
		if plan.Phase != storage.PlanPhaseCompleted {
			return trace.Wrap(c.machine.Execute(ctx, *plan))
		}
	}
	created, err := c.maybeCreatePlan(ctx, role, plan)
	if err != nil || created == nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(c.machine.Execute(ctx, *created))
}

// maybeCreatePlan starts a new rollover when the role's nodegroup does
// not run the declared target family at the latest eligible release.
// A prior completed plan is removed once it is superseded
func (c *Controller) maybeCreatePlan(ctx context.Context, role RoleConfig, completed *storage.RolloverPlan) (*storage.RolloverPlan, error) {
	target, err := c.Backend.GetTarget(role.Role)
	if err != nil {
		if trace.IsNotFound(err) {
			c.Debugf("No target declared for role %v.", role.Role)
			return nil, nil
		}
		return nil, trace.Wrap(err)
	}
	snapshot, err := c.Reader.Snapshot(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	source := pickSource(snapshot.NodegroupsForRole(role.Role))
	if source == nil {
		c.Warnf("Role %v has no nodegroup to roll over.", role.Role)
		return nil, nil
	}
	if source.State != storage.NodegroupStateHealthy {
		c.Infof("Nodegroup %v is %v, holding off rollover for role %v.",
			source.Name, source.State, role.Role)
		return nil, nil
	}
	version, err := c.Resolver.Resolve(ctx, *target)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if source.AMIFamily == target.AMIFamily && !release.IsNewer(source.ReleaseVersion, version) {
		c.Debugf("Nodegroup %v already runs %v/%v.",
			source.Name, target.AMIFamily, source.ReleaseVersion)
		return nil, nil
	}
	spec, err := c.targetSpec(role, *target, version, *source)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if completed != nil {
		// The previous rollover is superseded by this one
		if err := c.Backend.DeletePlan(role.Role); err != nil && !trace.IsNotFound(err) {
			return nil, trace.Wrap(err)
		}
	}
	plan, err := c.Backend.CreatePlan(storage.RolloverPlan{
		Role:            role.Role,
		ClusterName:     c.ClusterName,
		SourceNodegroup: source.Name,
		TargetNodegroup: spec.Name,
		TargetSpec:      *spec,
		Phase:           storage.PlanPhaseIdle,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	c.Infof("Starting rollover of %v (%v/%v) to %v (%v/%v).",
		source.Name, source.AMIFamily, source.ReleaseVersion,
		spec.Name, spec.AMIFamily, spec.ReleaseVersion)
	return plan, nil
}

// targetSpec derives the creation spec for the replacement nodegroup:
// capacity is inherited from the source, placement and access from the
// role configuration, the AMI from the declared target
func (c *Controller) targetSpec(role RoleConfig, target storage.Target, version string, source storage.Nodegroup) (*storage.NodegroupSpec, error) {
	family := c.Families[target.AMIFamily]
	if target.AMIFamily != defaults.AmazonAMIFamily && family.LaunchTemplate == "" {
		return nil, trace.BadParameter(
			"AMI family %q has no launch template configured", target.AMIFamily)
	}
	spec := storage.NodegroupSpec{
		Name:           nextNodegroupName(source.Name, familyPrefix(target.AMIFamily, family), role.Role),
		Role:           role.Role,
		AMIFamily:      target.AMIFamily,
		ReleaseVersion: version,
		Desired:        source.Desired,
		Min:            source.Min,
		Max:            source.Max,
		Private:        role.Private || source.Private,
		Subnets:        role.Subnets,
		NodeRole:       role.NodeRole,
		SSHKeyName:     role.SSHKeyName,
		LaunchTemplate: family.LaunchTemplate,
	}
	if err := spec.Check(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &spec, nil
}

// pickSource chooses the nodegroup to replace. With several nodegroups
// serving the role, prefer one that is healthy
func pickSource(nodegroups []storage.Nodegroup) *storage.Nodegroup {
	for i := range nodegroups {
		if nodegroups[i].State == storage.NodegroupStateHealthy {
			return &nodegroups[i]
		}
	}
	if len(nodegroups) != 0 {
		return &nodegroups[0]
	}
	return nil
}

// familyPrefix returns the nodegroup name prefix for an AMI family
func familyPrefix(family string, cfg FamilyConfig) string {
	if cfg.Prefix != "" {
		return cfg.Prefix
	}
	if family == defaults.ChainguardAMIFamily {
		return "cgr"
	}
	return family
}

// nodegroupNameRe matches controller-generated nodegroup names of the
// form <prefix>-<generation>-<role>
var nodegroupNameRe = regexp.MustCompile(`^([a-z0-9]+)-(\d+)-(.+)$`)

// nextNodegroupName derives the replacement nodegroup name. The
// generation counter continues within the same family prefix and
// restarts at 1 when the rollover crosses families, e.g.
// amazon-1-workers rolls to cgr-1-workers, cgr-1-workers to cgr-2-workers
func nextNodegroupName(source, prefix, role string) string {
	generation := 1
	if match := nodegroupNameRe.FindStringSubmatch(source); match != nil && match[1] == prefix {
		if n, err := strconv.Atoi(match[2]); err == nil {
			generation = n + 1
		}
	}
	return fmt.Sprintf("%v-%v-%v", prefix, generation, role)
}

// ResumePlan re-arms a paused or failed plan at its last committed phase
// with a fresh retry budget
func ResumePlan(backend storage.Backend, role string) (*storage.RolloverPlan, error) {
	plan, err := backend.GetPlan(role)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if !plan.IsPaused() && plan.Phase != storage.PlanPhaseFailed {
		return nil, trace.BadParameter("plan for role %q is %v, nothing to resume",
			role, plan.Phase)
	}
	updated := *plan
	updated.Phase = updated.ResumePhase
	if updated.Phase == "" {
		updated.Phase = storage.PlanPhaseIdle
	}
	updated.ResumePhase = ""
	updated.Attempts = 0
	updated.Message = ""
	result, err := backend.CompareAndSwapPlan(updated, *plan)
	return result, trace.Wrap(err)
}

// AbortPlan discards the plan for the specified role. Any nodegroups the
// plan already created are left in place for the operator to reconcile
func AbortPlan(backend storage.Backend, role string) error {
	return trace.Wrap(backend.DeletePlan(role))
}
