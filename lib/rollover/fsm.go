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

// Package rollover implements the nodegroup rollover state machine and
// the reconciliation loop that drives it
package rollover

import (
	"context"
	"time"

	"github.com/ky-rafaels/chainguard-nodes-k8s/lib/defaults"
	kubelib "github.com/ky-rafaels/chainguard-nodes-k8s/lib/kubernetes"
	"github.com/ky-rafaels/chainguard-nodes-k8s/lib/provision"
	"github.com/ky-rafaels/chainguard-nodes-k8s/lib/storage"
	"github.com/ky-rafaels/chainguard-nodes-k8s/lib/utils"

	"github.com/cenkalti/backoff"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	"k8s.io/client-go/kubernetes"
)

// Provisioner is the subset of the nodegroup lifecycle driver the state
// machine drives
type Provisioner interface {
	// Create requests a new nodegroup, idempotent by name
	Create(ctx context.Context, spec storage.NodegroupSpec) error
	// WaitHealthy blocks until the nodegroup is at capacity with all
	// nodes ready
	WaitHealthy(ctx context.Context, name string, timeout time.Duration) error
	// Delete requests nodegroup deletion, idempotent
	Delete(ctx context.Context, name string) error
	// WaitDeleted blocks until the nodegroup no longer exists
	WaitDeleted(ctx context.Context, name string, timeout time.Duration) error
	// GetNodegroup returns the observed state of the nodegroup
	GetNodegroup(ctx context.Context, name string) (*storage.Nodegroup, error)
	// ListNodegroups returns the observed state of all nodegroups
	ListNodegroups(ctx context.Context) ([]storage.Nodegroup, error)
}

// MachineConfig is the state machine configuration
type MachineConfig struct {
	// Backend persists plan state between steps
	Backend storage.Backend
	// Provisioner drives nodegroup lifecycle
	Provisioner Provisioner
	// Client is the kubernetes client used to cordon and drain nodes
	Client kubernetes.Interface
	// Clock is a clock interface, used in tests
	Clock clockwork.Clock
	// ObservationWindow is the minimum time the target nodegroup must
	// stay healthy before the source nodegroup is cordoned
	ObservationWindow time.Duration
	// HealthTimeout bounds the wait for the target to become healthy
	HealthTimeout time.Duration
	// DrainTimeout bounds the drain of a single source node
	DrainTimeout time.Duration
	// DeleteTimeout bounds the wait for source nodegroup deletion
	DeleteTimeout time.Duration
	// Backoff constructs the retry interval for transient failures
	// within a single step, overridden in tests
	Backoff func() backoff.BackOff
}

// CheckAndSetDefaults checks and sets default values
func (cfg *MachineConfig) CheckAndSetDefaults() error {
	if cfg.Backend == nil {
		return trace.BadParameter("missing parameter Backend")
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
	if cfg.ObservationWindow == 0 {
		cfg.ObservationWindow = defaults.ObservationWindow
	}
	if cfg.HealthTimeout == 0 {
		cfg.HealthTimeout = defaults.NodegroupHealthTimeout
	}
	if cfg.DrainTimeout == 0 {
		cfg.DrainTimeout = defaults.DrainTimeout
	}
	if cfg.DeleteTimeout == 0 {
		cfg.DeleteTimeout = defaults.NodegroupDeleteTimeout
	}
	if cfg.Backoff == nil {
		cfg.Backoff = defaults.WithBackoff
	}
	return nil
}

// Machine executes rollover plans phase by phase.
//
// Every completed phase is committed to the backend with compare-and-swap
// before the next one begins, so a controller restart or a concurrent
// controller instance always observes the last committed phase. Progress
// is forward-only: a failed phase is retried, never rolled back
type Machine struct {
	// MachineConfig is the machine configuration
	MachineConfig
	log.FieldLogger
}

// NewMachine returns a new rollover state machine
func NewMachine(cfg MachineConfig) (*Machine, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Machine{
		MachineConfig: cfg,
		FieldLogger:   log.WithField(trace.Component, "rollover"),
	}, nil
}

// Execute advances the specified plan until it completes, pauses, fails
// or yields to a concurrent controller instance.
//
// Terminal and paused outcomes are committed to the plan rather than
// returned: a nil result means this pass is done with the plan. An error
// is returned only when no progress could be made this pass, e.g. a
// transient failure that still has retry budget left or a lost
// compare-and-swap race
func (m *Machine) Execute(ctx context.Context, plan storage.RolloverPlan) error {
	logger := m.WithFields(log.Fields{
		"role": plan.Role,
		"plan": plan.TargetNodegroup,
	})
	committed := plan
	for !plan.IsTerminal() && !plan.IsPaused() {
		phase, ok := plan.NextPhase()
		if !ok {
			return trace.BadParameter("plan for role %q has no next phase after %q",
				plan.Role, plan.Phase)
		}
		logger.Infof("Executing phase %v.", phase)
		err := m.executePhase(ctx, &plan, phase)
		if err == nil {
			plan.Phase = phase
			plan.Attempts = 0
			plan.Message = ""
		} else {
			if ctx.Err() != nil {
				// Shutdown: the last committed phase is the resume point
				return trace.Wrap(ctx.Err())
			}
			plan = transition(committed, err)
			logger.WithError(err).Warnf("Phase %v did not complete, plan is now %v.",
				phase, plan.Phase)
		}
		updated, casErr := m.Backend.CompareAndSwapPlan(plan, committed)
		if casErr != nil {
			if trace.IsCompareFailed(casErr) {
				// Another controller instance advanced the plan, yield
				logger.Info("Plan was updated concurrently, yielding.")
			}
			return trace.Wrap(casErr)
		}
		committed = *updated
		plan = *updated
		if err != nil && !plan.IsTerminal() && !plan.IsPaused() {
			// The attempt counter was committed, retry on the next pass
			return trace.Wrap(err)
		}
	}
	logger.Infof("Plan is %v.", plan.Phase)
	return nil
}

// transition maps a phase execution error onto the plan's next state.
// The committed plan is taken as the base so a failed attempt never
// carries uncommitted phase progress
func transition(committed storage.RolloverPlan, err error) storage.RolloverPlan {
	plan := committed
	plan.Message = trace.UserMessage(err)
	switch {
	case kubelib.IsDrainTimeoutError(err):
		// Source stays cordoned pending operator action
		plan.ResumePhase = plan.Phase
		plan.Phase = storage.PlanPhasePaused
	case provision.IsConflictError(err), trace.IsNotFound(err), trace.IsBadParameter(err):
		plan.ResumePhase = plan.Phase
		plan.Phase = storage.PlanPhaseFailed
	default:
		plan.Attempts = committed.Attempts + 1
		if plan.Attempts >= defaults.RetryAttempts {
			plan.ResumePhase = plan.Phase
			plan.Phase = storage.PlanPhaseFailed
		}
	}
	return plan
}

func (m *Machine) executePhase(ctx context.Context, plan *storage.RolloverPlan, phase string) error {
	switch phase {
	case storage.PlanPhaseTargetCreated:
		return trace.Wrap(m.createTarget(ctx, plan))
	case storage.PlanPhaseTargetHealthy:
		return trace.Wrap(m.waitTargetHealthy(ctx, plan))
	case storage.PlanPhaseSourceCordoned:
		return trace.Wrap(m.cordonSource(ctx, plan))
	case storage.PlanPhaseSourceDrained:
		return trace.Wrap(m.drainSource(ctx, plan))
	case storage.PlanPhaseSourceDeleted:
		return trace.Wrap(m.deleteSource(ctx, plan))
	case storage.PlanPhaseCompleted:
		return nil
	}
	return trace.BadParameter("unknown plan phase %q", phase)
}

func (m *Machine) createTarget(ctx context.Context, plan *storage.RolloverPlan) error {
	err := utils.RetryTransient(ctx, m.Backoff(), func() error {
		return trace.Wrap(m.Provisioner.Create(ctx, plan.TargetSpec))
	})
	return trace.Wrap(err)
}

func (m *Machine) waitTargetHealthy(ctx context.Context, plan *storage.RolloverPlan) error {
	err := m.Provisioner.WaitHealthy(ctx, plan.TargetNodegroup, m.HealthTimeout)
	if err != nil {
		return trace.Wrap(err)
	}
	if plan.HealthyAt.IsZero() {
		plan.HealthyAt = m.Clock.Now().UTC()
	}
	return nil
}

// cordonSource marks all source nodegroup nodes unschedulable, after the
// target has stayed healthy for the observation window. The source is
// never touched before the target has committed the healthy phase
func (m *Machine) cordonSource(ctx context.Context, plan *storage.RolloverPlan) error {
	if !plan.PhaseReached(storage.PlanPhaseTargetHealthy) {
		return trace.BadParameter(
			"refusing to cordon %q before target %q is healthy",
			plan.SourceNodegroup, plan.TargetNodegroup)
	}
	if remaining := plan.HealthyAt.Add(m.ObservationWindow).Sub(m.Clock.Now()); remaining > 0 {
		m.Infof("Waiting %v for target %v to prove out before cordoning %v.",
			remaining, plan.TargetNodegroup, plan.SourceNodegroup)
		select {
		case <-m.Clock.After(remaining):
		case <-ctx.Done():
			return trace.Wrap(ctx.Err())
		}
	}
	// The target must still be healthy at the end of the window
	target, err := m.Provisioner.GetNodegroup(ctx, plan.TargetNodegroup)
	if err != nil {
		return trace.Wrap(err)
	}
	if target.State != storage.NodegroupStateHealthy {
		return trace.ConnectionProblem(nil,
			"target nodegroup %q is %v, not cordoning %q yet",
			plan.TargetNodegroup, target.State, plan.SourceNodegroup)
	}
	nodes, err := kubelib.ListNodegroupNodes(ctx, m.Client, plan.SourceNodegroup)
	if err != nil {
		return trace.Wrap(err)
	}
	for i := range nodes {
		err := kubelib.SetUnschedulable(ctx, m.Client.CoreV1().Nodes(), nodes[i].Name, true)
		if err != nil {
			return trace.Wrap(err)
		}
	}
	m.Infof("Cordoned %v nodes of nodegroup %v.", len(nodes), plan.SourceNodegroup)
	return nil
}

// drainSource evicts workloads from the source nodes one node at a time.
// Eviction respects pod disruption budgets, so a tight budget surfaces
// as a drain timeout and pauses the plan instead of forcing pods off
func (m *Machine) drainSource(ctx context.Context, plan *storage.RolloverPlan) error {
	nodes, err := kubelib.ListNodegroupNodes(ctx, m.Client, plan.SourceNodegroup)
	if err != nil {
		return trace.Wrap(err)
	}
	for i := range nodes {
		m.Infof("Draining node %v.", nodes[i].Name)
		err := kubelib.Drain(ctx, m.Client, nodes[i].Name, m.DrainTimeout)
		if err != nil {
			return trace.Wrap(err)
		}
	}
	m.Infof("Drained %v nodes of nodegroup %v.", len(nodes), plan.SourceNodegroup)
	return nil
}

func (m *Machine) deleteSource(ctx context.Context, plan *storage.RolloverPlan) error {
	err := utils.RetryTransient(ctx, m.Backoff(), func() error {
		return trace.Wrap(m.Provisioner.Delete(ctx, plan.SourceNodegroup))
	})
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(m.Provisioner.WaitDeleted(ctx, plan.SourceNodegroup, m.DeleteTimeout))
}
