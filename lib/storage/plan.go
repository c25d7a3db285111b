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
	"time"

	"github.com/gravitational/trace"
)

const (
	// PlanPhaseIdle means the plan has been created but no cluster
	// mutation has happened yet
	PlanPhaseIdle = "idle"
	// PlanPhaseTargetCreated means the replacement nodegroup has been
	// requested from the provisioning API
	PlanPhaseTargetCreated = "target_created"
	// PlanPhaseTargetHealthy means the replacement nodegroup reached
	// desired capacity with all nodes ready
	PlanPhaseTargetHealthy = "target_healthy"
	// PlanPhaseSourceCordoned means all source nodegroup nodes are
	// marked unschedulable
	PlanPhaseSourceCordoned = "source_cordoned"
	// PlanPhaseSourceDrained means all workloads have been evicted from
	// the source nodegroup
	PlanPhaseSourceDrained = "source_drained"
	// PlanPhaseSourceDeleted means the source nodegroup has been removed
	// from the provisioning API
	PlanPhaseSourceDeleted = "source_deleted"
	// PlanPhaseCompleted is the final phase of a successful rollover
	PlanPhaseCompleted = "completed"
	// PlanPhaseFailed is the absorbing phase a plan enters after its
	// retry budget is exhausted, requires operator action
	PlanPhaseFailed = "failed"
	// PlanPhasePaused is entered on drain timeout: the source nodegroup
	// stays cordoned but is not deleted until an operator resumes or
	// aborts the plan
	PlanPhasePaused = "paused"
)

// planPhaseOrder lists the forward progression of a rollover.
// Failed and paused are reachable out of band and are not part of it
var planPhaseOrder = []string{
	PlanPhaseIdle,
	PlanPhaseTargetCreated,
	PlanPhaseTargetHealthy,
	PlanPhaseSourceCordoned,
	PlanPhaseSourceDrained,
	PlanPhaseSourceDeleted,
	PlanPhaseCompleted,
}

// RolloverPlan tracks the replacement of a single role's nodegroup with
// a nodegroup booted from a different AMI family or release.
//
// The plan is persisted after every completed step so a controller restart
// resumes from the last committed phase. The version counter implements
// optimistic locking: every mutation must go through compare-and-swap
type RolloverPlan struct {
	// Role is the logical worker role being rolled over
	Role string `json:"role"`
	// ClusterName is the cluster the nodegroups belong to
	ClusterName string `json:"cluster_name"`
	// SourceNodegroup is the nodegroup being replaced
	SourceNodegroup string `json:"source_nodegroup"`
	// TargetNodegroup is the replacement nodegroup
	TargetNodegroup string `json:"target_nodegroup"`
	// TargetSpec is the creation spec for the replacement nodegroup
	TargetSpec NodegroupSpec `json:"target_spec"`
	// Phase is the current plan phase
	Phase string `json:"phase"`
	// ResumePhase is the last committed forward phase, recorded when the
	// plan enters the paused or failed phase so an operator resume knows
	// where to pick up
	ResumePhase string `json:"resume_phase,omitempty"`
	// Version is the optimistic locking counter, incremented by the
	// backend on every successful compare-and-swap
	Version int64 `json:"version"`
	// Attempts counts retries of the current phase
	Attempts int `json:"attempts"`
	// Message carries the last error for failed/paused plans
	Message string `json:"message,omitempty"`
	// CreatedAt is the plan creation timestamp
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt is the last transition timestamp
	UpdatedAt time.Time `json:"updated_at"`
	// HealthyAt is the time the target nodegroup first reported healthy,
	// anchors the observation window before the source is touched
	HealthyAt time.Time `json:"healthy_at,omitempty"`
}

// Check makes sure the plan is valid
func (p RolloverPlan) Check() error {
	if p.Role == "" {
		return trace.BadParameter("missing Role")
	}
	if p.ClusterName == "" {
		return trace.BadParameter("missing ClusterName")
	}
	if p.SourceNodegroup == "" {
		return trace.BadParameter("missing SourceNodegroup")
	}
	if p.TargetNodegroup == "" {
		return trace.BadParameter("missing TargetNodegroup")
	}
	if err := p.TargetSpec.Check(); err != nil {
		return trace.Wrap(err)
	}
	if !IsValidPlanPhase(p.Phase) {
		return trace.BadParameter("invalid plan phase %q", p.Phase)
	}
	return nil
}

// IsTerminal returns true if the plan requires no further automatic work
func (p RolloverPlan) IsTerminal() bool {
	return p.Phase == PlanPhaseCompleted || p.Phase == PlanPhaseFailed
}

// IsPaused returns true if the plan is paused pending operator action
func (p RolloverPlan) IsPaused() bool {
	return p.Phase == PlanPhasePaused
}

// PhaseReached returns true if the plan has committed the specified phase,
// i.e. the phase equals the current one or precedes it in forward order.
// For paused and failed plans the last committed forward phase is used
func (p RolloverPlan) PhaseReached(phase string) bool {
	current := p.Phase
	if current == PlanPhasePaused || current == PlanPhaseFailed {
		current = p.ResumePhase
	}
	currentIndex := phaseIndex(current)
	wantedIndex := phaseIndex(phase)
	if currentIndex < 0 || wantedIndex < 0 {
		return false
	}
	return currentIndex >= wantedIndex
}

// NextPhase returns the phase following the plan's current phase in
// forward order, false if the plan has nothing left to execute
func (p RolloverPlan) NextPhase() (string, bool) {
	index := phaseIndex(p.Phase)
	if index < 0 || index+1 >= len(planPhaseOrder) {
		return "", false
	}
	return planPhaseOrder[index+1], true
}

// IsValidPlanPhase returns true if the provided phase is a known plan phase
func IsValidPlanPhase(phase string) bool {
	if phase == PlanPhaseFailed || phase == PlanPhasePaused {
		return true
	}
	return phaseIndex(phase) >= 0
}

func phaseIndex(phase string) int {
	for i, p := range planPhaseOrder {
		if p == phase {
			return i
		}
	}
	return -1
}
