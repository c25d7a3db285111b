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
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/ky-rafaels/chainguard-nodes-k8s/lib/defaults"
	"github.com/ky-rafaels/chainguard-nodes-k8s/lib/rollover"
	"github.com/ky-rafaels/chainguard-nodes-k8s/lib/storage"
	"github.com/ky-rafaels/chainguard-nodes-k8s/lib/storage/keyval"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/gravitational/trace"
)

// openBackend opens the controller state database at the specified path
func openBackend(path string, readonly bool) (storage.Backend, error) {
	backend, err := keyval.NewBolt(keyval.BoltConfig{
		Path:     path,
		Readonly: readonly,
		Timeout:  defaults.DBOpenTimeout,
	})
	return backend, trace.Wrap(err)
}

// displayPlans prints the stored rollover plans, optionally restricted
// to a single role
func displayPlans(stateFile, role string) error {
	backend, err := openBackend(stateFile, true)
	if err != nil {
		return trace.Wrap(err)
	}
	defer backend.Close()
	var plans []storage.RolloverPlan
	if role != "" {
		plan, err := backend.GetPlan(role)
		if err != nil {
			return trace.Wrap(err)
		}
		plans = append(plans, *plan)
	} else {
		plans, err = backend.GetPlans()
		if err != nil {
			return trace.Wrap(err)
		}
	}
	if len(plans) == 0 {
		fmt.Println("No rollover plans.")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "Role\tSource\tTarget\tRelease\tPhase\tUpdated\tMessage")
	fmt.Fprintln(w, "----\t------\t------\t-------\t-----\t-------\t-------")
	for _, plan := range plans {
		fmt.Fprintf(w, "%v\t%v\t%v\t%v\t%v\t%v\t%v\n",
			plan.Role,
			plan.SourceNodegroup,
			plan.TargetNodegroup,
			plan.TargetSpec.ReleaseVersion,
			formatPhase(plan),
			humanize.Time(plan.UpdatedAt),
			plan.Message)
	}
	return trace.Wrap(w.Flush())
}

// formatPhase colors the plan phase by how much attention it needs
func formatPhase(plan storage.RolloverPlan) string {
	switch plan.Phase {
	case storage.PlanPhaseCompleted:
		return color.GreenString(plan.Phase)
	case storage.PlanPhaseFailed:
		return color.RedString(plan.Phase)
	case storage.PlanPhasePaused:
		return color.YellowString("%v (at %v)", plan.Phase, plan.ResumePhase)
	}
	if plan.Attempts != 0 {
		return color.YellowString("%v (attempt %v)", plan.Phase, plan.Attempts+1)
	}
	return color.CyanString(plan.Phase)
}

// resumePlan re-arms a paused or failed plan
func resumePlan(stateFile, role string) error {
	backend, err := openBackend(stateFile, false)
	if err != nil {
		return trace.Wrap(err)
	}
	defer backend.Close()
	plan, err := rollover.ResumePlan(backend, role)
	if err != nil {
		return trace.Wrap(err)
	}
	fmt.Printf("Plan for role %q will resume at phase %v.\n", role, plan.Phase)
	return nil
}

// abortPlan discards the plan for a role
func abortPlan(stateFile, role string) error {
	backend, err := openBackend(stateFile, false)
	if err != nil {
		return trace.Wrap(err)
	}
	defer backend.Close()
	if err := rollover.AbortPlan(backend, role); err != nil {
		return trace.Wrap(err)
	}
	fmt.Printf("Plan for role %q discarded.\n", role)
	return nil
}
