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
	"os"

	"github.com/ky-rafaels/chainguard-nodes-k8s/lib/utils"

	"github.com/gravitational/trace"
)

// Run parses the command line and executes the selected command
func Run(r *Application) error {
	cmd, err := r.Parse(os.Args[1:])
	if err != nil {
		return trace.Wrap(err)
	}
	utils.InitLogging(*r.Debug)

	switch cmd {
	case r.StartCmd.FullCommand():
		return start(*r.StartCmd.ConfigPath)
	case r.TargetSetCmd.FullCommand():
		return setTarget(*r.StateFile, *r.TargetSetCmd.Role,
			*r.TargetSetCmd.Family, *r.TargetSetCmd.Release)
	case r.TargetListCmd.FullCommand():
		return listTargets(*r.StateFile)
	case r.TargetRemoveCmd.FullCommand():
		return removeTarget(*r.StateFile, *r.TargetRemoveCmd.Role)
	case r.PlanDisplayCmd.FullCommand():
		return displayPlans(*r.StateFile, *r.PlanDisplayCmd.Role)
	case r.PlanResumeCmd.FullCommand():
		return resumePlan(*r.StateFile, *r.PlanResumeCmd.Role)
	case r.PlanAbortCmd.FullCommand():
		return abortPlan(*r.StateFile, *r.PlanAbortCmd.Role)
	}
	return trace.NotFound("unknown command %q", cmd)
}
