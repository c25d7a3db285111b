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
	"github.com/ky-rafaels/chainguard-nodes-k8s/lib/defaults"

	"gopkg.in/alecthomas/kingpin.v2"
)

// RegisterCommands registers all commands, flags and arguments of the
// command-line application
func RegisterCommands(app *kingpin.Application) *Application {
	r := &Application{Application: app}

	r.Debug = app.Flag("debug", "Enable debug mode").Bool()
	r.StateFile = app.Flag("state-file", "Path to the controller state database").
		Default(defaults.StateFile).String()

	r.StartCmd.CmdClause = app.Command("start", "Run the rollover controller")
	r.StartCmd.ConfigPath = r.StartCmd.Flag("config", "Path to the controller configuration file").
		Required().ExistingFile()

	r.TargetCmd.CmdClause = app.Command("target", "Manage declared AMI targets")
	r.TargetSetCmd.CmdClause = r.TargetCmd.Command("set", "Declare the desired AMI family for a role")
	r.TargetSetCmd.Role = r.TargetSetCmd.Arg("role", "Worker role the target applies to").Required().String()
	r.TargetSetCmd.Family = r.TargetSetCmd.Flag("family", "Desired AMI family").Required().String()
	r.TargetSetCmd.Release = r.TargetSetCmd.Flag("release", "Pin a specific release version").String()
	r.TargetListCmd.CmdClause = r.TargetCmd.Command("ls", "Display declared targets")
	r.TargetRemoveCmd.CmdClause = r.TargetCmd.Command("rm", "Remove the declared target for a role")
	r.TargetRemoveCmd.Role = r.TargetRemoveCmd.Arg("role", "Worker role to remove the target for").Required().String()

	r.PlanCmd.CmdClause = app.Command("plan", "Manage rollover plans")
	r.PlanDisplayCmd.CmdClause = r.PlanCmd.Command("display", "Display rollover plans").Default()
	r.PlanDisplayCmd.Role = r.PlanDisplayCmd.Arg("role", "Only display the plan for this role").String()
	r.PlanResumeCmd.CmdClause = r.PlanCmd.Command("resume", "Resume a paused or failed plan")
	r.PlanResumeCmd.Role = r.PlanResumeCmd.Arg("role", "Worker role whose plan to resume").Required().String()
	r.PlanAbortCmd.CmdClause = r.PlanCmd.Command("abort", "Discard the plan for a role")
	r.PlanAbortCmd.Role = r.PlanAbortCmd.Arg("role", "Worker role whose plan to discard").Required().String()

	return r
}
