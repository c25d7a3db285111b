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
	"gopkg.in/alecthomas/kingpin.v2"
)

// Application represents the command-line "rollover" application and
// contains definitions of all its flags, arguments and subcommands
type Application struct {
	*kingpin.Application
	// Debug allows to run the command in debug mode
	Debug *bool
	// StateFile is the path to the controller state database
	StateFile *string
	// StartCmd runs the controller daemon
	StartCmd StartCmd
	// TargetCmd combines target management subcommands
	TargetCmd TargetCmd
	// TargetSetCmd declares the desired AMI family for a role
	TargetSetCmd TargetSetCmd
	// TargetListCmd displays the declared targets
	TargetListCmd TargetListCmd
	// TargetRemoveCmd removes the declared target for a role
	TargetRemoveCmd TargetRemoveCmd
	// PlanCmd combines plan subcommands
	PlanCmd PlanCmd
	// PlanDisplayCmd displays rollover plans
	PlanDisplayCmd PlanDisplayCmd
	// PlanResumeCmd resumes a paused or failed plan
	PlanResumeCmd PlanResumeCmd
	// PlanAbortCmd discards the plan for a role
	PlanAbortCmd PlanAbortCmd
}

// StartCmd runs the controller daemon
type StartCmd struct {
	*kingpin.CmdClause
	// ConfigPath is the path to the controller configuration file
	ConfigPath *string
}

// TargetCmd combines target management subcommands
type TargetCmd struct {
	*kingpin.CmdClause
}

// TargetSetCmd declares the desired AMI family for a role
type TargetSetCmd struct {
	*kingpin.CmdClause
	// Role is the worker role the target applies to
	Role *string
	// Family is the desired AMI family
	Family *string
	// Release optionally pins the release version
	Release *string
}

// TargetListCmd displays the declared targets
type TargetListCmd struct {
	*kingpin.CmdClause
}

// TargetRemoveCmd removes the declared target for a role
type TargetRemoveCmd struct {
	*kingpin.CmdClause
	// Role is the worker role to remove the target for
	Role *string
}

// PlanCmd combines plan subcommands
type PlanCmd struct {
	*kingpin.CmdClause
}

// PlanDisplayCmd displays rollover plans
type PlanDisplayCmd struct {
	*kingpin.CmdClause
	// Role optionally restricts the output to a single role
	Role *string
}

// PlanResumeCmd resumes a paused or failed plan
type PlanResumeCmd struct {
	*kingpin.CmdClause
	// Role is the worker role whose plan to resume
	Role *string
}

// PlanAbortCmd discards the plan for a role
type PlanAbortCmd struct {
	*kingpin.CmdClause
	// Role is the worker role whose plan to discard
	Role *string
}
