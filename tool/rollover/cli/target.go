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

	"github.com/ky-rafaels/chainguard-nodes-k8s/lib/storage"

	"github.com/dustin/go-humanize"
	"github.com/gravitational/trace"
)

// setTarget declares the desired AMI family for a role, optionally
// pinning a specific release version
func setTarget(stateFile, role, family, release string) error {
	backend, err := openBackend(stateFile, false)
	if err != nil {
		return trace.Wrap(err)
	}
	defer backend.Close()
	err = backend.UpsertTarget(storage.Target{
		Role:          role,
		AMIFamily:     family,
		PinnedVersion: release,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	if release != "" {
		fmt.Printf("Role %q now targets AMI family %q pinned to release %v.\n",
			role, family, release)
	} else {
		fmt.Printf("Role %q now targets AMI family %q at the latest release.\n",
			role, family)
	}
	return nil
}

// listTargets prints the declared targets
func listTargets(stateFile string) error {
	backend, err := openBackend(stateFile, true)
	if err != nil {
		return trace.Wrap(err)
	}
	defer backend.Close()
	targets, err := backend.GetTargets()
	if err != nil {
		return trace.Wrap(err)
	}
	if len(targets) == 0 {
		fmt.Println("No targets declared.")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "Role\tFamily\tRelease\tDeclared")
	fmt.Fprintln(w, "----\t------\t-------\t--------")
	for _, target := range targets {
		release := target.PinnedVersion
		if release == "" {
			release = "latest"
		}
		fmt.Fprintf(w, "%v\t%v\t%v\t%v\n",
			target.Role, target.AMIFamily, release, humanize.Time(target.UpdatedAt))
	}
	return trace.Wrap(w.Flush())
}

// removeTarget removes the declared target for a role
func removeTarget(stateFile, role string) error {
	backend, err := openBackend(stateFile, false)
	if err != nil {
		return trace.Wrap(err)
	}
	defer backend.Close()
	if err := backend.DeleteTarget(role); err != nil {
		return trace.Wrap(err)
	}
	fmt.Printf("Target for role %q removed.\n", role)
	return nil
}
