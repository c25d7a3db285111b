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

package main

import (
	"fmt"
	"os"

	"github.com/ky-rafaels/chainguard-nodes-k8s/tool/rollover/cli"

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"
	"gopkg.in/alecthomas/kingpin.v2"
)

func main() {
	app := kingpin.New("rollover", "EKS nodegroup rollover controller")
	if err := run(app); err != nil {
		log.Error(trace.DebugReport(err))
		fmt.Fprintf(os.Stderr, "[ERROR]: %v\n", trace.UserMessage(err))
		os.Exit(255)
	}
}

func run(app *kingpin.Application) error {
	rollover := cli.RegisterCommands(app)
	return trace.Wrap(cli.Run(rollover))
}
