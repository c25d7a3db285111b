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
	"io/ioutil"
	"time"

	"github.com/ky-rafaels/chainguard-nodes-k8s/lib/defaults"
	"github.com/ky-rafaels/chainguard-nodes-k8s/lib/rollover"

	"github.com/ghodss/yaml"
	"github.com/gravitational/trace"
)

// Config is the controller daemon configuration, read from a YAML file
type Config struct {
	// ClusterName is the name of the EKS cluster to reconcile
	ClusterName string `json:"cluster_name"`
	// Region is the AWS region the cluster runs in
	Region string `json:"region"`
	// KubernetesVersion is the cluster kubernetes version, used to build
	// release feed parameter paths
	KubernetesVersion string `json:"kubernetes_version"`
	// KubeconfigPath is the path to a kubeconfig file. In-cluster
	// credentials are used when empty
	KubeconfigPath string `json:"kubeconfig_path,omitempty"`
	// StateFile is the path to the controller state database
	StateFile string `json:"state_file,omitempty"`
	// ReconcileInterval is the time between reconciliation passes,
	// e.g. "5m"
	ReconcileInterval string `json:"reconcile_interval,omitempty"`
	// ObservationWindow is the minimum time a replacement nodegroup must
	// stay healthy before the old one is drained, e.g. "5m"
	ObservationWindow string `json:"observation_window,omitempty"`
	// DrainTimeout bounds the drain of a single node, e.g. "15m"
	DrainTimeout string `json:"drain_timeout,omitempty"`
	// Roles lists the managed worker roles
	Roles []rollover.RoleConfig `json:"roles"`
	// Families maps AMI family names to their settings
	Families map[string]rollover.FamilyConfig `json:"families,omitempty"`
	// Feeds maps AMI family names to SSM parameter paths with their
	// latest release version
	Feeds map[string]string `json:"feeds,omitempty"`
}

// CheckAndSetDefaults checks and sets default values
func (c *Config) CheckAndSetDefaults() error {
	if c.ClusterName == "" {
		return trace.BadParameter("missing cluster_name")
	}
	if c.Region == "" {
		return trace.BadParameter("missing region")
	}
	if c.KubernetesVersion == "" {
		return trace.BadParameter("missing kubernetes_version")
	}
	if len(c.Roles) == 0 {
		return trace.BadParameter("missing roles")
	}
	if c.StateFile == "" {
		c.StateFile = defaults.StateFile
	}
	return nil
}

// interval parses the specified duration value falling back to the
// provided default when the value is empty
func interval(value string, fallback time.Duration) (time.Duration, error) {
	if value == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, trace.BadParameter("invalid duration %q: %v", value, err)
	}
	return d, nil
}

// LoadConfig reads the controller configuration from the specified path
func LoadConfig(path string) (*Config, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, trace.BadParameter("failed to parse %v: %v", path, err)
	}
	if err := config.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &config, nil
}
