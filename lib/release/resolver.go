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

// Package release resolves the latest eligible AMI release version for
// a configured AMI family from its SSM parameter feed
package release

import (
	"context"
	"fmt"
	"strings"

	"github.com/ky-rafaels/chainguard-nodes-k8s/lib/defaults"
	"github.com/ky-rafaels/chainguard-nodes-k8s/lib/storage"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/ssm"
	"github.com/coreos/go-semver/semver"
	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"
)

// Resolver determines the latest eligible AMI release for an AMI family
// by polling the family's release feed in the SSM parameter store
type Resolver struct {
	// Config is the resolver configuration
	Config
	log.FieldLogger
}

// Config is the resolver configuration
type Config struct {
	// SystemsManager is the AWS systems manager parameter store client
	SystemsManager SSM
	// KubernetesVersion is the cluster kubernetes version, substituted
	// into feed parameter path templates
	KubernetesVersion string
	// Feeds maps an AMI family name to the SSM parameter path with its
	// latest release version. A single %v placeholder in the path is
	// replaced with the cluster kubernetes version
	Feeds map[string]string
}

// CheckAndSetDefaults checks and sets default values
func (cfg *Config) CheckAndSetDefaults() error {
	if cfg.SystemsManager == nil {
		return trace.BadParameter("missing parameter SystemsManager")
	}
	if cfg.KubernetesVersion == "" {
		return trace.BadParameter("missing parameter KubernetesVersion")
	}
	if cfg.Feeds == nil {
		cfg.Feeds = map[string]string{}
	}
	if _, ok := cfg.Feeds[defaults.AmazonAMIFamily]; !ok {
		cfg.Feeds[defaults.AmazonAMIFamily] = defaults.AmazonReleaseFeed
	}
	return nil
}

// New returns a new release resolver
func New(cfg Config) (*Resolver, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Resolver{
		Config:      cfg,
		FieldLogger: log.WithField(trace.Component, "release"),
	}, nil
}

// Resolve returns the release version the specified target should run:
// the pinned version if the target pins one, otherwise the latest
// release published by the family's feed.
// Fails with ResolutionError if the feed is unreachable or empty
func (r *Resolver) Resolve(ctx context.Context, target storage.Target) (string, error) {
	if target.PinnedVersion != "" {
		r.Debugf("Using pinned release %v for role %v.", target.PinnedVersion, target.Role)
		return target.PinnedVersion, nil
	}
	feed, ok := r.Feeds[target.AMIFamily]
	if !ok {
		return "", trace.NotFound("no release feed configured for AMI family %q",
			target.AMIFamily)
	}
	if strings.Contains(feed, "%v") {
		feed = fmt.Sprintf(feed, r.KubernetesVersion)
	}
	resp, err := r.SystemsManager.GetParameterWithContext(ctx, &ssm.GetParameterInput{
		Name: aws.String(feed),
	})
	if err != nil {
		return "", NewResolutionError(err, target.AMIFamily)
	}
	if resp.Parameter == nil || aws.StringValue(resp.Parameter.Value) == "" {
		return "", NewResolutionError(
			trace.NotFound("feed %q returned no release", feed), target.AMIFamily)
	}
	version := aws.StringValue(resp.Parameter.Value)
	r.Debugf("Resolved release %v for family %v.", version, target.AMIFamily)
	return version, nil
}

// IsNewer determines whether the candidate release is newer than the
// current one. Falls back to simple inequality when either version does
// not parse as a semantic version
func IsNewer(current, candidate string) bool {
	currentVersion, err := semver.NewVersion(current)
	if err != nil {
		return current != candidate
	}
	candidateVersion, err := semver.NewVersion(candidate)
	if err != nil {
		return current != candidate
	}
	return currentVersion.LessThan(*candidateVersion)
}

// NewResolutionError returns a new error to indicate a release feed failure
func NewResolutionError(err error, family string) *ResolutionError {
	return &ResolutionError{Err: err, Family: family}
}

// ResolutionError indicates that the release feed for an AMI family is
// unreachable or returned no eligible release. Retryable
type ResolutionError struct {
	// Err is the underlying feed error
	Err error
	// Family is the AMI family the resolution was attempted for
	Family string
}

// Error returns the error string representation
func (e *ResolutionError) Error() string {
	return fmt.Sprintf("failed to resolve release for AMI family %q: %v",
		e.Family, e.Err)
}

// OrigError returns the underlying error
func (e *ResolutionError) OrigError() error {
	return e.Err
}

// IsResolutionError returns true if the specified error is of type ResolutionError
func IsResolutionError(err error) bool {
	_, ok := trace.Unwrap(err).(*ResolutionError)
	return ok
}
