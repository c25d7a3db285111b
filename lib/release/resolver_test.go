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

package release

import (
	"context"
	"testing"

	"github.com/ky-rafaels/chainguard-nodes-k8s/lib/storage"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/ssm"
	"github.com/gravitational/trace"
	"gopkg.in/check.v1"
)

func TestRelease(t *testing.T) { check.TestingT(t) }

type ResolverSuite struct{}

var _ = check.Suite(&ResolverSuite{})

// mockSSM serves parameters from a static map
type mockSSM struct {
	parameters map[string]string
}

func (m *mockSSM) GetParameterWithContext(ctx aws.Context, input *ssm.GetParameterInput, opts ...request.Option) (*ssm.GetParameterOutput, error) {
	value, ok := m.parameters[aws.StringValue(input.Name)]
	if !ok {
		return nil, trace.NotFound("parameter %v not found", aws.StringValue(input.Name))
	}
	return &ssm.GetParameterOutput{
		Parameter: &ssm.Parameter{Value: aws.String(value)},
	}, nil
}

func (s *ResolverSuite) newResolver(c *check.C, parameters map[string]string) *Resolver {
	resolver, err := New(Config{
		SystemsManager:    &mockSSM{parameters: parameters},
		KubernetesVersion: "1.29",
		Feeds: map[string]string{
			"chainguard": "/chainguard/eks/%v/recommended/release_version",
		},
	})
	c.Assert(err, check.IsNil)
	return resolver
}

func (s *ResolverSuite) TestResolvesLatestRelease(c *check.C) {
	resolver := s.newResolver(c, map[string]string{
		"/chainguard/eks/1.29/recommended/release_version": "1.29.0-20240801",
	})
	version, err := resolver.Resolve(context.TODO(), storage.Target{
		Role:      "workers",
		AMIFamily: "chainguard",
	})
	c.Assert(err, check.IsNil)
	c.Assert(version, check.Equals, "1.29.0-20240801")
}

func (s *ResolverSuite) TestAmazonFeedIsConfiguredByDefault(c *check.C) {
	resolver := s.newResolver(c, map[string]string{
		"/aws/service/eks/optimized-ami/1.29/amazon-linux-2/recommended/release_version": "1.29.0-20240715",
	})
	version, err := resolver.Resolve(context.TODO(), storage.Target{
		Role:      "workers",
		AMIFamily: "amazon",
	})
	c.Assert(err, check.IsNil)
	c.Assert(version, check.Equals, "1.29.0-20240715")
}

func (s *ResolverSuite) TestPinnedVersionWins(c *check.C) {
	resolver := s.newResolver(c, map[string]string{
		"/chainguard/eks/1.29/recommended/release_version": "1.29.0-20240801",
	})
	version, err := resolver.Resolve(context.TODO(), storage.Target{
		Role:          "workers",
		AMIFamily:     "chainguard",
		PinnedVersion: "1.29.0-20240701",
	})
	c.Assert(err, check.IsNil)
	c.Assert(version, check.Equals, "1.29.0-20240701")
}

func (s *ResolverSuite) TestUnreachableFeedFailsWithResolutionError(c *check.C) {
	resolver := s.newResolver(c, nil)
	_, err := resolver.Resolve(context.TODO(), storage.Target{
		Role:      "workers",
		AMIFamily: "chainguard",
	})
	c.Assert(err, check.NotNil)
	c.Assert(IsResolutionError(err), check.Equals, true)
}

func (s *ResolverSuite) TestUnknownFamilyIsNotFound(c *check.C) {
	resolver := s.newResolver(c, nil)
	_, err := resolver.Resolve(context.TODO(), storage.Target{
		Role:      "workers",
		AMIFamily: "bottlerocket",
	})
	c.Assert(trace.IsNotFound(err), check.Equals, true)
}

func (s *ResolverSuite) TestIsNewer(c *check.C) {
	c.Assert(IsNewer("1.29.0-20240715", "1.29.0-20240801"), check.Equals, true)
	c.Assert(IsNewer("1.29.0-20240801", "1.29.0-20240801"), check.Equals, false)
	c.Assert(IsNewer("1.29.0-20240801", "1.29.0-20240715"), check.Equals, false)
	// non-semver versions fall back to inequality
	c.Assert(IsNewer("R1", "R2"), check.Equals, true)
	c.Assert(IsNewer("R2", "R2"), check.Equals, false)
}
