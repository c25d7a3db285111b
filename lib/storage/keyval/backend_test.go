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

package keyval

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/ky-rafaels/chainguard-nodes-k8s/lib/storage"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"gopkg.in/check.v1"
)

func TestKeyval(t *testing.T) { check.TestingT(t) }

type BackendSuite struct {
	backend storage.Backend
	clock   clockwork.FakeClock
}

var _ = check.Suite(&BackendSuite{})

func (s *BackendSuite) SetUpTest(c *check.C) {
	s.clock = clockwork.NewFakeClock()
	backend, err := NewBolt(BoltConfig{
		Path:  filepath.Join(c.MkDir(), "test.db"),
		Clock: s.clock,
	})
	c.Assert(err, check.IsNil)
	s.backend = backend
}

func (s *BackendSuite) TearDownTest(c *check.C) {
	if s.backend != nil {
		c.Assert(s.backend.Close(), check.IsNil)
	}
}

func (s *BackendSuite) newPlan(role string) storage.RolloverPlan {
	return storage.RolloverPlan{
		Role:            role,
		ClusterName:     "test-cluster",
		SourceNodegroup: "amazon-1-" + role,
		TargetNodegroup: "cgr-1-" + role,
		TargetSpec: storage.NodegroupSpec{
			Name:           "cgr-1-" + role,
			Role:           role,
			AMIFamily:      "chainguard",
			ReleaseVersion: "1.29.0-20240801",
			Desired:        3,
			Min:            1,
			Max:            5,
		},
		Phase: storage.PlanPhaseIdle,
	}
}

func (s *BackendSuite) TestPlanLifecycle(c *check.C) {
	plan := s.newPlan("workers")

	created, err := s.backend.CreatePlan(plan)
	c.Assert(err, check.IsNil)
	c.Assert(created.Version, check.Equals, int64(1))
	c.Assert(created.CreatedAt.IsZero(), check.Equals, false)

	// duplicate creation for the same role is rejected
	_, err = s.backend.CreatePlan(plan)
	c.Assert(trace.IsAlreadyExists(err), check.Equals, true)

	stored, err := s.backend.GetPlan("workers")
	c.Assert(err, check.IsNil)
	c.Assert(stored, check.DeepEquals, created)

	plans, err := s.backend.GetPlans()
	c.Assert(err, check.IsNil)
	c.Assert(plans, check.HasLen, 1)

	c.Assert(s.backend.DeletePlan("workers"), check.IsNil)
	_, err = s.backend.GetPlan("workers")
	c.Assert(trace.IsNotFound(err), check.Equals, true)
	err = s.backend.DeletePlan("workers")
	c.Assert(trace.IsNotFound(err), check.Equals, true)
}

func (s *BackendSuite) TestPlanCompareAndSwap(c *check.C) {
	created, err := s.backend.CreatePlan(s.newPlan("workers"))
	c.Assert(err, check.IsNil)

	update := *created
	update.Phase = storage.PlanPhaseTargetCreated
	swapped, err := s.backend.CompareAndSwapPlan(update, *created)
	c.Assert(err, check.IsNil)
	c.Assert(swapped.Version, check.Equals, int64(2))
	c.Assert(swapped.Phase, check.Equals, storage.PlanPhaseTargetCreated)

	// a swap against the stale copy fails: another instance won the race
	stale := *created
	stale.Phase = storage.PlanPhaseFailed
	_, err = s.backend.CompareAndSwapPlan(stale, *created)
	c.Assert(trace.IsCompareFailed(err), check.Equals, true)

	// the committed update is untouched by the failed swap
	stored, err := s.backend.GetPlan("workers")
	c.Assert(err, check.IsNil)
	c.Assert(stored.Phase, check.Equals, storage.PlanPhaseTargetCreated)
	c.Assert(stored.Version, check.Equals, int64(2))
}

func (s *BackendSuite) TestTargets(c *check.C) {
	target := storage.Target{
		Role:      "workers",
		AMIFamily: "chainguard",
	}
	c.Assert(s.backend.UpsertTarget(target), check.IsNil)

	stored, err := s.backend.GetTarget("workers")
	c.Assert(err, check.IsNil)
	c.Assert(stored.AMIFamily, check.Equals, "chainguard")
	c.Assert(stored.UpdatedAt.IsZero(), check.Equals, false)

	target.PinnedVersion = "1.29.0-20240801"
	c.Assert(s.backend.UpsertTarget(target), check.IsNil)
	stored, err = s.backend.GetTarget("workers")
	c.Assert(err, check.IsNil)
	c.Assert(stored.PinnedVersion, check.Equals, "1.29.0-20240801")

	targets, err := s.backend.GetTargets()
	c.Assert(err, check.IsNil)
	c.Assert(targets, check.HasLen, 1)

	c.Assert(s.backend.DeleteTarget("workers"), check.IsNil)
	_, err = s.backend.GetTarget("workers")
	c.Assert(trace.IsNotFound(err), check.Equals, true)
}

func (s *BackendSuite) TestLocks(c *check.C) {
	err := s.backend.TryAcquireLock("workers", time.Minute)
	c.Assert(err, check.IsNil)

	// second acquisition fails while the lock is held
	err = s.backend.TryAcquireLock("workers", time.Minute)
	c.Assert(trace.IsAlreadyExists(err), check.Equals, true)

	c.Assert(s.backend.ReleaseLock("workers"), check.IsNil)
	err = s.backend.TryAcquireLock("workers", time.Minute)
	c.Assert(err, check.IsNil)

	// an expired lock can be grabbed by a new holder
	s.clock.Advance(2 * time.Minute)
	err = s.backend.TryAcquireLock("workers", time.Minute)
	c.Assert(err, check.IsNil)
}
