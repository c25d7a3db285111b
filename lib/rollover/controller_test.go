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

package rollover

import (
	"context"
	"path/filepath"
	"time"

	"github.com/ky-rafaels/chainguard-nodes-k8s/lib/cluster"
	"github.com/ky-rafaels/chainguard-nodes-k8s/lib/defaults"
	"github.com/ky-rafaels/chainguard-nodes-k8s/lib/storage"
	"github.com/ky-rafaels/chainguard-nodes-k8s/lib/storage/keyval"

	"github.com/gravitational/trace"
	"gopkg.in/check.v1"
	"k8s.io/client-go/kubernetes/fake"
)

type ControllerSuite struct {
	backend storage.Backend
}

var _ = check.Suite(&ControllerSuite{})

func (s *ControllerSuite) SetUpTest(c *check.C) {
	backend, err := keyval.NewBolt(keyval.BoltConfig{
		Path: filepath.Join(c.MkDir(), "rollover.db"),
	})
	c.Assert(err, check.IsNil)
	s.backend = backend
}

func (s *ControllerSuite) TearDownTest(c *check.C) {
	if s.backend != nil {
		c.Assert(s.backend.Close(), check.IsNil)
	}
}

// mockReader serves a static snapshot
type mockReader struct {
	snapshot *cluster.Snapshot
	err      error
}

func (m *mockReader) Snapshot(ctx context.Context) (*cluster.Snapshot, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.snapshot, nil
}

// mockResolver serves a static release version
type mockResolver struct {
	version string
	err     error
}

func (m *mockResolver) Resolve(ctx context.Context, target storage.Target) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	if target.PinnedVersion != "" {
		return target.PinnedVersion, nil
	}
	return m.version, nil
}

func workersRole() RoleConfig {
	return RoleConfig{
		Role:     "workers",
		Subnets:  []string{"subnet-1"},
		NodeRole: "arn:aws:iam::123456789012:role/eks-workers",
	}
}

func (s *ControllerSuite) newController(c *check.C, provisioner *mockProvisioner, client *fake.Clientset, reader Snapshotter, version string) *Controller {
	controller, err := New(Config{
		ClusterName:       "test-cluster",
		Backend:           s.backend,
		Provisioner:       provisioner,
		Reader:            reader,
		Resolver:          &mockResolver{version: version},
		Client:            client,
		ObservationWindow: time.Millisecond,
		Roles:             []RoleConfig{workersRole()},
		Families: map[string]FamilyConfig{
			defaults.ChainguardAMIFamily: {LaunchTemplate: "chainguard-workers"},
		},
	})
	c.Assert(err, check.IsNil)
	return controller
}

func snapshotWith(nodegroups ...storage.Nodegroup) *cluster.Snapshot {
	return &cluster.Snapshot{
		ClusterName: "test-cluster",
		CapturedAt:  time.Now().UTC(),
		Nodegroups:  nodegroups,
	}
}

func (s *ControllerSuite) TestRollsOverToNewFamily(c *check.C) {
	source := sourceNodegroup()
	provisioner := newMockProvisioner(source)
	client := fake.NewSimpleClientset(
		workerNode("node-1", "amazon-1-workers"),
		workerPod("pod-1", "node-1"),
	)
	registerCoreDiscovery(client)
	controller := s.newController(c, provisioner, client,
		&mockReader{snapshot: snapshotWith(source)}, "1.29.0-20240801")
	c.Assert(s.backend.UpsertTarget(storage.Target{
		Role:      "workers",
		AMIFamily: defaults.ChainguardAMIFamily,
	}), check.IsNil)

	c.Assert(controller.ReconcileRole(context.TODO(), workersRole()), check.IsNil)

	plan, err := s.backend.GetPlan("workers")
	c.Assert(err, check.IsNil)
	c.Assert(plan.Phase, check.Equals, storage.PlanPhaseCompleted)
	c.Assert(plan.SourceNodegroup, check.Equals, "amazon-1-workers")
	c.Assert(plan.TargetNodegroup, check.Equals, "cgr-1-workers")
	c.Assert(plan.TargetSpec.ReleaseVersion, check.Equals, "1.29.0-20240801")
	c.Assert(plan.TargetSpec.LaunchTemplate, check.Equals, "chainguard-workers")
	// capacity is inherited from the source nodegroup
	c.Assert(plan.TargetSpec.Desired, check.Equals, source.Desired)
	c.Assert(provisioner.creates, check.DeepEquals, []string{"cgr-1-workers"})
	c.Assert(provisioner.deletes, check.DeepEquals, []string{"amazon-1-workers"})
}

func (s *ControllerSuite) TestAdoptsPreexistingNodegroup(c *check.C) {
	// the starting nodegroup was created out of band and carries no
	// controller tags, only the role label
	source := sourceNodegroup()
	source.Managed = false
	provisioner := newMockProvisioner(source)
	client := fake.NewSimpleClientset(
		workerNode("node-1", "amazon-1-workers"),
		workerPod("pod-1", "node-1"),
	)
	registerCoreDiscovery(client)
	controller := s.newController(c, provisioner, client,
		&mockReader{snapshot: snapshotWith(source)}, "1.29.0-20240801")
	c.Assert(s.backend.UpsertTarget(storage.Target{
		Role:      "workers",
		AMIFamily: defaults.ChainguardAMIFamily,
	}), check.IsNil)

	c.Assert(controller.ReconcileRole(context.TODO(), workersRole()), check.IsNil)

	plan, err := s.backend.GetPlan("workers")
	c.Assert(err, check.IsNil)
	c.Assert(plan.Phase, check.Equals, storage.PlanPhaseCompleted)
	c.Assert(plan.SourceNodegroup, check.Equals, "amazon-1-workers")
	c.Assert(provisioner.creates, check.DeepEquals, []string{"cgr-1-workers"})
	c.Assert(provisioner.deletes, check.DeepEquals, []string{"amazon-1-workers"})
}

func (s *ControllerSuite) TestNoActionWithoutTarget(c *check.C) {
	provisioner := newMockProvisioner(sourceNodegroup())
	controller := s.newController(c, provisioner, fake.NewSimpleClientset(),
		&mockReader{snapshot: snapshotWith(sourceNodegroup())}, "1.29.0-20240801")

	c.Assert(controller.ReconcileRole(context.TODO(), workersRole()), check.IsNil)

	_, err := s.backend.GetPlan("workers")
	c.Assert(trace.IsNotFound(err), check.Equals, true)
	c.Assert(provisioner.creates, check.HasLen, 0)
}

func (s *ControllerSuite) TestNoActionWhenUpToDate(c *check.C) {
	current := storage.Nodegroup{
		Name:           "cgr-1-workers",
		Role:           "workers",
		AMIFamily:      defaults.ChainguardAMIFamily,
		ReleaseVersion: "1.29.0-20240801",
		Desired:        2,
		Min:            1,
		Max:            3,
		State:          storage.NodegroupStateHealthy,
		Managed:        true,
	}
	provisioner := newMockProvisioner(current)
	controller := s.newController(c, provisioner, fake.NewSimpleClientset(),
		&mockReader{snapshot: snapshotWith(current)}, "1.29.0-20240801")
	c.Assert(s.backend.UpsertTarget(storage.Target{
		Role:      "workers",
		AMIFamily: defaults.ChainguardAMIFamily,
	}), check.IsNil)

	c.Assert(controller.ReconcileRole(context.TODO(), workersRole()), check.IsNil)

	_, err := s.backend.GetPlan("workers")
	c.Assert(trace.IsNotFound(err), check.Equals, true)
}

func (s *ControllerSuite) TestNewReleaseSupersedesCompletedPlan(c *check.C) {
	current := storage.Nodegroup{
		Name:           "cgr-1-workers",
		Role:           "workers",
		AMIFamily:      defaults.ChainguardAMIFamily,
		ReleaseVersion: "1.29.0-20240801",
		Desired:        1,
		Min:            1,
		Max:            2,
		State:          storage.NodegroupStateHealthy,
		Managed:        true,
	}
	// the previous rollover to cgr-1-workers has completed
	finished := planFixture()
	finished.Phase = storage.PlanPhaseCompleted
	_, err := s.backend.CreatePlan(finished)
	c.Assert(err, check.IsNil)

	provisioner := newMockProvisioner(current)
	client := fake.NewSimpleClientset(workerNode("node-1", "cgr-1-workers"))
	controller := s.newController(c, provisioner, client,
		&mockReader{snapshot: snapshotWith(current)}, "1.29.0-20240901")
	c.Assert(s.backend.UpsertTarget(storage.Target{
		Role:      "workers",
		AMIFamily: defaults.ChainguardAMIFamily,
	}), check.IsNil)

	c.Assert(controller.ReconcileRole(context.TODO(), workersRole()), check.IsNil)

	plan, err := s.backend.GetPlan("workers")
	c.Assert(err, check.IsNil)
	c.Assert(plan.Phase, check.Equals, storage.PlanPhaseCompleted)
	// the generation counter continues within the family
	c.Assert(plan.TargetNodegroup, check.Equals, "cgr-2-workers")
	c.Assert(plan.SourceNodegroup, check.Equals, "cgr-1-workers")
}

func (s *ControllerSuite) TestSkipsPassWhenRoleIsLocked(c *check.C) {
	provisioner := newMockProvisioner(sourceNodegroup())
	controller := s.newController(c, provisioner, fake.NewSimpleClientset(),
		&mockReader{snapshot: snapshotWith(sourceNodegroup())}, "1.29.0-20240801")
	c.Assert(s.backend.UpsertTarget(storage.Target{
		Role:      "workers",
		AMIFamily: defaults.ChainguardAMIFamily,
	}), check.IsNil)

	// another controller instance holds the role lock
	c.Assert(s.backend.TryAcquireLock("reconcile/workers", time.Hour), check.IsNil)

	c.Assert(controller.ReconcileRole(context.TODO(), workersRole()), check.IsNil)
	c.Assert(provisioner.creates, check.HasLen, 0)
	_, err := s.backend.GetPlan("workers")
	c.Assert(trace.IsNotFound(err), check.Equals, true)
}

func (s *ControllerSuite) TestLeavesPausedPlanAlone(c *check.C) {
	paused := planFixture()
	paused.Phase = storage.PlanPhasePaused
	paused.ResumePhase = storage.PlanPhaseSourceCordoned
	_, err := s.backend.CreatePlan(paused)
	c.Assert(err, check.IsNil)

	provisioner := newMockProvisioner(sourceNodegroup())
	controller := s.newController(c, provisioner, fake.NewSimpleClientset(),
		&mockReader{snapshot: snapshotWith(sourceNodegroup())}, "1.29.0-20240801")

	c.Assert(controller.ReconcileRole(context.TODO(), workersRole()), check.IsNil)

	plan, err := s.backend.GetPlan("workers")
	c.Assert(err, check.IsNil)
	c.Assert(plan.Phase, check.Equals, storage.PlanPhasePaused)
	c.Assert(provisioner.creates, check.HasLen, 0)
}

func (s *ControllerSuite) TestNextNodegroupName(c *check.C) {
	// crossing families restarts the generation counter
	c.Assert(nextNodegroupName("amazon-1-workers", "cgr", "workers"),
		check.Equals, "cgr-1-workers")
	// rolling within a family continues it
	c.Assert(nextNodegroupName("cgr-1-workers", "cgr", "workers"),
		check.Equals, "cgr-2-workers")
	c.Assert(nextNodegroupName("cgr-12-workers", "cgr", "workers"),
		check.Equals, "cgr-13-workers")
	// names the controller did not generate start over
	c.Assert(nextNodegroupName("legacy-workers", "cgr", "workers"),
		check.Equals, "cgr-1-workers")
}
