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

package provision

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ky-rafaels/chainguard-nodes-k8s/lib/defaults"
	"github.com/ky-rafaels/chainguard-nodes-k8s/lib/storage"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/eks"
	"github.com/gravitational/trace"
	"gopkg.in/check.v1"
	v1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
)

func TestProvision(t *testing.T) { check.TestingT(t) }

type DriverSuite struct{}

var _ = check.Suite(&DriverSuite{})

// mockEKS keeps nodegroups in memory and counts mutating calls
type mockEKS struct {
	sync.Mutex
	nodegroups map[string]*eks.Nodegroup
	// status is assigned to newly created nodegroups
	status  string
	creates int
	deletes int
}

func newMockEKS(status string) *mockEKS {
	return &mockEKS{
		nodegroups: make(map[string]*eks.Nodegroup),
		status:     status,
	}
}

func (m *mockEKS) CreateNodegroupWithContext(ctx aws.Context, input *eks.CreateNodegroupInput, opts ...request.Option) (*eks.CreateNodegroupOutput, error) {
	m.Lock()
	defer m.Unlock()
	name := aws.StringValue(input.NodegroupName)
	if _, exists := m.nodegroups[name]; exists {
		return nil, awserr.New(eks.ErrCodeResourceInUseException, "nodegroup exists", nil)
	}
	m.creates++
	m.nodegroups[name] = &eks.Nodegroup{
		NodegroupName:  input.NodegroupName,
		Status:         aws.String(m.status),
		ScalingConfig:  input.ScalingConfig,
		Labels:         input.Labels,
		Tags:           input.Tags,
		AmiType:        input.AmiType,
		ReleaseVersion: input.ReleaseVersion,
	}
	return &eks.CreateNodegroupOutput{Nodegroup: m.nodegroups[name]}, nil
}

func (m *mockEKS) DescribeNodegroupWithContext(ctx aws.Context, input *eks.DescribeNodegroupInput, opts ...request.Option) (*eks.DescribeNodegroupOutput, error) {
	m.Lock()
	defer m.Unlock()
	nodegroup, exists := m.nodegroups[aws.StringValue(input.NodegroupName)]
	if !exists {
		return nil, awserr.New(eks.ErrCodeResourceNotFoundException, "no such nodegroup", nil)
	}
	return &eks.DescribeNodegroupOutput{Nodegroup: nodegroup}, nil
}

func (m *mockEKS) DeleteNodegroupWithContext(ctx aws.Context, input *eks.DeleteNodegroupInput, opts ...request.Option) (*eks.DeleteNodegroupOutput, error) {
	m.Lock()
	defer m.Unlock()
	name := aws.StringValue(input.NodegroupName)
	nodegroup, exists := m.nodegroups[name]
	if !exists {
		return nil, awserr.New(eks.ErrCodeResourceNotFoundException, "no such nodegroup", nil)
	}
	m.deletes++
	delete(m.nodegroups, name)
	return &eks.DeleteNodegroupOutput{Nodegroup: nodegroup}, nil
}

func (m *mockEKS) ListNodegroupsWithContext(ctx aws.Context, input *eks.ListNodegroupsInput, opts ...request.Option) (*eks.ListNodegroupsOutput, error) {
	m.Lock()
	defer m.Unlock()
	var names []*string
	for name := range m.nodegroups {
		names = append(names, aws.String(name))
	}
	return &eks.ListNodegroupsOutput{Nodegroups: names}, nil
}

func readyNode(name, nodegroup string) *v1.Node {
	return &v1.Node{
		ObjectMeta: metav1.ObjectMeta{
			Name: name,
			Labels: map[string]string{
				defaults.EKSNodegroupLabel: nodegroup,
			},
		},
		Status: v1.NodeStatus{
			Conditions: []v1.NodeCondition{
				{Type: v1.NodeReady, Status: v1.ConditionTrue},
			},
		},
	}
}

func testSpec() storage.NodegroupSpec {
	return storage.NodegroupSpec{
		Name:           "cgr-1-workers",
		Role:           "workers",
		AMIFamily:      "chainguard",
		ReleaseVersion: "1.29.0-20240801",
		Desired:        2,
		Min:            1,
		Max:            3,
		LaunchTemplate: "chainguard-workers",
	}
}

func (s *DriverSuite) newDriver(c *check.C, mock *mockEKS, nodes ...*v1.Node) *Driver {
	client := fake.NewSimpleClientset()
	for _, node := range nodes {
		_, err := client.CoreV1().Nodes().Create(context.TODO(), node, metav1.CreateOptions{})
		c.Assert(err, check.IsNil)
	}
	driver, err := NewDriver(Config{
		ClusterName: "test-cluster",
		Nodegroups:  mock,
		Client:      client,
	})
	c.Assert(err, check.IsNil)
	return driver
}

func (s *DriverSuite) TestCreateIsIdempotent(c *check.C) {
	mock := newMockEKS(eks.NodegroupStatusActive)
	driver := s.newDriver(c, mock)

	spec := testSpec()
	c.Assert(driver.Create(context.TODO(), spec), check.IsNil)
	c.Assert(mock.creates, check.Equals, 1)

	// repeating the create with an identical spec does not touch the API
	c.Assert(driver.Create(context.TODO(), spec), check.IsNil)
	c.Assert(driver.Create(context.TODO(), spec), check.IsNil)
	c.Assert(mock.creates, check.Equals, 1)
}

func (s *DriverSuite) TestCreateConflictsOnSpecMismatch(c *check.C) {
	mock := newMockEKS(eks.NodegroupStatusActive)
	driver := s.newDriver(c, mock)

	c.Assert(driver.Create(context.TODO(), testSpec()), check.IsNil)

	changed := testSpec()
	changed.Desired = 5
	changed.Max = 10
	err := driver.Create(context.TODO(), changed)
	c.Assert(err, check.NotNil)
	c.Assert(IsConflictError(err), check.Equals, true)
	c.Assert(mock.creates, check.Equals, 1)
}

func (s *DriverSuite) TestCreateReportsPartialFailure(c *check.C) {
	mock := newMockEKS(eks.NodegroupStatusCreateFailed)
	driver := s.newDriver(c, mock)

	spec := testSpec()
	c.Assert(driver.Create(context.TODO(), spec), check.IsNil)

	err := driver.Create(context.TODO(), spec)
	c.Assert(err, check.NotNil)
	c.Assert(IsPartialFailure(err), check.Equals, true)
}

func (s *DriverSuite) TestCustomFamilyRequiresLaunchTemplate(c *check.C) {
	driver := s.newDriver(c, newMockEKS(eks.NodegroupStatusActive))

	spec := testSpec()
	spec.LaunchTemplate = ""
	err := driver.Create(context.TODO(), spec)
	c.Assert(trace.IsBadParameter(err), check.Equals, true)
}

func (s *DriverSuite) TestDeleteIsIdempotent(c *check.C) {
	mock := newMockEKS(eks.NodegroupStatusActive)
	driver := s.newDriver(c, mock)

	c.Assert(driver.Create(context.TODO(), testSpec()), check.IsNil)
	c.Assert(driver.Delete(context.TODO(), "cgr-1-workers"), check.IsNil)
	c.Assert(mock.deletes, check.Equals, 1)

	// deleting an already deleted nodegroup succeeds silently
	c.Assert(driver.Delete(context.TODO(), "cgr-1-workers"), check.IsNil)
	c.Assert(mock.deletes, check.Equals, 1)
}

func (s *DriverSuite) TestWaitHealthy(c *check.C) {
	mock := newMockEKS(eks.NodegroupStatusActive)
	driver := s.newDriver(c, mock,
		readyNode("node-1", "cgr-1-workers"),
		readyNode("node-2", "cgr-1-workers"))

	c.Assert(driver.Create(context.TODO(), testSpec()), check.IsNil)
	err := driver.WaitHealthy(context.TODO(), "cgr-1-workers", time.Minute)
	c.Assert(err, check.IsNil)
}

func (s *DriverSuite) TestWaitHealthyTimesOut(c *check.C) {
	mock := newMockEKS(eks.NodegroupStatusCreating)
	driver := s.newDriver(c, mock)

	c.Assert(driver.Create(context.TODO(), testSpec()), check.IsNil)
	err := driver.WaitHealthy(context.TODO(), "cgr-1-workers", 100*time.Millisecond)
	c.Assert(err, check.NotNil)
	c.Assert(trace.IsLimitExceeded(err), check.Equals, true)
}

func (s *DriverSuite) TestWaitHealthyReportsPartialFailure(c *check.C) {
	mock := newMockEKS(eks.NodegroupStatusDegraded)
	driver := s.newDriver(c, mock)

	c.Assert(driver.Create(context.TODO(), testSpec()), check.IsNil)
	err := driver.WaitHealthy(context.TODO(), "cgr-1-workers", time.Minute)
	c.Assert(err, check.NotNil)
	c.Assert(IsPartialFailure(err), check.Equals, true)
}

func (s *DriverSuite) TestNodegroupMapping(c *check.C) {
	mock := newMockEKS(eks.NodegroupStatusActive)
	driver := s.newDriver(c, mock)

	c.Assert(driver.Create(context.TODO(), testSpec()), check.IsNil)
	nodegroup, err := driver.GetNodegroup(context.TODO(), "cgr-1-workers")
	c.Assert(err, check.IsNil)
	c.Assert(nodegroup.Role, check.Equals, "workers")
	c.Assert(nodegroup.AMIFamily, check.Equals, "chainguard")
	c.Assert(nodegroup.ReleaseVersion, check.Equals, "1.29.0-20240801")
	c.Assert(nodegroup.State, check.Equals, storage.NodegroupStateHealthy)
	c.Assert(nodegroup.Managed, check.Equals, true)
	c.Assert(nodegroup.Desired, check.Equals, int64(2))
}
