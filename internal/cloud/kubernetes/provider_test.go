package kubernetes

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/rcourtman/pulse-compute/internal/cloud"
	"github.com/rcourtman/pulse-compute/internal/ledger"
)

func request(id uint64, tier ledger.Tier) cloud.CreateRequest {
	spec := ledger.TierSpecs()[tier]
	return cloud.CreateRequest{
		Name:         cloud.InstanceName(id),
		Tier:         spec,
		SSHPublicKey: "ssh-ed25519 AAAAC3NzaC1lZDI1NTE5AAAAIKube compute-ent",
		Labels:       cloud.Labels(id, spec.Name, "owner"),
	}
}

func newTestProvider(t *testing.T) (*Provider, *fake.Clientset) {
	t.Helper()
	cs := fake.NewSimpleClientset()
	return NewWithClient(cs, Config{Namespace: "compute", OpenPorts: []int{443, 22, 443}}, cloud.DefaultCatalog("kubernetes")), cs
}

func TestCreateBuildsPodFromTier(t *testing.T) {
	p, cs := newTestProvider(t)
	ctx := context.Background()

	inst, err := p.Create(ctx, request(1, ledger.TierPerformance))
	require.NoError(t, err)
	assert.True(t, inst.Pending())

	pod, err := cs.CoreV1().Pods("compute").Get(ctx, "compute-ent-1", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, pod.Name+"/"+string(pod.UID), inst.ID)
	assert.Equal(t, "compute-4c-8g", pod.Spec.NodeSelector[InstanceTypeLabel])
	assert.Equal(t, "1", pod.Labels[cloud.LabelEntitlementID])

	require.Len(t, pod.Spec.Containers, 1)
	c := pod.Spec.Containers[0]
	assert.Equal(t, int64(4), c.Resources.Limits.Cpu().Value())
	assert.Equal(t, int64(8)<<30, c.Resources.Limits.Memory().Value())
	assert.Equal(t, int64(160)<<30, c.Resources.Requests.StorageEphemeral().Value())
	require.Len(t, c.Command, 3)
	assert.Contains(t, c.Command[2], "AAAAC3NzaC1lZDI1NTE5AAAAIKube")
	assert.Contains(t, c.Command[2], "ufw allow 443/tcp")
	require.Len(t, c.Ports, 2)
	assert.Equal(t, "ssh", c.Ports[0].Name)
	assert.Equal(t, int32(22), c.Ports[0].ContainerPort)
	assert.Equal(t, int32(443), c.Ports[1].ContainerPort)
}

func TestDescribeReportsPodIPOnceRunning(t *testing.T) {
	p, cs := newTestProvider(t)
	ctx := context.Background()

	inst, err := p.Create(ctx, request(2, ledger.TierStarter))
	require.NoError(t, err)

	got, err := p.Describe(ctx, inst.ID)
	require.NoError(t, err)
	assert.True(t, got.Pending())

	pod, err := cs.CoreV1().Pods("compute").Get(ctx, "compute-ent-2", metav1.GetOptions{})
	require.NoError(t, err)
	pod.Status.Phase = corev1.PodRunning
	pod.Status.PodIP = "10.244.1.9"
	_, err = cs.CoreV1().Pods("compute").UpdateStatus(ctx, pod, metav1.UpdateOptions{})
	require.NoError(t, err)

	got, err = p.Describe(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, "10.244.1.9", got.NetworkAddress)
}

func TestCreateExistingPodReportsItsID(t *testing.T) {
	p, _ := newTestProvider(t)
	ctx := context.Background()

	first, err := p.Create(ctx, request(3, ledger.TierBasic))
	require.NoError(t, err)
	_, err = p.Create(ctx, request(3, ledger.TierBasic))
	var exists *cloud.ExistsError
	require.True(t, errors.As(err, &exists), "got %v", err)
	assert.Equal(t, first.ID, exists.InstanceID)
}

func TestDestroyAndMissingInstances(t *testing.T) {
	p, _ := newTestProvider(t)
	ctx := context.Background()

	inst, err := p.Create(ctx, request(4, ledger.TierBasic))
	require.NoError(t, err)
	require.NoError(t, p.Destroy(ctx, inst.ID))

	assert.ErrorIs(t, p.Destroy(ctx, inst.ID), cloud.ErrInstanceNotFound)
	_, err = p.Describe(ctx, inst.ID)
	assert.ErrorIs(t, err, cloud.ErrInstanceNotFound)
	_, err = p.Describe(ctx, "no-uid")
	assert.ErrorIs(t, err, cloud.ErrInstanceNotFound)
}

func TestDescribeRejectsReplacedPod(t *testing.T) {
	p, _ := newTestProvider(t)
	ctx := context.Background()

	old, err := p.Create(ctx, request(5, ledger.TierBasic))
	require.NoError(t, err)
	require.NoError(t, p.Destroy(ctx, old.ID))
	fresh, err := p.Create(ctx, request(5, ledger.TierBasic))
	require.NoError(t, err)
	require.NotEqual(t, old.ID, fresh.ID)

	_, err = p.Describe(ctx, old.ID)
	assert.ErrorIs(t, err, cloud.ErrInstanceNotFound)
}
