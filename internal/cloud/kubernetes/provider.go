// Package kubernetes runs each entitlement as a pod. The pod's node selector
// pins it to the tier's machine type; its IP is the network address.
package kubernetes

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/rcourtman/pulse-compute/internal/cloud"
)

// InstanceTypeLabel is the well-known node label matched against the
// catalogue's machine type.
const InstanceTypeLabel = "node.kubernetes.io/instance-type"

type Config struct {
	Namespace  string
	Kubeconfig string
	Context    string
	OpenPorts  []int
	Packages   []string
	// GracePeriodSeconds bounds pod termination.
	GracePeriodSeconds int64
}

type Provider struct {
	cs      kubernetes.Interface
	cfg     Config
	catalog cloud.Catalog
}

// New builds a clientset from an explicit kubeconfig, the in-cluster
// service account, or the default kubeconfig, in that order.
func New(cfg Config, catalog cloud.Catalog) (*Provider, error) {
	restCfg, err := buildRESTConfig(cfg.Kubeconfig, cfg.Context)
	if err != nil {
		return nil, err
	}
	cs, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("create kubernetes client: %w", err)
	}
	return NewWithClient(cs, cfg, catalog), nil
}

func NewWithClient(cs kubernetes.Interface, cfg Config, catalog cloud.Catalog) *Provider {
	if cfg.Namespace == "" {
		cfg.Namespace = "pulse-compute"
	}
	if cfg.GracePeriodSeconds <= 0 {
		cfg.GracePeriodSeconds = 30
	}
	return &Provider{cs: cs, cfg: cfg, catalog: catalog}
}

func (p *Provider) Name() string { return "kubernetes" }

// Instance ids are "<pod name>/<pod uid>" so a recreated pod with the same
// name is a different instance.
func instanceID(pod *corev1.Pod) string {
	return pod.Name + "/" + string(pod.UID)
}

func parseInstanceID(id string) (name string, uid types.UID, err error) {
	name, rawUID, ok := strings.Cut(id, "/")
	if !ok || name == "" || rawUID == "" {
		return "", "", fmt.Errorf("%w: malformed instance id %q", cloud.ErrInstanceNotFound, id)
	}
	return name, types.UID(rawUID), nil
}

func (p *Provider) Create(ctx context.Context, req cloud.CreateRequest) (cloud.Instance, error) {
	spec, err := p.catalog.Lookup(req.Tier)
	if err != nil {
		return cloud.Instance{}, err
	}
	script, err := cloud.BootstrapScript(cloud.BootstrapOptions{
		AuthorizedKey: req.SSHPublicKey,
		OpenPorts:     p.cfg.OpenPorts,
		Packages:      p.cfg.Packages,
	})
	if err != nil {
		return cloud.Instance{}, err
	}

	resources := corev1.ResourceList{
		corev1.ResourceCPU:              *resource.NewQuantity(int64(req.Tier.VCPU), resource.DecimalSI),
		corev1.ResourceMemory:           *resource.NewQuantity(int64(req.Tier.MemoryGiB)<<30, resource.BinarySI),
		corev1.ResourceEphemeralStorage: *resource.NewQuantity(int64(req.Tier.DiskGiB)<<30, resource.BinarySI),
	}
	inbound, err := cloud.InboundPorts(p.cfg.OpenPorts)
	if err != nil {
		return cloud.Instance{}, err
	}
	ports := make([]corev1.ContainerPort, 0, len(inbound))
	for _, port := range inbound {
		cp := corev1.ContainerPort{ContainerPort: int32(port), Protocol: corev1.ProtocolTCP}
		if port == 22 {
			cp.Name = "ssh"
		}
		ports = append(ports, cp)
	}

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      req.Name,
			Namespace: p.cfg.Namespace,
			Labels:    req.Labels,
			// The API server assigns its own uid; fake clientsets keep this one.
			UID: types.UID(uuid.NewString()),
		},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyAlways,
			NodeSelector:  map[string]string{InstanceTypeLabel: spec.MachineType},
			Containers: []corev1.Container{{
				Name:    "compute",
				Image:   spec.Image,
				Command: []string{"/bin/sh", "-c", script},
				Ports:   ports,
				Resources: corev1.ResourceRequirements{
					Requests: resources,
					Limits:   resources,
				},
			}},
		},
	}

	created, err := p.cs.CoreV1().Pods(p.cfg.Namespace).Create(ctx, pod, metav1.CreateOptions{})
	if err != nil {
		if apierrors.IsAlreadyExists(err) {
			existing, getErr := p.cs.CoreV1().Pods(p.cfg.Namespace).Get(ctx, req.Name, metav1.GetOptions{})
			if getErr != nil {
				return cloud.Instance{}, fmt.Errorf("get existing pod %s: %w", req.Name, getErr)
			}
			return cloud.Instance{}, &cloud.ExistsError{Name: req.Name, InstanceID: instanceID(existing)}
		}
		return cloud.Instance{}, fmt.Errorf("create pod %s: %w", req.Name, err)
	}

	log.Info().
		Str("namespace", p.cfg.Namespace).
		Str("pod", created.Name).
		Str("machine_type", spec.MachineType).
		Msg("Compute pod created")

	return describePod(created), nil
}

func describePod(pod *corev1.Pod) cloud.Instance {
	inst := cloud.Instance{ID: instanceID(pod)}
	if pod.Status.Phase == corev1.PodRunning && pod.Status.PodIP != "" {
		inst.NetworkAddress = pod.Status.PodIP
	}
	return inst
}

func (p *Provider) Describe(ctx context.Context, id string) (cloud.Instance, error) {
	name, uid, err := parseInstanceID(id)
	if err != nil {
		return cloud.Instance{}, err
	}
	pod, err := p.cs.CoreV1().Pods(p.cfg.Namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return cloud.Instance{}, fmt.Errorf("%w: %s", cloud.ErrInstanceNotFound, id)
		}
		return cloud.Instance{}, fmt.Errorf("get pod %s: %w", name, err)
	}
	if pod.UID != uid {
		return cloud.Instance{}, fmt.Errorf("%w: %s replaced by %s", cloud.ErrInstanceNotFound, id, pod.UID)
	}
	return describePod(pod), nil
}

func (p *Provider) Destroy(ctx context.Context, id string) error {
	name, uid, err := parseInstanceID(id)
	if err != nil {
		return err
	}
	grace := p.cfg.GracePeriodSeconds
	err = p.cs.CoreV1().Pods(p.cfg.Namespace).Delete(ctx, name, metav1.DeleteOptions{
		GracePeriodSeconds: &grace,
		Preconditions:      &metav1.Preconditions{UID: &uid},
	})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return fmt.Errorf("%w: %s", cloud.ErrInstanceNotFound, id)
		}
		if apierrors.IsConflict(err) {
			// A pod with this name exists but is a different instance.
			return fmt.Errorf("%w: %s", cloud.ErrInstanceNotFound, id)
		}
		return fmt.Errorf("delete pod %s: %w", name, err)
	}
	return nil
}

func buildRESTConfig(kubeconfigPath, kubeContext string) (*rest.Config, error) {
	kubeconfigPath = strings.TrimSpace(kubeconfigPath)
	kubeContext = strings.TrimSpace(kubeContext)

	if kubeconfigPath != "" {
		loadingRules := &clientcmd.ClientConfigLoadingRules{ExplicitPath: kubeconfigPath}
		overrides := &clientcmd.ConfigOverrides{CurrentContext: kubeContext}
		restCfg, err := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(loadingRules, overrides).ClientConfig()
		if err != nil {
			return nil, fmt.Errorf("build kubeconfig rest config: %w", err)
		}
		return restCfg, nil
	}

	restCfg, err := rest.InClusterConfig()
	if err == nil {
		return restCfg, nil
	}

	cc := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(
		clientcmd.NewDefaultClientConfigLoadingRules(),
		&clientcmd.ConfigOverrides{CurrentContext: kubeContext},
	)
	restCfg, cfgErr := cc.ClientConfig()
	if cfgErr != nil {
		return nil, fmt.Errorf("kubernetes config not available (in-cluster failed: %v; kubeconfig failed: %w)", err, cfgErr)
	}
	return restCfg, nil
}

var _ cloud.Provider = (*Provider)(nil)
