// Package docker runs each entitlement as a container on a Docker daemon.
//
// CPU and memory always follow the tier. The tier's disk size is applied as
// the container's rootfs size only with Config.LimitDisk, because the daemon
// rejects that option unless its storage driver supports quotas (overlay2
// on xfs with pquota, btrfs, zfs). Without it disk is not bounded.
package docker

import (
	"context"
	"fmt"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/rs/zerolog/log"

	"github.com/rcourtman/pulse-compute/internal/cloud"
)

// Config holds Docker provider settings.
type Config struct {
	// Network is the user-defined network instances join; its container IP
	// is the instance's network address.
	Network string
	// OpenPorts are extra inbound ports allowed by the bootstrap firewall.
	OpenPorts []int
	// Packages are installed by the bootstrap script.
	Packages []string
	// StopTimeout is the grace period in seconds before a container is killed.
	StopTimeout int
	// LimitDisk sets the rootfs size to the tier's disk.
	LimitDisk bool
}

// Provider orchestrates one container per entitlement.
type Provider struct {
	cli     *client.Client
	cfg     Config
	catalog cloud.Catalog
}

// New creates a provider connected to the daemon named by the environment
// (DOCKER_HOST and friends).
func New(cfg Config, catalog cloud.Catalog) (*Provider, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return NewWithClient(cli, cfg, catalog), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(cli *client.Client, cfg Config, catalog cloud.Catalog) *Provider {
	if cfg.Network == "" {
		cfg.Network = "bridge"
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 30
	}
	return &Provider{cli: cli, cfg: cfg, catalog: catalog}
}

func (p *Provider) Name() string { return "docker" }

// Close closes the Docker client.
func (p *Provider) Close() error {
	if p.cli != nil {
		return p.cli.Close()
	}
	return nil
}

// Create creates and starts the container. An existing container with the
// same name is reported as *cloud.ExistsError.
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

	labels := make(map[string]string, len(req.Labels)+1)
	for k, v := range req.Labels {
		labels[k] = v
	}
	labels["pulse-compute.io/machine-type"] = spec.MachineType

	hostConfig := &container.HostConfig{
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
		Resources: container.Resources{
			NanoCPUs: int64(req.Tier.VCPU) * 1_000_000_000,
			Memory:   int64(req.Tier.MemoryGiB) << 30,
		},
	}
	if p.cfg.LimitDisk && req.Tier.DiskGiB > 0 {
		hostConfig.StorageOpt = map[string]string{"size": fmt.Sprintf("%dG", req.Tier.DiskGiB)}
	}

	resp, err := p.cli.ContainerCreate(ctx,
		&container.Config{
			Image:    spec.Image,
			Hostname: req.Name,
			Labels:   labels,
			Cmd:      []string{"/bin/sh", "-c", script},
		},
		hostConfig,
		&network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				p.cfg.Network: {},
			},
		},
		nil, // platform
		req.Name,
	)
	if err != nil {
		if cerrdefs.IsConflict(err) {
			existing, inspectErr := p.cli.ContainerInspect(ctx, req.Name)
			if inspectErr != nil {
				return cloud.Instance{}, fmt.Errorf("inspect existing container %s: %w", req.Name, inspectErr)
			}
			return cloud.Instance{}, &cloud.ExistsError{Name: req.Name, InstanceID: existing.ID}
		}
		return cloud.Instance{}, fmt.Errorf("create container %s: %w", req.Name, err)
	}

	if err := p.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// Leave nothing half-created behind; the caller will retry from scratch.
		if rmErr := p.cli.ContainerRemove(context.WithoutCancel(ctx), resp.ID, container.RemoveOptions{Force: true}); rmErr != nil {
			log.Warn().Err(rmErr).Str("instance_id", shortID(resp.ID)).Msg("Failed to remove container after start failure")
		}
		return cloud.Instance{}, fmt.Errorf("start container %s: %w", req.Name, err)
	}

	log.Info().
		Str("instance_id", shortID(resp.ID)).
		Str("container_name", req.Name).
		Str("tier", req.Tier.Name).
		Msg("Compute container started")

	inst, err := p.Describe(ctx, resp.ID)
	if err != nil {
		// Started but not yet inspectable; the address poll will pick it up.
		return cloud.Instance{ID: resp.ID}, nil
	}
	return inst, nil
}

// Describe reports the container's IP on the configured network, or pending
// while it is not running.
func (p *Provider) Describe(ctx context.Context, instanceID string) (cloud.Instance, error) {
	inspect, err := p.cli.ContainerInspect(ctx, instanceID)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return cloud.Instance{}, fmt.Errorf("%w: %s", cloud.ErrInstanceNotFound, instanceID)
		}
		return cloud.Instance{}, fmt.Errorf("inspect container: %w", err)
	}
	inst := cloud.Instance{ID: inspect.ID}
	if inspect.State == nil || !inspect.State.Running || inspect.NetworkSettings == nil {
		return inst, nil
	}
	if netSettings, ok := inspect.NetworkSettings.Networks[p.cfg.Network]; ok && netSettings != nil {
		inst.NetworkAddress = netSettings.IPAddress
	}
	return inst, nil
}

// Destroy stops then removes the container.
func (p *Provider) Destroy(ctx context.Context, instanceID string) error {
	timeout := p.cfg.StopTimeout
	if err := p.cli.ContainerStop(ctx, instanceID, container.StopOptions{Timeout: &timeout}); err != nil {
		if cerrdefs.IsNotFound(err) {
			return fmt.Errorf("%w: %s", cloud.ErrInstanceNotFound, instanceID)
		}
		log.Warn().Err(err).Str("instance_id", shortID(instanceID)).Msg("Failed to stop container, forcing remove")
	}
	err := p.cli.ContainerRemove(ctx, instanceID, container.RemoveOptions{Force: true})
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return fmt.Errorf("%w: %s", cloud.ErrInstanceNotFound, instanceID)
		}
		return fmt.Errorf("remove container %s: %w", shortID(instanceID), err)
	}
	return nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

var _ cloud.Provider = (*Provider)(nil)
