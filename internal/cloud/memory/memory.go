// Package memory is an in-process cloud provider for development ledgers and
// tests. Instances are records; addresses appear after a configurable number
// of Describe calls.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rcourtman/pulse-compute/internal/cloud"
)

type Options struct {
	// AddressAfter is the number of Describe calls before an instance gets an
	// address. Zero assigns it at Create.
	AddressAfter int
	// Never leaves every instance pending forever.
	Never bool
}

// Instance is a snapshot of one stored instance.
type Instance struct {
	ID             string
	Name           string
	Tier           string
	MachineType    string
	SSHPublicKey   string
	Bootstrap      string
	Labels         map[string]string
	NetworkAddress string
	Polls          int

	seq int
}

type Provider struct {
	catalog cloud.Catalog

	mu         sync.Mutex
	opts       Options
	seq        int
	byID       map[string]*Instance
	byName     map[string]string
	creates    int
	createErr  error
	destroyErr error
}

func New(catalog cloud.Catalog, opts Options) *Provider {
	return &Provider{
		catalog: catalog,
		opts:    opts,
		byID:    make(map[string]*Instance),
		byName:  make(map[string]string),
	}
}

func (p *Provider) Name() string { return "memory" }

func (p *Provider) Create(ctx context.Context, req cloud.CreateRequest) (cloud.Instance, error) {
	if err := ctx.Err(); err != nil {
		return cloud.Instance{}, err
	}
	spec, err := p.catalog.Lookup(req.Tier)
	if err != nil {
		return cloud.Instance{}, err
	}
	script, err := cloud.BootstrapScript(cloud.BootstrapOptions{AuthorizedKey: req.SSHPublicKey})
	if err != nil {
		return cloud.Instance{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.createErr != nil {
		return cloud.Instance{}, p.createErr
	}
	if id, ok := p.byName[req.Name]; ok {
		return cloud.Instance{}, &cloud.ExistsError{Name: req.Name, InstanceID: id}
	}
	p.seq++
	p.creates++
	inst := &Instance{
		ID:           fmt.Sprintf("mem-%06d", p.seq),
		Name:         req.Name,
		Tier:         req.Tier.Name,
		MachineType:  spec.MachineType,
		SSHPublicKey: req.SSHPublicKey,
		Bootstrap:    script,
		Labels:       copyLabels(req.Labels),
		seq:          p.seq,
	}
	if p.opts.AddressAfter == 0 && !p.opts.Never {
		inst.NetworkAddress = p.addressFor(p.seq)
	}
	p.byID[inst.ID] = inst
	p.byName[inst.Name] = inst.ID
	return cloud.Instance{ID: inst.ID, NetworkAddress: inst.NetworkAddress}, nil
}

func (p *Provider) Describe(ctx context.Context, instanceID string) (cloud.Instance, error) {
	if err := ctx.Err(); err != nil {
		return cloud.Instance{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	inst, ok := p.byID[instanceID]
	if !ok {
		return cloud.Instance{}, fmt.Errorf("%w: %s", cloud.ErrInstanceNotFound, instanceID)
	}
	inst.Polls++
	if inst.NetworkAddress == "" && !p.opts.Never && inst.Polls >= p.opts.AddressAfter {
		inst.NetworkAddress = p.addressFor(inst.seq)
	}
	return cloud.Instance{ID: inst.ID, NetworkAddress: inst.NetworkAddress}, nil
}

func (p *Provider) Destroy(ctx context.Context, instanceID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyErr != nil {
		return p.destroyErr
	}
	inst, ok := p.byID[instanceID]
	if !ok {
		return fmt.Errorf("%w: %s", cloud.ErrInstanceNotFound, instanceID)
	}
	delete(p.byID, instanceID)
	delete(p.byName, inst.Name)
	return nil
}

// addressFor derives a stable private address from the instance sequence.
func (p *Provider) addressFor(n int) string {
	return fmt.Sprintf("10.77.%d.%d", (n/250)%250, n%250+1)
}

// SetOptions replaces the address behaviour for instances polled from now on.
func (p *Provider) SetOptions(opts Options) {
	p.mu.Lock()
	p.opts = opts
	p.mu.Unlock()
}

// FailCreate makes every Create return err until cleared with nil.
func (p *Provider) FailCreate(err error) {
	p.mu.Lock()
	p.createErr = err
	p.mu.Unlock()
}

// FailDestroy makes every Destroy return err until cleared with nil.
func (p *Provider) FailDestroy(err error) {
	p.mu.Lock()
	p.destroyErr = err
	p.mu.Unlock()
}

// Creates returns the number of successful Create calls.
func (p *Provider) Creates() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.creates
}

// Instances returns the live instances ordered by id.
func (p *Provider) Instances() []Instance {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Instance, 0, len(p.byID))
	for _, inst := range p.byID {
		cp := *inst
		cp.Labels = copyLabels(inst.Labels)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func copyLabels(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
