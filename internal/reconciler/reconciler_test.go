package reconciler

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rcourtman/pulse-compute/internal/cloud"
	"github.com/rcourtman/pulse-compute/internal/cloud/memory"
	"github.com/rcourtman/pulse-compute/internal/credentials"
	"github.com/rcourtman/pulse-compute/internal/crypto"
	"github.com/rcourtman/pulse-compute/internal/ledger"
	"github.com/rcourtman/pulse-compute/internal/observer"
	"github.com/rcourtman/pulse-compute/internal/statusstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestAddress(t *testing.T) ledger.Address {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return ledger.AddressFromPublicKey(pub)
}

type fixture struct {
	ledger      *ledger.Ledger
	clock       *fakeClock
	buyer       ledger.Address
	provisioner ledger.Address
	provider    *memory.Provider
	store       *statusstore.Store
	vault       *credentials.Vault
	rec         *Reconciler
}

var testConfig = Config{
	Concurrency:       4,
	PollInterval:      5 * time.Millisecond,
	PollAttempts:      5,
	WritebackAttempts: 3,
	WritebackBackoff:  time.Millisecond,
}

func newFixture(t *testing.T, cfg Config, opts memory.Options) *fixture {
	t.Helper()
	f := &fixture{
		clock:       &fakeClock{t: time.Unix(1_700_000_000, 0)},
		buyer:       newTestAddress(t),
		provisioner: newTestAddress(t),
	}
	self := newTestAddress(t)
	token := ledger.NewToken("USDC")
	l, err := ledger.New(ledger.Config{
		Self:        self,
		Treasury:    newTestAddress(t),
		Provisioner: f.provisioner,
		Admin:       newTestAddress(t),
		Token:       token,
		Now:         f.clock.Now,
	})
	require.NoError(t, err)
	require.NoError(t, token.Mint(f.buyer, 10_000*ledger.Unit))
	require.NoError(t, token.Approve(f.buyer, self, 10_000*ledger.Unit))
	f.ledger = l

	f.provider = memory.New(cloud.DefaultCatalog("memory"), opts)

	dir := t.TempDir()
	f.store, err = statusstore.Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.store.Close() })

	cm, err := crypto.NewCryptoManager(dir)
	require.NoError(t, err)
	f.vault, err = credentials.Open(dir+"/credentials", cm)
	require.NoError(t, err)

	f.rec = f.newReconciler(t, l.Session(f.provisioner), cfg)
	return f
}

func (f *fixture) newReconciler(t *testing.T, l Ledger, cfg Config) *Reconciler {
	t.Helper()
	rec, err := New(Deps{
		Ledger:   l,
		Provider: f.provider,
		Store:    f.store,
		Vault:    f.vault,
	}, cfg)
	require.NoError(t, err)
	rec.now = f.clock.Now
	return rec
}

func (f *fixture) purchase(t *testing.T) uint64 {
	t.Helper()
	v, err := f.ledger.Purchase(f.buyer, ledger.TierStandard, 1)
	require.NoError(t, err)
	return v.ID
}

func (f *fixture) entry(t *testing.T, id uint64) *statusstore.Entry {
	t.Helper()
	e, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, e, "no status entry for %d", id)
	return e
}

func TestProvisionCreatesInstanceAndWritesBack(t *testing.T) {
	f := newFixture(t, testConfig, memory.Options{AddressAfter: 2})
	id := f.purchase(t)

	require.NoError(t, f.rec.Provision(context.Background(), id))

	e := f.entry(t, id)
	assert.Equal(t, statusstore.StateRunning, e.State)
	assert.Equal(t, "memory", e.Provider)
	assert.Equal(t, "standard", e.Tier)
	assert.Equal(t, f.buyer.String(), e.Owner)
	assert.Equal(t, 1, e.Attempts)
	assert.NotEmpty(t, e.AttemptID)
	assert.Empty(t, e.LastError)
	require.NotNil(t, e.ProvisionedAt)

	view, err := f.ledger.Entitlement(id)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusActive, view.Status)
	assert.Equal(t, e.InstanceID, view.InstanceID)
	assert.Equal(t, e.NetworkAddress, view.NetworkAddress)

	instances := f.provider.Instances()
	require.Len(t, instances, 1)
	inst := instances[0]
	assert.Equal(t, cloud.InstanceName(id), inst.Name)
	assert.Equal(t, "standard", inst.Tier)
	assert.Equal(t, "true", inst.Labels[cloud.LabelManaged])

	cred, err := f.vault.Get(id)
	require.NoError(t, err)
	assert.Equal(t, inst.ID, cred.InstanceID)
	assert.Equal(t, inst.SSHPublicKey, cred.AuthorizedKey)
	assert.Contains(t, inst.Bootstrap, cred.AuthorizedKey)
	assert.Contains(t, string(cred.PrivateKeyPEM), "OPENSSH PRIVATE KEY")
}

func TestProvisionReplayIsIdempotent(t *testing.T) {
	f := newFixture(t, testConfig, memory.Options{})
	id := f.purchase(t)
	ev := ledger.Event{Kind: ledger.EventPurchased, EntitlementID: id}

	require.NoError(t, f.rec.Handle(context.Background(), ev))
	first := f.entry(t, id)
	require.NoError(t, f.rec.Handle(context.Background(), ev))

	assert.Equal(t, 1, f.provider.Creates())
	again := f.entry(t, id)
	assert.Equal(t, first.InstanceID, again.InstanceID)
	assert.Equal(t, 1, again.Attempts)
}

func TestConcurrentDuplicateEventsCreateOneInstance(t *testing.T) {
	f := newFixture(t, testConfig, memory.Options{AddressAfter: 1})
	id := f.purchase(t)

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- f.rec.Provision(context.Background(), id)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assert.Equal(t, 1, f.provider.Creates())
	assert.Equal(t, statusstore.StateRunning, f.entry(t, id).State)
}

func TestAddressTimeoutMarksFailedAndRetryReusesInstance(t *testing.T) {
	f := newFixture(t, testConfig, memory.Options{Never: true})
	id := f.purchase(t)
	ctx := context.Background()

	require.NoError(t, f.rec.Provision(ctx, id))

	e := f.entry(t, id)
	assert.Equal(t, statusstore.StateFailed, e.State)
	assert.Contains(t, e.LastError, "no network address")
	assert.NotEmpty(t, e.InstanceID)

	view, err := f.ledger.Entitlement(id)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusProvisioning, view.Status)

	// Failed entries are not retried until an operator asks.
	sweeper, err := NewSweeper(f.rec, "")
	require.NoError(t, err)
	report, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Retried)
	assert.Equal(t, statusstore.StateFailed, f.entry(t, id).State)

	f.provider.SetOptions(memory.Options{AddressAfter: 1})
	require.NoError(t, f.store.RequestRetry(ctx, id))
	report, err = sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Retried)

	e = f.entry(t, id)
	assert.Equal(t, statusstore.StateRunning, e.State)
	assert.Equal(t, 2, e.Attempts)
	assert.Equal(t, 1, f.provider.Creates())
}

func TestAutoRetryStopsAtMaxAttempts(t *testing.T) {
	cfg := testConfig
	cfg.AutoRetryFailed = true
	cfg.MaxAttempts = 2
	f := newFixture(t, cfg, memory.Options{Never: true})
	id := f.purchase(t)
	ctx := context.Background()

	require.NoError(t, f.rec.Provision(ctx, id))
	sweeper, err := NewSweeper(f.rec, "@every 1m")
	require.NoError(t, err)

	report, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Retried)
	assert.Equal(t, 2, f.entry(t, id).Attempts)

	report, err = sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Retried)
	assert.Equal(t, statusstore.StateFailed, f.entry(t, id).State)
}

func TestCreateFailureRecordedAsError(t *testing.T) {
	f := newFixture(t, testConfig, memory.Options{})
	id := f.purchase(t)
	f.provider.FailCreate(errors.New("quota exceeded"))

	require.NoError(t, f.rec.Provision(context.Background(), id))

	e := f.entry(t, id)
	assert.Equal(t, statusstore.StateError, e.State)
	assert.Contains(t, e.LastError, "quota exceeded")
	assert.Empty(t, e.InstanceID)
}

// scriptedLedger lets a test intercept SetProvisioned.
type scriptedLedger struct {
	*ledger.Session
	setProvisioned func(ctx context.Context, id uint64, instanceID, address string) error
}

func (s *scriptedLedger) SetProvisioned(ctx context.Context, id uint64, instanceID, address string) error {
	return s.setProvisioned(ctx, id, instanceID, address)
}

func TestRacingWritebackWithSameIdentityIsInformational(t *testing.T) {
	f := newFixture(t, testConfig, memory.Options{})
	session := f.ledger.Session(f.provisioner)
	rec := f.newReconciler(t, &scriptedLedger{
		Session: session,
		setProvisioned: func(ctx context.Context, id uint64, instanceID, address string) error {
			// A duplicate driver wins the race with the same identity.
			require.NoError(t, session.SetProvisioned(ctx, id, instanceID, address))
			return session.SetProvisioned(ctx, id, instanceID, address)
		},
	}, testConfig)
	id := f.purchase(t)

	require.NoError(t, rec.Provision(context.Background(), id))

	e := f.entry(t, id)
	assert.Equal(t, statusstore.StateRunning, e.State)
	assert.Empty(t, e.LastError)
}

func TestRacingWritebackWithDifferentIdentityIsInconsistent(t *testing.T) {
	f := newFixture(t, testConfig, memory.Options{})
	session := f.ledger.Session(f.provisioner)
	rec := f.newReconciler(t, &scriptedLedger{
		Session: session,
		setProvisioned: func(ctx context.Context, id uint64, instanceID, address string) error {
			require.NoError(t, session.SetProvisioned(ctx, id, "foreign-instance", "192.0.2.10"))
			return session.SetProvisioned(ctx, id, instanceID, address)
		},
	}, testConfig)
	id := f.purchase(t)

	require.NoError(t, rec.Provision(context.Background(), id))

	e := f.entry(t, id)
	assert.Equal(t, statusstore.StateInconsistent, e.State)
	assert.Contains(t, e.LastError, "foreign-instance")
	assert.NotEmpty(t, e.InstanceID)

	// Inconsistent entries are settled and left for an operator.
	require.NoError(t, rec.Provision(context.Background(), id))
	assert.Equal(t, 1, f.provider.Creates())
}

func TestWritebackRetriesTransientRejections(t *testing.T) {
	f := newFixture(t, testConfig, memory.Options{})
	session := f.ledger.Session(f.provisioner)
	calls := 0
	rec := f.newReconciler(t, &scriptedLedger{
		Session: session,
		setProvisioned: func(ctx context.Context, id uint64, instanceID, address string) error {
			calls++
			if calls < 3 {
				return ledger.ErrPaused
			}
			return session.SetProvisioned(ctx, id, instanceID, address)
		},
	}, testConfig)
	id := f.purchase(t)

	require.NoError(t, rec.Provision(context.Background(), id))
	assert.Equal(t, 3, calls)
	assert.Equal(t, statusstore.StateRunning, f.entry(t, id).State)
}

func TestWritebackUnavailableMarksUnknown(t *testing.T) {
	f := newFixture(t, testConfig, memory.Options{})
	session := f.ledger.Session(f.provisioner)
	rec := f.newReconciler(t, &scriptedLedger{
		Session: session,
		setProvisioned: func(context.Context, uint64, string, string) error {
			return errors.New("connection refused")
		},
	}, testConfig)
	id := f.purchase(t)

	require.NoError(t, rec.Provision(context.Background(), id))

	e := f.entry(t, id)
	assert.Equal(t, statusstore.StateUnknown, e.State)
	assert.Contains(t, e.LastError, "connection refused")

	// The sweeper settles unknown entries once the ledger is reachable.
	sweeper, err := NewSweeper(f.rec, "")
	require.NoError(t, err)
	report, err := sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Verified)
	assert.Equal(t, statusstore.StateRunning, f.entry(t, id).State)
	assert.Equal(t, 1, f.provider.Creates())
}

func TestCancelledWritebackLeavesUnknown(t *testing.T) {
	f := newFixture(t, testConfig, memory.Options{})
	session := f.ledger.Session(f.provisioner)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rec := f.newReconciler(t, &scriptedLedger{
		Session: session,
		setProvisioned: func(ctx context.Context, id uint64, instanceID, address string) error {
			cancel()
			return session.SetProvisioned(ctx, id, instanceID, address)
		},
	}, testConfig)
	id := f.purchase(t)

	err := rec.Provision(ctx, id)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, statusstore.StateUnknown, f.entry(t, id).State)

	view, err := f.ledger.Entitlement(id)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusProvisioning, view.Status)

	// Redelivery resumes with the recorded instance.
	require.NoError(t, f.rec.Provision(context.Background(), id))
	assert.Equal(t, statusstore.StateRunning, f.entry(t, id).State)
	assert.Equal(t, 1, f.provider.Creates())
}

func TestCancelledPollLeavesInProgress(t *testing.T) {
	cfg := testConfig
	cfg.PollAttempts = 10_000
	f := newFixture(t, cfg, memory.Options{Never: true})
	id := f.purchase(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		for f.provider.Creates() == 0 {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()

	err := f.rec.Provision(ctx, id)
	require.ErrorIs(t, err, context.Canceled)

	e := f.entry(t, id)
	assert.Equal(t, statusstore.StateInProgress, e.State)
	assert.NotEmpty(t, e.InstanceID)
	assert.Equal(t, 1, f.provider.Creates())
}

func TestAdoptsIdentityAlreadyOnLedger(t *testing.T) {
	f := newFixture(t, testConfig, memory.Options{})
	id := f.purchase(t)
	ctx := context.Background()

	require.NoError(t, f.rec.Provision(ctx, id))
	before := f.entry(t, id)
	require.NoError(t, f.store.Delete(ctx, id))

	require.NoError(t, f.rec.Provision(ctx, id))

	e := f.entry(t, id)
	assert.Equal(t, statusstore.StateRunning, e.State)
	assert.Equal(t, before.InstanceID, e.InstanceID)
	assert.Equal(t, before.NetworkAddress, e.NetworkAddress)
	assert.Equal(t, 1, f.provider.Creates())
}

func TestOrphanWithSameNameIsReplaced(t *testing.T) {
	f := newFixture(t, testConfig, memory.Options{})
	id := f.purchase(t)
	ctx := context.Background()

	spec, err := ledger.TierStandard.Spec()
	require.NoError(t, err)
	orphan, err := f.provider.Create(ctx, cloud.CreateRequest{
		Name:         cloud.InstanceName(id),
		Tier:         spec,
		SSHPublicKey: "ssh-ed25519 AAAAC3NzaC1lZDI1NTE5AAAAIOMqqnkVzrm0SdG6UOoqKLsabgH5C9okWi0dh2l9GKJl stale",
	})
	require.NoError(t, err)

	require.NoError(t, f.rec.Provision(ctx, id))

	instances := f.provider.Instances()
	require.Len(t, instances, 1)
	assert.NotEqual(t, orphan.ID, instances[0].ID)

	cred, err := f.vault.Get(id)
	require.NoError(t, err)
	assert.Equal(t, instances[0].SSHPublicKey, cred.AuthorizedKey)
	assert.Equal(t, statusstore.StateRunning, f.entry(t, id).State)
}

func TestExpiryDuringProvisioningIsFailed(t *testing.T) {
	f := newFixture(t, testConfig, memory.Options{})
	session := f.ledger.Session(f.provisioner)
	rec := f.newReconciler(t, &scriptedLedger{
		Session: session,
		setProvisioned: func(ctx context.Context, id uint64, instanceID, address string) error {
			f.clock.Advance(time.Duration(ledger.MonthSeconds+1) * time.Second)
			return session.SetProvisioned(ctx, id, instanceID, address)
		},
	}, testConfig)
	id := f.purchase(t)

	require.NoError(t, rec.Provision(context.Background(), id))

	e := f.entry(t, id)
	assert.Equal(t, statusstore.StateFailed, e.State)
	assert.Contains(t, e.LastError, "expired before write-back")
	assert.Contains(t, e.LastError, e.InstanceID)
	assert.NotEmpty(t, e.InstanceID)
	assert.Len(t, f.provider.Instances(), 1)

	// A renewal inside the grace window lets the retry reuse the instance.
	_, err := f.ledger.Renew(f.buyer, id, 1)
	require.NoError(t, err)
	require.NoError(t, f.store.RequestRetry(context.Background(), id))
	require.NoError(t, f.rec.Provision(context.Background(), id))
	assert.Equal(t, statusstore.StateRunning, f.entry(t, id).State)
	assert.Equal(t, 1, f.provider.Creates())
}

// stalledProvider never answers Create or Destroy before the call's
// context ends.
type stalledProvider struct {
	*memory.Provider
}

func (stalledProvider) Create(ctx context.Context, _ cloud.CreateRequest) (cloud.Instance, error) {
	<-ctx.Done()
	return cloud.Instance{}, ctx.Err()
}

func (stalledProvider) Destroy(ctx context.Context, _ string) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestStalledProviderCallsTimeOut(t *testing.T) {
	f := newFixture(t, testConfig, memory.Options{})
	cfg := testConfig
	cfg.AdapterTimeout = 20 * time.Millisecond
	rec, err := New(Deps{
		Ledger:   f.ledger.Session(f.provisioner),
		Provider: stalledProvider{f.provider},
		Store:    f.store,
		Vault:    f.vault,
	}, cfg)
	require.NoError(t, err)
	id := f.purchase(t)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- rec.Provision(ctx, id) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Provision still blocked in Create")
	}
	e := f.entry(t, id)
	assert.Equal(t, statusstore.StateError, e.State)
	assert.Contains(t, e.LastError, context.DeadlineExceeded.Error())

	// The per-id lock was released, so termination can run; its stalled
	// destroy is recorded for the sweeper.
	require.NoError(t, f.store.RecordInstance(ctx, id, "compute-ent-stalled", ""))
	require.NoError(t, f.ledger.Terminate(f.buyer, id))
	go func() { done <- rec.Terminate(ctx, id) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Terminate still blocked in Destroy")
	}
	e = f.entry(t, id)
	assert.Equal(t, statusstore.StateDestroyFailed, e.State)
	assert.Contains(t, e.LastError, context.DeadlineExceeded.Error())
}

func TestTerminateDestroysInstance(t *testing.T) {
	f := newFixture(t, testConfig, memory.Options{})
	id := f.purchase(t)
	ctx := context.Background()

	require.NoError(t, f.rec.Provision(ctx, id))
	require.NoError(t, f.ledger.Terminate(f.buyer, id))

	require.NoError(t, f.rec.Handle(ctx, ledger.Event{Kind: ledger.EventTerminated, EntitlementID: id}))

	assert.Empty(t, f.provider.Instances())
	assert.Equal(t, statusstore.StateTerminated, f.entry(t, id).State)
	_, err := f.vault.Get(id)
	assert.ErrorIs(t, err, credentials.ErrNotFound)

	// Replays of either event change nothing.
	require.NoError(t, f.rec.Handle(ctx, ledger.Event{Kind: ledger.EventTerminated, EntitlementID: id}))
	require.NoError(t, f.rec.Handle(ctx, ledger.Event{Kind: ledger.EventPurchased, EntitlementID: id}))
	assert.Equal(t, 1, f.provider.Creates())
	assert.Equal(t, statusstore.StateTerminated, f.entry(t, id).State)
}

func TestDestroyFailureIsRecordedAndSwept(t *testing.T) {
	f := newFixture(t, testConfig, memory.Options{})
	id := f.purchase(t)
	ctx := context.Background()

	require.NoError(t, f.rec.Provision(ctx, id))
	require.NoError(t, f.ledger.Terminate(f.buyer, id))

	f.provider.FailDestroy(errors.New("api unavailable"))
	require.NoError(t, f.rec.Terminate(ctx, id))

	e := f.entry(t, id)
	assert.Equal(t, statusstore.StateDestroyFailed, e.State)
	assert.Contains(t, e.LastError, "api unavailable")
	assert.Len(t, f.provider.Instances(), 1)

	f.provider.FailDestroy(nil)
	sweeper, err := NewSweeper(f.rec, "")
	require.NoError(t, err)
	report, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.DestroyRetried)
	assert.Empty(t, f.provider.Instances())
	assert.Equal(t, statusstore.StateTerminated, f.entry(t, id).State)
}

func TestTerminatedBeforeProvisioningSkipsCreate(t *testing.T) {
	f := newFixture(t, testConfig, memory.Options{})
	id := f.purchase(t)
	require.NoError(t, f.ledger.Terminate(f.buyer, id))

	require.NoError(t, f.rec.Provision(context.Background(), id))

	assert.Zero(t, f.provider.Creates())
	assert.Equal(t, statusstore.StateTerminated, f.entry(t, id).State)
}

func TestExpiredBeforeProvisioningFails(t *testing.T) {
	f := newFixture(t, testConfig, memory.Options{})
	id := f.purchase(t)
	f.clock.Advance(time.Duration(ledger.MonthSeconds+1) * time.Second)

	require.NoError(t, f.rec.Provision(context.Background(), id))

	e := f.entry(t, id)
	assert.Equal(t, statusstore.StateFailed, e.State)
	assert.Contains(t, e.LastError, "expired")
	assert.Zero(t, f.provider.Creates())
}

func TestSweepReportsStaleWithoutTerminating(t *testing.T) {
	f := newFixture(t, testConfig, memory.Options{})
	id := f.purchase(t)
	ctx := context.Background()
	require.NoError(t, f.rec.Provision(ctx, id))

	sweeper, err := NewSweeper(f.rec, "")
	require.NoError(t, err)

	f.clock.Advance(time.Duration(ledger.MonthSeconds+ledger.GracePeriodSeconds-60) * time.Second)
	report, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Stale)

	f.clock.Advance(2 * time.Minute)
	report, err = sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, []uint64{id}, report.Stale)

	assert.Len(t, f.provider.Instances(), 1)
	_, err = f.ledger.Entitlement(id)
	require.NoError(t, err)
	assert.Equal(t, statusstore.StateRunning, f.entry(t, id).State)
}

func TestNewSweeperRejectsBadSchedule(t *testing.T) {
	f := newFixture(t, testConfig, memory.Options{})
	_, err := NewSweeper(f.rec, "every now and then")
	require.Error(t, err)
}

func TestRunDrivesObserverStream(t *testing.T) {
	f := newFixture(t, testConfig, memory.Options{AddressAfter: 1})
	cp, err := observer.OpenCheckpoint(t.TempDir(), "reconciler")
	require.NoError(t, err)
	t.Cleanup(func() { _ = cp.Close() })

	obs := observer.New(observer.NewLedgerSource(f.ledger), cp, observer.Config{
		RetryDelay:       20 * time.Millisecond,
		ResubscribeDelay: 10 * time.Millisecond,
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	obsErr := make(chan error, 1)
	recErr := make(chan error, 1)
	go func() { obsErr <- obs.Run(ctx) }()
	go func() { recErr <- f.rec.Run(ctx, obs.Events()) }()

	first := f.purchase(t)
	second := f.purchase(t)

	running := func(id uint64) func() bool {
		return func() bool {
			e, err := f.store.Get(context.Background(), id)
			return err == nil && e != nil && e.State == statusstore.StateRunning
		}
	}
	require.Eventually(t, running(first), 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, running(second), 5*time.Second, 10*time.Millisecond)

	require.NoError(t, f.ledger.Terminate(f.buyer, first))
	require.Eventually(t, func() bool {
		e, err := f.store.Get(context.Background(), first)
		return err == nil && e != nil && e.State == statusstore.StateTerminated
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool { return obs.Cursor() == f.ledger.LatestSeq() }, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-obsErr)
	require.NoError(t, <-recErr)
	assert.Equal(t, 2, f.provider.Creates())
	assert.Len(t, f.provider.Instances(), 1)
}
