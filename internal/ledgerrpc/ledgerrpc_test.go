package ledgerrpc

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcourtman/pulse-compute/internal/cloud"
	"github.com/rcourtman/pulse-compute/internal/cloud/memory"
	"github.com/rcourtman/pulse-compute/internal/credentials"
	"github.com/rcourtman/pulse-compute/internal/crypto"
	"github.com/rcourtman/pulse-compute/internal/ledger"
	"github.com/rcourtman/pulse-compute/internal/observer"
	"github.com/rcourtman/pulse-compute/internal/reconciler"
	"github.com/rcourtman/pulse-compute/internal/statusstore"
)

type testKey struct {
	priv ed25519.PrivateKey
	addr ledger.Address
}

func newKey(t *testing.T) testKey {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return testKey{priv: priv, addr: ledger.AddressFromPublicKey(pub)}
}

type gateway struct {
	ledger      *ledger.Ledger
	token       *ledger.Token
	server      *Server
	url         string
	buyer       testKey
	provisioner testKey
	admin       testKey
}

func newGateway(t *testing.T) *gateway {
	t.Helper()
	g := &gateway{
		token:       ledger.NewToken("USDC"),
		buyer:       newKey(t),
		provisioner: newKey(t),
		admin:       newKey(t),
	}
	l, err := ledger.New(ledger.Config{
		Self:        newKey(t).addr,
		Treasury:    newKey(t).addr,
		Provisioner: g.provisioner.addr,
		Admin:       g.admin.addr,
		Token:       g.token,
	})
	require.NoError(t, err)
	g.ledger = l
	g.server = NewServer(l, g.token, Options{Faucet: true})
	ts := httptest.NewServer(g.server.Handler())
	t.Cleanup(func() {
		g.server.Close()
		ts.Close()
	})
	g.url = ts.URL
	return g
}

func (g *gateway) client(t *testing.T, k testKey) *Client {
	t.Helper()
	c, err := NewClient(g.url, k.priv, ClientOptions{Timeout: 5 * time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// fund mints and approves enough for a few purchases.
func (g *gateway) fund(t *testing.T, c *Client) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, c.Faucet(ctx, c.Caller(), 500*ledger.Unit))
	require.NoError(t, c.Approve(ctx, 500*ledger.Unit))
}

func TestSignedRoundTrip(t *testing.T) {
	g := newGateway(t)
	ctx := context.Background()
	buyer := g.client(t, g.buyer)
	prov := g.client(t, g.provisioner)
	g.fund(t, buyer)

	bal, err := buyer.Balance(ctx, g.buyer.addr)
	require.NoError(t, err)
	assert.Equal(t, 500*ledger.Unit, bal.Balance)
	assert.Equal(t, 500*ledger.Unit, bal.Allowance)

	view, err := buyer.Purchase(ctx, ledger.TierBasic, 2)
	require.NoError(t, err)
	assert.Equal(t, g.buyer.addr, view.Owner)
	assert.Equal(t, ledger.StatusProvisioning, view.Status)

	require.NoError(t, prov.SetProvisioned(ctx, view.ID, "i-123", "10.0.0.5"))

	got, err := buyer.Entitlement(ctx, view.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusActive, got.Status)
	assert.True(t, got.Active)
	assert.Equal(t, "i-123", got.InstanceID)
	assert.Equal(t, "10.0.0.5", got.NetworkAddress)

	owned, err := buyer.ListByOwner(ctx, g.buyer.addr)
	require.NoError(t, err)
	require.Len(t, owned, 1)
	assert.Equal(t, view.ID, owned[0].ID)

	bal, err = buyer.Balance(ctx, g.buyer.addr)
	require.NoError(t, err)
	assert.Equal(t, 500*ledger.Unit-24*ledger.Unit, bal.Balance)
}

func TestRemoteErrorsMatchLedgerSentinels(t *testing.T) {
	g := newGateway(t)
	ctx := context.Background()
	buyer := g.client(t, g.buyer)
	g.fund(t, buyer)

	view, err := buyer.Purchase(ctx, ledger.TierStarter, 1)
	require.NoError(t, err)

	err = buyer.SetProvisioned(ctx, view.ID, "i-1", "10.0.0.1")
	require.ErrorIs(t, err, ledger.ErrUnauthorized)
	var remote *RemoteError
	require.True(t, errors.As(err, &remote))
	assert.Equal(t, http.StatusForbidden, remote.Status)
	assert.Equal(t, "unauthorized", remote.Code)

	_, err = buyer.Entitlement(ctx, 9999)
	require.ErrorIs(t, err, ledger.ErrNotFound)

	_, err = buyer.Purchase(ctx, ledger.TierStarter, 13)
	require.ErrorIs(t, err, ledger.ErrInvalidDuration)

	err = buyer.Suspend(ctx, view.ID)
	require.ErrorIs(t, err, ledger.ErrInvalidTransition)
	require.True(t, errors.As(err, &remote))
	assert.Equal(t, http.StatusConflict, remote.Status)

	poor := g.client(t, newKey(t))
	_, err = poor.Purchase(ctx, ledger.TierStarter, 1)
	require.True(t, errors.As(err, &remote))
	assert.Equal(t, http.StatusPaymentRequired, remote.Status)
}

func TestPauseThroughGateway(t *testing.T) {
	g := newGateway(t)
	ctx := context.Background()
	admin := g.client(t, g.admin)
	buyer := g.client(t, g.buyer)
	g.fund(t, buyer)

	require.ErrorIs(t, buyer.Pause(ctx), ledger.ErrUnauthorized)
	require.NoError(t, admin.Pause(ctx))

	_, err := buyer.Purchase(ctx, ledger.TierStarter, 1)
	require.ErrorIs(t, err, ledger.ErrPaused)
	var remote *RemoteError
	require.True(t, errors.As(err, &remote))
	assert.Equal(t, http.StatusServiceUnavailable, remote.Status)

	require.NoError(t, admin.Unpause(ctx))
	_, err = buyer.Purchase(ctx, ledger.TierStarter, 1)
	require.NoError(t, err)
}

func postSigned(t *testing.T, url string, key ed25519.PrivateKey, body []byte, at time.Time) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	require.NoError(t, err)
	require.NoError(t, SignRequest(req, key, body, at))
	return req
}

func decodeError(t *testing.T, resp *http.Response) ErrorResponse {
	t.Helper()
	defer resp.Body.Close()
	var er ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&er))
	return er
}

func TestRejectsUnsignedReplayedAndStaleRequests(t *testing.T) {
	g := newGateway(t)
	body := []byte(`{"amount":1000000}`)
	endpoint := g.url + "/v1/token/approve"

	resp, err := http.Post(endpoint, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, codeUnauthenticated, decodeError(t, resp).Error)

	req := postSigned(t, endpoint, g.buyer.priv, body, time.Now())
	replay := req.Clone(context.Background())
	replay.Body, replay.ContentLength = httpBody(body), int64(len(body))

	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, err = http.DefaultClient.Do(replay)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, decodeError(t, resp).Message, ErrReplayedRequest.Error())

	stale := postSigned(t, endpoint, g.buyer.priv, body, time.Now().Add(-10*time.Minute))
	resp, err = http.DefaultClient.Do(stale)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, decodeError(t, resp).Message, ErrStaleRequest.Error())

	tampered := postSigned(t, endpoint, g.buyer.priv, body, time.Now())
	tampered.Body, tampered.ContentLength = httpBody([]byte(`{"amount":9000000}`)), int64(len(`{"amount":9000000}`))
	resp, err = http.DefaultClient.Do(tampered)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, decodeError(t, resp).Message, ErrBadSignature.Error())

	assert.Equal(t, uint64(ledger.Unit), g.token.Allowance(g.buyer.addr, g.ledger.Self()))
}

type readCloser struct{ *bytes.Reader }

func (readCloser) Close() error { return nil }

func httpBody(b []byte) readCloser { return readCloser{bytes.NewReader(b)} }

func TestFaucetDisabled(t *testing.T) {
	l, err := ledger.New(ledger.Config{
		Self: newKey(t).addr, Treasury: newKey(t).addr, Provisioner: newKey(t).addr, Admin: newKey(t).addr,
		Token: ledger.NewToken("USDC"),
	})
	require.NoError(t, err)
	srv := NewServer(l, ledger.NewToken("USDC"), Options{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	c, err := NewClient(ts.URL, newKey(t).priv, ClientOptions{HTTPClient: ts.Client()})
	require.NoError(t, err)
	defer c.Close()

	err = c.Faucet(context.Background(), c.Caller(), ledger.Unit)
	var remote *RemoteError
	require.True(t, errors.As(err, &remote))
	assert.Equal(t, http.StatusForbidden, remote.Status)
	assert.Equal(t, codeFaucetDisabled, remote.Code)
	assert.Nil(t, errors.Unwrap(remote))
}

func TestPollReturnsEventsAfterCursor(t *testing.T) {
	g := newGateway(t)
	ctx := context.Background()
	buyer := g.client(t, g.buyer)
	g.fund(t, buyer)

	for range 3 {
		_, err := buyer.Purchase(ctx, ledger.TierStarter, 1)
		require.NoError(t, err)
	}

	events, err := buyer.Poll(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, ledger.EventPurchased, events[0].Kind)
	assert.Equal(t, g.buyer.addr, events[0].Buyer)

	events, err = buyer.Poll(ctx, 1, 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, uint64(2), events[0].Seq)
}

func TestSubscribeStreamsBacklogThenLiveEvents(t *testing.T) {
	g := newGateway(t)
	buyer := g.client(t, g.buyer)
	g.fund(t, buyer)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	first, err := buyer.Purchase(ctx, ledger.TierStarter, 1)
	require.NoError(t, err)

	sub, err := buyer.Subscribe(ctx, 0)
	require.NoError(t, err)

	next := func() ledger.Event {
		t.Helper()
		select {
		case ev, ok := <-sub.Events():
			require.True(t, ok, "stream closed: %v", sub.Err())
			return ev
		case <-ctx.Done():
			t.Fatal("timed out waiting for event")
		}
		return ledger.Event{}
	}

	ev := next()
	assert.Equal(t, first.ID, ev.EntitlementID)

	require.NoError(t, buyer.Terminate(ctx, first.ID))
	ev = next()
	assert.Equal(t, ledger.EventTerminated, ev.Kind)
	assert.Equal(t, uint64(2), ev.Seq)

	require.NoError(t, sub.Close())
	for range sub.Events() {
	}
	assert.ErrorIs(t, sub.Err(), context.Canceled)
}

func TestSubscribeEndsWhenServerCloses(t *testing.T) {
	g := newGateway(t)
	buyer := g.client(t, g.buyer)

	sub, err := buyer.Subscribe(context.Background(), 0)
	require.NoError(t, err)
	defer sub.Close()

	g.server.Close()

	select {
	case _, ok := <-sub.Events():
		assert.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not end")
	}
	require.Error(t, sub.Err())
}

func TestReconcilerProvisionsThroughGateway(t *testing.T) {
	g := newGateway(t)
	buyer := g.client(t, g.buyer)
	prov := g.client(t, g.provisioner)
	g.fund(t, buyer)

	dir := t.TempDir()
	store, err := statusstore.Open(filepath.Join(dir, "status"))
	require.NoError(t, err)
	defer store.Close()
	cm, err := crypto.NewCryptoManager(dir)
	require.NoError(t, err)
	vault, err := credentials.Open(filepath.Join(dir, "credentials"), cm)
	require.NoError(t, err)
	cp, err := observer.OpenCheckpoint(filepath.Join(dir, "checkpoint"), "gateway")
	require.NoError(t, err)
	defer cp.Close()

	provider := memory.New(cloud.DefaultCatalog("memory"), memory.Options{AddressAfter: 1})
	rec, err := reconciler.New(reconciler.Deps{
		Ledger:   prov,
		Provider: provider,
		Store:    store,
		Vault:    vault,
	}, reconciler.Config{PollInterval: 5 * time.Millisecond, PollAttempts: 20, WritebackBackoff: time.Millisecond})
	require.NoError(t, err)

	obs := observer.New(prov, cp, observer.Config{Mode: observer.ModeSubscribe, ResubscribeDelay: 10 * time.Millisecond}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	obsDone := make(chan error, 1)
	recDone := make(chan error, 1)
	go func() { obsDone <- obs.Run(ctx) }()
	go func() { recDone <- rec.Run(ctx, obs.Events()) }()

	view, err := buyer.Purchase(context.Background(), ledger.TierStandard, 1)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		v, err := buyer.Entitlement(context.Background(), view.ID)
		return err == nil && v.Active
	}, 10*time.Second, 10*time.Millisecond)

	entry, err := store.Get(context.Background(), view.ID)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, statusstore.StateRunning, entry.State)

	got, err := buyer.Entitlement(context.Background(), view.ID)
	require.NoError(t, err)
	assert.Equal(t, entry.InstanceID, got.InstanceID)
	assert.Equal(t, entry.NetworkAddress, got.NetworkAddress)
	assert.Len(t, provider.Instances(), 1)

	cancel()
	require.NoError(t, <-obsDone)
	require.NoError(t, <-recDone)
}
