package ledgerrpc

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rcourtman/pulse-compute/internal/ledger"
	"github.com/rcourtman/pulse-compute/internal/logging"
	"github.com/rcourtman/pulse-compute/internal/observer"
	"github.com/rs/dnscache"
	"github.com/rs/zerolog/log"
)

// ClientOptions configures a Client.
type ClientOptions struct {
	// Timeout bounds one HTTP request. Zero means 15s.
	Timeout time.Duration
	// DNSRefresh is how often cached lookups are refreshed. Zero means 5m.
	DNSRefresh time.Duration
	// HTTPClient overrides the transport, mainly for tests. The DNS cache is
	// not used when it is set.
	HTTPClient *http.Client
}

// Client talks to a ledger gateway as the address of its signing key. It
// implements observer.Source and the ledger interface the reconciler needs.
type Client struct {
	base   *url.URL
	key    ed25519.PrivateKey
	caller ledger.Address
	http   *http.Client
	dialer *websocket.Dialer
	now    func() time.Time

	resolver  *dnscache.Resolver
	stop      chan struct{}
	closeOnce sync.Once
}

var _ observer.Source = (*Client)(nil)

func NewClient(baseURL string, key ed25519.PrivateKey, opts ClientOptions) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse ledger url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("ledger url %q: scheme must be http or https", baseURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("ledger url %q: missing host", baseURL)
	}
	if len(key) != ed25519.PrivateKeySize {
		return nil, errors.New("ledger client: signing key is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.DNSRefresh <= 0 {
		opts.DNSRefresh = 5 * time.Minute
	}

	c := &Client{
		base:   u,
		key:    key,
		caller: ledger.AddressFromPublicKey(key.Public().(ed25519.PublicKey)),
		now:    time.Now,
		stop:   make(chan struct{}),
	}

	if opts.HTTPClient != nil {
		c.http = opts.HTTPClient
		c.dialer = &websocket.Dialer{HandshakeTimeout: opts.Timeout}
	} else {
		c.resolver = &dnscache.Resolver{}
		go c.refreshDNS(opts.DNSRefresh)
		c.http = &http.Client{
			Timeout: opts.Timeout,
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				DialContext:         c.dialContext,
				MaxIdleConns:        16,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		}
		c.dialer = &websocket.Dialer{
			HandshakeTimeout: opts.Timeout,
			NetDialContext:   c.dialContext,
			Proxy:            http.ProxyFromEnvironment,
		}
	}
	return c, nil
}

// Caller is the address requests are signed as.
func (c *Client) Caller() ledger.Address { return c.caller }

// Close stops the DNS refresh loop and releases idle connections.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.stop)
		c.http.CloseIdleConnections()
	})
	return nil
}

func (c *Client) refreshDNS(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.resolver.Refresh(true)
			log.Debug().Dur("interval", every).Msg("Ledger client DNS cache refreshed")
		case <-c.stop:
			return
		}
	}
}

// dialContext resolves through the client's DNS cache and dials the first
// address returned.
func (c *Client) dialContext(ctx context.Context, network, address string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}
	ips, err := c.resolver.LookupHost(ctx, host)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, &net.DNSError{Err: "no IP addresses found", Name: host}
	}
	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return dialer.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
}

func (c *Client) endpoint(path string, query url.Values) string {
	u := *c.base
	u.Path = c.base.Path + path
	if query != nil {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

// do sends one request. Signed requests carry the body signature headers.
// out may be nil when no response body is expected.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any, signed bool) error {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path, query), bytes.NewReader(body))
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if id := logging.RequestIDFromContext(ctx); id != "" {
		req.Header.Set(HeaderRequestID, id)
	}
	if signed {
		if err := SignRequest(req, c.key, body, c.now()); err != nil {
			return err
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		var er ErrorResponse
		if err := json.Unmarshal(raw, &er); err != nil || er.Error == "" {
			er = ErrorResponse{Error: "internal", Message: strings.TrimSpace(string(raw))}
		}
		return newRemoteError(resp.StatusCode, er)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}

func entitlementPath(id uint64, action string) string {
	p := "/v1/entitlements/" + strconv.FormatUint(id, 10)
	if action != "" {
		p += "/" + action
	}
	return p
}

func (c *Client) Entitlement(ctx context.Context, id uint64) (ledger.View, error) {
	var view ledger.View
	err := c.do(ctx, http.MethodGet, entitlementPath(id, ""), nil, nil, &view, false)
	return view, err
}

func (c *Client) ListByOwner(ctx context.Context, owner ledger.Address) ([]ledger.View, error) {
	var resp OwnerEntitlementsResponse
	if err := c.do(ctx, http.MethodGet, "/v1/owners/"+url.PathEscape(owner.String())+"/entitlements", nil, nil, &resp, false); err != nil {
		return nil, err
	}
	return resp.Entitlements, nil
}

// Purchase buys an entitlement for the client's address. The payment
// allowance must already cover the cost.
func (c *Client) Purchase(ctx context.Context, tier ledger.Tier, units int) (ledger.View, error) {
	var view ledger.View
	err := c.do(ctx, http.MethodPost, "/v1/entitlements", nil, PurchaseRequest{Tier: tier.String(), DurationUnits: units}, &view, true)
	return view, err
}

func (c *Client) SetProvisioned(ctx context.Context, id uint64, instanceID, networkAddress string) error {
	return c.do(ctx, http.MethodPost, entitlementPath(id, "provisioned"), nil,
		ProvisionedRequest{InstanceID: instanceID, NetworkAddress: networkAddress}, nil, true)
}

func (c *Client) Renew(ctx context.Context, id uint64, units int) (ledger.View, error) {
	var view ledger.View
	err := c.do(ctx, http.MethodPost, entitlementPath(id, "renew"), nil, RenewRequest{DurationUnits: units}, &view, true)
	return view, err
}

func (c *Client) Suspend(ctx context.Context, id uint64) error {
	return c.do(ctx, http.MethodPost, entitlementPath(id, "suspend"), nil, nil, nil, true)
}

func (c *Client) Reactivate(ctx context.Context, id uint64) error {
	return c.do(ctx, http.MethodPost, entitlementPath(id, "reactivate"), nil, nil, nil, true)
}

func (c *Client) Terminate(ctx context.Context, id uint64) error {
	return c.do(ctx, http.MethodPost, entitlementPath(id, "terminate"), nil, nil, nil, true)
}

func (c *Client) UpdateNetworkAddress(ctx context.Context, id uint64, networkAddress string) error {
	return c.do(ctx, http.MethodPost, entitlementPath(id, "network-address"), nil,
		NetworkAddressRequest{NetworkAddress: networkAddress}, nil, true)
}

func (c *Client) Transfer(ctx context.Context, id uint64, to ledger.Address) error {
	return c.do(ctx, http.MethodPost, entitlementPath(id, "transfer"), nil, TransferRequest{To: to}, nil, true)
}

// Approve lets the ledger draw up to amount from the client's balance.
func (c *Client) Approve(ctx context.Context, amount uint64) error {
	return c.do(ctx, http.MethodPost, "/v1/token/approve", nil, ApproveRequest{Amount: amount}, nil, true)
}

func (c *Client) Balance(ctx context.Context, addr ledger.Address) (BalanceResponse, error) {
	var resp BalanceResponse
	err := c.do(ctx, http.MethodGet, "/v1/token/balances/"+url.PathEscape(addr.String()), nil, nil, &resp, false)
	return resp, err
}

func (c *Client) Faucet(ctx context.Context, to ledger.Address, amount uint64) error {
	return c.do(ctx, http.MethodPost, "/v1/faucet", nil, FaucetRequest{Address: to, Amount: amount}, nil, false)
}

func (c *Client) Pause(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/v1/admin/pause", nil, nil, nil, true)
}

func (c *Client) Unpause(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/v1/admin/unpause", nil, nil, nil, true)
}

// Poll returns up to limit events with Seq greater than after.
func (c *Client) Poll(ctx context.Context, after uint64, limit int) ([]ledger.Event, error) {
	q := url.Values{"after": {strconv.FormatUint(after, 10)}}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp EventsResponse
	if err := c.do(ctx, http.MethodGet, "/v1/events", q, nil, &resp, false); err != nil {
		return nil, err
	}
	return resp.Events, nil
}

// Subscribe opens the websocket event stream starting after the given
// sequence number.
func (c *Client) Subscribe(ctx context.Context, after uint64) (observer.Subscription, error) {
	u := *c.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = c.base.Path + "/v1/events/stream"
	u.RawQuery = url.Values{"after": {strconv.FormatUint(after, 10)}}.Encode()

	header := http.Header{}
	if id := logging.RequestIDFromContext(ctx); id != "" {
		header.Set(HeaderRequestID, id)
	}
	conn, resp, err := c.dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial event stream: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial event stream: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	sub, send, finish := observer.NewStreamSubscription(cancel)

	_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(streamWriteWait))
	})

	// Closing the connection unblocks ReadJSON once the caller cancels.
	go func() {
		<-ctx.Done()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
	}()

	go func() {
		defer cancel()
		for {
			var ev ledger.Event
			if err := conn.ReadJSON(&ev); err != nil {
				if ctx.Err() != nil {
					finish(ctx.Err())
				} else {
					finish(fmt.Errorf("read event stream: %w", err))
				}
				return
			}
			_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
			select {
			case send <- ev:
			case <-ctx.Done():
				finish(ctx.Err())
				return
			}
		}
	}()
	return sub, nil
}
