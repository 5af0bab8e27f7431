package ledgerrpc

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rcourtman/pulse-compute/internal/ledger"
	"github.com/rcourtman/pulse-compute/internal/logging"
	"github.com/rs/zerolog/log"
)

const (
	maxBodyBytes     = 64 << 10
	defaultPageLimit = 200
	maxPageLimit     = 1000

	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = streamPongWait * 9 / 10
)

// Options configures a Server.
type Options struct {
	// Faucet enables POST /v1/faucet, which mints test tokens.
	Faucet bool
	// MaxFaucetAmount caps one faucet request; zero means 1000 tokens.
	MaxFaucetAmount uint64
	// Skew is the accepted signed-timestamp drift; zero means DefaultSkew.
	Skew time.Duration
	Now  func() time.Time
}

// Server is the HTTP gateway in front of one ledger and its payment token.
type Server struct {
	ledger   *ledger.Ledger
	token    *ledger.Token
	opts     Options
	verifier *verifier
	upgrader websocket.Upgrader

	done      chan struct{}
	closeOnce sync.Once
}

func NewServer(l *ledger.Ledger, token *ledger.Token, opts Options) *Server {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.MaxFaucetAmount == 0 {
		opts.MaxFaucetAmount = 1000 * ledger.Unit
	}
	return &Server{
		ledger:   l,
		token:    token,
		opts:     opts,
		verifier: newVerifier(opts.Skew, opts.Now),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		done: make(chan struct{}),
	}
}

// Close ends every open event stream. Plain requests are drained by
// http.Server.Shutdown.
func (s *Server) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// Handler returns the gateway routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "latestSeq": s.ledger.LatestSeq(), "paused": s.ledger.Paused()})
	})

	mux.HandleFunc("GET /v1/entitlements/{id}", s.handleGetEntitlement)
	mux.HandleFunc("GET /v1/owners/{address}/entitlements", s.handleListByOwner)
	mux.HandleFunc("GET /v1/events", s.handleEvents)
	mux.HandleFunc("GET /v1/events/stream", s.handleEventStream)
	mux.HandleFunc("GET /v1/token/balances/{address}", s.handleBalance)

	mux.HandleFunc("POST /v1/entitlements", s.signed(s.handlePurchase))
	mux.HandleFunc("POST /v1/entitlements/{id}/provisioned", s.signed(s.handleProvisioned))
	mux.HandleFunc("POST /v1/entitlements/{id}/renew", s.signed(s.handleRenew))
	mux.HandleFunc("POST /v1/entitlements/{id}/suspend", s.signed(s.idAction(s.ledger.Suspend)))
	mux.HandleFunc("POST /v1/entitlements/{id}/reactivate", s.signed(s.idAction(s.ledger.Reactivate)))
	mux.HandleFunc("POST /v1/entitlements/{id}/terminate", s.signed(s.idAction(s.ledger.Terminate)))
	mux.HandleFunc("POST /v1/entitlements/{id}/network-address", s.signed(s.handleNetworkAddress))
	mux.HandleFunc("POST /v1/entitlements/{id}/transfer", s.signed(s.handleTransfer))
	mux.HandleFunc("POST /v1/token/approve", s.signed(s.handleApprove))
	mux.HandleFunc("POST /v1/admin/pause", s.signed(s.adminAction(s.ledger.Pause)))
	mux.HandleFunc("POST /v1/admin/unpause", s.signed(s.adminAction(s.ledger.Unpause)))
	mux.HandleFunc("POST /v1/faucet", s.handleFaucet)

	return withRequestLogging(mux)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Hijack is required by the websocket upgrader.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func withRequestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, requestID := logging.WithRequestID(r.Context(), r.Header.Get(HeaderRequestID))
		w.Header().Set(HeaderRequestID, requestID)
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		defer func() {
			if p := recover(); p != nil {
				log.Error().Interface("panic", p).Str("request_id", requestID).Str("path", r.URL.Path).Msg("Ledger gateway handler panicked")
				writeError(rec, http.StatusInternalServerError, "internal", "internal error")
			}
		}()

		next.ServeHTTP(rec, r.WithContext(ctx))

		logger := logging.FromContext(ctx)
		logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("Ledger gateway request")
	})
}

func writeJSON[T any](w http.ResponseWriter, status int, v T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Int("status", status).Msg("ledgerrpc: encode response")
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: code, Message: message})
}

func writeLedgerError(w http.ResponseWriter, err error) {
	status, code := statusForError(err)
	writeError(w, status, code, err.Error())
}

type signedHandler func(w http.ResponseWriter, r *http.Request, caller ledger.Address, body []byte)

// signed authenticates the request signature before calling h.
func (s *Server) signed(h signedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			writeError(w, http.StatusRequestEntityTooLarge, codeBadRequest, err.Error())
			return
		}
		caller, err := s.verifier.verify(r, body)
		if err != nil {
			log.Warn().Err(err).Str("path", r.URL.Path).Str("caller", r.Header.Get(HeaderCaller)).Msg("Rejected unauthenticated ledger request")
			writeError(w, http.StatusUnauthorized, codeUnauthenticated, err.Error())
			return
		}
		h(w, r, caller, body)
	}
}

func decodeBody(body []byte, v any) error {
	if len(bytes.TrimSpace(body)) == 0 {
		return errEmptyBody
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode request body: %w", err)
	}
	return nil
}

func pathID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil || id == 0 {
		writeError(w, http.StatusBadRequest, codeBadRequest, "entitlement id must be a positive integer")
		return 0, false
	}
	return id, true
}

func (s *Server) handleGetEntitlement(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	view, err := s.ledger.Entitlement(id)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleListByOwner(w http.ResponseWriter, r *http.Request) {
	owner, err := ledger.ParseAddress(r.PathValue("address"))
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	resp := OwnerEntitlementsResponse{Owner: owner, Entitlements: []ledger.View{}}
	for _, id := range s.ledger.ListByOwner(owner) {
		view, err := s.ledger.Entitlement(id)
		if errors.Is(err, ledger.ErrNotFound) {
			continue
		}
		if err != nil {
			writeLedgerError(w, err)
			return
		}
		resp.Entitlements = append(resp.Entitlements, view)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	after, err := parseUintParam(q.Get("after"), 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "after must be a non-negative integer")
		return
	}
	limit, err := parseUintParam(q.Get("limit"), defaultPageLimit)
	if err != nil || limit == 0 {
		writeError(w, http.StatusBadRequest, codeBadRequest, "limit must be a positive integer")
		return
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	events := s.ledger.EventsSince(after, int(limit))
	if events == nil {
		events = []ledger.Event{}
	}
	writeJSON(w, http.StatusOK, EventsResponse{Events: events, LatestSeq: s.ledger.LatestSeq()})
}

func parseUintParam(raw string, fallback uint64) (uint64, error) {
	if raw == "" {
		return fallback, nil
	}
	return strconv.ParseUint(raw, 10, 64)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	addr, err := ledger.ParseAddress(r.PathValue("address"))
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceResponse{
		Address:   addr,
		Balance:   s.token.BalanceOf(addr),
		Allowance: s.token.Allowance(addr, s.ledger.Self()),
	})
}

func (s *Server) handlePurchase(w http.ResponseWriter, _ *http.Request, caller ledger.Address, body []byte) {
	var req PurchaseRequest
	if err := decodeBody(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}
	tier, err := ledger.ParseTier(req.Tier)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	view, err := s.ledger.Purchase(caller, tier, req.DurationUnits)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	log.Info().
		Uint64("entitlement_id", view.ID).
		Str("owner", caller.String()).
		Str("tier", tier.String()).
		Int("duration_units", req.DurationUnits).
		Msg("Entitlement purchased")
	writeJSON(w, http.StatusCreated, view)
}

func (s *Server) handleProvisioned(w http.ResponseWriter, r *http.Request, caller ledger.Address, body []byte) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req ProvisionedRequest
	if err := decodeBody(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}
	if err := s.ledger.SetProvisioned(caller, id, req.InstanceID, req.NetworkAddress); err != nil {
		writeLedgerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRenew(w http.ResponseWriter, r *http.Request, caller ledger.Address, body []byte) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req RenewRequest
	if err := decodeBody(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}
	view, err := s.ledger.Renew(caller, id, req.DurationUnits)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleNetworkAddress(w http.ResponseWriter, r *http.Request, caller ledger.Address, body []byte) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req NetworkAddressRequest
	if err := decodeBody(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}
	if err := s.ledger.UpdateNetworkAddress(caller, id, req.NetworkAddress); err != nil {
		writeLedgerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request, caller ledger.Address, body []byte) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req TransferRequest
	if err := decodeBody(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}
	if err := s.ledger.Transfer(caller, id, req.To); err != nil {
		writeLedgerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) idAction(fn func(ledger.Address, uint64) error) signedHandler {
	return func(w http.ResponseWriter, r *http.Request, caller ledger.Address, _ []byte) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		if err := fn(caller, id); err != nil {
			writeLedgerError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) adminAction(fn func(ledger.Address) error) signedHandler {
	return func(w http.ResponseWriter, _ *http.Request, caller ledger.Address, _ []byte) {
		if err := fn(caller); err != nil {
			writeLedgerError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleApprove(w http.ResponseWriter, _ *http.Request, caller ledger.Address, body []byte) {
	var req ApproveRequest
	if err := decodeBody(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}
	if err := s.token.Approve(caller, s.ledger.Self(), req.Amount); err != nil {
		writeLedgerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleFaucet(w http.ResponseWriter, r *http.Request) {
	if !s.opts.Faucet {
		writeError(w, http.StatusForbidden, codeFaucetDisabled, "faucet is disabled on this node")
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, codeBadRequest, err.Error())
		return
	}
	var req FaucetRequest
	if err := decodeBody(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}
	if _, err := ledger.ParseAddress(req.Address.String()); err != nil {
		writeLedgerError(w, err)
		return
	}
	if req.Amount == 0 || req.Amount > s.opts.MaxFaucetAmount {
		writeError(w, http.StatusBadRequest, codeBadRequest, fmt.Sprintf("amount must be between 1 and %d", s.opts.MaxFaucetAmount))
		return
	}
	if err := s.token.Mint(req.Address, req.Amount); err != nil {
		writeLedgerError(w, err)
		return
	}
	log.Info().Str("address", req.Address.String()).Uint64("amount", req.Amount).Msg("Faucet minted tokens")
	w.WriteHeader(http.StatusNoContent)
}

// handleEventStream upgrades to a websocket and streams every event with
// Seq greater than the "after" query parameter, then follows the log.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	after, err := parseUintParam(r.URL.Query().Get("after"), 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "after must be a non-negative integer")
		return
	}

	rc := http.NewResponseController(w)
	if err := rc.SetReadDeadline(time.Time{}); err != nil {
		log.Debug().Err(err).Msg("Failed to clear read deadline via ResponseController")
	}
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		log.Debug().Err(err).Msg("Failed to clear write deadline via ResponseController")
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to upgrade event stream")
		return
	}
	defer conn.Close()

	notify, stop := s.ledger.Watch()
	defer stop()

	// The read pump only handles control frames and notices a closed peer.
	peerGone := make(chan struct{})
	go func() {
		defer close(peerGone)
		_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(streamPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(streamPingPeriod)
	defer ping.Stop()

	cursor := after
	for {
		events := s.ledger.EventsSince(cursor, defaultPageLimit)
		for _, ev := range events {
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				log.Debug().Err(err).Msg("Event stream write failed")
				return
			}
			cursor = ev.Seq
		}
		if len(events) == defaultPageLimit {
			continue
		}

		select {
		case <-notify:
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
				return
			}
		case <-peerGone:
			return
		case <-r.Context().Done():
			return
		case <-s.done:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "ledger node shutting down"),
				time.Now().Add(streamWriteWait))
			return
		}
	}
}
