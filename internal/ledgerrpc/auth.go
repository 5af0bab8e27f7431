package ledgerrpc

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mr-tron/base58"
	"github.com/rcourtman/pulse-compute/internal/ledger"
)

// Signed request headers.
const (
	HeaderCaller    = "X-Ledger-Caller"
	HeaderTimestamp = "X-Ledger-Timestamp"
	HeaderNonce     = "X-Ledger-Nonce"
	HeaderSignature = "X-Ledger-Signature"
	HeaderRequestID = "X-Request-ID"
)

// DefaultSkew is how far a signed timestamp may drift from the server clock.
const DefaultSkew = 5 * time.Minute

var (
	ErrMissingSignature = errors.New("request is not signed")
	ErrBadSignature     = errors.New("request signature is invalid")
	ErrStaleRequest     = errors.New("request timestamp outside the accepted window")
	ErrReplayedRequest  = errors.New("request nonce already used")
)

// signingPayload is the byte string covered by a request signature.
func signingPayload(method, requestURI string, timestamp int64, nonce string, body []byte) []byte {
	sum := sha256.Sum256(body)
	return []byte(strings.Join([]string{
		strings.ToUpper(method),
		requestURI,
		strconv.FormatInt(timestamp, 10),
		nonce,
		hex.EncodeToString(sum[:]),
	}, "\n"))
}

// SignRequest sets the signature headers on req for body, which must be the
// exact request body.
func SignRequest(req *http.Request, key ed25519.PrivateKey, body []byte, now time.Time) error {
	nonceBytes := make([]byte, 16)
	if _, err := rand.Read(nonceBytes); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}
	nonce := base58.Encode(nonceBytes)
	ts := now.Unix()
	sig := ed25519.Sign(key, signingPayload(req.Method, req.URL.RequestURI(), ts, nonce, body))

	req.Header.Set(HeaderCaller, ledger.AddressFromPublicKey(key.Public().(ed25519.PublicKey)).String())
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(HeaderNonce, nonce)
	req.Header.Set(HeaderSignature, base58.Encode(sig))
	return nil
}

// verifier authenticates signed requests and rejects replays inside the
// skew window.
type verifier struct {
	skew time.Duration
	now  func() time.Time

	mu     sync.Mutex
	nonces map[string]int64 // nonce -> unix expiry
}

func newVerifier(skew time.Duration, now func() time.Time) *verifier {
	if skew <= 0 {
		skew = DefaultSkew
	}
	return &verifier{skew: skew, now: now, nonces: make(map[string]int64)}
}

func (v *verifier) verify(r *http.Request, body []byte) (ledger.Address, error) {
	callerRaw := r.Header.Get(HeaderCaller)
	tsRaw := r.Header.Get(HeaderTimestamp)
	nonce := r.Header.Get(HeaderNonce)
	sigRaw := r.Header.Get(HeaderSignature)
	if callerRaw == "" || tsRaw == "" || nonce == "" || sigRaw == "" {
		return "", ErrMissingSignature
	}

	caller, err := ledger.ParseAddress(callerRaw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	pub, err := caller.PublicKey()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	ts, err := strconv.ParseInt(tsRaw, 10, 64)
	if err != nil {
		return "", fmt.Errorf("%w: bad timestamp", ErrBadSignature)
	}
	sig, err := base58.Decode(sigRaw)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return "", fmt.Errorf("%w: bad signature encoding", ErrBadSignature)
	}

	now := v.now()
	drift := now.Sub(time.Unix(ts, 0))
	if drift < -v.skew || drift > v.skew {
		return "", ErrStaleRequest
	}
	if !ed25519.Verify(pub, signingPayload(r.Method, r.URL.RequestURI(), ts, nonce, body), sig) {
		return "", ErrBadSignature
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	nowUnix := now.Unix()
	for n, exp := range v.nonces {
		if exp < nowUnix {
			delete(v.nonces, n)
		}
	}
	key := caller.String() + "/" + nonce
	if _, seen := v.nonces[key]; seen {
		return "", ErrReplayedRequest
	}
	v.nonces[key] = ts + int64(v.skew/time.Second)
	return caller, nil
}
