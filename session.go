package sgx_ra

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/kwonalbert/sgx_ra/enclave"
	"github.com/kwonalbert/sgx_ra/ias"
	"github.com/kwonalbert/sgx_ra/kex"
	"github.com/kwonalbert/sgx_ra/messages"
)

// maxSeals bounds the number of payloads sealed under one SK with
// random nonces.
const maxSeals = 1 << 32

var errSessionClosed = fmt.Errorf("%w: session closed", ErrProtocol)

// Session is the service provider side of one key exchange context.
// Every exported method takes the session lock for its whole duration.
type Session struct {
	mu sync.Mutex

	key       string
	contextID uint32

	spid        [messages.SPIDSize]byte
	quoteType   uint16
	longTermKey *ecdsa.PrivateKey
	authority   ias.Authority
	policy      *Policy
	secret      []byte

	extendedGID uint32
	gid         [messages.GIDSize]byte
	ga          kex.PublicKey
	gb          kex.PublicKey

	// various session keys
	ephKey *ecdsa.PrivateKey
	keys   kex.Keys

	report    *ias.Report
	verdict   Verdict
	acked     bool
	sealCount uint64
	closed    bool
}

func (sm *SessionManager) newSession(key string, contextID, extendedGID uint32) *Session {
	return &Session{
		key:         key,
		contextID:   contextID,
		spid:        sm.cfg.spid,
		quoteType:   sm.cfg.quoteType,
		longTermKey: sm.cfg.longTermKey,
		authority:   sm.authority,
		policy:      sm.policy,
		secret:      sm.cfg.secret,
		extendedGID: extendedGID,
	}
}

// Key returns the store key of the session.
func (sn *Session) Key() string {
	return sn.key
}

// ContextID returns the key exchange context id chosen by the enclave.
func (sn *Session) ContextID() uint32 {
	return sn.contextID
}

// Verdict returns the policy decision made on msg3.
func (sn *Session) Verdict() Verdict {
	sn.mu.Lock()
	defer sn.mu.Unlock()
	return sn.verdict
}

// Report returns the attestation report, or nil before msg3.
func (sn *Session) Report() *ias.Report {
	sn.mu.Lock()
	defer sn.mu.Unlock()
	return sn.report
}

// CreateMsg2 processes msg1 and answers it with msg2: a fresh
// ephemeral key, the derived session keys, the signature over gb||ga
// and the SigRL of the enclave's group.
func (sn *Session) CreateMsg2(ctx context.Context, msg1 *messages.Msg1) (*messages.Msg2, error) {
	sn.mu.Lock()
	defer sn.mu.Unlock()

	if sn.closed {
		return nil, errSessionClosed
	}
	if sn.ephKey != nil {
		return nil, spError(SPProtocolError, "%w: msg1 already processed", ErrProtocol)
	}
	if msg1.ContextID != sn.contextID {
		return nil, spError(SPProtocolError, "%w: msg1 for context %d", ErrProtocol, msg1.ContextID)
	}
	if sn.longTermKey == nil {
		return nil, spError(SPInternalError, "no long-term key configured")
	}

	enclavePub, err := kex.UnmarshalPublicKey(msg1.GA)
	if err != nil {
		return nil, spError(SPProtocolError, "%w: msg1: %w", ErrDecode, err)
	}
	sn.ga = msg1.GA
	sn.gid = msg1.GID

	sn.ephKey, err = kex.GenerateKey()
	if err != nil {
		return nil, spError(SPInternalError, "%w", err)
	}
	sn.gb = kex.MarshalPublicKey(&sn.ephKey.PublicKey)

	shared, err := kex.SharedSecret(sn.ephKey, enclavePub)
	if err != nil {
		return nil, spError(SPInternalError, "%w", err)
	}
	sn.keys, err = kex.DeriveKeys(shared)
	shared = [kex.CoordSize]byte{}
	if err != nil {
		return nil, spError(SPInternalError, "%w", err)
	}

	sig, err := kex.Sign(sn.longTermKey, sn.gb, sn.ga)
	if err != nil {
		return nil, spError(SPInternalError, "%w", err)
	}

	sigRL, err := sn.authority.GetSigRL(ctx, sn.gid)
	if err != nil {
		return nil, spError(SPRetrieveSigRLError, "%w", err)
	}

	msg2 := &messages.Msg2{
		ContextID: sn.contextID,
		GB:        sn.gb,
		SPID:      sn.spid,
		QuoteType: sn.quoteType,
		KDFID:     messages.KDFID,
		Signature: sig,
		SigRL:     sigRL,
	}
	msg2.MAC, err = kex.CMAC(sn.keys.SMK, msg2.MACInput())
	if err != nil {
		return nil, spError(SPInternalError, "%w", err)
	}
	return msg2, nil
}

// ProcessMsg3 verifies msg3 and the quote it carries, and returns the
// attestation result. A result is returned whenever the quote could be
// verified, whether or not the policy trusts the enclave.
func (sn *Session) ProcessMsg3(ctx context.Context, msg3 *messages.Msg3) (*messages.AttestationResult, error) {
	sn.mu.Lock()
	defer sn.mu.Unlock()

	if sn.closed {
		return nil, errSessionClosed
	}
	if sn.ephKey == nil {
		return nil, spError(SPProtocolError, "%w: msg3 before msg2", ErrProtocol)
	}
	if sn.report != nil {
		return nil, spError(SPProtocolError, "%w: msg3 already processed", ErrProtocol)
	}

	if !kex.Equal(msg3.GA[:], sn.ga[:]) {
		return nil, spError(SPIntegrityFailed, "msg3 ga does not match msg1")
	}
	if err := kex.VerifyCMAC(sn.keys.SMK, msg3.MAC, msg3.MACInput()); err != nil {
		return nil, spError(SPIntegrityFailed, "msg3: %w", err)
	}

	quote, err := enclave.ParseQuote(msg3.Quote)
	if err != nil {
		return nil, spError(SPQuoteVerificationFailed, "%w: %w", ErrDecode, err)
	}
	want := kex.ReportDataHash(sn.ga, sn.gb, sn.keys.VK)
	if !kex.Equal(want[:], quote.ReportData()[:len(want)]) {
		return nil, spError(SPIntegrityFailed, "quote report data does not bind the key exchange")
	}

	ev := ias.Evidence{
		Quote: msg3.Quote,
		Nonce: strings.ReplaceAll(uuid.NewString(), "-", ""),
	}
	psePresent := msg3.PSSecProp != [messages.PSSecPropSize]byte{}
	if psePresent {
		ev.PSEManifest = msg3.PSSecProp[:]
	}
	report, err := sn.authority.VerifyQuote(ctx, ev)
	switch {
	case errors.Is(err, ias.ErrMalformedReport):
		return nil, spError(SPQuoteVerificationFailed, "%w: %w", ErrDecode, err)
	case errors.Is(err, ias.ErrInvalidReport) || errors.Is(err, ias.ErrReportSignature):
		return nil, spError(SPQuoteVerificationFailed, "%w: %w", ErrIntegrity, err)
	case err != nil:
		return nil, spError(SPIASFailed, "%w", err)
	}
	sn.report = report
	sn.verdict = sn.policy.Decide(report, quote, psePresent)

	res := &messages.AttestationResult{
		ContextID:   sn.contextID,
		QuoteStatus: sn.verdict.QuoteStatus,
		PSEStatus:   sn.verdict.PSEStatus,
	}
	if report.PlatformInfo != nil {
		res.PlatformInfo = *report.PlatformInfo
	}
	res.MAC, err = kex.CMAC(sn.keys.MK, res.MACInput())
	if err != nil {
		return nil, spError(SPInternalError, "%w", err)
	}

	// an untrusted enclave gets random bytes of the same shape
	if sn.verdict.Authorized {
		res.Secret, err = sn.seal(sn.secret)
	} else {
		res.Secret, err = kex.Garbage(len(sn.secret))
	}
	if err != nil {
		return nil, spError(SPInternalError, "%w", err)
	}
	return res, nil
}

// Acknowledge records the enclave's answer to the attestation result.
// It reports whether the session may now carry application data.
func (sn *Session) Acknowledge(state uint32) bool {
	sn.mu.Lock()
	defer sn.mu.Unlock()
	sn.acked = !sn.closed && sn.verdict.Authorized && state == messages.StateOK
	return sn.acked
}

func (sn *Session) ready() error {
	switch {
	case sn.closed:
		return errSessionClosed
	case !sn.acked:
		return fmt.Errorf("%w: session not established", ErrProtocol)
	}
	return nil
}

func (sn *Session) seal(msg []byte) (kex.Sealed, error) {
	if sn.sealCount >= maxSeals {
		return kex.Sealed{}, errors.New("sealed too many messages under one key")
	}
	sealed, err := kex.Seal(sn.keys.SK, msg)
	if err != nil {
		return kex.Sealed{}, err
	}
	sn.sealCount++
	return sealed, nil
}

// Seal encrypts application data for the enclave under SK.
func (sn *Session) Seal(msg []byte) (kex.Sealed, error) {
	sn.mu.Lock()
	defer sn.mu.Unlock()
	if err := sn.ready(); err != nil {
		return kex.Sealed{}, err
	}
	return sn.seal(msg)
}

// Open decrypts application data from the enclave under SK.
func (sn *Session) Open(sealed kex.Sealed) ([]byte, error) {
	sn.mu.Lock()
	defer sn.mu.Unlock()
	if err := sn.ready(); err != nil {
		return nil, err
	}
	msg, err := kex.Open(sn.keys.SK, sealed)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIntegrity, err)
	}
	return msg, nil
}

// Close zeroes every key held by the session. It is idempotent.
func (sn *Session) Close() {
	sn.mu.Lock()
	defer sn.mu.Unlock()
	kex.ZeroPrivateKey(sn.ephKey)
	sn.keys.Zero()
	sn.acked = false
	sn.closed = true
}

// Closed reports whether the session was closed or evicted.
func (sn *Session) Closed() bool {
	sn.mu.Lock()
	defer sn.mu.Unlock()
	return sn.closed
}

