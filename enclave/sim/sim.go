// Package sim is a software enclave. It performs the real key exchange
// and produces a structurally valid quote whose report data binds the
// session, but offers none of the isolation of SGX.
package sim

import (
	"crypto/ecdsa"
	"crypto/rand"
	"fmt"
	"io"
	"sync"

	"github.com/kwonalbert/sgx_ra/enclave"
	"github.com/kwonalbert/sgx_ra/kex"
	"github.com/kwonalbert/sgx_ra/messages"
)

// Config describes the simulated platform and enclave.
type Config struct {
	// SPPublicKey verifies the service provider signature in msg2. Nil
	// skips the check.
	SPPublicKey *ecdsa.PublicKey
	ExtendedGID uint32
	GID         [4]byte
	MREnclave   [enclave.MeasurementSize]byte
	MRSigner    [enclave.MeasurementSize]byte
	Debug       bool

	// BusyGetMsg1 and BusyProcMsg2 make the first calls fail with
	// enclave.ErrBusy.
	BusyGetMsg1  int
	BusyProcMsg2 int
}

type raContext struct {
	usePSE  bool
	priv    *ecdsa.PrivateKey
	ga      kex.PublicKey
	keys    kex.Keys
	derived bool
}

func (c *raContext) zero() {
	kex.ZeroPrivateKey(c.priv)
	c.priv = nil
	c.keys.Zero()
	c.derived = false
}

// Enclave implements enclave.Enclave in software.
type Enclave struct {
	cfg Config

	mu       sync.Mutex
	next     uint32
	contexts map[uint32]*raContext
	busyMsg1 int
	busyMsg2 int
}

// New returns a simulated enclave.
func New(cfg Config) *Enclave {
	return &Enclave{
		cfg:      cfg,
		contexts: make(map[uint32]*raContext),
		busyMsg1: cfg.BusyGetMsg1,
		busyMsg2: cfg.BusyProcMsg2,
	}
}

// ExtendedGroupID implements enclave.Enclave.
func (e *Enclave) ExtendedGroupID() (uint32, error) {
	return e.cfg.ExtendedGID, nil
}

// InitRA implements enclave.Enclave.
func (e *Enclave) InitRA(usePSE bool) (uint32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.next++
	e.contexts[e.next] = &raContext{usePSE: usePSE}
	return e.next, nil
}

// OpenContexts returns the number of contexts not yet closed.
func (e *Enclave) OpenContexts() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.contexts)
}

func (e *Enclave) context(raCtx uint32) (*raContext, error) {
	c, ok := e.contexts[raCtx]
	if !ok {
		return nil, fmt.Errorf("%w: %d", enclave.ErrUnknownContext, raCtx)
	}
	return c, nil
}

// GetMsg1 implements enclave.Enclave.
func (e *Enclave) GetMsg1(raCtx uint32) (*messages.Msg1, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	c, err := e.context(raCtx)
	if err != nil {
		return nil, err
	}
	if e.busyMsg1 > 0 {
		e.busyMsg1--
		return nil, enclave.ErrBusy
	}
	if c.priv != nil {
		return nil, fmt.Errorf("%w: msg1 already generated", enclave.ErrInvalidState)
	}

	priv, err := kex.GenerateKey()
	if err != nil {
		return nil, err
	}
	c.priv = priv
	c.ga = kex.MarshalPublicKey(&priv.PublicKey)
	return &messages.Msg1{ContextID: raCtx, GA: c.ga, GID: e.cfg.GID}, nil
}

// ProcMsg2 implements enclave.Enclave.
func (e *Enclave) ProcMsg2(raCtx uint32, msg2 *messages.Msg2) (*messages.Msg3, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	c, err := e.context(raCtx)
	if err != nil {
		return nil, err
	}
	if e.busyMsg2 > 0 {
		e.busyMsg2--
		return nil, enclave.ErrBusy
	}
	if c.priv == nil || c.derived {
		return nil, fmt.Errorf("%w: msg2 not expected", enclave.ErrInvalidState)
	}
	if msg2.KDFID != messages.KDFID {
		return nil, fmt.Errorf("unsupported KDF id %d", msg2.KDFID)
	}

	gb, err := kex.UnmarshalPublicKey(msg2.GB)
	if err != nil {
		return nil, err
	}
	shared, err := kex.SharedSecret(c.priv, gb)
	if err != nil {
		return nil, err
	}
	keys, err := kex.DeriveKeys(shared)
	if err != nil {
		return nil, err
	}
	if err := kex.VerifyCMAC(keys.SMK, msg2.MAC, msg2.MACInput()); err != nil {
		keys.Zero()
		return nil, fmt.Errorf("verifying msg2: %w", err)
	}
	if e.cfg.SPPublicKey != nil {
		if err := kex.Verify(e.cfg.SPPublicKey, msg2.GB, c.ga, msg2.Signature); err != nil {
			keys.Zero()
			return nil, fmt.Errorf("verifying msg2: %w", err)
		}
	}

	c.keys = keys
	c.derived = true

	fields := enclave.QuoteFields{
		SignType:  msg2.QuoteType,
		GID:       e.cfg.GID,
		Debug:     e.cfg.Debug,
		MREnclave: e.cfg.MREnclave,
		MRSigner:  e.cfg.MRSigner,
		Signature: make([]byte, 680),
	}
	hash := kex.ReportDataHash(c.ga, msg2.GB, keys.VK)
	copy(fields.ReportData[:], hash[:])
	if _, err := io.ReadFull(rand.Reader, fields.Signature); err != nil {
		return nil, fmt.Errorf("generating quote signature: %w", err)
	}

	msg3 := &messages.Msg3{
		ContextID: raCtx,
		GA:        c.ga,
		Quote:     enclave.BuildQuote(fields),
	}
	if c.usePSE {
		if _, err := io.ReadFull(rand.Reader, msg3.PSSecProp[:]); err != nil {
			return nil, fmt.Errorf("generating PS security property: %w", err)
		}
	}
	mac, err := kex.CMAC(keys.SMK, msg3.MACInput())
	if err != nil {
		return nil, err
	}
	msg3.MAC = mac
	return msg3, nil
}

func (e *Enclave) derivedContext(raCtx uint32) (*raContext, error) {
	c, err := e.context(raCtx)
	if err != nil {
		return nil, err
	}
	if !c.derived {
		return nil, fmt.Errorf("%w: no session keys", enclave.ErrInvalidState)
	}
	return c, nil
}

// VerifyAttResultMAC implements enclave.Enclave.
func (e *Enclave) VerifyAttResultMAC(raCtx uint32, res *messages.AttestationResult) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	c, err := e.derivedContext(raCtx)
	if err != nil {
		return err
	}
	return kex.VerifyCMAC(c.keys.MK, res.MAC, res.MACInput())
}

// VerifySecret implements enclave.Enclave.
func (e *Enclave) VerifySecret(raCtx uint32, secret kex.Sealed) ([]byte, error) {
	return e.Open(raCtx, secret)
}

// Seal implements enclave.Enclave.
func (e *Enclave) Seal(raCtx uint32, plaintext []byte) (kex.Sealed, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	c, err := e.derivedContext(raCtx)
	if err != nil {
		return kex.Sealed{}, err
	}
	return kex.Seal(c.keys.SK, plaintext)
}

// Open implements enclave.Enclave.
func (e *Enclave) Open(raCtx uint32, sealed kex.Sealed) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	c, err := e.derivedContext(raCtx)
	if err != nil {
		return nil, err
	}
	return kex.Open(c.keys.SK, sealed)
}

// CloseRA implements enclave.Enclave.
func (e *Enclave) CloseRA(raCtx uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	c, err := e.context(raCtx)
	if err != nil {
		return err
	}
	c.zero()
	delete(e.contexts, raCtx)
	return nil
}

var _ enclave.Enclave = (*Enclave)(nil)
