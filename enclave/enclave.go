// Package enclave defines the enclave collaborator driven by the
// attestation initiator. The enclave owns the key exchange context: it
// generates ga, processes msg2, produces the quote and holds SK, so the
// host never sees session keys.
package enclave

import (
	"errors"

	"github.com/kwonalbert/sgx_ra/kex"
	"github.com/kwonalbert/sgx_ra/messages"
)

var (
	// ErrBusy is returned for transient failures of the key exchange
	// primitives. Callers retry a bounded number of times.
	ErrBusy = errors.New("enclave: busy")
	// ErrUnknownContext is returned for context ids the enclave never
	// allocated or already closed.
	ErrUnknownContext = errors.New("enclave: unknown key exchange context")
	// ErrInvalidState is returned when a call is out of order for its
	// context, for example a second msg2.
	ErrInvalidState = errors.New("enclave: call out of order for context")
)

// Enclave is the trusted side of remote attestation.
type Enclave interface {
	// ExtendedGroupID returns the extended EPID group id sent in msg0.
	ExtendedGroupID() (uint32, error)
	// InitRA allocates a key exchange context.
	InitRA(usePSE bool) (uint32, error)
	// GetMsg1 generates a fresh ephemeral key for raCtx and returns msg1.
	GetMsg1(raCtx uint32) (*messages.Msg1, error)
	// ProcMsg2 verifies msg2, derives the session keys and returns msg3.
	ProcMsg2(raCtx uint32, msg2 *messages.Msg2) (*messages.Msg3, error)
	// VerifyAttResultMAC checks the MK MAC of an attestation result.
	VerifyAttResultMAC(raCtx uint32, res *messages.AttestationResult) error
	// VerifySecret decrypts the released secret under SK.
	VerifySecret(raCtx uint32, secret kex.Sealed) ([]byte, error)
	// Seal encrypts application data under SK.
	Seal(raCtx uint32, plaintext []byte) (kex.Sealed, error)
	// Open decrypts application data under SK.
	Open(raCtx uint32, sealed kex.Sealed) ([]byte, error)
	// CloseRA destroys raCtx and every key it holds.
	CloseRA(raCtx uint32) error
}
