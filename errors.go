package sgx_ra

import (
	"errors"
	"fmt"
)

var (
	// ErrTransport marks a lost or broken connection.
	ErrTransport = errors.New("sgx_ra: transport failure")
	// ErrDecode marks a malformed frame or message body.
	ErrDecode = errors.New("sgx_ra: malformed message")
	// ErrIntegrity marks a MAC, signature or report data mismatch.
	ErrIntegrity = errors.New("sgx_ra: integrity check failed")
	// ErrBusy is returned once the busy retries of an enclave call are
	// exhausted.
	ErrBusy = errors.New("sgx_ra: enclave busy")
	// ErrProtocol marks a message that is not valid in the current phase.
	ErrProtocol = errors.New("sgx_ra: protocol violation")
	// ErrPolicy marks an attestation that completed but was not trusted.
	ErrPolicy = errors.New("sgx_ra: attestation not trusted")
)

// SPStatus is the service provider status of a failed handshake.
type SPStatus int

const (
	SPOK SPStatus = iota
	SPUnsupportedExtendedEPIDGroup
	SPIntegrityFailed
	SPQuoteVerificationFailed
	SPIASFailed
	SPInternalError
	SPProtocolError
	SPRetrieveSigRLError
)

func (s SPStatus) String() string {
	switch s {
	case SPOK:
		return "SP_OK"
	case SPUnsupportedExtendedEPIDGroup:
		return "SP_UNSUPPORTED_EXTENDED_EPID_GROUP"
	case SPIntegrityFailed:
		return "SP_INTEGRITY_FAILED"
	case SPQuoteVerificationFailed:
		return "SP_QUOTE_VERIFICATION_FAILED"
	case SPIASFailed:
		return "SP_IAS_FAILED"
	case SPInternalError:
		return "SP_INTERNAL_ERROR"
	case SPProtocolError:
		return "SP_PROTOCOL_ERROR"
	case SPRetrieveSigRLError:
		return "SP_RETRIEVE_SIGRL_ERROR"
	default:
		return fmt.Sprintf("SP_STATUS(%d)", int(s))
	}
}

func (s SPStatus) class() error {
	switch s {
	case SPIntegrityFailed:
		return ErrIntegrity
	case SPIASFailed, SPRetrieveSigRLError:
		return ErrTransport
	case SPProtocolError, SPUnsupportedExtendedEPIDGroup:
		return ErrProtocol
	default:
		return nil
	}
}

// SPError is a handshake failure on the service provider side.
type SPError struct {
	Status SPStatus
	Err    error
}

func (e *SPError) Error() string {
	if e.Err == nil {
		return e.Status.String()
	}
	return fmt.Sprintf("%s: %v", e.Status, e.Err)
}

// Unwrap exposes both the cause and the class of the status, so
// errors.Is(err, ErrIntegrity) holds for SP_INTEGRITY_FAILED.
func (e *SPError) Unwrap() []error {
	var errs []error
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	if class := e.Status.class(); class != nil {
		errs = append(errs, class)
	}
	return errs
}

func spError(status SPStatus, format string, args ...any) error {
	return &SPError{Status: status, Err: fmt.Errorf(format, args...)}
}

// StatusOf returns the SP status carried by err.
func StatusOf(err error) SPStatus {
	if err == nil {
		return SPOK
	}
	var spErr *SPError
	if errors.As(err, &spErr) {
		return spErr.Status
	}
	return SPInternalError
}
