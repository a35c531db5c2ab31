/*
Package ias provides the attestation authority used by the service
provider: a client for the Intel Attestation Service (IAS) v4 API and an
in-process simulated authority for tests and demos.

Two calls are consumed by the handshake:
  - GetSigRL returns the signature revocation list of an EPID group.
  - VerifyQuote submits a quote and returns the attestation report.
*/
package ias

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// QuoteStatus is the isvEnclaveQuoteStatus of a report.
type QuoteStatus string

const (
	QuoteOK                                QuoteStatus = "OK"
	QuoteSignatureInvalid                  QuoteStatus = "SIGNATURE_INVALID"
	QuoteGroupRevoked                      QuoteStatus = "GROUP_REVOKED"
	QuoteSignatureRevoked                  QuoteStatus = "SIGNATURE_REVOKED"
	QuoteKeyRevoked                        QuoteStatus = "KEY_REVOKED"
	QuoteSigRLVersionMismatch              QuoteStatus = "SIGRL_VERSION_MISMATCH"
	QuoteGroupOutOfDate                    QuoteStatus = "GROUP_OUT_OF_DATE"
	QuoteConfigurationNeeded               QuoteStatus = "CONFIGURATION_NEEDED"
	QuoteSWHardeningNeeded                 QuoteStatus = "SW_HARDENING_NEEDED"
	QuoteConfigurationAndSWHardeningNeeded QuoteStatus = "CONFIGURATION_AND_SW_HARDENING_NEEDED"
)

// PSEStatus is the pseManifestStatus of a report.
type PSEStatus string

const (
	PSEOK                PSEStatus = "OK"
	PSEUnknown           PSEStatus = "UNKNOWN"
	PSEInvalid           PSEStatus = "INVALID"
	PSEOutOfDate         PSEStatus = "OUT_OF_DATE"
	PSERevoked           PSEStatus = "REVOKED"
	PSERLVersionMismatch PSEStatus = "RL_VERSION_MISMATCH"
)

// QuoteBodySize is the size of a quote without its signature, which is
// what IAS echoes back in isvEnclaveQuoteBody.
const QuoteBodySize = 432

var (
	// ErrRequest is returned when IAS cannot be reached or answers with
	// an unexpected status.
	ErrRequest = errors.New("ias: request failed")
	// ErrMalformedReport is returned for responses that do not parse.
	ErrMalformedReport = errors.New("ias: malformed response")
	// ErrInvalidReport is returned for reports that do not match the
	// submitted evidence.
	ErrInvalidReport = errors.New("ias: invalid attestation report")
	// ErrReportSignature is returned when the report signature does not
	// verify against the configured root.
	ErrReportSignature = errors.New("ias: report signature verification failed")
)

// Authority verifies quotes and serves revocation lists.
type Authority interface {
	// GetSigRL returns the SigRL for gid, given in wire (little endian)
	// order. An empty list is not an error.
	GetSigRL(ctx context.Context, gid [4]byte) ([]byte, error)
	VerifyQuote(ctx context.Context, ev Evidence) (*Report, error)
}

// Evidence is what the service provider submits for verification.
type Evidence struct {
	Quote       []byte
	PSEManifest []byte
	Nonce       string
}

// Report is an attestation verification report.
type Report struct {
	ID               string
	Timestamp        time.Time
	Version          int
	QuoteStatus      QuoteStatus
	QuoteBody        []byte
	RevocationReason *int
	PSEStatus        PSEStatus
	PSEHash          string
	PlatformInfo     *PlatformInfo
	Nonce            string
	EPIDPseudonym    []byte
	AdvisoryURL      string
	AdvisoryIDs      []string
}

// timestampLayout is the format of the report timestamp, which IAS sends
// in UTC without a zone.
const timestampLayout = "2006-01-02T15:04:05.999999"

// reportJSON is the wire representation of a Report.
type reportJSON struct {
	ID                    string   `json:"id"`
	Timestamp             string   `json:"timestamp"`
	Version               int      `json:"version"`
	IsvEnclaveQuoteStatus string   `json:"isvEnclaveQuoteStatus"`
	IsvEnclaveQuoteBody   string   `json:"isvEnclaveQuoteBody"`
	RevocationReason      *int     `json:"revocationReason,omitempty"`
	PseManifestStatus     string   `json:"pseManifestStatus,omitempty"`
	PseManifestHash       string   `json:"pseManifestHash,omitempty"`
	PlatformInfoBlob      string   `json:"platformInfoBlob,omitempty"`
	Nonce                 string   `json:"nonce,omitempty"`
	EpidPseudonym         string   `json:"epidPseudonym,omitempty"`
	AdvisoryURL           string   `json:"advisoryURL,omitempty"`
	AdvisoryIDs           []string `json:"advisoryIDs,omitempty"`
}

// UnmarshalJSON parses an IAS report.
func (r *Report) UnmarshalJSON(data []byte) error {
	var raw reportJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("unmarshaling report JSON: %w", err)
	}
	if raw.ID == "" || raw.IsvEnclaveQuoteStatus == "" {
		return errors.New("report is missing id or quote status")
	}

	var err error
	r.Timestamp, err = time.Parse(timestampLayout, raw.Timestamp)
	if err != nil {
		return fmt.Errorf("parsing report timestamp: %w", err)
	}
	r.QuoteBody, err = base64.StdEncoding.DecodeString(raw.IsvEnclaveQuoteBody)
	if err != nil {
		return fmt.Errorf("decoding quote body: %w", err)
	}
	if raw.EpidPseudonym != "" {
		r.EPIDPseudonym, err = base64.StdEncoding.DecodeString(raw.EpidPseudonym)
		if err != nil {
			return fmt.Errorf("decoding EPID pseudonym: %w", err)
		}
	}
	if raw.PlatformInfoBlob != "" {
		info, err := ParsePlatformInfoBlob(raw.PlatformInfoBlob)
		if err != nil {
			return fmt.Errorf("parsing platform info blob: %w", err)
		}
		r.PlatformInfo = &info
	}

	r.ID = raw.ID
	r.Version = raw.Version
	r.QuoteStatus = QuoteStatus(raw.IsvEnclaveQuoteStatus)
	r.RevocationReason = raw.RevocationReason
	r.PSEStatus = PSEStatus(raw.PseManifestStatus)
	r.PSEHash = raw.PseManifestHash
	r.Nonce = raw.Nonce
	r.AdvisoryURL = raw.AdvisoryURL
	r.AdvisoryIDs = raw.AdvisoryIDs
	return nil
}

// MarshalJSON renders the report the way IAS does.
func (r *Report) MarshalJSON() ([]byte, error) {
	raw := reportJSON{
		ID:                    r.ID,
		Timestamp:             r.Timestamp.UTC().Format(timestampLayout),
		Version:               r.Version,
		IsvEnclaveQuoteStatus: string(r.QuoteStatus),
		IsvEnclaveQuoteBody:   base64.StdEncoding.EncodeToString(r.QuoteBody),
		RevocationReason:      r.RevocationReason,
		PseManifestStatus:     string(r.PSEStatus),
		PseManifestHash:       r.PSEHash,
		Nonce:                 r.Nonce,
		AdvisoryURL:           r.AdvisoryURL,
		AdvisoryIDs:           r.AdvisoryIDs,
	}
	if len(r.EPIDPseudonym) > 0 {
		raw.EpidPseudonym = base64.StdEncoding.EncodeToString(r.EPIDPseudonym)
	}
	if r.PlatformInfo != nil {
		raw.PlatformInfoBlob = r.PlatformInfo.Blob()
	}
	return json.Marshal(raw)
}
