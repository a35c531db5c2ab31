package sgx_ra

import (
	mapset "github.com/deckarep/golang-set/v2"

	"github.com/kwonalbert/sgx_ra/enclave"
	"github.com/kwonalbert/sgx_ra/ias"
	"github.com/kwonalbert/sgx_ra/messages"
)

// Policy decides whether an attested enclave receives the secret.
type Policy struct {
	// Release refuses enclaves with the debug attribute.
	Release bool
	// MREnclaves is the allow list. Empty accepts any enclave.
	MREnclaves mapset.Set[[enclave.MeasurementSize]byte]
	// Degraded maps the non-OK quote statuses that are tolerated to the
	// advisories that may accompany them. A nil list tolerates any.
	Degraded map[ias.QuoteStatus][]string
}

// NewPolicy returns a policy accepting the given measurements.
func NewPolicy(release bool, mrenclaves [][enclave.MeasurementSize]byte, degraded map[ias.QuoteStatus][]string) *Policy {
	return &Policy{
		Release:    release,
		MREnclaves: mapset.NewSet(mrenclaves...),
		Degraded:   degraded,
	}
}

// Verdict is the outcome of a policy decision.
type Verdict struct {
	QuoteStatus byte
	PSEStatus   byte
	Authorized  bool
	Reason      string
}

func (p *Policy) quoteStatus(report *ias.Report) byte {
	if report.QuoteStatus == ias.QuoteOK {
		return messages.ResultOK
	}
	allowed, ok := p.Degraded[report.QuoteStatus]
	if !ok {
		return messages.ResultRejected
	}
	if allowed == nil {
		return messages.ResultWarning
	}
	if !mapset.NewSet(allowed...).Contains(report.AdvisoryIDs...) {
		return messages.ResultRejected
	}
	return messages.ResultWarning
}

func pseStatus(report *ias.Report, psePresent bool) byte {
	switch {
	case report.PSEStatus == ias.PSEOK:
		return messages.ResultOK
	case report.PSEStatus == "" && !psePresent:
		return messages.ResultOK
	default:
		return messages.ResultRejected
	}
}

// Decide evaluates a verified report for quote. The status bytes only
// reflect the report; Authorized also applies the local enclave checks.
func (p *Policy) Decide(report *ias.Report, quote enclave.Quote, psePresent bool) Verdict {
	v := Verdict{
		QuoteStatus: p.quoteStatus(report),
		PSEStatus:   pseStatus(report, psePresent),
	}

	var mr [enclave.MeasurementSize]byte
	copy(mr[:], quote.MREnclave())

	switch {
	case v.QuoteStatus == messages.ResultRejected:
		v.Reason = "quote status " + string(report.QuoteStatus)
	case v.PSEStatus == messages.ResultRejected:
		v.Reason = "pse status " + string(report.PSEStatus)
	case p.MREnclaves != nil && p.MREnclaves.Cardinality() > 0 && !p.MREnclaves.Contains(mr):
		v.Reason = "mrenclave not allowed"
	case p.Release && quote.Debug():
		v.Reason = "debug enclave in release mode"
	default:
		v.Authorized = true
	}
	return v
}
