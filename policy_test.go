package sgx_ra

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kwonalbert/sgx_ra/enclave"
	"github.com/kwonalbert/sgx_ra/ias"
	"github.com/kwonalbert/sgx_ra/messages"
)

func TestPolicyDecide(t *testing.T) {
	var trusted, other [enclave.MeasurementSize]byte
	trusted[0], other[0] = 0xaa, 0xbb
	defaultDegraded := map[ias.QuoteStatus][]string{
		ias.QuoteGroupOutOfDate:      nil,
		ias.QuoteConfigurationNeeded: nil,
	}

	testCases := map[string]struct {
		policy         *Policy
		report         ias.Report
		quote          enclave.QuoteFields
		psePresent     bool
		wantQuote      byte
		wantPSE        byte
		wantAuthorized bool
	}{
		"ok": {
			policy:         NewPolicy(false, nil, defaultDegraded),
			report:         ias.Report{QuoteStatus: ias.QuoteOK},
			wantQuote:      messages.ResultOK,
			wantPSE:        messages.ResultOK,
			wantAuthorized: true,
		},
		"group out of date tolerated": {
			policy:         NewPolicy(false, nil, defaultDegraded),
			report:         ias.Report{QuoteStatus: ias.QuoteGroupOutOfDate, AdvisoryIDs: []string{"INTEL-SA-00161"}},
			wantQuote:      messages.ResultWarning,
			wantPSE:        messages.ResultOK,
			wantAuthorized: true,
		},
		"advisory allowed": {
			policy: NewPolicy(false, nil, map[ias.QuoteStatus][]string{
				ias.QuoteConfigurationNeeded: {"INTEL-SA-00161", "INTEL-SA-00233"},
			}),
			report:         ias.Report{QuoteStatus: ias.QuoteConfigurationNeeded, AdvisoryIDs: []string{"INTEL-SA-00233"}},
			wantQuote:      messages.ResultWarning,
			wantPSE:        messages.ResultOK,
			wantAuthorized: true,
		},
		"advisory not allowed": {
			policy: NewPolicy(false, nil, map[ias.QuoteStatus][]string{
				ias.QuoteConfigurationNeeded: {"INTEL-SA-00161"},
			}),
			report:    ias.Report{QuoteStatus: ias.QuoteConfigurationNeeded, AdvisoryIDs: []string{"INTEL-SA-00161", "INTEL-SA-00334"}},
			wantQuote: messages.ResultRejected,
			wantPSE:   messages.ResultOK,
		},
		"degraded status not tolerated": {
			policy:    NewPolicy(false, nil, map[ias.QuoteStatus][]string{}),
			report:    ias.Report{QuoteStatus: ias.QuoteGroupOutOfDate},
			wantQuote: messages.ResultRejected,
			wantPSE:   messages.ResultOK,
		},
		"revoked": {
			policy:    NewPolicy(false, nil, defaultDegraded),
			report:    ias.Report{QuoteStatus: ias.QuoteGroupRevoked},
			wantQuote: messages.ResultRejected,
			wantPSE:   messages.ResultOK,
		},
		"pse ok": {
			policy:         NewPolicy(false, nil, defaultDegraded),
			report:         ias.Report{QuoteStatus: ias.QuoteOK, PSEStatus: ias.PSEOK},
			psePresent:     true,
			wantQuote:      messages.ResultOK,
			wantPSE:        messages.ResultOK,
			wantAuthorized: true,
		},
		"pse missing from report": {
			policy:     NewPolicy(false, nil, defaultDegraded),
			report:     ias.Report{QuoteStatus: ias.QuoteOK},
			psePresent: true,
			wantQuote:  messages.ResultOK,
			wantPSE:    messages.ResultRejected,
		},
		"pse out of date": {
			policy:     NewPolicy(false, nil, defaultDegraded),
			report:     ias.Report{QuoteStatus: ias.QuoteOK, PSEStatus: ias.PSEOutOfDate},
			psePresent: true,
			wantQuote:  messages.ResultOK,
			wantPSE:    messages.ResultRejected,
		},
		"mrenclave allowed": {
			policy:         NewPolicy(false, [][enclave.MeasurementSize]byte{other, trusted}, defaultDegraded),
			report:         ias.Report{QuoteStatus: ias.QuoteOK},
			quote:          enclave.QuoteFields{MREnclave: trusted},
			wantQuote:      messages.ResultOK,
			wantPSE:        messages.ResultOK,
			wantAuthorized: true,
		},
		"mrenclave not allowed": {
			policy:    NewPolicy(false, [][enclave.MeasurementSize]byte{trusted}, defaultDegraded),
			report:    ias.Report{QuoteStatus: ias.QuoteOK},
			quote:     enclave.QuoteFields{MREnclave: other},
			wantQuote: messages.ResultOK,
			wantPSE:   messages.ResultOK,
		},
		"debug in release": {
			policy:    NewPolicy(true, nil, defaultDegraded),
			report:    ias.Report{QuoteStatus: ias.QuoteOK},
			quote:     enclave.QuoteFields{Debug: true},
			wantQuote: messages.ResultOK,
			wantPSE:   messages.ResultOK,
		},
		"debug in development": {
			policy:         NewPolicy(false, nil, defaultDegraded),
			report:         ias.Report{QuoteStatus: ias.QuoteOK},
			quote:          enclave.QuoteFields{Debug: true},
			wantQuote:      messages.ResultOK,
			wantPSE:        messages.ResultOK,
			wantAuthorized: true,
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)

			v := tc.policy.Decide(&tc.report, enclave.BuildQuote(tc.quote), tc.psePresent)
			assert.Equal(tc.wantQuote, v.QuoteStatus)
			assert.Equal(tc.wantPSE, v.PSEStatus)
			assert.Equal(tc.wantAuthorized, v.Authorized)
			if !tc.wantAuthorized {
				assert.NotEmpty(v.Reason)
			}
		})
	}
}
