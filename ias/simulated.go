package ias

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"k8s.io/utils/clock"
)

// Simulated is an in-process authority that accepts any well formed quote
// and reports a configurable status.
type Simulated struct {
	clock clock.PassiveClock

	mu          sync.Mutex
	quoteStatus QuoteStatus
	pseStatus   PSEStatus
	sigRL       []byte
	advisories  []string
	submitted   []Evidence
}

// NewSimulated returns an authority reporting status for every quote.
func NewSimulated(status QuoteStatus) *Simulated {
	return &Simulated{
		clock:       clock.RealClock{},
		quoteStatus: status,
		pseStatus:   PSEOK,
	}
}

// WithClock sets the clock used for report timestamps.
func (s *Simulated) WithClock(c clock.PassiveClock) *Simulated {
	s.clock = c
	return s
}

// SetStatus changes the reported statuses.
func (s *Simulated) SetStatus(quote QuoteStatus, pse PSEStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quoteStatus = quote
	s.pseStatus = pse
}

// SetSigRL sets the list returned for every group.
func (s *Simulated) SetSigRL(sigRL []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sigRL = append([]byte(nil), sigRL...)
}

// SetAdvisories sets the advisory ids attached to reports.
func (s *Simulated) SetAdvisories(ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advisories = ids
}

// Submitted returns the evidence received so far.
func (s *Simulated) Submitted() []Evidence {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Evidence(nil), s.submitted...)
}

// GetSigRL implements Authority.
func (s *Simulated) GetSigRL(ctx context.Context, _ [4]byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.sigRL...), nil
}

// VerifyQuote implements Authority.
func (s *Simulated) VerifyQuote(ctx context.Context, ev Evidence) (*Report, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(ev.Quote) < QuoteBodySize {
		return nil, fmt.Errorf("%w: quote of %d bytes", ErrRequest, len(ev.Quote))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitted = append(s.submitted, ev)

	report := &Report{
		ID:          uuid.NewString(),
		Timestamp:   s.clock.Now().UTC(),
		Version:     4,
		QuoteStatus: s.quoteStatus,
		QuoteBody:   append([]byte(nil), ev.Quote[:QuoteBodySize]...),
		Nonce:       ev.Nonce,
		AdvisoryIDs: s.advisories,
	}
	if len(ev.PSEManifest) > 0 {
		report.PSEStatus = s.pseStatus
	}
	// IAS only attaches a platform info blob when something is out of date
	if s.quoteStatus != QuoteOK || (len(ev.PSEManifest) > 0 && s.pseStatus != PSEOK) {
		var info PlatformInfo
		info[0] = 0x01
		info[2] = 0x01
		report.PlatformInfo = &info
	}
	return report, nil
}
