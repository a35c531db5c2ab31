package sgx_ra

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"k8s.io/utils/clock"

	"github.com/kwonalbert/sgx_ra/ias"
)

// SessionManager owns the service provider configuration and the
// session store, and creates a ResponderConn for every connection.
type SessionManager struct {
	cfg *configuration

	sessions  Cache
	authority ias.Authority
	policy    *Policy

	clock      clock.WithTicker
	log        zerolog.Logger
	metrics    *Metrics
	newSource  func(connID string) AppSource
	resultPoll time.Duration
}

// Option configures a SessionManager.
type Option func(*SessionManager)

// WithAuthority replaces the attestation authority picked by the
// configuration.
func WithAuthority(a ias.Authority) Option {
	return func(sm *SessionManager) {
		sm.authority = a
	}
}

// WithLongTermKey sets the service provider signing key.
func WithLongTermKey(priv *ecdsa.PrivateKey) Option {
	return func(sm *SessionManager) {
		sm.cfg.longTermKey = priv
	}
}

// WithClock sets the clock used for session timeouts and polling.
func WithClock(c clock.WithTicker) Option {
	return func(sm *SessionManager) {
		sm.clock = c
	}
}

// WithLogger sets the logger.
func WithLogger(log zerolog.Logger) Option {
	return func(sm *SessionManager) {
		sm.log = log
	}
}

// WithMetrics records handshake metrics.
func WithMetrics(m *Metrics) Option {
	return func(sm *SessionManager) {
		sm.metrics = m
	}
}

// WithAppSource sets the application data of every connection. Without
// it, attested connections finish right after the handshake.
func WithAppSource(newSource func(connID string) AppSource) Option {
	return func(sm *SessionManager) {
		sm.newSource = newSource
	}
}

// WithResultPoll sets how long to wait before asking again for a
// result that is not ready.
func WithResultPoll(d time.Duration) Option {
	return func(sm *SessionManager) {
		sm.resultPoll = d
	}
}

// NewSessionManager creates a session manager from config.
func NewSessionManager(config *Configuration, opts ...Option) (*SessionManager, error) {
	cfg, err := parseConfiguration(config)
	if err != nil {
		return nil, err
	}

	sm := &SessionManager{
		cfg:        cfg,
		clock:      clock.RealClock{},
		log:        zerolog.Nop(),
		resultPoll: DefaultResultPoll,
	}
	for _, opt := range opts {
		opt(sm)
	}

	if sm.cfg.longTermKey == nil {
		return nil, errors.New("no long-term key configured")
	}
	if sm.authority == nil {
		if sm.authority, err = sm.newAuthority(); err != nil {
			return nil, err
		}
	}
	sm.policy = NewPolicy(cfg.release, cfg.mrenclaves, cfg.allowedAdvisories)
	sm.sessions = NewCache(cfg.maxSessions, cfg.timeout, sm.clock)
	return sm, nil
}

func (sm *SessionManager) newAuthority() (ias.Authority, error) {
	if sm.cfg.simulation {
		sm.log.Warn().Msg("Using the simulated attestation authority, quotes are not verified")
		return ias.NewSimulated(ias.QuoteOK).WithClock(sm.clock), nil
	}

	opts := []ias.Option{
		ias.WithTimeout(sm.cfg.iasTimeout),
		ias.WithLogger(sm.log.With().Str("component", "ias").Logger()),
	}
	if sm.cfg.iasRootCA != nil {
		opts = append(opts, ias.WithRootCA(sm.cfg.iasRootCA))
	}
	return ias.New(sm.cfg.iasURL, sm.cfg.subscription, opts...)
}

// NewConn returns the responder for a new connection with the given id.
func (sm *SessionManager) NewConn(connID string) *ResponderConn {
	r := &ResponderConn{
		sm:     sm,
		connID: connID,
		phase:  PhaseUnstarted,
		log:    sm.log.With().Str("conn", connID).Str("role", roleResponder).Logger(),
		source: nopSource{},
	}
	if sm.newSource != nil {
		r.source = sm.newSource(connID)
	}
	return r
}

// GetSession returns the live session stored under key.
func (sm *SessionManager) GetSession(key string) (*Session, bool) {
	return sm.sessions.Get(key)
}

// Sessions returns the number of stored sessions.
func (sm *SessionManager) Sessions() int {
	return sm.sessions.Len()
}

// HandshakeTimeout is the read deadline per frame.
func (sm *SessionManager) HandshakeTimeout() time.Duration {
	return sm.cfg.handshakeTimeout
}

func (sm *SessionManager) setSession(s *Session) {
	sm.sessions.Set(s.Key(), s)
	sm.metrics.setSessions(sm.sessions.Len())
}

func (sm *SessionManager) deleteSession(key string) {
	sm.sessions.Delete(key)
	sm.metrics.setSessions(sm.sessions.Len())
}

// Expire drops timed out sessions.
func (sm *SessionManager) Expire() int {
	n := sm.sessions.Expire()
	if n > 0 {
		sm.log.Debug().Int("sessions", n).Msg("Expired idle sessions")
		sm.metrics.setSessions(sm.sessions.Len())
	}
	return n
}

// RunExpiry calls Expire every interval until ctx is done.
func (sm *SessionManager) RunExpiry(ctx context.Context, interval time.Duration) {
	ticker := sm.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			sm.Expire()
		}
	}
}

func sessionKey(connID string, contextID uint32) string {
	return fmt.Sprintf("%s/%d", connID, contextID)
}

type nopSource struct{}

func (nopSource) Next(context.Context) ([]byte, bool, error) { return nil, false, nil }

func (nopSource) Result(context.Context, []byte) error { return nil }
