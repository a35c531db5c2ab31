package sgx_ra

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/kwonalbert/sgx_ra/framing"
	"github.com/kwonalbert/sgx_ra/messages"
)

const (
	roleResponder = "responder"
	roleInitiator = "initiator"
)

// ResponderConn is the service provider side of one connection.
type ResponderConn struct {
	sm     *SessionManager
	connID string
	log    zerolog.Logger
	source AppSource

	phase       Phase
	extendedGID uint32
	contextID   uint32
	key         string // store key of the live session, if any
	blocks      uint32
	finished    bool
	rejected    bool
	err         error
}

// Phase returns the current phase of the connection.
func (r *ResponderConn) Phase() Phase {
	return r.phase
}

// Err returns the error that ended the connection, if any.
func (r *ResponderConn) Err() error {
	return r.err
}

// SessionKey returns the store key of the connection's session.
func (r *ResponderConn) SessionKey() string {
	return r.key
}

func (r *ResponderConn) Done() bool {
	return r.phase.terminal()
}

// Open sends VERIFICATION to start the handshake.
func (r *ResponderConn) Open() (framing.Frame, bool) {
	f, err := frame(&messages.Verification{})
	if err != nil {
		r.fail(err)
		return framing.Frame{}, false
	}
	r.phase = PhaseAwaitingMsg0
	return f, true
}

func (r *ResponderConn) Handle(ctx context.Context, f framing.Frame) (framing.Frame, error) {
	m, err := decode(f)
	if err != nil {
		return r.fail(err)
	}
	if r.phase > PhaseAwaitingMsg1 && m.Context() != r.contextID {
		return r.unexpected(m)
	}

	switch msg := m.(type) {
	case *messages.Msg0:
		if r.phase != PhaseAwaitingMsg0 {
			return r.unexpected(m)
		}
		return r.handleMsg0(msg)
	case *messages.Msg1:
		if r.phase != PhaseAwaitingMsg1 {
			return r.unexpected(m)
		}
		return r.handleMsg1(ctx, msg)
	case *messages.Msg3:
		if r.phase != PhaseAwaitingMsg3 {
			return r.unexpected(m)
		}
		return r.handleMsg3(ctx, msg)
	case *messages.AttestationAck:
		if r.phase != PhaseAwaitingAttestationAck {
			return r.unexpected(m)
		}
		return r.handleAck(ctx, msg)
	case *messages.AppResult:
		if r.phase != PhaseEstablished || (r.finished && msg.State != messages.StatePending) {
			return r.unexpected(m)
		}
		return r.handleAppResult(ctx, msg)
	case *messages.Intersect:
		if r.phase != PhaseEstablished || !r.finished {
			return r.unexpected(m)
		}
		return r.handleIntersect(ctx, msg)
	default:
		return r.unexpected(m)
	}
}

// unexpected rejects a message that is not valid in the current phase
// without touching the session.
func (r *ResponderConn) unexpected(m messages.Message) (framing.Frame, error) {
	r.err = spError(SPProtocolError, "%w: %s for context %d in phase %s", ErrProtocol, m.Type(), m.Context(), r.phase)
	r.log.Warn().Stringer("type", m.Type()).Stringer("phase", r.phase).Msg("Unexpected message, closing connection")
	return framing.Frame{}, r.err
}

func (r *ResponderConn) fail(err error) (framing.Frame, error) {
	r.err = err
	r.log.Warn().Err(err).Stringer("phase", r.phase).Str("status", StatusOf(err).String()).Msg("Handshake failed")
	r.phase = PhaseFailed
	r.dropSession()
	return framing.Frame{}, err
}

func (r *ResponderConn) dropSession() {
	if r.key == "" {
		return
	}
	r.sm.deleteSession(r.key)
	r.key = ""
}

func (r *ResponderConn) reply(m messages.Message) (framing.Frame, error) {
	f, err := frame(m)
	if err != nil {
		return r.fail(err)
	}
	return f, nil
}

func (r *ResponderConn) session() (*Session, error) {
	s, ok := r.sm.GetSession(r.key)
	if !ok {
		return nil, spError(SPProtocolError, "%w: session %q expired", ErrProtocol, r.key)
	}
	return s, nil
}

func (r *ResponderConn) handleMsg0(msg *messages.Msg0) (framing.Frame, error) {
	r.extendedGID = msg.ExtendedGID
	reply := &messages.Msg0{
		ContextID:   msg.ContextID,
		ExtendedGID: msg.ExtendedGID,
		Status:      messages.StatusOK,
	}

	// only the Intel EPID group (0) is supported
	if msg.ExtendedGID != 0 {
		r.log.Warn().Uint32("extended_gid", msg.ExtendedGID).Msg("Unsupported extended EPID group")
		reply.Status = messages.StatusTerminate
		r.err = spError(SPUnsupportedExtendedEPIDGroup, "extended group %d", msg.ExtendedGID)
		r.phase = PhaseFailed
		return r.reply(reply)
	}

	r.phase = PhaseAwaitingMsg1
	return r.reply(reply)
}

func (r *ResponderConn) handleMsg1(ctx context.Context, msg *messages.Msg1) (framing.Frame, error) {
	key := sessionKey(r.connID, msg.ContextID)
	s := r.sm.newSession(key, msg.ContextID, r.extendedGID)

	msg2, err := s.CreateMsg2(ctx, msg)
	if err != nil {
		s.Close()
		return r.fail(err)
	}

	r.contextID = msg.ContextID
	r.key = key
	r.log = r.log.With().Uint32("context", msg.ContextID).Logger()
	r.sm.setSession(s)

	r.log.Debug().Int("sig_rl", len(msg2.SigRL)).Msg("Sending msg2")
	r.phase = PhaseAwaitingMsg3
	return r.reply(msg2)
}

func (r *ResponderConn) handleMsg3(ctx context.Context, msg *messages.Msg3) (framing.Frame, error) {
	s, err := r.session()
	if err != nil {
		return r.fail(err)
	}

	res, err := s.ProcessMsg3(ctx, msg)
	if err != nil {
		return r.fail(err)
	}

	v := s.Verdict()
	report := s.Report()
	r.log.Info().
		Str("report", report.ID).
		Str("quote_status", string(report.QuoteStatus)).
		Str("pse_status", string(report.PSEStatus)).
		Bool("authorized", v.Authorized).
		Str("reason", v.Reason).
		Msg("Quote verified")
	r.rejected = !v.Authorized

	r.phase = PhaseAwaitingAttestationAck
	return r.reply(res)
}

func (r *ResponderConn) handleAck(ctx context.Context, msg *messages.AttestationAck) (framing.Frame, error) {
	s, err := r.session()
	if err != nil {
		return r.fail(err)
	}

	if !s.Acknowledge(msg.State) {
		if !r.rejected {
			r.err = errors.New("enclave did not accept the attestation result")
		}
		r.log.Info().Uint32("state", msg.State).Msg("Attestation not acknowledged, closing connection")
		r.phase = PhaseFailed
		r.dropSession()
		return framing.Frame{}, nil
	}

	r.log.Info().Msg("Session established")
	r.phase = PhaseEstablished
	return r.nextBlock(ctx, s)
}

func (r *ResponderConn) nextBlock(ctx context.Context, s *Session) (framing.Frame, error) {
	data, ok, err := r.source.Next(ctx)
	if err != nil {
		return r.fail(spError(SPInternalError, "reading application data: %w", err))
	}
	if !ok {
		r.finished = true
		return r.reply(&messages.HashDataFinished{ContextID: r.contextID, ID: r.blocks})
	}

	sealed, err := s.Seal(data)
	if err != nil {
		return r.fail(err)
	}
	r.blocks++
	return r.reply(&messages.HashData{ContextID: r.contextID, ID: r.blocks, Data: sealed})
}

func (r *ResponderConn) handleAppResult(ctx context.Context, msg *messages.AppResult) (framing.Frame, error) {
	s, err := r.session()
	if err != nil {
		return r.fail(err)
	}
	if !r.finished {
		return r.nextBlock(ctx, s)
	}

	// the result is not ready yet, ask again later
	select {
	case <-ctx.Done():
		return r.fail(ctx.Err())
	case <-r.sm.clock.After(r.sm.resultPoll):
	}
	return r.reply(&messages.HashDataFinished{ContextID: r.contextID, ID: r.blocks})
}

func (r *ResponderConn) handleIntersect(ctx context.Context, msg *messages.Intersect) (framing.Frame, error) {
	s, err := r.session()
	if err != nil {
		return r.fail(err)
	}
	result, err := s.Open(msg.Data)
	if err != nil {
		return r.fail(spError(SPIntegrityFailed, "application result: %w", err))
	}
	if err := r.source.Result(ctx, result); err != nil {
		return r.fail(spError(SPInternalError, "%w", err))
	}

	r.log.Info().Int("result", len(result)).Msg("Application result received")
	r.phase = PhaseClosed
	r.dropSession()
	return framing.Frame{}, nil
}

// Close drops the session of the connection, whatever its phase.
func (r *ResponderConn) Close() {
	r.dropSession()
	if !r.phase.terminal() {
		r.log.Debug().Stringer("phase", r.phase).Msg("Connection closed mid handshake")
	}
	r.sm.metrics.handshake(roleResponder, outcome(r.phase, r.err, r.rejected))
}

func (r *ResponderConn) String() string {
	return fmt.Sprintf("responder %s (%s)", r.connID, r.phase)
}
