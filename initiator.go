package sgx_ra

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"k8s.io/utils/clock"

	"github.com/kwonalbert/sgx_ra/enclave"
	"github.com/kwonalbert/sgx_ra/framing"
	"github.com/kwonalbert/sgx_ra/kex"
	"github.com/kwonalbert/sgx_ra/messages"
)

// Initiator is the enclave host side of one connection. It relays the
// handshake between the service provider and its enclave.
type Initiator struct {
	enclave enclave.Enclave
	sink    AppSink
	usePSE  bool

	clock        clock.Clock
	busyInterval time.Duration
	log          zerolog.Logger
	metrics      *Metrics

	mu       sync.Mutex
	phase    Phase
	raCtx    uint32
	hasCtx   bool
	secret   []byte
	warning  bool
	rejected bool
	err      error
}

// InitiatorOption configures an Initiator.
type InitiatorOption func(*Initiator)

// WithSink sets the consumer of application data.
func WithSink(sink AppSink) InitiatorOption {
	return func(i *Initiator) {
		i.sink = sink
	}
}

// WithPSE asks the enclave to use the platform services.
func WithPSE(usePSE bool) InitiatorOption {
	return func(i *Initiator) {
		i.usePSE = usePSE
	}
}

// WithBusyRetry sets the clock and pause used between busy retries.
func WithBusyRetry(c clock.Clock, interval time.Duration) InitiatorOption {
	return func(i *Initiator) {
		i.clock = c
		i.busyInterval = interval
	}
}

// WithInitiatorLogger sets the logger.
func WithInitiatorLogger(log zerolog.Logger) InitiatorOption {
	return func(i *Initiator) {
		i.log = log.With().Str("role", roleInitiator).Logger()
	}
}

// WithInitiatorMetrics records handshake metrics.
func WithInitiatorMetrics(m *Metrics) InitiatorOption {
	return func(i *Initiator) {
		i.metrics = m
	}
}

// NewInitiator returns an initiator driving e.
func NewInitiator(e enclave.Enclave, opts ...InitiatorOption) *Initiator {
	i := &Initiator{
		enclave:      e,
		sink:         &BufferSink{},
		clock:        clock.RealClock{},
		busyInterval: DefaultBusyInterval,
		log:          zerolog.Nop(),
		phase:        PhaseUnstarted,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Phase returns the current phase.
func (i *Initiator) Phase() Phase {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.phase
}

// Secret returns the secret released by the service provider once the
// connection is established.
func (i *Initiator) Secret() []byte {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.secret
}

// Warning reports whether the service provider accepted the platform
// with a degraded quote status.
func (i *Initiator) Warning() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.warning
}

// Err returns the error that ended the connection, if any.
func (i *Initiator) Err() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.err
}

func (i *Initiator) Done() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.phase.terminal()
}

// Open sends nothing; the service provider speaks first.
func (i *Initiator) Open() (framing.Frame, bool) {
	return framing.Frame{}, false
}

func (i *Initiator) Handle(ctx context.Context, f framing.Frame) (framing.Frame, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	m, err := decode(f)
	if err != nil {
		return i.fail(err)
	}
	if i.hasCtx && m.Type() != messages.TypeMsg0 && m.Context() != i.raCtx {
		return i.unexpected(m)
	}

	switch msg := m.(type) {
	case *messages.Verification:
		if i.phase != PhaseUnstarted {
			return i.unexpected(m)
		}
		return i.handleVerification()
	case *messages.Msg0:
		if i.phase != PhaseAwaitingMsg0Reply {
			return i.unexpected(m)
		}
		return i.handleMsg0(ctx, msg)
	case *messages.Msg2:
		if i.phase != PhaseAwaitingMsg2 {
			return i.unexpected(m)
		}
		return i.handleMsg2(ctx, msg)
	case *messages.AttestationResult:
		if i.phase != PhaseAwaitingAttestationResult {
			return i.unexpected(m)
		}
		return i.handleAttestationResult(msg)
	case *messages.HashData:
		if i.phase != PhaseEstablished {
			return i.unexpected(m)
		}
		return i.handleHashData(ctx, msg)
	case *messages.HashDataFinished:
		if i.phase != PhaseEstablished {
			return i.unexpected(m)
		}
		return i.handleFinished(ctx, msg)
	default:
		return i.unexpected(m)
	}
}

func (i *Initiator) unexpected(m messages.Message) (framing.Frame, error) {
	return i.fail(fmt.Errorf("%w: %s for context %d in phase %s", ErrProtocol, m.Type(), m.Context(), i.phase))
}

func (i *Initiator) fail(err error) (framing.Frame, error) {
	i.log.Warn().Err(err).Stringer("phase", i.phase).Msg("Handshake failed")
	i.err = err
	i.phase = PhaseFailed
	return framing.Frame{}, err
}

// reject tells the service provider that the attestation result was
// not accepted, and fails the connection.
func (i *Initiator) reject(err error) (framing.Frame, error) {
	f, ferr := frame(&messages.AttestationAck{ContextID: i.raCtx, State: messages.StateFailed})
	i.fail(err)
	if ferr != nil {
		return framing.Frame{}, errors.Join(err, ferr)
	}
	return f, err
}

func (i *Initiator) reply(m messages.Message) (framing.Frame, error) {
	f, err := frame(m)
	if err != nil {
		return i.fail(err)
	}
	return f, nil
}

func (i *Initiator) handleVerification() (framing.Frame, error) {
	egid, err := i.enclave.ExtendedGroupID()
	if err != nil {
		return i.fail(fmt.Errorf("reading extended group id: %w", err))
	}
	i.phase = PhaseAwaitingMsg0Reply
	return i.reply(&messages.Msg0{ExtendedGID: egid})
}

func (i *Initiator) handleMsg0(ctx context.Context, msg *messages.Msg0) (framing.Frame, error) {
	if msg.Status != messages.StatusOK {
		return i.fail(fmt.Errorf("%w: service provider refused extended group %d", ErrProtocol, msg.ExtendedGID))
	}

	raCtx, err := i.enclave.InitRA(i.usePSE)
	if err != nil {
		return i.fail(fmt.Errorf("initializing key exchange: %w", err))
	}
	i.raCtx, i.hasCtx = raCtx, true
	i.log = i.log.With().Uint32("context", raCtx).Logger()

	var msg1 *messages.Msg1
	err = retryBusy(ctx, i.clock, Msg1Retries, i.busyInterval, func() error {
		var err error
		msg1, err = i.enclave.GetMsg1(raCtx)
		if errors.Is(err, enclave.ErrBusy) {
			i.log.Debug().Msg("Enclave busy generating msg1, retrying")
		}
		return err
	})
	if err != nil {
		return i.fail(fmt.Errorf("generating msg1: %w", err))
	}

	i.phase = PhaseAwaitingMsg2
	return i.reply(msg1)
}

func (i *Initiator) handleMsg2(ctx context.Context, msg *messages.Msg2) (framing.Frame, error) {
	var msg3 *messages.Msg3
	err := retryBusy(ctx, i.clock, Msg2Retries, i.busyInterval, func() error {
		var err error
		msg3, err = i.enclave.ProcMsg2(i.raCtx, msg)
		if errors.Is(err, enclave.ErrBusy) {
			i.log.Debug().Msg("Enclave busy processing msg2, retrying")
		}
		return err
	})
	if errors.Is(err, kex.ErrMACMismatch) || errors.Is(err, kex.ErrInvalidSignature) {
		err = fmt.Errorf("%w: %w", ErrIntegrity, err)
	}
	if err != nil {
		return i.fail(fmt.Errorf("processing msg2: %w", err))
	}

	i.phase = PhaseAwaitingAttestationResult
	return i.reply(msg3)
}

func (i *Initiator) handleAttestationResult(msg *messages.AttestationResult) (framing.Frame, error) {
	if err := i.enclave.VerifyAttResultMAC(i.raCtx, msg); err != nil {
		return i.reject(fmt.Errorf("%w: attestation result: %w", ErrIntegrity, err))
	}
	if msg.QuoteStatus == messages.ResultRejected || msg.PSEStatus == messages.ResultRejected {
		i.rejected = true
		return i.reject(fmt.Errorf("%w: quote status %#x, pse status %#x", ErrPolicy, msg.QuoteStatus, msg.PSEStatus))
	}
	secret, err := i.enclave.VerifySecret(i.raCtx, msg.Secret)
	if err != nil {
		i.rejected = true
		return i.reject(fmt.Errorf("%w: secret: %w", ErrPolicy, err))
	}

	i.secret = secret
	i.warning = msg.QuoteStatus == messages.ResultWarning
	if i.warning {
		i.log.Warn().Msg("Platform accepted with a degraded quote status")
	}
	i.log.Info().Msg("Session established")
	i.phase = PhaseEstablished
	return i.reply(&messages.AttestationAck{ContextID: i.raCtx, State: messages.StateOK})
}

func (i *Initiator) handleHashData(ctx context.Context, msg *messages.HashData) (framing.Frame, error) {
	data, err := i.enclave.Open(i.raCtx, msg.Data)
	if err != nil {
		return i.fail(fmt.Errorf("%w: application data: %w", ErrIntegrity, err))
	}
	if err := i.sink.Consume(ctx, data); err != nil {
		return i.fail(fmt.Errorf("consuming application data: %w", err))
	}
	return i.reply(&messages.AppResult{ContextID: i.raCtx, ID: msg.ID, State: messages.StateReceived})
}

func (i *Initiator) handleFinished(ctx context.Context, msg *messages.HashDataFinished) (framing.Frame, error) {
	result, ready, err := i.sink.Result(ctx)
	if err != nil {
		return i.fail(fmt.Errorf("computing application result: %w", err))
	}
	if !ready {
		return i.reply(&messages.AppResult{ContextID: i.raCtx, ID: msg.ID, State: messages.StatePending})
	}

	sealed, err := i.enclave.Seal(i.raCtx, result)
	if err != nil {
		return i.fail(fmt.Errorf("sealing application result: %w", err))
	}
	f, err := i.reply(&messages.Intersect{ContextID: i.raCtx, ID: msg.ID, Data: sealed})
	if err != nil {
		return f, err
	}

	i.closeRA()
	i.phase = PhaseClosed
	return f, nil
}

func (i *Initiator) closeRA() {
	if !i.hasCtx {
		return
	}
	if err := i.enclave.CloseRA(i.raCtx); err != nil {
		i.log.Debug().Err(err).Msg("Closing key exchange context")
	}
	i.hasCtx = false
}

// Close destroys the enclave context, whatever the phase.
func (i *Initiator) Close() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.closeRA()
	i.metrics.handshake(roleInitiator, outcome(i.phase, i.err, i.rejected))
}
