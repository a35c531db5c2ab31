package sgx_ra

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kwonalbert/sgx_ra/enclave"
	"github.com/kwonalbert/sgx_ra/enclave/sim"
	"github.com/kwonalbert/sgx_ra/ias"
	"github.com/kwonalbert/sgx_ra/kex"
	"github.com/kwonalbert/sgx_ra/messages"
)

// faultyAuthority fails the calls it has an error for.
type faultyAuthority struct {
	*ias.Simulated
	sigRLErr  error
	verifyErr error
}

func (a *faultyAuthority) GetSigRL(ctx context.Context, gid [4]byte) ([]byte, error) {
	if a.sigRLErr != nil {
		return nil, a.sigRLErr
	}
	return a.Simulated.GetSigRL(ctx, gid)
}

func (a *faultyAuthority) VerifyQuote(ctx context.Context, ev ias.Evidence) (*ias.Report, error) {
	if a.verifyErr != nil {
		return nil, a.verifyErr
	}
	return a.Simulated.VerifyQuote(ctx, ev)
}

type sessionFixture struct {
	sn      *Session
	enclave *sim.Enclave
	raCtx   uint32
	msg1    *messages.Msg1
}

func newSessionFixture(t *testing.T, auth ias.Authority, config *Configuration, simCfg sim.Config) *sessionFixture {
	t.Helper()
	require := require.New(t)

	sp, err := kex.GenerateKey()
	require.NoError(err)
	if config == nil {
		config = &Configuration{Spid: testSPID}
	}
	sm, err := NewSessionManager(config, WithAuthority(auth), WithLongTermKey(sp))
	require.NoError(err)

	simCfg.SPPublicKey = &sp.PublicKey
	e := sim.New(simCfg)
	raCtx, err := e.InitRA(false)
	require.NoError(err)
	msg1, err := e.GetMsg1(raCtx)
	require.NoError(err)

	sn := sm.newSession(sessionKey("conn", raCtx), raCtx, 0)
	t.Cleanup(sn.Close)
	return &sessionFixture{sn: sn, enclave: e, raCtx: raCtx, msg1: msg1}
}

// msg3 runs msg1 and msg2 through the session and the enclave.
func (f *sessionFixture) msg3(t *testing.T) *messages.Msg3 {
	t.Helper()
	msg2, err := f.sn.CreateMsg2(context.Background(), f.msg1)
	require.NoError(t, err)
	msg3, err := f.enclave.ProcMsg2(f.raCtx, msg2)
	require.NoError(t, err)
	return msg3
}

// remac recomputes the msg3 CMAC after a test changed its content.
func (f *sessionFixture) remac(t *testing.T, msg3 *messages.Msg3) {
	t.Helper()
	mac, err := kex.CMAC(f.sn.keys.SMK, msg3.MACInput())
	require.NoError(t, err)
	msg3.MAC = mac
}

func TestSessionEstablished(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	auth := ias.NewSimulated(ias.QuoteOK)
	f := newSessionFixture(t, auth, nil, sim.Config{})
	msg3 := f.msg3(t)

	res, err := f.sn.ProcessMsg3(context.Background(), msg3)
	require.NoError(err)

	assert.NoError(kex.VerifyCMAC(f.sn.keys.MK, res.MAC, res.MACInput()))
	assert.NoError(f.enclave.VerifyAttResultMAC(f.raCtx, res))
	secret, err := kex.Open(f.sn.keys.SK, res.Secret)
	require.NoError(err)
	assert.Equal(DefaultSecret, secret)

	assert.True(f.sn.Verdict().Authorized)
	assert.Equal(ias.QuoteOK, f.sn.Report().QuoteStatus)
	assert.Equal(messages.ResultOK, res.QuoteStatus)
	assert.Len(auth.Submitted()[0].Nonce, 32)

	// application data flows only after the enclave acknowledged
	_, err = f.sn.Seal([]byte("early"))
	assert.ErrorIs(err, ErrProtocol)
	require.True(f.sn.Acknowledge(messages.StateOK))

	sealed, err := f.sn.Seal([]byte("block"))
	require.NoError(err)
	plain, err := f.enclave.Open(f.raCtx, sealed)
	require.NoError(err)
	assert.Equal([]byte("block"), plain)

	sealed, err = f.enclave.Seal(f.raCtx, []byte("result"))
	require.NoError(err)
	plain, err = f.sn.Open(sealed)
	require.NoError(err)
	assert.Equal([]byte("result"), plain)

	sealed.Ciphertext[0] ^= 0x01
	_, err = f.sn.Open(sealed)
	assert.ErrorIs(err, ErrIntegrity)
}

func TestSessionProcessMsg3Errors(t *testing.T) {
	testCases := map[string]struct {
		auth       *faultyAuthority
		tamper     func(t *testing.T, f *sessionFixture, msg3 *messages.Msg3)
		wantStatus SPStatus
		wantErr    error
	}{
		"ga mismatch": {
			tamper: func(_ *testing.T, _ *sessionFixture, msg3 *messages.Msg3) {
				msg3.GA[0] ^= 0x01
			},
			wantStatus: SPIntegrityFailed,
			wantErr:    ErrIntegrity,
		},
		"bad mac": {
			tamper: func(_ *testing.T, _ *sessionFixture, msg3 *messages.Msg3) {
				msg3.MAC[15] ^= 0x80
			},
			wantStatus: SPIntegrityFailed,
			wantErr:    ErrIntegrity,
		},
		"report data does not bind the keys": {
			tamper: func(t *testing.T, f *sessionFixture, msg3 *messages.Msg3) {
				msg3.Quote = enclave.BuildQuote(enclave.QuoteFields{Signature: make([]byte, 16)})
				f.remac(t, msg3)
			},
			wantStatus: SPIntegrityFailed,
			wantErr:    ErrIntegrity,
		},
		"report data bit flip": {
			tamper: func(t *testing.T, f *sessionFixture, msg3 *messages.Msg3) {
				quote := enclave.Quote(msg3.Quote)
				rd := quote.ReportData()
				fields := enclave.QuoteFields{Signature: make([]byte, 16)}
				copy(fields.ReportData[:], rd[:])
				fields.ReportData[0] ^= 0x01
				msg3.Quote = enclave.BuildQuote(fields)
				f.remac(t, msg3)
			},
			wantStatus: SPIntegrityFailed,
			wantErr:    ErrIntegrity,
		},
		"truncated quote": {
			tamper: func(t *testing.T, f *sessionFixture, msg3 *messages.Msg3) {
				msg3.Quote = msg3.Quote[:100]
				f.remac(t, msg3)
			},
			wantStatus: SPQuoteVerificationFailed,
			wantErr:    ErrDecode,
		},
		"quote signature length mismatch": {
			tamper: func(t *testing.T, f *sessionFixture, msg3 *messages.Msg3) {
				msg3.Quote = msg3.Quote[:len(msg3.Quote)-1]
				f.remac(t, msg3)
			},
			wantStatus: SPQuoteVerificationFailed,
			wantErr:    ErrDecode,
		},
		"authority unreachable": {
			auth:       &faultyAuthority{verifyErr: ias.ErrRequest},
			wantStatus: SPIASFailed,
			wantErr:    ErrTransport,
		},
		"malformed report": {
			auth:       &faultyAuthority{verifyErr: ias.ErrMalformedReport},
			wantStatus: SPQuoteVerificationFailed,
			wantErr:    ErrDecode,
		},
		"report does not match the quote": {
			auth:       &faultyAuthority{verifyErr: ias.ErrInvalidReport},
			wantStatus: SPQuoteVerificationFailed,
			wantErr:    ErrIntegrity,
		},
		"bad report signature": {
			auth:       &faultyAuthority{verifyErr: ias.ErrReportSignature},
			wantStatus: SPQuoteVerificationFailed,
			wantErr:    ErrIntegrity,
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)

			auth := tc.auth
			if auth == nil {
				auth = &faultyAuthority{}
			}
			auth.Simulated = ias.NewSimulated(ias.QuoteOK)

			f := newSessionFixture(t, auth, nil, sim.Config{})
			msg3 := f.msg3(t)
			if tc.tamper != nil {
				tc.tamper(t, f, msg3)
			}

			res, err := f.sn.ProcessMsg3(context.Background(), msg3)
			assert.Nil(res)
			assert.Equal(tc.wantStatus, StatusOf(err))
			assert.ErrorIs(err, tc.wantErr)
			assert.Nil(f.sn.Report())
		})
	}
}

func TestSessionCreateMsg2Errors(t *testing.T) {
	assert := assert.New(t)

	sigRLErr := errors.New("sigrl unavailable")
	auth := &faultyAuthority{Simulated: ias.NewSimulated(ias.QuoteOK), sigRLErr: sigRLErr}
	f := newSessionFixture(t, auth, nil, sim.Config{})

	_, err := f.sn.CreateMsg2(context.Background(), f.msg1)
	assert.Equal(SPRetrieveSigRLError, StatusOf(err))
	assert.ErrorIs(err, sigRLErr)
	assert.ErrorIs(err, ErrTransport)

	f = newSessionFixture(t, ias.NewSimulated(ias.QuoteOK), nil, sim.Config{})
	bad := *f.msg1
	for i := range bad.GA {
		bad.GA[i] = 0x01
	}
	_, err = f.sn.CreateMsg2(context.Background(), &bad)
	assert.Equal(SPProtocolError, StatusOf(err))
	assert.ErrorIs(err, ErrDecode)

	bad = *f.msg1
	bad.ContextID++
	_, err = f.sn.CreateMsg2(context.Background(), &bad)
	assert.ErrorIs(err, ErrProtocol)
}

func TestSessionCarriesSigRL(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	auth := ias.NewSimulated(ias.QuoteOK)
	auth.SetSigRL([]byte{1, 2, 3, 4})
	f := newSessionFixture(t, auth, nil, sim.Config{})

	msg2, err := f.sn.CreateMsg2(context.Background(), f.msg1)
	require.NoError(err)
	assert.Equal([]byte{1, 2, 3, 4}, msg2.SigRL)
	assert.NoError(kex.VerifyCMAC(f.sn.keys.SMK, msg2.MAC, msg2.MACInput()))

	_, err = f.sn.CreateMsg2(context.Background(), f.msg1)
	assert.ErrorIs(err, ErrProtocol)
}

func TestSessionUntrustedGetsGarbage(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	f := newSessionFixture(t, ias.NewSimulated(ias.QuoteOK), &Configuration{Release: true}, sim.Config{Debug: true})
	res, err := f.sn.ProcessMsg3(context.Background(), f.msg3(t))
	require.NoError(err)

	v := f.sn.Verdict()
	assert.False(v.Authorized)
	assert.NotEmpty(v.Reason)
	assert.Equal(messages.ResultOK, res.QuoteStatus)
	assert.Len(res.Secret.Ciphertext, len(DefaultSecret))

	_, err = kex.Open(f.sn.keys.SK, res.Secret)
	assert.ErrorIs(err, kex.ErrDecrypt)
	_, err = f.enclave.VerifySecret(f.raCtx, res.Secret)
	assert.Error(err)

	assert.False(f.sn.Acknowledge(messages.StateOK))
	_, err = f.sn.Seal([]byte("data"))
	assert.ErrorIs(err, ErrProtocol)
}

func TestSessionMsg3Once(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	f := newSessionFixture(t, ias.NewSimulated(ias.QuoteOK), nil, sim.Config{})
	msg3 := f.msg3(t)

	_, err := f.sn.ProcessMsg3(context.Background(), msg3)
	require.NoError(err)
	_, err = f.sn.ProcessMsg3(context.Background(), msg3)
	assert.Equal(SPProtocolError, StatusOf(err))
	assert.ErrorIs(err, ErrProtocol)
}

func TestSessionMsg3BeforeMsg2(t *testing.T) {
	f := newSessionFixture(t, ias.NewSimulated(ias.QuoteOK), nil, sim.Config{})
	_, err := f.sn.ProcessMsg3(context.Background(), &messages.Msg3{ContextID: f.raCtx})
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestSessionClose(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	f := newSessionFixture(t, ias.NewSimulated(ias.QuoteOK), nil, sim.Config{})
	_, err := f.sn.ProcessMsg3(context.Background(), f.msg3(t))
	require.NoError(err)
	require.True(f.sn.Acknowledge(messages.StateOK))

	f.sn.Close()
	f.sn.Close()
	assert.True(f.sn.Closed())
	assert.Equal(kex.Keys{}, f.sn.keys)
	assert.Zero(f.sn.ephKey.D.Sign())

	_, err = f.sn.Seal([]byte("data"))
	assert.ErrorIs(err, ErrProtocol)
	_, err = f.sn.CreateMsg2(context.Background(), f.msg1)
	assert.ErrorIs(err, ErrProtocol)
}
