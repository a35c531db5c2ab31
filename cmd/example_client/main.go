package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	sgx_ra "github.com/kwonalbert/sgx_ra"
	"github.com/kwonalbert/sgx_ra/enclave"
	"github.com/kwonalbert/sgx_ra/enclave/sim"
	"github.com/kwonalbert/sgx_ra/framing"
	"github.com/kwonalbert/sgx_ra/kex"
	"github.com/kwonalbert/sgx_ra/transport/grpcstream"
)

var (
	addrFlag = &cli.StringFlag{
		Name:  "addr",
		Usage: "Address of the service provider",
		Value: "localhost:50051",
	}
	grpcFlag = &cli.BoolFlag{
		Name:  "grpc",
		Usage: "Connect over gRPC instead of framed TCP",
	}
	caFlag = &cli.StringFlag{
		Name:  "tls.ca",
		Usage: "PEM encoded certificates trusted for the server, plain TCP if empty",
	}
	serverNameFlag = &cli.StringFlag{
		Name:  "tls.servername",
		Usage: "Expected server name in the TLS certificate",
		Value: "localhost",
	}
	spKeyFlag = &cli.StringFlag{
		Name:  "sp.key",
		Usage: "PEM encoded long-term public key of the service provider",
	}
	mrenclaveFlag = &cli.StringFlag{
		Name:  "mrenclave",
		Usage: "Hex encoded MRENCLAVE of the simulated enclave",
	}
	debugFlag = &cli.BoolFlag{
		Name:  "debug",
		Usage: "Mark the simulated enclave as a debug enclave",
	}
	pseFlag = &cli.BoolFlag{
		Name:  "pse",
		Usage: "Include platform service security properties in msg3",
	}
	timeoutFlag = &cli.DurationFlag{
		Name:  "timeout",
		Usage: "Read timeout per message",
		Value: time.Minute,
	}
	verbosityFlag = &cli.IntFlag{
		Name:  "verbosity",
		Usage: "Logging verbosity: 0=silent, 1=error, 2=warn, 3=info, 4=debug, 5=trace",
		Value: 3,
	}
)

func main() {
	app := &cli.App{
		Name:  "example_client",
		Usage: "Attest a simulated enclave to a service provider",
		Flags: []cli.Flag{
			addrFlag, grpcFlag, caFlag, serverNameFlag, spKeyFlag,
			mrenclaveFlag, debugFlag, pseFlag, timeoutFlag, verbosityFlag,
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newEnclave(c *cli.Context) (*sim.Enclave, error) {
	cfg := sim.Config{Debug: c.Bool(debugFlag.Name)}

	if fn := c.String(spKeyFlag.Name); fn != "" {
		pemEncoded, err := os.ReadFile(fn)
		if err != nil {
			return nil, fmt.Errorf("reading service provider key: %w", err)
		}
		if cfg.SPPublicKey, err = kex.ParsePublicKey(pemEncoded); err != nil {
			return nil, err
		}
	}

	if mhex := c.String(mrenclaveFlag.Name); mhex != "" {
		mr, err := hex.DecodeString(mhex)
		if err != nil {
			return nil, fmt.Errorf("parsing hex mrenclave: %w", err)
		}
		if len(mr) != enclave.MeasurementSize {
			return nil, fmt.Errorf("mrenclave should be %d bytes, but instead got %d", enclave.MeasurementSize, len(mr))
		}
		copy(cfg.MREnclave[:], mr)
	}
	return sim.New(cfg), nil
}

func dial(ctx context.Context, c *cli.Context) (framing.Conn, func(), error) {
	addr := c.String(addrFlag.Name)
	tlsConfig, err := framing.ClientTLSConfig(c.String(caFlag.Name), c.String(serverNameFlag.Name))
	if err != nil {
		return nil, nil, err
	}
	if c.String(caFlag.Name) == "" {
		tlsConfig = nil
	}

	if !c.Bool(grpcFlag.Name) {
		conn, err := framing.Dial(ctx, addr, tlsConfig, 0)
		if err != nil {
			return nil, nil, err
		}
		return conn, func() {}, nil
	}

	creds := insecure.NewCredentials()
	if tlsConfig != nil {
		creds = credentials.NewTLS(tlsConfig)
	}
	cc, err := grpc.DialContext(ctx, addr, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, nil, fmt.Errorf("dialing %s: %w", addr, err)
	}
	conn, err := grpcstream.Dial(ctx, cc)
	if err != nil {
		cc.Close()
		return nil, nil, err
	}
	return conn, func() { cc.Close() }, nil
}

func run(c *cli.Context) error {
	level := zerolog.Disabled
	if v := c.Int(verbosityFlag.Name); v > 0 {
		level = zerolog.Level(4 - v)
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).With().Timestamp().Logger()

	e, err := newEnclave(c)
	if err != nil {
		return err
	}
	if c.String(spKeyFlag.Name) == "" {
		log.Warn().Msg("No service provider key given, msg2 signatures are not checked")
	}

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conn, cleanup, err := dial(ctx, c)
	if err != nil {
		return err
	}
	defer cleanup()

	sink := &sgx_ra.BufferSink{}
	i := sgx_ra.NewInitiator(e,
		sgx_ra.WithSink(sink),
		sgx_ra.WithPSE(c.Bool(pseFlag.Name)),
		sgx_ra.WithInitiatorLogger(log),
	)
	if err := sgx_ra.Serve(ctx, conn, i, c.Duration(timeoutFlag.Name)); err != nil {
		return fmt.Errorf("attestation failed in phase %s: %w", i.Phase(), err)
	}

	log.Info().
		Str("secret", hex.EncodeToString(i.Secret())).
		Bool("warning", i.Warning()).
		Int("blocks", len(sink.Blocks())).
		Msg("Attestation complete")
	return nil
}
