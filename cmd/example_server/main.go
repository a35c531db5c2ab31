package main

import (
	"context"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	sgx_ra "github.com/kwonalbert/sgx_ra"
	"github.com/kwonalbert/sgx_ra/framing"
	"github.com/kwonalbert/sgx_ra/transport/grpcstream"
)

var (
	configFlag = &cli.StringFlag{
		Name:  "config",
		Usage: "JSON or TOML configuration file",
		Value: "config.json",
	}
	addrFlag = &cli.StringFlag{
		Name:  "addr",
		Usage: "Address of the framed TCP listener",
		Value: ":50051",
	}
	grpcAddrFlag = &cli.StringFlag{
		Name:  "grpc.addr",
		Usage: "Address of the gRPC listener, disabled if empty",
	}
	tlsCertFlag = &cli.StringFlag{
		Name:  "tls.cert",
		Usage: "PEM encoded TLS certificate of the server",
	}
	tlsKeyFlag = &cli.StringFlag{
		Name:  "tls.key",
		Usage: "PEM encoded TLS private key of the server",
	}
	spidFlag = &cli.StringFlag{
		Name:  "spid",
		Usage: "File containing the hex encoded SPID, overrides the configuration",
	}
	subscriptionFlag = &cli.StringFlag{
		Name:  "subscription",
		Usage: "File containing the IAS subscription key, overrides the configuration",
	}
	metricsAddrFlag = &cli.StringFlag{
		Name:  "metrics.addr",
		Usage: "Address of the prometheus endpoint, disabled if empty",
	}
	verbosityFlag = &cli.IntFlag{
		Name:  "verbosity",
		Usage: "Logging verbosity: 0=silent, 1=error, 2=warn, 3=info, 4=debug, 5=trace",
		Value: 3,
	}
)

func main() {
	app := &cli.App{
		Name:  "example_server",
		Usage: "SGX remote attestation service provider",
		Flags: []cli.Flag{
			configFlag, addrFlag, grpcAddrFlag, tlsCertFlag, tlsKeyFlag,
			spidFlag, subscriptionFlag, metricsAddrFlag, verbosityFlag,
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger(verbosity int) zerolog.Logger {
	level := zerolog.Disabled
	if verbosity > 0 {
		level = zerolog.Level(4 - verbosity)
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).With().Timestamp().Logger()
}

func loadConfiguration(c *cli.Context) (*sgx_ra.Configuration, error) {
	config, err := sgx_ra.ReadConfiguration(c.String(configFlag.Name))
	if err != nil {
		return nil, err
	}
	if fn := c.String(spidFlag.Name); fn != "" {
		spid, err := sgx_ra.ReadSPID(fn)
		if err != nil {
			return nil, err
		}
		config.Spid = hex.EncodeToString(spid[:])
	}
	if fn := c.String(subscriptionFlag.Name); fn != "" {
		if config.Subscription, err = sgx_ra.ReadSubscription(fn); err != nil {
			return nil, err
		}
	}
	return config, nil
}

func run(c *cli.Context) error {
	log := newLogger(c.Int(verbosityFlag.Name))

	config, err := loadConfiguration(c)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	sm, err := sgx_ra.NewSessionManager(config,
		sgx_ra.WithLogger(log),
		sgx_ra.WithMetrics(sgx_ra.NewMetrics(reg)),
	)
	if err != nil {
		return err
	}
	srv := sgx_ra.NewServer(sm)

	certFile, keyFile := c.String(tlsCertFlag.Name), c.String(tlsKeyFlag.Name)
	useTLS := certFile != "" && keyFile != ""
	if !useTLS {
		log.Warn().Msg("No TLS certificate configured, serving in the clear")
	}

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	var tlsConfig *tls.Config
	if useTLS {
		if tlsConfig, err = framing.ServerTLSConfig(certFile, keyFile); err != nil {
			return err
		}
	}
	lis, err := framing.Listen(c.String(addrFlag.Name), tlsConfig)
	if err != nil {
		return err
	}
	log.Info().Stringer("addr", lis.Addr()).Bool("tls", useTLS).Msg("Serving framed connections")
	g.Go(func() error {
		return srv.Serve(ctx, lis)
	})

	if addr := c.String(grpcAddrFlag.Name); addr != "" {
		opts := []grpc.ServerOption{grpcstream.ServerOption()}
		if useTLS {
			creds, err := credentials.NewServerTLSFromFile(certFile, keyFile)
			if err != nil {
				return fmt.Errorf("could not parse the TLS certificates: %w", err)
			}
			opts = append(opts, grpc.Creds(creds))
		}
		gs := grpc.NewServer(opts...)
		grpcstream.RegisterAttestationServer(gs, grpcstream.NewService(srv))

		glis, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("could not listen on %s: %w", addr, err)
		}
		log.Info().Stringer("addr", glis.Addr()).Msg("Serving gRPC")
		g.Go(func() error {
			if err := gs.Serve(glis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			gs.GracefulStop()
			return nil
		})
	}

	if addr := c.String(metricsAddrFlag.Name); addr != "" {
		ms := &http.Server{
			Addr:              addr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 10 * time.Second,
		}
		log.Info().Str("addr", addr).Msg("Serving metrics")
		g.Go(func() error {
			if err := ms.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return ms.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	log.Info().Msg("Server stopped")
	return err
}
