// Package app wires together every collaborator described by
// internal/config.Config into a running process: the admin HTTP surface
// in "admin" mode, the queue-polling worker loop (plus the same admin
// surface for health/metrics) in "worker" mode, or a one-shot enqueue of
// the sample jobs in "seed" mode. It mirrors the teacher's
// app.Run entry point: build the ambient stack first (logger, tracer,
// postgres pool, redis client, migrations, metrics registry), then branch
// on mode.
package app

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/netauto/fleetctl/internal/config"
	"github.com/netauto/fleetctl/internal/httpserver"
	"github.com/netauto/fleetctl/internal/platform"
	"github.com/netauto/fleetctl/internal/seed"
	"github.com/netauto/fleetctl/internal/telemetry"
	"github.com/netauto/fleetctl/pkg/approval"
	"github.com/netauto/fleetctl/pkg/audit"
	"github.com/netauto/fleetctl/pkg/credential"
	"github.com/netauto/fleetctl/pkg/driver"
	"github.com/netauto/fleetctl/pkg/driver/httpapi"
	"github.com/netauto/fleetctl/pkg/driver/netconf"
	"github.com/netauto/fleetctl/pkg/driver/sshcli"
	"github.com/netauto/fleetctl/pkg/engine"
	"github.com/netauto/fleetctl/pkg/inventory"
	"github.com/netauto/fleetctl/pkg/job"
	"github.com/netauto/fleetctl/pkg/queue"
	"github.com/netauto/fleetctl/pkg/store"
	"github.com/netauto/fleetctl/pkg/worker"
)

// Run loads every collaborator from cfg and blocks until ctx is cancelled
// or a fatal error occurs.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting fleetctl", "mode", cfg.Mode, "listen", cfg.ListenAddr())

	shutdownTracer, err := telemetry.InitTracer(ctx, cfg.OTLPEndpoint, "fleetctl", "dev")
	if err != nil {
		return fmt.Errorf("initializing tracer: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Error("shutting down tracer", "error", err)
		}
	}()

	pool, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to postgres: %w", err)
	}
	defer pool.Close()

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("migrations applied")

	metricsReg := telemetry.NewMetricsRegistry(telemetry.All()...)

	registry, err := buildDriverRegistry(cfg)
	if err != nil {
		return fmt.Errorf("building driver registry: %w", err)
	}

	resolver, auditWriter := buildCredentialResolver(cfg, pool, logger)
	auditWriter.Start(ctx)
	defer auditWriter.Close()

	inv, err := seed.LoadInventory(cfg.InventoryFile)
	if err != nil {
		return fmt.Errorf("loading inventory: %w", err)
	}

	sink := buildStore(cfg, pool, logger)
	approvals := buildApprovalChecker(cfg, pool)
	q, signer, err := buildQueue(cfg, rdb)
	if err != nil {
		return fmt.Errorf("building queue: %w", err)
	}

	eng := engine.New(registry, logger)

	switch cfg.Mode {
	case "worker":
		return runWorker(ctx, cfg, logger, pool, rdb, metricsReg, eng, inv, resolver, approvals, sink, q, signer)
	case "admin":
		return runAdmin(ctx, cfg, logger, pool, rdb, metricsReg, sink)
	case "seed":
		return seed.EnqueueSampleJobs(ctx, q, signer, logger)
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

// buildDriverRegistry constructs one instance of every registered vendor
// driver, each sized from cfg's timeout toggles. The HTTP/JSON family
// always verifies the server certificate. For NX-OS and eAPI a configured
// TrustBundle is loaded as the root pool, otherwise the host's system
// trust store is used; the Meraki driver is not given the bundle and
// always verifies against the system trust store. InsecureSkipVerify is
// never set from config alone.
func buildDriverRegistry(cfg *config.Config) (*driver.Registry, error) {
	sshTimeouts := sshcli.Timeouts{Connect: cfg.SSHTimeout(), Command: cfg.SSHTimeout()}
	netconfTimeouts := netconf.Timeouts{Connect: cfg.SSHTimeout(), RPC: cfg.SSHTimeout()}
	httpTimeouts := httpapi.Timeouts{Connect: cfg.HTTPTimeout(), Request: cfg.HTTPTimeout()}

	tlsCfg, err := buildHTTPTLSConfig(cfg.TrustBundle)
	if err != nil {
		return nil, fmt.Errorf("loading trust bundle: %w", err)
	}

	return driver.NewRegistry(
		sshcli.NewCiscoIOS(sshTimeouts),
		sshcli.NewAristaEOS(sshTimeouts),
		sshcli.NewGeneric(sshcli.Profile{}, sshTimeouts),
		netconf.NewJuniperNetconf(netconfTimeouts),
		httpapi.NewNXOS(tlsCfg, httpTimeouts),
		httpapi.NewEAPI(tlsCfg, httpTimeouts),
		httpapi.NewMeraki("https://api.meraki.com/api/v1", httpTimeouts),
	), nil
}

// buildHTTPTLSConfig loads trustBundlePath (a PEM file of root CA
// certificates) into an x509.CertPool for the HTTP/JSON driver family. An
// empty path leaves RootCAs nil, which makes Go's tls package verify
// against the host's system trust store — never InsecureSkipVerify.
func buildHTTPTLSConfig(trustBundlePath string) (httpapi.TLSConfig, error) {
	if trustBundlePath == "" {
		return httpapi.TLSConfig{}, nil
	}

	pem, err := os.ReadFile(trustBundlePath)
	if err != nil {
		return httpapi.TLSConfig{}, fmt.Errorf("reading trust bundle %q: %w", trustBundlePath, err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return httpapi.TLSConfig{}, fmt.Errorf("trust bundle %q contains no usable PEM certificates", trustBundlePath)
	}

	return httpapi.TLSConfig{RootCAs: pool}, nil
}

// buildCredentialResolver wires the encrypted-file secret store (the sole
// store a headless worker host has available, since there is no OS
// keychain session to fall back to) behind the shared resolver, with the
// postgres-backed audit writer as its audit sink.
func buildCredentialResolver(cfg *config.Config, pool *pgxpool.Pool, logger *slog.Logger) (*credential.Resolver, *audit.Writer) {
	master := credential.NewStaticMasterSecret(cfg.KeyringMasterSecret)
	fileStore := credential.NewFileStore(cfg.KeyringFile, master)
	auditWriter := audit.NewWriter(pool, logger)
	resolver := credential.NewResolver(fileStore, nil, auditWriter, logger)
	return resolver, auditWriter
}

func buildStore(cfg *config.Config, pool *pgxpool.Pool, logger *slog.Logger) store.Sink {
	if cfg.StoreDriver == "memory" {
		return store.NewMemory()
	}
	return store.NewPostgres(pool, logger)
}

func buildApprovalChecker(cfg *config.Config, pool *pgxpool.Pool) job.ApprovalChecker {
	if cfg.ApprovalDriver == "memory" {
		return approval.NewStatic()
	}
	return approval.NewPostgres(pool)
}

// buildQueue returns the configured Queue implementation and, when
// QueueEnvelopeSecret is set, an EnvelopeSigner the worker loop uses to
// verify each dequeued item's provenance before executing it.
func buildQueue(cfg *config.Config, rdb *redis.Client) (queue.Queue, *queue.EnvelopeSigner, error) {
	var q queue.Queue
	if cfg.QueueDriver == "memory" {
		q = queue.NewMemory(cfg.QueueMaxAttempts)
	} else {
		q = queue.NewRedis(rdb, cfg.QueueKeyPrefix, cfg.QueueMaxAttempts)
	}

	if cfg.QueueEnvelopeSecret == "" {
		return q, nil, nil
	}
	signer, err := queue.NewEnvelopeSigner(cfg.QueueEnvelopeSecret)
	if err != nil {
		return nil, nil, fmt.Errorf("building envelope signer: %w", err)
	}
	return q, signer, nil
}

func runWorker(
	ctx context.Context,
	cfg *config.Config,
	logger *slog.Logger,
	pool *pgxpool.Pool,
	rdb *redis.Client,
	metricsReg *prometheus.Registry,
	eng *engine.Engine,
	inv *inventory.Static,
	resolver *credential.Resolver,
	approvals job.ApprovalChecker,
	sink store.Sink,
	q queue.Queue,
	signer *queue.EnvelopeSigner,
) error {
	workerCfg := worker.Config{
		VisibilityTimeout: cfg.QueueVisibilityTimeout(),
		PollInterval:      cfg.QueuePollInterval(),
		NackBackoff:       5 * time.Second,
	}
	loop := worker.New(q, eng, inv, resolver, approvals, sink, logger, workerCfg, signer)

	srv := httpserver.NewServer(httpserver.ServerConfig{CORSAllowedOrigins: cfg.CORSAllowedOrigins}, logger, pool, rdb, metricsReg, sink)
	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("admin http server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
			return
		}
		close(errCh)
	}()

	loopErrCh := make(chan error, 1)
	go func() {
		loopErrCh <- loop.Run(ctx)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down worker")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutting down admin http server", "error", err)
		}
		<-loopErrCh
		return nil
	case err := <-errCh:
		return err
	case err := <-loopErrCh:
		return err
	}
}

func runAdmin(
	ctx context.Context,
	cfg *config.Config,
	logger *slog.Logger,
	pool *pgxpool.Pool,
	rdb *redis.Client,
	metricsReg *prometheus.Registry,
	sink store.Sink,
) error {
	srv := httpserver.NewServer(httpserver.ServerConfig{CORSAllowedOrigins: cfg.CORSAllowedOrigins}, logger, pool, rdb, metricsReg, sink)
	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("admin http server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
			return
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down admin server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
