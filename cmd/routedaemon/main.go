// cmd/routedaemon is the daemon's process entry point: it loads and
// validates configuration, wires every collaborator together, runs the
// startup connectivity self-tests, and blocks in the control loop until
// SIGINT/SIGTERM.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mancow2001/mt-gcp-router-management/internal/actuation"
	"github.com/mancow2001/mt-gcp-router-management/internal/actuator"
	"github.com/mancow2001/mt-gcp-router-management/internal/adminhttp"
	"github.com/mancow2001/mt-gcp-router-management/internal/cloudflare"
	"github.com/mancow2001/mt-gcp-router-management/internal/config"
	"github.com/mancow2001/mt-gcp-router-management/internal/controlloop"
	"github.com/mancow2001/mt-gcp-router-management/internal/events"
	"github.com/mancow2001/mt-gcp-router-management/internal/gcpmonitor"
	"github.com/mancow2001/mt-gcp-router-management/internal/health"
	"github.com/mancow2001/mt-gcp-router-management/internal/resilience"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

func main() {
	cfg, errs := config.Load()
	if len(errs) > 0 {
		logger, _ := zap.NewProduction()
		for _, e := range errs {
			logger.Error("configuration error", zap.Error(e))
		}
		_ = logger.Sync()
		os.Exit(1)
	}

	logger := buildLogger(cfg.Logging)
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	}()

	breakers := resilience.NewRegistry(logger)
	bus := events.NewInMemoryBus(256)
	bus.Subscribe(func(_ context.Context, ev events.Event) {
		// Bus fan-out for future subscribers (e.g. an alerting sink); the
		// emitter itself already logs every event, so this handler is a
		// placeholder for the recent-events admin surface.
		_ = ev
	})

	tokenSource, err := gcpAuth(cfg.GCPAuth)
	if err != nil {
		logger.Error("gcp authentication setup failed", zap.Error(err))
		os.Exit(1)
	}

	gcpClient := gcpmonitor.NewClient(cfg.Topology.GCPProject, tokenSource, gcpmonitor.WithLogger(logger))
	cfClient := cloudflare.NewClient(cfg.Topology.CloudflareAccountID, cfg.Topology.CloudflareAPIToken, cloudflare.WithLogger(logger))

	startupEmit := events.NewEmitter(bus, logger, events.NewCorrelationID(time.Now()))
	if !runStartupSelfTests(ctx, startupEmit, gcpClient, cfClient, cfg.Topology) {
		logger.Error("startup connectivity self-tests failed, refusing to start")
		os.Exit(1)
	}

	healthPolicy := resilience.NewPolicy(cfg.Retry.MaxRetriesHealthCheck, cfg.Retry.InitialBackoff, cfg.Retry.MaxBackoff, 2, resilience.WithPolicyLogger(logger))
	bgpPolicy := resilience.NewPolicy(cfg.Retry.MaxRetriesBGPCheck, cfg.Retry.InitialBackoff, cfg.Retry.MaxBackoff, 2, resilience.WithPolicyLogger(logger))
	advertisePolicy := resilience.NewPolicy(cfg.Retry.MaxRetriesBGPUpdate, cfg.Retry.InitialBackoff, cfg.Retry.MaxBackoff, 2, resilience.WithPolicyLogger(logger))
	priorityPolicy := resilience.NewPolicy(cfg.Retry.MaxRetriesCloudflare, cfg.Retry.InitialBackoff, cfg.Retry.MaxBackoff, 2, resilience.WithPolicyLogger(logger))

	actuationEmit := events.NewEmitter(bus, logger, "")
	act := actuator.New(gcpClient, cfClient, breakers, cfg.Breaker.Threshold, cfg.Breaker.OpenTimeout,
		advertisePolicy, priorityPolicy, cfg.Timeouts.GCPBGPOperation, actuationEmit,
		actuator.WithPassiveMode(cfg.RunPassive), actuator.WithLogger(logger))

	targets := actuator.Targets{
		LocalRegion:          cfg.Topology.LocalBGPRegion,
		LocalRouter:          cfg.Topology.LocalBGPRouter,
		PrimaryPrefix:        cfg.Topology.PrimaryPrefix,
		RemoteRegion:         cfg.Topology.RemoteBGPRegion,
		RemoteRouter:         cfg.Topology.RemoteBGPRouter,
		SecondaryPrefix:      cfg.Topology.SecondaryPrefix,
		DescriptionSubstring: cfg.Topology.DescriptionSubstring,
		PrimaryPriority:      cfg.Topology.CloudflarePrimaryPriority,
		SecondaryPriority:    cfg.Topology.CloudflareSecondaryPriority,
	}

	mode := health.Symmetric
	if cfg.Hysteresis.Asymmetric {
		mode = health.Asymmetric
	}
	localHyst := health.NewHysteresis(cfg.Hysteresis.Window, cfg.Hysteresis.Threshold, mode)
	remoteHyst := health.NewHysteresis(cfg.Hysteresis.Window, cfg.Hysteresis.Threshold, mode)
	bgpHyst := health.NewHysteresis(cfg.Hysteresis.Window, cfg.Hysteresis.Threshold, mode)

	verification := health.NewVerification(map[int]int{
		2: cfg.Verification.State2Threshold,
		3: cfg.Verification.State3Threshold,
		4: cfg.Verification.State4Threshold,
	})
	dwell := health.NewDwell(cfg.Dwell.MinDwellTime, health.WithExceptionStates(cfg.Dwell.ExceptionStates))

	loopCfg := controlloop.Config{
		CheckInterval:        cfg.CheckInterval,
		MaxConsecutiveErrors: cfg.MaxConsecutiveErrors,
		BreakerThreshold:     cfg.Breaker.Threshold,
		BreakerTimeout:       cfg.Breaker.OpenTimeout,
		BackendTimeout:       cfg.Timeouts.GCPBackendHealth,
		BGPTimeout:           cfg.Timeouts.GCPBGPOperation,
		LocalRegion:          cfg.Topology.LocalGCPRegion,
		RemoteRegion:         cfg.Topology.RemoteGCPRegion,
		BGPTarget: controlloop.BGPTarget{
			Region: cfg.Topology.LocalBGPRegion,
			Router: cfg.Topology.LocalBGPRouter,
		},
	}
	loop := controlloop.New(loopCfg, gcpClient, gcpClient, localHyst, remoteHyst, bgpHyst,
		verification, dwell, breakers, healthPolicy, bgpPolicy, act, targets, bus, logger)

	admin := adminhttp.New(cfg.AdminAddr, logger)
	go func() {
		if err := admin.ListenAndServe(); err != nil {
			logger.Error("admin http server stopped unexpectedly", zap.Error(err))
		}
	}()
	admin.MarkReady()
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = admin.Shutdown(shutdownCtx)
	}()

	logger.Info("control loop starting",
		zap.Duration("check_interval", cfg.CheckInterval),
		zap.Bool("passive", cfg.RunPassive))

	if err := loop.Run(ctx); err != nil {
		logger.Error("control loop exited with error", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("control loop stopped cleanly")
}

func buildLogger(cfg config.LoggingConfig) *zap.Logger {
	var zcfg zap.Config
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}

	level := zap.NewAtomicLevel()
	_ = level.UnmarshalText([]byte(cfg.Level))
	zcfg.Level = level

	logger, err := zcfg.Build()
	if err != nil {
		logger = zap.NewNop()
	}
	return logger
}

// gcpAuth builds the oauth2.TokenSource per cfg, which config.Load has
// already validated to carry exactly one of the two auth modes.
func gcpAuth(cfg config.GCPAuthConfig) (oauth2.TokenSource, error) {
	if cfg.UseWorkloadIdentity {
		return gcpmonitor.NewWorkloadIdentityTokenSource(), nil
	}
	return gcpmonitor.NewServiceAccountTokenSource(cfg.CredentialsFile, http.DefaultClient)
}

func resultFromErr(err error) actuation.Result {
	if err != nil {
		return actuation.Failure
	}
	return actuation.Success
}

// runStartupSelfTests probes each external service once before the control
// loop starts, matching daemon.py's startup() gate: a hard failure here
// (a permanent error, or the connectivity check itself erroring) refuses
// to start the daemon rather than spin against a broken environment from
// tick one. It reports false if any self-test failed.
func runStartupSelfTests(ctx context.Context, emit *events.Emitter, gcp *gcpmonitor.Client, cf *cloudflare.Client, topo config.TopologyConfig) bool {
	ok := true

	localCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	_, err := gcp.ProbeBackends(localCtx, topo.LocalGCPRegion)
	cancel()
	emit.ConnectivityTest(ctx, "gcp_health", resultFromErr(err), err)
	ok = ok && err == nil

	bgpCtx, bgpCancel := context.WithTimeout(ctx, 30*time.Second)
	_, bgpErr := gcp.ProbeBGP(bgpCtx, topo.LocalBGPRegion, topo.LocalBGPRouter)
	bgpCancel()
	emit.ConnectivityTest(ctx, "gcp_bgp", resultFromErr(bgpErr), bgpErr)
	ok = ok && bgpErr == nil

	cfCtx, cfCancel := context.WithTimeout(ctx, 30*time.Second)
	cfErr := cf.VerifyConnectivity(cfCtx)
	cfCancel()
	emit.ConnectivityTest(ctx, "cloudflare", resultFromErr(cfErr), cfErr)
	ok = ok && cfErr == nil

	return ok
}
