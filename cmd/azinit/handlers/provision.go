// Package handlers implements the business logic for CLI commands.
//
// Handlers are framework-agnostic and can be tested independently of the
// CLI framework.
package handlers

import (
	"context"
	"fmt"
	"os"

	"github.com/go-logr/logr"
	"github.com/go-logr/logr/funcr"

	"github.com/imamik/azinit/internal/config"
	"github.com/imamik/azinit/internal/kvp"
	"github.com/imamik/azinit/internal/platform/imds"
	"github.com/imamik/azinit/internal/platform/wireserver"
	"github.com/imamik/azinit/internal/provisioning"
	"github.com/imamik/azinit/internal/provisioning/backends"
	"github.com/imamik/azinit/internal/telemetry"
)

// Factory function variables - can be replaced in tests for dependency injection.
var (
	// loadConfig resolves the layered configuration.
	loadConfig = config.Load

	// newRunner creates the system command runner.
	newRunner = backends.NewRunner

	// newMetadataClient creates the IMDS client.
	newMetadataClient = func(cfg config.IMDS, logger logr.Logger) provisioning.MetadataClient {
		return imds.NewClient(cfg, logger)
	}

	// newHealthClient creates the wireserver client.
	newHealthClient = func(cfg config.Wireserver, logger logr.Logger) provisioning.HealthClient {
		return wireserver.NewClient(cfg, logger)
	}

	// kvpPoolPath locates the Hyper-V KVP pool file.
	kvpPoolPath = kvp.DefaultPoolPath
)

// newLogger builds the agent's logger. Output goes to stderr so it lands in
// the journal when run under systemd.
func newLogger() logr.Logger {
	return funcr.New(func(prefix, args string) {
		if prefix != "" {
			fmt.Fprintln(os.Stderr, prefix, args)
		} else {
			fmt.Fprintln(os.Stderr, args)
		}
	}, funcr.Options{})
}

// Provision runs one provisioning pass: load configuration, assemble the
// clients and observers, and hand off to the engine. The returned error is
// the process outcome; an already-provisioned instance returns nil.
func Provision(ctx context.Context, configPath, agentVersion string) error {
	logger := newLogger()

	cfg, err := loadConfig(logger, configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	observers := []provisioning.Observer{provisioning.NewConsoleObserver()}

	if cfg.Telemetry.KvpDiagnostics {
		agent := fmt.Sprintf("azinit-%s", agentVersion)
		observers = append(observers,
			provisioning.NewKvpObserver(kvp.NewWriter(kvpPoolPath), agent, logger))
	}

	tracer, err := telemetry.NewStdoutTracer(os.Stderr, agentVersion)
	if err != nil {
		// Tracing is diagnostics only; provision without it.
		logger.Error(err, "initializing tracing")
	} else {
		spans := telemetry.NewSpanObserver(ctx, tracer)
		defer func() {
			spans.Close()
			if err := tracer.Shutdown(context.Background()); err != nil {
				logger.Error(err, "shutting down tracing")
			}
		}()
		observers = append(observers, spans)
	}

	engine := &provisioning.Engine{
		Config:     cfg,
		Logger:     logger,
		Observer:   provisioning.NewMultiObserver(observers...),
		Runner:     newRunner(),
		IMDS:       newMetadataClient(cfg.IMDS, logger),
		Wireserver: newHealthClient(cfg.Wireserver, logger),
	}
	return engine.Run(ctx)
}
