package runner

import (
	"context"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/core-tools/hsu-dynsidecar/pkg/config"
	"github.com/core-tools/hsu-dynsidecar/pkg/errors"
	"github.com/core-tools/hsu-dynsidecar/pkg/logging"
)

// LoadAndValidate reads the configuration file and checks it
func LoadAndValidate(configFile string) (*config.Config, error) {
	cfg, err := config.LoadConfigFromFile(configFile)
	if err != nil {
		return nil, errors.NewIOError("failed to load configuration", err).WithContext("config_file", configFile)
	}
	if err := config.ValidateConfig(cfg); err != nil {
		return nil, errors.NewValidationError("configuration validation failed", err).WithContext("config_file", configFile)
	}
	return cfg, nil
}

// Run starts the control plane and blocks until a termination signal or runDuration seconds, if positive
func Run(runDuration int, configFile string) error {
	cfg, err := LoadAndValidate(configFile)
	if err != nil {
		return err
	}

	backend, err := logging.NewZapBackend(cfg.ZapConfig())
	if err != nil {
		return errors.NewValidationError("failed to create logger", err)
	}
	defer func() {
		_ = backend.Sync()
	}()
	logger := backend.Logger(logging.ModulePrefix("runner"))

	logger.Infof("Runner starting...")
	logger.Infof("Using CONFIGURATION FILE: %s", configFile)
	logger.Infof("Control port: %d, metrics port: %d, stack: %s",
		cfg.Server.ControlPort, cfg.Server.MetricsPort, cfg.Sidecar.SwarmStackName)

	ctx := context.Background()
	if runDuration > 0 {
		duration := time.Duration(runDuration) * time.Second
		logger.Infof("Using RUN DURATION of %s", duration)
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}

	controller, err := NewController(cfg, backend)
	if err != nil {
		return errors.NewInternalError("failed to create controller", err)
	}
	if err := controller.Start(ctx); err != nil {
		_ = controller.Stop(context.Background())
		return errors.NewInternalError("failed to start controller", err)
	}

	sig := make(chan os.Signal, 1)
	if runtime.GOOS == "windows" {
		signal.Notify(sig)
	} else {
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	}
	defer signal.Stop(sig)

	logger.Infof("Control plane is ready")

	select {
	case receivedSignal := <-sig:
		logger.Infof("Runner received signal: %v", receivedSignal)
	case <-ctx.Done():
		logger.Infof("Runner timed out")
	}

	// Reset context to background to enable graceful shutdown
	if err := controller.Stop(context.Background()); err != nil {
		logger.Errorf("Runner stopped with errors: %v", err)
		return err
	}

	logger.Infof("Runner stopped")
	return nil
}
