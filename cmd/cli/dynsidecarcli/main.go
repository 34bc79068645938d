package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/core-tools/hsu-dynsidecar/pkg/config"
	"github.com/core-tools/hsu-dynsidecar/pkg/control"
	"github.com/core-tools/hsu-dynsidecar/pkg/domain"
	"github.com/core-tools/hsu-dynsidecar/pkg/logging"
	"github.com/core-tools/hsu-dynsidecar/pkg/retry"

	flags "github.com/jessevdk/go-flags"
)

type flagOptions struct {
	Host     string        `long:"host" default:"127.0.0.1" description:"control plane host"`
	Port     int           `long:"port" description:"control plane gRPC port"`
	NodeUUID []string      `long:"node-uuid" description:"dynamic service to query, repeatable"`
	Wait     time.Duration `long:"wait" default:"10s" description:"how long to wait for the control plane to be ready"`
	Verbose  bool          `long:"verbose" description:"enable debug logging"`
}

func main() {
	var opts flagOptions
	var argv []string = os.Args[1:]
	var parser = flags.NewParser(&opts, flags.HelpFlag)
	var err error
	_, err = parser.ParseArgs(argv)
	if err != nil {
		fmt.Printf("Command line flags parsing failed: %v", err)
		os.Exit(1)
	}

	if opts.Port == 0 {
		opts.Port = config.DefaultControlPort
	}

	zapConfig := logging.DefaultZapConfig()
	zapConfig.Format = "console"
	zapConfig.Stacktrace = false
	if opts.Verbose {
		zapConfig.Level = "debug"
	}
	backend, err := logging.NewZapBackend(zapConfig)
	if err != nil {
		fmt.Printf("Failed to create logger: %v", err)
		os.Exit(1)
	}
	defer func() {
		_ = backend.Sync()
	}()
	logger := backend.Logger(logging.ModulePrefix("dynsidecar-client"))

	logger.Debugf("opts: %+v", opts)

	conn, err := control.Dial(opts.Host, opts.Port)
	if err != nil {
		logger.Errorf("Failed to connect: %v", err)
		os.Exit(1)
	}
	defer conn.Close()

	var gateway domain.Contract = control.NewGRPCClientGateway(conn, logger)

	ctx := context.Background()

	err = gateway.WaitReady(ctx, retry.Options{
		Interval: 1 * time.Second,
		Deadline: opts.Wait,
	})
	if err != nil {
		logger.Errorf("Control plane is not ready: %v", err)
		os.Exit(1)
	}
	logger.Infof("Control plane is ready, address: %s:%d", opts.Host, opts.Port)

	failed := false
	for _, nodeUUID := range opts.NodeUUID {
		status, err := gateway.Status(ctx, nodeUUID)
		if err != nil {
			logger.Errorf("Failed to get status, node_uuid: %s, error: %v", nodeUUID, err)
			failed = true
			continue
		}
		fmt.Printf("%s\t%s\n", nodeUUID, status)
	}
	if failed {
		os.Exit(1)
	}
}
