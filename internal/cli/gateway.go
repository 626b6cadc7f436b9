package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"github.com/danielpatrickdp/enzyme-grpo/internal/cluster"
	"github.com/danielpatrickdp/enzyme-grpo/internal/predictor"
	"github.com/danielpatrickdp/enzyme-grpo/internal/scorecache"
)

// GatewayOptions holds flags for the gateway command.
type GatewayOptions struct {
	*RootOptions
	Listen   string
	Upstream string
}

// NewGatewayCommand creates the gateway command.
func NewGatewayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &GatewayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Serve the stability predictor to all ranks, one request at a time",
		Long: `Start the predictor gateway. Every training rank sends its predictions here;
the gateway forwards them one at a time to the model process on the scorer
device and releases the device's scratch memory after each request.

Predicted scores are cached in badger under services.score_cache_dir, or in
memory when it is empty.

Examples:
  grpo gateway --config run.yaml
  grpo gateway --listen :50071 --upstream localhost:50081`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGateway(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "", "listen address (overrides services.gateway_listen)")
	cmd.Flags().StringVar(&opts.Upstream, "upstream", "", "model process address (overrides services.upstream_addr)")

	return cmd
}

func runGateway(opts *GatewayOptions, cmd *cobra.Command) error {
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}
	if opts.Listen != "" {
		cfg.Services.GatewayListen = opts.Listen
	}
	if opts.Upstream != "" {
		cfg.Services.UpstreamAddr = opts.Upstream
	}
	logger := newLogger(cmd.ErrOrStderr(), cfg.Log.Level, opts.Verbose, cluster.RoleCoordinator)
	device := cfg.Topology().Scorer()

	upstream, err := predictor.NewClient(cfg.Services.UpstreamAddr)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to connect to upstream predictor", err)
	}
	defer upstream.Close()

	cache, err := scorecache.Open(cfg.Services.ScoreCacheDir)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open score cache", err)
	}
	defer func() {
		if cerr := cache.Close(); cerr != nil {
			logger.Error("error closing score cache", "error", cerr)
		}
	}()

	lis, err := net.Listen("tcp", cfg.Services.GatewayListen)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}

	gs := grpc.NewServer()
	predictor.Register(gs, predictor.NewServer(predictor.NewCachingBackend(upstream, cache, logger), device, logger))

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		logger.Info("shutting down gateway")
		gs.GracefulStop()
	}()

	logger.Info("gateway serving", "listen", lis.Addr().String(), "upstream", cfg.Services.UpstreamAddr, "device", device)
	fmt.Fprintf(cmd.OutOrStdout(), "Gateway listening on %s (scorer device %d).\n", lis.Addr(), device)

	if err := gs.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return WrapExitError(ExitFailure, "gateway error", err)
	}
	return nil
}
