// Command amd hosts the activity manager service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"mini-binder/am"
	"mini-binder/client"
	"mini-binder/config"
	"mini-binder/loadbalance"
	"mini-binder/logging"
	"mini-binder/middleware"
	"mini-binder/registry"
	"mini-binder/server"
)

func main() {
	configPath := flag.String("config", "", "path to a TOML config file")
	listen := flag.String("listen", "", "override server.listen")
	level := flag.String("log-level", "", "override log.level")
	flag.Parse()

	cfg, err := loadConfig(*configPath, *listen, *level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "amd: %v\n", err)
		os.Exit(2)
	}
	logger, err := logging.Init("amd", cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "amd: %v\n", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, logger); err != nil {
		logger.Error().Err(err).Msg("amd exited")
		os.Exit(1)
	}
}

func loadConfig(path, listen, level string) (config.Config, error) {
	cfg := config.DefaultConfig()
	if path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return config.Config{}, err
		}
	}
	if listen != "" {
		cfg.Server.Listen = listen
	}
	if level != "" {
		cfg.Log.Level = level
	}
	return cfg, cfg.Validate()
}

func newRegistry(cfg config.RegistryConfig) (registry.Registry, func(), error) {
	switch cfg.Kind {
	case "etcd":
		reg, err := registry.NewEtcdRegistry(cfg.Endpoints, cfg.DialTimeout)
		if err != nil {
			return nil, nil, fmt.Errorf("connect etcd: %w", err)
		}
		return reg, func() { reg.Close() }, nil
	default:
		return registry.NewMemoryRegistry(), func() {}, nil
	}
}

func run(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	reg, closeRegistry, err := newRegistry(cfg.Registry)
	if err != nil {
		return err
	}
	defer closeRegistry()

	balancer, err := loadbalance.New(cfg.Client.Balancer)
	if err != nil {
		return err
	}
	cli := client.NewClient(
		client.WithRegistry(reg),
		client.WithBalancer(balancer),
		client.WithAffinityKey(cfg.Client.AffinityKey),
		client.WithCodec(cfg.Client.Codec),
		client.WithPoolSize(cfg.Client.PoolSize),
		client.WithDialTimeout(cfg.Client.DialTimeout),
		client.WithHeartbeat(cfg.Client.Heartbeat),
		client.WithLogger(logger),
	)
	defer cli.Close()

	svc := am.NewService(cli,
		am.WithReceiverTimeout(cfg.AM.ReceiverTimeout),
		am.WithParallelism(cfg.AM.Parallelism),
		am.WithLogger(logger.With().Str("component", "am").Logger()),
	)
	defer svc.Close()

	opts := []server.Option{server.WithRegistry(reg, cfg.Server.RegistryTTL), server.WithLogger(logger)}
	if cfg.Server.Advertise != "" {
		opts = append(opts, server.WithAdvertiseAddr(cfg.Server.Advertise))
	}
	svr := server.NewServer(opts...)
	useMiddleware(svr, cfg.Middleware, logger)
	if err := svc.Register(svr); err != nil {
		return err
	}
	if err := svr.Listen("tcp", cfg.Server.Listen); err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Server.Listen, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(svr.Serve)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")
		return svr.Shutdown(cfg.Server.ShutdownTimeout)
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func useMiddleware(svr *server.Server, cfg config.MiddlewareConfig, logger zerolog.Logger) {
	svr.Use(middleware.RecoveryMiddleware(logger))
	svr.Use(middleware.LoggingMiddleware(logger))
	if cfg.RateLimit > 0 {
		svr.Use(middleware.RateLimitMiddleware(cfg.RateLimit, cfg.Burst))
	}
	if cfg.Timeout > 0 {
		svr.Use(middleware.TimeOutMiddleware(cfg.Timeout))
	}
	if cfg.Retries > 0 {
		svr.Use(middleware.RetryMiddleware(cfg.Retries, cfg.RetryDelay, logger))
	}
}
