package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chat-loadtest/internal/chatserver"
	"chat-loadtest/internal/config"
	"chat-loadtest/internal/health"
	"chat-loadtest/internal/logger"
	"chat-loadtest/internal/mq"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/spf13/pflag"
	"google.golang.org/grpc"
)

func main() {
	flags := pflag.NewFlagSet(os.Args[0], pflag.ExitOnError)
	config.ServerFlags(flags)
	flags.Parse(os.Args[1:])

	cfg, err := config.LoadServer(flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	disabled, err := logger.ParseTags(cfg.LogDisabledTags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	logger.Init(level, disabled...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logger.Error(logger.TagServer, "%v", err)
		stop()
		os.Exit(1)
	}
	logger.Info(logger.TagServer, "Server exiting")
}

func run(ctx context.Context, cfg *config.Server) error {
	srv, cleanup, err := build(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	if addr := cfg.GrpcAddr(); addr != "" {
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("failed to listen grpc: %w", err)
		}
		gs := grpc.NewServer()
		hs := health.Register(gs)
		go func() {
			logger.Info(logger.TagServer, "gRPC health server listening on %s", addr)
			if err := gs.Serve(lis); err != nil {
				logger.Error(logger.TagServer, "failed to serve grpc: %v", err)
			}
		}()
		defer func() {
			hs.Shutdown()
			gs.GracefulStop()
		}()
	}

	return srv.ListenAndServe(ctx)
}

// build wires the user registry, message bus and handshake store selected
// by cfg.
func build(ctx context.Context, cfg *config.Server) (*chatserver.Server, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	srvCfg := chatserver.Config{
		Addr:             cfg.Addr(),
		HandshakeTimeout: cfg.HandshakeTimeout,
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		InstanceID:       uuid.New(),
		PingInterval:     cfg.PingInterval,
	}
	instance := srvCfg.InstanceID.String()

	var (
		users chatserver.Users = chatserver.NewMemoryUsers()
		rdb   *redis.Client
	)
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			rdb.Close()
			return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		closers = append(closers, func() { rdb.Close() })
		users = chatserver.NewRedisUsers(rdb, instance, cfg.PresenceTTL)
		logger.Info(logger.TagServer, "Presence shared via redis %s", cfg.Redis.Addr)
	}

	var opts []chatserver.Option
	switch {
	case cfg.Bus.MQTT.Broker != "":
		clientID := cfg.Bus.MQTT.ClientID
		if clientID == "" {
			clientID = "chatserver-" + instance
		}
		bus, err := mq.NewRobustMQ(&mq.RobustMQConfig{
			Broker:   cfg.Bus.MQTT.Broker,
			ClientID: clientID,
			Username: cfg.Bus.MQTT.Username,
			Password: cfg.Bus.MQTT.Password,
			QoS:      cfg.Bus.MQTT.QoS,
		})
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		closers = append(closers, func() { bus.Close() })
		opts = append(opts, chatserver.WithBus(bus, cfg.Bus.Topic))
		logger.Info(logger.TagServer, "Relaying via mqtt %s topic %s", cfg.Bus.MQTT.Broker, cfg.Bus.Topic)
	case rdb != nil:
		bus := mq.NewRedisMQ(rdb)
		closers = append(closers, func() { bus.Close() })
		opts = append(opts, chatserver.WithBus(bus, cfg.Bus.Topic))
		logger.Info(logger.TagServer, "Relaying via redis topic %s", cfg.Bus.Topic)
	}

	var store chatserver.Store
	if cfg.Database.DSN != "" {
		pg, err := chatserver.NewPGStore(ctx, cfg.Database.DSN, instance)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		closers = append(closers, pg.Close)
		store = pg
	}

	return chatserver.New(srvCfg, users, store, opts...), cleanup, nil
}
