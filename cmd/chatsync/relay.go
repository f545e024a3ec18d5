package main

import (
	"errors"
	"fmt"
	"net"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"chatsync/internal/infra/broker/kafka"
	"chatsync/internal/infra/config"
	"chatsync/internal/infra/feed"
	"chatsync/internal/infra/obs"
	"chatsync/internal/infra/rpc"
)

var relayCmd = &cobra.Command{
	Use:   "feed-relay",
	Short: "Consume change events from Kafka and stream them to gRPC subscribers",
	Args:  cobra.NoArgs,
	RunE:  runRelay,
}

func runRelay(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := obs.NewLogger(cfg.Env, cfg.LogLevel)
	if len(cfg.KafkaBrokers) == 0 {
		return fmt.Errorf("KAFKA_BROKERS is required for feed-relay")
	}

	hub := feed.NewHub(cfg.FeedBuffer, logger)
	consumer, err := kafka.NewConsumer(cfg.KafkaBrokers, cfg.KafkaGroupID, nil, kafka.RelayHandler{Target: hub, Logger: logger}, logger)
	if err != nil {
		return fmt.Errorf("kafka consumer: %w", err)
	}
	defer consumer.Close()

	grpcServer := grpc.NewServer()
	rpc.Register(grpcServer, &rpc.Server{Feed: hub, Logger: logger})
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		logger.Error("failed to listen", "error", err, "addr", cfg.GRPCAddr)
		return err
	}

	go func() {
		if err := consumer.Run(ctx, []string{cfg.KafkaTopic}); err != nil && ctx.Err() == nil {
			logger.Error("kafka consumer stopped", "error", err)
			stop()
		}
	}()
	go func() {
		<-ctx.Done()
		logger.Info("shutting down grpc server")
		grpcServer.GracefulStop()
	}()

	logger.Info("feed-relay starting", "addr", cfg.GRPCAddr, "topic", cfg.KafkaTopic)
	if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		logger.Error("grpc server failed", "error", err)
		return err
	}
	logger.Info("feed-relay stopped")
	return nil
}
