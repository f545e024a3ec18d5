package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"chatsync/internal/infra/config"
	ginserver "chatsync/internal/infra/http/gin"
	"chatsync/internal/infra/obs"
	"chatsync/internal/infra/rpc"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP/websocket API and the gRPC feed service",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		obs.NewLogger("dev", "info").Error("config load failed", "error", err)
		return err
	}
	logger := obs.NewLogger(cfg.Env, cfg.LogLevel)

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return err
	}
	defer func() {
		if err := a.close(); err != nil {
			logger.Warn("shutdown cleanup failed", "error", err)
		}
	}()
	a.runConsumer(ctx)

	dev := cfg.Env == "dev" || cfg.Env == "local"
	chat := ginserver.ChatHandler{
		Views:              a.views(),
		Logger:             logger,
		OriginPatterns:     originPatterns(cfg.CORSOrigins),
		InsecureSkipVerify: dev && len(cfg.CORSOrigins) == 0,
	}
	principal := ginserver.PrincipalMiddleware{TrustHeader: cfg.TrustUserHeader, Logger: logger}
	if len(cfg.AuthTokens) > 0 {
		principal.Resolver = ginserver.StaticTokens(cfg.AuthTokens)
	}
	srv := ginserver.NewServer(cfg, obs.Middleware{Logger: logger}, obs.HealthHandlers{Checks: a.checks}, ginserver.Handlers{
		Chat:                chat,
		PrincipalMiddleware: principal.Handle,
	})

	// websocket sessions are hijacked and outlive Shutdown; tie them to ctx
	srv.BaseContext = func(net.Listener) context.Context { return ctx }

	g, gctx := errgroup.WithContext(ctx)
	var grpcServer *grpc.Server
	if a.hub != nil {
		grpcServer = grpc.NewServer()
		rpc.Register(grpcServer, &rpc.Server{Feed: a.hub, Logger: logger})
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			logger.Error("failed to listen", "error", err, "addr", cfg.GRPCAddr)
			return err
		}
		g.Go(func() error {
			logger.Info("feed grpc starting", "addr", cfg.GRPCAddr)
			if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("grpc serve: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		logger.Info("chatsync http starting", "addr", cfg.HTTPAddr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
		defer cancel()
		if grpcServer != nil {
			grpcServer.GracefulStop()
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown failed", "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("server failed", "error", err)
		return err
	}
	logger.Info("chatsync stopped")
	return nil
}

// originPatterns strips schemes; websocket origin patterns match hosts.
func originPatterns(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		o = strings.TrimPrefix(strings.TrimPrefix(o, "https://"), "http://")
		if o != "" {
			out = append(out, o)
		}
	}
	return out
}
