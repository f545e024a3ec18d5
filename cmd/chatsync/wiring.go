package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	appchat "chatsync/internal/app/chat"
	domainchat "chatsync/internal/domain/chat"
	"chatsync/internal/infra/broker/kafka"
	"chatsync/internal/infra/config"
	mongodb "chatsync/internal/infra/db/mongo"
	"chatsync/internal/infra/feed"
	"chatsync/internal/infra/obs"
	"chatsync/internal/infra/rpc"
	"chatsync/internal/infra/storage/memory"
	"chatsync/internal/infra/storage/s3"
	"chatsync/internal/infra/storage/scylla"
	"chatsync/internal/infra/storage/sqlite"
)

// app holds the adapters selected by configuration.
type app struct {
	cfg    config.Config
	logger *slog.Logger

	messages appchat.MessageStore
	profiles appchat.ProfileStore
	avatars  appchat.AvatarSigner
	feed     appchat.Feed
	// hub is the local fan-out; nil when subscribing to a remote feed.
	hub      *feed.Hub
	consumer *kafka.Consumer

	checks  map[string]obs.Check
	closers []func() error
}

func (a *app) views() *appchat.Views {
	return &appchat.Views{
		Messages: a.messages,
		Profiles: a.profiles,
		Avatars:  a.avatars,
		Feed:     a.feed,
		Logger:   a.logger,
	}
}

func (a *app) close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func buildApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, checks: map[string]obs.Check{}}
	steps := []func(context.Context) error{a.buildMessages, a.buildProfiles, a.buildAvatars, a.buildFeed}
	for _, step := range steps {
		if err := step(ctx); err != nil {
			_ = a.close()
			return nil, err
		}
	}
	return a, nil
}

func (a *app) buildMessages(context.Context) error {
	switch a.cfg.MessageStore {
	case config.StoreSQLite:
		store, err := sqlite.Open(a.cfg.SQLitePath)
		if err != nil {
			return err
		}
		a.messages = store
		a.checks["sqlite"] = store.Ping
		a.closers = append(a.closers, store.Close)
	case config.StoreScylla:
		session, err := scylla.NewSession(a.cfg, a.logger)
		if err != nil {
			return fmt.Errorf("scylla init: %w", err)
		}
		store := scylla.NewStore(session, a.logger)
		a.messages = store
		a.checks["scylla"] = store.Ping
		a.closers = append(a.closers, func() error { session.Close(); return nil })
	default:
		a.messages = memory.NewMessageRepository(nil)
	}
	a.logger.Info("message store ready", "backend", a.cfg.MessageStore)
	return nil
}

func (a *app) buildProfiles(ctx context.Context) error {
	var seed []domainchat.Profile
	if a.cfg.ProfilesFile != "" {
		profiles, err := memory.ReadProfiles(a.cfg.ProfilesFile)
		if err != nil {
			return err
		}
		seed = profiles
	}

	switch a.cfg.ProfileStore {
	case config.ProfilesMongo:
		client, err := mongodb.New(a.cfg.MongoURI, a.cfg.MongoDB)
		if err != nil {
			return fmt.Errorf("mongo init: %w", err)
		}
		a.closers = append(a.closers, func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return client.Close(ctx)
		})
		repo := mongodb.NewProfileRepository(client.DB)
		for _, p := range seed {
			if err := repo.Save(ctx, p); err != nil {
				return fmt.Errorf("seed profile %s: %w", p.ID, err)
			}
		}
		a.profiles = repo
		a.checks["mongo"] = client.Ping
	default:
		if len(seed) == 0 {
			a.logger.Warn("memory profile store is empty; conversations are hidden until profiles exist", "hint", "set PROFILES_FILE")
		}
		a.profiles = memory.NewProfileRepository(seed...)
	}
	if len(seed) > 0 {
		a.logger.Info("profiles seeded", "count", len(seed), "store", a.cfg.ProfileStore)
	}
	return nil
}

func (a *app) buildAvatars(context.Context) error {
	if a.cfg.S3Endpoint == "" {
		a.logger.Info("avatar signing disabled", "reason", "S3_ENDPOINT not set")
		return nil
	}
	signer, err := s3.NewSigner(s3.SignerConfig{
		Endpoint:       a.cfg.S3Endpoint,
		PublicEndpoint: a.cfg.S3PublicEndpoint,
		UseSSL:         a.cfg.S3UseSSL,
		AccessKey:      a.cfg.S3AccessKey,
		SecretKey:      a.cfg.S3SecretKey,
		Bucket:         a.cfg.S3Bucket,
		TTL:            a.cfg.AvatarURLTTL,
	}, a.logger)
	if err != nil {
		return err
	}
	a.avatars = signer
	return nil
}

// buildFeed wires change publication and subscription. Writes always go
// through a PublishingStore; the publisher is the local hub or Kafka.
func (a *app) buildFeed(ctx context.Context) error {
	var publisher feed.Publisher
	if len(a.cfg.KafkaBrokers) > 0 && a.cfg.Feed != config.FeedHub {
		producer, err := kafka.NewProducer(a.cfg.KafkaBrokers, a.cfg.KafkaTopic, nil)
		if err != nil {
			return fmt.Errorf("kafka producer: %w", err)
		}
		publisher = producer
		a.closers = append(a.closers, producer.Close)
	}

	switch a.cfg.Feed {
	case config.FeedGRPC:
		remote, err := rpc.NewRemoteFeed(ctx, rpc.Config{
			Addr:        a.cfg.FeedGRPCAddr,
			DialTimeout: a.cfg.FeedGRPCDial,
			Buffer:      a.cfg.FeedBuffer,
		}, a.logger)
		if err != nil {
			return fmt.Errorf("feed grpc: %w", err)
		}
		a.feed = remote
		a.closers = append(a.closers, remote.Close)
		if publisher == nil {
			a.logger.Warn("writes are not published", "reason", "FEED=grpc without KAFKA_BROKERS")
		}
	case config.FeedKafka:
		a.hub = feed.NewHub(a.cfg.FeedBuffer, a.logger)
		a.feed = a.hub
		consumer, err := kafka.NewConsumer(a.cfg.KafkaBrokers, a.cfg.KafkaGroupID, nil, kafka.RelayHandler{Target: a.hub, Logger: a.logger}, a.logger)
		if err != nil {
			return fmt.Errorf("kafka consumer: %w", err)
		}
		a.consumer = consumer
		a.closers = append(a.closers, consumer.Close)
	default:
		a.hub = feed.NewHub(a.cfg.FeedBuffer, a.logger)
		a.feed = a.hub
		publisher = a.hub
	}

	if publisher != nil {
		a.messages = feed.PublishingStore{Store: a.messages, Publisher: publisher, Logger: a.logger}
	}
	a.logger.Info("change feed ready", "mode", a.cfg.Feed)
	return nil
}

// runConsumer relays Kafka change events into the local hub until ctx ends.
func (a *app) runConsumer(ctx context.Context) {
	if a.consumer == nil {
		return
	}
	go func() {
		if err := a.consumer.Run(ctx, []string{a.cfg.KafkaTopic}); err != nil && ctx.Err() == nil {
			a.logger.Error("kafka consumer stopped", "error", err)
		}
	}()
}
