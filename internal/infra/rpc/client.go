package rpc

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	appchat "chatsync/internal/app/chat"
	domainchat "chatsync/internal/domain/chat"
	"chatsync/internal/infra/feed"
)

// Config defines gRPC client settings.
type Config struct {
	Addr        string
	DialTimeout time.Duration
	Buffer      int
	// DialOptions are appended to the defaults; tests use them for bufconn.
	DialOptions []grpc.DialOption
}

// RemoteFeed subscribes to a feed service over gRPC. It implements the
// application Feed port.
type RemoteFeed struct {
	conn   *grpc.ClientConn
	buffer int
	logger *slog.Logger
}

// NewRemoteFeed dials the feed service.
func NewRemoteFeed(ctx context.Context, cfg Config, logger *slog.Logger) (*RemoteFeed, error) {
	if cfg.Addr == "" {
		return nil, errors.New("rpc: address required")
	}
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	buffer := cfg.Buffer
	if buffer <= 0 {
		buffer = feed.DefaultBuffer
	}
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	opts := append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, cfg.DialOptions...)
	conn, err := grpc.DialContext(dialCtx, cfg.Addr, opts...)
	if err != nil {
		return nil, err
	}
	if logger != nil {
		logger.Info("feed grpc connected", "addr", cfg.Addr)
	}
	return &RemoteFeed{conn: conn, buffer: buffer, logger: logger}, nil
}

// Close releases the gRPC connection.
func (f *RemoteFeed) Close() error {
	if f.conn == nil {
		return nil
	}
	return f.conn.Close()
}

// Subscribe opens a server stream for the pair. The subscription ends when
// ctx is done, Close is called or the stream breaks.
func (f *RemoteFeed) Subscribe(ctx context.Context, filter domainchat.PairFilter) (appchat.Subscription, error) {
	req, err := requestFor(filter)
	if err != nil {
		return nil, err
	}
	streamCtx, cancel := context.WithCancel(ctx)
	stream, err := f.conn.NewStream(streamCtx, &serviceDesc.Streams[0], subscribeFullRPC)
	if err != nil {
		cancel()
		return nil, err
	}
	if err := stream.SendMsg(req); err != nil {
		cancel()
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		cancel()
		return nil, err
	}
	sub := &remoteSubscription{
		ch:     make(chan domainchat.ChangeEvent, f.buffer),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go sub.recv(streamCtx, stream, f.logger)
	return sub, nil
}

type remoteSubscription struct {
	ch     chan domainchat.ChangeEvent
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (s *remoteSubscription) Events() <-chan domainchat.ChangeEvent {
	return s.ch
}

func (s *remoteSubscription) Close() error {
	s.once.Do(s.cancel)
	<-s.done
	return nil
}

func (s *remoteSubscription) recv(ctx context.Context, stream grpc.ClientStream, logger *slog.Logger) {
	defer close(s.done)
	defer close(s.ch)
	for {
		msg := new(structpb.Struct)
		if err := stream.RecvMsg(msg); err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil && logger != nil {
				logger.Warn("feed stream ended", "error", err)
			}
			return
		}
		ev, err := structToEvent(msg)
		if err != nil {
			if logger != nil {
				logger.Warn("dropping undecodable event", "error", err)
			}
			continue
		}
		select {
		case s.ch <- ev:
		case <-ctx.Done():
			return
		}
	}
}

var _ appchat.Feed = (*RemoteFeed)(nil)
