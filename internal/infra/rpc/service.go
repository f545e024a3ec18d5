package rpc

import (
	"fmt"
	"log/slog"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	appchat "chatsync/internal/app/chat"
	domainchat "chatsync/internal/domain/chat"
	"chatsync/internal/infra/feed"
)

const (
	serviceName      = "chatsync.feed.v1.FeedService"
	subscribeMethod  = "Subscribe"
	subscribeFullRPC = "/" + serviceName + "/" + subscribeMethod
)

// feedServiceServer is the server contract registered through serviceDesc.
type feedServiceServer interface {
	Subscribe(req *structpb.Struct, stream grpc.ServerStream) error
}

// serviceDesc describes the feed service. Requests and events travel as
// google.protobuf.Struct so no generated stubs are needed.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*feedServiceServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    subscribeMethod,
			Handler:       subscribeHandler,
			ServerStreams: true,
		},
	},
	Metadata: "chatsync/feed.proto",
}

func subscribeHandler(srv any, stream grpc.ServerStream) error {
	req := new(structpb.Struct)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(feedServiceServer).Subscribe(req, stream)
}

// Server streams a local Feed's change events to remote subscribers.
type Server struct {
	Feed   appchat.Feed
	Logger *slog.Logger
}

// Register attaches the feed service to a gRPC server.
func Register(s *grpc.Server, srv *Server) {
	s.RegisterService(&serviceDesc, srv)
}

// Subscribe streams events for the requested pair until the client goes away.
func (s *Server) Subscribe(req *structpb.Struct, stream grpc.ServerStream) error {
	if s.Feed == nil {
		return status.Error(codes.Unavailable, "feed unavailable")
	}
	filter, err := filterFromRequest(req)
	if err != nil {
		return err
	}
	ctx := stream.Context()
	sub, err := s.Feed.Subscribe(ctx, filter)
	if err != nil {
		return status.Errorf(codes.Internal, "subscribe: %v", err)
	}
	defer sub.Close()
	if s.Logger != nil {
		s.Logger.Info("feed stream opened", "pair", filter.Key())
		defer s.Logger.Info("feed stream closed", "pair", filter.Key())
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.Events():
			if !ok {
				return nil
			}
			msg, err := eventToStruct(ev)
			if err != nil {
				if s.Logger != nil {
					s.Logger.Warn("skipping unencodable event", "error", err, "message_id", ev.Message.ID)
				}
				continue
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
		}
	}
}

func filterFromRequest(req *structpb.Struct) (domainchat.PairFilter, error) {
	fields := req.GetFields()
	a := strings.TrimSpace(fields["a"].GetStringValue())
	b := strings.TrimSpace(fields["b"].GetStringValue())
	if a == "" || b == "" || a == b {
		return domainchat.PairFilter{}, status.Error(codes.InvalidArgument, "a and b must be two distinct participants")
	}
	return domainchat.PairFilter{A: a, B: b}, nil
}

func requestFor(filter domainchat.PairFilter) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{"a": filter.A, "b": filter.B})
}

func eventToStruct(ev domainchat.ChangeEvent) (*structpb.Struct, error) {
	data, err := feed.EncodeEvent(ev)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("event to struct: %w", err)
	}
	return out, nil
}

func structToEvent(s *structpb.Struct) (domainchat.ChangeEvent, error) {
	data, err := protojson.Marshal(s)
	if err != nil {
		return domainchat.ChangeEvent{}, fmt.Errorf("struct to event: %w", err)
	}
	return feed.DecodeEvent(data)
}
