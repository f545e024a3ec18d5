package ginserver

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	appchat "chatsync/internal/app/chat"
	"chatsync/internal/app/dto"
)

const (
	commandSend   = "send"
	commandRead   = "read"
	commandReload = "reload"

	eventSnapshot   = "snapshot"
	eventSent       = "sent"
	eventSendFailed = "send_failed"
	eventError      = "error"

	writeTimeout = 5 * time.Second
)

// socketSession binds one websocket to one reconciler: every timeline change
// is pushed as a snapshot and client commands drive sends and reads.
type socketSession struct {
	conn        *websocket.Conn
	reconciler  *appchat.Reconciler
	self        string
	counterpart *dto.Counterpart
	logger      *slog.Logger
}

// run pushes snapshots until the client leaves or the reconciler stops. It
// returns ErrDetached when the change feed ended under the session.
func (s *socketSession) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		defer cancel()
		s.readLoop(ctx)
	}()

	if !s.snapshot(ctx) {
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-s.reconciler.Changes():
			if !ok {
				err := s.reconciler.Err()
				if errors.Is(err, appchat.ErrDetached) {
					s.write(ctx, dto.SocketEvent{Type: eventError, Error: "live updates stopped, reconnect"})
					return err
				}
				return nil
			}
			if !s.snapshot(ctx) {
				return nil
			}
		}
	}
}

func (s *socketSession) readLoop(ctx context.Context) {
	for {
		var cmd dto.SocketCommand
		if err := wsjson.Read(ctx, s.conn, &cmd); err != nil {
			if websocket.CloseStatus(err) == -1 && ctx.Err() == nil && s.logger != nil {
				s.logger.Debug("websocket read ended", "error", err)
			}
			return
		}
		s.handle(ctx, cmd)
	}
}

func (s *socketSession) handle(ctx context.Context, cmd dto.SocketCommand) {
	switch cmd.Type {
	case commandSend:
		msg, err := s.reconciler.Send(ctx, cmd.Content)
		if err != nil {
			var sendErr *appchat.SendError
			content := cmd.Content
			if errors.As(err, &sendErr) {
				content = sendErr.Content
			}
			s.write(ctx, dto.SocketEvent{Type: eventSendFailed, Content: content, Error: err.Error()})
			return
		}
		view := dto.NewChatMessage(s.self, msg)
		s.write(ctx, dto.SocketEvent{Type: eventSent, Message: &view})
	case commandRead:
		if err := s.reconciler.MarkRead(ctx); err != nil {
			s.write(ctx, dto.SocketEvent{Type: eventError, Error: err.Error()})
		}
	case commandReload:
		if err := s.reconciler.Reload(ctx); err != nil {
			s.write(ctx, dto.SocketEvent{Type: eventError, Error: "history unavailable"})
		}
	default:
		s.write(ctx, dto.SocketEvent{Type: eventError, Error: "unknown command " + cmd.Type})
	}
}

func (s *socketSession) snapshot(ctx context.Context) bool {
	list := dto.NewChatMessageList(s.self, s.reconciler.Messages())
	return s.write(ctx, dto.SocketEvent{Type: eventSnapshot, Messages: list.Items, Counterpart: s.counterpart})
}

func (s *socketSession) write(ctx context.Context, ev dto.SocketEvent) bool {
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := wsjson.Write(wctx, s.conn, ev); err != nil {
		if ctx.Err() == nil && s.logger != nil {
			s.logger.Debug("websocket write failed", "error", err, "type", ev.Type)
		}
		return false
	}
	return true
}
