package ginserver

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	gin "github.com/gin-gonic/gin"
	"nhooyr.io/websocket"

	appchat "chatsync/internal/app/chat"
	"chatsync/internal/app/dto"
	domainchat "chatsync/internal/domain/chat"
	"chatsync/internal/infra/obs"
)

// ChatHandler exposes the conversation list and conversation views.
type ChatHandler struct {
	Views  *appchat.Views
	Logger *slog.Logger
	// OriginPatterns restricts websocket origins; InsecureSkipVerify disables
	// the check for local development.
	OriginPatterns     []string
	InsecureSkipVerify bool
}

// ListConversations returns the caller's conversation list. When the refresh
// fails the last good list is returned with stale set.
func (h ChatHandler) ListConversations(c *gin.Context) {
	session, ok := requirePrincipal(c)
	if !ok {
		return
	}
	summaries, err := h.Views.Conversations(c.Request.Context(), session)
	resp := dto.NewConversationList(summaries)
	if err != nil {
		if !errors.Is(err, appchat.ErrFetchFailed) {
			h.respondError(c, err, "list conversations")
			return
		}
		h.logWarn(c, "conversation refresh failed", err)
		resp.Stale = true
		resp.Error = "conversations unavailable"
	}
	c.JSON(http.StatusOK, resp)
}

// ListMessages opens the conversation once, which also marks received
// messages read, and returns the timeline.
func (h ChatHandler) ListMessages(c *gin.Context) {
	session, ok := requirePrincipal(c)
	if !ok {
		return
	}
	r, stale, ok := h.open(c, session)
	if !ok {
		return
	}
	defer r.Close()
	resp := dto.NewChatMessageList(session.UserID, r.Messages())
	resp.Stale = stale
	resp.Counterpart = dto.NewCounterpart(h.Views.Counterpart(c.Request.Context(), r.Counterpart()))
	c.JSON(http.StatusOK, resp)
}

// SendMessage sends one message. A failed send answers 502 with the unsent
// content so the client can restore its input.
func (h ChatHandler) SendMessage(c *gin.Context) {
	session, ok := requirePrincipal(c)
	if !ok {
		return
	}
	var req dto.SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	r, _, ok := h.open(c, session)
	if !ok {
		return
	}
	defer r.Close()

	msg, err := r.Send(c.Request.Context(), req.Content)
	if err != nil {
		var sendErr *appchat.SendError
		if errors.As(err, &sendErr) && errors.Is(err, domainchat.ErrInvalidMessage) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "content": sendErr.Content})
			return
		}
		if errors.As(err, &sendErr) {
			h.logWarn(c, "send failed", err)
			c.JSON(http.StatusBadGateway, gin.H{"error": "send failed", "content": sendErr.Content})
			return
		}
		h.respondError(c, err, "send message")
		return
	}
	c.JSON(http.StatusCreated, dto.NewChatMessage(session.UserID, msg))
}

// MarkRead marks every received message in the conversation read.
func (h ChatHandler) MarkRead(c *gin.Context) {
	session, ok := requirePrincipal(c)
	if !ok {
		return
	}
	r, _, ok := h.open(c, session)
	if !ok {
		return
	}
	defer r.Close()
	resp := dto.NewChatMessageList(session.UserID, r.Messages())
	resp.Counterpart = dto.NewCounterpart(h.Views.Counterpart(c.Request.Context(), r.Counterpart()))
	c.JSON(http.StatusOK, resp)
}

// Socket upgrades to a websocket that pushes the live timeline.
func (h ChatHandler) Socket(c *gin.Context) {
	session, ok := requirePrincipal(c)
	if !ok {
		return
	}
	counterpart := strings.TrimSpace(c.Param("counterpart"))
	if counterpart == "" || counterpart == session.UserID {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid counterpart"})
		return
	}
	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns:     h.OriginPatterns,
		InsecureSkipVerify: h.InsecureSkipVerify,
	})
	if err != nil {
		// Accept already wrote the response
		return
	}
	defer conn.CloseNow()

	ctx := c.Request.Context()
	r, err := h.Views.OpenConversation(ctx, session, counterpart)
	if r == nil {
		h.logWarn(c, "conversation open failed", err)
		_ = conn.Close(websocket.StatusInternalError, "conversation unavailable")
		return
	}
	defer r.Close()

	s := &socketSession{
		conn:        conn,
		reconciler:  r,
		self:        session.UserID,
		counterpart: dto.NewCounterpart(h.Views.Counterpart(ctx, r.Counterpart())),
		logger:      obs.LoggerFrom(ctx, h.Logger),
	}
	if err != nil {
		s.write(ctx, dto.SocketEvent{Type: eventError, Error: "history unavailable"})
	}
	if err := s.run(ctx); errors.Is(err, appchat.ErrDetached) {
		h.logWarn(c, "conversation socket detached", err)
		_ = conn.Close(websocket.StatusTryAgainLater, "live updates stopped")
		return
	}
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

// open builds a reconciler for the :counterpart param. A failed history
// fetch still yields a usable reconciler, reported as stale.
func (h ChatHandler) open(c *gin.Context, session appchat.Session) (*appchat.Reconciler, bool, bool) {
	counterpart := strings.TrimSpace(c.Param("counterpart"))
	r, err := h.Views.OpenConversation(c.Request.Context(), session, counterpart)
	if r == nil {
		h.respondError(c, err, "open conversation")
		return nil, false, false
	}
	stale := false
	if err != nil {
		h.logWarn(c, "message fetch failed", err)
		stale = true
	}
	return r, stale, true
}

func (h ChatHandler) respondError(c *gin.Context, err error, action string) {
	switch {
	case errors.Is(err, appchat.ErrInvalidPair):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case errors.Is(err, appchat.ErrFetchFailed):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "messages unavailable"})
		return
	}
	if logger := obs.LoggerFrom(c.Request.Context(), h.Logger); logger != nil {
		logger.Error("chat request failed", "action", action, "error", err)
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}

func (h ChatHandler) logWarn(c *gin.Context, msg string, err error) {
	if logger := obs.LoggerFrom(c.Request.Context(), h.Logger); logger != nil {
		logger.Warn(msg, "error", err, "counterpart_id", c.Param("counterpart"))
	}
}

var _ ChatHTTP = ChatHandler{}
