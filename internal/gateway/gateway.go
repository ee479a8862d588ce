// Package gateway binds websocket sessions to a single conversation and
// relays chat and typing events through the realtime hub.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"chatcore/internal/domain"
	"chatcore/internal/identity"
	"chatcore/internal/messaging"
	"chatcore/internal/observability/metrics"
	obsmw "chatcore/internal/observability/middleware"
	"chatcore/internal/realtime"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Application close codes sent when a session cannot be bound.
const (
	CloseInternal       = 4000
	CloseUnauthorized   = 4001
	CloseInactive       = 4002
	CloseNotParticipant = 4003
	CloseNotFound       = 4004
)

const maxFrameBytes = 64 << 10

type Conversations interface {
	Authorize(ctx context.Context, ref domain.ConversationRef, userID uuid.UUID) (*domain.Conversation, error)
}

type Messages interface {
	Send(ctx context.Context, ref domain.ConversationRef, sender uuid.UUID, plaintext string) (*messaging.Message, error)
	MarkRead(ctx context.Context, ref domain.ConversationRef, reader uuid.UUID) (int64, error)
}

type Options struct {
	PingInterval time.Duration
	ReadTimeout  time.Duration
	SendBuffer   int
	// CheckOrigin overrides the upgrader's same-origin check.
	CheckOrigin func(r *http.Request) bool
}

type Gateway struct {
	convs    Conversations
	msgs     Messages
	hub      *realtime.Hub
	opts     Options
	upgrader websocket.Upgrader
}

func New(convs Conversations, msgs Messages, hub *realtime.Hub, opts Options) *Gateway {
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.ReadTimeout <= opts.PingInterval {
		opts.ReadTimeout = 2 * opts.PingInterval
	}
	return &Gateway{
		convs: convs,
		msgs:  msgs,
		hub:   hub,
		opts:  opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     opts.CheckOrigin,
		},
	}
}

// ServeHTTP expects chi URL params "kind" and "id". The request context must
// carry the caller from identity.WithUser when a token was presented.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("ws upgrade failed", append(obsmw.LogAttrs(r.Context()), "error", err)...)
		return
	}
	ctx := r.Context()
	logAttrs := obsmw.LogAttrs(ctx)

	user, ok := identity.UserFrom(ctx)
	if !ok {
		reject(ws, CloseUnauthorized, "unauthorized")
		slog.Warn("ws rejected: unauthenticated", logAttrs...)
		return
	}
	logAttrs = append(logAttrs, "user_id", user.ID)
	if !user.IsActive {
		reject(ws, CloseInactive, "inactive")
		slog.Warn("ws rejected: inactive user", logAttrs...)
		return
	}

	ref, err := parseRef(chi.URLParam(r, "kind"), chi.URLParam(r, "id"))
	if err != nil {
		reject(ws, CloseNotFound, "not_found")
		slog.Warn("ws rejected: malformed conversation", append(logAttrs, "error", err)...)
		return
	}
	logAttrs = append(logAttrs, "conversation", ref.String())

	if _, err := g.convs.Authorize(ctx, ref, user.ID); err != nil {
		code, reason := closeFor(err)
		reject(ws, code, reason)
		if code == CloseInternal {
			slog.Error("ws authorization failed", append(logAttrs, "error", err)...)
		} else {
			slog.Warn("ws rejected", append(logAttrs, "reason", reason)...)
		}
		return
	}

	s := &session{
		g:    g,
		ref:  ref,
		user: user,
		conn: realtime.NewConnection(ws, user.ID, user.DisplayName, realtime.ConnOptions{
			SendBuffer: g.opts.SendBuffer,
			PingPeriod: g.opts.PingInterval,
		}),
		ws:   ws,
		log:  slog.With(logAttrs...),
	}
	s.run(ctx)
}

func parseRef(kind, id string) (domain.ConversationRef, error) {
	k, err := domain.ParseKind(kind)
	if err != nil {
		return domain.ConversationRef{}, err
	}
	uid, err := uuid.Parse(id)
	if err != nil {
		return domain.ConversationRef{}, fmt.Errorf("%w: conversation id %q", domain.ErrNotFound, id)
	}
	return domain.ConversationRef{Kind: k, ID: uid}, nil
}

func closeFor(err error) (int, string) {
	switch domain.CodeOf(err) {
	case domain.CodeNotFound, domain.CodeInvalidRequest:
		return CloseNotFound, "not_found"
	case domain.CodeNotAParticipant, domain.CodeForbidden:
		return CloseNotParticipant, "not_participant"
	case domain.CodeInactiveUser:
		return CloseInactive, "inactive"
	}
	return CloseInternal, "internal"
}

func reject(ws *websocket.Conn, code int, reason string) {
	metrics.WSRejectionsTotal.WithLabelValues(reason).Inc()
	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(5*time.Second))
	_ = ws.Close()
}

type session struct {
	g    *Gateway
	ref  domain.ConversationRef
	user *domain.User
	conn *realtime.Connection
	ws   *websocket.Conn
	log  *slog.Logger
}

func (s *session) run(ctx context.Context) {
	group := s.ref.String()
	gauge := metrics.WSConnectionsActive.WithLabelValues(string(s.ref.Kind))

	s.conn.Start()
	s.g.hub.Join(group, s.conn)
	gauge.Inc()
	s.log.Info("ws connected", "connection_id", s.conn.ID)
	defer func() {
		s.g.hub.Leave(group, s.conn)
		s.conn.Close(websocket.CloseNormalClosure, "")
		gauge.Dec()
		s.log.Info("ws disconnected", "connection_id", s.conn.ID)
	}()

	if n, err := s.g.msgs.MarkRead(ctx, s.ref, s.user.ID); err != nil {
		s.log.Error("ws mark read failed", "error", err)
	} else if n > 0 {
		s.log.Debug("ws marked messages read", "count", n)
	}

	s.ws.SetReadLimit(maxFrameBytes)
	_ = s.ws.SetReadDeadline(time.Now().Add(s.g.opts.ReadTimeout))
	s.ws.SetPongHandler(func(string) error {
		return s.ws.SetReadDeadline(time.Now().Add(s.g.opts.ReadTimeout))
	})

	for {
		_, data, err := s.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				s.log.Debug("ws read ended", "error", err)
			}
			return
		}
		_ = s.ws.SetReadDeadline(time.Now().Add(s.g.opts.ReadTimeout))
		s.handle(ctx, data)
	}
}

type inbound struct {
	Type     string `json:"type"`
	Message  string `json:"message"`
	IsTyping bool   `json:"is_typing"`
}

type chatPayload struct {
	ID          uuid.UUID           `json:"id"`
	Body        string              `json:"body"`
	SenderID    uuid.UUID           `json:"sender_id"`
	SenderName  string              `json:"sender_name"`
	CreatedAt   time.Time           `json:"created_at"`
	ReadAt      *time.Time          `json:"read_at"`
	Attachments []attachmentPayload `json:"attachments,omitempty"`
}

type attachmentPayload struct {
	ID           uuid.UUID `json:"id"`
	Filename     string    `json:"filename"`
	ContentType  string    `json:"content_type"`
	Size         int64     `json:"size"`
	HasThumbnail bool      `json:"has_thumbnail"`
}

type chatEvent struct {
	Type    string      `json:"type"`
	Message chatPayload `json:"message"`
}

type typingEvent struct {
	Type     string    `json:"type"`
	UserID   uuid.UUID `json:"user_id"`
	UserName string    `json:"user_name"`
	IsTyping bool      `json:"is_typing"`
}

type errorEvent struct {
	Type  string      `json:"type"`
	Code  domain.Code `json:"code"`
	Error string      `json:"error"`
}

func (s *session) handle(ctx context.Context, data []byte) {
	var in inbound
	if err := json.Unmarshal(data, &in); err != nil {
		metrics.WSEventsTotal.WithLabelValues("invalid").Inc()
		s.sendError(domain.CodeInvalidRequest, "Invalid JSON format")
		return
	}

	switch in.Type {
	case "message":
		metrics.WSEventsTotal.WithLabelValues("message").Inc()
		s.handleMessage(ctx, in.Message)
	case "typing":
		metrics.WSEventsTotal.WithLabelValues("typing").Inc()
		s.publish(ctx, typingEvent{Type: "typing", UserID: s.user.ID, UserName: s.user.DisplayName, IsTyping: in.IsTyping}, s.user.ID)
	default:
		metrics.WSEventsTotal.WithLabelValues("unknown").Inc()
		s.sendError(domain.CodeUnsupportedType, fmt.Sprintf("Unknown message type: %s", in.Type))
	}
}

func (s *session) handleMessage(ctx context.Context, text string) {
	msg, err := s.g.msgs.Send(ctx, s.ref, s.user.ID, text)
	if err != nil {
		switch code := domain.CodeOf(err); code {
		case domain.CodeEmptyMessage:
			s.sendError(code, "Message cannot be empty")
		case domain.CodeMessageTooLong:
			s.sendError(code, fmt.Sprintf("Message too long (max %d characters)", domain.MaxMessageLength))
		case domain.CodeNotAParticipant, domain.CodeForbidden, domain.CodeNotFound:
			s.log.Warn("ws send denied", "error", err)
			s.sendError(code, "Permission denied")
		default:
			s.log.Error("ws send failed", "error", err)
			s.sendError(domain.CodeInternal, "Failed to save message")
		}
		return
	}
	if err := s.g.Broadcast(ctx, msg, s.user.DisplayName); err != nil {
		s.log.Error("ws publish failed", "error", err)
	}
}

// Broadcast fans a stored message out to every session bound to its
// conversation, including the sender's own.
func (g *Gateway) Broadcast(ctx context.Context, msg *messaging.Message, senderName string) error {
	ev := chatEvent{Type: "message", Message: chatPayload{
		ID:         msg.ID,
		Body:       msg.Body,
		SenderID:   msg.SenderID,
		SenderName: senderName,
		CreatedAt:  msg.CreatedAt,
		ReadAt:     msg.ReadAt,
	}}
	for _, a := range msg.Attachments {
		ev.Message.Attachments = append(ev.Message.Attachments, attachmentPayload{
			ID:           a.ID,
			Filename:     a.Filename,
			ContentType:  a.ContentType,
			Size:         a.Size,
			HasThumbnail: a.HasThumbnail(),
		})
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return g.hub.Publish(ctx, msg.Ref.String(), payload, uuid.Nil)
}

func (s *session) publish(ctx context.Context, ev any, exclude uuid.UUID) {
	payload, err := json.Marshal(ev)
	if err != nil {
		s.log.Error("ws encode event", "error", err)
		return
	}
	if err := s.g.hub.Publish(ctx, s.ref.String(), payload, exclude); err != nil {
		s.log.Error("ws publish failed", "error", err)
	}
}

func (s *session) sendError(code domain.Code, msg string) {
	payload, _ := json.Marshal(errorEvent{Type: "error", Code: code, Error: msg})
	if err := s.conn.Send(payload); err != nil && !errors.Is(err, realtime.ErrClosed) {
		s.log.Debug("ws error frame dropped", "error", err)
	}
}
