package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Dry1ceD7/AAEConnect/internal/audit"
	"github.com/Dry1ceD7/AAEConnect/internal/broadcast"
	"github.com/Dry1ceD7/AAEConnect/internal/domain"
	"github.com/Dry1ceD7/AAEConnect/internal/hub"
	"github.com/Dry1ceD7/AAEConnect/internal/metrics"
	"github.com/Dry1ceD7/AAEConnect/pkg/log"
	"github.com/gorilla/websocket"
)

// State is the lifecycle stage of a session.
type State int32

const (
	StateConnecting State = iota
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Config holds websocket tuning. A zero PingInterval disables pings and
// the read deadline.
type Config struct {
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	PongWait       time.Duration `mapstructure:"pong_wait"`
	WriteWait      time.Duration `mapstructure:"write_wait"`
	MaxMessageSize int64         `mapstructure:"max_message_size"`
	QueueSize      int           `mapstructure:"queue_size"`
	RelayWorkers   int           `mapstructure:"relay_workers"`
}

func (c Config) withDefaults() Config {
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.PingInterval > 0 && c.PongWait <= c.PingInterval {
		c.PongWait = c.PingInterval * 2
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 64 * 1024
	}
	if c.RelayWorkers <= 0 {
		c.RelayWorkers = 8
	}
	return c
}

// Registrar is the part of the connection registry a session uses.
type Registrar interface {
	Register(userID, displayName string) *hub.Queue
	Release(userID string, q *hub.Queue) bool
}

// Engine is the part of the broadcast engine a session uses.
type Engine interface {
	Send(ctx context.Context, req broadcast.SendRequest) (*broadcast.Receipt, error)
	Relay(ctx context.Context, roomID, senderID, kind string, data interface{}) (int, error)
}

// Session serves one authenticated websocket connection.
type Session struct {
	ID          string
	UserID      string
	DisplayName string

	conn     *websocket.Conn
	registry Registrar
	engine   Engine
	cfg      Config

	state    atomic.Int32
	queue    *hub.Queue
	relaySem chan struct{}
	relays   sync.WaitGroup
	done     chan struct{}
}

func New(id, userID, displayName string, conn *websocket.Conn, reg Registrar, engine Engine, cfg Config) *Session {
	cfg = cfg.withDefaults()
	return &Session{
		ID:          id,
		UserID:      userID,
		DisplayName: displayName,
		conn:        conn,
		registry:    reg,
		engine:      engine,
		cfg:         cfg,
		relaySem:    make(chan struct{}, cfg.RelayWorkers),
		done:        make(chan struct{}),
	}
}

func (s *Session) State() State {
	return State(s.state.Load())
}

// Done is closed once the session reached StateClosed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Run registers the user, serves the connection until either pump ends or
// ctx is cancelled, then tears down and releases the registry entry. It
// blocks until the session is closed.
func (s *Session) Run(ctx context.Context) {
	ctx = log.Enrich(ctx, map[string]interface{}{
		log.FieldSessionID: s.ID,
		log.FieldUserID:    s.UserID,
	})
	parent := ctx

	s.queue = s.registry.Register(s.UserID, s.DisplayName)
	s.state.Store(int32(StateActive))
	audit.Record(ctx, audit.Event{Action: audit.ActionConnect, UserID: s.UserID}, "websocket session opened")

	ctx, cancel := context.WithCancel(ctx)
	var pumps sync.WaitGroup
	pumps.Add(2)
	go func() {
		defer pumps.Done()
		defer cancel()
		s.writePump(ctx)
	}()
	go func() {
		defer pumps.Done()
		defer cancel()
		s.readPump(ctx)
	}()

	<-ctx.Done()
	s.state.Store(int32(StateClosing))

	if parent.Err() != nil {
		deadline := time.Now().Add(s.cfg.WriteWait)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), deadline)
	}
	s.conn.Close()
	pumps.Wait()
	s.relays.Wait()

	released := s.registry.Release(s.UserID, s.queue)
	s.state.Store(int32(StateClosed))
	close(s.done)

	audit.Record(ctx, audit.Event{Action: audit.ActionDisconnect, UserID: s.UserID}, "websocket session closed")
	l := log.Ctx(ctx)
	l.Debug().Bool("released", released).Msg("session closed")
}

func (s *Session) writePump(ctx context.Context) {
	var tick <-chan time.Time
	if s.cfg.PingInterval > 0 {
		ticker := time.NewTicker(s.cfg.PingInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	l := log.Ctx(ctx)
	for {
		select {
		case <-ctx.Done():
			return

		case env, ok := <-s.queue.C():
			s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
			if !ok {
				// Replaced by a newer connection.
				s.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "replaced by new connection"))
				return
			}

			data, err := json.Marshal(env)
			if err != nil {
				l.Error().Err(err).Str(log.FieldMessageType, env.MessageType).Msg("failed to marshal envelope")
				continue
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				l.Debug().Err(fmt.Errorf("%w: %v", domain.ErrTransport, err)).Msg("write failed")
				return
			}

		case <-tick:
			s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				l.Debug().Err(fmt.Errorf("%w: %v", domain.ErrTransport, err)).Msg("ping failed")
				return
			}
		}
	}
}

func (s *Session) readPump(ctx context.Context) {
	s.conn.SetReadLimit(s.cfg.MaxMessageSize)
	if s.cfg.PingInterval > 0 {
		s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
		s.conn.SetPongHandler(func(string) error {
			s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
			return nil
		})
	}

	l := log.Ctx(ctx)
	for {
		msgType, raw, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				l.Warn().Err(fmt.Errorf("%w: %v", domain.ErrTransport, err)).Msg("websocket read error")
			}
			return
		}
		if s.cfg.PingInterval > 0 {
			s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
		}

		if msgType != websocket.TextMessage {
			metrics.ProtocolErrors.WithLabelValues("binary").Inc()
			l.Warn().Int("frame_type", msgType).Msg("ignoring non-text frame")
			continue
		}

		s.safeHandle(ctx, raw)
	}
}

func (s *Session) safeHandle(ctx context.Context, raw []byte) {
	defer func() {
		if r := recover(); r != nil {
			l := log.Ctx(ctx)
			l.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("frame handler panicked")
		}
	}()
	s.handleFrame(ctx, raw)
}

func (s *Session) handleFrame(ctx context.Context, raw []byte) {
	l := log.Ctx(ctx)

	in, err := domain.ParseInbound(raw)
	if err != nil {
		if errors.Is(err, domain.ErrUnknownKind) {
			metrics.ProtocolErrors.WithLabelValues("unknown_kind").Inc()
			l.Warn().Str(log.FieldMessageType, in.Kind).Msg("unknown message type ignored")
			return
		}
		metrics.ProtocolErrors.WithLabelValues("malformed").Inc()
		l.Warn().Err(err).Msg("malformed frame ignored")
		return
	}

	switch in.Kind {
	case domain.MsgTypeSendMessage:
		s.handleSend(ctx, in.Send)

	case domain.MsgTypeTyping:
		p := in.Typing
		s.relay(ctx, p.RoomID, domain.MsgTypeTyping, domain.TypingOut{
			RoomID:   p.RoomID,
			UserID:   s.UserID,
			Username: s.DisplayName,
			IsTyping: p.IsTyping,
		})

	case domain.MsgTypeReadReceipt:
		p := in.ReadReceipt
		s.relay(ctx, p.RoomID, domain.MsgTypeReadReceipt, domain.ReadReceiptOut{
			RoomID:    p.RoomID,
			MessageID: p.MessageID,
			UserID:    s.UserID,
			Username:  s.DisplayName,
		})
	}
}

func (s *Session) handleSend(ctx context.Context, p *domain.SendMessagePayload) {
	receipt, err := s.engine.Send(ctx, broadcast.SendRequest{
		RoomID:      p.RoomID,
		UserID:      s.UserID,
		Username:    s.DisplayName,
		Content:     p.Content,
		MessageType: p.MessageType,
		ReplyTo:     p.ReplyTo,
	})
	if err != nil {
		l := log.Ctx(ctx)
		l.Warn().Err(err).Str(log.FieldRoomID, p.RoomID).Msg("send failed")
		s.reply(ctx, domain.NewErrorEnvelope(domain.ErrorCode(err), clientMessage(err)))
		return
	}

	audit.Record(ctx, audit.Event{
		Action: audit.ActionSendMessage,
		UserID: s.UserID,
		RoomID: receipt.Message.RoomID,
		Target: receipt.Message.ID,
	}, "message sent")
}

// relay runs a typing/read receipt fan-out off the read loop. When every
// relay slot is busy the update is dropped.
func (s *Session) relay(ctx context.Context, roomID, kind string, data interface{}) {
	select {
	case s.relaySem <- struct{}{}:
	default:
		metrics.RelayDropped.Inc()
		l := log.Ctx(ctx)
		l.Debug().Str(log.FieldMessageType, kind).Msg("relay dropped, all slots busy")
		return
	}

	s.relays.Add(1)
	go func() {
		defer s.relays.Done()
		defer func() { <-s.relaySem }()
		defer func() {
			if r := recover(); r != nil {
				l := log.Ctx(ctx)
				l.Error().Interface("panic", r).Msg("relay panicked")
			}
		}()

		if _, err := s.engine.Relay(ctx, roomID, s.UserID, kind, data); err != nil && ctx.Err() == nil {
			l := log.Ctx(ctx)
			l.Warn().Err(err).Str(log.FieldRoomID, roomID).Str(log.FieldMessageType, kind).Msg("relay failed")
		}
	}()
}

func (s *Session) reply(ctx context.Context, env domain.Envelope) {
	if err := s.queue.TryPush(env); err != nil {
		l := log.Ctx(ctx)
		l.Warn().Err(err).Str(log.FieldMessageType, env.MessageType).Msg("reply dropped")
	}
}

func clientMessage(err error) string {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return err.Error()
	case errors.Is(err, domain.ErrPersistence):
		return "message could not be stored"
	case errors.Is(err, domain.ErrLookup):
		return "message stored but room members could not be resolved"
	default:
		return "internal error"
	}
}

