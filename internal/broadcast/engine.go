package broadcast

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/Dry1ceD7/AAEConnect/internal/domain"
	"github.com/Dry1ceD7/AAEConnect/internal/hub"
	"github.com/Dry1ceD7/AAEConnect/internal/idgen"
	"github.com/Dry1ceD7/AAEConnect/internal/metrics"
	"github.com/Dry1ceD7/AAEConnect/internal/store"
	"github.com/Dry1ceD7/AAEConnect/pkg/log"
	"github.com/Dry1ceD7/AAEConnect/pkg/pubsub"
)

const (
	DefaultLatencyTarget    = 25 * time.Millisecond
	DefaultMaxContentLength = 10000
	defaultPublishTimeout   = 5 * time.Second
)

// Config tunes the engine.
type Config struct {
	LatencyTarget    time.Duration `mapstructure:"latency_target"`
	MaxContentLength int           `mapstructure:"max_content_length"`
	// Origin identifies this instance on the event bus.
	Origin string `mapstructure:"origin"`
}

// Registry is the subset of the connection registry the engine fans out
// through.
type Registry interface {
	OnlineMembers(candidates []string) []string
	Deliver(userID string, env domain.Envelope) error
}

// SendRequest is one message submitted by a sender.
type SendRequest struct {
	RoomID      string
	UserID      string
	Username    string
	Content     string
	MessageType domain.MessageKind
	ReplyTo     *string
}

// Receipt reports the outcome of one fan-out.
type Receipt struct {
	Message    *domain.ChatMessage
	Recipients int // online members targeted
	Delivered  int
	Dropped    int
	Elapsed    time.Duration
	TargetMet  bool
}

// Engine persists messages and distributes them to the online members of
// their room. A message is never enqueued for anyone before the store has
// accepted it.
type Engine struct {
	store     store.MessageStore
	members   store.MembershipResolver
	registry  Registry
	ids       idgen.Generator
	publisher pubsub.Publisher
	onStored  []StoredHook
	cfg       Config
	now       func() time.Time
}

// StoredHook runs synchronously after the store accepted a message and
// before it is fanned out.
type StoredHook func(ctx context.Context, msg *domain.ChatMessage)

// Option configures an Engine.
type Option func(*Engine)

// WithPublisher publishes message.created events after each fan-out.
func WithPublisher(p pubsub.Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithStoredHook registers h to run after each successful store.
func WithStoredHook(h StoredHook) Option {
	return func(e *Engine) {
		if h != nil {
			e.onStored = append(e.onStored, h)
		}
	}
}

// WithIDGenerator overrides the default UUID generator.
func WithIDGenerator(g idgen.Generator) Option {
	return func(e *Engine) {
		if g != nil {
			e.ids = g
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func NewEngine(ms store.MessageStore, mr store.MembershipResolver, reg Registry, cfg Config, opts ...Option) *Engine {
	if cfg.LatencyTarget <= 0 {
		cfg.LatencyTarget = DefaultLatencyTarget
	}
	if cfg.MaxContentLength <= 0 {
		cfg.MaxContentLength = DefaultMaxContentLength
	}
	e := &Engine{
		store:    ms,
		members:  mr,
		registry: reg,
		ids:      idgen.NewUUIDGenerator(),
		cfg:      cfg,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// LatencyTarget returns the configured fan-out target.
func (e *Engine) LatencyTarget() time.Duration {
	return e.cfg.LatencyTarget
}

// Send validates, stores and broadcasts one message.
func (e *Engine) Send(ctx context.Context, req SendRequest) (*Receipt, error) {
	start := time.Now()

	kind, err := e.validate(&req)
	if err != nil {
		metrics.SendFailures.WithLabelValues(domain.ErrorCode(err)).Inc()
		return nil, err
	}

	id, err := e.ids.Generate()
	if err != nil {
		metrics.SendFailures.WithLabelValues(domain.ErrCodePersistence).Inc()
		return nil, fmt.Errorf("%w: assign id: %v", domain.ErrPersistence, err)
	}

	msg := &domain.ChatMessage{
		ID:          id,
		RoomID:      req.RoomID,
		UserID:      req.UserID,
		Username:    req.Username,
		Content:     req.Content,
		MessageType: kind,
		ReplyTo:     req.ReplyTo,
		CreatedAt:   e.now().UTC(),
	}

	stored, err := e.store.Append(ctx, msg)
	if err != nil {
		metrics.SendFailures.WithLabelValues(domain.ErrCodePersistence).Inc()
		if errors.Is(err, domain.ErrPersistence) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrPersistence, err)
	}

	for _, h := range e.onStored {
		h(ctx, stored)
	}

	receipt, err := e.fanOut(ctx, stored, start)
	if err != nil {
		metrics.SendFailures.WithLabelValues(domain.ErrorCode(err)).Inc()
		return nil, err
	}

	e.publish(stored)
	return receipt, nil
}

// Broadcast distributes an already stored message. It is the retry path
// after a lookup failure in Send.
func (e *Engine) Broadcast(ctx context.Context, msg *domain.ChatMessage) (*Receipt, error) {
	if msg == nil || msg.RoomID == "" {
		return nil, fmt.Errorf("%w: message with room_id is required", domain.ErrValidation)
	}

	receipt, err := e.fanOut(ctx, msg, time.Now())
	if err != nil {
		return nil, err
	}

	e.publish(msg)
	return receipt, nil
}

// DeliverRemote fans out a message that another instance already stored and
// published. Nothing is republished.
func (e *Engine) DeliverRemote(ctx context.Context, msg *domain.ChatMessage) (*Receipt, error) {
	return e.fanOut(ctx, msg, time.Now())
}

// Relay sends an ephemeral envelope to the online members of a room other
// than the sender. It returns how many recipients it was queued for.
func (e *Engine) Relay(ctx context.Context, roomID, senderID, kind string, data interface{}) (int, error) {
	candidates, err := e.members.MembersOf(ctx, roomID)
	if err != nil {
		return 0, fmt.Errorf("%w: members of %s: %v", domain.ErrLookup, roomID, err)
	}

	env, err := domain.NewEnvelope(kind, data)
	if err != nil {
		return 0, err
	}

	delivered := 0
	for _, uid := range e.registry.OnlineMembers(candidates) {
		if uid == senderID {
			continue
		}
		if e.deliver(ctx, uid, env) {
			delivered++
		}
	}
	return delivered, nil
}

func (e *Engine) validate(req *SendRequest) (domain.MessageKind, error) {
	req.RoomID = strings.TrimSpace(req.RoomID)
	req.UserID = strings.TrimSpace(req.UserID)

	switch {
	case req.RoomID == "":
		return "", fmt.Errorf("%w: room_id is required", domain.ErrValidation)
	case req.UserID == "":
		return "", fmt.Errorf("%w: user_id is required", domain.ErrValidation)
	case strings.TrimSpace(req.Content) == "":
		return "", fmt.Errorf("%w: content is required", domain.ErrValidation)
	case utf8.RuneCountInString(req.Content) > e.cfg.MaxContentLength:
		return "", fmt.Errorf("%w: content exceeds %d characters", domain.ErrValidation, e.cfg.MaxContentLength)
	}

	kind := req.MessageType
	if kind == "" {
		kind = domain.KindText
	}
	if !kind.Valid() {
		return "", fmt.Errorf("%w: unsupported message_type %q", domain.ErrValidation, kind)
	}

	if req.ReplyTo != nil && strings.TrimSpace(*req.ReplyTo) == "" {
		req.ReplyTo = nil
	}
	if req.Username == "" {
		req.Username = req.UserID
	}
	return kind, nil
}

func (e *Engine) fanOut(ctx context.Context, msg *domain.ChatMessage, start time.Time) (*Receipt, error) {
	candidates, err := e.members.MembersOf(ctx, msg.RoomID)
	if err != nil {
		return nil, fmt.Errorf("%w: members of %s: %v", domain.ErrLookup, msg.RoomID, err)
	}

	env, err := domain.NewEnvelope(domain.MsgTypeNewMessage, msg)
	if err != nil {
		return nil, err
	}

	online := e.registry.OnlineMembers(candidates)
	receipt := &Receipt{Message: msg, Recipients: len(online)}
	for _, uid := range online {
		if e.deliver(ctx, uid, env) {
			receipt.Delivered++
		} else {
			receipt.Dropped++
		}
	}

	receipt.Elapsed = time.Since(start)
	receipt.TargetMet = receipt.Elapsed <= e.cfg.LatencyTarget
	metrics.ObserveSend(receipt.Elapsed, receipt.TargetMet)

	l := log.Ctx(ctx)
	ev := l.Debug()
	if !receipt.TargetMet {
		ev = l.Warn()
	}
	ev.Str(log.FieldMessageID, msg.ID).
		Str(log.FieldRoomID, msg.RoomID).
		Int(log.FieldRecipients, receipt.Recipients).
		Int(log.FieldDelivered, receipt.Delivered).
		Int(log.FieldDropped, receipt.Dropped).
		Float64(log.FieldElapsed, float64(receipt.Elapsed.Microseconds())/1000).
		Int64(log.FieldTarget, e.cfg.LatencyTarget.Milliseconds()).
		Bool("target_met", receipt.TargetMet).
		Msg("message broadcast")

	return receipt, nil
}

// deliver enqueues env for one recipient. Failures are logged and counted,
// never returned: one slow recipient must not affect the others.
func (e *Engine) deliver(ctx context.Context, userID string, env domain.Envelope) bool {
	err := e.registry.Deliver(userID, env)
	if err == nil {
		metrics.DeliveryOK.Inc()
		return true
	}

	reason := "error"
	switch {
	case errors.Is(err, hub.ErrQueueFull):
		reason = "full"
	case errors.Is(err, hub.ErrQueueClosed):
		reason = "closed"
	case errors.Is(err, hub.ErrOffline):
		reason = "offline"
	}
	metrics.DeliveryDropped.WithLabelValues(reason).Inc()

	l := log.Ctx(ctx)
	l.Warn().Err(err).
		Str(log.FieldUserID, userID).
		Str(log.FieldMessageType, env.MessageType).
		Str("reason", reason).
		Msg("envelope dropped")
	return false
}

// publish hands msg to the event bus in the background. Failures are logged.
func (e *Engine) publish(msg *domain.ChatMessage) {
	if e.publisher == nil {
		return
	}

	event, err := pubsub.NewEvent(pubsub.EventMessageCreated, msg.RoomID, e.cfg.Origin, msg)
	if err != nil {
		l := log.L()
		l.Error().Err(err).Str(log.FieldMessageID, msg.ID).Msg("failed to build message event")
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), defaultPublishTimeout)
		defer cancel()

		if err := e.publisher.Publish(ctx, event); err != nil {
			metrics.EventsPublished.WithLabelValues("error").Inc()
			l := log.L()
			l.Error().Err(err).Str(log.FieldMessageID, msg.ID).Msg("failed to publish message event")
			return
		}
		metrics.EventsPublished.WithLabelValues("ok").Inc()
	}()
}
