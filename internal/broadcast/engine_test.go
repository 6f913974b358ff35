package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Dry1ceD7/AAEConnect/internal/domain"
	"github.com/Dry1ceD7/AAEConnect/internal/hub"
	"github.com/Dry1ceD7/AAEConnect/internal/store/memory"
	"github.com/Dry1ceD7/AAEConnect/pkg/pubsub"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type slowStore struct {
	*memory.Store
	delay time.Duration
}

func (s *slowStore) Append(ctx context.Context, msg *domain.ChatMessage) (*domain.ChatMessage, error) {
	time.Sleep(s.delay)
	return s.Store.Append(ctx, msg)
}

type failingResolver struct{ err error }

func (f failingResolver) MembersOf(context.Context, string) ([]string, error) {
	return nil, f.err
}

// storeCheckingRegistry asserts every new_message it delivers is already
// readable from the store.
type storeCheckingRegistry struct {
	*hub.Registry
	t     *testing.T
	store *memory.Store
}

func (r *storeCheckingRegistry) Deliver(userID string, env domain.Envelope) error {
	if env.MessageType == domain.MsgTypeNewMessage {
		var msg domain.ChatMessage
		require.NoError(r.t, json.Unmarshal(env.Data, &msg))
		_, err := r.store.Get(context.Background(), msg.ID)
		assert.NoError(r.t, err, "message %s delivered before it was stored", msg.ID)
	}
	return r.Registry.Deliver(userID, env)
}

type capturePublisher struct {
	mu     sync.Mutex
	rooms  []string
	events chan *pubsub.Event
}

func newCapturePublisher() *capturePublisher {
	return &capturePublisher{events: make(chan *pubsub.Event, 10)}
}

func (p *capturePublisher) Publish(_ context.Context, ev *pubsub.Event) error {
	p.mu.Lock()
	p.rooms = append(p.rooms, ev.RoomID)
	p.mu.Unlock()
	p.events <- ev
	return nil
}

func drain(t *testing.T, q *hub.Queue) []domain.Envelope {
	t.Helper()
	var out []domain.Envelope
	for {
		select {
		case env, ok := <-q.C():
			if !ok {
				return out
			}
			out = append(out, env)
		default:
			return out
		}
	}
}

func decodeMessage(t *testing.T, env domain.Envelope) domain.ChatMessage {
	t.Helper()
	require.Equal(t, domain.MsgTypeNewMessage, env.MessageType)
	var msg domain.ChatMessage
	require.NoError(t, json.Unmarshal(env.Data, &msg))
	return msg
}

func TestSendHelloToRoom(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	st.SetMembers("R1", "U1", "U2")
	reg := hub.NewRegistry()
	q1 := reg.Register("U1", "alice")
	q2 := reg.Register("U2", "bob")

	e := NewEngine(st, st, reg, Config{LatencyTarget: 5 * time.Second})
	receipt, err := e.Send(ctx, SendRequest{RoomID: "R1", UserID: "U1", Username: "alice", Content: "hello"})
	require.NoError(t, err)

	assert.Equal(t, 2, receipt.Recipients)
	assert.Equal(t, 2, receipt.Delivered)
	assert.Equal(t, 0, receipt.Dropped)
	assert.True(t, receipt.TargetMet)
	assert.Equal(t, domain.KindText, receipt.Message.MessageType)
	assert.NotEmpty(t, receipt.Message.ID)

	for _, q := range []*hub.Queue{q1, q2} {
		envs := drain(t, q)
		require.Len(t, envs, 1)
		msg := decodeMessage(t, envs[0])
		assert.Equal(t, receipt.Message.ID, msg.ID)
		assert.Equal(t, "hello", msg.Content)
		assert.Equal(t, "alice", msg.Username)
		assert.Equal(t, "R1", msg.RoomID)
	}

	history, err := st.History(ctx, "R1", 50, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, receipt.Message.ID, history[0].ID)
}

func TestSendOnlyReachesOnlineMembers(t *testing.T) {
	st := memory.New()
	st.SetMembers("R1", "U1", "U2", "U3")
	reg := hub.NewRegistry()
	q1 := reg.Register("U1", "a")
	q3 := reg.Register("U3", "c")
	q4 := reg.Register("U4", "not a member")

	e := NewEngine(st, st, reg, Config{})
	receipt, err := e.Send(context.Background(), SendRequest{RoomID: "R1", UserID: "U1", Content: "hi"})
	require.NoError(t, err)

	assert.Equal(t, 2, receipt.Recipients)
	assert.Len(t, drain(t, q1), 1)
	assert.Len(t, drain(t, q3), 1)
	assert.Empty(t, drain(t, q4))
}

func TestStoreBeforeBroadcast(t *testing.T) {
	st := memory.New()
	st.SetMembers("R1", "U1", "U2")
	reg := &storeCheckingRegistry{Registry: hub.NewRegistry(), t: t, store: st}
	reg.Register("U1", "a")
	reg.Register("U2", "b")

	e := NewEngine(st, st, reg, Config{})
	for i := 0; i < 5; i++ {
		_, err := e.Send(context.Background(), SendRequest{RoomID: "R1", UserID: "U1", Content: "x"})
		require.NoError(t, err)
	}
}

func TestStoredHookRunsBeforeDelivery(t *testing.T) {
	st := memory.New()
	st.SetMembers("R1", "U1")
	reg := hub.NewRegistry()
	q := reg.Register("U1", "a")

	var hooked []string
	hook := func(_ context.Context, msg *domain.ChatMessage) {
		assert.Empty(t, drain(t, q), "hook must run before fan-out")
		hooked = append(hooked, msg.ID)
	}

	e := NewEngine(st, st, reg, Config{}, WithStoredHook(hook), WithStoredHook(nil))
	receipt, err := e.Send(context.Background(), SendRequest{RoomID: "R1", UserID: "U1", Content: "hi"})
	require.NoError(t, err)
	assert.Equal(t, []string{receipt.Message.ID}, hooked)
	assert.Len(t, drain(t, q), 1)

	st.OnAppend(func(*domain.ChatMessage) error { return errors.New("database is down") })
	_, err = e.Send(context.Background(), SendRequest{RoomID: "R1", UserID: "U1", Content: "lost"})
	require.Error(t, err)
	assert.Len(t, hooked, 1, "hook must not run for messages that were not stored")
}

func TestSendPersistenceFailureBroadcastsNothing(t *testing.T) {
	st := memory.New()
	st.SetMembers("R1", "U1")
	st.OnAppend(func(*domain.ChatMessage) error { return errors.New("database is down") })
	reg := hub.NewRegistry()
	q := reg.Register("U1", "a")

	e := NewEngine(st, st, reg, Config{})
	_, err := e.Send(context.Background(), SendRequest{RoomID: "R1", UserID: "U1", Content: "hi"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrPersistence))
	assert.Equal(t, domain.ErrCodePersistence, domain.ErrorCode(err))
	assert.Empty(t, drain(t, q))
}

func TestSendLookupFailureKeepsStoredMessage(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	st.SetMembers("R1", "U1")
	reg := hub.NewRegistry()
	q := reg.Register("U1", "a")

	e := NewEngine(st, failingResolver{err: errors.New("ldap timeout")}, reg, Config{})
	_, err := e.Send(ctx, SendRequest{RoomID: "R1", UserID: "U1", Content: "hi"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrLookup))
	assert.Equal(t, 1, st.Len())
	assert.Empty(t, drain(t, q))

	// Retry the broadcast of the stored message once lookups work again.
	history, err := st.History(ctx, "R1", 1, 0)
	require.NoError(t, err)
	retry := NewEngine(st, st, reg, Config{})
	receipt, err := retry.Broadcast(ctx, &history[0])
	require.NoError(t, err)
	assert.Equal(t, 1, receipt.Delivered)
	assert.Len(t, drain(t, q), 1)
}

func TestSendValidation(t *testing.T) {
	reply := "  "
	tests := []struct {
		name string
		req  SendRequest
	}{
		{"missing room", SendRequest{UserID: "U1", Content: "hi"}},
		{"missing user", SendRequest{RoomID: "R1", Content: "hi"}},
		{"empty content", SendRequest{RoomID: "R1", UserID: "U1"}},
		{"blank content", SendRequest{RoomID: "R1", UserID: "U1", Content: " \n\t"}},
		{"too long", SendRequest{RoomID: "R1", UserID: "U1", Content: strings.Repeat("a", 11)}},
		{"bad kind", SendRequest{RoomID: "R1", UserID: "U1", Content: "hi", MessageType: "video"}},
	}

	st := memory.New()
	st.SetMembers("R1", "U1")
	reg := hub.NewRegistry()
	q := reg.Register("U1", "a")
	e := NewEngine(st, st, reg, Config{MaxContentLength: 10})

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Send(context.Background(), tt.req)
			require.Error(t, err)
			assert.True(t, errors.Is(err, domain.ErrValidation), "got %v", err)
		})
	}
	assert.Equal(t, 0, st.Len())
	assert.Empty(t, drain(t, q))

	// A blank reply_to is treated as absent.
	receipt, err := e.Send(context.Background(), SendRequest{RoomID: "R1", UserID: "U1", Content: "ok", ReplyTo: &reply})
	require.NoError(t, err)
	assert.Nil(t, receipt.Message.ReplyTo)
}

func TestSendReplyToOtherRoomFails(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	st.SetMembers("R1", "U1")
	st.SetMembers("R2", "U1")
	reg := hub.NewRegistry()
	e := NewEngine(st, st, reg, Config{})

	first, err := e.Send(ctx, SendRequest{RoomID: "R1", UserID: "U1", Content: "parent"})
	require.NoError(t, err)

	parent := first.Message.ID
	_, err = e.Send(ctx, SendRequest{RoomID: "R2", UserID: "U1", Content: "reply", ReplyTo: &parent})
	assert.ErrorIs(t, err, domain.ErrPersistence)

	reply, err := e.Send(ctx, SendRequest{RoomID: "R1", UserID: "U1", Content: "reply", ReplyTo: &parent})
	require.NoError(t, err)
	require.NotNil(t, reply.Message.ReplyTo)
	assert.Equal(t, parent, *reply.Message.ReplyTo)
}

func TestLatencyTargetMissed(t *testing.T) {
	st := &slowStore{Store: memory.New(), delay: 40 * time.Millisecond}
	st.SetMembers("R1", "U1")
	reg := hub.NewRegistry()
	reg.Register("U1", "a")

	e := NewEngine(st, st, reg, Config{LatencyTarget: 25 * time.Millisecond})
	receipt, err := e.Send(context.Background(), SendRequest{RoomID: "R1", UserID: "U1", Content: "slow"})
	require.NoError(t, err)

	assert.False(t, receipt.TargetMet)
	assert.GreaterOrEqual(t, receipt.Elapsed, 40*time.Millisecond)
	assert.Equal(t, 1, receipt.Delivered, "a missed target is reported, not an error")
}

func TestFullQueueDropsWithoutBlocking(t *testing.T) {
	st := memory.New()
	st.SetMembers("R1", "U1", "U2")
	reg := hub.NewRegistry(hub.WithQueueSize(1))
	q1 := reg.Register("U1", "a")
	reg.Register("U2", "b")
	require.NoError(t, reg.Deliver("U2", domain.Envelope{MessageType: domain.MsgTypeTyping}))

	e := NewEngine(st, st, reg, Config{})
	receipt, err := e.Send(context.Background(), SendRequest{RoomID: "R1", UserID: "U1", Content: "hi"})
	require.NoError(t, err)

	assert.Equal(t, 2, receipt.Recipients)
	assert.Equal(t, 1, receipt.Delivered)
	assert.Equal(t, 1, receipt.Dropped)
	assert.Len(t, drain(t, q1), 1)
}

func TestRelayExcludesSender(t *testing.T) {
	st := memory.New()
	st.SetMembers("R1", "U1", "U2", "U3")
	reg := hub.NewRegistry()
	q1 := reg.Register("U1", "a")
	q2 := reg.Register("U2", "b")

	e := NewEngine(st, st, reg, Config{})
	n, err := e.Relay(context.Background(), "R1", "U1", domain.MsgTypeTyping, domain.TypingOut{RoomID: "R1", UserID: "U1", IsTyping: true})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Empty(t, drain(t, q1))
	envs := drain(t, q2)
	require.Len(t, envs, 1)
	assert.Equal(t, domain.MsgTypeTyping, envs[0].MessageType)

	var out domain.TypingOut
	require.NoError(t, json.Unmarshal(envs[0].Data, &out))
	assert.True(t, out.IsTyping)
	assert.Equal(t, "U1", out.UserID)
}

func TestSendPublishesEvent(t *testing.T) {
	st := memory.New()
	st.SetMembers("R1", "U1")
	reg := hub.NewRegistry()
	pub := newCapturePublisher()

	e := NewEngine(st, st, reg, Config{Origin: "node-a"}, WithPublisher(pub))
	receipt, err := e.Send(context.Background(), SendRequest{RoomID: "R1", UserID: "U1", Content: "hi"})
	require.NoError(t, err)

	select {
	case ev := <-pub.events:
		assert.Equal(t, pubsub.EventMessageCreated, ev.Kind)
		assert.Equal(t, "node-a", ev.Origin)
		assert.Equal(t, "R1", ev.RoomID)

		var msg domain.ChatMessage
		require.NoError(t, ev.Decode(&msg))
		assert.Equal(t, receipt.Message.ID, msg.ID)
	case <-time.After(time.Second):
		t.Fatal("no event published")
	}

	pub.mu.Lock()
	defer pub.mu.Unlock()
	assert.Equal(t, []string{"R1"}, pub.rooms)
}

func TestClusterEventFromOtherInstance(t *testing.T) {
	st := memory.New()
	st.SetMembers("R1", "U1")
	reg := hub.NewRegistry()
	q := reg.Register("U1", "a")
	e := NewEngine(st, st, reg, Config{Origin: "node-a"})

	msg := &domain.ChatMessage{ID: "m1", RoomID: "R1", UserID: "U9", Content: "from b", MessageType: domain.KindText}

	own, err := pubsub.NewEvent(pubsub.EventMessageCreated, "R1", "node-a", msg)
	require.NoError(t, err)
	e.handleClusterEvent(context.Background(), own)
	assert.Empty(t, drain(t, q), "own events were already delivered locally")

	remote, err := pubsub.NewEvent(pubsub.EventMessageCreated, "R1", "node-b", msg)
	require.NoError(t, err)
	e.handleClusterEvent(context.Background(), remote)

	envs := drain(t, q)
	require.Len(t, envs, 1)
	assert.Equal(t, "m1", decodeMessage(t, envs[0]).ID)
}
