package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/voicemesh/internal/signal"
)

func recv(t *testing.T, ch <-chan *signal.Message) *signal.Message {
	t.Helper()
	select {
	case m, ok := <-ch:
		require.True(t, ok, "subscription closed")
		return m
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func closedSoon(t *testing.T, ch <-chan *signal.Message) {
	t.Helper()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, 2*time.Second, 5*time.Millisecond)
}

func TestCheckTopic(t *testing.T) {
	assert.NoError(t, CheckTopic(signal.ChannelTopic("lobby")))
	assert.NoError(t, CheckTopic(signal.UserTopic("alice")))
	assert.ErrorIs(t, CheckTopic(signal.TopicUserPrefix), signal.ErrInvalidTopic)
	assert.ErrorIs(t, CheckTopic("chat/lobby"), signal.ErrInvalidTopic)
}

func TestMemoryFanOutInOrder(t *testing.T) {
	b := NewMemory()
	defer b.Close()
	ctx := context.Background()
	topic := signal.ChannelTopic("lobby")

	a, cancelA, err := b.Subscribe(ctx, topic)
	require.NoError(t, err)
	defer cancelA()
	c, cancelC, err := b.Subscribe(ctx, topic)
	require.NoError(t, err)
	defer cancelC()
	assert.Equal(t, 2, b.Subscribers(topic))

	var sent []*signal.Message
	for i := 0; i < 50; i++ {
		m := signal.NewJoin("lobby", "alice", "s1")
		sent = append(sent, m)
		require.NoError(t, b.Publish(ctx, topic, m))
	}

	for _, want := range sent {
		gotA := recv(t, a)
		gotC := recv(t, c)
		assert.Equal(t, want.ID, gotA.ID)
		assert.Equal(t, want.ID, gotC.ID)
		assert.NotSame(t, gotA, gotC)
	}
}

func TestMemoryOtherTopicsNotDelivered(t *testing.T) {
	b := NewMemory()
	defer b.Close()
	ctx := context.Background()

	ch, cancel, err := b.Subscribe(ctx, signal.UserTopic("bob"))
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, b.Publish(ctx, signal.UserTopic("carol"), signal.NewAnswer("lobby", "alice", "carol", "s1", "sdp")))
	require.NoError(t, b.Publish(ctx, signal.UserTopic("bob"), signal.NewAnswer("lobby", "alice", "bob", "s1", "sdp")))
	assert.Equal(t, "bob", recv(t, ch).To)
}

func TestMemoryCancel(t *testing.T) {
	b := NewMemory()
	defer b.Close()
	topic := signal.ChannelTopic("lobby")

	ch, cancel, err := b.Subscribe(context.Background(), topic)
	require.NoError(t, err)
	cancel()
	cancel()
	closedSoon(t, ch)
	assert.Equal(t, 0, b.Subscribers(topic))

	ctx, stop := context.WithCancel(context.Background())
	ch, _, err = b.Subscribe(ctx, topic)
	require.NoError(t, err)
	stop()
	closedSoon(t, ch)
	assert.Eventually(t, func() bool { return b.Subscribers(topic) == 0 }, time.Second, 5*time.Millisecond)
}

func TestMemoryRejects(t *testing.T) {
	b := NewMemory()
	ctx := context.Background()

	_, _, err := b.Subscribe(ctx, "nope")
	assert.ErrorIs(t, err, signal.ErrInvalidTopic)
	assert.ErrorIs(t, b.Publish(ctx, "nope", signal.NewLeave("lobby", "a", "s1")), signal.ErrInvalidTopic)

	done, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, b.Publish(done, signal.ChannelTopic("lobby"), signal.NewLeave("lobby", "a", "s1")), context.Canceled)

	ch, _, err := b.Subscribe(ctx, signal.ChannelTopic("lobby"))
	require.NoError(t, err)
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())
	closedSoon(t, ch)

	assert.ErrorIs(t, b.Publish(ctx, signal.ChannelTopic("lobby"), signal.NewLeave("lobby", "a", "s1")), ErrClosed)
	_, _, err = b.Subscribe(ctx, signal.ChannelTopic("lobby"))
	assert.ErrorIs(t, err, ErrClosed)
}
