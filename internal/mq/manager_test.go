package mq

import (
	"context"
	"sync"
	"testing"
	"time"

	libp2p "github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newHost(t *testing.T) host.Host {
	t.Helper()
	h, err := libp2p.New(libp2p.ListenAddrStrings("/ip4/127.0.0.1/tcp/0"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func pair(t *testing.T) (*Manager, *Manager) {
	t.Helper()
	ha, hb := newHost(t), newHost(t)
	require.NoError(t, hb.Connect(context.Background(), peer.AddrInfo{ID: ha.ID(), Addrs: ha.Addrs()}))
	return New(ha), New(hb)
}

type received struct {
	from, topic, payload string
}

type sink struct {
	mu  sync.Mutex
	got []received
}

func (s *sink) handle(from, topic string, payload []byte) {
	s.mu.Lock()
	s.got = append(s.got, received{from, topic, string(payload)})
	s.mu.Unlock()
}

func (s *sink) all() []received {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]received(nil), s.got...)
}

func TestSendDeliversBeforeAck(t *testing.T) {
	a, b := pair(t)
	var s sink
	unsub := a.SubscribeTopic("voice/user/", s.handle)
	defer unsub()

	id, err := b.Send(context.Background(), a.selfID, "voice/user/"+a.selfID, []byte(`{"kind":"offer"}`))
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	// Send returned after the ACK, and the ACK follows dispatch.
	got := s.all()
	require.Len(t, got, 1)
	assert.Equal(t, b.selfID, got[0].from)
	assert.Equal(t, `{"kind":"offer"}`, got[0].payload)

	sent, _ := b.Stats()
	_, recvd := a.Stats()
	assert.EqualValues(t, 1, sent)
	assert.EqualValues(t, 1, recvd)
}

func TestInboxReplayedOnSubscribe(t *testing.T) {
	a, b := pair(t)
	topic := "voice/user/" + a.selfID
	ctx := context.Background()

	for _, p := range []string{`1`, `2`, `3`} {
		_, err := b.Send(ctx, a.selfID, topic, []byte(p))
		require.NoError(t, err)
	}
	assert.Equal(t, 3, a.Buffered(topic))

	var s sink
	unsub := a.SubscribeTopic(topic, s.handle)
	got := s.all()
	require.Len(t, got, 3)
	for i, want := range []string{`1`, `2`, `3`} {
		assert.Equal(t, want, got[i].payload)
	}
	assert.Equal(t, 0, a.Buffered(topic))

	unsub()
	unsub()
	_, err := b.Send(ctx, a.selfID, topic, []byte(`4`))
	require.NoError(t, err)
	assert.Len(t, s.all(), 3)
	assert.Equal(t, 1, a.Buffered(topic))
}

func TestInboxDropsOldest(t *testing.T) {
	a, _ := pair(t)
	for i := 0; i < inboxCap+5; i++ {
		a.dispatch("peer", MQMsg{Type: MsgTypeMsg, ID: "m", Topic: "t", Payload: []byte(`0`)})
	}
	assert.Equal(t, inboxCap, a.Buffered("t"))
}

func TestSendErrors(t *testing.T) {
	a, b := pair(t)
	ctx := context.Background()

	_, err := a.Send(ctx, "not-a-peer", "voice/user/x", []byte(`1`))
	assert.Error(t, err)

	_, err = a.Send(ctx, a.selfID, "voice/user/x", []byte(`1`))
	assert.ErrorContains(t, err, "self")

	b.Close()
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	_, err = a.Send(ctx, b.selfID, "voice/user/"+b.selfID, []byte(`1`))
	assert.Error(t, err)
}
