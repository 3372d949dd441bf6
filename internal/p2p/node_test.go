package p2p

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLoopbackNode(t *testing.T, keyFile string) *Node {
	t.Helper()
	n, err := New(context.Background(), Options{ListenAddrs: []string{"/ip4/127.0.0.1/tcp/0"}, KeyFile: keyFile})
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Close() })
	return n
}

func TestIdentityKeyPersists(t *testing.T) {
	keyFile := filepath.Join(t.TempDir(), "keys", "identity.key")

	_, isNew, err := loadOrCreateKey(keyFile)
	require.NoError(t, err)
	assert.True(t, isNew)
	info, err := os.Stat(keyFile)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	first := newLoopbackNode(t, keyFile).ID()
	second := newLoopbackNode(t, keyFile).ID()
	assert.Equal(t, first, second)
}

func TestCorruptKeyIsReplaced(t *testing.T) {
	keyFile := filepath.Join(t.TempDir(), "identity.key")
	require.NoError(t, os.WriteFile(keyFile, []byte("garbage"), 0600))

	_, isNew, err := loadOrCreateKey(keyFile)
	require.NoError(t, err)
	assert.True(t, isNew)
}

func TestConnectAndDiag(t *testing.T) {
	a := newLoopbackNode(t, "")
	b := newLoopbackNode(t, "")
	ctx := context.Background()

	assert.Error(t, b.Connect(ctx, "/ip4/127.0.0.1/tcp/1"))
	require.NoError(t, b.Connect(ctx, a.Addrs()[0]))
	assert.Contains(t, b.Peers(), a.ID())

	snap, err := b.FetchDiag(ctx, a.ID())
	require.NoError(t, err)
	assert.Equal(t, a.ID(), snap["peer_id"])

	local := b.DiagSnapshot()
	assert.Equal(t, b.ID(), local["peer_id"])
	assert.NotEmpty(t, local["logs"], "connect is recorded")
	assert.NotContains(t, local, "relay_peer")

	// Without a relay there is nothing to route through.
	b.RouteVia(a.ID())
	assert.False(t, b.WaitForRelay(ctx, time.Millisecond))
}

func TestTopicPeers(t *testing.T) {
	a := newLoopbackNode(t, "")
	b := newLoopbackNode(t, "")
	ctx := context.Background()
	require.NoError(t, b.Connect(ctx, a.Addrs()[0]))

	_, cancelA, err := a.Subscribe(ctx, "voice/channel/lobby")
	require.NoError(t, err)
	defer cancelA()
	ch, cancelB, err := b.Subscribe(ctx, "voice/channel/lobby")
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		for _, p := range b.TopicPeers("voice/channel/lobby") {
			if p == a.ID() {
				return true
			}
		}
		return false
	}, 10*time.Second, 50*time.Millisecond)

	cancelB()
	assert.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRelayAddrMustParse(t *testing.T) {
	_, err := New(context.Background(), Options{
		ListenAddrs: []string{"/ip4/127.0.0.1/tcp/0"},
		RelayAddr:   "not-a-multiaddr",
	})
	assert.Error(t, err)
}

func randomPeerID(t *testing.T) peer.ID {
	t.Helper()
	priv, _, err := crypto.GenerateEd25519Key(nil)
	require.NoError(t, err)
	id, err := peer.IDFromPrivateKey(priv)
	require.NoError(t, err)
	return id
}

func TestRouteViaAddsCircuitAddrs(t *testing.T) {
	relayID := randomPeerID(t)
	n, err := New(context.Background(), Options{
		ListenAddrs: []string{"/ip4/127.0.0.1/tcp/0"},
		RelayAddr:   "/ip4/127.0.0.1/tcp/1/p2p/" + relayID.String(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Close() })

	target := randomPeerID(t)
	n.RouteVia(target.String())
	n.RouteVia("garbage")

	want := "/ip4/127.0.0.1/tcp/1/p2p/" + relayID.String() + "/p2p-circuit"
	var got []string
	for _, a := range n.Host.Peerstore().Addrs(target) {
		got = append(got, a.String())
		assert.True(t, isCircuitAddr(a))
	}
	assert.Equal(t, []string{want}, got)

	assert.False(t, isCircuitAddr(ma.StringCast("/ip4/127.0.0.1/tcp/1")))
	assert.False(t, n.hasCircuitAddr())
	assert.Equal(t, relayID.String(), n.DiagSnapshot()["relay_peer"])
}

func TestClosedNodeRejectsTopics(t *testing.T) {
	n, err := New(context.Background(), Options{ListenAddrs: []string{"/ip4/127.0.0.1/tcp/0"}})
	require.NoError(t, err)
	require.NoError(t, n.Close())
	assert.ErrorIs(t, n.Publish(context.Background(), "voice/channel/x", []byte("{}")), ErrClosed)
}
