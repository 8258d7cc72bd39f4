package webchat

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegistryDisconnectIsIdempotent(t *testing.T) {
	r := NewRegistry()
	ch := newStubChannel()
	r.Connect("u1", ch)

	require.True(t, r.Disconnect(ch))
	require.False(t, r.Disconnect(ch))
	require.False(t, r.Disconnect(newStubChannel()))
	require.False(t, r.IsOnline("u1"))
	require.Equal(t, 0, r.OnlineCount())
	require.True(t, ch.isClosed())
}

func TestRegistryConnectIsDeduplicated(t *testing.T) {
	r := NewRegistry()
	ch := newStubChannel()
	r.Connect("u1", ch)
	r.Connect("u1", ch)
	require.Equal(t, 1, r.ConnectionCount("u1"))

	require.Equal(t, 1, r.SendToUser("u1", []byte(`{"type":"x"}`)))
	require.Len(t, ch.sent, 1)
}

func TestRegistryChannelHasOneOwner(t *testing.T) {
	r := NewRegistry()
	ch := newStubChannel()
	r.Connect("u1", ch)
	r.Connect("u2", ch)

	require.False(t, r.IsOnline("u1"))
	require.True(t, r.IsOnline("u2"))
	require.Equal(t, 0, r.SendToUser("u1", []byte("a")))
	require.Equal(t, 1, r.SendToUser("u2", []byte("b")))
}

func TestRegistryPrunesFailedChannelAndKeepsOthers(t *testing.T) {
	r := NewRegistry()
	good := newStubChannel()
	bad := failingChannel(0)
	r.Connect("u1", good)
	r.Connect("u1", bad)

	require.Equal(t, 1, r.SendToUser("u1", []byte("one")))
	require.Equal(t, 1, r.ConnectionCount("u1"))
	require.True(t, bad.isClosed())

	require.Equal(t, 1, r.SendToUser("u1", []byte("two")))
	require.Len(t, good.sent, 2)
}

func TestRegistrySendToUserWithoutChannels(t *testing.T) {
	r := NewRegistry()
	require.Equal(t, 0, r.SendToUser("nobody", []byte("x")))
	require.False(t, r.IsOnline("nobody"))
}

func TestRegistrySendToOne(t *testing.T) {
	r := NewRegistry()
	a := newStubChannel()
	b := newStubChannel()
	r.Connect("u1", a)
	r.Connect("u1", b)

	require.True(t, r.SendToOne(a, []byte("only-a")))
	require.Len(t, a.sent, 1)
	require.Empty(t, b.sent)
	require.False(t, r.SendToOne(newStubChannel(), []byte("x")))

	dead := failingChannel(0)
	r.Connect("u1", dead)
	require.False(t, r.SendToOne(dead, []byte("x")))
	require.Equal(t, 2, r.ConnectionCount("u1"))
}

func TestRegistryBroadcast(t *testing.T) {
	r := NewRegistry()
	chans := []*stubChannel{newStubChannel(), newStubChannel(), failingChannel(0)}
	r.Connect("u1", chans[0])
	r.Connect("u2", chans[1])
	r.Connect("u3", chans[2])

	require.Equal(t, 2, r.Broadcast([]byte("hello")))
	require.Equal(t, 2, r.OnlineCount())
	require.False(t, r.IsOnline("u3"))
}

func TestRegistryConcurrentUse(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			identity := fmt.Sprintf("u%d", i%4)
			for j := 0; j < 50; j++ {
				ch := newStubChannel()
				r.Connect(identity, ch)
				r.SendToUser(identity, []byte("x"))
				r.Broadcast([]byte("y"))
				r.Disconnect(ch)
			}
		}(i)
	}
	wg.Wait()
	require.Equal(t, 0, r.OnlineCount())
}
