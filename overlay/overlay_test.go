package overlay_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/havenmesh/haven/channel"
	"github.com/havenmesh/haven/identity"
	"github.com/havenmesh/haven/overlay"
	"github.com/havenmesh/haven/store/memory"
)

func newPair(t *testing.T, ctx context.Context, gs *memory.Store, room string) (*channel.Channel, *channel.Channel) {
	t.Helper()
	idA, err := identity.Generate()
	require.NoError(t, err)
	idB, err := identity.Generate()
	require.NoError(t, err)
	a := channel.New(ctx, idA, gs, room, channel.WithHeartbeat(20*time.Millisecond))
	b := channel.New(ctx, idB, gs, room, channel.WithHeartbeat(20*time.Millisecond))
	return a, b
}

func waitOverlayEvent(t *testing.T, ch <-chan overlay.Event, want overlay.Kind) overlay.Event {
	t.Helper()
	select {
	case e := <-ch:
		require.Equal(t, want, e.Kind)
		return e
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for overlay event")
	}
	return overlay.Event{}
}

func TestOverlayHandshakeAndDecrypt(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	gs := memory.New()
	a, b := newPair(t, ctx, gs, "overlay-room-1")

	oa, err := overlay.New(a)
	require.NoError(t, err)
	ob, err := overlay.New(b)
	require.NoError(t, err)
	defer oa.Destroy()
	defer ob.Destroy()

	decrypted := make(chan overlay.Event, 8)
	ob.Subscribe(func(e overlay.Event) {
		if e.Kind == overlay.EventDecrypted {
			decrypted <- e
		}
	})

	require.Eventually(t, func() bool {
		_, ok := oa.KnownPeer(b.Address())
		return ok
	}, 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		_, ok := ob.KnownPeer(a.Address())
		return ok
	}, 3*time.Second, 10*time.Millisecond)

	bctx, bcancel := context.WithTimeout(context.Background(), time.Second)
	defer bcancel()
	require.NoError(t, oa.Broadcast(bctx, map[string]string{"text": "hi"}))

	e := waitOverlayEvent(t, decrypted, overlay.EventDecrypted)
	require.Equal(t, a.Address(), e.Peer)
	var v map[string]string
	require.NoError(t, json.Unmarshal(e.Value, &v))
	require.Equal(t, "hi", v["text"])
}

func TestOverlayDirectUnknownPeer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	gs := memory.New()
	id, err := identity.Generate()
	require.NoError(t, err)
	a := channel.New(ctx, id, gs, "overlay-room-2")

	oa, err := overlay.New(a)
	require.NoError(t, err)
	defer oa.Destroy()

	err = oa.Direct("nonexistent-address", "hi")
	require.ErrorIs(t, err, overlay.ErrUnknownPeer)
}

func TestOverlayPlainSubscriberSeesCiphertextOnly(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	gs := memory.New()
	a, b := newPair(t, ctx, gs, "overlay-room-3")

	oa, err := overlay.New(a)
	require.NoError(t, err)
	ob, err := overlay.New(b)
	require.NoError(t, err)
	defer oa.Destroy()
	defer ob.Destroy()

	plainMsgs := make(chan channel.Event, 8)
	b.Subscribe(func(e channel.Event) {
		if e.Kind == channel.EventMessage {
			plainMsgs <- e
		}
	})

	require.Eventually(t, func() bool {
		_, ok := oa.KnownPeer(b.Address())
		return ok
	}, 3*time.Second, 10*time.Millisecond)

	bctx, bcancel := context.WithTimeout(context.Background(), time.Second)
	defer bcancel()
	require.NoError(t, oa.Broadcast(bctx, "plaintext-would-be-bad"))

	e := <-plainMsgs
	require.NotContains(t, string(e.Value), "plaintext-would-be-bad")
}
