package transfer_test

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/havenmesh/haven/channel"
	"github.com/havenmesh/haven/identity"
	"github.com/havenmesh/haven/store"
	"github.com/havenmesh/haven/store/memory"
	"github.com/havenmesh/haven/transfer"
)

func newEngine(t *testing.T, ctx context.Context, gs store.GraphStore, room string, opts ...transfer.Option) (*channel.Channel, *transfer.Engine) {
	t.Helper()
	id, err := identity.Generate()
	require.NoError(t, err)
	ch := channel.New(ctx, id, gs, room, channel.WithHeartbeat(20*time.Millisecond))
	eng := transfer.New(ctx, ch, gs, transfer.ChannelMessenger{Channel: ch}, opts...)
	t.Cleanup(func() { eng.Destroy(); ch.Destroy() })
	return ch, eng
}

// lossyStore wraps a memory.Store and silently drops any Put whose key
// matches drop, simulating a chunk that never reaches the graph store —
// as opposed to one that arrives but is filtered from a single
// subscriber, which a real sweep-and-rescan would still recover.
type lossyStore struct {
	*memory.Store
	drop func(key string) bool
}

func (l *lossyStore) Put(ctx context.Context, key string, value []byte) error {
	if l.drop(key) {
		return nil
	}
	return l.Store.Put(ctx, key, value)
}

var _ store.GraphStore = (*lossyStore)(nil)

func waitPeered(t *testing.T, a, b *channel.Channel) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, ok := a.KnownPeer(b.Address())
		return ok
	}, 3*time.Second, 10*time.Millisecond)
}

func waitTransferEvent(t *testing.T, ch <-chan transfer.Event, want transfer.Kind) transfer.Event {
	t.Helper()
	for {
		select {
		case e := <-ch:
			if e.Kind == want {
				return e
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for transfer event kind %v", want)
		}
	}
}

func TestShareFileRoundTrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	gs := memory.New()

	_, sender := newEngine(t, ctx, gs, "transfer-room-1",
		transfer.WithChunkSize(8),
		transfer.WithInterChunkDelay(time.Millisecond),
	)
	_, receiver := newEngine(t, ctx, gs, "transfer-room-1",
		transfer.WithChunkSize(8),
		transfer.WithInterChunkDelay(time.Millisecond),
	)

	events := make(chan transfer.Event, 32)
	receiver.Subscribe(func(e transfer.Event) { events <- e })

	payload := []byte("the quick brown fox jumps over the lazy dog, repeatedly, to pad out several chunks")
	code, err := sender.ShareFile(ctx, "fox.txt", payload, "")
	require.NoError(t, err)
	require.NotEmpty(t, code)

	e := waitTransferEvent(t, events, transfer.EventFileReceived)
	require.Equal(t, "fox.txt", e.Filename)
	require.Equal(t, payload, e.Data)
}

func TestShareFileInfersMIMEType(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	gs := memory.New()
	_, sender := newEngine(t, ctx, gs, "transfer-room-2", transfer.WithInterChunkDelay(time.Millisecond))

	events := make(chan transfer.Event, 8)
	sender.Subscribe(func(e transfer.Event) { events <- e })

	code, err := sender.ShareFile(ctx, "photo.png", []byte{1, 2, 3}, "")
	require.NoError(t, err)
	require.NotEmpty(t, code)

	waitTransferEvent(t, events, transfer.EventTransferComplete)

	entries, err := gs.Once(ctx, "files/"+code)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	var meta struct {
		Type string `json:"type"`
	}
	require.NoError(t, json.Unmarshal(entries[0].Value, &meta))
	require.Equal(t, "image/png", meta.Type)
}

func TestGenerateCodeGrammar(t *testing.T) {
	code := transfer.GenerateCode()
	require.Regexp(t, `^[0-9]+-[a-z]+-[a-z]+$`, code)
}

func TestShareFileRecoversMissingChunkViaRetransmission(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gs := &lossyStore{Store: memory.New(), drop: func(key string) bool {
		return strings.HasSuffix(key, "/000001")
	}}

	senderCh, sender := newEngine(t, ctx, gs, "transfer-room-recover",
		transfer.WithChunkSize(8),
		transfer.WithInterChunkDelay(time.Millisecond),
	)
	receiverCh, receiver := newEngine(t, ctx, gs, "transfer-room-recover",
		transfer.WithMinReceiveTimeout(40*time.Millisecond),
		transfer.WithMaxSweeps(3),
		transfer.WithSweepDelay(30*time.Millisecond),
		transfer.WithFinalRecheckDelay(5*time.Millisecond),
	)
	waitPeered(t, receiverCh, senderCh)

	events := make(chan transfer.Event, 32)
	receiver.Subscribe(func(e transfer.Event) { events <- e })

	payload := []byte("the quick brown fox jumps")
	code, err := sender.ShareFile(ctx, "fox.txt", payload, "")
	require.NoError(t, err)
	require.NotEmpty(t, code)

	// Chunk index 1 never reached the store, so the receiver can only
	// complete by requesting it back from the sender's cache over RPC.
	e := waitTransferEvent(t, events, transfer.EventFileReceived)
	require.Equal(t, payload, e.Data)
}

func TestShareFileReportsIncompleteWhenCacheIsGone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gs := &lossyStore{Store: memory.New(), drop: func(key string) bool {
		return strings.HasSuffix(key, "/000001")
	}}

	senderCh, sender := newEngine(t, ctx, gs, "transfer-room-nodrop",
		transfer.WithChunkSize(8),
		transfer.WithInterChunkDelay(time.Millisecond),
	)
	receiverCh, receiver := newEngine(t, ctx, gs, "transfer-room-nodrop",
		transfer.WithMinReceiveTimeout(40*time.Millisecond),
		transfer.WithMaxSweeps(3),
		transfer.WithSweepDelay(30*time.Millisecond),
		transfer.WithFinalRecheckDelay(5*time.Millisecond),
	)
	waitPeered(t, receiverCh, senderCh)

	events := make(chan transfer.Event, 32)
	receiver.Subscribe(func(e transfer.Event) { events <- e })

	payload := []byte("the quick brown fox jumps")
	code, err := sender.ShareFile(ctx, "fox.txt", payload, "")
	require.NoError(t, err)

	// Simulate the sender's cache entry already being gone (evicted by
	// the usual transfer-confirmed handshake from some other receiver)
	// before this receiver's retransmission request ever arrives.
	var confirmed struct {
		Success bool `json:"success"`
	}
	require.NoError(t, receiverCh.CallTimeout(time.Second, senderCh.Address(), "transfer-confirmed",
		struct {
			FileID string `json:"fileId"`
		}{FileID: code}, &confirmed))
	require.True(t, confirmed.Success)

	e := waitTransferEvent(t, events, transfer.EventTransferIncomplete)
	require.Equal(t, 4, e.ReceivedCount)
	require.Equal(t, 5, e.TotalChunks)
}
