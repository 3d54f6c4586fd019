package memory

import (
	"context"
	"testing"
	"time"

	"github.com/havenmesh/haven/store"
	"github.com/stretchr/testify/require"
)

func TestMapReplaysBacklogThenFuture(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, s.Put(ctx, "presence/a", []byte("1")))

	entries, unsub := s.Map(ctx, "presence/")
	defer unsub()

	first := recv(t, entries)
	require.Equal(t, "presence/a", first.Key)

	require.NoError(t, s.Put(ctx, "presence/b", []byte("2")))
	second := recv(t, entries)
	require.Equal(t, "presence/b", second.Key)
}

func TestMapFiltersByPrefix(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, s.Put(ctx, "messages/a", []byte("x")))
	require.NoError(t, s.Put(ctx, "presence/a", []byte("y")))

	entries, unsub := s.Map(ctx, "messages/")
	defer unsub()

	e := recv(t, entries)
	require.Equal(t, "messages/a", e.Key)

	select {
	case e := <-entries:
		t.Fatalf("unexpected delivery: %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestOnceScansCurrentState(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "chunks/t1", []byte("a")))
	require.NoError(t, s.Put(ctx, "chunks/t1", []byte("b")))
	require.NoError(t, s.Put(ctx, "chunks/t2", []byte("c")))

	entries, err := s.Once(ctx, "chunks/t1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
}

func TestDeleteTombstones(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	entries, unsub := s.Map(ctx, "files/")
	defer unsub()

	require.NoError(t, s.Put(ctx, "files/t1", []byte("meta")))
	recv(t, entries)
	require.NoError(t, s.Delete(ctx, "files/t1"))
	e := recv(t, entries)
	require.True(t, e.Deleted)
}

func recv(t *testing.T, ch <-chan store.Entry) store.Entry {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for entry")
		return store.Entry{}
	}
}
