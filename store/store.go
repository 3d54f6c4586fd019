// Package store defines the GraphStore collaborator: a keyed map with
// best-effort gossip replication, map() subscriptions, and tombstone
// deletes, provided externally by whatever replicated store backs a
// deployment. This module does not implement or host that replicated
// store itself — only the interface channel/overlay/transfer consume,
// plus an in-memory reference implementation (package store/memory) for
// this module's own tests and the demo command.
package store

import "context"

// Entry is one (key, value) observation from a Map subscription or Once
// scan. Deleted is set when the entry has been tombstoned.
type Entry struct {
	Key     string
	Value   []byte
	Deleted bool
}

// GraphStore is the external collaborator's contract.
type GraphStore interface {
	// Put writes value at key. Fire-and-forget: no delivery guarantee.
	Put(ctx context.Context, key string, value []byte) error

	// Map subscribes to every present and future entry whose key starts
	// with prefix. The returned channel may repeat a (key,value) pair;
	// callers must deduplicate. Calling the returned cancel func detaches
	// the subscription and closes the channel.
	Map(ctx context.Context, prefix string) (<-chan Entry, func())

	// Once performs a single best-effort scan of everything currently
	// stored under prefix, without subscribing to future entries.
	Once(ctx context.Context, prefix string) ([]Entry, error)

	// Delete overwrites key with a tombstone, removing it from the
	// gossip view.
	Delete(ctx context.Context, key string) error
}
