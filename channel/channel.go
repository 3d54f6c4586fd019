// Package channel implements the signed-but-unencrypted broadcast/direct
// message transport: identity, presence, packet signing/verification,
// dedup, and request/response RPC over a shared GraphStore. Peers
// discover each other through a presence heartbeat and exchange signed,
// replay-checked packets; a directed send additionally wraps the signed
// envelope in a box envelope addressed to one recipient.
package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/havenmesh/haven/identity"
	"github.com/havenmesh/haven/internal/seenset"
	"github.com/havenmesh/haven/store"
	"github.com/havenmesh/haven/wire"
)

const (
	messagesPrefix = "messages/"
	presencePrefix = "presence/"

	defaultHeartbeat = 30 * time.Second
	defaultTimeout   = 5 * time.Minute

	seenTrimThreshold = 1000
	seenTrimKeep      = 500
	seenTrimInterval  = 5 * time.Minute
)

// ErrUnknownPeer is returned by SendTo/Call when the recipient's keys have
// not been observed on this channel.
var ErrUnknownPeer = fmt.Errorf("channel: unknown peer")

// Handler is an RPC handler registered under a name: given the
// caller's address and raw JSON args, it replies by calling reply with
// a JSON-serializable result.
type Handler func(caller string, args json.RawMessage, reply func(result any))

// Peer is one entry in the presence-derived peer table.
type Peer struct {
	Address    string
	SigningPub []byte
	BoxPub     [32]byte
	LastSeenAt time.Time
}

// Kind enumerates the events a Channel emits.
type Kind int

const (
	EventReady Kind = iota
	EventSeen
	EventLeft
	EventTimeout
	EventMessage
	EventRequest
	EventResponse
	EventPing
	EventConnections
)

// Event is delivered to every Subscribe callback. Only the fields
// relevant to Kind are populated.
type Event struct {
	Kind   Kind
	Peer   string
	Value  json.RawMessage
	Name   string
	Args   json.RawMessage
	Nonce  string
	Result json.RawMessage
	Count  int
	Packet wire.Payload

	// ID is the packet hash, set on EventMessage so wrapping layers
	// like overlay can dedup against the same id the channel already
	// used, instead of synthesizing their own.
	ID string
}

// Channel is the signed transport.
type Channel struct {
	id       string
	identity *identity.Identity
	gs       store.GraphStore
	timeout  time.Duration
	heartbeat time.Duration
	logger   *zap.Logger

	seen *seenset.Set

	mu       sync.Mutex
	peers    map[string]*Peer
	handlers map[string]Handler
	pending  map[string]func(json.RawMessage, bool)

	subMu       sync.Mutex
	subscribers map[int]func(Event)
	nextSubID   int

	ctx    context.Context
	cancel context.CancelFunc
	eg     *errgroup.Group
}

// Option configures a Channel at construction.
type Option func(*Channel)

func WithHeartbeat(d time.Duration) Option { return func(c *Channel) { c.heartbeat = d } }
func WithTimeout(d time.Duration) Option   { return func(c *Channel) { c.timeout = d } }
func WithLogger(l *zap.Logger) Option       { return func(c *Channel) { c.logger = l } }

// New constructs a Channel bound to channelID (the "room") over gs, and starts
// its presence heartbeat and message/presence subscriptions.
func New(ctx context.Context, id *identity.Identity, gs store.GraphStore, channelID string, opts ...Option) *Channel {
	cctx, cancel := context.WithCancel(ctx)
	eg, egctx := errgroup.WithContext(cctx)
	c := &Channel{
		id:          channelID,
		identity:    id,
		gs:          gs,
		timeout:     defaultTimeout,
		heartbeat:   defaultHeartbeat,
		logger:      zap.NewNop(),
		seen:        seenset.New(),
		peers:       make(map[string]*Peer),
		handlers:    make(map[string]Handler),
		pending:     make(map[string]func(json.RawMessage, bool)),
		subscribers: make(map[int]func(Event)),
		ctx:         egctx,
		cancel:      cancel,
		eg:          eg,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.eg.Go(func() error { c.pumpMessages(c.ctx); return nil })
	c.eg.Go(func() error { c.pumpPresence(c.ctx); return nil })
	c.eg.Go(func() error { c.heartbeatLoop(c.ctx); return nil })
	c.eg.Go(func() error { c.trimLoop(c.ctx); return nil })

	c.publishPresence(c.ctx)
	return c
}

func (c *Channel) Address() string { return c.identity.Address() }

// Subscribe registers a callback for every emitted Event and returns an
// unsubscribe func. A Channel is ready as soon as New returns, so fn
// receives an EventReady immediately, here, rather than racing a delivery
// made once from inside the constructor before any subscriber existed.
func (c *Channel) Subscribe(fn func(Event)) func() {
	c.subMu.Lock()
	id := c.nextSubID
	c.nextSubID++
	c.subscribers[id] = fn
	c.subMu.Unlock()
	fn(Event{Kind: EventReady})
	return func() {
		c.subMu.Lock()
		delete(c.subscribers, id)
		c.subMu.Unlock()
	}
}

func (c *Channel) emit(e Event) {
	c.subMu.Lock()
	fns := make([]func(Event), 0, len(c.subscribers))
	for _, fn := range c.subscribers {
		fns = append(fns, fn)
	}
	c.subMu.Unlock()
	for _, fn := range fns {
		fn(e)
	}
}

// Connections returns the number of currently known peers.
func (c *Channel) Connections() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.peers)
}

func (c *Channel) emitConnections() {
	c.emit(Event{Kind: EventConnections, Count: c.Connections()})
}

// KnownPeer reports whether address has a recorded box key.
func (c *Channel) KnownPeer(address string) (Peer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.peers[address]
	if !ok {
		return Peer{}, false
	}
	return *p, true
}

func (c *Channel) KnownPeers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.peers))
	for addr := range c.peers {
		out = append(out, addr)
	}
	return out
}

// Register installs h under name, overwriting any previous handler.
func (c *Channel) Register(name string, h Handler) {
	c.mu.Lock()
	c.handlers[name] = h
	c.mu.Unlock()
}

// Destroy broadcasts a leave packet, cancels every timer, detaches every
// subscription, and drops pending RPC callbacks.
func (c *Channel) Destroy() {
	c.broadcastLeave()
	c.cancel()
	_ = c.eg.Wait()
}
