// Package overlay implements the end-to-end encrypted layer on top of a
// Channel: automatic ECDH key exchange via a registered "peer" handler,
// per-pair shared secrets, and dual-path (plain + decrypted)
// deduplication. Broadcasting encrypts one ciphertext per known peer
// rather than sharing a single wrapped key across recipients, and the
// overlay carries its own "sea" keypair distinct from the channel's
// signing/box keys.
package overlay

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/nacl/box"
	"golang.org/x/sync/errgroup"

	"github.com/havenmesh/haven/channel"
	"github.com/havenmesh/haven/internal/seenset"
)

const (
	peerHandlerName = "peer"

	dedupTrimThreshold = 1000
	dedupTrimKeep      = 500
	dedupTrimInterval  = 5 * time.Minute
)

// ErrUnknownPeer is returned by Direct when the recipient hasn't
// completed the peer handshake yet.
var ErrUnknownPeer = fmt.Errorf("overlay: unknown peer")

// Peer is one entry in the overlay's own peer table, populated by the
// handshake and kept independent of the Channel's presence table.
type Peer struct {
	Address    string
	SigningPub ed25519.PublicKey
	EncPub     *[32]byte
}

// Kind enumerates the events delivered to Subscribe.
type Kind int

const (
	EventDecrypted Kind = iota
)

// Event is delivered to every Subscribe callback.
type Event struct {
	Kind    Kind
	Peer    string
	Value   json.RawMessage
	PeerPub Peer
	ID      string
}

// sea is the overlay's own keypair: distinct from the wrapped
// Channel's Ed25519/box keypair, generated fresh on New.
type sea struct {
	sigPub  ed25519.PublicKey
	sigPriv ed25519.PrivateKey
	encPub  *[32]byte
	encPriv *[32]byte
}

func newSea() (*sea, error) {
	sigPub, sigPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("overlay: generate sig keypair: %w", err)
	}
	encPub, encPriv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("overlay: generate enc keypair: %w", err)
	}
	return &sea{sigPub: sigPub, sigPriv: sigPriv, encPub: encPub, encPriv: encPriv}, nil
}

// peerHandshake is the {pub, epub} payload exchanged by the "peer" RPC.
type peerHandshake struct {
	Pub  string `json:"pub"`
	Epub string `json:"epub"`
}

type peerReply struct {
	Success bool `json:"success"`
}

// Overlay wraps a channel.Channel with end-to-end encryption.
type Overlay struct {
	ch     *channel.Channel
	sea    *sea
	logger *zap.Logger

	seen *seenset.Set

	mu    sync.Mutex
	peers map[string]Peer

	// handshakeCond is signaled whenever a peer handshake completes, so
	// Broadcast can block until the table stops being empty.
	handshakeCond *sync.Cond

	subMu       sync.Mutex
	subscribers map[int]func(Event)
	nextSubID   int

	unsubscribe func()

	eg     *errgroup.Group
	cancel func()
}

// Option configures an Overlay at construction.
type Option func(*Overlay)

func WithLogger(l *zap.Logger) Option { return func(o *Overlay) { o.logger = l } }

// New wraps ch with an encryption layer. It eagerly generates the sea
// keypair, registers the "peer" request handler, and subscribes to ch's
// seen and message events.
func New(ch *channel.Channel, opts ...Option) (*Overlay, error) {
	s, err := newSea()
	if err != nil {
		return nil, err
	}
	var eg errgroup.Group
	done := make(chan struct{})
	o := &Overlay{
		ch:          ch,
		sea:         s,
		logger:      zap.NewNop(),
		seen:        seenset.New(),
		peers:       make(map[string]Peer),
		subscribers: make(map[int]func(Event)),
		eg:          &eg,
		cancel:      func() { close(done) },
	}
	o.handshakeCond = sync.NewCond(&o.mu)
	for _, opt := range opts {
		opt(o)
	}

	ch.Register(peerHandlerName, o.handlePeerRequest)
	o.unsubscribe = ch.Subscribe(o.handleChannelEvent)

	for _, addr := range ch.KnownPeers() {
		go o.initiateHandshake(addr)
	}

	o.eg.Go(func() error {
		t := time.NewTicker(dedupTrimInterval)
		defer t.Stop()
		for {
			select {
			case <-done:
				return nil
			case <-t.C:
				o.seen.Trim(dedupTrimThreshold, dedupTrimKeep)
			}
		}
	})

	return o, nil
}

// handleChannelEvent runs inside the wrapped Channel's own dispatch
// goroutine, so a handshake (a blocking RPC call) must not run inline
// here or it would stall that channel's message pump until the peer
// responds or times out.
func (o *Overlay) handleChannelEvent(e channel.Event) {
	switch e.Kind {
	case channel.EventSeen:
		go o.initiateHandshake(e.Peer)
	case channel.EventMessage:
		o.handleIncoming(e)
	}
}

// Subscribe registers a callback for every emitted Event.
func (o *Overlay) Subscribe(fn func(Event)) func() {
	o.subMu.Lock()
	id := o.nextSubID
	o.nextSubID++
	o.subscribers[id] = fn
	o.subMu.Unlock()
	return func() {
		o.subMu.Lock()
		delete(o.subscribers, id)
		o.subMu.Unlock()
	}
}

func (o *Overlay) emit(e Event) {
	o.subMu.Lock()
	fns := make([]func(Event), 0, len(o.subscribers))
	for _, fn := range o.subscribers {
		fns = append(fns, fn)
	}
	o.subMu.Unlock()
	for _, fn := range fns {
		fn(e)
	}
}

// KnownPeer reports whether address has completed the peer handshake.
func (o *Overlay) KnownPeer(address string) (Peer, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	p, ok := o.peers[address]
	return p, ok
}

// Destroy tears the overlay down: stop the trimmer, clear the seen set,
// unsubscribe from the wrapped channel, then destroy that channel. The
// overlay owns the Channel it was built on, so teardown cascades —
// callers only need to call Destroy on the outermost layer.
func (o *Overlay) Destroy() {
	o.cancel()
	_ = o.eg.Wait()
	o.unsubscribe()
	o.seen.Clear()
	o.ch.Destroy()
}
