// Package transfer implements the chunked file-transfer engine:
// publishing files as metadata plus a paced chunk stream in the graph
// store, reassembly with multi-pass sweep recovery, and RPC-based
// retransmission for whatever the sweeps never picked up. There is no
// direct peer-to-peer chunk delivery — every chunk passes through the
// graph store.
package transfer

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/havenmesh/haven/channel"
	"github.com/havenmesh/haven/store"
)

const (
	filesPrefix  = "files/"
	chunksPrefix = "chunks/"

	defaultChunkSize         = 10000
	defaultInterChunkDelay   = 5 * time.Millisecond
	defaultCacheTTL          = 5 * time.Minute
	defaultMaxSweeps         = 5
	defaultSweepDelay        = 2 * time.Second
	defaultFinalRecheckDelay = 1 * time.Second
	cacheSweepInterval       = 60 * time.Second
	defaultMinReceiveTimeout = 15 * time.Second
	sendTimeout              = 10 * time.Second
)

// Kind enumerates the events Subscribe delivers.
type Kind int

const (
	EventTransferComplete Kind = iota
	EventReceiveProgress
	EventFileReceived
	EventTransferIncomplete
	EventSendTimeout
)

// Event is delivered to every Subscribe callback. Only the fields
// relevant to Kind are populated.
type Event struct {
	Kind          Kind
	Code          string
	Sender        string
	Filename      string
	Size          int
	Data          []byte
	ReceivedCount int
	TotalChunks   int
}

// fileMetadata is the files/<code> record.
type fileMetadata struct {
	Name        string `json:"name"`
	Type        string `json:"type,omitempty"`
	Size        int    `json:"size"`
	TotalChunks int    `json:"totalChunks"`
	Timestamp   int64  `json:"timestamp"`
	Sender      string `json:"sender"`
}

// chunkRecord is one chunks/<code>/<index> record.
type chunkRecord struct {
	Index     int    `json:"index"`
	Data      string `json:"data"`
	Timestamp int64  `json:"timestamp"`
	FileID    string `json:"fileId"`
}

// Engine is the chunked file-transfer layer, wrapping either a bare
// Channel or an encrypted overlay (via Messenger) for its unified
// messaging surface, while talking to the Channel directly for the RPC
// handlers the transfer protocol itself needs.
type Engine struct {
	ch        *channel.Channel
	gs        store.GraphStore
	messenger Messenger
	logger    *zap.Logger

	chunkSize         int
	interChunkDelay   time.Duration
	cacheTTL          time.Duration
	maxSweeps         int
	sweepDelay        time.Duration
	finalRecheckDelay time.Duration
	minReceiveTimeout time.Duration

	cacheMu sync.Mutex
	cache   map[string]*senderCacheEntry

	recvMu    sync.Mutex
	receivers map[string]*receiverState

	subMu       sync.Mutex
	subscribers map[int]func(Event)
	nextSubID   int

	ctx    context.Context
	cancel context.CancelFunc
	eg     *errgroup.Group
}

type senderCacheEntry struct {
	chunks    map[int]string
	metadata  fileMetadata
	createdAt time.Time
}

// Option configures an Engine at construction.
type Option func(*Engine)

func WithChunkSize(n int) Option              { return func(e *Engine) { e.chunkSize = n } }
func WithInterChunkDelay(d time.Duration) Option { return func(e *Engine) { e.interChunkDelay = d } }
func WithCacheTTL(d time.Duration) Option     { return func(e *Engine) { e.cacheTTL = d } }
func WithMaxSweeps(n int) Option              { return func(e *Engine) { e.maxSweeps = n } }
func WithSweepDelay(d time.Duration) Option   { return func(e *Engine) { e.sweepDelay = d } }
func WithFinalRecheckDelay(d time.Duration) Option {
	return func(e *Engine) { e.finalRecheckDelay = d }
}

// WithMinReceiveTimeout overrides the floor applied to the per-file
// receive timeout, below which the receiver never waits before starting
// its sweep/retransmission recovery. Mainly useful for shrinking that
// wait in tests; production code can leave it at the default.
func WithMinReceiveTimeout(d time.Duration) Option {
	return func(e *Engine) { e.minReceiveTimeout = d }
}
func WithLogger(l *zap.Logger) Option { return func(e *Engine) { e.logger = l } }

// New builds a transfer Engine over ch, writing files/chunks records to
// gs, and using messenger for the unified send/onMessage surface
// — pass a ChannelMessenger or an OverlayMessenger depending on
// whether encryption is enabled.
func New(ctx context.Context, ch *channel.Channel, gs store.GraphStore, messenger Messenger, opts ...Option) *Engine {
	cctx, cancel := context.WithCancel(ctx)
	eg, egctx := errgroup.WithContext(cctx)
	e := &Engine{
		ch:                ch,
		gs:                gs,
		messenger:         messenger,
		logger:            zap.NewNop(),
		chunkSize:         defaultChunkSize,
		interChunkDelay:   defaultInterChunkDelay,
		cacheTTL:          defaultCacheTTL,
		maxSweeps:         defaultMaxSweeps,
		sweepDelay:        defaultSweepDelay,
		finalRecheckDelay: defaultFinalRecheckDelay,
		minReceiveTimeout: defaultMinReceiveTimeout,
		cache:             make(map[string]*senderCacheEntry),
		receivers:         make(map[string]*receiverState),
		subscribers:       make(map[int]func(Event)),
		ctx:               egctx,
		cancel:            cancel,
		eg:                eg,
	}
	for _, opt := range opts {
		opt(e)
	}

	ch.Register("request-chunks", e.handleRequestChunks)
	ch.Register("transfer-confirmed", e.handleTransferConfirmed)

	e.eg.Go(func() error { e.cacheSweepLoop(e.ctx); return nil })
	e.eg.Go(func() error { e.pumpIncomingFiles(e.ctx); return nil })

	return e
}

// Subscribe registers a callback for every emitted Event.
func (e *Engine) Subscribe(fn func(Event)) func() {
	e.subMu.Lock()
	id := e.nextSubID
	e.nextSubID++
	e.subscribers[id] = fn
	e.subMu.Unlock()
	return func() {
		e.subMu.Lock()
		delete(e.subscribers, id)
		e.subMu.Unlock()
	}
}

func (e *Engine) emit(ev Event) {
	e.subMu.Lock()
	fns := make([]func(Event), 0, len(e.subscribers))
	for _, fn := range e.subscribers {
		fns = append(fns, fn)
	}
	e.subMu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// SendMessage broadcasts value over the configured messenger.
func (e *Engine) SendMessage(value any) error { return e.messenger.Send(value) }

// SendMessageTo sends value directly to address over the configured
// messenger.
func (e *Engine) SendMessageTo(address string, value any) error {
	return e.messenger.SendTo(address, value)
}

// OnMessage subscribes to unified messages.
func (e *Engine) OnMessage(fn func(Message)) func() { return e.messenger.Subscribe(fn) }

// Destroy cancels the cache sweeper, every receiver's timers, detaches
// every graph-store subscription the engine opened, and drops pending
// state. It does not destroy the underlying Channel: the engine wraps a
// Channel optionally shared with other layers (e.g. an Overlay also
// built on it), so it isn't the Channel's sole owner the way an Overlay
// is.
func (e *Engine) Destroy() {
	e.cancel()
	_ = e.eg.Wait()

	e.recvMu.Lock()
	for code, r := range e.receivers {
		r.detach()
		delete(e.receivers, code)
	}
	e.recvMu.Unlock()
}

func (e *Engine) receiveTimeout(totalChunks int) time.Duration {
	computed := 3 * time.Duration(totalChunks) * 5 * time.Millisecond
	if computed < e.minReceiveTimeout {
		return e.minReceiveTimeout
	}
	return computed
}

func logCtxErr(logger *zap.Logger, msg string, code string, err error) {
	logger.Warn(msg, zap.String("code", shortCode(code)), zap.Error(err))
}
