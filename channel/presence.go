package channel

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/havenmesh/haven/store"
	"github.com/havenmesh/haven/wire"
)

type presenceRecord struct {
	Pk string `json:"pk"`
	Ek string `json:"ek"`
	T  int64  `json:"t"`
}

func (c *Channel) publishPresence(ctx context.Context) {
	rec := presenceRecord{
		Pk: wire.EncodeKey(c.identity.SigningPub),
		Ek: wire.EncodeKey(c.identity.BoxPub[:]),
		T:  time.Now().UnixMilli(),
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return
	}
	_ = c.gs.Put(ctx, presencePrefix+c.Address(), b)
}

func (c *Channel) pumpPresence(ctx context.Context) {
	entries, _ := c.gs.Map(ctx, presencePrefix)
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-entries:
			if !ok {
				return
			}
			c.handlePresenceEntry(e)
		}
	}
}

func (c *Channel) handlePresenceEntry(e store.Entry) {
	if e.Deleted {
		return
	}
	addr := e.Key[len(presencePrefix):]
	if addr == c.Address() {
		return
	}
	var rec presenceRecord
	if err := json.Unmarshal(e.Value, &rec); err != nil {
		c.logger.Debug("channel: malformed presence record", zap.Error(err))
		return
	}
	pub, err := wire.DecodeKey(rec.Pk)
	if err != nil {
		return
	}
	ek, err := wire.DecodeKey(rec.Ek)
	if err != nil || len(ek) != 32 {
		return
	}

	c.mu.Lock()
	_, existed := c.peers[addr]
	peer := &Peer{Address: addr, SigningPub: pub, LastSeenAt: time.Now()}
	copy(peer.BoxPub[:], ek)
	c.peers[addr] = peer
	c.mu.Unlock()

	if !existed {
		c.emit(Event{Kind: EventSeen, Peer: addr})
		c.emitConnections()
	}
}

func (c *Channel) heartbeatLoop(ctx context.Context) {
	t := time.NewTicker(c.heartbeat)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.publishPresence(ctx)
			c.evictStalePeers()
		}
	}
}

func (c *Channel) evictStalePeers() {
	now := time.Now()
	c.mu.Lock()
	var stale []string
	for addr, p := range c.peers {
		if p.LastSeenAt.Add(c.timeout).Before(now) {
			stale = append(stale, addr)
		}
	}
	for _, addr := range stale {
		delete(c.peers, addr)
	}
	c.mu.Unlock()

	for _, addr := range stale {
		c.emit(Event{Kind: EventTimeout, Peer: addr})
		c.emit(Event{Kind: EventLeft, Peer: addr})
	}
	if len(stale) > 0 {
		c.emitConnections()
	}
}

func (c *Channel) trimLoop(ctx context.Context) {
	t := time.NewTicker(seenTrimInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.seen.Trim(seenTrimThreshold, seenTrimKeep)
		}
	}
}
