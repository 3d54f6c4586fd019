package channel

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/havenmesh/haven/store"
	"github.com/havenmesh/haven/wire"
)

func (c *Channel) pumpMessages(ctx context.Context) {
	entries, _ := c.gs.Map(ctx, messagesPrefix)
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-entries:
			if !ok {
				return
			}
			c.handleMessageEntry(e)
		}
	}
}

func (c *Channel) handleMessageEntry(e store.Entry) {
	if e.Deleted {
		return
	}
	var rec envelopeRecord
	if err := json.Unmarshal(e.Value, &rec); err != nil {
		c.logger.Debug("channel: malformed message record", zap.Error(err))
		return
	}
	raw, err := decodeBase64(rec.M)
	if err != nil {
		c.logger.Debug("channel: bad base64 payload", zap.Error(err))
		return
	}

	hash := wire.HashPacket(raw)
	if c.seen.SeenOrAdd(hex.EncodeToString(hash[:])) {
		return
	}

	raw = c.unwrapBoxEnvelope(raw)
	if raw == nil {
		return
	}

	env, err := wire.Decode(raw)
	if err != nil {
		c.logger.Debug("channel: malformed envelope", zap.Error(err))
		return
	}
	payload, pub, ok := wire.Verify(env)
	if !ok {
		c.logger.Debug("channel: signature verification failed")
		return
	}
	if payload.I != c.id {
		return
	}
	if !wire.Fresh(payload, time.Now(), c.timeout) {
		c.logger.Debug("channel: stale packet dropped")
		return
	}

	c.observePeer(payload, pub)
	c.dispatch(payload, hex.EncodeToString(hash[:]))
}

// unwrapBoxEnvelope opens a box envelope addressed to us and returns the
// inner signed-envelope bytes, or nil if raw isn't a box envelope
// addressed to us or fails to decrypt.
func (c *Channel) unwrapBoxEnvelope(raw []byte) []byte {
	if !wire.IsBoxEnvelope(raw) {
		return raw
	}
	boxEnv, err := wire.DecodeBoxEnvelope(raw)
	if err != nil {
		c.logger.Debug("channel: malformed box envelope", zap.Error(err))
		return nil
	}
	inner, ok := boxEnv.Open(c.identity.BoxPrivate())
	if !ok {
		c.logger.Debug("channel: box decryption failed")
		return nil
	}
	return inner
}

func (c *Channel) observePeer(p wire.Payload, pub []byte) {
	ek, err := wire.DecodeKey(p.Ek)
	if err != nil || len(ek) != 32 {
		return
	}
	addr := addressOf(pub)

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

func (c *Channel) dispatch(p wire.Payload, id string) {
	addr := addressOfKey(p.Pk)
	switch p.Y {
	case wire.TypeMessage:
		c.emit(Event{Kind: EventMessage, Peer: addr, Value: p.V, Packet: p, ID: id})
	case wire.TypeRequest:
		c.handleRequest(addr, p)
	case wire.TypeResponse:
		c.handleResponse(addr, p)
	case wire.TypePing:
		c.emit(Event{Kind: EventPing, Peer: addr})
	case wire.TypeLeave:
		c.mu.Lock()
		delete(c.peers, addr)
		c.mu.Unlock()
		c.emit(Event{Kind: EventLeft, Peer: addr})
		c.emitConnections()
	}
}

func addressOfKey(b58Pub string) string {
	pub, err := wire.DecodeKey(b58Pub)
	if err != nil {
		return ""
	}
	return addressOf(pub)
}
