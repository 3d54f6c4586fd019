package overlay

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/havenmesh/haven/channel"
)

// handleIncoming is the Channel "message" subscriber: dedup by message
// id, decrypt with the sender's known shared secret, and emit decrypted
// on success.
func (o *Overlay) handleIncoming(e channel.Event) {
	id := e.ID
	if id == "" {
		id = synthesizeID(e.Peer)
	}
	if o.seen.SeenOrAdd(id) {
		return
	}

	var s sealed
	if err := json.Unmarshal(e.Value, &s); err != nil {
		o.logger.Debug("overlay: not a sealed payload", zap.Error(err))
		return
	}

	p, ok := o.KnownPeer(e.Peer)
	if !ok {
		o.logger.Debug("overlay: message from unhandshaked peer", zap.String("peer", e.Peer))
		return
	}

	shared := o.secret(p.EncPub)
	plain, ok := decryptValue(shared, s)
	if !ok {
		o.logger.Warn("overlay: decryption failed", zap.String("peer", e.Peer))
		return
	}

	o.emit(Event{Kind: EventDecrypted, Peer: e.Peer, Value: plain, PeerPub: p, ID: id})
}

// synthesizeID builds a fallback message identifier when the Channel
// doesn't supply one.
func synthesizeID(address string) string {
	var r [8]byte
	_, _ = rand.Read(r[:])
	return fmt.Sprintf("%d|%s|%s", time.Now().UnixNano(), address, hex.EncodeToString(r[:]))
}
