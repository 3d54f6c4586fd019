package overlay

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/havenmesh/haven/wire"
)

const handshakeTimeout = 10 * time.Second

// initiateHandshake calls the peer's "peer" RPC with our own {pub, epub}
// on every Channel "seen" event.
func (o *Overlay) initiateHandshake(address string) {
	var reply peerReply
	args := peerHandshake{Pub: wire.EncodeKey(o.sea.sigPub), Epub: wire.EncodeKey(o.sea.encPub[:])}
	ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
	defer cancel()
	if err := o.ch.Call(ctx, address, peerHandlerName, args, &reply); err != nil {
		o.logger.Warn("overlay: peer handshake failed", zap.String("peer", address), zap.Error(err))
	}
}

// handlePeerRequest is the registered "peer" handler: it records the
// caller's {pub, epub} and replies {success: true}.
func (o *Overlay) handlePeerRequest(caller string, args json.RawMessage, reply func(result any)) {
	var hs peerHandshake
	if err := json.Unmarshal(args, &hs); err != nil {
		o.logger.Debug("overlay: malformed peer handshake args", zap.Error(err))
		return
	}
	sigPub, err := wire.DecodeKey(hs.Pub)
	if err != nil {
		return
	}
	encPubRaw, err := wire.DecodeKey(hs.Epub)
	if err != nil || len(encPubRaw) != 32 {
		return
	}
	var encPub [32]byte
	copy(encPub[:], encPubRaw)

	o.mu.Lock()
	o.peers[caller] = Peer{Address: caller, SigningPub: sigPub, EncPub: &encPub}
	o.handshakeCond.Broadcast()
	o.mu.Unlock()

	reply(peerReply{Success: true})
}
