package overlay

import (
	"context"

	"go.uber.org/zap"
)

// Broadcast encrypts value separately for every known peer and sends it
// as a directed Channel message. If the peer table is empty it blocks
// until the first peer handshake completes.
func (o *Overlay) Broadcast(ctx context.Context, value any) error {
	peers := o.waitForFirstPeer(ctx)
	if peers == nil {
		return ctx.Err()
	}
	for _, p := range peers {
		shared := o.secret(p.EncPub)
		ct, err := encryptValue(shared, value)
		if err != nil {
			o.logger.Warn("overlay: broadcast encrypt failed", zap.String("peer", p.Address), zap.Error(err))
			continue
		}
		if err := o.ch.SendTo(p.Address, ct); err != nil {
			o.logger.Warn("overlay: broadcast send failed", zap.String("peer", p.Address), zap.Error(err))
		}
	}
	return nil
}

// Direct encrypts value for a single known peer and sends it directly
// to its recipient.
func (o *Overlay) Direct(address string, value any) error {
	p, ok := o.KnownPeer(address)
	if !ok {
		return ErrUnknownPeer
	}
	shared := o.secret(p.EncPub)
	ct, err := encryptValue(shared, value)
	if err != nil {
		return err
	}
	return o.ch.SendTo(address, ct)
}

func (o *Overlay) waitForFirstPeer(ctx context.Context) []Peer {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			o.mu.Lock()
			o.handshakeCond.Broadcast()
			o.mu.Unlock()
		case <-stop:
		}
	}()

	o.mu.Lock()
	defer o.mu.Unlock()
	for len(o.peers) == 0 {
		if ctx.Err() != nil {
			return nil
		}
		o.handshakeCond.Wait()
	}
	out := make([]Peer, 0, len(o.peers))
	for _, p := range o.peers {
		out = append(out, p)
	}
	return out
}
