package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/havenmesh/haven/wire"
)

// handleRequest dispatches an incoming "r" packet to its registered
// handler. The handler's reply is signed and box-sealed back to the
// caller as an "rr" packet carrying the original request's nonce in Rn.
func (c *Channel) handleRequest(caller string, p wire.Payload) {
	c.emit(Event{Kind: EventRequest, Peer: caller, Name: p.C, Args: p.A, Nonce: p.N})

	c.mu.Lock()
	h, ok := c.handlers[p.C]
	c.mu.Unlock()
	if !ok {
		c.logger.Warn("channel: no handler registered for request", zap.String("name", p.C))
		if err := c.reply(caller, p.N, map[string]string{"error": "No such API call."}); err != nil {
			c.logger.Warn("channel: reply failed", zap.Error(err), zap.String("name", p.C))
		}
		return
	}

	h(caller, p.A, func(result any) {
		if err := c.reply(caller, p.N, result); err != nil {
			c.logger.Warn("channel: reply failed", zap.Error(err), zap.String("name", p.C))
		}
	})
}

func (c *Channel) reply(caller, requestNonce string, result any) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("channel: marshal reply: %w", err)
	}
	p := c.basePayload(wire.TypeResponse, c.nonce())
	p.Rn = requestNonce
	p.Rr = raw
	return c.publishDirected(caller, p)
}

// handleResponse resolves the pending call keyed by the response's
// declared request nonce.
func (c *Channel) handleResponse(caller string, p wire.Payload) {
	c.emit(Event{Kind: EventResponse, Peer: caller, Result: p.Rr, Nonce: p.Rn})

	c.mu.Lock()
	cb, ok := c.pending[p.Rn]
	if ok {
		delete(c.pending, p.Rn)
	}
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("channel: response for unknown or expired request", zap.String("nonce", p.Rn))
		return
	}
	cb(p.Rr, true)
}

// Call sends a request to peerAddress and blocks until a matching
// response arrives or ctx is done. result is unmarshaled from the
// peer's reply.
func (c *Channel) Call(ctx context.Context, peerAddress, name string, args any, result any) error {
	rawArgs, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("channel: marshal args: %w", err)
	}

	n := c.nonce()
	done := make(chan json.RawMessage, 1)

	c.mu.Lock()
	c.pending[n] = func(raw json.RawMessage, ok bool) {
		if ok {
			done <- raw
		} else {
			close(done)
		}
	}
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, n)
		c.mu.Unlock()
	}()

	p := c.basePayload(wire.TypeRequest, n)
	p.C = name
	p.A = rawArgs
	if err := c.publishDirected(peerAddress, p); err != nil {
		return fmt.Errorf("channel: call: %w", err)
	}

	select {
	case <-ctx.Done():
		return fmt.Errorf("channel: call %q to %s: %w", name, peerAddress, ctx.Err())
	case raw, ok := <-done:
		if !ok {
			return fmt.Errorf("channel: call %q to %s: no response", name, peerAddress)
		}
		if result == nil || raw == nil {
			return nil
		}
		if err := json.Unmarshal(raw, result); err != nil {
			return fmt.Errorf("channel: unmarshal result: %w", err)
		}
		return nil
	}
}

// CallTimeout is a convenience wrapper around Call using a fixed
// timeout.
func (c *Channel) CallTimeout(timeout time.Duration, peerAddress, name string, args any, result any) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return c.Call(ctx, peerAddress, name, args, result)
}
