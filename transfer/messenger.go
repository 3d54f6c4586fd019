package transfer

import (
	"context"
	"encoding/json"

	"github.com/havenmesh/haven/channel"
	"github.com/havenmesh/haven/overlay"
)

// Message is delivered to OnMessage, regardless of whether it arrived
// plain or was decrypted by the overlay.
type Message struct {
	Peer  string
	Value json.RawMessage
}

// Messenger abstracts "bare Channel or encrypted overlay, per
// configuration" for the engine's unified send(value)/
// send(address,value)/onMessage surface. It is NOT used by the chunked
// transfer protocol itself, which always registers its RPC handlers on
// and talks to the Channel directly, regardless of encryption.
type Messenger interface {
	Send(value any) error
	SendTo(address string, value any) error
	Subscribe(fn func(Message)) func()
}

// ChannelMessenger adapts a bare channel.Channel to Messenger.
type ChannelMessenger struct {
	Channel *channel.Channel
}

func (m ChannelMessenger) Send(value any) error                  { return m.Channel.Send(value) }
func (m ChannelMessenger) SendTo(address string, value any) error { return m.Channel.SendTo(address, value) }

func (m ChannelMessenger) Subscribe(fn func(Message)) func() {
	return m.Channel.Subscribe(func(e channel.Event) {
		if e.Kind == channel.EventMessage {
			fn(Message{Peer: e.Peer, Value: e.Value})
		}
	})
}

// OverlayMessenger adapts an encrypted overlay.Overlay to Messenger.
type OverlayMessenger struct {
	Overlay *overlay.Overlay
}

func (m OverlayMessenger) Send(value any) error {
	return m.Overlay.Broadcast(context.Background(), value)
}

func (m OverlayMessenger) SendTo(address string, value any) error {
	return m.Overlay.Direct(address, value)
}

func (m OverlayMessenger) Subscribe(fn func(Message)) func() {
	return m.Overlay.Subscribe(func(e overlay.Event) {
		if e.Kind == overlay.EventDecrypted {
			fn(Message{Peer: e.Peer, Value: e.Value})
		}
	})
}

var (
	_ Messenger = ChannelMessenger{}
	_ Messenger = OverlayMessenger{}
)
