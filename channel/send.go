package channel

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/havenmesh/haven/wire"
)

func (c *Channel) nonce() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

func (c *Channel) basePayload(y wire.PacketType, n string) wire.Payload {
	return wire.Payload{
		T:  time.Now().UnixMilli(),
		I:  c.id,
		Pk: wire.EncodeKey(c.identity.SigningPub),
		Ek: wire.EncodeKey(c.identity.BoxPub[:]),
		N:  n,
		Y:  y,
	}
}

// Send broadcasts value to the whole channel.
func (c *Channel) Send(value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("channel: marshal value: %w", err)
	}
	p := c.basePayload(wire.TypeMessage, c.nonce())
	p.V = raw
	return c.publishSigned(p)
}

// SendTo sends value directly to peerAddress via a box envelope.
func (c *Channel) SendTo(peerAddress string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("channel: marshal value: %w", err)
	}
	p := c.basePayload(wire.TypeMessage, c.nonce())
	p.V = raw
	return c.publishDirected(peerAddress, p)
}

// Ping broadcasts a ping packet.
func (c *Channel) Ping() error {
	return c.publishSigned(c.basePayload(wire.TypePing, c.nonce()))
}

func (c *Channel) broadcastLeave() {
	_ = c.publishSigned(c.basePayload(wire.TypeLeave, c.nonce()))
}

func (c *Channel) publishSigned(p wire.Payload) error {
	env, err := wire.Sign(c.identity.Sign, p)
	return c.writeEnvelope(env, err)
}

func (c *Channel) writeEnvelope(env wire.SignedEnvelope, signErr error) error {
	if signErr != nil {
		return fmt.Errorf("channel: sign: %w", signErr)
	}
	raw, err := env.Encode()
	if err != nil {
		return fmt.Errorf("channel: encode envelope: %w", err)
	}
	return c.writeRaw(raw)
}

func (c *Channel) publishDirected(peerAddress string, p wire.Payload) error {
	peer, ok := c.KnownPeer(peerAddress)
	if !ok {
		return ErrUnknownPeer
	}
	innerEnv, err := wire.Sign(c.identity.Sign, p)
	if err != nil {
		return fmt.Errorf("channel: sign: %w", err)
	}
	innerRaw, err := innerEnv.Encode()
	if err != nil {
		return fmt.Errorf("channel: encode inner envelope: %w", err)
	}
	boxEnv, err := wire.Seal(innerRaw, c.identity.BoxPub, c.identity.BoxPrivate(), &peer.BoxPub, rand.Reader)
	if err != nil {
		return fmt.Errorf("channel: seal: %w", err)
	}
	raw, err := boxEnv.Encode()
	if err != nil {
		return fmt.Errorf("channel: encode box envelope: %w", err)
	}
	return c.writeRaw(raw)
}

func (c *Channel) writeRaw(raw []byte) error {
	hash := wire.HashPacket(raw)
	c.seen.SeenOrAdd(hex.EncodeToString(hash[:]))
	env := envelopeRecord{M: encodeBase64(raw), T: time.Now().UnixMilli(), K: hex.EncodeToString(hash[:])}
	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("channel: marshal record: %w", err)
	}
	key := messagesPrefix + hex.EncodeToString(hash[:])
	if err := c.gs.Put(context.Background(), key, b); err != nil {
		return fmt.Errorf("channel: store put: %w", err)
	}
	return nil
}

type envelopeRecord struct {
	M string `json:"m"`
	T int64  `json:"t"`
	K string `json:"k"`
}
