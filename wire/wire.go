// Package wire implements the signed envelope and box envelope wire
// formats: packet signing/verification, and a directed box wrapper
// around a signed envelope for recipient-only delivery.
package wire

import (
	"crypto/ed25519"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mr-tron/base58"
	"golang.org/x/crypto/nacl/box"
)

// PacketType enumerates the "y" discriminator.
type PacketType string

const (
	TypeMessage  PacketType = "m"
	TypeRequest  PacketType = "r"
	TypeResponse PacketType = "rr"
	TypePing     PacketType = "p"
	TypeLeave    PacketType = "x"
)

// Payload is the signed-envelope payload: common fields plus the
// type-specific extras. Field names mirror the wire tags exactly.
type Payload struct {
	T  int64           `json:"t"`
	I  string          `json:"i"`
	Pk string          `json:"pk"`
	Ek string          `json:"ek"`
	N  string          `json:"n"`
	Y  PacketType      `json:"y"`
	V  json.RawMessage `json:"v,omitempty"`
	C  string          `json:"c,omitempty"`
	A  json.RawMessage `json:"a,omitempty"`
	Rn string          `json:"rn,omitempty"`
	Rr json.RawMessage `json:"rr,omitempty"`
}

// SignedEnvelope is {sig, payload} wire-encoded as {"s":hex(sig),"p":payloadBytes}.
// Payload is kept as the exact bytes that were signed; it is never
// re-marshaled, since signing and verification must run over a
// byte-identical string.
type SignedEnvelope struct {
	Sig     []byte
	Payload []byte
}

type wireEnvelope struct {
	S string `json:"s"`
	P string `json:"p"`
}

// Sign serializes payload to canonical JSON and signs it with signFn
// (typically an *identity.Identity's Sign method) — taking a signing
// function rather than a raw ed25519.PrivateKey keeps the private key
// material inside package identity.
func Sign(signFn func([]byte) []byte, payload Payload) (SignedEnvelope, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return SignedEnvelope{}, fmt.Errorf("marshal payload: %w", err)
	}
	sig := signFn(b)
	return SignedEnvelope{Sig: sig, Payload: b}, nil
}

// Encode renders the envelope to its wire JSON form.
func (e SignedEnvelope) Encode() ([]byte, error) {
	b, err := json.Marshal(wireEnvelope{S: hex.EncodeToString(e.Sig), P: string(e.Payload)})
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return b, nil
}

// Decode parses the wire JSON form without verifying it.
func Decode(b []byte) (SignedEnvelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(b, &w); err != nil {
		return SignedEnvelope{}, fmt.Errorf("unmarshal envelope: %w", err)
	}
	sig, err := hex.DecodeString(w.S)
	if err != nil {
		return SignedEnvelope{}, fmt.Errorf("decode sig: %w", err)
	}
	return SignedEnvelope{Sig: sig, Payload: []byte(w.P)}, nil
}

// Verify checks the signature against the payload's declared sender key
// and returns the parsed payload on success.
func Verify(e SignedEnvelope) (Payload, ed25519.PublicKey, bool) {
	var p Payload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return Payload{}, nil, false
	}
	pub, err := DecodeKey(p.Pk)
	if err != nil {
		return Payload{}, nil, false
	}
	if !ed25519.Verify(pub, e.Payload, e.Sig) {
		return Payload{}, nil, false
	}
	return p, pub, true
}

// Fresh reports whether a payload's declared send time is still within
// timeout of now.
func Fresh(p Payload, now time.Time, timeout time.Duration) bool {
	sent := time.UnixMilli(p.T)
	return !sent.Add(timeout).Before(now)
}

// HashPacket computes the first 16 bytes of SHA-512 over raw packet
// bytes, the dedup key used to suppress duplicate delivery.
func HashPacket(b []byte) [16]byte {
	sum := sha512.Sum512(b)
	var out [16]byte
	copy(out[:], sum[:16])
	return out
}

// BoxEnvelope is the directed-send outer wrapper:
// {n: 24-byte nonce, ek: sender box pub, e: ciphertext}.
type BoxEnvelope struct {
	N  [24]byte
	EK [32]byte
	E  []byte
}

type wireBoxEnvelope struct {
	N  string `json:"n"`
	EK string `json:"ek"`
	E  string `json:"e"`
}

// IsBoxEnvelope reports whether raw JSON carries the three box-envelope
// fields: n, ek, and e.
func IsBoxEnvelope(raw json.RawMessage) bool {
	var probe struct {
		N  *string `json:"n"`
		EK *string `json:"ek"`
		E  *string `json:"e"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return false
	}
	return probe.N != nil && probe.EK != nil && probe.E != nil
}

// Seal encrypts an inner signed-envelope's wire bytes to recipientBoxPub.
func Seal(inner []byte, senderBoxPub, senderBoxPriv, recipientBoxPub *[32]byte, randSource randReader) (BoxEnvelope, error) {
	var nonce [24]byte
	if _, err := randSource.Read(nonce[:]); err != nil {
		return BoxEnvelope{}, fmt.Errorf("generate nonce: %w", err)
	}
	ct := box.Seal(nil, inner, &nonce, recipientBoxPub, senderBoxPriv)
	return BoxEnvelope{N: nonce, EK: *senderBoxPub, E: ct}, nil
}

// Open decrypts a box envelope's ciphertext with the local box private key.
func (b BoxEnvelope) Open(localBoxPriv *[32]byte) ([]byte, bool) {
	return box.Open(nil, b.E, &b.N, &b.EK, localBoxPriv)
}

// Encode renders a box envelope to its wire JSON form.
func (b BoxEnvelope) Encode() ([]byte, error) {
	out, err := json.Marshal(wireBoxEnvelope{
		N:  hex.EncodeToString(b.N[:]),
		EK: EncodeKey(b.EK[:]),
		E:  hex.EncodeToString(b.E),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal box envelope: %w", err)
	}
	return out, nil
}

// DecodeBoxEnvelope parses the wire JSON form of a box envelope.
func DecodeBoxEnvelope(raw []byte) (BoxEnvelope, error) {
	var w wireBoxEnvelope
	if err := json.Unmarshal(raw, &w); err != nil {
		return BoxEnvelope{}, fmt.Errorf("unmarshal box envelope: %w", err)
	}
	nonce, err := hex.DecodeString(w.N)
	if err != nil || len(nonce) != 24 {
		return BoxEnvelope{}, fmt.Errorf("bad nonce")
	}
	ek, err := DecodeKey(w.EK)
	if err != nil || len(ek) != 32 {
		return BoxEnvelope{}, fmt.Errorf("bad sender box key")
	}
	ct, err := hex.DecodeString(w.E)
	if err != nil {
		return BoxEnvelope{}, fmt.Errorf("bad ciphertext")
	}
	var out BoxEnvelope
	copy(out.N[:], nonce)
	copy(out.EK[:], ek)
	out.E = ct
	return out, nil
}

type randReader interface {
	Read(p []byte) (n int, err error)
}

// EncodeKey / DecodeKey render raw key bytes as plain base58 (no
// checksum) — the "pk"/"ek" wire fields, as opposed to the
// checksummed seed/address envelopes in package identity.
func EncodeKey(b []byte) string {
	return base58.Encode(b)
}

func DecodeKey(s string) ([]byte, error) {
	b, err := base58.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("base58 decode key: %w", err)
	}
	return b, nil
}
