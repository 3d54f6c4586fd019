// Package identity derives the keyed triple (seed, signing keypair,
// ephemeral box keypair) each peer uses, and the base58check address
// derived from the signing public key.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"
	"fmt"

	"github.com/mr-tron/base58"
	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/ripemd160" //nolint:staticcheck // required by the address wire format
)

const (
	seedVersionHi = 0x49
	seedVersionLo = 0x0a
	addrVersion   = 0x55
	seedSize      = 32
	checksumLen   = 4
)

// Seed is the 32 raw random bytes a signing keypair is deterministically
// derived from.
type Seed [seedSize]byte

// GenerateSeed produces a fresh random seed.
func GenerateSeed() (Seed, error) {
	var s Seed
	if _, err := rand.Read(s[:]); err != nil {
		return Seed{}, fmt.Errorf("generate seed: %w", err)
	}
	return s, nil
}

// Encode renders the seed as base58check(0x49 0x0a || seed).
func (s Seed) Encode() string {
	payload := make([]byte, 0, 2+seedSize)
	payload = append(payload, seedVersionHi, seedVersionLo)
	payload = append(payload, s[:]...)
	return encodeCheck(payload)
}

// DecodeSeed parses the base58check(0x49 0x0a || seed) envelope.
func DecodeSeed(s string) (Seed, error) {
	payload, err := decodeCheck(s)
	if err != nil {
		return Seed{}, fmt.Errorf("decode seed: %w", err)
	}
	if len(payload) != 2+seedSize {
		return Seed{}, fmt.Errorf("decode seed: want %d bytes, got %d", 2+seedSize, len(payload))
	}
	if payload[0] != seedVersionHi || payload[1] != seedVersionLo {
		return Seed{}, fmt.Errorf("decode seed: bad version prefix %#x%02x", payload[0], payload[1])
	}
	var out Seed
	copy(out[:], payload[2:])
	return out, nil
}

// Identity is the keyed triple a peer uses on one channel: a stable
// signing keypair derived from the seed, and a box keypair generated
// fresh every time New runs (never persisted, per spec).
type Identity struct {
	Seed       Seed
	SigningPub ed25519.PublicKey
	signingKey ed25519.PrivateKey
	BoxPub     *[32]byte
	boxKey     *[32]byte
}

// New derives a signing keypair from seed and generates a fresh ephemeral
// box keypair.
func New(seed Seed) (*Identity, error) {
	signingKey := ed25519.NewKeyFromSeed(seed[:])
	boxPub, boxPriv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate box keypair: %w", err)
	}
	return &Identity{
		Seed:       seed,
		SigningPub: signingKey.Public().(ed25519.PublicKey),
		signingKey: signingKey,
		BoxPub:     boxPub,
		boxKey:     boxPriv,
	}, nil
}

// Generate creates a fresh random identity.
func Generate() (*Identity, error) {
	seed, err := GenerateSeed()
	if err != nil {
		return nil, err
	}
	return New(seed)
}

// Sign authenticates payload with the signing private key.
func (id *Identity) Sign(payload []byte) []byte {
	return ed25519.Sign(id.signingKey, payload)
}

// BoxPrivate exposes the box private key for encryption helpers in wire.
func (id *Identity) BoxPrivate() *[32]byte { return id.boxKey }

// Address derives the stable address base58check(0x55 || ripemd160(sha512(pub))).
func (id *Identity) Address() string {
	return AddressOf(id.SigningPub)
}

// AddressOf derives the address for an arbitrary signing public key, so
// peers can be addressed without holding their private material.
func AddressOf(pub ed25519.PublicKey) string {
	digest512 := sha512.Sum512(pub)
	h := ripemd160.New()
	h.Write(digest512[:])
	ripe := h.Sum(nil)
	payload := make([]byte, 0, 1+len(ripe))
	payload = append(payload, addrVersion)
	payload = append(payload, ripe...)
	return encodeCheck(payload)
}

func checksum(payload []byte) []byte {
	first := sha512.Sum512(payload)
	second := sha512.Sum512(first[:])
	return second[:checksumLen]
}

func encodeCheck(payload []byte) string {
	full := make([]byte, 0, len(payload)+checksumLen)
	full = append(full, payload...)
	full = append(full, checksum(payload)...)
	return base58.Encode(full)
}

func decodeCheck(s string) ([]byte, error) {
	full, err := base58.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("base58 decode: %w", err)
	}
	if len(full) < checksumLen {
		return nil, fmt.Errorf("too short for checksum")
	}
	payload := full[:len(full)-checksumLen]
	want := checksum(payload)
	got := full[len(full)-checksumLen:]
	for i := range want {
		if want[i] != got[i] {
			return nil, fmt.Errorf("checksum mismatch")
		}
	}
	return payload, nil
}
