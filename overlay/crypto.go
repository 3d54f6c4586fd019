package overlay

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/nacl/box"
)

// sealed is the wire shape of an overlay-encrypted value: an XChaCha20-
// Poly1305 ciphertext under a nonce, where the key is the ECDH-derived
// shared secret between sender and recipient sea keypairs.
type sealed struct {
	N  string `json:"n"`
	CT string `json:"ct"`
}

// secret derives the shared key between our sea and a peer's enc_pub,
// precomputing the NaCl box shared key and using it directly as the
// chacha20poly1305 key (both are 32 bytes).
func (o *Overlay) secret(theirEncPub *[32]byte) *[32]byte {
	var shared [32]byte
	box.Precompute(&shared, theirEncPub, o.sea.encPriv)
	return &shared
}

func encryptValue(shared *[32]byte, value any) (sealed, error) {
	plain, err := json.Marshal(value)
	if err != nil {
		return sealed{}, fmt.Errorf("overlay: marshal value: %w", err)
	}
	aead, err := chacha20poly1305.NewX(shared[:])
	if err != nil {
		return sealed{}, fmt.Errorf("overlay: build aead: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return sealed{}, fmt.Errorf("overlay: generate nonce: %w", err)
	}
	ct := aead.Seal(nil, nonce, plain, nil)
	return sealed{N: base64.StdEncoding.EncodeToString(nonce), CT: base64.StdEncoding.EncodeToString(ct)}, nil
}

func decryptValue(shared *[32]byte, s sealed) (json.RawMessage, bool) {
	nonce, err := base64.StdEncoding.DecodeString(s.N)
	if err != nil || len(nonce) != chacha20poly1305.NonceSizeX {
		return nil, false
	}
	ct, err := base64.StdEncoding.DecodeString(s.CT)
	if err != nil {
		return nil, false
	}
	aead, err := chacha20poly1305.NewX(shared[:])
	if err != nil {
		return nil, false
	}
	plain, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, false
	}
	return json.RawMessage(plain), true
}
