package channel

import (
	"crypto/ed25519"
	"encoding/base64"

	"github.com/havenmesh/haven/identity"
)

func encodeBase64(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

func decodeBase64(s string) ([]byte, error) { return base64.StdEncoding.DecodeString(s) }

func addressOf(pub []byte) string { return identity.AddressOf(ed25519.PublicKey(pub)) }
