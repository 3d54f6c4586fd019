package wire

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/nacl/box"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	payload := Payload{T: time.Now().UnixMilli(), I: "room", Pk: EncodeKey(pub), Y: TypePing, N: "abcd1234"}
	env, err := Sign(func(b []byte) []byte { return ed25519.Sign(priv, b) }, payload)
	require.NoError(t, err)

	got, verifiedPub, ok := Verify(env)
	require.True(t, ok)
	require.Equal(t, []byte(pub), []byte(verifiedPub))
	require.Equal(t, TypePing, got.Y)
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	payload := Payload{T: time.Now().UnixMilli(), I: "room", Pk: EncodeKey(pub), Y: TypePing}
	env, err := Sign(func(b []byte) []byte { return ed25519.Sign(priv, b) }, payload)
	require.NoError(t, err)

	env.Payload = append(env.Payload, ' ')
	_, _, ok := Verify(env)
	require.False(t, ok)
}

func TestFreshWindow(t *testing.T) {
	now := time.Now()
	fresh := Payload{T: now.Add(-1 * time.Minute).UnixMilli()}
	stale := Payload{T: now.Add(-10 * time.Minute).UnixMilli()}
	require.True(t, Fresh(fresh, now, 5*time.Minute))
	require.False(t, Fresh(stale, now, 5*time.Minute))
}

func TestEnvelopeEncodeDecodeRoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	payload := Payload{T: 1, I: "room", Pk: EncodeKey(pub), Y: TypeMessage}
	env, err := Sign(func(b []byte) []byte { return ed25519.Sign(priv, b) }, payload)
	require.NoError(t, err)

	raw, err := env.Encode()
	require.NoError(t, err)

	decoded, err := Decode(raw)
	require.NoError(t, err)
	_, _, ok := Verify(decoded)
	require.True(t, ok)
}

func TestBoxEnvelopeRoundTrip(t *testing.T) {
	aPub, aPriv, err := box.GenerateKey(rand.Reader)
	require.NoError(t, err)
	bPub, bPriv, err := box.GenerateKey(rand.Reader)
	require.NoError(t, err)

	inner := []byte(`{"hello":"world"}`)
	sealed, err := Seal(inner, aPub, aPriv, bPub, rand.Reader)
	require.NoError(t, err)

	raw, err := sealed.Encode()
	require.NoError(t, err)
	require.True(t, IsBoxEnvelope(raw))

	decoded, err := DecodeBoxEnvelope(raw)
	require.NoError(t, err)
	opened, ok := decoded.Open(bPriv)
	require.True(t, ok)
	require.Equal(t, inner, opened)
}

func TestHashPacketStable(t *testing.T) {
	a := HashPacket([]byte("same bytes"))
	b := HashPacket([]byte("same bytes"))
	c := HashPacket([]byte("different"))
	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
}
