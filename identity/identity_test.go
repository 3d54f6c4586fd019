package identity

import (
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSeedRoundTrip(t *testing.T) {
	seed, err := GenerateSeed()
	require.NoError(t, err)

	encoded := seed.Encode()
	decoded, err := DecodeSeed(encoded)
	require.NoError(t, err)
	require.Equal(t, seed, decoded)
}

func TestDecodeSeedRejectsBadChecksum(t *testing.T) {
	seed, err := GenerateSeed()
	require.NoError(t, err)
	encoded := seed.Encode()
	tampered := "1" + encoded[1:]
	if tampered == encoded {
		tampered = encoded + "1"
	}
	_, err = DecodeSeed(tampered)
	require.Error(t, err)
}

func TestAddressIsDeterministicInSeed(t *testing.T) {
	seed, err := GenerateSeed()
	require.NoError(t, err)

	idA, err := New(seed)
	require.NoError(t, err)
	idB, err := New(seed)
	require.NoError(t, err)

	require.Equal(t, idA.Address(), idB.Address())
	require.NotEqual(t, idA.BoxPub, idB.BoxPub, "box keys are ephemeral per instantiation")
}

func TestAddressOfMatchesIdentityAddress(t *testing.T) {
	id, err := Generate()
	require.NoError(t, err)
	require.Equal(t, id.Address(), AddressOf(id.SigningPub))
}

func TestSignVerifyRoundTrip(t *testing.T) {
	id, err := Generate()
	require.NoError(t, err)
	payload := []byte(`{"t":1,"y":"m"}`)
	sig := id.Sign(payload)
	require.True(t, ed25519.Verify(id.SigningPub, payload, sig))
}
