package rfb

import (
	"crypto/des"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// reverseBitsSlow mirrors a byte bit-by-bit, independently of the
// production implementation.
func reverseBitsSlow(b byte) byte {
	var out byte
	for i := 0; i < 8; i++ {
		out <<= 1
		out |= b >> i & 1
	}
	return out
}

func TestAuthResponseKeyDerivation(t *testing.T) {
	challenge := [16]byte{
		0x00, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07,
		0x08, 0x09, 0x0A, 0x0B, 0x0C, 0x0D, 0x0E, 0x0F,
	}

	// Expected: zero-pad "passwd" to 8 bytes, mirror each byte, DES-ECB
	// encrypt both challenge halves independently.
	key := make([]byte, 8)
	copy(key, "passwd")
	for i := range key {
		key[i] = reverseBitsSlow(key[i])
	}
	cipher, err := des.NewCipher(key)
	require.NoError(t, err)
	var want [16]byte
	cipher.Encrypt(want[0:8], challenge[0:8])
	cipher.Encrypt(want[8:16], challenge[8:16])

	got := authResponse("passwd", challenge)
	assert.Equal(t, want, got)
}

func TestAuthResponseTruncatesLongPasswords(t *testing.T) {
	var challenge [16]byte
	// Only the first 8 bytes of the password participate.
	assert.Equal(t,
		authResponse("longpassword", challenge),
		authResponse("longpass", challenge))
	assert.NotEqual(t,
		authResponse("longpass", challenge),
		authResponse("longpasX", challenge))
}

func TestAuthResponseECBBlockIndependence(t *testing.T) {
	// Identical challenge halves encrypt to identical response halves.
	challenge := [16]byte{1, 2, 3, 4, 5, 6, 7, 8, 1, 2, 3, 4, 5, 6, 7, 8}
	resp := authResponse("secret", challenge)
	assert.Equal(t, resp[0:8], resp[8:16])
}

func TestVNCAuthAcceptsCorrectResponse(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	result := make(chan bool, 1)
	go func() {
		ok, err := vncAuth(server, "hunter2")
		require.NoError(t, err)
		result <- ok
	}()

	var challenge [16]byte
	_, err := client.Read(challenge[:])
	require.NoError(t, err)
	resp := authResponse("hunter2", challenge)
	_, err = client.Write(resp[:])
	require.NoError(t, err)

	assert.True(t, <-result)
}

func TestVNCAuthRejectsWrongPassword(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	result := make(chan bool, 1)
	go func() {
		ok, err := vncAuth(server, "hunter2")
		require.NoError(t, err)
		result <- ok
	}()

	var challenge [16]byte
	_, err := client.Read(challenge[:])
	require.NoError(t, err)
	resp := authResponse("wrong", challenge)
	_, err = client.Write(resp[:])
	require.NoError(t, err)

	assert.False(t, <-result)
}
