package rfb

import (
	"crypto/des"
	"crypto/rand"
	"crypto/subtle"
	"io"
	"math/bits"

	"github.com/pkg/errors"
)

// authResponse computes the expected VNC Authentication response for a
// password and 16-byte challenge.
//
// VNC derives the DES key in its own way: the password is zero-padded or
// truncated to 8 bytes and the bit order of each byte is reversed; the
// challenge is then DES-ECB encrypted as two independent 8-byte blocks.
func authResponse(password string, challenge [16]byte) [16]byte {
	var key [8]byte
	copy(key[:], password)
	for i := range key {
		key[i] = bits.Reverse8(key[i])
	}

	// An 8-byte key never fails.
	cipher, err := des.NewCipher(key[:])
	if err != nil {
		panic(err)
	}

	var resp [16]byte
	cipher.Encrypt(resp[0:8], challenge[0:8])
	cipher.Encrypt(resp[8:16], challenge[8:16])
	return resp
}

// vncAuth runs the type-2 challenge-response on the wire. Returns whether
// the client knew the password; the comparison is constant-time.
func vncAuth(conn io.ReadWriter, password string) (bool, error) {
	var challenge [16]byte
	if _, err := rand.Read(challenge[:]); err != nil {
		return false, errors.Wrap(err, "generate auth challenge")
	}
	if _, err := conn.Write(challenge[:]); err != nil {
		return false, errors.Wrap(err, "send auth challenge")
	}

	var response [16]byte
	if _, err := io.ReadFull(conn, response[:]); err != nil {
		return false, errors.Wrap(err, "read auth response")
	}

	expected := authResponse(password, challenge)
	return subtle.ConstantTimeCompare(expected[:], response[:]) == 1, nil
}
