package auth

import (
	"crypto/sha1"

	"golang.org/x/crypto/pbkdf2"

	"firestige.xyz/zephyr/internal/core/des"
)

const pbkdf2Iterations = 4096

// DeriveKey turns a passphrase into a session key. The salt is normally the
// realm name. The result has odd parity and is never weak.
func DeriveKey(passphrase, salt string) des.Key {
	raw := pbkdf2.Key([]byte(passphrase), []byte(salt), pbkdf2Iterations, len(des.Key{}), sha1.New)
	var k des.Key
	copy(k[:], raw)
	k = k.FixParity()
	if k.IsWeak() {
		k[7] ^= macVariant
	}
	return k
}
