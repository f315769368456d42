// Package auth seals and authenticates notices with the block cipher in
// internal/core/des.
//
// A sealed message is laid out as
//
//	IV(8) || CBC(len(4) || plaintext || zero pad || MAC(8))
//
// where MAC is the last block of a CBC-MAC, under a variant of the session
// key, over everything before it. Opening verifies the MAC and the padding
// before any plaintext is handed out.
package auth

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"firestige.xyz/zephyr/internal/core"
	"firestige.xyz/zephyr/internal/core/des"
)

const (
	blockSize = des.BlockSize
	lenSize   = 4
	macSize   = blockSize

	// Overhead is the fixed part of a sealed message, excluding padding.
	Overhead = blockSize + lenSize + macSize

	// minSealed is the shortest well-formed sealed message: IV plus one
	// data block plus the MAC block.
	minSealed = blockSize + 2*blockSize
)

// macVariant derives the checksum key from the session key, the same way
// Kerberos derives its checksum variant keys.
const macVariant = 0xf0

// Session holds the key schedules for one authenticated session. It is
// immutable and safe for concurrent use.
type Session struct {
	seal *des.Schedule
	mac  *des.Schedule
	rand io.Reader
}

// NewSession builds a session from key. Weak and semi-weak keys are refused.
func NewSession(key des.Key) (*Session, error) {
	if key.IsWeak() {
		return nil, fmt.Errorf("session key %s: %w", key, core.ErrWeakKey)
	}
	var variant des.Key
	for i, b := range key {
		variant[i] = b ^ macVariant
	}
	return &Session{
		seal: des.NewSchedule(key),
		mac:  des.NewSchedule(variant),
		rand: rand.Reader,
	}, nil
}

// Seal encrypts plaintext and appends its authenticator.
func (s *Session) Seal(plaintext []byte) ([]byte, error) {
	if uint64(len(plaintext)) > math.MaxUint32 {
		return nil, fmt.Errorf("seal: plaintext too large (%d bytes)", len(plaintext))
	}
	dataLen := padded(lenSize + len(plaintext))

	out := make([]byte, blockSize+dataLen+macSize)
	iv := out[:blockSize]
	if _, err := io.ReadFull(s.rand, iv); err != nil {
		return nil, fmt.Errorf("seal: read iv: %w", err)
	}

	body := out[blockSize:]
	binary.BigEndian.PutUint32(body, uint32(len(plaintext)))
	copy(body[lenSize:], plaintext)
	mac := s.checksum(body[:dataLen])
	copy(body[dataLen:], mac[:])

	cipher.NewCBCEncrypter(s.seal, iv).CryptBlocks(body, body)
	return out, nil
}

// Open decrypts a sealed message and verifies its authenticator. On success
// it returns the plaintext and the MAC. Any failure, including a malformed
// message, is reported as core.ErrAuthFailure and no plaintext is returned.
func (s *Session) Open(sealed []byte) ([]byte, []byte, error) {
	if len(sealed) < minSealed || len(sealed)%blockSize != 0 {
		return nil, nil, fmt.Errorf("open: bad sealed length %d: %w", len(sealed), core.ErrAuthFailure)
	}
	iv := sealed[:blockSize]
	body := make([]byte, len(sealed)-blockSize)
	cipher.NewCBCDecrypter(s.seal, iv).CryptBlocks(body, sealed[blockSize:])

	dataLen := len(body) - macSize
	want := s.checksum(body[:dataLen])
	if subtle.ConstantTimeCompare(want[:], body[dataLen:]) != 1 {
		return nil, nil, fmt.Errorf("open: %w", core.ErrAuthFailure)
	}

	n := binary.BigEndian.Uint32(body)
	if uint64(n) > uint64(dataLen-lenSize) || padded(lenSize+int(n)) != dataLen {
		return nil, nil, fmt.Errorf("open: bad length field %d: %w", n, core.ErrAuthFailure)
	}
	for _, b := range body[lenSize+int(n) : dataLen] {
		if b != 0 {
			return nil, nil, fmt.Errorf("open: bad padding: %w", core.ErrAuthFailure)
		}
	}
	mac := append([]byte(nil), body[dataLen:]...)
	return body[lenSize : lenSize+int(n)], mac, nil
}

// SealNotice encodes and seals a notice.
func (s *Session) SealNotice(n *core.Notice) ([]byte, error) {
	plain, err := core.MarshalNotice(n)
	if err != nil {
		return nil, err
	}
	return s.Seal(plain)
}

// OpenNotice opens a sealed notice. The result is marked authentic and
// carries the recovered authenticator.
func (s *Session) OpenNotice(sealed []byte) (*core.Notice, error) {
	plain, mac, err := s.Open(sealed)
	if err != nil {
		return nil, err
	}
	n, err := core.UnmarshalNotice(plain)
	if err != nil {
		return nil, err
	}
	n.Authenticator = mac
	n.Authentic = true
	return n, nil
}

// Checksum computes the keyed CBC-MAC of len(data) || data, zero padded to
// a whole number of blocks, for callers that authenticate without sealing.
// The length prefix binds the padding and keeps the MAC prefix-free.
func (s *Session) Checksum(data []byte) [macSize]byte {
	buf := make([]byte, padded(lenSize+len(data)))
	binary.BigEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[lenSize:], data)
	return s.checksum(buf)
}

// VerifyChecksum reports whether sum is the checksum of data.
func (s *Session) VerifyChecksum(data, sum []byte) bool {
	want := s.Checksum(data)
	return subtle.ConstantTimeCompare(want[:], sum) == 1
}

// checksum runs CBC-MAC over block-aligned data.
func (s *Session) checksum(data []byte) [macSize]byte {
	var chain uint64
	for off := 0; off < len(data); off += blockSize {
		chain = s.mac.EncryptBlock(chain ^ binary.BigEndian.Uint64(data[off:]))
	}
	var out [macSize]byte
	binary.BigEndian.PutUint64(out[:], chain)
	return out
}

func padded(n int) int {
	if n == 0 {
		return blockSize
	}
	return (n + blockSize - 1) / blockSize * blockSize
}
