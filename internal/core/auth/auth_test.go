package auth

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/zephyr/internal/core"
	"firestige.xyz/zephyr/internal/core/des"
)

func newTestSession(t *testing.T, hexKey string) *Session {
	t.Helper()
	k, err := des.ParseKey(hexKey)
	require.NoError(t, err)
	s, err := NewSession(k)
	require.NoError(t, err)
	return s
}

func TestSealOpenRoundTrip(t *testing.T) {
	s := newTestSession(t, "133457799bbcdff1")
	for _, size := range []int{0, 1, 3, 4, 7, 8, 9, 15, 16, 100, 1500} {
		plain := bytes.Repeat([]byte{0xa5}, size)
		sealed, err := s.Seal(plain)
		require.NoError(t, err)
		assert.Zero(t, len(sealed)%des.BlockSize)
		assert.GreaterOrEqual(t, len(sealed), size+Overhead)

		got, mac, err := s.Open(sealed)
		require.NoError(t, err, "size %d", size)
		assert.Equal(t, plain, got)
		assert.Len(t, mac, 8)
	}
}

func TestSealUsesFreshIV(t *testing.T) {
	s := newTestSession(t, "133457799bbcdff1")
	plain := []byte("same plaintext, sealed twice")
	a, err := s.Seal(plain)
	require.NoError(t, err)
	b, err := s.Seal(plain)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestChainingHidesRepeatedBlocks(t *testing.T) {
	s := newTestSession(t, "133457799bbcdff1")
	s.rand = bytes.NewReader(make([]byte, 8))

	// len(4) + 4 bytes fill the first block; the next two blocks are equal.
	plain := append([]byte("head"), bytes.Repeat([]byte("ABCDEFGH"), 2)...)
	sealed, err := s.Seal(plain)
	require.NoError(t, err)

	ct := sealed[des.BlockSize:]
	assert.NotEqual(t, ct[8:16], ct[16:24])
}

func TestOpenDetectsEveryBitFlip(t *testing.T) {
	s := newTestSession(t, "7ca110454a1a6e57")
	sealed, err := s.Seal([]byte("meet at the usual place"))
	require.NoError(t, err)

	for i := 0; i < len(sealed)*8; i++ {
		tampered := append([]byte(nil), sealed...)
		tampered[i/8] ^= 1 << (i % 8)
		plain, mac, err := s.Open(tampered)
		if !assert.ErrorIs(t, err, core.ErrAuthFailure, "bit %d", i) {
			continue
		}
		assert.Nil(t, plain)
		assert.Nil(t, mac)
	}
}

func TestOpenRejectsMalformed(t *testing.T) {
	s := newTestSession(t, "133457799bbcdff1")
	sealed, err := s.Seal([]byte("hello"))
	require.NoError(t, err)

	cases := map[string][]byte{
		"empty":     nil,
		"too-short": sealed[:16],
		"unaligned": sealed[:len(sealed)-1],
		"truncated": sealed[:len(sealed)-8],
		"extended":  append(append([]byte(nil), sealed...), make([]byte, 8)...),
	}
	for name, b := range cases {
		t.Run(name, func(t *testing.T) {
			_, _, err := s.Open(b)
			assert.ErrorIs(t, err, core.ErrAuthFailure)
		})
	}
}

func TestOpenWithWrongKey(t *testing.T) {
	a := newTestSession(t, "133457799bbcdff1")
	b := newTestSession(t, "7ca110454a1a6e57")
	sealed, err := a.Seal([]byte("secret"))
	require.NoError(t, err)

	_, _, err = b.Open(sealed)
	assert.ErrorIs(t, err, core.ErrAuthFailure)
}

func TestNewSessionRejectsWeakKeys(t *testing.T) {
	for _, k := range []string{"0101010101010101", "fefefefefefefefe", "01fe01fe01fe01fe"} {
		key, err := des.ParseKey(k)
		require.NoError(t, err)
		_, err = NewSession(key)
		assert.ErrorIs(t, err, core.ErrWeakKey, k)
	}
}

func TestSealOpenNotice(t *testing.T) {
	s := newTestSession(t, "133457799bbcdff1")
	n := &core.Notice{
		Kind:     core.KindAcked,
		Class:    "MESSAGE",
		Instance: "personal",
		Sender:   "alice",
		Time:     time.Unix(1700000000, 0).UTC(),
	}
	n.SetFields("Alice", "hi bob")

	sealed, err := s.SealNotice(n)
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "hi bob")

	got, err := s.OpenNotice(sealed)
	require.NoError(t, err)
	assert.True(t, got.Authentic)
	assert.Len(t, got.Authenticator, 8)
	assert.Equal(t, "MESSAGE", got.Class)
	assert.Equal(t, []string{"Alice", "hi bob"}, got.Fields())

	sealed[len(sealed)/2] ^= 0x10
	_, err = s.OpenNotice(sealed)
	assert.ErrorIs(t, err, core.ErrAuthFailure)
}

func TestChecksum(t *testing.T) {
	a := newTestSession(t, "133457799bbcdff1")
	b := newTestSession(t, "7ca110454a1a6e57")
	data := []byte("checksummed but not sealed")

	sum := a.Checksum(data)
	assert.Equal(t, sum, a.Checksum(data))
	assert.NotEqual(t, sum, b.Checksum(data))
	assert.True(t, a.VerifyChecksum(data, sum[:]))
	assert.False(t, b.VerifyChecksum(data, sum[:]))
	assert.False(t, a.VerifyChecksum([]byte("checksummed but not sealeD"), sum[:]))
}

func TestChecksumBindsLength(t *testing.T) {
	s := newTestSession(t, "133457799bbcdff1")
	msg := []byte("pay bob 1")
	sum := s.Checksum(msg)

	assert.False(t, s.VerifyChecksum(append(msg, 0), sum[:]))
	assert.False(t, s.VerifyChecksum(msg[:len(msg)-1], sum[:]))

	empty := s.Checksum(nil)
	assert.False(t, s.VerifyChecksum(make([]byte, 4), empty[:]))
	assert.True(t, s.VerifyChecksum([]byte{}, empty[:]))
}

func TestDeriveKey(t *testing.T) {
	k1 := DeriveKey("hunter2", "ATHENA.MIT.EDU")
	k2 := DeriveKey("hunter2", "ATHENA.MIT.EDU")
	k3 := DeriveKey("hunter2", "CS.EXAMPLE.ORG")

	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, k3)
	assert.True(t, k1.HasOddParity())
	assert.False(t, k1.IsWeak())

	_, err := NewSession(k1)
	assert.NoError(t, err)
}
