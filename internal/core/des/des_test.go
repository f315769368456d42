package des

import (
	"crypto/cipher"
	stddes "crypto/des"
	"encoding/binary"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustKey(t *testing.T, s string) Key {
	t.Helper()
	k, err := ParseKey(s)
	require.NoError(t, err)
	return k
}

func TestKnownAnswerVectors(t *testing.T) {
	tests := []struct {
		name       string
		key        string
		plaintext  uint64
		ciphertext uint64
	}{
		{"fips-walkthrough", "133457799bbcdff1", 0x0123456789abcdef, 0x85e813540f0ab405},
		{"zero-output", "0e329232ea6d0d73", 0x8787878787878787, 0x0000000000000000},
		{"nbs-variable-plaintext", "0101010101010101", 0x8000000000000000, 0x95f8a5e5dd31d900},
		{"libdes-vector", "7ca110454a1a6e57", 0x01a1d6d039776742, 0x690f5b0d9a26939b},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewSchedule(mustKey(t, tt.key))
			assert.Equalf(t, tt.ciphertext, s.EncryptBlock(tt.plaintext),
				"encrypt got %016x want %016x", s.EncryptBlock(tt.plaintext), tt.ciphertext)
			assert.Equal(t, tt.plaintext, s.DecryptBlock(tt.ciphertext))
		})
	}
}

func TestRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 2000; i++ {
		var k Key
		binary.BigEndian.PutUint64(k[:], rng.Uint64())
		s := NewSchedule(k)
		block := rng.Uint64()
		if got := s.DecryptBlock(s.EncryptBlock(block)); got != block {
			t.Fatalf("key %s block %016x: round trip gave %016x", k, block, got)
		}
	}
}

func TestMatchesStandardLibrary(t *testing.T) {
	rng := rand.New(rand.NewSource(46))
	for i := 0; i < 500; i++ {
		var k Key
		rng.Read(k[:])
		ref, err := stddes.NewCipher(k[:])
		require.NoError(t, err)
		s := NewSchedule(k)

		src := make([]byte, BlockSize)
		rng.Read(src)
		want := make([]byte, BlockSize)
		got := make([]byte, BlockSize)

		ref.Encrypt(want, src)
		s.Encrypt(got, src)
		require.Equal(t, want, got, "key %s", k)

		s.Decrypt(got, want)
		require.Equal(t, src, got, "key %s", k)
	}
}

func TestParityBitsIgnored(t *testing.T) {
	k := mustKey(t, "133457799bbcdff1")
	var flipped Key
	for i := range k {
		flipped[i] = k[i] ^ 1
	}
	a, b := NewSchedule(k), NewSchedule(flipped)
	assert.Equal(t, a.EncryptBlock(0x0123456789abcdef), b.EncryptBlock(0x0123456789abcdef))
}

func TestScheduleIsCipherBlock(t *testing.T) {
	var block cipher.Block = NewSchedule(mustKey(t, "133457799bbcdff1"))
	assert.Equal(t, BlockSize, block.BlockSize())

	iv := make([]byte, BlockSize)
	plaintext := []byte("sixteen byte msg")
	ciphertext := make([]byte, len(plaintext))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, plaintext)

	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ciphertext)
	assert.Equal(t, plaintext, out)
	assert.NotEqual(t, ciphertext[:8], ciphertext[8:])
}

func TestShortBlockPanics(t *testing.T) {
	s := NewSchedule(Key{})
	assert.Panics(t, func() { s.Encrypt(make([]byte, 8), make([]byte, 7)) })
	assert.Panics(t, func() { s.Decrypt(make([]byte, 7), make([]byte, 8)) })
}

func TestParseKey(t *testing.T) {
	k, err := ParseKey("13:34:57:79:9b:bc:df:f1")
	require.NoError(t, err)
	assert.Equal(t, "133457799bbcdff1", k.String())

	_, err = ParseKey("1334")
	var sizeErr KeySizeError
	assert.ErrorAs(t, err, &sizeErr)

	_, err = ParseKey("zz")
	assert.Error(t, err)
}

func TestFixParity(t *testing.T) {
	k := Key{0x00, 0x01, 0x02, 0x03, 0xfe, 0xff, 0x80, 0x7f}
	assert.False(t, k.HasOddParity())
	fixed := k.FixParity()
	assert.True(t, fixed.HasOddParity())
	assert.Equal(t, Key{0x01, 0x01, 0x02, 0x02, 0xfe, 0xfe, 0x80, 0x7f}, fixed)
}

func TestIsWeak(t *testing.T) {
	assert.True(t, mustKey(t, "0101010101010101").IsWeak())
	assert.True(t, mustKey(t, "0000000000000000").IsWeak(), "parity is ignored")
	assert.True(t, mustKey(t, "01fe01fe01fe01fe").IsWeak())
	assert.True(t, mustKey(t, "fee0fee0fef1fef1").IsWeak())
	assert.False(t, mustKey(t, "133457799bbcdff1").IsWeak())
}

func TestWeakKeyIsInvolution(t *testing.T) {
	s := NewSchedule(mustKey(t, "0101010101010101"))
	block := uint64(0x0123456789abcdef)
	assert.Equal(t, block, s.EncryptBlock(s.EncryptBlock(block)))
}

func BenchmarkEncryptBlock(b *testing.B) {
	s := NewSchedule(Key{0x13, 0x34, 0x57, 0x79, 0x9b, 0xbc, 0xdf, 0xf1})
	block := uint64(0x0123456789abcdef)
	for i := 0; i < b.N; i++ {
		block = s.EncryptBlock(block)
	}
}
