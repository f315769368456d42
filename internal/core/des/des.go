// Package des implements the 64-bit, 16-round Feistel block cipher used to
// seal and authenticate notices. It is bit-compatible with FIPS 46 DES and
// with the libdes tables deployed on legacy peers.
//
// The implementation is table driven: the initial and final permutations
// are applied a byte at a time, the expansion is done with word rotations and
// the S boxes carry the P permutation so a round costs eight lookups.
package des

import (
	"encoding/binary"
	"math/bits"
	"strconv"
)

// BlockSize is the cipher block size in bytes.
const BlockSize = 8

const rounds = 16

// Schedule is the key schedule derived from one key. Each round uses two
// words: the first carries the 6-bit subkeys for boxes 7, 1, 3 and 5 in its
// bytes, the second those for boxes 4, 6, 8 and 2.
//
// A Schedule is immutable once built and safe for concurrent use.
type Schedule struct {
	subkeys [2 * rounds]uint32
}

// NewSchedule derives the key schedule for key. Parity bits are ignored.
func NewSchedule(key Key) *Schedule {
	s := &Schedule{}
	s.expand(binary.BigEndian.Uint64(key[:]))
	return s
}

// BlockSize returns the cipher block size. It satisfies crypto/cipher.Block.
func (s *Schedule) BlockSize() int { return BlockSize }

// Encrypt encrypts the first block of src into dst.
func (s *Schedule) Encrypt(dst, src []byte) {
	checkBlocks(dst, src)
	binary.BigEndian.PutUint64(dst, s.EncryptBlock(binary.BigEndian.Uint64(src)))
}

// Decrypt decrypts the first block of src into dst.
func (s *Schedule) Decrypt(dst, src []byte) {
	checkBlocks(dst, src)
	binary.BigEndian.PutUint64(dst, s.DecryptBlock(binary.BigEndian.Uint64(src)))
}

// EncryptBlock encrypts one 64-bit block.
func (s *Schedule) EncryptBlock(block uint64) uint64 {
	return s.crypt(block, false)
}

// DecryptBlock decrypts one 64-bit block.
func (s *Schedule) DecryptBlock(block uint64) uint64 {
	return s.crypt(block, true)
}

func checkBlocks(dst, src []byte) {
	if len(src) < BlockSize {
		panic("des: input not full block")
	}
	if len(dst) < BlockSize {
		panic("des: output not full block")
	}
}

func (s *Schedule) crypt(block uint64, decrypt bool) uint64 {
	l, r := initialPermutation(uint32(block>>32), uint32(block))

	for i := 0; i < rounds; i++ {
		k := i
		if decrypt {
			k = rounds - 1 - i
		}
		l, r = r, l^s.feistel(r, k)
	}

	// The halves are swapped going into the final permutation.
	left, right := finalPermutation(r, l)
	return uint64(left)<<32 | uint64(right)
}

// feistel is the round function for round k. The two rotations line the
// expanded halves up with the subkey bytes; the 6-bit groups index the
// combined S/P tables directly.
func (s *Schedule) feistel(r uint32, k int) uint32 {
	t := bits.RotateLeft32(r, -11) ^ s.subkeys[2*k]
	f := spTable[0][t>>24&0x3f] ^
		spTable[1][t>>16&0x3f] ^
		spTable[2][t>>8&0x3f] ^
		spTable[3][t&0x3f]

	t = bits.RotateLeft32(r, -23) ^ s.subkeys[2*k+1]
	f ^= spTable[4][t>>24&0x3f] ^
		spTable[5][t>>16&0x3f] ^
		spTable[6][t>>8&0x3f] ^
		spTable[7][t&0x3f]
	return f
}

func initialPermutation(left, right uint32) (uint32, uint32) {
	w := (left&0x55555555)<<1 | right&0x55555555
	t := left&0xaaaaaaaa | (right&0xaaaaaaaa)>>1

	l := ipTable[w>>24] |
		ipTable[w>>16&0xff]<<1 |
		ipTable[w>>8&0xff]<<2 |
		ipTable[w&0xff]<<3
	r := ipTable[t>>24] |
		ipTable[t>>16&0xff]<<1 |
		ipTable[t>>8&0xff]<<2 |
		ipTable[t&0xff]<<3
	return l, r
}

func finalPermutation(hi, lo uint32) (uint32, uint32) {
	w := (hi&0x0f0f0f0f)<<4 | lo&0x0f0f0f0f
	t := hi&0xf0f0f0f0 | (lo&0xf0f0f0f0)>>4

	left := fpTable[w>>24]<<6 |
		fpTable[w>>16&0xff]<<4 |
		fpTable[w>>8&0xff]<<2 |
		fpTable[w&0xff]
	right := fpTable[t>>24]<<6 |
		fpTable[t>>16&0xff]<<4 |
		fpTable[t>>8&0xff]<<2 |
		fpTable[t&0xff]
	return left, right
}

// KeySizeError is returned for keys that are not BlockSize bytes long.
type KeySizeError int

func (k KeySizeError) Error() string {
	return "des: invalid key size " + strconv.Itoa(int(k))
}
