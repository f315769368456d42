package des

import (
	"encoding/binary"
	"encoding/hex"
	"math/bits"
	"strings"
)

// Key is a 64-bit cipher key. The low bit of every byte is a parity bit.
type Key [8]byte

// Permuted choice 1 and 2, 1-based bit positions counted from the most
// significant bit, and the per-round left rotations of the C and D registers.
var (
	pc1 = [56]uint8{
		57, 49, 41, 33, 25, 17, 9, 1, 58, 50, 42, 34, 26, 18,
		10, 2, 59, 51, 43, 35, 27, 19, 11, 3, 60, 52, 44, 36,
		63, 55, 47, 39, 31, 23, 15, 7, 62, 54, 46, 38, 30, 22,
		14, 6, 61, 53, 45, 37, 29, 21, 13, 5, 28, 20, 12, 4,
	}
	pc2 = [48]uint8{
		14, 17, 11, 24, 1, 5, 3, 28, 15, 6, 21, 10,
		23, 19, 12, 4, 26, 8, 16, 7, 27, 20, 13, 2,
		41, 52, 31, 37, 47, 55, 30, 40, 51, 45, 33, 48,
		44, 49, 39, 56, 34, 53, 46, 42, 50, 36, 29, 32,
	}
	keyShifts = [rounds]uint8{1, 1, 2, 2, 2, 2, 2, 2, 1, 2, 2, 2, 2, 2, 2, 1}
)

// expand fills the subkeys from a 64-bit key. The standard 48-bit round key
// is split into its eight 6-bit box groups, which are then packed into the
// byte positions the round function reads them from.
func (s *Schedule) expand(key uint64) {
	var cd uint64
	for i, p := range pc1 {
		cd |= (key >> (64 - uint(p)) & 1) << (55 - uint(i))
	}
	c := uint32(cd>>28) & 0x0fffffff
	d := uint32(cd) & 0x0fffffff

	for round := 0; round < rounds; round++ {
		for n := uint8(0); n < keyShifts[round]; n++ {
			c = (c<<1 | c>>27) & 0x0fffffff
			d = (d<<1 | d>>27) & 0x0fffffff
		}
		cd = uint64(c)<<28 | uint64(d)

		var sub uint64
		for i, p := range pc2 {
			sub |= (cd >> (56 - uint(p)) & 1) << (47 - uint(i))
		}
		box := func(n uint) uint32 { return uint32(sub>>(48-6*n)) & 0x3f }

		s.subkeys[2*round] = box(7)<<24 | box(1)<<16 | box(3)<<8 | box(5)
		s.subkeys[2*round+1] = box(4)<<24 | box(6)<<16 | box(8)<<8 | box(2)
	}
}

// KeyFromBytes copies an 8-byte slice into a Key.
func KeyFromBytes(b []byte) (Key, error) {
	var k Key
	if len(b) != len(k) {
		return k, KeySizeError(len(b))
	}
	copy(k[:], b)
	return k, nil
}

// ParseKey decodes a 16 digit hex key. Separators ':' and ' ' are ignored.
func ParseKey(s string) (Key, error) {
	s = strings.NewReplacer(":", "", " ", "").Replace(s)
	b, err := hex.DecodeString(s)
	if err != nil {
		return Key{}, err
	}
	return KeyFromBytes(b)
}

// String renders the key as hex.
func (k Key) String() string {
	return hex.EncodeToString(k[:])
}

// FixParity returns k with every byte set to odd parity.
func (k Key) FixParity() Key {
	for i, b := range k {
		b &= 0xfe
		if bits.OnesCount8(b)%2 == 0 {
			b |= 1
		}
		k[i] = b
	}
	return k
}

// HasOddParity reports whether every byte of k has odd parity.
func (k Key) HasOddParity() bool {
	for _, b := range k {
		if bits.OnesCount8(b)%2 == 0 {
			return false
		}
	}
	return true
}

// weakKeys lists the 4 weak and 12 semi-weak keys in odd parity form.
var weakKeys = [...]uint64{
	0x0101010101010101, 0xfefefefefefefefe, 0x1f1f1f1f0e0e0e0e, 0xe0e0e0e0f1f1f1f1,
	0x01fe01fe01fe01fe, 0xfe01fe01fe01fe01, 0x1fe01fe00ef10ef1, 0xe01fe01ff10ef10e,
	0x01e001e001f101f1, 0xe001e001f101f101, 0x1ffe1ffe0efe0efe, 0xfe1ffe1ffe0efe0e,
	0x011f011f010e010e, 0x1f011f010e010e01, 0xe0fee0fef1fef1fe, 0xfee0fee0fef1fef1,
}

// IsWeak reports whether k, ignoring parity, is a weak or semi-weak key.
func (k Key) IsWeak() bool {
	fixed := k.FixParity()
	v := binary.BigEndian.Uint64(fixed[:])
	for _, w := range weakKeys {
		if v == w {
			return true
		}
	}
	return false
}
