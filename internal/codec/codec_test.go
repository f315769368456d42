package codec

import (
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/zephyr/internal/core"
	"firestige.xyz/zephyr/internal/core/auth"
	"firestige.xyz/zephyr/internal/core/des"
)

func testSession(t *testing.T, hexKey string) *auth.Session {
	t.Helper()
	k, err := des.ParseKey(hexKey)
	require.NoError(t, err)
	s, err := auth.NewSession(k)
	require.NoError(t, err)
	return s
}

func testNotice() *core.Notice {
	n := &core.Notice{
		Kind:      core.KindAcked,
		Class:     "MESSAGE",
		Instance:  "personal",
		Sender:    "alice@ATHENA.MIT.EDU",
		Recipient: "bob@ATHENA.MIT.EDU",
		Time:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	n.SetFields("alice", "lunch?")
	return n
}

func TestUnsealedRoundTrip(t *testing.T) {
	var c Codec
	b, err := c.Marshal(testNotice(), false)
	require.NoError(t, err)

	n, err := c.Parse(b)
	require.NoError(t, err)
	assert.Equal(t, "MESSAGE", n.Class)
	assert.Equal(t, []string{"alice", "lunch?"}, n.Fields())
	assert.False(t, n.Authentic)
	assert.Nil(t, n.Authenticator)
}

func TestSealedRoundTrip(t *testing.T) {
	c := Codec{Session: testSession(t, "0123456789abcdef"), RequireAuth: true}
	b, err := c.Marshal(testNotice(), true)
	require.NoError(t, err)

	n, err := c.Parse(b)
	require.NoError(t, err)
	assert.True(t, n.Authentic)
	assert.Len(t, n.Authenticator, 8)
	assert.Equal(t, "bob@ATHENA.MIT.EDU", n.Recipient)
	assert.True(t, n.Time.Equal(testNotice().Time))
}

func TestParseDoesNotAliasInput(t *testing.T) {
	var c Codec
	b, err := c.Marshal(testNotice(), false)
	require.NoError(t, err)
	orig := append([]byte(nil), b...)

	n, err := c.Parse(b)
	require.NoError(t, err)
	for i := range b {
		b[i] = 0
	}
	assert.Equal(t, []string{"alice", "lunch?"}, n.Fields())

	// parsing never writes to its input
	b2 := append([]byte(nil), orig...)
	_, err = c.Parse(b2)
	require.NoError(t, err)
	assert.Equal(t, orig, b2)
}

func TestRequireAuthRejectsUnsealed(t *testing.T) {
	plain := Codec{}
	b, err := plain.Marshal(testNotice(), false)
	require.NoError(t, err)

	strict := Codec{Session: testSession(t, "0123456789abcdef"), RequireAuth: true}
	_, err = strict.Parse(b)
	assert.ErrorIs(t, err, core.ErrAuthFailure)
}

func TestSealedWithoutSession(t *testing.T) {
	sealer := Codec{Session: testSession(t, "0123456789abcdef")}
	b, err := sealer.Marshal(testNotice(), true)
	require.NoError(t, err)

	_, err = (&Codec{}).Parse(b)
	assert.ErrorIs(t, err, core.ErrAuthFailure)

	_, err = (&Codec{}).Marshal(testNotice(), true)
	assert.Error(t, err)
}

func TestWrongKey(t *testing.T) {
	sealer := Codec{Session: testSession(t, "0123456789abcdef")}
	b, err := sealer.Marshal(testNotice(), true)
	require.NoError(t, err)

	other := Codec{Session: testSession(t, "133457799bbcdff1")}
	_, err = other.Parse(b)
	assert.ErrorIs(t, err, core.ErrAuthFailure)
}

func TestParseMalformed(t *testing.T) {
	wrongVersion, err := cbor.Marshal([]interface{}{uint(9), false, []byte{0xa0}})
	require.NoError(t, err)
	shortArray, err := cbor.Marshal([]interface{}{uint(1), false})
	require.NoError(t, err)
	badBody, err := cbor.Marshal([]interface{}{uint(1), false, []byte{0xff, 0x00}})
	require.NoError(t, err)

	tests := []struct {
		name string
		in   []byte
	}{
		{"empty", nil},
		{"garbage", []byte("not cbor at all")},
		{"map instead of array", []byte{0xa0}},
		{"wrong version", wrongVersion},
		{"short array", shortArray},
		{"bad body", badBody},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := (&Codec{}).Parse(tt.in)
			assert.ErrorIs(t, err, core.ErrParse)
			assert.Nil(t, n)
		})
	}
}
