package core

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindString(t *testing.T) {
	tests := []struct {
		kind Kind
		want string
	}{
		{KindUnsafe, "UNSAFE"},
		{KindAcked, "ACKED"},
		{KindStat, "STAT"},
		{Kind(42), "KIND(42)"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.kind.String())
		})
	}

	k, err := ParseKind("servack")
	require.NoError(t, err)
	assert.Equal(t, KindServAck, k)

	_, err = ParseKind("bogus")
	assert.Error(t, err)
}

func TestNoticeFields(t *testing.T) {
	var n Notice
	assert.Nil(t, n.Fields())

	n.SetFields("sig", "hello world")
	assert.Equal(t, []byte("sig\x00hello world\x00"), n.Body)
	assert.Equal(t, []string{"sig", "hello world"}, n.Fields())
}

func TestNoticeMarshalRoundTrip(t *testing.T) {
	in := &Notice{
		Kind:      KindAcked,
		Class:     "MESSAGE",
		Instance:  "personal",
		Opcode:    "PING",
		Sender:    "alice@ATHENA.MIT.EDU",
		Recipient: "bob@ATHENA.MIT.EDU",
		Time:      time.Date(2024, 3, 1, 12, 0, 0, 500, time.UTC),
	}
	in.SetFields("Alice", "lunch?")

	b, err := MarshalNotice(in)
	require.NoError(t, err)

	out, err := UnmarshalNotice(b)
	require.NoError(t, err)
	assert.Equal(t, in.Kind, out.Kind)
	assert.Equal(t, in.Class, out.Class)
	assert.Equal(t, in.Instance, out.Instance)
	assert.Equal(t, in.Opcode, out.Opcode)
	assert.Equal(t, in.Sender, out.Sender)
	assert.Equal(t, in.Recipient, out.Recipient)
	assert.Equal(t, in.Body, out.Body)
	assert.True(t, in.Time.Equal(out.Time), "time %v != %v", in.Time, out.Time)
	assert.False(t, out.Authentic)
}

func TestUnmarshalNoticeDoesNotAlias(t *testing.T) {
	in := &Notice{Class: "c", Instance: "i", Body: []byte("payload")}
	b, err := MarshalNotice(in)
	require.NoError(t, err)

	out, err := UnmarshalNotice(b)
	require.NoError(t, err)
	for i := range b {
		b[i] = 0xff
	}
	assert.Equal(t, []byte("payload"), out.Body)
}

func TestUnmarshalNoticeMalformed(t *testing.T) {
	for _, b := range [][]byte{nil, {0xff}, []byte("not cbor at all")} {
		_, err := UnmarshalNotice(b)
		assert.ErrorIs(t, err, ErrParse)
	}
}

func TestPredicates(t *testing.T) {
	n := &Notice{Class: "MESSAGE", Instance: "Personal", Recipient: "bob"}

	assert.True(t, Any(n))
	assert.True(t, MatchClass("message", "personal")(n))
	assert.True(t, MatchClass("MESSAGE", "*")(n))
	assert.True(t, MatchClass("MESSAGE", "")(n))
	assert.False(t, MatchClass("FILSRV", "")(n))
	assert.False(t, MatchClass("MESSAGE", "urgent")(n))
	assert.True(t, MatchRecipient("bob")(n))
	assert.True(t, And(MatchClass("message", ""), MatchRecipient("bob"))(n))
	assert.False(t, And(MatchClass("message", ""), MatchRecipient("carol"))(n))
	assert.True(t, And()(n))
}

func TestSentinelErrorsWrap(t *testing.T) {
	sentinels := []error{
		ErrNoNotice, ErrParse, ErrOutOfMemory, ErrNotFound, ErrInvalidFragment,
		ErrFragmentMismatch, ErrReassemblyLimit, ErrQueueFull, ErrAuthFailure,
		ErrWeakKey, ErrConfigInvalid,
	}
	for _, s := range sentinels {
		wrapped := fmt.Errorf("context: %w", s)
		if !errors.Is(wrapped, s) {
			t.Errorf("errors.Is(%v, %v) = false", wrapped, s)
		}
		for _, other := range sentinels {
			if other != s && errors.Is(wrapped, other) {
				t.Errorf("%v unexpectedly matches %v", s, other)
			}
		}
	}
}

func TestPacketIDString(t *testing.T) {
	assert.Equal(t, "00000000000000ff", PacketID(255).String())
}
