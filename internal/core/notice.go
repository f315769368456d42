// Package core defines the notice model shared by the codec, the input queue
// and the retrieval layer.
package core

import (
	"bytes"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// PacketID identifies one notice from one sender. Fragments of the same notice
// carry the same PacketID.
type PacketID uint64

// String renders the id the way it appears in logs.
func (id PacketID) String() string {
	return fmt.Sprintf("%016x", uint64(id))
}

// Kind is the delivery class of a notice.
type Kind uint8

const (
	KindUnsafe Kind = iota
	KindUnacked
	KindAcked
	KindHMAck
	KindHMCtl
	KindServAck
	KindServNak
	KindClientAck
	KindStat
)

var kindNames = [...]string{
	KindUnsafe:    "UNSAFE",
	KindUnacked:   "UNACKED",
	KindAcked:     "ACKED",
	KindHMAck:     "HMACK",
	KindHMCtl:     "HMCTL",
	KindServAck:   "SERVACK",
	KindServNak:   "SERVNAK",
	KindClientAck: "CLIENTACK",
	KindStat:      "STAT",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("KIND(%d)", uint8(k))
}

// ParseKind maps a kind name back to its value, ignoring case.
func ParseKind(s string) (Kind, error) {
	for i, name := range kindNames {
		if strings.EqualFold(name, s) {
			return Kind(i), nil
		}
	}
	return 0, fmt.Errorf("unknown notice kind %q", s)
}

// Notice is a parsed, caller-owned notice. The CBOR-tagged fields travel on
// the wire; the rest are filled in on receipt.
type Notice struct {
	Kind      Kind      `cbor:"1,keyasint"`
	Class     string    `cbor:"2,keyasint"`
	Instance  string    `cbor:"3,keyasint"`
	Opcode    string    `cbor:"4,keyasint,omitempty"`
	Sender    string    `cbor:"5,keyasint"`
	Recipient string    `cbor:"6,keyasint,omitempty"`
	Body      []byte    `cbor:"7,keyasint,omitempty"`
	Time      time.Time `cbor:"8,keyasint"`

	// Authenticator is the MAC recovered while opening a sealed notice.
	Authenticator []byte `cbor:"-"`
	// Authentic reports whether the authenticator verified.
	Authentic bool `cbor:"-"`
	// From is the transport address the notice arrived from.
	From netip.AddrPort `cbor:"-"`
	// ID is the packet id the notice was delivered under.
	ID PacketID `cbor:"-"`
}

// Fields splits the body into its NUL-separated message fields.
func (n *Notice) Fields() []string {
	if len(n.Body) == 0 {
		return nil
	}
	body := bytes.TrimSuffix(n.Body, []byte{0})
	parts := bytes.Split(body, []byte{0})
	fields := make([]string, len(parts))
	for i, p := range parts {
		fields[i] = string(p)
	}
	return fields
}

// SetFields joins fields into a NUL-separated body.
func (n *Notice) SetFields(fields ...string) {
	var buf bytes.Buffer
	for _, f := range fields {
		buf.WriteString(f)
		buf.WriteByte(0)
	}
	n.Body = buf.Bytes()
}

var (
	bodyEncMode cbor.EncMode
	bodyDecMode cbor.DecMode
)

func init() {
	var err error
	encOpts := cbor.CanonicalEncOptions()
	encOpts.Time = cbor.TimeRFC3339Nano
	if bodyEncMode, err = encOpts.EncMode(); err != nil {
		panic(err)
	}
	decOpts := cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyEnforcedAPF,
		MaxMapPairs: 64,
	}
	if bodyDecMode, err = decOpts.DecMode(); err != nil {
		panic(err)
	}
}

// MarshalNotice encodes the wire fields of n.
func MarshalNotice(n *Notice) ([]byte, error) {
	b, err := bodyEncMode.Marshal(n)
	if err != nil {
		return nil, fmt.Errorf("encode notice: %w", err)
	}
	return b, nil
}

// UnmarshalNotice decodes a notice body. The returned notice never aliases b.
func UnmarshalNotice(b []byte) (*Notice, error) {
	var n Notice
	if err := bodyDecMode.Unmarshal(b, &n); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	n.Body = bytes.Clone(n.Body)
	return &n, nil
}
