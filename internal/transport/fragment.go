// Package transport moves notice fragments over UDP: a gopacket layer for
// the fragment header, a receiver that feeds the input queue, a sender that
// splits notices to fit the path MTU and a pcap replayer.
package transport

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"firestige.xyz/zephyr/internal/core"
)

const (
	// DefaultPort is the well-known notice port.
	DefaultPort = 2103

	// FragmentHeaderLen is the size of the fixed fragment header.
	FragmentHeaderLen = 16

	fragmentMagic   = 0x5a46 // "ZF"
	fragmentVersion = 1
)

// Fragment header layout, big endian:
//
//	magic(2) version(1) flags(1) packet id(8) index(2) count(2)
type Fragment struct {
	layers.BaseLayer
	Version uint8
	Flags   uint8
	ID      core.PacketID
	Index   uint16
	Count   uint16
}

// LayerTypeFragment is the gopacket layer type of a notice fragment.
var LayerTypeFragment = gopacket.RegisterLayerType(2103, gopacket.LayerTypeMetadata{
	Name:    "ZephyrFragment",
	Decoder: gopacket.DecodeFunc(decodeFragment),
})

func init() {
	layers.RegisterUDPPortLayerType(layers.UDPPort(DefaultPort), LayerTypeFragment)
}

var errBadFragment = errors.New("transport: bad fragment header")

func (f *Fragment) LayerType() gopacket.LayerType { return LayerTypeFragment }

func (f *Fragment) CanDecode() gopacket.LayerClass { return LayerTypeFragment }

func (f *Fragment) NextLayerType() gopacket.LayerType { return gopacket.LayerTypePayload }

// DecodeFromBytes parses the header. The payload aliases data.
func (f *Fragment) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	if len(data) < FragmentHeaderLen {
		df.SetTruncated()
		return fmt.Errorf("%w: %d bytes", errBadFragment, len(data))
	}
	if binary.BigEndian.Uint16(data[0:2]) != fragmentMagic {
		return fmt.Errorf("%w: magic %#04x", errBadFragment, binary.BigEndian.Uint16(data[0:2]))
	}
	f.Version = data[2]
	if f.Version != fragmentVersion {
		return fmt.Errorf("%w: version %d", errBadFragment, f.Version)
	}
	f.Flags = data[3]
	f.ID = core.PacketID(binary.BigEndian.Uint64(data[4:12]))
	f.Index = binary.BigEndian.Uint16(data[12:14])
	f.Count = binary.BigEndian.Uint16(data[14:16])
	if f.Count == 0 || f.Index >= f.Count {
		return fmt.Errorf("%w: fragment %d/%d", errBadFragment, f.Index, f.Count)
	}
	f.BaseLayer = layers.BaseLayer{Contents: data[:FragmentHeaderLen], Payload: data[FragmentHeaderLen:]}
	return nil
}

// SerializeTo prepends the header to whatever b already holds.
func (f *Fragment) SerializeTo(b gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error {
	hdr, err := b.PrependBytes(FragmentHeaderLen)
	if err != nil {
		return err
	}
	binary.BigEndian.PutUint16(hdr[0:2], fragmentMagic)
	hdr[2] = fragmentVersion
	hdr[3] = f.Flags
	binary.BigEndian.PutUint64(hdr[4:12], uint64(f.ID))
	binary.BigEndian.PutUint16(hdr[12:14], f.Index)
	binary.BigEndian.PutUint16(hdr[14:16], f.Count)
	return nil
}

func decodeFragment(data []byte, p gopacket.PacketBuilder) error {
	f := &Fragment{}
	if err := f.DecodeFromBytes(data, p); err != nil {
		return err
	}
	p.AddLayer(f)
	p.SetApplicationLayer(f)
	return p.NextDecoder(f.NextLayerType())
}

// Payload returns the fragment data, making Fragment an application layer.
func (f *Fragment) Payload() []byte { return f.BaseLayer.Payload }

// ParseFragment decodes one datagram. The fragment payload aliases b.
func ParseFragment(b []byte) (*Fragment, error) {
	f := &Fragment{}
	if err := f.DecodeFromBytes(b, gopacket.NilDecodeFeedback); err != nil {
		return nil, err
	}
	return f, nil
}

// Split cuts payload into datagrams of at most mtu bytes, header included.
func Split(id core.PacketID, payload []byte, mtu int) ([][]byte, error) {
	chunk := mtu - FragmentHeaderLen
	if chunk <= 0 {
		return nil, fmt.Errorf("mtu %d leaves no room for data", mtu)
	}
	count := (len(payload) + chunk - 1) / chunk
	if count == 0 {
		count = 1
	}
	if count > 0xffff {
		return nil, fmt.Errorf("%d fragments: %w", count, core.ErrReassemblyLimit)
	}

	out := make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		lo := i * chunk
		hi := min(lo+chunk, len(payload))
		buf := gopacket.NewSerializeBuffer()
		err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{},
			&Fragment{ID: id, Index: uint16(i), Count: uint16(count)},
			gopacket.Payload(payload[lo:hi]),
		)
		if err != nil {
			return nil, err
		}
		out = append(out, buf.Bytes())
	}
	return out, nil
}
