package transport

import (
	"bytes"
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/zephyr/internal/core"
	"firestige.xyz/zephyr/internal/core/queue"
	"firestige.xyz/zephyr/internal/log"
)

func collect(t *testing.T, q *queue.Queue) [][]byte {
	t.Helper()
	var out [][]byte
	for {
		h, ok := q.FirstComplete()
		if !ok {
			return out
		}
		rec, err := q.Remove(h)
		require.NoError(t, err)
		out = append(out, rec.Data)
	}
}

func TestSplitAndParse(t *testing.T) {
	payload := bytes.Repeat([]byte("0123456789"), 25)
	frags, err := Split(42, payload, 100)
	require.NoError(t, err)
	require.Len(t, frags, 3) // 84 data bytes per fragment

	var joined []byte
	for i, b := range frags {
		assert.LessOrEqual(t, len(b), 100)
		f, err := ParseFragment(b)
		require.NoError(t, err)
		assert.Equal(t, core.PacketID(42), f.ID)
		assert.Equal(t, uint16(i), f.Index)
		assert.Equal(t, uint16(3), f.Count)
		joined = append(joined, f.Payload()...)
	}
	assert.Equal(t, payload, joined)
}

func TestSplitEmptyPayload(t *testing.T) {
	frags, err := Split(1, nil, 100)
	require.NoError(t, err)
	require.Len(t, frags, 1)
	f, err := ParseFragment(frags[0])
	require.NoError(t, err)
	assert.Equal(t, uint16(1), f.Count)
	assert.Empty(t, f.Payload())
}

func TestSplitLimits(t *testing.T) {
	_, err := Split(1, []byte("x"), FragmentHeaderLen)
	assert.Error(t, err)
	_, err = Split(1, make([]byte, 0x10000), FragmentHeaderLen+1)
	assert.ErrorIs(t, err, core.ErrReassemblyLimit)
}

func TestParseFragmentRejectsBadHeaders(t *testing.T) {
	good, err := Split(7, []byte("data"), 100)
	require.NoError(t, err)

	mutate := func(fn func(b []byte)) []byte {
		b := append([]byte(nil), good[0]...)
		fn(b)
		return b
	}
	tests := []struct {
		name string
		in   []byte
	}{
		{"short", good[0][:FragmentHeaderLen-1]},
		{"magic", mutate(func(b []byte) { b[0] = 0 })},
		{"version", mutate(func(b []byte) { b[2] = 9 })},
		{"zero count", mutate(func(b []byte) { b[14], b[15] = 0, 0 })},
		{"index past count", mutate(func(b []byte) { b[13] = 1 })},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseFragment(tt.in)
			assert.ErrorIs(t, err, errBadFragment)
		})
	}
}

// frame builds an Ethernet/IPv4/UDP frame around payload.
func frame(t *testing.T, src netip.AddrPort, dstPort uint16, payload []byte) []byte {
	t.Helper()
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 5},
		DstMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 6},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    src.Addr().AsSlice(),
		DstIP:    net.IPv4(10, 0, 0, 254).To4(),
	}
	udp := &layers.UDP{SrcPort: layers.UDPPort(src.Port()), DstPort: layers.UDPPort(dstPort)}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(payload)))
	return buf.Bytes()
}

func TestFragmentLayerDecodesOnDefaultPort(t *testing.T) {
	frags, err := Split(9, []byte("hello"), 100)
	require.NoError(t, err)
	data := frame(t, netip.MustParseAddrPort("10.0.0.1:40000"), DefaultPort, frags[0])

	packet := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.Default)
	f, ok := packet.Layer(LayerTypeFragment).(*Fragment)
	require.True(t, ok, "layers: %v", packet.Layers())
	assert.Equal(t, core.PacketID(9), f.ID)
	assert.Equal(t, []byte("hello"), f.Payload())
	assert.Equal(t, f, packet.ApplicationLayer())
}

func writeCapture(t *testing.T, frames ...[]byte) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	w := pcapgo.NewWriter(&buf)
	require.NoError(t, w.WriteFileHeader(65536, layers.LinkTypeEthernet))
	ts := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	for i, f := range frames {
		ci := gopacket.CaptureInfo{Timestamp: ts.Add(time.Duration(i) * time.Millisecond), CaptureLength: len(f), Length: len(f)}
		require.NoError(t, w.WritePacket(ci, f))
	}
	return &buf
}

func TestReplay(t *testing.T) {
	alice := netip.MustParseAddrPort("10.0.0.1:40000")
	bob := netip.MustParseAddrPort("10.0.0.2:40001")
	payload := bytes.Repeat([]byte("z"), 150)
	frags, err := Split(1, payload, 100)
	require.NoError(t, err)
	other, err := Split(2, []byte("bob"), 100)
	require.NoError(t, err)

	capture := writeCapture(t,
		frame(t, alice, 2104, frags[1]),
		frame(t, bob, 2104, other[0]),
		frame(t, alice, 9999, frags[0]), // other port, ignored
		frame(t, alice, 2104, []byte("not a fragment header")),
		frame(t, alice, 2104, frags[0]),
		frame(t, alice, 2104, frags[0]), // duplicate
	)

	q := queue.New(queue.Config{})
	stats, err := Replay(capture, 2104, q)
	require.NoError(t, err)
	assert.Equal(t, ReplayStats{Packets: 6, Fragments: 5, Ingested: 4, Malformed: 1}, stats)

	// bob's single fragment completed first; alice's record started first
	h, ok := q.FirstComplete()
	require.True(t, ok)
	rec, err := q.Remove(h)
	require.NoError(t, err)
	assert.Equal(t, alice, rec.From)
	assert.Equal(t, payload, rec.Data)

	got := collect(t, q)
	assert.Equal(t, [][]byte{[]byte("bob")}, got)
}

func TestReplayRejectsNonPcap(t *testing.T) {
	_, err := Replay(bytes.NewReader([]byte("definitely not pcap")), 2104, queue.New(queue.Config{}))
	assert.Error(t, err)
}

func TestSendReceiveLoopback(t *testing.T) {
	r, err := Listen(ReceiverConfig{Address: "127.0.0.1:0", Buffer: 64})
	require.NoError(t, err)
	defer r.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	s, err := Dial(r.LocalAddr().String(), SenderConfig{MTU: 64})
	require.NoError(t, err)
	defer s.Close()

	payload := bytes.Repeat([]byte("notice "), 30)
	id, err := s.Send(payload)
	require.NoError(t, err)

	q := queue.New(queue.Config{})
	require.Eventually(t, func() bool {
		r.Drain(q)
		return q.CompleteLen() == 1
	}, 5*time.Second, 5*time.Millisecond)

	h, _ := q.FirstComplete()
	rec, err := q.Remove(h)
	require.NoError(t, err)
	assert.Equal(t, id, rec.ID)
	assert.Equal(t, payload, rec.Data)
	assert.True(t, rec.From.Addr().IsLoopback())

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("receiver did not stop")
	}
}

func TestSenderIDsAreDistinct(t *testing.T) {
	sink, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer sink.Close()

	s, err := Dial(sink.LocalAddr().String(), SenderConfig{})
	require.NoError(t, err)
	defer s.Close()
	a, err := s.Send([]byte("a"))
	require.NoError(t, err)
	b, err := s.Send([]byte("b"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func newTestReceiver(buffer int, rl RateLimitConfig) *Receiver {
	return &Receiver{
		ch:      make(chan datagram, buffer),
		limiter: NewRateLimiter(rl),
		logger:  log.Discard(),
	}
}

func TestAcceptDropsMalformedAndOverflow(t *testing.T) {
	r := newTestReceiver(1, RateLimitConfig{})
	src := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 5000}
	frags, err := Split(1, []byte("a"), 100)
	require.NoError(t, err)

	r.accept(src, []byte("junk"), time.Now())
	r.accept(src, frags[0], time.Now())
	r.accept(src, frags[0], time.Now()) // buffer full

	q := queue.New(queue.Config{})
	assert.Equal(t, 1, r.Drain(q))
	assert.Equal(t, 0, r.Drain(q))
	got := collect(t, q)
	assert.Equal(t, [][]byte{[]byte("a")}, got)
}

func TestAcceptCopiesDatagram(t *testing.T) {
	r := newTestReceiver(4, RateLimitConfig{})
	frags, err := Split(1, []byte("abc"), 100)
	require.NoError(t, err)
	buf := frags[0]
	r.accept(&net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 1}, buf, time.Now())
	for i := range buf {
		buf[i] = 0
	}
	q := queue.New(queue.Config{})
	r.Drain(q)
	assert.Equal(t, [][]byte{[]byte("abc")}, collect(t, q))
}

func TestAcceptRateLimited(t *testing.T) {
	r := newTestReceiver(16, RateLimitConfig{MaxPerSender: 2, Window: time.Minute})
	src := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 5000}
	for i := 0; i < 4; i++ {
		frags, err := Split(core.PacketID(i), []byte("x"), 100)
		require.NoError(t, err)
		r.accept(src, frags[0], time.Now())
	}
	assert.Equal(t, 2, r.Drain(queue.New(queue.Config{})))
	assert.Equal(t, int64(2), r.limiter.Rejected())
}
