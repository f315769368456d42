package transport

import (
	"errors"
	"fmt"
	"io"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"firestige.xyz/zephyr/internal/core/queue"
	"firestige.xyz/zephyr/internal/log"
)

// ReplayStats summarizes a replay.
type ReplayStats struct {
	Packets   int // frames read
	Fragments int // fragments addressed to the port
	Ingested  int // fragments the queue accepted
	Malformed int // undecodable fragments
}

// Replay feeds the fragments in a pcap capture to q. Only UDP datagrams
// sent to port are considered.
func Replay(r io.Reader, port uint16, q *queue.Queue) (ReplayStats, error) {
	var stats ReplayStats
	reader, err := pcapgo.NewReader(r)
	if err != nil {
		return stats, fmt.Errorf("open capture: %w", err)
	}
	logger := log.GetLogger().WithField("component", "replay")

	for {
		data, ci, err := reader.ReadPacketData()
		if errors.Is(err, io.EOF) {
			return stats, nil
		}
		if err != nil {
			return stats, fmt.Errorf("read packet %d: %w", stats.Packets+1, err)
		}
		stats.Packets++

		packet := gopacket.NewPacket(data, reader.LinkType(), gopacket.DecodeOptions{Lazy: true, NoCopy: true})
		udp, ok := packet.Layer(layers.LayerTypeUDP).(*layers.UDP)
		if !ok || uint16(udp.DstPort) != port {
			continue
		}
		src, ok := sourceAddr(packet)
		if !ok {
			continue
		}
		stats.Fragments++

		frag, err := ParseFragment(udp.Payload)
		if err != nil {
			stats.Malformed++
			logger.WithField("packet", stats.Packets).WithError(err).Debug("skipping fragment")
			continue
		}
		if ingest(q, netip.AddrPortFrom(src, uint16(udp.SrcPort)), frag, ci.Timestamp, logger) {
			stats.Ingested++
		}
	}
}

func sourceAddr(p gopacket.Packet) (netip.Addr, bool) {
	switch ip := p.NetworkLayer().(type) {
	case *layers.IPv4:
		return netip.AddrFromSlice(ip.SrcIP.To4())
	case *layers.IPv6:
		return netip.AddrFromSlice(ip.SrcIP)
	default:
		return netip.Addr{}, false
	}
}
