package transport

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"sync/atomic"

	"golang.org/x/net/ipv4"

	"firestige.xyz/zephyr/internal/core"
	"firestige.xyz/zephyr/internal/metrics"
)

// DefaultMTU keeps fragments clear of IPv4 fragmentation on Ethernet.
const DefaultMTU = 1400

// SenderConfig configures a Sender.
type SenderConfig struct {
	MTU          int    // Largest datagram, header included
	MulticastTTL int    // 0 = system default
	Interface    string // Outgoing multicast interface, empty = default
}

// Sender writes notices to one destination as fragment datagrams. Each
// notice gets a fresh packet id.
type Sender struct {
	conn   *net.UDPConn
	mtu    int
	nextID atomic.Uint64
}

// Dial connects a sender to addr.
func Dial(addr string, cfg SenderConfig) (*Sender, error) {
	raddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}
	conn, err := net.DialUDP("udp4", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	if raddr.IP.IsMulticast() {
		pc := ipv4.NewPacketConn(conn)
		if cfg.MulticastTTL > 0 {
			if err := pc.SetMulticastTTL(cfg.MulticastTTL); err != nil {
				conn.Close()
				return nil, fmt.Errorf("multicast ttl: %w", err)
			}
		}
		if cfg.Interface != "" {
			ifi, err := net.InterfaceByName(cfg.Interface)
			if err == nil {
				err = pc.SetMulticastInterface(ifi)
			}
			if err != nil {
				conn.Close()
				return nil, fmt.Errorf("multicast interface %s: %w", cfg.Interface, err)
			}
		}
	}

	if cfg.MTU <= 0 {
		cfg.MTU = DefaultMTU
	}
	s := &Sender{conn: conn, mtu: cfg.MTU}
	var seed [8]byte
	if _, err := rand.Read(seed[:]); err != nil {
		conn.Close()
		return nil, err
	}
	s.nextID.Store(binary.BigEndian.Uint64(seed[:]))
	return s, nil
}

// Send fragments payload and writes every fragment. It returns the packet
// id the receiver will see.
func (s *Sender) Send(payload []byte) (core.PacketID, error) {
	id := core.PacketID(s.nextID.Add(1))
	frags, err := Split(id, payload, s.mtu)
	if err != nil {
		return 0, err
	}
	for _, f := range frags {
		if _, err := s.conn.Write(f); err != nil {
			return id, fmt.Errorf("send packet %s: %w", id, err)
		}
		metrics.SenderFragmentsTotal.Inc()
	}
	return id, nil
}

// Close releases the sender's socket.
func (s *Sender) Close() error {
	return s.conn.Close()
}
