package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/net/ipv4"

	"firestige.xyz/zephyr/internal/core/queue"
	"firestige.xyz/zephyr/internal/log"
	"firestige.xyz/zephyr/internal/metrics"
)

const maxDatagram = 65535

// ReceiverConfig configures a Receiver.
type ReceiverConfig struct {
	Address        string // host:port to bind
	MulticastGroup string // IPv4 group to join, empty for unicast only
	Interface      string // interface for the group, empty for the default
	Buffer         int    // datagrams held between Run and Drain
	RateLimit      RateLimitConfig
}

type datagram struct {
	from    netip.AddrPort
	frag    *Fragment
	arrived time.Time
}

// Receiver reads fragments from a UDP socket in the background and hands
// them to the input queue on Drain. Datagrams that do not fit the buffer are
// dropped, as the network would drop them.
type Receiver struct {
	conn    *net.UDPConn
	pc      *ipv4.PacketConn
	group   *net.UDPAddr
	ifi     *net.Interface
	ch      chan datagram
	limiter *RateLimiter
	logger  log.Logger

	closeOnce sync.Once
}

// Listen binds the socket and joins the multicast group, if any.
func Listen(cfg ReceiverConfig) (*Receiver, error) {
	addr, err := net.ResolveUDPAddr("udp4", cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", cfg.Address, err)
	}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", cfg.Address, err)
	}

	if cfg.Buffer <= 0 {
		cfg.Buffer = 1024
	}
	r := &Receiver{
		conn:    conn,
		pc:      ipv4.NewPacketConn(conn),
		ch:      make(chan datagram, cfg.Buffer),
		limiter: NewRateLimiter(cfg.RateLimit),
		logger:  log.GetLogger().WithField("component", "receiver"),
	}

	if cfg.MulticastGroup != "" {
		if err := r.join(cfg.MulticastGroup, cfg.Interface); err != nil {
			conn.Close()
			return nil, err
		}
	}
	return r, nil
}

func (r *Receiver) join(group, iface string) error {
	ip := net.ParseIP(group)
	if ip == nil || !ip.IsMulticast() {
		return fmt.Errorf("multicast group %q is not a multicast address", group)
	}
	if iface != "" {
		ifi, err := net.InterfaceByName(iface)
		if err != nil {
			return fmt.Errorf("multicast interface %s: %w", iface, err)
		}
		r.ifi = ifi
	}
	r.group = &net.UDPAddr{IP: ip}
	if err := r.pc.JoinGroup(r.ifi, r.group); err != nil {
		return fmt.Errorf("join %s: %w", group, err)
	}
	if err := r.pc.SetMulticastLoopback(true); err != nil {
		return fmt.Errorf("multicast loopback: %w", err)
	}
	return nil
}

// LocalAddr returns the bound address.
func (r *Receiver) LocalAddr() netip.AddrPort {
	ap := r.conn.LocalAddr().(*net.UDPAddr).AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

// Run reads datagrams until ctx is done or the receiver is closed.
func (r *Receiver) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { r.Close() })
	defer stop()

	buf := make([]byte, maxDatagram)
	for {
		n, _, src, err := r.pc.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			r.logger.WithError(err).Warn("read failed")
			continue
		}
		metrics.ReceiverDatagramsTotal.Inc()
		r.accept(src, buf[:n], time.Now())
	}
}

// accept validates one datagram and buffers it. data is copied.
func (r *Receiver) accept(src net.Addr, data []byte, now time.Time) {
	ua, ok := src.(*net.UDPAddr)
	if !ok {
		metrics.ReceiverDropsTotal.WithLabelValues("bad_source").Inc()
		return
	}
	ap := ua.AddrPort()
	from := netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())

	if !r.limiter.Allow(from.Addr(), now) {
		metrics.ReceiverDropsTotal.WithLabelValues("rate_limited").Inc()
		return
	}
	frag, err := ParseFragment(append([]byte(nil), data...))
	if err != nil {
		metrics.ReceiverDropsTotal.WithLabelValues("malformed").Inc()
		if r.logger.IsDebugEnabled() {
			r.logger.WithField("from", from.String()).WithError(err).Debug("dropped datagram")
		}
		return
	}

	select {
	case r.ch <- datagram{from: from, frag: frag, arrived: now}:
	default:
		metrics.ReceiverDropsTotal.WithLabelValues("buffer_full").Inc()
	}
}

// Drain ingests every buffered fragment into q without blocking and returns
// how many were accepted.
func (r *Receiver) Drain(q *queue.Queue) int {
	accepted := 0
	for {
		select {
		case d := <-r.ch:
			if ingest(q, d.from, d.frag, d.arrived, r.logger) {
				accepted++
			}
		default:
			return accepted
		}
	}
}

// Close leaves the group and closes the socket.
func (r *Receiver) Close() error {
	var err error
	r.closeOnce.Do(func() {
		if r.group != nil {
			r.pc.LeaveGroup(r.ifi, r.group)
		}
		err = r.conn.Close()
	})
	return err
}

func ingest(q *queue.Queue, from netip.AddrPort, f *Fragment, arrived time.Time, logger log.Logger) bool {
	_, err := q.Ingest(queue.Packet{
		From:    from,
		ID:      f.ID,
		Index:   int(f.Index),
		Count:   int(f.Count),
		Data:    f.Payload(),
		Arrived: arrived,
	})
	if err != nil {
		logger.WithField("from", from.String()).WithField("id", f.ID.String()).WithError(err).Debug("fragment rejected")
		return false
	}
	return true
}
