// Package delivery retrieves notices from the input queue: find the first
// complete notice a predicate accepts, take it out of the queue and hand the
// caller a private parsed copy.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"firestige.xyz/zephyr/internal/core"
	"firestige.xyz/zephyr/internal/core/queue"
	"firestige.xyz/zephyr/internal/log"
	"firestige.xyz/zephyr/internal/metrics"
)

const defaultPollInterval = 50 * time.Millisecond

// ParseFunc decodes raw notice bytes. It must not modify or retain data.
type ParseFunc func(data []byte) (*core.Notice, error)

// Drainer moves pending transport input into the queue without blocking.
type Drainer interface {
	Drain(q *queue.Queue) int
}

// Allocator returns a buffer of exactly size bytes, or an error wrapping
// core.ErrOutOfMemory.
type Allocator func(size int) ([]byte, error)

// LimitAllocator allocates from the heap, refusing buffers larger than max
// bytes. max <= 0 means no limit.
func LimitAllocator(max int) Allocator {
	return func(size int) ([]byte, error) {
		if max > 0 && size > max {
			return nil, fmt.Errorf("%d byte notice exceeds %d byte limit: %w", size, max, core.ErrOutOfMemory)
		}
		return make([]byte, size), nil
	}
}

// Option configures a Retriever.
type Option func(*Retriever)

// WithDrainer sets the transport drained before every scan.
func WithDrainer(d Drainer) Option {
	return func(r *Retriever) { r.drainer = d }
}

// WithAllocator sets the allocator for the copy handed to the caller.
func WithAllocator(a Allocator) Option {
	return func(r *Retriever) { r.alloc = a }
}

// WithLogger sets the logger used to report dropped notices.
func WithLogger(l log.Logger) Option {
	return func(r *Retriever) { r.logger = l }
}

// WithPollInterval sets how often IfNotice rescans while waiting.
func WithPollInterval(d time.Duration) Option {
	return func(r *Retriever) {
		if d > 0 {
			r.poll = d
		}
	}
}

// Retriever takes notices out of a queue. It is safe for concurrent use;
// concurrent retrievals never return the same notice.
type Retriever struct {
	q       *queue.Queue
	parse   ParseFunc
	drainer Drainer
	alloc   Allocator
	logger  log.Logger
	poll    time.Duration
}

// New creates a Retriever over q that decodes records with parse.
func New(q *queue.Queue, parse ParseFunc, opts ...Option) *Retriever {
	r := &Retriever{
		q:     q,
		parse: parse,
		alloc: LimitAllocator(0),
		poll:  defaultPollInterval,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = log.GetLogger()
	}
	return r
}

// CheckIfNotice returns the oldest complete notice pred accepts and removes
// it from the queue. It returns core.ErrNoNotice when nothing matches.
//
// A matched record is removed even if decoding the returned copy fails, so
// an undecodable notice cannot match forever. A failed copy allocation
// leaves the record queued for another attempt. Records whose bytes cannot
// be decoded at all are dropped; if no other record matches, the first such
// error is returned with its sender.
func (r *Retriever) CheckIfNotice(pred core.Predicate) (*core.Notice, netip.AddrPort, error) {
	r.drain()

	var (
		data []byte
		from netip.AddrPort
		id   core.PacketID
	)
	err := r.q.Update(func(tx *queue.Txn) error {
		h, rec, err := r.scan(tx, pred)
		if err != nil {
			return err
		}
		buf, err := r.alloc(len(rec.Data))
		if err != nil {
			return err
		}
		copy(buf, rec.Data)
		if _, err := tx.Remove(h); err != nil {
			return err
		}
		data, from, id = buf, rec.From, rec.ID
		return nil
	})
	if err != nil {
		var pe *parseError
		if errors.As(err, &pe) {
			r.record(pe.err)
			return nil, pe.from, pe.err
		}
		r.record(err)
		return nil, netip.AddrPort{}, err
	}

	n, err := r.parse(data)
	if err != nil {
		r.logger.WithField("from", from.String()).WithField("id", id.String()).WithError(err).
			Warn("matched notice failed to decode, dropped")
		r.record(err)
		return nil, from, err
	}
	n.From = from
	n.ID = id
	r.record(nil)
	return n, from, nil
}

// PeekIfNotice returns a copy of the oldest complete notice pred accepts
// without removing it. Undecodable records met on the way are dropped as in
// CheckIfNotice.
func (r *Retriever) PeekIfNotice(pred core.Predicate) (*core.Notice, netip.AddrPort, error) {
	r.drain()

	var (
		data []byte
		from netip.AddrPort
		id   core.PacketID
	)
	err := r.q.Update(func(tx *queue.Txn) error {
		_, rec, err := r.scan(tx, pred)
		if err != nil {
			return err
		}
		buf, err := r.alloc(len(rec.Data))
		if err != nil {
			return err
		}
		copy(buf, rec.Data)
		data, from, id = buf, rec.From, rec.ID
		return nil
	})
	if err != nil {
		var pe *parseError
		if errors.As(err, &pe) {
			return nil, pe.from, pe.err
		}
		return nil, netip.AddrPort{}, err
	}

	n, err := r.parse(data)
	if err != nil {
		return nil, from, err
	}
	n.From = from
	n.ID = id
	return n, from, nil
}

// IfNotice waits until a notice pred accepts arrives, polling the queue,
// and returns it. It gives up with ctx.Err() when ctx is done. Errors other
// than core.ErrNoNotice are returned immediately.
func (r *Retriever) IfNotice(ctx context.Context, pred core.Predicate) (*core.Notice, netip.AddrPort, error) {
	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()
	for {
		n, from, err := r.CheckIfNotice(pred)
		if !errors.Is(err, core.ErrNoNotice) {
			return n, from, err
		}
		select {
		case <-ctx.Done():
			return nil, netip.AddrPort{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Pending drains the transport and returns the number of complete notices
// waiting in the queue.
func (r *Retriever) Pending() int {
	r.drain()
	return r.q.CompleteLen()
}

// parseError carries a scratch decode failure out of an Update callback.
type parseError struct {
	from netip.AddrPort
	err  error
}

func (e *parseError) Error() string { return e.err.Error() }
func (e *parseError) Unwrap() error { return e.err }

// scan walks complete records in arrival order and returns the first one
// pred accepts. The scratch notice is parsed from the queue's own bytes,
// which the parser only reads. Undecodable records are removed on the way;
// when nothing matches, the first decode failure is returned in place of
// core.ErrNoNotice.
func (r *Retriever) scan(tx *queue.Txn, pred core.Predicate) (queue.Handle, queue.Record, error) {
	var dropped *parseError
	for h, ok := tx.FirstComplete(); ok; {
		rec, err := tx.Peek(h)
		if err != nil {
			return queue.Handle{}, queue.Record{}, err
		}
		next, more := tx.NextComplete(h)
		scratch, err := r.parse(rec.Data)
		if err != nil {
			r.logger.WithField("from", rec.From.String()).WithField("id", rec.ID.String()).WithError(err).
				Warn("queued notice failed to decode, dropped")
			if _, rmErr := tx.Remove(h); rmErr != nil {
				return queue.Handle{}, queue.Record{}, rmErr
			}
			if dropped == nil {
				dropped = &parseError{from: rec.From, err: err}
			}
			h, ok = next, more
			continue
		}
		scratch.From = rec.From
		scratch.ID = rec.ID
		if pred == nil || pred(scratch) {
			return h, rec, nil
		}
		h, ok = next, more
	}
	if dropped != nil {
		return queue.Handle{}, queue.Record{}, dropped
	}
	return queue.Handle{}, queue.Record{}, core.ErrNoNotice
}

func (r *Retriever) drain() {
	if r.drainer != nil {
		r.drainer.Drain(r.q)
	}
}

func (r *Retriever) record(err error) {
	metrics.RetrievalTotal.WithLabelValues(resultLabel(err)).Inc()
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "delivered"
	case errors.Is(err, core.ErrNoNotice):
		return "no_notice"
	case errors.Is(err, core.ErrParse):
		return "parse_error"
	case errors.Is(err, core.ErrAuthFailure):
		return "auth_failure"
	case errors.Is(err, core.ErrOutOfMemory):
		return "out_of_memory"
	default:
		return "error"
	}
}
