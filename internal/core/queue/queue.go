// Package queue implements the inbound notice queue: datagram fragments are
// reassembled per (sender, packet id), duplicates are dropped, and complete
// notices wait, in arrival order, until a retrieval removes them.
//
// Records live in an arena and are addressed by generation-checked handles,
// so scanning and removal never invalidate one another. A handle whose record
// was removed is stale and every operation on it fails with core.ErrNotFound.
package queue

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"firestige.xyz/zephyr/internal/core"
	"firestige.xyz/zephyr/internal/metrics"
)

const (
	defaultMaxFragments      = 256
	defaultIncompleteTimeout = 30 * time.Second
	nilSlot                  = -1
)

// Outcome describes what Ingest did with a packet.
type Outcome int

const (
	// Created started a new, still incomplete record.
	Created Outcome = iota + 1
	// Merged added a fragment to an incomplete record.
	Merged
	// Completed made a record complete, either the last missing fragment or
	// a single-fragment notice.
	Completed
	// Duplicate dropped a packet for a complete record or a fragment that
	// already arrived.
	Duplicate
	// Suppressed dropped a retransmission of an already delivered notice.
	Suppressed
)

func (o Outcome) String() string {
	switch o {
	case Created:
		return "created"
	case Merged:
		return "merged"
	case Completed:
		return "completed"
	case Duplicate:
		return "duplicate"
	case Suppressed:
		return "suppressed"
	default:
		return "unknown"
	}
}

// Key identifies a notice: its sender and packet id.
type Key struct {
	From netip.AddrPort
	ID   core.PacketID
}

func (k Key) bytes() []byte {
	a := k.From.Addr().As16()
	b := make([]byte, 0, len(a)+2+8)
	b = append(b, a[:]...)
	b = binary.BigEndian.AppendUint16(b, k.From.Port())
	return binary.BigEndian.AppendUint64(b, uint64(k.ID))
}

// Packet is one inbound datagram or fragment.
type Packet struct {
	From    netip.AddrPort
	ID      core.PacketID
	Index   int // 0-based fragment index
	Count   int // total fragments of the notice
	Data    []byte
	Arrived time.Time // zero means now
}

// Handle addresses a record. The zero Handle never refers to a record.
type Handle struct {
	slot int32
	gen  uint32
}

// IsZero reports whether h is the zero handle.
func (h Handle) IsZero() bool { return h.gen == 0 }

// Record is a view of a complete record.
type Record struct {
	Handle  Handle
	From    netip.AddrPort
	ID      core.PacketID
	Data    []byte
	Arrived time.Time
}

// Config tunes a Queue.
type Config struct {
	// MaxRecords bounds live records. When full, the oldest incomplete record
	// is evicted; if every record is complete, Ingest fails. 0 means no limit.
	MaxRecords int
	// MaxFragments bounds the fragment count of one notice.
	MaxFragments int
	// MaxNoticeSize bounds the reassembled size of one notice in bytes. A
	// record that grows past it is dropped. 0 means no limit.
	MaxNoticeSize int
	// IncompleteTimeout is how long an incomplete record may go without a new
	// fragment before Expire drops it.
	IncompleteTimeout time.Duration
	// Delivered, if set, remembers removed records so late retransmissions
	// are suppressed instead of delivered twice.
	Delivered *BloomRing
	// Now overrides the clock, for tests.
	Now func() time.Time
}

type record struct {
	key      Key
	gen      uint32
	used     bool
	complete bool
	count    int
	have     int
	size     int
	frags    [][]byte
	data     []byte
	arrived  time.Time
	lastSeen time.Time
	prev     int32
	next     int32
}

// Queue is the inbound notice queue. All methods are safe for concurrent use;
// Update runs a multi-step scan as a single critical section.
type Queue struct {
	mu        sync.Mutex
	cfg       Config
	slots     []record
	free      []int32
	head      int32
	tail      int32
	index     map[Key]int32
	live      int
	completed int
}

// New creates an empty queue.
func New(cfg Config) *Queue {
	if cfg.MaxFragments <= 0 {
		cfg.MaxFragments = defaultMaxFragments
	}
	if cfg.IncompleteTimeout <= 0 {
		cfg.IncompleteTimeout = defaultIncompleteTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Queue{
		cfg:   cfg,
		head:  nilSlot,
		tail:  nilSlot,
		index: make(map[Key]int32),
	}
}

// Ingest adds a packet to the queue, merging it into the record for its key.
// A packet for a record that is already complete is dropped. The packet data
// is copied.
func (q *Queue) Ingest(p Packet) (outcome Outcome, err error) {
	defer func() {
		label := outcome.String()
		if err != nil {
			label = "rejected"
		}
		metrics.QueueIngestTotal.WithLabelValues(label).Inc()
	}()

	if p.Count < 1 || p.Index < 0 || p.Index >= p.Count {
		return 0, fmt.Errorf("fragment %d/%d from %s: %w", p.Index, p.Count, p.From, core.ErrInvalidFragment)
	}
	if p.Count > q.cfg.MaxFragments {
		return 0, fmt.Errorf("fragment count %d exceeds limit %d: %w", p.Count, q.cfg.MaxFragments, core.ErrReassemblyLimit)
	}
	if p.Arrived.IsZero() {
		p.Arrived = q.cfg.Now()
	}
	key := Key{From: p.From, ID: p.ID}

	q.mu.Lock()
	defer q.mu.Unlock()
	defer q.updateGauges()

	if slot, ok := q.index[key]; ok {
		return q.merge(&q.slots[slot], p)
	}

	if q.cfg.Delivered != nil && q.cfg.Delivered.Test(key.bytes()) {
		return Suppressed, nil
	}
	if q.cfg.MaxRecords > 0 && q.live >= q.cfg.MaxRecords {
		if !q.evictOldestIncomplete() {
			return 0, fmt.Errorf("%d records pending: %w", q.live, core.ErrQueueFull)
		}
	}

	slot := q.alloc()
	r := &q.slots[slot]
	r.key = key
	r.count = p.Count
	r.frags = make([][]byte, p.Count)
	r.arrived = p.Arrived
	q.index[key] = slot
	q.link(slot)

	outcome, err = q.merge(r, p)
	if outcome == Merged {
		outcome = Created
	}
	return outcome, err
}

// merge stores one fragment into an existing record. Must hold q.mu.
func (q *Queue) merge(r *record, p Packet) (Outcome, error) {
	if r.complete {
		return Duplicate, nil
	}
	if p.Count != r.count {
		return 0, fmt.Errorf("packet %s from %s has %d fragments, got fragment claiming %d: %w",
			r.key.ID, r.key.From, r.count, p.Count, core.ErrFragmentMismatch)
	}
	if r.frags[p.Index] != nil {
		return Duplicate, nil
	}
	if limit := q.cfg.MaxNoticeSize; limit > 0 && r.size+len(p.Data) > limit {
		key := r.key
		q.release(q.index[key])
		return 0, fmt.Errorf("packet %s from %s exceeds %d bytes: %w", key.ID, key.From, limit, core.ErrReassemblyLimit)
	}

	frag := make([]byte, len(p.Data))
	copy(frag, p.Data)
	r.frags[p.Index] = frag
	r.have++
	r.size += len(frag)
	r.lastSeen = p.Arrived

	if r.have < r.count {
		return Merged, nil
	}

	data := make([]byte, 0, r.size)
	for _, f := range r.frags {
		data = append(data, f...)
	}
	r.data = data
	r.frags = nil
	r.complete = true
	q.completed++
	return Completed, nil
}

// FirstComplete returns the oldest complete record.
func (q *Queue) FirstComplete() (Handle, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return (&Txn{q: q}).FirstComplete()
}

// NextComplete returns the next complete record after h.
func (q *Queue) NextComplete(h Handle) (Handle, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return (&Txn{q: q}).NextComplete(h)
}

// Peek returns a view of the complete record h. The view's Data must not be
// modified or retained.
func (q *Queue) Peek(h Handle) (Record, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return (&Txn{q: q}).Peek(h)
}

// Remove detaches the complete record h and hands its data to the caller.
func (q *Queue) Remove(h Handle) (Record, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return (&Txn{q: q}).Remove(h)
}

// Update runs fn with the queue locked. Ingestion and other updates wait
// until fn returns, so a scan-then-remove inside fn cannot race.
func (q *Queue) Update(fn func(tx *Txn) error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return fn(&Txn{q: q})
}

// Expire drops incomplete records that have not seen a fragment within the
// incomplete timeout as of now. It returns the number dropped.
func (q *Queue) Expire(now time.Time) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	expired := 0
	for slot := q.head; slot != nilSlot; {
		r := &q.slots[slot]
		next := r.next
		if !r.complete && now.Sub(r.lastSeen) > q.cfg.IncompleteTimeout {
			q.release(slot)
			expired++
		}
		slot = next
	}
	if expired > 0 {
		metrics.QueueExpiredTotal.Add(float64(expired))
		q.updateGauges()
	}
	return expired
}

// Len returns the number of records, complete or not.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.live
}

// CompleteLen returns the number of complete records.
func (q *Queue) CompleteLen() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.completed
}

// Txn is the locked view of a queue handed to Update callbacks. It must not
// be used after the callback returns.
type Txn struct {
	q *Queue
}

// FirstComplete returns the oldest complete record.
func (tx *Txn) FirstComplete() (Handle, bool) {
	return tx.scanFrom(tx.q.head)
}

// NextComplete returns the next complete record after h in arrival order.
// It returns false when h is stale or no complete record follows.
func (tx *Txn) NextComplete(h Handle) (Handle, bool) {
	slot, ok := tx.q.lookup(h)
	if !ok {
		return Handle{}, false
	}
	return tx.scanFrom(tx.q.slots[slot].next)
}

// Peek returns a read-only view of the complete record h.
func (tx *Txn) Peek(h Handle) (Record, error) {
	slot, ok := tx.q.lookup(h)
	if !ok || !tx.q.slots[slot].complete {
		return Record{}, fmt.Errorf("peek: %w", core.ErrNotFound)
	}
	return tx.q.view(slot), nil
}

// Remove detaches the complete record h. The returned data is owned by the
// caller.
func (tx *Txn) Remove(h Handle) (Record, error) {
	q := tx.q
	slot, ok := q.lookup(h)
	if !ok || !q.slots[slot].complete {
		return Record{}, fmt.Errorf("remove: %w", core.ErrNotFound)
	}
	rec := q.view(slot)
	if q.cfg.Delivered != nil {
		q.cfg.Delivered.Add(rec.key().bytes())
	}
	q.release(slot)
	q.updateGauges()
	return rec, nil
}

func (tx *Txn) scanFrom(slot int32) (Handle, bool) {
	q := tx.q
	for ; slot != nilSlot; slot = q.slots[slot].next {
		if q.slots[slot].complete {
			return Handle{slot: slot, gen: q.slots[slot].gen}, true
		}
	}
	return Handle{}, false
}

func (r Record) key() Key { return Key{From: r.From, ID: r.ID} }

func (q *Queue) view(slot int32) Record {
	r := &q.slots[slot]
	return Record{
		Handle:  Handle{slot: slot, gen: r.gen},
		From:    r.key.From,
		ID:      r.key.ID,
		Data:    r.data,
		Arrived: r.arrived,
	}
}

func (q *Queue) lookup(h Handle) (int32, bool) {
	if h.gen == 0 || h.slot < 0 || int(h.slot) >= len(q.slots) {
		return 0, false
	}
	r := &q.slots[h.slot]
	if !r.used || r.gen != h.gen {
		return 0, false
	}
	return h.slot, true
}

// alloc takes a free slot, growing the arena if needed.
func (q *Queue) alloc() int32 {
	var slot int32
	if n := len(q.free); n > 0 {
		slot = q.free[n-1]
		q.free = q.free[:n-1]
	} else {
		q.slots = append(q.slots, record{})
		slot = int32(len(q.slots) - 1)
	}
	r := &q.slots[slot]
	gen := r.gen + 1
	if gen == 0 {
		gen = 1
	}
	*r = record{gen: gen, used: true, prev: nilSlot, next: nilSlot}
	q.live++
	return slot
}

// link appends slot to the arrival order list.
func (q *Queue) link(slot int32) {
	r := &q.slots[slot]
	r.prev = q.tail
	r.next = nilSlot
	if q.tail != nilSlot {
		q.slots[q.tail].next = slot
	} else {
		q.head = slot
	}
	q.tail = slot
}

// release unlinks slot, drops it from the index and frees it. The slot keeps
// its generation so outstanding handles become stale.
func (q *Queue) release(slot int32) {
	r := &q.slots[slot]
	if r.prev != nilSlot {
		q.slots[r.prev].next = r.next
	} else {
		q.head = r.next
	}
	if r.next != nilSlot {
		q.slots[r.next].prev = r.prev
	} else {
		q.tail = r.prev
	}
	delete(q.index, r.key)
	if r.complete {
		q.completed--
	}
	*r = record{gen: r.gen, prev: nilSlot, next: nilSlot}
	q.free = append(q.free, slot)
	q.live--
}

func (q *Queue) evictOldestIncomplete() bool {
	for slot := q.head; slot != nilSlot; slot = q.slots[slot].next {
		if !q.slots[slot].complete {
			q.release(slot)
			metrics.QueueEvictedTotal.Inc()
			return true
		}
	}
	return false
}

func (q *Queue) updateGauges() {
	metrics.QueueRecords.WithLabelValues("complete").Set(float64(q.completed))
	metrics.QueueRecords.WithLabelValues("incomplete").Set(float64(q.live - q.completed))
}
