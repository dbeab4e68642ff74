// Package translog implements the Transfer Log from spec.md §4.1: an
// ordered, append-only sequence of write Requests interleaved with
// Barrier markers, used for replay on reconnect and for barrier-ack
// accounting.
package translog

import (
	"container/list"
	"fmt"
	"sync"

	"drbdgo/internal/drbderr"
	"drbdgo/internal/request"
)

type entry struct {
	req       *request.Request // nil for a barrier entry
	barrierNr uint32
	isBarrier bool
}

// TransferLog is the ring (here: a doubly linked list, which gives the
// same O(1) append / O(1) pop-oldest complexity spec.md asks for)
// described in spec.md §4.1.
type TransferLog struct {
	mu       sync.Mutex
	entries  *list.List
	capacity int // 0 means unbounded

	nextBarrierNr uint32
	barrierNrDone int64 // -1 until the first barrier is acked
}

// New creates an empty TransferLog. capacity bounds the ring; 0 means
// unbounded (suitable for tests). A capacity bug — appending past it —
// is reported as an error rather than silently overwriting entries,
// per spec.md §8's boundary behavior.
func New(capacity int) *TransferLog {
	return &TransferLog{
		entries:       list.New(),
		capacity:      capacity,
		barrierNrDone: -1,
	}
}

// AppendWrite attaches req after all existing entries.
func (tl *TransferLog) AppendWrite(req *request.Request) error {
	tl.mu.Lock()
	defer tl.mu.Unlock()

	if tl.capacity > 0 && tl.entries.Len() >= tl.capacity {
		return fmt.Errorf("translog: ring full at capacity %d", tl.capacity)
	}
	e := tl.entries.PushBack(&entry{req: req})
	req.TLLink = e
	return nil
}

// AppendBarrier appends a barrier marker and assigns it the next
// barrier number. The caller MUST hold the connection's send lock so
// that barrier enqueue and the Barrier frame's transmission are
// serialized (spec.md §4.1).
func (tl *TransferLog) AppendBarrier() uint32 {
	tl.mu.Lock()
	defer tl.mu.Unlock()

	bnr := tl.nextBarrierNr
	tl.nextBarrierNr++
	tl.entries.PushBack(&entry{isBarrier: true, barrierNr: bnr})
	return bnr
}

// BarrierAck pops the oldest barrier, asserting it is exactly bnr and
// that exactly setSize writes preceded it since the previous barrier.
// Either mismatch is fatal per spec.md §4.1/§7: it means the sender's
// and the receiver's views of the log have diverged. On success it
// returns the covered write requests, in log order, so the caller can
// emit BarrierAcked on each.
func (tl *TransferLog) BarrierAck(bnr, setSize uint32) ([]*request.Request, error) {
	tl.mu.Lock()
	defer tl.mu.Unlock()

	expected := tl.barrierNrDone + 1
	if int64(bnr) != expected {
		return nil, fmt.Errorf("%w: expected barrier %d, peer acked %d", drbderr.ErrBarrierMismatch, expected, bnr)
	}

	var covered []*request.Request
	for {
		front := tl.entries.Front()
		if front == nil {
			return nil, fmt.Errorf("%w: log exhausted while popping barrier %d", drbderr.ErrBarrierMismatch, bnr)
		}
		e := front.Value.(*entry)
		tl.entries.Remove(front)

		if e.isBarrier {
			if e.barrierNr != bnr {
				return nil, fmt.Errorf("%w: oldest barrier is %d, peer acked %d", drbderr.ErrBarrierMismatch, e.barrierNr, bnr)
			}
			break
		}
		e.req.TLLink = nil
		covered = append(covered, e.req)
	}

	if uint32(len(covered)) != setSize {
		return nil, fmt.Errorf("%w: barrier %d covers %d writes, peer reported set_size %d",
			drbderr.ErrBarrierMismatch, bnr, len(covered), setSize)
	}

	tl.barrierNrDone = int64(bnr)
	return covered, nil
}

// Clear empties the log — called when the connection drops — and
// returns every write request that was still outstanding, oldest
// first. Barrier markers are discarded: a fresh connection
// renegotiates epochs from scratch. The caller (spec.md §4.9's failure
// model, implemented in internal/device) is responsible for deciding,
// per request, whether to mark its range out-of-sync, re-queue it for
// resend, or fail it to the upper layer — tl_clear itself only
// guarantees every write is handed back exactly once (P7).
func (tl *TransferLog) Clear() []*request.Request {
	tl.mu.Lock()
	defer tl.mu.Unlock()

	var writes []*request.Request
	for e := tl.entries.Front(); e != nil; e = e.Next() {
		ent := e.Value.(*entry)
		if !ent.isBarrier {
			ent.req.TLLink = nil
			writes = append(writes, ent.req)
		}
	}
	tl.entries.Init()
	return writes
}

// Len reports the number of entries (writes + barriers) currently in
// the log. Exposed for tests and for the request timer's oldest-pending
// scan.
func (tl *TransferLog) Len() int {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	return tl.entries.Len()
}

// OldestPending returns the oldest write request that still has
// NET_PENDING or LOCAL_PENDING set, for the request timer (spec.md
// §4.8). It is an O(n) scan, as spec.md's complexity table allows.
func (tl *TransferLog) OldestPending() *request.Request {
	tl.mu.Lock()
	defer tl.mu.Unlock()

	for e := tl.entries.Front(); e != nil; e = e.Next() {
		ent := e.Value.(*entry)
		if ent.isBarrier {
			continue
		}
		f := ent.req.Flags()
		if f.Has(request.NetPending) || f.Has(request.LocalPending) {
			return ent.req
		}
	}
	return nil
}
