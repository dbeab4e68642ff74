// Package router implements the request router from spec.md §4.5: the
// code path a fresh upper-layer read or write travels through before
// it becomes an in-flight Request — activity-log pinning, conflict
// detection, epoch stamping, and handing the request off to local disk
// and/or the network. Grounded on godkv's cluster.Node Put/Get/Delete,
// which plays the same "one call does allocation, durability, and
// fan-out" role for a key/value write.
package router

import (
	"fmt"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"drbdgo/internal/backend"
	"drbdgo/internal/conflict"
	"drbdgo/internal/drbderr"
	"drbdgo/internal/epoch"
	"drbdgo/internal/oosmap"
	"drbdgo/internal/request"
	"drbdgo/internal/translog"
	"drbdgo/internal/wire"
)

// Peer is the narrow slice of transport.Connection the router needs:
// enough to hand a write or a barrier to the network. Kept as an
// interface so router can be tested without a real socket pair.
type Peer interface {
	SendData(wire.Data) error
	SendBarrier(wire.Barrier) error
}

// Policy selects which peer a read should prefer, per spec.md §4.5.
type Policy int

const (
	PreferLocal Policy = iota
	PreferRemote
	RoundRobin
)

// Router ties together the backing store, the conflict detector, the
// activity log, the transfer log, and the epoch controller for one
// Device. Completions (Apply's Result) are dispatched back to the
// caller-supplied onComplete hook so router stays free of any
// connection-registry or device-lifecycle concerns.
type Router struct {
	mu sync.Mutex

	backend   *backend.Store
	tl        *translog.TransferLog
	ep        *epoch.Controller
	cd        *conflict.Detector
	al        *oosmap.ActivityLog
	bm        *oosmap.Bitmap
	blockSize uint32
	proto     request.Protocol
	policy    Policy

	peers      []Peer
	nextPeer   uint64 // round-robin cursor
	nextBlock  uint64 // BlockID allocator
	suspended  bool
	postponed  []*request.Request

	// localDiskFailed mirrors spec.md §4.5 step 2's "local backing
	// device unavailable" case: once set, a fresh write discards its
	// private_bio (no AL pin, no backend.SubmitWrite) and a fresh read
	// never prefers local, relying entirely on the network copy. Set by
	// DetachLocalDisk under the on_io_error=Detach policy (spec.md §4.9).
	localDiskFailed bool

	onComplete func(req *request.Request, c request.Completion)
	log        *log.Entry
}

// New creates a Router. onComplete is invoked, outside router's lock,
// whenever a Request's Completion becomes available.
func New(be *backend.Store, tl *translog.TransferLog, ep *epoch.Controller, cd *conflict.Detector,
	al *oosmap.ActivityLog, bm *oosmap.Bitmap, blockSize uint32, proto request.Protocol,
	onComplete func(*request.Request, request.Completion)) *Router {
	return &Router{
		backend:    be,
		tl:         tl,
		ep:         ep,
		cd:         cd,
		al:         al,
		bm:         bm,
		blockSize:  blockSize,
		proto:      proto,
		onComplete: onComplete,
		log:        log.WithField("component", "router"),
	}
}

// SetPeers replaces the peer set the router replicates writes to and
// selects reads from. Only the first peer in the slice is used; see
// pickPeerLocked.
func (rt *Router) SetPeers(peers []Peer) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.peers = peers
}

// Suspend/Resume implement spec.md §4.5's suspended-device path: while
// suspended, new writes are immediately POSTPONED rather than queued,
// and Resume replays every postponed request through Retry once
// service can continue (e.g. after a resync source is established).
func (rt *Router) Suspend() {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.suspended = true
}

func (rt *Router) Resume() {
	rt.mu.Lock()
	pending := rt.postponed
	rt.postponed = nil
	rt.suspended = false
	rt.mu.Unlock()

	for _, req := range pending {
		rt.mu.Lock()
		res, _ := req.Apply(request.Retry, rt.proto)
		rt.mu.Unlock()
		rt.deliver(req, res)
	}
}

func (rt *Router) deliver(req *request.Request, res request.Result) {
	if res.Completion != nil && rt.onComplete != nil {
		rt.onComplete(req, *res.Completion)
	}
}

// ApplyEvent applies evt to req under router's lock and dispatches any
// resulting Completion. It exists for callers outside router (the
// device's ack/barrier dispatch) that need to drive an in-flight
// Request's state machine without racing router's own internal
// Apply calls on the same request.
func (rt *Router) ApplyEvent(req *request.Request, evt request.Event) (request.Result, error) {
	rt.mu.Lock()
	res, err := req.Apply(evt, rt.proto)
	rt.mu.Unlock()
	if err != nil {
		return res, err
	}
	rt.deliver(req, res)
	return res, nil
}

// HandleBarrierAck pops the acknowledged barrier off the transfer log
// and drives BarrierAcked through every write request it covered.
func (rt *Router) HandleBarrierAck(barrierNr, setSize uint32) error {
	covered, err := rt.tl.BarrierAck(barrierNr, setSize)
	if err != nil {
		return err
	}
	for _, req := range covered {
		if _, err := rt.ApplyEvent(req, request.BarrierAcked); err != nil {
			rt.log.WithError(err).Warn("BarrierAcked rejected for covered request")
		}
	}
	return nil
}

// ClearTransferLog empties the transfer log (tl_clear) on connection
// loss and returns the write requests that were still outstanding, for
// the caller to fail, requeue, or mark out-of-sync per spec.md §4.9.
func (rt *Router) ClearTransferLog() []*request.Request {
	return rt.tl.Clear()
}

func (rt *Router) extentOf(sector uint64) uint64 { return sector / uint64(rt.blockSize) }

// DetachLocalDisk takes the local backing device out of the I/O path:
// every subsequent write discards its private_bio instead of
// submitting to it, and every subsequent read is served from a peer.
// Implements spec.md §4.9's "transition local disk to FAILED" half of
// the detach-on-error policy; there is no corresponding re-attach here
// since the resync engine that would justify one is out of scope.
func (rt *Router) DetachLocalDisk() {
	rt.mu.Lock()
	rt.localDiskFailed = true
	rt.mu.Unlock()
}

func (rt *Router) localDiskAvailable() bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return !rt.localDiskFailed
}

// LocalDiskFailed reports whether DetachLocalDisk has taken the local
// backing device out of the I/O path. Exposed for the status endpoint
// and for tests asserting the on_io_error=Detach transition fired.
func (rt *Router) LocalDiskFailed() bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.localDiskFailed
}

// SubmitWrite is the 12-step write path from spec.md §4.5: allocate
// the Request, pin its extent in the activity log, resolve conflicts,
// stamp an epoch, and hand it to both the backing disk and the
// network.
func (rt *Router) SubmitWrite(bio request.BioHandle, sector uint64, data []byte) (*request.Request, error) {
	if uint32(len(data)) != rt.blockSize {
		return nil, fmt.Errorf("router: write at sector %d: got %d bytes, want block size %d", sector, len(data), rt.blockSize)
	}
	iv := request.Interval{Sector: sector, Size: uint32(len(data))}

	rt.mu.Lock()
	if rt.suspended {
		epochNr := rt.ep.Current()
		req := request.New(request.Write, iv, epochNr)
		req.SetMasterBio(bio)
		res, _ := req.Apply(request.PostponeWrite, rt.proto)
		rt.postponed = append(rt.postponed, req)
		rt.mu.Unlock()
		rt.deliver(req, res)
		return req, nil
	}
	epochNr, hardClose := rt.ep.AccountWrite()
	rt.mu.Unlock()

	req := request.New(request.Write, iv, epochNr)
	req.SetMasterBio(bio)

	// spec.md §4.5 step 2: attempt to acquire a reference on the local
	// backing device; if unavailable (on_io_error=Detach already fired),
	// private_bio is discarded below instead of pinned and submitted.
	localAvailable := rt.localDiskAvailable()
	extentNr := rt.extentOf(sector)
	if localAvailable {
		if evicted, ok := rt.al.BeginIO(extentNr); ok {
			rt.bm.SetOutOfSync(evicted*uint64(rt.blockSize), rt.blockSize, rt.blockSize)
		}
		req.SetInActLog(true)
	}

	rt.cd.WaitAndInsert(iv, request.Write, req)

	rt.mu.Lock()
	peer := rt.pickPeerLocked()
	// spec.md §4.5 step 9 / §9: with no peer to mirror to, this write
	// is the "neither remote nor send_oos" case — never emit a network
	// event for it, or NET_PENDING/NET_QUEUED would latch forever with
	// nothing left to clear them, and the write could never complete.
	var res request.Result
	if peer != nil {
		if _, err := req.Apply(request.ToBeSent, rt.proto); err != nil {
			rt.mu.Unlock()
			return nil, err
		}
	}
	if localAvailable {
		if _, err := req.Apply(request.ToBeSubmitted, rt.proto); err != nil {
			rt.mu.Unlock()
			return nil, err
		}
	}
	if peer != nil {
		var err error
		res, err = req.Apply(request.QueueForNetWrite, rt.proto)
		if err != nil {
			rt.mu.Unlock()
			return nil, err
		}
		req.BlockID = atomic.AddUint64(&rt.nextBlock, 1)
	}
	rt.mu.Unlock()
	rt.deliver(req, res)

	if err := rt.tl.AppendWrite(req); err != nil {
		return nil, err
	}

	if localAvailable {
		rt.backend.SubmitWrite(sector, data, func(err error) {
			rt.al.CompleteIO(extentNr)
			rt.cd.Done(iv, request.Write, req)

			rt.mu.Lock()
			var res request.Result
			if err != nil {
				req.SetLocalError(err)
				res, _ = req.Apply(request.WriteCompletedWithError, rt.proto)
			} else {
				res, _ = req.Apply(request.CompletedOK, rt.proto)
			}
			rt.mu.Unlock()
			rt.deliver(req, res)
		})
	} else {
		go func() {
			rt.cd.Done(iv, request.Write, req)
			rt.mu.Lock()
			req.SetLocalError(drbderr.ErrIO)
			res, _ := req.Apply(request.WriteCompletedWithError, rt.proto)
			rt.mu.Unlock()
			rt.deliver(req, res)
		}()
	}

	if peer != nil {
		go func() {
			sendErr := peer.SendData(wire.Data{BlockNr: sector / uint64(rt.blockSize), BlockID: req.BlockID, Bytes: data})
			rt.mu.Lock()
			var res request.Result
			if sendErr != nil {
				rt.log.WithError(sendErr).Warn("send data failed")
				res, _ = req.Apply(request.SendFailed, rt.proto)
			} else {
				res, _ = req.Apply(request.HandedOverToNetwork, rt.proto)
			}
			rt.mu.Unlock()
			rt.deliver(req, res)

			// A hard-close Barrier must follow this write's Data frame on
			// the wire, or the peer answers it with a set_size that
			// predates this write. Close from here, after the send, so
			// ordering on the peer's connection is guaranteed rather than
			// racing a concurrent SendBarrier from the caller's goroutine.
			if hardClose {
				rt.closeEpochAndBarrier()
			}
		}()
		return req, nil
	}

	if hardClose {
		rt.closeEpochAndBarrier()
	}
	return req, nil
}

// CloseEpochAndBarrier force-closes the current epoch and broadcasts a
// Barrier to every peer. Exposed for the device layer to drive
// spec.md §4.3's soft-close rule (epoch.Controller.SoftCloseDue),
// which fires on a write's completion rather than on accounting a new
// write, so router itself cannot observe it.
func (rt *Router) CloseEpochAndBarrier() {
	rt.closeEpochAndBarrier()
}

// closeEpochAndBarrier closes the current epoch, appends a Barrier
// marker to the transfer log, and broadcasts it to every peer. The
// caller must not hold rt.mu.
func (rt *Router) closeEpochAndBarrier() {
	rt.ep.Close()
	bnr := rt.tl.AppendBarrier()
	rt.mu.Lock()
	peers := append([]Peer(nil), rt.peers...)
	rt.mu.Unlock()
	for _, p := range peers {
		if err := p.SendBarrier(wire.Barrier{BarrierNr: bnr}); err != nil {
			rt.log.WithError(err).Warn("send barrier failed")
		}
	}
}

// pickPeerLocked selects the peer a write is replicated to (and a
// remote read is sent to). Must be called with rt.mu held. It returns
// the first entry of the slice given to SetPeers, or nil when there is
// none; writes are not sent to any other peer in the set.
func (rt *Router) pickPeerLocked() Peer {
	if len(rt.peers) == 0 {
		return nil
	}
	return rt.peers[0]
}

// SubmitRead resolves one read, choosing between the local disk and a
// peer per the configured read-balancing Policy (spec.md §4.5).
func (rt *Router) SubmitRead(bio request.BioHandle, sector uint64, size uint32) (*request.Request, error) {
	iv := request.Interval{Sector: sector, Size: size}
	req := request.New(request.Read, iv, rt.ep.Current())
	req.SetMasterBio(bio)

	rt.cd.WaitAndInsert(iv, request.Read, req)

	useLocal := true
	rt.mu.Lock()
	switch rt.policy {
	case PreferRemote:
		useLocal = len(rt.peers) == 0
	case RoundRobin:
		n := atomic.AddUint64(&rt.nextPeer, 1)
		useLocal = len(rt.peers) == 0 || n%2 == 0
	default: // PreferLocal
		useLocal = true
	}
	if rt.localDiskFailed && len(rt.peers) > 0 {
		useLocal = false
	}
	rt.mu.Unlock()

	if useLocal {
		rt.mu.Lock()
		if _, err := req.Apply(request.ToBeSubmitted, rt.proto); err != nil {
			rt.mu.Unlock()
			return nil, err
		}
		rt.mu.Unlock()

		rt.backend.SubmitRead(sector, func(data []byte, err error) {
			rt.cd.Done(iv, request.Read, req)
			rt.mu.Lock()
			var res request.Result
			if err != nil {
				req.SetLocalError(err)
				res, _ = req.Apply(request.ReadCompletedWithError, rt.proto)
			} else {
				res, _ = req.Apply(request.CompletedOK, rt.proto)
			}
			rt.mu.Unlock()
			if res.MarkOutOfSync {
				rt.bm.SetOutOfSync(sector, size, rt.blockSize)
			}
			rt.deliver(req, res)
		})
		return req, nil
	}

	rt.mu.Lock()
	if _, err := req.Apply(request.ToBeSent, rt.proto); err != nil {
		rt.mu.Unlock()
		return nil, err
	}
	res, err := req.Apply(request.QueueForNetRead, rt.proto)
	req.BlockID = atomic.AddUint64(&rt.nextBlock, 1)
	peer := rt.pickPeerLocked()
	rt.mu.Unlock()
	if err != nil {
		return nil, err
	}
	rt.deliver(req, res)

	if peer != nil {
		// An empty-payload Data frame is a read request: the peer
		// recognizes BlockNr/BlockID with no Bytes and answers with a
		// Data frame carrying the same BlockID and the block's content.
		go func() {
			sendErr := peer.SendData(wire.Data{BlockNr: sector / uint64(rt.blockSize), BlockID: req.BlockID})
			if sendErr != nil {
				rt.log.WithError(sendErr).Warn("send read request failed")
				rt.mu.Lock()
				res, _ := req.Apply(request.SendFailed, rt.proto)
				rt.mu.Unlock()
				rt.deliver(req, res)
			}
		}()
	}
	rt.cd.Done(iv, request.Read, req)
	return req, nil
}
