package device

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"drbdgo/internal/backend"
	"drbdgo/internal/config"
	"drbdgo/internal/conflict"
	"drbdgo/internal/devicewatch"
	"drbdgo/internal/drbderr"
	"drbdgo/internal/epoch"
	"drbdgo/internal/oosmap"
	"drbdgo/internal/request"
	"drbdgo/internal/router"
	"drbdgo/internal/superblock"
	"drbdgo/internal/translog"
	"drbdgo/internal/transport"
)

// Device is one replicated volume: the aggregate that owns a backing
// store, the bookkeeping structures that sit above it (transfer log,
// epoch controller, conflict detector, out-of-sync bitmap, activity
// log, superblock), the request router, and a registry of peers.
// Grounded on godkv's cmd/server wiring (main.go composes a Store, a
// Membership, and a Replicator behind one http.Handler); here the
// composition root is a long-lived struct instead of a main func so it
// can be driven by both cmd/drbdd and tests.
type Device struct {
	ID string

	be  *backend.Store
	tl  *translog.TransferLog
	ep  *epoch.Controller
	cd  *conflict.Detector
	al  *oosmap.ActivityLog
	bm  *oosmap.Bitmap
	sb  superblock.Superblock
	rt  *router.Router
	tmr *devicewatch.Timer

	peers *PeerRegistry

	netConf  config.NetConf
	diskConf config.DiskConf

	sbPath string

	mu       sync.Mutex
	pending  map[uint64]*request.Request // BlockID -> in-flight request, for ack dispatch
	readBufs map[uint64]*readBio         // BlockID -> data sink, remote reads only
	lastAcks map[string]chan struct{}    // peer ID -> PingAck signal for WatchMeta

	watchDone chan struct{}

	// secondaryWriteCount tracks replicated writes accepted from a peer
	// since the last Barrier, so OnBarrier can answer with the right
	// set_size. Guarded by its own lock rather than mu: it is advanced
	// from backend completion callbacks that must not block submission.
	secondaryMu          sync.Mutex
	secondaryWriteCounts map[string]uint32

	log *log.Entry
}

// readBio is the BioHandle a Device read submission waits on. Unlike a
// write, a read's caller needs the bytes, not just success/failure, so
// readBio carries a data slot that whichever completion path fires
// (local disk hit, or OnData for a remote read) fills before Complete
// unblocks the waiter. request.BioHandle itself has no data channel —
// it only reports completion — so Device layers this on top rather
// than changing that contract.
type readBio struct {
	mu   sync.Mutex
	data []byte
	err  error
	done chan struct{}
}

func newReadBio() *readBio { return &readBio{done: make(chan struct{})} }

func (b *readBio) setData(d []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = append([]byte(nil), d...)
}

func (b *readBio) Complete(err error) {
	b.mu.Lock()
	b.err = err
	b.mu.Unlock()
	close(b.done)
}

func (b *readBio) wait() ([]byte, error) {
	<-b.done
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.data, b.err
}

// writeBio is the BioHandle a Device write submission waits on; a
// write has nothing to deliver beyond its error.
type writeBio struct {
	err  error
	done chan struct{}
}

func newWriteBio() *writeBio { return &writeBio{done: make(chan struct{})} }

func (b *writeBio) Complete(err error) {
	b.err = err
	close(b.done)
}

func (b *writeBio) wait() error {
	<-b.done
	return b.err
}

// Open creates or reopens a Device rooted at dataDir.
func Open(id, dataDir string, netConf config.NetConf, diskConf config.DiskConf) (*Device, error) {
	if err := netConf.Validate(); err != nil {
		return nil, err
	}
	if err := diskConf.Validate(); err != nil {
		return nil, err
	}

	be, err := backend.Open(dataDir, diskConf.BlockSizeBytes)
	if err != nil {
		return nil, fmt.Errorf("device: open backend: %w", err)
	}
	bm, err := oosmap.OpenBitmap(filepath.Join(dataDir, "bitmap.json"))
	if err != nil {
		return nil, fmt.Errorf("device: open bitmap: %w", err)
	}
	sbPath := filepath.Join(dataDir, "superblock")
	sb, err := superblock.Load(sbPath)
	if err != nil {
		return nil, fmt.Errorf("device: load superblock: %w", err)
	}

	tl := translog.New(0)
	ep := epoch.New(netConf.MaxEpochSize)
	cd := conflict.New()
	al := oosmap.NewActivityLog(diskConf.ActivityLogSize)

	d := &Device{
		ID:                   id,
		be:                   be,
		tl:                   tl,
		ep:                   ep,
		cd:                   cd,
		al:                   al,
		bm:                   bm,
		sb:                   sb,
		sbPath:               sbPath,
		peers:                NewPeerRegistry(),
		netConf:              netConf,
		diskConf:             diskConf,
		pending:              make(map[uint64]*request.Request),
		readBufs:             make(map[uint64]*readBio),
		lastAcks:             make(map[string]chan struct{}),
		secondaryWriteCounts: make(map[string]uint32),
		watchDone:            make(chan struct{}),
		log:                  log.WithFields(log.Fields{"component": "device", "device": id}),
	}
	d.rt = router.New(be, tl, ep, cd, al, bm, diskConf.BlockSizeBytes, netConf.Protocol, d.onComplete)
	d.tmr = devicewatch.New(tl, netConf.Timeout, diskConf.DiskTimeout, 100*time.Millisecond)
	go d.watchLoop()
	return d, nil
}

// watchLoop is the background tick spec.md §4.8 describes: it asks tmr
// for the oldest pending request's escalation state at tmr's own pace
// (NextInterval, which tracks the nearer of the two configured
// timeouts) and acts on whichever timeout fires. It exits once Close
// closes watchDone.
func (d *Device) watchLoop() {
	for {
		wait := d.tmr.NextInterval()
		select {
		case <-d.watchDone:
			return
		case <-time.After(wait):
		}

		escalation, req, age := d.tmr.Check(time.Now())
		switch escalation {
		case devicewatch.EscalateNetworkTimeout:
			d.log.WithField("age", age).Warn("network timeout exceeded; disconnecting all peers")
			for _, pd := range d.peers.Peers() {
				d.handleConnectionLoss(pd.ID)
			}
		case devicewatch.EscalateDiskTimeout:
			d.log.WithField("age", age).Warn("disk timeout exceeded; applying on_io_error policy")
			d.handleDiskTimeout(req)
		}
	}
}

// handleDiskTimeout applies diskConf.OnIOError to a request whose
// local I/O has been outstanding past disk_conf.disk_timeout, per
// spec.md §4.9. PassOn leaves the disk attached and waits for the
// driver to eventually complete it, relying on P5 to still succeed off
// the network side. Detach takes the local disk out of the I/O path
// and forces this request's local half to give up now, so it can
// finish off the network copy alone. PanicOnError treats any such
// stall as fatal, matching the historical behavior of a hung lower
// device taking the whole node down rather than risking corruption.
func (d *Device) handleDiskTimeout(req *request.Request) {
	switch d.diskConf.OnIOError {
	case config.PanicOnError:
		d.log.Fatal("local disk exceeded its timeout under on_io_error=PanicOnError")
	case config.Detach:
		d.rt.DetachLocalDisk()
		if req == nil {
			return
		}
		if _, err := d.rt.ApplyEvent(req, request.FailFrozenDiskIO); err != nil {
			d.log.WithError(err).Warn("failed to force-fail frozen disk IO")
		}
	default: // PassOn
	}
}

// SubmitWrite writes data (exactly BlockSizeBytes) at sector, blocking
// until the protocol's completion condition is met.
func (d *Device) SubmitWrite(sector uint64, data []byte) error {
	bio := newWriteBio()
	req, err := d.rt.SubmitWrite(bio, sector, data)
	if err != nil {
		return err
	}
	if req.BlockID != 0 {
		d.mu.Lock()
		d.pending[req.BlockID] = req
		d.mu.Unlock()
	}
	return bio.wait()
}

// SubmitRead reads size bytes at sector, blocking until the data is
// available locally or from a peer.
func (d *Device) SubmitRead(sector uint64, size uint32) ([]byte, error) {
	rb := newReadBio()
	req, err := d.rt.SubmitRead(rb, sector, size)
	if err != nil {
		return nil, err
	}
	if req.BlockID != 0 {
		d.mu.Lock()
		d.pending[req.BlockID] = req
		d.readBufs[req.BlockID] = rb
		d.mu.Unlock()
	}
	return rb.wait()
}

// lookupRequest finds the in-flight request a BlockID-bearing ack
// frame refers to. It does not remove the entry: a request may need
// several acks (RecvAck then WriteAck, or a WriteAck then its
// BarrierAck) before it is Destructible; onComplete is what forgets it.
func (d *Device) lookupRequest(blockID uint64) (*request.Request, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	req, ok := d.pending[blockID]
	return req, ok
}

// lookupReadBuf finds the data sink for a remote read answer.
func (d *Device) lookupReadBuf(blockID uint64) (*readBio, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rb, ok := d.readBufs[blockID]
	return rb, ok
}

func (d *Device) forgetBlock(blockID uint64) {
	if blockID == 0 {
		return
	}
	d.mu.Lock()
	delete(d.pending, blockID)
	delete(d.readBufs, blockID)
	d.mu.Unlock()
}

// onComplete is the single hook wired into router.New: it runs
// whenever a Request's Completion becomes available, for both reads
// and writes, local and remote. It is responsible for forgetting the
// request from the watchdog timer, fetching a local read's bytes
// (which the router's local-hit path does not itself plumb through to
// the caller, since request.Completion carries only an error), and
// driving spec.md §4.3's soft-close rule before finally signaling the
// waiting bio.
func (d *Device) onComplete(req *request.Request, c request.Completion) {
	d.tmr.Forget(req)
	d.forgetBlock(req.BlockID)

	if req.Direction == request.Write {
		if d.ep.SoftCloseDue(req.EpochNr) {
			d.rt.CloseEpochAndBarrier()
		}
	}

	if req.Direction == request.Read && c.Err == nil && req.BlockID == 0 {
		// Local hit: the router's backend completion callback decided
		// success but never forwarded the bytes to us. Fetch them
		// again — the block was just durably present, so this read
		// cannot fail — before releasing the waiter.
		d.be.SubmitRead(req.Interval.Sector, func(data []byte, err error) {
			if rb, ok := c.Bio.(*readBio); ok && err == nil {
				rb.setData(data)
			}
			c.Bio.Complete(c.Err)
		})
		return
	}

	c.Bio.Complete(c.Err)
}

// NewPeerDispatcher returns the transport.Dispatcher the caller must
// pass to transport.NewConnection when dialing or accepting peer id.
// It is requested before the Connection exists (Dispatcher is wired in
// at construction time), so it looks up the Connection lazily, via the
// registry, the first time it needs to send a reply.
func (d *Device) NewPeerDispatcher(peerID string) transport.Dispatcher {
	return &peerDispatcher{dev: d, peerID: peerID}
}

// AttachPeer registers an already-handshaken Connection (built by the
// caller via transport.NewConnection, using the Dispatcher from
// NewPeerDispatcher, then Handshake) and starts its receive loops and
// ping watchdog.
func (d *Device) AttachPeer(id, addr string, conn *transport.Connection, peerGenCnt superblock.GenCnt) error {
	switch superblock.Compare(d.sb.GenCnt, peerGenCnt) {
	case superblock.SplitBrain:
		return fmt.Errorf("device: attach peer %s: %w", id, drbderr.ErrSplitBrain)
	case superblock.PeerNewer:
		d.log.WithField("peer", id).Warn("peer generation counters are newer; this side needs a resync")
	}

	if err := d.peers.Connect(&PeerDevice{ID: id, Addr: addr, Conn: conn}); err != nil {
		return err
	}
	d.rt.SetPeers(d.peers.routerPeers())

	lastAck := make(chan struct{}, 1)
	d.setLastAck(id, lastAck)

	go func() {
		if err := conn.RunDataReceiver(); err != nil {
			d.log.WithError(err).WithField("peer", id).Warn("data receiver exited")
			d.handleConnectionLoss(id)
		}
	}()
	go func() {
		if err := conn.RunMetaReceiver(); err != nil {
			d.log.WithError(err).WithField("peer", id).Warn("meta receiver exited")
			d.handleConnectionLoss(id)
		}
	}()
	go func() {
		if err := conn.WatchMeta(d.netConf.MetaTimeout, d.netConf.KoCount, lastAck); err != nil {
			d.log.WithError(err).WithField("peer", id).Warn("meta watchdog declared peer dead")
			d.handleConnectionLoss(id)
		}
	}()
	return nil
}

// DetachPeer closes and removes a peer, clearing every outstanding
// write it was responsible for acknowledging per spec.md §4.9's
// failure model: each is marked out-of-sync (the peer copy can no
// longer be trusted current) and, if it has no local copy either,
// failed to its caller.
func (d *Device) DetachPeer(id string) {
	if pd, ok := d.peers.Get(id); ok {
		_ = pd.Conn.Close()
	}
	_ = d.peers.Disconnect(id)
	d.rt.SetPeers(d.peers.routerPeers())
	d.clearLastAck(id)

	outstanding := d.rt.ClearTransferLog()
	for _, req := range outstanding {
		d.bm.SetOutOfSync(req.Interval.Sector, req.Interval.Size, d.diskConf.BlockSizeBytes)
		if _, err := d.rt.ApplyEvent(req, request.ConnectionLostWhilePending); err != nil {
			d.log.WithError(err).Warn("failed to apply ConnectionLostWhilePending to outstanding request")
		}
	}
}

func (d *Device) handleConnectionLoss(peerID string) {
	d.DetachPeer(peerID)
}

func (d *Device) setLastAck(peerID string, ch chan struct{}) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastAcks[peerID] = ch
}

func (d *Device) clearLastAck(peerID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.lastAcks, peerID)
}

func (d *Device) pingAck(peerID string) {
	d.mu.Lock()
	ch, ok := d.lastAcks[peerID]
	d.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

// BumpGeneration advances this device's current generation counter and
// persists it, called when this side becomes the sync source after a
// peer reconnects with stale data (spec.md §6's generation-counter
// rules).
func (d *Device) BumpGeneration() error {
	d.mu.Lock()
	for i := len(d.sb.GenCnt) - 1; i > 0; i-- {
		d.sb.GenCnt[i] = d.sb.GenCnt[i-1]
	}
	d.sb.GenCnt[0]++
	sb := d.sb
	d.mu.Unlock()
	return superblock.Save(d.sbPath, sb)
}

// Close stops the watchdog loop, flushes the bitmap, and closes the
// backing store.
func (d *Device) Close() error {
	close(d.watchDone)
	if err := d.bm.Save(); err != nil {
		return err
	}
	return d.be.Close()
}

// PeerStatus is one peer's connection and traffic summary, reported by
// Status for the read-only status endpoint.
type PeerStatus struct {
	ID      string `json:"id"`
	Addr    string `json:"addr"`
	SendCnt uint64 `json:"send_cnt"`
	RecvCnt uint64 `json:"recv_cnt"`
}

// Status is a point-in-time snapshot of a Device, assembled for the
// status endpoint. It never blocks on I/O and takes only the locks its
// constituent packages already expose for read access.
type Status struct {
	ID                string       `json:"id"`
	GenCnt            [5]uint32    `json:"gen_cnt"`
	CurrentEpoch      uint32       `json:"current_epoch"`
	TransferLogLen    int          `json:"transfer_log_len"`
	ActivityLogLen    int          `json:"activity_log_len"`
	ConflictWindowLen int          `json:"conflict_window_len"`
	OutOfSyncBlocks   int          `json:"out_of_sync_blocks"`
	LocalDiskFailed   bool         `json:"local_disk_failed"`
	Peers             []PeerStatus `json:"peers"`
}

// Status assembles a Status snapshot. Grounded on godkv's internal/api
// handlers returning cluster.Membership.All() as part of a JSON
// response; here it aggregates every bookkeeping structure a Device
// owns instead of just a node list.
func (d *Device) Status() Status {
	d.mu.Lock()
	genCnt := d.sb.GenCnt
	d.mu.Unlock()

	peers := d.peers.Peers()
	peerStatus := make([]PeerStatus, 0, len(peers))
	for _, pd := range peers {
		peerStatus = append(peerStatus, PeerStatus{
			ID:      pd.ID,
			Addr:    pd.Addr,
			SendCnt: pd.Conn.SendCnt(),
			RecvCnt: pd.Conn.RecvCnt(),
		})
	}

	return Status{
		ID:                d.ID,
		GenCnt:            [5]uint32(genCnt),
		CurrentEpoch:      d.ep.Current(),
		TransferLogLen:    d.tl.Len(),
		ActivityLogLen:    d.al.Len(),
		ConflictWindowLen: d.cd.Len(),
		OutOfSyncBlocks:   d.bm.TotalBits(),
		LocalDiskFailed:   d.rt.LocalDiskFailed(),
		Peers:             peerStatus,
	}
}
