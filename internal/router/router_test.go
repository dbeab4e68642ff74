package router

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"drbdgo/internal/backend"
	"drbdgo/internal/conflict"
	"drbdgo/internal/epoch"
	"drbdgo/internal/oosmap"
	"drbdgo/internal/request"
	"drbdgo/internal/translog"
	"drbdgo/internal/wire"
)

const blockSize = 4096

type fakeBio struct {
	mu        sync.Mutex
	completed bool
	err       error
	ch        chan struct{}
}

func newFakeBio() *fakeBio { return &fakeBio{ch: make(chan struct{})} }

func (b *fakeBio) Complete(err error) {
	b.mu.Lock()
	b.completed = true
	b.err = err
	b.mu.Unlock()
	close(b.ch)
}

func (b *fakeBio) wait(t *testing.T) error {
	select {
	case <-b.ch:
	case <-time.After(time.Second):
		t.Fatal("bio never completed")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

type fakePeer struct {
	mu       sync.Mutex
	data     []wire.Data
	barriers []wire.Barrier
	failSend bool
}

func (p *fakePeer) SendData(d wire.Data) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failSend {
		return errSend
	}
	p.data = append(p.data, d)
	return nil
}

func (p *fakePeer) SendBarrier(b wire.Barrier) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.barriers = append(p.barriers, b)
	return nil
}

var errSend = &sendError{}

type sendError struct{}

func (*sendError) Error() string { return "send failed" }

func newTestRouter(t *testing.T, proto request.Protocol) (*Router, *fakePeer, *backend.Store) {
	be, err := backend.Open(t.TempDir(), blockSize)
	require.NoError(t, err)
	tl := translog.New(0)
	ep := epoch.New(0)
	cd := conflict.New()
	al := oosmap.NewActivityLog(16)
	bm, err := oosmap.OpenBitmap(t.TempDir() + "/bitmap.json")
	require.NoError(t, err)

	var completions []request.Completion
	var mu sync.Mutex
	rt := New(be, tl, ep, cd, al, bm, blockSize, proto, func(r *request.Request, c request.Completion) {
		mu.Lock()
		completions = append(completions, c)
		mu.Unlock()
		c.Bio.Complete(c.Err)
	})
	peer := &fakePeer{}
	rt.SetPeers([]Peer{peer})
	return rt, peer, be
}

func block(fill byte) []byte {
	b := make([]byte, blockSize)
	for i := range b {
		b[i] = fill
	}
	return b
}

func TestSubmitWriteProtocolCCompletesAfterWriteAck(t *testing.T) {
	rt, peer, _ := newTestRouter(t, request.ProtocolC)
	bio := newFakeBio()

	req, err := rt.SubmitWrite(bio, 0, block(9))
	require.NoError(t, err)

	select {
	case <-bio.ch:
		t.Fatal("must not complete before local write and peer ack both settle")
	case <-time.After(50 * time.Millisecond):
	}

	require.Eventually(t, func() bool {
		peer.mu.Lock()
		defer peer.mu.Unlock()
		return len(peer.data) == 1
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return !req.Flags().Has(request.LocalPending)
	}, time.Second, 5*time.Millisecond, "local write must settle before the test drives the ack events directly")

	res, err := rt.ApplyEvent(req, request.WriteAckedByPeer)
	require.NoError(t, err)
	require.True(t, res.Completion != nil, "WriteAck clears NetPending, so the bio completes without waiting on the barrier ack")
	err = bio.wait(t)
	require.NoError(t, err)

	// BarrierAck still arrives later and settles NetDone; it must not
	// try to complete the bio a second time.
	_, err = req.Apply(request.BarrierAcked, request.ProtocolC)
	require.NoError(t, err)
	require.True(t, req.Flags().Has(request.NetDone))
}

func TestSubmitWriteProtocolACompletesWithoutAck(t *testing.T) {
	rt, _, _ := newTestRouter(t, request.ProtocolA)
	bio := newFakeBio()

	_, err := rt.SubmitWrite(bio, 0, block(3))
	require.NoError(t, err)

	err = bio.wait(t)
	require.NoError(t, err)
}

func TestSubmitWriteWithNoPeersCompletesLocally(t *testing.T) {
	rt, _, _ := newTestRouter(t, request.ProtocolC)
	rt.SetPeers(nil)
	bio := newFakeBio()

	req, err := rt.SubmitWrite(bio, 0, block(7))
	require.NoError(t, err)

	err = bio.wait(t)
	require.NoError(t, err)
	require.False(t, req.Flags().Has(request.NetPending), "no peer: net events must never be emitted for this write")
	require.False(t, req.Flags().Has(request.NetQueued))
}

func TestSubmitReadLocalHitCompletesAfterWrite(t *testing.T) {
	rt, _, _ := newTestRouter(t, request.ProtocolC)
	rt.SetPeers(nil)
	writeBio := newFakeBio()
	_, err := rt.SubmitWrite(writeBio, 4096, block(5))
	require.NoError(t, err)
	require.NoError(t, writeBio.wait(t))

	readBio := newFakeBio()
	_, err = rt.SubmitRead(readBio, 4096, blockSize)
	require.NoError(t, err)
	require.NoError(t, readBio.wait(t))
}

func TestSuspendPostponesWritesUntilResume(t *testing.T) {
	rt, _, _ := newTestRouter(t, request.ProtocolC)
	rt.Suspend()

	bio := newFakeBio()
	req, err := rt.SubmitWrite(bio, 0, block(1))
	require.NoError(t, err)
	require.True(t, req.Flags().Has(request.Postponed))

	select {
	case <-bio.ch:
		t.Fatal("postponed write must not complete while suspended")
	case <-time.After(50 * time.Millisecond):
	}

	rt.Resume()
	// Resume only clears Postponed; a postponed write never entered the
	// local/network pipeline, so it still won't complete on its own —
	// this asserts the flag cleared, which is Resume's actual contract.
	require.False(t, req.Flags().Has(request.Postponed))
}
