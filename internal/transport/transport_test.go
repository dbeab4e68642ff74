package transport

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"drbdgo/internal/config"
	"drbdgo/internal/wire"
)

type recordingDispatcher struct {
	mu         sync.Mutex
	writeAcks  []wire.BlockAck
	barrierAck *wire.BarrierAck
	pings      int
	pingAcks   int
	dataFrames []wire.Data
}

func (d *recordingDispatcher) OnData(x wire.Data) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dataFrames = append(d.dataFrames, x)
}
func (d *recordingDispatcher) OnRecvAck(blockNr, blockID uint64)       {}
func (d *recordingDispatcher) OnWriteAck(blockNr, blockID uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writeAcks = append(d.writeAcks, wire.BlockAck{BlockNr: blockNr, BlockID: blockID})
}
func (d *recordingDispatcher) OnWriteAckAndSIS(blockNr, blockID uint64) {}
func (d *recordingDispatcher) OnNegAck(blockNr, blockID uint64)        {}
func (d *recordingDispatcher) OnBarrier(wire.Barrier)                  {}
func (d *recordingDispatcher) OnBarrierAck(barrierNr, setSize uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.barrierAck = &wire.BarrierAck{BarrierNr: barrierNr, SetSize: setSize}
}
func (d *recordingDispatcher) OnCStateChanged(state uint32) {}
func (d *recordingDispatcher) OnPing() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pings++
}
func (d *recordingDispatcher) OnPingAck() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pingAcks++
}

func pipePair(t *testing.T) (*Connection, *Connection, *recordingDispatcher, *recordingDispatcher) {
	dataA, dataB := net.Pipe()
	metaA, metaB := net.Pipe()
	conf := config.NetConf{Timeout: time.Second, MetaTimeout: time.Second, KoCount: 3}

	dispA := &recordingDispatcher{}
	dispB := &recordingDispatcher{}
	connA := NewConnection(dataA, metaA, conf, dispA)
	connB := NewConnection(dataB, metaB, conf, dispB)

	go connA.RunDataReceiver()
	go connA.RunMetaReceiver()
	go connB.RunDataReceiver()
	go connB.RunMetaReceiver()

	t.Cleanup(func() {
		connA.Close()
		connB.Close()
		// Both receiver goroutines must unwind once their socket errors
		// out on Close; a dangling one here would mean RunDataReceiver
		// or RunMetaReceiver can leak past connection teardown.
		goleak.VerifyNone(t)
	})
	return connA, connB, dispA, dispB
}

func TestDataAndWriteAckRoundTrip(t *testing.T) {
	connA, connB, dispA, dispB := pipePair(t)

	require.NoError(t, connA.SendData(wire.Data{BlockNr: 1, BlockID: 42, Bytes: []byte("payload")}))
	require.Eventually(t, func() bool {
		dispB.mu.Lock()
		defer dispB.mu.Unlock()
		return len(dispB.dataFrames) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, connB.SendWriteAck(wire.BlockAck{BlockNr: 1, BlockID: 42}))
	require.Eventually(t, func() bool {
		dispA.mu.Lock()
		defer dispA.mu.Unlock()
		return len(dispA.writeAcks) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestBarrierAckRoundTrip(t *testing.T) {
	connA, connB, dispA, _ := pipePair(t)
	_ = connB

	require.NoError(t, connB.SendBarrierAck(wire.BarrierAck{BarrierNr: 7, SetSize: 2}))
	require.Eventually(t, func() bool {
		dispA.mu.Lock()
		defer dispA.mu.Unlock()
		return dispA.barrierAck != nil
	}, time.Second, 5*time.Millisecond)
	require.EqualValues(t, 7, dispA.barrierAck.BarrierNr)
}

func TestPingPingAck(t *testing.T) {
	connA, connB, _, dispB := pipePair(t)

	require.NoError(t, connA.SendPing())
	require.Eventually(t, func() bool {
		dispB.mu.Lock()
		defer dispB.mu.Unlock()
		return dispB.pings == 1
	}, time.Second, 5*time.Millisecond)
}

func TestHandshakeRejectsProtocolMismatch(t *testing.T) {
	dataA, dataB := net.Pipe()
	metaA, metaB := net.Pipe()
	conf := config.NetConf{Timeout: time.Second, MetaTimeout: time.Second, KoCount: 3}

	connA := NewConnection(dataA, metaA, conf, &recordingDispatcher{})
	connB := NewConnection(dataB, metaB, conf, &recordingDispatcher{})
	defer connA.Close()
	defer connB.Close()

	var wg sync.WaitGroup
	var errA, errB error
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, errA = connA.Handshake(wire.ReportParams{Protocol: wire.ProtocolC})
	}()
	go func() {
		defer wg.Done()
		_, errB = connB.Handshake(wire.ReportParams{Protocol: wire.ProtocolA})
	}()
	wg.Wait()

	require.Error(t, errA)
	require.Error(t, errB)
}

func TestHandshakeSucceedsOnMatchingProtocol(t *testing.T) {
	dataA, dataB := net.Pipe()
	metaA, metaB := net.Pipe()
	conf := config.NetConf{Timeout: time.Second, MetaTimeout: time.Second, KoCount: 3}

	connA := NewConnection(dataA, metaA, conf, &recordingDispatcher{})
	connB := NewConnection(dataB, metaB, conf, &recordingDispatcher{})
	defer connA.Close()
	defer connB.Close()

	var wg sync.WaitGroup
	var peerA, peerB wire.ReportParams
	var errA, errB error
	wg.Add(2)
	go func() {
		defer wg.Done()
		peerA, errA = connA.Handshake(wire.ReportParams{Protocol: wire.ProtocolC, DeviceSize: 1000})
	}()
	go func() {
		defer wg.Done()
		peerB, errB = connB.Handshake(wire.ReportParams{Protocol: wire.ProtocolC, DeviceSize: 2000})
	}()
	wg.Wait()

	require.NoError(t, errA)
	require.NoError(t, errB)
	require.EqualValues(t, 2000, peerA.DeviceSize)
	require.EqualValues(t, 1000, peerB.DeviceSize)
}
