package device

import (
	log "github.com/sirupsen/logrus"

	"drbdgo/internal/request"
	"drbdgo/internal/wire"
)

// peerDispatcher adapts one peer connection's ack stream to Device.
// transport.Connection owns exactly one Dispatcher, so a Device with
// several peers needs one adapter per peer, each closing over which
// peer it speaks for — the Connection itself carries no peer identity
// beyond its remote address.
type peerDispatcher struct {
	dev    *Device
	peerID string
}

func (p *peerDispatcher) conn() (*PeerDevice, bool) {
	return p.dev.peers.Get(p.peerID)
}

func (p *peerDispatcher) applyAck(blockID uint64, evt request.Event) {
	req, ok := p.dev.lookupRequest(blockID)
	if !ok {
		p.dev.log.WithFields(log.Fields{"peer": p.peerID, "block_id": blockID}).
			Warn("ack for unknown block id, request already forgotten or never tracked")
		return
	}
	if _, err := p.dev.rt.ApplyEvent(req, evt); err != nil {
		p.dev.log.WithError(err).WithField("peer", p.peerID).Warn("rejected ack event")
	}
}

func (p *peerDispatcher) OnRecvAck(blockNr, blockID uint64) {
	p.applyAck(blockID, request.RecvAckedByPeer)
}

func (p *peerDispatcher) OnWriteAck(blockNr, blockID uint64) {
	p.applyAck(blockID, request.WriteAckedByPeer)
}

func (p *peerDispatcher) OnWriteAckAndSIS(blockNr, blockID uint64) {
	if req, ok := p.dev.lookupRequest(blockID); ok {
		p.dev.bm.SetInSync(req.Interval.Sector, req.Interval.Size, p.dev.diskConf.BlockSizeBytes)
	}
	p.applyAck(blockID, request.WriteAckedByPeerAndSIS)
}

func (p *peerDispatcher) OnNegAck(blockNr, blockID uint64) {
	if req, ok := p.dev.lookupRequest(blockID); ok {
		p.dev.bm.SetOutOfSync(req.Interval.Sector, req.Interval.Size, p.dev.diskConf.BlockSizeBytes)
	}
	p.applyAck(blockID, request.NegAcked)
}

// OnData handles every Data frame this peer sends us, one of three
// kinds distinguished the way router.SubmitRead documents: an empty
// Bytes is a read request we must answer; a populated Bytes matching
// one of our own outstanding remote reads is that read's answer;
// anything else is a write this peer is replicating to us.
func (p *peerDispatcher) OnData(d wire.Data) {
	if rb, ok := p.dev.lookupReadBuf(d.BlockID); ok && len(d.Bytes) > 0 {
		rb.setData(d.Bytes)
		p.applyAck(d.BlockID, request.DataReceived)
		return
	}

	if len(d.Bytes) == 0 {
		p.answerRead(d)
		return
	}

	p.acceptReplicatedWrite(d)
}

func (p *peerDispatcher) answerRead(d wire.Data) {
	sector := d.BlockNr * uint64(p.dev.diskConf.BlockSizeBytes)
	p.dev.be.SubmitRead(sector, func(data []byte, err error) {
		pd, ok := p.conn()
		if !ok {
			return
		}
		if err != nil {
			p.dev.log.WithError(err).WithField("peer", p.peerID).Warn("local read for peer's request failed")
			_ = pd.Conn.SendData(wire.Data{BlockNr: d.BlockNr, BlockID: d.BlockID})
			return
		}
		if sendErr := pd.Conn.SendData(wire.Data{BlockNr: d.BlockNr, BlockID: d.BlockID, Bytes: data}); sendErr != nil {
			p.dev.log.WithError(sendErr).WithField("peer", p.peerID).Warn("send read answer failed")
		}
	})
}

func (p *peerDispatcher) acceptReplicatedWrite(d wire.Data) {
	sector := d.BlockNr * uint64(p.dev.diskConf.BlockSizeBytes)
	p.dev.be.SubmitWrite(sector, d.Bytes, func(err error) {
		pd, ok := p.conn()
		if !ok {
			return
		}
		ack := wire.BlockAck{BlockNr: d.BlockNr, BlockID: d.BlockID}
		if err != nil {
			p.dev.log.WithError(err).WithField("peer", p.peerID).Warn("replicated write failed locally")
			p.dev.bm.SetOutOfSync(sector, p.dev.diskConf.BlockSizeBytes, p.dev.diskConf.BlockSizeBytes)
			if sendErr := pd.Conn.SendNegAck(ack); sendErr != nil {
				p.dev.log.WithError(sendErr).Warn("send neg ack failed")
			}
			return
		}

		p.dev.bm.SetInSync(sector, p.dev.diskConf.BlockSizeBytes, p.dev.diskConf.BlockSizeBytes)
		p.dev.secondaryMu.Lock()
		p.dev.secondaryWriteCounts[p.peerID]++
		p.dev.secondaryMu.Unlock()

		if sendErr := pd.Conn.SendWriteAck(ack); sendErr != nil {
			p.dev.log.WithError(sendErr).WithField("peer", p.peerID).Warn("send write ack failed")
		}
	})
}

// OnBarrier answers a Barrier this peer sent us (we are acting as its
// replication target) with the BarrierAck covering every replicated
// write accepted since the previous one.
func (p *peerDispatcher) OnBarrier(b wire.Barrier) {
	p.dev.secondaryMu.Lock()
	setSize := p.dev.secondaryWriteCounts[p.peerID]
	p.dev.secondaryWriteCounts[p.peerID] = 0
	p.dev.secondaryMu.Unlock()

	pd, ok := p.conn()
	if !ok {
		return
	}
	if err := pd.Conn.SendBarrierAck(wire.BarrierAck{BarrierNr: b.BarrierNr, SetSize: setSize}); err != nil {
		p.dev.log.WithError(err).WithField("peer", p.peerID).Warn("send barrier ack failed")
	}
}

// OnBarrierAck handles the ack for a Barrier we sent as the
// originating side, draining the transfer log up to it.
func (p *peerDispatcher) OnBarrierAck(barrierNr, setSize uint32) {
	if err := p.dev.rt.HandleBarrierAck(barrierNr, setSize); err != nil {
		p.dev.log.WithError(err).WithField("peer", p.peerID).Error("barrier accounting mismatch, connection must be reset")
	}
}

func (p *peerDispatcher) OnCStateChanged(state uint32) {
	p.dev.log.WithFields(log.Fields{"peer": p.peerID, "state": state}).Info("peer reported connection state change")
}

func (p *peerDispatcher) OnPing() {
	if pd, ok := p.conn(); ok {
		if err := pd.Conn.SendPingAck(); err != nil {
			p.dev.log.WithError(err).WithField("peer", p.peerID).Warn("send ping ack failed")
		}
	}
}

func (p *peerDispatcher) OnPingAck() {
	p.dev.pingAck(p.peerID)
}
