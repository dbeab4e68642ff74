package wire

import (
	"encoding/binary"
	"fmt"
)

// Protocol is the completion-timing variant negotiated in ReportParams.
type Protocol uint32

const (
	ProtocolA Protocol = iota + 1 // send-through
	ProtocolB                    // remote-memory
	ProtocolC                    // remote-durable
)

func (p Protocol) String() string {
	switch p {
	case ProtocolA:
		return "A"
	case ProtocolB:
		return "B"
	case ProtocolC:
		return "C"
	default:
		return fmt.Sprintf("Protocol(%d)", uint32(p))
	}
}

// ReportParams is the first packet exchanged on a fresh connection, in
// both directions.
type ReportParams struct {
	DeviceSize uint64
	BlockSize  uint32
	State      uint32
	Protocol   Protocol
	Version    uint32
	GenCnt     [5]uint32
}

func (p ReportParams) Pack() []byte {
	buf := make([]byte, 8+4+4+4+4+5*4)
	off := 0
	binary.BigEndian.PutUint64(buf[off:], p.DeviceSize)
	off += 8
	binary.BigEndian.PutUint32(buf[off:], p.BlockSize)
	off += 4
	binary.BigEndian.PutUint32(buf[off:], p.State)
	off += 4
	binary.BigEndian.PutUint32(buf[off:], uint32(p.Protocol))
	off += 4
	binary.BigEndian.PutUint32(buf[off:], p.Version)
	off += 4
	for i := range p.GenCnt {
		binary.BigEndian.PutUint32(buf[off:], p.GenCnt[i])
		off += 4
	}
	return buf
}

func UnpackReportParams(b []byte) (ReportParams, error) {
	const want = 8 + 4*4 + 5*4
	if len(b) != want {
		return ReportParams{}, fmt.Errorf("wire: ReportParams wants %d bytes, got %d", want, len(b))
	}
	var p ReportParams
	off := 0
	p.DeviceSize = binary.BigEndian.Uint64(b[off:])
	off += 8
	p.BlockSize = binary.BigEndian.Uint32(b[off:])
	off += 4
	p.State = binary.BigEndian.Uint32(b[off:])
	off += 4
	p.Protocol = Protocol(binary.BigEndian.Uint32(b[off:]))
	off += 4
	p.Version = binary.BigEndian.Uint32(b[off:])
	off += 4
	for i := range p.GenCnt {
		p.GenCnt[i] = binary.BigEndian.Uint32(b[off:])
		off += 4
	}
	return p, nil
}

// Data carries a write (or read-answer) block.
type Data struct {
	BlockNr uint64
	BlockID uint64
	Bytes   []byte
}

func (d Data) Pack() []byte {
	buf := make([]byte, 16+len(d.Bytes))
	binary.BigEndian.PutUint64(buf[0:8], d.BlockNr)
	binary.BigEndian.PutUint64(buf[8:16], d.BlockID)
	copy(buf[16:], d.Bytes)
	return buf
}

func UnpackData(b []byte) (Data, error) {
	if len(b) < 16 {
		return Data{}, fmt.Errorf("wire: Data payload too short: %d bytes", len(b))
	}
	return Data{
		BlockNr: binary.BigEndian.Uint64(b[0:8]),
		BlockID: binary.BigEndian.Uint64(b[8:16]),
		Bytes:   append([]byte(nil), b[16:]...),
	}, nil
}

// BlockAck is the shared shape of RecvAck/WriteAck/WriteAckAndSIS/NegAck.
type BlockAck struct {
	BlockNr uint64
	BlockID uint64
}

func (a BlockAck) Pack() []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[0:8], a.BlockNr)
	binary.BigEndian.PutUint64(buf[8:16], a.BlockID)
	return buf
}

func UnpackBlockAck(b []byte) (BlockAck, error) {
	if len(b) != 16 {
		return BlockAck{}, fmt.Errorf("wire: BlockAck wants 16 bytes, got %d", len(b))
	}
	return BlockAck{
		BlockNr: binary.BigEndian.Uint64(b[0:8]),
		BlockID: binary.BigEndian.Uint64(b[8:16]),
	}, nil
}

// Barrier delimits epochs on the wire.
type Barrier struct {
	BarrierNr uint32
}

func (b Barrier) Pack() []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, b.BarrierNr)
	return buf
}

func UnpackBarrier(b []byte) (Barrier, error) {
	if len(b) != 4 {
		return Barrier{}, fmt.Errorf("wire: Barrier wants 4 bytes, got %d", len(b))
	}
	return Barrier{BarrierNr: binary.BigEndian.Uint32(b)}, nil
}

// BarrierAck reports that every write in an epoch is durably stored.
type BarrierAck struct {
	BarrierNr uint32
	SetSize   uint32
}

func (a BarrierAck) Pack() []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint32(buf[0:4], a.BarrierNr)
	binary.BigEndian.PutUint32(buf[4:8], a.SetSize)
	return buf
}

func UnpackBarrierAck(b []byte) (BarrierAck, error) {
	if len(b) != 8 {
		return BarrierAck{}, fmt.Errorf("wire: BarrierAck wants 8 bytes, got %d", len(b))
	}
	return BarrierAck{
		BarrierNr: binary.BigEndian.Uint32(b[0:4]),
		SetSize:   binary.BigEndian.Uint32(b[4:8]),
	}, nil
}

// CStateChanged carries a connection-state transition. The state
// machine driven by it is out of scope here (spec.md §4.7); the wire
// shape is still part of this protocol's contract.
type CStateChanged struct {
	CState uint32
}

func (c CStateChanged) Pack() []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, c.CState)
	return buf
}

func UnpackCStateChanged(b []byte) (CStateChanged, error) {
	if len(b) != 4 {
		return CStateChanged{}, fmt.Errorf("wire: CStateChanged wants 4 bytes, got %d", len(b))
	}
	return CStateChanged{CState: binary.BigEndian.Uint32(b)}, nil
}
