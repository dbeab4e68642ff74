package transport

import "drbdgo/internal/wire"

// SendData and SendBarrier travel on the data socket — they are the
// bulk/ordered half of the protocol.
func (c *Connection) SendData(d wire.Data) error {
	return c.writeData(wire.CmdData, d.Pack())
}

func (c *Connection) SendBarrier(b wire.Barrier) error {
	return c.writeData(wire.CmdBarrier, b.Pack())
}

func (c *Connection) SendDiscardWrite(a wire.BlockAck) error {
	return c.writeData(wire.CmdDiscardWrite, a.Pack())
}

// The rest of the frames are low-latency control traffic and travel
// on the meta socket so they are never queued behind an in-flight
// Data write.

func (c *Connection) SendRecvAck(a wire.BlockAck) error {
	return c.writeMeta(wire.CmdRecvAck, a.Pack())
}

func (c *Connection) SendWriteAck(a wire.BlockAck) error {
	return c.writeMeta(wire.CmdWriteAck, a.Pack())
}

func (c *Connection) SendWriteAckAndSIS(a wire.BlockAck) error {
	return c.writeMeta(wire.CmdWriteAckAndSIS, a.Pack())
}

func (c *Connection) SendNegAck(a wire.BlockAck) error {
	return c.writeMeta(wire.CmdNegAck, a.Pack())
}

func (c *Connection) SendBarrierAck(a wire.BarrierAck) error {
	return c.writeMeta(wire.CmdBarrierAck, a.Pack())
}

func (c *Connection) SendCStateChanged(s wire.CStateChanged) error {
	return c.writeMeta(wire.CmdCStateChanged, s.Pack())
}

func (c *Connection) SendPing() error {
	return c.writeMeta(wire.CmdPing, nil)
}

func (c *Connection) SendPingAck() error {
	return c.writeMeta(wire.CmdPingAck, nil)
}
