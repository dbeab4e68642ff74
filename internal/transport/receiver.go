package transport

import (
	"fmt"
	"sync/atomic"

	"drbdgo/internal/wire"
)

// RunDataReceiver reads frames off the data socket until it errors or
// the Connection is closed, dispatching each to Dispatcher. It is
// meant to run in its own goroutine for the lifetime of the
// Connection; its return value is what the caller (internal/device)
// uses to decide the connection has died and must be torn down
// (tl_clear, reconnect) per spec.md §4.9.
func (c *Connection) RunDataReceiver() error {
	for {
		frame, err := wire.ReadFrame(c.data)
		if err != nil {
			select {
			case <-c.closed:
				return nil
			default:
				return fmt.Errorf("transport: data receiver: %w", err)
			}
		}
		atomic.AddUint64(&c.recvCnt, 1)

		switch frame.Command {
		case wire.CmdData:
			d, err := wire.UnpackData(frame.Payload)
			if err != nil {
				return fmt.Errorf("transport: data receiver: %w", err)
			}
			c.disp.OnData(d)
		case wire.CmdBarrier:
			b, err := wire.UnpackBarrier(frame.Payload)
			if err != nil {
				return fmt.Errorf("transport: data receiver: %w", err)
			}
			c.disp.OnBarrier(b)
		case wire.CmdDiscardWrite:
			a, err := wire.UnpackBlockAck(frame.Payload)
			if err != nil {
				return fmt.Errorf("transport: data receiver: %w", err)
			}
			c.disp.OnNegAck(a.BlockNr, a.BlockID)
		default:
			c.log.WithField("command", frame.Command).Warn("unexpected frame on data socket")
		}
	}
}

// RunMetaReceiver reads the ack stream off the meta socket. Same
// lifecycle contract as RunDataReceiver.
func (c *Connection) RunMetaReceiver() error {
	for {
		frame, err := wire.ReadFrame(c.meta)
		if err != nil {
			select {
			case <-c.closed:
				return nil
			default:
				return fmt.Errorf("transport: meta receiver: %w", err)
			}
		}
		atomic.AddUint64(&c.recvCnt, 1)

		switch frame.Command {
		case wire.CmdRecvAck:
			a, err := wire.UnpackBlockAck(frame.Payload)
			if err != nil {
				return fmt.Errorf("transport: meta receiver: %w", err)
			}
			c.disp.OnRecvAck(a.BlockNr, a.BlockID)
		case wire.CmdWriteAck:
			a, err := wire.UnpackBlockAck(frame.Payload)
			if err != nil {
				return fmt.Errorf("transport: meta receiver: %w", err)
			}
			c.disp.OnWriteAck(a.BlockNr, a.BlockID)
		case wire.CmdWriteAckAndSIS:
			a, err := wire.UnpackBlockAck(frame.Payload)
			if err != nil {
				return fmt.Errorf("transport: meta receiver: %w", err)
			}
			c.disp.OnWriteAckAndSIS(a.BlockNr, a.BlockID)
		case wire.CmdNegAck:
			a, err := wire.UnpackBlockAck(frame.Payload)
			if err != nil {
				return fmt.Errorf("transport: meta receiver: %w", err)
			}
			c.disp.OnNegAck(a.BlockNr, a.BlockID)
		case wire.CmdBarrierAck:
			a, err := wire.UnpackBarrierAck(frame.Payload)
			if err != nil {
				return fmt.Errorf("transport: meta receiver: %w", err)
			}
			c.disp.OnBarrierAck(a.BarrierNr, a.SetSize)
		case wire.CmdCStateChanged:
			s, err := wire.UnpackCStateChanged(frame.Payload)
			if err != nil {
				return fmt.Errorf("transport: meta receiver: %w", err)
			}
			c.disp.OnCStateChanged(s.CState)
		case wire.CmdPing:
			c.disp.OnPing()
		case wire.CmdPingAck:
			c.disp.OnPingAck()
		default:
			c.log.WithField("command", frame.Command).Warn("unexpected frame on meta socket")
		}
	}
}
