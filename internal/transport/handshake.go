package transport

import (
	"fmt"

	"drbdgo/internal/drbderr"
	"drbdgo/internal/wire"
)

// Handshake exchanges ReportParams in both directions and validates
// the peer's protocol version before any Data frame is trusted.
// Supplemented from the original handshake (original_source/drbd_main.c):
// a version mismatch is rejected outright rather than risking a
// misinterpreted payload shape.
func (c *Connection) Handshake(local wire.ReportParams) (wire.ReportParams, error) {
	local.Version = wire.ProtocolVersion

	type result struct {
		p   wire.ReportParams
		err error
	}
	peerCh := make(chan result, 1)
	go func() {
		frame, err := wire.ReadFrame(c.data)
		if err != nil {
			peerCh <- result{err: fmt.Errorf("transport: handshake read: %w", err)}
			return
		}
		if frame.Command != wire.CmdReportParams {
			peerCh <- result{err: fmt.Errorf("transport: handshake expected ReportParams, got %s", frame.Command)}
			return
		}
		p, err := wire.UnpackReportParams(frame.Payload)
		peerCh <- result{p: p, err: err}
	}()

	if err := c.writeData(wire.CmdReportParams, local.Pack()); err != nil {
		return wire.ReportParams{}, err
	}

	res := <-peerCh
	if res.err != nil {
		return wire.ReportParams{}, res.err
	}
	if res.p.Version != wire.ProtocolVersion {
		return wire.ReportParams{}, fmt.Errorf("%w: peer speaks version %d, we speak %d",
			drbderr.ErrProtocolVersion, res.p.Version, wire.ProtocolVersion)
	}
	if res.p.Protocol != local.Protocol {
		return wire.ReportParams{}, fmt.Errorf("transport: protocol mismatch: local %s, peer %s", local.Protocol, res.p.Protocol)
	}
	return res.p, nil
}
