package transport

import (
	"time"

	"drbdgo/internal/drbderr"
)

// WatchMeta arms the t_meta timeout: it sends a Ping on every tick and
// expects OnPingAck to have fired at least once per ko_count*interval
// window, via the lastAck channel the device layer feeds from its
// Dispatcher implementation. If ko_count consecutive intervals pass
// with no ack, WatchMeta returns, signalling the caller (the watcher
// goroutine Device.AttachPeer starts) to treat the link as dead — spec.md
// §4.8's SEND_PING escalation to ConnectionLostWhilePending.
//
// lastAck should be pinged (closed-and-replaced, or buffered size 1)
// by the Dispatcher's OnPingAck implementation every time a PingAck
// arrives; WatchMeta only reads from it.
func (c *Connection) WatchMeta(interval time.Duration, koCount int, lastAck <-chan struct{}) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	missed := 0
	for {
		select {
		case <-c.closed:
			return nil
		case <-lastAck:
			missed = 0
		case <-ticker.C:
			if err := c.SendPing(); err != nil {
				return err
			}
			missed++
			if missed > koCount {
				return drbderr.ErrConnectionTimeout
			}
		}
	}
}
