// Package epoch implements the write-barrier epoch controller from
// spec.md §4.3: a numbered sequence of writes on the wire, delimited
// by Barrier frames, whose durability is reported back per-epoch via
// BarrierAck.
package epoch

import "sync"

// Controller holds current_epoch_nr and current_epoch_writes. It does
// not itself emit Barrier frames or wake senders — its caller
// (internal/router) does that after Close reports a closed epoch.
type Controller struct {
	mu sync.Mutex

	currentEpochNr     uint32
	currentEpochWrites uint32
	maxEpochSize       uint32
}

// New creates a Controller starting at epoch 0 with the given hard
// close threshold (net_conf.max_epoch_size).
func New(maxEpochSize uint32) *Controller {
	return &Controller{maxEpochSize: maxEpochSize}
}

// Current returns current_epoch_nr, the epoch a write submitted right
// now would be stamped with.
func (c *Controller) Current() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentEpochNr
}

// AccountWrite stamps a new write into the current epoch and bumps
// current_epoch_writes, returning the epoch number to stamp the write
// with and whether a hard close is now due (spec.md §4.3: "Hard close:
// current_epoch_writes >= max_epoch_size").
func (c *Controller) AccountWrite() (epochNr uint32, hardCloseDue bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.currentEpochWrites++
	epochNr = c.currentEpochNr
	hardCloseDue = c.maxEpochSize > 0 && c.currentEpochWrites >= c.maxEpochSize
	return epochNr, hardCloseDue
}

// SoftCloseDue implements spec.md §4.3's soft-close rule: on handing
// control back to the upper layer for a request whose epoch_nr still
// equals the current epoch, that epoch must be fenced from the next
// one. The caller passes the completing request's epoch_nr.
func (c *Controller) SoftCloseDue(completedEpochNr uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return completedEpochNr == c.currentEpochNr
}

// Close bumps current_epoch_nr, resets current_epoch_writes to 0, and
// returns the just-closed epoch number so the caller can append a
// Barrier(bnr) to the transfer log and wake senders. Not idempotent
// with respect to the epoch counter: calling Close twice in a row for the
// same logical close simply advances twice, which callers must guard
// against by only calling it once per genuine close decision.
func (c *Controller) Close() (closedEpochNr uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	closedEpochNr = c.currentEpochNr
	c.currentEpochNr++
	c.currentEpochWrites = 0
	return closedEpochNr
}
