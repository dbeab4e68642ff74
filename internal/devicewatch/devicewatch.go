// Package devicewatch implements the request timer from spec.md §4.8:
// a background tick that finds the oldest request still pending
// local or network completion and escalates if it has been pending
// too long. Grounded on godkv's background snapshot ticker in
// cmd/server/main.go, retargeted from "snapshot every 60s" to
// "re-arm to whatever the oldest pending request needs next".
package devicewatch

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"drbdgo/internal/request"
	"drbdgo/internal/translog"
)

// Escalation is what Timer asks the caller to do about the oldest
// pending request once it has been outstanding longer than allowed.
type Escalation int

const (
	// EscalateNone means the oldest pending request is still within
	// its deadline; no action needed.
	EscalateNone Escalation = iota
	// EscalateNetworkTimeout means a NET_PENDING request has been
	// outstanding past net_conf.timeout: the connection must be
	// considered dead (spec.md §4.8/§4.9).
	EscalateNetworkTimeout
	// EscalateDiskTimeout means a LOCAL_PENDING request has been
	// outstanding past disk_conf.disk_timeout: the local disk must be
	// escalated per the configured on_io_error policy.
	EscalateDiskTimeout
)

// Timer periodically scans the transfer log's oldest pending request
// and reports whether it has overstayed its deadline. It owns no
// network or disk handles itself — on escalation it is the caller's
// job (internal/device) to act.
type Timer struct {
	tl           *translog.TransferLog
	netTimeout   time.Duration
	diskTimeout  time.Duration
	tickInterval time.Duration

	mu           sync.Mutex
	pendingSince map[*request.Request]time.Time

	log *log.Entry
}

// New creates a Timer. tickInterval bounds how often Check is expected
// to be called by the caller's own ticker loop; it is used only to
// pick a sane minimum wait, per spec.md's "et = min(dt, ent)" rule.
func New(tl *translog.TransferLog, netTimeout, diskTimeout, tickInterval time.Duration) *Timer {
	return &Timer{
		tl:           tl,
		netTimeout:   netTimeout,
		diskTimeout:  diskTimeout,
		tickInterval: tickInterval,
		pendingSince: make(map[*request.Request]time.Time),
		log:          log.WithField("component", "devicewatch"),
	}
}

// Check scans for the oldest pending request and returns the
// escalation decision, along with the request and how long it's been
// outstanding. Call this once per tick from the caller's own loop
// (e.g. time.NewTicker(tickInterval)).
func (t *Timer) Check(now time.Time) (Escalation, *request.Request, time.Duration) {
	oldest := t.tl.OldestPending()
	if oldest == nil {
		return EscalateNone, nil, 0
	}

	t.mu.Lock()
	since, tracked := t.pendingSince[oldest]
	if !tracked {
		t.pendingSince[oldest] = now
	}
	t.mu.Unlock()
	if !tracked {
		return EscalateNone, oldest, 0
	}

	age := now.Sub(since)
	flags := oldest.Flags()
	switch {
	case flags.Has(request.NetPending) && age > t.netTimeout:
		t.log.WithField("age", age).Warn("oldest pending request exceeded net timeout")
		return EscalateNetworkTimeout, oldest, age
	case flags.Has(request.LocalPending) && age > t.diskTimeout:
		t.log.WithField("age", age).Warn("oldest pending request exceeded disk timeout")
		return EscalateDiskTimeout, oldest, age
	default:
		return EscalateNone, oldest, age
	}
}

// Forget drops tracking state for req, called once it completes so a
// stale timestamp never leaks onto a future, unrelated request that
// happens to reuse the same pointer slot after GC (it can't in Go, but
// the map would grow unbounded otherwise). Called from whichever
// goroutine drives completion (backend endio, the ack receiver), so it
// must take the same lock Check does.
func (t *Timer) Forget(req *request.Request) {
	t.mu.Lock()
	delete(t.pendingSince, req)
	t.mu.Unlock()
}

// NextInterval returns the minimum of the configured tick interval and
// either timeout, per spec.md's "et = min(dt, ent)": the timer never
// needs to wake sooner than the nearest deadline, nor slower than its
// own tick floor.
func (t *Timer) NextInterval() time.Duration {
	et := t.tickInterval
	if t.netTimeout < et {
		et = t.netTimeout
	}
	if t.diskTimeout < et {
		et = t.diskTimeout
	}
	return et
}
