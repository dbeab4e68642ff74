// Package drbderr defines the sentinel errors a replicated volume can
// surface to the upper layer, per the user-visible failure outcomes.
package drbderr

import "errors"

// ErrIO is returned when neither the local disk nor the peer produced a
// good copy of the data (P5: at-least-one-good was not satisfied).
var ErrIO = errors.New("drbdgo: I/O error")

// ErrNoMem is returned when request allocation fails on the submission
// path. It is surfaced immediately, without entering the state machine.
var ErrNoMem = errors.New("drbdgo: out of memory")

// ErrOpNotSupp is returned for request flags the engine no longer
// honors, such as a hard-barrier bio.
var ErrOpNotSupp = errors.New("drbdgo: operation not supported")

// ErrProtocolVersion is returned by the handshake when the peer's
// protocol version field does not match ours. Cross-version
// compatibility is out of scope; detecting the mismatch is not.
var ErrProtocolVersion = errors.New("drbdgo: protocol version mismatch")

// ErrBarrierMismatch signals a divergence between the sender's and the
// receiver's view of the transfer log. The device layer logs it at
// Error level; it does not reset the connection or start a resync.
var ErrBarrierMismatch = errors.New("drbdgo: barrier accounting mismatch")

// ErrConnectionTimeout is returned by the meta-socket watchdog when
// ko_count consecutive ping intervals pass with no ack, per spec.md
// §4.8's SEND_PING escalation.
var ErrConnectionTimeout = errors.New("drbdgo: connection timeout, no ack within ko_count intervals")

// ErrSplitBrain is returned when a handshake's generation-counter
// comparison finds both sides diverged independently. Connecting is
// refused; resolving it is an administrative decision outside this
// package's scope.
var ErrSplitBrain = errors.New("drbdgo: split brain, generation counters diverged on both sides")
