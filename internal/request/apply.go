package request

import (
	"fmt"

	"drbdgo/internal/drbderr"
)

// SendKind tells the caller which sender-queue callback to attach when
// Result.Queue is true.
type SendKind int

const (
	SendNone SendKind = iota
	SendWrite
	SendRead
	SendOOS
)

// Result is everything Apply can ask the caller (the Device, holding
// req_lock) to do after a state transition. request itself never
// touches the transfer log, the epoch controller, or a sender queue —
// those are owned by Device, one level up the dependency order.
type Result struct {
	// Completion is non-nil once master_bio may be handed its final
	// (bio, error) pair. The caller must invoke Completion.Bio.Complete
	// OUTSIDE req_lock.
	Completion *Completion

	// Queue, when not SendNone, tells the caller to push this request
	// onto the connection's sender work queue with the given callback
	// kind.
	Queue SendKind

	// MarkOutOfSync tells the caller to call bm_set_out_of_sync for
	// this request's interval (a read that had to fail over, or a
	// range this connection can no longer vouch for).
	MarkOutOfSync bool

	// ResubmitLocal tells the caller to re-submit this request's
	// private_bio to the backing device (RESTART_FROZEN_DISK_IO).
	ResubmitLocal bool
}

// Apply is the single centralized event handler: __req_mod in
// spec.md §4.2. Every mutation of flags happens here, and only here.
// The caller must hold the owning Device's request lock for the
// duration of the call, and must perform any Completion returned
// OUTSIDE that lock.
func (r *Request) Apply(evt Event, proto Protocol) (Result, error) {
	switch evt {
	case ToBeSent:
		r.flags |= NetPending
		switch proto {
		case ProtocolB:
			r.flags |= ExpReceiveAck
		case ProtocolC:
			r.flags |= ExpWriteAck
		}

	case ToBeSubmitted:
		r.flags |= LocalPending

	case QueueForNetRead:
		r.flags |= NetQueued
		return r.finish(Result{Queue: SendRead}), nil

	case QueueForNetWrite:
		r.flags |= NetQueued
		return r.finish(Result{Queue: SendWrite}), nil

	case QueueForSendOOS:
		r.flags |= NetQueued
		return r.finish(Result{Queue: SendOOS}), nil

	case HandedOverToNetwork:
		r.flags &^= NetQueued
		r.flags |= NetSent
		if proto == ProtocolA {
			r.flags &^= NetPending
			r.flags |= NetOK
		}

	case OOSHandedToNetwork:
		r.flags &^= NetQueued
		r.flags |= NetDone

	case SendFailed, SendCanceled, ReadRetryRemoteCanceled:
		r.flags &^= NetQueued

	case RecvAckedByPeer:
		if !r.flags.Has(ExpReceiveAck) {
			return Result{}, fmt.Errorf("request: RecvAckedByPeer without ExpReceiveAck")
		}
		r.flags |= NetOK
		r.flags &^= NetPending

	case WriteAckedByPeer:
		if !r.flags.Has(ExpWriteAck) {
			return Result{}, fmt.Errorf("request: WriteAckedByPeer without ExpWriteAck")
		}
		r.flags |= NetOK
		r.flags &^= NetPending

	case WriteAckedByPeerAndSIS:
		if !r.flags.Has(ExpWriteAck) {
			return Result{}, fmt.Errorf("request: WriteAckedByPeerAndSIS without ExpWriteAck")
		}
		r.flags |= NetOK | NetSIS
		r.flags &^= NetPending

	case DiscardWrite:
		r.flags |= NetDone

	case NegAcked:
		r.flags &^= NetPending | NetOK
		r.flags |= NetDone

	case BarrierAcked:
		if r.flags&netMask != 0 {
			r.flags |= NetDone
		}

	case ConnectionLostWhilePending:
		r.flags &^= NetPending | NetOK
		r.flags |= NetDone

	case CompletedOK:
		r.flags |= LocalOK | LocalCompleted
		r.flags &^= LocalPending

	case WriteCompletedWithError:
		r.flags |= LocalCompleted
		r.flags &^= LocalPending

	case ReadCompletedWithError:
		r.flags |= LocalCompleted
		r.flags &^= LocalPending
		return r.finish(Result{MarkOutOfSync: true}), nil

	case ReadAheadCompletedWithError:
		r.flags |= LocalCompleted
		r.flags &^= LocalPending

	case AbortDiskIO:
		r.flags |= LocalAborted

	case PostponeWrite:
		r.flags |= Postponed

	case Retry:
		r.flags &^= Postponed

	case DataReceived:
		r.flags &^= NetPending
		r.flags |= NetOK | NetDone

	case Resend:
		if !r.flags.Has(NetOK) {
			return r.finish(Result{Queue: SendWrite}), nil
		}

	case RestartFrozenDiskIO:
		r.flags &^= LocalCompleted
		return r.finish(Result{ResubmitLocal: true}), nil

	case FailFrozenDiskIO:
		if r.localErr == nil {
			r.localErr = drbderr.ErrIO
		}
		r.flags |= LocalCompleted
		r.flags &^= LocalPending

	default:
		return Result{}, fmt.Errorf("request: unknown event %d", evt)
	}

	return r.finish(Result{}), nil
}

// SetLocalError records the local disk error so a later completion can
// surface it if the network side also failed. It does not itself
// change any flag; the caller still issues WriteCompletedWithError /
// ReadCompletedWithError to drive the transition.
func (r *Request) SetLocalError(err error) { r.localErr = err }

// finish fills in Completion if the request may now complete.
// Postponed requests never complete here — they are handed to the
// router's retry queue instead (spec.md §4.2).
func (r *Request) finish(res Result) Result {
	if r.masterBio != nil && !r.flags.Has(Postponed) && r.mayComplete() {
		c := r.outcome()
		res.Completion = &c
	}
	return res
}
