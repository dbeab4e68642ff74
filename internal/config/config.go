// Package config holds the tunables spec.md §4 and §6 name but treats
// as given: the negotiated wire protocol, epoch sizing, timeouts, and
// the disk-error policy. Validation follows the same inline,
// fail-fast-at-startup shape godkv's cmd/server/main.go uses for its
// quorum check (W+R>N), generalized into reusable Validate methods.
package config

import (
	"fmt"
	"time"

	"drbdgo/internal/request"
)

// ReadBalancing selects how a Device distributes reads across the
// local disk and its peers, per spec.md §4.5.
type ReadBalancing int

const (
	PreferLocal ReadBalancing = iota
	PreferRemote
	RoundRobin
	LeastPending
	CongestedRemote
)

// OnCongestion selects what a Device does when its send queue backs up
// past CongFillBytes, per spec.md §4.5.
type OnCongestion int

const (
	CongestionBlock OnCongestion = iota
	CongestionPullAhead
	CongestionDisconnect
)

// NetConf holds the per-connection tunables spec.md §4.1/§4.3/§4.8
// reference by name.
type NetConf struct {
	Protocol      request.Protocol
	Timeout       time.Duration // t_data: time allowed for a network round trip
	MetaTimeout   time.Duration // t_meta: time allowed for a ping round trip
	KoCount       int           // consecutive timeouts tolerated before declaring the link dead
	MaxEpochSize  uint32        // hard epoch close threshold; 0 disables it
	OnCongestion  OnCongestion
	CongFillBytes uint64 // congestion-fill high-water mark
	CongExtents   int    // activity-log extents allowed to back up before pulling ahead
	ReadBalancing ReadBalancing
	StripeSize    uint32 // bytes; 0 disables read striping
}

// Validate rejects configurations that cannot be operated safely,
// failing fast the same way main.go's W+R>N check does before any
// connection is attempted.
func (c NetConf) Validate() error {
	if c.Protocol != request.ProtocolA && c.Protocol != request.ProtocolB && c.Protocol != request.ProtocolC {
		return fmt.Errorf("config: protocol must be A, B, or C")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("config: timeout must be positive")
	}
	if c.MetaTimeout <= 0 {
		return fmt.Errorf("config: meta timeout must be positive")
	}
	if c.KoCount < 1 {
		return fmt.Errorf("config: ko_count must be at least 1")
	}
	if c.StripeSize != 0 && (c.StripeSize < 32*1024 || c.StripeSize > 1<<20) {
		return fmt.Errorf("config: stripe size must be between 32K and 1M")
	}
	return nil
}

// OnIOError selects what a Device does when a local disk operation
// fails, per spec.md §4.9's failure model.
type OnIOError int

const (
	// PassOn surfaces the error to the upper layer but keeps the local
	// disk attached, relying on the peer copy (protocol C) to mask it.
	PassOn OnIOError = iota
	// Detach takes the local disk out of the I/O path entirely after the
	// first error, continuing diskless against the peer.
	Detach
	// PanicOnError treats any local I/O error as fatal to the Device.
	PanicOnError
)

// DiskConf holds the per-Device local-disk tunables.
type DiskConf struct {
	BlockSizeBytes  uint32
	DiskTimeout     time.Duration
	OnIOError       OnIOError
	ActivityLogSize int // number of extents the activity log pins
}

// Validate mirrors NetConf.Validate for the disk-facing half of the
// configuration.
func (d DiskConf) Validate() error {
	if d.BlockSizeBytes == 0 || d.BlockSizeBytes%512 != 0 {
		return fmt.Errorf("config: block size must be a positive multiple of 512")
	}
	if d.DiskTimeout <= 0 {
		return fmt.Errorf("config: disk timeout must be positive")
	}
	if d.ActivityLogSize < 1 {
		return fmt.Errorf("config: activity log must pin at least one extent")
	}
	return nil
}
