package transport

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"drbdgo/internal/config"
	"drbdgo/internal/drbderr"
	"drbdgo/internal/wire"
)

func TestWatchMetaTimesOutWithoutAck(t *testing.T) {
	dataA, dataB := net.Pipe()
	metaA, metaB := net.Pipe()
	defer dataA.Close()
	defer dataB.Close()
	defer metaB.Close()

	conf := config.NetConf{Timeout: time.Second, MetaTimeout: time.Second, KoCount: 2}
	connA := NewConnection(dataA, metaA, conf, &recordingDispatcher{})
	defer connA.Close()

	// Drain pings off the peer side so writes never block, but never ack them.
	go func() {
		for {
			if _, err := wire.ReadFrame(metaB); err != nil {
				return
			}
		}
	}()

	lastAck := make(chan struct{})
	err := connA.WatchMeta(10*time.Millisecond, conf.KoCount, lastAck)
	require.True(t, errors.Is(err, drbderr.ErrConnectionTimeout))
}

func TestWatchMetaStaysAliveWithAcks(t *testing.T) {
	dataA, dataB := net.Pipe()
	metaA, metaB := net.Pipe()
	defer dataA.Close()
	defer dataB.Close()
	defer metaB.Close()

	conf := config.NetConf{Timeout: time.Second, MetaTimeout: time.Second, KoCount: 2}
	connA := NewConnection(dataA, metaA, conf, &recordingDispatcher{})

	lastAck := make(chan struct{}, 1)
	go func() {
		for {
			if _, err := wire.ReadFrame(metaB); err != nil {
				return
			}
			select {
			case lastAck <- struct{}{}:
			default:
			}
		}
	}()

	done := make(chan error, 1)
	go func() { done <- connA.WatchMeta(10*time.Millisecond, conf.KoCount, lastAck) }()

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, connA.Close())
	require.NoError(t, <-done)
}
