package devicewatch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"drbdgo/internal/request"
	"drbdgo/internal/translog"
)

func TestCheckEscalatesNetworkTimeout(t *testing.T) {
	tl := translog.New(0)
	req := request.New(request.Write, request.Interval{Sector: 0, Size: 4096}, 0)
	_, err := req.Apply(request.ToBeSent, request.ProtocolC)
	require.NoError(t, err)
	require.NoError(t, tl.AppendWrite(req))

	timer := New(tl, 10*time.Millisecond, time.Hour, time.Millisecond)
	base := time.Now()

	esc, oldest, _ := timer.Check(base)
	require.Equal(t, EscalateNone, esc)
	require.Same(t, req, oldest)

	esc, _, age := timer.Check(base.Add(20 * time.Millisecond))
	require.Equal(t, EscalateNetworkTimeout, esc)
	require.GreaterOrEqual(t, age, 10*time.Millisecond)
}

func TestCheckReturnsNoneWhenLogEmpty(t *testing.T) {
	tl := translog.New(0)
	timer := New(tl, time.Second, time.Second, time.Millisecond)
	esc, oldest, _ := timer.Check(time.Now())
	require.Equal(t, EscalateNone, esc)
	require.Nil(t, oldest)
}

func TestForgetStopsTracking(t *testing.T) {
	tl := translog.New(0)
	req := request.New(request.Write, request.Interval{Sector: 0, Size: 4096}, 0)
	_, err := req.Apply(request.ToBeSent, request.ProtocolC)
	require.NoError(t, err)
	require.NoError(t, tl.AppendWrite(req))

	timer := New(tl, 10*time.Millisecond, time.Hour, time.Millisecond)
	base := time.Now()
	timer.Check(base)
	timer.Forget(req)

	// Re-checking after Forget restarts the pending-since clock, so
	// the net timeout has not yet elapsed even though wall-clock time
	// moved forward by more than it.
	esc, _, _ := timer.Check(base.Add(20 * time.Millisecond))
	require.Equal(t, EscalateNone, esc)
}

func TestNextIntervalIsTheMinimum(t *testing.T) {
	tl := translog.New(0)
	timer := New(tl, 5*time.Second, 2*time.Second, time.Second)
	require.Equal(t, time.Second, timer.NextInterval())
}
