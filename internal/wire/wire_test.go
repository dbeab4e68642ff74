package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte{1, 2, 3, 4, 5}
	require.NoError(t, WriteFrame(&buf, CmdData, payload))

	f, err := ReadFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, CmdData, f.Command)
	require.Equal(t, payload, f.Payload)
}

func TestReadFrameBadMagic(t *testing.T) {
	buf := bytes.NewBuffer([]byte{0, 0, 0, 0, 0, 1, 0, 0})
	_, err := ReadFrame(buf)
	require.Error(t, err)
}

func TestReadFrameMaxLengthWithoutPayload(t *testing.T) {
	// length field claims MaxPayload (0xffff) bytes but none follow.
	buf := bytes.NewBuffer(nil)
	hdr := make([]byte, headerLen)
	hdr[0], hdr[1], hdr[2], hdr[3] = 0x44, 0x52, 0x42, 0x44
	hdr[6], hdr[7] = 0xff, 0xff
	buf.Write(hdr)
	_, err := ReadFrame(buf)
	require.Error(t, err)
}

func TestReportParamsRoundTrip(t *testing.T) {
	want := ReportParams{
		DeviceSize: 1 << 30,
		BlockSize:  4096,
		State:      7,
		Protocol:   ProtocolC,
		Version:    ProtocolVersion,
		GenCnt:     [5]uint32{1, 2, 3, 4, 5},
	}
	got, err := UnpackReportParams(want.Pack())
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestDataRoundTrip(t *testing.T) {
	want := Data{BlockNr: 42, BlockID: 0xdeadbeef, Bytes: []byte("hello, block")}
	got, err := UnpackData(want.Pack())
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestBlockAckRoundTrip(t *testing.T) {
	want := BlockAck{BlockNr: 7, BlockID: 99}
	got, err := UnpackBlockAck(want.Pack())
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestBarrierRoundTrip(t *testing.T) {
	want := Barrier{BarrierNr: 123}
	got, err := UnpackBarrier(want.Pack())
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestBarrierAckRoundTrip(t *testing.T) {
	want := BarrierAck{BarrierNr: 7, SetSize: 2}
	got, err := UnpackBarrierAck(want.Pack())
	require.NoError(t, err)
	require.Equal(t, want, got)
}

// blockIDRoundTrips is the round-trip law from spec.md §8: the
// block_id sent on Data equals the block_id received on the matching ack.
func TestBlockIDRoundTripsAcrossCommands(t *testing.T) {
	d := Data{BlockNr: 1, BlockID: 0x1122334455667788, Bytes: []byte("x")}
	ack := BlockAck{BlockNr: d.BlockNr, BlockID: d.BlockID}

	gotData, err := UnpackData(d.Pack())
	require.NoError(t, err)
	gotAck, err := UnpackBlockAck(ack.Pack())
	require.NoError(t, err)

	require.Equal(t, gotData.BlockID, gotAck.BlockID)
}
