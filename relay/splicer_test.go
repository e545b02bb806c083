/*
NAME
  splicer_test.go

DESCRIPTION
  splicer_test.go contains testing for functionality found in splicer.go.

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

package relay

import (
	"bytes"
	"testing"

	"github.com/ausocean/utils/logging"

	"github.com/ausocean/tsrelay/container/mts"
	"github.com/ausocean/tsrelay/container/mts/pes"
)

// testLogger returns a Logger that discards its output, matching the
// toolkit's own test idiom (e.g. device/raspivid/raspivid_test.go).
func testLogger() logging.Logger {
	return logging.New(logging.Debug, &bytes.Buffer{}, true)
}

// recordingSink collects every packet written to it, for assertions.
type recordingSink struct {
	packets [][]byte
}

func (r *recordingSink) WritePacket(pkt []byte) error {
	cp := make([]byte, len(pkt))
	copy(cp, pkt)
	r.packets = append(r.packets, cp)
	return nil
}

// pcrPacket builds a raw TS packet carrying only a PCR in its adaptation
// field, no payload.
func pcrPacket(pid uint16, cc byte, pcr uint64) []byte {
	p := &mts.Packet{PID: pid, CC: cc, AFC: mts.AFCAdaptationOnly, PCRF: true, PCR: pcr}
	return p.Bytes(nil)
}

// ptsPacket builds a single-packet PUSI video (or audio) TS packet carrying
// a minimal PES header with a PTS-only timestamp and the given ES payload.
func ptsPacket(pid uint16, cc byte, streamID byte, pts uint64, es []byte) []byte {
	pp := &pes.Packet{StreamID: streamID, PDI: 0x2, HeaderLength: 5, PTS: pts, Data: es}
	pesBytes := pp.Bytes(nil)
	pkt := &mts.Packet{PUSI: true, PID: pid, AFC: mts.AFCAdaptationPayload, CC: cc}
	pkt.FillPayload(pesBytes)
	return pkt.Bytes(nil)
}

func withSC(nal []byte) []byte {
	return append([]byte{0x00, 0x00, 0x00, 0x01}, nal...)
}

func TestContinuityCountersWrapMod16(t *testing.T) {
	cc := newContinuityCounters()
	var last byte
	for i := 0; i < 20; i++ {
		got := cc.next(mts.VideoPid)
		if i > 0 && got != (last+1)&0x0f {
			t.Fatalf("next() at i=%d = %d, want %d", i, got, (last+1)&0x0f)
		}
		last = got
	}
}

func TestContinuityCountersIndependentPerPID(t *testing.T) {
	cc := newContinuityCounters()
	if a, b := cc.next(mts.VideoPid), cc.next(mts.AudioPid); a != 0 || b != 0 {
		t.Errorf("first next() per PID = (%d, %d), want (0, 0)", a, b)
	}
}

func TestRebaseTimestampAdvancesFromBase(t *testing.T) {
	s := NewStreamSplicer(&recordingSink{}, testLogger())
	s.ctx = spliceContext{ptsBase: 1000}
	s.globalPTSOffset = 5000

	got := s.rebaseTimestamp(1090)
	if want := uint64(5090); got != want {
		t.Errorf("rebaseTimestamp() = %d, want %d", got, want)
	}
	if s.underflows != 0 {
		t.Errorf("underflows = %d, want 0", s.underflows)
	}
}

func TestRebaseTimestampClampsUnderflow(t *testing.T) {
	s := NewStreamSplicer(&recordingSink{}, testLogger())
	s.ctx = spliceContext{ptsBase: 1000}
	s.globalPTSOffset = 5000

	got := s.rebaseTimestamp(500) // before ptsBase: a source clock rewind.
	if got != 5000 {
		t.Errorf("rebaseTimestamp() = %d, want clamp to globalPTSOffset (5000)", got)
	}
	if s.underflows != 1 {
		t.Errorf("underflows = %d, want 1", s.underflows)
	}
}

func TestRebasePCRAdvancesFromBase(t *testing.T) {
	s := NewStreamSplicer(&recordingSink{}, testLogger())
	s.ctx = spliceContext{pcrBase: 300_000}
	s.globalPCROffset = 900_000

	got := s.rebasePCR(300_000 + 27_000_000)
	if want := uint64(900_000 + 27_000_000); got != want {
		t.Errorf("rebasePCR() = %d, want %d", got, want)
	}
}

func TestEndSegmentAdvancesGlobalOffsets(t *testing.T) {
	s := NewStreamSplicer(&recordingSink{}, testLogger())
	s.maxPTS = 12345
	s.maxPCR = 67890
	s.EndSegment()
	wantPTS, wantPCR := uint64(12345+frameDurationPTS), uint64(67890+frameDurationPCR)
	if s.globalPTSOffset != wantPTS || s.globalPCROffset != wantPCR {
		t.Errorf("EndSegment() offsets = (%d, %d), want (%d, %d)", s.globalPTSOffset, s.globalPCROffset, wantPTS, wantPCR)
	}
}

func TestWritePacketNormalizesPIDAndDropsUndeclared(t *testing.T) {
	sink := &recordingSink{}
	s := NewStreamSplicer(sink, testLogger())
	info := StreamInfo{VideoPID: 101, AudioPID: 102, PCRPID: 101, VideoType: 0x1b, AudioType: 0x0f}

	video := ptsPacket(101, 0, videoStreamID, 1000, []byte{0x00, 0x00, 0x00, 0x01, 0x09})
	if err := s.WritePacket(video, info); err != nil {
		t.Fatalf("WritePacket(video) error = %v", err)
	}
	undeclared := (&mts.Packet{PID: 999, AFC: mts.AFCPayloadOnly, Payload: make([]byte, 184)}).Bytes(nil)
	if err := s.WritePacket(undeclared, info); err != nil {
		t.Fatalf("WritePacket(undeclared) error = %v", err)
	}

	if len(sink.packets) != 1 {
		t.Fatalf("sink recorded %d packets, want 1 (undeclared PID must be dropped)", len(sink.packets))
	}
	if got := mts.PID(sink.packets[0]); got != mts.VideoPid {
		t.Errorf("normalized PID = %d, want %d", got, mts.VideoPid)
	}
}

func TestExtractBasesPrefersEarlierOfVideoAndAudio(t *testing.T) {
	info := StreamInfo{VideoPID: 101, AudioPID: 102, PCRPID: 101}
	snap := [][]byte{
		pcrPacket(101, 0, 27_000_000),
		ptsPacket(101, 1, videoStreamID, 9000, []byte{0x00, 0x00, 0x00, 0x01, 0x65}),
		ptsPacket(102, 0, 0xc0, 4500, []byte{0x01, 0x02, 0x03}),
	}
	ptsBase, pcrBase, err := extractBases(snap, info)
	if err != nil {
		t.Fatalf("extractBases() error = %v", err)
	}
	if ptsBase != 4500 {
		t.Errorf("ptsBase = %d, want 4500 (earlier of video/audio)", ptsBase)
	}
	if pcrBase != 27_000_000 {
		t.Errorf("pcrBase = %d, want 27000000", pcrBase)
	}
}

func TestExtractBasesErrorsWithoutVideoPTS(t *testing.T) {
	info := StreamInfo{VideoPID: 101, PCRPID: 101}
	snap := [][]byte{pcrPacket(101, 0, 1000)}
	if _, _, err := extractBases(snap, info); err != ErrNoVideoPTS {
		t.Errorf("extractBases() error = %v, want ErrNoVideoPTS", err)
	}
}

func TestExtractSPSPPSFindsBothNALs(t *testing.T) {
	info := StreamInfo{VideoPID: 101}
	sps := []byte{0x67, 0x42, 0x00, 0x1e}
	pps := []byte{0x68, 0xce, 0x3c, 0x80}
	idr := []byte{0x65, 0x88, 0x84}
	es := append(append(append([]byte{}, withSC(sps)...), withSC(pps)...), withSC(idr)...)

	snap := [][]byte{ptsPacket(101, 0, videoStreamID, 1000, es)}
	gotSPS, gotPPS, err := extractSPSPPS(snap, info)
	if err != nil {
		t.Fatalf("extractSPSPPS() error = %v", err)
	}
	if !equalBytes(gotSPS, withSC(sps)) {
		t.Errorf("sps = %x, want %x", gotSPS, withSC(sps))
	}
	if !equalBytes(gotPPS, withSC(pps)) {
		t.Errorf("pps = %x, want %x", gotPPS, withSC(pps))
	}
}

func TestExtractSPSPPSErrorsWhenMissing(t *testing.T) {
	info := StreamInfo{VideoPID: 101}
	es := withSC([]byte{0x65, 0x88, 0x84}) // IDR only, no SPS/PPS.
	snap := [][]byte{ptsPacket(101, 0, videoStreamID, 1000, es)}
	if _, _, err := extractSPSPPS(snap, info); err != ErrNoSPSPPS {
		t.Errorf("extractSPSPPS() error = %v, want ErrNoSPSPPS", err)
	}
}

func TestBeginSegmentInjectsSPSPPSBeforeIDR(t *testing.T) {
	sink := &recordingSink{}
	s := NewStreamSplicer(sink, testLogger())

	input := NewFIFOInput("unused", Camera, 100, testLogger())
	feedReadySource(t, input)

	if err := s.BeginSegment(input); err != nil {
		t.Fatalf("BeginSegment() error = %v", err)
	}
	if len(sink.packets) == 0 {
		t.Fatal("BeginSegment() wrote no packets")
	}
	if got := mts.PID(sink.packets[0]); got != mts.VideoPid {
		t.Errorf("first written packet PID = %d, want %d (SPS/PPS injection)", got, mts.VideoPid)
	}
	payload, err := mts.Payload(sink.packets[0])
	if err != nil {
		t.Fatalf("first written packet payload error = %v", err)
	}
	_, nals, err := pes.Inspect(payload)
	if err != nil {
		t.Fatalf("first written packet PES error = %v", err)
	}
	if len(nals) < 2 || nals[0].Type != 7 || nals[1].Type != 8 {
		t.Errorf("first written packet NALs = %v, want SPS (7) then PPS (8)", nals)
	}
}

func equalBytes(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
