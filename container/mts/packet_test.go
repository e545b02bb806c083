/*
NAME
  packet_test.go

DESCRIPTION
  packet_test.go contains testing for functionality found in packet.go.

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

package mts

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ausocean/tsrelay/container/mts/psi"
)

// buildPCRPacket returns a raw 188-byte TS packet with an adaptation field
// carrying the given PCR and no payload flag set, suitable for PCR round-trip
// testing.
func buildPCRPacket(pid uint16, cc byte, pcr uint64) []byte {
	p := &Packet{
		PID:  pid,
		CC:   cc,
		AFC:  AFCAdaptationOnly, // adaptation field only.
		PCRF: true,
		PCR:  pcr,
	}
	return p.Bytes(nil)
}

func TestPacketBytesRoundTrip(t *testing.T) {
	want := &Packet{
		PUSI:    true,
		PID:     VideoPid,
		AFC:     AFCAdaptationPayload, // short payload: stuffing must land in the adaptation field.
		CC:      5,
		Payload: []byte{0x00, 0x00, 0x01, 0xe0},
	}
	buf := want.Bytes(nil)
	if err := Validate(buf); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}
	if got := PID(buf); got != VideoPid {
		t.Errorf("PID() = %d, want %d", got, VideoPid)
	}
	if !PUSI(buf) {
		t.Error("PUSI() = false, want true")
	}
	if got := GetCC(buf); got != 5 {
		t.Errorf("GetCC() = %d, want 5", got)
	}
	payload, err := Payload(buf)
	if err != nil {
		t.Fatalf("Payload() error = %v", err)
	}
	if !cmp.Equal(payload, want.Payload) {
		t.Errorf("Payload() = %v, want %v", payload, want.Payload)
	}

	// Parsing and re-serializing with no field changes must be byte-identical.
	parsed, err := Parse(buf)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if got := parsed.Bytes(nil); !cmp.Equal(got, buf) {
		t.Errorf("Parse/Bytes round trip mismatch:\ngot  %x\nwant %x", got, buf)
	}
}

func TestValidateRejectsBadSyncByte(t *testing.T) {
	buf := (&Packet{PID: 0, AFC: AFCPayloadOnly, Payload: make([]byte, 184)}).Bytes(nil)
	buf[0] = 0x00
	if err := Validate(buf); err == nil {
		t.Error("Validate() = nil, want error for bad sync byte")
	}
}

func TestSetPIDPreservesOtherBits(t *testing.T) {
	buf := (&Packet{PUSI: true, TEI: false, Priority: true, PID: 100, AFC: AFCPayloadOnly, Payload: make([]byte, 184)}).Bytes(nil)
	SetPID(buf, VideoPid)
	if got := PID(buf); got != VideoPid {
		t.Errorf("PID() = %d, want %d", got, VideoPid)
	}
	if !PUSI(buf) {
		t.Error("PUSI bit was clobbered by SetPID")
	}
}

func TestPCRGetSet(t *testing.T) {
	const orig uint64 = 27_000_000 * 5 // 5 seconds in, 27MHz units.
	buf := buildPCRPacket(256, 0, orig)
	if !HasPCR(buf) {
		t.Fatal("HasPCR() = false, want true")
	}
	got, err := GetPCR(buf)
	if err != nil {
		t.Fatalf("GetPCR() error = %v", err)
	}
	// Bytes writes both base and extension, so the 27MHz value built into
	// the packet is recovered exactly.
	if got != orig {
		t.Errorf("GetPCR() = %d, want %d", got, orig)
	}

	const next uint64 = orig + 27_000_000
	if err := SetPCR(buf, next); err != nil {
		t.Fatalf("SetPCR() error = %v", err)
	}
	got, err = GetPCR(buf)
	if err != nil {
		t.Fatalf("GetPCR() after SetPCR error = %v", err)
	}
	if got != next {
		t.Errorf("GetPCR() after SetPCR = %d, want %d", got, next)
	}
}

func TestSetPCRFailsWithoutAdaptation(t *testing.T) {
	buf := (&Packet{PID: 1, AFC: AFCPayloadOnly, Payload: make([]byte, 184)}).Bytes(nil)
	if err := SetPCR(buf, 123); err == nil {
		t.Error("SetPCR() = nil, want ErrNoPCR on packet without PCR")
	}
}

func TestParsePATAndPMT(t *testing.T) {
	pat := psi.BuildPAT(1, PmtPid).Bytes()
	patPkt := (&Packet{PID: PatPid, PUSI: true, AFC: AFCPayloadOnly, Payload: psi.AddPadding(pat)}).Bytes(nil)

	program, pmtPID, err := ParsePAT(patPkt)
	if err != nil {
		t.Fatalf("ParsePAT() error = %v", err)
	}
	if program != 1 || pmtPID != PmtPid {
		t.Errorf("ParsePAT() = (%d, %d), want (1, %d)", program, pmtPID, PmtPid)
	}

	pmt := psi.BuildPMT(0, VideoPid, &psi.Stream{PID: VideoPid, Type: 0x1b}, &psi.Stream{PID: AudioPid, Type: 0x0f}).Bytes()
	pmtPkt := (&Packet{PID: PmtPid, PUSI: true, AFC: AFCPayloadOnly, Payload: psi.AddPadding(pmt)}).Bytes(nil)

	pcrPID, streams, err := ParsePMT(pmtPkt)
	if err != nil {
		t.Fatalf("ParsePMT() error = %v", err)
	}
	if pcrPID != VideoPid {
		t.Errorf("ParsePMT() pcrPID = %d, want %d", pcrPID, VideoPid)
	}
	if len(streams) != 2 {
		t.Fatalf("ParsePMT() streams = %v, want 2 entries", streams)
	}
}

func TestFindPid(t *testing.T) {
	a := (&Packet{PID: 10, AFC: AFCPayloadOnly, Payload: make([]byte, 184)}).Bytes(nil)
	b := (&Packet{PID: 20, AFC: AFCPayloadOnly, Payload: make([]byte, 184)}).Bytes(nil)
	clip := append(append([]byte{}, a...), b...)

	pkt, i, err := FindPid(clip, 20)
	if err != nil {
		t.Fatalf("FindPid() error = %v", err)
	}
	if i != PacketSize {
		t.Errorf("FindPid() index = %d, want %d", i, PacketSize)
	}
	if PID(pkt) != 20 {
		t.Errorf("FindPid() pkt PID = %d, want 20", PID(pkt))
	}
}
