/*
NAME
  packet.go - provides a data structure intended to encapsulate the properties
  of an MPEG-TS packet and also functions to allow manipulation of these packets.

DESCRIPTION
  Field layout, the Packet builder type and its Bytes() serializer follow
  the original toolkit, except that Bytes() encodes PCR from the 27MHz value
  Parse reads rather than from a bare 33-bit base. Parsing of PIDs, PAT/PMT program maps,
  payload offsets and in-place rewriting of PID/CC/PCR on packets read off a
  live source (rather than built from scratch) are new: the toolkit mostly
  constructs packets programmatically and didn't need a raw accessor set of
  this shape.

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package mts provides MPEG-TS (mts) packet encoding, parsing and related
// functions for the relay's transport-stream codec.
package mts

import (
	"github.com/Comcast/gots/packet"
	gotspsi "github.com/Comcast/gots/psi"
	"github.com/pkg/errors"
)

const PacketSize = 188

// Standard and normalized program IDs.
const (
	PatPid = 0
	SdtPid = 17

	// Normalized output PIDs; every packet this relay emits carries one of these.
	PmtPid   = 4096
	VideoPid = 256
	AudioPid = 257
)

// HeadSize is the size of an MPEG-TS packet header.
const HeadSize = 4

// Adaptation field control values for Packet.AFC. AFCPayloadOnly leaves no
// room for stuffing: a packet built with it must supply a Payload that
// exactly fills the 184 bytes following the header, or Bytes will pad
// between the header and the payload without recording the gap anywhere a
// parser can skip it. Any packet whose payload may be shorter than that
// must use AFCAdaptationPayload instead, so the stuffing lands inside the
// adaptation field where AFL declares it.
const (
	AFCAdaptationPayload = 0x3
	AFCPayloadOnly       = 0x1
	AFCAdaptationOnly    = 0x2
)

// Consts relating to the adaptation field.
const (
	AdaptationIdx              = 4                 // Index of the adaptation field length byte (AFL).
	AdaptationControlIdx       = 3                 // Index of the octet holding adaptation field control.
	AdaptationFieldsIdx        = AdaptationIdx + 1  // Index of the first adaptation field flags octet.
	DefaultAdaptationSize      = 2                  // Default size of the adaptation field (length byte + flags byte).
	AdaptationControlMask      = 0x30               // Mask for the adaptation field control bits in octet 3.
	DefaultAdaptationBodySize  = 1                  // Default size of the adaptation field body.
	DiscontinuityIndicatorMask = 0x80               // Mask for the discontinuity indicator.
	DiscontinuityIndicatorIdx  = AdaptationIdx + 1  // Index of the discontinuity indicator.
	PCRIdx                     = AdaptationIdx + 2  // Index of the first PCR byte, when present.
	PCRSize                    = 6                  // PCR occupies 6 bytes (33-bit base + 6 reserved + 9-bit extension).
)

/*
Packet encapsulates the fields of an MPEG-TS packet. Below is
the formatting of an MPEG-TS packet for reference!

============================================================================
| octet no | bit 0 | bit 1 | bit 2 | bit 3 | bit 4 | bit 5 | bit 6 | bit 7 |
============================================================================
| octet 0  | sync byte (0x47)                                              |
----------------------------------------------------------------------------
| octet 1  | TEI   | PUSI  | Prior | PID                                   |
----------------------------------------------------------------------------
| octet 2  | PID cont.                                                     |
----------------------------------------------------------------------------
| octet 3  | TSC           | AFC           | CC                            |
----------------------------------------------------------------------------
| octet 4  | AFL                                                           |
----------------------------------------------------------------------------
| octet 5  | DI    | RAI   | ESPI  | PCRF  | OPCRF | SPF   | TPDF  | AFEF  |
----------------------------------------------------------------------------
| optional | PCR (48 bits => 6 bytes)                                      |
----------------------------------------------------------------------------
| optional | Payload (variable length)                                     |
----------------------------------------------------------------------------
*/
type Packet struct {
	TEI      bool   // Transport Error Indicator
	PUSI     bool   // Payload Unit Start Indicator
	Priority bool   // Transport priority indicator
	PID      uint16 // Packet identifier
	TSC      byte   // Transport Scrambling Control
	AFC      byte   // Adaptation Field Control
	CC       byte   // Continuity Counter
	DI       bool   // Discontinuity indicator
	RAI      bool   // Random access indicator
	ESPI     bool   // Elementary stream priority indicator
	PCRF     bool   // PCR flag
	OPCRF    bool   // OPCR flag
	SPF      bool   // Splicing point flag
	TPDF     bool   // Transport private data flag
	AFEF     bool   // Adaptation field extension flag
	PCR      uint64 // Program clock reference, 27MHz units (base*300 + extension)
	OPCR     uint64 // Original program clock reference
	SC       byte   // Splice countdown
	TPDL     byte   // Transport private data length
	TPD      []byte // Private data
	Ext      []byte // Adaptation field extension
	Payload  []byte // MPEG-TS payload
}

// Errors produced by the packet codec. MalformedPacket is returned for a bad
// sync byte or an adaptation length that overruns the packet body; data-plane
// callers drop the packet and count it rather than treating it as fatal.
var (
	ErrMalformedPacket  = errors.New("malformed MPEG-TS packet")
	ErrInvalidLen       = errors.New("MPEG-TS data not of valid length")
	ErrNoPayload        = errors.New("no payload")
	ErrNoPCR            = errors.New("packet carries no PCR")
	ErrMultiplePrograms = errors.New("more than one program not supported")
	ErrNoPrograms       = errors.New("no programs in PAT")
)

// Validate checks that p is a well-formed 188-byte TS packet: correct sync
// byte and an adaptation field length, if any, that fits within the packet.
func Validate(p []byte) error {
	if len(p) != PacketSize {
		return errors.Wrap(ErrMalformedPacket, "bad length")
	}
	if p[0] != 0x47 {
		return errors.Wrap(ErrMalformedPacket, "bad sync byte")
	}
	afc := (p[3] & AdaptationControlMask) >> 4
	if afc == 0x2 || afc == 0x3 {
		afl := int(p[AdaptationIdx])
		if HeadSize+1+afl > PacketSize {
			return errors.Wrap(ErrMalformedPacket, "adaptation length overruns packet")
		}
	}
	return nil
}

// PID returns the packet identifier for the given raw packet.
func PID(p []byte) uint16 {
	return uint16(p[1]&0x1f)<<8 | uint16(p[2])
}

// SetPID rewrites the PID of a raw packet in place, preserving every other
// field (TEI/PUSI/Priority bits in octet 1 are untouched).
func SetPID(p []byte, pid uint16) {
	p[1] = (p[1] & 0xe0) | byte(pid>>8)&0x1f
	p[2] = byte(pid)
}

// PUSI reports the payload unit start indicator of a raw packet.
func PUSI(p []byte) bool { return p[1]&0x40 != 0 }

// HasAdaptation reports whether a raw packet carries an adaptation field.
func HasAdaptation(p []byte) bool { return p[3]&0x20 != 0 }

// HasPayload reports whether a raw packet carries a payload.
func HasPayload(p []byte) bool { return p[3]&0x10 != 0 }

// HasPCR reports whether a raw packet's adaptation field carries a PCR.
func HasPCR(p []byte) bool {
	return HasAdaptation(p) && p[AdaptationIdx] > 0 && p[AdaptationFieldsIdx]&0x10 != 0
}

// GetCC returns the 4-bit continuity counter of a raw packet.
func GetCC(p []byte) byte { return p[3] & 0x0f }

// SetCC rewrites the continuity counter of a raw packet in place.
func SetCC(p []byte, cc byte) {
	p[3] = (p[3] &^ 0x0f) | (cc & 0x0f)
}

// GetPCR returns the 42-bit PCR (27 MHz units: base*300+extension) carried in
// a raw packet's adaptation field, or ErrNoPCR if none is present.
func GetPCR(p []byte) (uint64, error) {
	if !HasPCR(p) {
		return 0, ErrNoPCR
	}
	b := p[PCRIdx : PCRIdx+PCRSize]
	base := uint64(b[0])<<25 | uint64(b[1])<<17 | uint64(b[2])<<9 | uint64(b[3])<<1 | uint64(b[4]>>7)
	ext := uint64(b[4]&0x01)<<8 | uint64(b[5])
	return base*300 + ext, nil
}

// SetPCR rewrites the PCR carried in a raw packet's adaptation field in
// place. The packet must already carry a PCR; allocating a new adaptation
// field to fabricate one is out of scope (source packets are re-timestamped,
// never invented).
func SetPCR(p []byte, v uint64) error {
	if !HasPCR(p) {
		return ErrNoPCR
	}
	base := (v / 300) & 0x1ffffffff
	ext := v % 300
	b := p[PCRIdx : PCRIdx+PCRSize]
	b[0] = byte(base >> 25)
	b[1] = byte(base >> 17)
	b[2] = byte(base >> 9)
	b[3] = byte(base >> 1)
	b[4] = byte(base<<7) | 0x7e | byte(ext>>8)
	b[5] = byte(ext)
	return nil
}

// PayloadOffset returns the index of the first payload byte in a raw packet.
func PayloadOffset(p []byte) (int, error) {
	if !HasPayload(p) {
		return 0, ErrNoPayload
	}
	if !HasAdaptation(p) {
		return HeadSize, nil
	}
	return HeadSize + 1 + int(p[AdaptationIdx]), nil
}

// Payload returns the payload of a raw MPEG-TS packet. The returned slice
// aliases p; callers that need to retain it across p's lifetime must copy.
func Payload(p []byte) ([]byte, error) {
	off, err := PayloadOffset(p)
	if err != nil {
		return nil, err
	}
	return p[off:], nil
}

// FindPid searches d (a sequence of concatenated TS packets) for the first
// packet with the given PID, returning it along with its byte index.
func FindPid(d []byte, pid uint16) (pkt []byte, i int, err error) {
	if len(d) < PacketSize {
		return nil, -1, ErrInvalidLen
	}
	for i = 0; i+PacketSize <= len(d); i += PacketSize {
		if PID(d[i:i+PacketSize]) == pid {
			return d[i : i+PacketSize], i, nil
		}
	}
	return nil, -1, errors.Errorf("could not find packet with PID %d", pid)
}

// ParsePAT parses a PAT packet and returns the single program number and its
// PMT PID. ErrMultiplePrograms/ErrNoPrograms are returned for anything other
// than exactly one program, which is all this relay (or its inputs) ever use.
func ParsePAT(pkt []byte) (program, pmtPID uint16, err error) {
	payload, err := Payload(pkt)
	if err != nil {
		return 0, 0, errors.Wrap(err, "cannot get PAT payload")
	}
	pat, err := gotspsi.NewPAT(payload)
	if err != nil {
		return 0, 0, errors.Wrap(err, "cannot parse PAT")
	}
	m := pat.ProgramMap()
	switch len(m) {
	case 0:
		return 0, 0, ErrNoPrograms
	case 1:
		for p, pm := range m {
			return uint16(p), uint16(pm), nil
		}
	}
	return 0, 0, ErrMultiplePrograms
}

// StreamInfo describes one elementary stream entry parsed from a PMT.
type StreamInfo struct {
	PID  uint16
	Type uint8
}

// ParsePMT parses a PMT packet and returns its PCR PID and elementary
// streams.
func ParsePMT(pkt []byte) (pcrPID uint16, streams []StreamInfo, err error) {
	payload, err := Payload(pkt)
	if err != nil {
		return 0, nil, errors.Wrap(err, "cannot get PMT payload")
	}
	pmt, err := gotspsi.NewPMT(payload)
	if err != nil {
		return 0, nil, errors.Wrap(err, "cannot parse PMT")
	}
	for _, es := range pmt.ElementaryStreams() {
		streams = append(streams, StreamInfo{PID: uint16(es.ElementaryPid()), Type: es.StreamType()})
	}
	return uint16(pmt.PCRPID()), streams, nil
}

// FillPayload takes a byte slice and fills the packet's Payload field until
// capacity (188 bytes minus header/adaptation) is reached, returning the
// number of bytes consumed.
func (p *Packet) FillPayload(data []byte) int {
	currentPktLen := 6 + asInt(p.PCRF)*6
	if len(data) > PacketSize-currentPktLen {
		p.Payload = make([]byte, PacketSize-currentPktLen)
	} else {
		p.Payload = make([]byte, len(data))
	}
	return copy(p.Payload, data)
}

// Bytes interprets the fields of the packet and serializes it to buf,
// reusing buf's backing array when it has enough capacity.
func (p *Packet) Bytes(buf []byte) []byte {
	if buf == nil || cap(buf) < PacketSize {
		buf = make([]byte, PacketSize)
	}

	if p.OPCRF {
		panic("original program clock reference field unsupported")
	}
	if p.SPF {
		panic("splicing countdown unsupported")
	}
	if p.TPDF {
		panic("transport private data unsupported")
	}
	if p.AFEF {
		panic("adaptation field extension unsupported")
	}

	buf = buf[:6]
	buf[0] = 0x47
	buf[1] = asByte(p.TEI)<<7 | asByte(p.PUSI)<<6 | asByte(p.Priority)<<5 | byte((p.PID&0xFF00)>>8)
	buf[2] = byte(p.PID & 0x00FF)
	buf[3] = p.TSC<<6 | p.AFC<<4 | p.CC

	var maxPayloadSize int
	if p.AFC&0x2 != 0 {
		maxPayloadSize = PacketSize - 6 - asInt(p.PCRF)*6
	} else {
		maxPayloadSize = PacketSize - 4
	}

	stuffingLen := maxPayloadSize - len(p.Payload)
	if p.AFC&0x2 != 0 {
		buf[4] = byte(1 + stuffingLen + asInt(p.PCRF)*6)
		buf[5] = asByte(p.DI)<<7 | asByte(p.RAI)<<6 | asByte(p.ESPI)<<5 | asByte(p.PCRF)<<4 | asByte(p.OPCRF)<<3 | asByte(p.SPF)<<2 | asByte(p.TPDF)<<1 | asByte(p.AFEF)
	} else {
		buf = buf[:4]
	}

	// PCR is held in 27MHz units (base*300 + extension), as Parse and GetPCR
	// read it; the field is 33 bits of base, 6 reserved bits, 9 of extension.
	pcrField := ((p.PCR/300)&0x1ffffffff)<<15 | 0x3f<<9 | p.PCR%300
	for i := 40; p.PCRF && i >= 0; i -= 8 {
		buf = append(buf, byte(pcrField>>uint(i)))
	}

	for i := 0; i < stuffingLen; i++ {
		buf = append(buf, 0xff)
	}
	curLen := len(buf)
	buf = buf[:PacketSize]
	copy(buf[curLen:], p.Payload)
	return buf
}

func asInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func asByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// Parse decodes a raw 188-byte TS packet into a Packet. Only the adaptation
// field shapes this relay itself ever produces or forwards (no OPCR,
// splicing countdown, private data or extension) are supported; anything
// else yields ErrMalformedPacket, matching the restriction already declared
// by Packet.Bytes.
func Parse(buf []byte) (*Packet, error) {
	if err := Validate(buf); err != nil {
		return nil, err
	}
	p := &Packet{
		TEI:      buf[1]&0x80 != 0,
		PUSI:     buf[1]&0x40 != 0,
		Priority: buf[1]&0x20 != 0,
		PID:      PID(buf),
		TSC:      buf[3] >> 6,
		AFC:      (buf[3] & AdaptationControlMask) >> 4,
		CC:       buf[3] & 0x0f,
	}
	if p.AFC&0x2 != 0 {
		flags := buf[AdaptationFieldsIdx]
		p.DI = flags&0x80 != 0
		p.RAI = flags&0x40 != 0
		p.ESPI = flags&0x20 != 0
		p.PCRF = flags&0x10 != 0
		p.OPCRF = flags&0x08 != 0
		p.SPF = flags&0x04 != 0
		p.TPDF = flags&0x02 != 0
		p.AFEF = flags&0x01 != 0
		if p.OPCRF || p.SPF || p.TPDF || p.AFEF {
			return nil, errors.Wrap(ErrMalformedPacket, "unsupported adaptation field shape")
		}
		if p.PCRF {
			pcr, err := GetPCR(buf)
			if err != nil {
				return nil, errors.Wrap(err, "packet declares PCR flag but PCR could not be read")
			}
			p.PCR = pcr
		}
	}
	if p.AFC&0x1 != 0 {
		payload, err := Payload(buf)
		if err != nil {
			return nil, errors.Wrap(err, "packet declares payload but it could not be read")
		}
		p.Payload = append([]byte(nil), payload...)
	}
	return p, nil
}

// Option configures a raw gots packet's adaptation field.
type Option func(p *packet.Packet)

// DiscontinuityIndicator returns an Option that sets p's discontinuity
// indicator according to f.
func DiscontinuityIndicator(f bool) Option {
	return func(p *packet.Packet) {
		set := byte(DiscontinuityIndicatorMask)
		if !f {
			set = 0x00
		}
		p[DiscontinuityIndicatorIdx] &= 0xff ^ DiscontinuityIndicatorMask
		p[DiscontinuityIndicatorIdx] |= DiscontinuityIndicatorMask & set
	}
}
