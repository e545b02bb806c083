/*
NAME
  inspector.go

DESCRIPTION
  inspector.go reassembles PES payloads split across TS packet boundaries,
  parses/rewrites their PTS/DTS fields, and locates H.264 NAL units within
  the elementary stream payload. This is new: the toolkit's own PES type
  (pes.go) is write-only, used to construct packets from scratch; nothing in
  the toolkit parses an arbitrary incoming PES header off the wire.

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

package pes

import (
	"github.com/pkg/errors"

	"github.com/ausocean/tsrelay/codec/h264"
)

// Errors produced while parsing a PES header.
var (
	ErrShortHeader  = errors.New("PES header incomplete")
	ErrBadStartCode = errors.New("invalid PES start code")
)

// PTS_DTS_flags values (PES header byte 7, bits 7-6).
const (
	PTSDTSNone = 0x0
	PTSDTSOnly = 0x2
	PTSAndDTS  = 0x3
)

// Header holds the fields of a parsed PES header needed to rebase
// timestamps and to locate the elementary stream payload that follows it.
type Header struct {
	StreamID      byte
	PTSDTSFlags   byte
	HeaderLength  byte
	PTS           uint64
	DTS           uint64
	ptsOffset     int // byte offset of the PTS field within the parsed buffer.
	dtsOffset     int // byte offset of the DTS field, 0 if PTSDTSFlags != PTSAndDTS.
	PayloadOffset int // byte offset of the ES payload within the parsed buffer.
}

// ParseHeader parses a PES header from the start of buf, which must begin
// with the 00 00 01 start code immediately followed by the stream ID.
func ParseHeader(buf []byte) (*Header, error) {
	if len(buf) < 9 {
		return nil, ErrShortHeader
	}
	if buf[0] != 0x00 || buf[1] != 0x00 || buf[2] != 0x01 {
		return nil, ErrBadStartCode
	}

	h := &Header{
		StreamID:     buf[3],
		PTSDTSFlags:  (buf[7] >> 6) & 0x3,
		HeaderLength: buf[8],
	}
	h.PayloadOffset = 9 + int(h.HeaderLength)
	if h.PayloadOffset > len(buf) {
		return nil, ErrShortHeader
	}

	off := 9
	switch h.PTSDTSFlags {
	case PTSDTSOnly:
		if off+5 > len(buf) {
			return nil, ErrShortHeader
		}
		h.ptsOffset = off
		h.PTS = extractTimestamp(buf[off : off+5])
	case PTSAndDTS:
		if off+10 > len(buf) {
			return nil, ErrShortHeader
		}
		h.ptsOffset = off
		h.PTS = extractTimestamp(buf[off : off+5])
		h.dtsOffset = off + 5
		h.DTS = extractTimestamp(buf[h.dtsOffset : h.dtsOffset+5])
	}
	return h, nil
}

// extractTimestamp decodes a 33-bit PTS/DTS value spread across 5
// marker-bit-separated bytes, per ISO/IEC 13818-1 2.4.3.6.
func extractTimestamp(d []byte) uint64 {
	return uint64(d[0]>>1&0x07)<<30 | uint64(d[1])<<22 | uint64(d[2]>>1&0x7f)<<15 | uint64(d[3])<<7 | uint64(d[4]>>1&0x7f)
}

// writeTimestamp packs a 33-bit value (truncating silently, per the wrap
// contract) into a 5-byte PES timestamp field in place, with the 4-bit
// marker prefix required for that field's role (PTS-only=0010,
// PTS-of-pair=0011, DTS-of-pair=0001) and marker bits set in every byte.
func writeTimestamp(d []byte, prefix byte, v uint64) {
	v &= 0x1ffffffff
	d[0] = prefix<<4 | byte(v>>29)&0x0e | 0x01
	d[1] = byte(v >> 22)
	d[2] = byte(v>>14)&0xfe | 0x01
	d[3] = byte(v >> 7)
	d[4] = byte(v<<1)&0xfe | 0x01
}

// RewritePTS rewrites buf's PTS field in place and updates h.PTS.
func (h *Header) RewritePTS(buf []byte, pts uint64) {
	prefix := byte(PTSDTSOnly)
	if h.PTSDTSFlags == PTSAndDTS {
		prefix = 0x3
	}
	writeTimestamp(buf[h.ptsOffset:h.ptsOffset+5], prefix, pts)
	h.PTS = pts & 0x1ffffffff
}

// RewriteDTS rewrites buf's DTS field in place and updates h.DTS. It is a
// no-op if the header carries no DTS.
func (h *Header) RewriteDTS(buf []byte, dts uint64) {
	if h.PTSDTSFlags != PTSAndDTS {
		return
	}
	writeTimestamp(buf[h.dtsOffset:h.dtsOffset+5], 0x1, dts)
	h.DTS = dts & 0x1ffffffff
}

// HasDTS reports whether the header carries a DTS field distinct from PTS.
func (h *Header) HasDTS() bool { return h.PTSDTSFlags == PTSAndDTS }

// Reassembler accumulates TS packet payloads on a single PID into complete
// PES packets, starting a new buffer on PUSI and appending on continuation,
// matching the toolkit's per-PID reassembly idiom used elsewhere for
// gathering segments of MPEG-TS.
type Reassembler struct {
	buf     []byte
	pending bool
}

// NewReassembler returns an empty Reassembler.
func NewReassembler() *Reassembler { return &Reassembler{} }

// Push feeds one TS packet's payload into the reassembler. If pusi starts a
// new PES and a previous one had been accumulated, the bytes of that
// completed PES are returned; otherwise nil.
func (r *Reassembler) Push(pusi bool, payload []byte) []byte {
	if pusi {
		var completed []byte
		if r.pending {
			completed = r.buf
		}
		r.buf = append([]byte(nil), payload...)
		r.pending = true
		return completed
	}
	if r.pending {
		r.buf = append(r.buf, payload...)
	}
	return nil
}

// Flush returns whatever has been accumulated so far without waiting for
// the next PUSI, for use at a segment boundary or stream teardown.
func (r *Reassembler) Flush() []byte {
	if !r.pending {
		return nil
	}
	b := r.buf
	r.pending = false
	r.buf = nil
	return b
}

// Inspect parses a completed PES buffer's header and, for H.264 video,
// scans its elementary stream payload for NAL units. NAL unit bounds are
// relative to pesBuf (already offset by the header), not to the ES payload,
// so callers can slice pesBuf directly.
func Inspect(pesBuf []byte) (*Header, []h264.NALUnit, error) {
	h, err := ParseHeader(pesBuf)
	if err != nil {
		return nil, nil, err
	}
	if h.StreamID < 0xe0 || h.StreamID > 0xef {
		// Not a video stream (audio stream IDs are 0xc0-0xdf); no NAL scan.
		return h, nil, nil
	}
	nals := h264.ScanNALs(pesBuf[h.PayloadOffset:])
	for i := range nals {
		nals[i].Start += h.PayloadOffset
		nals[i].End += h.PayloadOffset
	}
	return h, nals, nil
}
