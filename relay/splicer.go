/*
NAME
  splicer.go

DESCRIPTION
  splicer.go implements the active-segment splice engine: given a source's
  IDR-aligned snapshot, it rebases that segment's PCR/PTS/DTS onto a single
  continuous output timeline, renumbers PIDs to the normalized set
  (256/257/4096/0), injects SPS/PPS ahead of the segment's first IDR, and
  assigns a fresh per-output-PID continuity counter.

  Grounded on the now-superseded container/mts/encoder.go's Encoder.tick/
  pts/pcr/ccFor (clock-to-timestamp conversion and the map-based per-PID
  continuity counter) and writePSI (PES/Packet construction for synthesized
  payloads), generalized from "encode one free-running clock" to "rebase one
  segment's recorded timestamps onto an accumulated global offset".

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

package relay

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/ausocean/utils/logging"

	"github.com/ausocean/tsrelay/container/mts"
	"github.com/ausocean/tsrelay/container/mts/pes"
)

// Errors produced while beginning a segment.
var (
	ErrSourceNotReady = errors.New("source has no snapshot to splice from")
	ErrNoVideoPTS     = errors.New("segment snapshot carries no video PTS")
	ErrNoSPSPPS       = errors.New("segment snapshot carries no SPS/PPS ahead of its first IDR")
)

// videoStreamID is the PES stream ID this relay assigns to every
// synthesized SPS/PPS packet it injects; 0xe0 is the first video stream ID
// per ISO/IEC 13818-1 Table 2-22, matching what every observed source uses.
const videoStreamID = 0xe0

// frameDurationPTS is the gap EndSegment leaves between one segment's last
// timestamp and the next segment's first, so a splice advances the output
// timeline by one frame instead of repeating the outgoing segment's final
// PTS. 3000 is 90kHz/30fps, the frame rate of every source and fallback
// asset this relay is specified against; frameDurationPCR is the same gap
// in 27MHz PCR ticks.
const (
	frameDurationPTS = 3000
	frameDurationPCR = frameDurationPTS * 300
)

// continuityCounters tracks a 4-bit continuity counter per output PID,
// mirroring encoder.go's ccFor but keyed on the normalized PIDs this relay
// emits rather than arbitrary source PIDs.
type continuityCounters struct {
	mu sync.Mutex
	cc map[uint16]byte
}

func newContinuityCounters() *continuityCounters {
	return &continuityCounters{cc: make(map[uint16]byte)}
}

// next returns the next continuity counter for pid and advances it.
func (c *continuityCounters) next(pid uint16) byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	cc := c.cc[pid]
	c.cc[pid] = (cc + 1) & 0x0f
	return cc
}

// spliceContext holds the per-segment rebasing constants derived once at
// the start of each segment from that segment's own first timestamps.
type spliceContext struct {
	ptsBase         uint64 // 90kHz: first video (or audio, if earlier) PTS in the segment.
	pcrBase         uint64 // 27MHz: first PCR in the segment on the source's PCR PID.
	alignmentOffset uint64 // 27MHz: ptsBase*300 - pcrBase, clamped to zero.
}

// StreamSplicer owns the output timeline and rewrites one segment's packets
// at a time onto it. It is not safe for concurrent use by more than one
// caller; SwitchController and Relay serialize access to a single instance.
type StreamSplicer struct {
	log logging.Logger
	out OutputSink

	cc *continuityCounters

	// globalPTSOffset/globalPCROffset accumulate across segments: each
	// segment's rebased timestamps start one frame duration past the
	// previous segment's maximum (see EndSegment),
	// so the output timeline never resets or jumps backwards at a splice.
	globalPTSOffset uint64
	globalPCROffset uint64
	timelineStarted bool

	ctx    spliceContext
	maxPTS uint64
	maxPCR uint64

	underflows int64 // diagnostic: timestamps observed before their segment's base.
}

// OutputSink is the subset of OutputWriter the splicer writes rewritten
// packets to; kept as an interface so tests can substitute a recording sink.
type OutputSink interface {
	WritePacket(pkt []byte) error
}

// NewStreamSplicer returns a StreamSplicer writing rewritten packets to out.
func NewStreamSplicer(out OutputSink, log logging.Logger) *StreamSplicer {
	return &StreamSplicer{
		log: log,
		out: out,
		cc:  newContinuityCounters(),
	}
}

// BeginSegment starts splicing from input's current snapshot: it derives
// this segment's rebasing context, advances the global timeline, injects
// SPS/PPS ahead of the segment's IDR, then rewrites and emits every
// buffered packet in the snapshot. Once the snapshot is exhausted, the
// caller is expected to keep draining input.Next() into WritePacket for the
// rest of the segment's lifetime (SwitchController's tick loop does this via
// pumpActive), so output stays continuous until the next BeginSegment.
func (s *StreamSplicer) BeginSegment(input *FIFOInput) error {
	snap := input.Snapshot()
	if snap == nil {
		return ErrSourceNotReady
	}
	info := input.Info()

	ptsBase, pcrBase, err := extractBases(snap, info)
	if err != nil {
		return err
	}
	alignment := ptsBase * 300
	if pcrBase > alignment {
		s.log.Warning("splicer: pcr ahead of pts at segment start, clamping alignment offset to zero",
			"ptsBase", ptsBase, "pcrBase", pcrBase)
		alignment = 0
	} else {
		alignment -= pcrBase
	}
	s.ctx = spliceContext{ptsBase: ptsBase, pcrBase: pcrBase, alignmentOffset: alignment}

	if !s.timelineStarted {
		s.globalPTSOffset = alignment / 300
		s.globalPCROffset = 0
		s.timelineStarted = true
	}
	s.maxPTS, s.maxPCR = s.globalPTSOffset, s.globalPCROffset

	sps, pps, err := extractSPSPPS(snap, info)
	if err != nil {
		s.log.Warning("splicer: no SPS/PPS found ahead of segment IDR, starting without injection", "error", err.Error())
	} else if err := s.injectSPSPPS(sps, pps); err != nil {
		return errors.Wrap(err, "splicer: could not inject SPS/PPS")
	}

	for _, pkt := range snap {
		if err := s.WritePacket(pkt, info); err != nil {
			s.log.Debug("splicer: dropping packet in segment snapshot", "error", err.Error())
		}
	}
	return nil
}

// EndSegment commits this segment's observed maxima, plus one frame
// duration, as the base for the next segment's global timeline, so the
// next BeginSegment continues one frame past here rather than repeating
// the outgoing segment's final timestamp or overlapping it.
func (s *StreamSplicer) EndSegment() {
	s.globalPTSOffset = (s.maxPTS + frameDurationPTS) & 0x1ffffffff
	s.globalPCROffset = s.maxPCR + frameDurationPCR
}

// WritePacket rewrites one live packet from the segment's active source and
// emits it, or silently drops it if it does not carry a PID this relay
// forwards (source PAT/PMT, or anything other than the declared video/audio
// elementary streams).
func (s *StreamSplicer) WritePacket(pkt []byte, info StreamInfo) error {
	if err := mts.Validate(pkt); err != nil {
		return err
	}
	pid := mts.PID(pkt)

	var outPID uint16
	switch {
	case pid == info.VideoPID:
		outPID = mts.VideoPid
	case info.HasAudio() && pid == info.AudioPID:
		outPID = mts.AudioPid
	default:
		// Source PAT, source PMT, or anything undeclared: OutputWriter owns
		// PAT/PMT emission on the normalized PIDs, and nothing else is kept.
		return nil
	}

	cp := make([]byte, len(pkt))
	copy(cp, pkt)
	mts.SetPID(cp, outPID)

	if pid == info.PCRPID && mts.HasPCR(cp) {
		orig, err := mts.GetPCR(cp)
		if err == nil {
			rebased := s.rebasePCR(orig)
			mts.SetPCR(cp, rebased)
			if rebased > s.maxPCR {
				s.maxPCR = rebased
			}
		}
	}

	if mts.PUSI(cp) {
		s.rewriteTimestamps(cp)
	}

	mts.SetCC(cp, s.cc.next(outPID))
	return s.out.WritePacket(cp)
}

// rewriteTimestamps rebases a PUSI packet's PES PTS/DTS in place, if its
// payload begins a parseable PES header.
func (s *StreamSplicer) rewriteTimestamps(pkt []byte) {
	payload, err := mts.Payload(pkt)
	if err != nil || len(payload) < 9 {
		return
	}
	h, err := pes.ParseHeader(payload)
	if err != nil {
		return
	}
	if h.PTSDTSFlags == pes.PTSDTSNone {
		return
	}
	newPTS := s.rebaseTimestamp(h.PTS)
	h.RewritePTS(payload, newPTS)
	if newPTS > s.maxPTS {
		s.maxPTS = newPTS
	}
	if h.HasDTS() {
		h.RewriteDTS(payload, s.rebaseTimestamp(h.DTS))
	}
}

// rebaseTimestamp maps a 90kHz PTS/DTS value recorded within the current
// segment onto the global output timeline, truncating to 33 bits per the
// PES wrap contract. A value observed before ctx.ptsBase (clock rewind on
// the source) is clamped to the current global offset rather than
// underflowing, and counted.
func (s *StreamSplicer) rebaseTimestamp(v uint64) uint64 {
	if v < s.ctx.ptsBase {
		s.underflows++
		return s.globalPTSOffset & 0x1ffffffff
	}
	return (v - s.ctx.ptsBase + s.globalPTSOffset) & 0x1ffffffff
}

// rebasePCR maps a 27MHz PCR value recorded within the current segment onto
// the global output timeline.
func (s *StreamSplicer) rebasePCR(v uint64) uint64 {
	if v < s.ctx.pcrBase {
		s.underflows++
		return s.globalPCROffset
	}
	return v - s.ctx.pcrBase + s.globalPCROffset
}

// Underflows reports how many timestamps this splicer has clamped rather
// than rebased negative. /health does not report it.
func (s *StreamSplicer) Underflows() int64 { return s.underflows }

// extractBases scans a segment snapshot for its first video PTS (and, if
// the source carries audio, its first audio PTS, taking whichever is
// earlier) and its first PCR on the source's declared PCR PID.
func extractBases(snap [][]byte, info StreamInfo) (ptsBase, pcrBase uint64, err error) {
	var haveVideoPTS, haveAudioPTS, havePCR bool
	var videoPTS, audioPTS uint64

	for _, pkt := range snap {
		if mts.Validate(pkt) != nil {
			continue
		}
		pid := mts.PID(pkt)

		if !havePCR && pid == info.PCRPID && mts.HasPCR(pkt) {
			if pcr, err := mts.GetPCR(pkt); err == nil {
				pcrBase, havePCR = pcr, true
			}
		}

		if mts.PUSI(pkt) {
			payload, perr := mts.Payload(pkt)
			if perr == nil && len(payload) >= 9 {
				if h, herr := pes.ParseHeader(payload); herr == nil && h.PTSDTSFlags != pes.PTSDTSNone {
					switch {
					case !haveVideoPTS && pid == info.VideoPID:
						videoPTS, haveVideoPTS = h.PTS, true
					case !haveAudioPTS && info.HasAudio() && pid == info.AudioPID:
						audioPTS, haveAudioPTS = h.PTS, true
					}
				}
			}
		}

		if haveVideoPTS && havePCR && (!info.HasAudio() || haveAudioPTS) {
			break
		}
	}

	if !haveVideoPTS {
		return 0, 0, ErrNoVideoPTS
	}
	ptsBase = videoPTS
	if haveAudioPTS && audioPTS < ptsBase {
		ptsBase = audioPTS
	}
	if !havePCR {
		pcrBase = ptsBase * 300
	}
	return ptsBase, pcrBase, nil
}

// extractSPSPPS reassembles the segment's first complete video PES (the one
// beginning at the snapshot's leading IDR, per FIFOInput's idrIndex
// contract) and returns its SPS and PPS NAL payloads, including their
// Annex-B start codes.
func extractSPSPPS(snap [][]byte, info StreamInfo) (sps, pps []byte, err error) {
	r := pes.NewReassembler()
	var completed []byte
	for _, pkt := range snap {
		if mts.Validate(pkt) != nil || mts.PID(pkt) != info.VideoPID {
			continue
		}
		payload, perr := mts.Payload(pkt)
		if perr != nil {
			continue
		}
		if c := r.Push(mts.PUSI(pkt), payload); c != nil {
			completed = c
			break
		}
	}
	if completed == nil {
		completed = r.Flush()
	}
	if completed == nil {
		return nil, nil, errors.New("no complete video PES in segment snapshot")
	}

	_, nals, err := pes.Inspect(completed)
	if err != nil {
		return nil, nil, err
	}
	for _, n := range nals {
		switch n.Type {
		case 7: // SPS, ITU-T H.264 Table 7-1.
			sps = withStartCode(completed[n.Start:n.End])
		case 8: // PPS.
			pps = withStartCode(completed[n.Start:n.End])
		}
	}
	if sps == nil || pps == nil {
		return nil, nil, ErrNoSPSPPS
	}
	return sps, pps, nil
}

// withStartCode prepends the 4-byte Annex-B start code NALUnit bounds
// exclude (ScanNALs records Start immediately after it).
func withStartCode(nal []byte) []byte {
	out := make([]byte, 0, len(nal)+4)
	out = append(out, 0x00, 0x00, 0x00, 0x01)
	return append(out, nal...)
}

// injectSPSPPS builds a single synthesized PES carrying sps followed by pps
// as its elementary stream payload, segments it across as many 188-byte TS
// packets as needed on the normalized video PID, and writes them ahead of
// the segment's first IDR.
func (s *StreamSplicer) injectSPSPPS(sps, pps []byte) error {
	es := make([]byte, 0, len(sps)+len(pps))
	es = append(es, sps...)
	es = append(es, pps...)

	p := &pes.Packet{
		StreamID:     videoStreamID,
		PDI:          0x2,
		HeaderLength: 5,
		PTS:          s.globalPTSOffset,
		Data:         es,
	}
	pesBytes := p.Bytes(nil)

	first := true
	for len(pesBytes) > 0 {
		pkt := &mts.Packet{
			PUSI: first,
			PID:  mts.VideoPid,
			AFC:  mts.AFCAdaptationPayload,
			CC:   s.cc.next(mts.VideoPid),
			RAI:  first,
		}
		n := pkt.FillPayload(pesBytes)
		pesBytes = pesBytes[n:]
		first = false
		if err := s.out.WritePacket(pkt.Bytes(nil)); err != nil {
			return err
		}
	}
	return nil
}
