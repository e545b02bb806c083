/*
NAME
  fifoinput.go

DESCRIPTION
  fifoinput.go implements one source's background reader: it opens a named
  pipe in blocking-read mode, reassembles the byte stream into 188-byte TS
  packets by sync-byte alignment, drives a PAT/PMT/IDR/audio-sync readiness
  state machine, and feeds every packet into the source's arena (buffer.go).

  Grounded on the reconnect-on-EOF loop of device/file/file.go's AVFile.Read
  (open/seek/retry around an *os.File) and the background-goroutine shape of
  revid/senders.go's rtmpSender.output (done channel, WaitGroup, log then
  continue on transient errors rather than returning).

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

package relay

import (
	"bufio"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/ausocean/utils/logging"

	"github.com/ausocean/tsrelay/codec/h264"
	"github.com/ausocean/tsrelay/container/mts"
	"github.com/ausocean/tsrelay/container/mts/pes"
)

// reopenBackoff is the delay between reconnect attempts when the pipe is
// absent or returns EOF, matching the toolkit's general retry cadence for
// unattended reconnection.
const reopenBackoff = 500 * time.Millisecond

// video stream_type values this relay recognises as H.264; anything else in
// a PMT is treated as a non-video (audio) elementary stream, since a source
// declares at most one video and one audio ES per the data model.
const h264StreamType = 0x1b

// FIFOInput owns one named pipe and the background goroutine that reads it.
type FIFOInput struct {
	path string
	kind Kind
	log  logging.Logger

	buf *sourceBuffer

	state   atomic.Int32 // readerState
	idrSeq  atomic.Int64 // advances on every IDR seen, including after READY.
	infoMu  sync.Mutex
	info    StreamInfo

	videoReasm *pes.Reassembler
	audioReasm *pes.Reassembler

	done chan struct{}
	wg   sync.WaitGroup
}

// NewFIFOInput returns a FIFOInput for the pipe at path. Call Start to begin
// reading.
func NewFIFOInput(path string, kind Kind, bufferPackets int, log logging.Logger) *FIFOInput {
	f := &FIFOInput{
		path:       path,
		kind:       kind,
		log:        log,
		buf:        newSourceBuffer(bufferPackets),
		videoReasm: pes.NewReassembler(),
		audioReasm: pes.NewReassembler(),
		done:       make(chan struct{}),
	}
	f.state.Store(int32(stateNoPAT))
	return f
}

// Start launches the background reader goroutine.
func (f *FIFOInput) Start() {
	f.wg.Add(1)
	go f.run()
}

// Stop signals the reader goroutine to exit and waits for it to finish.
func (f *FIFOInput) Stop() {
	close(f.done)
	f.wg.Wait()
}

// IsReady reports whether PAT, PMT, an IDR and (if applicable) audio sync
// have all been observed.
func (f *FIFOInput) IsReady() bool {
	return readerState(f.state.Load()) == stateReady
}

// Info returns the source's stream info, valid once IsReady (or beyond
// stateNoIDR) returns true.
func (f *FIFOInput) Info() StreamInfo {
	f.infoMu.Lock()
	defer f.infoMu.Unlock()
	return f.info
}

// Reset returns the reader to NO_IDR so the next splice to this source
// starts at a fresh IDR, without re-detecting PAT/PMT. It is called by the
// controller immediately before beginning a new segment on this source,
// including fallback loop boundaries.
func (f *FIFOInput) Reset() {
	cur := readerState(f.state.Load())
	if cur == stateNoPAT || cur == stateNoPMT {
		return
	}
	f.buf.reset()
	f.state.Store(int32(stateNoIDR))
}

// Snapshot requests a packet snapshot starting at the reader's idrIndex.
func (f *FIFOInput) Snapshot() [][]byte { return f.buf.snapshot() }

// Next returns the next live packet beyond the last snapshot, or nil.
func (f *FIFOInput) Next() []byte { return f.buf.next() }

// Stats returns diagnostic counters accumulated since this FIFOInput was
// constructed; Reset does not clear them.
func (f *FIFOInput) Stats() (orphanAudio, malformed int) { return f.buf.stats() }

// IDRSeq returns the number of IDRs observed since this FIFOInput was
// constructed, including IDRs seen after first reaching READY. A caller
// that remembers the value at its last splice can detect a fresh IDR (a
// loop-asset seam, or new GOP worth considering) by comparing against the
// current value.
func (f *FIFOInput) IDRSeq() int64 { return f.idrSeq.Load() }

// run is the reader goroutine: open, read-align-dispatch, reconnect on
// error, until Stop is called.
func (f *FIFOInput) run() {
	defer f.wg.Done()
	for {
		select {
		case <-f.done:
			return
		default:
		}

		file, err := os.OpenFile(f.path, os.O_RDONLY, 0)
		if err != nil {
			f.log.Warning("fifoinput: could not open pipe", "path", f.path, "error", err.Error())
			if f.waitForPipeOrBackoff() {
				return
			}
			continue
		}

		f.readUntilError(file)
		file.Close()

		// A producer disconnect returns the reader to NO_PAT: any PAT/PMT
		// seen under the old producer may no longer be valid.
		f.state.Store(int32(stateNoPAT))

		select {
		case <-f.done:
			return
		default:
		}
	}
}

// waitForPipeOrBackoff sleeps for reopenBackoff, or watches the pipe's
// directory for a create event to shorten reconnect latency when the
// filesystem supports it. Returns true if Stop was called meanwhile.
func (f *FIFOInput) waitForPipeOrBackoff() bool {
	dir := filepath.Dir(f.path)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return f.sleepOrDone(reopenBackoff)
	}
	defer watcher.Close()
	if err := watcher.Add(dir); err != nil {
		return f.sleepOrDone(reopenBackoff)
	}

	timer := time.NewTimer(reopenBackoff)
	defer timer.Stop()
	for {
		select {
		case <-f.done:
			return true
		case ev, ok := <-watcher.Events:
			if !ok {
				return false
			}
			if ev.Name == f.path && (ev.Op&(fsnotify.Create|fsnotify.Write) != 0) {
				return false
			}
		case <-watcher.Errors:
			return false
		case <-timer.C:
			return false
		}
	}
}

func (f *FIFOInput) sleepOrDone(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-f.done:
		return true
	case <-t.C:
		return false
	}
}

// readUntilError reads aligned TS packets from r and feeds them to the
// state machine until a read error (including EOF) occurs.
func (f *FIFOInput) readUntilError(r io.Reader) {
	br := bufio.NewReaderSize(r, mts.PacketSize*4)
	for {
		select {
		case <-f.done:
			return
		default:
		}

		pkt, err := alignAndReadPacket(br)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				f.log.Debug("fifoinput: read error", "path", f.path, "error", err.Error())
			}
			return
		}
		f.buf.append(pkt)
		f.observe(pkt)
	}
}

// alignAndReadPacket scans br for a sync byte that is confirmed (when enough
// data is buffered to check) by further sync bytes at +188 and +376, then
// reads and returns the 188-byte packet starting there.
func alignAndReadPacket(br *bufio.Reader) ([]byte, error) {
	for {
		b, err := br.Peek(1)
		if err != nil {
			return nil, err
		}
		if b[0] != 0x47 {
			br.Discard(1)
			continue
		}

		window, err := br.Peek(mts.PacketSize*3)
		if err == nil {
			if window[mts.PacketSize] != 0x47 || window[mts.PacketSize*2] != 0x47 {
				br.Discard(1)
				continue
			}
		}

		pkt := make([]byte, mts.PacketSize)
		if _, err := io.ReadFull(br, pkt); err != nil {
			return nil, err
		}
		return pkt, nil
	}
}

// observe drives the readiness state machine from one newly-arrived packet.
func (f *FIFOInput) observe(pkt []byte) {
	if err := mts.Validate(pkt); err != nil {
		f.buf.addMalformed()
		return
	}
	pid := mts.PID(pkt)
	st := readerState(f.state.Load())

	switch st {
	case stateNoPAT:
		if pid != mts.PatPid {
			return
		}
		program, pmtPID, err := mts.ParsePAT(pkt)
		if err != nil {
			return
		}
		f.infoMu.Lock()
		f.info = StreamInfo{Program: program, PMTPID: pmtPID}
		f.infoMu.Unlock()
		f.state.Store(int32(stateNoPMT))

	case stateNoPMT:
		f.infoMu.Lock()
		pmtPID := f.info.PMTPID
		f.infoMu.Unlock()
		if pid != pmtPID {
			return
		}
		pcrPID, streams, err := mts.ParsePMT(pkt)
		if err != nil || len(streams) == 0 {
			return
		}
		info := StreamInfo{Program: f.info.Program, PMTPID: pmtPID, PCRPID: pcrPID}
		for _, s := range streams {
			if s.Type == h264StreamType {
				info.VideoPID, info.VideoType = s.PID, s.Type
			} else {
				info.AudioPID, info.AudioType = s.PID, s.Type
			}
		}
		if info.VideoPID == 0 {
			return
		}
		f.infoMu.Lock()
		f.info = info
		f.infoMu.Unlock()
		f.videoReasm = pes.NewReassembler()
		f.audioReasm = pes.NewReassembler()
		f.state.Store(int32(stateNoIDR))

	case stateNoIDR, stateNoAudioSync, stateReady:
		// IDR tracking keeps running in READY too: a looping fallback asset
		// produces a fresh IDR at its seam with no state-machine transition
		// of its own, and SwitchController's loop-boundary re-splice relies
		// on IDRSeq() advancing to notice it.
		f.observeVideoForIDR(pkt, pid)
		if st == stateNoAudioSync {
			f.observeAudioSync(pkt, pid)
		}
	}
}

// observeVideoForIDR feeds video packets through PES reassembly, looking for
// IDR NALs. The first IDR found advances the state machine to
// NO_AUDIO_SYNC/READY; every subsequent IDR (the source is already READY)
// only advances idrIndex and IDRSeq, signalling a fresh splice point without
// disturbing readiness.
func (f *FIFOInput) observeVideoForIDR(pkt []byte, pid uint16) {
	info := f.Info()
	if pid != info.VideoPID {
		return
	}
	payload, err := mts.Payload(pkt)
	if err != nil {
		return
	}
	pusi := mts.PUSI(pkt)
	completed := f.videoReasm.Push(pusi, payload)
	// The completed PES began at the pending index, so it is resolved before
	// this packet's own PES start replaces it as the pending index.
	isIDR := false
	if completed != nil {
		if _, nals, err := pes.Inspect(completed); err == nil {
			isIDR = h264.HasType(nals, 5) // NAL type 5 = IDR, ITU-T H.264 Table 7-1.
		}
		f.buf.resolvePending(isIDR)
	}
	if pusi {
		f.buf.setPending(f.buf.lastIndex())
	}
	if !isIDR {
		return
	}
	f.idrSeq.Add(1)
	if readerState(f.state.Load()) != stateNoIDR {
		return
	}
	if info.HasAudio() {
		f.state.Store(int32(stateNoAudioSync))
	} else {
		f.state.Store(int32(stateReady))
	}
}

// observeAudioSync watches for the first audio PUSI at or after the IDR,
// counting any orphan continuation packets seen first (diagnostic only).
func (f *FIFOInput) observeAudioSync(pkt []byte, pid uint16) {
	info := f.Info()
	if pid != info.AudioPID {
		return
	}
	if mts.PUSI(pkt) {
		f.state.Store(int32(stateReady))
		return
	}
	f.buf.addOrphanAudio()
}
