/*
NAME
  outputwriter.go

DESCRIPTION
  outputwriter.go owns the output named pipe: it serializes writes from the
  splicer, and independently emits PAT/PMT on the normalized PIDs (4096/0)
  both at the start of every segment and on a fixed timer, so a consumer
  that attaches mid-stream can always acquire the PMT without waiting for a
  splice.

  Grounded on revid/senders.go's rtmpSender: done-channel + WaitGroup output
  goroutine, re-open-and-retry on a write error in place of rtmp's re-dial.

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

package relay

import (
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ausocean/utils/logging"

	"github.com/ausocean/tsrelay/container/mts"
	"github.com/ausocean/tsrelay/container/mts/psi"
)

// openNonblockingForWrite opens path for writing without blocking until a
// reader attaches: a FIFO opened O_WRONLY|O_NONBLOCK fails immediately with
// ENXIO if nothing has it open for reading, rather than hanging the writer
// goroutine indefinitely on a downstream that never shows up. Once the open
// succeeds (a reader is present), the nonblocking flag is cleared so
// ordinary writes block and resume normally on backpressure instead of
// surfacing spurious EAGAIN.
func openNonblockingForWrite(path string) (*os.File, error) {
	fd, err := syscall.Open(path, syscall.O_WRONLY|syscall.O_NONBLOCK, 0)
	if err != nil {
		return nil, err
	}
	if err := syscall.SetNonblock(fd, false); err != nil {
		syscall.Close(fd)
		return nil, err
	}
	return os.NewFile(uintptr(fd), path), nil
}

// reopenOutputBackoff is the delay between retries when the output pipe
// cannot be opened or a write to it fails.
const reopenOutputBackoff = 500 * time.Millisecond

// patProgram/patPMTPID are fixed for every segment: this relay always
// declares a single program with PMT on PID 4096, per its normalized PID
// contract.
const (
	patProgram = 1
	patPMTPID  = mts.PmtPid
)

// OutputWriter owns the output FIFO and emits PAT/PMT independently of the
// splicer's media writes. It implements OutputSink so StreamSplicer can
// write rewritten packets through it directly.
type OutputWriter struct {
	path        string
	psiInterval time.Duration
	log         logging.Logger

	writeMu sync.Mutex // serializes WritePacket/emitPSI against each other and the file handle.
	file    *os.File

	lastWrite atomic.Int64 // unix nanoseconds of the last successful write, for /health.

	cc *continuityCounters // PAT(0)/PMT(4096) continuity counters, independent of the splicer's.

	infoMu     sync.Mutex
	info       StreamInfo
	pmtVersion byte

	done chan struct{}
	wg   sync.WaitGroup
}

// NewOutputWriter returns an OutputWriter for the pipe at path. Call Start
// to open it and begin periodic PSI emission.
func NewOutputWriter(path string, psiInterval time.Duration, log logging.Logger) *OutputWriter {
	return &OutputWriter{
		path:        path,
		psiInterval: psiInterval,
		log:         log,
		cc:          newContinuityCounters(),
		done:        make(chan struct{}),
	}
}

// Start opens the output pipe (retrying until a reader attaches or Stop is
// called) and launches the periodic PSI re-emission goroutine.
func (w *OutputWriter) Start() {
	w.wg.Add(1)
	go w.run()
}

// Stop closes the output pipe and waits for the background goroutine to
// exit.
func (w *OutputWriter) Stop() {
	close(w.done)
	w.wg.Wait()
	w.writeMu.Lock()
	if w.file != nil {
		w.file.Close()
		w.file = nil
	}
	w.writeMu.Unlock()
}

// SetStreamInfo records the active segment's stream info so periodic PSI
// re-emission reflects it, and bumps the PMT version if the declared
// elementary streams have changed since the last segment. The first
// segment's info leaves the version at 0.
func (w *OutputWriter) SetStreamInfo(info StreamInfo) {
	w.infoMu.Lock()
	defer w.infoMu.Unlock()
	if w.info.VideoPID != 0 && (w.info.VideoType != info.VideoType || w.info.AudioPID != info.AudioPID || w.info.AudioType != info.AudioType) {
		w.pmtVersion = (w.pmtVersion + 1) & 0x1f
	}
	w.info = info
}

// EmitPSI writes a fresh PAT and PMT immediately, reflecting the most
// recently recorded stream info. Called by SwitchController at the start of
// every segment, in addition to this writer's own periodic timer.
func (w *OutputWriter) EmitPSI() error {
	w.infoMu.Lock()
	info := w.info
	version := w.pmtVersion
	w.infoMu.Unlock()
	return w.writePSI(info, version)
}

// WritePacket writes one already-normalized 188-byte packet to the output
// pipe, retrying a partial write until the whole packet is flushed.
func (w *OutputWriter) WritePacket(pkt []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return w.writeLocked(pkt)
}

// writeLocked writes pkt to the current file handle. On a write error (a
// detached or restarted consumer) it closes and drops the handle and returns
// the error; the packet is not retried, and run reopens the pipe once it
// notices the handle is gone.
func (w *OutputWriter) writeLocked(pkt []byte) error {
	if w.file == nil {
		return nil // no consumer attached yet; packet is dropped, not fatal.
	}
	for written := 0; written < len(pkt); {
		n, err := w.file.Write(pkt[written:])
		if err != nil {
			w.log.Warning("outputwriter: write error, will reopen", "error", err.Error())
			w.file.Close()
			w.file = nil
			return err
		}
		written += n
	}
	w.lastWrite.Store(time.Now().UnixNano())
	return nil
}

// LastWrite returns the time of the last successful write to the output
// pipe (media or PSI), the zero time if none has occurred yet.
func (w *OutputWriter) LastWrite() time.Time {
	ns := w.lastWrite.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// writePSI builds and writes a PAT and PMT reflecting info, via
// psi.AddPadding + mts.Packet.Bytes, matching the toolkit's own PSI
// packetization idiom in encoder.go's writePSI.
func (w *OutputWriter) writePSI(info StreamInfo, version byte) error {
	if info.VideoPID == 0 {
		return nil // no segment has started yet; nothing to declare.
	}
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	pat := psi.BuildPAT(patProgram, patPMTPID)
	patPkt := &mts.Packet{
		PUSI:    true,
		PID:     mts.PatPid,
		AFC:     mts.AFCPayloadOnly,
		CC:      w.cc.next(mts.PatPid),
		Payload: psi.AddPadding(pat.Bytes()),
	}
	if err := w.writeLocked(patPkt.Bytes(nil)); err != nil {
		return err
	}

	video := &psi.Stream{PID: mts.VideoPid, Type: info.VideoType}
	var audio *psi.Stream
	if info.HasAudio() {
		audio = &psi.Stream{PID: mts.AudioPid, Type: info.AudioType}
	}
	pmt := psi.BuildPMT(version, mts.VideoPid, video, audio)
	pmtPkt := &mts.Packet{
		PUSI:    true,
		PID:     patPMTPID,
		AFC:     mts.AFCPayloadOnly,
		CC:      w.cc.next(patPMTPID),
		Payload: psi.AddPadding(pmt.Bytes()),
	}
	return w.writeLocked(pmtPkt.Bytes(nil))
}

// run opens the output pipe (retrying on failure) and drives the periodic
// PSI timer until Stop is called.
func (w *OutputWriter) run() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.psiInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		default:
		}

		f, err := openNonblockingForWrite(w.path)
		if err != nil {
			// ENXIO (no reader attached yet) is the expected steady state
			// while a consumer hasn't connected; anything else is worth a
			// louder log.
			if !errors.Is(err, syscall.ENXIO) {
				w.log.Warning("outputwriter: could not open pipe", "path", w.path, "error", err.Error())
			}
			if w.sleepOrDone(reopenOutputBackoff) {
				return
			}
			continue
		}
		w.writeMu.Lock()
		w.file = f
		w.writeMu.Unlock()

		if err := w.EmitPSI(); err != nil {
			w.log.Debug("outputwriter: initial PSI emission deferred", "error", err.Error())
		}

		if w.waitForFileLoss(ticker) {
			return
		}
	}
}

// waitForFileLoss re-emits PSI on every tick until the file handle is lost
// (writeLocked nils it out on error) or Stop is called.
func (w *OutputWriter) waitForFileLoss(ticker *time.Ticker) bool {
	for {
		select {
		case <-w.done:
			return true
		case <-ticker.C:
			w.writeMu.Lock()
			lost := w.file == nil
			w.writeMu.Unlock()
			if lost {
				return false
			}
			if err := w.EmitPSI(); err != nil {
				w.log.Debug("outputwriter: periodic PSI emission failed", "error", err.Error())
				return false
			}
		}
	}
}

func (w *OutputWriter) sleepOrDone(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-w.done:
		return true
	case <-t.C:
		return false
	}
}
