/*
NAME
  controller.go

DESCRIPTION
  controller.go implements the mode switch state machine over
  {FALLBACK, CAMERA, DRONE}: a cooperative tick loop that consults the
  privacy and requested-source atomics, gates every transition on source
  readiness, and asks StreamSplicer to begin a new segment at the next
  available IDR.

  Grounded on revid/revid.go's Start/Stop lifecycle (a single background
  goroutine driven by a done channel and WaitGroup) generalized from "one
  pipeline, start once" to "repeatedly re-evaluate a small state machine on
  a fixed tick".

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
	"sync/atomic"
	"time"

	"github.com/ausocean/utils/logging"
)

// controllerTick is the cooperative loop's polling interval, per the
// concurrency model's "ticks ~50ms" contract.
const controllerTick = 50 * time.Millisecond

// readyWait bounds how long a "splice to X" step waits for X to report
// ready before abandoning the attempt until the next tick.
const readyWait = 300 * time.Millisecond

// ScenePublisher receives scene transitions for the control API's /scene
// endpoint and its external notification. Kept as a narrow interface so
// SwitchController does not import the controlapi package.
type ScenePublisher interface {
	PublishScene(scene string)
}

// noopPublisher discards scene transitions; used when no publisher is wired.
type noopPublisher struct{}

func (noopPublisher) PublishScene(string) {}

// SwitchController owns the active-mode state machine.
type SwitchController struct {
	fallback, camera, drone *FIFOInput
	splicer                 *StreamSplicer
	output                  *OutputWriter
	publisher               ScenePublisher
	log                     logging.Logger

	privacy   atomic.Bool
	requested atomic.Int32 // Kind: Camera or Drone, the user's preferred live source.
	current   atomic.Int32 // Kind: the mode actually being spliced right now.

	lastFallbackSeq int64 // controller-loop-confined; fallback.IDRSeq() at last splice to fallback.

	// activeInput is the source the splicer is currently spliced to, drained
	// for live packets once its snapshot is exhausted. Confined to the tick
	// goroutine; never read or written concurrently with run().
	activeInput *FIFOInput

	done chan struct{}
	wg   sync.WaitGroup
}

// NewSwitchController wires the three sources, the splicer and writer they
// feed, and the scene publisher (controlapi.API in production, or
// nil to discard notifications in tests).
func NewSwitchController(fallback, camera, drone *FIFOInput, splicer *StreamSplicer, output *OutputWriter, publisher ScenePublisher, log logging.Logger) *SwitchController {
	if publisher == nil {
		publisher = noopPublisher{}
	}
	c := &SwitchController{
		fallback:  fallback,
		camera:    camera,
		drone:     drone,
		splicer:   splicer,
		output:    output,
		publisher: publisher,
		log:       log,
		done:      make(chan struct{}),
	}
	c.requested.Store(int32(Camera))
	c.current.Store(int32(Fallback))
	return c
}

// SetRequested records the operator's preferred live source (Camera or
// Drone); FALLBACK is never requested directly, only entered via privacy or
// a source becoming unhealthy.
func (c *SwitchController) SetRequested(k Kind) { c.requested.Store(int32(k)) }

// Requested returns the currently requested live source.
func (c *SwitchController) Requested() Kind { return Kind(c.requested.Load()) }

// SetPrivacy sets the privacy flag.
func (c *SwitchController) SetPrivacy(enabled bool) { c.privacy.Store(enabled) }

// Privacy reports the privacy flag.
func (c *SwitchController) Privacy() bool { return c.privacy.Load() }

// CurrentMode returns the mode currently being spliced to the output.
func (c *SwitchController) CurrentMode() Kind { return Kind(c.current.Load()) }

// Start launches the controller's tick loop.
func (c *SwitchController) Start() {
	c.wg.Add(1)
	go c.run()
}

// Stop signals the tick loop to exit and waits for it to finish.
func (c *SwitchController) Stop() {
	close(c.done)
	c.wg.Wait()
}

func (c *SwitchController) run() {
	defer c.wg.Done()
	ticker := time.NewTicker(controllerTick)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.pumpActive()
			c.tick()
		}
	}
}

// pumpActive drains every live packet FIFOInput.Next has buffered beyond
// the active segment's snapshot and rewrites each through the splicer, so
// the output stays continuous once a segment's initial snapshot is
// exhausted instead of going silent until the next splice.
func (c *SwitchController) pumpActive() {
	if c.activeInput == nil {
		return
	}
	info := c.activeInput.Info()
	for {
		pkt := c.activeInput.Next()
		if pkt == nil {
			return
		}
		if err := c.splicer.WritePacket(pkt, info); err != nil {
			c.log.Debug("controller: dropping live packet", "error", err.Error())
		}
	}
}

// tick evaluates one step of the transition table in spec §4.7.
func (c *SwitchController) tick() {
	privacy := c.privacy.Load()
	requested := c.Requested()

	switch c.CurrentMode() {
	case Fallback:
		switch {
		case privacy:
			c.loopFallbackIfNeeded()
		case requested == Camera && c.camera.IsReady():
			c.spliceTo(c.camera, Camera)
		case requested == Drone && c.drone.IsReady():
			c.spliceTo(c.drone, Drone)
		default:
			c.loopFallbackIfNeeded()
		}

	case Camera:
		switch {
		case privacy || !c.camera.IsReady():
			c.spliceTo(c.fallback, Fallback)
		case requested == Drone && c.drone.IsReady():
			c.spliceTo(c.drone, Drone)
		}

	case Drone:
		switch {
		case privacy || !c.drone.IsReady():
			c.spliceTo(c.fallback, Fallback)
		case requested == Camera && c.camera.IsReady():
			c.spliceTo(c.camera, Camera)
		}
	}
}

// loopFallbackIfNeeded re-splices to fallback when its source has produced
// a fresh IDR since the last splice onto it (the offline asset's loop seam),
// keeping the output timeline continuous across the loop boundary per spec
// §4.5 step 7 / §4.7's "performs a splice to itself" contract. It also
// covers the very first splice into FALLBACK at cold start, since
// lastFallbackSeq starts at 0 and any observed IDR is already > 0.
func (c *SwitchController) loopFallbackIfNeeded() {
	if !c.fallback.IsReady() {
		return
	}
	if seq := c.fallback.IDRSeq(); seq != c.lastFallbackSeq {
		c.spliceTo(c.fallback, Fallback)
	}
}

// spliceTo resets target, waits (bounded) for it to become ready, begins a
// new segment on it, and publishes the resulting scene. A timeout or
// splice error abandons the attempt with a warning; the next tick retries.
func (c *SwitchController) spliceTo(target *FIFOInput, kind Kind) {
	c.splicer.EndSegment()

	target.Reset()
	if !c.waitReady(target) {
		c.log.Warning("controller: splice abandoned, source not ready in time", "kind", kind.String())
		return
	}

	if err := c.splicer.BeginSegment(target); err != nil {
		c.log.Warning("controller: could not begin segment", "kind", kind.String(), "error", err.Error())
		return
	}
	c.activeInput = target
	c.output.SetStreamInfo(target.Info())
	if err := c.output.EmitPSI(); err != nil {
		c.log.Debug("controller: PSI emission deferred at splice", "error", err.Error())
	}

	if kind == Fallback {
		c.lastFallbackSeq = target.IDRSeq()
	}
	c.current.Store(int32(kind))
	c.publisher.PublishScene(kind.String())
}

// waitReady polls target.IsReady at a short interval up to readyWait.
func (c *SwitchController) waitReady(target *FIFOInput) bool {
	if target.IsReady() {
		return true
	}
	deadline := time.Now().Add(readyWait)
	t := time.NewTicker(5 * time.Millisecond)
	defer t.Stop()
	for time.Now().Before(deadline) {
		select {
		case <-c.done:
			return false
		case <-t.C:
			if target.IsReady() {
				return true
			}
		}
	}
	return false
}
