/*
NAME
  relay.go

DESCRIPTION
  relay.go wires the three FIFOInputs, the StreamSplicer, OutputWriter and
  SwitchController together into a single Relay with a Start/Stop lifecycle,
  analogous to revid.Revid's role as the one type main constructs and calls
  Start/Stop on.

  Grounded on revid/revid.go's Revid struct and its New/Start/Stop shape.

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

package relay

import (
	"time"

	"github.com/ausocean/utils/logging"

	"github.com/ausocean/tsrelay/relay/config"
)

// Relay owns every long-lived component of the splicer pipeline: the three
// source readers, the splicing engine, the output writer, and the mode
// switch controller.
type Relay struct {
	Fallback *FIFOInput
	Camera   *FIFOInput
	Drone    *FIFOInput

	Splicer    *StreamSplicer
	Output     *OutputWriter
	Controller *SwitchController

	log logging.Logger
}

// New builds a Relay from cfg. publisher receives scene transitions (pass
// nil to discard them, e.g. in tests); in production it is the controlapi
// API, which also exposes Controller's SetRequested/SetPrivacy to HTTP.
func New(cfg config.Config, publisher ScenePublisher, log logging.Logger) *Relay {
	fallback := NewFIFOInput(cfg.FallbackPipe, Fallback, cfg.BufferPackets, log)
	camera := NewFIFOInput(cfg.CameraPipe, Camera, cfg.BufferPackets, log)
	drone := NewFIFOInput(cfg.DronePipe, Drone, cfg.BufferPackets, log)

	output := NewOutputWriter(cfg.OutputPipe, cfg.PSIRepeatInterval(), log)
	splicer := NewStreamSplicer(output, log)
	controller := NewSwitchController(fallback, camera, drone, splicer, output, publisher, log)

	return &Relay{
		Fallback:   fallback,
		Camera:     camera,
		Drone:      drone,
		Splicer:    splicer,
		Output:     output,
		Controller: controller,
		log:        log,
	}
}

// Start launches every component's background goroutine. Readers and the
// output writer begin immediately; the controller starts splicing as soon
// as fallback becomes ready.
func (r *Relay) Start() {
	r.log.Info("relay: starting")
	r.Output.Start()
	r.Fallback.Start()
	r.Camera.Start()
	r.Drone.Start()
	r.Controller.Start()
}

// Stop shuts every component down in reverse dependency order: the
// controller first (so it stops touching the readers/splicer mid-stop),
// then the readers, then the output writer. It returns once they have all
// joined or stopDeadline has passed, logging which of the two happened.
func (r *Relay) Stop() {
	r.log.Info("relay: stopping")
	joined := make(chan struct{})
	go func() {
		r.Controller.Stop()
		r.Fallback.Stop()
		r.Camera.Stop()
		r.Drone.Stop()
		r.Output.Stop()
		close(joined)
	}()
	select {
	case <-joined:
		r.log.Info("relay: all components joined")
	case <-time.After(stopDeadline):
		r.log.Warning("relay: components did not join before the deadline", "deadline", stopDeadline.String())
	}
}

// stopDeadline bounds how long Stop waits for every component to join.
const stopDeadline = time.Second
