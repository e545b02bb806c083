/*
NAME
  relay_test.go

DESCRIPTION
  relay_test.go contains testing for functionality found in relay.go.

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

package relay

import (
	"testing"

	"github.com/ausocean/tsrelay/relay/config"
)

func testConfig() config.Config {
	return config.Config{
		CameraPipe:    "unused-camera",
		DronePipe:     "unused-drone",
		FallbackPipe:  "unused-fallback",
		OutputPipe:    "unused-output",
		HTTPPort:      0,
		BufferPackets: 100,
		PSIRepeatMS:   1000,
	}
}

func TestRelayNewWiresAllComponents(t *testing.T) {
	r := New(testConfig(), nil, testLogger())

	if r.Fallback == nil || r.Camera == nil || r.Drone == nil {
		t.Fatal("New() left a FIFOInput unset")
	}
	if r.Splicer == nil || r.Output == nil || r.Controller == nil {
		t.Fatal("New() left the splicer, output writer or controller unset")
	}
	if r.Fallback.kind != Fallback || r.Camera.kind != Camera || r.Drone.kind != Drone {
		t.Error("New() assigned the wrong Kind to one or more FIFOInputs")
	}
	if r.Controller.Requested() != Camera {
		t.Errorf("Controller.Requested() = %s, want %s by default", r.Controller.Requested(), Camera)
	}
}

func TestRelayStartStopDoesNotHang(t *testing.T) {
	r := New(testConfig(), nil, testLogger())
	r.Start()
	r.Stop()
}
