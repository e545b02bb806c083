/*
NAME
  source.go

DESCRIPTION
  source.go defines the tagged sum over source kinds that this relay
  switches between, replacing dynamic dispatch over input types: readers
  are uniform (FIFOInput), only the selection policy in SwitchController
  differs by kind.

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package relay implements the live MPEG-TS splicer: per-source readers,
// the active-source splice engine, the output writer and the mode switch
// controller that ties them together.
package relay

// Kind identifies one of the three source roles the controller switches
// between.
type Kind int

const (
	Fallback Kind = iota
	Camera
	Drone
)

// String returns the scene name this kind is published as.
func (k Kind) String() string {
	switch k {
	case Camera:
		return "live-camera"
	case Drone:
		return "live-drone"
	default:
		return "fallback"
	}
}

// readerState is a FIFOInput's position in its readiness state machine.
type readerState int

const (
	stateNoPAT readerState = iota
	stateNoPMT
	stateNoIDR
	stateNoAudioSync
	stateReady
)

func (s readerState) String() string {
	switch s {
	case stateNoPAT:
		return "NO_PAT"
	case stateNoPMT:
		return "NO_PMT"
	case stateNoIDR:
		return "NO_IDR"
	case stateNoAudioSync:
		return "NO_AUDIO_SYNC"
	case stateReady:
		return "READY"
	default:
		return "UNKNOWN"
	}
}

// StreamInfo describes the PIDs and stream types a source's PAT+PMT have
// declared. It is set once per PAT/PMT detection and not mutated until the
// reader detects PAT/PMT again after its producer reconnects.
type StreamInfo struct {
	Program   uint16
	PMTPID    uint16
	VideoPID  uint16
	AudioPID  uint16 // 0 if the source carries no audio.
	PCRPID    uint16
	VideoType uint8
	AudioType uint8
}

// HasAudio reports whether the source declared an audio elementary stream.
func (si StreamInfo) HasAudio() bool { return si.AudioPID != 0 }
