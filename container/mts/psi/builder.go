/*
NAME
  builder.go

DESCRIPTION
  builder.go provides construction of PAT/PMT tables for a relay that
  normalizes elementary stream PIDs.

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

package psi

// Stream describes a single elementary stream entry for a PMT.
type Stream struct {
	PID  uint16
	Type byte
}

// BuildPAT constructs a PAT PSI declaring a single program on pmtPID.
func BuildPAT(program, pmtPID uint16) *PSI {
	p := NewPATPSI()
	pat := p.SyntaxSection.SpecificData.(*PAT)
	pat.Program = program
	pat.ProgramMapPID = pmtPID
	p.SectionLen = uint16(TSSDefLen + PATLen + crcSize)
	return p
}

// BuildPMT constructs a PMT PSI with the given table version, nominating
// pcrPID as the PCR carrier and video (required) plus audio (optional) as
// the program's elementary streams. Version must be bumped by the caller
// only when the source's stream types change mid-run.
func BuildPMT(version byte, pcrPID uint16, video, audio *Stream) *PSI {
	p := NewPMTPSI()
	p.SyntaxSection.Version = version & 0x1f

	streams := make([]*StreamSpecificData, 0, 2)
	streams = append(streams, &StreamSpecificData{
		StreamType:    video.Type,
		PID:           video.PID,
		StreamInfoLen: 0,
	})
	if audio != nil {
		streams = append(streams, &StreamSpecificData{
			StreamType:    audio.Type,
			PID:           audio.PID,
			StreamInfoLen: 0,
		})
	}

	pmt := p.SyntaxSection.SpecificData.(*PMT)
	pmt.ProgramClockPID = pcrPID
	pmt.ProgramInfoLen = 0
	pmt.Streams = streams

	// Section length = syntax-section fixed fields + PMT-specific fields
	// (ProgramClockPID/ProgramInfoLen) + one ESSDataLen per stream + CRC.
	p.SectionLen = uint16(TSSDefLen + PMTDefLen + ESSDataLen*len(streams) + crcSize)
	return p
}
