/*
DESCRIPTION
  scan.go locates every Annex-B NAL unit in a byte stream, which a PES
  payload inspector needs in order to find SPS/PPS/IDR boundaries rather
  than just the first NAL.

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

package h264

import "github.com/ausocean/tsrelay/codec/h264/h264dec"

// NALUnit describes the bounds of one NAL unit (start code excluded) found
// within a byte stream, and its type.
type NALUnit struct {
	Type  int
	Start int
	End   int // exclusive
}

// ScanNALs walks data for Annex-B start codes (00 00 01 or 00 00 00 01) and
// returns the bounds of every NAL unit found, in order. Access unit
// delimiters (h264dec.NALTypeAccessUnitDelimiter) are skipped.
func ScanNALs(data []byte) []NALUnit {
	var starts []int
	for i := 0; i+3 <= len(data); {
		if data[i] != 0x00 {
			i++
			continue
		}
		// Look for 00 00 01, allowing an optional leading zero (00 00 00 01).
		if i+2 < len(data) && data[i+1] == 0x00 && data[i+2] == 0x01 {
			starts = append(starts, i+3)
			i += 3
			continue
		}
		if i+3 < len(data) && data[i+1] == 0x00 && data[i+2] == 0x00 && data[i+3] == 0x01 {
			starts = append(starts, i+4)
			i += 4
			continue
		}
		i++
	}

	units := make([]NALUnit, 0, len(starts))
	for idx, start := range starts {
		end := len(data)
		if idx+1 < len(starts) {
			// The next unit's start code (3 or 4 bytes) precedes its NAL start;
			// back off to the nearest preceding zero run.
			end = backOffStartCode(data, starts[idx+1])
		}
		if start >= end {
			continue
		}
		typ := int(data[start] & 0x1f)
		if typ == h264dec.NALTypeAccessUnitDelimiter {
			continue
		}
		units = append(units, NALUnit{Type: typ, Start: start, End: end})
	}
	return units
}

// backOffStartCode returns the index immediately before the start code that
// precedes nalStart (nalStart itself is the byte following that start code).
func backOffStartCode(data []byte, nalStart int) int {
	i := nalStart - 3
	if i >= 1 && data[i-1] == 0x00 {
		i--
	}
	if i < 0 {
		return 0
	}
	return i
}

// HasType reports whether units contains a NAL unit of the given type.
func HasType(units []NALUnit, typ int) bool {
	for _, u := range units {
		if u.Type == typ {
			return true
		}
	}
	return false
}
