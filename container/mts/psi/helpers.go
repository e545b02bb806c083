/*
NAME
	helpers.go

DESCRIPTION
  helpers.go provides functionality for preparing PSI byte slices for
  insertion into an MPEG-TS packet.

AUTHOR
  Saxon Milton <saxon@ausocean.org>

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/


package psi

// AddPadding adds an appropriate amount of padding to a pat or pmt table for
// addition to an MPEG-TS packet
func AddPadding(d []byte) []byte {
	t := make([]byte, PacketSize)
	copy(t, d)
	padding := t[len(d):]
	for i := range padding {
		padding[i] = 0xff
	}
	return t
}
