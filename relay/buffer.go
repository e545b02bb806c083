/*
NAME
  buffer.go

DESCRIPTION
  buffer.go implements the per-source packet arena: a bounded, index-based
  ring of raw TS packets with idrIndex/consumeIndex/snapshotEnd indices that
  are decremented in lockstep whenever the arena is trimmed, so a splicer
  holding a snapshot never sees an index invalidated out from under it.

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

package relay

import "sync"

// sourceBuffer is a bounded arena of raw 188-byte TS packets belonging to one
// source, with the indices described in buffer.go's package doc. All fields
// are protected by mu; packets themselves are immutable copies once stored.
type sourceBuffer struct {
	mu sync.Mutex

	packets [][]byte // each exactly mts.PacketSize bytes.
	max     int      // trim target; the arena may briefly exceed it (see Append).

	idrIndex     int // offset of the first IDR frame found since the last reset, or -1.
	consumeIndex int // next packet to hand out via Next.
	snapshotEnd  int // high-water mark handed to the splicer by Snapshot.
	pending      int // offset of a video PES start not yet resolved as IDR/non-IDR, or -1.

	orphanAudio int // diagnostic: continuation audio packets seen before first audio PUSI.
	malformed   int // diagnostic: packets dropped for a bad sync byte/adaptation length.
}

func newSourceBuffer(max int) *sourceBuffer {
	return &sourceBuffer{max: max, idrIndex: -1, pending: -1}
}

// append adds one packet (copied) to the tail of the arena, then trims from
// the head down to max, never trimming past the smallest of idrIndex,
// consumeIndex and snapshotEnd — those packets may still be referenced by a
// snapshot in flight. If the safe trim falls short of max the arena is
// simply allowed to run over for now; the next append retries once the
// splicer has advanced past more of the arena.
func (b *sourceBuffer) append(pkt []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cp := make([]byte, len(pkt))
	copy(cp, pkt)
	b.packets = append(b.packets, cp)

	excess := len(b.packets) - b.max
	if excess <= 0 {
		return
	}
	safe := b.snapshotEnd
	if b.consumeIndex < safe {
		safe = b.consumeIndex
	}
	if b.idrIndex >= 0 && b.idrIndex < safe {
		safe = b.idrIndex
	}
	if b.pending >= 0 && b.pending < safe {
		safe = b.pending
	}
	trim := excess
	if trim > safe {
		trim = safe
	}
	if trim <= 0 {
		return
	}
	b.packets = b.packets[trim:]
	b.idrIndex = dec(b.idrIndex, trim)
	b.pending = dec(b.pending, trim)
	b.consumeIndex -= trim
	b.snapshotEnd -= trim
}

// lastIndex returns the arena offset of the most recently appended packet.
func (b *sourceBuffer) lastIndex() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.packets) - 1
}

// setPending records idx as a video PES start awaiting IDR/non-IDR
// resolution, pinning the arena so it cannot be trimmed away before resolve
// is called.
func (b *sourceBuffer) setPending(idx int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = idx
}

// resolvePending clears the pin set by setPending; if isIDR, pending becomes
// the new idrIndex.
func (b *sourceBuffer) resolvePending(isIDR bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if isIDR && b.pending >= 0 {
		b.idrIndex = b.pending
	}
	b.pending = -1
}

// dec subtracts n from idx but never below -1 (idx=-1 means "not yet set").
func dec(idx, n int) int {
	if idx < 0 {
		return idx
	}
	idx -= n
	if idx < 0 {
		return 0
	}
	return idx
}

// reset clears idrIndex so the state machine re-enters NO_IDR, for use at
// a stream reset or a fallback loop boundary. It does not discard buffered
// packets already relied upon by an in-flight snapshot.
func (b *sourceBuffer) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.idrIndex = -1
	b.pending = -1
}

// snapshot copies every packet from idrIndex to the current tail and
// records snapshotEnd so subsequent appends can be consumed contiguously
// afterwards via next. Returns nil if no IDR has been found yet.
func (b *sourceBuffer) snapshot() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.idrIndex < 0 {
		return nil
	}
	out := make([][]byte, len(b.packets)-b.idrIndex)
	copy(out, b.packets[b.idrIndex:])
	b.snapshotEnd = len(b.packets)
	b.consumeIndex = b.snapshotEnd
	return out
}

// next returns the next live packet beyond the last snapshot, or nil if
// none has arrived yet.
func (b *sourceBuffer) next() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.consumeIndex >= len(b.packets) {
		return nil
	}
	p := b.packets[b.consumeIndex]
	b.consumeIndex++
	return p
}

func (b *sourceBuffer) addOrphanAudio() {
	b.mu.Lock()
	b.orphanAudio++
	b.mu.Unlock()
}

func (b *sourceBuffer) addMalformed() {
	b.mu.Lock()
	b.malformed++
	b.mu.Unlock()
}

// stats returns the diagnostic counters.
func (b *sourceBuffer) stats() (orphanAudio, malformed int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.orphanAudio, b.malformed
}
