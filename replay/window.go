package replay

// Window is the 64-entry sliding anti-replay window from spec.md §3: a
// 64-bit bitmap plus the highest sequence number seen so far (base). Bit i
// set means sequence (base-i) has already been accepted.
type Window struct {
	base       uint32
	bitmap     uint64
	hasSeenAny bool
}

// Accept validates seq against the window and, if accepted, marks it seen.
// It returns ErrReplay if seq is too old (64 or more behind base) or has
// already been seen within the window.
func (w *Window) Accept(seq uint32) error {
	if !w.hasSeenAny {
		w.base = seq
		w.bitmap = 1
		w.hasSeenAny = true
		return nil
	}

	diff := int64(w.base) - int64(seq)

	switch {
	case diff > 0 && diff < 64:
		bit := uint64(1) << uint(diff)
		if w.bitmap&bit != 0 {
			return ErrReplay
		}
		w.bitmap |= bit
		return nil

	case diff == 0:
		// Re-delivery of the current base: bit 0 was set when base was
		// first accepted, so this is always a replay.
		return ErrReplay

	case diff >= 64:
		return ErrReplay

	default: // diff < 0: seq is newer than base
		shift := uint64(-diff)
		if shift >= 64 {
			w.bitmap = 0
		} else {
			w.bitmap <<= shift
		}
		w.base = seq
		w.bitmap |= 1
		return nil
	}
}
