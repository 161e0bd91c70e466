// Copyright 2019 Lanikai Labs. All rights reserved.

package srtp

// replayWindow is a sliding bitmap of recently-seen packet indices for one
// SSRC, used to detect replayed or excessively-delayed packets.
// https://tools.ietf.org/html/rfc3711#section-3.3.2
type replayWindow struct {
	// highest index (ROC<<16 | SEQ) observed so far
	highest uint64

	// bitmap of the replayWindowSize indices at and below highest; bit 0
	// corresponds to highest itself
	bitmap uint64

	initialized bool
}

const replayWindowSize = 64

// check reports whether index is new (not previously seen and not too old
// to fit in the window). It does not update the window; call accept once
// the packet has also passed authentication.
func (w *replayWindow) check(index uint64) error {
	if !w.initialized {
		return nil
	}

	if index > w.highest {
		return nil
	}

	delta := w.highest - index
	if delta >= replayWindowSize {
		return errReplayed
	}
	if w.bitmap&(1<<delta) != 0 {
		return errReplayed
	}
	return nil
}

// accept marks index as seen, advancing the window if index is the new
// highest.
func (w *replayWindow) accept(index uint64) {
	if !w.initialized {
		w.highest = index
		w.bitmap = 1
		w.initialized = true
		return
	}

	switch {
	case index > w.highest:
		shift := index - w.highest
		if shift >= replayWindowSize {
			w.bitmap = 1
		} else {
			w.bitmap = (w.bitmap << shift) | 1
		}
		w.highest = index
	case index == w.highest:
		w.bitmap |= 1
	default:
		delta := w.highest - index
		if delta < replayWindowSize {
			w.bitmap |= 1 << delta
		}
	}
}
