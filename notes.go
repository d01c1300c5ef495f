// Note timing buffer: converts a burst of note events into one anchor
// timestamp plus per-event millisecond offsets, so receivers can replay the
// burst with its original relative timing regardless of network jitter.

package main

import (
	"time"
)

type noteBuffer struct {
	resetWindow time.Duration
	now         func() time.Time

	base     time.Time
	anchored bool
	events   []noteEvent
}

func newNoteBuffer(resetWindow time.Duration, now func() time.Time) *noteBuffer {
	if now == nil {
		now = time.Now
	}

	return &noteBuffer{
		resetWindow: resetWindow,
		now:         now,
	}
}

// record appends ev to the buffer. The first event anchors the batch at the
// current time with no offset; later events carry their distance from the
// anchor. A gap longer than the reset window is a timing discontinuity: the
// pending events are discarded and ev starts a fresh batch.
func (b *noteBuffer) record(ev noteEvent) {
	now := b.now()

	if b.anchored && now.Sub(b.base) > b.resetWindow {
		b.anchored = false
		b.events = b.events[:0]
	}

	if !b.anchored {
		b.base = now
		b.anchored = true
		ev.Offset = 0
	} else {
		ev.Offset = now.Sub(b.base).Milliseconds()
	}

	b.events = append(b.events, ev)
}

// flush returns the anchor timestamp in unix milliseconds plus the buffered
// events, and clears the buffer. The third return is false when there was
// nothing to flush.
func (b *noteBuffer) flush() (int64, []noteEvent, bool) {
	if !b.anchored || len(b.events) == 0 {
		b.reset()
		return 0, nil, false
	}

	base := b.base.UnixMilli()
	events := make([]noteEvent, len(b.events))
	copy(events, b.events)

	b.reset()

	return base, events, true
}

func (b *noteBuffer) reset() {
	b.anchored = false
	b.events = b.events[:0]
}
