// Package clock implements the session-scoped logical clock and the
// timestamp scheme that totally orders CRDT operations.
package clock

import (
	"crypto/rand"
	"fmt"
	"io"
)

// SessionSystem is the reserved system session. Timestamps under it are
// sentinels: (0,0) is the origin / "no value" anchor.
const SessionSystem uint64 = 0

// SessionServer is the reserved session of server-clock documents, whose ids
// are encoded as bare times.
const SessionServer uint64 = 1

// Timestamp uniquely identifies one logical position authored by a session.
type Timestamp struct {
	Sid  uint64
	Time uint64
}

// Timespan is a run of consecutive timestamps from one session.
type Timespan struct {
	Sid  uint64
	Time uint64
	Span uint64
}

func (t Timestamp) IsZero() bool { return t.Sid == 0 && t.Time == 0 }

// Compare orders timestamps by time first, then by session id. This is the
// total order used by every last-write-wins decision and by the RGA
// tie-break.
func (t Timestamp) Compare(o Timestamp) int {
	switch {
	case t.Time < o.Time:
		return -1
	case t.Time > o.Time:
		return 1
	case t.Sid < o.Sid:
		return -1
	case t.Sid > o.Sid:
		return 1
	}
	return 0
}

func (t Timestamp) String() string {
	return fmt.Sprintf("%d.%d", t.Sid, t.Time)
}

// NewSessionID draws a random session id in the 53-bit range, so that ids
// survive a round-trip through JS peers without precision loss.
func NewSessionID() uint64 {
	bytes := make([]byte, 8)
	if _, err := io.ReadFull(rand.Reader, bytes); err != nil {
		panic(err.Error())
	}
	var n uint64
	for _, b := range bytes {
		n = n<<8 | uint64(b)
	}
	// avoid the reserved system (0) and server (1) sessions
	return n%((1<<53)-2) + 2
}

// Clock is the per-document vector clock: a local session plus the highest
// observed time for every session ever seen. The table is the sole
// de-duplication mechanism during replay.
type Clock struct {
	sid    uint64
	latest map[uint64]uint64
}

// New creates a clock for a local session. Time starts at 1; (sid, 0) is
// never allocated.
func New(sid uint64) *Clock {
	return &Clock{sid: sid, latest: map[uint64]uint64{sid: 0}}
}

func (c *Clock) SID() uint64 { return c.sid }

// Time returns the next local time without consuming it.
func (c *Clock) Time() uint64 { return c.latest[c.sid] + 1 }

// Tick allocates span consecutive local timestamps and returns the first.
// Requesting zero timestamps is a programmer error.
func (c *Clock) Tick(span uint64) Timestamp {
	if span == 0 {
		panic("clock: tick span must be positive")
	}
	t := c.latest[c.sid] + 1
	c.latest[c.sid] += span
	return Timestamp{Sid: c.sid, Time: t}
}

// Observe raises the high-water-mark for id's session to cover the whole
// span. The local session is fast-forwarded past everything observed, so
// locally authored timestamps always compare greater than known history.
func (c *Clock) Observe(id Timestamp, span uint64) {
	if span == 0 {
		return
	}
	end := id.Time + span - 1
	if end > c.latest[id.Sid] {
		c.latest[id.Sid] = end
	}
	if id.Sid != c.sid && end > c.latest[c.sid] {
		c.latest[c.sid] = end
	}
}

// Load records a high-water-mark directly, without fast-forwarding the
// local session. Used when restoring a clock from a snapshot table.
func (c *Clock) Load(sid, time uint64) {
	if time > c.latest[sid] {
		c.latest[sid] = time
	}
}

// IsNew reports whether any part of [id.Time, id.Time+span) is above the
// recorded high-water-mark for id's session. A fully covered range is a
// duplicate and must not be re-applied.
func (c *Clock) IsNew(id Timestamp, span uint64) bool {
	if span == 0 {
		return false
	}
	return id.Time+span-1 > c.latest[id.Sid]
}

// Latest returns the high-water-mark for a session, zero if never seen.
func (c *Clock) Latest(sid uint64) uint64 { return c.latest[sid] }

// Sessions lists every session the clock has seen, local first; peer order
// is unspecified.
func (c *Clock) Sessions() []uint64 {
	out := make([]uint64, 0, len(c.latest))
	out = append(out, c.sid)
	for sid := range c.latest {
		if sid != c.sid {
			out = append(out, sid)
		}
	}
	return out
}

// Fork clones the clock under a new local session. The new session inherits
// the old local time, and the old session is retained as a peer entry.
func (c *Clock) Fork(sid uint64) *Clock {
	next := &Clock{sid: sid, latest: make(map[uint64]uint64, len(c.latest)+1)}
	for s, t := range c.latest {
		next.latest[s] = t
	}
	if c.latest[c.sid] > next.latest[sid] {
		next.latest[sid] = c.latest[c.sid]
	}
	return next
}

// Clone copies the clock under the same local session.
func (c *Clock) Clone() *Clock {
	return c.Fork(c.sid)
}
