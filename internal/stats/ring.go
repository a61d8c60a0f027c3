package stats

import "github.com/mbd888/fraudwatch/internal/fraud"

// ring is a fixed-capacity buffer of alerts. Inserting into a full ring
// overwrites the oldest slot. Every insert gets the next sequence number.
// Not safe for concurrent use.
type ring struct {
	buf   []entry
	head  int // next write position
	count int
	seq   uint64
}

type entry struct {
	seq   uint64
	alert *fraud.FraudAlert
}

func newRing(capacity int) *ring {
	if capacity <= 0 {
		capacity = DefaultHistorySize
	}
	return &ring{buf: make([]entry, capacity)}
}

func (r *ring) push(a *fraud.FraudAlert) {
	r.seq++
	r.buf[r.head] = entry{seq: r.seq, alert: a}
	r.head = (r.head + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
}

// each visits alerts most recent first until fn returns false.
func (r *ring) each(fn func(seq uint64, a *fraud.FraudAlert) bool) {
	for i := 0; i < r.count; i++ {
		e := r.buf[(r.head-1-i+len(r.buf))%len(r.buf)]
		if !fn(e.seq, e.alert) {
			return
		}
	}
}

func (r *ring) len() int { return r.count }
