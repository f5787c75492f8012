// idle connection timers
package engine

import "time"

// timerID addresses a record in the timer arena. The generation makes a
// handle to a freed and reused slot harmless.
type timerID struct {
	idx int32
	gen uint32
}

var noTimer = timerID{idx: -1}

type timerRecord struct {
	expire time.Time
	conn   *Conn
	prev   int32
	next   int32
	gen    uint32
	live   bool
}

// timerList keeps records in ascending expiration order as a doubly linked
// list over an arena of indices. It does no locking of its own: every call
// must hold Reactor.mu.
type timerList struct {
	recs     []timerRecord
	free     []int32
	head     int32
	tail     int32
	size     int
	onExpire func(c *Conn)
}

func newTimerList(onExpire func(c *Conn)) *timerList {
	return &timerList{head: -1, tail: -1, onExpire: onExpire}
}

func (l *timerList) len() int { return l.size }

func (l *timerList) valid(id timerID) bool {
	return id.idx >= 0 && int(id.idx) < len(l.recs) &&
		l.recs[id.idx].live && l.recs[id.idx].gen == id.gen
}

// add inserts a record for c. Expirations are almost always the latest in
// the list, so the scan starts at the tail.
func (l *timerList) add(c *Conn, expire time.Time) timerID {
	var i int32
	if n := len(l.free); n > 0 {
		i = l.free[n-1]
		l.free = l.free[:n-1]
	} else {
		l.recs = append(l.recs, timerRecord{})
		i = int32(len(l.recs) - 1)
	}

	r := &l.recs[i]
	r.expire, r.conn, r.live = expire, c, true
	l.link(i)
	l.size++
	return timerID{idx: i, gen: r.gen}
}

// remove drops the record. Stale handles are ignored.
func (l *timerList) remove(id timerID) bool {
	if !l.valid(id) {
		return false
	}
	l.unlink(id.idx)
	l.release(id.idx)
	return true
}

// adjust moves the record to its new sorted position.
func (l *timerList) adjust(id timerID, expire time.Time) bool {
	if !l.valid(id) {
		return false
	}

	r := &l.recs[id.idx]
	r.expire = expire
	if (r.prev < 0 || !l.recs[r.prev].expire.After(expire)) &&
		(r.next < 0 || expire.Before(l.recs[r.next].expire)) {
		return true
	}

	l.unlink(id.idx)
	l.link(id.idx)
	return true
}

// tick pops every record due at now and hands its connection to the
// expiry callback. The list is sorted, so it stops at the first future record.
func (l *timerList) tick(now time.Time) int {
	n := 0
	for l.head >= 0 {
		i := l.head
		if now.Before(l.recs[i].expire) {
			break
		}

		c := l.recs[i].conn
		l.unlink(i)
		l.release(i)
		n++

		if l.onExpire != nil {
			l.onExpire(c)
		}
	}
	return n
}

// link places a detached record after the last record that does not expire later.
func (l *timerList) link(i int32) {
	r := &l.recs[i]

	at := l.tail
	for at >= 0 && l.recs[at].expire.After(r.expire) {
		at = l.recs[at].prev
	}

	r.prev = at
	if at < 0 {
		r.next = l.head
		l.head = i
	} else {
		r.next = l.recs[at].next
		l.recs[at].next = i
	}

	if r.next < 0 {
		l.tail = i
	} else {
		l.recs[r.next].prev = i
	}
}

func (l *timerList) unlink(i int32) {
	r := &l.recs[i]
	if r.prev < 0 {
		l.head = r.next
	} else {
		l.recs[r.prev].next = r.next
	}
	if r.next < 0 {
		l.tail = r.prev
	} else {
		l.recs[r.next].prev = r.prev
	}
	r.prev, r.next = -1, -1
}

func (l *timerList) release(i int32) {
	r := &l.recs[i]
	r.conn = nil
	r.live = false
	r.gen++
	l.free = append(l.free, i)
	l.size--
}
