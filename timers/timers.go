// Package timers holds the deadline queue driving every protocol timer.
//
// A timer is named by a Key describing its role (kind, interface, group,
// source), never by a pointer into protocol state, so a fired timer whose
// record has gone away is detected by a failed lookup. The queue owns no
// goroutines or wall clock: callers move time forward with Advance.
package timers

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/google/btree"
)

type Kind uint8

const (
	RouterGeneralQuery Kind = iota
	RouterGroup
	RouterSource
	HostGeneralQuery
	HostGroup
	RouterOtherQuerier
	RouterQueryRetransmit
)

func (k Kind) String() string {
	switch k {
	case RouterGeneralQuery:
		return "router-general-query"
	case RouterGroup:
		return "router-group"
	case RouterSource:
		return "router-source"
	case HostGeneralQuery:
		return "host-general-query"
	case HostGroup:
		return "host-group"
	case RouterOtherQuerier:
		return "router-other-querier"
	case RouterQueryRetransmit:
		return "router-query-retransmit"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Key identifies the record a timer belongs to. Group and Source are the
// zero Addr when the kind does not use them.
type Key struct {
	Kind      Kind
	Interface int
	Group     netip.Addr
	Source    netip.Addr
}

func (k Key) String() string {
	switch {
	case k.Source.IsValid():
		return fmt.Sprintf("%s[if=%d %s/%s]", k.Kind, k.Interface, k.Group, k.Source)
	case k.Group.IsValid():
		return fmt.Sprintf("%s[if=%d %s]", k.Kind, k.Interface, k.Group)
	default:
		return fmt.Sprintf("%s[if=%d]", k.Kind, k.Interface)
	}
}

func InterfaceKey(kind Kind, ifID int) Key { return Key{Kind: kind, Interface: ifID} }

func GroupKey(kind Kind, ifID int, group netip.Addr) Key {
	return Key{Kind: kind, Interface: ifID, Group: group}
}

func SourceKey(kind Kind, ifID int, group, source netip.Addr) Key {
	return Key{Kind: kind, Interface: ifID, Group: group, Source: source}
}

// Handle refers to one scheduling of a timer. A handle goes stale once
// its timer fires, is cancelled or is rescheduled.
type Handle struct {
	key Key
	id  uint64
}

func (h Handle) Key() Key { return h.key }

func (h Handle) IsZero() bool { return h.id == 0 }

type entry struct {
	key      Key
	id       uint64
	deadline time.Time
}

func less(a, b *entry) bool {
	if !a.deadline.Equal(b.deadline) {
		return a.deadline.Before(b.deadline)
	}
	return a.id < b.id
}

// Queue is a set of pending timers ordered by deadline. Timers sharing a
// deadline fire in the order they were scheduled. At most one timer is
// pending per Key. Queue is not safe for concurrent use.
type Queue struct {
	now    time.Time
	nextID uint64
	live   map[Key]*entry
	order  *btree.BTreeG[*entry]
}

func New(now time.Time) *Queue {
	return &Queue{
		now:   now,
		live:  make(map[Key]*entry),
		order: btree.NewG[*entry](8, less),
	}
}

// Now is the time the queue was last advanced to.
func (q *Queue) Now() time.Time { return q.now }

func (q *Queue) Len() int { return len(q.live) }

// Schedule arms the timer for key to fire delay after Now, replacing any
// pending timer with the same key. Negative delays are treated as zero.
func (q *Queue) Schedule(key Key, delay time.Duration) Handle {
	q.CancelKey(key)
	if delay < 0 {
		delay = 0
	}
	q.nextID++
	e := &entry{key: key, id: q.nextID, deadline: q.now.Add(delay)}
	q.live[key] = e
	q.order.ReplaceOrInsert(e)
	return Handle{key: key, id: e.id}
}

// Active reports whether h still refers to a pending timer.
func (q *Queue) Active(h Handle) bool {
	e, ok := q.live[h.key]
	return ok && e.id == h.id
}

// Cancel stops the timer h refers to. Cancelling a stale handle is a
// no-op and returns false.
func (q *Queue) Cancel(h Handle) bool {
	if !q.Active(h) {
		return false
	}
	return q.CancelKey(h.key)
}

// CancelKey stops whatever timer is pending for key.
func (q *Queue) CancelKey(key Key) bool {
	e, ok := q.live[key]
	if !ok {
		return false
	}
	delete(q.live, key)
	q.order.Delete(e)
	return true
}

// CancelFunc stops every pending timer whose key matches and returns how
// many were stopped.
func (q *Queue) CancelFunc(match func(Key) bool) int {
	var doomed []*entry
	for key, e := range q.live {
		if match(key) {
			doomed = append(doomed, e)
		}
	}
	for _, e := range doomed {
		delete(q.live, e.key)
		q.order.Delete(e)
	}
	return len(doomed)
}

// Remaining returns the time left before h fires.
func (q *Queue) Remaining(h Handle) (time.Duration, bool) {
	if !q.Active(h) {
		return 0, false
	}
	return q.live[h.key].deadline.Sub(q.now), true
}

// Deadline returns when the timer pending for key fires.
func (q *Queue) Deadline(key Key) (time.Time, bool) {
	e, ok := q.live[key]
	if !ok {
		return time.Time{}, false
	}
	return e.deadline, true
}

// Next returns the earliest pending deadline.
func (q *Queue) Next() (time.Time, bool) {
	e, ok := q.order.Min()
	if !ok {
		return time.Time{}, false
	}
	return e.deadline, true
}

// Advance moves the clock to now and fires every timer due by then, one
// at a time in deadline order. While fire runs, Now reports the deadline
// of the timer being fired, and fire may schedule or cancel timers; any
// newly scheduled timer that is due by now fires in the same call. Time
// never moves backwards. Advance returns the number of timers fired.
func (q *Queue) Advance(now time.Time, fire func(Key)) int {
	fired := 0
	for {
		e, ok := q.order.Min()
		if !ok || e.deadline.After(now) {
			break
		}
		q.order.DeleteMin()
		delete(q.live, e.key)
		if e.deadline.After(q.now) {
			q.now = e.deadline
		}
		fired++
		fire(e.key)
	}
	if now.After(q.now) {
		q.now = now
	}
	return fired
}
