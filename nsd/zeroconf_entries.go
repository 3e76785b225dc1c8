package nsd

import (
	"time"

	"github.com/libp2p/zeroconf/v2"
)

type entryEvent int

const (
	entryNone entryEvent = iota
	entryFound
	entryLost
)

// trackedEntry is one browsed instance. A lost entry stays tracked until its records
// expire, because zeroconf will not hand the same instance to Browse again before that.
type trackedEntry struct {
	info     ServiceInfo
	expires  time.Time
	lastSeen time.Time
	lost     bool
	checking bool
}

// entryTracker turns the zeroconf answer stream into Found/Lost transitions.
//
// zeroconf drops goodbye (TTL 0) records and sends each instance only once per record
// lifetime, so liveness is established by re-looking up instances that have been quiet
// for longer than the liveness interval.
type entryTracker struct {
	liveness time.Duration
	entries  map[string]*trackedEntry
}

func newEntryTracker(liveness time.Duration) *entryTracker {
	return &entryTracker{liveness: liveness, entries: make(map[string]*trackedEntry)}
}

// observe records an answer. An answer that is already expired is a goodbye.
func (t *entryTracker) observe(e *zeroconf.ServiceEntry, now time.Time) (ServiceInfo, entryEvent) {
	info := entryToServiceInfo(e)
	cur, ok := t.entries[e.Instance]
	if !e.Expiry.After(now) {
		if !ok {
			return info, entryNone
		}
		delete(t.entries, e.Instance)
		if cur.lost {
			return cur.info, entryNone
		}
		return cur.info, entryLost
	}
	if !ok {
		t.entries[e.Instance] = &trackedEntry{info: info, expires: e.Expiry, lastSeen: now}
		return info, entryFound
	}
	wasLost := cur.lost
	cur.info, cur.expires, cur.lastSeen, cur.lost = info, e.Expiry, now, false
	if wasLost {
		return info, entryFound
	}
	return info, entryNone
}

// expire drops entries whose records ran out and returns those not yet reported lost.
func (t *entryTracker) expire(now time.Time) []ServiceInfo {
	var lost []ServiceInfo
	for name, cur := range t.entries {
		if now.Before(cur.expires) {
			continue
		}
		delete(t.entries, name)
		if !cur.lost {
			lost = append(lost, cur.info)
		}
	}
	return lost
}

// due returns the entries quiet for at least the liveness interval and marks them as
// being checked. Lost entries are checked too so a returning peer is found again.
func (t *entryTracker) due(now time.Time) []ServiceInfo {
	var out []ServiceInfo
	for _, cur := range t.entries {
		if cur.checking || now.Sub(cur.lastSeen) < t.liveness {
			continue
		}
		cur.checking = true
		out = append(out, cur.info)
	}
	return out
}

// checked applies the result of a liveness lookup; e is nil when nothing answered.
func (t *entryTracker) checked(name string, e *zeroconf.ServiceEntry, now time.Time) (ServiceInfo, entryEvent) {
	cur, ok := t.entries[name]
	if !ok {
		if e == nil {
			return ServiceInfo{Name: name}, entryNone
		}
		return t.observe(e, now)
	}
	cur.checking = false
	if e != nil {
		return t.observe(e, now)
	}
	// a silent lost entry is retried after another interval
	cur.lastSeen = now
	if cur.lost {
		return cur.info, entryNone
	}
	cur.lost = true
	return cur.info, entryLost
}

func (t *entryTracker) size() int {
	return len(t.entries)
}
