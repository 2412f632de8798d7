// Package session tracks when each player identity was first and last seen
// across player polls.
package session

import (
	"sort"
	"sync"
	"time"

	"palctl/internal/palapi"
)

// InactiveAfter is how long an absent identity is kept before it is forgotten.
const InactiveAfter = 120 * time.Minute

type Record struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
	// Present is true when the identity was in the latest poll.
	Present bool `json:"present"`
}

// Change lists identities that appeared or disappeared in one poll.
type Change struct {
	Joined []Record
	Left   []Record
}

func (c Change) Empty() bool { return len(c.Joined) == 0 && len(c.Left) == 0 }

type Tracker struct {
	mu       sync.Mutex
	sessions map[string]*Record
}

func NewTracker() *Tracker {
	return &Tracker{sessions: map[string]*Record{}}
}

// Update applies one poll taken at now. Present identities get last-seen
// refreshed (first-seen on first sight). Absent identities are dropped only
// once their last-seen age exceeds InactiveAfter.
func (t *Tracker) Update(players []palapi.Player, now time.Time) Change {
	t.mu.Lock()
	defer t.mu.Unlock()

	var ch Change
	present := make(map[string]struct{}, len(players))
	for _, p := range players {
		present[p.ID] = struct{}{}
		rec, ok := t.sessions[p.ID]
		if !ok {
			rec = &Record{ID: p.ID, FirstSeen: now}
			t.sessions[p.ID] = rec
		}
		rec.Name = p.Name
		rec.LastSeen = now
		if !rec.Present {
			rec.Present = true
			ch.Joined = append(ch.Joined, *rec)
		}
	}

	for id, rec := range t.sessions {
		if _, ok := present[id]; ok {
			continue
		}
		if rec.Present {
			rec.Present = false
			ch.Left = append(ch.Left, *rec)
		}
		if now.Sub(rec.LastSeen) > InactiveAfter {
			delete(t.sessions, id)
		}
	}
	sortRecords(ch.Joined)
	sortRecords(ch.Left)
	return ch
}

// Durations maps each tracked identity to seconds since first seen, clamped at zero.
func (t *Tracker) Durations(now time.Time) map[string]int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]int64, len(t.sessions))
	for id, rec := range t.sessions {
		secs := int64(now.Sub(rec.FirstSeen) / time.Second)
		if secs < 0 {
			secs = 0
		}
		out[id] = secs
	}
	return out
}

// Snapshot returns all records sorted by identity.
func (t *Tracker) Snapshot() []Record {
	t.mu.Lock()
	out := make([]Record, 0, len(t.sessions))
	for _, rec := range t.sessions {
		out = append(out, *rec)
	}
	t.mu.Unlock()
	sortRecords(out)
	return out
}

func sortRecords(rs []Record) {
	sort.Slice(rs, func(i, j int) bool { return rs[i].ID < rs[j].ID })
}
